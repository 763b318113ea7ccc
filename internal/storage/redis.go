package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "ghrelay/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// redisKey holds every notified id as a sorted-set member scored by notified_at (unix milli).
const redisKey = "ghrelay:notified"

// aofWaitMillis bounds how long WAITAOF blocks for the local fsync.
const aofWaitMillis = 5000

var errNotFsynced = errors.New("mark not fsynced to the local AOF")

// redisStore keeps marks in one sorted set. With waitAOF a mark returns only
// after WAITAOF confirms the local append-only file was fsynced, which needs
// Redis 7.2+ with appendonly enabled.
type redisStore struct {
	client  *redis.Client
	waitAOF bool
	log     logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for redis driver")
	}
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, wrapErr("redis", "open", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, wrapErr("redis", "ping", err)
	}
	log.Debug("redis store opened", logx.String("addr", opt.Addr))
	if !cfg.RedisWaitAOF {
		log.Warn("redis marks are not fsync-confirmed; a redis crash can lose recent marks")
	}
	return newRedisStore(client, cfg.RedisWaitAOF, log), nil
}

func newRedisStore(client *redis.Client, waitAOF bool, log logx.Logger) *redisStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{client: client, waitAOF: waitAOF, log: log}
}

func (s *redisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return wrapErr("redis", "close", s.client.Close())
}

func (s *redisStore) FilterUnseen(ctx context.Context, ids []string) ([]string, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return ids, nil
	}
	// One round trip regardless of batch size.
	pipe := s.client.Pipeline()
	cmds := make([]*redis.FloatCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.ZScore(ctx, redisKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr("redis", "filter", err)
	}

	out := make([]string, 0, len(ids))
	for i, cmd := range cmds {
		err := cmd.Err()
		switch {
		case errors.Is(err, redis.Nil):
			out = append(out, ids[i])
		case err != nil:
			return nil, wrapErr("redis", "filter", err)
		}
	}
	return out, nil
}

func (s *redisStore) HasNotified(ctx context.Context, id string) (bool, error) {
	err := s.client.ZScore(ctx, redisKey, id).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("redis", "has", err)
	}
	return true, nil
}

func (s *redisStore) MarkNotified(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return nil
	}
	if err := s.client.ZAddNX(ctx, redisKey, redis.Z{Score: float64(at.UnixMilli()), Member: id}).Err(); err != nil {
		return wrapErr("redis", "mark", err)
	}
	if !s.waitAOF {
		return nil
	}
	acks, err := s.client.Do(ctx, "WAITAOF", 1, 0, aofWaitMillis).Int64Slice()
	if err != nil {
		return wrapErr("redis", "mark", fmt.Errorf("waitaof: %w", err))
	}
	if len(acks) == 0 || acks[0] < 1 {
		return wrapErr("redis", "mark", errNotFsynced)
	}
	return nil
}

func (s *redisStore) Prune(ctx context.Context, before time.Time) (int, error) {
	upper := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	n, err := s.client.ZRemRangeByScore(ctx, redisKey, "-inf", upper).Result()
	if err != nil {
		return 0, wrapErr("redis", "prune", err)
	}
	return int(n), nil
}
