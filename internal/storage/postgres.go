package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "ghrelay/pkg/logx"

	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, wrapErr("postgres", "open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapErr("postgres", "ping", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.initSchema(ctx); err != nil {
		pool.Close()
		return nil, wrapErr("postgres", "migrate", err)
	}
	log.Debug("postgres store opened")
	return st, nil
}

func (s *postgresStore) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS notified_events (
			event_id    TEXT PRIMARY KEY,
			notified_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notified_events_at ON notified_events(notified_at)`,
	}
	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) FilterUnseen(ctx context.Context, ids []string) ([]string, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return ids, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT event_id FROM notified_events WHERE event_id = ANY($1)`, ids)
	if err != nil {
		return nil, wrapErr("postgres", "filter", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{}, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("postgres", "filter", err)
		}
		seen[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("postgres", "filter", err)
	}
	return keepUnseen(ids, seen), nil
}

func (s *postgresStore) HasNotified(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM notified_events WHERE event_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, wrapErr("postgres", "has", err)
	}
	return exists, nil
}

func (s *postgresStore) MarkNotified(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notified_events (event_id, notified_at) VALUES ($1, $2)
		 ON CONFLICT (event_id) DO NOTHING`,
		id, at.UTC(),
	)
	return wrapErr("postgres", "mark", err)
}

func (s *postgresStore) Prune(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notified_events WHERE notified_at < $1`, before.UTC())
	if err != nil {
		return 0, wrapErr("postgres", "prune", err)
	}
	return int(tag.RowsAffected()), nil
}
