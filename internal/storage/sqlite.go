package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "ghrelay/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteBatch keeps IN (...) lists below SQLite's bound-parameter limit.
const sqliteBatch = 500

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrapErr("sqlite", "open", err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, busy))
	if err != nil {
		return nil, wrapErr("sqlite", "open", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.checkSynchronous(ctx); err != nil {
		_ = db.Close()
		return nil, wrapErr("sqlite", "open", err)
	}

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, wrapErr("sqlite", "migrate", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

// sqliteDSN carries the pragmas in the DSN so the driver applies them to
// every connection it opens, not just the first one. synchronous=FULL makes
// a mark durable once MarkNotified returns.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	return "file:" + path + "?" + q.Encode()
}

// checkSynchronous fails the open when the connection did not come up with
// synchronous=FULL (2).
func (s *sqliteStore) checkSynchronous(ctx context.Context) error {
	var mode int
	if err := s.db.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&mode); err != nil {
		return fmt.Errorf("read synchronous pragma: %w", err)
	}
	if mode != 2 {
		return fmt.Errorf("synchronous pragma is %d, want 2 (FULL)", mode)
	}
	return nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return wrapErr("sqlite", "close", s.db.Close())
}

func (s *sqliteStore) FilterUnseen(ctx context.Context, ids []string) ([]string, error) {
	ids = uniqueIDs(ids)
	seen := make(map[string]struct{}, len(ids))
	for start := 0; start < len(ids); start += sqliteBatch {
		end := min(start+sqliteBatch, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		q := `SELECT event_id FROM notified_events WHERE event_id IN (?` + strings.Repeat(",?", len(chunk)-1) + `)`
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, wrapErr("sqlite", "filter", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, wrapErr("sqlite", "filter", err)
			}
			seen[id] = struct{}{}
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, wrapErr("sqlite", "filter", err)
		}
	}
	return keepUnseen(ids, seen), nil
}

func (s *sqliteStore) HasNotified(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM notified_events WHERE event_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("sqlite", "has", err)
	}
	return true, nil
}

func (s *sqliteStore) MarkNotified(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notified_events(event_id, notified_at) VALUES(?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		id, at.UnixMilli(),
	)
	return wrapErr("sqlite", "mark", err)
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notified_events WHERE notified_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, wrapErr("sqlite", "prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("sqlite", "prune", err)
	}
	return int(n), nil
}
