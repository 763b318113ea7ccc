package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Store is the deduplication API used by the notifier.
type Store interface {
	// FilterUnseen returns the ids that have not been marked yet, in input order
	// and without duplicates.
	FilterUnseen(ctx context.Context, ids []string) ([]string, error)
	HasNotified(ctx context.Context, id string) (bool, error)
	// MarkNotified records id durably. Marking an id twice is not an error and
	// keeps the first timestamp.
	MarkNotified(ctx context.Context, id string, at time.Time) error
	// Prune deletes records notified before the given time and reports how many went.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Config configures storage.
//
// Driver values: "sqlite" (default), "file", "postgres", "redis".
type Config struct {
	Driver      string
	Path        string        // sqlite database file / file driver prefix
	DSN         string        // postgres connection string / redis URL
	BusyTimeout time.Duration // sqlite only; 0 means default
	// RedisWaitAOF makes each redis mark wait for the local AOF fsync.
	RedisWaitAOF bool
}

// Error wraps any failure of the backing store. The notifier treats it as
// fatal for the current poll cycle.
type Error struct {
	Driver string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Driver, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(driver, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Driver: driver, Op: op, Err: err}
}

// uniqueIDs drops empty and repeated ids, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// keepUnseen returns ids (already unique) that are absent from seen.
func keepUnseen(ids []string, seen map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
