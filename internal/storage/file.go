package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "ghrelay/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.notified.snapshot.json (periodic snapshot)
//   - <prefix>.notified.journal.jsonl (append-only journal, fsynced per mark)
//
// The journal is compacted into the snapshot every fileCompactEvery marks and on Prune.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	notified     map[string]int64 // event id -> unix milli

	writes int
}

type notifiedRecord struct {
	ID string `json:"id"`
	At int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapErr("file", "open", err)
	}

	snapPath := prefix + ".notified.snapshot.json"
	journalPath := prefix + ".notified.journal.jsonl"

	notified := map[string]int64{}
	if err := loadSnapshot(snapPath, notified); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrapErr("file", "load snapshot", err)
	}
	if err := replayJournal(journalPath, notified); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrapErr("file", "replay journal", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, wrapErr("file", "open journal", err)
	}
	if err := sealTornTail(jf); err != nil {
		_ = jf.Close()
		return nil, wrapErr("file", "open journal", err)
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("records", len(notified)))

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		notified:     notified,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return wrapErr("file", "close", err)
}

func (s *fileStore) FilterUnseen(ctx context.Context, ids []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("file", "filter", err)
	}
	ids = uniqueIDs(ids)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, wrapErr("file", "filter", ErrClosed)
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.notified[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *fileStore) HasNotified(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrapErr("file", "has", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, wrapErr("file", "has", ErrClosed)
	}
	_, ok := s.notified[id]
	return ok, nil
}

func (s *fileStore) MarkNotified(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("file", "mark", err)
	}
	if id == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return wrapErr("file", "mark", ErrClosed)
	}
	if _, ok := s.notified[id]; ok {
		return nil
	}

	ms := at.UnixMilli()
	if err := json.NewEncoder(s.journal).Encode(notifiedRecord{ID: id, At: ms}); err != nil {
		return wrapErr("file", "mark", err)
	}
	if err := s.journal.Sync(); err != nil {
		return wrapErr("file", "mark", err)
	}
	s.notified[id] = ms

	s.writes++
	if s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrapErr("file", "prune", err)
	}
	cutoff := before.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, wrapErr("file", "prune", ErrClosed)
	}
	n := 0
	for id, at := range s.notified {
		if at < cutoff {
			delete(s.notified, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.compactLocked(); err != nil {
		return n, wrapErr("file", "prune", err)
	}
	return n, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.notified); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// A crash before the truncate only replays records the snapshot already holds.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

// sealTornTail terminates a partial last line so the next record starts on its own line.
func sealTornTail(f *os.File) error {
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

func loadSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r notifiedRecord
		// A torn final line after a crash is skipped; its mark was never acknowledged.
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		if _, ok := out[r.ID]; !ok {
			out[r.ID] = r.At
		}
	}
	return sc.Err()
}
