// Package supervisor runs ghrelay's long-lived loops (config watch,
// diagnostics server, bus consumers) with panic recovery and restarts.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	logx "ghrelay/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	// A run lasting this long counts as healthy and resets the backoff.
	healthyRun = 30 * time.Second
)

// Supervisor owns a set of named goroutines sharing one context.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	firstErr error
	tasks    map[string]*TaskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option { return func(s *Supervisor) { s.log = log } }

// WithCancelOnError makes the first error from a Go task cancel every task.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// TaskStats describes one named task for /healthz.
type TaskStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Restarts    uint64    `json:"restarts"`
	Panics      uint64    `json:"panics"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at,omitzero"`
}

type Snapshot struct {
	Active     int64       `json:"active"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tasks:  map[string]*TaskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels every task without waiting for them.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded task failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Snapshot is safe on a nil Supervisor, which reports nothing.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap Snapshot
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	for _, t := range s.tasks {
		snap.Active += t.Active
		snap.Tasks = append(snap.Tasks, *t)
	}
	slices.SortFunc(snap.Tasks, func(a, b TaskStats) int { return strings.Compare(a.Name, b.Name) })
	return snap
}

func (s *Supervisor) update(name string, fn func(t *TaskStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		t = &TaskStats{Name: name}
		s.tasks[name] = t
	}
	fn(t)
}

func (s *Supervisor) fail(name string, err error, publish bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tasks[name]; t != nil {
		t.LastErr = err.Error()
		t.LastErrAt = now
	}
	if publish && s.firstErr == nil {
		s.firstErr = err
	}
}

// runOnce executes one run of fn with stats bookkeeping. A panic comes back
// as an error. Cancellation is not an error.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	s.update(name, func(t *TaskStats) { t.Active++; t.LastStartAt = time.Now() })
	defer s.update(name, func(t *TaskStats) { t.Active-- })
	defer func() {
		if r := recover(); r != nil {
			s.update(name, func(t *TaskStats) { t.Panics++ })
			s.log.Error("task panicked",
				logx.String("task", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Go runs fn once. Its error or panic is recorded as the supervisor's first
// error and, with WithCancelOnError, cancels the other tasks.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		s.log.Debug("task started", logx.String("task", name))
		defer s.log.Debug("task stopped", logx.String("task", name))
		if err := s.runOnce(name, fn); err != nil {
			s.fail(name, err, true)
			if s.cancelOnErr {
				s.cancel()
			}
		}
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int
	publish     bool
}

// WithRestartBackoff bounds the exponential delay between restarts.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if lo > 0 {
			p.min = lo
		}
		if hi > 0 {
			p.max = hi
		}
	}
}

// WithMaxRestarts stops restarting after n failures past the first run.
// Zero means no limit.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records a failure in Err while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// GoRestart keeps fn running: after an error or panic it waits a jittered,
// doubling delay and runs it again. A nil return or cancellation ends it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: defaultMinBackoff, max: defaultMaxBackoff}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.spawn(func() {
		delay := p.min
		for restarts := 0; ; restarts++ {
			if restarts > 0 {
				s.update(name, func(t *TaskStats) { t.Restarts++ })
			}
			started := time.Now()
			err := s.runOnce(name, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			s.fail(name, err, p.publish)
			if p.maxRestarts > 0 && restarts >= p.maxRestarts {
				s.log.Error("task gave up", logx.String("task", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}
			if time.Since(started) >= healthyRun {
				delay = p.min
			}
			wait := delay + rand.N(delay/5+1)
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			delay = min(delay*2, p.max)
		}
	})
}

// Stop cancels every task and waits for them, or for ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task has returned, or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
