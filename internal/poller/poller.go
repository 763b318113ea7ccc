// Package poller drives notification cycles on a schedule.
//
// A cycle fetches the feed, hands the events to the notifier and logs the
// summary. Cycles never overlap: a tick that fires while the previous cycle
// is still running is skipped. Retention pruning runs as a separate daily job.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ghrelay/internal/channel"
	"ghrelay/internal/event"
	"ghrelay/internal/eventbus"
	"ghrelay/internal/notifier"
	logx "ghrelay/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Bus event types.
const (
	EventFetchFailed = "poll.fetch_failed"
	EventPruned      = "poll.pruned"
)

// minInterval keeps interval schedules from hammering the API.
const minInterval = 10 * time.Second

var ErrBusy = errors.New("poller: cycle already running")

type Fetcher interface {
	Fetch(ctx context.Context) ([]event.Record, error)
}

type Processor interface {
	Process(ctx context.Context, events []event.Record, endpoints map[channel.Type][]channel.Endpoint) (notifier.Summary, error)
}

type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

type Config struct {
	Schedule Schedule
	Location *time.Location
	// Retention > 0 enables the daily prune job.
	Retention time.Duration
	// PruneSchedule defaults to "@daily".
	PruneSchedule string
	// CycleTimeout bounds a whole cycle, fetch and enrichment included.
	// 0 means no deadline.
	CycleTimeout time.Duration
}

// FetchFailure is the payload of poll.fetch_failed.
type FetchFailure struct {
	Error string
}

// PruneResult is the payload of poll.pruned.
type PruneResult struct {
	Removed int
	Before  time.Time
}

// Snapshot is a point-in-time view used by the health endpoint.
type Snapshot struct {
	Schedule    string
	Runs        uint64
	Skipped     uint64
	Running     bool
	LastRun     time.Time
	LastSuccess time.Time
	LastError   string
	LastSummary notifier.Summary
	Next        time.Time
}

type Service struct {
	cfg       Config
	fetch     Fetcher
	proc      Processor
	prune     Pruner
	endpoints map[channel.Type][]channel.Endpoint
	bus       eventbus.Bus
	log       logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	pollID  cron.EntryID
	baseCtx context.Context
	cancel  context.CancelFunc

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64

	smu  sync.Mutex
	last Snapshot
}

func New(cfg Config, fetch Fetcher, proc Processor, prune Pruner, endpoints map[channel.Type][]channel.Endpoint, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Schedule.Kind == ScheduleInterval && cfg.Schedule.Every < minInterval {
		log.Warn("poll interval too short; clamped", logx.Duration("requested", cfg.Schedule.Every), logx.Duration("used", minInterval))
		cfg.Schedule.Every = minInterval
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = "@daily"
	}
	return &Service{
		cfg:       cfg,
		fetch:     fetch,
		proc:      proc,
		prune:     prune,
		endpoints: endpoints,
		bus:       bus,
		log:       log,
	}
}

// Start registers the jobs, runs one cycle right away and starts the cron loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	sched, err := s.cfg.Schedule.cronSchedule()
	if err != nil {
		return err
	}
	clog := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog)),
	)

	s.baseCtx, s.cancel = context.WithCancel(ctx)
	base := s.baseCtx
	s.pollID = c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.RunOnce(base); errors.Is(err, ErrBusy) {
			s.log.Warn("previous cycle still running; tick skipped")
		}
	}))

	if s.prune != nil && s.cfg.Retention > 0 {
		if _, err := c.AddFunc(s.cfg.PruneSchedule, func() { _, _ = s.PruneOnce(base) }); err != nil {
			s.cancel()
			return err
		}
	}

	s.c = c
	c.Start()
	s.log.Info("poller started",
		logx.String("schedule", s.cfg.Schedule.String()),
		logx.String("tz", s.cfg.Location.String()),
		logx.Duration("retention", s.cfg.Retention),
	)

	go func() {
		if _, err := s.RunOnce(base); errors.Is(err, ErrBusy) {
			s.log.Debug("initial cycle skipped; already running")
		}
	}()
	return nil
}

// Stop stops triggering and waits for a running cycle until ctx expires,
// then cancels it.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	// The initial cycle runs outside cron; wait for it too.
	for s.running.Load() && ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("poller stopped", logx.Duration("took", time.Since(start)))
}

// RunOnce runs one fetch-and-notify cycle. It returns ErrBusy if a cycle is in flight.
func (s *Service) RunOnce(ctx context.Context) (notifier.Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return notifier.Summary{}, ErrBusy
	}
	defer s.running.Store(false)
	s.runs.Add(1)
	started := time.Now()
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	events, err := s.fetch.Fetch(ctx)
	if err != nil {
		s.log.Error("fetch failed", logx.Err(err))
		s.publish(EventFetchFailed, FetchFailure{Error: err.Error()})
		s.record(started, notifier.Summary{}, err)
		return notifier.Summary{}, err
	}

	sum, err := s.proc.Process(ctx, events, s.endpoints)
	if err != nil {
		s.log.Error("cycle failed",
			logx.String("cycle", sum.CycleID),
			logx.Int("notified", sum.Notified),
			logx.Int("failed", sum.Failed),
			logx.Err(err),
		)
	} else {
		s.logSummary(sum)
	}
	s.record(started, sum, err)
	return sum, err
}

// PruneOnce deletes dedup records older than the retention window.
func (s *Service) PruneOnce(ctx context.Context) (int, error) {
	if s.prune == nil || s.cfg.Retention <= 0 {
		return 0, nil
	}
	before := time.Now().Add(-s.cfg.Retention)
	n, err := s.prune.Prune(ctx, before)
	if err != nil {
		s.log.Error("retention prune failed", logx.Err(err))
		return 0, err
	}
	s.log.Info("retention prune done", logx.Int("removed", n), logx.Time("before", before))
	s.publish(EventPruned, PruneResult{Removed: n, Before: before})
	return n, nil
}

func (s *Service) logSummary(sum notifier.Summary) {
	fields := []logx.Field{
		logx.String("cycle", sum.CycleID),
		logx.Int("fetched", sum.Total),
		logx.Int("new", sum.Notified),
		logx.Int("failed", sum.Failed),
		logx.Int("capped", sum.Capped),
		logx.Duration("took", sum.Took),
	}
	if sum.Failed == 0 {
		s.log.Info("poll cycle complete", fields...)
		return
	}
	var failing []string
	for _, ev := range sum.Events {
		for _, o := range ev.Outcomes {
			if !o.Success {
				failing = append(failing, ev.EventID+"@"+o.Endpoint)
			}
		}
	}
	s.log.Warn("poll cycle complete with failures", append(fields, logx.Strs("failing", failing))...)
}

func (s *Service) record(started time.Time, sum notifier.Summary, err error) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.last.LastRun = started
	s.last.LastSummary = sum
	if err != nil {
		s.last.LastError = err.Error()
		return
	}
	s.last.LastError = ""
	s.last.LastSuccess = time.Now()
}

// Snapshot returns the current poller state.
func (s *Service) Snapshot() Snapshot {
	s.smu.Lock()
	snap := s.last
	s.smu.Unlock()

	snap.Schedule = s.cfg.Schedule.String()
	snap.Runs = s.runs.Load()
	snap.Skipped = s.skipped.Load()
	snap.Running = s.running.Load()

	s.mu.Lock()
	if s.c != nil {
		snap.Next = s.c.Entry(s.pollID).Next
	}
	s.mu.Unlock()
	return snap
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
