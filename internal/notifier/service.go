package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ghrelay/internal/channel"
	"ghrelay/internal/dispatch"
	"ghrelay/internal/event"
	"ghrelay/internal/eventbus"
	"ghrelay/internal/render"
	"ghrelay/internal/storage"
	logx "ghrelay/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var ErrNoStore = errors.New("notifier: no store configured")

// Service is stateless between cycles and safe for concurrent use, though the
// poller never runs two cycles at once.
type Service struct {
	cfg      Config
	store    storage.Store
	deliver  Deliverer
	renderer Renderer
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithRenderer(r Renderer) Option {
	return func(s *Service) {
		if r != nil {
			s.renderer = r
		}
	}
}

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// WithClock sets the time recorded as notified_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, store storage.Store, d Deliverer, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		deliver:  d,
		renderer: render.New(time.UTC),
		log:      log,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Process runs one cycle over events. endpoints lists the bots per channel.
//
// A store failure while filtering aborts the cycle before anything is sent.
// Per-endpoint delivery failures never escalate; the event simply stays
// unmarked. A failed mark is returned as the cycle error.
func (s *Service) Process(ctx context.Context, events []event.Record, endpoints map[channel.Type][]channel.Endpoint) (Summary, error) {
	start := time.Now()
	sum := Summary{CycleID: uuid.NewString(), Total: len(events)}
	log := s.log.With(logx.String("cycle", sum.CycleID))

	if s.store == nil {
		return sum, ErrNoStore
	}
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	byID := make(map[string]event.Record, len(events))
	ids := make([]string, 0, len(events))
	for _, rec := range events {
		if rec.ID == "" {
			log.Warn("event without id skipped", logx.String("repo", rec.Repo))
			continue
		}
		if _, dup := byID[rec.ID]; dup {
			continue
		}
		byID[rec.ID] = rec
		ids = append(ids, rec.ID)
	}

	unseen, err := s.store.FilterUnseen(ctx, ids)
	if err != nil {
		sum.Took = time.Since(start)
		s.publishCycle(sum, err)
		return sum, fmt.Errorf("filter unseen: %w", err)
	}
	sum.AlreadyNotified = len(ids) - len(unseen)

	pending := make([]event.Record, 0, len(unseen))
	for _, id := range unseen {
		pending = append(pending, byID[id])
	}
	event.SortOldestFirst(pending)

	var markErrs []error

	// Over the cap: the newest MaxEvents are delivered, the rest are marked so
	// they are not replayed on the next cycle.
	if s.cfg.MaxEvents > 0 && len(pending) > s.cfg.MaxEvents {
		dropped := pending[:len(pending)-s.cfg.MaxEvents]
		pending = pending[len(pending)-s.cfg.MaxEvents:]
		for _, rec := range dropped {
			res := EventResult{EventID: rec.ID, Kind: rec.Kind, Capped: true}
			if err := s.mark(ctx, rec.ID); err != nil {
				markErrs = append(markErrs, err)
				log.Error("mark capped event failed", logx.String("event", rec.ID), logx.Err(err))
			} else {
				res.Marked = true
			}
			sum.Capped++
			sum.Events = append(sum.Events, res)
		}
		log.Info("event cap reached", logx.Int("capped", len(dropped)), logx.Int("max_events", s.cfg.MaxEvents))
	}

	active := activeEndpoints(endpoints)
	if len(pending) > 0 && len(active) == 0 {
		log.Warn("no endpoints configured; events stay pending", logx.Int("pending", len(pending)))
	}

	results := make([]EventResult, len(pending))
	// One slot pool per endpoint: a slow or broken bot only ever queues its
	// own deliveries.
	slots := make([]*semaphore.Weighted, len(active))
	for j := range slots {
		slots[j] = semaphore.NewWeighted(int64(s.cfg.Workers))
	}
	var g errgroup.Group
	for i, rec := range pending {
		msgs := s.renderAll(rec, active)
		run := func() error {
			return s.processEvent(ctx, sum.CycleID, slots, rec, msgs, active, &results[i])
		}
		if s.cfg.PreserveOrder {
			if err := run(); err != nil {
				markErrs = append(markErrs, err)
			}
			continue
		}
		g.Go(run)
	}
	if err := g.Wait(); err != nil {
		markErrs = append(markErrs, err)
	}

	for _, r := range results {
		if r.Marked {
			sum.Notified++
		} else {
			sum.Failed++
		}
	}
	sum.Events = append(sum.Events, results...)
	sum.Took = time.Since(start)

	cycleErr := errors.Join(markErrs...)
	s.publishCycle(sum, cycleErr)
	if sum.Total > 0 {
		log.Info("cycle done",
			logx.Int("total", sum.Total),
			logx.Int("already", sum.AlreadyNotified),
			logx.Int("capped", sum.Capped),
			logx.Int("notified", sum.Notified),
			logx.Int("failed", sum.Failed),
			logx.Duration("took", sum.Took),
		)
	}
	return sum, cycleErr
}

// processEvent delivers one event to every endpoint and marks it if any succeeded.
// slots[j] bounds concurrent deliveries to eps[j].
func (s *Service) processEvent(ctx context.Context, cycleID string, slots []*semaphore.Weighted, rec event.Record, msgs map[channel.Type]render.Message, eps []channel.Endpoint, res *EventResult) error {
	res.EventID = rec.ID
	res.Kind = rec.Kind
	res.Outcomes = make([]dispatch.Outcome, len(eps))

	var g errgroup.Group
	for j, ep := range eps {
		g.Go(func() error {
			if err := slots[j].Acquire(ctx, 1); err != nil {
				res.Outcomes[j] = dispatch.Outcome{EventID: rec.ID, Endpoint: ep.Label(), Channel: ep.Channel, LastError: err}
				return nil
			}
			defer slots[j].Release(1)
			res.Outcomes[j] = s.deliver.Deliver(ctx, ep, msgs[ep.Channel])
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range res.Outcomes {
		s.publishDelivery(cycleID, rec, o)
	}
	if !res.Delivered() {
		s.log.Warn("event not delivered to any endpoint",
			logx.String("cycle", cycleID),
			logx.String("event", rec.ID),
			logx.String("kind", rec.Kind.String()),
		)
		return nil
	}
	if err := s.mark(ctx, rec.ID); err != nil {
		s.log.Error("mark notified failed", logx.String("cycle", cycleID), logx.String("event", rec.ID), logx.Err(err))
		return fmt.Errorf("mark %s: %w", rec.ID, err)
	}
	res.Marked = true
	return nil
}

// mark commits with a context detached from cycle cancellation so a delivered
// event is recorded even during shutdown.
func (s *Service) mark(ctx context.Context, id string) error {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.MarkTimeout)
	defer cancel()
	return s.store.MarkNotified(mctx, id, s.now())
}

func (s *Service) renderAll(rec event.Record, eps []channel.Endpoint) map[channel.Type]render.Message {
	out := make(map[channel.Type]render.Message, 2)
	for _, ep := range eps {
		if _, ok := out[ep.Channel]; ok {
			continue
		}
		out[ep.Channel] = s.renderer.Render(rec, ep.Channel)
	}
	return out
}

// activeEndpoints flattens the map in channel order so fan-out is stable.
func activeEndpoints(m map[channel.Type][]channel.Endpoint) []channel.Endpoint {
	var out []channel.Endpoint
	for _, ch := range channel.All() {
		out = append(out, m[ch]...)
	}
	return out
}

func (s *Service) publishDelivery(cycleID string, rec event.Record, o dispatch.Outcome) {
	if s.bus == nil {
		return
	}
	typ := EventDelivered
	ev := DeliveryEvent{
		CycleID:    cycleID,
		EventID:    rec.ID,
		Kind:       rec.Kind.String(),
		Endpoint:   o.Endpoint,
		Channel:    o.Channel,
		Attempts:   o.Attempts,
		StatusCode: o.StatusCode,
		Took:       o.Took,
	}
	if !o.Success {
		typ = EventFailed
		if o.LastError != nil {
			ev.Error = o.LastError.Error()
		}
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) publishCycle(sum Summary, err error) {
	if s.bus == nil {
		return
	}
	ev := CycleEvent{
		CycleID:         sum.CycleID,
		Total:           sum.Total,
		AlreadyNotified: sum.AlreadyNotified,
		Capped:          sum.Capped,
		Notified:        sum.Notified,
		Failed:          sum.Failed,
		Took:            sum.Took,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: EventCycle, Time: time.Now(), Data: ev})
}
