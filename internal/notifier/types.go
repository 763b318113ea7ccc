package notifier

import (
	"context"
	"time"

	"ghrelay/internal/channel"
	"ghrelay/internal/dispatch"
	"ghrelay/internal/event"
	"ghrelay/internal/render"
)

// Bus event types.
const (
	EventDelivered = "notify.delivered"
	EventFailed    = "notify.failed"
	EventCycle     = "notify.cycle"
)

// Deliverer sends one rendered message to one endpoint. *dispatch.Dispatcher implements it.
type Deliverer interface {
	Deliver(ctx context.Context, ep channel.Endpoint, msg render.Message) dispatch.Outcome
}

// Renderer formats a record for a channel. *render.Renderer implements it.
type Renderer interface {
	Render(rec event.Record, ch channel.Type) render.Message
}

type Config struct {
	// Workers bounds concurrent deliveries to each endpoint. Endpoints never
	// share slots.
	Workers int
	// MaxEvents caps deliveries per cycle; older unseen events beyond it are
	// marked without delivery. 0 disables the cap.
	MaxEvents int
	// CycleTimeout bounds one Process call. 0 means no deadline of its own;
	// the poller passes a ctx that already carries the cycle deadline.
	CycleTimeout time.Duration
	// MarkTimeout bounds each store write, which outlives cycle cancellation.
	MarkTimeout time.Duration
	// PreserveOrder delivers events one after another, oldest first.
	PreserveOrder bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxEvents < 0 {
		c.MaxEvents = 0
	}
	if c.MarkTimeout <= 0 {
		c.MarkTimeout = 10 * time.Second
	}
	return c
}

// EventResult is the per-event part of a Summary.
type EventResult struct {
	EventID  string
	Kind     event.Kind
	Outcomes []dispatch.Outcome
	Marked   bool
	// Capped events were marked without delivery.
	Capped bool
}

// Delivered reports whether at least one endpoint accepted the event.
func (r EventResult) Delivered() bool {
	for _, o := range r.Outcomes {
		if o.Success {
			return true
		}
	}
	return false
}

// Summary describes one Process call.
type Summary struct {
	CycleID         string
	Total           int
	AlreadyNotified int
	Capped          int
	Notified        int
	Failed          int
	Events          []EventResult
	Took            time.Duration
}

// DeliveryEvent is the payload of notify.delivered and notify.failed.
type DeliveryEvent struct {
	CycleID    string
	EventID    string
	Kind       string
	Endpoint   string
	Channel    channel.Type
	Attempts   int
	StatusCode int
	Took       time.Duration
	Error      string
}

// CycleEvent is the payload of notify.cycle.
type CycleEvent struct {
	CycleID         string
	Total           int
	AlreadyNotified int
	Capped          int
	Notified        int
	Failed          int
	Took            time.Duration
	Error           string
}
