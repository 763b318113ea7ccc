// Package metrics exposes ghrelay's Prometheus metrics and the diagnostics
// HTTP server (/metrics, /healthz and optional pprof).
//
// Metrics are fed from the event bus, so the notifier and poller stay free of
// any Prometheus dependency.
package metrics

import (
	"context"

	"ghrelay/internal/eventbus"
	"ghrelay/internal/notifier"
	"ghrelay/internal/poller"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ghrelay"

// Collector owns a private registry; nothing is registered globally.
type Collector struct {
	reg *prometheus.Registry

	deliveries       *prometheus.CounterVec
	deliveryAttempts *prometheus.HistogramVec
	deliveryDuration *prometheus.HistogramVec
	cycles           *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	events           *prometheus.CounterVec
	fetchFailures    prometheus.Counter
	pruned           prometheus.Counter
}

func NewCollector(bus eventbus.Bus) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	c := &Collector{
		reg: reg,
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by channel, endpoint and result.",
		}, []string{"channel", "endpoint", "result"}),
		deliveryAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempts",
			Help:      "HTTP attempts per delivery.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"channel"}),
		deliveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time to deliver one message including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Notification cycles by result.",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one notification cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Feed events by outcome (notified, failed, already_notified, capped).",
		}, []string{"outcome"}),
		fetchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Feed fetches that failed.",
		}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_records_total",
			Help:      "Dedup records removed by retention.",
		}),
	}
	if bus != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Bus events lost to slow subscribers.",
		}, func() float64 { return float64(bus.Dropped()) })
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Run feeds the collector from bus until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	eventbus.Consume(ctx, bus, 256, c.Observe,
		notifier.EventDelivered, notifier.EventFailed, notifier.EventCycle,
		poller.EventFetchFailed, poller.EventPruned,
	)
	return ctx.Err()
}

// Observe records one bus event. Unknown payloads are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case notifier.DeliveryEvent:
		result := "success"
		if e.Type == notifier.EventFailed {
			result = "failure"
		}
		ch := string(d.Channel)
		c.deliveries.WithLabelValues(ch, d.Endpoint, result).Inc()
		c.deliveryAttempts.WithLabelValues(ch).Observe(float64(d.Attempts))
		c.deliveryDuration.WithLabelValues(ch).Observe(d.Took.Seconds())
	case notifier.CycleEvent:
		result := "ok"
		if d.Error != "" {
			result = "error"
		}
		c.cycles.WithLabelValues(result).Inc()
		c.cycleDuration.Observe(d.Took.Seconds())
		c.events.WithLabelValues("notified").Add(float64(d.Notified))
		c.events.WithLabelValues("failed").Add(float64(d.Failed))
		c.events.WithLabelValues("already_notified").Add(float64(d.AlreadyNotified))
		c.events.WithLabelValues("capped").Add(float64(d.Capped))
	case poller.FetchFailure:
		c.fetchFailures.Inc()
	case poller.PruneResult:
		c.pruned.Add(float64(d.Removed))
	}
}
