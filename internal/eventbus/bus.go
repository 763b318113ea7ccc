// Package eventbus is the in-process fan-out that carries delivery and poll
// lifecycle signals from the notifier and poller to metrics and logging.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small signal; Data holds a payload struct owned by the publisher
// (notifier.DeliveryEvent, poller.FetchFailure, ...).
//
// Publish never blocks. A subscriber whose buffer is full misses the event
// and the bus counts it as dropped.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped is the number of sends lost to full subscriber buffers.
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Hold the read lock across sends so unsubscribe cannot close a channel
	// mid-send. Sends never block, so writers wait at most one fan-out.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Consume subscribes to b and calls fn for each event whose type is in types
// (all events when types is empty) until ctx is done. fn runs on the calling
// goroutine.
func Consume(ctx context.Context, b Bus, buffer int, fn func(Event), types ...string) {
	ch, unsub := b.Subscribe(buffer)
	defer unsub()

	var want map[string]bool
	if len(types) > 0 {
		want = make(map[string]bool, len(types))
		for _, t := range types {
			want[t] = true
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if want == nil || want[e.Type] {
				fn(e)
			}
		}
	}
}
