package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "x"})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != "x" || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		default:
			t.Fatalf("subscriber missed event")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: "late"})
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, unsub := b.Subscribe(2)
				b.Publish(Event{Type: "spin"})
				unsub()
			}
		}()
	}
	wg.Wait()
}

func TestConsumeFiltersTypes(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan string, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(ctx, b, 8, func(e Event) { got <- e.Type }, "keep")
	}()

	// Consume subscribes asynchronously; publish until the first event lands.
	deadline := time.After(2 * time.Second)
	for {
		b.Publish(Event{Type: "skip"})
		b.Publish(Event{Type: "keep"})
		select {
		case typ := <-got:
			if typ != "keep" {
				t.Fatalf("unexpected type %q", typ)
			}
			cancel()
			<-done
			return
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no event consumed")
		}
	}
}
