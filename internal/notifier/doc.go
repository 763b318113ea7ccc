// Package notifier runs one notification cycle: it filters a batch of feed
// events against the dedup store, renders each new event once per channel,
// fans deliveries out to every endpoint and records the events that reached
// at least one endpoint.
//
// # Delivery guarantee
//
// An event is marked only after a successful delivery, so a crash between the
// two leads to a repeat on the next cycle rather than a loss (at-least-once).
// An event with no successful endpoint stays unmarked and is retried next cycle.
//
// # Concurrency
//
// Deliveries for all (event, endpoint) pairs run in parallel, bounded by a
// semaphore shared across the cycle. Marks run as soon as an event's
// deliveries resolve and use a context detached from cycle cancellation.
package notifier
