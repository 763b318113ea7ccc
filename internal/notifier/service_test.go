package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"ghrelay/internal/channel"
	"ghrelay/internal/dispatch"
	"ghrelay/internal/event"
	"ghrelay/internal/eventbus"
	"ghrelay/internal/render"
	"ghrelay/internal/storage"
	logx "ghrelay/pkg/logx"
)

// memStore is an in-memory storage.Store with failure injection.
type memStore struct {
	mu         sync.Mutex
	marked     map[string]time.Time
	markCalls  int
	filterErr  error
	markErr    error
	filterSeen [][]string
}

func newMemStore() *memStore { return &memStore{marked: map[string]time.Time{}} }

func (m *memStore) FilterUnseen(_ context.Context, ids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filterSeen = append(m.filterSeen, append([]string(nil), ids...))
	if m.filterErr != nil {
		return nil, &storage.Error{Driver: "mem", Op: "filter", Err: m.filterErr}
	}
	var out []string
	for _, id := range ids {
		if _, ok := m.marked[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) HasNotified(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.marked[id]
	return ok, nil
}

func (m *memStore) MarkNotified(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCalls++
	if m.markErr != nil {
		return &storage.Error{Driver: "mem", Op: "mark", Err: m.markErr}
	}
	if err := ctx.Err(); err != nil {
		return &storage.Error{Driver: "mem", Op: "mark", Err: err}
	}
	if _, ok := m.marked[id]; !ok {
		m.marked[id] = at
	}
	return nil
}

func (m *memStore) Prune(context.Context, time.Time) (int, error) { return 0, nil }
func (m *memStore) Close() error                                   { return nil }

func (m *memStore) markedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.marked))
	for id := range m.marked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// fakeDeliverer answers per endpoint name and records calls.
type fakeDeliverer struct {
	mu     sync.Mutex
	fail   map[string]bool
	delay  map[string]time.Duration
	calls  []string // "<event>-><endpoint>"
	blockC chan struct{}
	// lastDone is the latest completion time per endpoint name.
	lastDone map[string]time.Time
}

func (f *fakeDeliverer) finished(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastDone == nil {
		f.lastDone = map[string]time.Time{}
	}
	f.lastDone[name] = time.Now()
}

func (f *fakeDeliverer) lastDoneAt(name string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastDone[name]
}

func (f *fakeDeliverer) Deliver(ctx context.Context, ep channel.Endpoint, msg render.Message) dispatch.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, msg.EventID+"->"+ep.Name)
	d := f.delay[ep.Name]
	fail := f.fail[ep.Name]
	f.mu.Unlock()
	defer f.finished(ep.Name)

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return dispatch.Outcome{EventID: msg.EventID, Endpoint: ep.Label(), Channel: ep.Channel, Attempts: 1, LastError: ctx.Err()}
		}
	}
	out := dispatch.Outcome{EventID: msg.EventID, Endpoint: ep.Label(), Channel: ep.Channel, Attempts: 1, Success: !fail}
	if fail {
		out.StatusCode = 400
		out.LastError = &dispatch.PermanentError{StatusCode: 400}
	}
	return out
}

func (f *fakeDeliverer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func rec(id string, kind event.Kind, minute int) event.Record {
	return event.Record{
		ID:        id,
		Kind:      kind,
		Actor:     "octocat",
		Repo:      "o/r",
		CreatedAt: time.Date(2024, 5, 1, 12, minute, 0, 0, time.UTC),
	}
}

func dingBots(names ...string) map[channel.Type][]channel.Endpoint {
	eps := make([]channel.Endpoint, 0, len(names))
	for _, n := range names {
		eps = append(eps, channel.Endpoint{Channel: channel.DingTalk, Name: n, WebhookURL: "https://example.invalid/" + n})
	}
	return map[channel.Type][]channel.Endpoint{channel.DingTalk: eps}
}

func TestProcessIsIdempotent(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	d := &fakeDeliverer{}
	svc := New(Config{}, st, d, logx.Nop())
	events := []event.Record{rec("1", event.Watch, 1), rec("2", event.Push, 2)}

	first, err := svc.Process(context.Background(), events, dingBots("a"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if first.Notified != 2 || d.callCount() != 2 {
		t.Fatalf("first cycle: %+v calls=%d", first, d.callCount())
	}

	second, err := svc.Process(context.Background(), events, dingBots("a"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if second.AlreadyNotified != 2 || second.Notified != 0 || d.callCount() != 2 {
		t.Fatalf("second cycle: %+v calls=%d", second, d.callCount())
	}
	if st.markCalls != 2 {
		t.Fatalf("markCalls = %d, want 2", st.markCalls)
	}
}

func TestProcessMarksOnAnySuccess(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	d := &fakeDeliverer{fail: map[string]bool{"b": true}}
	svc := New(Config{}, st, d, logx.Nop())
	events := []event.Record{rec("1", event.Watch, 1)}

	sum, err := svc.Process(context.Background(), events, dingBots("a", "b"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Notified != 1 || sum.Failed != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	res := sum.Events[0]
	if !res.Marked || len(res.Outcomes) != 2 || !res.Outcomes[0].Success || res.Outcomes[1].Success {
		t.Fatalf("unexpected result %+v", res)
	}

	// Next cycle must not touch either endpoint.
	before := d.callCount()
	if _, err := svc.Process(context.Background(), events, dingBots("a", "b")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if d.callCount() != before {
		t.Fatalf("delivered again after mark: %d -> %d", before, d.callCount())
	}
}

func TestProcessFullFailureStaysUnseen(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	d := &fakeDeliverer{fail: map[string]bool{"a": true, "b": true}}
	svc := New(Config{}, st, d, logx.Nop())
	events := []event.Record{rec("1", event.Issue, 1)}

	sum, err := svc.Process(context.Background(), events, dingBots("a", "b"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Failed != 1 || sum.Notified != 0 || len(st.markedIDs()) != 0 {
		t.Fatalf("unexpected summary %+v marked=%v", sum, st.markedIDs())
	}
	unseen, _ := st.FilterUnseen(context.Background(), []string{"1"})
	if len(unseen) != 1 {
		t.Fatalf("event should remain unseen, got %v", unseen)
	}
}

func TestProcessIsolatesSlowAndBrokenEndpoints(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	d := &fakeDeliverer{
		fail:  map[string]bool{"broken": true},
		delay: map[string]time.Duration{"broken": 150 * time.Millisecond, "slow": 150 * time.Millisecond},
	}
	svc := New(Config{Workers: 8}, st, d, logx.Nop())
	events := []event.Record{rec("1", event.Watch, 1), rec("2", event.Watch, 2), rec("3", event.Watch, 3)}

	start := time.Now()
	sum, err := svc.Process(context.Background(), events, dingBots("healthy", "broken", "slow"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Sequential delivery would take 6 x 150ms.
	if took := time.Since(start); took > 600*time.Millisecond {
		t.Fatalf("cycle took %v; endpoints are not delivered in parallel", took)
	}
	if sum.Notified != 3 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestProcessBrokenEndpointDoesNotQueueHealthyOne(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	d := &fakeDeliverer{
		fail:  map[string]bool{"broken": true},
		delay: map[string]time.Duration{"broken": 200 * time.Millisecond},
	}
	// Default workers; the broken bot alone needs 12 x 200ms / 4 = 600ms,
	// well past the cycle deadline.
	svc := New(Config{CycleTimeout: 300 * time.Millisecond}, st, d, logx.Nop())
	var events []event.Record
	for i := range 12 {
		events = append(events, rec(fmt.Sprintf("e%02d", i), event.Watch, i))
	}

	start := time.Now()
	sum, err := svc.Process(context.Background(), events, dingBots("healthy", "broken"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if healthy := d.lastDoneAt("healthy").Sub(start); healthy > 150*time.Millisecond {
		t.Fatalf("healthy deliveries finished after %v; they waited on the broken bot", healthy)
	}
	if sum.Notified != 12 || sum.Failed != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if got := len(st.markedIDs()); got != 12 {
		t.Fatalf("marked %d events, want 12", got)
	}
}

func TestProcessCycleTimeoutFailsUnresolved(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	d := &fakeDeliverer{delay: map[string]time.Duration{"stuck": time.Minute}}
	svc := New(Config{CycleTimeout: 50 * time.Millisecond}, st, d, logx.Nop())

	sum, err := svc.Process(context.Background(), []event.Record{rec("1", event.Watch, 1)}, dingBots("stuck"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Failed != 1 || len(st.markedIDs()) != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestProcessMarksDespiteCancellation(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	d := &cancelAfterDeliver{cancel: cancel}
	svc := New(Config{}, st, d, logx.Nop())

	sum, err := svc.Process(ctx, []event.Record{rec("1", event.Watch, 1)}, dingBots("a"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Notified != 1 || len(st.markedIDs()) != 1 {
		t.Fatalf("successful delivery must be recorded after cancel: %+v", sum)
	}
}

// cancelAfterDeliver succeeds and then cancels the cycle, as a shutdown would.
type cancelAfterDeliver struct{ cancel context.CancelFunc }

func (c *cancelAfterDeliver) Deliver(_ context.Context, ep channel.Endpoint, msg render.Message) dispatch.Outcome {
	c.cancel()
	return dispatch.Outcome{EventID: msg.EventID, Endpoint: ep.Label(), Channel: ep.Channel, Attempts: 1, Success: true}
}

func TestProcessFilterErrorAbortsCycle(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	st.filterErr = errors.New("disk gone")
	d := &fakeDeliverer{}
	svc := New(Config{}, st, d, logx.Nop())

	_, err := svc.Process(context.Background(), []event.Record{rec("1", event.Watch, 1)}, dingBots("a"))
	var se *storage.Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *storage.Error, got %v", err)
	}
	if d.callCount() != 0 {
		t.Fatal("nothing may be delivered when the filter fails")
	}
}

func TestProcessMarkErrorSurfaces(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	st.markErr = errors.New("read-only")
	svc := New(Config{}, st, &fakeDeliverer{}, logx.Nop())

	sum, err := svc.Process(context.Background(), []event.Record{rec("1", event.Watch, 1)}, dingBots("a"))
	var se *storage.Error
	if !errors.As(err, &se) || se.Op != "mark" {
		t.Fatalf("expected mark storage error, got %v", err)
	}
	if sum.Events[0].Marked || sum.Failed != 1 {
		t.Fatalf("unmarked event must not count as notified: %+v", sum)
	}
}

func TestProcessCap(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	d := &fakeDeliverer{}
	svc := New(Config{MaxEvents: 1}, st, d, logx.Nop())
	// Feed order is newest first.
	events := []event.Record{rec("e3", event.Push, 3), rec("e2", event.Push, 2), rec("e1", event.Push, 1)}

	sum, err := svc.Process(context.Background(), events, dingBots("a"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(d.calls) != 1 || d.calls[0] != "e3->a" {
		t.Fatalf("calls = %v, want [e3->a]", d.calls)
	}
	if sum.Capped != 2 || sum.Notified != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if got := st.markedIDs(); len(got) != 3 {
		t.Fatalf("marked = %v, want e1 e2 e3", got)
	}
}

func TestProcessPreserveOrder(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	d := &fakeDeliverer{}
	svc := New(Config{PreserveOrder: true}, st, d, logx.Nop())
	events := []event.Record{rec("c", event.Watch, 3), rec("a", event.Watch, 1), rec("b", event.Watch, 2)}

	if _, err := svc.Process(context.Background(), events, dingBots("x")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := []string{"a->x", "b->x", "c->x"}
	for i, w := range want {
		if d.calls[i] != w {
			t.Fatalf("calls = %v, want %v", d.calls, want)
		}
	}
}

func TestProcessDedupsInputAndSkipsEmptyIDs(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	d := &fakeDeliverer{}
	svc := New(Config{}, st, d, logx.Nop())
	events := []event.Record{rec("1", event.Watch, 1), rec("1", event.Watch, 1), rec("", event.Watch, 2)}

	sum, err := svc.Process(context.Background(), events, dingBots("a"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Total != 3 || sum.Notified != 1 || d.callCount() != 1 {
		t.Fatalf("unexpected summary %+v calls=%d", sum, d.callCount())
	}
	if len(st.filterSeen) != 1 || len(st.filterSeen[0]) != 1 {
		t.Fatalf("expected one batched filter call with one id, got %v", st.filterSeen)
	}
}

func TestProcessPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	svc := New(Config{}, newMemStore(), &fakeDeliverer{fail: map[string]bool{"b": true}}, logx.Nop(), WithBus(bus))
	if _, err := svc.Process(context.Background(), []event.Record{rec("1", event.Watch, 1)}, dingBots("a", "b")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got := map[string]int{}
	timeout := time.After(time.Second)
	for got[EventCycle] == 0 {
		select {
		case e := <-ch:
			got[e.Type]++
		case <-timeout:
			t.Fatalf("missing events, got %v", got)
		}
	}
	if got[EventDelivered] != 1 || got[EventFailed] != 1 {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestProcessEndToEndSignedAndUnsigned(t *testing.T) {
	t.Parallel()
	type hit struct {
		bot    string
		signed bool
	}
	var (
		mu   sync.Mutex
		hits []hit
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		q := r.URL.Query()
		mu.Lock()
		hits = append(hits, hit{bot: r.URL.Path, signed: q.Get("sign") != "" && q.Get("timestamp") != ""})
		mu.Unlock()
		_, _ = io.WriteString(w, `{"errcode":0,"errmsg":"ok"}`)
	}))
	defer srv.Close()

	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "dedup.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	d := dispatch.New(dispatch.Config{RatePerMin: -1, RetryBase: time.Millisecond}, logx.Nop())
	svc := New(Config{}, st, d, logx.Nop())
	endpoints := map[channel.Type][]channel.Endpoint{
		channel.DingTalk: {
			{Channel: channel.DingTalk, Name: "botA", WebhookURL: srv.URL + "/botA?access_token=a", Secret: "SECsecret"},
			{Channel: channel.DingTalk, Name: "botB", WebhookURL: srv.URL + "/botB?access_token=b"},
		},
	}
	events := []event.Record{
		rec("e1", event.Watch, 1),
		{ID: "e2", Kind: event.Push, Actor: "octocat", Repo: "o/r", CreatedAt: time.Date(2024, 5, 1, 12, 2, 0, 0, time.UTC), Detail: event.PushDetail{Ref: "refs/heads/main", Commits: 1}},
	}

	sum, err := svc.Process(context.Background(), events, endpoints)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if sum.Notified != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(hits) != 4 {
		t.Fatalf("hits = %d, want 4", len(hits))
	}
	for _, h := range hits {
		switch h.bot {
		case "/botA":
			if !h.signed {
				t.Fatal("botA request was not signed")
			}
		case "/botB":
			if h.signed {
				t.Fatal("botB request must not be signed")
			}
		default:
			t.Fatalf("unexpected path %s", h.bot)
		}
	}
	for _, id := range []string{"e1", "e2"} {
		ok, err := st.HasNotified(context.Background(), id)
		if err != nil || !ok {
			t.Fatalf("%s not marked: %v %v", id, ok, err)
		}
	}
}
