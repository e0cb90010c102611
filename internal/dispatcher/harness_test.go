package dispatcher_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sweeney/callctl/internal/bus"
	"github.com/sweeney/callctl/internal/directory"
	"github.com/sweeney/callctl/internal/dispatcher"
	"github.com/sweeney/callctl/internal/history"
	"github.com/sweeney/callctl/internal/ringing"
	"github.com/sweeney/callctl/internal/session"
)

const controlTopic = "control"

type recorder struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (r *recorder) Record(e history.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []history.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]history.Kind, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Kind
	}
	return out
}

type harness struct {
	t    *testing.T
	bus  *bus.MockBus
	d    *dispatcher.Dispatcher
	hist *recorder

	mu        sync.Mutex
	changes   []dispatcher.Change
	answers   []session.Snapshot
	removed   []session.Snapshot
	fields    []dispatcher.Field
	blinks    map[string]int
	cueStarts int
	cueStops  int
}

func newHarness(t *testing.T, mutate ...func(*dispatcher.Options)) *harness {
	t.Helper()
	h := &harness{t: t, bus: bus.NewMockBus(), hist: &recorder{}, blinks: make(map[string]int)}

	dir := directory.NewStatic(map[string]string{
		"1001": "Desk 1",
		"2002": "Reception",
		"2005": "Studio 2",
	}, directory.Person{ID: 7, Name: "Reception Desk", Number: "2002"})
	pool := directory.NewPool(dir, directory.PoolOptions{Workers: 2})

	opts := dispatcher.Options{
		Extension:           "1001",
		Directory:           dir,
		Lookups:             pool,
		Out:                 bus.Topic{Bus: h.bus, Name: controlTopic},
		History:             h.hist,
		Cue:                 ringing.CueFuncs{OnStart: h.cueStarted, OnStop: h.cueStopped},
		ClickGrace:          40 * time.Millisecond,
		BlinkInterval:       5 * time.Millisecond,
		AnswerRetryInterval: 5 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.d = dispatcher.New(opts)
	t.Cleanup(func() {
		h.d.Close()
		pool.Close()
	})

	h.d.OnTransition(func(c dispatcher.Change) {
		h.mu.Lock()
		h.changes = append(h.changes, c)
		h.mu.Unlock()
	})
	h.d.OnAnswer(func(s session.Snapshot) {
		h.mu.Lock()
		h.answers = append(h.answers, s)
		h.mu.Unlock()
	})
	h.d.OnRemove(func(s session.Snapshot) {
		h.mu.Lock()
		h.removed = append(h.removed, s)
		h.mu.Unlock()
	})
	h.d.OnField(func(f dispatcher.Field) {
		h.mu.Lock()
		h.fields = append(h.fields, f)
		h.mu.Unlock()
	})
	h.d.OnBlink(func(ch string, _ bool) {
		h.mu.Lock()
		h.blinks[ch]++
		h.mu.Unlock()
	})
	return h
}

func (h *harness) cueStarted() {
	h.mu.Lock()
	h.cueStarts++
	h.mu.Unlock()
}

func (h *harness) cueStopped() {
	h.mu.Lock()
	h.cueStops++
	h.mu.Unlock()
}

// feed handles every message and fails the test if any is not applied.
func (h *harness) feed(msgs ...string) {
	h.t.Helper()
	for _, m := range msgs {
		if res := h.d.Handle(m); !res.Applied {
			h.t.Fatalf("%q not applied: %s", m, res.Reason)
		}
	}
}

func (h *harness) mode(ch string) session.Mode {
	h.t.Helper()
	snap, ok := h.d.Session(ch)
	if !ok {
		h.t.Fatalf("channel %s is not tracked", ch)
	}
	return snap.Mode
}

func (h *harness) expectMode(ch string, want session.Mode) {
	h.t.Helper()
	if got := h.mode(ch); got != want {
		h.t.Fatalf("channel %s: expected %s, got %s", ch, want, got)
	}
}

func (h *harness) answerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.answers)
}

func (h *harness) blinkCount(ch string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blinks[ch]
}

func (h *harness) sent() []string {
	return h.bus.Payloads(controlTopic)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
