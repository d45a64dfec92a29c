package sessiontap

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingTransport struct {
	mu       sync.Mutex
	payloads []Payload
	err      error
}

func (r *recordingTransport) Send(_ context.Context, p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, p)
	return r.err
}

func (r *recordingTransport) Payloads() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.payloads...)
}

// newTestAgent returns an agent whose scheduler never fires on its own, so
// tests drive flushes through Flush.
func newTestAgent(t *testing.T, clock *fakeClock, transport Transport) *Agent {
	t.Helper()

	a, err := New(Options{
		Transport:    transport,
		SendInterval: time.Hour,
		Now:          clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.EndSession(context.Background()) })
	return a
}

func eventNames(events []EventPayload) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Name)
	}
	return out
}
