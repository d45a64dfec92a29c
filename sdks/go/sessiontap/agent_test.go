package sessiontap

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
	if _, err := New(Options{Transport: &recordingTransport{}, SendInterval: -time.Second}); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
	if _, err := New(Options{Transport: &recordingTransport{}, SessionContinue: -time.Second}); !errors.Is(err, ErrInvalidContinueWindow) {
		t.Fatalf("expected ErrInvalidContinueWindow, got %v", err)
	}

	a, err := New(Options{BaseURL: "http://localhost:8080/"})
	if err != nil {
		t.Fatalf("New(BaseURL): %v", err)
	}
	if a.sendInterval != DefaultSendInterval {
		t.Fatalf("expected default interval, got %v", a.sendInterval)
	}
}

func TestAgent_StartSession_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, newFakeClock(), &recordingTransport{})
	if err := a.StartSession("  "); !errors.Is(err, ErrEmptyAPIKey) {
		t.Fatalf("expected ErrEmptyAPIKey, got %v", err)
	}
}

func TestAgent_PlainEventIsReadyImmediately(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, newFakeClock(), &recordingTransport{})
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	a.LogEvent("open", map[string]string{"screen": "home"}, nil)

	events, _ := a.Pending()
	if len(events) != 1 || !events[0].IsReadyToSend() {
		t.Fatalf("expected one ready event, got %+v", events)
	}
}

func TestAgent_TickScenario_AppOpen(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{}
	a := newTestAgent(t, newFakeClock(), tr)
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	a.LogEvent("app_open", nil, nil)
	if !a.Flush(context.Background()) {
		t.Fatalf("expected first flush to run")
	}
	if !a.Flush(context.Background()) {
		t.Fatalf("expected second flush to run")
	}

	got := tr.Payloads()
	if len(got) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(got))
	}
	first := got[0]
	if first.APIKey != "K" {
		t.Fatalf("expected apiKey=K, got %q", first.APIKey)
	}
	if len(first.Events) != 1 || first.Events[0].Name != "app_open" || first.Events[0].Duration != 0 {
		t.Fatalf("unexpected first payload events: %+v", first.Events)
	}
	if first.Events[0].Parameters == nil {
		t.Fatalf("parameters must encode as an object, not null")
	}
	if len(got[1].Events) != 0 {
		t.Fatalf("expected empty events after clear, got %v", eventNames(got[1].Events))
	}
}

func TestAgent_TimedEventScenario(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := &recordingTransport{}
	a := newTestAgent(t, clock, tr)
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	a.LogEvent("level", map[string]string{"world": "1"}, &EventOptions{Timed: true})
	if p := a.FormData(); len(p.Events) != 0 {
		t.Fatalf("timed event must be held back, got %v", eventNames(p.Events))
	}

	clock.Advance(500 * time.Millisecond)
	a.EndTimedEvent("level", map[string]string{"score": "10", "world": "2"})

	p := a.FormData()
	if len(p.Events) != 1 {
		t.Fatalf("expected 1 event after end, got %d", len(p.Events))
	}
	ev := p.Events[0]
	if ev.TimeOffset != 0 || ev.Duration != 500 {
		t.Fatalf("expected offset=0 duration=500, got %d/%d", ev.TimeOffset, ev.Duration)
	}
	if ev.Parameters["score"] != "10" || ev.Parameters["world"] != "2" {
		t.Fatalf("expected merged parameters, got %v", ev.Parameters)
	}

	a.Flush(context.Background())
	a.Flush(context.Background())
	seen := 0
	for _, payload := range tr.Payloads() {
		for _, e := range payload.Events {
			if e.Name == "level" {
				seen++
			}
		}
	}
	if seen != 1 {
		t.Fatalf("expected timed event to be sent exactly once, got %d", seen)
	}
}

func TestAgent_EndTimedEvent_MostRecentMatchWins(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	a := newTestAgent(t, clock, &recordingTransport{})
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	a.LogEvent("loop", nil, &EventOptions{Timed: true})
	clock.Advance(10 * time.Millisecond)
	a.LogEvent("loop", nil, &EventOptions{Timed: true})
	clock.Advance(10 * time.Millisecond)
	a.EndTimedEvent("loop", nil)

	events, _ := a.Pending()
	if len(events) != 2 {
		t.Fatalf("expected 2 pending events, got %d", len(events))
	}
	if events[0].IsReadyToSend() {
		t.Fatalf("first loop must still be pending")
	}
	if !events[1].IsReadyToSend() || events[1].TimeOffset() != 10 || events[1].Duration() != 10 {
		t.Fatalf("second loop: ready=%v offset=%d duration=%d", events[1].IsReadyToSend(), events[1].TimeOffset(), events[1].Duration())
	}
}

func TestAgent_EndTimedEvent_NoMatchIsIgnored(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, newFakeClock(), &recordingTransport{})
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	a.LogEvent("plain", nil, nil)
	a.EndTimedEvent("plain", map[string]string{"x": "y"})
	a.EndTimedEvent("missing", nil)

	events, _ := a.Pending()
	if len(events) != 1 || events[0].Parameters()["x"] != "" {
		t.Fatalf("plain event must be untouched, got %+v", events)
	}
}

func TestAgent_IDsUniqueAcrossSessions(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{}
	a := newTestAgent(t, newFakeClock(), tr)

	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for i := 0; i < 3; i++ {
		a.LogEvent("first", nil, nil)
	}
	a.LogError("e1", "m", 1)
	a.EndSession(context.Background())

	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for i := 0; i < 2; i++ {
		a.LogEvent("second", nil, nil)
	}
	a.LogError("e2", "m", 2)
	a.EndSession(context.Background())

	eventIDs := map[int64]bool{}
	errorIDs := map[int64]bool{}
	for _, p := range tr.Payloads() {
		for _, e := range p.Events {
			if eventIDs[e.ID] {
				t.Fatalf("duplicate event id %d", e.ID)
			}
			eventIDs[e.ID] = true
		}
		for _, e := range p.Errors {
			if errorIDs[e.ID] {
				t.Fatalf("duplicate error id %d", e.ID)
			}
			errorIDs[e.ID] = true
		}
	}
	for id := int64(1); id <= 5; id++ {
		if !eventIDs[id] {
			t.Fatalf("expected event id %d in payloads, got %v", id, eventIDs)
		}
	}
	if !errorIDs[1] || !errorIDs[2] {
		t.Fatalf("expected error ids 1 and 2, got %v", errorIDs)
	}
}

func TestAgent_FormDataIsPure(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, newFakeClock(), &recordingTransport{})
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	a.SetUserID("u-hash")
	a.SetAppVersion("1.2.3")
	a.SetLocation(52.5, 13.4, 5)
	a.LogEvent("a", map[string]string{"k2": "v2", "k1": "v1"}, nil)
	a.LogEvent("b", nil, &EventOptions{Timed: true})
	a.LogError("err", "bad", 7)

	b1, err := a.FormData().Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b2, err := a.FormData().Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("FormData not idempotent:\n%s\n%s", b1, b2)
	}

	events, reports := a.Pending()
	if len(events) != 2 || len(reports) != 1 {
		t.Fatalf("FormData must not clear state: events=%d errors=%d", len(events), len(reports))
	}

	p := a.FormData()
	if p.UserIDHash != "u-hash" || p.AppVersion != "1.2.3" || p.Latitude != 52.5 || p.Longitude != 13.4 || p.LocationAccuracy != 5 {
		t.Fatalf("unexpected session metadata: %+v", p)
	}
	if p.SessionID == "" || p.SessionStartTime == 0 {
		t.Fatalf("expected session id and start time, got %q/%d", p.SessionID, p.SessionStartTime)
	}
}

func TestAgent_FlushClearsSentAndKeepsPendingTimed(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, newFakeClock(), &recordingTransport{})
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	a.LogEvent("ready", nil, nil)
	a.LogEvent("running", nil, &EventOptions{Timed: true})
	a.LogError("err", "bad", 1)

	a.Flush(context.Background())

	events, reports := a.Pending()
	if len(reports) != 0 {
		t.Fatalf("expected errors cleared, got %d", len(reports))
	}
	if len(events) != 1 || events[0].Name() != "running" || events[0].IsReadyToSend() {
		t.Fatalf("expected only the pending timed event to survive, got %+v", events)
	}
}

func TestAgent_TransportFailureStillClears(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{err: errors.New("offline")}
	a := newTestAgent(t, newFakeClock(), tr)
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	a.LogEvent("lost", nil, nil)
	a.Flush(context.Background())
	a.Flush(context.Background())

	got := tr.Payloads()
	if len(got) != 2 || len(got[0].Events) != 1 || len(got[1].Events) != 0 {
		t.Fatalf("expected the failed batch to be dropped, got %+v", got)
	}
}

func TestAgent_RestartDiscardsUnflushedData(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	tr := &recordingTransport{}
	a := newTestAgent(t, clock, tr)
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	first := a.SessionID()
	a.LogEvent("old", nil, nil)

	clock.Advance(time.Second)
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if a.SessionID() == first {
		t.Fatalf("restart must begin a new session")
	}
	if events, _ := a.Pending(); len(events) != 0 {
		t.Fatalf("expected pending data discarded, got %d", len(events))
	}
	if len(tr.Payloads()) != 0 {
		t.Fatalf("restart must not flush")
	}

	a.LogEvent("new", nil, nil)
	if p := a.FormData(); p.Events[0].TimeOffset != 0 {
		t.Fatalf("expected timing to restart, got offset=%d", p.Events[0].TimeOffset)
	}
}

func TestAgent_EndSession(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{}
	a := newTestAgent(t, newFakeClock(), tr)

	a.EndSession(context.Background())
	if len(tr.Payloads()) != 0 {
		t.Fatalf("EndSession without a session must not send")
	}

	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	a.LogEvent("bye", nil, nil)
	a.LogEvent("unfinished", nil, &EventOptions{Timed: true})
	a.EndSession(context.Background())

	got := tr.Payloads()
	if len(got) != 1 || len(got[0].Events) != 1 || got[0].Events[0].Name != "bye" {
		t.Fatalf("expected one final payload with the ready event, got %+v", got)
	}
	if events, reports := a.Pending(); len(events) != 0 || len(reports) != 0 {
		t.Fatalf("expected state cleared, got events=%d errors=%d", len(events), len(reports))
	}
	if a.Flush(context.Background()) {
		t.Fatalf("Flush after EndSession must be a no-op")
	}

	a.LogEvent("late", nil, nil)
	if events, _ := a.Pending(); len(events) != 0 {
		t.Fatalf("events outside a session must be dropped")
	}

	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	a.EndSession(context.Background())
	if got := tr.Payloads(); len(got) != 2 || !got[1].Empty() {
		t.Fatalf("expected an empty final payload, got %+v", got)
	}
}

func TestAgent_SessionContinuation(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	a := newTestAgent(t, clock, &recordingTransport{})
	if err := a.SetSessionContinue(-time.Second); !errors.Is(err, ErrInvalidContinueWindow) {
		t.Fatalf("expected ErrInvalidContinueWindow, got %v", err)
	}
	if err := a.SetSessionContinue(10 * time.Second); err != nil {
		t.Fatalf("SetSessionContinue: %v", err)
	}

	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	id := a.SessionID()
	start := a.FormData().SessionStartTime
	clock.Advance(time.Minute)
	a.EndSession(context.Background())

	clock.Advance(5 * time.Second)
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if a.SessionID() != id || a.FormData().SessionStartTime != start {
		t.Fatalf("expected session to continue")
	}
	a.LogEvent("resumed", nil, nil)
	if off := a.FormData().Events[0].TimeOffset; off != (65 * time.Second).Milliseconds() {
		t.Fatalf("expected offset relative to original start, got %d", off)
	}
	a.EndSession(context.Background())

	clock.Advance(11 * time.Second)
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if a.SessionID() == id {
		t.Fatalf("expected a fresh session outside the window")
	}
	a.EndSession(context.Background())

	if err := a.StartSession("OTHER"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if a.FormData().SessionStartTime != clock.Now().UnixMilli() {
		t.Fatalf("a different apiKey must not continue the session")
	}
}

func TestAgent_SetRequestInterval(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, newFakeClock(), &recordingTransport{})
	if err := a.SetRequestInterval(0); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
	if err := a.SetRequestInterval(-time.Second); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
	if err := a.SetRequestInterval(3 * time.Second); err != nil {
		t.Fatalf("SetRequestInterval: %v", err)
	}
	if a.sendInterval != 3*time.Second {
		t.Fatalf("expected interval 3s, got %v", a.sendInterval)
	}
}

type blockingTransport struct {
	entered chan Payload
	release chan struct{}
}

func (b *blockingTransport) Send(ctx context.Context, p Payload) error {
	b.entered <- p
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestAgent_SendingStateAndOverlap(t *testing.T) {
	t.Parallel()

	bt := &blockingTransport{entered: make(chan Payload, 4), release: make(chan struct{})}

	var (
		mu      sync.Mutex
		changes []bool
	)
	a, err := New(Options{
		Transport:    bt,
		SendInterval: time.Hour,
		OnSendingChanged: func(sending bool) {
			mu.Lock()
			changes = append(changes, sending)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	a.LogEvent("first", nil, nil)

	done := make(chan bool, 1)
	go func() { done <- a.Flush(context.Background()) }()

	select {
	case <-bt.entered:
	case <-time.After(time.Second):
		t.Fatalf("flush did not reach the transport")
	}
	if !a.IsSending() {
		t.Fatalf("expected IsSending during send")
	}
	if a.Flush(context.Background()) {
		t.Fatalf("overlapping flush must be skipped")
	}

	// Logging continues while a send is in flight and survives the clear.
	a.LogEvent("during", nil, nil)
	a.LogError("during", "m", 1)

	close(bt.release)
	select {
	case ran := <-done:
		if !ran {
			t.Fatalf("expected first flush to run")
		}
	case <-time.After(time.Second):
		t.Fatalf("flush did not finish")
	}
	if a.IsSending() {
		t.Fatalf("expected IsSending=false after send")
	}

	events, reports := a.Pending()
	if len(events) != 1 || events[0].Name() != "during" || len(reports) != 1 {
		t.Fatalf("expected data logged mid-send to survive, got events=%+v errors=%d", events, len(reports))
	}

	a.EndSession(context.Background())

	mu.Lock()
	got := append([]bool(nil), changes...)
	mu.Unlock()
	want := []bool{true, false, true, false}
	if len(got) != len(want) {
		t.Fatalf("expected notifications %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected notifications %v, got %v", want, got)
		}
	}
}

func TestAgent_SchedulerFlushesPeriodically(t *testing.T) {
	t.Parallel()

	tr := &recordingTransport{}
	a, err := New(Options{Transport: tr, SendInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	t.Cleanup(func() { a.EndSession(context.Background()) })

	a.LogEvent("tick", nil, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range tr.Payloads() {
			if len(p.Events) == 1 && p.Events[0].Name == "tick" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("scheduler did not flush the event, payloads=%d", len(tr.Payloads()))
}

func TestAgent_MetadataSettersBeforeSession(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	a := newTestAgent(t, clock, &recordingTransport{})
	a.SetUserID("hash-1")
	a.SetAppVersion("3.1")
	a.SetLocation(52.5, 13.4, 20)
	a.LogEvent("dropped", nil, nil)

	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	p := a.FormData()
	if p.UserIDHash != "hash-1" || p.AppVersion != "3.1" {
		t.Fatalf("unexpected metadata: %+v", p)
	}
	if p.Latitude != 52.5 || p.Longitude != 13.4 || p.LocationAccuracy != 20 {
		t.Fatalf("unexpected location: %+v", p)
	}
	if p.SessionStartTime != clock.Now().UnixMilli() {
		t.Fatalf("unexpected session start: %d", p.SessionStartTime)
	}
	if len(p.Events) != 0 {
		t.Fatalf("expected events logged before the session to be dropped, got %+v", p.Events)
	}

	a.SetLocation(1, 2, 3)
	if p := a.FormData(); p.Latitude != 1 || p.Longitude != 2 || p.LocationAccuracy != 3 {
		t.Fatalf("expected location to be overwritten, got %+v", p)
	}
}

func TestAgent_TickDuringSlowSendIsDropped(t *testing.T) {
	t.Parallel()

	const (
		interval = 30 * time.Millisecond
		sendTime = 120 * time.Millisecond
	)
	type span struct{ start, end time.Time }
	var (
		mu    sync.Mutex
		sends []span
	)
	tr := TransportFunc(func(ctx context.Context, p Payload) error {
		start := time.Now()
		time.Sleep(sendTime)
		mu.Lock()
		sends = append(sends, span{start: start, end: time.Now()})
		mu.Unlock()
		return nil
	})

	a, err := New(Options{Transport: tr, SendInterval: interval})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(sends)
		mu.Unlock()
		if n >= 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	a.EndSession(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(sends) < 3 {
		t.Fatalf("expected at least 3 sends, got %d", len(sends))
	}
	// EndSession ran after three scheduled sends, so the first two are both ticks.
	if gap := sends[1].start.Sub(sends[0].end); gap < interval-5*time.Millisecond {
		t.Fatalf("second send started %s after the first returned, want >= %s", gap, interval)
	}
}
