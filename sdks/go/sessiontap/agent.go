package sessiontap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	SDKName    = "sessiontap-go"
	SDKVersion = "0.1.0"

	DefaultSendInterval = 10 * time.Second
)

var (
	ErrEmptyAPIKey           = errors.New("sessiontap: apiKey is required")
	ErrInvalidInterval       = errors.New("sessiontap: request interval must be > 0")
	ErrInvalidContinueWindow = errors.New("sessiontap: session continue window must be >= 0")
	ErrNoTransport           = errors.New("sessiontap: Transport or BaseURL is required")
)

type Options struct {
	// Transport receives every flushed payload. When nil, an HTTPTransport
	// is built from BaseURL, Gzip, Timeout and HTTPClient.
	Transport Transport

	BaseURL    string
	Gzip       bool
	Timeout    time.Duration
	HTTPClient *http.Client

	// SendInterval is the flush period. Zero means DefaultSendInterval.
	SendInterval time.Duration
	// SessionContinue is the grace window after EndSession during which
	// StartSession resumes the previous session. Zero disables it.
	SessionContinue time.Duration

	// OnSendingChanged is called outside the agent lock whenever IsSending
	// flips. It must not call StartSession or EndSession.
	OnSendingChanged func(sending bool)

	Logger *slog.Logger
	Now    func() time.Time
}

// EventOptions tunes a single LogEvent call. A nil *EventOptions logs an
// ordinary, immediately sendable event.
type EventOptions struct {
	// Timed holds the event back until EndTimedEvent supplies its duration.
	Timed bool
}

// Agent accumulates events and errors for one session at a time and
// periodically hands them to its Transport. All methods are safe for
// concurrent use.
type Agent struct {
	transport        Transport
	now              func() time.Time
	logger           *slog.Logger
	onSendingChanged func(bool)

	ids idSource

	// lifecycleMu serializes StartSession and EndSession.
	lifecycleMu sync.Mutex
	// flushMu is held for the whole of a flush cycle.
	flushMu sync.Mutex

	mu sync.Mutex

	apiKey     string
	userIDHash string
	appVersion string

	sessionID    string
	sessionStart time.Time
	active       bool
	lastEnd      time.Time

	sendInterval   time.Duration
	continueWindow time.Duration

	events []*Event
	errors []*ErrorReport

	latitude  float64
	longitude float64
	accuracy  float32

	sending bool
	sched   *scheduler
}

func New(options Options) (*Agent, error) {
	transport := options.Transport
	if transport == nil {
		if strings.TrimSpace(options.BaseURL) == "" {
			return nil, ErrNoTransport
		}
		t, err := NewHTTPTransport(HTTPTransportOptions{
			BaseURL:    options.BaseURL,
			Gzip:       options.Gzip,
			Timeout:    options.Timeout,
			HTTPClient: options.HTTPClient,
		})
		if err != nil {
			return nil, err
		}
		transport = t
	}

	interval := options.SendInterval
	if interval == 0 {
		interval = DefaultSendInterval
	}
	if interval < 0 {
		return nil, ErrInvalidInterval
	}
	if options.SessionContinue < 0 {
		return nil, ErrInvalidContinueWindow
	}

	nowFn := options.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Agent{
		transport:        transport,
		now:              nowFn,
		logger:           logger,
		onSendingChanged: options.OnSendingChanged,
		sendInterval:     interval,
		continueWindow:   options.SessionContinue,
	}, nil
}

// StartSession begins a session and starts the flush scheduler. Calling it
// while a session is active restarts timing and discards unflushed data.
// If the previous session ended within the continue window and used the
// same apiKey, its session id and start time are reused.
func (a *Agent) StartSession(apiKey string) error {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return ErrEmptyAPIKey
	}

	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	a.mu.Lock()
	old := a.sched
	a.sched = nil
	a.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	continued := !a.active &&
		a.continueWindow > 0 &&
		a.sessionID != "" &&
		a.apiKey == key &&
		!a.lastEnd.IsZero() &&
		now.Sub(a.lastEnd) <= a.continueWindow
	if !continued {
		a.sessionID = uuid.NewString()
		a.sessionStart = now
	}

	a.apiKey = key
	a.active = true
	a.events = nil
	a.errors = nil
	a.sched = startScheduler(a.sendInterval, a.onTick)

	a.logger.Debug("session started",
		"session_id", a.sessionID,
		"continued", continued,
		"interval", a.sendInterval)
	return nil
}

// EndSession stops the scheduler, waits for an in-flight flush, sends one
// last payload with whatever is pending and clears the session data. It is
// a no-op when no session is active.
func (a *Agent) EndSession(ctx context.Context) {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.active = false
	sched := a.sched
	a.sched = nil
	a.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}

	a.flushMu.Lock()
	a.flushLocked(ctx)
	a.flushMu.Unlock()

	a.mu.Lock()
	a.events = nil
	a.errors = nil
	a.lastEnd = a.now()
	sessionID := a.sessionID
	a.mu.Unlock()

	a.logger.Debug("session ended", "session_id", sessionID)
}

func (a *Agent) SetUserID(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userIDHash = userID
}

func (a *Agent) SetAppVersion(version string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.appVersion = version
}

// SetLocation overwrites the last known location.
func (a *Agent) SetLocation(latitude, longitude float64, accuracy float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latitude = latitude
	a.longitude = longitude
	a.accuracy = accuracy
}

// SetRequestInterval changes the flush period. A running scheduler picks it
// up for the next tick without interrupting a flush in progress.
func (a *Agent) SetRequestInterval(interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	a.mu.Lock()
	a.sendInterval = interval
	sched := a.sched
	a.mu.Unlock()

	if sched != nil {
		sched.Reset(interval)
	}
	return nil
}

// SetSessionContinue sets the session continuation window, the same setting
// as Options.SessionContinue. Zero disables continuation.
func (a *Agent) SetSessionContinue(window time.Duration) error {
	if window < 0 {
		return ErrInvalidContinueWindow
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.continueWindow = window
	return nil
}

// LogEvent appends an event to the current session. Events logged while no
// session is active are dropped.
func (a *Agent) LogEvent(name string, parameters map[string]string, opts *EventOptions) {
	timed := opts != nil && opts.Timed

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return
	}
	offset := a.now().Sub(a.sessionStart).Milliseconds()
	a.events = append(a.events, newEvent(&a.ids, name, parameters, offset, timed))
}

// EndTimedEvent completes the most recently logged timed event with the
// given name that is still waiting for its duration. parameters are merged
// over the event's own, new keys winning. Without a match it does nothing.
func (a *Agent) EndTimedEvent(name string, parameters map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return
	}

	for i := len(a.events) - 1; i >= 0; i-- {
		e := a.events[i]
		if e.name != name || !e.timed || e.ready {
			continue
		}
		elapsed := a.now().Sub(a.sessionStart).Milliseconds() - e.timeOffset
		if elapsed < 0 {
			elapsed = 0
		}
		e.SetParameters(mergeStringMap(e.parameters, parameters))
		e.SetDuration(elapsed)
		return
	}
}

// LogError appends an error report stamped with the current time.
func (a *Agent) LogError(name, message string, lineNumber int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return
	}
	a.errors = append(a.errors, newErrorReport(&a.ids, name, message, lineNumber, a.now().UnixMilli()))
}

// FormData builds the payload for everything currently pending and ready.
// It does not modify the agent.
func (a *Agent) FormData() Payload {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, _, _ := a.formDataLocked()
	return p
}

func (a *Agent) formDataLocked() (Payload, map[int64]struct{}, int64) {
	p := Payload{
		APIKey:           a.apiKey,
		SessionID:        a.sessionID,
		UserIDHash:       a.userIDHash,
		AppVersion:       a.appVersion,
		Latitude:         a.latitude,
		Longitude:        a.longitude,
		LocationAccuracy: a.accuracy,
		Events:           make([]EventPayload, 0, len(a.events)),
		Errors:           make([]ErrorPayload, 0, len(a.errors)),
		SDK:              sdkInfo(),
	}
	if !a.sessionStart.IsZero() {
		p.SessionStartTime = a.sessionStart.UnixMilli()
	}

	sentEvents := make(map[int64]struct{}, len(a.events))
	for _, e := range a.events {
		if !e.ready {
			continue
		}
		p.Events = append(p.Events, formEvent(e))
		sentEvents[e.id] = struct{}{}
	}

	var lastError int64
	for _, r := range a.errors {
		p.Errors = append(p.Errors, formError(r))
		lastError = r.id
	}
	return p, sentEvents, lastError
}

// clearData drops the events that went out in the last payload and every
// error up to lastError. Anything logged during the send survives.
func (a *Agent) clearData(sentEvents map[int64]struct{}, lastError int64) {
	kept := a.events[:0]
	for _, e := range a.events {
		if _, sent := sentEvents[e.id]; sent {
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(a.events); i++ {
		a.events[i] = nil
	}
	a.events = kept

	n := 0
	for n < len(a.errors) && a.errors[n].id <= lastError {
		n++
	}
	a.errors = append([]*ErrorReport(nil), a.errors[n:]...)
}

// Flush runs one flush cycle now. It returns false without doing anything
// when no session is active or another flush is already in flight.
func (a *Agent) Flush(ctx context.Context) bool {
	if !a.flushMu.TryLock() {
		return false
	}
	defer a.flushMu.Unlock()

	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if !active {
		return false
	}

	a.flushLocked(ctx)
	return true
}

func (a *Agent) onTick() {
	if !a.Flush(context.Background()) {
		a.logger.Debug("flush tick skipped")
	}
}

// flushLocked must be called with flushMu held.
func (a *Agent) flushLocked(ctx context.Context) {
	a.mu.Lock()
	payload, sentEvents, lastError := a.formDataLocked()
	a.sending = true
	notify := a.onSendingChanged
	a.mu.Unlock()

	if notify != nil {
		notify(true)
	}

	start := a.now()
	if err := a.transport.Send(ctx, payload); err != nil {
		a.logger.Warn("send failed; dropping batch",
			"session_id", payload.SessionID,
			"events", len(payload.Events),
			"errors", len(payload.Errors),
			"err", err)
	} else {
		a.logger.Debug("batch sent",
			"session_id", payload.SessionID,
			"events", len(payload.Events),
			"errors", len(payload.Errors),
			"took", a.now().Sub(start))
	}

	a.mu.Lock()
	a.clearData(sentEvents, lastError)
	a.sending = false
	a.mu.Unlock()

	if notify != nil {
		notify(false)
	}
}

// IsSending reports whether a payload is currently being handed to the
// Transport.
func (a *Agent) IsSending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sending
}

// SessionID returns the id of the current or most recent session.
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Pending returns copies of the queued events and error reports in logging
// order.
func (a *Agent) Pending() ([]Event, []ErrorReport) {
	a.mu.Lock()
	defer a.mu.Unlock()

	events := make([]Event, 0, len(a.events))
	for _, e := range a.events {
		events = append(events, e.clone())
	}
	reports := make([]ErrorReport, 0, len(a.errors))
	for _, r := range a.errors {
		reports = append(reports, *r)
	}
	return events, reports
}
