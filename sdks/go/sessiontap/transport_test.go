package sessiontap

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func readBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	defer r.Body.Close()

	var rd io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("gzip.NewReader: %v", err)
			return nil
		}
		defer zr.Close()
		rd = zr
	}

	b, err := io.ReadAll(rd)
	if err != nil {
		t.Errorf("io.ReadAll: %v", err)
	}
	return b
}

func TestHTTPTransport_PostsPayload_GzipAndHeaders(t *testing.T) {
	t.Parallel()

	type received struct {
		Path    string
		Headers http.Header
		Body    []byte
	}

	var (
		mu    sync.Mutex
		calls []received
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, received{
			Path:    r.URL.Path,
			Headers: r.Header.Clone(),
			Body:    readBody(t, r),
		})
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	tr, err := NewHTTPTransport(HTTPTransportOptions{BaseURL: srv.URL + "/", Gzip: true})
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}

	payload := Payload{
		APIKey:     "K",
		UserIDHash: "u",
		Events:     []EventPayload{{Name: "open", Parameters: map[string]string{"k": "v"}, ID: 1}},
		Errors:     []ErrorPayload{},
	}
	if err := tr.Send(context.Background(), payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	got := append([]received(nil), calls...)
	mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 request, got %d", len(got))
	}
	call := got[0]
	if call.Path != "/api/sessions/" {
		t.Fatalf("unexpected path: %s", call.Path)
	}
	if call.Headers.Get("X-Api-Key") != "K" {
		t.Fatalf("missing X-Api-Key header")
	}
	if call.Headers.Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding")
	}
	if call.Headers.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected Content-Type: %q", call.Headers.Get("Content-Type"))
	}

	var doc map[string]any
	if err := json.Unmarshal(call.Body, &doc); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	events, _ := doc["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %v", doc["events"])
	}
	ev, _ := events[0].(map[string]any)
	if ev["name"] != "open" || ev["duration"] != float64(0) || ev["timeOffset"] != float64(0) {
		t.Fatalf("unexpected event: %v", ev)
	}
	if errs, ok := doc["errors"].([]any); !ok || len(errs) != 0 {
		t.Fatalf("expected empty errors array, got %v", doc["errors"])
	}
}

func TestHTTPTransport_Non2xxIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	tr, err := NewHTTPTransport(HTTPTransportOptions{BaseURL: srv.URL, Path: "ingest"})
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}
	if err := tr.Send(context.Background(), Payload{APIKey: "K"}); err == nil {
		t.Fatalf("expected error for 503")
	}
}

func TestHTTPTransport_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	tr, err := NewHTTPTransport(HTTPTransportOptions{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewHTTPTransport: %v", err)
	}
	start := time.Now()
	if err := tr.Send(context.Background(), Payload{APIKey: "K"}); err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestNewHTTPTransport_RequiresBaseURL(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTPTransport(HTTPTransportOptions{BaseURL: " "}); err == nil {
		t.Fatalf("expected error for empty baseURL")
	}
}

func TestAgent_EndToEnd_HTTP(t *testing.T) {
	t.Parallel()

	bodies := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bodies <- readBody(t, r)
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	a, err := New(Options{BaseURL: srv.URL, SendInterval: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.StartSession("K"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	a.LogEvent("signup", map[string]string{"plan": "pro"}, nil)
	a.LogError("io", "disk full", 12)
	a.EndSession(context.Background())

	var p Payload
	select {
	case b := <-bodies:
		if err := json.Unmarshal(b, &p); err != nil {
			t.Fatalf("json.Unmarshal: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("no request received")
	}
	if p.APIKey != "K" || len(p.Events) != 1 || len(p.Errors) != 1 {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.Events[0].Parameters["plan"] != "pro" || p.Errors[0].LineNumber != 12 {
		t.Fatalf("unexpected payload contents: %+v", p)
	}
	if p.SDK["name"] != SDKName {
		t.Fatalf("expected sdk.name=%q, got %v", SDKName, p.SDK["name"])
	}
}
