package testkit

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
)

// Response is a collector reply with its JSON envelope decoded.
type Response struct {
	Status int             `json:"-"`
	Code   int             `json:"code"`
	Data   json.RawMessage `json:"data"`
	Err    string          `json:"err"`
	Raw    []byte          `json:"-"`
}

// Into decodes the envelope data into v.
func (r Response) Into(t testing.TB, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Data, v); err != nil {
		t.Fatalf("decode data: %v (body=%s)", err, r.Raw)
	}
}

// Call sends a request to path on the test server with apiKey in
// X-Api-Key. A non-nil body is sent as JSON.
func (s *Server) Call(t testing.TB, method, path, apiKey string, body any) Response {
	t.Helper()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, s.HTTP.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	res, err := s.HTTP.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	out := Response{Status: res.StatusCode, Raw: raw}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode envelope: %v (status=%d body=%s)", err, res.StatusCode, raw)
		}
	}
	return out
}
