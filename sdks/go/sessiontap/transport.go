package sessiontap

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Transport delivers a payload to the ingestion endpoint. The agent does not
// retry: a returned error is logged and the sent data is dropped anyway.
type Transport interface {
	Send(ctx context.Context, payload Payload) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, payload Payload) error

func (f TransportFunc) Send(ctx context.Context, payload Payload) error {
	return f(ctx, payload)
}

type HTTPTransportOptions struct {
	BaseURL string
	// Path is appended to BaseURL. Defaults to /api/sessions/.
	Path    string
	Gzip    bool
	Timeout time.Duration

	HTTPClient *http.Client
}

// HTTPTransport posts payloads as JSON.
type HTTPTransport struct {
	url        string
	gzip       bool
	timeout    time.Duration
	httpClient *http.Client
}

func NewHTTPTransport(options HTTPTransportOptions) (*HTTPTransport, error) {
	baseURL, err := normalizeBaseURL(options.BaseURL)
	if err != nil {
		return nil, err
	}

	path := strings.TrimSpace(options.Path)
	if path == "" {
		path = "/api/sessions/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	timeout := options.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &HTTPTransport{
		url:        baseURL + path,
		gzip:       options.Gzip,
		timeout:    timeout,
		httpClient: httpClient,
	}, nil
}

func (t *HTTPTransport) Send(ctx context.Context, payload Payload) error {
	body, err := payload.Encode()
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var reqBody io.Reader = bytes.NewReader(body)
	var contentEncoding string
	if t.gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			_ = zw.Close()
			return fmt.Errorf("gzip write: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("gzip close: %w", err)
		}
		reqBody = &buf
		contentEncoding = "gzip"
	}

	reqCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.url, reqBody)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", SDKName+"/"+SDKVersion)
	if payload.APIKey != "" {
		req.Header.Set("X-Api-Key", payload.APIKey)
	}
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	res, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("sessiontap: unexpected status %d", res.StatusCode)
	}
	return nil
}
