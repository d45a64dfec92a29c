package ingest

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aak1247/sessiontap/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	TopicSessions      = "sessions"
	MessageTypeSession = "session"

	maxBodyBytes = 5 << 20
)

// ContextAPIKey is the gin context key holding the authenticated API key.
const ContextAPIKey = "api_key"

// Message is the queue envelope for one accepted session payload.
type Message struct {
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	APIKey   string          `json:"api_key"`
	Received time.Time       `json:"received"`
	Payload  json.RawMessage `json:"payload"`
	Meta     *MessageMeta    `json:"meta,omitempty"`
}

type MessageMeta struct {
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// SessionPayload mirrors the document an agent posts on every flush.
type SessionPayload struct {
	APIKey           string            `json:"apiKey"`
	SessionID        string            `json:"sessionId,omitempty"`
	UserIDHash       string            `json:"userIdHash"`
	AppVersion       string            `json:"appVersion"`
	SessionStartTime int64             `json:"sessionStartTime"`
	Latitude         float64           `json:"latitude"`
	Longitude        float64           `json:"longitude"`
	LocationAccuracy float32           `json:"locationAccuracy"`
	Events           []EventItem       `json:"events"`
	Errors           []ErrorItem       `json:"errors"`
	SDK              map[string]string `json:"sdk,omitempty"`
}

type EventItem struct {
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters"`
	TimeOffset int64             `json:"timeOffset"`
	Duration   int64             `json:"duration"`
	ID         int64             `json:"id"`
}

type ErrorItem struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LineNumber  int    `json:"lineNumber"`
	Timestamp   int64  `json:"timestamp"`
	ID          int64  `json:"id"`
}

var (
	errMissingAPIKey = errors.New("apiKey is required")
	errKeyMismatch   = errors.New("apiKey does not match credentials")
	errEventName     = errors.New("event name is required")
	errNegative      = errors.New("timeOffset and duration must be >= 0")
)

// Validate checks the document against the authenticated key. authKey may be
// empty when the route is not behind RequireAPIKey; the body key then wins.
func (p *SessionPayload) Validate(authKey string) error {
	p.APIKey = strings.TrimSpace(p.APIKey)
	if p.APIKey == "" {
		p.APIKey = authKey
	}
	if p.APIKey == "" {
		return errMissingAPIKey
	}
	if authKey != "" && p.APIKey != authKey {
		return errKeyMismatch
	}
	for _, ev := range p.Events {
		if strings.TrimSpace(ev.Name) == "" {
			return errEventName
		}
		if ev.TimeOffset < 0 || ev.Duration < 0 {
			return errNegative
		}
	}
	return nil
}

// SessionHandler accepts agent flushes on POST /api/sessions/ and publishes
// them to the sessions topic. A nil limiter disables rate limiting.
func SessionHandler(publisher queue.Publisher, limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if publisher == nil {
			c.Status(http.StatusNotImplemented)
			return
		}
		body, err := readBody(c, maxBodyBytes)
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}

		var p SessionPayload
		if err := json.Unmarshal(body, &p); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		authKey := c.GetString(ContextAPIKey)
		if err := p.Validate(authKey); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, errKeyMismatch) {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		if !limiter.Allow(p.APIKey) {
			c.Status(http.StatusTooManyRequests)
			return
		}

		id := uuid.NewString()
		payload, _ := json.Marshal(Message{
			Type:     MessageTypeSession,
			ID:       id,
			APIKey:   p.APIKey,
			Received: time.Now().UTC(),
			Payload:  mustJSON(p),
			Meta: &MessageMeta{
				ClientIP:  c.ClientIP(),
				UserAgent: c.GetHeader("User-Agent"),
			},
		})
		if err := publisher.Publish(TopicSessions, payload); err != nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"id": id})
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func readBody(c *gin.Context, limit int64) ([]byte, error) {
	defer c.Request.Body.Close()

	raw := io.LimitReader(c.Request.Body, limit)
	enc := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Encoding")))
	if strings.Contains(enc, "gzip") {
		zr, err := gzip.NewReader(raw)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(io.LimitReader(zr, limit))
	}
	return io.ReadAll(raw)
}
