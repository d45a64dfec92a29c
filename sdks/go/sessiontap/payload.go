package sessiontap

import "encoding/json"

// Payload is the document handed to a Transport on every flush.
type Payload struct {
	APIKey           string            `json:"apiKey"`
	SessionID        string            `json:"sessionId,omitempty"`
	UserIDHash       string            `json:"userIdHash"`
	AppVersion       string            `json:"appVersion"`
	SessionStartTime int64             `json:"sessionStartTime"`
	Latitude         float64           `json:"latitude"`
	Longitude        float64           `json:"longitude"`
	LocationAccuracy float32           `json:"locationAccuracy"`
	Events           []EventPayload    `json:"events"`
	Errors           []ErrorPayload    `json:"errors"`
	SDK              map[string]string `json:"sdk,omitempty"`
}

type EventPayload struct {
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters"`
	TimeOffset int64             `json:"timeOffset"`
	Duration   int64             `json:"duration"`
	ID         int64             `json:"id"`
}

type ErrorPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LineNumber  int    `json:"lineNumber"`
	Timestamp   int64  `json:"timestamp"`
	ID          int64  `json:"id"`
}

// Encode renders the payload as JSON. Map keys are emitted in sorted order,
// so equal payloads encode to equal bytes.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Empty reports whether the payload carries no events and no errors.
func (p Payload) Empty() bool {
	return len(p.Events) == 0 && len(p.Errors) == 0
}

func formEvent(e *Event) EventPayload {
	params := cloneStringMap(e.parameters)
	if params == nil {
		params = map[string]string{}
	}
	return EventPayload{
		Name:       e.name,
		Parameters: params,
		TimeOffset: e.timeOffset,
		Duration:   e.duration,
		ID:         e.id,
	}
}

func formError(r *ErrorReport) ErrorPayload {
	return ErrorPayload{
		Name:        r.name,
		Description: r.description,
		LineNumber:  r.lineNumber,
		Timestamp:   r.timestamp,
		ID:          r.id,
	}
}
