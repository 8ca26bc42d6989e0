package netquery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/keo571/netquery-insight-chat/internal/protocol"
)

const defaultGuidance = "I couldn't map that request to known data."

// StatusError is a non-2xx answer from the backend. It unwraps to the
// errdefs class matching the status, so callers can test with errdefs.IsX.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	text := http.StatusText(e.Status)
	if e.Status >= 500 {
		text = "server error: " + strings.ToLower(text)
	}
	if e.Body == "" {
		return fmt.Sprintf("netquery %s: %d %s", e.Op, e.Status, text)
	}
	return fmt.Sprintf("netquery %s: %d %s: %s", e.Op, e.Status, text, e.Body)
}

// StatusCode returns the backend HTTP status.
func (e *StatusError) StatusCode() int {
	return e.Status
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity:
		return errdefs.ErrInvalidArgument
	case e.Status == http.StatusUnauthorized:
		return errdefs.ErrUnauthenticated
	case e.Status == http.StatusForbidden:
		return errdefs.ErrPermissionDenied
	case e.Status == http.StatusNotFound:
		return errdefs.ErrNotFound
	case e.Status == http.StatusConflict:
		return errdefs.ErrConflict
	case e.Status == http.StatusTooManyRequests:
		return errdefs.ErrResourceExhausted
	case e.Status == http.StatusNotImplemented:
		return errdefs.ErrNotImplemented
	case e.Status == http.StatusBadGateway || e.Status == http.StatusServiceUnavailable || e.Status == http.StatusGatewayTimeout:
		return errdefs.ErrUnavailable
	case e.Status >= 500:
		return errdefs.ErrInternal
	}
	return errdefs.ErrUnknown
}

// GuidanceError is returned by GenerateSQL when the backend answers 422:
// the question could not be mapped onto the schema. It carries what the
// user should be shown instead of results.
type GuidanceError struct {
	Message          string
	SchemaOverview   *protocol.SchemaOverview
	SuggestedQueries []string
}

func (e *GuidanceError) Error() string {
	return "netquery generate-sql: " + e.Message
}

func (e *GuidanceError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

// AsGuidance reports whether err carries schema guidance.
func AsGuidance(err error) (*GuidanceError, bool) {
	var g *GuidanceError
	if errors.As(err, &g) {
		return g, true
	}
	return nil, false
}

// parseGuidance reads a 422 body. The detail may be an object, a bare string
// or missing; anything unreadable falls back to the default message.
func parseGuidance(body []byte) *GuidanceError {
	g := &GuidanceError{Message: defaultGuidance}

	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return g
	}

	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		if strings.TrimSpace(text) != "" {
			g.Message = text
		}
		return g
	}

	var detail struct {
		Message          string          `json:"message"`
		SchemaOverview   json.RawMessage `json:"schema_overview"`
		SuggestedQueries json.RawMessage `json:"suggested_queries"`
	}
	if err := json.Unmarshal(envelope.Detail, &detail); err != nil {
		return g
	}
	if strings.TrimSpace(detail.Message) != "" {
		g.Message = detail.Message
	}
	g.SchemaOverview = decodeOverview(detail.SchemaOverview)
	g.SuggestedQueries = decodeStrings(detail.SuggestedQueries)
	return g
}

func decodeOverview(raw json.RawMessage) *protocol.SchemaOverview {
	if !isObject(raw) {
		return nil
	}
	var o protocol.SchemaOverview
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil
	}
	return &o
}

func decodeStrings(raw json.RawMessage) []string {
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func isObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{")
}

func isArray(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "[") && trimmed != "[]"
}
