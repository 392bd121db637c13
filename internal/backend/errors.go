package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrEndpointMissing = errors.New("endpoint url not configured")

// NetworkError is a transport failure: no HTTP status was received.
type NetworkError struct {
	Op     string
	Detail string
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("network error: %s", e.Detail)
	}
	return fmt.Sprintf("network error calling %s: %s", e.Op, e.Detail)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// DescribeError renders a short operator-facing failure detail: the error
// text, else "HTTP <status>", else "ERRORE", followed by the message and the
// debug exception when present.
func DescribeError(errText string, httpStatus int, debug json.RawMessage, message string) string {
	var b strings.Builder
	switch {
	case strings.TrimSpace(errText) != "":
		b.WriteString(strings.TrimSpace(errText))
	case httpStatus > 0:
		fmt.Fprintf(&b, "HTTP %d", httpStatus)
	default:
		b.WriteString("ERRORE")
	}
	if msg := strings.TrimSpace(message); msg != "" && !strings.EqualFold(msg, b.String()) {
		b.WriteString(" (")
		b.WriteString(msg)
		b.WriteString(")")
	}
	if exception := DebugException(debug); exception != "" {
		b.WriteString(" [")
		b.WriteString(exception)
		b.WriteString("]")
	}
	return b.String()
}

// DebugException extracts debug.exception from a backend error body.
func DebugException(debug json.RawMessage) string {
	if len(debug) == 0 {
		return ""
	}
	var payload struct {
		Exception any `json:"exception"`
	}
	if err := json.Unmarshal(debug, &payload); err != nil || payload.Exception == nil {
		return ""
	}
	switch v := payload.Exception.(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
