// errors.go
// ---------
// One error type for every failure the client surfaces. The vendor is a
// field, not a type: callers branch on Kind (or errors.Is against the
// sentinels below) whatever API they are talking to.
package vendorbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind classifies an Error.
type Kind string

const (
	KindConfig         Kind = "config"
	KindInvalidRequest Kind = "invalid_request"
	KindAuthentication Kind = "authentication"
	KindNotFound       Kind = "not_found"
	KindRateLimit      Kind = "rate_limit"
	KindClient         Kind = "client"
	KindServer         Kind = "server"
	KindNetwork        Kind = "network"
	KindDecode         Kind = "decode"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrConfig         = errors.New("configuration error")
	ErrInvalidRequest = errors.New("invalid request")
	ErrAuthentication = errors.New("authentication failed")
	ErrNotFound       = errors.New("resource not found")
	ErrRateLimit      = errors.New("rate limit exceeded")
	ErrClient         = errors.New("client error")
	ErrServer         = errors.New("server error")
	ErrNetwork        = errors.New("network error")
	ErrDecode         = errors.New("response decode error")
)

var sentinels = map[Kind]error{
	KindConfig:         ErrConfig,
	KindInvalidRequest: ErrInvalidRequest,
	KindAuthentication: ErrAuthentication,
	KindNotFound:       ErrNotFound,
	KindRateLimit:      ErrRateLimit,
	KindClient:         ErrClient,
	KindServer:         ErrServer,
	KindNetwork:        ErrNetwork,
	KindDecode:         ErrDecode,
}

// Error is returned by every Client and Bridge operation.
type Error struct {
	Kind   Kind
	Vendor string

	Method string
	URL    string

	// StatusCode is 0 when no response was received.
	StatusCode int

	// Message is the vendor's diagnostic, extracted from common JSON error
	// fields when possible and otherwise the raw body text.
	Message string

	// Body is the (possibly truncated) raw response body.
	Body []byte

	// RetryAfter is the last Retry-After the vendor sent, if any.
	RetryAfter time.Duration

	// Attempts is the number of requests actually sent.
	Attempts int

	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("vendorbridge: ")
	if e.Vendor != "" {
		b.WriteString(e.Vendor)
		b.WriteString(": ")
	}
	if e.Method != "" {
		b.WriteString(e.Method)
		b.WriteString(" ")
	}
	if e.URL != "" {
		b.WriteString(e.URL)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
		if t := http.StatusText(e.StatusCode); t != "" {
			b.WriteString(" ")
			b.WriteString(t)
		}
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// Retryable reports whether the failure kind is one the client retries
// (the retries may already have been exhausted).
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindRateLimit, KindServer, KindNetwork:
		return true
	}
	return false
}

// AsError extracts *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}

func IsRetryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Retryable()
}

func configError(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

func invalidRequest(vendor, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Vendor: vendor, Message: fmt.Sprintf(format, args...)}
}

// kindForStatus maps a terminal non-2xx status to its error kind.
func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuthentication
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code >= 500:
		return KindServer
	default:
		return KindClient
	}
}

const maxMessageLen = 512

// vendorMessage pulls a human readable message out of an error body.
// Bodies that are not JSON, or JSON without a recognised field, fall back
// to the trimmed raw text.
func vendorMessage(body []byte) string {
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		if msg := messageFromJSON(v); msg != "" {
			return truncate(msg)
		}
	}
	return truncate(raw)
}

func messageFromJSON(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, key := range []string{"message", "error_description", "error", "detail", "msg", "title"} {
			if val, ok := t[key]; ok {
				if msg := messageFromJSON(val); msg != "" {
					return msg
				}
			}
		}
		if errs, ok := t["errors"]; ok {
			return messageFromJSON(errs)
		}
	case []any:
		if len(t) > 0 {
			return messageFromJSON(t[0])
		}
	}
	return ""
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	cut := maxMessageLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
