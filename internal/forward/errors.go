package forward

import "net/http"

// Kind is the closed error taxonomy from spec §7.
type Kind string

const (
	KindUnauthorized     Kind = "unauthorized"
	KindForbidden        Kind = "forbidden"
	KindModelNotFound    Kind = "model_not_found"
	KindUpstreamNotFound Kind = "upstream_not_found"
	KindInvalidRequest   Kind = "invalid_request"
	KindRateLimited      Kind = "rate_limited"
	KindTimeout          Kind = "timeout"
	KindRequestFailed    Kind = "request_failed"
	KindInternal         Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindUnauthorized:     http.StatusUnauthorized,
	KindForbidden:        http.StatusForbidden,
	KindModelNotFound:    http.StatusNotFound,
	KindUpstreamNotFound: http.StatusNotFound,
	KindInvalidRequest:   http.StatusBadRequest,
	KindRateLimited:      http.StatusTooManyRequests,
	KindTimeout:          http.StatusGatewayTimeout,
	KindRequestFailed:    http.StatusBadGateway,
	KindInternal:         http.StatusInternalServerError,
}

// Error is the typed error every forward-subsystem function returns instead
// of a bare error, carrying enough information for the router to both log
// and serialize the {"error":{...}} response body.
type Error struct {
	Kind    Kind
	Message string
	// UpstreamBody is attached for RequestFailed errors so the router can
	// include the upstream's own error text for debugging (never echoed to
	// an *unauthenticated* caller beyond what the upstream already said).
	UpstreamBody string
	// Cause, if set, is the underlying error that produced this one (a
	// transport error, a json.Unmarshal failure, …).
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the error's Kind to the status code the router writes.
func (e *Error) HTTPStatus() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Body is the JSON-serializable error envelope: {"error":{"type":...,"message":...}}.
func (e *Error) Body() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":    string(e.Kind),
			"message": e.Message,
		},
	}
}

// NewError constructs a *Error with the given kind and formatted message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a *Error around an existing error, preserving it via
// Unwrap for callers using errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsRetryable reports whether the HTTP status code returned by an upstream
// should trigger a retry attempt (spec §4.1 step 3, and the should_retry
// testable property in §8).
func IsRetryable(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
