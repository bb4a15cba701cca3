// errors.go defines the shared error taxonomy for all exchange adapters.
//
// Every error that crosses the adapter boundary is classified into one of
// the Kind values below, so the layers above can react by kind instead of
// string-matching venue messages:
//
//   - the HTTP client retries ErrNetwork / ErrRateLimited within its budget
//   - the stream session treats any non-auth error as reconnect-worthy
//   - the execution engine turns ErrUncertainPlacement into reconciliation
//     and ErrInvalidOrder into a permanent rejection of that intent
//
// Venue rejections keep the original venue message and carry a correlation
// ID so an operator can tie a rejection back to the request in the logs.
package exchange

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per taxonomy kind. Match with errors.Is.
var (
	ErrConfig             = errors.New("configuration error")
	ErrAuth               = errors.New("authentication rejected")
	ErrNetwork            = errors.New("network error")
	ErrRateLimited        = errors.New("rate limited by venue")
	ErrUncertainPlacement = errors.New("placement outcome unknown")
	ErrInvalidOrder       = errors.New("order rejected by venue")
	ErrUnsupported        = errors.New("capability not supported by venue")
	ErrKillSwitch         = errors.New("kill switch engaged")
	ErrDrawdown           = errors.New("max drawdown exceeded")
	ErrRiskRejected       = errors.New("rejected by risk gate")
	ErrStateCorrupt       = errors.New("state snapshot corrupt")
	ErrInternal           = errors.New("internal error")
)

// Error is a classified exchange error. It wraps one of the sentinel kinds
// so callers can use errors.Is(err, exchange.ErrAuth) etc.
type Error struct {
	Kind          error  // one of the sentinels above
	Venue         string // venue name, "" when not venue-specific
	Message       string // human-readable detail (venue message where available)
	CorrelationID string // opaque request ID for log correlation
	Err           error  // underlying cause, may be nil
}

// NewError builds a classified error.
func NewError(kind error, venue, message string) *Error {
	return &Error{Kind: kind, Venue: venue, Message: message}
}

// WithCorrelation attaches a correlation ID and returns the error.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// WithCause attaches the underlying error and returns the error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Venue != "" {
		msg = e.Venue + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.CorrelationID != "" {
		msg += fmt.Sprintf(" (correlation_id=%s)", e.CorrelationID)
	}
	return msg
}

// Unwrap exposes the kind (and transitively the cause) to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// IsRetryable reports whether the error is transient from the HTTP client's
// point of view. Only network failures and venue throttling are retried;
// everything else surfaces immediately.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited)
}
