// client.go implements the signed HTTP client shared by all adapters.
//
// Every request goes through the same pipeline:
//
//  1. acquire the venue's rate bucket for the request class
//  2. sign the canonical payload (per-venue Signer)
//  3. execute through a circuit breaker with retry/backoff
//  4. map failures to the shared error taxonomy before returning
//
// Retries cover transient errors only (network, 5xx, 429) with exponential
// backoff starting at 1s, factor 2, capped at MaxRetries. A 429 honours
// Retry-After when present. Non-idempotent requests (order placement,
// cancels) are never retried once the outcome is ambiguous: a transport
// failure after the request may have been sent surfaces
// ErrUncertainPlacement so the execution engine reconciles via order
// lookup instead of blindly resending.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

const (
	defaultTimeout = 30 * time.Second
	defaultRetries = 3
	baseBackoff    = time.Second
)

// Signer computes a venue's request signature. Implementations return
// extra headers and/or query parameters to attach to the request.
type Signer interface {
	Sign(method, path string, query url.Values, body []byte) (headers map[string]string, extraQuery url.Values, err error)
}

// ErrorMapper translates a non-2xx venue response into a classified error.
// Adapters install their own mapper to decode venue error bodies; when the
// mapper returns nil the client falls back to status-code mapping.
type ErrorMapper func(status int, body []byte) error

// Request describes one REST call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	Auth   bool  // sign the request
	Class  Class // rate bucket to acquire
	// Idempotent requests are retried on transient failures. Placements
	// and cancels must set this false.
	Idempotent bool
}

// Response is the raw venue response after a successful (2xx) call.
type Response struct {
	StatusCode    int
	Body          []byte
	CorrelationID string
}

// Client executes signed, rate-limited, retried REST calls for one venue.
type Client struct {
	venue      string
	http       *resty.Client
	limiter    *Limiter
	signer     Signer
	mapErr     ErrorMapper
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	logger     *slog.Logger

	// test hook: overrides time.Sleep-style backoff waits
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientConfig wires a Client.
type ClientConfig struct {
	Venue      string
	BaseURL    string
	Limiter    *Limiter
	Signer     Signer
	ErrorMap   ErrorMapper
	MaxRetries int // 0 = default (3)
	Timeout    time.Duration
	Logger     *slog.Logger
}

// NewClient creates the shared HTTP client for a venue adapter.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultRetries
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Venue,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		venue:      cfg.Venue,
		http:       httpClient,
		limiter:    cfg.Limiter,
		signer:     cfg.Signer,
		mapErr:     cfg.ErrorMap,
		breaker:    breaker,
		maxRetries: retries,
		logger:     cfg.Logger.With("component", "http", "venue", cfg.Venue),
		sleep:      sleepCtx,
	}
}

// Do executes the request. The returned error, if any, is always
// classified into the taxonomy.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Acquire(ctx, c.venue, req.Class); err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	backoff := baseBackoff

	for attempt := 0; ; attempt++ {
		resp, err := c.execute(ctx, req, correlationID)
		if err == nil {
			return resp, nil
		}

		// Ambiguous outcome on a non-idempotent request: never resend.
		if errors.Is(err, ErrUncertainPlacement) {
			return nil, err
		}
		if !IsRetryable(err) || attempt >= c.maxRetries {
			return nil, err
		}

		wait := backoff
		if ra := retryAfter(err); ra > 0 {
			wait = ra
		}
		c.logger.Warn("retrying request",
			"path", req.Path,
			"attempt", attempt+1,
			"backoff", wait,
			"error", err,
		)
		if serr := c.sleep(ctx, wait); serr != nil {
			return nil, NewError(ErrNetwork, c.venue, "cancelled during backoff").
				WithCorrelation(correlationID).WithCause(serr)
		}
		backoff *= 2
	}
}

func (c *Client) execute(ctx context.Context, req Request, correlationID string) (*Response, error) {
	query := cloneValues(req.Query)
	headers := map[string]string{}

	if req.Auth {
		if c.signer == nil {
			return nil, NewError(ErrConfig, c.venue, "no credentials configured").
				WithCorrelation(correlationID)
		}
		sigHeaders, extraQuery, err := c.signer.Sign(req.Method, req.Path, query, req.Body)
		if err != nil {
			return nil, NewError(ErrAuth, c.venue, "request signing failed").
				WithCorrelation(correlationID).WithCause(err)
		}
		for k, v := range sigHeaders {
			headers[k] = v
		}
		for k, vs := range extraQuery {
			for _, v := range vs {
				query.Add(k, v)
			}
		}
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		r := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetQueryParamsFromValues(query)
		if len(req.Body) > 0 {
			r.SetBody(req.Body)
		}
		return r.Execute(req.Method, req.Path)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, NewError(ErrNetwork, c.venue, "circuit breaker open").
				WithCorrelation(correlationID).WithCause(err)
		}
		// The transport failed; for a non-idempotent request the venue may
		// still have received and executed it.
		if !req.Idempotent {
			return nil, NewError(ErrUncertainPlacement, c.venue, "transport failure, outcome unknown").
				WithCorrelation(correlationID).WithCause(err)
		}
		return nil, NewError(ErrNetwork, c.venue, "request failed").
			WithCorrelation(correlationID).WithCause(err)
	}

	resp := result.(*resty.Response)
	status := resp.StatusCode()
	body := resp.Body()

	if status >= 200 && status < 300 {
		return &Response{StatusCode: status, Body: body, CorrelationID: correlationID}, nil
	}

	if c.mapErr != nil {
		if merr := c.mapErr(status, body); merr != nil {
			return nil, decorate(merr, correlationID)
		}
	}
	return nil, decorate(c.mapStatus(status, resp, body), correlationID)
}

// mapStatus is the fallback classification by HTTP status code.
func (c *Client) mapStatus(status int, resp *resty.Response, body []byte) error {
	msg := fmt.Sprintf("status %d: %s", status, truncate(body, 256))
	switch {
	case status == http.StatusTooManyRequests:
		e := NewError(ErrRateLimited, c.venue, msg)
		if ra := parseRetryAfter(resp.Header().Get("Retry-After")); ra > 0 {
			e.Message = fmt.Sprintf("%s (retry after %s)", msg, ra)
			return &retryAfterError{err: e, after: ra}
		}
		return e
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(ErrAuth, c.venue, msg)
	case status >= 500:
		return NewError(ErrNetwork, c.venue, msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return NewError(ErrInvalidOrder, c.venue, msg)
	default:
		return NewError(ErrInternal, c.venue, msg)
	}
}

// retryAfterError carries the venue's Retry-After hint through the retry
// loop. The classified error is a named field so the Error method stays
// the error string, not a promoted struct member.
type retryAfterError struct {
	err   *Error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func retryAfter(err error) time.Duration {
	var rae *retryAfterError
	if errors.As(err, &rae) {
		return rae.after
	}
	return 0
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func decorate(err error, correlationID string) error {
	var ee *Error
	if errors.As(err, &ee) && ee.CorrelationID == "" {
		ee.CorrelationID = correlationID
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
