// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otelopenai

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type retryOptions struct {
	maxRetries int
	waitMin    time.Duration
	waitMax    time.Duration
}

// RetryOption represents configurable attributes of [WithRetryRequests].
type RetryOption func(*retryOptions)

// MaxAttempts configures the maximum number of retries per request.
func MaxAttempts(n int) RetryOption {
	return func(ro *retryOptions) {
		ro.maxRetries = n
	}
}

// MinWaitDuration configures the minimum wait between retries.
func MinWaitDuration(min time.Duration) RetryOption {
	return func(ro *retryOptions) {
		ro.waitMin = min
	}
}

// MaxWaitDuration configures the maximum wait between retries.
func MaxWaitDuration(max time.Duration) RetryOption {
	return func(ro *retryOptions) {
		ro.waitMax = max
	}
}

// WithRetryRequests adds request retry logic to the underlying [http.Client].
func WithRetryRequests(opts ...RetryOption) Option {
	return func(c *config) {
		ro := &retryOptions{
			maxRetries: 2,
			waitMin:    100 * time.Millisecond,
			waitMax:    5 * time.Second,
		}
		for _, opt := range opts {
			opt(ro)
		}
		c.retry = ro
	}
}

type circuitOptions struct {
	maxRequests uint32
	interval    time.Duration
	timeout     time.Duration
	tripCount   uint32
	statusCodes []int
}

// CircuitOption represents configurable attributes of [WithCircuitBreaker].
type CircuitOption func(*circuitOptions)

// CircuitMaxRequests is the maximum number of requests allowed to pass
// through while the circuit breaker is half-open.
func CircuitMaxRequests(n uint32) CircuitOption {
	return func(co *circuitOptions) {
		co.maxRequests = n
	}
}

// CircuitInterval is the cyclic period of the closed state after which the
// circuit breaker clears its internal counts.
func CircuitInterval(interval time.Duration) CircuitOption {
	return func(co *circuitOptions) {
		co.interval = interval
	}
}

// CircuitTimeout is the period of the open state, after which the circuit
// breaker becomes half-open.
func CircuitTimeout(timeout time.Duration) CircuitOption {
	return func(co *circuitOptions) {
		co.timeout = timeout
	}
}

// CircuitTripCount determines the number of consecutive failures required
// to trip the circuit.
func CircuitTripCount(n uint32) CircuitOption {
	return func(co *circuitOptions) {
		co.tripCount = n
	}
}

// CircuitErrorOnStatusCode registers an HTTP response status code which
// should be counted as an error by the circuit breaker.
//
// Default: 429, 500, 502, 503, 504
func CircuitErrorOnStatusCode(n int) CircuitOption {
	return func(co *circuitOptions) {
		co.statusCodes = append(co.statusCodes, n)
	}
}

// WithCircuitBreaker adds a circuit breaker around the underlying
// transport, guarding against hammering an overloaded model server.
func WithCircuitBreaker(opts ...CircuitOption) Option {
	return func(c *config) {
		co := &circuitOptions{
			maxRequests: 1,
			timeout:     60 * time.Second,
			tripCount:   5,
		}
		for _, opt := range opts {
			opt(co)
		}
		c.circuit = co
	}
}

func newHTTPClient(cfg *config) *http.Client {
	var rt http.RoundTripper = otelhttp.NewTransport(
		http.DefaultTransport,
		otelhttp.WithTracerProvider(cfg.tracerProvider),
		otelhttp.WithMeterProvider(cfg.meterProvider),
	)
	if cfg.circuit != nil {
		rt = newCircuitRoundTripper(rt, cfg.circuit, cfg.logger)
	}

	c := &http.Client{
		Transport: rt,
		Timeout:   cfg.timeout,
	}
	if cfg.retry == nil {
		return c
	}

	log := cfg.logger
	rc := retryablehttp.Client{
		HTTPClient:   c,
		RetryWaitMin: cfg.retry.waitMin,
		RetryWaitMax: cfg.retry.waitMax,
		RetryMax:     cfg.retry.maxRetries,
		RequestLogHook: func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			log.Debug("sending http request",
				zap.String("url", req.URL.String()),
				zap.Int("request_attempt_count", attempt),
			)
		},
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return rc.StandardClient()
}

var errStatusCode = errors.New("status code error")

type circuitRoundTripper struct {
	http.RoundTripper
	cb           *gobreaker.CircuitBreaker
	onStatusCode func(int) error
}

func newCircuitRoundTripper(rt http.RoundTripper, co *circuitOptions, logger *zap.Logger) http.RoundTripper {
	statusCodes := co.statusCodes
	if len(statusCodes) == 0 {
		statusCodes = []int{
			http.StatusTooManyRequests,     // 429
			http.StatusInternalServerError, // 500
			http.StatusBadGateway,          // 502
			http.StatusServiceUnavailable,  // 503
			http.StatusGatewayTimeout,      // 504
		}
	}
	codes := map[int]struct{}{}
	for _, code := range statusCodes {
		codes[code] = struct{}{}
	}

	return &circuitRoundTripper{
		RoundTripper: rt,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "otelopenai",
			MaxRequests: co.maxRequests,
			Interval:    co.interval,
			Timeout:     co.timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= co.tripCount
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				switch to {
				case gobreaker.StateOpen:
					logger.Error("circuit has been opened")
				case gobreaker.StateHalfOpen:
					logger.Warn("circuit is now half open and letting some requests through",
						zap.Uint32("max_requests_allowed_through", co.maxRequests),
					)
				case gobreaker.StateClosed:
					logger.Info("circuit has been closed")
				}
			},
			IsSuccessful: isCircuitSuccess,
		}),
		onStatusCode: func(n int) error {
			_, ok := codes[n]
			if !ok {
				return nil
			}
			return errStatusCode
		},
	}
}

// isCircuitSuccess reports whether err should count against the circuit.
// Only connectivity failures and registered status codes trip it.
func isCircuitSuccess(err error) bool {
	if errors.Is(err, errStatusCode) {
		return false
	}

	var netErr net.Error
	return !errors.As(err, &netErr)
}

func (rt *circuitRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	_, err := rt.cb.Execute(func() (any, error) {
		r, err := rt.RoundTripper.RoundTrip(req)
		if err != nil {
			return nil, err
		}

		resp = r
		return nil, rt.onStatusCode(r.StatusCode)
	})

	// a registered status code only counts against the breaker, the
	// response itself still flows back to the caller
	if err != nil && !errors.Is(err, errStatusCode) {
		return nil, err
	}
	return resp, nil
}
