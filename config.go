// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otelopenai

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type config struct {
	tracerProvider trace.TracerProvider
	loggerProvider log.LoggerProvider
	meterProvider  metric.MeterProvider

	captureContent bool
	estimateTokens bool

	logger *zap.Logger

	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	retry      *retryOptions
	circuit    *circuitOptions
}

// Option represents configurable attributes of [Client].
type Option func(*config)

// WithTracerProvider configures the [trace.TracerProvider] used for
// creating call spans.
//
// Default is the global provider from [otel.GetTracerProvider].
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = tp
	}
}

// WithLoggerProvider configures the [log.LoggerProvider] used for
// emitting prompt and choice events.
//
// Default is the global provider from [global.GetLoggerProvider].
func WithLoggerProvider(lp log.LoggerProvider) Option {
	return func(c *config) {
		c.loggerProvider = lp
	}
}

// WithMeterProvider configures the [metric.MeterProvider] used for
// recording call duration and token usage.
//
// Default is the global provider from [otel.GetMeterProvider].
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = mp
	}
}

// WithCaptureContent enables attaching message content and tool call
// arguments to the emitted events. It is off by default since prompts
// and completions routinely contain sensitive data.
func WithCaptureContent() Option {
	return func(c *config) {
		c.captureContent = true
	}
}

// WithTokenEstimation enables estimating the completion token count of a
// streamed response from its assembled text whenever the server did not
// report usage on the terminal chunk.
func WithTokenEstimation() Option {
	return func(c *config) {
		c.estimateTokens = true
	}
}

// WithLogger configures a [zap.Logger] for internal diagnostics, for
// example telemetry that could not be recorded. Telemetry recording is
// best effort and never fails the instrumented call.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithAPIKey configures the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(c *config) {
		c.apiKey = key
	}
}

// WithHTTPClient configures the underlying [http.Client]. When set, the
// retry, circuit breaker and timeout options are ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// WithRequestTimeout configures the total request timeout of the
// underlying [http.Client]. Note that for streaming calls this bounds
// the entire stream, not just the initial response.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.timeout = timeout
	}
}

func newConfig(opts ...Option) *config {
	c := &config{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	if c.loggerProvider == nil {
		c.loggerProvider = global.GetLoggerProvider()
	}
	if c.meterProvider == nil {
		c.meterProvider = otel.GetMeterProvider()
	}
	return c
}

func (c *config) tracer() trace.Tracer {
	return c.tracerProvider.Tracer(
		ScopeName,
		trace.WithInstrumentationVersion(Version),
	)
}

func (c *config) eventLogger() log.Logger {
	return c.loggerProvider.Logger(
		ScopeName,
		log.WithInstrumentationVersion(Version),
	)
}

func (c *config) meter() metric.Meter {
	return c.meterProvider.Meter(
		ScopeName,
		metric.WithInstrumentationVersion(Version),
	)
}
