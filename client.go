// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otelopenai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/z5labs/otelopenai/chat"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Client is an instrumented client for the chat completions endpoint of
// an OpenAI compatible server. All methods are safe for concurrent use.
type Client struct {
	endpoint       *url.URL
	completionsURL string
	apiKey         string
	httpc          *http.Client

	tracer trace.Tracer
	events log.Logger
	insts  *instruments
	logger *zap.Logger

	captureContent bool
	estimateTokens bool
}

// NewClient returns a [Client] calling the API rooted at endpoint,
// for example "https://api.openai.com/v1".
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	cfg := newConfig(opts...)

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}

	httpc := cfg.httpClient
	if httpc == nil {
		httpc = newHTTPClient(cfg)
	}

	return &Client{
		endpoint:       u,
		completionsURL: strings.TrimSuffix(endpoint, "/") + "/chat/completions",
		apiKey:         cfg.apiKey,
		httpc:          httpc,
		tracer:         cfg.tracer(),
		events:         cfg.eventLogger(),
		insts:          newInstruments(cfg.meter(), cfg.logger),
		logger:         cfg.logger,
		captureContent: cfg.captureContent,
		estimateTokens: cfg.estimateTokens,
	}, nil
}

// ChatCompletion performs a non-streaming chat completion call. The call
// span covers the full round trip and is ended before returning.
func (c *Client) ChatCompletion(ctx context.Context, req chat.CompletionRequest) (*chat.Completion, error) {
	req.Stream = false
	req.StreamOptions = nil

	ctx, span, start := c.startCall(ctx, req)

	resp, err := c.post(ctx, req)
	if err != nil {
		c.endCallWithError(ctx, span, start, req.Model, err)
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp)
		c.endCallWithError(ctx, span, start, req.Model, apiErr)
		return nil, apiErr
	}

	var completion chat.Completion
	err = json.NewDecoder(resp.Body).Decode(&completion)
	if err != nil {
		c.endCallWithError(ctx, span, start, req.Model, err)
		return nil, err
	}

	c.recordCompletion(ctx, span, start, req.Model, &completion)
	return &completion, nil
}

// ChatCompletionStream performs a streaming chat completion call. On
// success the returned [ChatCompletionStream] owns the call span: the
// span stays open until the stream is exhausted, fails or is closed.
//
// Unless the request says otherwise, usage reporting is requested on the
// stream so token counts can be recorded from the terminal chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req chat.CompletionRequest) (*ChatCompletionStream, error) {
	req.Stream = true
	if req.StreamOptions == nil {
		req.StreamOptions = &chat.StreamOptions{IncludeUsage: true}
	}

	ctx, span, start := c.startCall(ctx, req)

	resp, err := c.post(ctx, req)
	if err != nil {
		c.endCallWithError(ctx, span, start, req.Model, err)
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := decodeAPIError(resp)
		_ = resp.Body.Close()
		c.endCallWithError(ctx, span, start, req.Model, apiErr)
		return nil, apiErr
	}

	return newChatCompletionStream(c, resp.Body, span, req.Model, start), nil
}

func (c *Client) startCall(ctx context.Context, req chat.CompletionRequest) (context.Context, trace.Span, time.Time) {
	start := time.Now()

	ctx, span := c.tracer.Start(ctx,
		genAIOperationChat+" "+req.Model,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(requestAttributes(req, c.endpoint)...),
	)

	if span.IsRecording() {
		for _, msg := range req.Messages {
			c.events.Emit(ctx, messageEvent(msg, c.captureContent))
		}
	}
	return ctx, span, start
}

func (c *Client) post(ctx context.Context, req chat.CompletionRequest) (*http.Response, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionsURL, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	return c.httpc.Do(httpReq)
}

func (c *Client) endCallWithError(ctx context.Context, span trace.Span, start time.Time, model string, err error) {
	errType := errorType(err)

	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(semconv.ErrorTypeKey.String(errType))
	span.End()

	c.insts.recordDuration(ctx, time.Since(start), []attribute.KeyValue{
		genAIOperationNameKey.String(genAIOperationChat),
		genAISystemKey.String(genAISystemOpenAI),
		genAIRequestModelKey.String(model),
		semconv.ErrorTypeKey.String(errType),
	})
}

func (c *Client) recordCompletion(ctx context.Context, span trace.Span, start time.Time, model string, completion *chat.Completion) {
	defer span.End()

	attrs := make([]attribute.KeyValue, 0, 6)
	if completion.Model != "" {
		attrs = append(attrs, genAIResponseModelKey.String(completion.Model))
	}
	if completion.ID != "" {
		attrs = append(attrs, genAIResponseIDKey.String(completion.ID))
	}
	if completion.ServiceTier != "" {
		attrs = append(attrs, genAIResponseServiceTierKey.String(completion.ServiceTier))
	}

	finishReasons := make([]string, len(completion.Choices))
	for i, choice := range completion.Choices {
		reason := ""
		if choice.FinishReason != nil {
			reason = *choice.FinishReason
		}
		finishReasons[i] = finishReasonOrError(reason)
	}
	attrs = append(attrs, genAIResponseFinishReasonsKey.StringSlice(finishReasons))

	if completion.Usage != nil {
		attrs = append(attrs,
			genAIUsageInputTokensKey.Int(completion.Usage.PromptTokens),
			genAIUsageOutputTokensKey.Int(completion.Usage.CompletionTokens),
		)
	}
	span.SetAttributes(attrs...)

	if span.IsRecording() {
		for i, choice := range completion.Choices {
			msg := eventMessage{
				content:    choice.Message.Content,
				hasContent: choice.Message.Content != "",
			}
			for _, tc := range choice.Message.ToolCalls {
				msg.toolCalls = append(msg.toolCalls, eventToolCall{
					id:        tc.ID,
					name:      tc.Function.Name,
					arguments: tc.Function.Arguments,
				})
			}

			body := choiceEventBody(i, finishReasons[i], msg, c.captureContent)
			c.events.Emit(ctx, newEvent(choiceEventName, body))
		}
	}

	metricAttrs := []attribute.KeyValue{
		genAIOperationNameKey.String(genAIOperationChat),
		genAISystemKey.String(genAISystemOpenAI),
		genAIRequestModelKey.String(model),
	}
	if completion.Model != "" {
		metricAttrs = append(metricAttrs, genAIResponseModelKey.String(completion.Model))
	}

	c.insts.recordDuration(ctx, time.Since(start), metricAttrs)
	if completion.Usage != nil {
		c.insts.recordTokens(ctx, "input", int64(completion.Usage.PromptTokens), metricAttrs)
		c.insts.recordTokens(ctx, "output", int64(completion.Usage.CompletionTokens), metricAttrs)
	}
}
