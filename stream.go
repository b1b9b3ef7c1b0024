// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otelopenai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync/atomic"
	"time"

	"github.com/z5labs/otelopenai/chat"
	"github.com/z5labs/otelopenai/internal/sse"
	"github.com/z5labs/otelopenai/internal/tokencount"
	"github.com/z5labs/otelopenai/internal/try"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/log"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ChatCompletionStream wraps a streamed chat completion response. It
// presents the same consumption contract as the underlying stream while
// owning the call span for the entire duration of the stream.
//
// The stream must be consumed by a single goroutine. [ChatCompletionStream.Close]
// may be called from any goroutine and more than once; every termination
// path, whether exhaustion, an error from the transport or early
// abandonment, funnels into the same one shot finalization of the span.
type ChatCompletionStream struct {
	body    io.ReadCloser
	decoder *sse.Decoder

	span   trace.Span
	events log.Logger
	insts  *instruments
	logger *zap.Logger

	captureContent bool
	estimateTokens bool
	requestModel   string
	start          time.Time

	responseID       string
	responseModel    string
	serviceTier      string
	promptTokens     int
	completionTokens int
	usageSeen        bool
	usageEstimated   bool
	errType          string
	choices          []*choiceBuffer

	finalized atomic.Bool
}

func newChatCompletionStream(c *Client, body io.ReadCloser, span trace.Span, requestModel string, start time.Time) *ChatCompletionStream {
	return &ChatCompletionStream{
		body:           body,
		decoder:        sse.NewDecoder(body),
		span:           span,
		events:         c.events,
		insts:          c.insts,
		logger:         c.logger,
		captureContent: c.captureContent,
		estimateTokens: c.estimateTokens,
		requestModel:   requestModel,
		start:          start,
	}
}

// Recv returns the next chunk of the stream. It returns [io.EOF] once
// the stream is exhausted, which is the normal termination path. Any
// other error is recorded on the call span and then returned unchanged.
func (s *ChatCompletionStream) Recv() (chat.CompletionChunk, error) {
	var chunk chat.CompletionChunk

	data, err := s.decoder.Next()
	if errors.Is(err, io.EOF) {
		s.finalize()
		return chunk, io.EOF
	}
	if err == nil {
		err = json.Unmarshal(data, &chunk)
	}
	if err != nil {
		s.recordError(err)
		s.finalize()
		return chat.CompletionChunk{}, err
	}

	s.processChunk(chunk)
	return chunk, nil
}

// All returns an iterator over the chunks of the stream. Iteration ends
// at stream exhaustion or after yielding the first error. A consumer
// which breaks out of the loop early should still call
// [ChatCompletionStream.Close] to release the underlying connection.
func (s *ChatCompletionStream) All() iter.Seq2[chat.CompletionChunk, error] {
	return func(yield func(chat.CompletionChunk, error) bool) {
		for {
			chunk, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(chunk, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Close releases the underlying connection and finalizes the call span
// with whatever state was accumulated so far. Abandoning a stream before
// exhaustion is a normal termination path, not a failure, so Close never
// reports an error. It is safe to call multiple times.
func (s *ChatCompletionStream) Close() error {
	err := s.body.Close()
	if err != nil {
		s.logger.Warn("failed to close response body", zap.Error(err))
	}

	s.finalize()
	return nil
}

func (s *ChatCompletionStream) recordError(err error) {
	if s.finalized.Load() {
		return
	}

	s.errType = errorType(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.span.SetAttributes(semconv.ErrorTypeKey.String(s.errType))
}

func (s *ChatCompletionStream) processChunk(chunk chat.CompletionChunk) {
	if s.responseID == "" {
		s.responseID = chunk.ID
	}
	if s.responseModel == "" {
		s.responseModel = chunk.Model
	}
	if s.serviceTier == "" {
		s.serviceTier = chunk.ServiceTier
	}

	for _, choice := range chunk.Choices {
		if choice.Index < 0 {
			continue
		}

		s.choices = ensureChoices(s.choices, choice.Index)
		buf := s.choices[choice.Index]

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			buf.finishReason = *choice.FinishReason
		}

		// a non-nil empty fragment still counts as content
		if choice.Delta.Content != nil {
			buf.appendContent(*choice.Delta.Content)
		}

		for _, tc := range choice.Delta.ToolCalls {
			if tc.Index < 0 {
				continue
			}
			buf.appendToolCall(tc)
		}
	}

	if chunk.Usage != nil {
		s.promptTokens = chunk.Usage.PromptTokens
		s.completionTokens = chunk.Usage.CompletionTokens
		s.usageSeen = true
	}
}

// finalize flushes the accumulated state into telemetry and ends the
// span. The first caller wins and all later calls are no-ops. Ending the
// span is the one hard guarantee here: flushing attributes, events and
// metrics is best effort and must never leave the span open.
func (s *ChatCompletionStream) finalize() {
	if !s.finalized.CompareAndSwap(false, true) {
		return
	}
	defer s.span.End()

	err := s.flush()
	if err != nil {
		s.logger.Warn("failed to flush stream telemetry", zap.Error(err))
	}
}

func (s *ChatCompletionStream) flush() (err error) {
	defer try.Recover(&err)

	if !s.usageSeen && s.estimateTokens {
		s.estimateUsage()
	}

	s.setResponseAttributes()
	s.recordMetrics()
	s.emitChoiceEvents()
	return nil
}

func (s *ChatCompletionStream) setResponseAttributes() {
	attrs := make([]attribute.KeyValue, 0, 6)
	if s.responseModel != "" {
		attrs = append(attrs, genAIResponseModelKey.String(s.responseModel))
	}
	if s.responseID != "" {
		attrs = append(attrs, genAIResponseIDKey.String(s.responseID))
	}
	if s.serviceTier != "" {
		attrs = append(attrs, genAIResponseServiceTierKey.String(s.serviceTier))
	}

	attrs = append(attrs,
		genAIUsageInputTokensKey.Int(s.promptTokens),
		genAIUsageOutputTokensKey.Int(s.completionTokens),
		genAIResponseFinishReasonsKey.StringSlice(s.finishReasons()),
	)
	s.span.SetAttributes(attrs...)
}

func (s *ChatCompletionStream) finishReasons() []string {
	reasons := make([]string, len(s.choices))
	for i, buf := range s.choices {
		reasons[i] = finishReasonOrError(buf.finishReason)
	}
	return reasons
}

func finishReasonOrError(reason string) string {
	if reason == "" {
		return finishReasonError
	}
	return reason
}

func (s *ChatCompletionStream) emitChoiceEvents() {
	// the span is usually no longer the ambient one by the time the
	// stream ends, so its identifiers are carried explicitly on the
	// event context instead
	ctx := trace.ContextWithSpanContext(context.Background(), s.span.SpanContext())

	for i, buf := range s.choices {
		msg := eventMessage{
			content:    buf.content.String(),
			hasContent: buf.hasContent,
		}
		for _, tc := range buf.toolCalls {
			if tc == nil {
				continue
			}
			msg.toolCalls = append(msg.toolCalls, eventToolCall{
				id:        tc.id,
				name:      tc.name,
				arguments: tc.arguments.String(),
			})
		}

		body := choiceEventBody(i, finishReasonOrError(buf.finishReason), msg, s.captureContent)
		s.events.Emit(ctx, newEvent(choiceEventName, body))
	}
}

func (s *ChatCompletionStream) recordMetrics() {
	ctx := trace.ContextWithSpanContext(context.Background(), s.span.SpanContext())

	attrs := make([]attribute.KeyValue, 0, 5)
	attrs = append(attrs,
		genAIOperationNameKey.String(genAIOperationChat),
		genAISystemKey.String(genAISystemOpenAI),
		genAIRequestModelKey.String(s.requestModel),
	)
	if s.responseModel != "" {
		attrs = append(attrs, genAIResponseModelKey.String(s.responseModel))
	}
	if s.errType != "" {
		attrs = append(attrs, semconv.ErrorTypeKey.String(s.errType))
	}

	s.insts.recordDuration(ctx, time.Since(s.start), attrs)

	switch {
	case s.usageSeen:
		s.insts.recordTokens(ctx, "input", int64(s.promptTokens), attrs)
		s.insts.recordTokens(ctx, "output", int64(s.completionTokens), attrs)
	case s.usageEstimated:
		s.insts.recordTokens(ctx, "output", int64(s.completionTokens), attrs)
	}
}

// estimateUsage derives a completion token count from the assembled text
// when the server never reported usage on the stream.
func (s *ChatCompletionStream) estimateUsage() {
	model := s.responseModel
	if model == "" {
		model = s.requestModel
	}

	counter, err := tokencount.For(model)
	if err != nil {
		s.logger.Warn("failed to load token encoding",
			zap.String("model", model),
			zap.Error(err),
		)
		return
	}

	total := 0
	estimated := false
	for _, buf := range s.choices {
		if !buf.hasContent {
			continue
		}
		total += counter.Count(buf.content.String())
		estimated = true
	}
	if !estimated {
		return
	}

	s.completionTokens = total
	s.usageEstimated = true
}
