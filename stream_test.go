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
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/z5labs/otelopenai/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/logtest"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

type streamHarness struct {
	spans  *tracetest.SpanRecorder
	logs   *logtest.Recorder
	stream *ChatCompletionStream
}

func newStreamHarness(t *testing.T, r io.ReadCloser, opts ...Option) *streamHarness {
	t.Helper()

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	logs := logtest.NewRecorder()

	opts = append(opts,
		WithTracerProvider(tp),
		WithLoggerProvider(logs),
	)
	c, err := NewClient("http://localhost:11434/v1", opts...)
	require.NoError(t, err)

	_, span := c.tracer.Start(context.Background(), "chat gpt-test", trace.WithSpanKind(trace.SpanKindClient))

	return &streamHarness{
		spans:  spans,
		logs:   logs,
		stream: newChatCompletionStream(c, r, span, "gpt-test", time.Now()),
	}
}

func sseBody(chunks ...string) string {
	var sb strings.Builder
	for _, chunk := range chunks {
		sb.WriteString("data: ")
		sb.WriteString(chunk)
		sb.WriteString("\n\n")
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func (h *streamHarness) drain(t *testing.T) []chat.CompletionChunk {
	t.Helper()

	var chunks []chat.CompletionChunk
	for {
		chunk, err := h.stream.Recv()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
}

func (h *streamHarness) choiceEvents() []logtest.EmittedRecord {
	var records []logtest.EmittedRecord
	for _, scope := range h.logs.Result() {
		for _, record := range scope.Records {
			if record.EventName() == choiceEventName {
				records = append(records, record)
			}
		}
	}
	return records
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, attr := range attrs {
		m[attr.Key] = attr.Value
	}
	return m
}

func valueMap(v log.Value) map[string]log.Value {
	m := make(map[string]log.Value)
	for _, kv := range v.AsMap() {
		m[kv.Key] = kv.Value
	}
	return m
}

type recordingCloser struct {
	io.Reader
	closeCount atomic.Int64
}

func (rc *recordingCloser) Close() error {
	rc.closeCount.Add(1)
	return nil
}

// errorReader yields its wrapped content and then fails with err instead
// of signalling a clean end of stream.
type errorReader struct {
	io.Reader
	err error
}

func (r *errorReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if errors.Is(err, io.EOF) {
		return n, r.err
	}
	return n, err
}

func TestChatCompletionStream_Recv(t *testing.T) {
	t.Run("will assemble the full message text", func(t *testing.T) {
		t.Run("if content arrives split across chunks", func(t *testing.T) {
			body := sseBody(
				`{"id":"chatcmpl-123","model":"gpt-test-1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
				`{"id":"chatcmpl-123","model":"gpt-test-1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)), WithCaptureContent())

			chunks := h.drain(t)
			if !assert.Len(t, chunks, 2) {
				return
			}

			// chunks must pass through unchanged
			require.NotNil(t, chunks[0].Choices[0].Delta.Content)
			assert.Equal(t, "Hel", *chunks[0].Choices[0].Delta.Content)

			spans := h.spans.Ended()
			require.Len(t, spans, 1)

			attrs := attrMap(spans[0].Attributes())
			assert.Equal(t, "chatcmpl-123", attrs[genAIResponseIDKey].AsString())
			assert.Equal(t, "gpt-test-1", attrs[genAIResponseModelKey].AsString())
			assert.Equal(t, []string{"stop"}, attrs[genAIResponseFinishReasonsKey].AsStringSlice())

			events := h.choiceEvents()
			require.Len(t, events, 1)

			eventBody := valueMap(events[0].Body())
			assert.Equal(t, int64(0), eventBody["index"].AsInt64())
			assert.Equal(t, "stop", eventBody["finish_reason"].AsString())

			message := valueMap(eventBody["message"])
			assert.Equal(t, "assistant", message["role"].AsString())
			assert.Equal(t, "Hello", message["content"].AsString())
		})

		t.Run("if an empty content fragment arrives mid stream", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
				`{"choices":[{"index":0,"delta":{"content":""}}]}`,
				`{"choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)), WithCaptureContent())
			h.drain(t)

			events := h.choiceEvents()
			require.Len(t, events, 1)

			message := valueMap(valueMap(events[0].Body())["message"])
			assert.Equal(t, "Hello", message["content"].AsString())
		})

		t.Run("if a choice only ever receives empty content fragments", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{"content":""},"finish_reason":"stop"}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)), WithCaptureContent())
			h.drain(t)

			events := h.choiceEvents()
			require.Len(t, events, 1)

			// an empty fragment is not the same as no fragment at all
			message := valueMap(valueMap(events[0].Body())["message"])
			content, ok := message["content"]
			require.True(t, ok)
			assert.Equal(t, "", content.AsString())
		})

		t.Run("if a choice never receives any content fragment", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)), WithCaptureContent())
			h.drain(t)

			events := h.choiceEvents()
			require.Len(t, events, 1)

			message := valueMap(valueMap(events[0].Body())["message"])
			_, ok := message["content"]
			assert.False(t, ok)
		})
	})

	t.Run("will omit message content from events", func(t *testing.T) {
		t.Run("if content capture is not enabled", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{"content":"secret"},"finish_reason":"stop"}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)))
			h.drain(t)

			events := h.choiceEvents()
			require.Len(t, events, 1)

			bodyMap := valueMap(events[0].Body())
			assert.Equal(t, "stop", bodyMap["finish_reason"].AsString())

			message := valueMap(bodyMap["message"])
			assert.Equal(t, "assistant", message["role"].AsString())
			_, ok := message["content"]
			assert.False(t, ok)
		})
	})

	t.Run("will report the error finish reason sentinel", func(t *testing.T) {
		t.Run("if the stream ends before a finish reason arrives", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)))
			h.drain(t)

			spans := h.spans.Ended()
			require.Len(t, spans, 1)

			attrs := attrMap(spans[0].Attributes())
			assert.Equal(t, []string{"error"}, attrs[genAIResponseFinishReasonsKey].AsStringSlice())

			events := h.choiceEvents()
			require.Len(t, events, 1)
			assert.Equal(t, "error", valueMap(events[0].Body())["finish_reason"].AsString())
		})
	})

	t.Run("will assemble streamed tool calls", func(t *testing.T) {
		t.Run("if arguments arrive fragmented across chunks", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":"{\"city\":"}}]}}]}`,
				`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Berlin\"}"}}]}}]}`,
				`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)), WithCaptureContent())
			h.drain(t)

			events := h.choiceEvents()
			require.Len(t, events, 1)

			message := valueMap(valueMap(events[0].Body())["message"])
			calls := message["tool_calls"].AsSlice()
			require.Len(t, calls, 1)

			call := valueMap(calls[0])
			assert.Equal(t, "call_1", call["id"].AsString())
			assert.Equal(t, "function", call["type"].AsString())

			function := valueMap(call["function"])
			assert.Equal(t, "get_weather", function["name"].AsString())
			assert.Equal(t, `{"city":"Berlin"}`, function["arguments"].AsString())
		})

		t.Run("if a tool call index arrives before the lower indices exist", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":2,"id":"call_3","function":{"name":"late","arguments":"{}"}}]}}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)), WithCaptureContent())
			h.drain(t)

			events := h.choiceEvents()
			require.Len(t, events, 1)

			// the unpopulated placeholder slots are not reported
			message := valueMap(valueMap(events[0].Body())["message"])
			calls := message["tool_calls"].AsSlice()
			require.Len(t, calls, 1)
			assert.Equal(t, "call_3", valueMap(calls[0])["id"].AsString())
		})

		t.Run("if later fragments repeat the id and name", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"first","arguments":"a"}}]}}]}`,
				`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_other","function":{"name":"second","arguments":"b"}}]}}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)), WithCaptureContent())
			h.drain(t)

			events := h.choiceEvents()
			require.Len(t, events, 1)

			call := valueMap(valueMap(valueMap(events[0].Body())["message"])["tool_calls"].AsSlice()[0])
			assert.Equal(t, "call_1", call["id"].AsString())
			assert.Equal(t, "first", valueMap(call["function"])["name"].AsString())
			assert.Equal(t, "ab", valueMap(call["function"])["arguments"].AsString())
		})
	})

	t.Run("will backfill missing choices", func(t *testing.T) {
		t.Run("if a choice index arrives before the lower indices exist", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":2,"delta":{"content":"hi"},"finish_reason":"stop"}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)))
			h.drain(t)

			spans := h.spans.Ended()
			require.Len(t, spans, 1)

			attrs := attrMap(spans[0].Attributes())
			assert.Equal(t, []string{"error", "error", "stop"}, attrs[genAIResponseFinishReasonsKey].AsStringSlice())

			events := h.choiceEvents()
			assert.Len(t, events, 3)
		})
	})

	t.Run("will keep the first value seen", func(t *testing.T) {
		t.Run("if later chunks carry a different id, model or service tier", func(t *testing.T) {
			body := sseBody(
				`{"id":"chatcmpl-1","model":"gpt-test-1","service_tier":"default","choices":[{"index":0,"delta":{"content":"a"}}]}`,
				`{"id":"chatcmpl-2","model":"gpt-test-2","service_tier":"scale","choices":[{"index":0,"delta":{"content":"b"},"finish_reason":"stop"}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)))
			h.drain(t)

			spans := h.spans.Ended()
			require.Len(t, spans, 1)

			attrs := attrMap(spans[0].Attributes())
			assert.Equal(t, "chatcmpl-1", attrs[genAIResponseIDKey].AsString())
			assert.Equal(t, "gpt-test-1", attrs[genAIResponseModelKey].AsString())
			assert.Equal(t, "default", attrs[genAIResponseServiceTierKey].AsString())
		})
	})

	t.Run("will record the usage from the terminal chunk", func(t *testing.T) {
		t.Run("if usage reporting was requested on the stream", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":"stop"}]}`,
				`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":12,"total_tokens":21}}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)))
			h.drain(t)

			spans := h.spans.Ended()
			require.Len(t, spans, 1)

			attrs := attrMap(spans[0].Attributes())
			assert.Equal(t, int64(9), attrs[genAIUsageInputTokensKey].AsInt64())
			assert.Equal(t, int64(12), attrs[genAIUsageOutputTokensKey].AsInt64())
		})
	})

	t.Run("will return the transport error unchanged", func(t *testing.T) {
		t.Run("if the payload fails to decode", func(t *testing.T) {
			body := "data: {not json}\n\n"

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)))

			_, err := h.stream.Recv()
			require.Error(t, err)

			var syntaxErr *json.SyntaxError
			assert.ErrorAs(t, err, &syntaxErr)

			spans := h.spans.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, codes.Error, spans[0].Status().Code)

			attrs := attrMap(spans[0].Attributes())
			assert.Equal(t, "*json.SyntaxError", attrs[semconv.ErrorTypeKey].AsString())
		})

		t.Run("if the connection fails mid stream", func(t *testing.T) {
			connErr := errors.New("connection reset")
			r := &errorReader{
				Reader: strings.NewReader(`data: {"choices":[{"index":0,"delta":{"content":"hi"}}]}` + "\n\n"),
				err:    connErr,
			}

			h := newStreamHarness(t, io.NopCloser(r))

			_, err := h.stream.Recv()
			require.NoError(t, err)

			_, err = h.stream.Recv()
			assert.ErrorIs(t, err, connErr)

			spans := h.spans.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, codes.Error, spans[0].Status().Code)

			// partial state still flows into the summary event
			events := h.choiceEvents()
			require.Len(t, events, 1)
			assert.Equal(t, "error", valueMap(events[0].Body())["finish_reason"].AsString())
		})
	})

	t.Run("will carry the span identifiers on the events", func(t *testing.T) {
		t.Run("if the span is no longer the ambient one at finalization", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":"stop"}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)))
			spanCtx := h.stream.span.SpanContext()
			h.drain(t)

			events := h.choiceEvents()
			require.Len(t, events, 1)

			emitted := trace.SpanContextFromContext(events[0].Context())
			assert.Equal(t, spanCtx.TraceID(), emitted.TraceID())
			assert.Equal(t, spanCtx.SpanID(), emitted.SpanID())
		})
	})
}

func TestChatCompletionStream_Close(t *testing.T) {
	t.Run("will finalize with partial state", func(t *testing.T) {
		t.Run("if the consumer abandons the stream early", func(t *testing.T) {
			body := sseBody(
				`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"one"}}]}`,
				`{"choices":[{"index":0,"delta":{"content":"two"}}]}`,
				`{"choices":[{"index":0,"delta":{"content":"three"},"finish_reason":"stop"}]}`,
			)
			rc := &recordingCloser{Reader: strings.NewReader(body)}

			h := newStreamHarness(t, rc, WithCaptureContent())

			_, err := h.stream.Recv()
			require.NoError(t, err)

			err = h.stream.Close()
			require.NoError(t, err)
			assert.Equal(t, int64(1), rc.closeCount.Load())

			spans := h.spans.Ended()
			require.Len(t, spans, 1)

			attrs := attrMap(spans[0].Attributes())
			assert.Equal(t, "chatcmpl-1", attrs[genAIResponseIDKey].AsString())
			assert.Equal(t, []string{"error"}, attrs[genAIResponseFinishReasonsKey].AsStringSlice())

			events := h.choiceEvents()
			require.Len(t, events, 1)
			message := valueMap(valueMap(events[0].Body())["message"])
			assert.Equal(t, "one", message["content"].AsString())
		})
	})

	t.Run("will finalize exactly once", func(t *testing.T) {
		t.Run("if the stream was already exhausted", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":"stop"}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)))
			h.drain(t)

			err := h.stream.Close()
			require.NoError(t, err)

			assert.Len(t, h.spans.Ended(), 1)
			assert.Len(t, h.choiceEvents(), 1)
		})

		t.Run("if Close is called multiple times", func(t *testing.T) {
			h := newStreamHarness(t, io.NopCloser(strings.NewReader(sseBody())))

			require.NoError(t, h.stream.Close())
			require.NoError(t, h.stream.Close())

			assert.Len(t, h.spans.Ended(), 1)
		})

		t.Run("if Close is called concurrently", func(t *testing.T) {
			h := newStreamHarness(t, io.NopCloser(strings.NewReader(sseBody())))

			var wg sync.WaitGroup
			for range 4 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = h.stream.Close()
				}()
			}
			wg.Wait()

			assert.Len(t, h.spans.Ended(), 1)
		})

		t.Run("if Recv is called after exhaustion", func(t *testing.T) {
			h := newStreamHarness(t, io.NopCloser(strings.NewReader(sseBody())))

			_, err := h.stream.Recv()
			require.ErrorIs(t, err, io.EOF)

			_, err = h.stream.Recv()
			require.ErrorIs(t, err, io.EOF)

			assert.Len(t, h.spans.Ended(), 1)
		})
	})
}

func TestChatCompletionStream_All(t *testing.T) {
	t.Run("will yield every chunk", func(t *testing.T) {
		t.Run("if the stream completes normally", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{"content":"a"}}]}`,
				`{"choices":[{"index":0,"delta":{"content":"b"},"finish_reason":"stop"}]}`,
			)

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)))

			var count int
			for _, err := range h.stream.All() {
				require.NoError(t, err)
				count += 1
			}

			assert.Equal(t, 2, count)
			assert.Len(t, h.spans.Ended(), 1)
		})
	})

	t.Run("will yield the error and stop", func(t *testing.T) {
		t.Run("if a chunk fails to decode", func(t *testing.T) {
			body := `data: {"choices":[{"index":0,"delta":{"content":"a"}}]}` + "\n\ndata: {oops}\n\n"

			h := newStreamHarness(t, io.NopCloser(strings.NewReader(body)))

			var errs []error
			for _, err := range h.stream.All() {
				if err != nil {
					errs = append(errs, err)
				}
			}

			require.Len(t, errs, 1)
			assert.Len(t, h.spans.Ended(), 1)
		})
	})

	t.Run("will leave the stream closable", func(t *testing.T) {
		t.Run("if the consumer breaks out of the loop early", func(t *testing.T) {
			body := sseBody(
				`{"choices":[{"index":0,"delta":{"content":"a"}}]}`,
				`{"choices":[{"index":0,"delta":{"content":"b"},"finish_reason":"stop"}]}`,
			)
			rc := &recordingCloser{Reader: strings.NewReader(body)}

			h := newStreamHarness(t, rc)

			for range h.stream.All() {
				break
			}
			require.NoError(t, h.stream.Close())

			assert.Equal(t, int64(1), rc.closeCount.Load())
			assert.Len(t, h.spans.Ended(), 1)
		})
	})
}
