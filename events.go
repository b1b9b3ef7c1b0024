// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otelopenai

import (
	"time"

	"github.com/z5labs/otelopenai/chat"

	"go.opentelemetry.io/otel/log"
)

func newEvent(name string, body log.Value) log.Record {
	var record log.Record
	record.SetTimestamp(time.Now())
	record.SetEventName(name)
	record.SetBody(body)
	record.AddAttributes(log.String(string(genAISystemKey), genAISystemOpenAI))
	return record
}

// eventMessage is the assembled assistant message reported by a choice
// event, shared between the streaming and non-streaming paths.
type eventMessage struct {
	content    string
	hasContent bool
	toolCalls  []eventToolCall
}

type eventToolCall struct {
	id        string
	name      string
	arguments string
}

func choiceEventBody(index int, finishReason string, msg eventMessage, capture bool) log.Value {
	message := make([]log.KeyValue, 0, 3)
	message = append(message, log.String("role", "assistant"))

	if capture && msg.hasContent {
		message = append(message, log.String("content", msg.content))
	}

	if len(msg.toolCalls) > 0 {
		calls := make([]log.Value, 0, len(msg.toolCalls))
		for _, tc := range msg.toolCalls {
			function := []log.KeyValue{
				log.String("name", tc.name),
			}
			if capture {
				function = append(function, log.String("arguments", tc.arguments))
			}

			calls = append(calls, log.MapValue(
				log.String("id", tc.id),
				log.String("type", "function"),
				log.Map("function", function...),
			))
		}
		message = append(message, log.Slice("tool_calls", calls...))
	}

	return log.MapValue(
		log.Int("index", index),
		log.String("finish_reason", finishReason),
		log.Map("message", message...),
	)
}

// messageEvent maps a prompt message to its role specific event.
func messageEvent(msg chat.Message, capture bool) log.Record {
	name := userMessageEventName
	switch msg.Role {
	case "system":
		name = systemMessageEventName
	case "assistant":
		name = assistantMessageEventName
	case "tool":
		name = toolMessageEventName
	}

	body := make([]log.KeyValue, 0, 3)
	if capture && msg.Content != "" {
		body = append(body, log.String("content", msg.Content))
	}

	if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
		calls := make([]log.Value, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			function := []log.KeyValue{
				log.String("name", tc.Function.Name),
			}
			if capture {
				function = append(function, log.String("arguments", tc.Function.Arguments))
			}

			calls = append(calls, log.MapValue(
				log.String("id", tc.ID),
				log.String("type", tc.Type),
				log.Map("function", function...),
			))
		}
		body = append(body, log.Slice("tool_calls", calls...))
	}

	if msg.Role == "tool" && msg.ToolCallID != "" {
		body = append(body, log.String("id", msg.ToolCallID))
	}

	return newEvent(name, log.MapValue(body...))
}
