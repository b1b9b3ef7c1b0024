// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otelopenai

import (
	"strings"

	"github.com/z5labs/otelopenai/chat"
)

// toolCallBuffer assembles one tool call whose fragments arrive spread
// across multiple chunks. The id and function name are fixed by the first
// fragment that carries them; arguments grow with every fragment.
type toolCallBuffer struct {
	id        string
	name      string
	arguments strings.Builder
}

func (b *toolCallBuffer) append(delta chat.ToolCallDelta) {
	if b.id == "" {
		b.id = delta.ID
	}
	if b.name == "" {
		b.name = delta.Function.Name
	}
	b.arguments.WriteString(delta.Function.Arguments)
}

// choiceBuffer assembles one choice of a streamed completion.
type choiceBuffer struct {
	finishReason string

	// content concatenates every content fragment in arrival order.
	// hasContent distinguishes a choice which only ever received empty
	// fragments from one which received none at all.
	content    strings.Builder
	hasContent bool

	// toolCalls is keyed by the tool call index. Slots before the highest
	// index seen so far may still be nil when their first fragment has
	// not arrived yet.
	toolCalls []*toolCallBuffer
}

func (b *choiceBuffer) appendContent(content string) {
	b.hasContent = true
	b.content.WriteString(content)
}

func (b *choiceBuffer) appendToolCall(delta chat.ToolCallDelta) {
	for len(b.toolCalls) <= delta.Index {
		b.toolCalls = append(b.toolCalls, nil)
	}

	if b.toolCalls[delta.Index] == nil {
		b.toolCalls[delta.Index] = &toolCallBuffer{}
	}
	b.toolCalls[delta.Index].append(delta)
}

// ensureChoices grows bufs so that index is addressable, backfilling any
// gap with fresh empty buffers. Choice indices may arrive out of order
// and sparse.
func ensureChoices(bufs []*choiceBuffer, index int) []*choiceBuffer {
	for len(bufs) <= index {
		bufs = append(bufs, &choiceBuffer{})
	}
	return bufs
}
