// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package chat

// CompletionChunk is one unit of a streamed completion. Every field other
// than Choices may be absent on any given chunk; usage, if requested,
// typically only arrives on the terminal chunk.
type CompletionChunk struct {
	ID          string        `json:"id"`
	Object      string        `json:"object"`
	Created     int64         `json:"created"`
	Model       string        `json:"model"`
	ServiceTier string        `json:"service_tier,omitempty"`
	Choices     []ChunkChoice `json:"choices"`
	Usage       *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is the streamed counterpart of [Choice]. FinishReason is a
// pointer so a terminating chunk can be told apart from an intermediate one.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta carries the incremental message content of one chunk choice.
//
// Content is a pointer on purpose: the API distinguishes a chunk that
// carries an empty content fragment from a chunk that carries none at all,
// and both occur in practice.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   *string         `json:"content,omitempty"`
	Refusal   *string         `json:"refusal,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragment of a tool call. The id and function name
// arrive on the first fragment for a given index; arguments arrive spread
// across arbitrarily many fragments.
type ToolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

// FunctionDelta is the function fragment of a [ToolCallDelta].
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}
