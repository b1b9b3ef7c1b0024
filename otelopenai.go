// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package otelopenai provides OpenTelemetry instrumentation for OpenAI
// compatible chat completion APIs.
//
// The [Client] wraps the chat completions endpoint of any OpenAI compatible
// server. Every call is traced with a client span carrying the GenAI
// semantic convention attributes, prompt and choice messages are emitted
// as log events and call duration along with token usage are recorded as
// metrics. Streaming responses are wrapped by [ChatCompletionStream] which
// keeps the call span open for the lifetime of the stream and assembles
// the streamed deltas into per choice summary events.
//
// Message and tool call content is never attached to telemetry unless
// [WithCaptureContent] is set, since prompts and completions routinely
// contain sensitive data.
package otelopenai

// ScopeName is the instrumentation scope name used for all tracers,
// loggers and meters created by this package.
const ScopeName = "github.com/z5labs/otelopenai"

// Version is the current release version of this instrumentation.
const Version = "0.1.0"
