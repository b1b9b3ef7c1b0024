// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otelopenai

import (
	"net/url"
	"strconv"

	"github.com/z5labs/otelopenai/chat"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Attribute keys from the GenAI semantic conventions. The gen_ai namespace
// is still incubating so the keys are declared here instead of being taken
// from the semconv package.
const (
	genAISystemKey                  = attribute.Key("gen_ai.system")
	genAIOperationNameKey           = attribute.Key("gen_ai.operation.name")
	genAIRequestModelKey            = attribute.Key("gen_ai.request.model")
	genAIRequestTemperatureKey      = attribute.Key("gen_ai.request.temperature")
	genAIRequestTopPKey             = attribute.Key("gen_ai.request.top_p")
	genAIRequestMaxTokensKey        = attribute.Key("gen_ai.request.max_tokens")
	genAIRequestFrequencyPenaltyKey = attribute.Key("gen_ai.request.frequency_penalty")
	genAIRequestPresencePenaltyKey  = attribute.Key("gen_ai.request.presence_penalty")
	genAIRequestStopSequencesKey    = attribute.Key("gen_ai.request.stop_sequences")
	genAIRequestChoiceCountKey      = attribute.Key("gen_ai.request.choice.count")
	genAIRequestSeedKey             = attribute.Key("gen_ai.openai.request.seed")
	genAIRequestServiceTierKey      = attribute.Key("gen_ai.openai.request.service_tier")
	genAIResponseServiceTierKey     = attribute.Key("gen_ai.openai.response.service_tier")
	genAIResponseIDKey              = attribute.Key("gen_ai.response.id")
	genAIResponseModelKey           = attribute.Key("gen_ai.response.model")
	genAIResponseFinishReasonsKey   = attribute.Key("gen_ai.response.finish_reasons")
	genAIUsageInputTokensKey        = attribute.Key("gen_ai.usage.input_tokens")
	genAIUsageOutputTokensKey       = attribute.Key("gen_ai.usage.output_tokens")
	genAITokenTypeKey               = attribute.Key("gen_ai.token.type")
)

const (
	genAISystemOpenAI  = "openai"
	genAIOperationChat = "chat"
)

// Event names emitted for prompt messages and response choices.
const (
	systemMessageEventName    = "gen_ai.system.message"
	userMessageEventName      = "gen_ai.user.message"
	assistantMessageEventName = "gen_ai.assistant.message"
	toolMessageEventName      = "gen_ai.tool.message"
	choiceEventName           = "gen_ai.choice"
)

// finishReasonError is the sentinel finish reason reported for a choice
// which never received one before the stream ended.
const finishReasonError = "error"

func requestAttributes(req chat.CompletionRequest, endpoint *url.URL) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 16)
	attrs = append(attrs,
		genAIOperationNameKey.String(genAIOperationChat),
		genAISystemKey.String(genAISystemOpenAI),
		genAIRequestModelKey.String(req.Model),
	)

	if req.Temperature != nil {
		attrs = append(attrs, genAIRequestTemperatureKey.Float64(*req.Temperature))
	}
	if req.TopP != nil {
		attrs = append(attrs, genAIRequestTopPKey.Float64(*req.TopP))
	}
	if req.MaxTokens != nil {
		attrs = append(attrs, genAIRequestMaxTokensKey.Int(*req.MaxTokens))
	}
	if req.FrequencyPenalty != nil {
		attrs = append(attrs, genAIRequestFrequencyPenaltyKey.Float64(*req.FrequencyPenalty))
	}
	if req.PresencePenalty != nil {
		attrs = append(attrs, genAIRequestPresencePenaltyKey.Float64(*req.PresencePenalty))
	}
	if req.N != nil {
		attrs = append(attrs, genAIRequestChoiceCountKey.Int(*req.N))
	}
	if req.Seed != nil {
		attrs = append(attrs, genAIRequestSeedKey.Int(*req.Seed))
	}
	if len(req.Stop) > 0 {
		attrs = append(attrs, genAIRequestStopSequencesKey.StringSlice(req.Stop))
	}
	if req.ServiceTier != "" {
		attrs = append(attrs, genAIRequestServiceTierKey.String(req.ServiceTier))
	}

	if endpoint != nil {
		attrs = append(attrs, serverAttributes(endpoint)...)
	}
	return attrs
}

func serverAttributes(u *url.URL) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServerAddress(u.Hostname()),
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	n, err := strconv.Atoi(port)
	if err == nil {
		attrs = append(attrs, semconv.ServerPort(n))
	}
	return attrs
}
