// Copyright (c) 2026 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otelopenai

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Histogram bucket boundaries advised by the GenAI semantic conventions.
var (
	durationBoundaries = []float64{
		0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28, 2.56, 5.12,
		10.24, 20.48, 40.96, 81.92,
	}
	tokenUsageBoundaries = []float64{
		1, 4, 16, 64, 256, 1024, 4096, 16384, 65536, 262144,
		1048576, 4194304, 16777216, 67108864,
	}
)

type instruments struct {
	operationDuration metric.Float64Histogram
	tokenUsage        metric.Int64Histogram
}

func newInstruments(meter metric.Meter, logger *zap.Logger) *instruments {
	insts := &instruments{}

	var err error
	insts.operationDuration, err = meter.Float64Histogram(
		"gen_ai.client.operation.duration",
		metric.WithDescription("GenAI operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBoundaries...),
	)
	if err != nil {
		logger.Warn("failed to create operation duration histogram", zap.Error(err))
	}

	insts.tokenUsage, err = meter.Int64Histogram(
		"gen_ai.client.token.usage",
		metric.WithDescription("Measures number of input and output tokens used"),
		metric.WithUnit("{token}"),
		metric.WithExplicitBucketBoundaries(tokenUsageBoundaries...),
	)
	if err != nil {
		logger.Warn("failed to create token usage histogram", zap.Error(err))
	}
	return insts
}

func (i *instruments) recordDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if i.operationDuration == nil {
		return
	}
	i.operationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (i *instruments) recordTokens(ctx context.Context, tokenType string, n int64, attrs []attribute.KeyValue) {
	if i.tokenUsage == nil {
		return
	}

	i.tokenUsage.Record(ctx, n, metric.WithAttributes(
		append(attrs[:len(attrs):len(attrs)], genAITokenTypeKey.String(tokenType))...,
	))
}
