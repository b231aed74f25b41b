// Copyright 2025 The LlamaFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

type Metrics interface {
	RecordChatTurn(ctx context.Context, model string, duration time.Duration, err error)
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordModelLoad(ctx context.Context, kind, modelID string, duration time.Duration, err error)
	RecordModelUnload(ctx context.Context, kind, modelID string)
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

type PrometheusMetrics struct {
	chatDuration    metric.Float64Histogram
	chatTurnsTotal  metric.Int64Counter
	chatErrorsTotal metric.Int64Counter

	toolDuration    metric.Float64Histogram
	toolCallsTotal  metric.Int64Counter
	toolErrorsTotal metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter

	modelLoadDuration metric.Float64Histogram
	modelUnloadsTotal metric.Int64Counter
}

func (m *PrometheusMetrics) RecordChatTurn(ctx context.Context, model string, duration time.Duration, err error) {
	if m == nil || m.chatDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("model", model))
	m.chatDuration.Record(ctx, duration.Seconds(), attrs)
	m.chatTurnsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.chatErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	m.toolCallsTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.toolErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if inputTokens > 0 {
		m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	}
	if outputTokens > 0 {
		m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	}
	if err != nil {
		m.llmErrorsTotal.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordModelLoad(ctx context.Context, kind, modelID string, duration time.Duration, err error) {
	if m == nil || m.modelLoadDuration == nil {
		return
	}

	m.modelLoadDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("model", modelID),
	))
}

func (m *PrometheusMetrics) RecordModelUnload(ctx context.Context, kind, modelID string) {
	if m == nil || m.modelUnloadsTotal == nil {
		return
	}

	m.modelUnloadsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("model", modelID),
	))
}

// NoopMetrics records nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordChatTurn(context.Context, string, time.Duration, error) {}
func (NoopMetrics) RecordToolExecution(context.Context, string, time.Duration, error) {
}
func (NoopMetrics) RecordLLMCall(context.Context, string, time.Duration, int, int, error) {}
func (NoopMetrics) RecordModelLoad(context.Context, string, string, time.Duration, error) {}
func (NoopMetrics) RecordModelUnload(context.Context, string, string)                     {}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
