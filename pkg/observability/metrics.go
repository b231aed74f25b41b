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
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func InitMetrics(ctx context.Context, cfg MetricsConfig) (Metrics, error) {
	if !cfg.Enabled {
		return &NoopMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("llamafarm")

	chatDuration, err := meter.Float64Histogram(
		"llamafarm_chat_turn_duration_seconds",
		metric.WithDescription("Chat turn duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat duration histogram: %w", err)
	}

	chatTurns, err := meter.Int64Counter(
		"llamafarm_chat_turns_total",
		metric.WithDescription("Total chat turns"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat turns counter: %w", err)
	}

	chatErrors, err := meter.Int64Counter(
		"llamafarm_chat_errors_total",
		metric.WithDescription("Total chat turn errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat errors counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"llamafarm_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"llamafarm_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"llamafarm_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		"llamafarm_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		"llamafarm_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to upstream models"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		"llamafarm_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from upstream models"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		"llamafarm_llm_errors_total",
		metric.WithDescription("Total upstream model errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	modelLoadDuration, err := meter.Float64Histogram(
		"llamafarm_model_load_duration_seconds",
		metric.WithDescription("Model wrapper load duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model load histogram: %w", err)
	}

	modelUnloads, err := meter.Int64Counter(
		"llamafarm_model_unloads_total",
		metric.WithDescription("Total model unloads, including TTL evictions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create model unloads counter: %w", err)
	}

	return &PrometheusMetrics{
		chatDuration:      chatDuration,
		chatTurnsTotal:    chatTurns,
		chatErrorsTotal:   chatErrors,
		toolDuration:      toolDuration,
		toolCallsTotal:    toolCalls,
		toolErrorsTotal:   toolErrors,
		llmDuration:       llmDuration,
		llmInputTokens:    llmInputTokens,
		llmOutputTokens:   llmOutputTokens,
		llmErrorsTotal:    llmErrors,
		modelLoadDuration: modelLoadDuration,
		modelUnloadsTotal: modelUnloads,
	}, nil
}
