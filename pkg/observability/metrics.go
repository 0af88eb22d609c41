// Copyright 2025 OLAV Labs
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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records the core's operational counters. A nil-safe noop
// implementation backs disabled configurations.
type Metrics interface {
	RecordToolInvocation(ctx context.Context, tool string, duration time.Duration, err error)
	RecordNodeExecution(ctx context.Context, workflow, node string, duration time.Duration, err error)
	RecordFanOutOutcome(ctx context.Context, outcome string)
	RecordJobTransition(ctx context.Context, status string)
	RecordStreamDrop(ctx context.Context)
	RecordHTTPRequest(ctx context.Context, route string, status int, duration time.Duration)
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

type MetricsConfig struct {
	Enabled bool
}

// InitMetrics builds the Prometheus-backed metrics set. When disabled, a
// zero PrometheusMetrics (all instruments nil) is returned; every record
// method tolerates nil instruments.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("olav")

	m := &PrometheusMetrics{}

	if m.toolDuration, err = meter.Float64Histogram(
		"olav_tool_invocation_duration_seconds",
		metric.WithDescription("Tool invocation duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	if m.toolCalls, err = meter.Int64Counter(
		"olav_tool_invocations_total",
		metric.WithDescription("Total tool invocations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	if m.toolErrors, err = meter.Int64Counter(
		"olav_tool_errors_total",
		metric.WithDescription("Total failed tool invocations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	if m.nodeDuration, err = meter.Float64Histogram(
		"olav_workflow_node_duration_seconds",
		metric.WithDescription("Workflow node execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create node duration histogram: %w", err)
	}

	if m.fanoutOutcomes, err = meter.Int64Counter(
		"olav_fanout_outcomes_total",
		metric.WithDescription("Per-device fan-out outcomes by status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create fanout outcomes counter: %w", err)
	}

	if m.jobTransitions, err = meter.Int64Counter(
		"olav_job_transitions_total",
		metric.WithDescription("Inspection job state transitions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create job transitions counter: %w", err)
	}

	if m.streamDrops, err = meter.Int64Counter(
		"olav_stream_dropped_events_total",
		metric.WithDescription("Token events dropped due to stream back-pressure"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stream drops counter: %w", err)
	}

	if m.httpDuration, err = meter.Float64Histogram(
		"olav_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	return m, nil
}

type PrometheusMetrics struct {
	toolDuration   metric.Float64Histogram
	toolCalls      metric.Int64Counter
	toolErrors     metric.Int64Counter
	nodeDuration   metric.Float64Histogram
	fanoutOutcomes metric.Int64Counter
	jobTransitions metric.Int64Counter
	streamDrops    metric.Int64Counter
	httpDuration   metric.Float64Histogram
}

func (m *PrometheusMetrics) RecordToolInvocation(ctx context.Context, tool string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String(AttrToolName, tool))
	if m.toolCalls != nil {
		m.toolCalls.Add(ctx, 1, attrs)
	}
	if m.toolDuration != nil {
		m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	}
	if err != nil && m.toolErrors != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *PrometheusMetrics) RecordNodeExecution(ctx context.Context, workflow, node string, duration time.Duration, err error) {
	if m.nodeDuration == nil {
		return
	}
	m.nodeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(AttrWorkflowKind, workflow),
		attribute.String(AttrNodeName, node),
		attribute.Bool("error", err != nil),
	))
}

func (m *PrometheusMetrics) RecordFanOutOutcome(ctx context.Context, outcome string) {
	if m.fanoutOutcomes != nil {
		m.fanoutOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
	}
}

func (m *PrometheusMetrics) RecordJobTransition(ctx context.Context, status string) {
	if m.jobTransitions != nil {
		m.jobTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (m *PrometheusMetrics) RecordStreamDrop(ctx context.Context) {
	if m.streamDrops != nil {
		m.streamDrops.Add(ctx, 1)
	}
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, route string, status int, duration time.Duration) {
	if m.httpDuration != nil {
		m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("route", route),
			attribute.Int(AttrStatusCode, status),
		))
	}
}
