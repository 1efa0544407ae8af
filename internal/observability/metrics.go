// Copyright 2025 Tom Barlow
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
	"runtime"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kilnrun/coder/internal/machine"
	"github.com/kilnrun/coder/internal/runner"
)

// MetricsCollector implements runner.MetricsCollector on top of an
// OpenTelemetry meter, exported to Prometheus by OTelProvider.
//
// Grounded on the teacher's internal/tracing.MetricsCollector,
// trimmed to workflow-run and step counters/histograms plus two
// gauges (active runs, goroutines) — this repo has no SSE subscribers
// or LLM-cost ledger to report on, since every develop-loop run is a
// single CLI invocation rather than a long-lived daemon process.
type MetricsCollector struct {
	meter metric.Meter

	runsTotal  metric.Int64Counter
	stepsTotal metric.Int64Counter

	runDuration  metric.Float64Histogram
	stepDuration metric.Float64Histogram

	activeRuns   map[string]bool
	activeRunsMu sync.RWMutex
}

func newMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("coder")

	mc := &MetricsCollector{
		meter:      meter,
		activeRuns: make(map[string]bool),
	}

	var err error
	mc.runsTotal, err = meter.Int64Counter(
		"coder_runs_total",
		metric.WithDescription("Total number of develop-loop runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepsTotal, err = meter.Int64Counter(
		"coder_steps_total",
		metric.WithDescription("Total number of pipeline steps executed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	mc.runDuration, err = meter.Float64Histogram(
		"coder_run_duration_seconds",
		metric.WithDescription("Develop-loop run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.stepDuration, err = meter.Float64Histogram(
		"coder_step_duration_seconds",
		metric.WithDescription("Pipeline step duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"coder_active_runs",
		metric.WithDescription("Number of currently active develop-loop runs"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeRunsMu.RLock()
			count := len(mc.activeRuns)
			mc.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"coder_goroutines",
		metric.WithDescription("Number of active goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRunStart implements runner.MetricsCollector.
func (mc *MetricsCollector) RecordRunStart(workflow string) {
	mc.activeRunsMu.Lock()
	mc.activeRuns[workflow] = true
	mc.activeRunsMu.Unlock()
}

// RecordRunComplete implements runner.MetricsCollector.
func (mc *MetricsCollector) RecordRunComplete(workflow string, status runner.Status, durationMs int64) {
	mc.activeRunsMu.Lock()
	delete(mc.activeRuns, workflow)
	mc.activeRunsMu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", string(status)),
	)
	mc.runsTotal.Add(context.Background(), 1, attrs)
	mc.runDuration.Record(context.Background(), float64(durationMs)/1000.0, attrs)
}

// RecordStepComplete implements runner.MetricsCollector.
func (mc *MetricsCollector) RecordStepComplete(workflow, machineName string, status machine.Status, durationMs int64) {
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("step", machineName),
		attribute.String("status", string(status)),
	)
	mc.stepsTotal.Add(context.Background(), 1, attrs)
	mc.stepDuration.Record(context.Background(), float64(durationMs)/1000.0, attrs)
}
