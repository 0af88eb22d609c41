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

package device

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/observability"
)

type OutcomeStatus string

const (
	OutcomeOK          OutcomeStatus = "ok"
	OutcomeError       OutcomeStatus = "error"
	OutcomeTimeout     OutcomeStatus = "timeout"
	OutcomeUnreachable OutcomeStatus = "skipped_unreachable"
	OutcomeRejected    OutcomeStatus = "rejected"
)

// Outcome is one device's result within a batch.
type Outcome struct {
	Device     string        `json:"device"`
	Status     OutcomeStatus `json:"status"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}

// Operation is the per-device unit of work.
type Operation func(ctx context.Context, device Device) (string, error)

// Runner executes an operation across a device set with bounded
// concurrency. Partial success is the normal case: a failing device
// never aborts the batch.
type Runner struct {
	maxConcurrency int64
	deviceTimeout  time.Duration
}

func NewRunner(maxConcurrency int, deviceTimeout time.Duration) *Runner {
	if maxConcurrency < 1 {
		maxConcurrency = 10
	}
	if deviceTimeout <= 0 {
		deviceTimeout = 30 * time.Second
	}
	return &Runner{
		maxConcurrency: int64(maxConcurrency),
		deviceTimeout:  deviceTimeout,
	}
}

// Execute fans the operation out over the devices. At most
// maxConcurrency operations run at once; excess devices queue FIFO.
// Each device gets its own timeout. Read operations are retried once
// on a Transient failure; write operations never retry.
//
// The returned map carries one Outcome per input device and no
// ordering contract.
func (r *Runner) Execute(ctx context.Context, devices []Device, op Operation, write bool) map[string]Outcome {
	tracer := observability.GetTracer("olav.device")
	ctx, span := tracer.Start(ctx, observability.SpanFanOutBatch,
		trace.WithAttributes(
			attribute.Int("fanout.devices", len(devices)),
			attribute.Bool("fanout.write", write),
		),
	)
	defer span.End()

	outcomes := make(map[string]Outcome, len(devices))
	var mu sync.Mutex

	sem := semaphore.NewWeighted(r.maxConcurrency)
	g := new(errgroup.Group)

	for _, d := range devices {
		// Acquiring before spawn keeps the overflow queue FIFO in
		// device order.
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			outcomes[d.Name] = Outcome{
				Device: d.Name,
				Status: OutcomeError,
				Error:  "batch cancelled before device started",
			}
			mu.Unlock()
			continue
		}

		device := d
		g.Go(func() error {
			defer sem.Release(1)
			outcome := r.runOne(ctx, device, op, write)
			if metrics := observability.GetGlobalMetrics(); metrics != nil {
				metrics.RecordFanOutOutcome(ctx, string(outcome.Status))
			}
			mu.Lock()
			outcomes[device.Name] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (r *Runner) runOne(ctx context.Context, device Device, op Operation, write bool) Outcome {
	start := time.Now()
	deviceCtx, cancel := context.WithTimeout(ctx, r.deviceTimeout)
	defer cancel()

	output, err := op(deviceCtx, device)
	if err != nil && !write && fault.Is(err, fault.Transient) && deviceCtx.Err() == nil {
		output, err = op(deviceCtx, device)
	}

	outcome := Outcome{
		Device:     device.Name,
		Output:     output,
		DurationMs: time.Since(start).Milliseconds(),
	}
	switch {
	case err == nil:
		outcome.Status = OutcomeOK
	case errors.Is(err, context.DeadlineExceeded) || fault.Is(err, fault.Timeout):
		outcome.Status = OutcomeTimeout
		outcome.Error = err.Error()
		outcome.Output = ""
	case fault.Is(err, fault.Unreachable):
		outcome.Status = OutcomeUnreachable
		outcome.Error = err.Error()
		outcome.Output = ""
	default:
		outcome.Status = OutcomeError
		outcome.Error = err.Error()
		outcome.Output = ""
	}
	return outcome
}

// RejectAll records a rejected outcome for every device in a batch
// whose approval gate was declined. No device is touched.
func RejectAll(devices []Device, reason string) map[string]Outcome {
	outcomes := make(map[string]Outcome, len(devices))
	for _, d := range devices {
		outcomes[d.Name] = Outcome{
			Device: d.Name,
			Status: OutcomeRejected,
			Error:  reason,
		}
	}
	return outcomes
}

// SortedOutcomes flattens an outcome map into device-name order for
// deterministic rendering.
func SortedOutcomes(outcomes map[string]Outcome) []Outcome {
	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	sorted := make([]Outcome, 0, len(names))
	for _, name := range names {
		sorted = append(sorted, outcomes[name])
	}
	return sorted
}
