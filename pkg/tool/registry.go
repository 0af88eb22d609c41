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

package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/observability"
	"github.com/olavlabs/olav/pkg/registry"
)

// Registry is the process-wide name → tool map. Registration happens
// during startup; after Freeze the registry is read-only.
type Registry struct {
	base           *registry.BaseRegistry[Handler]
	defaultTimeout time.Duration
}

func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &Registry{
		base:           registry.NewBaseRegistry[Handler](),
		defaultTimeout: defaultTimeout,
	}
}

// Register adds a handler under its declared name. Registering the
// same name again requires a version change; the newer version wins.
func (r *Registry) Register(handler Handler) error {
	def := handler.Definition()
	if def.Name == "" {
		return fault.New(fault.BadArguments, "tool definition has no name")
	}
	if def.SideEffect == SideEffectWrite && !def.RequiresApproval {
		return fault.New(fault.BadArguments, "write tool %s must require approval", def.Name)
	}

	existing, ok := r.base.Get(def.Name)
	if ok {
		if existing.Definition().Version == def.Version {
			return fault.New(fault.Conflict,
				"tool %s version %s already registered", def.Name, def.Version)
		}
		slog.Info("tool re-registered",
			"tool", def.Name,
			"old_version", existing.Definition().Version,
			"new_version", def.Version)
		return r.base.Replace(def.Name, handler)
	}

	return r.base.Register(def.Name, handler)
}

func (r *Registry) Get(name string) (Handler, error) {
	handler, ok := r.base.Get(name)
	if !ok {
		return nil, fault.New(fault.NotFound, "tool %q is not registered", name)
	}
	return handler, nil
}

// Freeze ends the registration phase.
func (r *Registry) Freeze() { r.base.Freeze() }

func (r *Registry) Names() []string { return r.base.Names() }

// Definitions returns all registered definitions, sorted by name.
func (r *Registry) Definitions() []Definition {
	handlers := r.base.List()
	defs := make([]Definition, 0, len(handlers))
	for _, h := range handlers {
		defs = append(defs, h.Definition())
	}
	return defs
}

// Invoke validates and runs one call. Arguments are checked before the
// handler runs; on validation failure the handler is never invoked.
// The call is mutated in place with status, timing and result.
func (r *Registry) Invoke(ctx context.Context, call *Call) (*Result, error) {
	start := time.Now()

	tracer := observability.GetTracer("olav.tool")
	ctx, span := tracer.Start(ctx, observability.SpanToolInvocation,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, call.ToolName),
		),
	)
	defer span.End()

	fail := func(err error) (*Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordToolInvocation(ctx, call.ToolName, time.Since(start), err)
		}
		call.Status = CallStatusFailed
		call.EndedAt = time.Now()
		call.Result = &Result{
			Success:    false,
			Error:      err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
		}
		return call.Result, err
	}

	handler, err := r.Get(call.ToolName)
	if err != nil {
		return fail(err)
	}
	def := handler.Definition()

	if err := ValidateArgs(def, call.Arguments); err != nil {
		return fail(err)
	}

	timeout := r.defaultTimeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call.Status = CallStatusRunning
	call.StartedAt = start

	result, execErr := runHandler(ctx, handler, call.Arguments)
	if execErr != nil && def.SideEffect == SideEffectRead &&
		fault.Is(execErr, fault.Transient) && ctx.Err() == nil {
		slog.Debug("retrying read tool after transient failure", "tool", def.Name, "error", execErr)
		result, execErr = runHandler(ctx, handler, call.Arguments)
		if execErr != nil && fault.Is(execErr, fault.Transient) {
			// A transient failure that survives the retry is treated as
			// the target being unreachable.
			execErr = fault.Wrap(fault.Unreachable, execErr,
				"tool %s failed twice with a transient error", def.Name)
		}
	}
	duration := time.Since(start)

	if execErr != nil {
		switch {
		case errors.Is(execErr, context.DeadlineExceeded):
			execErr = fault.New(fault.Timeout, "tool %s exceeded %s timeout", def.Name, timeout)
		case errors.Is(execErr, context.Canceled):
			call.Status = CallStatusCancelled
		}
		if call.Status != CallStatusCancelled {
			call.Status = CallStatusFailed
		}
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordToolInvocation(ctx, call.ToolName, duration, execErr)
		}
		call.EndedAt = time.Now()
		call.Result = &Result{Success: false, Error: execErr.Error(), DurationMs: duration.Milliseconds()}
		return call.Result, execErr
	}

	if result == nil {
		result = &Result{Success: true}
	}
	result.DurationMs = duration.Milliseconds()
	if result.Success {
		call.Status = CallStatusSucceeded
		span.SetStatus(codes.Ok, "success")
	} else {
		call.Status = CallStatusFailed
		span.SetStatus(codes.Error, result.Error)
	}
	span.SetAttributes(
		attribute.Bool("tool.success", result.Success),
		attribute.Int64("tool.duration_ms", duration.Milliseconds()),
	)
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		var recordErr error
		if !result.Success {
			recordErr = fmt.Errorf("%s", result.Error)
		}
		metrics.RecordToolInvocation(ctx, call.ToolName, duration, recordErr)
	}

	call.EndedAt = time.Now()
	call.Result = result
	return result, nil
}

// runHandler converts handler panics into internal faults so nothing
// uncategorized crosses the invocation boundary.
func runHandler(ctx context.Context, handler Handler, args map[string]any) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fault.New(fault.Internal, "tool handler panic: %v", r)
		}
	}()
	return handler.Execute(ctx, args)
}
