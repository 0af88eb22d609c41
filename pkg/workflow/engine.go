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

package workflow

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/olavlabs/olav/pkg/auth"
	"github.com/olavlabs/olav/pkg/checkpoint"
	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/llm"
	"github.com/olavlabs/olav/pkg/observability"
	"github.com/olavlabs/olav/pkg/registry"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/thread"
	"github.com/olavlabs/olav/pkg/tool"
)

// Definitions is the process-wide workflow catalog, keyed by kind.
type Definitions struct {
	base *registry.BaseRegistry[*Definition]
}

func NewDefinitions() *Definitions {
	return &Definitions{base: registry.NewBaseRegistry[*Definition]()}
}

func (d *Definitions) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return fault.Wrap(fault.BadArguments, err, "invalid workflow definition")
	}
	return d.base.Register(def.Name, def)
}

func (d *Definitions) Get(kind string) (*Definition, error) {
	def, ok := d.base.Get(kind)
	if !ok {
		return nil, fault.New(fault.NotFound, "workflow kind %q is not registered", kind)
	}
	return def, nil
}

func (d *Definitions) Names() []string { return d.base.Names() }
func (d *Definitions) Freeze()         { d.base.Freeze() }

// Engine drives workflow graphs: one node at a time, a checkpoint after
// every node, cancellation observed at node boundaries and approval
// interrupts persisted before the engine lets go of the thread.
type Engine struct {
	workflows   *Definitions
	threads     thread.Store
	checkpoints checkpoint.Store
	tools       *tool.Registry
}

func NewEngine(workflows *Definitions, threads thread.Store, checkpoints checkpoint.Store, tools *tool.Registry) *Engine {
	return &Engine{
		workflows:   workflows,
		threads:     threads,
		checkpoints: checkpoints,
		tools:       tools,
	}
}

// Run executes a workflow on a thread from its start node. The emitter
// receives the thread's event sequence; the caller owns closing it with
// the returned final status.
func (e *Engine) Run(ctx context.Context, def *Definition, th *thread.Thread, st State,
	identity *auth.Identity, em *stream.Emitter) (thread.Status, error) {

	if st == nil {
		st = NewState()
	}
	nc := &NodeContext{Thread: th, Identity: identity, emitter: em}
	return e.runFrom(ctx, def, th, st, def.Start, nc)
}

// Resume continues an interrupted thread from its latest checkpoint,
// applying the caller's decision to the pending tool call.
func (e *Engine) Resume(ctx context.Context, decision *thread.ResumeDecision,
	identity *auth.Identity, em *stream.Emitter) (thread.Status, error) {

	if err := decision.Validate(); err != nil {
		return "", err
	}

	th, err := e.threads.Get(ctx, decision.ThreadID)
	if err != nil {
		return "", err
	}
	if th.Status != thread.StatusInterrupted || th.PendingInterrupt == nil {
		return "", fault.New(fault.Conflict, "thread %s has no pending interrupt", th.ID)
	}
	if th.PendingInterrupt.CallID != decision.CallID {
		return "", fault.New(fault.Conflict,
			"decision targets call %s but thread is waiting on %s",
			decision.CallID, th.PendingInterrupt.CallID)
	}

	def, err := e.workflows.Get(th.WorkflowKind)
	if err != nil {
		return "", err
	}
	cp, err := e.checkpoints.Latest(ctx, th.ID)
	if err != nil {
		return "", err
	}
	if len(cp.PendingCalls) == 0 || cp.PendingCalls[0].ID != decision.CallID {
		return "", fault.New(fault.Conflict, "checkpoint for thread %s is out of step with the interrupt", th.ID)
	}

	raw, err := checkpoint.DecodeState(cp.StateBlob)
	if err != nil {
		return "", err
	}
	st := State(raw)
	pending := cp.PendingCalls
	call := pending[0]

	// Edited arguments are validated before the interrupt is consumed,
	// so a bad edit leaves the thread interrupted and retryable.
	if decision.Decision == thread.DecisionEdit {
		handler, err := e.tools.Get(call.ToolName)
		if err != nil {
			return "", err
		}
		if err := tool.ValidateArgs(handler.Definition(), decision.EditedArguments); err != nil {
			return "", err
		}
		call.Arguments = decision.EditedArguments
	}

	if err := th.ClearInterrupt(); err != nil {
		return "", err
	}
	nc := &NodeContext{Thread: th, Identity: identity, emitter: em}

	if decision.Decision == thread.DecisionReject {
		call.Status = tool.CallStatusRejected
		call.EndedAt = time.Now()
		st.AppendToolCall(call)
		st["rejection_reason"] = decision.RejectionReason
		reason := decision.RejectionReason
		if reason == "" {
			reason = "no reason given"
		}
		th.Append(llm.RoleAssistant, "The proposed change was rejected ("+reason+"). No devices were modified.")
		nc.Emit(ctx, stream.ErrorEvent(fault.New(fault.UserRejected, "change rejected: %s", reason)))
		return e.finish(ctx, th, nc, thread.StatusCompleted, nil)
	}

	// approve or edit: run the held call, then any calls queued behind
	// it, then continue the graph past the checkpointed node.
	interrupted, err := e.processCalls(ctx, def, th, st, cp.Node, pending, nil, nc, identity, call.ID)
	if err != nil {
		return e.finish(ctx, th, nc, thread.StatusFailed, err)
	}
	if interrupted {
		return thread.StatusInterrupted, nil
	}
	if _, err := e.saveCheckpoint(ctx, th.ID, cp.Node, st, nil); err != nil {
		return e.finish(ctx, th, nc, thread.StatusFailed, err)
	}

	if def.Terminal[cp.Node] {
		return e.finish(ctx, th, nc, thread.StatusCompleted, nil)
	}
	next, ok := def.next(cp.Node, st)
	if !ok {
		return e.finish(ctx, th, nc, thread.StatusFailed,
			fault.New(fault.Internal, "workflow %s: no outgoing edge from %s", def.Name, cp.Node))
	}
	return e.runFrom(ctx, def, th, st, next, nc)
}

func (e *Engine) runFrom(ctx context.Context, def *Definition, th *thread.Thread, st State,
	current string, nc *NodeContext) (thread.Status, error) {

	tracer := observability.GetTracer("olav.workflow")

	for {
		if ctx.Err() != nil {
			th.SetStatus(thread.StatusCancelled)
			if err := e.threads.Save(ctx, th); err != nil {
				slog.Warn("failed to persist cancelled thread", "thread", th.ID, "error", err)
			}
			return thread.StatusCancelled, nil
		}
		if def.MaxIterations > 0 && st.Int(KeyIterationCount) > def.MaxIterations {
			return e.finish(ctx, th, nc, thread.StatusFailed,
				fault.New(fault.IterationLimitExceeded,
					"workflow %s exceeded %d iterations", def.Name, def.MaxIterations))
		}

		node := def.Nodes[current]
		start := time.Now()
		nodeCtx, span := tracer.Start(ctx, observability.SpanWorkflowNode,
			trace.WithAttributes(
				attribute.String(observability.AttrWorkflowKind, def.Name),
				attribute.String(observability.AttrNodeName, current),
			),
		)
		res, err := node.Run(nodeCtx, nc, st)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordNodeExecution(ctx, def.Name, current, time.Since(start), err)
		}
		if err != nil {
			return e.finish(ctx, th, nc, thread.StatusFailed, err)
		}

		if res != nil {
			st.Merge(res.Delta)
			interrupted, err := e.processCalls(ctx, def, th, st, current, res.Calls, res.Interrupts, nc, nc.Identity, "")
			if err != nil {
				return e.finish(ctx, th, nc, thread.StatusFailed, err)
			}
			if interrupted {
				return thread.StatusInterrupted, nil
			}
		}

		if _, err := e.saveCheckpoint(ctx, th.ID, current, st, nil); err != nil {
			return e.finish(ctx, th, nc, thread.StatusFailed, err)
		}

		if def.Terminal[current] {
			return e.finish(ctx, th, nc, thread.StatusCompleted, nil)
		}
		next, ok := def.next(current, st)
		if !ok {
			return e.finish(ctx, th, nc, thread.StatusFailed,
				fault.New(fault.Internal, "workflow %s: no outgoing edge from %s", def.Name, current))
		}
		current = next
	}
}

// processCalls drives a node's tool calls in order. A call whose tool
// requires approval, made by an identity without auto-approve,
// checkpoints the remaining calls and interrupts the thread.
// approvedCallID names a call that already cleared approval on resume.
func (e *Engine) processCalls(ctx context.Context, def *Definition, th *thread.Thread, st State,
	node string, calls []*tool.Call, custom map[string]*thread.InterruptRequest,
	nc *NodeContext, identity *auth.Identity, approvedCallID string) (bool, error) {

	for i, call := range calls {
		handler, err := e.tools.Get(call.ToolName)
		if err != nil {
			return false, err
		}
		toolDef := handler.Definition()

		if toolDef.RequiresApproval && call.ID != approvedCallID &&
			!identity.Can(auth.CapAutoApprove) {
			call.Status = tool.CallStatusPendingApproval

			ir := custom[call.ID]
			if ir == nil {
				ir = buildInterrupt(call, toolDef, st)
			}
			if _, err := e.saveCheckpoint(ctx, th.ID, node, st, calls[i:]); err != nil {
				return false, err
			}
			if err := th.MarkInterrupted(ir); err != nil {
				return false, err
			}
			if err := e.threads.Save(ctx, th); err != nil {
				return false, err
			}
			nc.Emit(ctx, stream.InterruptEvent(ir))
			return true, nil
		}

		nc.Emit(ctx, stream.ToolStart(call, toolDef.DisplayName))
		result, execErr := e.tools.Invoke(ctx, call)
		nc.Emit(ctx, stream.ToolEnd(call, summarize(result)))
		st.AppendToolCall(call)

		if execErr != nil {
			if !fault.KindOf(execErr).Recoverable() {
				return false, execErr
			}
			nc.Emit(ctx, stream.ErrorEvent(execErr))
			st["last_error"] = execErr.Error()
		}
	}
	return false, nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, threadID, node string, st State, pending []*tool.Call) (int64, error) {
	blob, err := checkpoint.EncodeState(st)
	if err != nil {
		return 0, err
	}
	return e.checkpoints.Save(ctx, &checkpoint.Checkpoint{
		ThreadID:     threadID,
		Node:         node,
		StateBlob:    blob,
		PendingCalls: pending,
	})
}

// finish settles the thread in a terminal status and persists it. The
// causing error, if any, is emitted and returned.
func (e *Engine) finish(ctx context.Context, th *thread.Thread, nc *NodeContext,
	status thread.Status, cause error) (thread.Status, error) {

	// Persist the terminal state even when the run context is gone.
	persistCtx := ctx
	if persistCtx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if cause != nil {
		slog.Error("workflow failed",
			"workflow", th.WorkflowKind, "thread", th.ID, "error", cause)
		nc.Emit(persistCtx, stream.ErrorEvent(cause))
	}

	th.SetStatus(status)
	if err := e.threads.Save(persistCtx, th); err != nil {
		slog.Warn("failed to persist terminal thread", "thread", th.ID, "error", err)
	}
	if status == thread.StatusCompleted {
		if err := e.checkpoints.Truncate(persistCtx, th.ID); err != nil {
			slog.Warn("failed to truncate checkpoints", "thread", th.ID, "error", err)
		}
	}
	return status, cause
}

// buildInterrupt derives a generic approval payload from the call when
// the node did not provide one.
func buildInterrupt(call *tool.Call, def tool.Definition, st State) *thread.InterruptRequest {
	name := def.DisplayName
	if name == "" {
		name = def.Name
	}
	plan := thread.ExecutionPlan{Operation: def.Name}
	if scope, ok := call.Arguments["scope"].(string); ok && scope != "" {
		plan.Devices = []string{scope}
	}
	if devices, ok := st["target_devices"].([]any); ok {
		plan.Devices = plan.Devices[:0]
		for _, d := range devices {
			if s, ok := d.(string); ok {
				plan.Devices = append(plan.Devices, s)
			}
		}
	}
	switch commands := call.Arguments["commands"].(type) {
	case []string:
		plan.Commands = commands
	case []any:
		for _, c := range commands {
			if s, ok := c.(string); ok {
				plan.Commands = append(plan.Commands, s)
			}
		}
	}

	risk := thread.RiskMedium
	if r, ok := st["risk_level"].(string); ok && r != "" {
		risk = thread.RiskLevel(r)
	}

	return &thread.InterruptRequest{
		CallID:           call.ID,
		Message:          "Approval required: " + name,
		RiskLevel:        risk,
		ExecutionPlan:    plan,
		AllowedDecisions: []thread.Decision{thread.DecisionApprove, thread.DecisionEdit, thread.DecisionReject},
	}
}

func summarize(result *tool.Result) string {
	if result == nil {
		return ""
	}
	if !result.Success {
		return result.Error
	}
	if s, ok := result.Content.(string); ok && len(s) <= 120 {
		return s
	}
	return "ok"
}
