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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olavlabs/olav/pkg/auth"
	"github.com/olavlabs/olav/pkg/checkpoint"
	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/thread"
	"github.com/olavlabs/olav/pkg/tool"
)

type harness struct {
	engine    *Engine
	threads   thread.Store
	cps       checkpoint.Store
	tools     *tool.Registry
	workflows *Definitions
	pushed    *atomic.Int64
	lastArgs  atomic.Value
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		threads:   thread.InMemoryStore(),
		cps:       checkpoint.InMemoryStore(),
		tools:     tool.NewRegistry(5 * time.Second),
		workflows: NewDefinitions(),
		pushed:    &atomic.Int64{},
	}

	require.NoError(t, h.tools.Register(&tool.Func{
		Def: tool.Definition{
			Name:       "probe",
			Version:    "1.0",
			Params:     []tool.Param{{Name: "target", Type: "string", Required: true}},
			SideEffect: tool.SideEffectRead,
		},
		Fn: func(ctx context.Context, args map[string]any) (*tool.Result, error) {
			return &tool.Result{Success: true, Content: "up"}, nil
		},
	}))
	require.NoError(t, h.tools.Register(&tool.Func{
		Def: tool.Definition{
			Name:        "push",
			Version:     "1.0",
			DisplayName: "Push configuration",
			Params: []tool.Param{
				{Name: "scope", Type: "string", Required: true},
				{Name: "commands", Type: "array", Required: true},
			},
			SideEffect:       tool.SideEffectWrite,
			RequiresApproval: true,
		},
		Fn: func(ctx context.Context, args map[string]any) (*tool.Result, error) {
			h.pushed.Add(1)
			h.lastArgs.Store(args)
			return &tool.Result{Success: true, Content: "applied"}, nil
		},
	}))

	h.engine = NewEngine(h.workflows, h.threads, h.cps, h.tools)
	return h
}

func operator() *auth.Identity {
	return &auth.Identity{ClientID: "client-1", Name: "ops", Role: auth.RoleOperator}
}

func admin() *auth.Identity {
	return &auth.Identity{ClientID: "client-0", Name: "root", Role: auth.RoleAdmin}
}

// linearDef is probe → summarize.
func linearDef() *Definition {
	return &Definition{
		Name:  "quick_query",
		Start: "gather",
		Nodes: map[string]*Node{
			"gather": {Name: "gather", Run: func(ctx context.Context, nc *NodeContext, st State) (*NodeResult, error) {
				return &NodeResult{
					Delta: State{KeyProgress: "gathering"},
					Calls: []*tool.Call{tool.NewCall("probe", map[string]any{"target": "core-rtr-01"})},
				}, nil
			}},
			"summarize": {Name: "summarize", Run: func(ctx context.Context, nc *NodeContext, st State) (*NodeResult, error) {
				nc.Token(ctx, "all devices reachable")
				return &NodeResult{Delta: State{KeyProgress: "done"}}, nil
			}},
		},
		Edges:    []Edge{{From: "gather", To: "summarize"}},
		Terminal: map[string]bool{"summarize": true},
	}
}

// approvalDef is plan → apply(push) → verify.
func approvalDef() *Definition {
	return &Definition{
		Name:  "device_execution",
		Start: "plan",
		Nodes: map[string]*Node{
			"plan": {Name: "plan", Run: func(ctx context.Context, nc *NodeContext, st State) (*NodeResult, error) {
				return &NodeResult{Delta: State{"risk_level": "high", "target_devices": []any{"core-rtr-01"}}}, nil
			}},
			"apply": {Name: "apply", Interruptible: true, Run: func(ctx context.Context, nc *NodeContext, st State) (*NodeResult, error) {
				call := tool.NewCall("push", map[string]any{
					"scope":    "core-rtr-01",
					"commands": []any{"interface xe-0/0/0", "set mtu 9000"},
				})
				return &NodeResult{Calls: []*tool.Call{call}}, nil
			}},
			"verify": {Name: "verify", Run: func(ctx context.Context, nc *NodeContext, st State) (*NodeResult, error) {
				return &NodeResult{Delta: State{KeyProgress: "verified"}}, nil
			}},
		},
		Edges:    []Edge{{From: "plan", To: "apply"}, {From: "apply", To: "verify"}},
		Terminal: map[string]bool{"verify": true},
	}
}

func registerAndRun(t *testing.T, h *harness, def *Definition, id *auth.Identity) (*thread.Thread, *stream.Emitter, thread.Status) {
	t.Helper()
	require.NoError(t, h.workflows.Register(def))
	th := thread.New(id.ClientID, def.Name)
	require.NoError(t, h.threads.Create(context.Background(), th))
	em := stream.NewEmitter(64)
	status, _ := h.engine.Run(context.Background(), def, th, NewState(), id, em)
	return th, em, status
}

func drain(em *stream.Emitter, sub *stream.Subscriber, status thread.Status) []stream.Event {
	em.Close(context.Background(), status)
	var events []stream.Event
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	return events
}

func TestLinearWorkflowCompletes(t *testing.T) {
	h := newHarness(t)
	def := linearDef()
	require.NoError(t, h.workflows.Register(def))

	th := thread.New("client-1", def.Name)
	require.NoError(t, h.threads.Create(context.Background(), th))
	em := stream.NewEmitter(64)
	sub := em.Subscribe()

	status, err := h.engine.Run(context.Background(), def, th, NewState(), operator(), em)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusCompleted, status)

	saved, err := h.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusCompleted, saved.Status)

	cp, err := h.cps.Latest(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, "summarize", cp.Node)

	var kinds []stream.Kind
	for _, ev := range drain(em, sub, status) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []stream.Kind{
		stream.KindToolStart, stream.KindToolEnd, stream.KindToken, stream.KindDone,
	}, kinds)
}

func TestWriteToolInterruptsThread(t *testing.T) {
	h := newHarness(t)
	th, em, status := registerAndRun(t, h, approvalDef(), operator())
	assert.Equal(t, thread.StatusInterrupted, status)

	saved, err := h.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusInterrupted, saved.Status)
	require.NotNil(t, saved.PendingInterrupt)
	assert.Equal(t, thread.RiskHigh, saved.PendingInterrupt.RiskLevel)
	assert.Equal(t, []string{"core-rtr-01"}, saved.PendingInterrupt.ExecutionPlan.Devices)

	cp, err := h.cps.Latest(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, "apply", cp.Node)
	require.Len(t, cp.PendingCalls, 1)
	assert.Equal(t, tool.CallStatusPendingApproval, cp.PendingCalls[0].Status)

	assert.Zero(t, h.pushed.Load())
	em.Close(context.Background(), status)
}

func TestAdminAutoApprovesWrite(t *testing.T) {
	h := newHarness(t)
	_, em, status := registerAndRun(t, h, approvalDef(), admin())
	assert.Equal(t, thread.StatusCompleted, status)
	assert.Equal(t, int64(1), h.pushed.Load())
	em.Close(context.Background(), status)
}

func TestResumeApproveRunsHeldCall(t *testing.T) {
	h := newHarness(t)
	th, em, status := registerAndRun(t, h, approvalDef(), operator())
	require.Equal(t, thread.StatusInterrupted, status)
	em.Close(context.Background(), status)

	saved, err := h.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)

	em2 := stream.NewEmitter(64)
	sub := em2.Subscribe()
	status, err = h.engine.Resume(context.Background(), &thread.ResumeDecision{
		ThreadID: th.ID,
		CallID:   saved.PendingInterrupt.CallID,
		Decision: thread.DecisionApprove,
	}, operator(), em2)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusCompleted, status)
	assert.Equal(t, int64(1), h.pushed.Load())

	events := drain(em2, sub, status)
	assert.Equal(t, stream.KindToolStart, events[0].Kind)
	assert.Equal(t, stream.KindToolEnd, events[1].Kind)
}

func TestResumeEditRevalidatesArguments(t *testing.T) {
	h := newHarness(t)
	th, em, status := registerAndRun(t, h, approvalDef(), operator())
	require.Equal(t, thread.StatusInterrupted, status)
	em.Close(context.Background(), status)

	saved, err := h.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)
	callID := saved.PendingInterrupt.CallID

	// Invalid edit: thread stays interrupted.
	em2 := stream.NewEmitter(64)
	_, err = h.engine.Resume(context.Background(), &thread.ResumeDecision{
		ThreadID:        th.ID,
		CallID:          callID,
		Decision:        thread.DecisionEdit,
		EditedArguments: map[string]any{"bogus": true},
	}, operator(), em2)
	assert.True(t, fault.Is(err, fault.BadArguments))

	still, err := h.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusInterrupted, still.Status)

	// Valid edit: the handler sees the edited arguments.
	em3 := stream.NewEmitter(64)
	status, err = h.engine.Resume(context.Background(), &thread.ResumeDecision{
		ThreadID: th.ID,
		CallID:   callID,
		Decision: thread.DecisionEdit,
		EditedArguments: map[string]any{
			"scope":    "edge-sw-02",
			"commands": []any{"set mtu 1500"},
		},
	}, operator(), em3)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusCompleted, status)

	args := h.lastArgs.Load().(map[string]any)
	assert.Equal(t, "edge-sw-02", args["scope"])
	em3.Close(context.Background(), status)
}

func TestResumeRejectEndsBranchWithoutExecuting(t *testing.T) {
	h := newHarness(t)
	th, em, status := registerAndRun(t, h, approvalDef(), operator())
	require.Equal(t, thread.StatusInterrupted, status)
	em.Close(context.Background(), status)

	saved, err := h.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)

	em2 := stream.NewEmitter(64)
	sub := em2.Subscribe()
	status, err = h.engine.Resume(context.Background(), &thread.ResumeDecision{
		ThreadID:        th.ID,
		CallID:          saved.PendingInterrupt.CallID,
		Decision:        thread.DecisionReject,
		RejectionReason: "wrong maintenance window",
	}, operator(), em2)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusCompleted, status)
	assert.Zero(t, h.pushed.Load())

	events := drain(em2, sub, status)
	require.NotEmpty(t, events)
	assert.Equal(t, stream.KindError, events[0].Kind)
	assert.Equal(t, string(fault.UserRejected), events[0].Code)

	final, err := h.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Contains(t, final.Messages[len(final.Messages)-1].Content, "rejected")
}

func TestDuplicateResumeConflicts(t *testing.T) {
	h := newHarness(t)
	th, em, status := registerAndRun(t, h, approvalDef(), operator())
	require.Equal(t, thread.StatusInterrupted, status)
	em.Close(context.Background(), status)

	saved, err := h.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)
	decision := &thread.ResumeDecision{
		ThreadID: th.ID,
		CallID:   saved.PendingInterrupt.CallID,
		Decision: thread.DecisionApprove,
	}

	em2 := stream.NewEmitter(64)
	_, err = h.engine.Resume(context.Background(), decision, operator(), em2)
	require.NoError(t, err)
	em2.Close(context.Background(), thread.StatusCompleted)

	em3 := stream.NewEmitter(64)
	_, err = h.engine.Resume(context.Background(), decision, operator(), em3)
	assert.True(t, fault.Is(err, fault.Conflict))
	assert.Equal(t, int64(1), h.pushed.Load())
}

func TestMismatchedCallIDConflicts(t *testing.T) {
	h := newHarness(t)
	th, em, status := registerAndRun(t, h, approvalDef(), operator())
	require.Equal(t, thread.StatusInterrupted, status)
	em.Close(context.Background(), status)

	em2 := stream.NewEmitter(64)
	_, err := h.engine.Resume(context.Background(), &thread.ResumeDecision{
		ThreadID: th.ID,
		CallID:   "someone-elses-call",
		Decision: thread.DecisionApprove,
	}, operator(), em2)
	assert.True(t, fault.Is(err, fault.Conflict))
}

func TestIterationLimitFailsThread(t *testing.T) {
	h := newHarness(t)
	def := &Definition{
		Name:  "deep_analysis",
		Start: "investigate",
		Nodes: map[string]*Node{
			"investigate": {Name: "investigate", Run: func(ctx context.Context, nc *NodeContext, st State) (*NodeResult, error) {
				return &NodeResult{Delta: State{KeyIterationCount: st.Int(KeyIterationCount) + 1}}, nil
			}},
			"report": {Name: "report", Run: func(ctx context.Context, nc *NodeContext, st State) (*NodeResult, error) {
				return nil, nil
			}},
		},
		Edges: []Edge{
			{From: "investigate", To: "report", When: func(st State) bool { return st.String(KeyProgress) == "solved" }},
			{From: "investigate", To: "investigate"},
		},
		Terminal:      map[string]bool{"report": true},
		MaxIterations: 3,
	}

	th, em, status := registerAndRun(t, h, def, operator())
	assert.Equal(t, thread.StatusFailed, status)
	em.Close(context.Background(), status)

	saved, err := h.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusFailed, saved.Status)
}

func TestCancellationObservedAtNodeBoundary(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	def := &Definition{
		Name:  "slow",
		Start: "first",
		Nodes: map[string]*Node{
			"first": {Name: "first", Run: func(ctx context.Context, nc *NodeContext, st State) (*NodeResult, error) {
				cancel()
				return &NodeResult{Delta: State{KeyProgress: "half"}}, nil
			}},
			"second": {Name: "second", Run: func(ctx context.Context, nc *NodeContext, st State) (*NodeResult, error) {
				t.Fatal("second node must not run after cancellation")
				return nil, nil
			}},
		},
		Edges:    []Edge{{From: "first", To: "second"}},
		Terminal: map[string]bool{"second": true},
	}
	require.NoError(t, h.workflows.Register(def))

	th := thread.New("client-1", def.Name)
	require.NoError(t, h.threads.Create(context.Background(), th))
	em := stream.NewEmitter(64)

	status, err := h.engine.Run(ctx, def, th, NewState(), operator(), em)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusCancelled, status)

	saved, err := h.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusCancelled, saved.Status)
	em.Close(context.Background(), status)
}

func TestDefinitionValidate(t *testing.T) {
	noop := func(ctx context.Context, nc *NodeContext, st State) (*NodeResult, error) { return nil, nil }

	tests := []struct {
		name string
		def  *Definition
		ok   bool
	}{
		{
			"valid",
			&Definition{
				Name:  "w",
				Start: "a",
				Nodes: map[string]*Node{"a": {Name: "a", Run: noop}, "b": {Name: "b", Run: noop}},
				Edges: []Edge{{From: "a", To: "b"}}, Terminal: map[string]bool{"b": true},
			},
			true,
		},
		{
			"missing start",
			&Definition{Name: "w", Start: "ghost", Nodes: map[string]*Node{"a": {Name: "a", Run: noop}}, Terminal: map[string]bool{"a": true}},
			false,
		},
		{
			"unreachable node",
			&Definition{
				Name:  "w",
				Start: "a",
				Nodes: map[string]*Node{"a": {Name: "a", Run: noop}, "orphan": {Name: "orphan", Run: noop}},
				Terminal: map[string]bool{"a": true},
			},
			false,
		},
		{
			"edge to unknown node",
			&Definition{
				Name:  "w",
				Start: "a",
				Nodes: map[string]*Node{"a": {Name: "a", Run: noop}},
				Edges: []Edge{{From: "a", To: "ghost"}}, Terminal: map[string]bool{"a": true},
			},
			false,
		},
		{
			"no terminals",
			&Definition{Name: "w", Start: "a", Nodes: map[string]*Node{"a": {Name: "a", Run: noop}}},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
