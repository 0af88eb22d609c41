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

package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olavlabs/olav/pkg/auth"
	"github.com/olavlabs/olav/pkg/checkpoint"
	"github.com/olavlabs/olav/pkg/config"
	"github.com/olavlabs/olav/pkg/device"
	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/thread"
	"github.com/olavlabs/olav/pkg/tool"
	"github.com/olavlabs/olav/pkg/workflow"
	"github.com/olavlabs/olav/pkg/workflow/flows"
)

type rig struct {
	dispatcher *Dispatcher
	threads    thread.Store
	ran        map[string]int
}

// stubDef registers a trivial single-node workflow so routing can be
// observed without device or model plumbing.
func (r *rig) stubDef(kind string, defs *workflow.Definitions) {
	def := &workflow.Definition{
		Name:  kind,
		Start: "only",
		Nodes: map[string]*workflow.Node{
			"only": {Name: "only", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				r.ran[kind]++
				nc.Token(ctx, "done: "+kind)
				return nil, nil
			}},
		},
		Terminal: map[string]bool{"only": true},
	}
	if err := defs.Register(def); err != nil {
		panic(err)
	}
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()

	inv := device.NewStaticInventory([]config.DeviceEntry{
		{Name: "core-rtr-01", Address: "10.0.0.1", Platform: "iosxr"},
	})
	tools := tool.NewRegistry(0)
	require.NoError(t, tools.Register(NewClassifyIntentTool(nil, inv)))

	defs := workflow.NewDefinitions()
	r := &rig{threads: thread.InMemoryStore(), ran: map[string]int{}}
	for _, kind := range []string{
		flows.KindQuickQuery, flows.KindInspection, flows.KindDeepAnalysis,
		flows.KindConfiguration, flows.KindNetBox,
	} {
		r.stubDef(kind, defs)
	}

	engine := workflow.NewEngine(defs, r.threads, checkpoint.InMemoryStore(), tools)
	r.dispatcher = New(engine, defs, r.threads, tools, cfg)
	return r
}

func operator() *auth.Identity {
	return &auth.Identity{ClientID: "ops-1", Name: "ops", Role: auth.RoleOperator}
}

func viewer() *auth.Identity {
	return &auth.Identity{ClientID: "view-1", Name: "view", Role: auth.RoleViewer}
}

func dispatch(t *testing.T, r *rig, id *auth.Identity, req *Request) (*thread.Thread, thread.Status, error) {
	t.Helper()
	em := stream.NewEmitter(64)
	th, status, err := r.dispatcher.Dispatch(context.Background(), id, req, em)
	em.Close(context.Background(), status)
	return th, status, err
}

func TestDispatchRoutesQueryByKeyword(t *testing.T) {
	r := newRig(t, Config{})

	th, status, err := dispatch(t, r, operator(), &Request{Message: "show bgp summary on core-rtr-01"})
	require.NoError(t, err)

	assert.Equal(t, thread.StatusCompleted, status)
	assert.Equal(t, flows.KindQuickQuery, th.WorkflowKind)
	assert.Equal(t, 1, r.ran[flows.KindQuickQuery])
}

func TestDispatchHonorsWorkflowHint(t *testing.T) {
	r := newRig(t, Config{})

	th, _, err := dispatch(t, r, operator(), &Request{
		Message:      "run the usual",
		WorkflowHint: flows.KindDeepAnalysis,
	})
	require.NoError(t, err)

	assert.Equal(t, flows.KindDeepAnalysis, th.WorkflowKind)
	assert.Equal(t, 1, r.ran[flows.KindDeepAnalysis])
}

func TestDispatchBlocksViewerFromWriteBeforeThreadCreation(t *testing.T) {
	r := newRig(t, Config{})

	th, _, err := dispatch(t, r, viewer(), &Request{Message: "configure mtu 9000 on core-rtr-01"})
	require.Error(t, err)

	assert.True(t, fault.Is(err, fault.PermissionDenied))
	assert.Nil(t, th)
	threads, err := r.threads.ListByOwner(context.Background(), "view-1")
	require.NoError(t, err)
	assert.Empty(t, threads, "no thread may exist after a permission failure")
}

func TestDispatchGuardModeRefusesNonNetwork(t *testing.T) {
	r := newRig(t, Config{GuardMode: true})

	em := stream.NewEmitter(64)
	sub := em.Subscribe()
	th, status, err := r.dispatcher.Dispatch(context.Background(), operator(),
		&Request{Message: "write me a poem about summer"}, em)
	require.NoError(t, err)
	em.Close(context.Background(), status)

	assert.Nil(t, th)
	assert.Equal(t, thread.StatusCompleted, status)

	var tokens []string
	for ev := range sub.Events() {
		if ev.Kind == stream.KindToken {
			tokens = append(tokens, ev.Content)
		}
	}
	require.Len(t, tokens, 1)
	assert.Contains(t, tokens[0], "network operations")
}

func TestDispatchWithoutGuardFallsBackToQuery(t *testing.T) {
	r := newRig(t, Config{})

	th, _, err := dispatch(t, r, operator(), &Request{Message: "write me a poem about summer"})
	require.NoError(t, err)

	assert.Equal(t, flows.KindQuickQuery, th.WorkflowKind)
}

func TestDispatchConfidenceFloorDowngradesWrites(t *testing.T) {
	// The heuristic scores configuration requests at 0.75; a floor
	// above that must land the request on the query flow instead.
	r := newRig(t, Config{ConfidenceFloor: 0.9})

	th, _, err := dispatch(t, r, operator(), &Request{Message: "configure mtu 9000 on core-rtr-01"})
	require.NoError(t, err)

	assert.Equal(t, flows.KindQuickQuery, th.WorkflowKind)
	assert.Zero(t, r.ran[flows.KindConfiguration])
}

func TestDispatchContinuesOwnThread(t *testing.T) {
	r := newRig(t, Config{})

	first, _, err := dispatch(t, r, operator(), &Request{Message: "show version on core-rtr-01"})
	require.NoError(t, err)

	second, _, err := dispatch(t, r, operator(), &Request{
		ThreadID: first.ID,
		Message:  "show interfaces on core-rtr-01",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Messages, 2)
}

func TestDispatchRejectsForeignThread(t *testing.T) {
	r := newRig(t, Config{})

	th, _, err := dispatch(t, r, operator(), &Request{Message: "show version on core-rtr-01"})
	require.NoError(t, err)

	other := &auth.Identity{ClientID: "ops-2", Name: "other", Role: auth.RoleOperator}
	_, _, err = dispatch(t, r, other, &Request{ThreadID: th.ID, Message: "show clock"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.PermissionDenied))
}

func TestPrepareConflictsOnRunningThread(t *testing.T) {
	r := newRig(t, Config{})

	th, _, err := dispatch(t, r, operator(), &Request{Message: "show version on core-rtr-01"})
	require.NoError(t, err)
	th.Status = thread.StatusRunning
	require.NoError(t, r.threads.Save(context.Background(), th))

	// Pre-flight must refuse without producing a runnable request, so
	// the caller never attaches an emitter to the thread in flight.
	prep, err := r.dispatcher.Prepare(context.Background(), operator(),
		&Request{ThreadID: th.ID, Message: "show clock"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Conflict))
	assert.Nil(t, prep)
}

func TestDispatchRequiresMessage(t *testing.T) {
	r := newRig(t, Config{})

	_, _, err := dispatch(t, r, operator(), &Request{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.BadArguments))
}

func TestClassifyHeuristicTable(t *testing.T) {
	tests := []struct {
		name string
		text string
		kind string
	}{
		{"query", "show ip route on core-rtr-01", flows.KindQuickQuery},
		{"configuration", "configure the loopback address", flows.KindConfiguration},
		{"netbox", "sync netbox with the routers", flows.KindNetBox},
		{"inspection", "run a health check on the core", flows.KindInspection},
		{"deep analysis", "why is the uplink flapping", flows.KindDeepAnalysis},
		{"non network", "what is the capital of France", KindNonNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyHeuristic(tt.text)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Greater(t, got.Confidence, 0.0)
		})
	}
}

func TestClassifyHeuristicAmbiguityFavorsRead(t *testing.T) {
	// Pulls toward configuration ("push") and query ("show") with equal
	// strength; the read flow must win the tie.
	got := classifyHeuristic("push or show the staged change")
	assert.Equal(t, flows.KindQuickQuery, got.Kind)

	// Stronger read evidence outweighs a single write keyword.
	got = classifyHeuristic("check status before we apply anything")
	assert.Equal(t, flows.KindQuickQuery, got.Kind)
}

func TestExtractScopeFindsDevicesAndFilters(t *testing.T) {
	inv := device.NewStaticInventory([]config.DeviceEntry{
		{Name: "core-rtr-01", Address: "10.0.0.1"},
		{Name: "edge-sw-01", Address: "10.0.0.2"},
	})

	scope := extractScope(context.Background(), inv, "check core-rtr-01 and group:edge for drops")
	assert.Equal(t, "core-rtr-01,group:edge", scope)
}
