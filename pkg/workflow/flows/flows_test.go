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

package flows

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olavlabs/olav/pkg/auth"
	"github.com/olavlabs/olav/pkg/checkpoint"
	"github.com/olavlabs/olav/pkg/config"
	"github.com/olavlabs/olav/pkg/device"
	"github.com/olavlabs/olav/pkg/llm"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/thread"
	"github.com/olavlabs/olav/pkg/tool"
	"github.com/olavlabs/olav/pkg/workflow"
)

// scriptedChat answers every generation with a fixed text.
type scriptedChat struct {
	text string
}

func (c *scriptedChat) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	return &llm.GenerateResponse{Text: c.text}, nil
}

func (c *scriptedChat) GenerateStreaming(ctx context.Context, req *llm.GenerateRequest) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Type: llm.ChunkTypeText, Text: c.text}
	ch <- llm.StreamChunk{Type: llm.ChunkTypeDone}
	close(ch)
	return ch, nil
}

type progressRecorder struct {
	mu      sync.Mutex
	updates []int
}

func (p *progressRecorder) Publish(threadID string, completed, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, completed)
}

type fakeSoT struct {
	devices []device.Device
	applied []device.InventoryChange
}

func (s *fakeSoT) Fetch(ctx context.Context, scope device.Scope) ([]device.Device, error) {
	return s.devices, nil
}

func (s *fakeSoT) Apply(ctx context.Context, changes []device.InventoryChange) error {
	s.applied = append(s.applied, changes...)
	return nil
}

func inventory() *device.StaticInventory {
	return device.NewStaticInventory([]config.DeviceEntry{
		{Name: "core-rtr-01", Address: "10.0.0.1", Platform: "iosxr", Group: "core", Role: "router", Site: "fra1"},
		{Name: "core-rtr-02", Address: "10.0.0.2", Platform: "iosxr", Group: "core", Role: "router", Site: "fra1"},
		{Name: "edge-sw-01", Address: "10.0.1.1", Platform: "eos", Group: "edge", Role: "switch", Site: "ams1"},
	})
}

type rig struct {
	engine  *workflow.Engine
	threads thread.Store
	cps     checkpoint.Store
	defs    *workflow.Definitions
	opts    Options
	sot     *fakeSoT
}

func newRig(t *testing.T, chat llm.ChatClient) *rig {
	t.Helper()
	inv := inventory()
	adapter := device.AdapterFunc(func(ctx context.Context, d device.Device, command string) (string, error) {
		return "output of " + command + " on " + d.Name + "\nEstablished", nil
	})
	runner := device.NewRunner(5, time.Second)
	sot := &fakeSoT{devices: []device.Device{
		{Name: "core-rtr-01", Address: "10.0.0.1", Platform: "iosxr", Group: "core", Role: "router", Site: "fra1"},
		{Name: "core-rtr-02", Address: "10.9.9.9", Platform: "iosxr", Group: "core", Role: "router", Site: "fra1"},
		{Name: "edge-sw-01", Address: "10.0.1.1", Platform: "eos", Group: "edge", Role: "switch", Site: "ams1"},
	}}

	tools := tool.NewRegistry(5 * time.Second)
	require.NoError(t, tools.Register(device.NewSmartQueryTool(inv, adapter, runner, chat)))
	require.NoError(t, tools.Register(device.NewBatchQueryTool(inv, adapter, runner)))
	require.NoError(t, tools.Register(device.NewPlanConfigTool(inv, chat)))
	require.NoError(t, tools.Register(device.NewApplyConfigTool(inv, adapter, runner)))
	require.NoError(t, tools.Register(device.NewNetBoxDiffTool(inv, sot)))
	require.NoError(t, tools.Register(device.NewNetBoxApplyTool(sot)))
	require.NoError(t, tools.Register(NewGenerateReportTool()))

	opts := Options{
		Chat:      chat,
		Inventory: inv,
		Adapter:   adapter,
		Runner:    runner,
		Tools:     tools,
		Profiles: []config.InspectionProfile{{
			ID:       "bgp_peer_audit",
			Name:     "BGP peer audit",
			Scope:    "group:core",
			Commands: []string{"show bgp summary"},
			Criteria: []string{"Established"},
		}},
		MaxDepth:  3,
		MaxFanout: 30,
	}

	defs := workflow.NewDefinitions()
	require.NoError(t, RegisterAll(defs, opts))

	threads := thread.InMemoryStore()
	cps := checkpoint.InMemoryStore()
	engine := workflow.NewEngine(defs, threads, cps, tools)
	return &rig{engine: engine, threads: threads, cps: cps, defs: defs, opts: opts, sot: sot}
}

// lastState decodes the thread's latest checkpointed state.
func (r *rig) lastState(t *testing.T, threadID string) workflow.State {
	t.Helper()
	cp, err := r.cps.Latest(context.Background(), threadID)
	require.NoError(t, err)
	raw, err := checkpoint.DecodeState(cp.StateBlob)
	require.NoError(t, err)
	return workflow.State(raw)
}

func runFlow(t *testing.T, r *rig, kind string, st workflow.State, id *auth.Identity) (*thread.Thread, []stream.Event, thread.Status) {
	t.Helper()
	def, err := r.defs.Get(kind)
	require.NoError(t, err)

	th := thread.New(id.ClientID, kind)
	if msg := st.String(KeyUserMessage); msg != "" {
		th.Append(llm.RoleUser, msg)
	}
	require.NoError(t, r.threads.Create(context.Background(), th))

	em := stream.NewEmitter(256)
	sub := em.Subscribe()
	status, _ := r.engine.Run(context.Background(), def, th, st, id, em)
	em.Close(context.Background(), status)

	var events []stream.Event
	for ev := range sub.Events() {
		events = append(events, ev)
	}
	return th, events, status
}

func opID() *auth.Identity {
	return &auth.Identity{ClientID: "client-1", Name: "ops", Role: auth.RoleOperator}
}

func kindsOf(events []stream.Event) []stream.Kind {
	kinds := make([]stream.Kind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestQuickQueryEventSequence(t *testing.T) {
	r := newRig(t, &scriptedChat{text: "All four BGP peers on core-rtr-01 are established."})
	st := workflow.NewState()
	st[KeyUserMessage] = "show bgp summary"
	st[KeyScope] = "core-rtr-01"

	_, events, status := runFlow(t, r, KindQuickQuery, st, opID())
	assert.Equal(t, thread.StatusCompleted, status)

	kinds := kindsOf(events)
	assert.Equal(t, []stream.Kind{
		stream.KindThinking, stream.KindToolStart, stream.KindToolEnd,
		stream.KindToken, stream.KindDone,
	}, kinds)
	assert.Equal(t, stream.StepHypothesis, events[0].Step)
	assert.Equal(t, "smart_query", events[1].Name)
}

func TestQuickQueryWithoutScopeOrModel(t *testing.T) {
	r := newRig(t, nil)
	st := workflow.NewState()
	st[KeyUserMessage] = "how does BGP work?"

	th, events, status := runFlow(t, r, KindQuickQuery, st, opID())
	assert.Equal(t, thread.StatusCompleted, status)

	var sawInterrupt bool
	for _, ev := range events {
		if ev.Kind == stream.KindInterrupt {
			sawInterrupt = true
		}
	}
	assert.False(t, sawInterrupt)

	final, err := r.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, llm.RoleAssistant, final.Messages[len(final.Messages)-1].Role)
}

func TestConfigurationFlowInterruptsBeforeApply(t *testing.T) {
	r := newRig(t, &scriptedChat{text: "interface Loopback100\nshutdown"})
	st := workflow.NewState()
	st[KeyUserMessage] = "shut Loopback100 on core-rtr-01"
	st[KeyScope] = "core-rtr-01"

	th, events, status := runFlow(t, r, KindConfiguration, st, opID())
	assert.Equal(t, thread.StatusInterrupted, status)

	var interrupt *stream.Event
	for i := range events {
		if events[i].Kind == stream.KindInterrupt {
			interrupt = &events[i]
		}
		// The write tool must not have started.
		if events[i].Kind == stream.KindToolStart {
			assert.NotEqual(t, "apply_config", events[i].Name)
		}
	}
	require.NotNil(t, interrupt)
	require.NotNil(t, interrupt.Interrupt)
	assert.Equal(t, "apply_config", interrupt.Interrupt.ExecutionPlan.Operation)
	assert.Equal(t, []string{"core-rtr-01"}, interrupt.Interrupt.ExecutionPlan.Devices)
	assert.Contains(t, interrupt.Interrupt.ExecutionPlan.Commands, "shutdown")

	// Approve and watch the apply run.
	em := stream.NewEmitter(256)
	sub := em.Subscribe()
	saved, err := r.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)
	status, err = r.engine.Resume(context.Background(), &thread.ResumeDecision{
		ThreadID: th.ID,
		CallID:   saved.PendingInterrupt.CallID,
		Decision: thread.DecisionApprove,
	}, opID(), em)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusCompleted, status)
	em.Close(context.Background(), status)

	var applied bool
	for ev := range sub.Events() {
		if ev.Kind == stream.KindToolStart && ev.Name == "apply_config" {
			applied = true
		}
	}
	assert.True(t, applied)
}

func TestNetBoxFlowAppliesDivergences(t *testing.T) {
	r := newRig(t, nil)
	st := workflow.NewState()
	st[KeyScope] = "group:core"

	th, events, status := runFlow(t, r, KindNetBox, st, opID())
	require.Equal(t, thread.StatusInterrupted, status)

	var interrupt *stream.Event
	for i := range events {
		if events[i].Kind == stream.KindInterrupt {
			interrupt = &events[i]
		}
	}
	require.NotNil(t, interrupt)
	assert.Contains(t, strings.Join(interrupt.Interrupt.ExecutionPlan.Commands, "\n"), "core-rtr-02")

	em := stream.NewEmitter(256)
	saved, err := r.threads.Get(context.Background(), th.ID)
	require.NoError(t, err)
	status, err = r.engine.Resume(context.Background(), &thread.ResumeDecision{
		ThreadID: th.ID,
		CallID:   saved.PendingInterrupt.CallID,
		Decision: thread.DecisionApprove,
	}, opID(), em)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusCompleted, status)
	require.NotEmpty(t, r.sot.applied)
	assert.Equal(t, "core-rtr-02", r.sot.applied[0].Device)
	em.Close(context.Background(), status)
}

func TestNetBoxFlowInSyncSkipsInterrupt(t *testing.T) {
	r := newRig(t, nil)
	// Align the source of truth with the running inventory.
	r.sot.devices = []device.Device{
		{Name: "edge-sw-01", Address: "10.0.1.1", Platform: "eos", Group: "edge", Role: "switch", Site: "ams1"},
	}
	st := workflow.NewState()
	st[KeyScope] = "edge-sw-01"

	_, events, status := runFlow(t, r, KindNetBox, st, opID())
	assert.Equal(t, thread.StatusCompleted, status)
	for _, ev := range events {
		assert.NotEqual(t, stream.KindInterrupt, ev.Kind)
	}
	assert.Empty(t, r.sot.applied)
}

func TestInspectionFlowProducesReportAndProgress(t *testing.T) {
	r := newRig(t, nil)
	progress := &progressRecorder{}
	r.opts.Progress = progress

	defs := workflow.NewDefinitions()
	require.NoError(t, RegisterAll(defs, r.opts))
	def, err := defs.Get(KindInspection)
	require.NoError(t, err)

	th := thread.New("client-1", KindInspection)
	require.NoError(t, r.threads.Create(context.Background(), th))
	st := workflow.NewState()
	st[KeyInspectionID] = "bgp_peer_audit"

	em := stream.NewEmitter(256)
	status, err := r.engine.Run(context.Background(), def, th, st, opID(), em)
	require.NoError(t, err)
	assert.Equal(t, thread.StatusCompleted, status)
	em.Close(context.Background(), status)

	// Two core devices probed, progress published for each.
	progress.mu.Lock()
	updates := append([]int(nil), progress.updates...)
	progress.mu.Unlock()
	assert.Len(t, updates, 2)

	cp := r.lastState(t, th.ID)
	markdown, _ := cp[KeyReportMarkdown].(string)
	assert.Contains(t, markdown, "core-rtr-01")
	assert.Contains(t, markdown, "core-rtr-02")
	assert.Contains(t, markdown, "PASS")
}

func TestInspectionUnknownProfileFails(t *testing.T) {
	r := newRig(t, nil)
	st := workflow.NewState()
	st[KeyInspectionID] = "ghost_audit"

	_, _, status := runFlow(t, r, KindInspection, st, opID())
	assert.Equal(t, thread.StatusFailed, status)
}

func TestDeepDiveCompletesWithinBounds(t *testing.T) {
	r := newRig(t, &scriptedChat{text: "show bgp summary"})
	st := workflow.NewState()
	st[KeyUserMessage] = "why is core BGP flapping?"
	st[KeyScope] = "group:core"

	_, events, status := runFlow(t, r, KindDeepAnalysis, st, opID())
	assert.Equal(t, thread.StatusCompleted, status)

	var queries int
	for _, ev := range events {
		if ev.Kind == stream.KindToolStart && ev.Name == "smart_query" {
			queries++
		}
	}
	assert.Greater(t, queries, 0)
}

func TestDeepDivePassRunsSubTasksConcurrently(t *testing.T) {
	// Two sub-tasks, one device each: both adapter calls must be in
	// flight at once before either is released.
	chat := &scriptedChat{text: "show interfaces brief\nshow bgp summary"}
	inv := inventory()

	var mu sync.Mutex
	inflight, peak := 0, 0
	bothStarted := make(chan struct{})
	adapter := device.AdapterFunc(func(ctx context.Context, d device.Device, command string) (string, error) {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		if inflight == 2 {
			close(bothStarted)
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inflight--
			mu.Unlock()
		}()
		select {
		case <-bothStarted:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "output of " + command + " on " + d.Name, nil
	})
	runner := device.NewRunner(5, time.Second)

	tools := tool.NewRegistry(5 * time.Second)
	require.NoError(t, tools.Register(device.NewSmartQueryTool(inv, adapter, runner, chat)))

	opts := Options{
		Chat:      chat,
		Inventory: inv,
		Adapter:   adapter,
		Runner:    runner,
		Tools:     tools,
		MaxDepth:  3,
		MaxFanout: 5,
	}
	defs := workflow.NewDefinitions()
	require.NoError(t, RegisterAll(defs, opts))

	threads := thread.InMemoryStore()
	cps := checkpoint.InMemoryStore()
	engine := workflow.NewEngine(defs, threads, cps, tools)
	r := &rig{engine: engine, threads: threads, cps: cps, defs: defs, opts: opts}

	st := workflow.NewState()
	st[KeyUserMessage] = "why is the core uplink degraded?"
	st[KeyScope] = "core-rtr-01"

	_, events, status := runFlow(t, r, KindDeepAnalysis, st, opID())
	assert.Equal(t, thread.StatusCompleted, status)

	var queries int
	for _, ev := range events {
		if ev.Kind == stream.KindToolStart && ev.Name == "smart_query" {
			queries++
		}
	}
	assert.Equal(t, 2, queries)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak)
}

func TestEvaluateOutcomesCriteria(t *testing.T) {
	checks := evaluateOutcomes([]device.Outcome{
		{Device: "a", Status: device.OutcomeOK, Output: "Session Established"},
		{Device: "b", Status: device.OutcomeOK, Output: "Idle"},
		{Device: "c", Status: device.OutcomeTimeout, Error: "deadline exceeded"},
	}, []string{"Established"})

	require.Len(t, checks, 3)
	assert.True(t, checks[0].Passed)
	assert.False(t, checks[1].Passed)
	assert.Contains(t, checks[1].Details, "Established")
	assert.False(t, checks[2].Passed)
	assert.Equal(t, device.OutcomeTimeout, checks[2].Status)
}
