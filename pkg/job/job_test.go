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

package job

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olavlabs/olav/pkg/auth"
	"github.com/olavlabs/olav/pkg/checkpoint"
	"github.com/olavlabs/olav/pkg/config"
	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/thread"
	"github.com/olavlabs/olav/pkg/tool"
	"github.com/olavlabs/olav/pkg/workflow"
	"github.com/olavlabs/olav/pkg/workflow/flows"
)

type rig struct {
	manager *Manager
	store   Store
	defs    *workflow.Definitions
	cancel  context.CancelFunc
}

func newRig(t *testing.T) *rig {
	t.Helper()

	store := InMemoryStore()
	threads := thread.InMemoryStore()
	cps := checkpoint.InMemoryStore()
	defs := workflow.NewDefinitions()
	engine := workflow.NewEngine(defs, threads, cps, tool.NewRegistry(0))

	profiles := []config.InspectionProfile{
		{ID: "daily-core", Name: "Daily core audit", Scope: "group:core"},
	}
	r := &rig{
		store: store,
		defs:  defs,
	}
	r.manager = NewManager(store, engine, defs, threads, cps, profiles, nil, 2)
	return r
}

// register installs a stub inspection workflow so manager behavior can
// be observed without device plumbing.
func (r *rig) register(t *testing.T, run workflow.NodeFunc) {
	t.Helper()
	require.NoError(t, r.defs.Register(&workflow.Definition{
		Name:  flows.KindInspection,
		Start: "inspect",
		Nodes: map[string]*workflow.Node{
			"inspect": {Name: "inspect", Run: run},
		},
		Terminal: map[string]bool{"inspect": true},
	}))
}

func (r *rig) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.manager.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.manager.Wait()
	})
}

func operator() *auth.Identity {
	return &auth.Identity{ClientID: "ops-1", Name: "ops", Role: auth.RoleOperator}
}

func waitTerminal(t *testing.T, r *rig, jobID string) *Job {
	t.Helper()
	var final *Job
	require.Eventually(t, func() bool {
		j, err := r.store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		if !j.Status.IsTerminal() {
			return false
		}
		final = j
		return true
	}, 3*time.Second, 10*time.Millisecond, "job never reached a terminal state")
	return final
}

func reportingNode(r *rig) workflow.NodeFunc {
	return func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
		r.manager.Publish(nc.Thread.ID, 2, 2)
		return &workflow.NodeResult{Delta: workflow.State{
			flows.KeyReportMarkdown: "# Inspection report\n\nall good",
			flows.KeyReportSummary:  "2 passed, 0 failed",
		}}, nil
	}
}

func TestSubmitRunsJobAndPersistsReport(t *testing.T) {
	r := newRig(t)
	r.register(t, reportingNode(r))
	r.start(t)

	j, err := r.manager.Submit(context.Background(), "daily-core", operator())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)

	final := waitTerminal(t, r, j.ID)
	assert.Equal(t, StatusSucceeded, final.Status)
	require.NotEmpty(t, final.ReportID, "succeeded job must reference a report")
	assert.Equal(t, Progress{Completed: 2, Total: 2}, final.Progress)

	report, err := r.manager.GetReport(context.Background(), final.ReportID, operator())
	require.NoError(t, err)
	assert.Contains(t, report.Content, "Inspection report")
	assert.Equal(t, "2 passed, 0 failed", report.Summary)
}

func TestSubmitUnknownProfile(t *testing.T) {
	r := newRig(t)

	_, err := r.manager.Submit(context.Background(), "no-such-profile", operator())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestSubmitRequiresDiagnoseCapability(t *testing.T) {
	r := newRig(t)

	viewer := &auth.Identity{ClientID: "view-1", Role: auth.RoleViewer}
	_, err := r.manager.Submit(context.Background(), "daily-core", viewer)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.PermissionDenied))
}

func TestNodeFailureMarksJobFailed(t *testing.T) {
	r := newRig(t)
	r.register(t, func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
		return nil, fault.New(fault.Unreachable, "all devices unreachable")
	})
	r.start(t)

	j, err := r.manager.Submit(context.Background(), "daily-core", operator())
	require.NoError(t, err)

	final := waitTerminal(t, r, j.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "unreachable")
	assert.Empty(t, final.ReportID)
}

func TestFailedJobKeepsPublishedProgress(t *testing.T) {
	r := newRig(t)
	r.register(t, func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
		r.manager.Publish(nc.Thread.ID, 1, 2)
		return nil, fault.New(fault.Unreachable, "second device down")
	})
	r.start(t)

	j, err := r.manager.Submit(context.Background(), "daily-core", operator())
	require.NoError(t, err)

	// The terminal write must not fall back to the copy the worker
	// loaded at dequeue time, which predates the published progress.
	final := waitTerminal(t, r, j.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, Progress{Completed: 1, Total: 2}, final.Progress)
}

func TestWorkerPanicMarksJobFailedAndPoolSurvives(t *testing.T) {
	r := newRig(t)
	var calls atomic.Int32
	r.register(t, func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return &workflow.NodeResult{Delta: workflow.State{
			flows.KeyReportMarkdown: "# ok",
			flows.KeyReportSummary:  "ok",
		}}, nil
	})
	r.start(t)

	// Tool-level panics are contained by the registry; a node panic
	// unwinds into the worker, which must recover and keep serving.
	first, err := r.manager.Submit(context.Background(), "daily-core", operator())
	require.NoError(t, err)
	waitTerminal(t, r, first.ID)

	second, err := r.manager.Submit(context.Background(), "daily-core", operator())
	require.NoError(t, err)
	final := waitTerminal(t, r, second.ID)
	assert.Equal(t, StatusSucceeded, final.Status)
}

func TestCancelQueuedJob(t *testing.T) {
	r := newRig(t)
	r.register(t, reportingNode(r))
	// No workers started: the job stays queued.

	j, err := r.manager.Submit(context.Background(), "daily-core", operator())
	require.NoError(t, err)

	require.NoError(t, r.manager.Cancel(context.Background(), j.ID, operator()))

	got, err := r.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestCancelRunningJobStopsAtNodeBoundary(t *testing.T) {
	r := newRig(t)
	started := make(chan struct{})
	require.NoError(t, r.defs.Register(&workflow.Definition{
		Name:  flows.KindInspection,
		Start: "wait",
		Nodes: map[string]*workflow.Node{
			"wait": {Name: "wait", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				close(started)
				<-ctx.Done()
				return nil, nil
			}},
			"after": {Name: "after", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				t.Error("node ran after cancellation")
				return nil, nil
			}},
		},
		Edges:    []workflow.Edge{{From: "wait", To: "after"}},
		Terminal: map[string]bool{"after": true},
	}))
	r.start(t)

	j, err := r.manager.Submit(context.Background(), "daily-core", operator())
	require.NoError(t, err)

	<-started
	require.NoError(t, r.manager.Cancel(context.Background(), j.ID, operator()))

	final := waitTerminal(t, r, j.ID)
	assert.Equal(t, StatusCancelled, final.Status)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	r := newRig(t)
	r.register(t, reportingNode(r))
	r.start(t)

	j, err := r.manager.Submit(context.Background(), "daily-core", operator())
	require.NoError(t, err)
	waitTerminal(t, r, j.ID)

	err = r.manager.Cancel(context.Background(), j.ID, operator())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Conflict))
}

func TestListScopedToOwner(t *testing.T) {
	r := newRig(t)
	r.register(t, reportingNode(r))
	r.start(t)

	ops := operator()
	other := &auth.Identity{ClientID: "ops-2", Role: auth.RoleOperator}
	admin := &auth.Identity{ClientID: "root", Role: auth.RoleAdmin}

	first, err := r.manager.Submit(context.Background(), "daily-core", ops)
	require.NoError(t, err)
	second, err := r.manager.Submit(context.Background(), "daily-core", other)
	require.NoError(t, err)
	waitTerminal(t, r, first.ID)
	waitTerminal(t, r, second.ID)

	mine, err := r.manager.List(context.Background(), ops)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, first.ID, mine[0].ID)

	all, err := r.manager.List(context.Background(), admin)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = r.manager.Get(context.Background(), first.ID, other)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.PermissionDenied))
}
