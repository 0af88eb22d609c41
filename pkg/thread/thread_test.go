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

package thread

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/llm"
)

func TestNewIDDerivedFromClient(t *testing.T) {
	id := NewID("client-abc")
	assert.True(t, strings.HasPrefix(id, "client-abc-"))
	assert.NotEqual(t, id, NewID("client-abc"))
}

func TestInterruptInvariant(t *testing.T) {
	th := New("client-abc", "device_execution")

	// No interrupt to clear on a running thread.
	assert.True(t, fault.Is(th.ClearInterrupt(), fault.Conflict))

	ir := &InterruptRequest{CallID: "c1", Message: "approve change", RiskLevel: RiskMedium}
	require.NoError(t, th.MarkInterrupted(ir))
	assert.Equal(t, StatusInterrupted, th.Status)
	require.NotNil(t, th.PendingInterrupt)
	assert.Equal(t, th.ID, th.PendingInterrupt.ThreadID)

	require.NoError(t, th.ClearInterrupt())
	assert.Equal(t, StatusRunning, th.Status)
	assert.Nil(t, th.PendingInterrupt)
}

func TestMarkInterruptedOnTerminalThread(t *testing.T) {
	th := New("client-abc", "quick_query")
	th.SetStatus(StatusCompleted)

	err := th.MarkInterrupted(&InterruptRequest{CallID: "c1"})
	assert.True(t, fault.Is(err, fault.Conflict))
}

func TestSetStatusClearsInterrupt(t *testing.T) {
	th := New("client-abc", "device_execution")
	require.NoError(t, th.MarkInterrupted(&InterruptRequest{CallID: "c1"}))

	th.SetStatus(StatusCancelled)
	assert.Nil(t, th.PendingInterrupt)
	assert.True(t, th.Status.IsTerminal())
}

func TestResumeDecisionValidate(t *testing.T) {
	tests := []struct {
		name    string
		d       ResumeDecision
		wantErr bool
	}{
		{"approve", ResumeDecision{ThreadID: "t", CallID: "c", Decision: DecisionApprove}, false},
		{"reject", ResumeDecision{ThreadID: "t", CallID: "c", Decision: DecisionReject}, false},
		{"edit with args", ResumeDecision{ThreadID: "t", CallID: "c", Decision: DecisionEdit, EditedArguments: map[string]any{"scope": "core-rtr-01"}}, false},
		{"edit without args", ResumeDecision{ThreadID: "t", CallID: "c", Decision: DecisionEdit}, true},
		{"unknown decision", ResumeDecision{ThreadID: "t", CallID: "c", Decision: "defer"}, true},
		{"missing ids", ResumeDecision{Decision: DecisionApprove}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.wantErr {
				assert.True(t, fault.Is(err, fault.BadArguments))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTrimmedHistoryDropsOldestFirst(t *testing.T) {
	th := New("client-abc", "quick_query")
	th.Append(llm.RoleSystem, "You are a network operations assistant.")
	for i := 0; i < 20; i++ {
		th.Append(llm.RoleUser, strings.Repeat("show bgp summary please and compare ", 10))
	}
	th.Append(llm.RoleUser, "final question")

	full := llm.EstimateMessageTokens(th.History())
	trimmed := th.TrimmedHistory(full / 4)

	assert.Less(t, llm.EstimateMessageTokens(trimmed), full)
	// System prompt survives, latest message survives.
	assert.Equal(t, llm.RoleSystem, trimmed[0].Role)
	assert.Equal(t, "final question", trimmed[len(trimmed)-1].Content)
}

func TestInMemoryStoreLifecycle(t *testing.T) {
	store := InMemoryStore()
	ctx := context.Background()

	th := New("client-abc", "quick_query")
	th.Append(llm.RoleUser, "hello")
	require.NoError(t, store.Create(ctx, th))
	assert.True(t, fault.Is(store.Create(ctx, th), fault.Conflict))

	loaded, err := store.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, len(loaded.Messages))

	// Mutating the loaded copy does not leak into the store.
	loaded.Append(llm.RoleAssistant, "hi")
	again, err := store.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, len(again.Messages))

	th.Append(llm.RoleAssistant, "hi")
	require.NoError(t, store.Save(ctx, th))

	owned, err := store.ListByOwner(ctx, "client-abc")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, 2, len(owned[0].Messages))
}

func TestSQLStoreRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "threads.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store, err := NewSQLStore(db, "sqlite")
	require.NoError(t, err)
	ctx := context.Background()

	th := New("client-abc", "device_execution")
	th.Append(llm.RoleUser, "reconfigure the uplink")
	require.NoError(t, th.MarkInterrupted(&InterruptRequest{
		CallID:           "c1",
		Message:          "approve config push",
		RiskLevel:        RiskHigh,
		ExecutionPlan:    ExecutionPlan{Devices: []string{"core-rtr-01"}, Operation: "apply_config"},
		AllowedDecisions: []Decision{DecisionApprove, DecisionEdit, DecisionReject},
	}))
	require.NoError(t, store.Create(ctx, th))

	loaded, err := store.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, loaded.Status)
	require.NotNil(t, loaded.PendingInterrupt)
	assert.Equal(t, RiskHigh, loaded.PendingInterrupt.RiskLevel)

	require.NoError(t, loaded.ClearInterrupt())
	loaded.SetStatus(StatusCompleted)
	require.NoError(t, store.Save(ctx, loaded))

	final, err := store.Get(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Nil(t, final.PendingInterrupt)

	_, err = store.Get(ctx, "ghost")
	assert.True(t, fault.Is(err, fault.NotFound))
}
