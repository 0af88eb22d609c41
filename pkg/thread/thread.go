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

// Package thread models durable conversation scopes: ordered messages,
// workflow binding, interrupt bookkeeping and lifecycle status.
package thread

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/llm"
)

type Status string

const (
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Message is one append-only conversation entry.
type Message struct {
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ExecutionPlan describes what an approval would unleash.
type ExecutionPlan struct {
	Devices   []string `json:"devices"`
	Operation string   `json:"operation"`
	Commands  []string `json:"commands"`
}

// InterruptRequest is the pause-for-approval payload attached to an
// interrupted thread.
type InterruptRequest struct {
	ThreadID         string        `json:"thread_id"`
	CallID           string        `json:"call_id"`
	Message          string        `json:"message"`
	RiskLevel        RiskLevel     `json:"risk_level"`
	ExecutionPlan    ExecutionPlan `json:"execution_plan"`
	AllowedDecisions []Decision    `json:"allowed_decisions"`
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionEdit    Decision = "edit"
	DecisionReject  Decision = "reject"
)

// ResumeDecision is the reply to an interrupt.
type ResumeDecision struct {
	ThreadID        string         `json:"thread_id"`
	CallID          string         `json:"call_id"`
	Decision        Decision       `json:"decision"`
	EditedArguments map[string]any `json:"edited_arguments,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
}

func (d *ResumeDecision) Validate() error {
	switch d.Decision {
	case DecisionApprove, DecisionReject:
	case DecisionEdit:
		if len(d.EditedArguments) == 0 {
			return fault.New(fault.BadArguments, "edit decision requires edited_arguments")
		}
	default:
		return fault.New(fault.BadArguments, "unknown decision %q", d.Decision)
	}
	if d.ThreadID == "" || d.CallID == "" {
		return fault.New(fault.BadArguments, "resume decision requires thread_id and call_id")
	}
	return nil
}

// Thread is a durable conversation scope. An interrupted thread has
// exactly one pending interrupt; messages are append-only.
type Thread struct {
	ID               string            `json:"thread_id"`
	OwnerClientID    string            `json:"owner_client_id"`
	WorkflowKind     string            `json:"workflow_kind"`
	Messages         []Message         `json:"messages"`
	Status           Status            `json:"status"`
	PendingInterrupt *InterruptRequest `json:"pending_interrupt,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewID derives a thread id from the owning client.
func NewID(clientID string) string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return clientID + "-" + suffix
}

func New(ownerClientID, workflowKind string) *Thread {
	now := time.Now().UTC()
	return &Thread{
		ID:            NewID(ownerClientID),
		OwnerClientID: ownerClientID,
		WorkflowKind:  workflowKind,
		Status:        StatusRunning,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (t *Thread) Append(role llm.Role, content string) {
	t.Messages = append(t.Messages, Message{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	t.UpdatedAt = time.Now().UTC()
}

// MarkInterrupted sets the interrupted status together with its
// pending interrupt, keeping the one-to-one invariant.
func (t *Thread) MarkInterrupted(ir *InterruptRequest) error {
	if t.Status.IsTerminal() {
		return fault.New(fault.Conflict, "thread %s is already %s", t.ID, t.Status)
	}
	if ir == nil {
		return fault.New(fault.BadArguments, "interrupt request is required")
	}
	ir.ThreadID = t.ID
	t.Status = StatusInterrupted
	t.PendingInterrupt = ir
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ClearInterrupt consumes the pending interrupt on a valid resume.
func (t *Thread) ClearInterrupt() error {
	if t.Status != StatusInterrupted || t.PendingInterrupt == nil {
		return fault.New(fault.Conflict, "thread %s has no pending interrupt", t.ID)
	}
	t.Status = StatusRunning
	t.PendingInterrupt = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *Thread) SetStatus(status Status) {
	t.Status = status
	if status != StatusInterrupted {
		t.PendingInterrupt = nil
	}
	t.UpdatedAt = time.Now().UTC()
}

// History converts the thread's messages for a model call.
func (t *Thread) History() []llm.Message {
	messages := make([]llm.Message, 0, len(t.Messages))
	for _, m := range t.Messages {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	return messages
}

// TrimmedHistory returns the history trimmed to a token budget,
// dropping oldest non-system messages first. The most recent message
// is always retained.
func (t *Thread) TrimmedHistory(maxTokens int) []llm.Message {
	messages := t.History()
	if maxTokens <= 0 || len(messages) <= 1 {
		return messages
	}
	for len(messages) > 1 && llm.EstimateMessageTokens(messages) > maxTokens {
		dropped := false
		for i, m := range messages {
			if m.Role != llm.RoleSystem {
				messages = append(messages[:i], messages[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			break
		}
	}
	return messages
}
