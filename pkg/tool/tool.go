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

// Package tool defines the typed capability model: named tools with
// declared parameter schemas and side-effect classes, invoked through a
// process-wide registry that validates, times and traces every call.
package tool

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type SideEffect string

const (
	SideEffectRead  SideEffect = "read"
	SideEffectWrite SideEffect = "write"
)

// Param describes one input parameter.
type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// Definition is the declared contract of a tool.
type Definition struct {
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	DisplayName string     `json:"display_name,omitempty"`
	Description string     `json:"description"`
	Params      []Param    `json:"params"`
	SideEffect  SideEffect `json:"side_effect"`

	// RequiresApproval gates every invocation behind a human decision.
	// Write tools must set it unless the caller's role is allowlisted.
	RequiresApproval bool `json:"requires_approval"`

	// Timeout overrides the registry default when positive.
	Timeout time.Duration `json:"-"`
}

type CallStatus string

const (
	CallStatusPendingApproval CallStatus = "pending_approval"
	CallStatusRunning         CallStatus = "running"
	CallStatusSucceeded       CallStatus = "succeeded"
	CallStatusFailed          CallStatus = "failed"
	CallStatusRejected        CallStatus = "rejected"
	CallStatusCancelled       CallStatus = "cancelled"
)

func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusSucceeded, CallStatusFailed, CallStatusRejected, CallStatusCancelled:
		return true
	}
	return false
}

// Call is one invocation of a tool.
type Call struct {
	ID        string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	Status    CallStatus     `json:"status"`
	Result    *Result        `json:"result,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
}

func NewCall(toolName string, args map[string]any) *Call {
	return &Call{
		ID:        uuid.NewString(),
		ToolName:  toolName,
		Arguments: args,
	}
}

// Result is the outcome of a handler run. Handlers signal domain
// failure through Error rather than panicking; anything that escapes
// the handler is categorized by the registry.
type Result struct {
	Success    bool   `json:"success"`
	Content    any    `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Handler binds a definition to executable behavior.
type Handler interface {
	Definition() Definition
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Func adapts a function to the Handler interface.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, args map[string]any) (*Result, error)
}

func (f *Func) Definition() Definition { return f.Def }

func (f *Func) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	return f.Fn(ctx, args)
}

var _ Handler = (*Func)(nil)
