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

// Package dispatch routes operator requests to workflows: session
// identity checks, intent classification, guard mode and role
// enforcement all happen here, before a thread is created or a single
// node runs.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/olavlabs/olav/pkg/auth"
	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/llm"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/thread"
	"github.com/olavlabs/olav/pkg/tool"
	"github.com/olavlabs/olav/pkg/workflow"
	"github.com/olavlabs/olav/pkg/workflow/flows"
)

// DefaultConfidenceFloor is the minimum classifier confidence for
// routing to a write-effecting workflow without an explicit hint.
const DefaultConfidenceFloor = 0.6

const guardRefusal = "I can only help with network operations. " +
	"Ask me about devices, configuration, inventory or diagnostics."

// Request is one operator turn entering the orchestrator.
type Request struct {
	ThreadID     string `json:"thread_id,omitempty"`
	Message      string `json:"message"`
	WorkflowHint string `json:"workflow_hint,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Config holds dispatch policy knobs.
type Config struct {
	// GuardMode refuses requests classified as non_network instead of
	// falling back to a query.
	GuardMode bool

	// ConfidenceFloor gates write-effecting workflows on classifier
	// confidence. Zero means DefaultConfidenceFloor.
	ConfidenceFloor float64
}

// Dispatcher is the front door between the API surface and the
// workflow engine.
type Dispatcher struct {
	engine  *workflow.Engine
	defs    *workflow.Definitions
	threads thread.Store
	tools   *tool.Registry
	cfg     Config
}

func New(engine *workflow.Engine, defs *workflow.Definitions, threads thread.Store,
	tools *tool.Registry, cfg Config) *Dispatcher {

	if cfg.ConfidenceFloor <= 0 {
		cfg.ConfidenceFloor = DefaultConfidenceFloor
	}
	return &Dispatcher{
		engine:  engine,
		defs:    defs,
		threads: threads,
		tools:   tools,
		cfg:     cfg,
	}
}

// Prepared is a request that cleared every pre-flight check and holds
// the thread it will run on. Splitting preparation from execution lets
// the API surface reject a request before it attaches to any emitter,
// so a rejection can never tear down a stream already in flight on the
// same thread.
type Prepared struct {
	d        *Dispatcher
	identity *auth.Identity
	def      *workflow.Definition
	th       *thread.Thread
	kind     string
	scope    string
	message  string
	refused  bool
}

// Thread returns the thread the run will use; nil when guard mode
// refused the request.
func (p *Prepared) Thread() *thread.Thread { return p.th }

// Prepare resolves the workflow kind, enforces role permissions and
// claims a new or continued thread. Permission failures surface before
// any thread is created; a guard-mode refusal prepares a run that only
// emits the refusal.
func (d *Dispatcher) Prepare(ctx context.Context, identity *auth.Identity,
	req *Request) (*Prepared, error) {

	if req == nil || req.Message == "" {
		return nil, fault.New(fault.BadArguments, "message is required")
	}
	if identity == nil {
		return nil, fault.New(fault.Unauthorized, "no authenticated session")
	}

	kind, scope, refused := d.resolveKind(ctx, req)
	if refused {
		return &Prepared{d: d, identity: identity, refused: true}, nil
	}
	if req.Scope != "" {
		scope = req.Scope
	}

	if needed := requiredCapability(kind); !identity.Can(needed) {
		return nil, fault.New(fault.PermissionDenied,
			"role %s may not run %s workflows", identity.Role, kind)
	}

	def, err := d.defs.Get(kind)
	if err != nil {
		return nil, err
	}

	th, err := d.resolveThread(ctx, identity, req, kind)
	if err != nil {
		return nil, err
	}
	th.Append(llm.RoleUser, req.Message)
	if err := d.threads.Save(ctx, th); err != nil {
		return nil, err
	}

	return &Prepared{
		d:        d,
		identity: identity,
		def:      def,
		th:       th,
		kind:     kind,
		scope:    scope,
		message:  req.Message,
	}, nil
}

// Run executes the prepared request on the emitter. The returned
// thread is nil when guard mode refused the request.
func (p *Prepared) Run(ctx context.Context, em *stream.Emitter) (*thread.Thread, thread.Status, error) {
	if p.refused {
		em.Emit(ctx, stream.Token(guardRefusal))
		return nil, thread.StatusCompleted, nil
	}

	slog.Info("dispatching request",
		"thread_id", p.th.ID, "workflow", p.kind, "client_id", p.identity.ClientID)

	st := workflow.NewState()
	st[flows.KeyUserMessage] = p.message
	st[flows.KeyScope] = p.scope

	status, err := p.d.engine.Run(ctx, p.def, p.th, st, p.identity, em)
	return p.th, status, err
}

// Dispatch is Prepare followed by Run on the same emitter.
func (d *Dispatcher) Dispatch(ctx context.Context, identity *auth.Identity,
	req *Request, em *stream.Emitter) (*thread.Thread, thread.Status, error) {

	prep, err := d.Prepare(ctx, identity, req)
	if err != nil {
		return nil, "", err
	}
	return prep.Run(ctx, em)
}

// PrepareResume validates an approval decision without running it:
// decision shape, thread ownership and the pending interrupt are all
// checked so the API surface can reject the decision before it
// attaches to the thread's emitter.
func (d *Dispatcher) PrepareResume(ctx context.Context, identity *auth.Identity,
	decision *thread.ResumeDecision) error {

	if identity == nil {
		return fault.New(fault.Unauthorized, "no authenticated session")
	}
	if decision == nil {
		return fault.New(fault.BadArguments, "resume decision is required")
	}
	if err := decision.Validate(); err != nil {
		return err
	}
	th, err := d.threads.Get(ctx, decision.ThreadID)
	if err != nil {
		return err
	}
	if err := requireOwnership(identity, th); err != nil {
		return err
	}
	if th.Status != thread.StatusInterrupted || th.PendingInterrupt == nil {
		return fault.New(fault.Conflict, "thread %s has no pending interrupt", th.ID)
	}
	return nil
}

// Resume forwards an approval decision to the engine after the
// pre-flight checks.
func (d *Dispatcher) Resume(ctx context.Context, identity *auth.Identity,
	decision *thread.ResumeDecision, em *stream.Emitter) (thread.Status, error) {

	if err := d.PrepareResume(ctx, identity, decision); err != nil {
		return "", err
	}
	return d.engine.Resume(ctx, decision, identity, em)
}

// resolveKind picks the workflow kind from the hint or the classifier.
// The third return is true when guard mode refuses the request.
func (d *Dispatcher) resolveKind(ctx context.Context, req *Request) (string, string, bool) {
	if req.WorkflowHint != "" {
		return req.WorkflowHint, "", false
	}

	result, err := d.tools.Invoke(ctx, tool.NewCall("classify_intent", map[string]any{
		"text": req.Message,
	}))
	if err != nil || result == nil || !result.Success {
		slog.Warn("intent classification failed, defaulting to quick query", "error", err)
		return flows.KindQuickQuery, "", false
	}

	content, _ := result.Content.(map[string]any)
	kind, _ := content["kind"].(string)
	confidence, _ := content["confidence"].(float64)
	scope, _ := content["scope"].(string)

	if kind == KindNonNetwork {
		if d.cfg.GuardMode {
			return "", "", true
		}
		return flows.KindQuickQuery, scope, false
	}
	if writeEffecting(kind) && confidence < d.cfg.ConfidenceFloor {
		slog.Info("classifier confidence below floor, downgrading to quick query",
			"kind", kind, "confidence", confidence)
		return flows.KindQuickQuery, scope, false
	}
	if !validKind(kind) {
		return flows.KindQuickQuery, scope, false
	}
	return kind, scope, false
}

// resolveThread loads the caller's existing thread or creates a fresh
// one. Continuing a thread mid-stream or mid-approval is a conflict.
func (d *Dispatcher) resolveThread(ctx context.Context, identity *auth.Identity,
	req *Request, kind string) (*thread.Thread, error) {

	if req.ThreadID == "" {
		th := thread.New(identity.ClientID, kind)
		if err := d.threads.Create(ctx, th); err != nil {
			return nil, err
		}
		return th, nil
	}

	th, err := d.threads.Get(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if err := requireOwnership(identity, th); err != nil {
		return nil, err
	}
	switch th.Status {
	case thread.StatusInterrupted:
		return nil, fault.New(fault.Conflict,
			"thread %s is waiting for an approval decision", th.ID)
	case thread.StatusRunning:
		return nil, fault.New(fault.Conflict, "thread %s is already running", th.ID)
	}
	th.WorkflowKind = kind
	th.Status = thread.StatusRunning
	return th, nil
}

func requireOwnership(identity *auth.Identity, th *thread.Thread) error {
	if th.OwnerClientID == identity.ClientID || identity.Role == auth.RoleAdmin || identity.Master {
		return nil
	}
	return fault.New(fault.PermissionDenied, "thread %s belongs to another client", th.ID)
}

func requiredCapability(kind string) auth.Capability {
	switch kind {
	case flows.KindConfiguration, flows.KindNetBox:
		return auth.CapConfigure
	case flows.KindInspection, flows.KindDeepAnalysis:
		return auth.CapDiagnose
	}
	return auth.CapRead
}

func writeEffecting(kind string) bool {
	return kind == flows.KindConfiguration || kind == flows.KindNetBox
}
