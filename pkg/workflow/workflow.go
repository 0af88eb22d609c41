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

// Package workflow implements the typed state-graph engine: sequential
// node execution with a checkpoint after every node, guarded edges,
// iteration bounds, cooperative cancellation and approval interrupts.
package workflow

import (
	"context"
	"fmt"

	"github.com/olavlabs/olav/pkg/auth"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/thread"
	"github.com/olavlabs/olav/pkg/tool"
)

// Reserved state keys present in every workflow's state.
const (
	KeyMessages       = "messages"
	KeyToolCalls      = "tool_calls"
	KeyIterationCount = "iteration_count"
	KeyProgress       = "progress"
)

// State is the workflow's working memory. Nodes receive the state and
// return a delta; deltas merge additively, overwriting existing keys.
type State map[string]any

func (s State) Clone() State {
	cp := make(State, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

func (s State) Merge(delta State) {
	for k, v := range delta {
		s[k] = v
	}
}

// Int reads an integer state value, tolerating the float64 that JSON
// decoding produces.
func (s State) Int(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// AppendToolCall records a finished or pending call in the state.
func (s State) AppendToolCall(call *tool.Call) {
	calls, _ := s[KeyToolCalls].([]any)
	s[KeyToolCalls] = append(calls, call)
}

// NewState seeds the reserved keys.
func NewState() State {
	return State{
		KeyMessages:       []any{},
		KeyToolCalls:      []any{},
		KeyIterationCount: 0,
	}
}

// NodeContext gives a node access to its thread and event stream.
type NodeContext struct {
	Thread   *thread.Thread
	Identity *auth.Identity
	emitter  *stream.Emitter
}

func (nc *NodeContext) Emit(ctx context.Context, ev stream.Event) {
	if nc.emitter != nil {
		nc.emitter.Emit(ctx, ev)
	}
}

func (nc *NodeContext) Token(ctx context.Context, content string) {
	nc.Emit(ctx, stream.Token(content))
}

func (nc *NodeContext) Thinking(ctx context.Context, step stream.ThinkingStep, content string) {
	nc.Emit(ctx, stream.Thinking(step, content))
}

// NodeResult is what a node returns: a state delta plus any tool calls
// the engine should drive.
type NodeResult struct {
	Delta State

	// Calls are invoked in order through the registry. A call whose
	// tool requires approval interrupts the thread before running.
	Calls []*tool.Call

	// Interrupts optionally customizes the interrupt payload per call
	// id; the engine builds a generic one otherwise.
	Interrupts map[string]*thread.InterruptRequest
}

type NodeFunc func(ctx context.Context, nc *NodeContext, st State) (*NodeResult, error)

// Node is one step of a workflow graph.
type Node struct {
	Name          string
	Run           NodeFunc
	Interruptible bool
}

// Edge connects two nodes, optionally guarded by a pure predicate over
// state. The first matching edge in declaration order wins.
type Edge struct {
	From string
	To   string
	When func(State) bool
}

// Definition is a compiled workflow graph.
type Definition struct {
	Name     string
	Start    string
	Nodes    map[string]*Node
	Edges    []Edge
	Terminal map[string]bool

	// MaxIterations bounds loops in the graph; the engine refuses
	// further node executions once the state's iteration_count passes
	// it.
	MaxIterations int
}

// Validate checks graph well-formedness: start and terminals exist,
// edges reference known nodes, every node is reachable from start.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow has no name")
	}
	if _, ok := d.Nodes[d.Start]; !ok {
		return fmt.Errorf("workflow %s: start node %q not defined", d.Name, d.Start)
	}
	if len(d.Terminal) == 0 {
		return fmt.Errorf("workflow %s: no terminal nodes", d.Name)
	}
	for name := range d.Terminal {
		if _, ok := d.Nodes[name]; !ok {
			return fmt.Errorf("workflow %s: terminal node %q not defined", d.Name, name)
		}
	}
	adjacent := make(map[string][]string)
	for _, e := range d.Edges {
		if _, ok := d.Nodes[e.From]; !ok {
			return fmt.Errorf("workflow %s: edge from unknown node %q", d.Name, e.From)
		}
		if _, ok := d.Nodes[e.To]; !ok {
			return fmt.Errorf("workflow %s: edge to unknown node %q", d.Name, e.To)
		}
		adjacent[e.From] = append(adjacent[e.From], e.To)
	}

	reachable := map[string]bool{d.Start: true}
	frontier := []string{d.Start}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, next := range adjacent[current] {
			if !reachable[next] {
				reachable[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	for name := range d.Nodes {
		if !reachable[name] {
			return fmt.Errorf("workflow %s: node %q unreachable from start", d.Name, name)
		}
	}
	return nil
}

// next resolves the outgoing edge of a node against the state.
func (d *Definition) next(from string, st State) (string, bool) {
	for _, e := range d.Edges {
		if e.From != from {
			continue
		}
		if e.When == nil || e.When(st) {
			return e.To, true
		}
	}
	return "", false
}
