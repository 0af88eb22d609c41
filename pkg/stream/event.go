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

// Package stream implements the ordered per-thread event stream: a
// discriminated event union, a bounded-buffer emitter with a
// drop-tokens-first overflow policy, and a hub that lets multiple
// clients attach to one thread.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/thread"
	"github.com/olavlabs/olav/pkg/tool"
)

type Kind string

const (
	KindToken     Kind = "token"
	KindThinking  Kind = "thinking"
	KindToolStart Kind = "tool_start"
	KindToolEnd   Kind = "tool_end"
	KindInterrupt Kind = "interrupt"
	KindError     Kind = "error"
	KindDone      Kind = "done"
)

// ThinkingStep labels a reasoning-trace event.
type ThinkingStep string

const (
	StepHypothesis   ThinkingStep = "hypothesis"
	StepVerification ThinkingStep = "verification"
	StepConclusion   ThinkingStep = "conclusion"
	StepReasoning    ThinkingStep = "reasoning"
)

// Event is one element of a thread's event sequence. Exactly the
// fields of its kind are populated.
type Event struct {
	Kind Kind  `json:"kind"`
	Seq  int64 `json:"seq"`

	// token / thinking
	Content string       `json:"content,omitempty"`
	Step    ThinkingStep `json:"step,omitempty"`

	// tool_start / tool_end
	CallID      string         `json:"call_id,omitempty"`
	Name        string         `json:"name,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Success     *bool          `json:"success,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
	Summary     string         `json:"summary,omitempty"`

	// interrupt
	Interrupt *thread.InterruptRequest `json:"interrupt,omitempty"`

	// error
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	// done
	FinalStatus string `json:"final_status,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// critical events are never dropped under back-pressure.
func (e Event) critical() bool {
	switch e.Kind {
	case KindToolStart, KindToolEnd, KindInterrupt, KindError, KindDone:
		return true
	}
	return false
}

func Token(content string) Event {
	return Event{Kind: KindToken, Content: content}
}

func Thinking(step ThinkingStep, content string) Event {
	return Event{Kind: KindThinking, Step: step, Content: content}
}

func ToolStart(call *tool.Call, displayName string) Event {
	return Event{
		Kind:        KindToolStart,
		CallID:      call.ID,
		Name:        call.ToolName,
		DisplayName: displayName,
		Arguments:   call.Arguments,
	}
}

func ToolEnd(call *tool.Call, summary string) Event {
	success := call.Status == tool.CallStatusSucceeded
	ev := Event{
		Kind:    KindToolEnd,
		CallID:  call.ID,
		Name:    call.ToolName,
		Success: &success,
		Summary: summary,
	}
	if call.Result != nil {
		ev.DurationMs = call.Result.DurationMs
	}
	return ev
}

func InterruptEvent(ir *thread.InterruptRequest) Event {
	return Event{Kind: KindInterrupt, Interrupt: ir, CallID: ir.CallID}
}

func ErrorEvent(err error) Event {
	kind := fault.KindOf(err)
	return Event{
		Kind:        KindError,
		Code:        string(kind),
		Message:     err.Error(),
		Recoverable: kind.Recoverable(),
	}
}

func Done(finalStatus thread.Status) Event {
	return Event{Kind: KindDone, FinalStatus: string(finalStatus)}
}

// WriteSSE frames an event as a server-sent event.
func WriteSSE(w http.ResponseWriter, ev Event) error {
	blob, err := json.Marshal(ev)
	if err != nil {
		return fault.Internalf(err, "failed to encode stream event")
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// WriteNDJSON frames an event as one JSON line.
func WriteNDJSON(w http.ResponseWriter, ev Event) error {
	blob, err := json.Marshal(ev)
	if err != nil {
		return fault.Internalf(err, "failed to encode stream event")
	}
	if _, err := fmt.Fprintf(w, "%s\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
