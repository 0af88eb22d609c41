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
	"fmt"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/llm"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/thread"
	"github.com/olavlabs/olav/pkg/tool"
	"github.com/olavlabs/olav/pkg/workflow"
)

// DeviceExecution is the write-effecting configuration flow:
// plan → approval interrupt → apply → verify. The interrupt fires on
// the apply_config call, before any device is touched.
func DeviceExecution(opts Options) *workflow.Definition {
	return &workflow.Definition{
		Name:  KindConfiguration,
		Start: "plan",
		Nodes: map[string]*workflow.Node{
			"plan": {Name: "plan", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				nc.Thinking(ctx, stream.StepReasoning,
					"Drafting the change plan before anything is sent to a device.")
				return &workflow.NodeResult{
					Calls: []*tool.Call{tool.NewCall("plan_config", map[string]any{
						"scope":  st.String(KeyScope),
						"intent": st.String(KeyUserMessage),
					})},
				}, nil
			}},
			"apply": {Name: "apply", Interruptible: true, Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				plan, ok := lastCallContent(st, "plan_config")
				if !ok {
					return nil, fault.New(fault.Internal, "no change plan recorded")
				}
				commands := stringsFromAny(plan["commands"])
				devices := stringsFromAny(plan["devices"])
				if len(commands) == 0 {
					return nil, fault.New(fault.BadArguments, "the change plan is empty")
				}
				risk, _ := plan["risk_level"].(string)

				call := tool.NewCall("apply_config", map[string]any{
					"scope":    st.String(KeyScope),
					"commands": commands,
				})
				return &workflow.NodeResult{
					Delta: workflow.State{
						"risk_level":     risk,
						"target_devices": toAny(devices),
					},
					Calls: []*tool.Call{call},
					Interrupts: map[string]*thread.InterruptRequest{
						call.ID: {
							CallID:    call.ID,
							Message:   fmt.Sprintf("Apply %d command(s) to %d device(s)?", len(commands), len(devices)),
							RiskLevel: thread.RiskLevel(risk),
							ExecutionPlan: thread.ExecutionPlan{
								Devices:   devices,
								Operation: "apply_config",
								Commands:  commands,
							},
							AllowedDecisions: []thread.Decision{
								thread.DecisionApprove, thread.DecisionEdit, thread.DecisionReject,
							},
						},
					},
				}, nil
			}},
			"verify": {Name: "verify", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				summary := applySummary(st)
				nc.Token(ctx, summary)
				nc.Thread.Append(llm.RoleAssistant, summary)
				return &workflow.NodeResult{Delta: workflow.State{workflow.KeyProgress: "done"}}, nil
			}},
		},
		Edges: []workflow.Edge{
			{From: "plan", To: "apply"},
			{From: "apply", To: "verify"},
		},
		Terminal: map[string]bool{"verify": true},
	}
}

func applySummary(st workflow.State) string {
	content, ok := lastCallContent(st, "apply_config")
	if !ok {
		return "The change was not applied."
	}
	failed := intFromAny(content["failed"])
	total := intFromAny(content["total"])
	if failed == 0 {
		return fmt.Sprintf("Change applied to all %d device(s).", total)
	}
	return fmt.Sprintf("Change applied with failures: %d of %d device(s) failed.", failed, total)
}

func intFromAny(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func toAny(list []string) []any {
	out := make([]any, 0, len(list))
	for _, s := range list {
		out = append(out, s)
	}
	return out
}

// NetBoxManagement reconciles the running inventory with its source of
// truth: diff → approval interrupt → apply.
func NetBoxManagement(opts Options) *workflow.Definition {
	return &workflow.Definition{
		Name:  KindNetBox,
		Start: "diff",
		Nodes: map[string]*workflow.Node{
			"diff": {Name: "diff", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				nc.Thinking(ctx, stream.StepVerification,
					"Comparing the running inventory against the source of truth.")
				return &workflow.NodeResult{
					Calls: []*tool.Call{tool.NewCall("netbox_diff", map[string]any{
						"scope": st.String(KeyScope),
					})},
				}, nil
			}},
			"apply": {Name: "apply", Interruptible: true, Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				diff, ok := lastCallContent(st, "netbox_diff")
				if !ok {
					return nil, fault.New(fault.Internal, "no inventory diff recorded")
				}
				if inSync, _ := diff["in_sync"].(bool); inSync {
					return &workflow.NodeResult{Delta: workflow.State{"in_sync": true}}, nil
				}

				changes, _ := diff["changes"].([]any)
				rendered := stringsFromAny(diff["rendered"])
				call := tool.NewCall("netbox_apply", map[string]any{"changes": changes})
				return &workflow.NodeResult{
					Delta: workflow.State{"in_sync": false},
					Calls: []*tool.Call{call},
					Interrupts: map[string]*thread.InterruptRequest{
						call.ID: {
							CallID:    call.ID,
							Message:   fmt.Sprintf("Apply %d inventory change(s)?", len(changes)),
							RiskLevel: thread.RiskMedium,
							ExecutionPlan: thread.ExecutionPlan{
								Operation: "netbox_apply",
								Commands:  rendered,
							},
							AllowedDecisions: []thread.Decision{
								thread.DecisionApprove, thread.DecisionReject,
							},
						},
					},
				}, nil
			}},
			"finalize": {Name: "finalize", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				summary := "Inventory is in sync with the source of truth."
				if inSync, _ := st["in_sync"].(bool); !inSync {
					if content, ok := lastCallContent(st, "netbox_apply"); ok {
						summary = fmt.Sprintf("Applied %d inventory change(s).", intFromAny(content["applied"]))
					}
				}
				nc.Token(ctx, summary)
				nc.Thread.Append(llm.RoleAssistant, summary)
				return nil, nil
			}},
		},
		Edges: []workflow.Edge{
			{From: "diff", To: "apply"},
			{From: "apply", To: "finalize"},
		},
		Terminal: map[string]bool{"finalize": true},
	}
}
