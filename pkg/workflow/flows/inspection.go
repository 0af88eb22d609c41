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
	"strings"
	"sync/atomic"

	"github.com/olavlabs/olav/pkg/device"
	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/tool"
	"github.com/olavlabs/olav/pkg/workflow"
)

// State keys produced by the inspection flow and consumed by the job
// layer.
const (
	KeyReportMarkdown = "report_markdown"
	KeyReportSummary  = "report_summary"
)

// deviceCheck is one device's evaluated probe result.
type deviceCheck struct {
	Device  string
	Status  device.OutcomeStatus
	Passed  bool
	Details string
}

// Inspection is the batch audit flow behind inspection jobs:
// enumerate scope → parallel probe → evaluate criteria → render report.
// Read-only; progress is published per completed device.
func Inspection(opts Options) *workflow.Definition {
	return &workflow.Definition{
		Name:  KindInspection,
		Start: "enumerate",
		Nodes: map[string]*workflow.Node{
			"enumerate": {Name: "enumerate", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				profile, ok := opts.profile(st.String(KeyInspectionID))
				if !ok {
					return nil, fault.New(fault.NotFound,
						"inspection profile %q is not configured", st.String(KeyInspectionID))
				}
				scope, err := device.ParseScope(profile.Scope)
				if err != nil {
					return nil, err
				}
				devices, err := opts.Inventory.Resolve(ctx, scope)
				if err != nil {
					return nil, err
				}

				names := make([]any, 0, len(devices))
				for _, d := range devices {
					names = append(names, d.Name)
				}
				nc.Thinking(ctx, stream.StepHypothesis,
					fmt.Sprintf("Inspection %q covers %d device(s).", profile.Name, len(devices)))
				return &workflow.NodeResult{Delta: workflow.State{
					"devices": names,
					workflow.KeyProgress: map[string]any{
						"completed": 0,
						"total":     len(devices),
					},
				}}, nil
			}},
			"probe": {Name: "probe", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				profile, ok := opts.profile(st.String(KeyInspectionID))
				if !ok {
					return nil, fault.New(fault.NotFound, "inspection profile disappeared mid-run")
				}
				scope, err := device.ParseScope(profile.Scope)
				if err != nil {
					return nil, err
				}
				devices, err := opts.Inventory.Resolve(ctx, scope)
				if err != nil {
					return nil, err
				}

				total := len(devices)
				var completed atomic.Int64
				outcomes := opts.Runner.Execute(ctx, devices, func(ctx context.Context, d device.Device) (string, error) {
					var sb strings.Builder
					var runErr error
					for _, command := range profile.Commands {
						output, err := opts.Adapter.Run(ctx, d, command)
						if err != nil {
							runErr = err
							break
						}
						fmt.Fprintf(&sb, "$ %s\n%s\n", command, output)
					}
					done := int(completed.Add(1))
					if opts.Progress != nil {
						opts.Progress.Publish(nc.Thread.ID, done, total)
					}
					return sb.String(), runErr
				}, false)

				checks := evaluateOutcomes(device.SortedOutcomes(outcomes), profile.Criteria)
				passed := 0
				for _, c := range checks {
					if c.Passed {
						passed++
					}
				}
				nc.Thinking(ctx, stream.StepVerification,
					fmt.Sprintf("%d of %d device(s) passed all criteria.", passed, total))

				encoded := make([]any, 0, len(checks))
				for _, c := range checks {
					encoded = append(encoded, map[string]any{
						"device":  c.Device,
						"status":  string(c.Status),
						"passed":  c.Passed,
						"details": c.Details,
					})
				}
				return &workflow.NodeResult{Delta: workflow.State{
					"checks": encoded,
					workflow.KeyProgress: map[string]any{
						"completed": total,
						"total":     total,
					},
				}}, nil
			}},
			"render": {Name: "render", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				profile, _ := opts.profile(st.String(KeyInspectionID))
				checks, _ := st["checks"].([]any)
				return &workflow.NodeResult{
					Calls: []*tool.Call{tool.NewCall("generate_report", map[string]any{
						"profile_name": profile.Name,
						"checks":       checks,
					})},
				}, nil
			}},
			"publish": {Name: "publish", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				report, ok := lastCallContent(st, "generate_report")
				if !ok {
					return nil, fault.New(fault.Internal, "report generation produced no output")
				}
				markdown, _ := report["content"].(string)
				summary, _ := report["summary"].(string)
				nc.Token(ctx, summary)
				return &workflow.NodeResult{Delta: workflow.State{
					KeyReportMarkdown: markdown,
					KeyReportSummary:  summary,
				}}, nil
			}},
		},
		Edges: []workflow.Edge{
			{From: "enumerate", To: "probe"},
			{From: "probe", To: "render"},
			{From: "render", To: "publish"},
		},
		Terminal: map[string]bool{"publish": true},
	}
}

// evaluateOutcomes applies the profile criteria to each probe output.
// A device passes when it responded and every criterion substring is
// present; unreachable and timed-out devices fail with their status.
func evaluateOutcomes(outcomes []device.Outcome, criteria []string) []deviceCheck {
	checks := make([]deviceCheck, 0, len(outcomes))
	for _, o := range outcomes {
		check := deviceCheck{Device: o.Device, Status: o.Status}
		if o.Status != device.OutcomeOK {
			check.Details = o.Error
			checks = append(checks, check)
			continue
		}

		var missing []string
		for _, criterion := range criteria {
			if !strings.Contains(o.Output, criterion) {
				missing = append(missing, criterion)
			}
		}
		check.Passed = len(missing) == 0
		if len(missing) > 0 {
			check.Details = "missing: " + strings.Join(missing, ", ")
		}
		checks = append(checks, check)
	}
	return checks
}

