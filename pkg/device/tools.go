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

package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/llm"
	"github.com/olavlabs/olav/pkg/tool"
)

// readCommandVerbs are accepted as raw commands when no model is wired
// to select one.
var readCommandVerbs = []string{"show ", "display ", "get ", "ping ", "traceroute "}

type smartQueryArgs struct {
	Query string `json:"query" jsonschema:"description=Natural language question about device state"`
	Scope string `json:"scope" jsonschema:"description=Device scope: names or group:/role:/site: filters"`
}

// NewSmartQueryTool builds the read-only natural-language device query
// tool. The model selects one platform-appropriate command per
// platform present in the scope; without a model, the query itself is
// accepted when it already is a read command.
func NewSmartQueryTool(inv Inventory, adapter Adapter, runner *Runner, chat llm.ChatClient) *tool.Func {
	return &tool.Func{
		Def: tool.Definition{
			Name:        "smart_query",
			Version:     "1",
			DisplayName: "Smart device query",
			Description: "Answers a natural-language question by running a read-only command on the scoped devices.",
			Params:      tool.ReflectParams(&smartQueryArgs{}),
			SideEffect:  tool.SideEffectRead,
		},
		Fn: func(ctx context.Context, raw map[string]any) (*tool.Result, error) {
			var args smartQueryArgs
			if err := tool.DecodeArguments(raw, &args); err != nil {
				return nil, err
			}
			scope, err := ParseScope(args.Scope)
			if err != nil {
				return nil, err
			}
			devices, err := inv.Resolve(ctx, scope)
			if err != nil {
				return nil, err
			}

			commands, err := selectCommands(ctx, chat, args.Query, devices)
			if err != nil {
				return nil, err
			}

			outcomes := runner.Execute(ctx, devices, func(ctx context.Context, d Device) (string, error) {
				return adapter.Run(ctx, d, commands[d.Platform])
			}, false)

			return &tool.Result{
				Success: true,
				Content: map[string]any{
					"commands": commands,
					"outcomes": SortedOutcomes(outcomes),
				},
			}, nil
		},
	}
}

// selectCommands maps each platform in the device set to one read-only
// command answering the query.
func selectCommands(ctx context.Context, chat llm.ChatClient, query string, devices []Device) (map[string]string, error) {
	platforms := map[string]bool{}
	for _, d := range devices {
		platforms[d.Platform] = true
	}

	commands := make(map[string]string, len(platforms))
	for platform := range platforms {
		if isReadCommand(query) {
			commands[platform] = strings.TrimSpace(query)
			continue
		}
		if chat == nil {
			return nil, fault.New(fault.BadArguments,
				"no model configured: provide an explicit read command instead of %q", query)
		}
		resp, err := chat.Generate(ctx, &llm.GenerateRequest{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: "You translate operator questions into exactly one read-only CLI command for the given network platform. Respond with the command only."},
				{Role: llm.RoleUser, Content: fmt.Sprintf("Platform: %s\nQuestion: %s", platform, query)},
			},
		})
		if err != nil {
			return nil, fault.Wrap(fault.Transient, err, "command selection failed for platform %s", platform)
		}
		command := strings.TrimSpace(resp.Text)
		if !isReadCommand(command) {
			return nil, fault.New(fault.BadArguments,
				"model proposed a non-read command %q for platform %s", command, platform)
		}
		commands[platform] = command
	}
	return commands, nil
}

func isReadCommand(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, verb := range readCommandVerbs {
		if strings.HasPrefix(s, verb) {
			return true
		}
	}
	return false
}

type batchQueryArgs struct {
	Scope    string   `json:"scope" jsonschema:"description=Device scope: names or group:/role:/site: filters"`
	Commands []string `json:"commands" jsonschema:"description=Read-only commands run on every device in order"`
}

// NewBatchQueryTool builds the multi-command fan-out query tool.
func NewBatchQueryTool(inv Inventory, adapter Adapter, runner *Runner) *tool.Func {
	return &tool.Func{
		Def: tool.Definition{
			Name:        "batch_query",
			Version:     "1",
			DisplayName: "Batch device query",
			Description: "Runs a fixed command list on every device in scope and returns the per-device result map.",
			Params:      tool.ReflectParams(&batchQueryArgs{}),
			SideEffect:  tool.SideEffectRead,
		},
		Fn: func(ctx context.Context, raw map[string]any) (*tool.Result, error) {
			var args batchQueryArgs
			if err := tool.DecodeArguments(raw, &args); err != nil {
				return nil, err
			}
			if len(args.Commands) == 0 {
				return nil, fault.New(fault.BadArguments, "commands must not be empty")
			}
			for _, c := range args.Commands {
				if !isReadCommand(c) {
					return nil, fault.New(fault.BadArguments, "command %q is not read-only", c)
				}
			}
			scope, err := ParseScope(args.Scope)
			if err != nil {
				return nil, err
			}
			devices, err := inv.Resolve(ctx, scope)
			if err != nil {
				return nil, err
			}

			outcomes := runner.Execute(ctx, devices, func(ctx context.Context, d Device) (string, error) {
				var sb strings.Builder
				for _, command := range args.Commands {
					output, err := adapter.Run(ctx, d, command)
					if err != nil {
						return sb.String(), err
					}
					fmt.Fprintf(&sb, "$ %s\n%s\n", command, output)
				}
				return sb.String(), nil
			}, false)

			return &tool.Result{
				Success: true,
				Content: map[string]any{"outcomes": SortedOutcomes(outcomes)},
			}, nil
		},
	}
}

type planConfigArgs struct {
	Scope  string `json:"scope" jsonschema:"description=Device scope the change applies to"`
	Intent string `json:"intent" jsonschema:"description=Natural language description of the desired change"`
}

// NewPlanConfigTool builds the read-only change planner. It drafts the
// command sequence for a configuration change without touching any
// device; the apply step runs separately behind the approval gate.
func NewPlanConfigTool(inv Inventory, chat llm.ChatClient) *tool.Func {
	return &tool.Func{
		Def: tool.Definition{
			Name:        "plan_config",
			Version:     "1",
			DisplayName: "Plan configuration change",
			Description: "Drafts the per-platform command sequence for a configuration change. Never touches devices.",
			Params:      tool.ReflectParams(&planConfigArgs{}),
			SideEffect:  tool.SideEffectRead,
		},
		Fn: func(ctx context.Context, raw map[string]any) (*tool.Result, error) {
			var args planConfigArgs
			if err := tool.DecodeArguments(raw, &args); err != nil {
				return nil, err
			}
			scope, err := ParseScope(args.Scope)
			if err != nil {
				return nil, err
			}
			devices, err := inv.Resolve(ctx, scope)
			if err != nil {
				return nil, err
			}
			if chat == nil {
				return nil, fault.New(fault.BadArguments,
					"no model configured: configuration planning requires a model")
			}

			names := make([]string, 0, len(devices))
			platforms := map[string]bool{}
			for _, d := range devices {
				names = append(names, d.Name)
				platforms[d.Platform] = true
			}
			platformList := make([]string, 0, len(platforms))
			for p := range platforms {
				platformList = append(platformList, p)
			}

			resp, err := chat.Generate(ctx, &llm.GenerateRequest{
				Messages: []llm.Message{
					{Role: llm.RoleSystem, Content: "You draft network configuration command sequences. Respond with the exact commands, one per line, no commentary."},
					{Role: llm.RoleUser, Content: fmt.Sprintf("Platforms: %s\nDevices: %s\nChange: %s",
						strings.Join(platformList, ", "), strings.Join(names, ", "), args.Intent)},
				},
			})
			if err != nil {
				return nil, fault.Wrap(fault.Transient, err, "change planning failed")
			}

			var commands []string
			for _, line := range strings.Split(resp.Text, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					commands = append(commands, line)
				}
			}
			if len(commands) == 0 {
				return nil, fault.New(fault.BadArguments, "model produced an empty change plan")
			}

			return &tool.Result{
				Success: true,
				Content: map[string]any{
					"devices":    names,
					"commands":   commands,
					"risk_level": riskLevel(len(devices)),
				},
			}, nil
		},
	}
}

// riskLevel is a coarse blast-radius heuristic used in interrupt
// payloads.
func riskLevel(deviceCount int) string {
	switch {
	case deviceCount >= 10:
		return "high"
	case deviceCount >= 3:
		return "medium"
	default:
		return "low"
	}
}

type applyConfigArgs struct {
	Scope    string   `json:"scope" jsonschema:"description=Device scope the change applies to"`
	Commands []string `json:"commands" jsonschema:"description=Configuration commands run on every device in order"`
}

// NewApplyConfigTool builds the write-effecting config push tool. It
// always requires approval; the engine gates every call behind an
// interrupt before any device is touched.
func NewApplyConfigTool(inv Inventory, adapter Adapter, runner *Runner) *tool.Func {
	return &tool.Func{
		Def: tool.Definition{
			Name:             "apply_config",
			Version:          "1",
			DisplayName:      "Apply configuration change",
			Description:      "Pushes an approved command sequence to every device in scope.",
			Params:           tool.ReflectParams(&applyConfigArgs{}),
			SideEffect:       tool.SideEffectWrite,
			RequiresApproval: true,
		},
		Fn: func(ctx context.Context, raw map[string]any) (*tool.Result, error) {
			var args applyConfigArgs
			if err := tool.DecodeArguments(raw, &args); err != nil {
				return nil, err
			}
			if len(args.Commands) == 0 {
				return nil, fault.New(fault.BadArguments, "commands must not be empty")
			}
			scope, err := ParseScope(args.Scope)
			if err != nil {
				return nil, err
			}
			devices, err := inv.Resolve(ctx, scope)
			if err != nil {
				return nil, err
			}

			outcomes := runner.Execute(ctx, devices, func(ctx context.Context, d Device) (string, error) {
				var sb strings.Builder
				for _, command := range args.Commands {
					output, err := adapter.Run(ctx, d, command)
					if err != nil {
						return sb.String(), err
					}
					fmt.Fprintf(&sb, "$ %s\n%s\n", command, output)
				}
				return sb.String(), nil
			}, true)

			failed := 0
			for _, o := range outcomes {
				if o.Status != OutcomeOK {
					failed++
				}
			}
			return &tool.Result{
				Success: failed == 0,
				Content: map[string]any{
					"outcomes": SortedOutcomes(outcomes),
					"failed":   failed,
					"total":    len(devices),
				},
				Error: applyError(failed, len(devices)),
			}, nil
		},
	}
}

func applyError(failed, total int) string {
	if failed == 0 {
		return ""
	}
	return fmt.Sprintf("%d of %d devices failed", failed, total)
}
