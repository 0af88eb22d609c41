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

	"golang.org/x/sync/errgroup"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/llm"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/tool"
	"github.com/olavlabs/olav/pkg/workflow"
)

// DeepDive is the expert analysis flow: decompose the question into
// sub-tasks, investigate them in bounded passes, synthesize. The pass
// count feeds the engine's iteration bound; exceeding it fails the
// thread with IterationLimitExceeded.
func DeepDive(opts Options) *workflow.Definition {
	return &workflow.Definition{
		Name:  KindDeepAnalysis,
		Start: "decompose",
		Nodes: map[string]*workflow.Node{
			"decompose": {Name: "decompose", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				message := st.String(KeyUserMessage)
				tasks := decomposeTasks(ctx, opts.Chat, message, opts.MaxFanout)
				nc.Thinking(ctx, stream.StepHypothesis,
					fmt.Sprintf("Breaking the investigation into %d sub-task(s).", len(tasks)))
				return &workflow.NodeResult{Delta: workflow.State{
					"tasks":                    toAny(tasks),
					workflow.KeyIterationCount: 0,
				}}, nil
			}},
			"investigate": {Name: "investigate", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				pass := st.Int(workflow.KeyIterationCount)
				if pass >= opts.MaxDepth {
					// Out of budget; increment so the engine fails the
					// thread at the next boundary.
					return &workflow.NodeResult{Delta: workflow.State{workflow.KeyIterationCount: pass + 1}}, nil
				}

				tasks := stringsFromAny(st["tasks"])
				batch := tasks
				if len(batch) > opts.MaxFanout {
					batch = batch[:opts.MaxFanout]
				}

				res := &workflow.NodeResult{Delta: workflow.State{
					"tasks":                    toAny(tasks[len(batch):]),
					workflow.KeyIterationCount: pass + 1,
				}}
				scope := st.String(KeyScope)
				if scope == "" {
					for _, task := range batch {
						nc.Thinking(ctx, stream.StepVerification, "Investigating: "+task)
					}
					return res, nil
				}
				if opts.Tools == nil {
					for _, task := range batch {
						nc.Thinking(ctx, stream.StepVerification, "Investigating: "+task)
						res.Calls = append(res.Calls, tool.NewCall("smart_query", map[string]any{
							"query": task,
							"scope": scope,
						}))
					}
					return res, nil
				}

				// Sub-tasks are independent reads, so the pass runs them
				// concurrently up to the fan-out limit.
				displayName := "smart_query"
				if h, err := opts.Tools.Get("smart_query"); err == nil {
					displayName = h.Definition().DisplayName
				}
				calls := make([]*tool.Call, len(batch))
				soft := make([]error, len(batch))
				g, gctx := errgroup.WithContext(ctx)
				g.SetLimit(opts.MaxFanout)
				for i, task := range batch {
					nc.Thinking(ctx, stream.StepVerification, "Investigating: "+task)
					call := tool.NewCall("smart_query", map[string]any{
						"query": task,
						"scope": scope,
					})
					calls[i] = call
					g.Go(func() error {
						nc.Emit(gctx, stream.ToolStart(call, displayName))
						result, execErr := opts.Tools.Invoke(gctx, call)
						nc.Emit(gctx, stream.ToolEnd(call, callSummary(result)))
						if execErr != nil {
							if !fault.KindOf(execErr).Recoverable() {
								return execErr
							}
							nc.Emit(gctx, stream.ErrorEvent(execErr))
							soft[i] = execErr
						}
						return nil
					})
				}
				err := g.Wait()
				for _, call := range calls {
					st.AppendToolCall(call)
				}
				for _, softErr := range soft {
					if softErr != nil {
						res.Delta["last_error"] = softErr.Error()
					}
				}
				return res, err
			}},
			"synthesize": {Name: "synthesize", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				nc.Thinking(ctx, stream.StepConclusion, "Combining sub-task findings.")
				answer := synthesizeAnswer(ctx, nc, opts.Chat, st)
				nc.Thread.Append(llm.RoleAssistant, answer)
				return nil, nil
			}},
		},
		Edges: []workflow.Edge{
			{From: "decompose", To: "investigate"},
			{From: "investigate", To: "synthesize", When: func(st workflow.State) bool {
				return len(stringsFromAny(st["tasks"])) == 0
			}},
			{From: "investigate", To: "investigate"},
		},
		Terminal:      map[string]bool{"synthesize": true},
		MaxIterations: opts.MaxDepth,
	}
}

func callSummary(result *tool.Result) string {
	if result == nil {
		return ""
	}
	if !result.Success {
		return result.Error
	}
	if s, ok := result.Content.(string); ok && len(s) <= 120 {
		return s
	}
	return "ok"
}

// decomposeTasks asks the model to split the question; without a model
// the question is one task.
func decomposeTasks(ctx context.Context, chat llm.ChatClient, message string, maxTasks int) []string {
	if chat == nil {
		return []string{message}
	}
	resp, err := chat.Generate(ctx, &llm.GenerateRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Split the network investigation into independent sub-questions, one per line. No numbering, no commentary."},
			{Role: llm.RoleUser, Content: message},
		},
	})
	if err != nil {
		return []string{message}
	}

	var tasks []string
	for _, line := range strings.Split(resp.Text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			tasks = append(tasks, line)
		}
	}
	if len(tasks) == 0 {
		return []string{message}
	}
	if len(tasks) > maxTasks {
		tasks = tasks[:maxTasks]
	}
	return tasks
}
