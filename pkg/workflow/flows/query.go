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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/olavlabs/olav/pkg/llm"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/tool"
	"github.com/olavlabs/olav/pkg/workflow"
)

// QueryDiagnostic is the read-only quick-query flow: form a hypothesis,
// optionally consult the knowledge sources, query the scoped devices,
// synthesize an answer. No interrupts.
func QueryDiagnostic(opts Options) *workflow.Definition {
	return &workflow.Definition{
		Name:  KindQuickQuery,
		Start: "hypothesize",
		Nodes: map[string]*workflow.Node{
			"hypothesize": {Name: "hypothesize", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				message := st.String(KeyUserMessage)
				nc.Thinking(ctx, stream.StepHypothesis,
					fmt.Sprintf("Operator asks: %q. Checking what device state answers this.", message))

				res := &workflow.NodeResult{Delta: workflow.State{workflow.KeyProgress: "analyzing"}}
				if opts.Knowledge {
					res.Calls = []*tool.Call{
						tool.NewCall("memory_recall", map[string]any{"query": message}),
						tool.NewCall("schema_search", map[string]any{"query": message}),
					}
				}
				return res, nil
			}},
			"query": {Name: "query", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				scope := st.String(KeyScope)
				if scope == "" {
					return &workflow.NodeResult{Delta: workflow.State{"device_queried": false}}, nil
				}
				return &workflow.NodeResult{
					Delta: workflow.State{"device_queried": true},
					Calls: []*tool.Call{tool.NewCall("smart_query", map[string]any{
						"query": st.String(KeyUserMessage),
						"scope": scope,
					})},
				}, nil
			}},
			"synthesize": {Name: "synthesize", Run: func(ctx context.Context, nc *workflow.NodeContext, st workflow.State) (*workflow.NodeResult, error) {
				answer := synthesizeAnswer(ctx, nc, opts.Chat, st)
				nc.Thread.Append(llm.RoleAssistant, answer)
				return &workflow.NodeResult{Delta: workflow.State{workflow.KeyProgress: "done"}}, nil
			}},
		},
		Edges: []workflow.Edge{
			{From: "hypothesize", To: "query"},
			{From: "query", To: "synthesize"},
		},
		Terminal: map[string]bool{"synthesize": true},
	}
}

// synthesizeAnswer streams the final answer. With a model, the device
// outcomes and retrieved snippets become context for a streamed
// completion; without one, the raw outcomes are rendered directly.
func synthesizeAnswer(ctx context.Context, nc *workflow.NodeContext, chat llm.ChatClient, st workflow.State) string {
	evidence := collectEvidence(st)

	if chat == nil {
		answer := evidence
		if answer == "" {
			answer = "No device data was gathered for this question."
		}
		nc.Token(ctx, answer)
		return answer
	}

	messages := nc.Thread.TrimmedHistory(8000)
	if evidence != "" {
		messages = append(messages, llm.Message{
			Role:    llm.RoleUser,
			Content: "Gathered evidence:\n" + evidence + "\nAnswer the original question from this evidence.",
		})
	}
	return streamCompletion(ctx, nc, chat, messages)
}

// streamCompletion streams model output as token events and returns the
// accumulated text. Model failure degrades to a plain error sentence
// rather than failing the flow.
func streamCompletion(ctx context.Context, nc *workflow.NodeContext, chat llm.ChatClient, messages []llm.Message) string {
	chunks, err := chat.GenerateStreaming(ctx, &llm.GenerateRequest{Messages: messages})
	if err != nil {
		fallback := "The model is unavailable; raw results are recorded on the thread."
		nc.Token(ctx, fallback)
		return fallback
	}

	var sb strings.Builder
	for chunk := range chunks {
		switch chunk.Type {
		case llm.ChunkTypeText:
			sb.WriteString(chunk.Text)
			nc.Token(ctx, chunk.Text)
		case llm.ChunkTypeThinking:
			nc.Thinking(ctx, stream.StepReasoning, chunk.Text)
		}
		if chunk.Err != nil {
			break
		}
	}
	return sb.String()
}

// collectEvidence renders the recorded call results into a compact
// plain-text block.
func collectEvidence(st workflow.State) string {
	var sb strings.Builder
	for _, name := range []string{"memory_recall", "schema_search", "smart_query", "batch_query"} {
		content, ok := lastCallContent(st, name)
		if !ok {
			continue
		}
		blob, err := json.Marshal(content)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s\n", name, blob)
	}
	return strings.TrimSpace(sb.String())
}
