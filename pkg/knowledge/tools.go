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

package knowledge

import (
	"context"
	"log/slog"

	"github.com/olavlabs/olav/pkg/tool"
)

const defaultTopK = 5

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=Natural language phrase to search for"`
}

// searchTool wraps a Source as a read-only tool. A source failure is
// logged and reported as an empty result set so retrieval never aborts
// the calling workflow.
func searchTool(name, displayName, description string, source Source) *tool.Func {
	return &tool.Func{
		Def: tool.Definition{
			Name:        name,
			Version:     "1",
			DisplayName: displayName,
			Description: description,
			Params:      tool.ReflectParams(&searchArgs{}),
			SideEffect:  tool.SideEffectRead,
		},
		Fn: func(ctx context.Context, raw map[string]any) (*tool.Result, error) {
			var args searchArgs
			if err := tool.DecodeArguments(raw, &args); err != nil {
				return nil, err
			}

			var snippets []Snippet
			if source != nil {
				found, err := source.Search(ctx, args.Query, defaultTopK)
				if err != nil {
					slog.Warn("knowledge source unavailable, proceeding without retrieval",
						"source", source.Name(), "error", err)
				} else {
					snippets = found
				}
			}

			encoded := make([]any, 0, len(snippets))
			for _, s := range snippets {
				encoded = append(encoded, map[string]any{
					"id":      s.ID,
					"content": s.Content,
					"score":   s.Score,
					"source":  s.Source,
				})
			}
			return &tool.Result{
				Success: true,
				Content: map[string]any{"snippets": encoded},
			}, nil
		},
	}
}

// NewSchemaSearchTool exposes the schema index to workflows.
func NewSchemaSearchTool(index Source) *tool.Func {
	return searchTool("schema_search", "Schema search",
		"Finds device data tables and fields matching a natural-language phrase.", index)
}

// NewMemoryRecallTool exposes episodic memory to workflows.
func NewMemoryRecallTool(memory Source) *tool.Func {
	return searchTool("memory_recall", "Memory recall",
		"Recalls prior successful workflow traces similar to the current request.", memory)
}
