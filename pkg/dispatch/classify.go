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

package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/olavlabs/olav/pkg/device"
	"github.com/olavlabs/olav/pkg/llm"
	"github.com/olavlabs/olav/pkg/tool"
	"github.com/olavlabs/olav/pkg/workflow/flows"
)

// KindNonNetwork labels requests outside network operations.
const KindNonNetwork = "non_network"

// classification is the parsed classifier output.
type classification struct {
	Kind       string
	Confidence float64
	Scope      string
}

var classifierKinds = []string{
	flows.KindQuickQuery,
	flows.KindInspection,
	flows.KindDeepAnalysis,
	flows.KindConfiguration,
	flows.KindNetBox,
	KindNonNetwork,
}

type classifyArgs struct {
	Text string `json:"text" jsonschema:"description=The operator request to classify"`
}

// NewClassifyIntentTool builds the intent classifier. With a model the
// classification is delegated; without one a keyword heuristic decides.
// Device names found in the text become the suggested scope either way.
func NewClassifyIntentTool(chat llm.ChatClient, inv device.Inventory) *tool.Func {
	return &tool.Func{
		Def: tool.Definition{
			Name:        "classify_intent",
			Version:     "1",
			DisplayName: "Classify intent",
			Description: "Classifies an operator request into a workflow kind with a confidence score.",
			Params:      tool.ReflectParams(&classifyArgs{}),
			SideEffect:  tool.SideEffectRead,
		},
		Fn: func(ctx context.Context, raw map[string]any) (*tool.Result, error) {
			var args classifyArgs
			if err := tool.DecodeArguments(raw, &args); err != nil {
				return nil, err
			}

			result := classifyHeuristic(args.Text)
			if chat != nil {
				if modelled, ok := classifyWithModel(ctx, chat, args.Text); ok {
					result = modelled
				}
			}
			result.Scope = extractScope(ctx, inv, args.Text)

			return &tool.Result{
				Success: true,
				Content: map[string]any{
					"kind":       result.Kind,
					"confidence": result.Confidence,
					"scope":      result.Scope,
				},
			}, nil
		},
	}
}

func classifyWithModel(ctx context.Context, chat llm.ChatClient, text string) (classification, bool) {
	resp, err := chat.Generate(ctx, &llm.GenerateRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: fmt.Sprintf(
				"Classify the network operator request into exactly one of: %s. Respond with `<kind> <confidence>` where confidence is 0.0-1.0.",
				strings.Join(classifierKinds, ", "))},
			{Role: llm.RoleUser, Content: text},
		},
	})
	if err != nil {
		return classification{}, false
	}

	fields := strings.Fields(strings.TrimSpace(resp.Text))
	if len(fields) == 0 {
		return classification{}, false
	}
	kind := strings.ToLower(fields[0])
	if !validKind(kind) {
		return classification{}, false
	}
	confidence := 0.5
	if len(fields) > 1 {
		if parsed, err := strconv.ParseFloat(fields[1], 64); err == nil && parsed >= 0 && parsed <= 1 {
			confidence = parsed
		}
	}
	return classification{Kind: kind, Confidence: confidence}, true
}

func validKind(kind string) bool {
	for _, k := range classifierKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// keyword tables for the model-free fallback, ordered least privileged
// first. Matches score by keyword length so specific phrases outweigh
// generic words.
var heuristicRules = []struct {
	kind       string
	confidence float64
	keywords   []string
}{
	{flows.KindQuickQuery, 0.85, []string{"show", "display", "check", "status", "get ", "list", "ping", "traceroute", "bgp", "ospf", "interface", "route", "vlan"}},
	{flows.KindDeepAnalysis, 0.7, []string{"why", "root cause", "investigate", "deep dive", "flapping", "degraded", "intermittent"}},
	{flows.KindInspection, 0.75, []string{"inspect", "audit", "back up", "backup", "health check", "compliance"}},
	{flows.KindNetBox, 0.8, []string{"netbox", "inventory", "source of truth"}},
	{flows.KindConfiguration, 0.75, []string{"configure", "config ", "shut", "no shut", "set ", "apply", "enable", "disable", "push", "rollback", "mtu"}},
}

// classifyHeuristic picks the highest-scoring kind. Escalating past an
// earlier rule requires a strictly better score, so a request that
// pulls equally toward a read flow and a write flow lands on the
// least-privileged one.
func classifyHeuristic(text string) classification {
	lowered := " " + strings.ToLower(text) + " "
	best := classification{Kind: KindNonNetwork, Confidence: 0.9}
	bestScore := 0
	for _, rule := range heuristicRules {
		score := 0
		for _, keyword := range rule.keywords {
			if strings.Contains(lowered, keyword) {
				score += len(keyword)
			}
		}
		if score > bestScore {
			best = classification{Kind: rule.kind, Confidence: rule.confidence}
			bestScore = score
		}
	}
	return best
}

// extractScope pulls an explicit filter expression or known device
// names out of the request text.
func extractScope(ctx context.Context, inv device.Inventory, text string) string {
	if inv == nil {
		return ""
	}

	var parts []string
	for _, field := range strings.Fields(text) {
		cleaned := strings.Trim(field, ",.;:!?")
		lowered := strings.ToLower(cleaned)
		if strings.HasPrefix(lowered, "group:") ||
			strings.HasPrefix(lowered, "role:") ||
			strings.HasPrefix(lowered, "site:") {
			parts = append(parts, lowered)
			continue
		}
		if _, err := inv.Get(ctx, cleaned); err == nil {
			parts = append(parts, cleaned)
		}
	}
	return strings.Join(parts, ",")
}
