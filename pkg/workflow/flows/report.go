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
	"time"

	"github.com/olavlabs/olav/pkg/device"
	"github.com/olavlabs/olav/pkg/tool"
)

// NewGenerateReportTool renders per-device check results into the
// markdown report persisted by the job layer.
func NewGenerateReportTool() *tool.Func {
	return &tool.Func{
		Def: tool.Definition{
			Name:        "generate_report",
			Version:     "1",
			DisplayName: "Report generator",
			Description: "Renders inspection check results into a markdown report with a one-line summary.",
			Params: []tool.Param{
				{Name: "profile_name", Type: "string", Description: "Inspection profile name", Required: true},
				{Name: "checks", Type: "array", Description: "Per-device check results", Required: true},
			},
			SideEffect: tool.SideEffectRead,
		},
		Fn: func(ctx context.Context, raw map[string]any) (*tool.Result, error) {
			profileName, _ := raw["profile_name"].(string)
			checks, _ := raw["checks"].([]any)

			markdown, summary := renderReport(profileName, checks)
			return &tool.Result{
				Success: true,
				Content: map[string]any{
					"content": markdown,
					"summary": summary,
				},
			}, nil
		},
	}
}

// renderReport produces the markdown report and its one-line summary.
func renderReport(profileName string, checks []any) (string, string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Inspection report: %s\n\n", profileName)
	fmt.Fprintf(&sb, "Run at %s over %d device(s).\n\n", time.Now().UTC().Format(time.RFC3339), len(checks))
	sb.WriteString("| Device | Status | Result | Details |\n|---|---|---|---|\n")

	passed, failed := 0, 0
	for _, raw := range checks {
		c, _ := raw.(map[string]any)
		deviceName, _ := c["device"].(string)
		status, _ := c["status"].(string)
		ok, _ := c["passed"].(bool)
		details, _ := c["details"].(string)

		result := "FAIL"
		if ok {
			result = "PASS"
			passed++
		} else {
			failed++
		}
		if status == string(device.OutcomeTimeout) || status == string(device.OutcomeUnreachable) {
			result = "UNREACHABLE"
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n", deviceName, status, result, details)
	}

	summary := fmt.Sprintf("Inspection %s: %d passed, %d failed of %d device(s).",
		profileName, passed, failed, len(checks))
	fmt.Fprintf(&sb, "\n%s\n", summary)
	return sb.String(), summary
}
