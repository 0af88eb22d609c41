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

// Package flows defines the built-in workflow graphs: quick query,
// device inspection, deep analysis, configuration change and inventory
// management. Each flow is a workflow.Definition wired to the shared
// tool catalogue and the collaborators passed in Options.
package flows

import (
	"strings"

	"github.com/olavlabs/olav/pkg/config"
	"github.com/olavlabs/olav/pkg/device"
	"github.com/olavlabs/olav/pkg/llm"
	"github.com/olavlabs/olav/pkg/tool"
	"github.com/olavlabs/olav/pkg/workflow"
)

// Workflow kind names, also the dispatcher's classification labels.
const (
	KindQuickQuery    = "quick_query"
	KindInspection    = "device_inspection"
	KindDeepAnalysis  = "deep_analysis"
	KindConfiguration = "configuration"
	KindNetBox        = "netbox"
)

// State keys set by the dispatcher before a flow starts.
const (
	KeyUserMessage  = "user_message"
	KeyScope        = "scope"
	KeyInspectionID = "inspection_id"
)

// ProgressSink receives per-device inspection progress. The job layer
// implements it to publish job progress.
type ProgressSink interface {
	Publish(threadID string, completed, total int)
}

// Options carries the collaborators the flows close over.
type Options struct {
	Chat      llm.ChatClient
	Inventory device.Inventory
	Adapter   device.Adapter
	Runner    *device.Runner
	Profiles  []config.InspectionProfile

	// Tools lets a flow invoke read tools itself. The deep-analysis
	// flow uses it to run a pass of sub-task queries concurrently;
	// without it the queries fall back to the engine's sequential
	// call loop.
	Tools *tool.Registry

	// Knowledge toggles the retrieval calls in the query flow; leave
	// false when schema_search / memory_recall are not registered.
	Knowledge bool

	// Deep-dive bounds.
	MaxDepth  int
	MaxFanout int

	Progress ProgressSink
}

func (o *Options) profile(id string) (config.InspectionProfile, bool) {
	for _, p := range o.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return config.InspectionProfile{}, false
}

// RegisterAll builds every flow and registers it in the catalog.
func RegisterAll(defs *workflow.Definitions, opts Options) error {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 3
	}
	if opts.MaxFanout <= 0 {
		opts.MaxFanout = 30
	}
	for _, def := range []*workflow.Definition{
		QueryDiagnostic(opts),
		DeviceExecution(opts),
		NetBoxManagement(opts),
		DeepDive(opts),
		Inspection(opts),
	} {
		if err := defs.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// lastCallContent finds the newest successful call of a tool in the
// state's call record. Entries are live *tool.Call values during a run
// and plain maps after a checkpoint round-trip.
func lastCallContent(st workflow.State, toolName string) (map[string]any, bool) {
	calls, _ := st[workflow.KeyToolCalls].([]any)
	for i := len(calls) - 1; i >= 0; i-- {
		switch c := calls[i].(type) {
		case *tool.Call:
			if c.ToolName != toolName || c.Result == nil || !c.Result.Success {
				continue
			}
			if content, ok := c.Result.Content.(map[string]any); ok {
				return content, true
			}
		case map[string]any:
			if name, _ := c["tool_name"].(string); name != toolName {
				continue
			}
			result, ok := c["result"].(map[string]any)
			if !ok {
				continue
			}
			if success, _ := result["success"].(bool); !success {
				continue
			}
			if content, ok := result["content"].(map[string]any); ok {
				return content, true
			}
		}
	}
	return nil, false
}

func stringsFromAny(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// firstLine trims a model response to its first non-empty line.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
