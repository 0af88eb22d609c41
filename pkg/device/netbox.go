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
	"sort"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/tool"
)

// SourceOfTruth is the external inventory system (NetBox or similar)
// that owns the intended state of the device fleet.
type SourceOfTruth interface {
	Fetch(ctx context.Context, scope Scope) ([]Device, error)
	Apply(ctx context.Context, changes []InventoryChange) error
}

// InventoryChange is one field-level divergence between the running
// inventory and the source of truth.
type InventoryChange struct {
	Action string `json:"action"` // add, remove or update
	Device string `json:"device"`
	Field  string `json:"field,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

func (c InventoryChange) String() string {
	switch c.Action {
	case "add":
		return fmt.Sprintf("add %s", c.Device)
	case "remove":
		return fmt.Sprintf("remove %s", c.Device)
	default:
		return fmt.Sprintf("update %s.%s: %s -> %s", c.Device, c.Field, c.From, c.To)
	}
}

// Diff compares the running inventory against the source of truth for
// a scope. Changes describe how to update the source of truth so it
// matches the running inventory.
func Diff(running []Device, intended []Device) []InventoryChange {
	byName := make(map[string]Device, len(intended))
	for _, d := range intended {
		byName[d.Name] = d
	}

	var changes []InventoryChange
	seen := make(map[string]bool, len(running))
	for _, d := range running {
		seen[d.Name] = true
		intended, ok := byName[d.Name]
		if !ok {
			changes = append(changes, InventoryChange{Action: "add", Device: d.Name})
			continue
		}
		changes = append(changes, fieldDiffs(d, intended)...)
	}
	for _, d := range intended {
		if !seen[d.Name] {
			changes = append(changes, InventoryChange{Action: "remove", Device: d.Name})
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Device != changes[j].Device {
			return changes[i].Device < changes[j].Device
		}
		return changes[i].Field < changes[j].Field
	})
	return changes
}

func fieldDiffs(running, intended Device) []InventoryChange {
	fields := []struct {
		name     string
		running  string
		intended string
	}{
		{"address", running.Address, intended.Address},
		{"platform", running.Platform, intended.Platform},
		{"group", running.Group, intended.Group},
		{"role", running.Role, intended.Role},
		{"site", running.Site, intended.Site},
	}
	var changes []InventoryChange
	for _, f := range fields {
		if f.running != f.intended {
			changes = append(changes, InventoryChange{
				Action: "update",
				Device: running.Name,
				Field:  f.name,
				From:   f.intended,
				To:     f.running,
			})
		}
	}
	return changes
}

type netboxDiffArgs struct {
	Scope string `json:"scope" jsonschema:"description=Device scope to compare against the source of truth"`
}

// NewNetBoxDiffTool builds the read-only inventory diff tool.
func NewNetBoxDiffTool(inv Inventory, sot SourceOfTruth) *tool.Func {
	return &tool.Func{
		Def: tool.Definition{
			Name:        "netbox_diff",
			Version:     "1",
			DisplayName: "Inventory diff",
			Description: "Compares the running inventory against the source of truth and lists divergences.",
			Params:      tool.ReflectParams(&netboxDiffArgs{}),
			SideEffect:  tool.SideEffectRead,
		},
		Fn: func(ctx context.Context, raw map[string]any) (*tool.Result, error) {
			var args netboxDiffArgs
			if err := tool.DecodeArguments(raw, &args); err != nil {
				return nil, err
			}
			scope, err := ParseScope(args.Scope)
			if err != nil {
				return nil, err
			}
			running, err := inv.Resolve(ctx, scope)
			if err != nil {
				return nil, err
			}
			if sot == nil {
				return nil, fault.New(fault.BadArguments, "no inventory source of truth configured")
			}
			intended, err := sot.Fetch(ctx, scope)
			if err != nil {
				return nil, fault.Wrap(fault.Transient, err, "source of truth fetch failed")
			}

			changes := Diff(running, intended)
			rendered := make([]string, 0, len(changes))
			encoded := make([]any, 0, len(changes))
			for _, c := range changes {
				rendered = append(rendered, c.String())
				encoded = append(encoded, map[string]any{
					"action": c.Action,
					"device": c.Device,
					"field":  c.Field,
					"from":   c.From,
					"to":     c.To,
				})
			}
			return &tool.Result{
				Success: true,
				Content: map[string]any{
					"changes":  encoded,
					"rendered": rendered,
					"in_sync":  len(changes) == 0,
				},
			}, nil
		},
	}
}

type netboxApplyArgs struct {
	Changes []map[string]any `json:"changes" jsonschema:"description=Approved inventory changes to apply"`
}

// NewNetBoxApplyTool builds the write-effecting inventory mutation
// tool. Always approval-gated.
func NewNetBoxApplyTool(sot SourceOfTruth) *tool.Func {
	return &tool.Func{
		Def: tool.Definition{
			Name:             "netbox_apply",
			Version:          "1",
			DisplayName:      "Apply inventory changes",
			Description:      "Applies an approved change set to the inventory source of truth.",
			Params:           tool.ReflectParams(&netboxApplyArgs{}),
			SideEffect:       tool.SideEffectWrite,
			RequiresApproval: true,
		},
		Fn: func(ctx context.Context, raw map[string]any) (*tool.Result, error) {
			var args netboxApplyArgs
			if err := tool.DecodeArguments(raw, &args); err != nil {
				return nil, err
			}
			if len(args.Changes) == 0 {
				return nil, fault.New(fault.BadArguments, "changes must not be empty")
			}
			if sot == nil {
				return nil, fault.New(fault.BadArguments, "no inventory source of truth configured")
			}

			changes := make([]InventoryChange, 0, len(args.Changes))
			for _, c := range args.Changes {
				var change InventoryChange
				if err := tool.DecodeArguments(c, &change); err != nil {
					return nil, err
				}
				if change.Device == "" {
					return nil, fault.New(fault.BadArguments, "change is missing a device name")
				}
				changes = append(changes, change)
			}

			if err := sot.Apply(ctx, changes); err != nil {
				return nil, fault.Wrap(fault.Unreachable, err, "source of truth apply failed")
			}
			return &tool.Result{
				Success: true,
				Content: map[string]any{"applied": len(changes)},
			}, nil
		},
	}
}
