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

// Package device implements the inventory, scope resolution and
// bounded fan-out execution layer.
package device

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/olavlabs/olav/pkg/config"
	"github.com/olavlabs/olav/pkg/fault"
)

// Device is the unit of fan-out.
type Device struct {
	Name     string   `json:"name"`
	Address  string   `json:"address"`
	Platform string   `json:"platform"`
	Group    string   `json:"group"`
	Role     string   `json:"role"`
	Site     string   `json:"site"`
	Tags     []string `json:"tags,omitempty"`
}

// Scope selects a finite device set, either by explicit names or by
// group:/role:/site: filters. Filters combine conjunctively.
type Scope struct {
	Names []string
	Group string
	Role  string
	Site  string
}

func (s Scope) Empty() bool {
	return len(s.Names) == 0 && s.Group == "" && s.Role == "" && s.Site == ""
}

// ParseScope parses a scope expression: a comma- or space-separated
// mix of device names and group:/role:/site: filters.
func ParseScope(expr string) (Scope, error) {
	var scope Scope
	fields := strings.FieldsFunc(expr, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	for _, field := range fields {
		switch {
		case strings.HasPrefix(field, "group:"):
			scope.Group = strings.TrimPrefix(field, "group:")
		case strings.HasPrefix(field, "role:"):
			scope.Role = strings.TrimPrefix(field, "role:")
		case strings.HasPrefix(field, "site:"):
			scope.Site = strings.TrimPrefix(field, "site:")
		default:
			scope.Names = append(scope.Names, field)
		}
	}
	if scope.Empty() {
		return scope, fault.New(fault.BadArguments, "empty device scope expression")
	}
	return scope, nil
}

// Inventory resolves scopes to devices.
type Inventory interface {
	// Resolve returns the devices matched by scope, sorted by name.
	// A scope matching nothing fails with EmptyScope.
	Resolve(ctx context.Context, scope Scope) ([]Device, error)

	Get(ctx context.Context, name string) (Device, error)
	List(ctx context.Context) ([]Device, error)
}

// StaticInventory is a config-file-backed inventory.
type StaticInventory struct {
	mu      sync.RWMutex
	devices map[string]Device
}

func NewStaticInventory(entries []config.DeviceEntry) *StaticInventory {
	devices := make(map[string]Device, len(entries))
	for _, e := range entries {
		devices[e.Name] = Device{
			Name:     e.Name,
			Address:  e.Address,
			Platform: e.Platform,
			Group:    e.Group,
			Role:     e.Role,
			Site:     e.Site,
			Tags:     e.Tags,
		}
	}
	return &StaticInventory{devices: devices}
}

// Reload swaps the inventory contents, used on config hot reload.
func (inv *StaticInventory) Reload(entries []config.DeviceEntry) {
	next := make(map[string]Device, len(entries))
	for _, e := range entries {
		next[e.Name] = Device{
			Name:     e.Name,
			Address:  e.Address,
			Platform: e.Platform,
			Group:    e.Group,
			Role:     e.Role,
			Site:     e.Site,
			Tags:     e.Tags,
		}
	}
	inv.mu.Lock()
	inv.devices = next
	inv.mu.Unlock()
}

func (inv *StaticInventory) Get(ctx context.Context, name string) (Device, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	device, ok := inv.devices[name]
	if !ok {
		return Device{}, fault.New(fault.NotFound, "device %q is not in the inventory", name)
	}
	return device, nil
}

func (inv *StaticInventory) List(ctx context.Context) ([]Device, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	devices := make([]Device, 0, len(inv.devices))
	for _, d := range inv.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}

func (inv *StaticInventory) Resolve(ctx context.Context, scope Scope) ([]Device, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var matched []Device
	if len(scope.Names) > 0 {
		for _, name := range scope.Names {
			device, ok := inv.devices[name]
			if !ok {
				return nil, fault.New(fault.NotFound, "device %q is not in the inventory", name)
			}
			if scopeFilterMatch(scope, device) {
				matched = append(matched, device)
			}
		}
	} else {
		for _, device := range inv.devices {
			if scopeFilterMatch(scope, device) {
				matched = append(matched, device)
			}
		}
	}

	if len(matched) == 0 {
		return nil, fault.New(fault.EmptyScope, "scope resolved to zero devices")
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return matched, nil
}

func scopeFilterMatch(scope Scope, d Device) bool {
	if scope.Group != "" && d.Group != scope.Group {
		return false
	}
	if scope.Role != "" && d.Role != scope.Role {
		return false
	}
	if scope.Site != "" && d.Site != scope.Site {
		return false
	}
	return true
}

var _ Inventory = (*StaticInventory)(nil)
