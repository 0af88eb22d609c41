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

	"github.com/olavlabs/olav/pkg/fault"
)

// Adapter runs a single command on a single device. Implementations
// wrap platform drivers (SSH, NETCONF, HTTP APIs) and are injected by
// the host process.
//
// Error contract: Unreachable for connect failures, Transient for
// retriable I/O errors, Timeout when the adapter's own deadline fires.
type Adapter interface {
	Run(ctx context.Context, device Device, command string) (string, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, device Device, command string) (string, error)

func (f AdapterFunc) Run(ctx context.Context, device Device, command string) (string, error) {
	return f(ctx, device, command)
}

// Unconfigured is the adapter used when no driver is wired; every
// device reports unreachable instead of the process failing to start.
func Unconfigured() Adapter {
	return AdapterFunc(func(ctx context.Context, device Device, command string) (string, error) {
		return "", fault.New(fault.Unreachable, "no device adapter configured")
	})
}
