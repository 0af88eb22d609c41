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

package main

import (
	"fmt"
	"os"
)

const defaultConfigPath = "olav.yaml"

const starterConfig = `# OLAV configuration.
# Run "olav schema" for the full JSON Schema of this file.

server:
  host: 0.0.0.0
  port: 8080

auth:
  master_token: ${OLAV_MASTER_TOKEN}
  session_ttl_hours: 24

storage:
  driver: inmemory
  # driver: sqlite
  # dsn: olav.db

dispatch:
  guard_mode_enabled: true
  confidence_floor: 0.6

fan_out:
  max_concurrency: 10
  device_timeout_seconds: 30

jobs:
  workers: 4

observability:
  metrics_enabled: true

logger:
  level: info
  format: simple

inventory:
  - name: core-rtr-01
    address: 10.0.0.1
    platform: iosxr
    group: core

inspections:
  - id: daily-core
    name: Daily core audit
    scope: group:core
    commands:
      - show platform
      - show interfaces brief
    criteria:
      - no interface flaps in the last 24h
`

// InitCmd writes a starter configuration file. It refuses to
// overwrite an existing file and exits with code 99 in that case, so
// provisioning scripts can tell "already set up" from real failures.
type InitCmd struct {
	Path string `arg:"" optional:"" help:"Destination path." default:"olav.yaml"`
}

func (c *InitCmd) Run(cli *CLI) error {
	path := c.Path
	if path == "" {
		path = defaultConfigPath
	}

	if _, err := os.Stat(path); err == nil {
		return exitWith(exitAlreadyExists, fmt.Errorf("%s already exists", path))
	}

	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return exitWith(exitRuntimeFailure, fmt.Errorf("failed to write %s: %w", path, err))
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
