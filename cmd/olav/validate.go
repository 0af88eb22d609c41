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
)

type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return exitWith(exitMisconfigured, fmt.Errorf("validate requires --config"))
	}
	cfg, _, err := loadConfig(cli.Config)
	if err != nil {
		return exitWith(exitMisconfigured, err)
	}
	fmt.Printf("%s: ok (%d devices, %d inspection profiles)\n",
		cli.Config, len(cfg.Inventory), len(cfg.Inspections))
	return nil
}
