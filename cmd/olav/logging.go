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
	"os"

	"github.com/olavlabs/olav/pkg/config"
	"github.com/olavlabs/olav/pkg/logger"
)

// initLogger configures the process-wide slog logger. CLI flags win
// over config file values. A configured log file stays open for the
// life of the process.
func initLogger(cli *CLI, cfg *config.Config) error {
	levelStr := cli.LogLevel
	if levelStr == "" {
		levelStr = cfg.Logger.Level
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return err
	}

	format := cli.LogFormat
	if format == "" {
		format = cfg.Logger.Format
	}

	path := cli.LogFile
	if path == "" {
		path = cfg.Logger.File
	}
	if path == "" {
		logger.Init(level, os.Stderr, format)
		return nil
	}

	file, _, err := logger.OpenLogFile(path)
	if err != nil {
		return err
	}
	logger.Init(level, file, format)
	return nil
}
