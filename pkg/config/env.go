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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp // ${VAR:-default}
	braced      *regexp.Regexp // ${VAR}
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
}

// ExpandEnvVars expands ${VAR:-default} and ${VAR} references in a string.
func ExpandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// LoadEnvFiles loads environment variables from .env files.
// Priority: .env.local (highest) → .env → system environment (lowest).
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overlays recognized environment variables onto the config.
// Called after file loading so the environment wins over the file.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("MASTER_TOKEN"); v != "" {
		c.Auth.MasterToken = v
	}

	intVars := []struct {
		name   string
		target *int
	}{
		{"SESSION_TTL_HOURS", &c.Auth.SessionTTLHours},
		{"FAN_OUT_MAX_CONCURRENCY", &c.FanOut.MaxConcurrency},
		{"JOB_WORKERS", &c.Jobs.Workers},
		{"DEVICE_TIMEOUT_SECONDS", &c.FanOut.DeviceTimeoutSeconds},
		{"TOOL_TIMEOUT_SECONDS", &c.Tools.TimeoutSeconds},
		{"STREAM_BUFFER_EVENTS", &c.Stream.BufferEvents},
		{"DEEPDIVE_MAX_DEPTH", &c.DeepDive.MaxDepth},
		{"DEEPDIVE_MAX_FANOUT", &c.DeepDive.MaxFanOut},
	}
	for _, iv := range intVars {
		v := os.Getenv(iv.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", iv.name, v)
		}
		*iv.target = parsed
	}

	if v := os.Getenv("GUARD_MODE_ENABLED"); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.Dispatch.GuardModeEnabled = true
		case "0", "false", "no", "off":
			c.Dispatch.GuardModeEnabled = false
		default:
			return fmt.Errorf("invalid GUARD_MODE_ENABLED: %q", v)
		}
	}

	return nil
}
