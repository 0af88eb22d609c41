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

// Package config provides configuration types and loading for the OLAV
// orchestration core.
//
// Configuration sources, lowest priority first: built-in defaults, the YAML
// config file (with ${VAR:-default} expansion), environment variables, CLI
// flags. Every duration-like knob has a documented default matching the
// platform contract.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the OLAV server.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Dispatch  DispatchConfig  `yaml:"dispatch" json:"dispatch"`
	FanOut    FanOutConfig    `yaml:"fan_out" json:"fan_out"`
	Tools     ToolsConfig     `yaml:"tools" json:"tools"`
	Stream    StreamConfig    `yaml:"stream" json:"stream"`
	Jobs      JobsConfig      `yaml:"jobs" json:"jobs"`
	DeepDive  DeepDiveConfig  `yaml:"deep_dive" json:"deep_dive"`
	Knowledge KnowledgeConfig `yaml:"knowledge" json:"knowledge"`

	Inspections []InspectionProfile `yaml:"inspections" json:"inspections"`

	// Inventory is the static device inventory. Deployments that manage
	// inventory externally leave this empty and wire an inventory source
	// at startup.
	Inventory []DeviceEntry `yaml:"inventory" json:"inventory"`

	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Logger        LoggerConfig        `yaml:"logger" json:"logger"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	BaseURL string `yaml:"base_url" json:"base_url"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.BaseURL == "" {
		c.BaseURL = fmt.Sprintf("http://%s:%d", c.Host, c.Port)
	}
}

// AuthConfig holds the two-tier token settings.
type AuthConfig struct {
	// MasterToken bootstraps session creation. If empty, a token is
	// generated and logged once at startup.
	MasterToken string `yaml:"master_token" json:"-"`

	// SessionTTLHours is the lifetime of newly created sessions.
	SessionTTLHours int `yaml:"session_ttl_hours" json:"session_ttl_hours"`

	// GCInterval is how often expired sessions are swept.
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`
}

func (c *AuthConfig) SetDefaults() {
	if c.SessionTTLHours == 0 {
		c.SessionTTLHours = 168
	}
	if c.GCInterval == 0 {
		c.GCInterval = time.Hour
	}
}

func (c *AuthConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// StorageConfig selects the persistence backend for sessions, threads,
// checkpoints, jobs and reports.
type StorageConfig struct {
	// Driver is one of "inmemory", "sqlite", "postgres", "mysql".
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the connection string. For sqlite this is a file path.
	DSN string `yaml:"dsn" json:"-"`

	MaxConns int `yaml:"max_conns" json:"max_conns"`
	MaxIdle  int `yaml:"max_idle" json:"max_idle"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "inmemory"
	}
	if c.Driver == "sqlite" && c.DSN == "" {
		c.DSN = ".olav/olav.db"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 2
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "inmemory", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported storage driver: %s (supported: inmemory, sqlite, postgres, mysql)", c.Driver)
	}
	if c.Driver != "inmemory" && c.DSN == "" {
		return fmt.Errorf("storage dsn is required for driver %s", c.Driver)
	}
	return nil
}

// DispatchConfig tunes intent classification routing.
type DispatchConfig struct {
	// ConfidenceFloor gates write-capable workflow selection; below it the
	// dispatcher falls through to quick_query.
	ConfidenceFloor float64 `yaml:"confidence_floor" json:"confidence_floor"`

	// GuardModeEnabled refuses non-network requests outright.
	GuardModeEnabled bool `yaml:"guard_mode_enabled" json:"guard_mode_enabled"`
}

func (c *DispatchConfig) SetDefaults() {
	if c.ConfidenceFloor == 0 {
		c.ConfidenceFloor = 0.6
	}
}

// FanOutConfig tunes concurrent device execution.
type FanOutConfig struct {
	MaxConcurrency       int `yaml:"max_concurrency" json:"max_concurrency"`
	DeviceTimeoutSeconds int `yaml:"device_timeout_seconds" json:"device_timeout_seconds"`
}

func (c *FanOutConfig) SetDefaults() {
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 10
	}
	if c.DeviceTimeoutSeconds == 0 {
		c.DeviceTimeoutSeconds = 30
	}
}

func (c *FanOutConfig) DeviceTimeout() time.Duration {
	return time.Duration(c.DeviceTimeoutSeconds) * time.Second
}

// ToolsConfig tunes tool invocation.
type ToolsConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

func (c *ToolsConfig) SetDefaults() {
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 60
	}
}

func (c *ToolsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// StreamConfig tunes the event stream buffer.
type StreamConfig struct {
	BufferEvents int `yaml:"buffer_events" json:"buffer_events"`
}

func (c *StreamConfig) SetDefaults() {
	if c.BufferEvents == 0 {
		c.BufferEvents = 256
	}
}

// JobsConfig tunes the background inspection workers.
type JobsConfig struct {
	Workers int `yaml:"workers" json:"workers"`
}

func (c *JobsConfig) SetDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
}

// DeepDiveConfig bounds the expert workflow.
type DeepDiveConfig struct {
	MaxDepth  int `yaml:"max_depth" json:"max_depth"`
	MaxFanOut int `yaml:"max_fanout" json:"max_fanout"`
}

func (c *DeepDiveConfig) SetDefaults() {
	if c.MaxDepth == 0 {
		c.MaxDepth = 3
	}
	if c.MaxFanOut == 0 {
		c.MaxFanOut = 30
	}
}

// KnowledgeConfig configures the retrieval sources.
type KnowledgeConfig struct {
	// Qdrant backs the schema and document indexes.
	Qdrant QdrantConfig `yaml:"qdrant" json:"qdrant"`

	// MemoryPath is the directory for the embedded episodic memory store.
	// Empty means in-memory only.
	MemoryPath string `yaml:"memory_path" json:"memory_path"`

	// Embedding locates the endpoint that vectorizes queries and
	// episodes. Without an API key the embedding-backed sources stay
	// disabled.
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
}

// EmbeddingConfig points at an OpenAI-compatible embeddings endpoint.
type EmbeddingConfig struct {
	APIKey  string `yaml:"api_key" json:"-"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	Model   string `yaml:"model" json:"model"`
}

func (c *EmbeddingConfig) SetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
}

// QdrantConfig configures the Qdrant vector index client.
type QdrantConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	APIKey  string `yaml:"api_key" json:"-"`
	UseTLS  bool   `yaml:"use_tls" json:"use_tls"`
}

func (c *QdrantConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
}

// InspectionProfile is a configured batch inspection.
type InspectionProfile struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Scope    string   `yaml:"scope" json:"scope"`
	Commands []string `yaml:"commands" json:"commands"`

	// Criteria are expected-value checks applied per device; each is a
	// substring the command output must contain to pass.
	Criteria []string `yaml:"criteria" json:"criteria"`
}

// DeviceEntry is one inventory row.
type DeviceEntry struct {
	Name     string   `yaml:"name" json:"name"`
	Address  string   `yaml:"address" json:"address"`
	Platform string   `yaml:"platform" json:"platform"`
	Group    string   `yaml:"group" json:"group"`
	Role     string   `yaml:"role" json:"role"`
	Site     string   `yaml:"site" json:"site"`
	Tags     []string `yaml:"tags" json:"tags"`
}

// ObservabilityConfig enables tracing and metrics.
type ObservabilityConfig struct {
	MetricsEnabled bool          `yaml:"metrics_enabled" json:"metrics_enabled"`
	Tracing        TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	EndpointURL  string  `yaml:"endpoint_url" json:"endpoint_url"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	ServiceName  string  `yaml:"service_name" json:"service_name"`
}

func (c *TracingConfig) SetDefaults() {
	if c.EndpointURL == "" {
		c.EndpointURL = "localhost:4317"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "olav"
	}
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" json:"level"`
	File   string `yaml:"file" json:"file"`
	Format string `yaml:"format" json:"format"`
}

func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Auth.SetDefaults()
	c.Storage.SetDefaults()
	c.Dispatch.SetDefaults()
	c.FanOut.SetDefaults()
	c.Tools.SetDefaults()
	c.Stream.SetDefaults()
	c.Jobs.SetDefaults()
	c.DeepDive.SetDefaults()
	c.Knowledge.Qdrant.SetDefaults()
	c.Knowledge.Embedding.SetDefaults()
	c.Observability.Tracing.SetDefaults()
	c.Logger.SetDefaults()
}

// Validate checks the configuration for startup misconfiguration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if c.Dispatch.ConfidenceFloor < 0 || c.Dispatch.ConfidenceFloor > 1 {
		return fmt.Errorf("dispatch confidence_floor must be in [0,1], got %v", c.Dispatch.ConfidenceFloor)
	}
	if c.FanOut.MaxConcurrency < 1 {
		return fmt.Errorf("fan_out max_concurrency must be >= 1")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs workers must be >= 1")
	}
	if c.Stream.BufferEvents < 16 {
		return fmt.Errorf("stream buffer_events must be >= 16")
	}
	seen := make(map[string]bool, len(c.Inspections))
	for _, p := range c.Inspections {
		if p.ID == "" {
			return fmt.Errorf("inspection profile missing id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate inspection profile id: %s", p.ID)
		}
		seen[p.ID] = true
		if p.Scope == "" {
			return fmt.Errorf("inspection profile %s missing scope", p.ID)
		}
	}
	names := make(map[string]bool, len(c.Inventory))
	for _, d := range c.Inventory {
		if d.Name == "" {
			return fmt.Errorf("inventory device missing name")
		}
		if names[d.Name] {
			return fmt.Errorf("duplicate inventory device name: %s", d.Name)
		}
		names[d.Name] = true
	}
	return nil
}

// Public returns the non-sensitive runtime view served at /config.
func (c *Config) Public() map[string]any {
	return map[string]any{
		"session_ttl_hours":       c.Auth.SessionTTLHours,
		"fan_out_max_concurrency": c.FanOut.MaxConcurrency,
		"device_timeout_seconds":  c.FanOut.DeviceTimeoutSeconds,
		"tool_timeout_seconds":    c.Tools.TimeoutSeconds,
		"stream_buffer_events":    c.Stream.BufferEvents,
		"job_workers":             c.Jobs.Workers,
		"deepdive_max_depth":      c.DeepDive.MaxDepth,
		"deepdive_max_fanout":     c.DeepDive.MaxFanOut,
		"guard_mode_enabled":      c.Dispatch.GuardModeEnabled,
		"confidence_floor":        c.Dispatch.ConfidenceFloor,
		"storage_driver":          c.Storage.Driver,
		"metrics_enabled":         c.Observability.MetricsEnabled,
	}
}
