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

// Package llm defines the model-facing interfaces the orchestrator
// depends on. Concrete providers are injected by the host process;
// everything here is provider-agnostic.
package llm

import (
	"context"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeDone     ChunkType = "done"
)

// StreamChunk is one increment of a streaming generation.
type StreamChunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Err      error
}

type GenerateRequest struct {
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

type GenerateResponse struct {
	Text       string
	ToolCalls  []ToolCall
	TokensUsed int
}

// ChatClient generates completions. Implementations must honor context
// cancellation.
type ChatClient interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// GenerateStreaming returns a channel closed after the final chunk.
	// A chunk with a non-nil Err terminates the stream.
	GenerateStreaming(ctx context.Context, req *GenerateRequest) (<-chan StreamChunk, error)
}

// Embedder converts text to a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
