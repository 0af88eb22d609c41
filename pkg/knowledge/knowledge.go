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

// Package knowledge provides the read-only retrieval sources consulted
// by workflow nodes: episodic memory of past successful runs, the
// device schema index and the document index. Retrieval is advisory;
// a failing source is logged and skipped, never fatal to a workflow.
package knowledge

import (
	"context"
)

// Snippet is one ranked retrieval hit with provenance.
type Snippet struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Score    float32           `json:"score"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Source is a searchable knowledge backend.
type Source interface {
	Name() string
	Search(ctx context.Context, query string, k int) ([]Snippet, error)
}
