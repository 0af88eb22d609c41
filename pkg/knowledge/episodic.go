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

package knowledge

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/llm"
)

const episodicCollection = "olav_episodes"

// EpisodicMemory stores (query, successful trace) pairs in an embedded
// chromem collection and retrieves them by semantic similarity. It
// needs no external service; persistence to disk is optional.
type EpisodicMemory struct {
	db          *chromem.DB
	col         *chromem.Collection
	persistPath string
	mu          sync.Mutex
}

// NewEpisodicMemory opens (or creates) the episodic store. persistPath
// may be empty for a memory-only store.
func NewEpisodicMemory(embedder llm.Embedder, persistPath string) (*EpisodicMemory, error) {
	if embedder == nil {
		return nil, fault.New(fault.BadArguments, "episodic memory requires an embedder")
	}

	var db *chromem.DB
	if persistPath != "" {
		if err := os.MkdirAll(persistPath, 0o755); err != nil {
			return nil, fault.Internalf(err, "failed to create episodic memory directory")
		}
		loaded, err := chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			slog.Warn("failed to load episodic memory, starting empty", "path", persistPath, "error", err)
			db = chromem.NewDB()
		} else {
			db = loaded
		}
	} else {
		db = chromem.NewDB()
	}

	col, err := db.GetOrCreateCollection(episodicCollection, nil, chromem.EmbeddingFunc(embedder.Embed))
	if err != nil {
		return nil, fault.Internalf(err, "failed to open episodic collection")
	}
	return &EpisodicMemory{db: db, col: col, persistPath: persistPath}, nil
}

func (m *EpisodicMemory) Name() string { return "episodic_memory" }

// Record stores a completed workflow trace keyed by the query that
// produced it. Called on successful completion only.
func (m *EpisodicMemory) Record(ctx context.Context, query, trace string, metadata map[string]string) error {
	if query == "" || trace == "" {
		return fault.New(fault.BadArguments, "episode requires a query and a trace")
	}
	md := map[string]string{
		"query":       query,
		"recorded_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range metadata {
		md[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.col.AddDocuments(ctx, []chromem.Document{{
		ID:       uuid.NewString(),
		Content:  trace,
		Metadata: md,
	}}, runtime.NumCPU())
	if err != nil {
		return fault.Internalf(err, "failed to record episode")
	}
	return nil
}

// Search returns the k most similar prior episodes.
func (m *EpisodicMemory) Search(ctx context.Context, query string, k int) ([]Snippet, error) {
	m.mu.Lock()
	count := m.col.Count()
	m.mu.Unlock()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := m.col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, err, "episodic search failed")
	}

	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, Snippet{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Source:   m.Name(),
			Metadata: r.Metadata,
		})
	}
	return snippets, nil
}

var _ Source = (*EpisodicMemory)(nil)
