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

// Package checkpoint persists per-thread workflow state snapshots.
// The latest checkpoint of a thread is its resumption point; writes
// are atomic and versions are monotone per thread.
package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/tool"
)

// Checkpoint is one persisted state snapshot.
type Checkpoint struct {
	ThreadID     string       `json:"thread_id"`
	Version      int64        `json:"version"`
	Node         string       `json:"node"`
	StateBlob    []byte       `json:"state_blob"`
	PendingCalls []*tool.Call `json:"pending_calls,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// SchemaVersion is stamped on every state blob so a future reader can
// tell which layout it is looking at. Readers accept blobs up to and
// including their own version.
const SchemaVersion = 1

type stateEnvelope struct {
	SchemaVersion int            `json:"schema_version"`
	State         map[string]any `json:"state"`
}

// EncodeState marshals a workflow state map into a versioned
// checkpoint blob.
func EncodeState(state map[string]any) ([]byte, error) {
	blob, err := json.Marshal(stateEnvelope{SchemaVersion: SchemaVersion, State: state})
	if err != nil {
		return nil, fault.Internalf(err, "failed to encode workflow state")
	}
	return blob, nil
}

// DecodeState unmarshals a checkpoint blob. Blobs written before the
// envelope existed carry the bare state map and decode as version 0.
func DecodeState(blob []byte) (map[string]any, error) {
	if len(blob) == 0 {
		return map[string]any{}, nil
	}

	var env stateEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fault.Internalf(err, "failed to decode workflow state")
	}
	if env.SchemaVersion > SchemaVersion {
		return nil, fault.New(fault.Internal,
			"checkpoint schema version %d is newer than supported %d", env.SchemaVersion, SchemaVersion)
	}
	if env.SchemaVersion > 0 {
		if env.State == nil {
			return map[string]any{}, nil
		}
		return env.State, nil
	}

	state := map[string]any{}
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fault.Internalf(err, "failed to decode workflow state")
	}
	return state, nil
}

// Store persists checkpoints. Save must assign the next version for
// the thread and be atomic: a concurrent Latest sees either the old or
// the new checkpoint, never a partial write. Per-thread writes are
// serialized by the store.
type Store interface {
	// Save persists cp with the thread's next version and returns the
	// assigned version.
	Save(ctx context.Context, cp *Checkpoint) (int64, error)

	// Latest returns the highest-version checkpoint for the thread.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// Truncate removes all checkpoints of a thread except the latest.
	Truncate(ctx context.Context, threadID string) error

	// Purge removes every checkpoint of a terminal thread.
	Purge(ctx context.Context, threadID string) error
}

var ErrNoCheckpoint = fault.New(fault.NotFound, "no checkpoint for thread")

// InMemoryStore returns a map-backed checkpoint store.
func InMemoryStore() Store {
	return &inMemoryStore{checkpoints: make(map[string][]*Checkpoint)}
}

type inMemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]*Checkpoint
}

func (s *inMemoryStore) Save(ctx context.Context, cp *Checkpoint) (int64, error) {
	if cp.ThreadID == "" {
		return 0, fault.New(fault.BadArguments, "checkpoint has no thread id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.checkpoints[cp.ThreadID]
	var version int64 = 1
	if len(history) > 0 {
		version = history[len(history)-1].Version + 1
	}

	saved := *cp
	saved.Version = version
	saved.Timestamp = time.Now().UTC()
	s.checkpoints[cp.ThreadID] = append(history, &saved)
	cp.Version = version
	cp.Timestamp = saved.Timestamp
	return version, nil
}

func (s *inMemoryStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.checkpoints[threadID]
	if len(history) == 0 {
		return nil, ErrNoCheckpoint
	}
	cp := *history[len(history)-1]
	return &cp, nil
}

func (s *inMemoryStore) Truncate(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.checkpoints[threadID]
	if len(history) > 1 {
		s.checkpoints[threadID] = history[len(history)-1:]
	}
	return nil
}

func (s *inMemoryStore) Purge(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, threadID)
	return nil
}

var _ Store = (*inMemoryStore)(nil)
