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

package thread

import (
	"context"
	"sort"
	"sync"

	"github.com/olavlabs/olav/pkg/fault"
)

var ErrThreadNotFound = fault.New(fault.NotFound, "thread not found")

// Store persists threads. Save overwrites the stored thread; the
// engine serializes mutations per thread, the store only needs to keep
// individual writes atomic.
type Store interface {
	Create(ctx context.Context, t *Thread) error
	Get(ctx context.Context, id string) (*Thread, error)
	Save(ctx context.Context, t *Thread) error
	ListByOwner(ctx context.Context, ownerClientID string) ([]*Thread, error)
}

// InMemoryStore returns a map-backed thread store.
func InMemoryStore() Store {
	return &inMemoryStore{threads: make(map[string]*Thread)}
}

type inMemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*Thread
}

func (s *inMemoryStore) Create(ctx context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.threads[t.ID]; exists {
		return fault.New(fault.Conflict, "thread %s already exists", t.ID)
	}
	s.threads[t.ID] = cloneThread(t)
	return nil
}

func (s *inMemoryStore) Get(ctx context.Context, id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return cloneThread(t), nil
}

func (s *inMemoryStore) Save(ctx context.Context, t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; !ok {
		return ErrThreadNotFound
	}
	s.threads[t.ID] = cloneThread(t)
	return nil
}

func (s *inMemoryStore) ListByOwner(ctx context.Context, ownerClientID string) ([]*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var threads []*Thread
	for _, t := range s.threads {
		if t.OwnerClientID == ownerClientID {
			threads = append(threads, cloneThread(t))
		}
	}
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].CreatedAt.Before(threads[j].CreatedAt)
	})
	return threads, nil
}

func cloneThread(t *Thread) *Thread {
	cp := *t
	cp.Messages = append([]Message(nil), t.Messages...)
	if t.PendingInterrupt != nil {
		ir := *t.PendingInterrupt
		cp.PendingInterrupt = &ir
	}
	return &cp
}

var _ Store = (*inMemoryStore)(nil)
