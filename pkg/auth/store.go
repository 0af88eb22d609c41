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

package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists sessions keyed by token hash.
type Store interface {
	Put(ctx context.Context, session *Session) error
	Get(ctx context.Context, tokenHash string) (*Session, error)
	Touch(ctx context.Context, tokenHash string, usedAt time.Time) error
	List(ctx context.Context) ([]*Session, error)
	Delete(ctx context.Context, tokenHash string) error

	// DeleteByClient removes every session registered to the client and
	// returns how many were removed.
	DeleteByClient(ctx context.Context, clientID string) (int, error)

	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// InMemoryStore returns a map-backed session store.
func InMemoryStore() Store {
	return &inMemoryStore{sessions: make(map[string]*Session)}
}

type inMemoryStore struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

func (s *inMemoryStore) Put(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.TokenHash] = &cp
	return nil
}

func (s *inMemoryStore) Get(ctx context.Context, tokenHash string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[tokenHash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *inMemoryStore) Touch(ctx context.Context, tokenHash string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[tokenHash]
	if !ok {
		return ErrSessionNotFound
	}
	session.LastUsedAt = usedAt
	return nil
}

func (s *inMemoryStore) List(ctx context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		cp := *session
		sessions = append(sessions, &cp)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *inMemoryStore) Delete(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[tokenHash]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, tokenHash)
	return nil
}

func (s *inMemoryStore) DeleteByClient(ctx context.Context, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for hash, session := range s.sessions {
		if session.ClientID == clientID {
			delete(s.sessions, hash)
			removed++
		}
	}
	return removed, nil
}

func (s *inMemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for hash, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, hash)
			removed++
		}
	}
	return removed, nil
}

var _ Store = (*inMemoryStore)(nil)
