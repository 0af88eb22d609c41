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
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/olavlabs/olav/pkg/fault"
)

var (
	ErrSessionNotFound = fault.New(fault.NotFound, "session not found")
	ErrInvalidToken    = fault.New(fault.Unauthorized, "invalid or expired token")
)

const tokenPrefix = "olav_"

// Manager validates tokens and manages session lifecycle.
type Manager struct {
	store           Store
	masterHash      [sha256.Size]byte
	sessionTTL      time.Duration
	generatedMaster bool
}

type ManagerConfig struct {
	// MasterToken authenticates session registration. When empty a
	// random token is generated and logged once at startup.
	MasterToken string
	SessionTTL  time.Duration
}

func NewManager(store Store, cfg ManagerConfig) (*Manager, error) {
	master := cfg.MasterToken
	generated := false
	if master == "" {
		var err error
		master, err = newToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate master token: %w", err)
		}
		generated = true
		slog.Warn("MASTER_TOKEN not set, generated ephemeral master token", "token", master)
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 168 * time.Hour
	}

	return &Manager{
		store:           store,
		masterHash:      sha256.Sum256([]byte(master)),
		sessionTTL:      ttl,
		generatedMaster: generated,
	}, nil
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return tokenPrefix + hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// isMaster compares in constant time over fixed-size digests so the
// check leaks neither length nor content.
func (m *Manager) isMaster(token string) bool {
	sum := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(sum[:], m.masterHash[:]) == 1
}

// Register creates a named session. Only the master token may register.
// The plaintext session token is returned once and never stored. An
// empty role defaults to operator.
func (m *Manager) Register(ctx context.Context, masterToken, name string, role Role) (string, *Session, error) {
	if !m.isMaster(masterToken) {
		return "", nil, fault.New(fault.Unauthorized, "master token required")
	}
	if name == "" {
		return "", nil, fault.New(fault.BadArguments, "session name is required")
	}
	if role == "" {
		role = RoleOperator
	}
	if !role.Valid() {
		return "", nil, fault.New(fault.BadArguments, "unknown role %q", role)
	}

	token, err := newToken()
	if err != nil {
		return "", nil, fault.Internalf(err, "failed to generate session token")
	}

	now := time.Now().UTC()
	session := &Session{
		TokenHash:  hashToken(token),
		ClientID:   uuid.NewString(),
		Name:       name,
		Role:       role,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.sessionTTL),
		LastUsedAt: now,
	}
	if err := m.store.Put(ctx, session); err != nil {
		return "", nil, fault.Wrap(fault.Internal, err, "failed to persist session")
	}

	slog.Info("session registered", "name", name, "role", role, "expires_at", session.ExpiresAt)
	return token, session, nil
}

// Validate resolves a bearer token to an identity. The master token
// always validates as an admin identity.
func (m *Manager) Validate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fault.New(fault.Unauthorized, "missing bearer token")
	}
	if m.isMaster(token) {
		return &Identity{ClientID: "master", Name: "master", Role: RoleAdmin, Master: true}, nil
	}

	session, err := m.store.Get(ctx, hashToken(token))
	if err != nil {
		return nil, ErrInvalidToken
	}
	now := time.Now().UTC()
	if session.Expired(now) {
		_ = m.store.Delete(ctx, session.TokenHash)
		return nil, ErrInvalidToken
	}
	if err := m.store.Touch(ctx, session.TokenHash, now); err != nil {
		slog.Debug("failed to update session last_used_at", "error", err)
	}

	return &Identity{ClientID: session.ClientID, Name: session.Name, Role: session.Role}, nil
}

// Revoke deletes sessions. A plaintext session token revokes that one
// session; a client id revokes every session registered to the client.
// Revoking something unknown or already revoked returns NotFound.
func (m *Manager) Revoke(ctx context.Context, tokenOrClientID string) error {
	if m.isMaster(tokenOrClientID) {
		return fault.New(fault.BadArguments, "the master token cannot be revoked")
	}
	if err := m.store.Delete(ctx, hashToken(tokenOrClientID)); err == nil {
		slog.Info("session revoked")
		return nil
	}

	removed, err := m.store.DeleteByClient(ctx, tokenOrClientID)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "failed to revoke client sessions")
	}
	if removed == 0 {
		return ErrSessionNotFound
	}
	slog.Info("client sessions revoked", "client_id", tokenOrClientID, "count", removed)
	return nil
}

// List returns all registered sessions, expired ones included. Token
// hashes are not exposed by the JSON encoding of Session.
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "failed to list sessions")
	}
	return sessions, nil
}

// StartGC deletes expired sessions on the given interval until the
// context is cancelled.
func (m *Manager) StartGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := m.store.DeleteExpired(ctx, time.Now().UTC())
				if err != nil {
					slog.Error("session gc failed", "error", err)
					continue
				}
				if removed > 0 {
					slog.Info("expired sessions removed", "count", removed)
				}
			}
		}
	}()
}
