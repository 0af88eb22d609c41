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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olavlabs/olav/pkg/fault"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(InMemoryStore(), ManagerConfig{
		MasterToken: "mt-test",
		SessionTTL:  time.Hour,
	})
	require.NoError(t, err)
	return m
}

func TestRegisterAndValidate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	token, session, err := m.Register(ctx, "mt-test", "alice", RoleOperator)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "olav_"))
	assert.Equal(t, "alice", session.Name)

	identity, err := m.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Name)
	assert.Equal(t, RoleOperator, identity.Role)
	assert.False(t, identity.Master)
}

func TestRegisterRequiresMasterToken(t *testing.T) {
	m := newTestManager(t)

	_, _, err := m.Register(context.Background(), "wrong", "alice", RoleViewer)
	assert.True(t, fault.Is(err, fault.Unauthorized))
}

func TestRegisterRejectsBadRole(t *testing.T) {
	m := newTestManager(t)

	_, _, err := m.Register(context.Background(), "mt-test", "alice", Role("root"))
	assert.True(t, fault.Is(err, fault.BadArguments))
}

func TestMasterTokenValidatesAsAdmin(t *testing.T) {
	m := newTestManager(t)

	identity, err := m.Validate(context.Background(), "mt-test")
	require.NoError(t, err)
	assert.True(t, identity.Master)
	assert.Equal(t, RoleAdmin, identity.Role)
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Validate(context.Background(), "olav_deadbeef")
	assert.True(t, fault.Is(err, fault.Unauthorized))
}

func TestExpiredSessionRejectedAndRemoved(t *testing.T) {
	store := InMemoryStore()
	m, err := NewManager(store, ManagerConfig{
		MasterToken: "mt-test",
		SessionTTL:  -time.Minute,
	})
	require.NoError(t, err)
	ctx := context.Background()

	// TTL forced positive by the constructor floor, so expire by hand.
	token, session, err := m.Register(ctx, "mt-test", "alice", RoleViewer)
	require.NoError(t, err)
	session.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Put(ctx, session))

	_, err = m.Validate(ctx, token)
	assert.True(t, fault.Is(err, fault.Unauthorized))

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRevoke(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	token, _, err := m.Register(ctx, "mt-test", "alice", RoleOperator)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, token))

	_, err = m.Validate(ctx, token)
	assert.True(t, fault.Is(err, fault.Unauthorized))

	// Second revoke of the same token is a NotFound.
	err = m.Revoke(ctx, token)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestRevokeByClientID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Two sessions for the same client, one for another.
	first, alice, err := m.Register(ctx, "mt-test", "alice", RoleOperator)
	require.NoError(t, err)
	require.NoError(t, m.store.Put(ctx, &Session{
		TokenHash: hashToken("olav_second"), ClientID: alice.ClientID, Name: "alice",
		Role: RoleOperator, CreatedAt: alice.CreatedAt, ExpiresAt: alice.ExpiresAt,
	}))
	other, _, err := m.Register(ctx, "mt-test", "bob", RoleViewer)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, alice.ClientID))

	_, err = m.Validate(ctx, first)
	assert.True(t, fault.Is(err, fault.Unauthorized))
	_, err = m.Validate(ctx, "olav_second")
	assert.True(t, fault.Is(err, fault.Unauthorized))

	// The other client's session survives.
	_, err = m.Validate(ctx, other)
	assert.NoError(t, err)

	err = m.Revoke(ctx, alice.ClientID)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestRoleCapabilities(t *testing.T) {
	assert.True(t, RoleAdmin.Can(CapManage))
	assert.True(t, RoleOperator.Can(CapConfigure))
	assert.False(t, RoleOperator.Can(CapManage))
	assert.True(t, RoleViewer.Can(CapRead))
	assert.False(t, RoleViewer.Can(CapDiagnose))
}

func TestMiddlewareAttachesIdentity(t *testing.T) {
	m := newTestManager(t)
	token, _, err := m.Register(context.Background(), "mt-test", "alice", RoleViewer)
	require.NoError(t, err)

	var got *Identity
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/threads/t1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Name)
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	m := newTestManager(t)

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/threads/t1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireCapability(t *testing.T) {
	handler := RequireCapability(CapConfigure)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/orchestrator/stream", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{Name: "bob", Role: RoleViewer}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/orchestrator/stream", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{Name: "carol", Role: RoleOperator}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
