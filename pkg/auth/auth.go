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

// Package auth implements the two-tier token model: a single master
// token bootstraps named sessions, and every API call after that
// carries a session token bound to a role.
package auth

import (
	"time"
)

// Role determines which operations a session may perform.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleViewer:
		return true
	}
	return false
}

// Capability is a named permission checked by handlers and the
// dispatcher before an operation runs.
type Capability string

const (
	// CapRead covers read-only surfaces: threads, reports, job status.
	CapRead Capability = "read"

	// CapDiagnose covers read-only device interaction and diagnostic
	// workflows, including approving fan-out batches.
	CapDiagnose Capability = "diagnose"

	// CapConfigure covers state-changing device operations.
	CapConfigure Capability = "configure"

	// CapManage covers session administration and server config.
	CapManage Capability = "manage"

	// CapAutoApprove lets the caller skip approval gates on write
	// batches. Admin only.
	CapAutoApprove Capability = "auto_approve"
)

var roleCapabilities = map[Role]map[Capability]bool{
	RoleAdmin: {
		CapRead:        true,
		CapDiagnose:    true,
		CapConfigure:   true,
		CapManage:      true,
		CapAutoApprove: true,
	},
	RoleOperator: {
		CapRead:      true,
		CapDiagnose:  true,
		CapConfigure: true,
	},
	RoleViewer: {
		CapRead: true,
	},
}

// Can reports whether the role grants the capability.
func (r Role) Can(cap Capability) bool {
	return roleCapabilities[r][cap]
}

// Session is a registered session token. The token itself is stored
// only as a SHA-256 hash; the plaintext is returned exactly once at
// registration time.
type Session struct {
	TokenHash  string    `json:"-"`
	ClientID   string    `json:"client_id"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Identity is the authenticated caller attached to request contexts.
type Identity struct {
	ClientID string
	Name     string
	Role     Role
	Master   bool
}

func (id *Identity) Can(cap Capability) bool {
	if id == nil {
		return false
	}
	if id.Master {
		return true
	}
	return id.Role.Can(cap)
}
