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
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Database drivers registered for the supported storage dialects.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore persists sessions in a relational database. Supported
// drivers: sqlite3, postgres, mysql.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate sessions table: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			token_hash   VARCHAR(64) PRIMARY KEY,
			client_id    VARCHAR(64) NOT NULL,
			name         VARCHAR(255) NOT NULL,
			role         VARCHAR(32) NOT NULL,
			created_at   TIMESTAMP NOT NULL,
			expires_at   TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP NOT NULL
		)`
	_, err := s.db.Exec(schema)
	return err
}

// rebind rewrites ? placeholders to the dialect's native form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *SQLStore) Put(ctx context.Context, session *Session) error {
	query := s.rebind(`
		INSERT INTO sessions (token_hash, client_id, name, role, created_at, expires_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		session.TokenHash, session.ClientID, session.Name, string(session.Role),
		session.CreatedAt, session.ExpiresAt, session.LastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, tokenHash string) (*Session, error) {
	query := s.rebind(`
		SELECT token_hash, client_id, name, role, created_at, expires_at, last_used_at
		FROM sessions WHERE token_hash = ?`)
	row := s.db.QueryRowContext(ctx, query, tokenHash)

	var session Session
	var role string
	err := row.Scan(&session.TokenHash, &session.ClientID, &session.Name, &role,
		&session.CreatedAt, &session.ExpiresAt, &session.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	session.Role = Role(role)
	return &session, nil
}

func (s *SQLStore) Touch(ctx context.Context, tokenHash string, usedAt time.Time) error {
	query := s.rebind(`UPDATE sessions SET last_used_at = ? WHERE token_hash = ?`)
	res, err := s.db.ExecContext(ctx, query, usedAt, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*Session, error) {
	query := `
		SELECT token_hash, client_id, name, role, created_at, expires_at, last_used_at
		FROM sessions ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		var session Session
		var role string
		if err := rows.Scan(&session.TokenHash, &session.ClientID, &session.Name, &role,
			&session.CreatedAt, &session.ExpiresAt, &session.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		session.Role = Role(role)
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, tokenHash string) error {
	query := s.rebind(`DELETE FROM sessions WHERE token_hash = ?`)
	res, err := s.db.ExecContext(ctx, query, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLStore) DeleteByClient(ctx context.Context, clientID string) (int, error) {
	query := s.rebind(`DELETE FROM sessions WHERE client_id = ?`)
	res, err := s.db.ExecContext(ctx, query, clientID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete client sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	query := s.rebind(`DELETE FROM sessions WHERE expires_at < ?`)
	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var _ Store = (*SQLStore)(nil)
