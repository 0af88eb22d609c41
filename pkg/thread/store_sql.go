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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/olavlabs/olav/pkg/fault"
)

// SQLStore persists threads as one row each, with messages and the
// pending interrupt serialized to JSON columns.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate threads table: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			thread_id         VARCHAR(128) PRIMARY KEY,
			owner_client_id   VARCHAR(64) NOT NULL,
			workflow_kind     VARCHAR(64) NOT NULL,
			status            VARCHAR(32) NOT NULL,
			messages          TEXT NOT NULL,
			pending_interrupt TEXT,
			created_at        TIMESTAMP NOT NULL,
			updated_at        TIMESTAMP NOT NULL
		)`
	_, err := s.db.Exec(schema)
	return err
}

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

func (s *SQLStore) Create(ctx context.Context, t *Thread) error {
	messages, interrupt, err := encodeThread(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO threads (thread_id, owner_client_id, workflow_kind, status, messages, pending_interrupt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.OwnerClientID, t.WorkflowKind, string(t.Status), messages, interrupt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") ||
			strings.Contains(strings.ToLower(err.Error()), "duplicate") {
			return fault.New(fault.Conflict, "thread %s already exists", t.ID)
		}
		return fmt.Errorf("failed to insert thread: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT thread_id, owner_client_id, workflow_kind, status, messages, pending_interrupt, created_at, updated_at
		FROM threads WHERE thread_id = ?`), id)
	return scanThread(row.Scan)
}

func (s *SQLStore) Save(ctx context.Context, t *Thread) error {
	messages, interrupt, err := encodeThread(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE threads
		SET status = ?, messages = ?, pending_interrupt = ?, workflow_kind = ?, updated_at = ?
		WHERE thread_id = ?`),
		string(t.Status), messages, interrupt, t.WorkflowKind, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func (s *SQLStore) ListByOwner(ctx context.Context, ownerClientID string) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT thread_id, owner_client_id, workflow_kind, status, messages, pending_interrupt, created_at, updated_at
		FROM threads WHERE owner_client_id = ? ORDER BY created_at`), ownerClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var threads []*Thread
	for rows.Next() {
		t, err := scanThread(rows.Scan)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

func encodeThread(t *Thread) (string, sql.NullString, error) {
	messages, err := json.Marshal(t.Messages)
	if err != nil {
		return "", sql.NullString{}, fault.Internalf(err, "failed to encode thread messages")
	}
	var interrupt sql.NullString
	if t.PendingInterrupt != nil {
		blob, err := json.Marshal(t.PendingInterrupt)
		if err != nil {
			return "", sql.NullString{}, fault.Internalf(err, "failed to encode pending interrupt")
		}
		interrupt = sql.NullString{String: string(blob), Valid: true}
	}
	return string(messages), interrupt, nil
}

func scanThread(scan func(...any) error) (*Thread, error) {
	var t Thread
	var status, messages string
	var interrupt sql.NullString
	err := scan(&t.ID, &t.OwnerClientID, &t.WorkflowKind, &status, &messages, &interrupt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan thread: %w", err)
	}
	t.Status = Status(status)
	if err := json.Unmarshal([]byte(messages), &t.Messages); err != nil {
		return nil, fault.Internalf(err, "failed to decode thread messages")
	}
	if interrupt.Valid && interrupt.String != "" {
		var ir InterruptRequest
		if err := json.Unmarshal([]byte(interrupt.String), &ir); err != nil {
			return nil, fault.Internalf(err, "failed to decode pending interrupt")
		}
		t.PendingInterrupt = &ir
	}
	return &t, nil
}

var _ Store = (*SQLStore)(nil)
