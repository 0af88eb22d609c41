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

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/tool"
)

// SQLStore persists checkpoints in a relational database. The unique
// (thread_id, version) constraint makes concurrent version assignment
// safe: the losing writer retries with a fresh version.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoints table: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id     VARCHAR(128) NOT NULL,
			version       BIGINT NOT NULL,
			node          VARCHAR(255) NOT NULL,
			state_blob    TEXT NOT NULL,
			pending_calls TEXT,
			created_at    TIMESTAMP NOT NULL,
			PRIMARY KEY (thread_id, version)
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

func (s *SQLStore) Save(ctx context.Context, cp *Checkpoint) (int64, error) {
	if cp.ThreadID == "" {
		return 0, fault.New(fault.BadArguments, "checkpoint has no thread id")
	}

	pending, err := json.Marshal(cp.PendingCalls)
	if err != nil {
		return 0, fault.Internalf(err, "failed to encode pending calls")
	}

	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var version int64
		row := s.db.QueryRowContext(ctx, s.rebind(
			`SELECT COALESCE(MAX(version), 0) + 1 FROM checkpoints WHERE thread_id = ?`), cp.ThreadID)
		if err := row.Scan(&version); err != nil {
			return 0, fmt.Errorf("failed to compute checkpoint version: %w", err)
		}

		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO checkpoints (thread_id, version, node, state_blob, pending_calls, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			cp.ThreadID, version, cp.Node, string(cp.StateBlob), string(pending), now)
		if err != nil {
			if attempt < maxAttempts-1 && isDuplicateKey(err) {
				continue
			}
			return 0, fmt.Errorf("failed to insert checkpoint: %w", err)
		}
		cp.Version = version
		cp.Timestamp = now
		return version, nil
	}
	return 0, fault.New(fault.Conflict, "checkpoint version contention on thread %s", cp.ThreadID)
}

func isDuplicateKey(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func (s *SQLStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT thread_id, version, node, state_blob, pending_calls, created_at
		FROM checkpoints WHERE thread_id = ?
		ORDER BY version DESC LIMIT 1`), threadID)

	var cp Checkpoint
	var blob, pending string
	err := row.Scan(&cp.ThreadID, &cp.Version, &cp.Node, &blob, &pending, &cp.Timestamp)
	if err == sql.ErrNoRows {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.StateBlob = []byte(blob)
	if pending != "" && pending != "null" {
		var calls []*tool.Call
		if err := json.Unmarshal([]byte(pending), &calls); err != nil {
			return nil, fault.Internalf(err, "failed to decode pending calls")
		}
		cp.PendingCalls = calls
	}
	return &cp, nil
}

func (s *SQLStore) Truncate(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM checkpoints
		WHERE thread_id = ?
		  AND version < (SELECT MAX(version) FROM (SELECT version FROM checkpoints WHERE thread_id = ?) latest)`),
		threadID, threadID)
	if err != nil {
		return fmt.Errorf("failed to truncate checkpoints: %w", err)
	}
	return nil
}

func (s *SQLStore) Purge(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM checkpoints WHERE thread_id = ?`), threadID)
	if err != nil {
		return fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
