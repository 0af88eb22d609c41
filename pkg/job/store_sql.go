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

package job

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLStore persists jobs and reports. CompleteWithReport uses a
// transaction so a succeeded job and its report appear together.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate job tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	for _, schema := range []string{`
		CREATE TABLE IF NOT EXISTS jobs (
			job_id             VARCHAR(64) PRIMARY KEY,
			inspection_id      VARCHAR(128) NOT NULL,
			status             VARCHAR(32) NOT NULL,
			progress_completed INTEGER NOT NULL,
			progress_total     INTEGER NOT NULL,
			report_id          VARCHAR(64),
			error              TEXT,
			owner_client_id    VARCHAR(64) NOT NULL,
			created_at         TIMESTAMP NOT NULL,
			finished_at        TIMESTAMP
		)`, `
		CREATE TABLE IF NOT EXISTS reports (
			report_id     VARCHAR(64) PRIMARY KEY,
			inspection_id VARCHAR(128) NOT NULL,
			content       TEXT NOT NULL,
			summary       TEXT NOT NULL,
			created_at    TIMESTAMP NOT NULL
		)`} {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
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

func (s *SQLStore) CreateJob(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (job_id, inspection_id, status, progress_completed, progress_total, report_id, error, owner_client_id, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		j.ID, j.InspectionID, string(j.Status), j.Progress.Completed, j.Progress.Total,
		nullable(j.ReportID), nullable(j.Error), j.OwnerClientID, j.CreatedAt, j.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT job_id, inspection_id, status, progress_completed, progress_total, report_id, error, owner_client_id, created_at, finished_at
		FROM jobs WHERE job_id = ?`), id)
	return scanJob(row.Scan)
}

func (s *SQLStore) SaveJob(ctx context.Context, j *Job) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs
		SET status = ?, progress_completed = ?, progress_total = ?, report_id = ?, error = ?, finished_at = ?
		WHERE job_id = ?`),
		string(j.Status), j.Progress.Completed, j.Progress.Total,
		nullable(j.ReportID), nullable(j.Error), j.FinishedAt, j.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLStore) ListJobs(ctx context.Context, ownerClientID string) ([]*Job, error) {
	query := `
		SELECT job_id, inspection_id, status, progress_completed, progress_total, report_id, error, owner_client_id, created_at, finished_at
		FROM jobs`
	var args []any
	if ownerClientID != "" {
		query += ` WHERE owner_client_id = ?`
		args = append(args, ownerClientID)
	}
	query += ` ORDER BY created_at, job_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLStore) CompleteWithReport(ctx context.Context, j *Job, r *Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin report transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO reports (report_id, inspection_id, content, summary, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		r.ID, r.InspectionID, r.Content, r.Summary, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE jobs
		SET status = ?, progress_completed = ?, progress_total = ?, report_id = ?, error = ?, finished_at = ?
		WHERE job_id = ?`),
		string(j.Status), j.Progress.Completed, j.Progress.Total,
		nullable(j.ReportID), nullable(j.Error), j.FinishedAt, j.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return tx.Commit()
}

func (s *SQLStore) GetReport(ctx context.Context, id string) (*Report, error) {
	var r Report
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT report_id, inspection_id, content, summary, created_at
		FROM reports WHERE report_id = ?`), id).
		Scan(&r.ID, &r.InspectionID, &r.Content, &r.Summary, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan report: %w", err)
	}
	return &r, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanJob(scan func(...any) error) (*Job, error) {
	var j Job
	var status string
	var reportID, errText sql.NullString
	var finished sql.NullTime
	err := scan(&j.ID, &j.InspectionID, &status, &j.Progress.Completed, &j.Progress.Total,
		&reportID, &errText, &j.OwnerClientID, &j.CreatedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.Status = Status(status)
	j.ReportID = reportID.String
	j.Error = errText.String
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	return &j, nil
}

var _ Store = (*SQLStore)(nil)
