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

// Package job runs inspection workflows detached from the request
// path. A bounded worker pool drains a FIFO queue; each job drives the
// same workflow machinery as an interactive thread and persists a
// report on success.
package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olavlabs/olav/pkg/fault"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Progress is a monotone completed/total snapshot.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Job is one asynchronous inspection run.
type Job struct {
	ID            string     `json:"job_id"`
	InspectionID  string     `json:"inspection_id"`
	Status        Status     `json:"status"`
	Progress      Progress   `json:"progress"`
	ReportID      string     `json:"report_id,omitempty"`
	Error         string     `json:"error,omitempty"`
	OwnerClientID string     `json:"owner_client_id"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Report is the rendered outcome of a succeeded job.
type Report struct {
	ID           string    `json:"report_id"`
	InspectionID string    `json:"inspection_id"`
	Content      string    `json:"content"`
	Summary      string    `json:"summary"`
	CreatedAt    time.Time `json:"created_at"`
}

func New(inspectionID, ownerClientID string) *Job {
	return &Job{
		ID:            uuid.NewString(),
		InspectionID:  inspectionID,
		Status:        StatusPending,
		OwnerClientID: ownerClientID,
		CreatedAt:     time.Now().UTC(),
	}
}

var (
	ErrJobNotFound    = fault.New(fault.NotFound, "job not found")
	ErrReportNotFound = fault.New(fault.NotFound, "report not found")
)

// Store persists jobs and reports. CompleteWithReport is atomic: no
// reader may observe a succeeded job whose report is not retrievable.
type Store interface {
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	SaveJob(ctx context.Context, j *Job) error

	// ListJobs returns the owner's jobs sorted by creation time. An
	// empty owner lists every job.
	ListJobs(ctx context.Context, ownerClientID string) ([]*Job, error)

	// CompleteWithReport writes the report and the succeeded job in
	// one atomic step.
	CompleteWithReport(ctx context.Context, j *Job, r *Report) error

	GetReport(ctx context.Context, id string) (*Report, error)
}

// InMemoryStore returns a map-backed job store.
func InMemoryStore() Store {
	return &inMemoryStore{
		jobs:    make(map[string]*Job),
		reports: make(map[string]*Report),
	}
}

type inMemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	reports map[string]*Report
}

func (s *inMemoryStore) CreateJob(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fault.New(fault.Conflict, "job %s already exists", j.ID)
	}
	clone := *j
	s.jobs[j.ID] = &clone
	return nil
}

func (s *inMemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	clone := *j
	return &clone, nil
}

func (s *inMemoryStore) SaveJob(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	clone := *j
	s.jobs[j.ID] = &clone
	return nil
}

func (s *inMemoryStore) ListJobs(ctx context.Context, ownerClientID string) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*Job
	for _, j := range s.jobs {
		if ownerClientID != "" && j.OwnerClientID != ownerClientID {
			continue
		}
		clone := *j
		jobs = append(jobs, &clone)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

func (s *inMemoryStore) CompleteWithReport(ctx context.Context, j *Job, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	reportClone := *r
	jobClone := *j
	s.reports[r.ID] = &reportClone
	s.jobs[j.ID] = &jobClone
	return nil
}

func (s *inMemoryStore) GetReport(ctx context.Context, id string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, ErrReportNotFound
	}
	clone := *r
	return &clone, nil
}
