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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olavlabs/olav/pkg/auth"
	"github.com/olavlabs/olav/pkg/checkpoint"
	"github.com/olavlabs/olav/pkg/config"
	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/observability"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/thread"
	"github.com/olavlabs/olav/pkg/workflow"
	"github.com/olavlabs/olav/pkg/workflow/flows"
)

// DefaultWorkers is the worker pool size when none is configured.
const DefaultWorkers = 4

const queueCapacity = 256

// Manager owns the job queue and worker pool. Each worker runs the
// inspection workflow on a fresh detached thread; cancellation reaches
// the engine through the job's context and is observed at node
// boundaries.
type Manager struct {
	store       Store
	engine      *workflow.Engine
	defs        *workflow.Definitions
	threads     thread.Store
	checkpoints checkpoint.Store
	profiles    []config.InspectionProfile
	metrics     observability.Metrics
	workers     int

	queue       chan string
	cancels     sync.Map // job id -> context.CancelFunc
	jobByThread sync.Map // thread id -> job id
	wg          sync.WaitGroup
}

func NewManager(store Store, engine *workflow.Engine, defs *workflow.Definitions,
	threads thread.Store, checkpoints checkpoint.Store,
	profiles []config.InspectionProfile, metrics observability.Metrics, workers int) *Manager {

	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Manager{
		store:       store,
		engine:      engine,
		defs:        defs,
		threads:     threads,
		checkpoints: checkpoints,
		profiles:    profiles,
		metrics:     metrics,
		workers:     workers,
		queue:       make(chan string, queueCapacity),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled;
// Wait blocks until they have drained.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
}

func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.runJob(ctx, id)
		}
	}
}

// Submit enqueues a new inspection job. The caller needs the diagnose
// capability; unknown profiles fail before a job row exists.
func (m *Manager) Submit(ctx context.Context, inspectionID string, identity *auth.Identity) (*Job, error) {
	if identity == nil || !identity.Can(auth.CapDiagnose) {
		return nil, fault.New(fault.PermissionDenied, "running inspections requires the diagnose capability")
	}
	if !m.profileExists(inspectionID) {
		return nil, fault.New(fault.NotFound, "inspection profile %q is not configured", inspectionID)
	}

	j := New(inspectionID, identity.ClientID)
	if err := m.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	m.transition(ctx, j.Status)

	select {
	case m.queue <- j.ID:
	default:
		now := time.Now().UTC()
		j.Status = StatusFailed
		j.Error = "job queue is full"
		j.FinishedAt = &now
		_ = m.store.SaveJob(ctx, j)
		m.transition(ctx, j.Status)
		return nil, fault.New(fault.Transient, "job queue is full, retry later")
	}

	slog.Info("inspection job submitted",
		"job_id", j.ID, "inspection_id", inspectionID, "client_id", identity.ClientID)
	return j, nil
}

// Get returns the job if the caller owns it or is an admin.
func (m *Manager) Get(ctx context.Context, id string, identity *auth.Identity) (*Job, error) {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.requireOwnership(identity, j); err != nil {
		return nil, err
	}
	return j, nil
}

// List returns the caller's jobs; admins see every job.
func (m *Manager) List(ctx context.Context, identity *auth.Identity) ([]*Job, error) {
	if identity == nil {
		return nil, fault.New(fault.Unauthorized, "no authenticated session")
	}
	owner := identity.ClientID
	if identity.Master || identity.Role == auth.RoleAdmin {
		owner = ""
	}
	return m.store.ListJobs(ctx, owner)
}

// Cancel requests cooperative cancellation. A queued job is cancelled
// in place; a running job's context is cancelled and the worker
// records the terminal state.
func (m *Manager) Cancel(ctx context.Context, id string, identity *auth.Identity) error {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := m.requireOwnership(identity, j); err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return fault.New(fault.Conflict, "job %s is already %s", j.ID, j.Status)
	}

	if cancel, ok := m.cancels.Load(j.ID); ok {
		cancel.(context.CancelFunc)()
		return nil
	}

	// Still queued: mark it cancelled so the worker skips it.
	now := time.Now().UTC()
	j.Status = StatusCancelled
	j.FinishedAt = &now
	if err := m.store.SaveJob(ctx, j); err != nil {
		return err
	}
	m.transition(ctx, j.Status)
	return nil
}

// GetReport returns a stored report. Reports are readable by any
// authenticated session.
func (m *Manager) GetReport(ctx context.Context, id string, identity *auth.Identity) (*Report, error) {
	if identity == nil || !identity.Can(auth.CapRead) {
		return nil, fault.New(fault.PermissionDenied, "reading reports requires the read capability")
	}
	return m.store.GetReport(ctx, id)
}

// Publish implements flows.ProgressSink: per-device completion from
// the probe node lands on the owning job. Progress never regresses.
func (m *Manager) Publish(threadID string, completed, total int) {
	id, ok := m.jobByThread.Load(threadID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	j, err := m.store.GetJob(ctx, id.(string))
	if err != nil {
		return
	}
	if completed < j.Progress.Completed {
		return
	}
	j.Progress = Progress{Completed: completed, Total: total}
	if err := m.store.SaveJob(ctx, j); err != nil {
		slog.Warn("failed to persist job progress", "job_id", j.ID, "error", err)
	}
}

var _ flows.ProgressSink = (*Manager)(nil)

func (m *Manager) runJob(ctx context.Context, id string) {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		slog.Error("dequeued unknown job", "job_id", id, "error", err)
		return
	}
	if j.Status != StatusPending {
		// Cancelled while queued.
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("job worker panicked", "job_id", j.ID, "panic", r)
			m.finish(j, StatusFailed, fmt.Sprintf("internal error: %v", r), "")
		}
	}()

	jobCtx, cancel := context.WithCancel(ctx)
	m.cancels.Store(j.ID, cancel)
	defer func() {
		cancel()
		m.cancels.Delete(j.ID)
	}()

	j.Status = StatusRunning
	if err := m.store.SaveJob(ctx, j); err != nil {
		slog.Error("failed to mark job running", "job_id", j.ID, "error", err)
		return
	}
	m.transition(ctx, j.Status)

	def, err := m.defs.Get(flows.KindInspection)
	if err != nil {
		m.finish(j, StatusFailed, err.Error(), "")
		return
	}

	th := thread.New(j.OwnerClientID, flows.KindInspection)
	if err := m.threads.Create(ctx, th); err != nil {
		m.finish(j, StatusFailed, err.Error(), "")
		return
	}
	m.jobByThread.Store(th.ID, j.ID)
	defer m.jobByThread.Delete(th.ID)

	st := workflow.NewState()
	st[flows.KeyInspectionID] = j.InspectionID
	st[flows.KeyUserMessage] = "inspection " + j.InspectionID

	// Detached run: the emitter has no subscribers, events are
	// recorded on the thread and in the report instead.
	em := stream.NewEmitter(64)
	identity := &auth.Identity{ClientID: j.OwnerClientID, Name: "job-worker", Role: auth.RoleOperator}

	status, runErr := m.engine.Run(jobCtx, def, th, st, identity, em)
	em.Close(context.Background(), status)

	switch {
	case status == thread.StatusCompleted:
		m.completeWithReport(j, th.ID)
	case status == thread.StatusCancelled:
		m.finish(j, StatusCancelled, "", "")
	default:
		msg := "inspection did not complete"
		if runErr != nil {
			msg = runErr.Error()
		}
		m.finish(j, StatusFailed, msg, "")
	}
}

// completeWithReport renders the report from the final workflow state
// and commits it together with the succeeded transition.
func (m *Manager) completeWithReport(j *Job, threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cp, err := m.checkpoints.Latest(ctx, threadID)
	if err != nil {
		m.finish(j, StatusFailed, "inspection state lost: "+err.Error(), "")
		return
	}
	st, err := checkpoint.DecodeState(cp.StateBlob)
	if err != nil {
		m.finish(j, StatusFailed, err.Error(), "")
		return
	}
	content, _ := st[flows.KeyReportMarkdown].(string)
	summary, _ := st[flows.KeyReportSummary].(string)
	if content == "" {
		m.finish(j, StatusFailed, "inspection produced no report", "")
		return
	}

	r := &Report{
		ID:           uuid.NewString(),
		InspectionID: j.InspectionID,
		Content:      content,
		Summary:      summary,
		CreatedAt:    time.Now().UTC(),
	}
	// The worker's copy predates the progress updates published during
	// the run; refresh so the terminal write keeps them.
	if fresh, err := m.store.GetJob(ctx, j.ID); err == nil {
		j = fresh
	}
	now := time.Now().UTC()
	j.Status = StatusSucceeded
	j.ReportID = r.ID
	j.FinishedAt = &now
	if err := m.store.CompleteWithReport(ctx, j, r); err != nil {
		slog.Error("failed to persist report", "job_id", j.ID, "error", err)
		m.finish(j, StatusFailed, "failed to persist report: "+err.Error(), "")
		return
	}
	m.transition(ctx, j.Status)
	slog.Info("inspection job succeeded", "job_id", j.ID, "report_id", r.ID)
}

func (m *Manager) finish(j *Job, status Status, errText, reportID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Keep progress published while the worker's copy was stale.
	if fresh, err := m.store.GetJob(ctx, j.ID); err == nil {
		j = fresh
	}
	now := time.Now().UTC()
	j.Status = status
	j.Error = errText
	j.ReportID = reportID
	j.FinishedAt = &now
	if err := m.store.SaveJob(ctx, j); err != nil {
		slog.Error("failed to persist job state", "job_id", j.ID, "status", status, "error", err)
		return
	}
	m.transition(ctx, status)
}

func (m *Manager) transition(ctx context.Context, status Status) {
	if m.metrics != nil {
		m.metrics.RecordJobTransition(ctx, string(status))
	}
}

func (m *Manager) profileExists(id string) bool {
	for _, p := range m.profiles {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (m *Manager) requireOwnership(identity *auth.Identity, j *Job) error {
	if identity == nil {
		return fault.New(fault.Unauthorized, "no authenticated session")
	}
	if j.OwnerClientID == identity.ClientID || identity.Master || identity.Role == auth.RoleAdmin {
		return nil
	}
	return fault.New(fault.PermissionDenied, "job %s belongs to another client", j.ID)
}
