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

package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/olavlabs/olav/pkg/auth"
	"github.com/olavlabs/olav/pkg/dispatch"
	"github.com/olavlabs/olav/pkg/fault"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/thread"
)

// threadMessageWindow caps how many trailing messages a thread read
// returns.
const threadMessageWindow = 50

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	writeJSON(w, fault.HTTPStatus(kind), map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func decodeBody(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.New(fault.BadArguments, "invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig exposes the non-sensitive effective configuration.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	view := s.cfg.Public()
	if s.workflows != nil {
		view["workflows"] = s.workflows.Names()
	}
	view["inspections"] = len(s.cfg.Inspections)
	view["devices"] = len(s.cfg.Inventory)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientName string    `json:"client_name"`
		Role       auth.Role `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}

	token, session, err := s.auth.Register(r.Context(), auth.BearerToken(r), body.ClientName, body.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"client_id":  session.ClientID,
		"role":       session.Role,
		"expires_at": session.ExpiresAt,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.auth.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Revoke(r.Context(), chi.URLParam(r, "token")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type runOutcome struct {
	status thread.Status
	err    error
}

// handleStream runs a workflow and streams its events on the response.
// Pre-flight failures (bad arguments, permission, guard) surface as a
// plain JSON error before any event is written.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	var req dispatch.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	// Pre-flight runs before any emitter exists, so a rejected request
	// (bad arguments, permission, conflict) can never tear down a
	// stream already in flight on the same thread.
	prep, err := s.dispatcher.Prepare(r.Context(), identity, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	var em *stream.Emitter
	closeEmitter := func(status thread.Status) {
		em.Close(context.Background(), status)
	}
	if th := prep.Thread(); th != nil && req.ThreadID != "" {
		// Continued thread: route through the hub so late subscribers
		// can attach to the run in flight.
		em = s.hub.Open(th.ID)
		threadID := th.ID
		closeEmitter = func(status thread.Status) {
			s.hub.CloseThread(context.Background(), threadID, status)
		}
	} else {
		em = stream.NewEmitter(s.cfg.Stream.BufferEvents)
	}
	sub := em.Subscribe()

	resCh := make(chan runOutcome, 1)
	go func() {
		// Client disconnect cancels r.Context(), which the engine
		// observes at the next node boundary.
		_, status, err := prep.Run(r.Context(), em)
		if status == "" {
			status = thread.StatusFailed
		}
		closeEmitter(status)
		resCh <- runOutcome{status: status, err: err}
	}()

	s.streamEvents(w, r, sub, resCh)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	var decision thread.ResumeDecision
	if err := decodeBody(r, &decision); err != nil {
		writeError(w, err)
		return
	}

	if err := s.dispatcher.PrepareResume(r.Context(), identity, &decision); err != nil {
		writeError(w, err)
		return
	}

	em := s.hub.Open(decision.ThreadID)
	sub := em.Subscribe()

	resCh := make(chan runOutcome, 1)
	go func() {
		status, err := s.dispatcher.Resume(r.Context(), identity, &decision, em)
		if status == "" && err != nil {
			// Rejected before the engine took over (bad edit, stale
			// checkpoint): the thread stays interrupted and retryable,
			// so the hub emitter must survive for the next attempt.
			resCh <- runOutcome{status: thread.StatusFailed, err: err}
			em.Unsubscribe(sub)
			return
		}
		if status == "" {
			status = thread.StatusFailed
		}
		s.hub.CloseThread(context.Background(), decision.ThreadID, status)
		resCh <- runOutcome{status: status, err: err}
	}()

	s.streamEvents(w, r, sub, resCh)
}

// streamEvents frames the subscriber's events as SSE, or NDJSON when
// the client asks for application/x-ndjson. A done event arriving
// before anything was written signals a pre-flight failure, which is
// reported as a regular JSON error response instead.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request,
	sub *stream.Subscriber, resCh <-chan runOutcome) {

	ndjson := r.Header.Get("Accept") == "application/x-ndjson"
	write := stream.WriteSSE
	contentType := "text/event-stream"
	if ndjson {
		write = stream.WriteNDJSON
		contentType = "application/x-ndjson"
	}

	wrote := false
	for ev := range sub.Events() {
		if !wrote && ev.Kind == stream.KindDone {
			res := <-resCh
			if res.err != nil {
				writeError(w, res.err)
				return
			}
		}
		if !wrote {
			w.Header().Set("Content-Type", contentType)
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		if err := write(w, ev); err != nil {
			// Client went away; the run context cancellation takes it
			// from here.
			return
		}
	}

	if !wrote {
		// Subscriber closed without a done event: the run was refused
		// after subscription. The outcome is already queued.
		res := <-resCh
		if res.err != nil {
			writeError(w, res.err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(res.status)})
	}
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	th, err := s.threads.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if th.OwnerClientID != identity.ClientID && !identity.Master && identity.Role != auth.RoleAdmin {
		writeError(w, fault.New(fault.PermissionDenied, "thread %s belongs to another client", th.ID))
		return
	}

	messages := th.Messages
	if len(messages) > threadMessageWindow {
		messages = messages[len(messages)-threadMessageWindow:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":         th.ID,
		"workflow_kind":     th.WorkflowKind,
		"status":            th.Status,
		"messages":          messages,
		"pending_interrupt": th.PendingInterrupt,
		"created_at":        th.CreatedAt,
		"updated_at":        th.UpdatedAt,
	})
}

func (s *Server) handleRunInspection(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	j, err := s.jobs.Submit(r.Context(), chi.URLParam(r, "id"), identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": j.ID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	jobs, err := s.jobs.List(r.Context(), identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	j, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"), identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	report, err := s.jobs.GetReport(r.Context(), chi.URLParam(r, "id"), identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
