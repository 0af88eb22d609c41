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

// Package server exposes the orchestrator over HTTP: session
// management, streamed workflow runs, approval resumes, job submission
// and report retrieval.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/olavlabs/olav/pkg/auth"
	"github.com/olavlabs/olav/pkg/config"
	"github.com/olavlabs/olav/pkg/device"
	"github.com/olavlabs/olav/pkg/dispatch"
	"github.com/olavlabs/olav/pkg/job"
	"github.com/olavlabs/olav/pkg/observability"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/thread"
	"github.com/olavlabs/olav/pkg/workflow"
)

// Options carries the wired collaborators. Construction of stores,
// registries and workflow definitions happens in the CLI layer.
type Options struct {
	Config     *config.Config
	Loader     *config.Loader
	Auth       *auth.Manager
	Dispatcher *dispatch.Dispatcher
	Jobs       *job.Manager
	Threads    thread.Store
	Workflows  *workflow.Definitions
	Hub        *stream.Hub
	Inventory  *device.StaticInventory
	Metrics    observability.Metrics
}

type Server struct {
	cfg        *config.Config
	loader     *config.Loader
	auth       *auth.Manager
	dispatcher *dispatch.Dispatcher
	jobs       *job.Manager
	threads    thread.Store
	workflows  *workflow.Definitions
	hub        *stream.Hub
	inventory  *device.StaticInventory
	metrics    observability.Metrics

	server   *http.Server
	reloadCh chan struct{}
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Dispatcher == nil || opts.Auth == nil || opts.Jobs == nil || opts.Threads == nil {
		return nil, fmt.Errorf("dispatcher, auth, jobs and thread store are required")
	}

	s := &Server{
		cfg:        opts.Config,
		loader:     opts.Loader,
		auth:       opts.Auth,
		dispatcher: opts.Dispatcher,
		jobs:       opts.Jobs,
		threads:    opts.Threads,
		workflows:  opts.Workflows,
		hub:        opts.Hub,
		inventory:  opts.Inventory,
		metrics:    opts.Metrics,
		reloadCh:   make(chan struct{}, 1),
	}
	if s.hub == nil {
		s.hub = stream.NewHub(s.cfg.Stream.BufferEvents)
	}

	if s.loader != nil {
		s.loader.SetOnChange(func(next *config.Config) error {
			s.cfg = next
			select {
			case s.reloadCh <- struct{}{}:
			default:
			}
			return nil
		})
	}
	return s, nil
}

// Start serves until ctx is cancelled, applying config reloads as they
// arrive. Write timeouts are disabled because streams are long-lived.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	if s.loader != nil {
		if err := s.loader.Watch(); err != nil {
			slog.Warn("config hot reload unavailable", "error", err)
		}
	}

	slog.Info("HTTP server starting", "address", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	for {
		select {
		case err := <-errCh:
			return err
		case <-s.reloadCh:
			s.applyReload()
		case <-ctx.Done():
			return s.Shutdown(context.Background())
		}
	}
}

// applyReload carries hot-reloadable config into the running process.
// Listener address and storage changes need a restart.
func (s *Server) applyReload() {
	if s.inventory != nil {
		s.inventory.Reload(s.cfg.Inventory)
	}
	slog.Info("configuration reloaded", "devices", len(s.cfg.Inventory))
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.loader != nil {
		s.loader.Stop()
	}
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	slog.Info("HTTP server shutting down")
	return s.server.Shutdown(shutdownCtx)
}
