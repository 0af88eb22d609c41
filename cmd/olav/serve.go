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

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/olavlabs/olav/pkg/auth"
	"github.com/olavlabs/olav/pkg/checkpoint"
	"github.com/olavlabs/olav/pkg/config"
	"github.com/olavlabs/olav/pkg/device"
	"github.com/olavlabs/olav/pkg/dispatch"
	"github.com/olavlabs/olav/pkg/job"
	"github.com/olavlabs/olav/pkg/knowledge"
	"github.com/olavlabs/olav/pkg/llm"
	"github.com/olavlabs/olav/pkg/observability"
	"github.com/olavlabs/olav/pkg/server"
	"github.com/olavlabs/olav/pkg/stream"
	"github.com/olavlabs/olav/pkg/thread"
	"github.com/olavlabs/olav/pkg/tool"
	"github.com/olavlabs/olav/pkg/workflow"
	"github.com/olavlabs/olav/pkg/workflow/flows"
)

type ServeCmd struct {
	Port  int  `help:"Port to listen on, overrides the config file." default:"0"`
	Watch bool `help:"Watch the config file for changes." default:"true" negatable:""`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, loader, err := loadConfig(cli.Config)
	if err != nil {
		return exitWith(exitMisconfigured, err)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if !c.Watch {
		loader = nil
	}

	if err := initLogger(cli, cfg); err != nil {
		return exitWith(exitMisconfigured, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs := observability.NewManager(observability.Config{
		Tracing: observability.TracerConfig{
			Enabled:      cfg.Observability.Tracing.Enabled,
			EndpointURL:  cfg.Observability.Tracing.EndpointURL,
			SamplingRate: cfg.Observability.Tracing.SamplingRate,
			ServiceName:  cfg.Observability.Tracing.ServiceName,
		},
		Metrics: observability.MetricsConfig{
			Enabled: cfg.Observability.MetricsEnabled,
		},
	})
	if err := obs.Initialize(ctx); err != nil {
		return exitWith(exitMisconfigured, fmt.Errorf("failed to initialize observability: %w", err))
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	stores, err := openStores(cfg)
	if err != nil {
		return exitWith(exitMisconfigured, err)
	}
	defer stores.Close()

	authManager, err := auth.NewManager(stores.sessions, auth.ManagerConfig{
		MasterToken: cfg.Auth.MasterToken,
		SessionTTL:  cfg.Auth.SessionTTL(),
	})
	if err != nil {
		return exitWith(exitMisconfigured, err)
	}
	authManager.StartGC(ctx, cfg.Auth.GCInterval)

	inv := device.NewStaticInventory(cfg.Inventory)
	adapter := device.Unconfigured()
	runner := device.NewRunner(cfg.FanOut.MaxConcurrency, cfg.FanOut.DeviceTimeout())

	tools := tool.NewRegistry(cfg.Tools.Timeout())
	if err := registerTools(tools, cfg, inv, adapter, runner); err != nil {
		return exitWith(exitMisconfigured, err)
	}

	defs := workflow.NewDefinitions()
	engine := workflow.NewEngine(defs, stores.threads, stores.checkpoints, tools)

	jobs := job.NewManager(stores.jobs, engine, defs, stores.threads, stores.checkpoints,
		cfg.Inspections, obs.GetMetrics(), cfg.Jobs.Workers)

	if err := flows.RegisterAll(defs, flows.Options{
		Inventory: inv,
		Adapter:   adapter,
		Runner:    runner,
		Tools:     tools,
		Profiles:  cfg.Inspections,
		Knowledge: cfg.Knowledge.Qdrant.Enabled || cfg.Knowledge.MemoryPath != "",
		MaxDepth:  cfg.DeepDive.MaxDepth,
		MaxFanout: cfg.DeepDive.MaxFanOut,
		Progress:  jobs,
	}); err != nil {
		return exitWith(exitMisconfigured, err)
	}
	defs.Freeze()
	tools.Freeze()

	dispatcher := dispatch.New(engine, defs, stores.threads, tools, dispatch.Config{
		GuardMode:       cfg.Dispatch.GuardModeEnabled,
		ConfidenceFloor: cfg.Dispatch.ConfidenceFloor,
	})

	jobs.Start(ctx)
	defer jobs.Wait()

	srv, err := server.New(server.Options{
		Config:     cfg,
		Loader:     loader,
		Auth:       authManager,
		Dispatcher: dispatcher,
		Jobs:       jobs,
		Threads:    stores.threads,
		Workflows:  defs,
		Hub:        stream.NewHub(cfg.Stream.BufferEvents),
		Inventory:  inv,
		Metrics:    obs.GetMetrics(),
	})
	if err != nil {
		return exitWith(exitMisconfigured, err)
	}

	slog.Info("olav ready",
		"address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"workflows", defs.Names(),
		"devices", len(cfg.Inventory),
		"storage", cfg.Storage.Driver,
	)

	if err := srv.Start(ctx); err != nil {
		return exitWith(exitRuntimeFailure, err)
	}
	return nil
}

// registerTools installs the shared tool catalogue. Knowledge sources
// and the NetBox backend are optional collaborators; their tools
// degrade gracefully when absent.
func registerTools(tools *tool.Registry, cfg *config.Config,
	inv device.Inventory, adapter device.Adapter, runner *device.Runner) error {

	var sot device.SourceOfTruth
	var schemaIndex, memory knowledge.Source

	var embedder llm.Embedder
	if cfg.Knowledge.Embedding.APIKey != "" {
		embedder = knowledge.NewOpenAIEmbedder(cfg.Knowledge.Embedding.BaseURL,
			cfg.Knowledge.Embedding.APIKey, cfg.Knowledge.Embedding.Model)
	}

	if cfg.Knowledge.Qdrant.Enabled {
		if embedder == nil {
			slog.Warn("qdrant configured without embedding credentials, schema search disabled")
		} else {
			idx, err := knowledge.NewSchemaIndex(knowledge.QdrantConfig{
				Host:   cfg.Knowledge.Qdrant.Host,
				Port:   cfg.Knowledge.Qdrant.Port,
				APIKey: cfg.Knowledge.Qdrant.APIKey,
				UseTLS: cfg.Knowledge.Qdrant.UseTLS,
			}, embedder)
			if err != nil {
				return err
			}
			schemaIndex = idx
		}
	}
	if cfg.Knowledge.MemoryPath != "" {
		if embedder == nil {
			slog.Warn("episodic memory configured without embedding credentials, recall disabled",
				"path", cfg.Knowledge.MemoryPath)
		} else {
			mem, err := knowledge.NewEpisodicMemory(embedder, cfg.Knowledge.MemoryPath)
			if err != nil {
				return err
			}
			memory = mem
		}
	}

	for _, handler := range []tool.Handler{
		dispatch.NewClassifyIntentTool(nil, inv),
		device.NewSmartQueryTool(inv, adapter, runner, nil),
		device.NewBatchQueryTool(inv, adapter, runner),
		device.NewPlanConfigTool(inv, nil),
		device.NewApplyConfigTool(inv, adapter, runner),
		device.NewNetBoxDiffTool(inv, sot),
		device.NewNetBoxApplyTool(sot),
		knowledge.NewSchemaSearchTool(schemaIndex),
		knowledge.NewMemoryRecallTool(memory),
		flows.NewGenerateReportTool(),
	} {
		if err := tools.Register(handler); err != nil {
			return err
		}
	}
	return nil
}

type storeSet struct {
	db          *sql.DB
	sessions    auth.Store
	threads     thread.Store
	checkpoints checkpoint.Store
	jobs        job.Store
}

func (s *storeSet) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// openStores builds the persistence layer for the configured driver.
func openStores(cfg *config.Config) (*storeSet, error) {
	if cfg.Storage.Driver == "inmemory" {
		return &storeSet{
			sessions:    auth.InMemoryStore(),
			threads:     thread.InMemoryStore(),
			checkpoints: checkpoint.InMemoryStore(),
			jobs:        job.InMemoryStore(),
		}, nil
	}

	driver := cfg.Storage.Driver
	sqlDriver := driver
	if driver == "sqlite" {
		sqlDriver = "sqlite3"
	}
	db, err := sql.Open(sqlDriver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", driver, err)
	}
	db.SetMaxOpenConns(cfg.Storage.MaxConns)
	db.SetMaxIdleConns(cfg.Storage.MaxIdle)

	sessions, err := auth.NewSQLStore(db, driver)
	if err != nil {
		return nil, err
	}
	threads, err := thread.NewSQLStore(db, driver)
	if err != nil {
		return nil, err
	}
	checkpoints, err := checkpoint.NewSQLStore(db, driver)
	if err != nil {
		return nil, err
	}
	jobs, err := job.NewSQLStore(db, driver)
	if err != nil {
		return nil, err
	}

	return &storeSet{
		db:          db,
		sessions:    sessions,
		threads:     threads,
		checkpoints: checkpoints,
		jobs:        jobs,
	}, nil
}

// loadConfig reads the config file, or builds the default config when
// no path is given. Env overrides apply either way.
func loadConfig(path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		cfg := &config.Config{}
		cfg.SetDefaults()
		if err := cfg.ApplyEnv(); err != nil {
			return nil, nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		return cfg, nil, nil
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
