// Package kernel wires the long-lived process services together: config,
// logging, the database, the event bus, the agent session layer, and the
// orchestrator. The CLI builds a Kernel once and works through it.
package kernel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"looper/pkg/agent"
	"looper/pkg/config"
	"looper/pkg/engine"
	"looper/pkg/events"
	"looper/pkg/exec"
	"looper/pkg/gitx"
	"looper/pkg/logx"
	"looper/pkg/metrics"
	"looper/pkg/names"
	"looper/pkg/orchestrator"
	"looper/pkg/persistence"
	"looper/pkg/tokens"
)

// Kernel owns the shared infrastructure of a looper process.
type Kernel struct {
	Config       *config.Config
	Database     *sql.DB
	Store        *persistence.Store
	Bus          *events.Bus
	Git          *gitx.Workflow
	Executor     exec.Executor
	Sessions     *agent.SessionManager
	Orchestrator *orchestrator.Orchestrator
	Recorder     *metrics.Recorder

	logger        zerolog.Logger
	metricsServer *http.Server
	running       bool
}

// New builds a Kernel for the given base directory. The directory holds the
// .looper config dir; loops themselves may live anywhere.
func New(baseDir string) (*Kernel, error) {
	cfg, err := config.Load(baseDir)
	if err != nil {
		return nil, err
	}
	logx.Setup(cfg.LogLevel, nil)

	k := &Kernel{
		Config: cfg,
		logger: logx.Component("kernel"),
	}
	if err := k.initialize(baseDir); err != nil {
		k.Close(context.Background())
		return nil, err
	}
	return k, nil
}

func (k *Kernel) initialize(baseDir string) error {
	dbPath := k.Config.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(baseDir, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := persistence.InitializeDatabase(dbPath)
	if err != nil {
		return err
	}
	k.Database = db
	k.Store = persistence.NewStore(db)

	k.Bus = events.NewBus()
	k.Git = gitx.NewWorkflow(gitx.NewDefaultGitRunner())
	k.Executor = exec.NewLocalExec()

	factory := agent.NewFactory(k.Config.Agent)
	k.Sessions = agent.NewSessionManager(factory)

	// Name generation is best-effort: without a usable client the generator
	// falls back to timestamp names.
	var namerClient agent.LLMClient
	if client, err := factory.NewClient(k.Config.Defaults.Model); err == nil {
		namerClient = client
	} else {
		k.logger.Warn().Err(err).Msg("name generation client unavailable, using fallback names")
	}

	counter, err := tokens.NewCounter()
	if err != nil {
		k.logger.Warn().Err(err).Msg("tokenizer unavailable, using estimated token counts")
	}

	if k.Config.Metrics.Enabled {
		k.Recorder = metrics.NewRecorder()
	}

	runnerFactory := &engine.RunnerFactory{
		Sessions:  k.Sessions,
		Git:       k.Git,
		Saver:     k.Store,
		Counter:   counter,
		MaxTokens: k.Config.Agent.MaxTokens,
	}

	k.Orchestrator = orchestrator.New(orchestrator.Deps{
		Store:    k.Store,
		Git:      k.Git,
		Executor: k.Executor,
		Factory:  runnerFactory,
		Namer:    names.NewGenerator(namerClient),
		Sink:     k.Bus,
		Sessions: k.Sessions,
		Recorder: k.Recorder,
		Config:   k.Config,
	})
	return nil
}

// Start recovers stale state from a previous process and starts the metrics
// endpoint when enabled.
func (k *Kernel) Start(ctx context.Context) error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}

	count, err := k.Orchestrator.RecoverStaleLoops(ctx)
	if err != nil {
		return fmt.Errorf("stale loop recovery failed: %w", err)
	}
	if count > 0 {
		k.logger.Info().Int("count", count).Msg("recovered stale loops")
	}

	if k.Recorder != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", k.Recorder.Handler())
		k.metricsServer = &http.Server{
			Addr:              k.Config.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := k.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				k.logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		k.logger.Info().Str("addr", k.Config.Metrics.ListenAddr).Msg("metrics endpoint listening")
	}

	k.running = true
	return nil
}

// Close stops the orchestrator, the metrics endpoint, and the database.
// Safe to call on a partially initialized kernel.
func (k *Kernel) Close(ctx context.Context) {
	if k.Orchestrator != nil {
		k.Orchestrator.Shutdown(ctx)
	}
	if k.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := k.metricsServer.Shutdown(shutdownCtx); err != nil {
			k.logger.Warn().Err(err).Msg("metrics server shutdown failed")
		}
	}
	if k.Bus != nil {
		k.Bus.Close()
	}
	if k.Database != nil {
		if err := k.Database.Close(); err != nil {
			k.logger.Warn().Err(err).Msg("database close failed")
		}
	}
	k.running = false
}
