package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dorkos/dorkos/adapter"
	"github.com/dorkos/dorkos/config"
	"github.com/dorkos/dorkos/gateway"
	"github.com/dorkos/dorkos/mesh"
	"github.com/dorkos/dorkos/pulse"
	"github.com/dorkos/dorkos/relay"
	"github.com/dorkos/dorkos/runtime"
	"github.com/dorkos/dorkos/storage"
)

// App wires every DorkOS subsystem together and exposes the composed
// gateway.Handler for the serve command (and direct subsystem access for
// the one-shot CLI subcommands).
type App struct {
	cfg *config.Config
	log *slog.Logger

	db       *sql.DB
	mesh     *mesh.Registry
	pulseDB  *storage.PulseStore
	trace    *storage.TraceStore
	relay    *relay.Core
	nats     *relay.NATSBridge
	pulse    *pulse.Scheduler
	adapters *adapter.Registry

	gw *gateway.Gateway
}

// NewApp initializes every subsystem named in cfg, leaving disabled ones
// nil so the gateway answers them with CodeFeatureDisabled.
func NewApp(cfg *config.Config, log *slog.Logger) (*App, error) {
	app := &App{cfg: cfg, log: log}

	dataDir := cfg.DefaultCwd
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".dorkos")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := storage.OpenDB(filepath.Join(dataDir, "dorkos.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	app.db = db

	traceStore, err := storage.NewTraceStore(db)
	if err != nil {
		return nil, fmt.Errorf("init trace store: %w", err)
	}
	app.trace = traceStore

	var bridge *relay.NATSBridge
	if cfg.Relay.Enabled {
		bridge, err = relay.NewEmbeddedNATS(log)
		if err != nil {
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		app.nats = bridge
	}
	core := relay.NewCore(traceStore, bridge)
	app.relay = core

	if cfg.Mesh.Enabled {
		registry, err := mesh.NewRegistry(cfg.Boundary, filepath.Join(dataDir, "denylist.json"))
		if err != nil {
			return nil, fmt.Errorf("init mesh registry: %w", err)
		}
		app.mesh = registry
	}

	if cfg.Pulse.Enabled {
		pulseStore, err := storage.NewPulseStore(db)
		if err != nil {
			return nil, fmt.Errorf("init pulse store: %w", err)
		}
		app.pulseDB = pulseStore
	}

	// A concrete AgentRuntime that drives a real model is outside this
	// repo's boundary (spec Non-goals); FakeRuntime is the shipped
	// pluggable default until one is wired in.
	rt := runtime.NewFakeRuntime("")

	app.adapters = adapter.NewRegistry()
	if cfg.Relay.Enabled && app.mesh != nil {
		agentAdapter := adapter.NewAgentAdapter(rt, app.mesh, app.pulseDB, app.trace, 4)
		if err := app.adapters.Register(agentAdapter, core); err != nil {
			return nil, fmt.Errorf("start agent adapter: %w", err)
		}
	}

	if cfg.Pulse.Enabled {
		opts := []pulse.Option{
			pulse.WithMaxConcurrentRuns(cfg.Pulse.MaxConcurrentRuns),
			pulse.WithRelay(core, cfg.Relay.Enabled),
		}
		if cfg.Pulse.RetentionCount > 0 {
			opts = append(opts, pulse.WithRunsKept(cfg.Pulse.RetentionCount))
		}

		scheduler := pulse.NewScheduler(app.pulseDB, rt, opts...)
		if err := scheduler.Start(); err != nil {
			return nil, fmt.Errorf("start pulse scheduler: %w", err)
		}
		app.pulse = scheduler
	}

	app.gw = gateway.New(cfg, log, app.mesh, app.pulse, app.pulseDB, app.relay, app.trace, app.adapters)

	return app, nil
}

// Handler returns the HTTP surface the serve command listens with.
func (a *App) Handler() http.Handler {
	return a.gw.Handler()
}

// Shutdown stops every subsystem. timeout is reserved for a future drain
// deadline on in-flight pulse runs; the scheduler's own Stop already blocks
// until its active runs finish or DefaultShutdownDrain elapses.
func (a *App) Shutdown(timeout time.Duration) {
	if a.pulse != nil {
		if err := a.pulse.Stop(); err != nil {
			a.log.Warn("pulse scheduler stop", "error", err)
		}
	}
	if a.adapters != nil {
		if err := a.adapters.StopAll(); err != nil {
			a.log.Warn("adapter shutdown", "error", err)
		}
	}
	if a.mesh != nil {
		if err := a.mesh.Close(); err != nil {
			a.log.Warn("mesh registry close", "error", err)
		}
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("database close", "error", err)
		}
	}
}
