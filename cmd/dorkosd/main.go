// Package main implements dorkosd, the DorkOS control-plane daemon: Pulse
// cron scheduling, the Relay pub/sub bus, and the Mesh agent registry
// behind a single HTTP/SSE gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dorkos/dorkos/config"
	"github.com/dorkos/dorkos/mesh"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		port       int
	)

	rootCmd := &cobra.Command{
		Use:     "dorkosd",
		Short:   "DorkOS control plane: Pulse, Relay, and Mesh behind one gateway",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (TOML)")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "Override the configured listen port")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and every enabled subsystem (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, port)
		},
	}

	agentsCmd := &cobra.Command{Use: "agents", Short: "Inspect the Mesh agent registry"}
	agentsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentsList(cmd.Context(), configPath)
		},
	}
	agentsCmd.AddCommand(agentsListCmd)

	pulseCmd := &cobra.Command{Use: "pulse", Short: "Inspect and drive the Pulse scheduler"}
	pulseTriggerCmd := &cobra.Command{
		Use:   "trigger <scheduleId>",
		Short: "Trigger a manual run of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPulseTrigger(cmd.Context(), configPath, args[0])
		},
	}
	pulseCmd.AddCommand(pulseTriggerCmd)

	rootCmd.AddCommand(serveCmd, agentsCmd, pulseCmd)
	rootCmd.RunE = serveCmd.RunE

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(configPath string, port int) (*config.Config, error) {
	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var cfg *config.Config
	if configPath != "" {
		c, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	} else {
		c, err := config.NewLoader(quiet).Load()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	if port > 0 {
		cfg.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug", "trace":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error", "fatal":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runServe(ctx context.Context, configPath string, port int) error {
	cfg, err := loadConfig(configPath, port)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	app, err := NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer app.Shutdown(30 * time.Second)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: app.Handler()}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("dorkosd listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	}
}

func runAgentsList(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath, 0)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	app, err := NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer app.Shutdown(5 * time.Second)

	if app.mesh == nil {
		fmt.Println("mesh is disabled")
		return nil
	}
	agents, err := app.mesh.List(mesh.ListFilter{})
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Println("no agents registered")
		return nil
	}
	for _, a := range agents {
		fmt.Printf("%s\t%s\t%s\n", a.ID, a.Name, a.Directory)
	}
	return nil
}

func runPulseTrigger(ctx context.Context, configPath, scheduleID string) error {
	cfg, err := loadConfig(configPath, 0)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	app, err := NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer app.Shutdown(5 * time.Second)

	if app.pulse == nil {
		return fmt.Errorf("pulse is disabled")
	}
	run, err := app.pulse.TriggerManualRun(scheduleID)
	if err != nil {
		return fmt.Errorf("trigger run: %w", err)
	}
	fmt.Printf("triggered run %s (status=%s)\n", run.ID, run.Status)
	return nil
}
