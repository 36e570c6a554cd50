package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/autopatch/internal/applier"
	"github.com/fentz26/autopatch/internal/audit"
	"github.com/fentz26/autopatch/internal/chat"
	"github.com/fentz26/autopatch/internal/config"
	"github.com/fentz26/autopatch/internal/controlplane"
	"github.com/fentz26/autopatch/internal/engine"
	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/fetch"
	"github.com/fentz26/autopatch/internal/logging"
	"github.com/fentz26/autopatch/internal/metrics"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/fentz26/autopatch/internal/snapshot"
	"github.com/fentz26/autopatch/internal/store"
	"github.com/fentz26/autopatch/internal/tree"
	"github.com/fentz26/autopatch/internal/validator"
	"github.com/spf13/cobra"
)

var (
	listenAddr      string
	dbPath          string
	treeRoot        string
	restartOnUpdate bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the autopatch daemon",
	Long:  `Starts the update engine and the HTTP API used by the CLI, the dashboard and the chat front end.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().StringVar(&treeRoot, "root", "", "Managed tree root (overrides config)")
	daemonCmd.Flags().BoolVar(&restartOnUpdate, "restart-on-update", false, "Re-exec the daemon after an update is applied")
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfig(configPath)
	}
	return config.LoadConfigFromHome()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if treeRoot != "" {
		cfg.Tree.Root = treeRoot
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)
	log.Println("Starting autopatch daemon...")

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}

	eng, m, err := buildEngine(cfg, s, logger)
	if err != nil {
		s.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		s.Close()
		return fmt.Errorf("start engine: %w", err)
	}

	server := controlplane.NewServer(eng, s, cfg.Listen)
	server.Version = version
	server.SetRecords(s)
	if m != nil {
		server.SetMetrics(m.Handler())
	}
	var provider chat.Provider
	if cfg.Chat.APIKey != "" {
		provider = chat.NewHTTPProvider(cfg.Chat)
	}
	server.SetChat(chat.NewAssistant(eng, provider, cfg.Chat.Window, logger.With("component", "chat")))

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	applied := make(chan string, 1)
	if restartOnUpdate {
		events, unsubscribe := eng.Subscribe()
		defer unsubscribe()
		go watchApplied(events, applied)
	}

	// Wait for shutdown signal, server error or an applied update
	restart := false
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			cancel()
			eng.Wait()
			s.Close()
			return err
		}
	case id := <-applied:
		log.Printf("Update %s applied, restarting...", id)
		restart = true
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// Fetches and validations abort; a sequence past SNAPSHOTTING runs to its end.
	log.Println("Waiting for the update engine...")
	cancel()
	eng.Wait()

	log.Println("Closing database connection...")
	if err := s.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	if restart {
		return restartSelf()
	}
	log.Println("Shutdown complete")
	return nil
}

// watchApplied reports the first ticket that finishes as applied.
func watchApplied(events <-chan engine.Event, applied chan<- string) {
	for ev := range events {
		if ev.Kind == engine.EventTicket && ev.Ticket != nil && ev.Ticket.Outcome == models.OutcomeApplied {
			applied <- ev.Ticket.ID
			return
		}
	}
}

// buildEngine wires the engine components from cfg. The returned metrics are
// nil when metrics are disabled.
func buildEngine(cfg *config.Config, s *store.Store, logger *slog.Logger) (*engine.Engine, *metrics.Metrics, error) {
	tr, err := tree.New(cfg.Tree.Root, cfg.Tree.Include, cfg.Tree.Exclude)
	if err != nil {
		return nil, nil, err
	}

	snaps, err := snapshot.New(cfg.Snapshot.Dir, tr, s, logger.With("component", "snapshot"))
	if err != nil {
		return nil, nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics {
		m = metrics.New()
	}

	exec := executor.New(cfg.Exec, s, logger.With("component", "executor"))
	if m != nil {
		exec.OnResult(m.Execution)
	}

	var reloader applier.Reloader = applier.NopReloader{}
	if len(cfg.Reload.Command) > 0 {
		reloader = &applier.CommandReloader{
			Runner:  exec,
			Command: cfg.Reload.Command,
			Dir:     tr.Root,
			Timeout: cfg.Reload.Timeout,
		}
	}

	var prober engine.Prober
	if len(cfg.Probe.Command) > 0 {
		prober = &engine.CommandProbe{
			Runner:  exec,
			Command: cfg.Probe.Command,
			Dir:     tr.Root,
			Timeout: cfg.Probe.Timeout,
		}
	}

	val := validator.New(tr, validator.Config{
		ProtectedPaths: cfg.Policy.ProtectedPaths,
		DryRun:         cfg.Validation.DryRun,
		DryRunCommand:  cfg.Validation.DryRunCommand,
		DryRunTimeout:  cfg.Validation.DryRunTimeout,
	}, exec, logger.With("component", "validator"))

	eng := engine.New(engine.Deps{
		Tree:      tr,
		Fetcher:   fetch.New(tr, exec, logger.With("component", "fetch")),
		Validator: val,
		Snapshots: snaps,
		Applier:   applier.New(tr, reloader, logger.With("component", "applier")),
		Prober:    prober,
		Executor:  exec,
		Tickets:   s,
		Audit:     audit.NewPDRWriter(s, logger),
		Metrics:   m,
		Log:       logger.With("component", "engine"),
	}, engine.OptionsFromConfig(cfg))
	return eng, m, nil
}
