package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clawforge/sentinel/pkg/config"
	"github.com/clawforge/sentinel/pkg/controlplane"
	"github.com/clawforge/sentinel/pkg/governance"
	"github.com/clawforge/sentinel/pkg/observability"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runEngine(stdout, stderr)
	}

	switch args[1] {
	case "run":
		return runEngine(stdout, stderr)
	case "status":
		return runStatus(stdout)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stdout, "unknown command: %s. Defaulting to run...\n", args[1])
		return runEngine(stdout, stderr)
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: clawforge-agent <command> [arguments]")
	_, _ = fmt.Fprintln(w, "\nCommands:")
	_, _ = fmt.Fprintln(w, "  run        Run the governance engine (default)")
	_, _ = fmt.Fprintln(w, "  status     Print resolved configuration and exit")
}

func runStatus(w io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(w, "config error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(w, "control plane: %s\n", cfg.ControlPlaneURL)
	_, _ = fmt.Fprintf(w, "org: %s\n", cfg.OrgID)
	_, _ = fmt.Fprintf(w, "config root: %s\n", cfg.ConfigRoot)
	_, _ = fmt.Fprintf(w, "offline mode: %s\n", cfg.OfflineMode)
	return 0
}

// runEngine wires a governance.Engine the way a host assistant process
// would: load configuration, read the session bootstrapped by login,
// construct the engine, and run until signaled.
func runEngine(stdout, stderr io.Writer) int {
	logger := slog.Default()
	logger.Info("clawforge-agent starting")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := observability.New(ctx, observability.Config{
		Endpoint: cfg.OTLPEndpoint,
		Enabled:  cfg.OTLPEnabled,
	})
	if err != nil {
		logger.Warn("observability disabled", "error", err)
		obs = nil
	}

	client := controlplane.New(cfg.ControlPlaneURL)

	session := loadBootstrapSession(cfg)

	engine := governance.NewEngine(governance.EngineConfig{
		Config:        cfg,
		Session:       session,
		Client:        client,
		Observability: obs,
	})
	engine.Start(ctx)

	logger.Info("clawforge-agent ready", "org", cfg.OrgID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("clawforge-agent shutting down")
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	engine.Stop(shutdownCtx)
	if obs != nil {
		_ = obs.Shutdown(shutdownCtx)
	}
	return 0
}

// loadBootstrapSession reads the host process's already-authenticated
// session. A real host embeds the engine after its own login flow; this
// reads from env vars as the minimal bootstrap a demo process needs.
func loadBootstrapSession(cfg *config.Config) governance.SessionTokens {
	return governance.SessionTokens{
		AccessToken:  os.Getenv("CLAWFORGE_ACCESS_TOKEN"),
		RefreshToken: os.Getenv("CLAWFORGE_REFRESH_TOKEN"),
		UserID:       os.Getenv("CLAWFORGE_USER_ID"),
		OrgID:        cfg.OrgID,
	}
}
