package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/conclavehq/conclave/internal/config"
	"github.com/conclavehq/conclave/internal/container"
	"github.com/conclavehq/conclave/internal/events"
	"github.com/conclavehq/conclave/internal/notify"
	"github.com/conclavehq/conclave/internal/orchestrator"
	"github.com/conclavehq/conclave/internal/registry"
	"github.com/conclavehq/conclave/internal/scheduler"
	"github.com/conclavehq/conclave/internal/store"
	"github.com/conclavehq/conclave/internal/vault"
	"github.com/conclavehq/conclave/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("conclave %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	case "vault":
		if err := runVault(os.Args[2:]); err != nil {
			slog.Error("vault command failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: conclave <command>

Commands:
  serve      Start the orchestration service
  vault      Manage encrypted secrets
  backup     Archive the data directory
  restore    Restore a backup archive
  version    Print version
`)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting conclave", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := events.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	nc, err := events.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer nc.Close()

	// Vault-backed secret resolver
	if cfg.Vault.Passphrase == "" {
		slog.Warn("vault passphrase not set, secret references will fail to resolve")
	}
	secrets := vault.NewResolver(vault.New(cfg.Vault.Passphrase), db)

	// Container-backed executors from config
	runner, err := container.NewRunner(secrets)
	if err != nil {
		return fmt.Errorf("init container runner: %w", err)
	}

	reg := registry.New()
	if err := reg.SyncDefinitions(cfg.Executors, runner.Executor); err != nil {
		return fmt.Errorf("sync executors: %w", err)
	}
	slog.Info("executors registered", "count", len(cfg.Executors))

	// Orchestrator
	orch := orchestrator.New(cfg, reg, db)
	orch.SetEventBus(nc)

	// Telegram notifications
	if cfg.Telegram.Token != "" {
		notifier, err := notify.New(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram notifier: %w", err)
		}
		orch.AddListener(notifier)
		slog.Info("telegram notifications enabled")
	}

	// Scheduler
	sched := scheduler.New(db, orch, cfg.Scheduler)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, orch, reg, secrets, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	// SIGHUP reloads executor definitions and tunables; SIGINT/SIGTERM stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			cfg = reloadConfig(cfg, reg, runner, sched, orch)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	cancel()
	return nil
}

// reloadConfig re-reads the config file and applies what can change live.
// It returns the config now in effect.
func reloadConfig(current *config.Config, reg *registry.Registry, runner *container.Runner, sched *scheduler.Scheduler, orch *orchestrator.Orchestrator) *config.Config {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed, keeping current config", "error", err)
		return current
	}

	d := config.Diff(current, next)
	for _, section := range d.NonReloadable {
		slog.Warn("config change requires restart", "section", section)
	}
	if !d.HasChanges() {
		slog.Info("config reloaded, no live changes")
		return next
	}

	if len(d.ExecutorsAdded)+len(d.ExecutorsRemoved)+len(d.ExecutorsChanged) > 0 {
		if err := reg.SyncDefinitions(next.Executors, runner.Executor); err != nil {
			slog.Error("executor reload failed", "error", err)
		} else {
			slog.Info("executors reloaded",
				"added", d.ExecutorsAdded, "removed", d.ExecutorsRemoved, "changed", d.ExecutorsChanged)
		}
	}
	if d.SchedulerChanged {
		sched.UpdateConfig(d.NewScheduler.PollInterval)
		slog.Info("scheduler poll interval updated", "interval", d.NewScheduler.PollInterval)
	}
	if d.OrchestratorChanged {
		orch.UpdateConfig(d.NewOrchestrator)
		slog.Info("orchestrator limits updated")
	}
	return next
}
