// aetherd is the agent orchestration kernel daemon. It owns the process
// table, supervises external agent runtimes, and serves the REST, SSE,
// WebSocket, and MCP surfaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aether-os/aether/pkg/api"
	"github.com/aether-os/aether/pkg/audit"
	"github.com/aether-os/aether/pkg/config"
	"github.com/aether-os/aether/pkg/events"
	"github.com/aether-os/aether/pkg/mcp"
	"github.com/aether-os/aether/pkg/metrics"
	"github.com/aether-os/aether/pkg/models"
	"github.com/aether-os/aether/pkg/notify"
	"github.com/aether-os/aether/pkg/process"
	"github.com/aether-os/aether/pkg/resource"
	"github.com/aether-os/aether/pkg/scheduler"
	"github.com/aether-os/aether/pkg/skills"
	"github.com/aether-os/aether/pkg/store"
	"github.com/aether-os/aether/pkg/store/memory"
	"github.com/aether-os/aether/pkg/supervisor"
	"github.com/aether-os/aether/pkg/version"
	"github.com/aether-os/aether/pkg/vfs"
	"github.com/aether-os/aether/pkg/webhooks"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// providerFor maps a model name to the billing provider used for cost
// estimation. Unknown models fall back to the governor's default rate.
func providerFor(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "openai"
	case strings.HasPrefix(model, "gemini"):
		return "google"
	}
	return ""
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("AETHER_CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Info("No .env file, continuing with existing environment", "path", envPath)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting aether kernel",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. State store
	var st store.Store
	switch cfg.Store.Backend {
	case "postgres":
		pgCfg, err := store.LoadPostgresConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load postgres config", "error", err)
			os.Exit(1)
		}
		pg, err := store.NewPostgres(ctx, pgCfg)
		if err != nil {
			slog.Error("Failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				slog.Error("Error closing postgres store", "error", err)
			}
		}()
		st = pg
		slog.Info("Connected to PostgreSQL state store")
	default:
		st = memory.New()
		slog.Warn("Using in-memory state store; kernel state will not survive a restart")
	}

	// 3. Event bus and virtual filesystem
	bus := events.NewBus()
	defer bus.Close()

	fs, err := vfs.New(cfg.VFS.Root)
	if err != nil {
		slog.Error("Failed to open vfs root", "root", cfg.VFS.Root, "error", err)
		os.Exit(1)
	}
	if err := fs.Init(); err != nil {
		slog.Error("Failed to initialize vfs layout", "error", err)
		os.Exit(1)
	}
	slog.Info("Virtual filesystem ready", "root", fs.Root())

	// 4. Process manager, supervisor, governor
	manager := process.NewManager(bus, st, cfg.Kernel.MaxConcurrent, slog.Default())

	mcpEndpoint := fmt.Sprintf("http://127.0.0.1:%d/mcp", cfg.Server.Port)
	supOpts := make([]supervisor.Option, 0, len(cfg.Runtimes))
	for kind, argv := range cfg.Runtimes {
		supOpts = append(supOpts, supervisor.WithCommand(models.RuntimeKind(kind), argv...))
	}
	super := supervisor.New(fs, bus, mcpEndpoint, slog.Default(), supOpts...)
	super.OnExit = manager.Exit

	governor := resource.NewGovernor(bus, func(pid int, sig models.Signal) error {
		if !manager.Signal(pid, sig) {
			return fmt.Errorf("no process with pid %d", pid)
		}
		return nil
	}, slog.Default())

	manager.OnStart = func(ctx context.Context, p models.Process) {
		governor.Track(p.PID, providerFor(p.Config.Model))
		if _, err := fs.CreateHome(p.UID); err != nil {
			slog.Error("Failed to create home directory", "pid", p.PID, "error", err)
			manager.Exit(p.PID, 1)
			return
		}
		if p.Config.Runtime == "" {
			// No external runtime to launch; the agent is driven over
			// the API and MCP surfaces.
			manager.SetState(p.PID, models.StateRunning)
			return
		}
		if _, err := super.Start(p); err != nil {
			slog.Error("Failed to launch runtime",
				"pid", p.PID, "runtime", string(p.Config.Runtime), "error", err)
			manager.Exit(p.PID, 1)
			return
		}
		manager.SetState(p.PID, models.StateRunning)
	}
	manager.OnReap = func(pid int, uid string) {
		governor.Release(pid)
		if err := fs.RemoveHome(uid); err != nil {
			slog.Warn("Failed to remove home directory", "uid", uid, "error", err)
		}
	}

	// 5. Skills, scheduler, webhooks, audit
	spawn := func(ctx context.Context, spawnCfg models.SpawnConfig, ownerUID string) (*models.Process, error) {
		return manager.Spawn(ctx, spawnCfg, ownerUID, 0)
	}

	skillExec := skills.NewExecutor(st, fs, bus, slog.Default())
	sched := scheduler.New(st, bus, spawn, cfg.Scheduler.Tick, slog.Default())
	hooks := webhooks.NewEngine(st, bus, spawn, slog.Default(),
		webhooks.WithRetryDelays(cfg.Webhooks.RetryBase, cfg.Webhooks.RetryMax, time.Second))
	auditLog := audit.New(st, bus, cfg.Audit.Retention, slog.Default())

	// 6. Hydrate persisted state
	if err := manager.Hydrate(ctx); err != nil {
		slog.Error("Failed to hydrate process table", "error", err)
		os.Exit(1)
	}
	if err := skillExec.Hydrate(ctx); err != nil {
		slog.Error("Failed to hydrate skills", "error", err)
		os.Exit(1)
	}
	if err := sched.Hydrate(ctx); err != nil {
		slog.Error("Failed to hydrate scheduler", "error", err)
		os.Exit(1)
	}
	if err := hooks.Hydrate(ctx); err != nil {
		slog.Error("Failed to hydrate webhooks", "error", err)
		os.Exit(1)
	}

	if n, err := skillExec.LoadManifests(ctx, cfg.VFS.SkillsDir); err != nil {
		slog.Warn("Skill manifest scan failed", "dir", cfg.VFS.SkillsDir, "error", err)
	} else if n > 0 {
		slog.Info("Loaded skill manifests", "count", n)
	}

	// 7. Slack notifier (nil when unconfigured; all methods no-op)
	var notifier *notify.Notifier
	if cfg.Slack.Enabled {
		notifier = notify.New(notify.Config{
			Token:   os.Getenv(cfg.Slack.TokenEnv),
			Channel: cfg.Slack.Channel,
		})
		if notifier == nil {
			slog.Warn("Slack notifications enabled but token is empty", "token_env", cfg.Slack.TokenEnv)
		}
	}
	notifier.SetWebhookLookup(func(webhookID string) string {
		if w := hooks.Get(webhookID); w != nil {
			return w.URL
		}
		return ""
	})

	// 8. Metrics, MCP, HTTP server
	m := metrics.New()
	mcpSrv := mcp.NewServer(manager, fs, slog.Default())

	httpServer := api.NewServer(api.Deps{
		Config:    cfg,
		Bus:       bus,
		Manager:   manager,
		Super:     super,
		Governor:  governor,
		Skills:    skillExec,
		Scheduler: sched,
		Webhooks:  hooks,
		FS:        fs,
		Audit:     auditLog,
		Metrics:   m,
		MCP:       mcpSrv.Handler(),
		Logger:    slog.Default(),
	})

	// 9. Background loops
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go m.Observe(runCtx, bus)
	go auditLog.Run(runCtx)
	go sched.Run(runCtx)
	go hooks.Run(runCtx)
	go httpServer.Hub().Run(runCtx)
	go notifier.Run(runCtx, bus)

	// 10. Serve
	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	bus.Emit(events.EventKernelReady, 0, map[string]any{"version": version.Full()})
	slog.Info("aether kernel ready",
		"addr", cfg.Addr(),
		"store", cfg.Store.Backend,
		"max_concurrent", cfg.Kernel.MaxConcurrent)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop background loops, terminate processes,
	// then drain HTTP.
	cancelRun()

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 10*time.Second)
	defer cancelShutdown()
	manager.Shutdown(shutdownCtx)

	httpCtx, cancelHTTP := context.WithTimeout(ctx, 5*time.Second)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	manager.WaitReaps()
	slog.Info("Shutdown complete")
}
