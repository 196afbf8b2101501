// Package main is the entry point for the Chatwarden conversation
// orchestrator. It loads configuration, builds the orchestrator and its
// collaborators, starts every configured platform adapter, and runs
// until an interrupt or terminate signal is received.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/chatwarden/internal/buildinfo"
	"github.com/nugget/chatwarden/internal/command"
	"github.com/nugget/chatwarden/internal/config"
	"github.com/nugget/chatwarden/internal/debugserver"
	"github.com/nugget/chatwarden/internal/debugstore"
	"github.com/nugget/chatwarden/internal/events"
	"github.com/nugget/chatwarden/internal/llmclient"
	"github.com/nugget/chatwarden/internal/orchestrator"
	"github.com/nugget/chatwarden/internal/platform/githubchat"
	"github.com/nugget/chatwarden/internal/platform/mqttchat"
	"github.com/nugget/chatwarden/internal/platform/signalchat"
	"github.com/nugget/chatwarden/internal/platform/wschat"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := run(logger, *configPath); err != nil {
		logger.Error("chatwarden exited with error", "error", err)
		os.Exit(1)
	}
}

// adapterEntry pairs a platform adapter's name with its blocking Start
// method, for uniform supervision under a single errgroup.
type adapterEntry struct {
	name  string
	start func(ctx context.Context) error
}

// run loads configuration, wires every collaborator, and blocks until
// ctx is cancelled by a shutdown signal or an adapter fails fatally.
func run(logger *slog.Logger, configPath string) error {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level in config: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting chatwarden", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	bus := events.New()

	var llm llmclient.Client
	if cfg.Anthropic.Configured() {
		llm = llmclient.NewAnthropicClient(cfg.Anthropic, logger)
		logger.Info("anthropic client configured", "model", cfg.Anthropic.Model)
	} else {
		logger.Warn("no anthropic api key configured; replies will fail")
	}

	// Adapters register themselves as the orchestrator's active sender
	// through Deps.Sender; only one adapter is "the" sender for replies,
	// but every adapter's inbound events still flow to HandleEvent. A
	// deployment that only ever runs one platform is the common case, so
	// the first enabled adapter in this priority order becomes Sender.
	var sender orchestrator.Adapter
	var adapters []adapterEntry

	// registerHandler collects deferred orchestrator.HandleEvent wiring
	// for adapters that must be constructed before the Orchestrator
	// itself exists (the Orchestrator needs Sender, but an adapter's
	// inbound Handler needs the Orchestrator).
	var registerHandler []func(o *orchestrator.Orchestrator)

	if cfg.MQTT.Enabled() {
		bridge := mqttchat.New(cfg.MQTT, logger)
		if sender == nil {
			sender = bridge
		}
		adapters = append(adapters, adapterEntry{"mqtt", bridge.Start})
		registerHandler = append(registerHandler, func(o *orchestrator.Orchestrator) { bridge.Handler = o.HandleEvent })
	}

	if cfg.Signal.Enabled() {
		bridge := signalchat.New(signalchat.Config{
			Command:      cfg.Signal.Command,
			Args:         cfg.Signal.Args,
			MentionToken: cfg.Signal.MentionToken,
			PlatformName: cfg.Signal.PlatformName,
		}, logger)
		if sender == nil {
			sender = bridge
		}
		adapters = append(adapters, adapterEntry{"signal", bridge.Start})
		registerHandler = append(registerHandler, func(o *orchestrator.Orchestrator) { bridge.Handler = o.HandleEvent })
	}

	if cfg.GitHub.Enabled() {
		bridge, err := githubchat.New(githubchat.Config{
			Token:         cfg.GitHub.Token,
			WebhookSecret: cfg.GitHub.WebhookSecret,
			BaseURL:       cfg.GitHub.BaseURL,
			Address:       cfg.GitHub.Address,
			Port:          cfg.GitHub.Port,
			PlatformName:  cfg.GitHub.PlatformName,
		}, logger)
		if err != nil {
			return fmt.Errorf("configure github adapter: %w", err)
		}
		if sender == nil {
			sender = bridge
		}
		adapters = append(adapters, adapterEntry{"github", bridge.Start})
		registerHandler = append(registerHandler, func(o *orchestrator.Orchestrator) { bridge.Handler = o.HandleEvent })
	}

	if cfg.WSChat.Enabled {
		bridge := wschat.New(wschat.Config{
			Address:      cfg.WSChat.Address,
			Port:         cfg.WSChat.Port,
			PlatformName: cfg.WSChat.PlatformName,
		}, logger)
		if sender == nil {
			sender = bridge
		}
		adapters = append(adapters, adapterEntry{"wschat", bridge.Start})
		registerHandler = append(registerHandler, func(o *orchestrator.Orchestrator) { bridge.Handler = o.HandleEvent })
	}

	if sender == nil {
		logger.Warn("no platform adapter configured; chatwarden will idle with no inbound or outbound transport")
	}

	dispatcher := command.NewRegistry(sender)
	registerBuiltinCommands(dispatcher)

	orch := orchestrator.New(cfg, logger, orchestrator.Deps{
		Sender:     sender,
		LLM:        llm,
		Dispatcher: dispatcher,
		Bus:        bus,
	})
	for _, reg := range registerHandler {
		reg(orch)
	}
	defer orch.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	for _, a := range adapters {
		a := a
		g.Go(func() error {
			logger.Info("starting adapter", "adapter", a.name)
			if err := a.start(gctx); err != nil {
				return fmt.Errorf("adapter %s: %w", a.name, err)
			}
			return nil
		})
	}

	if cfg.DebugStore.Enabled() {
		store, err := debugstore.Open(cfg.DebugStore.Path)
		if err != nil {
			return fmt.Errorf("open debug store %s: %w", cfg.DebugStore.Path, err)
		}
		defer store.Close()
		g.Go(func() error {
			store.Run(gctx, bus, logger)
			return nil
		})
		logger.Info("debug store enabled", "path", cfg.DebugStore.Path)
	}

	if cfg.Debug.Enabled {
		srv := debugserver.New(cfg.Debug.Address, cfg.Debug.Port, orch, bus, logger)
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("debug server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		runIdleRotation(gctx, orch, logger)
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("chatwarden stopped")
	return nil
}

// idleRotationInterval is how often RotateIdleSessions sweeps for
// sessions that have gone quiet long enough to release their resources.
const idleRotationInterval = 10 * time.Minute

// idleThreshold is how long a session may sit untouched before
// RotateIdleSessions considers it idle.
const idleThreshold = 2 * time.Hour

func runIdleRotation(ctx context.Context, orch *orchestrator.Orchestrator, logger *slog.Logger) {
	ticker := time.NewTicker(idleRotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orch.RotateIdleSessions(idleThreshold)
			logger.Debug("idle session rotation swept")
		}
	}
}

// registerBuiltinCommands wires the small set of commands shipped by
// default; platform deployments add their own via Registry.Register.
func registerBuiltinCommands(reg *command.Registry) {
	reg.Register("ping", func(ctx context.Context, ev command.Event, args string) (string, error) {
		return "pong", nil
	})
	reg.Register("version", func(ctx context.Context, ev command.Event, args string) (string, error) {
		return buildinfo.String(), nil
	})
}
