package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"antigravity/internal/bridge"
	"antigravity/internal/memory"
	"antigravity/internal/registry"
	"antigravity/internal/server"
	"antigravity/internal/stream"
	"antigravity/internal/supervisor"
	"antigravity/internal/telemetry"
)

const defaultSystemPrompt = `You are the operations copilot for an automated agent suite.
Answer concisely, ground every claim in the supplied context, and flag
anything that needs human review instead of guessing.`

func serveCmd() *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, supervisor loop, and workflow lifecycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp("serve")
			if err != nil {
				return err
			}
			return runServe(a, group)
		},
	}
	cmd.Flags().StringVar(&group, "group", "alpha", "workflow group to manage")
	return cmd
}

func runServe(a *app, group string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, a.cfg.AppName, a.logger)
	if err != nil {
		a.logger.Warn("Tracing init failed: %v", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
		}()
	}
	metrics := telemetry.NewMetrics(a.cfg.AppName)

	store := memory.New(a.cfg.AppRoot, a.cfg.Memory.WindowSize, a.cfg.Memory.StaleAfter, a.logger)

	agents := registry.New(nil, a.logger,
		registry.WithDiscoveryURL(a.cfg.Provider.BaseURL+"/webhook/agent-registry"),
		registry.WithLegacyFile(filepath.Join(a.cfg.AppRoot, "agent_registry.json")),
	)
	if err := agents.Refresh(ctx); err != nil {
		a.logger.Warn("Registry refresh failed, continuing with seed: %v", err)
	}

	webhookURL := a.cfg.Bridge.WebhookURL
	if webhookURL == "" {
		webhookURL = a.secrets.GetSecret("WEBHOOK_URL", "")
	}

	core := bridge.New(bridge.Config{
		AppName:         a.cfg.AppName,
		AppRoot:         a.cfg.AppRoot,
		DeliverablesDir: a.cfg.Bridge.DeliverablesDir,
		WebhookURL:      webhookURL,
		RequestTimeout:  a.cfg.Bridge.RequestTimeout,
		DelegateTimeout: a.cfg.Bridge.DelegateTimeout,
		Memory:          store,
		Registry:        agents,
		Breakers:        a.breakers,
		ErrorLog:        a.errlog,
		Provider:        a.provider,
		Logger:          a.logger,
	})

	streamCfg := stream.Config{
		APIKey:       func() string { return a.secrets.GetSecret("GEMINI_API_KEY", "") },
		Models:       a.cfg.Stream.Models,
		Timeout:      a.cfg.Stream.Timeout,
		SystemPrompt: defaultSystemPrompt,
		ConfigPaths: []string{
			filepath.Join(a.cfg.AppRoot, "Alpha_Data", "strategy.md"),
			filepath.Join(a.cfg.AppRoot, "MASTER_INDEX.md"),
		},
		Local:  store,
		Logger: a.logger,
	}
	supabaseURL := a.secrets.GetSecret("SUPABASE_URL", "")
	supabaseKey := a.secrets.GetSecret("SUPABASE_KEY", "")
	if supabaseURL != "" && supabaseKey != "" {
		streamCfg.Remote = memory.NewRemote(supabaseURL, supabaseKey)
		a.logger.Info("Long-term memory enabled (Supabase)")
	} else {
		a.logger.Warn("Supabase credentials not set; stream memory is local only")
	}
	channel := stream.New(streamCfg)

	httpServer := server.New(server.Config{
		AppName:         a.cfg.AppName,
		AppRoot:         a.cfg.AppRoot,
		Host:            a.cfg.Server.Host,
		Port:            a.cfg.Server.Port,
		PortfolioPath:   a.cfg.Supervisor.PortfolioPath,
		MacroEventsPath: a.macroEventsPath(),
		Bridge:          core,
		Stream:          channel,
		Registry:        agents,
		Snapshotter:     a.snaps,
		Metrics:         metrics,
		ErrorLog:        a.errlog,
		Logger:          a.logger,
	})

	watchdog := supervisor.New(supervisor.Config{
		Tick:           a.cfg.Supervisor.Tick,
		PortfolioPath:  a.cfg.Supervisor.PortfolioPath,
		DailyTrigger:   a.cfg.Supervisor.DailyTrigger,
		WindowWeekdays: a.cfg.Supervisor.WindowWeekdays,
		WindowStart:    a.cfg.Supervisor.WindowStart,
		WindowEnd:      a.cfg.Supervisor.WindowEnd,
		HealthURL:      fmt.Sprintf("http://127.0.0.1:%d/api/health", a.cfg.Server.Port),
		Provider:       a.provider,
		ErrorLog:       a.errlog,
		Logger:         a.logger,
		Trigger: func(ctx context.Context, reason string, force bool) error {
			prompt := "Supervisor trigger: " + reason + ". Assess and act."
			if force {
				prompt += " This is an event-driven run; do not defer to the market window."
			}
			core.Dispatch(ctx, bridge.Payload{
				Prompt:       prompt,
				SuiteCommand: true,
				SessionID:    "supervisor",
			})
			return ctx.Err()
		},
	})

	if _, err := a.groups.Startup(ctx, group); err != nil {
		a.logger.Warn("Workflow startup incomplete: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.groups.Shutdown(shutdownCtx, group)
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return httpServer.Run(egCtx) })
	eg.Go(func() error { return watchdog.Run(egCtx) })

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("Shutdown complete")
	return nil
}
