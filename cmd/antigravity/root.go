// Command antigravity is the unified entrypoint: the serve loop plus the
// operational subcommands that used to be scattered across scripts.
package main

import (
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"antigravity/internal/breaker"
	"antigravity/internal/budget"
	"antigravity/internal/config"
	"antigravity/internal/errorlog"
	"antigravity/internal/lifecycle"
	"antigravity/internal/logging"
	"antigravity/internal/n8nclient"
	"antigravity/internal/snapshot"
	"antigravity/internal/vault"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "antigravity",
	Short:         "Agent factory core runtime",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.AddCommand(
		serveCmd(),
		lifecycleCmd(),
		breakerCmd(),
		errorsCmd(),
		snapshotCmd(),
		budgetCmd(),
		preflightCmd(),
		telemetryCmd(),
	)
}

// app bundles the collaborators every subcommand needs.
type app struct {
	cfg      *config.Config
	logger   logging.Logger
	secrets  *vault.Client
	provider *n8nclient.Client
	errlog   *errorlog.Log
	breakers *breaker.Manager
	snaps    *snapshot.Snapshotter
	budget   *budget.Guard
	groups   *lifecycle.Manager
}

// newApp loads configuration and builds the shared collaborators.
func newApp(component string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.NewComponentLogger(component)
	secrets := vault.New(cfg.AppRoot, vault.WithLogger(logger))
	apiKey := secrets.GetSecret("N8N_API_KEY", "")
	provider := n8nclient.New(cfg.Provider.BaseURL, apiKey, 15*time.Second, logger)
	errlog := errorlog.New(errorlog.DefaultPath(), logger)
	breakers := breaker.NewManager(breaker.DefaultDir(), breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, breaker.WithLogger(logger))
	snaps := snapshot.New(snapshot.DefaultDir(cfg.AppRoot), cfg.Snapshot.Retention, logger)
	guard := budget.New(provider, budget.DefaultHistoryPath(cfg.AppRoot), cfg.Budget.MonthlyLimit, logger)
	groups := lifecycle.New(provider, lifecycleGroups(cfg), logger, lifecycle.WithErrorLog(errlog))

	return &app{
		cfg:      cfg,
		logger:   logger,
		secrets:  secrets,
		provider: provider,
		errlog:   errlog,
		breakers: breakers,
		snaps:    snaps,
		budget:   guard,
		groups:   groups,
	}, nil
}

// lifecycleGroups falls back to the stock keyword sets when the config file
// names none.
func lifecycleGroups(cfg *config.Config) map[string][]string {
	if len(cfg.Lifecycle.Groups) > 0 {
		return cfg.Lifecycle.Groups
	}
	return map[string][]string{
		"alpha": {"alpha", "antigravity", "sentinel"},
		"meta":  {"meta", "factory", "council"},
	}
}

func (a *app) macroEventsPath() string {
	return filepath.Join(a.cfg.AppRoot, "Alpha_Data", "macro_events.json")
}
