// Package config loads the runtime configuration for the antigravity core.
//
// Configuration is layered: built-in defaults, then an optional YAML file at
// ~/.antigravity/config.yaml (or an explicit path), then environment
// variables with the ANTIGRAVITY_ prefix. Secrets never live here; they are
// resolved through the vault client.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	AppRoot string `mapstructure:"app_root"`
	AppName string `mapstructure:"app_name"`

	Server     ServerConfig     `mapstructure:"server"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
}

// ServerConfig configures the local HTTP server.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// BridgeConfig configures the dispatcher.
type BridgeConfig struct {
	WebhookURL      string        `mapstructure:"webhook_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DelegateTimeout time.Duration `mapstructure:"delegate_timeout"`
	DeliverablesDir string        `mapstructure:"deliverables_dir"`
}

// StreamConfig configures the streaming channel.
type StreamConfig struct {
	Models  []string      `mapstructure:"models"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MemoryConfig configures session memory.
type MemoryConfig struct {
	WindowSize int           `mapstructure:"window_size"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// BreakerConfig configures circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// BudgetConfig configures the execution budget guard.
type BudgetConfig struct {
	MonthlyLimit int `mapstructure:"monthly_limit"`
}

// SnapshotConfig configures the config snapshotter.
type SnapshotConfig struct {
	Retention int `mapstructure:"retention"`
}

// ProviderConfig configures the workflow automation provider API.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// LifecycleConfig names the workflow groups the lifecycle manager owns.
type LifecycleConfig struct {
	Groups map[string][]string `mapstructure:"groups"`
}

// SupervisorConfig configures the periodic supervisor loop.
type SupervisorConfig struct {
	Tick           time.Duration `mapstructure:"tick"`
	PortfolioPath  string        `mapstructure:"portfolio_path"`
	DailyTrigger   string        `mapstructure:"daily_trigger"`
	WindowWeekdays []int         `mapstructure:"window_weekdays"`
	WindowStart    int           `mapstructure:"window_start"`
	WindowEnd      int           `mapstructure:"window_end"`
}

// HomeDir returns the antigravity state directory, creating it if needed.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, ".antigravity")
	_ = os.MkdirAll(dir, 0755)
	return dir
}

func setDefaults(v *viper.Viper, appRoot string) {
	v.SetDefault("app_root", appRoot)
	v.SetDefault("app_name", "antigravity")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5005)

	v.SetDefault("bridge.request_timeout", 90*time.Second)
	v.SetDefault("bridge.delegate_timeout", 120*time.Second)
	v.SetDefault("bridge.deliverables_dir", filepath.Join(appRoot, "deliverables"))

	v.SetDefault("stream.models", []string{
		"gemini-2.0-flash",
		"gemini-1.5-flash",
		"gemini-1.5-pro",
	})
	v.SetDefault("stream.timeout", 120*time.Second)

	v.SetDefault("memory.window_size", 5)
	v.SetDefault("memory.stale_after", 24*time.Hour)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.cooldown", 300*time.Second)

	v.SetDefault("budget.monthly_limit", 2500)
	v.SetDefault("snapshot.retention", 10)

	v.SetDefault("provider.base_url", "http://localhost:5678")

	v.SetDefault("supervisor.tick", 5*time.Minute)
	v.SetDefault("supervisor.portfolio_path", filepath.Join(appRoot, "Alpha_Data", "portfolio.json"))
	v.SetDefault("supervisor.daily_trigger", "09:15")
	// Provider checks only run inside this window. Configuration, not policy.
	v.SetDefault("supervisor.window_weekdays", []int{1, 2})
	v.SetDefault("supervisor.window_start", 9)
	v.SetDefault("supervisor.window_end", 16)
}

// Load reads configuration from configPath (optional) plus environment.
func Load(configPath string) (*Config, error) {
	appRoot, err := os.Getwd()
	if err != nil {
		appRoot = "."
	}

	v := viper.New()
	setDefaults(v, appRoot)

	v.SetEnvPrefix("ANTIGRAVITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(HomeDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if configPath != "" {
			if _, statErr := os.Stat(configPath); statErr == nil {
				return nil, err
			}
		} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
