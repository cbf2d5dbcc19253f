package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hikarukin/kagami/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Daemon    DaemonConfig    `koanf:"daemon"`
	Store     StoreConfig     `koanf:"store"`
	View      ViewConfig      `koanf:"view"`
	Watcher   WatcherConfig   `koanf:"watcher"`
	Compact   CompactConfig   `koanf:"compact"`
	Reconcile ReconcileConfig `koanf:"reconcile"`
}

type DaemonConfig struct {
	LogLevel               string `koanf:"log_level"`
	WorkspacePath          string `koanf:"workspace_path"`
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	PreflightTimeout       string `koanf:"preflight_timeout"`
	StaleLockTTL           string `koanf:"stale_lock_ttl"`
}

type StoreConfig struct {
	PoolSize     int    `koanf:"pool_size"`
	LockTimeout  string `koanf:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry"`
}

type ViewConfig struct {
	Path        string `koanf:"path"`
	TokenBudget int    `koanf:"token_budget"`
	Encoding    string `koanf:"encoding"`
}

type WatcherConfig struct {
	Debounce        string   `koanf:"debounce"`
	Cooldown        string   `koanf:"cooldown"`
	RetryBackoff    string   `koanf:"retry_backoff"`
	RetryBackoffMax string   `koanf:"retry_backoff_max"`
	ParseRetryMax   int      `koanf:"parse_retry_max"`
	MaintainBudget  string   `koanf:"maintain_budget"`
	ExtraPaths      []string `koanf:"extra_paths"`
}

type CompactConfig struct {
	CutoffAge      string `koanf:"cutoff_age"`
	GracePeriod    string `koanf:"grace_period"`
	BlobTTL        string `koanf:"blob_ttl"`
	MaxRowsPerPass int    `koanf:"max_rows_per_pass"`
	PassBudget     string `koanf:"pass_budget"`
	Schedule       string `koanf:"schedule"`
}

type ReconcileConfig struct {
	Rules []ReconcileRule `koanf:"rules"`
}

// ReconcileRule is one extra allow-list entry loaded at startup. The
// built-in rules are always present; configured rules extend them and
// are never mutated at runtime.
type ReconcileRule struct {
	Path   string `koanf:"path"`
	Kind   string `koanf:"kind"` // "upsert" or "append"
	Target string `koanf:"target"`
}

const (
	DefaultWorkspaceID                  = "default"
	DefaultDaemonLogLevel               = "info"
	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonPreflightTimeout       = "10s"
	DefaultDaemonStaleLockTTL           = "15m"
	DefaultStorePoolSize                = 4
	DefaultStoreLockTimeout             = "30s"
	DefaultStoreLockRetry               = "100ms"
	DefaultStoreLockMaxRetry            = 300
	DefaultViewTokenBudget              = 8000
	DefaultViewEncoding                 = "cl100k_base"
	DefaultWatcherDebounce              = "500ms"
	DefaultWatcherCooldown              = "250ms"
	DefaultWatcherRetryBackoff          = "1s"
	DefaultWatcherRetryBackoffMax       = "30s"
	DefaultWatcherParseRetryMax         = 5
	DefaultWatcherMaintainBudget        = "30s"
	DefaultCompactCutoffAge             = "72h"
	DefaultCompactGracePeriod           = "168h"
	DefaultCompactBlobTTL               = "720h"
	DefaultCompactMaxRowsPerPass        = 500
	DefaultCompactPassBudget            = "10s"
	DefaultCompactSchedule              = "@every 15m"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"daemon.log_level":                DefaultDaemonLogLevel,
		"daemon.workspace_path":           filepath.Join(os.Getenv("HOME"), ".kagami", "workspaces"),
		"daemon.shutdown_timeout":         DefaultDaemonShutdownTimeout,
		"daemon.startup_shutdown_timeout": DefaultDaemonStartupShutdownTimeout,
		"daemon.health_check_interval":    DefaultDaemonHealthCheckInterval,
		"daemon.preflight_timeout":        DefaultDaemonPreflightTimeout,
		"daemon.stale_lock_ttl":           DefaultDaemonStaleLockTTL,
		"store.pool_size":                 DefaultStorePoolSize,
		"store.lock_timeout":              DefaultStoreLockTimeout,
		"store.lock_retry":                DefaultStoreLockRetry,
		"store.lock_max_retry":            DefaultStoreLockMaxRetry,
		"view.path":                       "",
		"view.token_budget":               DefaultViewTokenBudget,
		"view.encoding":                   DefaultViewEncoding,
		"watcher.debounce":                DefaultWatcherDebounce,
		"watcher.cooldown":                DefaultWatcherCooldown,
		"watcher.retry_backoff":           DefaultWatcherRetryBackoff,
		"watcher.retry_backoff_max":       DefaultWatcherRetryBackoffMax,
		"watcher.parse_retry_max":         DefaultWatcherParseRetryMax,
		"watcher.maintain_budget":         DefaultWatcherMaintainBudget,
		"watcher.extra_paths":             []string{},
		"compact.cutoff_age":              DefaultCompactCutoffAge,
		"compact.grace_period":            DefaultCompactGracePeriod,
		"compact.blob_ttl":                DefaultCompactBlobTTL,
		"compact.max_rows_per_pass":       DefaultCompactMaxRowsPerPass,
		"compact.pass_budget":             DefaultCompactPassBudget,
		"compact.schedule":                DefaultCompactSchedule,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".kagami", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables. Key names contain both separators
	// (daemon.log_level), so a blind underscore-to-dot rewrite cannot
	// recover them; candidates are matched against the known key set
	// with every separator flattened to a dot.
	envKeys := make(map[string]string, len(defaults))
	for key := range defaults {
		envKeys[strings.ReplaceAll(key, "_", ".")] = key
	}
	k.Load(env.Provider("KAGAMI_", ".", func(s string) string {
		candidate := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "KAGAMI_")), "_", ".")
		if key, ok := envKeys[candidate]; ok {
			return key
		}
		return candidate
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	workspacePath, err := expandConfiguredPath(cfg.Daemon.WorkspacePath)
	if err != nil {
		return err
	}
	if workspacePath != "" {
		cfg.Daemon.WorkspacePath = workspacePath
	}

	viewPath, err := expandConfiguredPath(cfg.View.Path)
	if err != nil {
		return err
	}
	if viewPath != "" {
		cfg.View.Path = viewPath
	}

	for i := range cfg.Watcher.ExtraPaths {
		expanded, err := expandConfiguredPath(cfg.Watcher.ExtraPaths[i])
		if err != nil {
			return err
		}
		if expanded != "" {
			cfg.Watcher.ExtraPaths[i] = expanded
		}
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
