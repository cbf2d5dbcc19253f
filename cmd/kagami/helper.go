package main

import (
	"fmt"
	"os"

	"github.com/hikarukin/kagami/internal/compact"
	"github.com/hikarukin/kagami/internal/config"
	"github.com/hikarukin/kagami/internal/reconcile"
	"github.com/hikarukin/kagami/internal/store"
	"github.com/hikarukin/kagami/internal/token"
	"github.com/hikarukin/kagami/internal/view"
	"github.com/hikarukin/kagami/internal/watcher"

	"github.com/spf13/cobra"
)

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

func resolveWorkspaceID(cmd *cobra.Command) string {
	if workspaceID, _ := cmd.Flags().GetString("workspace"); workspaceID != "" {
		return workspaceID
	}
	return config.DefaultWorkspaceID
}

// runtimeEnv is the one-shot variant of the daemon's component stack:
// workspace lock plus open store, for commands that run and exit.
type runtimeEnv struct {
	workspaceID string
	lock        *store.FileLock
	store       *store.Store
}

func openRuntime(cmd *cobra.Command) (*runtimeEnv, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	workspaceID := resolveWorkspaceID(cmd)

	workspacePath, err := store.GetWorkspacePath(workspaceID, cfg.Daemon.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	if err := ensureDir(workspacePath); err != nil {
		return nil, err
	}

	lock, err := store.NewFileLock(workspaceID, workspacePath, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire workspace lock: %w", err)
	}

	dbPath, err := store.GetDatabasePath(workspaceID, cfg.Daemon.WorkspacePath)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	st, err := store.Open(store.Config{Path: dbPath, PoolSize: cfg.Store.PoolSize})
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &runtimeEnv{workspaceID: workspaceID, lock: lock, store: st}, nil
}

func (r *runtimeEnv) Close() {
	if r.store != nil {
		r.store.Close()
	}
	if r.lock != nil {
		r.lock.Unlock()
	}
}

func (r *runtimeEnv) exporter(budgetOverride int) (*view.Exporter, error) {
	viewPath := cfg.View.Path
	if viewPath == "" {
		defaultPath, err := store.GetDefaultViewPath(r.workspaceID, cfg.Daemon.WorkspacePath)
		if err != nil {
			return nil, fmt.Errorf("resolve view path: %w", err)
		}
		viewPath = defaultPath
	}

	budget := budgetOverride
	if budget <= 0 {
		budget = cfg.View.TokenBudget
	}
	if budget <= 0 {
		budget = config.DefaultViewTokenBudget
	}

	return view.NewExporter(r.store, viewPath, budget, token.NewEstimator(cfg.View.Encoding)), nil
}

// coordinator builds the full cycle stack without starting the file
// watcher, for one-shot maintenance hooks.
func (r *runtimeEnv) coordinator() (*watcher.Coordinator, error) {
	exporter, err := r.exporter(0)
	if err != nil {
		return nil, err
	}

	rules, err := reconcile.FromConfig(cfg.Reconcile.Rules)
	if err != nil {
		return nil, fmt.Errorf("load reconcile rules: %w", err)
	}
	rec := reconcile.NewReconciler(r.store, rules)

	compactor, err := compact.NewCompactor(r.store, cfg.Compact)
	if err != nil {
		return nil, fmt.Errorf("create compactor: %w", err)
	}

	watcherCfg, err := watcher.ParseConfig(cfg.Watcher)
	if err != nil {
		return nil, fmt.Errorf("parse watcher config: %w", err)
	}
	return watcher.NewCoordinator(watcherCfg, r.store, rec, exporter, compactor), nil
}
