package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hikarukin/kagami/internal/config"
	"github.com/hikarukin/kagami/internal/daemon"
	"github.com/hikarukin/kagami/internal/reconcile"
	"github.com/hikarukin/kagami/internal/store"
	"github.com/hikarukin/kagami/internal/token"
	"github.com/hikarukin/kagami/internal/view"
	"github.com/hikarukin/kagami/internal/watcher"
)

// WatcherComponent wires the exporter, reconciler, and file watcher
// together and publishes the first view on startup.
type WatcherComponent struct {
	cfg           *config.Config
	workspaceID   string
	storeComp     *StoreComponent
	compactorComp *CompactorComponent

	coordinator *watcher.Coordinator
	exporter    *view.Exporter

	mu      sync.RWMutex
	started bool
}

func NewWatcherComponent(cfg *config.Config, workspaceID string, storeComp *StoreComponent, compactorComp *CompactorComponent) *WatcherComponent {
	return &WatcherComponent{
		cfg:           cfg,
		workspaceID:   workspaceID,
		storeComp:     storeComp,
		compactorComp: compactorComp,
	}
}

func (w *WatcherComponent) Name() string {
	return "Watcher"
}

func (w *WatcherComponent) Dependencies() []string {
	return []string{"Store", "Compactor"}
}

func (w *WatcherComponent) Init(ctx context.Context) error {
	if w.storeComp == nil || w.compactorComp == nil {
		return fmt.Errorf("store or compactor component not provided")
	}
	st := w.storeComp.GetStore()
	if st == nil {
		return fmt.Errorf("store not initialized")
	}
	compactor := w.compactorComp.GetCompactor()
	if compactor == nil {
		return fmt.Errorf("compactor not initialized")
	}

	viewPath := w.cfg.View.Path
	if viewPath == "" {
		defaultPath, err := store.GetDefaultViewPath(w.workspaceID, w.cfg.Daemon.WorkspacePath)
		if err != nil {
			return fmt.Errorf("resolve view path: %w", err)
		}
		viewPath = defaultPath
	}

	budget := w.cfg.View.TokenBudget
	if budget <= 0 {
		budget = config.DefaultViewTokenBudget
	}
	estimator := token.NewEstimator(w.cfg.View.Encoding)
	w.exporter = view.NewExporter(st, viewPath, budget, estimator)

	rules, err := reconcile.FromConfig(w.cfg.Reconcile.Rules)
	if err != nil {
		return fmt.Errorf("load reconcile rules: %w", err)
	}
	rec := reconcile.NewReconciler(st, rules)

	watcherCfg, err := watcher.ParseConfig(w.cfg.Watcher)
	if err != nil {
		return fmt.Errorf("parse watcher config: %w", err)
	}
	w.coordinator = watcher.NewCoordinator(watcherCfg, st, rec, w.exporter, compactor)
	compactor.SetSnapshotHook(w.coordinator.SnapshotActive)

	slog.Info("Watcher initialized", "component", w.Name(), "view", viewPath, "rules", len(rules))
	return nil
}

func (w *WatcherComponent) Start(ctx context.Context) error {
	if w.coordinator == nil {
		return fmt.Errorf("watcher not initialized")
	}

	// Publish before watching so external tools always find a view
	// file, even on a brand-new workspace.
	if _, err := w.exporter.Export(ctx); err != nil {
		return fmt.Errorf("initial export: %w", err)
	}

	if err := w.coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	return nil
}

func (w *WatcherComponent) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	w.coordinator.Stop()
	w.started = false
	return nil
}

func (w *WatcherComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	health := &daemon.ComponentHealth{Name: w.Name(), Healthy: w.started}
	if !w.started {
		health.Error = fmt.Errorf("watcher not running")
		return health, nil
	}
	health.Detail = w.coordinator.State().String()
	return health, nil
}

// GetCoordinator returns the running coordinator, or nil before Init.
func (w *WatcherComponent) GetCoordinator() *watcher.Coordinator {
	return w.coordinator
}
