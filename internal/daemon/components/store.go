package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hikarukin/kagami/internal/config"
	"github.com/hikarukin/kagami/internal/daemon"
	"github.com/hikarukin/kagami/internal/store"
)

// StoreComponent owns the workspace lock and the SQLite store. Every
// other component reaches durable state through it.
type StoreComponent struct {
	workspaceID       string
	workspaceRootPath string
	storeCfg          *config.StoreConfig

	lock  *store.FileLock
	store *store.Store

	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewStoreComponent(workspaceID, workspaceRootPath string, storeCfg *config.StoreConfig) *StoreComponent {
	return &StoreComponent{
		workspaceID:       workspaceID,
		workspaceRootPath: workspaceRootPath,
		storeCfg:          storeCfg,
	}
}

func (s *StoreComponent) Name() string {
	return "Store"
}

func (s *StoreComponent) Dependencies() []string {
	return []string{}
}

func (s *StoreComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("Store init cancelled: %w", ctx.Err())
	default:
	}

	workspacePath, err := store.GetWorkspacePath(s.workspaceID, s.workspaceRootPath)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}

	lockCfg, err := s.lockConfig()
	if err != nil {
		return err
	}
	lock, err := store.NewFileLock(s.workspaceID, workspacePath, lockCfg)
	if err != nil {
		return fmt.Errorf("acquire workspace lock: %w", err)
	}

	dbPath, err := store.GetDatabasePath(s.workspaceID, s.workspaceRootPath)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("resolve database path: %w", err)
	}

	poolSize := 0
	if s.storeCfg != nil {
		poolSize = s.storeCfg.PoolSize
	}
	st, err := store.Open(store.Config{Path: dbPath, PoolSize: poolSize})
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("open store: %w", err)
	}

	s.lock = lock
	s.store = st
	s.initialized = true
	slog.Info("Store initialized", "component", s.Name(), "workspace", s.workspaceID, "db", dbPath)
	return nil
}

func (s *StoreComponent) lockConfig() (*store.FileLockConfig, error) {
	lockTimeoutValue := ""
	lockRetryValue := ""
	lockMaxRetry := 0
	if s.storeCfg != nil {
		lockTimeoutValue = s.storeCfg.LockTimeout
		lockRetryValue = s.storeCfg.LockRetry
		lockMaxRetry = s.storeCfg.LockMaxRetry
	}

	lockTimeout, err := config.DurationOrDefault(lockTimeoutValue, config.DefaultStoreLockTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse store lock timeout: %w", err)
	}
	lockRetry, err := config.DurationOrDefault(lockRetryValue, config.DefaultStoreLockRetry)
	if err != nil {
		return nil, fmt.Errorf("parse store lock retry: %w", err)
	}
	if lockMaxRetry <= 0 {
		lockMaxRetry = config.DefaultStoreLockMaxRetry
	}

	return &store.FileLockConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: lockMaxRetry,
	}, nil
}

func (s *StoreComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("Store not initialized")
	}

	s.started = true
	s.startTime = time.Now()
	return nil
}

func (s *StoreComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
		s.store = nil
	}
	if s.lock != nil {
		s.lock.Unlock()
		s.lock = nil
	}
	s.started = false
	return nil
}

func (s *StoreComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health := &daemon.ComponentHealth{Name: s.Name(), Healthy: s.started && s.store != nil}
	if !health.Healthy {
		health.Error = fmt.Errorf("store not running")
		return health, nil
	}
	if s.lock != nil {
		health.Detail = fmt.Sprintf("lock held %v", s.lock.HeldDuration().Round(time.Second))
	}
	return health, nil
}

// GetStore returns the open store, or nil before Init.
func (s *StoreComponent) GetStore() *store.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}
