package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hikarukin/kagami/internal/compact"
	"github.com/hikarukin/kagami/internal/concurrency"
	"github.com/hikarukin/kagami/internal/config"
	"github.com/hikarukin/kagami/internal/daemon"
)

// CompactorComponent runs the retention schedule: compaction sweeps,
// grace-period purges, and blob expiry.
type CompactorComponent struct {
	cfg       *config.Config
	storeComp *StoreComponent

	compactor *compact.Compactor
	stopCh    chan struct{}
	doneCh    chan struct{}

	mu      sync.RWMutex
	started bool
	lastRun time.Time
}

func NewCompactorComponent(cfg *config.Config, storeComp *StoreComponent) *CompactorComponent {
	return &CompactorComponent{cfg: cfg, storeComp: storeComp}
}

func (c *CompactorComponent) Name() string {
	return "Compactor"
}

func (c *CompactorComponent) Dependencies() []string {
	return []string{"Store"}
}

func (c *CompactorComponent) Init(ctx context.Context) error {
	if c.storeComp == nil {
		return fmt.Errorf("storeComp not provided")
	}
	st := c.storeComp.GetStore()
	if st == nil {
		return fmt.Errorf("store not initialized")
	}

	compactor, err := compact.NewCompactor(st, c.cfg.Compact)
	if err != nil {
		return fmt.Errorf("create compactor: %w", err)
	}
	c.compactor = compactor
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	return nil
}

func (c *CompactorComponent) Start(ctx context.Context) error {
	if c.compactor == nil {
		return fmt.Errorf("compactor not initialized")
	}

	concurrency.SafeGo(func() {
		c.runSchedule(ctx)
	}, func(r any) {
		slog.Error("Retention loop panicked", "panic", r)
	})

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *CompactorComponent) runSchedule(ctx context.Context) {
	defer close(c.doneCh)

	for {
		next := c.compactor.Schedule().Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := c.compactor.RunRetention(ctx); err != nil {
			slog.Error("Retention sweep failed", "error", err)
		}
		c.mu.Lock()
		c.lastRun = time.Now()
		c.mu.Unlock()
	}
}

func (c *CompactorComponent) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	close(c.stopCh)
	<-c.doneCh
	c.started = false
	return nil
}

func (c *CompactorComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	health := &daemon.ComponentHealth{Name: c.Name(), Healthy: c.started}
	if !c.started {
		health.Error = fmt.Errorf("compactor not running")
		return health, nil
	}
	if !c.lastRun.IsZero() {
		health.Detail = fmt.Sprintf("last sweep %v ago", time.Since(c.lastRun).Round(time.Second))
	}
	return health, nil
}

// GetCompactor returns the underlying compactor, or nil before Init.
func (c *CompactorComponent) GetCompactor() *compact.Compactor {
	return c.compactor
}
