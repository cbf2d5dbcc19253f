package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"

	"github.com/hikarukin/kagami/internal/compact"
	"github.com/hikarukin/kagami/internal/concurrency"
	"github.com/hikarukin/kagami/internal/config"
	kgerr "github.com/hikarukin/kagami/internal/errors"
	"github.com/hikarukin/kagami/internal/logger"
	"github.com/hikarukin/kagami/internal/reconcile"
	"github.com/hikarukin/kagami/internal/store"
	"github.com/hikarukin/kagami/internal/view"
)

// State is where the coordinator currently is in its cycle, exposed
// for health reporting.
type State int32

const (
	StateIdle State = iota
	StateDebouncing
	StateReconciling
	StateExporting
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateReconciling:
		return "reconciling"
	case StateExporting:
		return "exporting"
	case StateCooldown:
		return "cooldown"
	}
	return "unknown"
}

// Config carries the parsed watcher timings.
type Config struct {
	Debounce        time.Duration
	Cooldown        time.Duration
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	ParseRetryMax   int
	MaintainBudget  time.Duration
	ExtraPaths      []string
}

// ParseConfig converts the raw string durations from configuration.
func ParseConfig(cfg config.WatcherConfig) (Config, error) {
	out := Config{ParseRetryMax: cfg.ParseRetryMax, ExtraPaths: cfg.ExtraPaths}
	if out.ParseRetryMax <= 0 {
		out.ParseRetryMax = config.DefaultWatcherParseRetryMax
	}

	var err error
	if out.Debounce, err = config.DurationOrDefault(cfg.Debounce, config.DefaultWatcherDebounce); err != nil {
		return out, kgerr.Validation(fmt.Sprintf("watcher debounce: %v", err))
	}
	if out.Cooldown, err = config.DurationOrDefault(cfg.Cooldown, config.DefaultWatcherCooldown); err != nil {
		return out, kgerr.Validation(fmt.Sprintf("watcher cooldown: %v", err))
	}
	if out.RetryBackoff, err = config.DurationOrDefault(cfg.RetryBackoff, config.DefaultWatcherRetryBackoff); err != nil {
		return out, kgerr.Validation(fmt.Sprintf("watcher retry_backoff: %v", err))
	}
	if out.RetryBackoffMax, err = config.DurationOrDefault(cfg.RetryBackoffMax, config.DefaultWatcherRetryBackoffMax); err != nil {
		return out, kgerr.Validation(fmt.Sprintf("watcher retry_backoff_max: %v", err))
	}
	if out.MaintainBudget, err = config.DurationOrDefault(cfg.MaintainBudget, config.DefaultWatcherMaintainBudget); err != nil {
		return out, kgerr.Validation(fmt.Sprintf("watcher maintain_budget: %v", err))
	}
	return out, nil
}

// Coordinator watches the view file, debounces bursts of writes into a
// single cycle, reconciles external edits, and republishes. One cycle
// runs at a time; events landing mid-cycle coalesce into exactly one
// follow-up cycle.
type Coordinator struct {
	cfg       Config
	store     *store.Store
	rec       *reconcile.Reconciler
	exporter  *view.Exporter
	compactor *compact.Compactor

	fsw     *fsnotify.Watcher
	state   atomic.Int32
	cycleMu sync.Mutex
	pending atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewCoordinator(cfg Config, s *store.Store, rec *reconcile.Reconciler, exporter *view.Exporter, compactor *compact.Compactor) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		store:     s,
		rec:       rec,
		exporter:  exporter,
		compactor: compactor,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// State returns the coordinator's current cycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Start begins watching. The view file's directory is watched rather
// than the file itself so atomic rename-into-place is observed.
func (c *Coordinator) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	c.fsw = fsw

	viewDir := filepath.Dir(c.exporter.Path())
	if err := os.MkdirAll(viewDir, 0o755); err != nil {
		fsw.Close()
		return fmt.Errorf("create view directory: %v: %w", err, kgerr.ErrIO)
	}
	if err := fsw.Add(viewDir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %v: %w", viewDir, err, kgerr.ErrIO)
	}
	for _, extra := range c.cfg.ExtraPaths {
		if err := fsw.Add(extra); err != nil {
			slog.Warn("Failed to watch extra path, skipping", "path", extra, "error", err)
		}
	}

	concurrency.SafeGo(func() {
		c.loop(ctx)
	}, func(r any) {
		slog.Error("Watcher loop panicked", "panic", r)
	})

	slog.Info("Watcher started", "view", c.exporter.Path(), "extra_paths", len(c.cfg.ExtraPaths))
	return nil
}

// Stop halts the loop and waits for any in-flight cycle to finish.
func (c *Coordinator) Stop() {
	if c.fsw == nil {
		return
	}
	close(c.stopCh)
	if c.fsw != nil {
		c.fsw.Close()
	}
	<-c.doneCh

	c.cycleMu.Lock() // wait out the running cycle
	c.cycleMu.Unlock()
	slog.Info("Watcher stopped")
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.doneCh)

	// Resettable debounce timer: a burst of writes collapses into one
	// cycle that starts Debounce after the last write.
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return

		case event, ok := <-c.fsw.Events:
			if !ok {
				return
			}
			if !c.relevant(event) {
				continue
			}
			slog.Debug("View file event", "op", event.Op.String(), "name", event.Name)
			c.state.Store(int32(StateDebouncing))
			timer.Reset(c.cfg.Debounce)

		case err, ok := <-c.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("Watcher error", "error", err)

		case <-timer.C:
			if !c.cycleMu.TryLock() {
				// A cycle is running; fold this trigger into one
				// follow-up.
				c.pending.Store(true)
				continue
			}
			concurrency.SafeGo(func() {
				defer c.cycleMu.Unlock()
				c.runCycles(ctx)
			}, func(r any) {
				slog.Error("Watch cycle panicked", "panic", r)
			})
		}
	}
}

func (c *Coordinator) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Rename) && !event.Op.Has(fsnotify.Remove) {
		return false
	}
	if event.Name == c.exporter.Path() {
		return true
	}
	for _, extra := range c.cfg.ExtraPaths {
		if event.Name == extra || filepath.Dir(event.Name) == extra {
			return true
		}
	}
	return false
}

// runCycles runs one cycle, plus one more for every burst of events
// that arrived while a cycle was in flight. Caller holds cycleMu.
func (c *Coordinator) runCycles(ctx context.Context) {
	for {
		c.runCycle(ctx)

		c.state.Store(int32(StateCooldown))
		select {
		case <-time.After(c.cfg.Cooldown):
		case <-c.stopCh:
			c.state.Store(int32(StateIdle))
			return
		}

		if !c.pending.Swap(false) {
			c.state.Store(int32(StateIdle))
			return
		}
	}
}

// runCycle reconciles the current file content and republishes when
// the store changed. Malformed content is retried with exponential
// backoff; after ParseRetryMax failures the authoritative view is
// republished over it.
func (c *Coordinator) runCycle(ctx context.Context) {
	c.state.Store(int32(StateReconciling))

	cycleID := ulid.Make().String()
	ctx = logger.WithCycleID(ctx, cycleID)

	backoff := c.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		raw, err := os.ReadFile(c.exporter.Path())
		if err != nil {
			// Deleted or unreadable: the view is disposable, publish a
			// fresh one.
			slog.Warn("View file unreadable, republishing", "error", err)
			c.export(ctx)
			return
		}

		res, err := c.rec.Reconcile(ctx, raw)
		switch {
		case err == nil:
			if res.Skipped {
				slog.Debug("View file unchanged, nothing to do")
				return
			}
			slog.Info("Reconciled external edits",
				"cycle", cycleID,
				"applied", res.Applied,
				"conflicts", res.Conflicts,
				"violations", res.Violations,
			)
			// One export per effective cycle, whether or not any edit
			// survived: the file must converge back to the store.
			c.export(ctx)
			return

		case errors.Is(err, kgerr.ErrParse):
			if attempt >= c.cfg.ParseRetryMax {
				slog.Error("View file still malformed, republishing authoritative view",
					"attempts", attempt)
				c.export(ctx)
				return
			}
			slog.Warn("View file malformed, retrying",
				"attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > c.cfg.RetryBackoffMax {
				backoff = c.cfg.RetryBackoffMax
			}

		case errors.Is(err, kgerr.ErrStaleVersion):
			slog.Warn("Edit based on stale version, republishing", "error", err)
			c.export(ctx)
			return

		default:
			slog.Error("Reconciliation failed, republishing", "error", err)
			c.export(ctx)
			return
		}
	}
}

func (c *Coordinator) export(ctx context.Context) {
	c.state.Store(int32(StateExporting))
	doc, err := c.exporter.Export(ctx)
	if err != nil {
		slog.Error("Export failed", "error", err)
		return
	}
	slog.Debug("Exported view", "version", doc.Version)
}

// Maintain runs one lifecycle hook under the maintain budget,
// serialized with watch cycles. Every event runs the same three
// passes in order: compact the active project, fold pending external
// edits from the view file back into the store, then republish. The
// export comes last so a trailing allow-listed edit sitting in the
// file when the hook fires is folded in, not overwritten unseen.
//
// Event-specific prep: "session-start" touches the active project;
// "pre-compact" and "session-end" write a snapshot first.
func (c *Coordinator) Maintain(ctx context.Context, event string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.MaintainBudget)
	defer cancel()

	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	slog.Info("Maintenance hook", "event", event)
	switch event {
	case "session-start":
		if id := c.activeProject(ctx); id != "" {
			if err := c.store.TouchProject(ctx, id, time.Now().UnixMilli()); err != nil {
				return err
			}
		}

	case "pre-compact", "session-end":
		if err := c.SnapshotActive(ctx); err != nil {
			return err
		}

	default:
		return kgerr.InvalidInput(fmt.Sprintf("unknown maintenance event %q", event))
	}

	if id := c.activeProject(ctx); id != "" {
		if _, err := c.compactor.CompactProject(ctx, id); err != nil {
			return err
		}
	}

	if raw, err := os.ReadFile(c.exporter.Path()); err == nil {
		if _, recErr := c.rec.Reconcile(ctx, raw); recErr != nil {
			slog.Warn("Maintenance reconcile failed, keeping store state", "event", event, "error", recErr)
		}
	}

	_, err := c.exporter.Export(ctx)
	return err
}

func (c *Coordinator) activeProject(ctx context.Context) string {
	id, _, err := c.store.GetKV(ctx, store.NSState, store.KVActiveProject)
	if err != nil {
		slog.Error("Failed to read active project", "error", err)
		return ""
	}
	return id
}

// SnapshotActive writes a point-in-time snapshot of the composed view
// for the active project. The retention sweep calls it before its
// destructive purge; the pre-compact and session-end hooks call it
// directly.
func (c *Coordinator) SnapshotActive(ctx context.Context) error {
	id := c.activeProject(ctx)
	if id == "" {
		return nil
	}
	doc, err := c.exporter.Compose(ctx)
	if err != nil {
		return err
	}
	body, err := doc.Marshal()
	if err != nil {
		return err
	}
	version, err := c.store.WriteSnapshot(ctx, id, body)
	if err != nil {
		return err
	}
	slog.Info("Snapshot written", "project", id, "version", version)
	return nil
}
