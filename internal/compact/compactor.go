package compact

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hikarukin/kagami/internal/concurrency"
	"github.com/hikarukin/kagami/internal/config"
	kgerr "github.com/hikarukin/kagami/internal/errors"
	"github.com/hikarukin/kagami/internal/store"
)

// Compactor shrinks old conversation history into summary rows and
// runs the retention sweeps. Summarization is mechanical: a digest of
// the range, no model calls, so it is deterministic and cheap.
type Compactor struct {
	store       *store.Store
	cutoffAge   time.Duration
	gracePeriod time.Duration
	blobTTL     time.Duration
	maxRows     int
	passBudget  time.Duration
	schedule    cron.Schedule
	locks       *concurrency.ProjectLockManager
	snapshot    func(context.Context) error
}

func NewCompactor(s *store.Store, cfg config.CompactConfig) (*Compactor, error) {
	cutoffAge, err := config.DurationOrDefault(cfg.CutoffAge, config.DefaultCompactCutoffAge)
	if err != nil {
		return nil, kgerr.Validation(fmt.Sprintf("compact cutoff_age: %v", err))
	}
	gracePeriod, err := config.DurationOrDefault(cfg.GracePeriod, config.DefaultCompactGracePeriod)
	if err != nil {
		return nil, kgerr.Validation(fmt.Sprintf("compact grace_period: %v", err))
	}
	blobTTL, err := config.DurationOrDefault(cfg.BlobTTL, config.DefaultCompactBlobTTL)
	if err != nil {
		return nil, kgerr.Validation(fmt.Sprintf("compact blob_ttl: %v", err))
	}
	passBudget, err := config.DurationOrDefault(cfg.PassBudget, config.DefaultCompactPassBudget)
	if err != nil {
		return nil, kgerr.Validation(fmt.Sprintf("compact pass_budget: %v", err))
	}

	scheduleSpec := cfg.Schedule
	if scheduleSpec == "" {
		scheduleSpec = config.DefaultCompactSchedule
	}
	schedule, err := cron.ParseStandard(scheduleSpec)
	if err != nil {
		return nil, kgerr.Validation(fmt.Sprintf("compact schedule %q: %v", scheduleSpec, err))
	}

	maxRows := cfg.MaxRowsPerPass
	if maxRows <= 0 {
		maxRows = config.DefaultCompactMaxRowsPerPass
	}

	return &Compactor{
		store:       s,
		cutoffAge:   cutoffAge,
		gracePeriod: gracePeriod,
		blobTTL:     blobTTL,
		maxRows:     maxRows,
		passBudget:  passBudget,
		schedule:    schedule,
		locks:       concurrency.NewProjectLockManager(),
	}, nil
}

// Schedule returns the parsed retention schedule for the daemon's
// ticker.
func (c *Compactor) Schedule() cron.Schedule {
	return c.schedule
}

// SetSnapshotHook installs a callback invoked before the destructive
// purge in a retention sweep, so a point-in-time snapshot exists for
// rollback. A failing snapshot defers the purge to the next sweep.
func (c *Compactor) SetSnapshotHook(fn func(context.Context) error) {
	c.snapshot = fn
}

// CompactProject folds history older than the cutoff into summary
// rows, in bounded passes so the view file never goes stale behind a
// long compaction. Returns the number of rows superseded and, when the
// wall-clock budget ran out with work remaining, ErrResourceExceeded;
// the next scheduled run picks up where this one stopped.
func (c *Compactor) CompactProject(ctx context.Context, projectID string) (int, error) {
	// The scheduled sweep and the pre-compact lifecycle hook can both
	// target the same project; serialize them.
	c.locks.Lock(projectID)
	defer c.locks.Unlock(projectID)

	cutoffTS := time.Now().Add(-c.cutoffAge).UnixMicro()
	deadline := time.Now().Add(c.passBudget)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		summary, n, err := c.store.Compact(ctx, projectID, cutoffTS, c.maxRows, BuildDigest)
		if err != nil {
			return total, fmt.Errorf("compact project %s: %w", projectID, err)
		}
		if n == 0 {
			return total, nil
		}
		total += n
		slog.Info("Compacted message range",
			"project", projectID,
			"rows", n,
			"summary_ts", summary.TS,
			"range_from", summary.SupersedesFrom,
			"range_to", summary.SupersedesTo,
		)

		if n < c.maxRows {
			return total, nil
		}
		if time.Now().After(deadline) {
			return total, fmt.Errorf("compaction budget %v spent on project %s: %w",
				c.passBudget, projectID, kgerr.ErrResourceExceeded)
		}
	}
}

// RunRetention is one full maintenance sweep: compact every active
// project, purge superseded rows past the grace period, and expire
// blobs past their TTL. Per-project failures are logged and skipped so
// one bad project cannot starve the others.
func (c *Compactor) RunRetention(ctx context.Context) error {
	projects, err := c.store.ListProjects(ctx, false)
	if err != nil {
		return err
	}

	for i := range projects {
		if _, err := c.CompactProject(ctx, projects[i].ID); err != nil {
			if ctx.Err() != nil {
				return err
			}
			slog.Error("Compaction failed, continuing sweep", "project", projects[i].ID, "error", err)
		}
	}

	graceBoundary := time.Now().Add(-c.gracePeriod).UnixMilli()
	purgeable, err := c.store.CountSuperseded(ctx, graceBoundary)
	if err != nil {
		return err
	}
	if purgeable > 0 {
		if c.snapshot != nil {
			if err := c.snapshot(ctx); err != nil {
				slog.Error("Pre-purge snapshot failed, deferring purge", "error", err)
				purgeable = 0
			}
		}
	}
	if purgeable > 0 {
		purged, err := c.store.PurgeSuperseded(ctx, graceBoundary)
		if err != nil {
			return err
		}
		slog.Info("Purged superseded rows past grace period", "rows", purged)
	}

	expired, err := c.store.ExpireBlobs(ctx, time.Now())
	if err != nil {
		return err
	}
	if expired > 0 {
		slog.Info("Expired blobs", "blobs", expired)
	}
	return nil
}

// BlobTTL is the configured blob lifetime, used when storing new
// oversized payloads.
func (c *Compactor) BlobTTL() time.Duration {
	return c.blobTTL
}

// BuildDigest produces the mechanical summary content for a compacted
// range: role counts, the covered timestamps, and short excerpts from
// the edges of the range.
func BuildDigest(msgs []store.Message) (json.RawMessage, error) {
	if len(msgs) == 0 {
		return nil, kgerr.InvalidInput("digest of empty range")
	}

	roles := map[string]int{}
	for i := range msgs {
		roles[string(msgs[i].Role)]++
	}

	digest := map[string]any{
		"kind":     "digest",
		"messages": len(msgs),
		"roles":    roles,
		"from_ts":  msgs[0].TS,
		"to_ts":    msgs[len(msgs)-1].TS,
		"excerpts": buildExcerpts(msgs),
	}
	return json.Marshal(digest)
}

const (
	excerptEdge   = 2
	excerptMaxLen = 120
)

// buildExcerpts keeps a few truncated entries from each edge of the
// range, which is usually enough to anchor what the stretch of
// conversation was about.
func buildExcerpts(msgs []store.Message) []string {
	idx := map[int]bool{}
	for i := 0; i < excerptEdge && i < len(msgs); i++ {
		idx[i] = true
	}
	for i := len(msgs) - excerptEdge; i < len(msgs); i++ {
		if i >= 0 {
			idx[i] = true
		}
	}

	var out []string
	for i := 0; i < len(msgs); i++ {
		if !idx[i] {
			continue
		}
		out = append(out, fmt.Sprintf("[%s] %s", msgs[i].Role, excerptText(msgs[i].Content)))
	}
	return out
}

func excerptText(content json.RawMessage) string {
	var s string
	if err := json.Unmarshal(content, &s); err != nil {
		s = string(content)
	}
	runes := []rune(s)
	if len(runes) > excerptMaxLen {
		return string(runes[:excerptMaxLen]) + "..."
	}
	return s
}
