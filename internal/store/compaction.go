package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	kgerr "github.com/hikarukin/kagami/internal/errors"

	"github.com/oklog/ulid/v2"
)

// Compact replaces a contiguous range of live messages older than
// cutoffTS with a single summary row, inside one transaction. The
// replaced rows are marked superseded, not deleted; PurgeSuperseded
// removes them after the grace period. Returns the summary message and
// the number of rows superseded, or (nil, 0, nil) when there was
// nothing to compact.
//
// summarize receives the range in chronological order and produces the
// summary content. limit bounds the range size; the caller's worker
// re-invokes Compact on its next trigger to continue.
func (s *Store) Compact(ctx context.Context, projectID string, cutoffTS int64, limit int,
	summarize func([]Message) (json.RawMessage, error)) (*Message, int, error) {

	if limit <= 0 {
		return nil, 0, kgerr.InvalidInput("compaction limit must be positive")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, 0, fmt.Errorf("begin compaction: %w", err)
	}
	defer endFn(&err)

	// The range starts at the oldest live message, so it is contiguous
	// by construction. Pinned messages and prior summaries are never
	// compacted away; a summary is already the compacted form of its
	// range.
	var rng []Message
	err = sqlitex.Execute(conn,
		`SELECT project_id, ts, id, role, content, pinned, blob_id, supersedes_from, supersedes_to, superseded_by
		 FROM messages
		 WHERE project_id = ? AND ts < ? AND superseded_by IS NULL AND pinned = 0 AND supersedes_to = 0
		 ORDER BY ts LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{projectID, cutoffTS, limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rng = append(rng, scanMessage(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, 0, err
	}
	if len(rng) == 0 {
		return nil, 0, nil
	}

	content, err := summarize(rng)
	if err != nil {
		return nil, 0, fmt.Errorf("summarize range: %w", err)
	}

	fromTS := rng[0].TS
	toTS := rng[len(rng)-1].TS

	summaryTS, err := nextFreeTS(conn, projectID, toTS)
	if err != nil {
		return nil, 0, err
	}

	summary := &Message{
		ProjectID:      projectID,
		TS:             summaryTS,
		ID:             ulid.Make().String(),
		Role:           RoleSystem,
		Content:        content,
		SupersedesFrom: fromTS,
		SupersedesTo:   toTS,
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO messages (project_id, ts, id, role, content, pinned, supersedes_from, supersedes_to)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			summary.ProjectID, summary.TS, summary.ID, string(summary.Role),
			string(summary.Content), summary.SupersedesFrom, summary.SupersedesTo,
		}})
	if err != nil {
		return nil, 0, fmt.Errorf("insert summary: %w", err)
	}

	now := time.Now().UnixMilli()
	err = sqlitex.Execute(conn,
		`UPDATE messages SET superseded_by = ?, superseded_at = ?
		 WHERE project_id = ? AND ts >= ? AND ts <= ? AND superseded_by IS NULL AND pinned = 0 AND supersedes_to = 0 AND id != ?`,
		&sqlitex.ExecOptions{Args: []any{summary.ID, now, projectID, fromTS, toTS, summary.ID}})
	if err != nil {
		return nil, 0, fmt.Errorf("mark range superseded: %w", err)
	}

	return summary, len(rng), nil
}

// nextFreeTS finds the smallest unused timestamp strictly greater than
// after. Timestamps are microseconds, so in practice the first
// candidate is free; the loop only matters for synthetic histories
// with adjacent timestamps.
func nextFreeTS(conn *sqlite.Conn, projectID string, after int64) (int64, error) {
	candidate := after + 1
	for {
		taken := false
		err := sqlitex.Execute(conn,
			"SELECT 1 FROM messages WHERE project_id = ? AND ts = ?",
			&sqlitex.ExecOptions{
				Args: []any{projectID, candidate},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					taken = true
					return nil
				},
			})
		if err != nil {
			return 0, err
		}
		if !taken {
			return candidate, nil
		}
		candidate++
	}
}

// CountSuperseded returns how many rows PurgeSuperseded would remove
// for the given boundary.
func (s *Store) CountSuperseded(ctx context.Context, before int64) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	count := 0
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM messages WHERE superseded_by IS NOT NULL AND superseded_at < ?",
		&sqlitex.ExecOptions{
			Args: []any{before},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// PurgeSuperseded hard-deletes rows superseded before the given
// grace-period boundary (unix millis). Until then superseded rows stay
// readable for audit and rollback.
func (s *Store) PurgeSuperseded(ctx context.Context, before int64) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM messages WHERE superseded_by IS NOT NULL AND superseded_at < ?",
		&sqlitex.ExecOptions{Args: []any{before}})
	if err != nil {
		return 0, err
	}
	return conn.Changes(), nil
}
