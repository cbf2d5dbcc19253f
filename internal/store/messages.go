package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	kgerr "github.com/hikarukin/kagami/internal/errors"
	"github.com/hikarukin/kagami/internal/token"

	"github.com/oklog/ulid/v2"
)

// errBudgetReached stops the newest-first scan once the token budget
// is spent. Internal control flow only, never returned to callers.
var errBudgetReached = errors.New("token budget reached")

// AppendMessage inserts one message. Returns ErrConflict if a row with
// the same (project_id, ts) already exists; the caller must retry with
// a strictly greater timestamp. History is never overwritten.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m == nil || strings.TrimSpace(m.ProjectID) == "" {
		return kgerr.InvalidInput("message project id is empty")
	}
	if m.TS <= 0 {
		return kgerr.InvalidInput("message timestamp must be positive")
	}
	if !ValidRole(m.Role) {
		return kgerr.InvalidInput(fmt.Sprintf("invalid role %q", m.Role))
	}
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	content := m.Content
	if len(content) == 0 {
		content = json.RawMessage("null")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO messages (project_id, ts, id, role, content, pinned, blob_id, supersedes_from, supersedes_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			m.ProjectID, m.TS, m.ID, string(m.Role), string(content),
			boolToInt(m.Pinned), nullableText(m.BlobID), m.SupersedesFrom, m.SupersedesTo,
		}})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("message (%s, %d) already exists: %w", m.ProjectID, m.TS, kgerr.ErrConflict)
		}
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// PinMessage flags or unflags a message as exempt from token-budget
// eviction.
func (s *Store) PinMessage(ctx context.Context, projectID string, ts int64, pinned bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		"UPDATE messages SET pinned = ? WHERE project_id = ? AND ts = ?",
		&sqlitex.ExecOptions{Args: []any{boolToInt(pinned), projectID, ts}})
}

// ListRecentMessages composes the token-budgeted conversation window:
// pinned messages are always included and counted against the budget
// first, then live messages are taken newest-first until the next one
// would exceed the budget. The result is chronological.
func (s *Store) ListRecentMessages(ctx context.Context, projectID string, budget int, est token.Estimator) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var pinned []Message
	err = sqlitex.Execute(conn,
		`SELECT project_id, ts, id, role, content, pinned, blob_id, supersedes_from, supersedes_to, superseded_by
		 FROM messages
		 WHERE project_id = ? AND superseded_by IS NULL AND pinned = 1
		 ORDER BY ts`,
		&sqlitex.ExecOptions{
			Args: []any{projectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pinned = append(pinned, scanMessage(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, err
	}

	spent := 0
	for i := range pinned {
		spent += est.Estimate(pinned[i].Content)
	}

	// Newest-first scan, stopping at the first message whose inclusion
	// would exceed the budget.
	var window []Message
	err = sqlitex.Execute(conn,
		`SELECT project_id, ts, id, role, content, pinned, blob_id, supersedes_from, supersedes_to, superseded_by
		 FROM messages
		 WHERE project_id = ? AND superseded_by IS NULL AND pinned = 0
		 ORDER BY ts DESC`,
		&sqlitex.ExecOptions{
			Args: []any{projectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				m := scanMessage(stmt)
				cost := est.Estimate(m.Content)
				if spent+cost > budget {
					return errBudgetReached
				}
				spent += cost
				window = append(window, m)
				return nil
			},
		})
	if err != nil && !errors.Is(err, errBudgetReached) {
		return nil, err
	}

	// window is newest-first; merge with pinned into chronological order.
	out := make([]Message, 0, len(pinned)+len(window))
	out = append(out, pinned...)
	for i := len(window) - 1; i >= 0; i-- {
		out = append(out, window[i])
	}
	sortMessagesByTS(out)
	return out, nil
}

// ListMessages returns messages in [fromTS, toTS] chronological order.
// Superseded rows are excluded unless includeSuperseded is set.
func (s *Store) ListMessages(ctx context.Context, projectID string, fromTS, toTS int64, includeSuperseded bool) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := `SELECT project_id, ts, id, role, content, pinned, blob_id, supersedes_from, supersedes_to, superseded_by
		 FROM messages WHERE project_id = ? AND ts >= ? AND ts <= ?`
	if !includeSuperseded {
		query += " AND superseded_by IS NULL"
	}
	query += " ORDER BY ts"

	var msgs []Message
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{projectID, fromTS, toTS},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			msgs = append(msgs, scanMessage(stmt))
			return nil
		},
	})
	return msgs, err
}

// CountMessages counts live (non-superseded) messages for a project.
func (s *Store) CountMessages(ctx context.Context, projectID string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var n int64
	err = sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM messages WHERE project_id = ? AND superseded_by IS NULL",
		&sqlitex.ExecOptions{
			Args: []any{projectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt64(0)
				return nil
			},
		})
	return n, err
}

// MaxTS returns the greatest message timestamp for a project, or 0.
func (s *Store) MaxTS(ctx context.Context, projectID string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var maxTS int64
	err = sqlitex.Execute(conn,
		"SELECT COALESCE(MAX(ts), 0) FROM messages WHERE project_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{projectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				maxTS = stmt.ColumnInt64(0)
				return nil
			},
		})
	return maxTS, err
}

func scanMessage(stmt *sqlite.Stmt) Message {
	return Message{
		ProjectID:      stmt.ColumnText(0),
		TS:             stmt.ColumnInt64(1),
		ID:             stmt.ColumnText(2),
		Role:           Role(stmt.ColumnText(3)),
		Content:        json.RawMessage(stmt.ColumnText(4)),
		Pinned:         stmt.ColumnInt64(5) != 0,
		BlobID:         stmt.ColumnText(6),
		SupersedesFrom: stmt.ColumnInt64(7),
		SupersedesTo:   stmt.ColumnInt64(8),
		SupersededBy:   stmt.ColumnText(9),
	}
}

func sortMessagesByTS(msgs []Message) {
	// Insertion sort: the slice is the concatenation of two already
	// sorted runs (pinned, then the reversed window), so this is cheap.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].TS > msgs[j].TS; j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
