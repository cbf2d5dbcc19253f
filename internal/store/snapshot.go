package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	kgerr "github.com/hikarukin/kagami/internal/errors"
)

// WriteSnapshot persists a point-in-time document for a project and
// returns the snapshot version. Versions are per-project and assigned
// inside the transaction, so concurrent writers cannot collide.
func (s *Store) WriteSnapshot(ctx context.Context, projectID string, document json.RawMessage) (int64, error) {
	if len(document) == 0 {
		return 0, kgerr.InvalidInput("snapshot document is empty")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("begin snapshot: %w", err)
	}
	defer endFn(&err)

	var version int64
	err = sqlitex.Execute(conn,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM snapshots WHERE project_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{projectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				version = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, err
	}

	err = sqlitex.Execute(conn,
		"INSERT INTO snapshots (project_id, version, document, created_at) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{projectID, version, string(document), time.Now().UnixMilli()}})
	if err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	return version, nil
}

// GetSnapshot fetches one snapshot document; version 0 means latest.
func (s *Store) GetSnapshot(ctx context.Context, projectID string, version int64) (json.RawMessage, int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer s.pool.Put(conn)

	query := "SELECT document, version FROM snapshots WHERE project_id = ?"
	args := []any{projectID}
	if version > 0 {
		query += " AND version = ?"
		args = append(args, version)
	}
	query += " ORDER BY version DESC LIMIT 1"

	var doc json.RawMessage
	var got int64
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			doc = json.RawMessage(stmt.ColumnText(0))
			got = stmt.ColumnInt64(1)
			return nil
		},
	})
	if err != nil {
		return nil, 0, err
	}
	if doc == nil {
		return nil, 0, kgerr.NotFound(fmt.Sprintf("snapshot for project %s", projectID))
	}
	return doc, got, nil
}
