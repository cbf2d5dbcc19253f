package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zeebo/blake3"

	kgerr "github.com/hikarukin/kagami/internal/errors"
)

// PutBlob stores an oversized payload content-addressed by its BLAKE3
// hash and returns the blob id. Re-putting identical content refreshes
// the expiry instead of duplicating the row.
func (s *Store) PutBlob(ctx context.Context, content []byte, ttl time.Duration) (string, error) {
	if len(content) == 0 {
		return "", kgerr.InvalidInput("blob content is empty")
	}

	sum := blake3.Sum256(content)
	id := hex.EncodeToString(sum[:])

	now := time.Now().UnixMilli()
	expiresAt := now + ttl.Milliseconds()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO blobs (id, content, size, created_at, expires_at, tombstone)
		 VALUES (?, ?, ?, ?, ?, 0)
		 ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			size = excluded.size,
			expires_at = excluded.expires_at,
			tombstone = 0`,
		&sqlitex.ExecOptions{Args: []any{id, content, len(content), now, expiresAt}})
	if err != nil {
		return "", fmt.Errorf("put blob %s: %w", id, err)
	}
	return id, nil
}

// GetBlob fetches blob content by id. A tombstoned blob returns
// ErrNotFound like a missing one; the caller cannot tell the
// difference and should not need to.
func (s *Store) GetBlob(ctx context.Context, id string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var content []byte
	found := false
	err = sqlitex.Execute(conn,
		"SELECT content FROM blobs WHERE id = ? AND tombstone = 0",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				content = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, content)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, kgerr.NotFound(fmt.Sprintf("blob %s", id))
	}
	return content, nil
}

// ExpireBlobs tombstones every blob whose TTL has passed, freeing the
// content while keeping the row so a dangling blob_id reference stays
// explainable. Returns the number of blobs expired.
func (s *Store) ExpireBlobs(ctx context.Context, now time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE blobs SET content = NULL, tombstone = 1 WHERE tombstone = 0 AND expires_at < ?",
		&sqlitex.ExecOptions{Args: []any{now.UnixMilli()}})
	if err != nil {
		return 0, fmt.Errorf("expire blobs: %w", err)
	}
	return conn.Changes(), nil
}
