package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	kgerr "github.com/hikarukin/kagami/internal/errors"
)

// Store owns all durable state: core config, projects, messages,
// snapshots, blobs, and the operational KV. It is the single source of
// truth; the view file is always a derived, disposable projection of
// its rows.
//
// All multi-row mutations run inside a single IMMEDIATE transaction,
// so partial compactions or half-applied imports are never observable.
type Store struct {
	pool *pool
	path string
}

type Config struct {
	// Path is the filesystem path of the single portable database
	// file. The parent directory must exist.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int
}

// Open opens (creating if needed) the database, applies the schema,
// and clears the runtime KV namespace. The export namespace survives
// restarts so stale exports can be detected.
func Open(cfg Config) (*Store, error) {
	p, err := openPool(cfg.Path, cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	s := &Store{pool: p, path: cfg.Path}

	conn, err := p.Take(context.Background())
	if err != nil {
		p.Close()
		return nil, err
	}
	defer p.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		p.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}

	if err := sqlitex.Execute(conn, "DELETE FROM kv WHERE ns = ?", &sqlitex.ExecOptions{
		Args: []any{NSRuntime},
	}); err != nil {
		p.Close()
		return nil, fmt.Errorf("store: clearing runtime namespace: %w", err)
	}

	slog.Info("Store opened", "path", cfg.Path)
	return s, nil
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) Path() string {
	return s.path
}

// --- Core config ---

func (s *Store) UpsertCore(ctx context.Context, key string, value json.RawMessage, updatedAt int64) error {
	if strings.TrimSpace(key) == "" {
		return kgerr.InvalidInput("core key is empty")
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`INSERT INTO core_config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{key, string(value), updatedAt}})
}

func (s *Store) GetCoreEntry(ctx context.Context, key string) (*CoreEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var entry *CoreEntry
	err = sqlitex.Execute(conn,
		"SELECT key, value, updated_at FROM core_config WHERE key = ?",
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry = &CoreEntry{
					Key:       stmt.ColumnText(0),
					Value:     json.RawMessage(stmt.ColumnText(1)),
					UpdatedAt: stmt.ColumnInt64(2),
				}
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, kgerr.NotFound(fmt.Sprintf("core key %q", key))
	}
	return entry, nil
}

// GetCore returns all core config entries ordered by key.
func (s *Store) GetCore(ctx context.Context) ([]CoreEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var entries []CoreEntry
	err = sqlitex.Execute(conn,
		"SELECT key, value, updated_at FROM core_config ORDER BY key",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, CoreEntry{
					Key:       stmt.ColumnText(0),
					Value:     json.RawMessage(stmt.ColumnText(1)),
					UpdatedAt: stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	return entries, err
}

// --- Projects ---

func (s *Store) UpsertProject(ctx context.Context, p *Project) error {
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return kgerr.InvalidInput("project id is empty")
	}
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	meta := p.Meta
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`INSERT INTO projects (id, name, tags, meta, archived, last_opened_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			tags = excluded.tags,
			meta = excluded.meta,
			archived = excluded.archived,
			last_opened_at = excluded.last_opened_at`,
		&sqlitex.ExecOptions{Args: []any{
			p.ID, p.Name, string(tagsJSON), string(meta), boolToInt(p.Archived), p.LastOpenedAt,
		}})
}

func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var p *Project
	err = sqlitex.Execute(conn,
		"SELECT id, name, tags, meta, archived, last_opened_at FROM projects WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				proj, scanErr := scanProject(stmt)
				if scanErr != nil {
					return scanErr
				}
				p = proj
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, kgerr.NotFound(fmt.Sprintf("project %q", id))
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context, includeArchived bool) ([]Project, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	query := "SELECT id, name, tags, meta, archived, last_opened_at FROM projects"
	if !includeArchived {
		query += " WHERE archived = 0"
	}
	query += " ORDER BY last_opened_at DESC, id"

	var projects []Project
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p, scanErr := scanProject(stmt)
			if scanErr != nil {
				return scanErr
			}
			projects = append(projects, *p)
			return nil
		},
	})
	return projects, err
}

// TouchProject records an activation. Creates the project row on first
// reference, matching import/mutation-op behavior.
func (s *Store) TouchProject(ctx context.Context, id string, at int64) error {
	if strings.TrimSpace(id) == "" {
		return kgerr.InvalidInput("project id is empty")
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`INSERT INTO projects (id, last_opened_at) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_opened_at = excluded.last_opened_at`,
		&sqlitex.ExecOptions{Args: []any{id, at}})
}

// ArchiveProject soft-archives; history is preserved.
func (s *Store) ArchiveProject(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		"UPDATE projects SET archived = 1 WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{id}})
}

// --- Project state ---

func (s *Store) UpsertState(ctx context.Context, projectID string, entry StateEntry) error {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(entry.Key) == "" {
		return kgerr.InvalidInput("project id or state key is empty")
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`INSERT INTO project_state (project_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{projectID, entry.Key, string(entry.Value), entry.UpdatedAt}})
}

func (s *Store) GetStateEntry(ctx context.Context, projectID, key string) (*StateEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var entry *StateEntry
	err = sqlitex.Execute(conn,
		"SELECT key, value, updated_at FROM project_state WHERE project_id = ? AND key = ?",
		&sqlitex.ExecOptions{
			Args: []any{projectID, key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry = &StateEntry{
					Key:       stmt.ColumnText(0),
					Value:     json.RawMessage(stmt.ColumnText(1)),
					UpdatedAt: stmt.ColumnInt64(2),
				}
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, kgerr.NotFound(fmt.Sprintf("state key %q", key))
	}
	return entry, nil
}

func (s *Store) GetState(ctx context.Context, projectID string) ([]StateEntry, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var entries []StateEntry
	err = sqlitex.Execute(conn,
		"SELECT key, value, updated_at FROM project_state WHERE project_id = ? ORDER BY key",
		&sqlitex.ExecOptions{
			Args: []any{projectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, StateEntry{
					Key:       stmt.ColumnText(0),
					Value:     json.RawMessage(stmt.ColumnText(1)),
					UpdatedAt: stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	return entries, err
}

// --- Project notes (append-only memory list) ---

// AppendNote inserts a note at the next sequence number. Re-delivery of
// the same note text is a no-op, which keeps the mapped external
// operation idempotent across debounced watch cycles.
func (s *Store) AppendNote(ctx context.Context, projectID, note string, createdAt int64) (bool, error) {
	if strings.TrimSpace(projectID) == "" {
		return false, kgerr.InvalidInput("project id is empty")
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, fmt.Errorf("begin append note: %w", err)
	}
	defer endFn(&err)

	exists := false
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM project_notes WHERE project_id = ? AND note = ? LIMIT 1",
		&sqlitex.ExecOptions{
			Args: []any{projectID, note},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO project_notes (project_id, seq, note, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM project_notes WHERE project_id = ?), ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{projectID, projectID, note, createdAt}})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListNotes(ctx context.Context, projectID string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var notes []string
	err = sqlitex.Execute(conn,
		"SELECT note FROM project_notes WHERE project_id = ? ORDER BY seq",
		&sqlitex.ExecOptions{
			Args: []any{projectID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				notes = append(notes, stmt.ColumnText(0))
				return nil
			},
		})
	return notes, err
}

// --- KV ---

func (s *Store) GetKV(ctx context.Context, ns, key string) (string, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", false, err
	}
	defer s.pool.Put(conn)

	value := ""
	found := false
	err = sqlitex.Execute(conn,
		"SELECT value FROM kv WHERE ns = ? AND key = ?",
		&sqlitex.ExecOptions{
			Args: []any{ns, key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	return value, found, err
}

func (s *Store) SetKV(ctx context.Context, ns, key, value string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`INSERT INTO kv (ns, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(ns, key) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{ns, key, value}})
}

// RecordExport stores the published version, document hash, and
// document body in one transaction, so the export namespace is never
// observed partially updated after a crash.
func (s *Store) RecordExport(ctx context.Context, version int64, hash, document string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin export record: %w", err)
	}
	defer endFn(&err)

	entries := map[string]string{
		KVLastPublishedVersion: strconv.FormatInt(version, 10),
		KVLastExportedHash:     hash,
		KVLastExportedDocument: document,
	}
	for key, value := range entries {
		err = sqlitex.Execute(conn,
			`INSERT INTO kv (ns, key, value) VALUES (?, ?, ?)
			 ON CONFLICT(ns, key) DO UPDATE SET value = excluded.value`,
			&sqlitex.ExecOptions{Args: []any{NSExport, key, value}})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ClearNamespace(ctx context.Context, ns string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, "DELETE FROM kv WHERE ns = ?", &sqlitex.ExecOptions{Args: []any{ns}})
}

// --- helpers ---

func scanProject(stmt *sqlite.Stmt) (*Project, error) {
	var tags []string
	if raw := stmt.ColumnText(2); raw != "" {
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			return nil, fmt.Errorf("scan project tags: %w", err)
		}
	}
	return &Project{
		ID:           stmt.ColumnText(0),
		Name:         stmt.ColumnText(1),
		Tags:         tags,
		Meta:         json.RawMessage(stmt.ColumnText(3)),
		Archived:     stmt.ColumnInt64(4) != 0,
		LastOpenedAt: stmt.ColumnInt64(5),
	}, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	code := sqlite.ErrCode(err)
	return code == sqlite.ResultConstraintPrimaryKey || code == sqlite.ResultConstraintUnique
}
