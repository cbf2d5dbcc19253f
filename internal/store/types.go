package store

import "encoding/json"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Project metadata. Projects are never hard-deleted; Archived soft-hides
// them while preserving message history.
type Project struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Tags         []string        `json:"tags"`
	Meta         json.RawMessage `json:"meta"`
	Archived     bool            `json:"archived"`
	LastOpenedAt int64           `json:"last_opened_at"` // unix millis
}

// Message is one conversation entry. (ProjectID, TS) is unique and
// append-only: rows are superseded by summary records, never mutated.
type Message struct {
	ProjectID string          `json:"project_id"`
	TS        int64           `json:"ts"` // unix micros, unique within project
	ID        string          `json:"id"` // ULID
	Role      Role            `json:"role"`
	Content   json.RawMessage `json:"content"`
	Pinned    bool            `json:"pinned"`
	BlobID    string          `json:"blob_id,omitempty"`

	// Summary rows carry the ts range they replace. SupersededBy is set
	// on replaced rows and points at the summary's message ID.
	SupersededBy   string `json:"superseded_by,omitempty"`
	SupersedesFrom int64  `json:"supersedes_from,omitempty"`
	SupersedesTo   int64  `json:"supersedes_to,omitempty"`
}

// IsSummary reports whether this row replaces a compacted range.
func (m *Message) IsSummary() bool {
	return m.SupersedesTo != 0
}

// CoreEntry is one allow-listed configuration value with the logical
// timestamp used by the DB-wins conflict policy.
type CoreEntry struct {
	Key       string
	Value     json.RawMessage
	UpdatedAt int64 // unix millis
}

// StateEntry is one project-scoped state field.
type StateEntry struct {
	Key       string
	Value     json.RawMessage
	UpdatedAt int64
}

// Snapshot is a versioned capture of a project's exported document,
// kept for audit and rollback. Never used to serve the live view.
type Snapshot struct {
	ProjectID string
	Version   int64
	Document  json.RawMessage
	CreatedAt int64
}

// Blob is large content stored outside message rows, referenced by a
// content-addressed ID. Expired blobs keep their row as a tombstone.
type Blob struct {
	ID        string
	Content   []byte
	Size      int64
	CreatedAt int64
	ExpiresAt int64
	Tombstone bool
}

// KV namespaces. The runtime namespace is cleared on every daemon
// start; the export namespace survives restarts so stale exports can
// be detected.
const (
	NSRuntime = "runtime"
	NSExport  = "export"
	NSState   = "state"
)

// Export-namespace keys.
const (
	KVLastPublishedVersion = "last_published_version"
	KVLastExportedHash     = "last_exported_hash"
	KVLastExportedDocument = "last_exported_document"
)

// State-namespace keys.
const (
	KVActiveProject = "active_project"
)
