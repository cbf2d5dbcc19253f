package view

import (
	"encoding/json"

	"github.com/hikarukin/kagami/internal/store"
)

// Document is the published projection of the store: everything an
// external tool needs to read or edit, in one file. It is derived and
// disposable; deleting the file only costs the next export cycle.
type Document struct {
	// Version increases by exactly one per publish. External editors
	// must copy it back unchanged; it is how stale edits are detected.
	Version int64 `json:"version"`

	Core          map[string]json.RawMessage `json:"core"`
	ActiveProject *ProjectView               `json:"activeProject,omitempty"`
}

// ProjectView is the active project's slice of the document.
type ProjectView struct {
	ID           string                     `json:"id"`
	Meta         ProjectMeta                `json:"meta"`
	State        map[string]json.RawMessage `json:"state"`
	Conversation []MessageView              `json:"conversation"`
}

type ProjectMeta struct {
	Name  string          `json:"name"`
	Tags  []string        `json:"tags"`
	Extra json.RawMessage `json:"extra,omitempty"`
	Notes []string        `json:"notes"`
}

// MessageView is one conversation entry as exported. Summary rows are
// flagged so external tools can render them differently.
type MessageView struct {
	TS      int64           `json:"ts"`
	Role    store.Role      `json:"role"`
	Content json.RawMessage `json:"content"`
	Pinned  bool            `json:"pinned,omitempty"`
	Summary bool            `json:"summary,omitempty"`
}

// Marshal renders the document the way it is written to disk. Indented
// so external editors and diffs stay readable.
func (d *Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
