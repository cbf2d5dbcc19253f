package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	kgerr "github.com/hikarukin/kagami/internal/errors"
	"github.com/hikarukin/kagami/internal/store"
)

// legacyDocument is the old monolithic state file: one JSON blob
// holding core config and every project with its full conversation.
type legacyDocument struct {
	Core     map[string]json.RawMessage `json:"core"`
	Projects []legacyProject            `json:"projects"`
}

type legacyProject struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Tags         []string        `json:"tags"`
	Meta         json.RawMessage `json:"meta"`
	Active       bool            `json:"active"`
	Conversation []legacyMessage `json:"conversation"`
}

type legacyMessage struct {
	TS      int64           `json:"ts"` // unix millis in the legacy format
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Pinned  bool            `json:"pinned"`
}

// Stats summarizes one import run.
type Stats struct {
	CoreKeys int
	Projects int
	Messages int
	Skipped  int
}

// Importer loads a legacy monolithic state file into the store.
// Re-running an import is safe: messages landing on an occupied
// timestamp are appended just above it, and core keys are upserts.
type Importer struct {
	store *store.Store
}

func New(s *store.Store) *Importer {
	return &Importer{store: s}
}

// ImportFile reads and imports one legacy file.
func (im *Importer) ImportFile(ctx context.Context, path string) (*Stats, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", path, err, kgerr.ErrIO)
	}
	return im.Import(ctx, raw)
}

// Import loads a legacy document body.
func (im *Importer) Import(ctx context.Context, raw []byte) (*Stats, error) {
	var doc legacyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, kgerr.Parse(fmt.Sprintf("legacy document: %v", err))
	}

	stats := &Stats{}
	now := time.Now().UnixMilli()

	if err := im.importCore(ctx, doc.Core, now, stats); err != nil {
		return stats, err
	}

	activeID := ""
	for i := range doc.Projects {
		p := &doc.Projects[i]
		if p.ID == "" {
			slog.Warn("Skipping legacy project without id", "name", p.Name)
			stats.Skipped++
			continue
		}
		if err := im.importProject(ctx, p, now, stats); err != nil {
			return stats, err
		}
		if p.Active {
			activeID = p.ID
		}
	}

	if activeID != "" {
		if err := im.store.SetKV(ctx, store.NSState, store.KVActiveProject, activeID); err != nil {
			return stats, err
		}
	}

	slog.Info("Legacy import finished",
		"core_keys", stats.CoreKeys,
		"projects", stats.Projects,
		"messages", stats.Messages,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

// importCore flattens the legacy core section into dotted store keys:
// a nested object becomes one entry per member, anything else is
// stored under its top-level key.
func (im *Importer) importCore(ctx context.Context, core map[string]json.RawMessage, now int64, stats *Stats) error {
	for group, value := range core {
		var members map[string]json.RawMessage
		if err := json.Unmarshal(value, &members); err != nil || members == nil {
			if err := im.store.UpsertCore(ctx, group, value, now); err != nil {
				return err
			}
			stats.CoreKeys++
			continue
		}
		for name, member := range members {
			if err := im.store.UpsertCore(ctx, group+"."+name, member, now); err != nil {
				return err
			}
			stats.CoreKeys++
		}
	}
	return nil
}

func (im *Importer) importProject(ctx context.Context, p *legacyProject, now int64, stats *Stats) error {
	project := &store.Project{
		ID:           p.ID,
		Name:         p.Name,
		Tags:         p.Tags,
		Meta:         p.Meta,
		LastOpenedAt: now,
	}
	if err := im.store.UpsertProject(ctx, project); err != nil {
		return fmt.Errorf("import project %s: %w", p.ID, err)
	}
	stats.Projects++

	for i := range p.Conversation {
		lm := &p.Conversation[i]
		role := store.Role(lm.Role)
		if !store.ValidRole(role) {
			slog.Warn("Skipping legacy message with unknown role",
				"project", p.ID, "ts", lm.TS, "role", lm.Role)
			stats.Skipped++
			continue
		}

		msg := &store.Message{
			ProjectID: p.ID,
			TS:        lm.TS * 1000, // legacy millis to micros
			Role:      role,
			Content:   lm.Content,
			// System prompts must survive token-budget eviction.
			Pinned: lm.Pinned || role == store.RoleSystem,
		}
		if err := im.appendWithBump(ctx, msg); err != nil {
			return fmt.Errorf("import message (%s, %d): %w", p.ID, lm.TS, err)
		}
		stats.Messages++
	}
	return nil
}

// appendWithBump appends a message, nudging the timestamp upward past
// occupied slots. Legacy files hold millisecond timestamps, so two
// messages in the same millisecond collide after conversion; history
// order is preserved by taking the next free microsecond.
func (im *Importer) appendWithBump(ctx context.Context, m *store.Message) error {
	const maxBumps = 1000
	for i := 0; i < maxBumps; i++ {
		err := im.store.AppendMessage(ctx, m)
		if err == nil {
			return nil
		}
		if !kgerr.IsCategory(err, kgerr.ErrConflict) {
			return err
		}
		m.TS++
		m.ID = "" // force a fresh ULID
	}
	return kgerr.Conflict(fmt.Sprintf("no free timestamp near %d", m.TS))
}
