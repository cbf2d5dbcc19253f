package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tidwall/sjson"

	kgerr "github.com/hikarukin/kagami/internal/errors"
	"github.com/hikarukin/kagami/internal/store"
	"github.com/hikarukin/kagami/internal/token"
	"github.com/hikarukin/kagami/internal/view"
)

// testHarness exports a baseline view so edits have something to be
// diffed against, then hands the file bytes to each test to mangle.
type testHarness struct {
	store    *store.Store
	exporter *view.Exporter
	rec      *Reconciler
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(store.Config{Path: filepath.Join(dir, "state.db")})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.UpsertProject(ctx, &store.Project{ID: "p1", Name: "Test"}); err != nil {
		t.Fatalf("UpsertProject failed: %v", err)
	}
	if err := s.SetKV(ctx, store.NSState, store.KVActiveProject, "p1"); err != nil {
		t.Fatalf("SetKV failed: %v", err)
	}
	if err := s.UpsertCore(ctx, "settings.theme", json.RawMessage(`"light"`), 100); err != nil {
		t.Fatalf("UpsertCore failed: %v", err)
	}
	if err := s.UpsertState(ctx, "p1", store.StateEntry{
		Key: "branch", Value: json.RawMessage(`{"name":"main","updatedAt":100}`), UpdatedAt: 100,
	}); err != nil {
		t.Fatalf("UpsertState failed: %v", err)
	}
	if _, err := s.AppendNote(ctx, "p1", "first note", 100); err != nil {
		t.Fatalf("AppendNote failed: %v", err)
	}

	e := view.NewExporter(s, filepath.Join(dir, "view.json"), 10000, token.Heuristic{})
	if _, err := e.Export(ctx); err != nil {
		t.Fatalf("Baseline export failed: %v", err)
	}

	return &testHarness{store: s, exporter: e, rec: NewReconciler(s, nil)}
}

func (h *testHarness) viewBytes(t *testing.T) []byte {
	t.Helper()
	raw, err := os.ReadFile(h.exporter.Path())
	if err != nil {
		t.Fatalf("Failed to read view file: %v", err)
	}
	return raw
}

func edit(t *testing.T, raw []byte, path string, value any) []byte {
	t.Helper()
	out, err := sjson.SetBytes(raw, path, value)
	if err != nil {
		t.Fatalf("Failed to edit %s: %v", path, err)
	}
	return out
}

func TestReconcileOwnWriteSkipped(t *testing.T) {
	h := newHarness(t)

	res, err := h.rec.Reconcile(context.Background(), h.viewBytes(t))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !res.Skipped {
		t.Error("Expected unchanged file to be skipped")
	}
}

func TestReconcileMalformedJSON(t *testing.T) {
	h := newHarness(t)

	_, err := h.rec.Reconcile(context.Background(), []byte(`{"version": 1,`))
	if !errors.Is(err, kgerr.ErrParse) {
		t.Errorf("Expected ErrParse, got %v", err)
	}
}

func TestReconcileStaleVersion(t *testing.T) {
	h := newHarness(t)

	raw := edit(t, h.viewBytes(t), "version", 99)
	_, err := h.rec.Reconcile(context.Background(), raw)
	if !errors.Is(err, kgerr.ErrStaleVersion) {
		t.Errorf("Expected ErrStaleVersion, got %v", err)
	}
}

func TestReconcileToleratesUnrecordedPublish(t *testing.T) {
	// A crash between the view file rename and the export-state record
	// leaves the file one version ahead; edits on it must still land.
	h := newHarness(t)
	ctx := context.Background()

	raw := edit(t, h.viewBytes(t), "version", 2)
	raw = edit(t, raw, "core.settings.theme", "dark")

	res, err := h.rec.Reconcile(ctx, raw)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Applied != 1 {
		t.Errorf("Expected 1 edit applied, got %d", res.Applied)
	}
	entry, err := h.store.GetCoreEntry(ctx, "settings.theme")
	if err != nil {
		t.Fatalf("GetCoreEntry failed: %v", err)
	}
	if string(entry.Value) != `"dark"` {
		t.Errorf("Expected edit applied, got %s", entry.Value)
	}
}

func TestReconcileAppliesSettingEdit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	raw := edit(t, h.viewBytes(t), "core.settings.theme", "dark")
	res, err := h.rec.Reconcile(ctx, raw)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Applied != 1 {
		t.Errorf("Expected 1 applied edit, got %d (conflicts=%d violations=%d)",
			res.Applied, res.Conflicts, res.Violations)
	}

	entry, err := h.store.GetCoreEntry(ctx, "settings.theme")
	if err != nil {
		t.Fatalf("GetCoreEntry failed: %v", err)
	}
	if string(entry.Value) != `"dark"` {
		t.Errorf("Expected stored value \"dark\", got %s", entry.Value)
	}
}

func TestReconcileAppliesNewCoreKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	raw := edit(t, h.viewBytes(t), "core.mcpServers.github",
		map[string]any{"url": "https://example.test"})
	res, err := h.rec.Reconcile(ctx, raw)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Applied != 1 {
		t.Errorf("Expected 1 applied edit, got %+v", res)
	}
	if _, err := h.store.GetCoreEntry(ctx, "mcpServers.github"); err != nil {
		t.Errorf("Expected mcpServers.github in store: %v", err)
	}
}

func TestReconcileStoreWinsConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The store moves after the export this edit is based on.
	if err := h.store.UpsertCore(ctx, "settings.theme", json.RawMessage(`"solarized"`), 200); err != nil {
		t.Fatalf("UpsertCore failed: %v", err)
	}

	raw := edit(t, h.viewBytes(t), "core.settings.theme", "dark")
	res, err := h.rec.Reconcile(ctx, raw)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Applied != 0 || res.Conflicts != 1 {
		t.Errorf("Expected the store to win, got %+v", res)
	}

	entry, _ := h.store.GetCoreEntry(ctx, "settings.theme")
	if string(entry.Value) != `"solarized"` {
		t.Errorf("Expected stored value to survive, got %s", entry.Value)
	}
}

func TestReconcileStateTimestampGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Older logical timestamp loses.
	raw := edit(t, h.viewBytes(t), "activeProject.state.branch",
		map[string]any{"name": "dev", "updatedAt": 50})
	res, err := h.rec.Reconcile(ctx, raw)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Applied != 0 || res.Conflicts != 1 {
		t.Errorf("Expected stale state edit to lose, got %+v", res)
	}

	// Newer logical timestamp wins.
	raw = edit(t, h.viewBytes(t), "activeProject.state.branch",
		map[string]any{"name": "dev", "updatedAt": 200})
	res, err = h.rec.Reconcile(ctx, raw)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Applied != 1 {
		t.Errorf("Expected newer state edit to apply, got %+v", res)
	}

	entry, err := h.store.GetStateEntry(ctx, "p1", "branch")
	if err != nil {
		t.Fatalf("GetStateEntry failed: %v", err)
	}
	if entry.UpdatedAt != 200 {
		t.Errorf("Expected updated_at 200, got %d", entry.UpdatedAt)
	}
}

func TestReconcileNotesAppendOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Replacing the array counts only the new entry; the removal of
	// "first note" is ignored.
	raw := edit(t, h.viewBytes(t), "activeProject.meta.notes",
		[]string{"second note"})
	res, err := h.rec.Reconcile(ctx, raw)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Applied != 1 {
		t.Errorf("Expected 1 note appended, got %+v", res)
	}

	notes, err := h.store.ListNotes(ctx, "p1")
	if err != nil {
		t.Fatalf("ListNotes failed: %v", err)
	}
	if len(notes) != 2 || notes[0] != "first note" || notes[1] != "second note" {
		t.Errorf("Expected both notes in order, got %v", notes)
	}
}

func TestReconcileNotesIdempotentAcrossCycles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	raw := edit(t, h.viewBytes(t), "activeProject.meta.notes",
		[]string{"first note", "second note"})

	// Same edit delivered twice, as a debounced watcher would.
	for i := 0; i < 2; i++ {
		if _, err := h.rec.Reconcile(ctx, raw); err != nil {
			t.Fatalf("Reconcile pass %d failed: %v", i, err)
		}
	}

	notes, _ := h.store.ListNotes(ctx, "p1")
	if len(notes) != 2 {
		t.Errorf("Expected 2 notes after re-delivery, got %v", notes)
	}
}

func TestReconcileRejectsNonAllowListedEdit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	raw := edit(t, h.viewBytes(t), "activeProject.meta.name", "Renamed")
	raw = edit(t, raw, "intruder", true)
	res, err := h.rec.Reconcile(ctx, raw)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Applied != 0 {
		t.Errorf("Expected no edits applied, got %+v", res)
	}
	if res.Violations < 2 {
		t.Errorf("Expected at least 2 violations, got %+v", res)
	}

	p, _ := h.store.GetProject(ctx, "p1")
	if p.Name != "Test" {
		t.Errorf("Expected project name unchanged, got %q", p.Name)
	}
}

func TestReconcileConversationEditIgnored(t *testing.T) {
	h := newHarness(t)

	raw := edit(t, h.viewBytes(t), "activeProject.conversation",
		[]map[string]any{{"ts": 1, "role": "user", "content": "forged"}})
	res, err := h.rec.Reconcile(context.Background(), raw)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Applied != 0 || res.Violations == 0 {
		t.Errorf("Expected conversation edit to be a violation, got %+v", res)
	}
}

func TestFromConfigRules(t *testing.T) {
	rules, err := FromConfig(nil)
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	if len(rules) != len(DefaultRules()) {
		t.Errorf("Expected defaults only, got %d rules", len(rules))
	}
}

func TestRuleCovers(t *testing.T) {
	wildcard := Rule{Path: "core.settings.*", Op: OpCoreUpsert}
	if !wildcard.Covers("core.settings.theme") {
		t.Error("Expected wildcard to cover child path")
	}
	if wildcard.Covers("core.settingsextra.theme") {
		t.Error("Expected wildcard to require a segment boundary")
	}

	exact := Rule{Path: "activeProject.meta.notes", Op: OpNoteAppend}
	if !exact.Covers("activeProject.meta.notes") {
		t.Error("Expected exact rule to cover its own path")
	}
	if exact.Covers("activeProject.meta") {
		t.Error("Expected exact rule not to cover its parent")
	}
}
