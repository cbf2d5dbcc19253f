package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	kgerr "github.com/hikarukin/kagami/internal/errors"
	"github.com/hikarukin/kagami/internal/token"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "state.db")})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(projectID string, ts int64, role Role, text string) *Message {
	content, _ := json.Marshal(text)
	return &Message{ProjectID: projectID, TS: ts, Role: role, Content: content}
}

func TestAppendMessageAssignsID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := testMessage("p1", 1000, RoleUser, "hello")
	if err := s.AppendMessage(ctx, m); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if m.ID == "" {
		t.Error("Expected message ID to be assigned")
	}

	n, err := s.CountMessages(ctx, "p1")
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 message, got %d", n)
	}
}

func TestAppendMessageDuplicateTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendMessage(ctx, testMessage("p1", 1000, RoleUser, "first")); err != nil {
		t.Fatalf("First append failed: %v", err)
	}

	err := s.AppendMessage(ctx, testMessage("p1", 1000, RoleUser, "second"))
	if !errors.Is(err, kgerr.ErrConflict) {
		t.Errorf("Expected ErrConflict for duplicate (project, ts), got %v", err)
	}

	// Same ts under a different project is fine.
	if err := s.AppendMessage(ctx, testMessage("p2", 1000, RoleUser, "other")); err != nil {
		t.Errorf("Append under different project failed: %v", err)
	}
}

func TestAppendMessageValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		msg  *Message
	}{
		{"empty project", testMessage("", 1000, RoleUser, "x")},
		{"zero timestamp", testMessage("p1", 0, RoleUser, "x")},
		{"bad role", testMessage("p1", 1000, Role("wizard"), "x")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.AppendMessage(ctx, tc.msg)
			if !errors.Is(err, kgerr.ErrInvalidInput) {
				t.Errorf("Expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestListRecentMessagesBudget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	est := token.Heuristic{}

	// Each message costs a handful of tokens; pinned system prompt at
	// the start must survive regardless of budget pressure.
	pinned := testMessage("p1", 100, RoleSystem, "you are a helpful assistant")
	pinned.Pinned = true
	if err := s.AppendMessage(ctx, pinned); err != nil {
		t.Fatalf("Append pinned failed: %v", err)
	}

	for i := int64(1); i <= 20; i++ {
		m := testMessage("p1", 1000+i, RoleUser, fmt.Sprintf("message number %d with some padding text", i))
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	budget := 60
	window, err := s.ListRecentMessages(ctx, "p1", budget, est)
	if err != nil {
		t.Fatalf("ListRecentMessages failed: %v", err)
	}
	if len(window) == 0 {
		t.Fatal("Expected a non-empty window")
	}

	if !window[0].Pinned {
		t.Error("Expected pinned message first in chronological window")
	}

	spent := 0
	for i := range window {
		spent += est.Estimate(window[i].Content)
		if i > 0 && window[i].TS <= window[i-1].TS {
			t.Errorf("Window not chronological at index %d", i)
		}
	}
	if spent > budget {
		t.Errorf("Window cost %d exceeds budget %d", spent, budget)
	}

	// The newest message always wins the budget race over older ones.
	last := window[len(window)-1]
	if last.TS != 1020 {
		t.Errorf("Expected newest message (ts=1020) in window, got ts=%d", last.TS)
	}
}

func TestCompactRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pinned := testMessage("p1", 50, RoleSystem, "prompt")
	pinned.Pinned = true
	if err := s.AppendMessage(ctx, pinned); err != nil {
		t.Fatalf("Append pinned failed: %v", err)
	}
	for ts := int64(100); ts <= 500; ts += 100 {
		if err := s.AppendMessage(ctx, testMessage("p1", ts, RoleUser, "chat")); err != nil {
			t.Fatalf("Append ts=%d failed: %v", ts, err)
		}
	}

	summarize := func(msgs []Message) (json.RawMessage, error) {
		return json.Marshal(fmt.Sprintf("summary of %d messages", len(msgs)))
	}

	// Compact everything below ts=400: rows 100..300.
	summary, n, err := s.Compact(ctx, "p1", 400, 1000, summarize)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 rows superseded, got %d", n)
	}
	if summary.SupersedesFrom != 100 || summary.SupersedesTo != 300 {
		t.Errorf("Expected summary range [100, 300], got [%d, %d]",
			summary.SupersedesFrom, summary.SupersedesTo)
	}
	if !summary.IsSummary() {
		t.Error("Expected summary row to report IsSummary")
	}
	if summary.TS <= 300 {
		t.Errorf("Expected summary ts above the range, got %d", summary.TS)
	}

	// Live view: pinned + summary + the two untouched rows.
	live, err := s.ListMessages(ctx, "p1", 0, 1<<62, false)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(live) != 4 {
		t.Fatalf("Expected 4 live messages after compaction, got %d", len(live))
	}

	// Superseded rows are still present until the purge.
	all, err := s.ListMessages(ctx, "p1", 0, 1<<62, true)
	if err != nil {
		t.Fatalf("ListMessages (all) failed: %v", err)
	}
	if len(all) != 7 {
		t.Fatalf("Expected 7 total rows, got %d", len(all))
	}
	for _, m := range all {
		if m.TS >= 100 && m.TS <= 300 && !m.Pinned && m.SupersededBy == "" {
			t.Errorf("Expected row ts=%d to be superseded", m.TS)
		}
	}

	// Nothing left to compact below the same cutoff.
	again, n, err := s.Compact(ctx, "p1", 400, 1000, summarize)
	if err != nil {
		t.Fatalf("Second compact failed: %v", err)
	}
	if again != nil || n != 0 {
		t.Errorf("Expected no-op second compaction, got summary=%v n=%d", again, n)
	}
}

func TestCompactSkipsPinned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pinned := testMessage("p1", 200, RoleSystem, "keep me")
	pinned.Pinned = true
	if err := s.AppendMessage(ctx, pinned); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.AppendMessage(ctx, testMessage("p1", 100, RoleUser, "old")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.AppendMessage(ctx, testMessage("p1", 300, RoleUser, "old too")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	summarize := func(msgs []Message) (json.RawMessage, error) {
		return json.RawMessage(`"digest"`), nil
	}
	_, n, err := s.Compact(ctx, "p1", 1000, 1000, summarize)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 rows superseded, got %d", n)
	}

	kept, err := s.ListMessages(ctx, "p1", 200, 200, false)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(kept) != 1 || !kept[0].Pinned {
		t.Error("Expected pinned row to survive compaction untouched")
	}
}

func TestPurgeSuperseded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for ts := int64(100); ts <= 300; ts += 100 {
		if err := s.AppendMessage(ctx, testMessage("p1", ts, RoleUser, "x")); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	summarize := func([]Message) (json.RawMessage, error) { return json.RawMessage(`"s"`), nil }
	if _, _, err := s.Compact(ctx, "p1", 1000, 1000, summarize); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	// Grace period not elapsed: boundary before the supersede time.
	purged, err := s.PurgeSuperseded(ctx, 0)
	if err != nil {
		t.Fatalf("PurgeSuperseded failed: %v", err)
	}
	if purged != 0 {
		t.Errorf("Expected 0 purged before grace boundary, got %d", purged)
	}

	// Boundary in the far future: everything superseded goes.
	purged, err = s.PurgeSuperseded(ctx, time.Now().Add(time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("PurgeSuperseded failed: %v", err)
	}
	if purged != 3 {
		t.Errorf("Expected 3 purged, got %d", purged)
	}

	all, err := s.ListMessages(ctx, "p1", 0, 1<<62, true)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected only the summary row to remain, got %d rows", len(all))
	}
}

func TestProjectLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &Project{ID: "web", Name: "Web App", Tags: []string{"frontend"}, LastOpenedAt: 42}
	if err := s.UpsertProject(ctx, p); err != nil {
		t.Fatalf("UpsertProject failed: %v", err)
	}

	got, err := s.GetProject(ctx, "web")
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if got.Name != "Web App" || len(got.Tags) != 1 || got.Tags[0] != "frontend" {
		t.Errorf("Unexpected project: %+v", got)
	}

	// TouchProject creates rows on first reference.
	if err := s.TouchProject(ctx, "api", 100); err != nil {
		t.Fatalf("TouchProject failed: %v", err)
	}
	if _, err := s.GetProject(ctx, "api"); err != nil {
		t.Errorf("Expected touched project to exist: %v", err)
	}

	if err := s.ArchiveProject(ctx, "api"); err != nil {
		t.Fatalf("ArchiveProject failed: %v", err)
	}
	active, err := s.ListProjects(ctx, false)
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "web" {
		t.Errorf("Expected only 'web' in active list, got %+v", active)
	}
	all, err := s.ListProjects(ctx, true)
	if err != nil {
		t.Fatalf("ListProjects (all) failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 projects including archived, got %d", len(all))
	}

	if _, err := s.GetProject(ctx, "nope"); !errors.Is(err, kgerr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestProjectStateUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entry := StateEntry{Key: "branch", Value: json.RawMessage(`"main"`), UpdatedAt: 100}
	if err := s.UpsertState(ctx, "p1", entry); err != nil {
		t.Fatalf("UpsertState failed: %v", err)
	}
	entry.Value = json.RawMessage(`"dev"`)
	entry.UpdatedAt = 200
	if err := s.UpsertState(ctx, "p1", entry); err != nil {
		t.Fatalf("Second UpsertState failed: %v", err)
	}

	got, err := s.GetStateEntry(ctx, "p1", "branch")
	if err != nil {
		t.Fatalf("GetStateEntry failed: %v", err)
	}
	if string(got.Value) != `"dev"` || got.UpdatedAt != 200 {
		t.Errorf("Unexpected state entry: %+v", got)
	}
}

func TestAppendNoteIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	added, err := s.AppendNote(ctx, "p1", "prefers tabs", 100)
	if err != nil {
		t.Fatalf("AppendNote failed: %v", err)
	}
	if !added {
		t.Error("Expected first append to add")
	}

	// Re-delivery of the identical note is a no-op.
	added, err = s.AppendNote(ctx, "p1", "prefers tabs", 200)
	if err != nil {
		t.Fatalf("Second AppendNote failed: %v", err)
	}
	if added {
		t.Error("Expected duplicate note to be skipped")
	}

	if _, err := s.AppendNote(ctx, "p1", "likes Go", 300); err != nil {
		t.Fatalf("Third AppendNote failed: %v", err)
	}

	notes, err := s.ListNotes(ctx, "p1")
	if err != nil {
		t.Fatalf("ListNotes failed: %v", err)
	}
	if len(notes) != 2 || notes[0] != "prefers tabs" || notes[1] != "likes Go" {
		t.Errorf("Unexpected notes: %v", notes)
	}
}

func TestKVRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetKV(ctx, NSExport, KVLastPublishedVersion, "7"); err != nil {
		t.Fatalf("SetKV failed: %v", err)
	}
	v, found, err := s.GetKV(ctx, NSExport, KVLastPublishedVersion)
	if err != nil || !found || v != "7" {
		t.Errorf("Expected (7, true), got (%q, %v, %v)", v, found, err)
	}

	_, found, err = s.GetKV(ctx, NSRuntime, "missing")
	if err != nil {
		t.Fatalf("GetKV failed: %v", err)
	}
	if found {
		t.Error("Expected missing key to report found=false")
	}
}

func TestRuntimeNamespaceClearedOnOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.SetKV(ctx, NSRuntime, "cycle", "42"); err != nil {
		t.Fatalf("SetKV failed: %v", err)
	}
	if err := s.SetKV(ctx, NSExport, KVLastExportedHash, "abc"); err != nil {
		t.Fatalf("SetKV failed: %v", err)
	}
	s.Close()

	s, err = Open(Config{Path: path})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s.Close()

	if _, found, _ := s.GetKV(ctx, NSRuntime, "cycle"); found {
		t.Error("Expected runtime namespace to be cleared on open")
	}
	if v, found, _ := s.GetKV(ctx, NSExport, KVLastExportedHash); !found || v != "abc" {
		t.Error("Expected export namespace to survive restart")
	}
}

func TestBlobPutGetExpire(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	content := []byte(`{"huge": "payload"}`)
	id, err := s.PutBlob(ctx, content, time.Hour)
	if err != nil {
		t.Fatalf("PutBlob failed: %v", err)
	}

	// Content addressing: identical content yields the same id.
	id2, err := s.PutBlob(ctx, content, time.Hour)
	if err != nil {
		t.Fatalf("Second PutBlob failed: %v", err)
	}
	if id != id2 {
		t.Errorf("Expected identical ids for identical content, got %s and %s", id, id2)
	}

	got, err := s.GetBlob(ctx, id)
	if err != nil {
		t.Fatalf("GetBlob failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("Blob content mismatch: %s", got)
	}

	expired, err := s.ExpireBlobs(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ExpireBlobs failed: %v", err)
	}
	if expired != 1 {
		t.Errorf("Expected 1 blob expired, got %d", expired)
	}
	if _, err := s.GetBlob(ctx, id); !errors.Is(err, kgerr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after expiry, got %v", err)
	}
}

func TestSnapshotVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v1, err := s.WriteSnapshot(ctx, "p1", json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}
	v2, err := s.WriteSnapshot(ctx, "p1", json.RawMessage(`{"v":2}`))
	if err != nil {
		t.Fatalf("Second WriteSnapshot failed: %v", err)
	}
	if v1 != 1 || v2 != 2 {
		t.Errorf("Expected versions 1 and 2, got %d and %d", v1, v2)
	}

	// Versions are per-project.
	other, err := s.WriteSnapshot(ctx, "p2", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}
	if other != 1 {
		t.Errorf("Expected version 1 for new project, got %d", other)
	}

	doc, got, err := s.GetSnapshot(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if got != 2 || string(doc) != `{"v":2}` {
		t.Errorf("Expected latest snapshot v2, got v%d %s", got, doc)
	}

	doc, _, err = s.GetSnapshot(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("GetSnapshot(1) failed: %v", err)
	}
	if string(doc) != `{"v":1}` {
		t.Errorf("Expected snapshot v1 document, got %s", doc)
	}
}

func TestCoreConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertCore(ctx, "settings.theme", json.RawMessage(`"dark"`), 100); err != nil {
		t.Fatalf("UpsertCore failed: %v", err)
	}
	if err := s.UpsertCore(ctx, "mcpServers.github", json.RawMessage(`{"url":"x"}`), 200); err != nil {
		t.Fatalf("UpsertCore failed: %v", err)
	}

	entries, err := s.GetCore(ctx)
	if err != nil {
		t.Fatalf("GetCore failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 core entries, got %d", len(entries))
	}
	// Ordered by key.
	if entries[0].Key != "mcpServers.github" || entries[1].Key != "settings.theme" {
		t.Errorf("Unexpected key order: %s, %s", entries[0].Key, entries[1].Key)
	}

	entry, err := s.GetCoreEntry(ctx, "settings.theme")
	if err != nil {
		t.Fatalf("GetCoreEntry failed: %v", err)
	}
	if entry.UpdatedAt != 100 {
		t.Errorf("Expected updated_at 100, got %d", entry.UpdatedAt)
	}
}
