package view

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	kgerr "github.com/hikarukin/kagami/internal/errors"
	"github.com/hikarukin/kagami/internal/store"
	"github.com/hikarukin/kagami/internal/token"
)

func testExporter(t *testing.T) (*Exporter, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(store.Config{Path: filepath.Join(dir, "state.db")})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewExporter(s, filepath.Join(dir, "view.json"), 10000, token.Heuristic{}), s
}

func seedProject(t *testing.T, s *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertProject(ctx, &store.Project{ID: id, Name: "Test Project", Tags: []string{"go"}}); err != nil {
		t.Fatalf("UpsertProject failed: %v", err)
	}
	if err := s.SetKV(ctx, store.NSState, store.KVActiveProject, id); err != nil {
		t.Fatalf("SetKV failed: %v", err)
	}
	content, _ := json.Marshal("hello")
	if err := s.AppendMessage(ctx, &store.Message{ProjectID: id, TS: 1000, Role: store.RoleUser, Content: content}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
}

func TestComposeEmptyStore(t *testing.T) {
	e, _ := testExporter(t)

	doc, err := e.Compose(context.Background())
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("Expected first version 1, got %d", doc.Version)
	}
	if doc.ActiveProject != nil {
		t.Error("Expected no active project")
	}
}

func TestExportWritesFileAndBumpsVersion(t *testing.T) {
	e, s := testExporter(t)
	ctx := context.Background()
	seedProject(t, s, "p1")

	doc, err := e.Export(ctx)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if doc.Version != 1 {
		t.Errorf("Expected version 1, got %d", doc.Version)
	}

	body, err := os.ReadFile(e.Path())
	if err != nil {
		t.Fatalf("Failed to read view file: %v", err)
	}
	var onDisk Document
	if err := json.Unmarshal(body, &onDisk); err != nil {
		t.Fatalf("View file is not valid JSON: %v", err)
	}
	if onDisk.Version != 1 {
		t.Errorf("Expected on-disk version 1, got %d", onDisk.Version)
	}
	if onDisk.ActiveProject == nil || onDisk.ActiveProject.ID != "p1" {
		t.Fatalf("Expected active project p1 in view, got %+v", onDisk.ActiveProject)
	}
	if len(onDisk.ActiveProject.Conversation) != 1 {
		t.Errorf("Expected 1 conversation entry, got %d", len(onDisk.ActiveProject.Conversation))
	}
	if onDisk.ActiveProject.Meta.Name != "Test Project" {
		t.Errorf("Unexpected project name %q", onDisk.ActiveProject.Meta.Name)
	}

	// Each export bumps the version by exactly one.
	doc2, err := e.Export(ctx)
	if err != nil {
		t.Fatalf("Second export failed: %v", err)
	}
	if doc2.Version != 2 {
		t.Errorf("Expected version 2, got %d", doc2.Version)
	}
}

func TestPublishStaleVersion(t *testing.T) {
	e, s := testExporter(t)
	ctx := context.Background()
	seedProject(t, s, "p1")

	doc, err := e.Compose(ctx)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}

	// Another publisher wins the race.
	if _, err := e.Export(ctx); err != nil {
		t.Fatalf("Concurrent export failed: %v", err)
	}

	err = e.Publish(ctx, doc)
	if !errors.Is(err, kgerr.ErrStaleVersion) {
		t.Errorf("Expected ErrStaleVersion, got %v", err)
	}
}

func TestPublishRecordsExportState(t *testing.T) {
	e, s := testExporter(t)
	ctx := context.Background()
	seedProject(t, s, "p1")

	if _, err := e.Export(ctx); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	version, found, err := s.GetKV(ctx, store.NSExport, store.KVLastPublishedVersion)
	if err != nil || !found || version != "1" {
		t.Errorf("Expected published version 1, got (%q, %v, %v)", version, found, err)
	}
	hash, found, _ := s.GetKV(ctx, store.NSExport, store.KVLastExportedHash)
	if !found || hash == "" {
		t.Error("Expected exported hash to be recorded")
	}
	last, found, _ := s.GetKV(ctx, store.NSExport, store.KVLastExportedDocument)
	if !found {
		t.Fatal("Expected exported document to be recorded")
	}
	onDisk, err := os.ReadFile(e.Path())
	if err != nil {
		t.Fatalf("Failed to read view file: %v", err)
	}
	if last != string(onDisk) {
		t.Error("Expected recorded document to match the file on disk")
	}
}

func TestComposeBudgetTrimsConversation(t *testing.T) {
	e, s := testExporter(t)
	ctx := context.Background()
	seedProject(t, s, "p1")

	for ts := int64(2000); ts < 2050; ts++ {
		content, _ := json.Marshal("a reasonably sized chat message for budget testing")
		if err := s.AppendMessage(ctx, &store.Message{ProjectID: "p1", TS: ts, Role: store.RoleAssistant, Content: content}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	tight := NewExporter(s, e.Path(), 50, token.Heuristic{})
	doc, err := tight.Compose(ctx)
	if err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	conv := doc.ActiveProject.Conversation
	if len(conv) == 0 || len(conv) >= 50 {
		t.Fatalf("Expected budget to trim conversation, got %d entries", len(conv))
	}
	// Newest survives.
	if conv[len(conv)-1].TS != 2049 {
		t.Errorf("Expected newest message last, got ts=%d", conv[len(conv)-1].TS)
	}
}
