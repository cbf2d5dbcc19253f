package view

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/zeebo/blake3"

	kgerr "github.com/hikarukin/kagami/internal/errors"
	"github.com/hikarukin/kagami/internal/store"
	"github.com/hikarukin/kagami/internal/token"
)

// Exporter composes documents from the store and publishes them to the
// view file. Publishing is atomic (write temp, fsync, rename) so
// readers never observe a truncated file.
type Exporter struct {
	store     *store.Store
	path      string
	budget    int
	estimator token.Estimator
}

func NewExporter(s *store.Store, path string, budget int, est token.Estimator) *Exporter {
	return &Exporter{store: s, path: path, budget: budget, estimator: est}
}

func (e *Exporter) Path() string {
	return e.path
}

// Compose builds the next document from store rows. Pure read: nothing
// is written, so a failed compose never costs a version.
func (e *Exporter) Compose(ctx context.Context) (*Document, error) {
	base, err := e.lastPublishedVersion(ctx)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Version: base + 1,
		Core:    map[string]json.RawMessage{},
	}

	coreEntries, err := e.store.GetCore(ctx)
	if err != nil {
		return nil, fmt.Errorf("compose core: %w", err)
	}
	if err := groupCoreEntries(doc.Core, coreEntries); err != nil {
		return nil, err
	}

	activeID, found, err := e.store.GetKV(ctx, store.NSState, store.KVActiveProject)
	if err != nil {
		return nil, err
	}
	if !found || activeID == "" {
		return doc, nil
	}

	pv, err := e.composeProject(ctx, activeID)
	if err != nil {
		return nil, err
	}
	doc.ActiveProject = pv
	return doc, nil
}

func (e *Exporter) composeProject(ctx context.Context, projectID string) (*ProjectView, error) {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("compose project %s: %w", projectID, err)
	}

	notes, err := e.store.ListNotes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if notes == nil {
		notes = []string{}
	}

	stateEntries, err := e.store.GetState(ctx, projectID)
	if err != nil {
		return nil, err
	}
	state := map[string]json.RawMessage{}
	for _, entry := range stateEntries {
		state[entry.Key] = entry.Value
	}

	msgs, err := e.store.ListRecentMessages(ctx, projectID, e.budget, e.estimator)
	if err != nil {
		return nil, err
	}
	conversation := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		conversation = append(conversation, MessageView{
			TS:      msgs[i].TS,
			Role:    msgs[i].Role,
			Content: msgs[i].Content,
			Pinned:  msgs[i].Pinned,
			Summary: msgs[i].IsSummary(),
		})
	}

	tags := project.Tags
	if tags == nil {
		tags = []string{}
	}
	return &ProjectView{
		ID: projectID,
		Meta: ProjectMeta{
			Name:  project.Name,
			Tags:  tags,
			Extra: project.Meta,
			Notes: notes,
		},
		State:        state,
		Conversation: conversation,
	}, nil
}

// Publish writes the document atomically and records its version, hash,
// and body in the export KV namespace. Returns ErrStaleVersion if
// another publisher moved the version between Compose and Publish.
func (e *Exporter) Publish(ctx context.Context, doc *Document) error {
	base, err := e.lastPublishedVersion(ctx)
	if err != nil {
		return err
	}
	if doc.Version != base+1 {
		return fmt.Errorf("document version %d, published version is %d: %w",
			doc.Version, base, kgerr.ErrStaleVersion)
	}

	body, err := doc.Marshal()
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("create view directory: %v: %w", err, kgerr.ErrIO)
	}
	if err := atomic.WriteFile(e.path, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("write view file %s: %v: %w", e.path, err, kgerr.ErrIO)
	}

	sum := blake3.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	// One transaction: a crash between the rename above and this record
	// leaves the file exactly one version ahead of the export state,
	// which the reconciler tolerates; it never leaves the three keys
	// disagreeing with each other.
	if err := e.store.RecordExport(ctx, doc.Version, hash, string(body)); err != nil {
		return err
	}

	slog.Info("View published",
		"path", e.path,
		"version", doc.Version,
		"bytes", len(body),
		"hash", hash[:12],
	)
	return nil
}

// Export is Compose followed by Publish.
func (e *Exporter) Export(ctx context.Context) (*Document, error) {
	doc, err := e.Compose(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.Publish(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// groupCoreEntries nests dotted store keys one level: "settings.theme"
// becomes core.settings.theme in the document, so allow-list paths
// address real JSON objects. A key without a dot stays top-level.
func groupCoreEntries(out map[string]json.RawMessage, entries []store.CoreEntry) error {
	groups := map[string]map[string]json.RawMessage{}
	for _, entry := range entries {
		group, name, ok := strings.Cut(entry.Key, ".")
		if !ok {
			out[entry.Key] = entry.Value
			continue
		}
		if groups[group] == nil {
			groups[group] = map[string]json.RawMessage{}
		}
		groups[group][name] = entry.Value
	}
	for group, members := range groups {
		body, err := json.Marshal(members)
		if err != nil {
			return fmt.Errorf("marshal core group %s: %w", group, err)
		}
		out[group] = body
	}
	return nil
}

func (e *Exporter) lastPublishedVersion(ctx context.Context) (int64, error) {
	raw, found, err := e.store.GetKV(ctx, store.NSExport, store.KVLastPublishedVersion)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt published version %q: %w", raw, kgerr.ErrInternal)
	}
	return version, nil
}
