package reconcile

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zeebo/blake3"

	kgerr "github.com/hikarukin/kagami/internal/errors"
	"github.com/hikarukin/kagami/internal/logger"
	"github.com/hikarukin/kagami/internal/store"
)

// Reconciler folds allow-listed external edits of the view file back
// into the store. The store always wins conflicts: an external edit
// only lands when the store has not moved since the edited document
// was exported.
type Reconciler struct {
	store *store.Store
	rules []Rule
	now   func() time.Time
}

func NewReconciler(s *store.Store, rules []Rule) *Reconciler {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Reconciler{store: s, rules: rules, now: time.Now}
}

// Result summarizes one reconciliation pass.
type Result struct {
	// Applied counts external edits folded into the store.
	Applied int

	// Conflicts counts allow-listed edits dropped because the store
	// moved since the document was exported.
	Conflicts int

	// Violations counts changes outside the allow list, logged and
	// discarded.
	Violations int

	// Skipped is set when the file content matches the last export
	// byte for byte, i.e. the event was our own write.
	Skipped bool
}

// Changed reports whether the store was mutated.
func (r Result) Changed() bool {
	return r.Applied > 0
}

// Reconcile processes one observed view file body.
//
// Returns ErrParse for malformed JSON (the caller retries with
// backoff), ErrStaleVersion when the edit was based on an outdated
// export (the caller republishes the authoritative view), and
// ErrValidation for a structurally impossible document.
func (r *Reconciler) Reconcile(ctx context.Context, raw []byte) (Result, error) {
	var res Result

	sum := blake3.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	lastHash, _, err := r.store.GetKV(ctx, store.NSExport, store.KVLastExportedHash)
	if err != nil {
		return res, err
	}
	if hash == lastHash {
		res.Skipped = true
		return res, nil
	}

	if !gjson.ValidBytes(raw) {
		return res, kgerr.Parse("view file is not valid JSON")
	}
	incoming := gjson.ParseBytes(raw)
	if !incoming.IsObject() {
		return res, kgerr.Validation("view file root must be a JSON object")
	}

	lastRaw, found, err := r.store.GetKV(ctx, store.NSExport, store.KVLastExportedDocument)
	if err != nil {
		return res, err
	}
	if !found {
		// Nothing was ever exported; there is no baseline to diff
		// against, so the edit cannot be attributed. The caller
		// publishes a fresh authoritative view.
		slog.Warn("View file changed with no export baseline, ignoring edits")
		return res, nil
	}
	last := gjson.Parse(lastRaw)

	// A crash between the atomic rename and recording the export state
	// leaves the on-disk file exactly one version ahead of the recorded
	// baseline; edits on it are reconciled against that baseline rather
	// than discarded as stale.
	incomingVersion := incoming.Get("version").Int()
	lastVersion := last.Get("version").Int()
	if incomingVersion != lastVersion && incomingVersion != lastVersion+1 {
		return res, fmt.Errorf("edit based on version %d, published version is %d: %w",
			incomingVersion, lastVersion, kgerr.ErrStaleVersion)
	}

	projectID := last.Get("activeProject.id").String()
	slog.Debug("Reconciling external view edit",
		"cycle", logger.GetCycleID(ctx),
		"version", last.Get("version").Int(),
		"project", projectID,
	)

	for _, rule := range r.rules {
		if err := r.applyRule(ctx, rule, incoming, last, projectID, &res); err != nil {
			return res, err
		}
	}

	r.reportViolations(incoming, last, &res)
	return res, nil
}

func (r *Reconciler) applyRule(ctx context.Context, rule Rule, incoming, last gjson.Result, projectID string, res *Result) error {
	if rule.Op == OpNoteAppend {
		return r.applyNotes(ctx, rule, incoming, last, projectID, res)
	}

	parent := rule.Parent()
	incomingObj := incoming.Get(parent)
	if !incomingObj.Exists() {
		return nil
	}
	if !incomingObj.IsObject() {
		slog.Warn("Allow-listed path is not an object, ignoring", "path", parent)
		res.Violations++
		return nil
	}
	lastMap := last.Get(parent).Map()

	var err error
	incomingObj.ForEach(func(key, value gjson.Result) bool {
		lastVal, existed := lastMap[key.String()]
		if existed && jsonEqual(value.Raw, lastVal.Raw) {
			return true
		}
		err = r.applyEdit(ctx, rule, parent, key.String(), value, lastVal, existed, projectID, res)
		return err == nil
	})
	return err
}

func (r *Reconciler) applyEdit(ctx context.Context, rule Rule, parent, key string, value, lastVal gjson.Result, existedInExport bool, projectID string, res *Result) error {
	path := parent + "." + key

	switch rule.Op {
	case OpCoreUpsert:
		storeKey := coreStoreKey(parent, key)
		cur, err := r.store.GetCoreEntry(ctx, storeKey)
		switch {
		case kgerr.IsCategory(err, kgerr.ErrNotFound):
			// New key, nothing to conflict with.
		case err != nil:
			return err
		case !existedInExport || !jsonEqual(string(cur.Value), lastVal.Raw):
			// The store moved since the export this edit was based on.
			slog.Warn("External edit lost conflict, keeping stored value", "path", path)
			res.Conflicts++
			return nil
		}
		if err := r.store.UpsertCore(ctx, storeKey, json.RawMessage(value.Raw), r.now().UnixMilli()); err != nil {
			return err
		}

	case OpStateUpsert:
		if projectID == "" {
			slog.Warn("State edit with no active project, ignoring", "path", path)
			res.Violations++
			return nil
		}
		cur, err := r.store.GetStateEntry(ctx, projectID, key)
		exists := true
		if kgerr.IsCategory(err, kgerr.ErrNotFound) {
			exists = false
		} else if err != nil {
			return err
		}

		updatedAt := r.now().UnixMilli()
		if ts := value.Get("updatedAt"); ts.Exists() {
			// The editor carries a logical timestamp; it wins only if
			// strictly newer than what the store holds.
			if exists && ts.Int() <= cur.UpdatedAt {
				slog.Warn("External edit lost conflict, keeping stored value",
					"path", path, "incoming_ts", ts.Int(), "stored_ts", cur.UpdatedAt)
				res.Conflicts++
				return nil
			}
			updatedAt = ts.Int()
		} else if exists && (!existedInExport || !jsonEqual(string(cur.Value), lastVal.Raw)) {
			slog.Warn("External edit lost conflict, keeping stored value", "path", path)
			res.Conflicts++
			return nil
		}
		entry := store.StateEntry{Key: key, Value: json.RawMessage(value.Raw), UpdatedAt: updatedAt}
		if err := r.store.UpsertState(ctx, projectID, entry); err != nil {
			return err
		}
	}

	slog.Info("External edit applied", "path", path)
	res.Applied++
	return nil
}

// applyNotes folds new note strings into the store. Notes are
// append-only: removed or reordered entries are ignored, the store's
// list stands.
func (r *Reconciler) applyNotes(ctx context.Context, rule Rule, incoming, last gjson.Result, projectID string, res *Result) error {
	incomingNotes := incoming.Get(rule.Path)
	if !incomingNotes.Exists() {
		return nil
	}
	if !incomingNotes.IsArray() {
		slog.Warn("Notes path is not an array, ignoring", "path", rule.Path)
		res.Violations++
		return nil
	}
	if projectID == "" {
		return nil
	}

	known := map[string]bool{}
	for _, note := range last.Get(rule.Path).Array() {
		known[note.String()] = true
	}

	var err error
	incomingNotes.ForEach(func(_, note gjson.Result) bool {
		if note.Type != gjson.String {
			slog.Warn("Non-string note entry, ignoring", "path", rule.Path)
			res.Violations++
			return true
		}
		if known[note.String()] {
			return true
		}
		added, appendErr := r.store.AppendNote(ctx, projectID, note.String(), r.now().UnixMilli())
		if appendErr != nil {
			err = appendErr
			return false
		}
		if added {
			slog.Info("External note appended", "project", projectID)
			res.Applied++
		}
		return true
	})
	return err
}

// reportViolations walks both documents and logs every changed leaf
// that no rule covers. The version field is exempt because the
// exporter owns it.
func (r *Reconciler) reportViolations(incoming, last gjson.Result, res *Result) {
	incomingLeaves := map[string]string{}
	flatten("", incoming, incomingLeaves)
	lastLeaves := map[string]string{}
	flatten("", last, lastLeaves)

	seen := map[string]bool{}
	for path, raw := range incomingLeaves {
		lastRaw, existed := lastLeaves[path]
		if existed && jsonEqual(raw, lastRaw) {
			continue
		}
		r.flagViolation(path, seen, res)
	}
	// Deleted leaves are violations too, except under wildcard rules
	// where deletion is an ignored (DB-wins) edit.
	for path := range lastLeaves {
		if _, stillThere := incomingLeaves[path]; !stillThere {
			r.flagViolation(path, seen, res)
		}
	}
}

func (r *Reconciler) flagViolation(path string, seen map[string]bool, res *Result) {
	if path == "version" {
		return
	}
	for _, rule := range r.rules {
		if rule.Covers(path) {
			return
		}
	}
	if seen[path] {
		return
	}
	seen[path] = true
	slog.Warn("Edit outside allow list ignored", "path", path)
	res.Violations++
}

// flatten records every leaf path of a document. Arrays are leaves:
// element-level diffs are not attributable to a rule anyway.
func flatten(prefix string, v gjson.Result, out map[string]string) {
	if !v.IsObject() {
		out[prefix] = v.Raw
		return
	}
	v.ForEach(func(key, value gjson.Result) bool {
		path := key.String()
		if prefix != "" {
			path = prefix + "." + path
		}
		flatten(path, value, out)
		return true
	})
}

// coreStoreKey maps a document path under "core." back to the dotted
// store key, e.g. ("core.settings", "theme") to "settings.theme".
func coreStoreKey(parent, key string) string {
	group := parent
	if len(group) > len("core.") {
		group = group[len("core."):]
	}
	return group + "." + key
}

// jsonEqual compares two raw JSON values semantically, so formatting
// differences between the exporter and an external editor never count
// as edits.
func jsonEqual(a, b string) bool {
	if a == b {
		return true
	}
	var x, y any
	if json.Unmarshal([]byte(a), &x) != nil || json.Unmarshal([]byte(b), &y) != nil {
		return false
	}
	return reflect.DeepEqual(x, y)
}
