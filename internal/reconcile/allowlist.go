package reconcile

import (
	"fmt"
	"strings"

	"github.com/hikarukin/kagami/internal/config"
	kgerr "github.com/hikarukin/kagami/internal/errors"
)

// Op is what applying a matched rule does to the store.
type Op int

const (
	// OpCoreUpsert writes a core config entry. The store key is the
	// document path under "core." with the group dot preserved.
	OpCoreUpsert Op = iota

	// OpStateUpsert writes a project state entry for the active project.
	OpStateUpsert

	// OpNoteAppend appends new strings to the active project's notes.
	OpNoteAppend
)

// Rule allow-lists one document path for external editing. A path
// ending in ".*" matches every key of the parent object; any other
// path matches exactly.
//
// Everything not matched by a rule is read-only: external changes to
// it are logged as policy violations and discarded.
type Rule struct {
	Path string
	Op   Op
}

// Wildcard reports whether the rule matches the keys of a parent
// object rather than a single exact path.
func (r Rule) Wildcard() bool {
	return strings.HasSuffix(r.Path, ".*")
}

// Parent returns the object path a wildcard rule iterates.
func (r Rule) Parent() string {
	return strings.TrimSuffix(r.Path, ".*")
}

// Covers reports whether path falls under this rule.
func (r Rule) Covers(path string) bool {
	if r.Wildcard() {
		return strings.HasPrefix(path, r.Parent()+".")
	}
	return path == r.Path || strings.HasPrefix(path, r.Path+".")
}

// DefaultRules is the built-in allow list. Configured rules extend it,
// never replace it.
func DefaultRules() []Rule {
	return []Rule{
		{Path: "core.mcpServers.*", Op: OpCoreUpsert},
		{Path: "core.settings.*", Op: OpCoreUpsert},
		{Path: "activeProject.meta.notes", Op: OpNoteAppend},
		{Path: "activeProject.state.*", Op: OpStateUpsert},
	}
}

// FromConfig converts configured rules and appends them to the
// defaults. Unknown kind/target combinations fail startup rather than
// silently widening or narrowing the allow list.
func FromConfig(rules []config.ReconcileRule) ([]Rule, error) {
	out := DefaultRules()
	for _, rc := range rules {
		path := strings.TrimSpace(rc.Path)
		if path == "" {
			return nil, kgerr.Validation("reconcile rule path is empty")
		}

		var op Op
		switch {
		case rc.Kind == "upsert" && rc.Target == "core":
			op = OpCoreUpsert
		case rc.Kind == "upsert" && rc.Target == "state":
			op = OpStateUpsert
		case rc.Kind == "append" && rc.Target == "notes":
			op = OpNoteAppend
		default:
			return nil, kgerr.Validation(
				fmt.Sprintf("reconcile rule %s: unsupported kind=%q target=%q", path, rc.Kind, rc.Target))
		}
		out = append(out, Rule{Path: path, Op: op})
	}
	return out, nil
}
