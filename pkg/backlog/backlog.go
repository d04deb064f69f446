// Package backlog manages the on-disk collection of work items the loop
// drives to completion. The file is owned jointly with the coding agent, so
// it is reloaded before every decision and rewritten deterministically.
package backlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"storyloop/pkg/logx"
)

// Sentinel errors for callers that branch on failure mode.
var (
	ErrRead  = errors.New("backlog read failed")
	ErrWrite = errors.New("backlog write failed")
)

// WorkItem is one backlog entry. Fields the loop does not understand are
// preserved verbatim across load/save so external tools can annotate items
// without the loop destroying their data.
type WorkItem struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Priority    int      `json:"priority"`
	Steps       []string `json:"steps"`
	Tests       []string `json:"tests"`
	Passes      bool     `json:"passes"`

	extra map[string]json.RawMessage
}

// knownKeys are the fields the loop owns; everything else rides along in extra.
//
//nolint:gochecknoglobals // Static schema table
var knownKeys = map[string]bool{
	"id": true, "description": true, "priority": true,
	"steps": true, "tests": true, "passes": true,
}

// UnmarshalJSON decodes the known fields and stashes unknown ones.
func (w *WorkItem) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode work item: %w", err)
	}

	type alias WorkItem
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("failed to decode work item fields: %w", err)
	}
	*w = WorkItem(known)

	for key, value := range raw {
		if knownKeys[key] {
			continue
		}
		if w.extra == nil {
			w.extra = make(map[string]json.RawMessage)
		}
		w.extra[key] = value
	}
	return nil
}

// MarshalJSON writes known fields in a fixed order followed by preserved
// unknown fields in sorted order, so rewrites produce reviewable diffs.
func (w *WorkItem) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writeField := func(key string, value any) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		keyData, err := json.Marshal(key)
		if err != nil {
			return err
		}
		valueData, err := json.Marshal(value)
		if err != nil {
			return err
		}
		buf.Write(keyData)
		buf.WriteByte(':')
		buf.Write(valueData)
		return nil
	}

	steps := w.Steps
	if steps == nil {
		steps = []string{}
	}
	tests := w.Tests
	if tests == nil {
		tests = []string{}
	}

	fields := []struct {
		key   string
		value any
	}{
		{"id", w.ID},
		{"description", w.Description},
		{"priority", w.Priority},
		{"steps", steps},
		{"tests", tests},
		{"passes", w.Passes},
	}
	for _, f := range fields {
		if err := writeField(f.key, f.value); err != nil {
			return nil, fmt.Errorf("failed to encode field %s: %w", f.key, err)
		}
	}

	extraKeys := make([]string, 0, len(w.extra))
	for key := range w.extra {
		extraKeys = append(extraKeys, key)
	}
	sort.Strings(extraKeys)
	for _, key := range extraKeys {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		keyData, err := json.Marshal(key)
		if err != nil {
			return nil, fmt.Errorf("failed to encode extra key %s: %w", key, err)
		}
		buf.Write(keyData)
		buf.WriteByte(':')
		buf.Write(w.extra[key])
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ExtraField returns a preserved unknown field by name, for tests and tooling.
func (w *WorkItem) ExtraField(key string) (json.RawMessage, bool) {
	value, ok := w.extra[key]
	return value, ok
}

// Backlog is the ordered collection of all work items for a project.
type Backlog []*WorkItem

// PickNext selects the unfinished item with the lowest (priority, id) key.
// The tie-break on id makes selection a total order, stable across reloads.
// Returns nil when every item passes.
func (b Backlog) PickNext() *WorkItem {
	var next *WorkItem
	for _, item := range b {
		if item.Passes {
			continue
		}
		if next == nil {
			next = item
			continue
		}
		if item.Priority < next.Priority ||
			(item.Priority == next.Priority && item.ID < next.ID) {
			next = item
		}
	}
	return next
}

// FindByID returns the first item with the given id, or nil.
// Duplicate ids resolve deterministically to the first match.
func (b Backlog) FindByID(id string) *WorkItem {
	for _, item := range b {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// UnionTestCommands returns every item's test commands in first-occurrence
// order, de-duplicated. Order is preserved rather than sorted because test
// suites can be order-sensitive (setup suites before integration suites).
func (b Backlog) UnionTestCommands() []string {
	seen := make(map[string]bool)
	var union []string
	for _, item := range b {
		for _, cmd := range item.Tests {
			if seen[cmd] {
				continue
			}
			seen[cmd] = true
			union = append(union, cmd)
		}
	}
	return union
}

// AllPass reports whether every item in the backlog passes.
func (b Backlog) AllPass() bool {
	for _, item := range b {
		if !item.Passes {
			return false
		}
	}
	return true
}

// Store reads and writes the backlog file.
type Store struct {
	path   string
	logger *logx.Logger
}

func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: logx.NewLogger("backlog"),
	}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the backlog fresh from disk. The result is never cached across
// iterations because the agent may rewrite the file at any time.
func (s *Store) Load() (Backlog, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, s.path, err)
	}

	var items Backlog
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRead, s.path, err)
	}

	s.warnDuplicates(items)
	return items, nil
}

// warnDuplicates logs once per load when duplicate ids are present. Lookup
// stays deterministic (first match) but may act on the wrong record, so the
// operator should fix the file.
func (s *Store) warnDuplicates(items Backlog) {
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if seen[item.ID] {
			s.logger.Warn("duplicate work item id %q in %s; lookups resolve to the first match", item.ID, s.path)
			return
		}
		seen[item.ID] = true
	}
}

// Save rewrites the backlog in place with two-space indentation and a
// trailing newline, matching the format planning tools produce.
func (s *Store) Save(items Backlog) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWrite, s.path, err)
	}
	return nil
}
