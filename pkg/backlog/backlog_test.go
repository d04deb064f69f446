package backlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBacklogFile(t *testing.T, content string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backlog.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return NewStore(path)
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope.json"))
	_, err := store.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRead)
}

func TestLoadInvalidJSON(t *testing.T) {
	store := writeBacklogFile(t, "not json at all")
	_, err := store.Load()
	assert.ErrorIs(t, err, ErrRead)
}

func TestPickNextLowestPriorityThenID(t *testing.T) {
	items := Backlog{
		{ID: "S-002", Priority: 2},
		{ID: "S-001", Priority: 1, Passes: true},
		{ID: "S-010", Priority: 1},
		{ID: "S-003", Priority: 1},
	}

	next := items.PickNext()
	require.NotNil(t, next)
	assert.Equal(t, "S-003", next.ID, "ties on priority break by id ascending")

	// Idempotent given the same input.
	assert.Equal(t, next, items.PickNext())
}

func TestPickNextAllPassing(t *testing.T) {
	items := Backlog{
		{ID: "S-001", Priority: 1, Passes: true},
		{ID: "S-002", Priority: 2, Passes: true},
	}
	assert.Nil(t, items.PickNext())
	assert.True(t, items.AllPass())
}

func TestUnionTestCommands(t *testing.T) {
	items := Backlog{
		{ID: "S-001", Tests: []string{"a", "b"}},
		{ID: "S-002", Tests: []string{"b", "c"}},
	}
	assert.Equal(t, []string{"a", "b", "c"}, items.UnionTestCommands())
}

func TestFindByIDFirstMatchOnDuplicates(t *testing.T) {
	first := &WorkItem{ID: "S-001", Description: "first"}
	second := &WorkItem{ID: "S-001", Description: "second"}
	items := Backlog{first, second}

	found := items.FindByID("S-001")
	require.NotNil(t, found)
	assert.Equal(t, "first", found.Description)

	assert.Nil(t, items.FindByID("S-404"))
}

func TestRoundTripPreservesUnknownFields(t *testing.T) {
	store := writeBacklogFile(t, `[
  {
    "id": "S-001",
    "description": "add endpoint",
    "priority": 1,
    "steps": ["write handler"],
    "tests": ["go test ./..."],
    "passes": false,
    "assignee": "alice",
    "labels": ["api", "backend"]
  }
]
`)

	items, err := store.Load()
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Mutate the one field the loop owns.
	items[0].Passes = true
	require.NoError(t, store.Save(items))

	reloaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, reloaded, 1)

	item := reloaded[0]
	assert.Equal(t, "S-001", item.ID)
	assert.Equal(t, "add endpoint", item.Description)
	assert.Equal(t, 1, item.Priority)
	assert.Equal(t, []string{"write handler"}, item.Steps)
	assert.Equal(t, []string{"go test ./..."}, item.Tests)
	assert.True(t, item.Passes)

	assignee, ok := item.ExtraField("assignee")
	require.True(t, ok, "unknown fields must survive a rewrite")
	assert.JSONEq(t, `"alice"`, string(assignee))

	labels, ok := item.ExtraField("labels")
	require.True(t, ok)
	assert.JSONEq(t, `["api","backend"]`, string(labels))
}

func TestSaveDeterministicKeyOrder(t *testing.T) {
	item := &WorkItem{
		ID:          "S-001",
		Description: "d",
		Priority:    3,
		extra: map[string]json.RawMessage{
			"zeta":  json.RawMessage(`1`),
			"alpha": json.RawMessage(`2`),
		},
	}

	first, err := json.Marshal(item)
	require.NoError(t, err)
	second, err := json.Marshal(item)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	// Known fields lead in declaration order, extras follow sorted.
	expected := `{"id":"S-001","description":"d","priority":3,"steps":[],"tests":[],"passes":false,"alpha":2,"zeta":1}`
	assert.Equal(t, expected, string(first))
}

func TestSaveEndsWithNewline(t *testing.T) {
	store := writeBacklogFile(t, `[]`)
	require.NoError(t, store.Save(Backlog{{ID: "S-001"}}))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.True(t, len(data) > 0 && data[len(data)-1] == '\n')
}
