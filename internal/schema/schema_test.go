package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncgate/internal/value"
)

const tasksSchema = `
collections: tasks: {
	"_id":  string
	title:  string
	status: "active" | "inactive" | "done"
	owner?: string
	...
}
`

func TestCompile_Collections(t *testing.T) {
	s, err := Compile("tasks.cue", tasksSchema)
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks"}, s.Collections())
	assert.True(t, s.Has("tasks"))
	assert.False(t, s.Has("notes"))
}

func TestCompile_SyntaxError(t *testing.T) {
	_, err := Compile("bad.cue", "collections: tasks: {")
	require.Error(t, err)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Pos.IsValid())
}

func TestCompile_NonStructSchema(t *testing.T) {
	_, err := Compile("bad.cue", `collections: tasks: 42`)
	assert.ErrorContains(t, err, "schema must be a struct")
}

func TestValidate(t *testing.T) {
	s, err := Compile("tasks.cue", tasksSchema)
	require.NoError(t, err)

	tests := []struct {
		name    string
		doc     map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"_id": "A", "title": "x", "status": "active"}, false},
		{"extra field allowed", map[string]any{"_id": "A", "title": "x", "status": "done", "n": 1}, false},
		{"optional present", map[string]any{"_id": "A", "title": "x", "status": "done", "owner": "bob"}, false},
		{"bad enum", map[string]any{"_id": "A", "title": "x", "status": "archived"}, true},
		{"missing required", map[string]any{"_id": "A", "status": "active"}, true},
		{"wrong type", map[string]any{"_id": "A", "title": 7, "status": "active"}, true},
		{"optional wrong type", map[string]any{"_id": "A", "title": "x", "status": "done", "owner": 1}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Validate("tasks", value.MustObject(tc.doc))
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "tasks")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_UnknownCollectionAcceptsAnything(t *testing.T) {
	s, err := Compile("tasks.cue", tasksSchema)
	require.NoError(t, err)
	assert.NoError(t, s.Validate("notes", value.Object{"anything": value.Int(1)}))
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.cue"), []byte(tasksSchema), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.cue"), []byte(`collections: notes: {text: string, ...}`), 0o644))

	s, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes", "tasks"}, s.Collections())
	assert.Error(t, s.Validate("notes", value.Object{"_id": value.String("n")}))
}

func TestLoad_CollectionSplitAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cue"), []byte(`collections: tasks: {title: string, ...}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.cue"), []byte(`collections: tasks: status: "active" | "done"`), 0o644))

	s, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks"}, s.Collections())
	assert.NoError(t, s.Validate("tasks", value.MustObject(map[string]any{"title": "x", "status": "done"})))
	assert.Error(t, s.Validate("tasks", value.MustObject(map[string]any{"title": "x", "status": "archived"})))
	assert.Error(t, s.Validate("tasks", value.MustObject(map[string]any{"status": "done"})))
}

func TestLoad_ConflictingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.cue"), []byte(`collections: tasks: 1`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.cue"), []byte(`collections: tasks: 2`), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoad_SyntaxErrorNamesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.cue"), []byte("collections: tasks: {"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.cue")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	_, err = Load(t.TempDir())
	assert.ErrorContains(t, err, "no CUE files")
}
