package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ASHISH26940/vaultd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "secrets.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestFile_LoadMissingFile(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "nonexistent.toml"))

	snap, err := f.Load()
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestFile_LoadCorruptFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), `[dev`)

	snap, err := NewFile(path).Load()
	assert.True(t, errors.Is(err, ErrCorruptFile), "got %v", err)
	assert.NotNil(t, snap)
	assert.Empty(t, snap)
}

func TestFile_LoadTablesAndGlobal(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
LOG_LEVEL = "debug"
retries = 3

[dev]
API_KEY = "abc"
PORT = 8080
ENABLED = true

[prod]
API_KEY = "xyz"

[prod.nested]
IGNORED = "yes"
`)

	snap, err := NewFile(path).Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"dev", "global", "prod"}, snap.Names())
	assert.Equal(t, store.Environment{"LOG_LEVEL": "debug"}, snap["global"])
	assert.Equal(t, store.Environment{"API_KEY": "abc"}, snap["dev"])
	assert.Equal(t, store.Environment{"API_KEY": "xyz"}, snap["prod"])
}

func TestFile_LoadGlobalTableMergesWithScalars(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
TOP = "1"

[global]
INNER = "2"
`)

	snap, err := NewFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, store.Environment{"TOP": "1", "INNER": "2"}, snap["global"])
}

func TestFile_SaveRoundTrip(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "secrets.toml"))

	require.NoError(t, f.Save("dev", store.Environment{"K": "V"}))

	snap, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, store.Snapshot{"dev": {"K": "V"}}, snap)
}

func TestFile_SaveIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "secrets.toml"))
	env := store.Environment{"K": "V", "OTHER": "value with \"quotes\""}

	require.NoError(t, f.Save("dev", env))
	first, err := f.Load()
	require.NoError(t, err)
	firstBytes, err := os.ReadFile(f.Path())
	require.NoError(t, err)

	require.NoError(t, f.Save("dev", env))
	second, err := f.Load()
	require.NoError(t, err)
	secondBytes, err := os.ReadFile(f.Path())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, string(firstBytes), string(secondBytes))
}

func TestFile_SaveReplacesOnlyNamedTable(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
version = 2

[dev]
OLD = "1"

[prod]
API_KEY = "xyz"
TIMEOUT = 30
`)
	f := NewFile(path)

	require.NoError(t, f.Save("dev", store.Environment{"NEW": "2"}))

	snap, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, store.Environment{"NEW": "2"}, snap["dev"])
	assert.Equal(t, store.Environment{"API_KEY": "xyz"}, snap["prod"])

	// Values the store ignores are still in the file.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "TIMEOUT = 30")
	assert.Contains(t, string(data), "version = 2")
}

func TestFile_SaveGlobalDropsTopLevelStrings(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
STALE = "old"

[dev]
A = "1"
`)
	f := NewFile(path)

	require.NoError(t, f.Save("global", store.Environment{"FRESH": "new"}))

	snap, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, store.Environment{"FRESH": "new"}, snap["global"])
	assert.Equal(t, store.Environment{"A": "1"}, snap["dev"])
}

func TestFile_SaveRefusesCorruptFile(t *testing.T) {
	corrupt := "this is = = not toml"
	path := writeFile(t, t.TempDir(), corrupt)

	err := NewFile(path).Save("dev", store.Environment{"K": "V"})
	assert.True(t, errors.Is(err, ErrCorruptFile), "got %v", err)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, corrupt, string(data), "corrupt file must be left untouched")
}

func TestFile_SaveEmptyEnvironment(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "secrets.toml"))

	require.NoError(t, f.Save("staging", store.Environment{}))

	snap, err := f.Load()
	require.NoError(t, err)
	env, ok := snap["staging"]
	assert.True(t, ok, "empty table should still load as an environment")
	assert.Empty(t, env)
}

func TestFile_Delete(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
[dev]
A = "1"

[prod]
B = "2"
`)
	f := NewFile(path)

	require.NoError(t, f.Delete("dev"))

	snap, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"prod"}, snap.Names())
}

func TestFile_SaveNameCollidesWithGlobalKey(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
FOO = "bar"
OTHER = "kept"

[global]
OTHER = "table wins"

[dev]
A = "1"
`)
	f := NewFile(path)

	before, err := f.Load()
	require.NoError(t, err)
	require.Equal(t, store.Environment{"FOO": "bar", "OTHER": "table wins"}, before[GlobalEnvironment])

	require.NoError(t, f.Save("FOO", store.Environment{"X": "y"}))

	after, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, store.Environment{"X": "y"}, after["FOO"])
	assert.Equal(t, before[GlobalEnvironment], after[GlobalEnvironment])
	assert.Equal(t, store.Environment{"A": "1"}, after["dev"])
}

func TestFile_SaveNameCollidesWithOnlyGlobalKey(t *testing.T) {
	path := writeFile(t, t.TempDir(), "FOO = \"bar\"\n")
	f := NewFile(path)

	require.NoError(t, f.Save("FOO", store.Environment{"X": "y"}))

	snap, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO", GlobalEnvironment}, snap.Names())
	assert.Equal(t, store.Environment{"FOO": "bar"}, snap[GlobalEnvironment])
}

func TestFile_DeleteNameOfGlobalKeyKeepsIt(t *testing.T) {
	path := writeFile(t, t.TempDir(), "FOO = \"bar\"\n")
	f := NewFile(path)

	require.NoError(t, f.Delete("FOO"))

	snap, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, store.Environment{"FOO": "bar"}, snap[GlobalEnvironment])
}

func TestFile_SaveNameCollidesWithNonStringValue(t *testing.T) {
	path := writeFile(t, t.TempDir(), "version = 2\n")
	f := NewFile(path)

	err := f.Save("version", store.Environment{"X": "y"})
	assert.True(t, errors.Is(err, ErrNameConflict), "got %v", err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "version = 2\n", string(data))
}

func TestFile_WriteAll(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "nested", "dir", "secrets.toml"))

	want := store.Snapshot{
		"dev":  {"A": "1"},
		"prod": {"B": "2", "C": "3"},
	}
	require.NoError(t, f.WriteAll(want))

	got, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFile_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "secrets.toml"))

	require.NoError(t, f.Save("dev", store.Environment{"K": "V"}))
	require.NoError(t, f.Save("prod", store.Environment{"K": "V"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp."), "leftover temp file %s", e.Name())
	}
	assert.Len(t, entries, 1)
}
