// Package persistence stores environments in a TOML file.
//
// Each top-level table in the file is one environment. Top-level string
// entries that are not inside any table belong to the synthetic "global"
// environment. Only string values are loaded; anything else is skipped on
// load but left in place when the file is rewritten.
package persistence

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ASHISH26940/vaultd/internal/store"
	"github.com/BurntSushi/toml"
)

// GlobalEnvironment collects top-level scalar entries.
const GlobalEnvironment = "global"

var (
	// ErrCorruptFile is returned when the secrets file is not valid TOML.
	ErrCorruptFile = errors.New("secrets file is not valid TOML")

	// ErrNameConflict is returned when an environment name is already used
	// by a top-level value that is neither a table nor a string.
	ErrNameConflict = errors.New("name is used by a top-level value")
)

// File is a TOML secrets file on disk.
type File struct {
	path string
}

// NewFile returns a File backed by path. The file need not exist yet.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the location of the file.
func (f *File) Path() string {
	return f.path
}

// Load reads every environment from the file. A missing file yields an
// empty snapshot. An unparseable file also yields an empty snapshot, along
// with an error wrapping ErrCorruptFile so the caller can report it.
func (f *File) Load() (store.Snapshot, error) {
	doc, err := f.read()
	if err != nil {
		return make(store.Snapshot), err
	}
	return snapshotOf(doc), nil
}

// Save replaces exactly the table for name and rewrites the whole file.
// It refuses to touch a file it cannot parse.
func (f *File) Save(name string, env store.Environment) error {
	return f.rewrite(func(doc map[string]interface{}) error {
		if name == GlobalEnvironment {
			dropTopLevelStrings(doc)
		} else if err := claimKey(doc, name); err != nil {
			return err
		}
		doc[name] = tableOf(env)
		return nil
	})
}

// Delete removes the table for name and rewrites the whole file.
func (f *File) Delete(name string) error {
	return f.rewrite(func(doc map[string]interface{}) error {
		if name == GlobalEnvironment {
			dropTopLevelStrings(doc)
			delete(doc, name)
			return nil
		}
		if err := claimKey(doc, name); err != nil {
			return err
		}
		delete(doc, name)
		return nil
	})
}

// WriteAll replaces the file contents with snap.
func (f *File) WriteAll(snap store.Snapshot) error {
	doc := make(map[string]interface{}, len(snap))
	for name, env := range snap {
		doc[name] = tableOf(env)
	}
	return f.write(doc)
}

func (f *File) read() (map[string]interface{}, error) {
	doc := make(map[string]interface{})

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, err
	}

	if _, err := toml.Decode(string(data), &doc); err != nil {
		return make(map[string]interface{}), fmt.Errorf("%w: %s: %v", ErrCorruptFile, f.path, err)
	}
	return doc, nil
}

func (f *File) rewrite(mutate func(doc map[string]interface{}) error) error {
	doc, err := f.read()
	if err != nil {
		return err
	}
	if err := mutate(doc); err != nil {
		return err
	}
	return f.write(doc)
}

func (f *File) write(doc map[string]interface{}) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.Indent = ""
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding %s: %w", f.path, err)
	}
	return atomicWrite(f.path, buf.Bytes())
}

// atomicWrite writes data to a temporary file next to path, syncs it and
// renames it over path, so a crash never leaves a half-written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	name := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}

	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func snapshotOf(doc map[string]interface{}) store.Snapshot {
	snap := make(store.Snapshot)

	global := make(store.Environment)
	for key, value := range doc {
		if s, ok := value.(string); ok {
			global[key] = s
		}
	}
	if len(global) > 0 {
		snap[GlobalEnvironment] = global
	}

	for name, value := range doc {
		table, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		env, ok := snap[name]
		if !ok {
			env = make(store.Environment, len(table))
			snap[name] = env
		}
		for key, v := range table {
			if s, ok := v.(string); ok {
				env[key] = s
			}
		}
	}
	return snap
}

func tableOf(env store.Environment) map[string]interface{} {
	table := make(map[string]interface{}, len(env))
	for k, v := range env {
		table[k] = v
	}
	return table
}

// claimKey frees the top-level key name for a table. When name holds a
// global variable, every top-level string moves into the [global] table
// first, which loads back to the same global environment. Keys already in
// [global] win over scalars, as they do on load.
func claimKey(doc map[string]interface{}, name string) error {
	switch doc[name].(type) {
	case nil, map[string]interface{}:
		return nil
	case string:
	default:
		return fmt.Errorf("%w: %q", ErrNameConflict, name)
	}

	global, ok := doc[GlobalEnvironment].(map[string]interface{})
	if !ok {
		switch doc[GlobalEnvironment].(type) {
		case nil, string:
		default:
			return fmt.Errorf("%w: %q", ErrNameConflict, GlobalEnvironment)
		}
		global = make(map[string]interface{})
	}
	for key, value := range doc {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if _, exists := global[key]; !exists {
			global[key] = s
		}
		delete(doc, key)
	}
	doc[GlobalEnvironment] = global
	return nil
}

func dropTopLevelStrings(doc map[string]interface{}) {
	for key, value := range doc {
		if _, ok := value.(string); ok {
			delete(doc, key)
		}
	}
}
