// Package vault ties the in-memory store to the secrets file.
//
// Every mutation runs inside the store's write lock: the file is rewritten,
// read back, and the result replaces the in-memory environments. Readers
// therefore see either the state before a save or the state after it, and
// the file and memory always agree once a save returns.
package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/ASHISH26940/vaultd/internal/persistence"
	"github.com/ASHISH26940/vaultd/internal/store"
	"go.uber.org/zap"
)

// Op names a kind of mutation.
type Op string

const (
	OpSave   Op = "SAVE"
	OpCreate Op = "CREATE"
	OpDelete Op = "DELETE"
)

var (
	// ErrEnvironmentExists is returned when creating a name that is taken.
	ErrEnvironmentExists = errors.New("environment already exists")

	// ErrEnvironmentNotFound is returned when deleting a name that is unknown.
	ErrEnvironmentNotFound = errors.New("environment not found")

	// ErrUnknownOp is returned for a mutation with an unrecognized Op.
	ErrUnknownOp = errors.New("unknown mutation op")
)

// Mutation is a single change to the set of environments. It is also the
// payload of a replicated log entry.
type Mutation struct {
	Op        Op                `json:"op"`
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Committer makes a mutation durable and visible.
type Committer interface {
	Commit(ctx context.Context, m Mutation) error
}

// Vault applies mutations to a store and its backing file.
type Vault struct {
	store  *store.Store
	file   *persistence.File
	logger *zap.Logger
}

// New creates a Vault. Call Open to populate the store from disk.
func New(st *store.Store, file *persistence.File, logger *zap.Logger) *Vault {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{
		store:  st,
		file:   file,
		logger: logger,
	}
}

// Store returns the underlying store.
func (v *Vault) Store() *store.Store {
	return v.store
}

// File returns the backing secrets file.
func (v *Vault) File() *persistence.File {
	return v.file
}

// Open loads the store from the secrets file. A missing or corrupt file is
// logged and leaves the store empty; it never stops the daemon from starting.
func (v *Vault) Open() {
	snap, err := v.file.Load()
	if err != nil {
		v.logger.Warn("starting with empty store",
			zap.String("file", v.file.Path()),
			zap.Error(err))
	}
	v.store.Replace(snap)
	v.logger.Info("environments loaded",
		zap.String("file", v.file.Path()),
		zap.Int("count", len(snap)))
}

// Reload re-reads the secrets file into the store. Unlike Open, a corrupt
// file is reported and the current store is kept.
func (v *Vault) Reload() error {
	return v.store.Update(func(current store.Snapshot) (store.Snapshot, error) {
		snap, err := v.file.Load()
		if err != nil {
			return nil, err
		}
		return snap, nil
	})
}

// Commit applies m directly. It makes Vault usable as a Committer when no
// replication is configured.
func (v *Vault) Commit(ctx context.Context, m Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.Apply(m)
}

// Apply persists m and reloads the store from the rewritten file. If the
// mutation is rejected or the file cannot be written, the store is unchanged.
func (v *Vault) Apply(m Mutation) error {
	err := v.store.Update(func(current store.Snapshot) (store.Snapshot, error) {
		if err := v.persist(current, m); err != nil {
			return nil, err
		}
		snap, err := v.file.Load()
		if err != nil {
			return nil, fmt.Errorf("reloading after %s %q: %w", m.Op, m.Name, err)
		}
		return snap, nil
	})
	if err != nil {
		v.logger.Warn("mutation failed",
			zap.String("op", string(m.Op)),
			zap.String("environment", m.Name),
			zap.Error(err))
		return err
	}

	v.logger.Info("mutation applied",
		zap.String("op", string(m.Op)),
		zap.String("environment", m.Name),
		zap.Int("variables", len(m.Variables)))
	return nil
}

// Restore replaces every environment with snap and rewrites the file.
func (v *Vault) Restore(snap store.Snapshot) error {
	return v.store.Update(func(store.Snapshot) (store.Snapshot, error) {
		if err := v.file.WriteAll(snap); err != nil {
			return nil, err
		}
		return v.file.Load()
	})
}

func (v *Vault) persist(current store.Snapshot, m Mutation) error {
	switch m.Op {
	case OpSave:
		return v.file.Save(m.Name, store.Environment(m.Variables))
	case OpCreate:
		if _, ok := current[m.Name]; ok {
			return fmt.Errorf("%w: %s", ErrEnvironmentExists, m.Name)
		}
		return v.file.Save(m.Name, store.Environment{})
	case OpDelete:
		if _, ok := current[m.Name]; !ok {
			return fmt.Errorf("%w: %s", ErrEnvironmentNotFound, m.Name)
		}
		return v.file.Delete(m.Name)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, m.Op)
	}
}
