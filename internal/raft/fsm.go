// Package raft replicates vault mutations across daemons with Raft consensus.
package raft

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ASHISH26940/vaultd/internal/store"
	"github.com/ASHISH26940/vaultd/internal/vault"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// Applier is what the FSM needs from the vault.
type Applier interface {
	Apply(m vault.Mutation) error
	Restore(snap store.Snapshot) error
	Store() *store.Store
}

// FSM is a Finite State Machine that applies Raft logs to the vault.
// Every node writes committed mutations to its own secrets file.
type FSM struct {
	vault  Applier
	logger *zap.Logger
}

// NewFSM creates a new FSM over the given vault.
func NewFSM(v Applier, logger *zap.Logger) *FSM {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSM{vault: v, logger: logger}
}

// Apply applies a committed log entry. The returned value is nil or the
// error from the vault, and reaches the leader through ApplyFuture.Response.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var m vault.Mutation
	if err := json.Unmarshal(entry.Data, &m); err != nil {
		f.logger.Error("undecodable log entry",
			zap.Uint64("index", entry.Index), zap.Error(err))
		return fmt.Errorf("decoding log entry %d: %w", entry.Index, err)
	}

	f.logger.Debug("applying mutation",
		zap.Uint64("index", entry.Index),
		zap.String("op", string(m.Op)),
		zap.String("environment", m.Name))

	if err := f.vault.Apply(m); err != nil {
		return err
	}
	return nil
}

// Snapshot captures every environment for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{envs: f.vault.Store().Snapshot()}, nil
}

// Restore replaces the vault, file included, with a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap store.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}
	f.logger.Info("restoring from snapshot", zap.Int("environments", len(snap)))
	return f.vault.Restore(snap)
}

type fsmSnapshot struct {
	envs store.Snapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.envs); err != nil {
		sink.Cancel()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
