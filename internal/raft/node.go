package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ASHISH26940/vaultd/internal/vault"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

// ErrNotLeader is returned by Commit on a follower. Writes must be sent to
// the leader's daemon.
var ErrNotLeader = errors.New("not the raft leader")

// Peer is another voter in the cluster.
type Peer struct {
	ID      string
	Address string
}

// ParsePeer parses "id@host:port".
func ParsePeer(s string) (Peer, error) {
	id, addr, ok := strings.Cut(s, "@")
	if !ok || id == "" {
		return Peer{}, fmt.Errorf("peer %q: want id@host:port", s)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return Peer{}, fmt.Errorf("peer %q: %w", s, err)
	}
	return Peer{ID: id, Address: addr}, nil
}

// Options configures a Node.
type Options struct {
	NodeID       string
	Bind         string
	DataDir      string
	Bootstrap    bool
	Peers        []Peer
	ApplyTimeout time.Duration
}

// Node is a Raft member that commits vault mutations through the log.
// It implements vault.Committer.
type Node struct {
	raft    *raft.Raft
	closers []io.Closer
	timeout time.Duration
	logger  *zap.Logger
}

var _ vault.Committer = (*Node)(nil)

// Open starts a node persisting its log in BoltDB under opts.DataDir and
// talking to peers over TCP.
func Open(opts Options, v Applier, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating raft data directory: %w", err)
	}

	hlog := newHCLogger(logger)

	addr, err := net.ResolveTCPAddr("tcp", opts.Bind)
	if err != nil {
		return nil, fmt.Errorf("resolving raft address: %w", err)
	}
	transport, err := raft.NewTCPTransportWithLogger(opts.Bind, addr, 3, 10*time.Second, hlog)
	if err != nil {
		return nil, fmt.Errorf("creating raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(opts.DataDir, 2, hlog)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("creating snapshot store: %w", err)
	}

	boltStore, err := raftboltdb.NewBoltStore(filepath.Join(opts.DataDir, "raft.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("creating bolt store: %w", err)
	}

	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(opts.NodeID)
	conf.Logger = hlog

	n, err := newNode(conf, opts, v, boltStore, boltStore, snapshots, transport, logger)
	if err != nil {
		boltStore.Close()
		transport.Close()
		return nil, err
	}
	n.closers = append(n.closers, boltStore)
	return n, nil
}

func newNode(conf *raft.Config, opts Options, v Applier, logs raft.LogStore, stable raft.StableStore,
	snaps raft.SnapshotStore, trans raft.Transport, logger *zap.Logger) (*Node, error) {

	r, err := raft.NewRaft(conf, NewFSM(v, logger.Named("fsm")), logs, stable, snaps, trans)
	if err != nil {
		return nil, fmt.Errorf("creating raft node: %w", err)
	}

	n := &Node{
		raft:    r,
		timeout: opts.ApplyTimeout,
		logger:  logger,
	}
	if n.timeout <= 0 {
		n.timeout = 5 * time.Second
	}

	if opts.Bootstrap {
		if err := n.bootstrap(conf.LocalID, trans.LocalAddr(), opts.Peers, logs, stable, snaps); err != nil {
			r.Shutdown()
			return nil, err
		}
	}
	return n, nil
}

// bootstrap seeds the cluster configuration unless this node already has
// Raft state from an earlier run.
func (n *Node) bootstrap(id raft.ServerID, addr raft.ServerAddress, peers []Peer,
	logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore) error {

	existing, err := raft.HasExistingState(logs, stable, snaps)
	if err != nil {
		return fmt.Errorf("checking raft state: %w", err)
	}
	if existing {
		n.logger.Info("raft state found, skipping bootstrap")
		return nil
	}

	servers := []raft.Server{{ID: id, Address: addr}}
	for _, p := range peers {
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(p.ID),
			Address: raft.ServerAddress(p.Address),
		})
	}
	n.logger.Info("bootstrapping cluster", zap.Int("voters", len(servers)))

	err = n.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
	if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("bootstrapping cluster: %w", err)
	}
	return nil
}

// Commit replicates m and waits until this node has applied it.
func (n *Node) Commit(ctx context.Context, m vault.Mutation) error {
	if n.raft.State() != raft.Leader {
		if addr := n.Leader(); addr != "" {
			return fmt.Errorf("%w, leader is %s", ErrNotLeader, addr)
		}
		return ErrNotLeader
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	timeout := n.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("replicating %s: %w", m.Op, err)
	}
	if err, ok := future.Response().(error); ok {
		return err
	}
	return nil
}

// IsLeader reports whether this node currently accepts writes.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the leader's raft address, or "" when none is known.
func (n *Node) Leader() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// WaitLeader blocks until the cluster has elected a leader.
func (n *Node) WaitLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n.Leader() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close shuts the node down and releases its stores.
func (n *Node) Close() error {
	err := n.raft.Shutdown().Error()
	for _, c := range n.closers {
		err = errors.Join(err, c.Close())
	}
	return err
}

// newHCLogger routes raft's hclog output into zap.
func newHCLogger(logger *zap.Logger) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:        "raft",
		Level:       hclog.Info,
		Output:      zap.NewStdLog(logger.Named("raft")).Writer(),
		DisableTime: true,
	})
}
