package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/rs/zerolog"

	"github.com/dealflow/offer-engine/internal/p2p/protocol"
	"github.com/dealflow/offer-engine/internal/p2p/state"
)

const membershipTimeout = 10 * time.Second

// Config defines one replicated offer node.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	SnapshotRetain int
	ApplyTimeout   time.Duration

	// TrustedKeys limits which signing keys may write. Empty trusts any valid signature.
	TrustedKeys []string

	// Logger receives raft's own output. Nil discards it.
	Logger *zerolog.Logger
}

// Node replicates offer mutations through Raft into a local state machine.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration
	logger       zerolog.Logger

	raft      *raft.Raft
	transport *raft.NetworkTransport
	stores    []io.Closer
	machine   *state.Machine
}

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	switch {
	case c.NodeID == "":
		return c, errors.New("node id is required")
	case c.RaftAddr == "":
		return c, errors.New("raft address is required")
	case c.DataDir == "":
		return c, errors.New("data dir is required")
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c, nil
}

// NewNode opens the bolt log, the snapshot store and the TCP transport, and
// bootstraps a single-voter cluster when asked to and no prior state exists.
func NewNode(cfg Config) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	logger := cfg.Logger.With().Str("component", "raft").Str("node_id", cfg.NodeID).Logger()

	n := &Node{
		id:           cfg.NodeID,
		applyTimeout: cfg.ApplyTimeout,
		logger:       logger,
		machine:      state.NewMachine(cfg.TrustedKeys...),
	}
	if err := n.open(cfg); err != nil {
		_ = n.Shutdown()
		return nil, err
	}
	n.logger.Info().Str("raft_addr", n.raftAddr).Bool("bootstrap", cfg.Bootstrap).Msg("raft node started")
	return n, nil
}

func (n *Node) open(cfg Config) error {
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return fmt.Errorf("open raft log: %w", err)
	}
	n.stores = append(n.stores, logStore)
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		return fmt.Errorf("open raft stable store: %w", err)
	}
	n.stores = append(n.stores, stableStore)
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, n.logger)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, n.logger)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.RaftAddr, err)
	}
	n.transport = transport
	// ":0" resolves to the bound port.
	n.raftAddr = string(transport.LocalAddr())

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.LogOutput = n.logger
	r, err := raft.NewRaft(raftCfg, &fsm{machine: n.machine, logger: n.logger}, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return err
	}
	n.raft = r

	if !cfg.Bootstrap {
		return nil
	}
	hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil || hasState {
		return err
	}
	future := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
		ID:      raft.ServerID(cfg.NodeID),
		Address: raft.ServerAddress(n.raftAddr),
	}}})
	if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return err
	}
	return nil
}

// ApplyTx replicates one signed transaction through Raft.
func (n *Node) ApplyTx(ctx context.Context, tx protocol.Tx) error {
	if err := tx.Verify(); err != nil {
		return err
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	future := n.raft.Apply(data, boundedTimeout(ctx, n.applyTimeout))
	if err := future.Error(); err != nil {
		return fmt.Errorf("replicate tx %s: %w", tx.TxID, err)
	}
	// The state machine's rejection is the apply result, not a raft error.
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return applyErr
	}
	return nil
}

// Barrier blocks until every committed entry has been applied locally, so a
// leader read after Barrier observes all acknowledged writes.
func (n *Node) Barrier(ctx context.Context) error {
	return n.raft.Barrier(boundedTimeout(ctx, membershipTimeout)).Error()
}

// AddVoter joins or updates one voter in the cluster config.
func (n *Node) AddVoter(ctx context.Context, nodeID, raftAddr string) error {
	nodeID = strings.TrimSpace(nodeID)
	raftAddr = strings.TrimSpace(raftAddr)
	if nodeID == "" || raftAddr == "" {
		return errors.New("node id and raft address are required")
	}
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.ID == raft.ServerID(nodeID) && srv.Address == raft.ServerAddress(raftAddr) {
			return nil
		}
		if srv.ID == raft.ServerID(nodeID) || srv.Address == raft.ServerAddress(raftAddr) {
			if err := n.raft.RemoveServer(srv.ID, 0, boundedTimeout(ctx, membershipTimeout)).Error(); err != nil {
				return err
			}
		}
	}
	n.logger.Info().Str("peer_id", nodeID).Str("peer_addr", raftAddr).Msg("adding voter")
	return n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, boundedTimeout(ctx, membershipTimeout)).Error()
}

// RemoveServer removes one server by node ID.
func (n *Node) RemoveServer(ctx context.Context, nodeID string) error {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return errors.New("node id is required")
	}
	n.logger.Info().Str("peer_id", nodeID).Msg("removing server")
	return n.raft.RemoveServer(raft.ServerID(nodeID), 0, boundedTimeout(ctx, membershipTimeout)).Error()
}

// boundedTimeout is max, shortened to the context deadline when that is sooner.
func boundedTimeout(ctx context.Context, max time.Duration) time.Duration {
	timeout := max
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

// WaitForLeader waits until any leader is elected.
func (n *Node) WaitForLeader(ctx context.Context, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		leader := strings.TrimSpace(string(n.raft.Leader()))
		if leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) ID() string              { return n.id }
func (n *Node) RaftAddr() string        { return n.raftAddr }
func (n *Node) Machine() *state.Machine { return n.machine }
func (n *Node) IsLeader() bool          { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string      { return strings.TrimSpace(string(n.raft.Leader())) }

// LeaderNodeID returns leader ID if available.
func (n *Node) LeaderNodeID() string {
	_, leaderID := n.raft.LeaderWithID()
	return strings.TrimSpace(string(leaderID))
}

func (n *Node) State() string {
	return n.raft.State().String()
}

func (n *Node) Stats() map[string]string {
	stats := n.raft.Stats()
	out := make(map[string]string, len(stats))
	for k, v := range stats {
		out[k] = v
	}
	return out
}

// Shutdown stops Raft, then releases the transport and the bolt files.
func (n *Node) Shutdown() error {
	var shutdownErr error
	if n.raft != nil {
		shutdownErr = n.raft.Shutdown().Error()
		n.raft = nil
	}
	if n.transport != nil {
		_ = n.transport.Close()
		n.transport = nil
	}
	for _, c := range n.stores {
		_ = c.Close()
	}
	n.stores = nil
	return shutdownErr
}

// fsm feeds committed log entries to the offer state machine.
type fsm struct {
	machine *state.Machine
	logger  zerolog.Logger
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var tx protocol.Tx
	if err := json.Unmarshal(log.Data, &tx); err != nil {
		return fmt.Errorf("decode tx: %w", err)
	}
	if err := f.machine.ApplyTx(tx); err != nil {
		// Rejections are deterministic; every replica returns the same error.
		f.logger.Debug().Err(err).Str("tx_id", tx.TxID).Uint64("index", log.Index).Msg("tx rejected")
		return err
	}
	return nil
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	data, err := f.machine.Marshal()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := f.machine.Unmarshal(data); err != nil {
		return err
	}
	stats := f.machine.StateStats()
	f.logger.Info().Int("offers", stats.Offers).Int("applied_tx", stats.AppliedTx).Msg("restored from snapshot")
	return nil
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
