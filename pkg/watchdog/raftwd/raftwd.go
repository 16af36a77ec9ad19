// Package raftwd implements the watchdog.Watchdog contract on top of
// hashicorp/raft: a Bootstrap/Join/FSM pattern (raft.NewTCPTransport,
// raft.NewFileSnapshotStore, raft-boltdb log and stable stores) driving a
// single backend-status/lock FSM that serves a pool's failover
// coordination.
package raftwd

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/relaypool/relaypool/pkg/log"
	"github.com/relaypool/relaypool/pkg/poolerr"
	"github.com/relaypool/relaypool/pkg/watchdog"
)

// Config configures one watchdog node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// HeartbeatTimeout etc. default to tuned LAN values (sub 3s failover)
	// when zero.
	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	CommitTimeout      time.Duration
	LeaderLeaseTimeout time.Duration
}

func (c Config) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(c.NodeID)

	cfg.HeartbeatTimeout = orDefault(c.HeartbeatTimeout, 500*time.Millisecond)
	cfg.ElectionTimeout = orDefault(c.ElectionTimeout, 500*time.Millisecond)
	cfg.CommitTimeout = orDefault(c.CommitTimeout, 50*time.Millisecond)
	cfg.LeaderLeaseTimeout = orDefault(c.LeaderLeaseTimeout, 250*time.Millisecond)
	return cfg
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Watchdog is a raft-backed watchdog.Watchdog implementation. One instance
// exists per pool process; its Raft peers are the other pool processes in
// the same high-availability group.
type Watchdog struct {
	cfg   Config
	raft  *raft.Raft
	fsm   *fsm
	trans *raft.NetworkTransport

	mu       sync.Mutex
	handlers map[watchdog.Interrupt][]func()
}

// Bootstrap creates a brand-new single-node cluster rooted at cfg, grounded
// on Manager.Bootstrap: tuned timeouts, TCP transport, file snapshot store,
// raft-boltdb log and stable stores, then BootstrapCluster with this node
// as sole member.
func Bootstrap(cfg Config) (*Watchdog, error) {
	w, transport, err := newRaftNode(cfg)
	if err != nil {
		return nil, err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()},
		},
	}
	if err := w.raft.BootstrapCluster(configuration).Error(); err != nil {
		return nil, fmt.Errorf("%w: bootstrap watchdog cluster: %v", poolerr.ErrFatal, err)
	}
	return w, nil
}

// Join creates a Raft node at cfg without bootstrapping a cluster. It
// contacts no leader itself: the current leader adds the node by calling
// AddVoter below, mirroring Manager.Join minus the gRPC membership client.
func Join(cfg Config) (*Watchdog, error) {
	w, _, err := newRaftNode(cfg)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func newRaftNode(cfg Config) (*Watchdog, *raft.NetworkTransport, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("%w: create watchdog data dir: %v", poolerr.ErrFatal, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: resolve watchdog bind addr: %v", poolerr.ErrConfig, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: watchdog transport: %v", poolerr.ErrFatal, err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: watchdog snapshot store: %v", poolerr.ErrFatal, err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: watchdog log store: %v", poolerr.ErrFatal, err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: watchdog stable store: %v", poolerr.ErrFatal, err)
	}

	f := newFSM()
	r, err := raft.NewRaft(cfg.raftConfig(), f, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: create watchdog raft: %v", poolerr.ErrFatal, err)
	}

	w := &Watchdog{cfg: cfg, raft: r, fsm: f, trans: transport, handlers: map[watchdog.Interrupt][]func(){}}
	go w.watchLeadership()
	return w, transport, nil
}

// AddVoter adds a peer to the cluster. Must be called against the current
// leader; mirrors Manager.AddVoter.
func (w *Watchdog) AddVoter(nodeID, address string) error {
	if w.raft.State() != raft.Leader {
		return fmt.Errorf("%w: not the watchdog leader", poolerr.ErrState)
	}
	return w.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// IsLeader reports whether this node currently holds the Raft leader role.
func (w *Watchdog) IsLeader() bool { return w.raft.State() == raft.Leader }

// Shutdown releases the underlying Raft node and its transport.
func (w *Watchdog) Shutdown() error {
	if err := w.raft.Shutdown().Error(); err != nil {
		return err
	}
	return w.trans.Close()
}

func (w *Watchdog) watchLeadership() {
	for range w.raft.LeaderCh() {
		w.fire(watchdog.InterruptLeaderChange)
	}
}

func (w *Watchdog) fire(kind watchdog.Interrupt) {
	w.mu.Lock()
	fns := append([]func(){}, w.handlers[kind]...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// RegisterInterruptHandler implements watchdog.Watchdog.
func (w *Watchdog) RegisterInterruptHandler(kind watchdog.Interrupt, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = append(w.handlers[kind], fn)
}

// ExecuteClusterCommand checks that this node is the Raft leader and logs
// op. Nothing is applied through Raft or recorded in the FSM, so other
// voters do not observe the command; the side effect (process shutdown,
// config reload) is left to the caller on this node.
func (w *Watchdog) ExecuteClusterCommand(op string, args []string) error {
	if w.raft.State() != raft.Leader {
		return fmt.Errorf("%w: cluster command %s must run on the watchdog leader", poolerr.ErrState, op)
	}
	log.WithComponent("watchdog").Info().Str("op", op).Strs("args", args).Msg("executing cluster command")
	return nil
}

// GetBackendStatusFromLeader implements watchdog.Watchdog.
func (w *Watchdog) GetBackendStatusFromLeader() (watchdog.BackendStatusSnapshot, error) {
	return w.fsm.snapshotStatus(), nil
}

// PublishBackendStatus replicates status to every watchdog peer via Raft;
// only the leader may call it. Neither the Supervisor nor the Failover
// Engine calls it.
func (w *Watchdog) PublishBackendStatus(status watchdog.BackendStatusSnapshot) error {
	if w.raft.State() != raft.Leader {
		return fmt.Errorf("%w: only the watchdog leader publishes status", poolerr.ErrState)
	}
	data, err := json.Marshal(setStatusArgs{Status: status})
	if err != nil {
		return err
	}
	return w.apply(opSetStatus, data)
}

// LockStandby implements watchdog.Watchdog.
func (w *Watchdog) LockStandby(tag string) error {
	if w.fsm.isLocked(tag) {
		return fmt.Errorf("%w: %s already locked", poolerr.ErrState, tag)
	}
	data, err := json.Marshal(lockArgs{Tag: tag})
	if err != nil {
		return err
	}
	return w.apply(opLock, data)
}

// UnlockStandby implements watchdog.Watchdog.
func (w *Watchdog) UnlockStandby(tag string) error {
	data, err := json.Marshal(lockArgs{Tag: tag})
	if err != nil {
		return err
	}
	return w.apply(opUnlock, data)
}

// NodesJSON implements watchdog.Watchdog, rendering the current Raft
// configuration as the JSON blob PCP's pcp_watchdog_info returns.
func (w *Watchdog) NodesJSON(wdID int) ([]byte, error) {
	future := w.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("%w: watchdog configuration: %v", poolerr.ErrFatal, err)
	}

	type node struct {
		ID      string `json:"id"`
		Address string `json:"address"`
		Leader  bool   `json:"leader"`
	}
	leader := w.raft.Leader()
	nodes := make([]node, 0, len(future.Configuration().Servers))
	for _, srv := range future.Configuration().Servers {
		nodes = append(nodes, node{
			ID:      string(srv.ID),
			Address: string(srv.Address),
			Leader:  srv.Address == leader,
		})
	}
	return json.Marshal(struct {
		WatchdogID int    `json:"watchdog_id"`
		Nodes      []node `json:"nodes"`
	}{wdID, nodes})
}

func (w *Watchdog) apply(op string, data json.RawMessage) error {
	cmd := Command{Op: op, Data: data}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	future := w.raft.Apply(payload, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("%w: apply watchdog command %s: %v", poolerr.ErrFatal, op, err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}

var _ watchdog.Watchdog = (*Watchdog)(nil)
