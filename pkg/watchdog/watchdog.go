// Package watchdog defines the opaque contract a coordination backend must
// satisfy to serve as a pool instance's quorum/leader-election collaborator
//. The pool core and the PCP server depend only on this
// interface; pkg/watchdog/raftwd supplies one concrete implementation built
// on hashicorp/raft.
package watchdog

import "github.com/relaypool/relaypool/pkg/types"

// Interrupt identifies a class of asynchronous event the watchdog delivers
// to registered handlers, mirroring the callback hooks the original
// implementation calls register_*_interrupt for.
type Interrupt int

const (
	// InterruptQuorumChange fires when the cluster gains or loses quorum.
	InterruptQuorumChange Interrupt = iota
	// InterruptLeaderChange fires when this node becomes or stops being leader.
	InterruptLeaderChange
	// InterruptNodeListChange fires when a peer joins or leaves the cluster.
	InterruptNodeListChange
)

// BackendStatusSnapshot is the pool-wide backend view the leader publishes
// and followers read back through GetBackendStatusFromLeader. The PCP
// server answers its 'H'/'I' queries from the local SSR, not from this
// snapshot.
type BackendStatusSnapshot struct {
	NodeCount     int
	BackendStatus []types.BackendStatus
	PrimaryNodeID int
	NodeName      string
}

// Watchdog is the collaborator a Supervisor and PCP server use to reach
// cluster consensus before acting on a failover decision, and to answer
// cluster-scope PCP requests. Implementations own their own wire protocol
// and peer membership; nothing outside this package needs to know it is
// Raft underneath.
type Watchdog interface {
	// RegisterInterruptHandler adds fn to the set invoked whenever kind
	// occurs. Handlers run on an internal goroutine; they must not block.
	RegisterInterruptHandler(kind Interrupt, fn func())

	// ExecuteClusterCommand asks the cluster (via its leader) to carry out
	// op, such as "shutdown" or "reload", against every member.
	ExecuteClusterCommand(op string, args []string) error

	// GetBackendStatusFromLeader returns the leader's view of backend
	// status, for followers to reconcile against.
	GetBackendStatusFromLeader() (BackendStatusSnapshot, error)

	// LockStandby and UnlockStandby serialise a follow-primary operation
	// across every pool instance sharing this watchdog, keyed by tag (spec
	// §4.5 "only one instance may run follow_primary_command at a time").
	LockStandby(tag string) error
	UnlockStandby(tag string) error

	// NodesJSON renders the watchdog's view of its own peer set as the JSON
	// blob ToSWatchdogReply returns for PCP's pcp_watchdog_info.
	NodesJSON(wdID int) ([]byte, error)
}
