package failover

import (
	"context"
	"time"

	"github.com/relaypool/relaypool/pkg/log"
	"github.com/relaypool/relaypool/pkg/metrics"
	"github.com/relaypool/relaypool/pkg/types"
)

// Backends is the subset of *ssr.State the engine needs; it is the only
// component permitted to call the mutating half of that interface.
type Backends interface {
	Dequeue() (types.Request, bool)
	QueueEmpty() bool
	BeginSwitching()
	EndSwitching()
	SnapshotAll() []types.Backend
	SnapshotBackend(id int) (types.Backend, bool)
	MutateBackend(id int, fn func(*types.Backend))
	MainNodeID() int
	PrimaryNodeID() int
	SetPrimaryNodeID(id int)
	PersistNow()
	FollowPrimaryAcquire() int
	FollowPrimaryConfirm()
	FollowPrimaryRelease() int
	FollowPrimaryOutstanding() int
}

// CommandRunner executes an external operator command, expanding its
// substitution grammar first.
type CommandRunner interface {
	Run(ctx context.Context, command string, vars SubstitutionVars) error
}

// SessionWorkers is how the engine reaches the Supervisor's worker pool to
// apply the restart policy computed in step 2.
type SessionWorkers interface {
	KillAll()
	KillByLoadBalanceNode(nodeID int)
	SignalExitWhenIdle()
	RestartPCP()
}

// Classifier runs the pg_is_in_recovery() probe find_primary_node needs;
// pkg/replication.PGQuerier satisfies a compatible shape.
type Classifier interface {
	IsInRecovery(ctx context.Context, backend types.Backend) (bool, error)
}

// Config holds the operator-configured behaviour the engine consults.
type Config struct {
	Streaming                bool
	FailoverCommand          string
	FailbackCommand          string
	FollowPrimaryCommand     string
	SearchPrimaryNodeTimeout time.Duration
}

// Engine is the Failover Engine: the sole consumer of the SSR request
// queue.
type Engine struct {
	State      Backends
	Commands   CommandRunner
	Workers    SessionWorkers
	Classifier Classifier
	Config     Config
}

// requestContext holds the per-request bookkeeping a failover decision
// needs: which backends were already down, whether a restart or a primary
// search is required, and the eventual down mask and promoted node.
type requestContext struct {
	req types.Request

	allBackendsWereDown bool
	oldPrimaryID        int
	oldMainID           int

	newlyDownNodes []int
	downMask       map[int]bool

	needRestartChildren bool
	partialRestart      bool
	partialRestartNode  int
	syncRequired        bool

	promotedNodeID  int
	primaryWasLost  bool
	downedNonPrimary bool
}

// Drain pops and processes every request currently queued, looping until
// the queue is observed empty before clearing the switching flag. The
// caller invokes Drain once per wakeup (an enqueue signal).
func (e *Engine) Drain(ctx context.Context) {
	e.State.BeginSwitching()
	defer e.State.EndSwitching()

	for {
		req, ok := e.State.Dequeue()
		if !ok {
			return
		}
		timer := metrics.NewTimer()
		e.process(ctx, req)
		timer.ObserveDuration(metrics.FailoverDuration)
		metrics.FailoverTotal.WithLabelValues(req.Kind.String()).Inc()
	}
}

func (e *Engine) process(ctx context.Context, req types.Request) {
	logger := log.WithComponent("failover").With().Str("kind", req.Kind.String()).Logger()

	rc := &requestContext{
		req:            req,
		oldPrimaryID:   e.State.PrimaryNodeID(),
		oldMainID:      e.State.MainNodeID(),
		downMask:       map[int]bool{},
		promotedNodeID: -1,
	}
	rc.allBackendsWereDown = e.allBackendsDown()

	switch req.Kind {
	case types.NodeUp:
		e.applyNodeUp(ctx, rc)
	case types.NodeDown, types.NodeQuarantine:
		e.applyNodeDown(rc)
	case types.Promote:
		e.applyPromote(rc)
	case types.CloseIdle:
		e.Workers.SignalExitWhenIdle()
		return
	case types.RoleUpdate:
		e.applyRoleUpdate(req)
		return
	}

	e.afterMutation(ctx, rc)
	logger.Info().Ints("node_ids", req.NodeIDs).Msg("failover request processed")
}

func (e *Engine) allBackendsDown() bool {
	for _, b := range e.State.SnapshotAll() {
		if b.Status != types.BackendDown && b.Status != types.BackendUnused {
			return false
		}
	}
	return true
}

func (e *Engine) applyNodeUp(ctx context.Context, rc *requestContext) {
	for _, id := range rc.req.NodeIDs {
		backend, ok := e.State.SnapshotBackend(id)
		if !ok {
			continue
		}

		if rc.req.Flags.Has(types.FlagUpdate) {
			priorRole := backend.Role
			e.State.MutateBackend(id, func(b *types.Backend) {
				b.Quarantine = false
				b.Status = types.BackendConnectWait
			})

			if priorRole == types.RolePrimary && e.State.PrimaryNodeID() < 0 {
				e.State.MutateBackend(id, func(b *types.Backend) {
					b.Role = types.RolePrimary
				})
				e.State.SetPrimaryNodeID(id)
				rc.needRestartChildren = true
			} else if rc.allBackendsWereDown {
				rc.needRestartChildren = true
			}
		} else {
			e.State.MutateBackend(id, func(b *types.Backend) { b.Status = types.BackendUp })
			e.State.PersistNow()
			if e.Commands != nil && e.Config.FailbackCommand != "" {
				_ = e.Commands.Run(ctx, e.Config.FailbackCommand, varsForBackend(backend))
			}
		}
		rc.syncRequired = true
	}
}

func (e *Engine) applyNodeDown(rc *requestContext) {
	for _, id := range rc.req.NodeIDs {
		backend, ok := e.State.SnapshotBackend(id)
		if !ok {
			continue
		}
		if backend.Status != types.BackendUp && backend.Status != types.BackendConnectWait {
			continue
		}

		preRole := backend.Role
		quarantine := rc.req.Kind == types.NodeQuarantine

		e.State.MutateBackend(id, func(b *types.Backend) {
			b.Status = types.BackendDown
			if quarantine {
				b.Quarantine = true
			}
			// remember pre-quarantine role so primary identity survives a later
			// NODE_UP(UPDATE) resurrection.
			b.Role = preRole
		})

		if !quarantine {
			e.State.PersistNow()
		}

		rc.downMask[id] = true
		rc.newlyDownNodes = append(rc.newlyDownNodes, id)

		if id == rc.oldPrimaryID {
			rc.primaryWasLost = true
		} else {
			rc.downedNonPrimary = true
		}
	}
}

// applyRoleUpdate writes back a Replication Verifier classification; this
// is the only path outside applyNodeUp/applyNodeDown/applyPromote that is
// allowed to touch Role, since the Engine is the sole mutator of it.
func (e *Engine) applyRoleUpdate(req types.Request) {
	if len(req.NodeIDs) == 0 {
		return
	}
	id := req.NodeIDs[0]
	if _, ok := e.State.SnapshotBackend(id); !ok {
		return
	}
	e.State.MutateBackend(id, func(b *types.Backend) {
		b.Role = req.Role
		b.ReplicationState = req.ReplicationState
		b.ReplicationLag = req.ReplicationLag
		b.LagUnit = req.LagUnit
	})
}

func (e *Engine) applyPromote(rc *requestContext) {
	for _, id := range rc.req.NodeIDs {
		if _, ok := e.State.SnapshotBackend(id); !ok {
			continue
		}
		rc.promotedNodeID = id
		e.State.MutateBackend(id, func(b *types.Backend) {
			b.Role = types.RolePrimary
			b.Status = types.BackendUp
		})
		if rc.oldPrimaryID >= 0 && rc.oldPrimaryID != id {
			e.State.MutateBackend(rc.oldPrimaryID, func(b *types.Backend) {
				b.Role = types.RoleStandby
			})
		}
	}
}
