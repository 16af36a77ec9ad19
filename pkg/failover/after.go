package failover

import (
	"context"

	"github.com/relaypool/relaypool/pkg/log"
	"github.com/relaypool/relaypool/pkg/types"
)

// afterMutation runs the post-transition steps: determine the new main
// node, apply the restart policy, run failover_command for newly downed
// nodes, elect a new primary, run the follow-primary sequence if
// warranted, and commit everything to the SSR.
func (e *Engine) afterMutation(ctx context.Context, rc *requestContext) {
	e.applyRestartPolicy(rc)
	e.runFailoverCommands(ctx, rc)

	newPrimary := e.determineNewPrimary(ctx, rc)

	if e.Config.FollowPrimaryCommand != "" && newPrimary != rc.oldPrimaryID && newPrimary >= 0 {
		e.runFollowPrimary(ctx, newPrimary)
	}

	e.State.SetPrimaryNodeID(newPrimary)

	if rc.needRestartChildren {
		e.Workers.KillAll()
	} else if rc.partialRestart {
		e.Workers.KillByLoadBalanceNode(rc.partialRestartNode)
	}
}

// applyRestartPolicy applies the ordered session-worker restart rules for a
// just-processed failover request.
func (e *Engine) applyRestartPolicy(rc *requestContext) {
	if rc.req.Kind == types.NodeUp && e.Config.Streaming &&
		!rc.allBackendsWereDown && !rc.req.Flags.Has(types.FlagUpdate) {
		// failback in streaming mode, not every backend had been down, and
		// this is not a primary-resurrection: new sessions will pick the
		// node up naturally, nothing to restart.
		return
	}

	if (rc.req.Kind == types.NodeDown || rc.req.Kind == types.NodeQuarantine) &&
		len(rc.newlyDownNodes) == 1 && rc.downedNonPrimary && !rc.primaryWasLost &&
		rc.req.Flags.Has(types.FlagSwitchover) {
		rc.partialRestart = true
		rc.partialRestartNode = rc.newlyDownNodes[0]
		return
	}

	if rc.req.Kind == types.CloseIdle {
		return
	}

	rc.needRestartChildren = true
}

// runFailoverCommands expands and runs failover_command once per node this
// request newly downed. A PROMOTE downs no node, so it runs no
// failover_command.
func (e *Engine) runFailoverCommands(ctx context.Context, rc *requestContext) {
	if e.Commands == nil || e.Config.FailoverCommand == "" || len(rc.newlyDownNodes) == 0 {
		return
	}

	newMain := e.State.MainNodeID()
	var newMainHost string
	var newMainPort int
	if b, ok := e.State.SnapshotBackend(newMain); ok {
		newMainHost, newMainPort = b.Host, b.Port
	}

	var oldPrimaryHost string
	var oldPrimaryPort int
	if b, ok := e.State.SnapshotBackend(rc.oldPrimaryID); ok {
		oldPrimaryHost, oldPrimaryPort = b.Host, b.Port
	}

	for _, id := range rc.newlyDownNodes {
		backend, ok := e.State.SnapshotBackend(id)
		if !ok {
			continue
		}
		vars := varsForBackend(backend)
		vars.NewMainID = newMain
		vars.NewMainHost = newMainHost
		vars.NewMainPort = newMainPort
		vars.OldMainID = rc.oldMainID
		vars.OldPrimaryID = rc.oldPrimaryID
		vars.OldPrimaryHost = oldPrimaryHost
		vars.OldPrimaryPort = oldPrimaryPort

		if err := e.Commands.Run(ctx, e.Config.FailoverCommand, vars); err != nil {
			log.WithComponent("failover").Warn().Err(err).Int("backend_id", id).Msg("failover_command failed")
		}
	}
}

// determineNewPrimary elects a replacement primary after the current one
// is lost.
func (e *Engine) determineNewPrimary(ctx context.Context, rc *requestContext) int {
	if rc.req.Kind == types.Promote && rc.promotedNodeID >= 0 {
		return rc.promotedNodeID
	}
	if rc.req.Kind == types.NodeQuarantine && rc.primaryWasLost {
		return -1
	}
	if rc.primaryWasLost && rc.req.Kind != types.NodeUp {
		// a non-quarantine down of the primary also loses it; fall through
		// to a fresh election rather than assuming -1, since a streaming
		// cluster may already have a promotable standby.
		return e.findPrimaryNodeRepeatedly(ctx)
	}
	if e.Config.Streaming && rc.downedNonPrimary && !rc.primaryWasLost {
		return rc.oldPrimaryID
	}
	if rc.req.Kind == types.NodeUp {
		// applyNodeUp may already have restored a resurrected primary.
		return e.State.PrimaryNodeID()
	}
	return e.findPrimaryNodeRepeatedly(ctx)
}

// findPrimaryNodeRepeatedly runs find_primary_node at most twice, back to
// back, and returns -1 if neither pass finds a primary or ctx is cancelled.
// It never sleeps between passes, and search_primary_node_timeout does not
// extend the search beyond the two passes.
func (e *Engine) findPrimaryNodeRepeatedly(ctx context.Context) int {
	deadline := e.Config.SearchPrimaryNodeTimeout

	var elapsed int
	for {
		if id := e.findPrimaryNode(ctx); id >= 0 {
			return id
		}
		if deadline > 0 && elapsed >= int(deadline) {
			return -1
		}
		select {
		case <-ctx.Done():
			return -1
		default:
		}
		elapsed++
		if elapsed > 1 {
			// stop after the second pass; there is no wait between
			// passes.
			return -1
		}
	}
}

func (e *Engine) findPrimaryNode(ctx context.Context) int {
	if e.State.FollowPrimaryOutstanding() > 0 {
		// a follow-primary sequence is in flight: return the current
		// primary without probing, rather than risk electing a second one
		// while standbys are still being reattached.
		return e.State.PrimaryNodeID()
	}

	for _, b := range e.State.SnapshotAll() {
		if b.Flags.Has(types.FlagAlwaysPrimary) {
			return b.ID
		}
	}

	for _, b := range e.State.SnapshotAll() {
		if b.Status != types.BackendUp {
			continue
		}
		if e.Classifier == nil {
			continue
		}
		inRecovery, err := e.Classifier.IsInRecovery(ctx, b)
		if err != nil || inRecovery {
			continue
		}
		return b.ID
	}
	return -1
}

// runFollowPrimary marks every UP non-primary DOWN, persists, then runs
// follow_primary_command against each one while holding the
// follow-primary lock.
func (e *Engine) runFollowPrimary(ctx context.Context, newPrimary int) {
	e.State.FollowPrimaryAcquire()
	defer e.State.FollowPrimaryRelease()
	e.State.FollowPrimaryConfirm()

	var toFollow []types.Backend
	for _, b := range e.State.SnapshotAll() {
		if b.ID == newPrimary || b.Status != types.BackendUp {
			continue
		}
		toFollow = append(toFollow, b)
		e.State.MutateBackend(b.ID, func(bb *types.Backend) { bb.Status = types.BackendDown })
	}
	e.State.PersistNow()

	newPrimaryHost, newPrimaryPort := "", 0
	if b, ok := e.State.SnapshotBackend(newPrimary); ok {
		newPrimaryHost, newPrimaryPort = b.Host, b.Port
	}

	for _, b := range toFollow {
		vars := varsForBackend(b)
		vars.NewMainID = newPrimary
		vars.NewMainHost = newPrimaryHost
		vars.NewMainPort = newPrimaryPort
		if e.Commands != nil {
			if err := e.Commands.Run(ctx, e.Config.FollowPrimaryCommand, vars); err != nil {
				log.WithComponent("failover").Warn().Err(err).Int("backend_id", b.ID).Msg("follow_primary_command failed")
			}
		}
	}
}
