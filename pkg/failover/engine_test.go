package failover

import (
	"context"
	"testing"

	"github.com/relaypool/relaypool/pkg/ssr"
	"github.com/relaypool/relaypool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCommands struct {
	calls []string
}

func (r *recordingCommands) Run(ctx context.Context, command string, vars SubstitutionVars) error {
	r.calls = append(r.calls, ExpandCommand(command, vars))
	return nil
}

type recordingWorkers struct {
	killedAll     int
	killedByNode  []int
	exitSignalled int
	pcpRestarted  int
}

func (w *recordingWorkers) KillAll()                              { w.killedAll++ }
func (w *recordingWorkers) KillByLoadBalanceNode(nodeID int)       { w.killedByNode = append(w.killedByNode, nodeID) }
func (w *recordingWorkers) SignalExitWhenIdle()                    { w.exitSignalled++ }
func (w *recordingWorkers) RestartPCP()                            { w.pcpRestarted++ }

type mapClassifier map[int]bool

func (m mapClassifier) IsInRecovery(ctx context.Context, b types.Backend) (bool, error) {
	return m[b.ID], nil
}

func newThreeNodeCluster(t *testing.T) *ssr.State {
	t.Helper()
	s := ssr.New(3, nil)
	s.MutateBackend(0, func(b *types.Backend) { b.Host = "h0"; b.Port = 5432; b.Role = types.RolePrimary; b.Status = types.BackendUp })
	s.MutateBackend(1, func(b *types.Backend) { b.Host = "h1"; b.Port = 5432; b.Role = types.RoleStandby; b.Status = types.BackendUp })
	s.MutateBackend(2, func(b *types.Backend) { b.Host = "h2"; b.Port = 5432; b.Role = types.RoleStandby; b.Status = types.BackendUp })
	s.SetPrimaryNodeID(0)
	return s
}

// S1: failover of a standby leaves the primary untouched and only restarts
// workers bound to the departed node.
func TestEngineS1FailoverOfStandby(t *testing.T) {
	s := newThreeNodeCluster(t)
	workers := &recordingWorkers{}
	cmds := &recordingCommands{}
	e := &Engine{
		State: s, Commands: cmds, Workers: workers, Classifier: mapClassifier{1: true, 2: true},
		Config: Config{Streaming: true, FailoverCommand: "fail %d"},
	}

	require.NoError(t, s.Enqueue(types.Request{Kind: types.NodeDown, NodeIDs: []int{1}, Flags: types.FlagSwitchover}))
	e.Drain(context.Background())

	b1, _ := s.SnapshotBackend(1)
	assert.Equal(t, types.BackendDown, b1.Status)
	assert.Equal(t, 0, s.PrimaryNodeID())
	assert.Equal(t, []int{1}, workers.killedByNode)
	assert.Equal(t, 0, workers.killedAll)
	require.Len(t, cmds.calls, 1)
	assert.Equal(t, "fail 1", cmds.calls[0])
}

// S2: primary crash with no candidate standby leaves no primary and
// restarts every session worker.
func TestEngineS2PrimaryCrashNoNewPrimary(t *testing.T) {
	s := newThreeNodeCluster(t)
	workers := &recordingWorkers{}
	e := &Engine{
		State: s, Commands: &recordingCommands{}, Workers: workers,
		Classifier: mapClassifier{1: true, 2: true}, // both standbys still in recovery
		Config:     Config{Streaming: true},
	}

	require.NoError(t, s.Enqueue(types.Request{Kind: types.NodeDown, NodeIDs: []int{0}, Flags: types.FlagSwitchover}))
	e.Drain(context.Background())

	b0, _ := s.SnapshotBackend(0)
	assert.Equal(t, types.BackendDown, b0.Status)
	assert.Equal(t, -1, s.PrimaryNodeID())
	assert.Equal(t, 1, workers.killedAll)
}

// S3: promoting a standby after the primary is lost commits it as the new
// primary.
func TestEngineS3PromoteStandby(t *testing.T) {
	s := newThreeNodeCluster(t)
	// simulate the post-S2 state: primary already down, no primary elected
	s.MutateBackend(0, func(b *types.Backend) { b.Status = types.BackendDown })
	s.SetPrimaryNodeID(-1)

	workers := &recordingWorkers{}
	e := &Engine{
		State: s, Commands: &recordingCommands{}, Workers: workers, Classifier: mapClassifier{},
		Config: Config{Streaming: true},
	}

	require.NoError(t, s.Enqueue(types.Request{Kind: types.Promote, NodeIDs: []int{1}, Flags: types.FlagSwitchover}))
	e.Drain(context.Background())

	assert.Equal(t, 1, s.PrimaryNodeID())
}

// S4: a promotion with follow-primary configured sets every other UP node
// DOWN and runs follow_primary_command for each.
func TestEngineS4PromoteWithFollowPrimary(t *testing.T) {
	s := newThreeNodeCluster(t)
	s.MutateBackend(0, func(b *types.Backend) { b.Status = types.BackendDown })
	s.SetPrimaryNodeID(-1)
	s.MutateBackend(1, func(b *types.Backend) { b.Role = types.RolePrimary })
	s.SetPrimaryNodeID(1)

	cmds := &recordingCommands{}
	workers := &recordingWorkers{}
	e := &Engine{
		State: s, Commands: cmds, Workers: workers, Classifier: mapClassifier{},
		Config: Config{Streaming: true, FollowPrimaryCommand: "follow %d -> %m"},
	}

	// node 1 is the primary; promoting node 2 changes the primary, which is
	// what triggers the follow-primary sequence for the remaining UP node.
	require.NoError(t, s.Enqueue(types.Request{Kind: types.Promote, NodeIDs: []int{2}, Flags: types.FlagSwitchover}))
	e.Drain(context.Background())

	assert.Equal(t, 2, s.PrimaryNodeID())
	b1, _ := s.SnapshotBackend(1)
	assert.Equal(t, types.BackendDown, b1.Status, "follow-primary marks the old primary DOWN pending reattachment")
	assert.NotEmpty(t, cmds.calls)
}

func TestEngineNodeUpQuarantineResume(t *testing.T) {
	s := ssr.New(2, nil)
	s.MutateBackend(0, func(b *types.Backend) { b.Role = types.RolePrimary; b.Status = types.BackendUp })
	s.SetPrimaryNodeID(0)
	s.MutateBackend(1, func(b *types.Backend) { b.Role = types.RoleStandby; b.Status = types.BackendUp })

	workers := &recordingWorkers{}
	e := &Engine{State: s, Commands: &recordingCommands{}, Workers: workers, Classifier: mapClassifier{}, Config: Config{Streaming: true}}

	// quarantine the primary, then resurrect it
	require.NoError(t, s.Enqueue(types.Request{Kind: types.NodeQuarantine, NodeIDs: []int{0}}))
	e.Drain(context.Background())
	assert.Equal(t, -1, s.PrimaryNodeID())

	require.NoError(t, s.Enqueue(types.Request{Kind: types.NodeUp, NodeIDs: []int{0}, Flags: types.FlagUpdate}))
	e.Drain(context.Background())

	b0, _ := s.SnapshotBackend(0)
	assert.Equal(t, types.RolePrimary, b0.Role)
	assert.Equal(t, types.BackendConnectWait, b0.Status)
	assert.Equal(t, 0, s.PrimaryNodeID())
}

func TestEngineCloseIdleSignalsWorkersOnly(t *testing.T) {
	s := newThreeNodeCluster(t)
	workers := &recordingWorkers{}
	e := &Engine{State: s, Commands: &recordingCommands{}, Workers: workers, Classifier: mapClassifier{}, Config: Config{}}

	require.NoError(t, s.Enqueue(types.Request{Kind: types.CloseIdle}))
	e.Drain(context.Background())

	assert.Equal(t, 1, workers.exitSignalled)
	assert.Equal(t, 0, workers.killedAll)
}
