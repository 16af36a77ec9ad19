package ssr

import (
	"testing"

	"github.com/relaypool/relaypool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInitializesUnusedBackends(t *testing.T) {
	s := New(4, nil)
	require.Equal(t, 4, s.NumBackends())

	for i := 0; i < 4; i++ {
		b, ok := s.SnapshotBackend(i)
		require.True(t, ok)
		assert.Equal(t, types.BackendUnused, b.Status)
	}

	assert.Equal(t, -1, s.PrimaryNodeID())
	assert.Equal(t, -1, s.MainNodeID())
}

func TestNewClampsOutOfRangeCapacity(t *testing.T) {
	s := New(0, nil)
	assert.Equal(t, types.MaxBackends, s.NumBackends())

	s = New(types.MaxBackends+50, nil)
	assert.Equal(t, types.MaxBackends, s.NumBackends())
}

func TestSetBackendStatusRecomputesMain(t *testing.T) {
	s := New(3, nil)

	s.SetBackendStatus(1, types.BackendUp)
	assert.Equal(t, 1, s.MainNodeID())

	s.SetBackendStatus(0, types.BackendUp)
	assert.Equal(t, 0, s.MainNodeID(), "lowest-numbered up backend wins")

	s.SetBackendStatus(0, types.BackendDown)
	assert.Equal(t, 1, s.MainNodeID())
}

func TestSetBackendStatusOutOfRangeIsNoop(t *testing.T) {
	s := New(2, nil)
	s.SetBackendStatus(99, types.BackendUp)
	assert.Equal(t, -1, s.MainNodeID())
}

func TestMutateBackendUpdatesFields(t *testing.T) {
	s := New(2, nil)
	s.MutateBackend(0, func(b *types.Backend) {
		b.Role = types.RolePrimary
		b.Status = types.BackendUp
		b.Flags |= types.FlagAlwaysPrimary
	})

	b, ok := s.SnapshotBackend(0)
	require.True(t, ok)
	assert.Equal(t, types.RolePrimary, b.Role)
	assert.True(t, b.Flags.Has(types.FlagAlwaysPrimary))
}

func TestSwitchingFlag(t *testing.T) {
	s := New(2, nil)
	assert.False(t, s.IsSwitching())

	s.BeginSwitching()
	assert.True(t, s.IsSwitching())

	s.EndSwitching()
	assert.False(t, s.IsSwitching())
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	s := New(2, nil)

	require.NoError(t, s.Enqueue(types.Request{Kind: types.NodeDown, NodeIDs: []int{0}}))
	require.NoError(t, s.Enqueue(types.Request{Kind: types.NodeUp, NodeIDs: []int{1}}))
	assert.Equal(t, 2, s.QueueLen())

	r, ok := s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, types.NodeDown, r.Kind)

	r, ok = s.Dequeue()
	require.True(t, ok)
	assert.Equal(t, types.NodeUp, r.Kind)

	assert.True(t, s.QueueEmpty())
	_, ok = s.Dequeue()
	assert.False(t, ok)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	s := &State{
		backends:     make([]types.Backend, 1),
		stats:        make([]types.HealthStats, 1),
		primaryNodeID: -1,
		mainNodeID:    -1,
		queue:        newRequestQueue(2),
	}

	require.NoError(t, s.Enqueue(types.Request{Kind: types.NodeUp}))
	require.NoError(t, s.Enqueue(types.Request{Kind: types.NodeUp}))
	err := s.Enqueue(types.Request{Kind: types.NodeUp})
	assert.Error(t, err)
	assert.Equal(t, 2, s.QueueLen())
}

func TestFollowPrimaryLockLifecycle(t *testing.T) {
	s := New(2, nil)

	assert.Equal(t, 1, s.FollowPrimaryAcquire())
	assert.Equal(t, 2, s.FollowPrimaryAcquire())
	assert.Equal(t, 2, s.FollowPrimaryOutstanding())

	s.FollowPrimaryConfirm()
	assert.Equal(t, 2, s.FollowPrimaryOutstanding())

	remaining := s.FollowPrimaryRelease()
	assert.Equal(t, 1, remaining)

	remaining = s.FollowPrimaryRelease()
	assert.Equal(t, 1, remaining, "second release has nothing confirmed left to drain")
}

func TestPersistAllDownIsSkipped(t *testing.T) {
	store := &memStatusStore{}
	s := New(2, store)

	s.SetBackendStatus(0, types.BackendUp)
	require.NotEmpty(t, store.written, "first non-all-down write should persist")

	s.SetBackendStatus(0, types.BackendDown)
	assert.Len(t, store.written, 1, "an all-down topology must not overwrite the last good status file")
}

type memStatusStore struct {
	written [][]types.BackendStatus
}

func (m *memStatusStore) Read(n int) ([]types.BackendStatus, error) {
	return nil, assertNotFoundErr{}
}

func (m *memStatusStore) Write(statuses []types.BackendStatus) error {
	cp := make([]types.BackendStatus, len(statuses))
	copy(cp, statuses)
	m.written = append(m.written, cp)
	return nil
}

type assertNotFoundErr struct{}

func (assertNotFoundErr) Error() string { return "not found" }
