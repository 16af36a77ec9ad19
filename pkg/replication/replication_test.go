package replication

import (
	"context"
	"sync"
	"testing"

	"github.com/relaypool/relaypool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct {
	mu            sync.Mutex
	backends      []types.Backend
	primaryID     int
	enqueued      []types.Request
	followPrimary int
}

func (f *fakeState) SnapshotAll() []types.Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Backend, len(f.backends))
	copy(out, f.backends)
	return out
}

func (f *fakeState) PrimaryNodeID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.primaryID
}

func (f *fakeState) Enqueue(r types.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, r)
	return nil
}

func (f *fakeState) FollowPrimaryOutstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.followPrimary
}

// roleUpdateFor returns the RoleUpdate request enqueued for id, if any.
func (f *fakeState) roleUpdateFor(id int) (types.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.enqueued {
		if r.Kind == types.RoleUpdate && len(r.NodeIDs) == 1 && r.NodeIDs[0] == id {
			return r, true
		}
	}
	return types.Request{}, false
}

type fakeQuerier struct {
	inRecovery map[int]bool
	walStatus  map[int]string
	rows       []ReplicationRow
}

func (q *fakeQuerier) IsInRecovery(ctx context.Context, backend types.Backend) (bool, error) {
	return q.inRecovery[backend.ID], nil
}

func (q *fakeQuerier) WALReceiverConnInfo(ctx context.Context, backend types.Backend) (string, string, int, error) {
	return q.walStatus[backend.ID], backend.Host, backend.Port, nil
}

func (q *fakeQuerier) ReplicationRows(ctx context.Context, primary types.Backend) ([]ReplicationRow, error) {
	return q.rows, nil
}

func TestSweepMarksPrimaryAndStandbyRoles(t *testing.T) {
	state := &fakeState{
		backends: []types.Backend{
			{ID: 0, Status: types.BackendUp, Host: "h0", Port: 5432},
			{ID: 1, Status: types.BackendUp, Host: "h1", Port: 5432},
		},
		primaryID: 0,
	}
	q := &fakeQuerier{inRecovery: map[int]bool{0: false, 1: true}, walStatus: map[int]string{1: "streaming"}}
	v := &Verifier{State: state, Query: q, DetectFalsePrimary: true}

	require.NoError(t, v.Sweep(context.Background()))

	// the Verifier never mutates backends directly; it enqueues RoleUpdate
	// requests for the Failover Engine to apply.
	r0, ok := state.roleUpdateFor(0)
	require.True(t, ok)
	assert.Equal(t, types.RolePrimary, r0.Role)

	r1, ok := state.roleUpdateFor(1)
	require.True(t, ok)
	assert.Equal(t, types.RoleStandby, r1.Role)

	for _, r := range state.enqueued {
		assert.NotEqual(t, types.NodeDown, r.Kind)
	}
}

func TestSweepDetectsFalsePrimary(t *testing.T) {
	state := &fakeState{
		backends: []types.Backend{
			{ID: 0, Status: types.BackendUp, Host: "h0", Port: 5432},
			{ID: 1, Status: types.BackendUp, Host: "h1", Port: 5432},
		},
		primaryID: 0,
	}
	// node 1 reports itself NOT in recovery while the SSR believes 0 is primary
	q := &fakeQuerier{inRecovery: map[int]bool{0: false, 1: false}}
	v := &Verifier{State: state, Query: q}

	require.NoError(t, v.Sweep(context.Background()))

	var downs []types.Request
	for _, r := range state.enqueued {
		if r.Kind == types.NodeDown {
			downs = append(downs, r)
		}
	}
	require.Len(t, downs, 1)
	assert.Equal(t, []int{1}, downs[0].NodeIDs)
}

func TestSweepDetectsNonStreamingStandby(t *testing.T) {
	state := &fakeState{
		backends: []types.Backend{
			{ID: 0, Status: types.BackendUp, Host: "h0", Port: 5432},
			{ID: 1, Status: types.BackendUp, Host: "h1", Port: 5432},
		},
		primaryID: 0,
	}
	q := &fakeQuerier{inRecovery: map[int]bool{0: false, 1: true}, walStatus: map[int]string{1: "stopped"}}
	v := &Verifier{State: state, Query: q, DetectFalsePrimary: true}

	require.NoError(t, v.Sweep(context.Background()))

	var downs []types.Request
	for _, r := range state.enqueued {
		if r.Kind == types.NodeDown {
			downs = append(downs, r)
		}
	}
	require.Len(t, downs, 1)
	assert.Equal(t, 1, downs[0].NodeIDs[0])
}

func TestSweepSkipsWhenFollowPrimaryOngoing(t *testing.T) {
	state := &fakeState{
		backends: []types.Backend{
			{ID: 0, Status: types.BackendUp, Host: "h0", Port: 5432},
		},
		primaryID:     0,
		followPrimary: 1,
	}
	q := &fakeQuerier{inRecovery: map[int]bool{0: false}}
	v := &Verifier{State: state, Query: q}

	require.NoError(t, v.Sweep(context.Background()))
	assert.Empty(t, state.enqueued)
}

func TestSweepSkipsNonUpBackends(t *testing.T) {
	state := &fakeState{
		backends:  []types.Backend{{ID: 0, Status: types.BackendDown}},
		primaryID: -1,
	}
	q := &fakeQuerier{}
	v := &Verifier{State: state, Query: q}

	require.NoError(t, v.Sweep(context.Background()))
	assert.Empty(t, state.enqueued)
}
