package pcp

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/relaypool/relaypool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackends struct {
	backends   []types.Backend
	stats      map[int]types.HealthStats
	enqueued   []types.Request
	switching  bool
}

func (f *fakeBackends) NumBackends() int { return len(f.backends) }
func (f *fakeBackends) SnapshotAll() []types.Backend { return f.backends }
func (f *fakeBackends) SnapshotBackend(id int) (types.Backend, bool) {
	for _, b := range f.backends {
		if b.ID == id {
			return b, true
		}
	}
	return types.Backend{}, false
}
func (f *fakeBackends) SnapshotStats(id int) (types.HealthStats, bool) {
	s, ok := f.stats[id]
	return s, ok
}
func (f *fakeBackends) Enqueue(r types.Request) error {
	f.enqueued = append(f.enqueued, r)
	return nil
}
func (f *fakeBackends) IsSwitching() bool { return f.switching }

type fakeProcesses struct{ rows []ProcessInfoRow }

func (f *fakeProcesses) Count() int                  { return len(f.rows) }
func (f *fakeProcesses) Snapshot() []ProcessInfoRow  { return f.rows }

type fakeController struct {
	reloaded int
	shutdown byte
}

func (f *fakeController) Reload() error         { f.reloaded++; return nil }
func (f *fakeController) Shutdown(mode byte) error { f.shutdown = mode; return nil }

func newTestServer(t *testing.T) (*Server, *fakeBackends, *fakeController) {
	t.Helper()
	tmp := t.TempDir() + "/pcp.passwd"
	require.NoError(t, os.WriteFile(tmp, []byte("admin:md5"+md5Hex("secret"+"admin")+"\n"), 0o600))
	users, err := LoadUserFile(tmp)
	require.NoError(t, err)

	backends := &fakeBackends{
		backends: []types.Backend{
			{ID: 0, Host: "h0", Port: 5432, Status: types.BackendUp, Role: types.RolePrimary},
			{ID: 1, Host: "h1", Port: 5432, Status: types.BackendUp, Role: types.RoleStandby},
		},
		stats: map[int]types.HealthStats{0: {BackendID: 0, Total: 5, Success: 5}},
	}
	ctrl := &fakeController{}
	srv := &Server{
		Users:      users,
		Backends:   backends,
		Processes:  &fakeProcesses{rows: []ProcessInfoRow{{PID: 1, Status: "idle"}}},
		Controller: ctrl,
		PoolStatus: func() []PoolStatusRow { return []PoolStatusRow{{Name: "backends", Value: "2"}} },
	}
	return srv, backends, ctrl
}

func serveOnce(t *testing.T, srv *Server) (*Client, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()

	client, err := Dial("tcp", ln.Addr().String(), "admin", "secret", 2*time.Second)
	require.NoError(t, err)
	return client, func() { client.Close(); ln.Close() }
}

func TestClientServerNodeInfoRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	client, cleanup := serveOnce(t, srv)
	defer cleanup()

	row, err := client.NodeInfo(1)
	require.NoError(t, err)
	assert.Equal(t, "h1", row.Host)
	assert.Equal(t, types.RoleStandby, row.Role)
}

func TestClientServerHealthStatsRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	client, cleanup := serveOnce(t, srv)
	defer cleanup()

	row, err := client.HealthCheckStats(0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), row.Total)
	assert.Equal(t, int64(5), row.Success)
}

func TestClientServerAttachDetachEnqueue(t *testing.T) {
	srv, backends, _ := newTestServer(t)
	client, cleanup := serveOnce(t, srv)
	defer cleanup()

	require.NoError(t, client.AttachNode(1))
	require.NoError(t, client.DetachNode(1, true))

	require.Len(t, backends.enqueued, 2)
	assert.Equal(t, types.NodeUp, backends.enqueued[0].Kind)
	assert.Equal(t, types.NodeDown, backends.enqueued[1].Kind)
	assert.True(t, backends.enqueued[1].Flags.Has(types.FlagSwitchover))
}

func TestClientServerPromote(t *testing.T) {
	srv, backends, _ := newTestServer(t)
	client, cleanup := serveOnce(t, srv)
	defer cleanup()

	require.NoError(t, client.PromoteNode(1, true))
	require.Len(t, backends.enqueued, 1)
	assert.Equal(t, types.Promote, backends.enqueued[0].Kind)
	assert.True(t, backends.enqueued[0].Flags.Has(types.FlagSwitchover))
}

func TestClientServerReloadAndShutdown(t *testing.T) {
	srv, _, ctrl := newTestServer(t)
	client, cleanup := serveOnce(t, srv)
	defer cleanup()

	require.NoError(t, client.ReloadConfig(false))
	assert.Equal(t, 1, ctrl.reloaded)

	require.NoError(t, client.Shutdown(false, 's'))
	assert.Equal(t, byte('s'), ctrl.shutdown)
}

func TestClientRejectsBadPassword(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() { _ = srv.Serve(ln) }()

	_, err = Dial("tcp", ln.Addr().String(), "admin", "wrong", 2*time.Second)
	assert.Error(t, err)
}
