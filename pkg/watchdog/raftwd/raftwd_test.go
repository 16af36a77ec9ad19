package raftwd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypool/relaypool/pkg/watchdog"
)

func waitForLeader(t *testing.T, w *Watchdog) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watchdog never became leader")
}

func bootstrapSingle(t *testing.T) *Watchdog {
	t.Helper()
	cfg := Config{NodeID: "n0", BindAddr: "127.0.0.1:17001", DataDir: t.TempDir()}
	w, err := Bootstrap(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Shutdown() })
	waitForLeader(t, w)
	return w
}

func TestBootstrapBecomesLeader(t *testing.T) {
	w := bootstrapSingle(t)
	assert.True(t, w.IsLeader())
}

func TestPublishAndReadBackendStatus(t *testing.T) {
	w := bootstrapSingle(t)

	want := watchdog.BackendStatusSnapshot{NodeCount: 3, PrimaryNodeID: 1, NodeName: "pool-a"}
	require.NoError(t, w.PublishBackendStatus(want))

	got, err := w.GetBackendStatusFromLeader()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLockStandbyRejectsDoubleLock(t *testing.T) {
	w := bootstrapSingle(t)

	require.NoError(t, w.LockStandby("follow-primary"))
	assert.Error(t, w.LockStandby("follow-primary"))

	require.NoError(t, w.UnlockStandby("follow-primary"))
	assert.NoError(t, w.LockStandby("follow-primary"))
}

func TestNodesJSONIncludesSelfAsLeader(t *testing.T) {
	w := bootstrapSingle(t)

	data, err := w.NodesJSON(0)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"n0"`)
	assert.Contains(t, string(data), `"leader":true`)
}

func TestExecuteClusterCommandSucceedsOnLeader(t *testing.T) {
	w := bootstrapSingle(t)
	assert.NoError(t, w.ExecuteClusterCommand("reload", nil))
}

func TestInterruptHandlerFiresOnDemand(t *testing.T) {
	w := bootstrapSingle(t)

	fired := make(chan struct{}, 1)
	w.RegisterInterruptHandler(watchdog.InterruptLeaderChange, func() {
		fired <- struct{}{}
	})

	w.fire(watchdog.InterruptLeaderChange)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("registered handler was not invoked")
	}
}
