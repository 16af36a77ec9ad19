package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAndCount(t *testing.T) {
	p := NewWorkerPool()
	id1, done1 := p.Spawn(0, nil)
	_, _ = p.Spawn(1, nil)

	assert.Equal(t, 2, p.Count())

	select {
	case <-done1:
		t.Fatal("done channel should not be closed yet")
	default:
	}
	_ = id1
}

func TestKillByLoadBalanceNodeOnlyKillsMatching(t *testing.T) {
	p := NewWorkerPool()
	_, doneA := p.Spawn(1, nil)
	_, doneB := p.Spawn(2, nil)

	p.KillByLoadBalanceNode(1)

	select {
	case <-doneA:
	default:
		t.Fatal("worker on node 1 should have been killed")
	}
	select {
	case <-doneB:
		t.Fatal("worker on node 2 should still be alive")
	default:
	}
	assert.Equal(t, 1, p.Count())
}

func TestKillAllClosesEveryWorker(t *testing.T) {
	p := NewWorkerPool()
	_, done1 := p.Spawn(0, nil)
	_, done2 := p.Spawn(1, nil)

	p.KillAll()

	for _, d := range []<-chan struct{}{done1, done2} {
		select {
		case <-d:
		default:
			t.Fatal("worker should have been killed")
		}
	}
	assert.Equal(t, 0, p.Count())
}

func TestSignalExitWhenIdleMarksWithoutKilling(t *testing.T) {
	p := NewWorkerPool()
	id, done := p.Spawn(0, nil)

	p.SignalExitWhenIdle()

	assert.True(t, p.NeedsRestart(id))
	select {
	case <-done:
		t.Fatal("signal-exit-when-idle must not forcibly close the worker")
	default:
	}
}

func TestSnapshotReportsProcessRows(t *testing.T) {
	p := NewWorkerPool()
	id, _ := p.Spawn(3, nil)
	p.SetPooledConns(id, 7)

	rows := p.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].LoadBalanceNode)
	assert.Equal(t, 7, rows[0].PooledConnCount)
	assert.Equal(t, "idle", rows[0].Status)
}

func TestRestartPCPIncrementsGeneration(t *testing.T) {
	p := NewWorkerPool()
	assert.Equal(t, 0, p.PCPGeneration())
	p.RestartPCP()
	assert.Equal(t, 1, p.PCPGeneration())
}
