package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fillPool(n int) *WorkerPool {
	p := NewWorkerPool()
	for i := 0; i < n; i++ {
		id, _ := p.Spawn(0, nil)
		p.SetPooledConns(id, i)
	}
	return p
}

func TestSizerScalesDownAfterAggressiveThreshold(t *testing.T) {
	s := newSizer(SizingConfig{Strategy: Aggressive, MaxSpareChildren: 2, NumInitChildren: 10})
	pool := fillPool(5)

	var d decision
	for i := 0; i < 25; i++ {
		d = s.sweep(pool)
	}
	assert.Len(t, d.killIDs, 3)
}

func TestSizerDoesNotScaleDownBeforeThreshold(t *testing.T) {
	s := newSizer(SizingConfig{Strategy: Lazy, MaxSpareChildren: 2, NumInitChildren: 10})
	pool := fillPool(5)

	d := s.sweep(pool)
	assert.Empty(t, d.killIDs)
}

func TestSizerRequestsForkWhenBelowMinSpare(t *testing.T) {
	s := newSizer(SizingConfig{Strategy: Gentle, MinSpareChildren: 3, NumInitChildren: 10})
	pool := fillPool(1)

	d := s.sweep(pool)
	assert.Equal(t, 2, d.forkMore)
}

func TestSizerNeverExceedsNumInitChildren(t *testing.T) {
	s := newSizer(SizingConfig{Strategy: Gentle, MinSpareChildren: 5, NumInitChildren: 3})
	pool := fillPool(1)

	d := s.sweep(pool)
	assert.Equal(t, 2, d.forkMore)
}

func TestIdleVictimsOrderedByFewestPooledConns(t *testing.T) {
	pool := NewWorkerPool()
	idA, _ := pool.Spawn(0, nil)
	pool.SetPooledConns(idA, 5)
	idB, _ := pool.Spawn(0, nil)
	pool.SetPooledConns(idB, 1)
	idC, _ := pool.Spawn(0, nil)
	pool.SetPooledConns(idC, 3)

	victims := pool.idleVictims(2)
	assert.Equal(t, []int{idB, idC}, victims)
}
