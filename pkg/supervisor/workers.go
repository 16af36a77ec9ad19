package supervisor

import (
	"net"
	"sync"

	"github.com/relaypool/relaypool/pkg/failover"
	"github.com/relaypool/relaypool/pkg/pcp"
)

var (
	_ failover.SessionWorkers = (*WorkerPool)(nil)
	_ pcp.Processes           = (*WorkerPool)(nil)
)

// sessionWorker is the goroutine-per-connection stand-in for the source's
// forked session child. Its
// wire-protocol relay work is out of scope; what the Supervisor
// owns is its lifecycle: which backend it load-balances to, how many
// pooled backend connections it holds, and whether it must exit at its
// next idle point.
type sessionWorker struct {
	id              int
	loadBalanceNode int
	pooledConns     int
	needRestart     bool
	conn            net.Conn
	done            chan struct{}
}

// WorkerPool is the Supervisor's session-worker table.
type WorkerPool struct {
	mu            sync.Mutex
	workers       map[int]*sessionWorker
	nextID        int
	pcpGeneration int
	pendingForks  int
}

// NewWorkerPool creates an empty pool.
func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: map[int]*sessionWorker{}}
}

// Spawn registers a new session worker bound to loadBalanceNode and
// returns a done channel the caller's connection-handling goroutine should
// select on to learn it has been asked to exit.
func (p *WorkerPool) Spawn(loadBalanceNode int, conn net.Conn) (id int, done <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	w := &sessionWorker{id: p.nextID, loadBalanceNode: loadBalanceNode, conn: conn, done: make(chan struct{})}
	p.workers[w.id] = w
	return w.id, w.done
}

// Remove drops a worker from the table once its connection-handling
// goroutine has actually returned.
func (p *WorkerPool) Remove(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
}

// SetPooledConns updates how many backend connections id currently holds
// pooled, used by the dynamic-sizing sweep to pick scale-down victims.
func (p *WorkerPool) SetPooledConns(id, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[id]; ok {
		w.pooledConns = n
	}
}

// Count implements pcp.Processes.
func (p *WorkerPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Snapshot implements pcp.Processes.
func (p *WorkerPool) Snapshot() []pcp.ProcessInfoRow {
	p.mu.Lock()
	defer p.mu.Unlock()
	rows := make([]pcp.ProcessInfoRow, 0, len(p.workers))
	for _, w := range p.workers {
		status := "idle"
		if w.needRestart {
			status = "exiting"
		}
		rows = append(rows, pcp.ProcessInfoRow{
			PID:             int64(w.id),
			Status:          status,
			LoadBalanceNode: w.loadBalanceNode,
			ClientConnCount: 1,
			PooledConnCount: w.pooledConns,
		})
	}
	return rows
}

// KillByID kills exactly one worker, used by the dynamic-sizing sweep's
// scale-down pass to retire a specific idle victim.
func (p *WorkerPool) KillByID(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[id]; ok {
		close(w.done)
		delete(p.workers, id)
	}
}

// RequestForks records that the sizing sweep wants n more workers started.
// It starts nothing itself; the count only accumulates until PendingForks
// reads and clears it, and cmd/relaypoold never calls PendingForks.
func (p *WorkerPool) RequestForks(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingForks += n
}

// PendingForks returns and clears the outstanding fork request count.
func (p *WorkerPool) PendingForks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.pendingForks
	p.pendingForks = 0
	return n
}

// KillAll implements failover.SessionWorkers: every worker is asked to
// exit immediately.
func (p *WorkerPool) KillAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.workers {
		close(w.done)
		delete(p.workers, id)
	}
}

// KillByLoadBalanceNode implements failover.SessionWorkers: only workers
// whose current load-balance node matches nodeID are killed.
func (p *WorkerPool) KillByLoadBalanceNode(nodeID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.workers {
		if w.loadBalanceNode == nodeID {
			close(w.done)
			delete(p.workers, id)
		}
	}
}

// SignalExitWhenIdle implements failover.SessionWorkers: marks every
// worker need_restart so it exits at its own next idle point rather than being killed mid-transaction.
func (p *WorkerPool) SignalExitWhenIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.needRestart = true
	}
}

// NeedsRestart reports whether id has been marked to exit at its next
// idle point; a connection-handling goroutine polls this between queries.
func (p *WorkerPool) NeedsRestart(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	return ok && w.needRestart
}

// RestartPCP implements failover.SessionWorkers: bumps a generation
// counter readable through PCPGeneration. The PCP server does not read
// it, so no PCP connection is recycled.
func (p *WorkerPool) RestartPCP() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pcpGeneration++
}

// PCPGeneration reports how many times RestartPCP has been called.
func (p *WorkerPool) PCPGeneration() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pcpGeneration
}

// idleVictims returns up to n worker ids eligible for scale-down, ordered
// by fewest pooled connections first.
func (p *WorkerPool) idleVictims(n int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	type candidate struct {
		id    int
		pools int
	}
	cands := make([]candidate, 0, len(p.workers))
	for id, w := range p.workers {
		if !w.needRestart {
			cands = append(cands, candidate{id, w.pooledConns})
		}
	}
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].pools < cands[j-1].pools; j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
	if n > len(cands) {
		n = len(cands)
	}
	ids := make([]int, n)
	for i := 0; i < n; i++ {
		ids[i] = cands[i].id
	}
	return ids
}
