// Package ssr implements the Shared State Record: the authoritative,
// mutex-serialised view of every backend and the single failover request
// queue that every other component reads or enqueues against.
//
// The C original keeps this structure in a System V shared-memory segment
// guarded by named semaphores so that independently-forked processes can
// all reach it. This rewrite uses a single-owning-task pattern instead:
// one *State value, one sync.RWMutex, read snapshots returned by value.
package ssr

import (
	"sync"
	"time"

	"github.com/relaypool/relaypool/pkg/log"
	"github.com/relaypool/relaypool/pkg/metrics"
	"github.com/relaypool/relaypool/pkg/types"
)

// State is the process-wide Shared State Record.
type State struct {
	mu sync.RWMutex

	backends []types.Backend
	stats    []types.HealthStats

	primaryNodeID int
	mainNodeID    int

	// switching is true from the moment the Failover Engine begins
	// draining the queue until it observes the queue empty.
	switching bool

	queue      *requestQueue
	statusFile StatusFile

	follow followPrimaryLock

	// wake is the in-process stand-in for the self-pipe the Supervisor
	// selects on to turn an enqueue into a drain wakeup. It is buffered by one and never closed; a pending
	// signal coalesces with any already-buffered one.
	wake chan struct{}
}

// New creates a State for numBackends backend slots.
// statusFile may be nil to disable persistence (tests).
func New(numBackends int, statusFile StatusFile) *State {
	if numBackends <= 0 || numBackends > types.MaxBackends {
		numBackends = types.MaxBackends
	}
	backends := make([]types.Backend, numBackends)
	stats := make([]types.HealthStats, numBackends)
	for i := range backends {
		backends[i] = types.Backend{ID: i, Status: types.BackendUnused, Role: types.RoleReplica}
		stats[i] = types.HealthStats{BackendID: i}
	}

	s := &State{
		backends:      backends,
		stats:         stats,
		primaryNodeID: -1,
		mainNodeID:    -1,
		queue:         newRequestQueue(defaultQueueCapacity),
		statusFile:    statusFile,
		wake:          make(chan struct{}, 1),
	}

	if statusFile != nil {
		if statuses, err := statusFile.Read(numBackends); err == nil {
			for i, st := range statuses {
				if i >= len(s.backends) {
					break
				}
				s.backends[i].Status = st
			}
			log.WithComponent("ssr").Info().Msg("loaded persistent status file")
		} else {
			log.WithComponent("ssr").Warn().Msg("no persistent status file found, starting all backends unused")
		}
	}

	return s
}

// NumBackends returns the configured backend slot count.
func (s *State) NumBackends() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.backends)
}

// SnapshotBackend returns a copy of one backend record.
func (s *State) SnapshotBackend(id int) (types.Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 0 || id >= len(s.backends) {
		return types.Backend{}, false
	}
	return s.backends[id], true
}

// SnapshotAll returns a copy of every backend record.
func (s *State) SnapshotAll() []types.Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Backend, len(s.backends))
	copy(out, s.backends)
	return out
}

// SnapshotStats returns a copy of one backend's health-check statistics.
func (s *State) SnapshotStats(id int) (types.HealthStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 0 || id >= len(s.stats) {
		return types.HealthStats{}, false
	}
	return s.stats[id], true
}

// UpdateStats applies fn to backend id's stats record under the SSR lock.
// Only the owning Health Checker worker for that backend should call this.
func (s *State) UpdateStats(id int, fn func(*types.HealthStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.stats) {
		return
	}
	fn(&s.stats[id])
}

// PrimaryNodeID returns the current primary backend id, or -1 if none.
func (s *State) PrimaryNodeID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primaryNodeID
}

// MainNodeID returns the lowest-numbered UP backend, or -1.
func (s *State) MainNodeID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mainNodeID
}

// IsSwitching reports whether the Failover Engine is mid-drain.
func (s *State) IsSwitching() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.switching
}

// --- Failover-Engine-only mutation surface ---
// Everything below this line is reserved for pkg/failover, except WakeCh
// and PersistNow, which the Supervisor uses; other callers must not use it.

// SetBackendStatus updates a backend's status and last-change timestamp,
// then persists the status file unless every in-use (not unused) backend
// is DOWN.
func (s *State) SetBackendStatus(id int, status types.BackendStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBackendStatusLocked(id, status)
	s.persistLocked()
}

func (s *State) setBackendStatusLocked(id int, status types.BackendStatus) {
	if id < 0 || id >= len(s.backends) {
		return
	}
	s.backends[id].Status = status
	s.backends[id].LastStatusChange = time.Now()
	s.recomputeMainLocked()
	s.observeLocked()
}

// MutateBackend runs fn against backend id under the write lock, then
// persists the status file (same all-DOWN exception as SetBackendStatus).
// Used by the Failover Engine for composite transitions (role + status +
// quarantine together).
func (s *State) MutateBackend(id int, fn func(*types.Backend)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.backends) {
		return
	}
	fn(&s.backends[id])
	s.backends[id].LastStatusChange = time.Now()
	s.recomputeMainLocked()
	s.persistLocked()
	s.observeLocked()
}

// SetPrimaryNodeID commits the result of primary election.
func (s *State) SetPrimaryNodeID(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaryNodeID = id
	metrics.PrimaryNodeID.Set(float64(id))
}

// BeginSwitching marks the FE as draining the queue.
func (s *State) BeginSwitching() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switching = true
}

// EndSwitching clears the switching flag; called once the queue is
// observed empty under the lock.
func (s *State) EndSwitching() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switching = false
}

func (s *State) recomputeMainLocked() {
	main := -1
	for i := range s.backends {
		if s.backends[i].Status == types.BackendUp {
			main = i
			break
		}
	}
	s.mainNodeID = main
}

func (s *State) persistLocked() {
	if s.statusFile == nil {
		return
	}
	allDown := true
	statuses := make([]types.BackendStatus, len(s.backends))
	for i, b := range s.backends {
		statuses[i] = b.Status
		if b.Status != types.BackendDown && b.Status != types.BackendUnused {
			allDown = false
		}
	}
	if allDown {
		// Never persist a topology where every in-use backend is DOWN
		// (unused slots do not count), to preserve the last known good
		// state across restarts.
		return
	}
	if err := s.statusFile.Write(statuses); err != nil {
		log.WithComponent("ssr").Error().Err(err).Msg("failed to write status file")
	}
}

func (s *State) observeLocked() {
	counts := map[string]map[string]int{}
	for _, b := range s.backends {
		st, role := b.Status.String(), b.Role.String()
		if counts[st] == nil {
			counts[st] = map[string]int{}
		}
		counts[st][role]++
	}
	metrics.BackendsTotal.Reset()
	for st, roles := range counts {
		for role, n := range roles {
			metrics.BackendsTotal.WithLabelValues(st, role).Set(float64(n))
		}
	}
}

// WakeCh returns the channel the Supervisor's drain goroutine selects on;
// a receive means at least one request has been enqueued since the last
// receive.
func (s *State) WakeCh() <-chan struct{} {
	return s.wake
}

// PersistNow writes the status file immediately, with the same all-DOWN
// exception as SetBackendStatus; used by the Supervisor at shutdown.
func (s *State) PersistNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
}
