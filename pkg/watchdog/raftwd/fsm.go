package raftwd

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/relaypool/relaypool/pkg/watchdog"
)

// Command is one Raft log entry: an operation tag plus its JSON-encoded
// argument.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opSetStatus = "set_status"
	opLock      = "lock"
	opUnlock    = "unlock"
)

type setStatusArgs struct {
	Status watchdog.BackendStatusSnapshot `json:"status"`
}

type lockArgs struct {
	Tag string `json:"tag"`
}

// fsm is the Raft finite state machine backing a watchdog cluster: the
// current leader-published backend status snapshot, plus the set of
// follow-primary locks currently held.
type fsm struct {
	mu     sync.RWMutex
	status watchdog.BackendStatusSnapshot
	locks  map[string]bool
}

func newFSM() *fsm {
	return &fsm{locks: map[string]bool{}}
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal watchdog command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opSetStatus:
		var args setStatusArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		f.status = args.Status
		return nil

	case opLock:
		var args lockArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		if f.locks[args.Tag] {
			return fmt.Errorf("tag %q already locked", args.Tag)
		}
		f.locks[args.Tag] = true
		return nil

	case opUnlock:
		var args lockArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		delete(f.locks, args.Tag)
		return nil

	default:
		return fmt.Errorf("unknown watchdog command: %s", cmd.Op)
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	locks := make(map[string]bool, len(f.locks))
	for k, v := range f.locks {
		locks[k] = v
	}
	return &fsmSnapshot{status: f.status, locks: locks}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode watchdog snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = snap.status
	f.locks = snap.locks
	if f.locks == nil {
		f.locks = map[string]bool{}
	}
	return nil
}

func (f *fsm) snapshotStatus() watchdog.BackendStatusSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

func (f *fsm) isLocked(tag string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.locks[tag]
}

type fsmSnapshot struct {
	status watchdog.BackendStatusSnapshot
	locks  map[string]bool
}

func (s *fsmSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status watchdog.BackendStatusSnapshot `json:"status"`
		Locks  map[string]bool                `json:"locks"`
	}{s.status, s.locks})
}

func (s *fsmSnapshot) UnmarshalJSON(data []byte) error {
	var aux struct {
		Status watchdog.BackendStatusSnapshot `json:"status"`
		Locks  map[string]bool                `json:"locks"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.status, s.locks = aux.Status, aux.Locks
	return nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
