// Package replication implements the Replication Verifier: a
// periodic sweep that classifies every UP backend's streaming-replication
// role, detects a false primary (a backend that is not in recovery while
// another backend is the elected primary), and enqueues NODE_DOWN for
// any backend whose classification comes back invalid.
//
// Grounded on the original's verify_backend_node_status (main/pgpool_main.c):
// SELECT pg_is_in_recovery() classifies primary vs standby, and, with
// DetectFalsePrimary set, a standby whose pg_stat_wal_receiver status is not
// "streaming" is invalid. The receiver's conninfo host and port are not
// compared with the elected primary.
package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/relaypool/relaypool/pkg/log"
	"github.com/relaypool/relaypool/pkg/poolerr"
	"github.com/relaypool/relaypool/pkg/types"
)

// Classification is one backend's observed replication role.
type Classification struct {
	BackendID   int
	InRecovery  bool // pg_is_in_recovery()
	FalsePrimary bool
	Valid       bool

	LagBytes int64
	State    string // pg_stat_replication.state, as observed from the primary
}

// Querier runs the verification queries against one backend; production
// wiring uses jackc/pgx/v5, tests a scripted fake.
type Querier interface {
	IsInRecovery(ctx context.Context, backend types.Backend) (bool, error)
	WALReceiverConnInfo(ctx context.Context, backend types.Backend) (status, host string, port int, err error)
	ReplicationRows(ctx context.Context, primary types.Backend) ([]ReplicationRow, error)
}

// ReplicationRow is one row of pg_stat_replication read from the primary.
type ReplicationRow struct {
	ClientHost string
	ClientPort int
	State      string
	SyncState  string
	LagBytes   int64
}

// Backends is the subset of *ssr.State the verifier needs.
type Backends interface {
	SnapshotAll() []types.Backend
	PrimaryNodeID() int
	Enqueue(r types.Request) error
	FollowPrimaryOutstanding() int
}

// Verifier runs one sweep at a time over the SSR's UP backends.
type Verifier struct {
	State             Backends
	Query             Querier
	DetectFalsePrimary bool
}

// Sweep classifies every UP backend and enqueues the results for the
// Failover Engine to apply. Non-UP backends are skipped; an error
// classifying one backend does not abort the sweep. If a follow-primary
// sequence is currently in flight, the sweep is skipped entirely: the
// backend set is in the middle of being reattached to a just-elected
// primary and a concurrent reclassification would race with it.
func (v *Verifier) Sweep(ctx context.Context) error {
	if v.State.FollowPrimaryOutstanding() > 0 {
		log.WithComponent("replication").Debug().Msg("follow-primary lock held, skipping sweep")
		return nil
	}

	backends := v.State.SnapshotAll()
	primaryID := v.State.PrimaryNodeID()

	var primary *types.Backend
	for i := range backends {
		if backends[i].ID == primaryID {
			primary = &backends[i]
		}
	}

	replRows := map[string]ReplicationRow{}
	if primary != nil {
		rows, err := v.Query.ReplicationRows(ctx, *primary)
		if err != nil {
			log.WithComponent("replication").Warn().Err(err).Msg("failed to read pg_stat_replication from primary")
		} else {
			for _, r := range rows {
				replRows[fmt.Sprintf("%s:%d", r.ClientHost, r.ClientPort)] = r
			}
		}
	}

	for _, b := range backends {
		if b.Status != types.BackendUp {
			continue
		}
		class, err := v.classify(ctx, b, primaryID, replRows)
		if err != nil {
			log.WithBackend(b.ID).Warn().Err(err).Msg("replication verification failed")
			continue
		}
		v.apply(class)
	}
	return nil
}

func (v *Verifier) classify(ctx context.Context, b types.Backend, primaryID int, replRows map[string]ReplicationRow) (Classification, error) {
	inRecovery, err := v.Query.IsInRecovery(ctx, b)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: pg_is_in_recovery: %v", poolerr.ErrBackend, err)
	}

	class := Classification{BackendID: b.ID, InRecovery: inRecovery, Valid: true}

	if !inRecovery {
		// This node believes it is a primary. It is valid only if the SSR
		// agrees, or no primary has been elected yet.
		if primaryID >= 0 && b.ID != primaryID {
			class.FalsePrimary = true
			class.Valid = false
		}
		return class, nil
	}

	// A standby: when false-primary detection is enabled, confirm it is
	// streaming. Which node it streams from is not checked.
	if v.DetectFalsePrimary && primaryID >= 0 {
		status, host, port, err := v.Query.WALReceiverConnInfo(ctx, b)
		if err != nil {
			return Classification{}, fmt.Errorf("%w: pg_stat_wal_receiver: %v", poolerr.ErrBackend, err)
		}
		if status != "streaming" {
			class.Valid = false
		}
		_ = host
		_ = port
	}

	if row, ok := replRows[fmt.Sprintf("%s:%d", b.Host, b.Port)]; ok {
		class.State = row.State
		class.LagBytes = row.LagBytes
	}

	return class, nil
}

// apply enqueues the classification for the Failover Engine to apply;
// the Verifier never mutates a backend's Role or Status itself, since only
// the Engine is permitted to write those fields.
func (v *Verifier) apply(c Classification) {
	role := types.RoleStandby
	if !c.InRecovery {
		role = types.RolePrimary
	}
	_ = v.State.Enqueue(types.Request{
		Kind:             types.RoleUpdate,
		NodeIDs:          []int{c.BackendID},
		Role:             role,
		ReplicationState: c.State,
		ReplicationLag:   c.LagBytes,
		LagUnit:          types.LagBytes,
	})

	if !c.Valid {
		reason := "invalid replication classification"
		if c.FalsePrimary {
			reason = "detected false primary"
		}
		log.WithBackend(c.BackendID).Error().Str("reason", reason).Msg("replication verifier requesting node down")
		_ = v.State.Enqueue(types.Request{Kind: types.NodeDown, NodeIDs: []int{c.BackendID}, Flags: types.FlagConfirmed})
	}
}

// Period is a 10-second sweep interval. The Supervisor does not use it; it
// runs Sweep every supervisor.Config.VerifierPeriod.
const Period = 10 * time.Second
