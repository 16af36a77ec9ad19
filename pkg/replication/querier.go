package replication

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/relaypool/relaypool/pkg/poolerr"
	"github.com/relaypool/relaypool/pkg/types"
)

// PGQuerier runs the verification queries over short-lived jackc/pgx/v5
// connections, mirroring the Health Checker's connect-probe-disconnect
// pattern rather than holding connections open between sweeps.
type PGQuerier struct {
	User     string
	Password string
	Database string
}

func (q PGQuerier) connect(ctx context.Context, backend types.Backend) (*pgx.Conn, error) {
	database := q.Database
	if database == "" {
		database = "postgres"
	}
	connString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		backend.Host, backend.Port, q.User, q.Password, database)
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", poolerr.ErrBackend, err)
	}
	return conn, nil
}

func (q PGQuerier) IsInRecovery(ctx context.Context, backend types.Backend) (bool, error) {
	conn, err := q.connect(ctx, backend)
	if err != nil {
		return false, err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	var inRecovery bool
	if err := conn.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return false, fmt.Errorf("%w: %v", poolerr.ErrBackend, err)
	}
	return inRecovery, nil
}

func (q PGQuerier) WALReceiverConnInfo(ctx context.Context, backend types.Backend) (string, string, int, error) {
	conn, err := q.connect(ctx, backend)
	if err != nil {
		return "", "", 0, err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	var status, conninfo string
	row := conn.QueryRow(ctx, "SELECT status, conninfo FROM pg_stat_wal_receiver")
	if err := row.Scan(&status, &conninfo); err != nil {
		if err == pgx.ErrNoRows {
			return "", "", 0, nil
		}
		return "", "", 0, fmt.Errorf("%w: %v", poolerr.ErrBackend, err)
	}

	host, port := parseConnInfoHostPort(conninfo)
	return status, host, port, nil
}

func (q PGQuerier) ReplicationRows(ctx context.Context, primary types.Backend) ([]ReplicationRow, error) {
	conn, err := q.connect(ctx, primary)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	rows, err := conn.Query(ctx, `
		SELECT client_addr::text, client_port, state, sync_state,
		       pg_wal_lsn_diff(pg_current_wal_lsn(), replay_lsn)
		FROM pg_stat_replication`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", poolerr.ErrBackend, err)
	}
	defer rows.Close()

	var out []ReplicationRow
	for rows.Next() {
		var r ReplicationRow
		if err := rows.Scan(&r.ClientHost, &r.ClientPort, &r.State, &r.SyncState, &r.LagBytes); err != nil {
			return nil, fmt.Errorf("%w: %v", poolerr.ErrBackend, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", poolerr.ErrBackend, err)
	}
	return out, nil
}

// parseConnInfoHostPort extracts "host=..." and "port=..." tokens from a
// libpq conninfo string, as pg_stat_wal_receiver.conninfo reports them.
func parseConnInfoHostPort(conninfo string) (string, int) {
	host, port := "", 0
	token := ""
	flush := func() {
		if token == "" {
			return
		}
		switch {
		case len(token) > 5 && token[:5] == "host=":
			host = token[5:]
		case len(token) > 5 && token[:5] == "port=":
			fmt.Sscanf(token[5:], "%d", &port)
		}
		token = ""
	}
	for _, r := range conninfo {
		if r == ' ' {
			flush()
			continue
		}
		token += string(r)
	}
	flush()
	return host, port
}
