package healthcheck

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/relaypool/relaypool/pkg/poolerr"
	"github.com/relaypool/relaypool/pkg/types"
)

// PGVerifier opens a real verification connection to a backend with
// jackc/pgx/v5 and confirms the server answers a simple query, matching the
// original's make_persistent_db_connection_noerror + discard pattern but
// without holding the connection open between checks.
type PGVerifier struct{}

func (PGVerifier) Verify(ctx context.Context, backend types.Backend, cfg Config) error {
	connString := buildConnString(backend, cfg)

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("%w: health check connect: %v", poolerr.ErrBackend, err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	var one int
	if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: health check probe query: %v", poolerr.ErrBackend, err)
	}
	return nil
}

func buildConnString(backend types.Backend, cfg Config) string {
	database := defaultDatabase(cfg)
	if backend.IsUnixSocket() {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
			backend.Host, backend.Port, cfg.User, cfg.Password, database)
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=prefer",
		backend.Host, backend.Port, cfg.User, cfg.Password, database)
}
