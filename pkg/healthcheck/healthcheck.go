// Package healthcheck implements the per-backend Health Checker worker: a
// loop that periodically opens a verification connection to one backend,
// records outcome statistics, and enqueues NODE_DOWN/NODE_UP failover
// requests when a backend's reachability changes.
//
// The original runs one forked process per backend (health_check.c,
// do_health_check_child). This rewrite uses a goroutine-pool convention
// instead: one Worker goroutine per backend, started and supervised by
// pkg/supervisor.
package healthcheck

import (
	"context"
	"time"

	"github.com/relaypool/relaypool/pkg/types"
)

// Config holds one backend's health-check parameters.
type Config struct {
	Period      time.Duration
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	Database    string
	User        string
	Password    string

	// Test, when set, makes the worker consult the FaultInjector before
	// trusting a connection attempt that otherwise succeeded.
	Test bool
}

// defaultSleep is how long a disabled worker (Period <= 0) sleeps between
// checking whether it has been reconfigured").
const defaultSleep = 30 * time.Second

func defaultDatabase(cfg Config) string {
	if cfg.Database == "" {
		return "postgres"
	}
	return cfg.Database
}

// Verifier opens (and the caller closes) a verification connection to a
// backend and confirms it answers. Implementations wrap jackc/pgx/v5 in
// production and a scripted fake in tests.
type Verifier interface {
	Verify(ctx context.Context, backend types.Backend, cfg Config) error
}

// FaultInjector lets a test simulate a connection failure even though Verify
// succeeded, mirroring the original's health_check_test fake-down hook.
type FaultInjector interface {
	ForceDown(backendID int) bool
}
