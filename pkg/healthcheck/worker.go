package healthcheck

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/relaypool/relaypool/pkg/log"
	"github.com/relaypool/relaypool/pkg/metrics"
	"github.com/relaypool/relaypool/pkg/ssr"
	"github.com/relaypool/relaypool/pkg/types"
)

// errForcedDown is returned by verifyWithRetry when the health_check_test
// fault-injection hook overrides an otherwise-successful verification, to
// simulate a connection failure without touching the network.
var errForcedDown = errors.New("health check: forced down by fault injector")

// Backends is the subset of *ssr.State a Worker needs, kept narrow so tests
// can supply a fake.
type Backends interface {
	SnapshotBackend(id int) (types.Backend, bool)
	UpdateStats(id int, fn func(*types.HealthStats))
	Enqueue(r types.Request) error
}

var _ Backends = (*ssr.State)(nil)

// Persister durably records a backend's stats snapshot after every check,
// so a restart can resume counters instead of zeroing them; *statsstore.Store satisfies this.
type Persister interface {
	Save(stats types.HealthStats) error
}

// Worker runs the health-check control loop for exactly one backend id.
type Worker struct {
	backendID int
	state     Backends
	verifier  Verifier
	fault     FaultInjector
	persist   Persister

	cfg func() Config // resolved fresh each iteration so SIGHUP reloads apply
}

// NewWorker constructs a Worker for backendID. cfg is invoked once per loop
// iteration so configuration reloads take effect without
// restarting the goroutine. persist may be nil to disable durable stats.
func NewWorker(backendID int, state Backends, verifier Verifier, fault FaultInjector, persist Persister, cfg func() Config) *Worker {
	return &Worker{backendID: backendID, state: state, verifier: verifier, fault: fault, persist: persist, cfg: cfg}
}

func (w *Worker) persistStats() {
	if w.persist == nil {
		return
	}
	if stats, ok := w.state.(interface {
		SnapshotStats(id int) (types.HealthStats, bool)
	}); ok {
		if s, ok := stats.SnapshotStats(w.backendID); ok {
			_ = w.persist.Save(s)
		}
	}
}

// Run executes the control loop until ctx is cancelled. Each
// iteration:
//  1. If health_check_period <= 0, sleep and retry.
//  2. Otherwise attempt a verification connection, honouring retry policy.
//  3. On success against a quarantined-down node, enqueue a NODE_UP resume.
//  4. On failure, enqueue NODE_DOWN unless DISALLOW_FAILOVER is set or the
//     node is already quarantined-down (in which case the failure is only
//     logged).
//  5. Sleep for health_check_period and loop.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cfg := w.cfg()
		if cfg.Period <= 0 {
			if !sleepCtx(ctx, defaultSleep) {
				return
			}
			continue
		}

		w.runOnce(ctx, cfg)

		if !sleepCtx(ctx, cfg.Period) {
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context, cfg Config) {
	backend, ok := w.state.SnapshotBackend(w.backendID)
	if !ok {
		return
	}

	start := time.Now()
	w.state.UpdateStats(w.backendID, func(s *types.HealthStats) { recordStart(s, start) })

	if backend.Status == types.BackendUnused {
		w.recordSkip(start)
		w.persistStats()
		return
	}
	if backend.Status == types.BackendDown && !backend.Quarantine {
		// down and not quarantined: nothing to probe until an operator or
		// the replication verifier brings it back.
		w.recordSkip(start)
		w.persistStats()
		return
	}

	err, retries := w.verifyWithRetry(ctx, backend, cfg)
	elapsed := time.Since(start)
	elapsedMillis := elapsed.Milliseconds()

	logger := log.WithComponent("healthcheck").With().Int("backend_id", w.backendID).Logger()

	if err == nil {
		w.state.UpdateStats(w.backendID, func(s *types.HealthStats) {
			recordOutcome(s, outcomeSuccess, retries, elapsedMillis, start)
		})
		metrics.HealthCheckTotal.WithLabelValues(idLabel(w.backendID), "success").Inc()
		metrics.HealthCheckDuration.WithLabelValues(idLabel(w.backendID)).Observe(elapsed.Seconds())
		w.persistStats()

		if backend.Status == types.BackendDown && backend.Quarantine {
			logger.Info().Msg("quarantined backend answered again, requesting resume")
			_ = w.state.Enqueue(types.Request{
				Kind:    types.NodeUp,
				NodeIDs: []int{w.backendID},
				Flags:   types.FlagUpdate | types.FlagWatchdog,
			})
		}
		return
	}

	w.state.UpdateStats(w.backendID, func(s *types.HealthStats) {
		recordOutcome(s, outcomeFail, retries, elapsedMillis, start)
	})
	metrics.HealthCheckTotal.WithLabelValues(idLabel(w.backendID), "fail").Inc()
	w.persistStats()

	if backend.Flags.Has(types.FlagDisallowFailover) {
		logger.Warn().Err(err).Msg("health check failed but failover is disallowed for this node")
		return
	}

	if backend.Status == types.BackendDown && backend.Quarantine {
		logger.Info().Err(err).Msg("health check still failing on quarantined node, ignoring")
		return
	}

	logger.Error().Err(err).Msg("health check failed, requesting node down")
	_ = w.state.Enqueue(types.Request{
		Kind:    types.NodeDown,
		NodeIDs: []int{w.backendID},
		Flags:   types.FlagConfirmed,
	})
}

func (w *Worker) recordSkip(start time.Time) {
	w.state.UpdateStats(w.backendID, func(s *types.HealthStats) {
		recordOutcome(s, outcomeSkip, 0, 0, start)
	})
	metrics.HealthCheckTotal.WithLabelValues(idLabel(w.backendID), "skip").Inc()
}

// verifyWithRetry attempts cfg.MaxRetries+1 verification connections,
// waiting cfg.RetryDelay between attempts, and returns the last error along
// with how many retries (attempts beyond the first) were consumed.
func (w *Worker) verifyWithRetry(ctx context.Context, backend types.Backend, cfg Config) (error, int) {
	var lastErr error
	attempts := cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		checkCtx := ctx
		cancel := func() {}
		if cfg.Timeout > 0 {
			checkCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		}
		lastErr = w.verifier.Verify(checkCtx, backend, cfg)
		cancel()

		if lastErr == nil && cfg.Test && w.fault != nil && w.fault.ForceDown(w.backendID) {
			lastErr = errForcedDown
		}

		if lastErr == nil {
			return nil, attempt
		}

		if attempt < attempts-1 {
			log.WithComponent("healthcheck").Warn().
				Int("backend_id", w.backendID).
				Int("attempt", attempt+1).
				Err(lastErr).
				Msg("health check retrying")
			if !sleepCtx(ctx, cfg.RetryDelay) {
				return lastErr, attempt
			}
		}
	}
	return lastErr, attempts - 1
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func idLabel(id int) string {
	return strconv.Itoa(id)
}
