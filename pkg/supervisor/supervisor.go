// Package supervisor implements the Supervisor: the long-lived coordinator
// that owns the session-worker goroutine group, wires the Failover
// Engine's drain loop to the SSR's enqueue wakeups, runs the Replication
// Verifier's periodic sweep and one Health Checker worker per backend, and
// answers the PCP server's Processes/Controller surfaces. It uses
// golang.org/x/sync/errgroup for structured cancellation across all of its
// background goroutines.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaypool/relaypool/pkg/failover"
	"github.com/relaypool/relaypool/pkg/healthcheck"
	"github.com/relaypool/relaypool/pkg/log"
	"github.com/relaypool/relaypool/pkg/metrics"
	"github.com/relaypool/relaypool/pkg/pcp"
	"github.com/relaypool/relaypool/pkg/replication"
	"github.com/relaypool/relaypool/pkg/types"
)

var _ pcp.Controller = (*Supervisor)(nil)

// Backends is the subset of *ssr.State the Supervisor itself needs beyond
// what it hands to the Engine/Verifier/Workers (backend enumeration for
// spawning one Health Checker worker per slot, and the wake channel).
type Backends interface {
	NumBackends() int
	WakeCh() <-chan struct{}
	PersistNow()
	Enqueue(r types.Request) error
}

// ReloadFunc re-reads configuration; it is invoked by SIGHUP and by PCP's
// reload request.
type ReloadFunc func() error

// Config bundles everything the Supervisor needs to assemble its
// goroutine group.
type Config struct {
	State      Backends
	Engine     *failover.Engine
	Verifier   *replication.Verifier
	Pool       *WorkerPool
	Sizing     SizingConfig
	HealthCfg  func() healthcheck.Config
	HealthVerifier healthcheck.Verifier
	HealthFault    healthcheck.FaultInjector
	HealthPersist  healthcheck.Persister
	VerifierPeriod time.Duration
	Reload         ReloadFunc
}

// Supervisor runs the background worker set for one pool instance and
// implements pcp.Controller on top of it.
type Supervisor struct {
	cfg    Config
	sizer  *sizer
	cancel context.CancelFunc

	mu       sync.Mutex
	shutdown bool
}

// New builds a Supervisor from cfg. Call Run to start its goroutine group.
func New(cfg Config) *Supervisor {
	if cfg.VerifierPeriod <= 0 {
		cfg.VerifierPeriod = 5 * time.Second
	}
	return &Supervisor{cfg: cfg, sizer: newSizer(cfg.Sizing)}
}

// Run starts every background goroutine and blocks until ctx is cancelled
// or a worker returns a fatal error, using an errgroup in place of a
// fork-and-reap process table.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { s.runDrainLoop(ctx); return nil })
	g.Go(func() error { s.runVerifierLoop(ctx); return nil })
	g.Go(func() error { s.runSizingLoop(ctx); return nil })
	g.Go(func() error { return s.runSignalLoop(ctx) })

	for i := 0; i < s.cfg.State.NumBackends(); i++ {
		id := i
		g.Go(func() error { s.runHealthCheckWorker(ctx, id); return nil })
	}

	metrics.RegisterComponent("healthcheck", true, "worker group started")

	return g.Wait()
}

func (s *Supervisor) runDrainLoop(ctx context.Context) {
	logger := log.WithComponent("supervisor")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.cfg.State.WakeCh():
			s.cfg.Engine.Drain(ctx)
			logger.Debug().Msg("failover engine drained request queue")
		}
	}
}

func (s *Supervisor) runVerifierLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.VerifierPeriod)
	defer ticker.Stop()
	logger := log.WithComponent("supervisor")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.cfg.Verifier == nil {
				continue
			}
			if err := s.cfg.Verifier.Sweep(ctx); err != nil {
				logger.Warn().Err(err).Msg("replication verifier sweep failed")
			}
		}
	}
}

func (s *Supervisor) runSizingLoop(ctx context.Context) {
	ticker := time.NewTicker(sizingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d := s.sizer.sweep(s.cfg.Pool)
			for _, id := range d.killIDs {
				s.cfg.Pool.KillByID(id)
			}
			// forkMore is only recorded: RequestForks adds it to a counter
			// that PendingForks reads and clears, and cmd/relaypoold never
			// calls PendingForks, so no worker is started here.
			if d.forkMore > 0 {
				s.cfg.Pool.RequestForks(d.forkMore)
			}
		}
	}
}

func (s *Supervisor) runHealthCheckWorker(ctx context.Context, backendID int) {
	worker := healthcheck.NewWorker(backendID, s.cfg.State.(healthcheck.Backends), s.cfg.HealthVerifier, s.cfg.HealthFault, s.cfg.HealthPersist, s.cfg.HealthCfg)
	worker.Run(ctx)
}

// runSignalLoop installs the supervisor's signal set and translates each
// one into the corresponding action; it returns when ctx is cancelled or a
// shutdown signal has been fully handled.
func (s *Supervisor) runSignalLoop(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	logger := log.WithComponent("supervisor")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Info().Msg("SIGHUP received, reloading configuration")
				if err := s.Reload(); err != nil {
					logger.Error().Err(err).Msg("configuration reload failed")
				}
			case syscall.SIGTERM:
				logger.Info().Msg("SIGTERM received, smart shutdown")
				return s.Shutdown('s')
			case syscall.SIGINT:
				logger.Info().Msg("SIGINT received, fast shutdown")
				return s.Shutdown('f')
			case syscall.SIGQUIT:
				logger.Info().Msg("SIGQUIT received, immediate shutdown")
				return s.Shutdown('i')
			case syscall.SIGUSR1:
				logger.Info().Msg("SIGUSR1 received, dispatching watchdog interrupt")
				_ = s.cfg.State.Enqueue(types.Request{Kind: types.NodeUp, Flags: types.FlagWatchdog})
			case syscall.SIGUSR2:
				// wake: nothing to do beyond the select loop itself waking.
			}
		}
	}
}

// Reload implements pcp.Controller.
func (s *Supervisor) Reload() error {
	if s.cfg.Reload == nil {
		return nil
	}
	return s.cfg.Reload()
}

// Shutdown implements pcp.Controller. mode is 's' (smart: wait for
// sessions to drain), 'f' (fast: kill immediately) or 'i' (immediate: same
// as fast in this implementation, since there is no separate in-transaction
// distinction to preserve once workers are goroutines rather than forked
// children holding a transaction's socket open).
func (s *Supervisor) Shutdown(mode byte) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.cfg.State.PersistNow()

	switch mode {
	case 's':
		s.cfg.Pool.SignalExitWhenIdle()
		deadline := time.Now().Add(30 * time.Second)
		for s.cfg.Pool.Count() > 0 && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
	default:
		s.cfg.Pool.KillAll()
	}

	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
