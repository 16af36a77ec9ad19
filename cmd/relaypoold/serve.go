package main

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/relaypool/relaypool/pkg/auth"
	"github.com/relaypool/relaypool/pkg/config"
	"github.com/relaypool/relaypool/pkg/failover"
	"github.com/relaypool/relaypool/pkg/healthcheck"
	"github.com/relaypool/relaypool/pkg/log"
	"github.com/relaypool/relaypool/pkg/metrics"
	"github.com/relaypool/relaypool/pkg/pcp"
	"github.com/relaypool/relaypool/pkg/replication"
	"github.com/relaypool/relaypool/pkg/ssr"
	"github.com/relaypool/relaypool/pkg/statsstore"
	"github.com/relaypool/relaypool/pkg/supervisor"
	"github.com/relaypool/relaypool/pkg/types"
	"github.com/relaypool/relaypool/pkg/watchdog/raftwd"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the connection pool",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "path to the pool configuration file")
	_ = serveCmd.MarkFlagRequired("config")
}

// daemon bundles every long-lived component serve assembles, so buildDaemon
// stays a pure construction step and runServe stays a pure "start and wait"
// step.
type daemon struct {
	cfg        *config.Config
	state      *ssr.State
	pool       *supervisor.WorkerPool
	engine     *failover.Engine
	verifier   *replication.Verifier
	watchdog   *raftwd.Watchdog
	supervisor *supervisor.Supervisor
	pcpServer  *pcp.Server
	stats      *statsstore.Store
	gate       atomic.Pointer[auth.Gate]

	backendRR atomic.Uint64
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log.Init(cfg.LoggerConfig())

	d, err := buildDaemon(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if d.stats != nil {
			_ = d.stats.Close()
		}
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	listenErr := make(chan error, 4)

	clientLn, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer clientLn.Close()
	go func() { listenErr <- d.serveClients(clientLn) }()

	if cfg.PCPListenAddr != "" {
		pcpLn, err := net.Listen("tcp", cfg.PCPListenAddr)
		if err != nil {
			return err
		}
		defer pcpLn.Close()
		metrics.RegisterComponent("pcp", true, "listening on "+cfg.PCPListenAddr)
		go func() { listenErr <- d.pcpServer.Serve(pcpLn) }()
	} else {
		metrics.RegisterComponent("pcp", true, "disabled")
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		mux.Handle("/readyz", metrics.ReadyHandler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() { listenErr <- srv.ListenAndServe() }()
		go func() { <-ctx.Done(); _ = srv.Close() }()
	}

	go func() { listenErr <- d.supervisor.Run(ctx) }()

	logger := log.WithComponent("relaypoold")
	logger.Info().Str("listen_addr", cfg.ListenAddr).Msg("relaypoold started")

	err = <-listenErr
	cancel()
	clientLn.Close()
	return err
}

func buildDaemon(cfg *config.Config) (*daemon, error) {
	records, err := cfg.BackendRecords()
	if err != nil {
		return nil, err
	}

	var statusStore ssr.StatusFile
	if cfg.StatusFile != "" {
		statusStore = ssr.NewFileStatusStore(cfg.StatusFile)
	}
	state := ssr.New(len(records), statusStore)
	if err := cfg.SeedBackends(state); err != nil {
		return nil, err
	}
	metrics.RegisterComponent("ssr", true, "backend table seeded")

	d := &daemon{cfg: cfg, state: state}

	if err := d.reloadGate(); err != nil {
		return nil, err
	}

	var stats *statsstore.Store
	if cfg.StatsStorePath != "" {
		stats, err = statsstore.Open(cfg.StatsStorePath)
		if err != nil {
			return nil, err
		}
	}
	d.stats = stats

	querier := replication.PGQuerier{
		User:     cfg.HealthCheck.User,
		Password: cfg.HealthCheck.Password,
		Database: cfg.HealthCheck.Database,
	}

	pool := supervisor.NewWorkerPool()
	d.pool = pool

	engine := &failover.Engine{
		State:      state,
		Commands:   failover.ShellCommandRunner{},
		Workers:    pool,
		Classifier: querier,
		Config:     cfg.FailoverConfig(),
	}
	d.engine = engine

	verifier := &replication.Verifier{State: state, Query: querier, DetectFalsePrimary: true}
	d.verifier = verifier

	var wd *raftwd.Watchdog
	if cfg.Watchdog.Enabled {
		wd, err = raftwd.Bootstrap(cfg.RaftWatchdogConfig())
		if err != nil {
			return nil, err
		}
	}
	d.watchdog = wd

	sv := supervisor.New(supervisor.Config{
		State:          state,
		Engine:         engine,
		Verifier:       verifier,
		Pool:           pool,
		Sizing:         cfg.SizingConfig(),
		HealthCfg:      func() healthcheck.Config { return cfg.HealthCheckerConfig() },
		HealthVerifier: healthcheck.PGVerifier{},
		HealthPersist:  statsPersister{stats},
		VerifierPeriod: cfg.VerifierPeriod.Duration,
		Reload:         d.reloadGate,
	})
	d.supervisor = sv

	users, err := cfg.LoadPCPUsers()
	if err != nil {
		return nil, err
	}
	d.pcpServer = &pcp.Server{
		Users:      users,
		Backends:   state,
		Watchdog:   watchdogForPCP(wd),
		Processes:  pool,
		Controller: sv,
		PoolStatus: func() []pcp.PoolStatusRow { return poolStatusRows(cfg, state) },
	}

	return d, nil
}

// watchdogForPCP adapts a possibly-nil *raftwd.Watchdog to the pcp.Watchdog
// interface; pcp.Server treats a nil Watchdog field as "no cluster watchdog
// configured": watchdog-info requests get an error reply, and cluster-scope
// shutdown and reload act on the local pool only.
func watchdogForPCP(wd *raftwd.Watchdog) pcp.Watchdog {
	if wd == nil {
		return nil
	}
	return wd
}

// statsPersister adapts a possibly-nil *statsstore.Store to
// healthcheck.Persister without every caller having to nil-check it.
type statsPersister struct{ store *statsstore.Store }

func (p statsPersister) Save(stats types.HealthStats) error {
	if p.store == nil {
		return nil
	}
	return p.store.Save(stats)
}

func poolStatusRows(cfg *config.Config, state *ssr.State) []pcp.PoolStatusRow {
	rows := []pcp.PoolStatusRow{
		{Name: "num_init_children", Value: strconv.Itoa(cfg.NumInitChildren)},
		{Name: "max_spare_children", Value: strconv.Itoa(cfg.MaxSpareChildren)},
		{Name: "min_spare_children", Value: strconv.Itoa(cfg.MinSpareChildren)},
		{Name: "sizing_strategy", Value: cfg.SizingStrategy},
		{Name: "streaming", Value: boolStr(cfg.Streaming)},
		{Name: "primary_node_id", Value: strconv.Itoa(state.PrimaryNodeID())},
	}
	return rows
}

func (d *daemon) reloadGate() error {
	var listenIPs []net.IP
	if host, _, err := net.SplitHostPort(d.cfg.ListenAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			listenIPs = append(listenIPs, ip)
		}
	}
	hba, err := d.cfg.LoadHBATable(listenIPs)
	if err != nil {
		return err
	}
	pwd, err := d.cfg.LoadPasswordStore()
	if err != nil {
		return err
	}
	d.gate.Store(&auth.Gate{HBA: hba, Password: pwd, Resolver: net.DefaultResolver})
	return nil
}

// serveClients accepts frontend connections and runs each one through
// authentication and session-worker bookkeeping. It does not relay wire
// protocol traffic between client and backend sockets: a session worker
// here is purely a lifecycle record the Supervisor's dynamic sizing and
// failover restart logic can act on.
func (d *daemon) serveClients(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go d.handleClient(conn)
	}
}

// handleClient authenticates one frontend connection and registers it with
// the session-worker table for the connection's lifetime; see
// serveClients for why it never relays queries.
func (d *daemon) handleClient(conn net.Conn) {
	defer conn.Close()
	logger := log.WithComponent("relaypoold")

	gate := d.gate.Load()
	result, err := gate.Authenticate(context.Background(), conn)
	if err != nil {
		logger.Warn().Err(err).Msg("client rejected")
		return
	}

	backendID := d.pickBackend()
	id, done := d.pool.Spawn(backendID, conn)
	defer d.pool.Remove(id)
	logger.Info().Str("database", result.Database).Str("role", result.Role).Int("backend", backendID).Msg("session worker started")

	buf := make([]byte, 1)
	closed := make(chan struct{})
	go func() {
		_, _ = conn.Read(buf)
		close(closed)
	}()

	select {
	case <-done:
	case <-closed:
	}
}

// pickBackend load-balances new sessions round-robin over currently UP
// backends, falling back to the primary when none are UP yet.
func (d *daemon) pickBackend() int {
	backends := d.state.SnapshotAll()
	var up []int
	for _, b := range backends {
		if b.Status == types.BackendUp {
			up = append(up, b.ID)
		}
	}
	if len(up) == 0 {
		return d.state.PrimaryNodeID()
	}
	n := d.backendRR.Add(1)
	return up[int(n)%len(up)]
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
