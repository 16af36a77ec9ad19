// Package config loads and validates the pool's YAML configuration file:
// backend definitions, timeouts, failover/failback/follow_primary
// commands, dynamic session-worker sizing, listener addresses, PCP
// settings, and the paths to the HBA, password, pool key, PCP user and
// backend-status files it in turn loads. One struct holds everything a
// component needs to boot, parsed with gopkg.in/yaml.v3 rather than
// assembled from CLI flags.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaypool/relaypool/pkg/auth"
	"github.com/relaypool/relaypool/pkg/failover"
	"github.com/relaypool/relaypool/pkg/healthcheck"
	"github.com/relaypool/relaypool/pkg/log"
	"github.com/relaypool/relaypool/pkg/pcp"
	"github.com/relaypool/relaypool/pkg/poolerr"
	"github.com/relaypool/relaypool/pkg/ssr"
	"github.com/relaypool/relaypool/pkg/supervisor"
	"github.com/relaypool/relaypool/pkg/types"
	"github.com/relaypool/relaypool/pkg/watchdog/raftwd"
)

// Duration wraps time.Duration so config files write "5s"/"500ms" rather
// than a raw nanosecond count.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: invalid duration %q: %v", poolerr.ErrConfig, s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// BackendConfig is one backend entry.
type BackendConfig struct {
	Host   string   `yaml:"host"`
	Port   int      `yaml:"port"`
	Weight float64  `yaml:"weight"`
	Flags  []string `yaml:"flags"`
}

func (b BackendConfig) flags() (types.BackendFlags, error) {
	var f types.BackendFlags
	for _, name := range b.Flags {
		switch name {
		case "disallow_to_failover":
			f |= types.FlagDisallowFailover
		case "always_primary":
			f |= types.FlagAlwaysPrimary
		default:
			return 0, fmt.Errorf("%w: unknown backend flag %q", poolerr.ErrConfig, name)
		}
	}
	return f, nil
}

// WatchdogConfig configures the raft-backed opaque watchdog collaborator
//.
type WatchdogConfig struct {
	Enabled            bool     `yaml:"enabled"`
	NodeID             string   `yaml:"node_id"`
	BindAddr           string   `yaml:"bind_addr"`
	DataDir            string   `yaml:"data_dir"`
	Peers              []string `yaml:"peers"`
	HeartbeatTimeout   Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout    Duration `yaml:"election_timeout"`
	CommitTimeout      Duration `yaml:"commit_timeout"`
	LeaderLeaseTimeout Duration `yaml:"leader_lease_timeout"`
}

// HealthCheckConfig configures the Health Checker.
type HealthCheckConfig struct {
	Period     Duration `yaml:"period"`
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay"`
	Database   string   `yaml:"database"`
	User       string   `yaml:"user"`
	Password   string   `yaml:"password"`
	Test       bool     `yaml:"test"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json_output"`
}

// Config is the parsed pool configuration file.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	PCPListenAddr string `yaml:"pcp_listen_addr"`
	MetricsAddr   string `yaml:"metrics_addr"`

	Backends []BackendConfig `yaml:"backends"`

	NumInitChildren  int    `yaml:"num_init_children"`
	MaxSpareChildren int    `yaml:"max_spare_children"`
	MinSpareChildren int    `yaml:"min_spare_children"`
	SizingStrategy   string `yaml:"sizing_strategy"`

	Streaming                bool     `yaml:"streaming"`
	FailoverCommand          string   `yaml:"failover_command"`
	FailbackCommand          string   `yaml:"failback_command"`
	FollowPrimaryCommand     string   `yaml:"follow_primary_command"`
	SearchPrimaryNodeTimeout Duration `yaml:"search_primary_node_timeout"`
	DetachFalsePrimary       bool     `yaml:"detach_false_primary"`

	HBAFile      string `yaml:"hba_file"`
	PasswordFile string `yaml:"password_file"`
	PoolKeyFile  string `yaml:"pool_key_file"`
	PCPUserFile  string `yaml:"pcp_user_file"`

	HealthCheck    HealthCheckConfig `yaml:"health_check"`
	VerifierPeriod Duration          `yaml:"replication_verifier_period"`

	StatsStorePath string `yaml:"stats_store_path"`
	StatusFile     string `yaml:"status_file"`

	Log      LogConfig      `yaml:"log"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// Load reads and parses path, then validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read config file: %v", poolerr.ErrConfig, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config file: %v", poolerr.ErrConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NumInitChildren <= 0 {
		c.NumInitChildren = 32
	}
	if c.SizingStrategy == "" {
		c.SizingStrategy = string(supervisor.Lazy)
	}
	if c.SearchPrimaryNodeTimeout.Duration <= 0 {
		c.SearchPrimaryNodeTimeout = Duration{10 * time.Second}
	}
	if c.VerifierPeriod.Duration <= 0 {
		c.VerifierPeriod = Duration{5 * time.Second}
	}
	if c.Log.Level == "" {
		c.Log.Level = string(log.InfoLevel)
	}
	if c.HealthCheck.Period.Duration <= 0 {
		c.HealthCheck.Period = Duration{30 * time.Second}
	}
	if c.HealthCheck.RetryDelay.Duration <= 0 {
		c.HealthCheck.RetryDelay = Duration{time.Second}
	}
}

func (c *Config) validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("%w: at least one backend is required", poolerr.ErrConfig)
	}
	if len(c.Backends) > types.MaxBackends {
		return fmt.Errorf("%w: %d backends exceeds the maximum of %d", poolerr.ErrConfig, len(c.Backends), types.MaxBackends)
	}
	for i, b := range c.Backends {
		if b.Host == "" {
			return fmt.Errorf("%w: backend %d: host is required", poolerr.ErrConfig, i)
		}
		if _, err := b.flags(); err != nil {
			return err
		}
	}
	switch supervisor.SizingStrategy(c.SizingStrategy) {
	case supervisor.Aggressive, supervisor.Lazy, supervisor.Gentle:
	default:
		return fmt.Errorf("%w: unknown sizing_strategy %q", poolerr.ErrConfig, c.SizingStrategy)
	}
	if c.HBAFile == "" {
		return fmt.Errorf("%w: hba_file is required", poolerr.ErrConfig)
	}
	if c.PasswordFile == "" {
		return fmt.Errorf("%w: password_file is required", poolerr.ErrConfig)
	}
	return nil
}

// BackendRecords builds the types.Backend slice the SSR is seeded with,
// indexed by config order.
func (c *Config) BackendRecords() ([]types.Backend, error) {
	records := make([]types.Backend, len(c.Backends))
	for i, b := range c.Backends {
		flags, err := b.flags()
		if err != nil {
			return nil, err
		}
		role := types.RoleReplica
		if i == 0 {
			role = types.RoleMain
		}
		records[i] = types.Backend{
			ID:     i,
			Host:   b.Host,
			Port:   b.Port,
			Weight: b.Weight,
			Status: types.BackendConnectWait,
			Role:   role,
			Flags:  flags,
		}
	}
	return records, nil
}

// SeedBackends applies BackendRecords onto an already-constructed
// *ssr.State, e.g. right after ssr.New during startup.
func (c *Config) SeedBackends(state *ssr.State) error {
	records, err := c.BackendRecords()
	if err != nil {
		return err
	}
	for _, rec := range records {
		rec := rec
		state.MutateBackend(rec.ID, func(b *types.Backend) { *b = rec })
	}
	return nil
}

// FailoverConfig builds the Failover Engine's configuration.
func (c *Config) FailoverConfig() failover.Config {
	return failover.Config{
		Streaming:                c.Streaming,
		FailoverCommand:          c.FailoverCommand,
		FailbackCommand:          c.FailbackCommand,
		FollowPrimaryCommand:     c.FollowPrimaryCommand,
		SearchPrimaryNodeTimeout: c.SearchPrimaryNodeTimeout.Duration,
	}
}

// HealthCheckerConfig builds the Health Checker's configuration.
func (c *Config) HealthCheckerConfig() healthcheck.Config {
	return healthcheck.Config{
		Period:     c.HealthCheck.Period.Duration,
		Timeout:    c.HealthCheck.Timeout.Duration,
		MaxRetries: c.HealthCheck.MaxRetries,
		RetryDelay: c.HealthCheck.RetryDelay.Duration,
		Database:   c.HealthCheck.Database,
		User:       c.HealthCheck.User,
		Password:   c.HealthCheck.Password,
		Test:       c.HealthCheck.Test,
	}
}

// SizingConfig builds the Supervisor's dynamic session-worker sizing
// configuration.
func (c *Config) SizingConfig() supervisor.SizingConfig {
	return supervisor.SizingConfig{
		Strategy:         supervisor.SizingStrategy(c.SizingStrategy),
		MinSpareChildren: c.MinSpareChildren,
		MaxSpareChildren: c.MaxSpareChildren,
		NumInitChildren:  c.NumInitChildren,
	}
}

// LoggerConfig builds the global logger's configuration.
func (c *Config) LoggerConfig() log.Config {
	level := log.Level(c.Log.Level)
	switch level {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		level = log.InfoLevel
	}
	return log.Config{Level: level, JSONOutput: c.Log.JSONOutput}
}

// RaftWatchdogConfig builds the raft watchdog's bootstrap configuration (spec
// §6 "watchdog").
func (c *Config) RaftWatchdogConfig() raftwd.Config {
	return raftwd.Config{
		NodeID:             c.Watchdog.NodeID,
		BindAddr:           c.Watchdog.BindAddr,
		DataDir:            c.Watchdog.DataDir,
		HeartbeatTimeout:   c.Watchdog.HeartbeatTimeout.Duration,
		ElectionTimeout:    c.Watchdog.ElectionTimeout.Duration,
		CommitTimeout:      c.Watchdog.CommitTimeout.Duration,
		LeaderLeaseTimeout: c.Watchdog.LeaderLeaseTimeout.Duration,
	}
}

// LoadHBATable reads HBAFile and resolves any "samehost"/"samenet" address
// entries into a single-address AddrCIDR for the first of listenIPs, since
// pkg/auth's matcher treats an unresolved samehost/samenet as a non-match by
// design (fail closed). Other local interface addresses are not consulted,
// and "samenet" is not widened to an interface netmask: it matches only that
// one address, exactly like "samehost". With no listenIPs the entries stay
// unresolved.
func (c *Config) LoadHBATable(listenIPs []net.IP) (*auth.HBATable, error) {
	table, err := auth.LoadHBAFile(c.HBAFile)
	if err != nil {
		return nil, err
	}
	for i := range table.Rules {
		rule := &table.Rules[i]
		switch rule.Addr.Kind {
		case types.AddrSameHost, types.AddrSameNet:
			resolved, ok := resolveSameHost(listenIPs)
			if ok {
				rule.Addr = resolved
			}
		}
	}
	return table, nil
}

func resolveSameHost(listenIPs []net.IP) (types.AddrMatch, bool) {
	if len(listenIPs) == 0 {
		return types.AddrMatch{}, false
	}
	ip := listenIPs[0]
	if v4 := ip.To4(); v4 != nil {
		return types.AddrMatch{Kind: types.AddrCIDR, Net: v4, Mask: net.CIDRMask(32, 32)}, true
	}
	return types.AddrMatch{Kind: types.AddrCIDR, Net: ip, Mask: net.CIDRMask(128, 128)}, true
}

// LoadPasswordStore reads PasswordFile, deriving its AES key from
// PoolKeyFile if set.
func (c *Config) LoadPasswordStore() (*auth.PasswordStore, error) {
	return auth.LoadPasswordStore(c.PasswordFile, c.PoolKeyFile)
}

// LoadPCPUsers reads PCPUserFile.
func (c *Config) LoadPCPUsers() (*pcp.UserFile, error) {
	if c.PCPUserFile == "" {
		return nil, fmt.Errorf("%w: pcp_user_file is required to start the PCP server", poolerr.ErrConfig)
	}
	return pcp.LoadUserFile(c.PCPUserFile)
}
