// Package config loads node configuration from a file and PIPECDC_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Roles a node can take.
const (
	RoleCoordinator = "coordinator"
	RoleWorker      = "worker"
)

// Config is the full node configuration.
type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Membership  MembershipConfig  `mapstructure:"membership"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Extraction  ExtractionConfig  `mapstructure:"extraction"`
	Extractor   ExtractorConfig   `mapstructure:"extractor"`
	Source      SourceConfig      `mapstructure:"source"`
	Log         LogConfig         `mapstructure:"log"`
}

type NodeConfig struct {
	ID        string `mapstructure:"id"`
	Role      string `mapstructure:"role"`
	DataDir   string `mapstructure:"data_dir"`
	AdminAddr string `mapstructure:"admin_addr"`
	RaftAddr  string `mapstructure:"raft_addr"`
}

// Peer is a statically known cluster member.
type Peer struct {
	ID        string `mapstructure:"id"`
	Role      string `mapstructure:"role"`
	RaftAddr  string `mapstructure:"raft_addr"`
	AdminAddr string `mapstructure:"admin_addr"`
	Seed      bool   `mapstructure:"seed"`
}

type ClusterConfig struct {
	Peers []Peer `mapstructure:"peers"`
	// Bootstrap forms a new raft cluster from the coordinator peers when no
	// state exists yet. Safe to leave on: existing state wins.
	Bootstrap bool `mapstructure:"bootstrap"`
}

type MembershipConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	MissThreshold int           `mapstructure:"miss_threshold"`
}

type CoordinatorConfig struct {
	ApplyTimeout    time.Duration `mapstructure:"apply_timeout"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
}

type ExtractionConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
}

type ExtractorConfig struct {
	DefaultTimezone string `mapstructure:"default_timezone"`
}

// SourceRegion places one region of the in-memory source.
type SourceRegion struct {
	ID       string   `mapstructure:"id"`
	Replicas []string `mapstructure:"replicas"`
}

type SourceConfig struct {
	Regions []SourceRegion `mapstructure:"regions"`
	Buffer  int            `mapstructure:"buffer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads path (any format viper knows) and applies environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("pipecdc")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("node.role", RoleCoordinator)
	v.SetDefault("node.data_dir", "data")
	v.SetDefault("node.admin_addr", "127.0.0.1:8080")
	v.SetDefault("node.raft_addr", "127.0.0.1:7000")
	v.SetDefault("cluster.bootstrap", true)
	v.SetDefault("membership.probe_interval", time.Second)
	v.SetDefault("membership.probe_timeout", 500*time.Millisecond)
	v.SetDefault("membership.miss_threshold", 3)
	v.SetDefault("coordinator.apply_timeout", 5*time.Second)
	v.SetDefault("coordinator.retry_max_elapsed", 10*time.Second)
	v.SetDefault("extraction.batch_size", 256)
	v.SetDefault("extraction.resync_interval", 10*time.Second)
	v.SetDefault("extractor.default_timezone", "UTC")
	v.SetDefault("source.buffer", 1024)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate checks the configuration is internally consistent.
func (c Config) Validate() error {
	var errs []error
	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if !validRole(c.Node.Role) {
		errs = append(errs, fmt.Errorf("node.role %q: expected %s or %s", c.Node.Role, RoleCoordinator, RoleWorker))
	}
	if c.Node.DataDir == "" {
		errs = append(errs, errors.New("node.data_dir is required"))
	}
	for key, addr := range map[string]string{"node.admin_addr": c.Node.AdminAddr, "node.raft_addr": c.Node.RaftAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", key, addr, err))
		}
	}

	seen := make(map[string]bool)
	coordinators := 0
	for i, p := range c.Cluster.Peers {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("cluster.peers[%d]: id is required", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("cluster.peers[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if !validRole(p.Role) {
			errs = append(errs, fmt.Errorf("cluster.peers[%d]: role %q", i, p.Role))
		}
		if p.RaftAddr == "" || p.AdminAddr == "" {
			errs = append(errs, fmt.Errorf("cluster.peers[%d]: raft_addr and admin_addr are required", i))
		}
		if p.Role == RoleCoordinator {
			coordinators++
		}
	}
	if len(c.Cluster.Peers) > 0 && !seen[c.Node.ID] {
		errs = append(errs, fmt.Errorf("cluster.peers does not list node %q", c.Node.ID))
	}
	if len(c.Cluster.Peers) > 0 && coordinators == 0 {
		errs = append(errs, errors.New("cluster.peers has no coordinator"))
	}

	if c.Membership.ProbeInterval <= 0 || c.Membership.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("membership probe interval and timeout must be positive"))
	}
	if c.Membership.ProbeTimeout > c.Membership.ProbeInterval {
		errs = append(errs, errors.New("membership.probe_timeout exceeds membership.probe_interval"))
	}
	if c.Membership.MissThreshold < 1 {
		errs = append(errs, errors.New("membership.miss_threshold must be at least 1"))
	}
	if c.Coordinator.ApplyTimeout <= 0 {
		errs = append(errs, errors.New("coordinator.apply_timeout must be positive"))
	}
	if c.Extraction.BatchSize < 1 {
		errs = append(errs, errors.New("extraction.batch_size must be at least 1"))
	}
	if _, err := c.Extractor.Location(); err != nil {
		errs = append(errs, fmt.Errorf("extractor.default_timezone: %w", err))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: expected text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func validRole(r string) bool { return r == RoleCoordinator || r == RoleWorker }

// IsCoordinator reports whether the local node votes in raft.
func (n NodeConfig) IsCoordinator() bool { return n.Role == RoleCoordinator }

// Location resolves the default timezone.
func (e ExtractorConfig) Location() (*time.Location, error) {
	if e.DefaultTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(e.DefaultTimezone)
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}

// PeerList returns the configured peers, or the local node alone when none are
// listed.
func (c Config) PeerList() []Peer {
	if len(c.Cluster.Peers) > 0 {
		return c.Cluster.Peers
	}
	return []Peer{{
		ID:        c.Node.ID,
		Role:      c.Node.Role,
		RaftAddr:  c.Node.RaftAddr,
		AdminAddr: c.Node.AdminAddr,
		Seed:      true,
	}}
}
