package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "node.yaml", `
node:
  id: cn-1
  role: coordinator
  data_dir: /var/lib/pipecdc
  admin_addr: 10.0.0.1:8080
  raft_addr: 10.0.0.1:7000
cluster:
  peers:
    - {id: cn-1, role: coordinator, raft_addr: "10.0.0.1:7000", admin_addr: "10.0.0.1:8080", seed: true}
    - {id: cn-2, role: coordinator, raft_addr: "10.0.0.2:7000", admin_addr: "10.0.0.2:8080"}
    - {id: dn-1, role: worker, raft_addr: "10.0.1.1:7000", admin_addr: "10.0.1.1:8080"}
membership:
  probe_interval: 2s
  probe_timeout: 250ms
coordinator:
  apply_timeout: 3s
source:
  regions:
    - {id: r1, replicas: [dn-1]}
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cn-1", cfg.Node.ID)
	assert.True(t, cfg.Node.IsCoordinator())
	require.Len(t, cfg.Cluster.Peers, 3)
	assert.True(t, cfg.Cluster.Peers[0].Seed)
	assert.Equal(t, "worker", cfg.Cluster.Peers[2].Role)
	assert.Equal(t, 2*time.Second, cfg.Membership.ProbeInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Membership.ProbeTimeout)
	assert.Equal(t, 3, cfg.Membership.MissThreshold, "default")
	assert.Equal(t, 3*time.Second, cfg.Coordinator.ApplyTimeout)
	assert.Equal(t, 256, cfg.Extraction.BatchSize)
	assert.Equal(t, []string{"dn-1"}, cfg.Source.Regions[0].Replicas)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PIPECDC_NODE_ID", "dn-7")
	t.Setenv("PIPECDC_NODE_ROLE", "worker")
	t.Setenv("PIPECDC_EXTRACTION_BATCH_SIZE", "32")

	path := writeFile(t, "node.toml", `
[node]
id = "ignored"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dn-7", cfg.Node.ID)
	assert.False(t, cfg.Node.IsCoordinator())
	assert.Equal(t, 32, cfg.Extraction.BatchSize)
}

func TestLoadDefaultsOnly(t *testing.T) {
	t.Setenv("PIPECDC_NODE_ID", "solo")
	cfg, err := Load("")
	require.NoError(t, err)

	peers := cfg.PeerList()
	require.Len(t, peers, 1)
	assert.Equal(t, "solo", peers[0].ID)
	assert.True(t, peers[0].Seed)
	assert.True(t, cfg.Cluster.Bootstrap)

	loc, err := cfg.Extractor.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func valid() Config {
	return Config{
		Node: NodeConfig{ID: "cn-1", Role: RoleCoordinator, DataDir: "d", AdminAddr: "127.0.0.1:8080", RaftAddr: "127.0.0.1:7000"},
		Membership: MembershipConfig{
			ProbeInterval: time.Second, ProbeTimeout: 100 * time.Millisecond, MissThreshold: 1,
		},
		Coordinator: CoordinatorConfig{ApplyTimeout: time.Second},
		Extraction:  ExtractionConfig{BatchSize: 1},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing_id", func(c *Config) { c.Node.ID = "" }, "node.id"},
		{"bad_role", func(c *Config) { c.Node.Role = "observer" }, "node.role"},
		{"bad_addr", func(c *Config) { c.Node.RaftAddr = "nope" }, "node.raft_addr"},
		{"timeout_over_interval", func(c *Config) { c.Membership.ProbeTimeout = 2 * time.Second }, "probe_timeout"},
		{"bad_timezone", func(c *Config) { c.Extractor.DefaultTimezone = "Mars/Olympus" }, "default_timezone"},
		{"bad_level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad_format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"self_not_in_peers", func(c *Config) {
			c.Cluster.Peers = []Peer{{ID: "cn-2", Role: RoleCoordinator, RaftAddr: "a:1", AdminAddr: "a:2"}}
		}, "does not list node"},
		{"no_coordinator_peer", func(c *Config) {
			c.Cluster.Peers = []Peer{{ID: "cn-1", Role: RoleWorker, RaftAddr: "a:1", AdminAddr: "a:2"}}
		}, "no coordinator"},
		{"duplicate_peer", func(c *Config) {
			p := Peer{ID: "cn-1", Role: RoleCoordinator, RaftAddr: "a:1", AdminAddr: "a:2"}
			c.Cluster.Peers = []Peer{p, p}
		}, "duplicate id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
