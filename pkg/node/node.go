// Package node assembles one process of the cluster: raft and the pipe
// table, membership, the coordinator, the extraction agent and the admin
// server.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"

	"github.com/unijord/pipecdc/pkg/admin"
	"github.com/unijord/pipecdc/pkg/agent"
	"github.com/unijord/pipecdc/pkg/config"
	"github.com/unijord/pipecdc/pkg/connector"
	"github.com/unijord/pipecdc/pkg/coordinator"
	"github.com/unijord/pipecdc/pkg/coordinator/fsm"
	"github.com/unijord/pipecdc/pkg/extraction"
	"github.com/unijord/pipecdc/pkg/membership"
	"github.com/unijord/pipecdc/pkg/metrics"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
	"github.com/unijord/pipecdc/pkg/pipeerr"
	"github.com/unijord/pipecdc/pkg/raftbolt"
	"github.com/unijord/pipecdc/pkg/source/memsource"
)

const (
	raftDBFile    = "raft.db"
	pipesDBFile   = "pipes.db"
	retainSnaps   = 2
	maxPool       = 3
	raftIOTimeout = 10 * time.Second
)

// Options carry what configuration files cannot express.
type Options struct {
	Logger     *slog.Logger
	RaftLogger hclog.Logger
	// Connectors adds to the built-in connectors.
	Connectors *connector.Registry
	// Source replaces the in-memory source built from the source section.
	Source extraction.Source
	// RaftTuning adjusts the raft configuration before start.
	RaftTuning func(*raft.Config)
	// LogOutput receives both loggers when they are built here.
	LogOutput io.Writer
}

// Node is a running process.
type Node struct {
	cfg    config.Config
	logger *slog.Logger

	metrics   *metrics.Metrics
	store     *raftbolt.Store
	fsm       *fsm.FSM
	transport *raft.NetworkTransport
	raft      *raft.Raft
	tracker   *membership.Tracker
	coord     *coordinator.Coordinator
	agent     *agent.Agent
	admin     *admin.Server
	source    extraction.Source

	stopAnnounce context.CancelFunc
	wg           sync.WaitGroup
}

// New opens the local stores and builds every component. Nothing listens
// until Start.
func New(cfg config.Config, opts Options) (n *Node, err error) {
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	if opts.Logger == nil {
		if opts.Logger, err = NewLogger(cfg.Log, opts.LogOutput); err != nil {
			return nil, err
		}
	}
	if opts.RaftLogger == nil {
		opts.RaftLogger = NewRaftLogger(cfg.Log, opts.LogOutput)
	}
	if opts.Connectors == nil {
		opts.Connectors = connector.NewRegistry()
	}
	loc, err := cfg.Extractor.Location()
	if err != nil {
		return nil, err
	}

	n = &Node{
		cfg:     cfg,
		logger:  opts.Logger.With("component", "node", "node", cfg.Node.ID),
		metrics: metrics.New(),
	}
	defer func() {
		if err != nil {
			n.closeStores()
		}
	}()

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if n.store, err = raftbolt.Open(filepath.Join(cfg.Node.DataDir, raftDBFile), raftbolt.WithLogger(opts.Logger)); err != nil {
		return nil, fmt.Errorf("open raft log: %w", err)
	}
	if n.fsm, err = fsm.New(fsm.Config{DBPath: filepath.Join(cfg.Node.DataDir, pipesDBFile), Logger: opts.Logger}); err != nil {
		return nil, fmt.Errorf("open pipe table: %w", err)
	}
	snaps, err := raft.NewFileSnapshotStoreWithLogger(cfg.Node.DataDir, retainSnaps, opts.RaftLogger)
	if err != nil {
		return nil, fmt.Errorf("open snapshots: %w", err)
	}

	n.transport, err = raft.NewTCPTransportWithLogger(cfg.Node.RaftAddr, nil, maxPool, raftIOTimeout, opts.RaftLogger)
	if err != nil {
		return nil, fmt.Errorf("raft transport: %w", err)
	}

	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(cfg.Node.ID)
	rc.Logger = opts.RaftLogger
	if opts.RaftTuning != nil {
		opts.RaftTuning(rc)
	}
	if n.raft, err = raft.NewRaft(rc, n.fsm, n.store, n.store, snaps, n.transport); err != nil {
		return nil, fmt.Errorf("start raft: %w", err)
	}
	if err := n.bootstrap(snaps); err != nil {
		return nil, err
	}

	n.tracker = membership.NewTracker(membership.Config{
		Self:          cfg.Node.ID,
		ProbeInterval: cfg.Membership.ProbeInterval,
		ProbeTimeout:  cfg.Membership.ProbeTimeout,
		MissThreshold: cfg.Membership.MissThreshold,
		Prober:        membership.NewHTTPProber(resty.New()),
		Logger:        opts.Logger,
		Metrics:       n.metrics,
	})
	for _, p := range cfg.PeerList() {
		n.tracker.Register(p.ID, membership.Role(p.Role), p.AdminAddr, p.Seed)
	}

	n.coord, err = coordinator.New(coordinator.Config{
		Raft: n.raft,
		FSM:  n.fsm,
		Validator: pipeconfig.NewValidator(
			pipeconfig.WithConnectorCatalog(opts.Connectors),
			pipeconfig.WithDefaultLocation(loc),
		),
		Membership:      n.tracker,
		ApplyTimeout:    cfg.Coordinator.ApplyTimeout,
		RetryMaxElapsed: cfg.Coordinator.RetryMaxElapsed,
		Logger:          opts.Logger,
		Metrics:         n.metrics,
	})
	if err != nil {
		return nil, err
	}

	n.source = opts.Source
	var writer admin.Writer
	if n.source == nil {
		mem := memsource.New(sourceRegions(cfg), memsource.WithBuffer(cfg.Source.Buffer))
		n.source, writer = mem, mem
	}

	n.agent, err = agent.New(agent.Config{
		NodeID:     cfg.Node.ID,
		Pipes:      n.fsm,
		Membership: n.tracker,
		Source:     n.source,
		Connectors: opts.Connectors,
		Reporter: &admin.ForwardingReporter{
			Local:   n.coord,
			Resolve: n.adminAddr,
			Timeout: cfg.Coordinator.ApplyTimeout,
		},
		ResyncInterval: cfg.Extraction.ResyncInterval,
		BatchSize:      cfg.Extraction.BatchSize,
		Logger:         opts.Logger,
		Metrics:        n.metrics,
	})
	if err != nil {
		return nil, err
	}

	n.admin = admin.New(admin.Config{
		Addr:           cfg.Node.AdminAddr,
		Pipes:          n.coord,
		Cluster:        n.tracker,
		Nodes:          n,
		Writer:         writer,
		RequestTimeout: cfg.Coordinator.RetryMaxElapsed + cfg.Coordinator.ApplyTimeout,
		Logger:         opts.Logger,
		Metrics:        n.metrics,
	})
	return n, nil
}

// bootstrap forms the cluster on the seed coordinator when no raft state
// exists. Coordinators vote; workers replicate the pipe table as non-voters.
func (n *Node) bootstrap(snaps raft.SnapshotStore) error {
	if !n.cfg.Cluster.Bootstrap || !n.isBootstrapper() {
		return nil
	}
	existing, err := raft.HasExistingState(n.store, n.store, snaps)
	if err != nil {
		return fmt.Errorf("inspect raft state: %w", err)
	}
	if existing {
		return nil
	}

	var servers []raft.Server
	for _, p := range n.cfg.PeerList() {
		addr := raft.ServerAddress(p.RaftAddr)
		if p.ID == n.cfg.Node.ID {
			addr = n.transport.LocalAddr()
		}
		suffrage := raft.Nonvoter
		if p.Role == config.RoleCoordinator {
			suffrage = raft.Voter
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: addr, Suffrage: suffrage})
	}
	n.logger.Info("bootstrapping cluster", "servers", len(servers))
	err = n.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
	if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return nil
}

// isBootstrapper picks the seed coordinator, or the first coordinator when
// no seed is marked.
func (n *Node) isBootstrapper() bool {
	var first string
	for _, p := range n.cfg.PeerList() {
		if p.Role != config.RoleCoordinator {
			continue
		}
		if p.Seed {
			return p.ID == n.cfg.Node.ID
		}
		if first == "" {
			first = p.ID
		}
	}
	return first == n.cfg.Node.ID
}

func (n *Node) adminAddr(nodeID string) (string, bool) {
	for _, s := range n.tracker.Snapshot() {
		if s.NodeID == nodeID {
			return s.Endpoint, s.Endpoint != ""
		}
	}
	return "", false
}

// self is the announcement of this node at its bound addresses.
func (n *Node) self() admin.Announcement {
	return admin.Announcement{
		ID:        n.cfg.Node.ID,
		Role:      membership.Role(n.cfg.Node.Role),
		AdminAddr: n.admin.Addr(),
		RaftAddr:  string(n.transport.LocalAddr()),
	}
}

// announce records this node locally and sends its addresses to every
// peer, retrying each until it answers or ctx ends. Peers that kept an old
// endpoint from an earlier run pick up the new one this way.
func (n *Node) announce(ctx context.Context) {
	self := n.self()
	if err := n.Announce(ctx, self); err != nil {
		n.logger.Warn("local announce failed", "error", err)
	}
	for _, p := range n.cfg.PeerList() {
		if p.ID == self.ID || p.AdminAddr == "" {
			continue
		}
		n.wg.Add(1)
		go func(p config.Peer) {
			defer n.wg.Done()
			client := admin.NewClient(p.AdminAddr, n.cfg.Coordinator.ApplyTimeout)
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			_, err := backoff.Retry(ctx, func() (struct{}, error) {
				err := client.Announce(ctx, self)
				if errors.Is(err, pipeerr.ErrConfiguration) {
					return struct{}{}, backoff.Permanent(err)
				}
				return struct{}{}, err
			}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
			if err != nil && ctx.Err() == nil {
				n.logger.Warn("announce failed", "peer", p.ID, "error", err)
				return
			}
			if err == nil {
				n.logger.Debug("announced", "peer", p.ID)
			}
		}(p)
	}
}

// Announce registers a node at the addresses it reported. On the leader a
// changed raft address is written to the raft configuration, so the node
// keeps its identity and suffrage on its new address.
func (n *Node) Announce(_ context.Context, a admin.Announcement) error {
	if err := n.tracker.Reattach(a.ID, a.AdminAddr); err != nil {
		n.tracker.Register(a.ID, a.Role, a.AdminAddr, false)
	}
	if a.RaftAddr == "" || n.raft.State() != raft.Leader {
		return nil
	}
	return n.moveRaftServer(a.ID, a.Role, raft.ServerAddress(a.RaftAddr))
}

func (n *Node) moveRaftServer(id string, role membership.Role, addr raft.ServerAddress) error {
	f := n.raft.GetConfiguration()
	if err := f.Error(); err != nil {
		return fmt.Errorf("read raft configuration: %w", err)
	}
	for _, s := range f.Configuration().Servers {
		if string(s.ID) == id && s.Address == addr {
			return nil
		}
	}
	var fut raft.IndexFuture
	if role == membership.RoleCoordinator {
		fut = n.raft.AddVoter(raft.ServerID(id), addr, 0, n.cfg.Coordinator.ApplyTimeout)
	} else {
		fut = n.raft.AddNonvoter(raft.ServerID(id), addr, 0, n.cfg.Coordinator.ApplyTimeout)
	}
	if err := fut.Error(); err != nil {
		return fmt.Errorf("move raft server %s: %w", id, err)
	}
	n.logger.Info("raft server moved", "node", id, "raft_addr", addr)
	return nil
}

func sourceRegions(cfg config.Config) []extraction.Region {
	if len(cfg.Source.Regions) == 0 {
		return []extraction.Region{{ID: "r0", Replicas: []string{cfg.Node.ID}}}
	}
	out := make([]extraction.Region, len(cfg.Source.Regions))
	for i, r := range cfg.Source.Regions {
		out[i] = extraction.Region{ID: r.ID, Replicas: r.Replicas}
	}
	return out
}

// Start begins serving. The agent first reconciles from the persisted pipe
// table, so engines of RUNNING pipes resume before new commits arrive.
func (n *Node) Start(ctx context.Context) error {
	if err := n.admin.Start(); err != nil {
		return fmt.Errorf("admin server: %w", err)
	}
	n.tracker.Start()
	n.agent.Start(ctx)

	actx, cancel := context.WithCancel(context.Background())
	n.stopAnnounce = cancel
	n.announce(actx)

	n.logger.Info("node started",
		"role", n.cfg.Node.Role,
		"admin_addr", n.admin.Addr(),
		"raft_addr", string(n.transport.LocalAddr()))
	return nil
}

// Run starts the node and blocks until ctx is done, then shuts down.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		_ = n.Shutdown(context.Background())
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return n.Shutdown(shutdownCtx)
}

// Shutdown stops every component in reverse dependency order.
func (n *Node) Shutdown(ctx context.Context) error {
	var errs []error
	if n.stopAnnounce != nil {
		n.stopAnnounce()
	}
	n.wg.Wait()
	if err := n.admin.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admin: %w", err))
	}
	n.agent.Stop()
	n.tracker.Stop()
	if err := n.raft.Shutdown().Error(); err != nil {
		errs = append(errs, fmt.Errorf("raft: %w", err))
	}
	if err := n.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if c, ok := n.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("source: %w", err))
		}
	}
	if err := n.closeStores(); err != nil {
		errs = append(errs, err)
	}
	n.logger.Info("node stopped")
	return errors.Join(errs...)
}

func (n *Node) closeStores() error {
	var errs []error
	if n.fsm != nil {
		errs = append(errs, n.fsm.Close())
	}
	if n.store != nil {
		errs = append(errs, n.store.Close())
	}
	return errors.Join(errs...)
}

// Coordinator exposes the local coordinator.
func (n *Node) Coordinator() *coordinator.Coordinator { return n.coord }

// Membership exposes the local tracker.
func (n *Node) Membership() *membership.Tracker { return n.tracker }

// Source exposes the extraction source.
func (n *Node) Source() extraction.Source { return n.source }

// AdminAddr is the bound admin address.
func (n *Node) AdminAddr() string { return n.admin.Addr() }

var _ admin.Nodes = (*Node)(nil)

// IsLeader reports whether this node leads raft.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }
