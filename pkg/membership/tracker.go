// Package membership tracks which cluster nodes are reachable.
//
// Status is two-valued. A node is Running after a successful probe and
// becomes Unknown after MissThreshold consecutive failed probes; there is
// no dead state, the next successful probe brings it back. Status is kept
// in memory only and rebuilt by probing after a restart.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/unijord/pipecdc/pkg/extraction"
	"github.com/unijord/pipecdc/pkg/metrics"
	"github.com/unijord/pipecdc/pkg/pipeerr"
)

// Role of a node.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
)

// Status of a node as seen by the local tracker.
type Status string

const (
	StatusRunning Status = "Running"
	StatusUnknown Status = "Unknown"
)

// NodeStatus is one row of the cluster status listing.
type NodeStatus struct {
	NodeID       string    `json:"node_id"`
	Role         Role      `json:"role"`
	Status       Status    `json:"status"`
	Endpoint     string    `json:"endpoint"`
	LastSeen     time.Time `json:"last_seen,omitzero"`
	MissedProbes int       `json:"missed_probes"`
	Seed         bool      `json:"seed"`
}

// Config configures a Tracker.
type Config struct {
	// Self is the local node id. It is always Running and never probed.
	Self          string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	MissThreshold int
	Prober        Prober
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 500 * time.Millisecond
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = 3
	}
	if c.Prober == nil {
		c.Prober = NewHTTPProber(nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type node struct {
	NodeStatus
	// bumps on every endpoint change so stale probe results are dropped
	epoch uint64
}

// Tracker probes registered nodes and answers liveness and quorum queries.
type Tracker struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	nodes  map[string]*node
	subs   map[int]func(NodeStatus)
	nextID int

	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewTracker creates a tracker. Call Start to begin probing.
func NewTracker(cfg Config) *Tracker {
	cfg.setDefaults()
	return &Tracker{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "membership"),
		nodes:  make(map[string]*node),
		subs:   make(map[int]func(NodeStatus)),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Register adds a node, or updates the role, endpoint and seed flag of a
// known node id. A registered node is Unknown until its first probe; the
// local node is Running immediately.
func (t *Tracker) Register(nodeID string, role Role, endpoint string, seed bool) {
	t.mu.Lock()
	n, known := t.nodes[nodeID]
	if !known {
		n = &node{NodeStatus: NodeStatus{NodeID: nodeID, Status: StatusUnknown}}
		t.nodes[nodeID] = n
	}
	n.Role = role
	n.Seed = seed
	if n.Endpoint != endpoint {
		n.Endpoint = endpoint
		n.epoch++
		if known && nodeID != t.cfg.Self {
			n.Status = StatusUnknown
			n.MissedProbes = 0
		}
	}
	if nodeID == t.cfg.Self {
		n.Status = StatusRunning
		n.LastSeen = t.now()
	}
	status := n.NodeStatus
	t.mu.Unlock()

	t.logger.Info("node registered", "node", nodeID, "role", role, "endpoint", endpoint, "seed", seed, "known", known)
	t.publish([]NodeStatus{status})
}

// Reattach replaces the endpoint of a known node that came back on a new
// address. The node keeps its identity and is reset to Unknown until the
// next probe.
func (t *Tracker) Reattach(nodeID, endpoint string) error {
	t.mu.RLock()
	n, ok := t.nodes[nodeID]
	var role Role
	var seed bool
	if ok {
		role, seed = n.Role, n.Seed
	}
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("node %q: unknown", nodeID)
	}
	t.Register(nodeID, role, endpoint, seed)
	return nil
}

// Remove forgets a node.
func (t *Tracker) Remove(nodeID string) {
	t.mu.Lock()
	n, ok := t.nodes[nodeID]
	delete(t.nodes, nodeID)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.cfg.Metrics.ForgetNode(nodeID, string(n.Role))
	t.logger.Info("node removed", "node", nodeID)
	t.updateQuorumGauge()
}

// Subscribe registers fn for status changes and returns a function that
// unregisters it. fn runs on the probing goroutine and must not block.
func (t *Tracker) Subscribe(fn func(NodeStatus)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) publish(changed []NodeStatus) {
	if len(changed) == 0 {
		return
	}
	t.mu.RLock()
	subs := make([]func(NodeStatus), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.RUnlock()

	for _, s := range changed {
		t.cfg.Metrics.NodeStatus(s.NodeID, string(s.Role), s.Status == StatusRunning)
		for _, fn := range subs {
			fn(s)
		}
	}
	t.updateQuorumGauge()
}

func (t *Tracker) updateQuorumGauge() {
	t.cfg.Metrics.Quorum(t.HasCoordinatorQuorum())
}

// Start begins periodic probing. The first round runs immediately.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run()
	t.logger.Info("membership tracker started",
		"probe_interval", t.cfg.ProbeInterval,
		"probe_timeout", t.cfg.ProbeTimeout,
		"miss_threshold", t.cfg.MissThreshold)
}

// Stop stops probing and waits for the in-flight round.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.wg.Wait()
}

func (t *Tracker) run() {
	defer t.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(t.cfg.ProbeInterval)
	defer ticker.Stop()

	t.ProbeRound(ctx)
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.ProbeRound(ctx)
		}
	}
}

type probeTarget struct {
	id       string
	endpoint string
	epoch    uint64
}

type probeResult struct {
	probeTarget
	err error
}

// ProbeRound probes every remote node once, in parallel, and applies the
// results.
func (t *Tracker) ProbeRound(ctx context.Context) {
	t.mu.RLock()
	targets := make([]probeTarget, 0, len(t.nodes))
	for id, n := range t.nodes {
		if id == t.cfg.Self {
			continue
		}
		targets = append(targets, probeTarget{id: id, endpoint: n.Endpoint, epoch: n.epoch})
	}
	t.mu.RUnlock()

	results := make([]probeResult, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			results[i] = probeResult{probeTarget: target, err: t.probe(ctx, target.endpoint)}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		// shutting down; a cancelled probe says nothing about the node
		return
	}
	t.apply(results)
}

func (t *Tracker) probe(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := t.cfg.Prober.Probe(ctx, endpoint)
	t.cfg.Metrics.ProbeObserved(time.Since(start).Seconds())
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", endpoint, pipeerr.ErrProbeTimeout)
	}
	return err
}

func (t *Tracker) apply(results []probeResult) {
	var changed []NodeStatus
	now := t.now()

	t.mu.Lock()
	for _, r := range results {
		n, ok := t.nodes[r.id]
		if !ok || n.epoch != r.epoch {
			continue
		}
		before := n.Status
		if r.err == nil {
			n.MissedProbes = 0
			n.LastSeen = now
			n.Status = StatusRunning
		} else {
			n.MissedProbes++
			if n.MissedProbes >= t.cfg.MissThreshold {
				n.Status = StatusUnknown
			}
			t.logger.Debug("probe failed", "node", r.id, "endpoint", r.endpoint, "missed", n.MissedProbes, "error", r.err)
		}
		if n.Status != before {
			changed = append(changed, n.NodeStatus)
			t.logger.Info("node status changed", "node", r.id, "from", before, "to", n.Status)
		}
	}
	t.mu.Unlock()

	t.publish(changed)
}

// HasCoordinatorQuorum reports whether a strict majority of the registered
// coordinator nodes is Running. The seed flag carries no weight.
func (t *Tracker) HasCoordinatorQuorum() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total, running int
	for _, n := range t.nodes {
		if n.Role != RoleCoordinator {
			continue
		}
		total++
		if n.Status == StatusRunning {
			running++
		}
	}
	return total > 0 && running*2 > total
}

// Snapshot returns every node, coordinators first, then by node id.
func (t *Tracker) Snapshot() []NodeStatus {
	t.mu.RLock()
	out := make([]NodeStatus, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n.NodeStatus)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].Role == RoleCoordinator, out[j].Role == RoleCoordinator
		if ci != cj {
			return ci
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Running returns the ids of Running nodes with role, sorted.
func (t *Tracker) Running(role Role) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, n := range t.nodes {
		if n.Role == role && n.Status == StatusRunning {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// IsRunning reports whether nodeID is known and Running.
func (t *Tracker) IsRunning(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[nodeID]
	return ok && n.Status == StatusRunning
}

// ActiveProducer picks the node that produces events for region: the
// Running replica with the highest rendezvous score. The choice only moves
// when a replica changes status.
func (t *Tracker) ActiveProducer(region extraction.Region) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		best      string
		bestScore uint64
		found     bool
	)
	for _, replica := range region.Replicas {
		n, ok := t.nodes[replica]
		if !ok || n.Status != StatusRunning {
			continue
		}
		score := rendezvousScore(region.ID, replica)
		if !found || score > bestScore || (score == bestScore && replica < best) {
			best, bestScore, found = replica, score, true
		}
	}
	return best, found
}

func rendezvousScore(region, nodeID string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(region)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(nodeID)
	return d.Sum64()
}

var _ extraction.ProducerSelector = (*Tracker)(nil)
