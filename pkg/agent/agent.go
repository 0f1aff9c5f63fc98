// Package agent runs the extraction engines of the local node.
//
// The agent keeps one engine per RUNNING pipe for which this node is the
// active producer of at least one region. It reconciles on every committed
// pipe change, on every membership change and on a timer, and once at
// startup from the persisted pipe table.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/unijord/pipecdc/pkg/connector"
	"github.com/unijord/pipecdc/pkg/coordinator/fsm"
	"github.com/unijord/pipecdc/pkg/extraction"
	"github.com/unijord/pipecdc/pkg/membership"
	"github.com/unijord/pipecdc/pkg/metrics"
)

// PipeTable is the local replica of the pipe table.
type PipeTable interface {
	Get(name string) (*fsm.PipeRecord, error)
	List() ([]*fsm.PipeRecord, error)
	RegisterCallback(cb fsm.Callback)
}

// Membership picks region producers and announces status changes.
type Membership interface {
	extraction.ProducerSelector
	Subscribe(fn func(membership.NodeStatus)) func()
}

// Config configures an Agent.
type Config struct {
	NodeID     string
	Pipes      PipeTable
	Membership Membership
	Source     extraction.Source
	Connectors *connector.Registry
	Reporter   extraction.ProgressReporter

	ResyncInterval  time.Duration
	BatchSize       int
	RetryMaxElapsed time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type task struct {
	engine     *extraction.Engine
	conn       connector.Connector
	generation uint64
	// regions this node produced when the engine started
	regions map[string]struct{}
}

// Agent owns the local engines.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task

	kick        chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	unsubscribe func()
}

// New creates an agent. Call Start to begin reconciling.
func New(cfg Config) (*Agent, error) {
	if cfg.Pipes == nil || cfg.Source == nil {
		return nil, errors.New("agent: pipe table and source are required")
	}
	if cfg.Connectors == nil {
		cfg.Connectors = connector.NewRegistry()
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Agent{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "agent", "node", cfg.NodeID),
		tasks:  make(map[string]*task),
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}, nil
}

// Start registers the change listeners, reconciles once and then keeps
// reconciling in the background until Stop.
func (a *Agent) Start(ctx context.Context) {
	// callbacks run on the raft apply goroutine; only signal here
	a.cfg.Pipes.RegisterCallback(func(fsm.Event) { a.trigger() })
	if a.cfg.Membership != nil {
		a.unsubscribe = a.cfg.Membership.Subscribe(func(membership.NodeStatus) { a.trigger() })
	}

	ctx, cancel := context.WithCancel(ctx)
	a.Reconcile(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()

		ticker := time.NewTicker(a.cfg.ResyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopCh:
				return
			case <-a.kick:
			case <-ticker.C:
			}
			a.Reconcile(ctx)
		}
	}()
}

func (a *Agent) trigger() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Stop stops reconciling and every engine.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	a.wg.Wait()
	if a.unsubscribe != nil {
		a.unsubscribe()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for name, t := range a.tasks {
		a.stopTask(name, t, "agent stopping")
	}
	a.cfg.Metrics.EnginesRunning(0)
}

// Running returns the names of pipes with a local engine.
func (a *Agent) Running() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.tasks))
	for name := range a.tasks {
		names = append(names, name)
	}
	return names
}

// Reconcile brings the local engines in line with the pipe table.
func (a *Agent) Reconcile(ctx context.Context) {
	records, err := a.cfg.Pipes.List()
	if err != nil {
		a.logger.Error("read pipe table", "error", err)
		return
	}
	produced, err := a.producedRegions(ctx)
	if err != nil {
		a.logger.Warn("list regions, keeping current engines", "error", err)
		return
	}

	desired := make(map[string]*fsm.PipeRecord)
	for _, r := range records {
		if r.State == fsm.StateRunning && r.Config != nil {
			desired[r.Name] = r
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for name, t := range a.tasks {
		r, ok := desired[name]
		switch {
		case !ok:
			a.stopTask(name, t, "pipe not running")
		case r.Generation != t.generation:
			a.stopTask(name, t, "pipe recreated")
		case len(produced) == 0:
			a.stopTask(name, t, "no produced regions")
		case r.Config.HistoryEnabled && gained(t.regions, produced, r):
			a.stopTask(name, t, "produced regions changed")
		}
	}

	if len(produced) > 0 {
		for name, r := range desired {
			if _, ok := a.tasks[name]; ok {
				continue
			}
			if err := a.startTask(ctx, r, produced); err != nil {
				a.logger.Error("start engine", "pipe", name, "error", err)
			}
		}
	}
	a.cfg.Metrics.EnginesRunning(len(a.tasks))
}

func (a *Agent) producedRegions(ctx context.Context) (map[string]struct{}, error) {
	regions, err := a.cfg.Source.Regions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for _, r := range regions {
		if a.cfg.Membership == nil {
			out[r.ID] = struct{}{}
			continue
		}
		if node, ok := a.cfg.Membership.ActiveProducer(r); ok && node == a.cfg.NodeID {
			out[r.ID] = struct{}{}
		}
	}
	return out, nil
}

// gained reports a produced region the running engine never scanned.
func gained(had, now map[string]struct{}, r *fsm.PipeRecord) bool {
	for id := range now {
		if _, ok := had[id]; !ok && !r.RegionDone(id) {
			return true
		}
	}
	return false
}

func (a *Agent) startTask(ctx context.Context, r *fsm.PipeRecord, produced map[string]struct{}) error {
	proc, err := extraction.NewProcessor(r.Config.Processor)
	if err != nil {
		return err
	}
	conn, err := a.cfg.Connectors.Open(r.Config, a.cfg.Logger)
	if err != nil {
		return err
	}

	name, generation := r.Name, r.Generation
	engine, err := extraction.NewEngine(extraction.EngineConfig{
		Pipe:      r.Config,
		NodeID:    a.cfg.NodeID,
		Source:    a.cfg.Source,
		Connector: conn,
		Processor: proc,
		Producers: a.cfg.Membership,
		Reporter:  a.cfg.Reporter,
		HistoryDone: func(region string) bool {
			cur, err := a.cfg.Pipes.Get(name)
			return err == nil && cur != nil && cur.Generation == generation && cur.RegionDone(region)
		},
		BatchSize:       a.cfg.BatchSize,
		RetryMaxElapsed: a.cfg.RetryMaxElapsed,
		InitialBackoff:  a.cfg.InitialBackoff,
		MaxBackoff:      a.cfg.MaxBackoff,
		Logger:          a.cfg.Logger,
		Metrics:         a.cfg.Metrics,
	})
	if err != nil {
		conn.Close()
		return err
	}
	if err := engine.Start(ctx); err != nil {
		conn.Close()
		return err
	}

	regions := make(map[string]struct{}, len(produced))
	for id := range produced {
		regions[id] = struct{}{}
	}
	a.tasks[name] = &task{engine: engine, conn: conn, generation: generation, regions: regions}
	a.logger.Info("engine started", "pipe", name, "generation", generation, "regions", len(regions))
	return nil
}

func (a *Agent) stopTask(name string, t *task, reason string) {
	t.engine.Stop()
	if err := t.conn.Close(); err != nil {
		a.logger.Warn("close connector", "pipe", name, "error", err)
	}
	delete(a.tasks, name)
	a.logger.Info("engine stopped", "pipe", name, "reason", reason)
}
