package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/unijord/pipecdc/pkg/metrics"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
	"github.com/unijord/pipecdc/pkg/pipeerr"
)

var (
	ErrAlreadyStarted = errors.New("extraction: engine already started")
	errStopped        = errors.New("extraction: engine stopped")
	errStreamClosed   = errors.New("extraction: realtime stream closed")
)

const (
	DefaultBatchSize      = 256
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// State is the phase an engine reports.
type State int32

const (
	StateIdle State = iota
	StateHistoricalScan
	StateRealtimeStreaming
)

func (s State) String() string {
	switch s {
	case StateHistoricalScan:
		return "HistoricalScan"
	case StateRealtimeStreaming:
		return "RealtimeStreaming"
	default:
		return "Idle"
	}
}

type EngineConfig struct {
	Pipe      *pipeconfig.PipeConfiguration
	NodeID    string
	Source    Source
	Connector Sink
	// Processor defaults to PassThrough.
	Processor Processor
	// Producers nil means this node produces every region.
	Producers ProducerSelector
	// Reporter nil means history progress is not recorded.
	Reporter ProgressReporter
	// HistoryDone reports regions whose history a previous engine already
	// delivered.
	HistoryDone func(region string) bool

	BatchSize int
	// RetryMaxElapsed bounds one region scan's retries. Zero retries until stopped.
	RetryMaxElapsed time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine is the runtime of one pipe on one node.
type Engine struct {
	cfg     EngineConfig
	proc    Processor
	logger  *slog.Logger
	metrics *metrics.Metrics

	historical atomic.Bool
	realtime   atomic.Bool
	started    atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	regionsMu sync.Mutex
	regions   map[string]Region
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Pipe == nil {
		return nil, errors.New("extraction: pipe configuration is required")
	}
	if cfg.Source == nil || cfg.Connector == nil {
		return nil, errors.New("extraction: source and connector are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	proc := cfg.Processor
	if proc == nil {
		proc = PassThrough
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		proc:    proc,
		logger:  logger.With("component", "extraction", "pipe", cfg.Pipe.Name),
		metrics: cfg.Metrics,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		regions: make(map[string]Region),
	}, nil
}

func (e *Engine) Pipe() string { return e.cfg.Pipe.Name }

func (e *Engine) State() State {
	switch {
	case e.historical.Load():
		return StateHistoricalScan
	case e.realtime.Load():
		return StateRealtimeStreaming
	default:
		return StateIdle
	}
}

// Done is closed once both phases have finished.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Start launches the enabled phases. The realtime subscription is opened
// before Start returns, so every write accepted afterwards is seen.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// readCtx aborts blocked source reads on Stop; transfers keep ctx so an
	// in-flight batch completes.
	readCtx, cancelRead := context.WithCancel(ctx)
	go func() {
		select {
		case <-e.stopCh:
		case <-readCtx.Done():
		}
		cancelRead()
	}()

	var sub Subscription
	if e.cfg.Pipe.RealtimeEnabled {
		e.realtime.Store(true)
		s, err := e.subscribe(readCtx)
		if err != nil {
			e.logger.Warn("realtime subscribe failed, retrying", "error", err)
		} else {
			sub = s
		}
	}
	if e.cfg.Pipe.HistoryEnabled {
		e.historical.Store(true)
	}

	go e.run(ctx, readCtx, cancelRead, sub)
	e.logger.Info("engine started",
		"history", e.cfg.Pipe.HistoryEnabled,
		"realtime", e.cfg.Pipe.RealtimeEnabled,
		"range", e.cfg.Pipe.HistoryRange.String())
	return nil
}

// Stop asks both phases to halt at the end of their current batch and
// waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.started.CompareAndSwap(false, true) {
		close(e.done)
		return
	}
	<-e.done
}

func (e *Engine) stopping() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) run(ctx, readCtx context.Context, cancelRead context.CancelFunc, sub Subscription) {
	defer close(e.done)
	defer cancelRead()

	var g errgroup.Group
	if e.cfg.Pipe.HistoryEnabled {
		g.Go(func() error {
			defer e.historical.Store(false)
			return e.runHistorical(ctx, readCtx)
		})
	}
	if e.cfg.Pipe.RealtimeEnabled {
		g.Go(func() error {
			defer e.realtime.Store(false)
			return e.runRealtime(ctx, readCtx, sub)
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Error("engine phase failed", "error", err)
	}
	e.logger.Info("engine idle")
}

func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff
	return b
}

func (e *Engine) retryOpts(notify backoff.Notify) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxElapsedTime(e.cfg.RetryMaxElapsed),
		backoff.WithNotify(notify),
	}
}

// historical phase

func (e *Engine) runHistorical(ctx, readCtx context.Context) error {
	regions, err := backoff.Retry(readCtx, func() ([]Region, error) {
		return e.cfg.Source.Regions(readCtx)
	}, e.retryOpts(func(err error, next time.Duration) {
		e.logger.Warn("list regions failed", "error", err, "retry_in", next)
	})...)
	if err != nil {
		if e.stopping() {
			return nil
		}
		return fmt.Errorf("list regions: %w", err)
	}
	e.cacheRegions(regions)

	for _, r := range regions {
		if e.stopping() || ctx.Err() != nil {
			return nil
		}
		if !e.produces(r) {
			continue
		}
		if e.cfg.HistoryDone != nil && e.cfg.HistoryDone(r.ID) {
			e.logger.Debug("region history already delivered", "region", r.ID)
			continue
		}
		if err := e.scanRegionWithRetry(ctx, readCtx, r); err != nil {
			if errors.Is(err, errStopped) || e.stopping() {
				return nil
			}
			e.logger.Error("region scan abandoned", "region", r.ID, "error", err)
			continue
		}
		e.reportDone(ctx, r)
	}
	return nil
}

func (e *Engine) scanRegionWithRetry(ctx, readCtx context.Context, r Region) error {
	_, err := backoff.Retry(readCtx, func() (struct{}, error) {
		err := e.scanRegion(ctx, readCtx, r)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, errStopped), e.stopping(), ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(errStopped)
		}
		return struct{}{}, err
	}, e.retryOpts(func(err error, next time.Duration) {
		e.metrics.ScanRetry(e.Pipe())
		e.logger.Warn("region scan failed, rescanning", "region", r.ID, "error", err, "retry_in", next)
	})...)
	return err
}

// scanRegion delivers one region from its start. Events that fail the
// pattern, the history range or the processor are dropped.
func (e *Engine) scanRegion(ctx, readCtx context.Context, r Region) error {
	pipe := e.cfg.Pipe
	scope := Scope{Pattern: pipe.Pattern, Region: r}
	batch := make([]CapturedEvent, 0, e.cfg.BatchSize)

	for ev, err := range e.cfg.Source.ScanHistorical(readCtx, scope, pipe.HistoryRange) {
		if err != nil {
			return fmt.Errorf("scan region %s: %w", r.ID, err)
		}
		e.metrics.Scanned(pipe.Name, metrics.PhaseHistorical, 1)
		if !pipe.InHistory(ev.Path, ev.Timestamp) || !e.process(ev) {
			e.metrics.Filtered(pipe.Name, metrics.PhaseHistorical, 1)
			continue
		}
		batch = append(batch, ev)
		if len(batch) < e.cfg.BatchSize {
			continue
		}
		if err := e.forward(ctx, metrics.PhaseHistorical, batch); err != nil {
			return err
		}
		batch = make([]CapturedEvent, 0, e.cfg.BatchSize)
		if e.stopping() {
			return errStopped
		}
	}
	if e.stopping() || readCtx.Err() != nil {
		return errStopped
	}
	if len(batch) > 0 {
		return e.forward(ctx, metrics.PhaseHistorical, batch)
	}
	return nil
}

func (e *Engine) reportDone(ctx context.Context, r Region) {
	e.metrics.RegionDone(e.Pipe())
	if e.cfg.Reporter == nil {
		return
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.cfg.Reporter.ReportHistoryDone(ctx, e.Pipe(), r.ID, e.cfg.NodeID)
		if err != nil && !pipeerr.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, e.retryOpts(func(err error, next time.Duration) {
		e.logger.Warn("report history done failed", "region", r.ID, "error", err, "retry_in", next)
	})...)
	if err != nil {
		// the next producer rescans the region
		e.logger.Warn("history progress not recorded", "region", r.ID, "error", err)
		return
	}
	e.logger.Info("region history delivered", "region", r.ID)
}

// realtime phase

func (e *Engine) subscribe(readCtx context.Context) (Subscription, error) {
	return e.cfg.Source.SubscribeRealtime(readCtx, Scope{Pattern: e.cfg.Pipe.Pattern})
}

// runRealtime consumes sub and resubscribes on interruption. Writes made
// while disconnected are not replayed.
func (e *Engine) runRealtime(ctx, readCtx context.Context, sub Subscription) error {
	for {
		if sub == nil {
			s, err := backoff.Retry(readCtx, func() (Subscription, error) {
				return e.subscribe(readCtx)
			}, e.retryOpts(func(err error, next time.Duration) {
				e.logger.Warn("realtime subscribe failed", "error", err, "retry_in", next)
			})...)
			if err != nil {
				if e.stopping() {
					return nil
				}
				return fmt.Errorf("realtime subscribe: %w", err)
			}
			sub = s
		}

		err := e.consume(ctx, readCtx, sub)
		_ = sub.Close()
		sub = nil
		if errors.Is(err, errStopped) || e.stopping() {
			return nil
		}
		e.metrics.Reconnect(e.Pipe())
		e.logger.Warn("realtime stream interrupted, resubscribing from now", "error", err)
	}
}

func (e *Engine) consume(ctx, readCtx context.Context, sub Subscription) error {
	events := sub.Events()
	for {
		select {
		case <-e.stopCh:
			return errStopped
		case <-ctx.Done():
			return errStopped
		case ev, ok := <-events:
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return errStreamClosed
			}
			batch := e.admitRealtime(nil, ev)
		drain:
			for len(batch) < e.cfg.BatchSize {
				select {
				case next, ok := <-events:
					if !ok {
						break drain
					}
					batch = e.admitRealtime(batch, next)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				e.forwardRealtime(ctx, readCtx, batch)
			}
		}
	}
}

func (e *Engine) admitRealtime(batch []CapturedEvent, ev CapturedEvent) []CapturedEvent {
	if !e.producesRegionID(ev.Region) {
		return batch
	}
	e.metrics.Scanned(e.Pipe(), metrics.PhaseRealtime, 1)
	if !e.cfg.Pipe.Matches(ev.Path) || !e.process(ev) {
		e.metrics.Filtered(e.Pipe(), metrics.PhaseRealtime, 1)
		return batch
	}
	return append(batch, ev)
}

func (e *Engine) forwardRealtime(ctx, readCtx context.Context, batch []CapturedEvent) {
	_, err := backoff.Retry(readCtx, func() (struct{}, error) {
		if e.stopping() {
			return struct{}{}, backoff.Permanent(errStopped)
		}
		return struct{}{}, e.forward(ctx, metrics.PhaseRealtime, batch)
	}, e.retryOpts(func(err error, next time.Duration) {
		e.logger.Warn("realtime transfer failed", "error", err, "retry_in", next)
	})...)
	if err != nil {
		e.logger.Error("realtime batch dropped", "events", len(batch), "error", err)
	}
}

// shared

func (e *Engine) process(ev CapturedEvent) bool {
	keep, err := e.proc.Process(ev)
	if err != nil {
		e.logger.Debug("processor rejected event", "path", ev.Path, "error", err)
		return false
	}
	return keep
}

func (e *Engine) forward(ctx context.Context, phase string, batch []CapturedEvent) error {
	if err := e.cfg.Connector.Transfer(ctx, batch); err != nil {
		return fmt.Errorf("transfer %d events: %w", len(batch), err)
	}
	e.metrics.Forwarded(e.Pipe(), phase, len(batch))
	return nil
}

func (e *Engine) produces(r Region) bool {
	if e.cfg.Producers == nil {
		return true
	}
	node, ok := e.cfg.Producers.ActiveProducer(r)
	return ok && node == e.cfg.NodeID
}

func (e *Engine) cacheRegions(regions []Region) {
	e.regionsMu.Lock()
	defer e.regionsMu.Unlock()
	for _, r := range regions {
		e.regions[r.ID] = r
	}
}

// producesRegionID resolves a realtime event's region, refreshing the
// region list once when the id is new.
func (e *Engine) producesRegionID(id string) bool {
	if e.cfg.Producers == nil || id == "" {
		return true
	}
	e.regionsMu.Lock()
	r, ok := e.regions[id]
	e.regionsMu.Unlock()
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		regions, err := e.cfg.Source.Regions(ctx)
		cancel()
		if err != nil {
			e.logger.Warn("refresh regions failed", "error", err)
			return false
		}
		e.cacheRegions(regions)
		e.regionsMu.Lock()
		r, ok = e.regions[id]
		e.regionsMu.Unlock()
		if !ok {
			return false
		}
	}
	return e.produces(r)
}
