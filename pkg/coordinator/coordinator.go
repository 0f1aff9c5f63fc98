// Package coordinator serializes pipe lifecycle operations through raft.
//
// Every operation runs on the current leader. Commands are funnelled
// through the replicated FSM, which rejects a transition whose expected
// source state is no longer current; the coordinator then re-reads the
// record and either retries or reports the winner's outcome, so racing
// start and drop requests settle on a single final state.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"github.com/unijord/pipecdc/pkg/coordinator/command"
	"github.com/unijord/pipecdc/pkg/coordinator/fsm"
	"github.com/unijord/pipecdc/pkg/metrics"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
	"github.com/unijord/pipecdc/pkg/pipeerr"
)

// RaftApplier is the part of *raft.Raft the coordinator needs.
type RaftApplier interface {
	Apply(cmd []byte, timeout time.Duration) raft.ApplyFuture
	State() raft.RaftState
	VerifyLeader() raft.Future
	LeaderWithID() (raft.ServerAddress, raft.ServerID)
}

// QuorumChecker reports whether a majority of coordinators is reachable.
type QuorumChecker interface {
	HasCoordinatorQuorum() bool
}

const (
	defaultApplyTimeout    = 5 * time.Second
	defaultRetryMaxElapsed = 10 * time.Second
	defaultInitialBackoff  = 50 * time.Millisecond
	defaultMaxBackoff      = time.Second

	// bound on re-reads after a stale transition
	maxTransitionAttempts = 8
)

// Config configures a Coordinator.
type Config struct {
	Raft      RaftApplier
	FSM       *fsm.FSM
	Validator *pipeconfig.Validator
	// Membership nil skips the quorum precondition.
	Membership QuorumChecker

	ApplyTimeout    time.Duration
	RetryMaxElapsed time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Coordinator implements the pipe task operations.
type Coordinator struct {
	cfg     Config
	builder *command.Builder
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// PipeInfo is one row of ShowPipes.
type PipeInfo struct {
	Name         string    `json:"name"`
	State        fsm.State `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	RunningSince time.Time `json:"running_since,omitzero"`
	Attributes   string    `json:"attributes"`
	HistoryDone  []string  `json:"history_done,omitempty"`
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Raft == nil || cfg.FSM == nil {
		return nil, errors.New("coordinator: raft and fsm are required")
	}
	if cfg.Validator == nil {
		cfg.Validator = pipeconfig.NewValidator()
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = defaultRetryMaxElapsed
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		cfg:     cfg,
		builder: command.NewCommandBuilder(),
		logger:  cfg.Logger.With("component", "coordinator"),
		metrics: cfg.Metrics,
	}, nil
}

// IsLeader reports whether the local raft node is leader.
func (c *Coordinator) IsLeader() bool {
	return c.cfg.Raft.State() == raft.Leader
}

// CreatePipe validates attrs and commits a new pipe in state CREATED.
func (c *Coordinator) CreatePipe(ctx context.Context, name string, attrs pipeconfig.RawAttributes) error {
	cfg, err := c.cfg.Validator.Validate(name, attrs)
	if err != nil {
		c.metrics.Transition("create", "invalid")
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode pipe configuration: %w", err)
	}

	requestID := uuid.NewString()
	res, err := c.propose(ctx, "create", c.builder.BuildCreate(name, payload, requestID))
	if err != nil {
		c.metrics.Transition("create", "error")
		return err
	}
	if res.Err != nil {
		if errors.Is(res.Err, pipeerr.ErrDuplicateName) && res.Record != nil && res.Record.RequestID == requestID {
			// an earlier attempt of this request committed
			res.Err = nil
		} else {
			c.metrics.Transition("create", "rejected")
			return res.Err
		}
	}

	c.metrics.Transition("create", "ok")
	c.logger.Info("pipe created", "pipe", name, "summary", cfg.Summary())
	return nil
}

// StartPipe moves a pipe to RUNNING. Starting a running pipe is a no-op.
// A start that loses a race against a drop reports DROPPED.
func (c *Coordinator) StartPipe(ctx context.Context, name string) (fsm.State, error) {
	return c.transition(ctx, "start", name, fsm.StateRunning)
}

// StopPipe moves a running pipe to STOPPED. Stopping a pipe that is not
// running is a no-op.
func (c *Coordinator) StopPipe(ctx context.Context, name string) (fsm.State, error) {
	return c.transition(ctx, "stop", name, fsm.StateStopped)
}

// DropPipe moves a pipe to DROPPED. The name may be reused afterwards.
func (c *Coordinator) DropPipe(ctx context.Context, name string) (fsm.State, error) {
	return c.transition(ctx, "drop", name, fsm.StateDropped)
}

func (c *Coordinator) transition(ctx context.Context, op, name string, target fsm.State) (fsm.State, error) {
	if err := c.checkPreconditions(); err != nil {
		c.metrics.Transition(op, "error")
		return 0, err
	}

	raced := false
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		record, err := c.cfg.FSM.Get(name)
		if err != nil {
			return 0, fmt.Errorf("read pipe %q: %w", name, err)
		}

		if !record.Live() {
			if raced && record != nil {
				// a concurrent drop won
				c.metrics.Transition(op, "superseded")
				return fsm.StateDropped, nil
			}
			c.metrics.Transition(op, "rejected")
			return 0, fmt.Errorf("pipe %q: %w", name, pipeerr.ErrNotFound)
		}

		from := record.State
		if done(from, target) {
			c.metrics.Transition(op, "noop")
			return from, nil
		}

		res, err := c.propose(ctx, op, c.builder.BuildTransition(name, uint8(from), uint8(target)))
		if err != nil {
			c.metrics.Transition(op, "error")
			return 0, err
		}
		switch {
		case res.Err == nil:
			c.metrics.Transition(op, "ok")
			c.logger.Info("pipe transitioned", "pipe", name, "from", from, "to", res.Record.State)
			return res.Record.State, nil
		case errors.Is(res.Err, fsm.ErrStaleTransition), errors.Is(res.Err, pipeerr.ErrNotFound):
			raced = true
			c.logger.Debug("transition raced, re-reading", "pipe", name, "op", op, "reason", res.Err)
		default:
			c.metrics.Transition(op, "rejected")
			return 0, res.Err
		}
	}
	c.metrics.Transition(op, "error")
	return 0, pipeerr.QuorumUnavailable(fmt.Errorf("pipe %q kept changing during %s", name, op))
}

// done reports whether a pipe in state from already satisfies target.
func done(from, target fsm.State) bool {
	switch target {
	case fsm.StateRunning:
		return from == fsm.StateRunning
	case fsm.StateStopped:
		return from == fsm.StateStopped || from == fsm.StateCreated
	default:
		return false
	}
}

// ShowPipes lists live pipes ordered by name. Leadership is verified
// against a quorum first, so a reported RUNNING state is committed.
func (c *Coordinator) ShowPipes(ctx context.Context) ([]PipeInfo, error) {
	if err := c.checkPreconditions(); err != nil {
		return nil, err
	}
	if err := await(ctx, c.cfg.Raft.VerifyLeader()); err != nil {
		return nil, c.mapRaftError(err)
	}

	records, err := c.cfg.FSM.List()
	if err != nil {
		return nil, fmt.Errorf("list pipes: %w", err)
	}
	infos := make([]PipeInfo, 0, len(records))
	for _, r := range records {
		if !r.Live() {
			continue
		}
		info := PipeInfo{
			Name:      r.Name,
			State:     r.State,
			CreatedAt: time.UnixMilli(int64(r.CreatedAt)).UTC(),
		}
		if r.RunningSince != 0 {
			info.RunningSince = time.UnixMilli(int64(r.RunningSince)).UTC()
		}
		if r.Config != nil {
			info.Attributes = r.Config.Summary()
		}
		for region := range r.HistoryDone {
			info.HistoryDone = append(info.HistoryDone, region)
		}
		slices.Sort(info.HistoryDone)
		infos = append(infos, info)
	}
	return infos, nil
}

// ReportHistoryDone records that node finished the historical scan of
// region for the current generation of pipe.
func (c *Coordinator) ReportHistoryDone(ctx context.Context, pipe, region, node string) error {
	if err := c.checkPreconditions(); err != nil {
		return err
	}
	record, err := c.cfg.FSM.Get(pipe)
	if err != nil {
		return fmt.Errorf("read pipe %q: %w", pipe, err)
	}
	if !record.Live() {
		return fmt.Errorf("pipe %q: %w", pipe, pipeerr.ErrNotFound)
	}
	if record.RegionDone(region) {
		return nil
	}

	res, err := c.propose(ctx, "history_done", c.builder.BuildHistoryDone(pipe, record.Generation, region, node))
	if err != nil {
		return err
	}
	return res.Err
}

func (c *Coordinator) checkPreconditions() error {
	if c.cfg.Raft.State() != raft.Leader {
		addr, id := c.cfg.Raft.LeaderWithID()
		return &pipeerr.NotLeaderError{LeaderID: string(id), LeaderAddr: string(addr)}
	}
	if c.cfg.Membership != nil && !c.cfg.Membership.HasCoordinatorQuorum() {
		return pipeerr.QuorumUnavailable(errors.New("coordinator majority not reachable"))
	}
	return nil
}

// propose commits data through raft, retrying transient failures with
// backoff. Losing leadership is not retried here.
func (c *Coordinator) propose(ctx context.Context, op string, data []byte) (*fsm.Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	res, err := backoff.Retry(ctx, func() (*fsm.Result, error) {
		if err := c.checkPreconditions(); err != nil {
			if errors.Is(err, pipeerr.ErrNotLeader) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}

		applyCtx, cancel := context.WithTimeout(ctx, c.cfg.ApplyTimeout)
		defer cancel()

		start := time.Now()
		f := c.cfg.Raft.Apply(data, c.cfg.ApplyTimeout)
		err := await(applyCtx, f)
		c.metrics.ApplyObserved(op, time.Since(start).Seconds())
		if err != nil {
			mapped := c.mapRaftError(err)
			if errors.Is(err, raft.ErrRaftShutdown) || errors.Is(mapped, pipeerr.ErrNotLeader) || ctx.Err() != nil {
				return nil, backoff.Permanent(mapped)
			}
			return nil, mapped
		}

		res, ok := f.Response().(*fsm.Result)
		if !ok || res == nil {
			return nil, backoff.Permanent(fmt.Errorf("unexpected apply response %T", f.Response()))
		}
		return res, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.cfg.RetryMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("proposal failed, retrying", "op", op, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		if ctx.Err() != nil && !pipeerr.IsTransient(err) {
			return nil, pipeerr.QuorumUnavailable(err)
		}
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) mapRaftError(err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader):
		addr, id := c.cfg.Raft.LeaderWithID()
		return &pipeerr.NotLeaderError{LeaderID: string(id), LeaderAddr: string(addr)}
	default:
		// the entry may or may not have committed
		return pipeerr.QuorumUnavailable(err)
	}
}

// await waits for f or ctx.
func await(ctx context.Context, f raft.Future) error {
	errCh := make(chan error, 1)
	go func() { errCh <- f.Error() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
