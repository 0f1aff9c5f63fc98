package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/pipecdc/pkg/coordinator/command"
	"github.com/unijord/pipecdc/pkg/coordinator/fsm"
	"github.com/unijord/pipecdc/pkg/metrics"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
	"github.com/unijord/pipecdc/pkg/pipeerr"
)

type fakeFuture struct {
	err   error
	resp  interface{}
	index uint64
}

func (f *fakeFuture) Error() error          { return f.err }
func (f *fakeFuture) Index() uint64         { return f.index }
func (f *fakeFuture) Response() interface{} { return f.resp }

// fakeRaft applies straight into the FSM on the calling goroutine.
type fakeRaft struct {
	mu    sync.Mutex
	fsm   *fsm.FSM
	index uint64
	state raft.RaftState

	leaderAddr raft.ServerAddress
	leaderID   raft.ServerID

	// errors returned by the next Apply calls, nothing is applied
	applyErrs []error
	// errors returned after applying, for ambiguous commits
	commitErrs []error
	// runs once before the next Apply
	beforeApply func()
	verifyErr   error
	applyCalls  int
}

func (r *fakeRaft) Apply(cmd []byte, _ time.Duration) raft.ApplyFuture {
	r.mu.Lock()
	hook := r.beforeApply
	r.beforeApply = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyCalls++
	if len(r.applyErrs) > 0 {
		err := r.applyErrs[0]
		r.applyErrs = r.applyErrs[1:]
		return &fakeFuture{err: err}
	}
	resp := r.applyLocked(cmd)
	if len(r.commitErrs) > 0 {
		err := r.commitErrs[0]
		r.commitErrs = r.commitErrs[1:]
		return &fakeFuture{err: err}
	}
	return &fakeFuture{resp: resp, index: r.index}
}

func (r *fakeRaft) applyLocked(cmd []byte) interface{} {
	r.index++
	return r.fsm.Apply(&raft.Log{Index: r.index, Term: 1, Type: raft.LogCommand, Data: cmd})
}

// commit applies a command proposed elsewhere.
func (r *fakeRaft) commit(cmd []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocked(cmd)
}

func (r *fakeRaft) State() raft.RaftState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRaft) VerifyLeader() raft.Future {
	return &fakeFuture{err: r.verifyErr}
}

func (r *fakeRaft) LeaderWithID() (raft.ServerAddress, raft.ServerID) {
	return r.leaderAddr, r.leaderID
}

type fakeQuorum struct{ ok bool }

func (q *fakeQuorum) HasCoordinatorQuorum() bool { return q.ok }

type harness struct {
	raft   *fakeRaft
	fsm    *fsm.FSM
	quorum *fakeQuorum
	coord  *Coordinator
	cmds   *command.Builder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f, err := fsm.New(fsm.Config{DBPath: filepath.Join(t.TempDir(), "fsm.db")})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	r := &fakeRaft{fsm: f, state: raft.Leader, leaderAddr: "127.0.0.1:7001", leaderID: "n1"}
	q := &fakeQuorum{ok: true}
	c, err := New(Config{
		Raft:            r,
		FSM:             f,
		Membership:      q,
		ApplyTimeout:    time.Second,
		RetryMaxElapsed: 100 * time.Millisecond,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		Metrics:         metrics.New(),
	})
	require.NoError(t, err)
	return &harness{raft: r, fsm: f, quorum: q, coord: c, cmds: command.NewCommandBuilder()}
}

func attrs() pipeconfig.RawAttributes {
	return pipeconfig.RawAttributes{
		Extractor: map[string]string{pipeconfig.KeyPattern: "root.db.d1"},
		Connector: map[string]string{pipeconfig.KeyConnector: pipeconfig.DoNothingConnector},
	}
}

func (h *harness) create(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, h.coord.CreatePipe(context.Background(), name, attrs()))
}

func TestCreatePipe_ValidatesBeforeCommit(t *testing.T) {
	h := newHarness(t)
	bad := pipeconfig.RawAttributes{
		Extractor: map[string]string{pipeconfig.KeyHistoryEnable: "false", pipeconfig.KeyRealtimeEnable: "false"},
		Connector: map[string]string{pipeconfig.KeyConnector: pipeconfig.DoNothingConnector},
	}
	err := h.coord.CreatePipe(context.Background(), "p1", bad)
	require.Error(t, err)
	assert.True(t, pipeerr.IsConfiguration(err))
	assert.Zero(t, h.raft.applyCalls)

	// configuration errors win over leadership errors
	h.raft.state = raft.Follower
	err = h.coord.CreatePipe(context.Background(), "p1", bad)
	assert.True(t, pipeerr.IsConfiguration(err))
}

func TestCreatePipe_DuplicateName(t *testing.T) {
	h := newHarness(t)
	h.create(t, "p1")

	err := h.coord.CreatePipe(context.Background(), "p1", attrs())
	assert.ErrorIs(t, err, pipeerr.ErrDuplicateName)

	pipes, err := h.coord.ShowPipes(context.Background())
	require.NoError(t, err)
	require.Len(t, pipes, 1)
	assert.Equal(t, fsm.StateCreated, pipes[0].State)
	assert.Contains(t, pipes[0].Attributes, "pattern=root.db.d1")
}

func TestCreatePipe_AmbiguousCommitIsRecognised(t *testing.T) {
	h := newHarness(t)
	h.raft.commitErrs = []error{raft.ErrLeadershipLost}

	require.NoError(t, h.coord.CreatePipe(context.Background(), "p1", attrs()))
	assert.Equal(t, 2, h.raft.applyCalls)

	r, err := h.fsm.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateCreated, r.State)
}

func TestStartPipe_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.create(t, "p1")

	state, err := h.coord.StartPipe(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateRunning, state)
	calls := h.raft.applyCalls

	state, err = h.coord.StartPipe(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateRunning, state)
	assert.Equal(t, calls, h.raft.applyCalls, "no new entry for a running pipe")
}

func TestStopPipe(t *testing.T) {
	h := newHarness(t)
	h.create(t, "p1")

	state, err := h.coord.StopPipe(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateCreated, state)

	_, err = h.coord.StartPipe(context.Background(), "p1")
	require.NoError(t, err)
	state, err = h.coord.StopPipe(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateStopped, state)

	state, err = h.coord.StopPipe(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateStopped, state)

	state, err = h.coord.StartPipe(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateRunning, state)
}

func TestDropPipe(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.DropPipe(context.Background(), "missing")
	assert.ErrorIs(t, err, pipeerr.ErrNotFound)

	h.create(t, "p1")
	_, err = h.coord.StartPipe(context.Background(), "p1")
	require.NoError(t, err)
	state, err := h.coord.DropPipe(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateDropped, state)

	pipes, err := h.coord.ShowPipes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pipes)

	for _, op := range []func(context.Context, string) (fsm.State, error){h.coord.StartPipe, h.coord.StopPipe, h.coord.DropPipe} {
		_, err := op(context.Background(), "p1")
		assert.ErrorIs(t, err, pipeerr.ErrNotFound)
	}

	// the name is free again
	h.create(t, "p1")
	pipes, err = h.coord.ShowPipes(context.Background())
	require.NoError(t, err)
	require.Len(t, pipes, 1)
	assert.Equal(t, fsm.StateCreated, pipes[0].State)
}

func TestStartLosesToConcurrentDrop(t *testing.T) {
	h := newHarness(t)
	h.create(t, "p1")

	// start read CREATED, a drop commits before its proposal
	h.raft.beforeApply = func() {
		h.raft.commit(h.cmds.BuildTransition("p1", uint8(fsm.StateCreated), uint8(fsm.StateDropped)))
	}
	state, err := h.coord.StartPipe(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateDropped, state)

	r, err := h.fsm.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateDropped, r.State)
}

func TestDropRacesStart(t *testing.T) {
	h := newHarness(t)
	h.create(t, "p1")

	// drop read CREATED, a start commits first; drop retries from RUNNING
	h.raft.beforeApply = func() {
		h.raft.commit(h.cmds.BuildTransition("p1", uint8(fsm.StateCreated), uint8(fsm.StateRunning)))
	}
	state, err := h.coord.DropPipe(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateDropped, state)
}

func TestConcurrentDropsAgree(t *testing.T) {
	h := newHarness(t)
	h.create(t, "p1")

	h.raft.beforeApply = func() {
		h.raft.commit(h.cmds.BuildTransition("p1", uint8(fsm.StateCreated), uint8(fsm.StateDropped)))
	}
	state, err := h.coord.DropPipe(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateDropped, state)
}

func TestNotLeader(t *testing.T) {
	h := newHarness(t)
	h.raft.state = raft.Follower

	err := h.coord.CreatePipe(context.Background(), "p1", attrs())
	var nl *pipeerr.NotLeaderError
	require.ErrorAs(t, err, &nl)
	assert.Equal(t, "n1", nl.LeaderID)
	assert.Equal(t, "127.0.0.1:7001", nl.LeaderAddr)
	assert.Zero(t, h.raft.applyCalls)

	_, err = h.coord.StartPipe(context.Background(), "p1")
	assert.ErrorIs(t, err, pipeerr.ErrNotLeader)
	_, err = h.coord.ShowPipes(context.Background())
	assert.ErrorIs(t, err, pipeerr.ErrNotLeader)
	assert.True(t, pipeerr.IsTransient(err))
}

func TestQuorumUnavailable(t *testing.T) {
	h := newHarness(t)
	h.create(t, "p1")
	h.quorum.ok = false

	_, err := h.coord.StartPipe(context.Background(), "p1")
	assert.ErrorIs(t, err, pipeerr.ErrQuorumUnavailable)

	err = h.coord.CreatePipe(context.Background(), "p2", attrs())
	assert.ErrorIs(t, err, pipeerr.ErrQuorumUnavailable)

	_, err = h.coord.ShowPipes(context.Background())
	assert.ErrorIs(t, err, pipeerr.ErrQuorumUnavailable)

	r, err := h.fsm.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateCreated, r.State, "no state change without quorum")
}

func TestApplyTimeoutIsRetried(t *testing.T) {
	h := newHarness(t)
	h.raft.applyErrs = []error{raft.ErrEnqueueTimeout, raft.ErrEnqueueTimeout}

	require.NoError(t, h.coord.CreatePipe(context.Background(), "p1", attrs()))
	assert.Equal(t, 3, h.raft.applyCalls)
}

func TestApplyTimeoutExhaustsToQuorumUnavailable(t *testing.T) {
	h := newHarness(t)
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = raft.ErrEnqueueTimeout
	}
	h.raft.applyErrs = errs

	err := h.coord.CreatePipe(context.Background(), "p1", attrs())
	assert.ErrorIs(t, err, pipeerr.ErrQuorumUnavailable)
	assert.False(t, errors.Is(err, pipeerr.ErrNotLeader))
}

func TestShowPipes_VerifiesLeadership(t *testing.T) {
	h := newHarness(t)
	h.create(t, "p1")
	h.raft.verifyErr = raft.ErrLeadershipLost

	_, err := h.coord.ShowPipes(context.Background())
	assert.ErrorIs(t, err, pipeerr.ErrQuorumUnavailable)
}

func TestShowPipes_OrderedByName(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		h.create(t, name)
	}
	_, err := h.coord.StartPipe(context.Background(), "mid")
	require.NoError(t, err)

	pipes, err := h.coord.ShowPipes(context.Background())
	require.NoError(t, err)
	require.Len(t, pipes, 3)
	assert.Equal(t, "alpha", pipes[0].Name)
	assert.Equal(t, "mid", pipes[1].Name)
	assert.Equal(t, "zeta", pipes[2].Name)
	assert.Equal(t, fsm.StateRunning, pipes[1].State)
	assert.False(t, pipes[1].RunningSince.IsZero())
	assert.True(t, pipes[0].RunningSince.IsZero())
}

func TestReportHistoryDone(t *testing.T) {
	h := newHarness(t)
	h.create(t, "p1")
	_, err := h.coord.StartPipe(context.Background(), "p1")
	require.NoError(t, err)

	require.NoError(t, h.coord.ReportHistoryDone(context.Background(), "p1", "r2", "n1"))
	require.NoError(t, h.coord.ReportHistoryDone(context.Background(), "p1", "r1", "n1"))
	calls := h.raft.applyCalls
	require.NoError(t, h.coord.ReportHistoryDone(context.Background(), "p1", "r1", "n1"))
	assert.Equal(t, calls, h.raft.applyCalls)

	pipes, err := h.coord.ShowPipes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, pipes[0].HistoryDone)

	err = h.coord.ReportHistoryDone(context.Background(), "missing", "r1", "n1")
	assert.ErrorIs(t, err, pipeerr.ErrNotFound)
}

func TestNew_RequiresRaftAndFSM(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
