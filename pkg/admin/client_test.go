package admin

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/pipecdc/pkg/coordinator/fsm"
	"github.com/unijord/pipecdc/pkg/membership"
	"github.com/unijord/pipecdc/pkg/metrics"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
	"github.com/unijord/pipecdc/pkg/pipeerr"
)

func startHTTP(t *testing.T, s *Server) *Client {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, time.Second)
}

func TestClient_RoundTrip(t *testing.T) {
	pipes := newFakePipes()
	c := startHTTP(t, newTestServer(pipes))
	ctx := context.Background()

	attrs := pipeconfig.RawAttributes{Connector: map[string]string{"connector": "log-connector"}}
	require.NoError(t, c.CreatePipe(ctx, "p1", attrs))
	assert.Equal(t, attrs, pipes.created["p1"])

	state, err := c.StartPipe(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateRunning, state)

	pipes.state = fsm.StateDropped
	state, err = c.DropPipe(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateDropped, state)

	cluster, err := c.Cluster(ctx)
	require.NoError(t, err)
	assert.Len(t, cluster.Nodes, 2)

	require.NoError(t, c.ReportHistoryDone(ctx, "p1", "r1", "dn-1"))
	assert.Equal(t, []string{"p1/r1/dn-1"}, pipes.done)
}

func TestClient_ErrorsUnwrap(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"configuration", pipeerr.Configuration("connector", "nope", "unknown"), pipeerr.ErrConfiguration},
		{"duplicate", pipeerr.ErrDuplicateName, pipeerr.ErrDuplicateName},
		{"not_found", pipeerr.ErrNotFound, pipeerr.ErrNotFound},
		{"quorum", pipeerr.QuorumUnavailable(nil), pipeerr.ErrQuorumUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipes := newFakePipes()
			pipes.err = tt.err
			c := startHTTP(t, newTestServer(pipes))

			_, err := c.StopPipe(context.Background(), "p1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.err.Error())
		})
	}
}

func TestClient_NotLeader(t *testing.T) {
	pipes := newFakePipes()
	pipes.err = &pipeerr.NotLeaderError{LeaderID: "cn-2"}
	c := startHTTP(t, newTestServer(pipes))

	_, err := c.ShowPipes(context.Background())
	var nl *pipeerr.NotLeaderError
	require.True(t, errors.As(err, &nl))
	assert.Equal(t, "cn-2", nl.LeaderID)
	assert.Equal(t, "10.0.0.2:8080", nl.LeaderAddr)
	assert.True(t, pipeerr.IsTransient(err))
}

type notLeaderLocal struct{ leader string }

func (n notLeaderLocal) ReportHistoryDone(context.Context, string, string, string) error {
	return &pipeerr.NotLeaderError{LeaderID: n.leader, LeaderAddr: "raft-addr"}
}

func TestForwardingReporter(t *testing.T) {
	leader := newFakePipes()
	ts := httptest.NewServer(newTestServer(leader).Handler())
	t.Cleanup(ts.Close)

	f := &ForwardingReporter{
		Local: notLeaderLocal{leader: "cn-2"},
		Resolve: func(id string) (string, bool) {
			if id == "cn-2" {
				return ts.URL, true
			}
			return "", false
		},
		Timeout: time.Second,
	}
	require.NoError(t, f.ReportHistoryDone(context.Background(), "p1", "r1", "dn-1"))
	assert.Equal(t, []string{"p1/r1/dn-1"}, leader.done)

	f.Local = notLeaderLocal{leader: "unknown"}
	err := f.ReportHistoryDone(context.Background(), "p1", "r2", "dn-1")
	assert.ErrorIs(t, err, pipeerr.ErrNotLeader)
}

func TestClient_FollowLeader(t *testing.T) {
	leader := newFakePipes()
	leaderTS := httptest.NewServer(newTestServer(leader).Handler())
	t.Cleanup(leaderTS.Close)

	follower := newFakePipes()
	follower.err = &pipeerr.NotLeaderError{LeaderID: "cn-2"}
	c := startHTTP(t, New(Config{
		Pipes: follower,
		Cluster: &fakeCluster{quorum: true, nodes: []membership.NodeStatus{
			{NodeID: "cn-2", Role: membership.RoleCoordinator, Status: membership.StatusRunning, Endpoint: strings.TrimPrefix(leaderTS.URL, "http://")},
		}},
		Metrics: metrics.New(),
	}))
	ctx := context.Background()

	_, err := c.StartPipe(ctx, "p1")
	assert.ErrorIs(t, err, pipeerr.ErrNotLeader)

	state, err := c.FollowLeader().StartPipe(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateRunning, state)

	attrs := pipeconfig.RawAttributes{Connector: map[string]string{"connector": "log-connector"}}
	require.NoError(t, c.CreatePipe(ctx, "p2", attrs))
	assert.Equal(t, attrs, leader.created["p2"])
	assert.Empty(t, follower.created)
}

func TestClient_Announce(t *testing.T) {
	nodes := &recordingNodes{}
	c := startHTTP(t, New(Config{Nodes: nodes}))

	a := Announcement{ID: "dn-1", Role: membership.RoleWorker, AdminAddr: "127.0.0.1:9001", RaftAddr: "127.0.0.1:9002"}
	require.NoError(t, c.Announce(context.Background(), a))
	assert.Equal(t, []Announcement{a}, nodes.got)
}
