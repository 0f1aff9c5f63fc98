package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/unijord/pipecdc/pkg/coordinator"
	"github.com/unijord/pipecdc/pkg/coordinator/fsm"
	"github.com/unijord/pipecdc/pkg/extraction"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
	"github.com/unijord/pipecdc/pkg/pipeerr"
)

// APIError is a non-2xx answer from an admin server. It unwraps to the
// pipeerr value the status stands for.
type APIError struct {
	StatusCode int
	Message    string
	LeaderID   string
	LeaderAddr string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return pipeerr.ErrConfiguration
	case http.StatusConflict:
		return pipeerr.ErrDuplicateName
	case http.StatusNotFound:
		return pipeerr.ErrNotFound
	case http.StatusMisdirectedRequest:
		return &pipeerr.NotLeaderError{LeaderID: e.LeaderID, LeaderAddr: e.LeaderAddr}
	case http.StatusServiceUnavailable:
		return pipeerr.ErrQuorumUnavailable
	}
	return nil
}

// Client talks to one admin server.
type Client struct {
	rc           *resty.Client
	followLeader bool
}

// NewClient returns a client for the admin server at addr. A bare host:port
// is treated as http.
func NewClient(addr string, timeout time.Duration) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(addr, "/")).
		SetHeader("Content-Type", "application/json").
		SetError(&ErrorResponse{})
	if timeout > 0 {
		rc.SetTimeout(timeout)
	}
	return &Client{rc: rc}
}

// FollowLeader makes c retry a not-leader answer once at the leader the
// server named.
func (c *Client) FollowLeader() *Client {
	c.followLeader = true
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	err := c.send(ctx, method, path, body, out)
	var apiErr *APIError
	if !c.followLeader || !errors.As(err, &apiErr) ||
		apiErr.StatusCode != http.StatusMisdirectedRequest || apiErr.LeaderAddr == "" {
		return err
	}
	leader := apiErr.LeaderAddr
	if !strings.Contains(leader, "://") {
		leader = "http://" + leader
	}
	return c.send(ctx, method, strings.TrimSuffix(leader, "/")+path, body, out)
}

// send issues one request. An absolute url replaces the base address.
func (c *Client) send(ctx context.Context, method, url string, body, out any) error {
	req := c.rc.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, url)
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if e, ok := resp.Error().(*ErrorResponse); ok && e != nil {
		apiErr.Message, apiErr.LeaderID, apiErr.LeaderAddr = e.Error, e.LeaderID, e.LeaderAddr
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode())
	}
	return apiErr
}

// CreatePipe calls POST /pipes.
func (c *Client) CreatePipe(ctx context.Context, name string, attrs pipeconfig.RawAttributes) error {
	return c.do(ctx, http.MethodPost, PathPipes, CreateRequest{Name: name, RawAttributes: attrs}, nil)
}

func (c *Client) StartPipe(ctx context.Context, name string) (fsm.State, error) {
	return c.transition(ctx, http.MethodPost, PathPipes+"/"+name+"/start")
}

func (c *Client) StopPipe(ctx context.Context, name string) (fsm.State, error) {
	return c.transition(ctx, http.MethodPost, PathPipes+"/"+name+"/stop")
}

func (c *Client) DropPipe(ctx context.Context, name string) (fsm.State, error) {
	return c.transition(ctx, http.MethodDelete, PathPipes+"/"+name)
}

func (c *Client) transition(ctx context.Context, method, path string) (fsm.State, error) {
	var out StateResponse
	if err := c.do(ctx, method, path, nil, &out); err != nil {
		return 0, err
	}
	return out.State, nil
}

// ShowPipes calls GET /pipes.
func (c *Client) ShowPipes(ctx context.Context) ([]coordinator.PipeInfo, error) {
	var out struct {
		Pipes []coordinator.PipeInfo `json:"pipes"`
	}
	if err := c.do(ctx, http.MethodGet, PathPipes, nil, &out); err != nil {
		return nil, err
	}
	return out.Pipes, nil
}

// Cluster calls GET /cluster.
func (c *Client) Cluster(ctx context.Context) (*ClusterResponse, error) {
	var out ClusterResponse
	if err := c.do(ctx, http.MethodGet, PathCluster, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReportHistoryDone posts region progress to the server's coordinator.
func (c *Client) ReportHistoryDone(ctx context.Context, pipe, region, node string) error {
	return c.do(ctx, http.MethodPost, PathHistoryDone, HistoryDoneRequest{Pipe: pipe, Region: region, Node: node}, nil)
}

// WriteEvents posts writes to the server's local source.
func (c *Client) WriteEvents(ctx context.Context, events []extraction.CapturedEvent) error {
	return c.do(ctx, http.MethodPost, PathWrite, WriteRequest{Events: events}, nil)
}

// Announce tells the server that a node started at the given addresses.
func (c *Client) Announce(ctx context.Context, a Announcement) error {
	return c.do(ctx, http.MethodPost, PathNodes, a, nil)
}
