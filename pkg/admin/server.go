// Package admin serves the HTTP surface of a node: pipe operations, cluster
// status, liveness and metrics.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unijord/pipecdc/pkg/coordinator"
	"github.com/unijord/pipecdc/pkg/coordinator/fsm"
	"github.com/unijord/pipecdc/pkg/extraction"
	"github.com/unijord/pipecdc/pkg/membership"
	"github.com/unijord/pipecdc/pkg/metrics"
	"github.com/unijord/pipecdc/pkg/pipeconfig"
)

// Pipes is the coordinator surface exposed over HTTP.
type Pipes interface {
	CreatePipe(ctx context.Context, name string, attrs pipeconfig.RawAttributes) error
	StartPipe(ctx context.Context, name string) (fsm.State, error)
	StopPipe(ctx context.Context, name string) (fsm.State, error)
	DropPipe(ctx context.Context, name string) (fsm.State, error)
	ShowPipes(ctx context.Context) ([]coordinator.PipeInfo, error)
	ReportHistoryDone(ctx context.Context, pipe, region, node string) error
}

// Cluster reports membership.
type Cluster interface {
	Snapshot() []membership.NodeStatus
	HasCoordinatorQuorum() bool
}

// Nodes records announcements of nodes that started.
type Nodes interface {
	Announce(ctx context.Context, a Announcement) error
}

// Writer accepts writes for the local source.
type Writer interface {
	Write(ctx context.Context, events []extraction.CapturedEvent) error
}

// Routes.
const (
	PathPipes       = "/pipes"
	PathCluster     = "/cluster"
	PathNodes       = "/cluster/nodes"
	PathHealth      = membership.HealthPath
	PathMetrics     = "/metrics"
	PathHistoryDone = "/internal/history-done"
	PathWrite       = "/source/events"
)

// Config configures a Server.
type Config struct {
	Addr string
	// Pipes nil serves a node without a coordinator; pipe routes answer 503.
	Pipes   Pipes
	Cluster Cluster
	// Nodes nil leaves the announce route unregistered.
	Nodes Nodes
	// Writer nil leaves the write route unregistered.
	Writer Writer
	// RequestTimeout bounds every pipe operation.
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Server is the admin HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router *gin.Engine
	srv    *http.Server
	ln     net.Listener
}

// CreateRequest is the body of POST /pipes.
type CreateRequest struct {
	Name string `json:"name" binding:"required"`
	pipeconfig.RawAttributes
}

// StateResponse is returned by the transition routes.
type StateResponse struct {
	Name  string    `json:"name"`
	State fsm.State `json:"state"`
}

// HistoryDoneRequest is the body of the internal progress route.
type HistoryDoneRequest struct {
	Pipe   string `json:"pipe" binding:"required"`
	Region string `json:"region" binding:"required"`
	Node   string `json:"node" binding:"required"`
}

// ClusterResponse is returned by GET /cluster.
type ClusterResponse struct {
	Quorum bool                    `json:"quorum"`
	Nodes  []membership.NodeStatus `json:"nodes"`
}

// Announcement is the body of POST /cluster/nodes. A node sends it to its
// peers on start with the addresses it is bound to.
type Announcement struct {
	ID        string          `json:"id" binding:"required"`
	Role      membership.Role `json:"role" binding:"required"`
	AdminAddr string          `json:"admin_addr" binding:"required"`
	RaftAddr  string          `json:"raft_addr,omitempty"`
}

// New builds the router. Call Start to listen.
func New(cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "admin"),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery(), s.logRequests())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET(PathHealth, s.health)
	s.router.GET(PathMetrics, gin.WrapH(s.cfg.Metrics.Handler()))
	s.router.GET(PathCluster, s.cluster)

	pipes := s.router.Group(PathPipes, s.requirePipes)
	pipes.POST("", s.createPipe)
	pipes.GET("", s.showPipes)
	pipes.POST("/:name/start", s.transition(Pipes.StartPipe))
	pipes.POST("/:name/stop", s.transition(Pipes.StopPipe))
	pipes.DELETE("/:name", s.transition(Pipes.DropPipe))

	s.router.POST(PathHistoryDone, s.requirePipes, s.historyDone)
	if s.cfg.Nodes != nil {
		s.router.POST(PathNodes, s.announce)
	}
	if s.cfg.Writer != nil {
		s.router.POST(PathWrite, s.write)
	}
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server stopped", "error", err)
		}
	}()
	s.logger.Info("admin server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) requirePipes(c *gin.Context) {
	if s.cfg.Pipes == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: "node does not run a coordinator"})
		return
	}
	c.Next()
}

func (s *Server) opContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) cluster(c *gin.Context) {
	if s.cfg.Cluster == nil {
		c.JSON(http.StatusOK, ClusterResponse{Nodes: []membership.NodeStatus{}})
		return
	}
	c.JSON(http.StatusOK, ClusterResponse{
		Quorum: s.cfg.Cluster.HasCoordinatorQuorum(),
		Nodes:  s.cfg.Cluster.Snapshot(),
	})
}

func (s *Server) createPipe(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	ctx, cancel := s.opContext(c)
	defer cancel()
	if err := s.cfg.Pipes.CreatePipe(ctx, req.Name, req.RawAttributes); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, StateResponse{Name: req.Name, State: fsm.StateCreated})
}

func (s *Server) transition(op func(Pipes, context.Context, string) (fsm.State, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		ctx, cancel := s.opContext(c)
		defer cancel()
		state, err := op(s.cfg.Pipes, ctx, name)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, StateResponse{Name: name, State: state})
	}
}

func (s *Server) showPipes(c *gin.Context) {
	ctx, cancel := s.opContext(c)
	defer cancel()
	pipes, err := s.cfg.Pipes.ShowPipes(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	if pipes == nil {
		pipes = []coordinator.PipeInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"pipes": pipes})
}

func (s *Server) historyDone(c *gin.Context) {
	var req HistoryDoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	ctx, cancel := s.opContext(c)
	defer cancel()
	if err := s.cfg.Pipes.ReportHistoryDone(ctx, req.Pipe, req.Region, req.Node); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) announce(c *gin.Context) {
	var req Announcement
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	ctx, cancel := s.opContext(c)
	defer cancel()
	if err := s.cfg.Nodes.Announce(ctx, req); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// WriteRequest is the body of POST /source/events.
type WriteRequest struct {
	Events []extraction.CapturedEvent `json:"events"`
}

func (s *Server) write(c *gin.Context) {
	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	ctx, cancel := s.opContext(c)
	defer cancel()
	if err := s.cfg.Writer.Write(ctx, req.Events); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"written": len(req.Events)})
}
