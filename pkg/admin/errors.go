package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/unijord/pipecdc/pkg/pipeerr"
)

// HeaderLeader carries the admin address of the coordinator leader on a
// 421 response.
const HeaderLeader = "X-Pipe-Leader"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error      string `json:"error"`
	LeaderID   string `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// StatusFor maps an operation error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, pipeerr.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, pipeerr.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, pipeerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeerr.ErrNotLeader):
		return http.StatusMisdirectedRequest
	case errors.Is(err, pipeerr.ErrQuorumUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	body := ErrorResponse{Error: err.Error()}

	var nl *pipeerr.NotLeaderError
	if errors.As(err, &nl) {
		body.LeaderID = nl.LeaderID
		body.LeaderAddr = s.adminAddr(nl.LeaderID)
		if body.LeaderAddr != "" {
			c.Header(HeaderLeader, body.LeaderAddr)
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("pipe operation failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}

// adminAddr resolves a raft server id to the admin endpoint membership
// probes.
func (s *Server) adminAddr(nodeID string) string {
	if nodeID == "" || s.cfg.Cluster == nil {
		return ""
	}
	for _, n := range s.cfg.Cluster.Snapshot() {
		if n.NodeID == nodeID {
			return n.Endpoint
		}
	}
	return ""
}
