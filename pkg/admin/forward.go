package admin

import (
	"context"
	"errors"
	"time"

	"github.com/unijord/pipecdc/pkg/extraction"
	"github.com/unijord/pipecdc/pkg/pipeerr"
)

// LeaderResolver maps a raft server id to its admin address.
type LeaderResolver func(nodeID string) (string, bool)

// ForwardingReporter reports region progress to the local coordinator and,
// when that is not the leader, to the leader's admin server.
type ForwardingReporter struct {
	Local   extraction.ProgressReporter
	Resolve LeaderResolver
	Timeout time.Duration
}

func (f *ForwardingReporter) ReportHistoryDone(ctx context.Context, pipe, region, node string) error {
	err := f.Local.ReportHistoryDone(ctx, pipe, region, node)
	var nl *pipeerr.NotLeaderError
	if !errors.As(err, &nl) || nl.LeaderID == "" || f.Resolve == nil {
		return err
	}
	addr, ok := f.Resolve(nl.LeaderID)
	if !ok {
		return err
	}
	return NewClient(addr, f.Timeout).ReportHistoryDone(ctx, pipe, region, node)
}
