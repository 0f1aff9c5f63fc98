// Package extraction decides, per running pipe, which captured events are
// forwarded to the connector.
//
// An Engine runs up to two phases concurrently. The historical phase scans
// the regions this node produces and applies the pattern and time range.
// The realtime phase subscribes to the write path at engine start and
// applies the pattern only. Both phases deliver at least once: a failed
// region scan starts over and the boundary between the phases may repeat
// events.
package extraction

import (
	"context"
	"iter"

	"github.com/unijord/pipecdc/pkg/pathpattern"
	"github.com/unijord/pipecdc/pkg/timerange"
)

// CapturedEvent is one write observed on the source cluster.
type CapturedEvent struct {
	Region    string `json:"region"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
	Value     any    `json:"value"`
}

// Region is a unit of data placement hosted by a replica set.
type Region struct {
	ID       string   `json:"id"`
	Replicas []string `json:"replicas"`
}

// Scope narrows a source read. A zero Region means every region.
type Scope struct {
	Pattern *pathpattern.Pattern
	Region  Region
}

// Source is the storage engine and write path.
type Source interface {
	// Regions lists the regions currently hosted by the cluster.
	Regions(ctx context.Context) ([]Region, error)
	// ScanHistorical yields the stored events of scope.Region. Scope and
	// range are hints: the engine re-applies both filters. The sequence is
	// finite and may be restarted.
	ScanHistorical(ctx context.Context, scope Scope, r timerange.TimeRange) iter.Seq2[CapturedEvent, error]
	// SubscribeRealtime delivers writes accepted after the call returns.
	SubscribeRealtime(ctx context.Context, scope Scope) (Subscription, error)
}

// Subscription is a live write stream. Events is closed when the stream
// ends; Err then reports why.
type Subscription interface {
	Events() <-chan CapturedEvent
	Err() error
	Close() error
}

// Sink receives forwarded batches. Transfer must tolerate redelivery.
type Sink interface {
	Transfer(ctx context.Context, events []CapturedEvent) error
}

// Processor is the per-event stage between extraction and the connector.
type Processor interface {
	Process(ev CapturedEvent) (bool, error)
}

// ProducerSelector picks the node that extracts a region.
type ProducerSelector interface {
	ActiveProducer(r Region) (string, bool)
}

// ProgressReporter durably records that a region's history was delivered.
type ProgressReporter interface {
	ReportHistoryDone(ctx context.Context, pipe, region, node string) error
}
