// Package pipeconfig turns raw pipe attributes into a typed, immutable
// PipeConfiguration.
package pipeconfig

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/unijord/pipecdc/pkg/pathpattern"
	"github.com/unijord/pipecdc/pkg/timerange"
)

// Plugin names a processor or connector and carries its own attributes.
type Plugin struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Attr returns the attribute value for key, or "" when absent.
func (p Plugin) Attr(key string) string { return p.Attributes[key] }

// PipeConfiguration is the validated definition of a pipe. It is persisted
// in the replicated coordinator state and never mutated after creation.
type PipeConfiguration struct {
	Name            string               `json:"name"`
	Pattern         *pathpattern.Pattern `json:"pattern,omitempty"`
	HistoryEnabled  bool                 `json:"history_enabled"`
	RealtimeEnabled bool                 `json:"realtime_enabled"`
	HistoryRange    timerange.TimeRange  `json:"history_range"`
	Processor       Plugin               `json:"processor"`
	Connector       Plugin               `json:"connector"`
}

// Matches reports whether the configured pattern covers path.
func (c *PipeConfiguration) Matches(path string) bool {
	return pathpattern.Matches(c.Pattern, path)
}

// InHistory reports whether path and ts pass the historical filters.
func (c *PipeConfiguration) InHistory(path string, ts int64) bool {
	return c.HistoryRange.Contains(ts) && c.Matches(path)
}

// Summary renders a one-line description for listings.
func (c *PipeConfiguration) Summary() string {
	var b strings.Builder
	pattern := "root.**"
	if c.Pattern != nil {
		pattern = c.Pattern.String()
	}
	fmt.Fprintf(&b, "pattern=%s", pattern)
	if c.HistoryEnabled {
		fmt.Fprintf(&b, " history=%s", c.HistoryRange)
	}
	if c.RealtimeEnabled {
		b.WriteString(" realtime")
	}
	fmt.Fprintf(&b, " processor=%s connector=%s", c.Processor.ID, c.Connector.ID)
	return b.String()
}

// Clone returns a deep copy.
func (c *PipeConfiguration) Clone() *PipeConfiguration {
	out := *c
	out.Processor.Attributes = maps.Clone(c.Processor.Attributes)
	out.Connector.Attributes = maps.Clone(c.Connector.Attributes)
	return &out
}

// Catalog reports which plugin identifiers are installed.
type Catalog interface {
	Has(id string) bool
}

// StaticCatalog is a fixed set of identifiers.
type StaticCatalog map[string]struct{}

// NewStaticCatalog returns a catalog with ids.
func NewStaticCatalog(ids ...string) StaticCatalog {
	c := make(StaticCatalog, len(ids))
	for _, id := range ids {
		c[id] = struct{}{}
	}
	return c
}

func (c StaticCatalog) Has(id string) bool {
	_, ok := c[id]
	return ok
}

// IDs returns the identifiers in order.
func (c StaticCatalog) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
