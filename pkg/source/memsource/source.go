// Package memsource is an in-memory extraction.Source. It keeps every write
// per region and fans new writes out to realtime subscribers, which makes it
// the source of single-process nodes and of tests.
package memsource

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/unijord/pipecdc/pkg/extraction"
	"github.com/unijord/pipecdc/pkg/pathpattern"
	"github.com/unijord/pipecdc/pkg/timerange"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("memsource: closed")
	// ErrSlowSubscriber ends a subscription whose buffer overflowed.
	ErrSlowSubscriber = errors.New("memsource: subscriber fell behind")
	// ErrUnknownRegion is returned for a write naming a region that does not exist.
	ErrUnknownRegion = errors.New("memsource: unknown region")
)

const defaultBuffer = 1024

// Option configures a Source.
type Option func(*Source)

// WithBuffer sets the per-subscription channel size.
func WithBuffer(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// Source stores events in memory.
type Source struct {
	buffer int

	mu      sync.RWMutex
	regions []extraction.Region
	events  map[string][]extraction.CapturedEvent
	subs    map[int]*subscription
	nextID  int
	closed  bool
}

// New returns a source hosting regions.
func New(regions []extraction.Region, opts ...Option) *Source {
	s := &Source{
		buffer:  defaultBuffer,
		regions: slices.Clone(regions),
		events:  make(map[string][]extraction.CapturedEvent, len(regions)),
		subs:    make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Regions(context.Context) ([]extraction.Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return slices.Clone(s.regions), nil
}

// SetRegions replaces the placement, e.g. after a replica moved.
func (s *Source) SetRegions(regions []extraction.Region) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions = slices.Clone(regions)
}

// RegionFor places a path. Paths with the same device share a region.
func (s *Source) RegionFor(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regionFor(path)
}

func (s *Source) regionFor(path string) string {
	if len(s.regions) == 0 {
		return ""
	}
	device := path
	if i := lastDot(path); i > 0 {
		device = path[:i]
	}
	return s.regions[xxhash.Sum64String(device)%uint64(len(s.regions))].ID
}

func lastDot(path string) int {
	inQuote := false
	last := -1
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '`':
			inQuote = !inQuote
		case '.':
			if !inQuote {
				last = i
			}
		}
	}
	return last
}

// Write records events. An event without a region is placed with RegionFor.
func (s *Source) Write(_ context.Context, events []extraction.CapturedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i := range events {
		ev := events[i]
		if ev.Region == "" {
			ev.Region = s.regionFor(ev.Path)
		} else if !s.hasRegion(ev.Region) {
			return ErrUnknownRegion
		}
		s.events[ev.Region] = append(s.events[ev.Region], ev)
		for id, sub := range s.subs {
			if !sub.admits(ev) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				sub.fail(ErrSlowSubscriber)
				delete(s.subs, id)
			}
		}
	}
	return nil
}

func (s *Source) hasRegion(id string) bool {
	for _, r := range s.regions {
		if r.ID == id {
			return true
		}
	}
	return false
}

// ScanHistorical yields the stored events of the scope in timestamp order.
func (s *Source) ScanHistorical(ctx context.Context, scope extraction.Scope, r timerange.TimeRange) iter.Seq2[extraction.CapturedEvent, error] {
	return func(yield func(extraction.CapturedEvent, error) bool) {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield(extraction.CapturedEvent{}, ErrClosed)
			return
		}
		var out []extraction.CapturedEvent
		for region, events := range s.events {
			if scope.Region.ID != "" && region != scope.Region.ID {
				continue
			}
			for _, ev := range events {
				if r.Contains(ev.Timestamp) && pathpattern.Matches(scope.Pattern, ev.Path) {
					out = append(out, ev)
				}
			}
		}
		s.mu.RUnlock()

		sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
		for _, ev := range out {
			if err := ctx.Err(); err != nil {
				yield(extraction.CapturedEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// SubscribeRealtime delivers writes made after the call.
func (s *Source) SubscribeRealtime(ctx context.Context, scope extraction.Scope) (extraction.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	id := s.nextID
	s.nextID++
	sub := &subscription{
		scope: scope,
		ch:    make(chan extraction.CapturedEvent, s.buffer),
		fin:   make(chan struct{}),
		unsubscribe: func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		},
	}
	s.subs[id] = sub

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.fin:
		}
	}()
	return sub, nil
}

// Close ends every subscription.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, sub := range s.subs {
		sub.fail(ErrClosed)
		delete(s.subs, id)
	}
	return nil
}

var _ extraction.Source = (*Source)(nil)

type subscription struct {
	scope       extraction.Scope
	ch          chan extraction.CapturedEvent
	unsubscribe func()

	once sync.Once
	fin  chan struct{}
	mu   sync.Mutex
	err  error
}

func (s *subscription) admits(ev extraction.CapturedEvent) bool {
	if s.scope.Region.ID != "" && ev.Region != s.scope.Region.ID {
		return false
	}
	return pathpattern.Matches(s.scope.Pattern, ev.Path)
}

func (s *subscription) Events() <-chan extraction.CapturedEvent { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// fail ends the stream with err. The caller holds the source lock.
func (s *subscription) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
		close(s.fin)
	})
}

// Close detaches the subscription before closing its channels, so it never
// waits on the source lock while holding once.
func (s *subscription) Close() error {
	s.unsubscribe()
	s.once.Do(func() {
		close(s.ch)
		close(s.fin)
	})
	return nil
}
