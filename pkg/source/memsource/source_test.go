package memsource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijord/pipecdc/pkg/extraction"
	"github.com/unijord/pipecdc/pkg/pathpattern"
	"github.com/unijord/pipecdc/pkg/timerange"
)

func regions() []extraction.Region {
	return []extraction.Region{
		{ID: "r1", Replicas: []string{"dn-1", "dn-2"}},
		{ID: "r2", Replicas: []string{"dn-2", "dn-3"}},
	}
}

func collect(t *testing.T, seq func(func(extraction.CapturedEvent, error) bool)) []extraction.CapturedEvent {
	t.Helper()
	var out []extraction.CapturedEvent
	for ev, err := range seq {
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestScanHistorical_FiltersAndOrders(t *testing.T) {
	s := New(regions())
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, []extraction.CapturedEvent{
		{Region: "r1", Path: "root.db.d1.s1", Timestamp: 30},
		{Region: "r1", Path: "root.db.d1.s1", Timestamp: 10},
		{Region: "r2", Path: "root.db.d2.s1", Timestamp: 20},
		{Region: "r2", Path: "root.other.d1.s1", Timestamp: 15},
	}))

	p, err := pathpattern.Parse("root.db")
	require.NoError(t, err)

	all := collect(t, s.ScanHistorical(ctx, extraction.Scope{Pattern: p}, timerange.All()))
	require.Len(t, all, 3)
	assert.Equal(t, []int64{10, 20, 30}, []int64{all[0].Timestamp, all[1].Timestamp, all[2].Timestamp})

	r1 := collect(t, s.ScanHistorical(ctx, extraction.Scope{Pattern: p, Region: extraction.Region{ID: "r1"}},
		timerange.TimeRange{Start: 0, End: 20}))
	require.Len(t, r1, 1)
	assert.Equal(t, int64(10), r1[0].Timestamp)
}

func TestWrite_PlacesByDevice(t *testing.T) {
	s := New(regions())
	require.NoError(t, s.Write(context.Background(), []extraction.CapturedEvent{
		{Path: "root.db.d1.s1", Timestamp: 1},
		{Path: "root.db.d1.s2", Timestamp: 2},
	}))
	events := collect(t, s.ScanHistorical(context.Background(), extraction.Scope{}, timerange.All()))
	require.Len(t, events, 2)
	assert.NotEmpty(t, events[0].Region)
	assert.Equal(t, events[0].Region, events[1].Region)
	assert.Equal(t, s.RegionFor("root.db.d1.s9"), events[0].Region)
}

func TestWrite_UnknownRegion(t *testing.T) {
	s := New(regions())
	err := s.Write(context.Background(), []extraction.CapturedEvent{{Region: "r9", Path: "root.a.b"}})
	assert.ErrorIs(t, err, ErrUnknownRegion)
}

func TestSubscribeRealtime(t *testing.T) {
	s := New(regions())
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, []extraction.CapturedEvent{{Region: "r1", Path: "root.db.d1.s1", Timestamp: 1}}))

	p, err := pathpattern.Parse("root.db")
	require.NoError(t, err)
	sub, err := s.SubscribeRealtime(ctx, extraction.Scope{Pattern: p})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, s.Write(ctx, []extraction.CapturedEvent{
		{Region: "r1", Path: "root.other.d1.s1", Timestamp: 2},
		{Region: "r2", Path: "root.db.d2.s1", Timestamp: 3},
	}))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, int64(3), ev.Timestamp, "only writes after subscribing that match the pattern")
	case <-time.After(time.Second):
		t.Fatal("no realtime event")
	}
}

func TestSubscribeRealtime_SlowSubscriber(t *testing.T) {
	s := New(regions(), WithBuffer(1))
	ctx := context.Background()
	sub, err := s.SubscribeRealtime(ctx, extraction.Scope{})
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, []extraction.CapturedEvent{
		{Region: "r1", Path: "root.a.b", Timestamp: 1},
		{Region: "r1", Path: "root.a.b", Timestamp: 2},
	}))

	<-sub.Events()
	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrSlowSubscriber)
}

func TestSubscribeRealtime_ContextCancel(t *testing.T) {
	s := New(regions())
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.SubscribeRealtime(ctx, extraction.Scope{})
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, sub.Err())
	assert.NoError(t, sub.Close())
}

func TestClose(t *testing.T) {
	s := New(regions())
	sub, err := s.SubscribeRealtime(context.Background(), extraction.Scope{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), ErrClosed)

	_, err = s.Regions(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Write(context.Background(), nil), ErrClosed)
	assert.NoError(t, s.Close())
}

func TestSetRegions(t *testing.T) {
	s := New(regions())
	s.SetRegions([]extraction.Region{{ID: "r3"}})
	got, err := s.Regions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []extraction.Region{{ID: "r3"}}, got)
}

func TestSubscriptionClose_ConcurrentWithOverflow(t *testing.T) {
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 200 {
			s := New(regions(), WithBuffer(1))
			sub, err := s.SubscribeRealtime(ctx, extraction.Scope{Region: extraction.Region{ID: "r1"}})
			if err != nil {
				return
			}
			_ = s.Write(ctx, []extraction.CapturedEvent{{Region: "r1", Path: "root.a.b", Timestamp: 1}})

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := range 100 {
					_ = s.Write(ctx, []extraction.CapturedEvent{{Region: "r2", Path: "root.c.d", Timestamp: int64(i)}})
				}
				_ = s.Write(ctx, []extraction.CapturedEvent{{Region: "r1", Path: "root.a.b", Timestamp: 2}})
			}()
			go func() {
				defer wg.Done()
				_ = sub.Close()
			}()
			wg.Wait()

			if _, err := s.Regions(ctx); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close and an overflowing Write did not both return")
	}
}
