package stopboard

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRegistry struct {
	mutex   sync.Mutex
	added   int
	removed int
}

func (r *countingRegistry) Add(queries []RouteStopQuery) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.added++
}

func (r *countingRegistry) Remove(queries []RouteStopQuery) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.removed++
}

func (r *countingRegistry) counts() (int, int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.added, r.removed
}

func testStream(provider Provider, registry Registry) *Stream {
	agg := NewAggregator(provider)

	s := Subscribe(agg, []RouteStopQuery{
		{RouteID: "L", StopID: "lorimer"},
	}, AggregateOptions{}, registry, zerolog.Nop())

	// Timers trimmed down for test speed, no randomness.
	s.PollInterval = 5 * time.Millisecond
	s.StartupDelayMax = 0
	s.PollJitterMax = 0

	return s
}

func recvSnapshot(t *testing.T, ch <-chan *Snapshot) *Snapshot {
	t.Helper()
	select {
	case snapshot, ok := <-ch:
		require.True(t, ok, "channel closed")
		return snapshot
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
		return nil
	}
}

func TestStreamEmitsFirstSnapshotImmediately(t *testing.T) {
	now := time.Date(2020, 1, 6, 9, 0, 0, 0, time.UTC)
	provider := newFakeProvider()
	provider.add(0, visitAt("t1", "L", "lorimer", "20200106", now.Add(10*time.Minute)))

	registry := &countingRegistry{}
	s := testStream(provider, registry)
	s.aggregator.TimeNow = func() time.Time { return now }

	// Even with a long startup delay, the first snapshot arrives
	// right away.
	s.StartupDelayMax = time.Hour

	ch, detach := s.Attach()
	defer detach()

	snapshot := recvSnapshot(t, ch)
	require.Len(t, snapshot.Trips, 1)
	assert.Equal(t, "t1", snapshot.Trips[0].TripID)

	added, _ := registry.counts()
	assert.Equal(t, 1, added)
}

func TestStreamEmitsOnChangeOnly(t *testing.T) {
	now := time.Date(2020, 1, 6, 9, 0, 0, 0, time.UTC)
	provider := newFakeProvider()
	provider.add(0, visitAt("t1", "L", "lorimer", "20200106", now.Add(10*time.Minute)))

	s := testStream(provider, &countingRegistry{})
	s.aggregator.TimeNow = func() time.Time { return now }

	ch, detach := s.Attach()
	defer detach()

	recvSnapshot(t, ch)

	// The schedule hasn't changed; several poll periods pass in
	// silence.
	select {
	case snapshot, ok := <-ch:
		t.Fatalf("unexpected emission: %v (open=%v)", snapshot, ok)
	case <-time.After(50 * time.Millisecond):
	}

	// Now a trip shifts, and the next poll reports it.
	provider.mutex.Lock()
	provider.occurrences["L|lorimer|0"][0].ScheduledArrival = now.Add(15 * time.Minute)
	provider.mutex.Unlock()

	snapshot := recvSnapshot(t, ch)
	assert.Equal(t, now.Add(15*time.Minute), snapshot.Trips[0].ArrivalTime)
}

func TestStreamSharedByConsumers(t *testing.T) {
	now := time.Date(2020, 1, 6, 9, 0, 0, 0, time.UTC)
	provider := newFakeProvider()
	provider.add(0, visitAt("t1", "L", "lorimer", "20200106", now.Add(10*time.Minute)))

	registry := &countingRegistry{}
	s := testStream(provider, registry)
	s.aggregator.TimeNow = func() time.Time { return now }

	ch1, detach1 := s.Attach()
	first := recvSnapshot(t, ch1)

	// A late consumer gets the current snapshot on attach.
	ch2, detach2 := s.Attach()
	second := recvSnapshot(t, ch2)
	assert.True(t, first.Equal(second))

	// One detach leaves the stream running for the other.
	detach1()
	_, removed := registry.counts()
	assert.Equal(t, 0, removed)

	detach2()
	_, removed = registry.counts()
	assert.Equal(t, 1, removed)
}

func TestStreamUnsubscribeStopsPolling(t *testing.T) {
	now := time.Date(2020, 1, 6, 9, 0, 0, 0, time.UTC)
	provider := newFakeProvider()
	provider.add(0, visitAt("t1", "L", "lorimer", "20200106", now.Add(10*time.Minute)))

	registry := &countingRegistry{}
	s := testStream(provider, registry)
	s.aggregator.TimeNow = func() time.Time { return now }

	ch, detach := s.Attach()
	recvSnapshot(t, ch)

	detach()

	// The consumer channel closes.
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}

	// And no more upstream calls happen once the loop has wound
	// down.
	time.Sleep(20 * time.Millisecond)
	before := provider.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, provider.callCount())

	_, removed := registry.counts()
	assert.Equal(t, 1, removed)
	assert.NoError(t, s.Err())
}

func TestStreamPassErrorFatal(t *testing.T) {
	now := time.Date(2020, 1, 6, 9, 0, 0, 0, time.UTC)
	provider := newFakeProvider()
	provider.add(0, visitAt("t1", "L", "lorimer", "20200106", now.Add(10*time.Minute)))

	registry := &countingRegistry{}
	s := testStream(provider, registry)
	s.aggregator.TimeNow = func() time.Time { return now }

	ch1, _ := s.Attach()
	ch2, _ := s.Attach()
	recvSnapshot(t, ch1)
	recvSnapshot(t, ch2)

	// The store breaks; the next pass kills the stream for both
	// consumers.
	provider.setError(fmt.Errorf("store exploded"))

	for _, ch := range []<-chan *Snapshot{ch1, ch2} {
		deadline := time.After(2 * time.Second)
		closed := false
		for !closed {
			select {
			case _, ok := <-ch:
				closed = !ok
			case <-deadline:
				t.Fatal("channel not closed after pass error")
			}
		}
	}

	assert.ErrorContains(t, s.Err(), "store exploded")

	_, removed := registry.counts()
	assert.Equal(t, 1, removed)

	// Attaching to a dead stream yields a closed channel.
	ch3, detach3 := s.Attach()
	_, ok := <-ch3
	assert.False(t, ok)
	detach3()
}

func TestStreamFirstPassErrorFatal(t *testing.T) {
	provider := newFakeProvider()
	provider.setError(fmt.Errorf("store exploded"))

	s := testStream(provider, &countingRegistry{})

	ch, _ := s.Attach()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}

	assert.ErrorContains(t, s.Err(), "store exploded")
}
