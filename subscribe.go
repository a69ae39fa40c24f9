package stopboard

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval    = 30 * time.Second
	DefaultStartupDelayMax = 10 * time.Second
	DefaultPollJitterMax   = 1 * time.Second
)

// Stream is a polling subscription to an aggregated schedule, shared
// by any number of consumers. One poll loop serves them all; it starts
// with the first Attach and stops when the last consumer detaches.
//
// Polling begins with an immediate pass, emitted unconditionally.
// After a random startup delay in [0, StartupDelayMax) the stream
// settles into its poll interval, stretched by a jitter in [0,
// PollJitterMax) rolled once per stream. The delay and jitter spread
// out herds of clients reconnecting at the same moment. Subsequent
// snapshots are emitted only when they differ from the last one
// emitted.
//
// An error during a pass is fatal: all consumer channels close, and
// Err reports the cause.
type Stream struct {
	PollInterval    time.Duration
	StartupDelayMax time.Duration
	PollJitterMax   time.Duration

	// Overridable for testing
	RandDuration func(max time.Duration) time.Duration

	aggregator *Aggregator
	queries    []RouteStopQuery
	opts       AggregateOptions
	registry   Registry
	logger     zerolog.Logger

	mutex     sync.Mutex
	consumers map[int]chan *Snapshot
	nextID    int
	running   bool
	closed    bool
	cancel    context.CancelFunc
	last      *Snapshot
	err       error

	closeOnce sync.Once
}

// Subscribe creates a stream over the given queries and registers it
// with the registry. Polling starts when the first consumer attaches.
func Subscribe(
	aggregator *Aggregator,
	queries []RouteStopQuery,
	opts AggregateOptions,
	registry Registry,
	logger zerolog.Logger,
) *Stream {

	s := &Stream{
		PollInterval:    DefaultPollInterval,
		StartupDelayMax: DefaultStartupDelayMax,
		PollJitterMax:   DefaultPollJitterMax,
		RandDuration:    randDuration,

		aggregator: aggregator,
		queries:    queries,
		opts:       opts,
		registry:   registry,
		logger:     logger,

		consumers: map[int]chan *Snapshot{},
	}

	registry.Add(queries)

	return s
}

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Attach adds a consumer. The returned channel delivers snapshots
// until the consumer detaches or the stream dies; the returned
// function detaches. A consumer joining an already-running stream
// receives the latest snapshot right away.
func (s *Stream) Attach() (<-chan *Snapshot, func()) {
	s.mutex.Lock()

	if s.closed {
		s.mutex.Unlock()
		ch := make(chan *Snapshot)
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	ch := make(chan *Snapshot, 16)
	s.consumers[id] = ch

	if s.last != nil {
		ch <- s.last
	}

	start := !s.running
	if start {
		s.running = true
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.run(ctx)
	}

	s.mutex.Unlock()

	return ch, func() { s.detach(id) }
}

// Err reports why the stream closed. Nil after a clean close.
func (s *Stream) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

func (s *Stream) detach(id int) {
	s.mutex.Lock()

	ch, ok := s.consumers[id]
	if !ok {
		s.mutex.Unlock()
		return
	}
	delete(s.consumers, id)
	close(ch)

	// Closing under the same lock keeps a new consumer from
	// attaching mid-teardown.
	lastOut := len(s.consumers) == 0 && !s.closed
	var cancel context.CancelFunc
	if lastOut {
		s.closed = true
		cancel = s.cancel
	}

	s.mutex.Unlock()

	if lastOut {
		if cancel != nil {
			cancel()
		}
		s.close(nil)
	}
}

// close makes the stream permanently dead: consumers' channels close
// and the registry registration is released. Idempotent.
func (s *Stream) close(err error) {
	s.closeOnce.Do(func() {
		s.mutex.Lock()
		s.closed = true
		s.err = err
		for id, ch := range s.consumers {
			delete(s.consumers, id)
			close(ch)
		}
		s.mutex.Unlock()

		s.registry.Remove(s.queries)
	})
}

func (s *Stream) run(ctx context.Context) {
	// First pass runs right away and is always emitted. A pass
	// failing kills the stream; real-time trouble is absorbed
	// upstream, so an error here means the aggregation itself is
	// broken.
	snapshot, err := s.aggregator.Aggregate(ctx, s.queries, s.opts)
	if err != nil {
		s.logger.Error().Err(err).Msg("aggregation pass failed, closing stream")
		s.close(err)
		return
	}
	s.emit(snapshot)

	startup := time.NewTimer(s.RandDuration(s.StartupDelayMax))
	defer startup.Stop()

	select {
	case <-ctx.Done():
		return
	case <-startup.C:
	}

	ticker := time.NewTicker(s.PollInterval + s.RandDuration(s.PollJitterMax))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := s.aggregator.Aggregate(ctx, s.queries, s.opts)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error().Err(err).Msg("aggregation pass failed, closing stream")
				s.close(err)
				return
			}
			s.emit(snapshot)
		}
	}
}

// emit delivers the snapshot to all consumers, unless it equals the
// last one delivered. A consumer too slow to drain its channel misses
// the snapshot rather than stalling the loop.
func (s *Stream) emit(snapshot *Snapshot) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}
	if snapshot.Equal(s.last) {
		return
	}
	s.last = snapshot

	for _, ch := range s.consumers {
		select {
		case ch <- snapshot:
		default:
			s.logger.Warn().Msg("slow consumer, dropping snapshot")
		}
	}
}
