package stopboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stopboard/stopboard/downloader"
	"github.com/stopboard/stopboard/parse"
)

const (
	// Used when no endpoint reports a freshness hint.
	DefaultRealtimeTTL = 1 * time.Minute

	DefaultRealtimeMaxSize = 10 << 20
	DefaultRealtimeTimeout = 30 * time.Second
)

// A single GTFS Realtime feed URL, with any headers required to
// retrieve it (API keys and the like).
type RealtimeEndpoint struct {
	URL     string
	Headers map[string]string
}

// RealtimeFetcher retrieves one or more GTFS Realtime endpoints and
// decodes them into trip updates.
type RealtimeFetcher struct {
	Endpoints []RealtimeEndpoint
	MaxSize   int
	Timeout   time.Duration
	Logger    zerolog.Logger

	// Overridable for testing
	Fetch func(
		ctx context.Context,
		url string,
		headers map[string]string,
		options downloader.GetOptions,
	) (downloader.Response, error)
}

func NewRealtimeFetcher(endpoints []RealtimeEndpoint, logger zerolog.Logger) *RealtimeFetcher {
	return &RealtimeFetcher{
		Endpoints: endpoints,
		MaxSize:   DefaultRealtimeMaxSize,
		Timeout:   DefaultRealtimeTimeout,
		Logger:    logger,
		Fetch:     downloader.Fetch,
	}
}

// FetchAll retrieves all endpoints in parallel and decodes the merged
// result. The returned TTL is how long the result may be reused: the
// most restrictive freshness hint across all responses, or
// DefaultRealtimeTTL when no endpoint reports one. A no-cache hint
// from any endpoint forces the TTL to zero.
func (f *RealtimeFetcher) FetchAll(ctx context.Context) (*parse.Realtime, time.Duration, error) {
	feeds := make([][]byte, len(f.Endpoints))
	freshness := make([]downloader.Response, len(f.Endpoints))
	errs := make([]error, len(f.Endpoints))

	var wg sync.WaitGroup
	for i, endpoint := range f.Endpoints {
		wg.Add(1)
		go func(i int, endpoint RealtimeEndpoint) {
			defer wg.Done()
			resp, err := f.Fetch(ctx, endpoint.URL, endpoint.Headers, downloader.GetOptions{
				MaxSize: f.MaxSize,
				Timeout: f.Timeout,
			})
			if err != nil {
				errs[i] = fmt.Errorf("fetching %s: %w", endpoint.URL, err)
				return
			}
			feeds[i] = resp.Body
			freshness[i] = resp
		}(i, endpoint)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, 0, err
		}
	}

	rt, err := parse.ParseRealtime(ctx, feeds)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing realtime: %w", err)
	}

	ttl := DefaultRealtimeTTL
	hinted := false
	for _, resp := range freshness {
		if !resp.HasFreshness {
			continue
		}
		if !hinted || resp.Freshness < ttl {
			ttl = resp.Freshness
		}
		hinted = true
	}

	return rt, ttl, nil
}

// FlattenUpdates indexes trip updates for reconciliation. Updates
// carrying a start date are keyed "tripID_serviceDate"; date-less
// updates are keyed by bare trip ID and may match occurrences on more
// than one service-day.
func FlattenUpdates(rt *parse.Realtime) map[string]*parse.TripUpdate {
	updates := make(map[string]*parse.TripUpdate, len(rt.Updates))
	for _, update := range rt.Updates {
		key := update.TripID
		if update.StartDate != "" {
			key = update.TripID + "_" + update.StartDate
		}
		updates[key] = update
	}
	return updates
}
