package stopboard

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stopboard/stopboard/cache"
	"github.com/stopboard/stopboard/downloader"
	"github.com/stopboard/stopboard/model"
	"github.com/stopboard/stopboard/parse"
	"github.com/stopboard/stopboard/storage"
)

const (
	DefaultStaticRefreshInterval = 12 * time.Hour
	DefaultStaticTimeout         = 60 * time.Second
	DefaultStaticMaxSize         = 800 << 20
	DefaultOccurrenceTTL         = 12 * time.Hour
)

var ErrNoActiveFeed = errors.New("no active feed found")

var _ Provider = (*Feed)(nil)

// FeedConfig identifies one agency's data sources.
type FeedConfig struct {
	// Short identifier, used in cache keys and logs.
	Code string

	StaticURL     string
	StaticHeaders map[string]string

	Realtime []RealtimeEndpoint
}

// Feed is the reference Provider: a static GTFS feed kept fresh in
// storage, merged with zero or more GTFS Realtime endpoints.
type Feed struct {
	Config FeedConfig

	StaticRefreshInterval time.Duration
	StaticTimeout         time.Duration
	StaticMaxSize         int
	OccurrenceTTL         time.Duration
	Downloader            downloader.Downloader
	Logger                zerolog.Logger

	// Overridable for testing
	TimeNow func() time.Time

	// Optional hook, called whenever realtime data degrades to
	// static.
	OnRealtimeError func()

	fetcher *RealtimeFetcher
	cache   *cache.Cache
	storage storage.Storage

	mutex  sync.Mutex
	static *Static
}

func NewFeed(config FeedConfig, s storage.Storage, c *cache.Cache, logger zerolog.Logger) *Feed {
	logger = logger.With().Str("feed", config.Code).Logger()
	return &Feed{
		Config: config,

		StaticRefreshInterval: DefaultStaticRefreshInterval,
		StaticTimeout:         DefaultStaticTimeout,
		StaticMaxSize:         DefaultStaticMaxSize,
		OccurrenceTTL:         DefaultOccurrenceTTL,
		Downloader:            downloader.NewMemory(),
		Logger:                logger,
		TimeNow:               time.Now,

		fetcher: NewRealtimeFetcher(config.Realtime, logger),
		cache:   c,
		storage: s,
	}
}

// Sync makes sure an up to date static feed is loaded. The feed is
// downloaded when nothing in storage for its URL has been retrieved
// within the refresh interval. Either way, the most recently retrieved
// feed whose calendar covers today becomes the active one.
func (f *Feed) Sync(ctx context.Context) error {
	now := f.TimeNow().UTC()

	feeds, err := f.storage.ListFeeds(storage.ListFeedsFilter{URL: f.Config.StaticURL})
	if err != nil {
		return fmt.Errorf("listing feeds: %w", err)
	}

	fresh := false
	for _, feed := range feeds {
		if feed.RetrievedAt.After(now.Add(-f.StaticRefreshInterval)) {
			fresh = true
			break
		}
	}

	if !fresh {
		feeds, err = f.refresh(ctx, feeds)
		if err != nil {
			return fmt.Errorf("refreshing %s: %w", f.Config.StaticURL, err)
		}
	}

	static, err := f.mostRecentActive(feeds, now)
	if err != nil {
		return err
	}
	static.TimeNow = f.TimeNow

	f.mutex.Lock()
	f.static = static
	f.mutex.Unlock()

	return nil
}

// Downloads the static feed and, unless its content is already in
// storage, parses it. Returns the updated metadata list for the URL.
func (f *Feed) refresh(ctx context.Context, feeds []*storage.FeedMetadata) ([]*storage.FeedMetadata, error) {
	body, err := f.Downloader.Get(
		ctx,
		f.Config.StaticURL,
		f.Config.StaticHeaders,
		downloader.GetOptions{
			Timeout: f.StaticTimeout,
			MaxSize: f.StaticMaxSize,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("downloading: %w", err)
	}

	hash := fmt.Sprintf("%x", sha256.Sum256(body))
	retrievedAt := f.TimeNow().UTC()

	for _, feed := range feeds {
		if feed.SHA256 == hash {
			// Same content as before. Just bump the timestamp.
			feed.RetrievedAt = retrievedAt
			if err := f.storage.WriteFeedMetadata(feed); err != nil {
				return nil, fmt.Errorf("writing metadata: %w", err)
			}
			return feeds, nil
		}
	}

	writer, err := f.storage.GetWriter(hash)
	if err != nil {
		return nil, fmt.Errorf("getting writer: %w", err)
	}

	metadata, err := parse.ParseStatic(writer, body)
	if err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}

	metadata.URL = f.Config.StaticURL
	metadata.SHA256 = hash
	metadata.RetrievedAt = retrievedAt

	if err := f.storage.WriteFeedMetadata(metadata); err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	f.Logger.Info().
		Str("sha256", hash).
		Str("calendar_start", metadata.CalendarStartDate).
		Str("calendar_end", metadata.CalendarEndDate).
		Msg("parsed new static feed")

	return append(feeds, metadata), nil
}

// Selects the most recently retrieved feed that is also active at the
// given time.
func (f *Feed) mostRecentActive(feeds []*storage.FeedMetadata, when time.Time) (*Static, error) {
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].RetrievedAt.Before(feeds[j].RetrievedAt)
	})

	for i := len(feeds) - 1; i >= 0; i-- {
		ok, err := feedActive(feeds[i], when)
		if err != nil {
			return nil, fmt.Errorf("checking if feed is active: %w", err)
		}
		if !ok {
			continue
		}

		reader, err := f.storage.GetReader(feeds[i].SHA256)
		if err != nil {
			return nil, fmt.Errorf("getting reader: %w", err)
		}
		return NewStatic(reader, feeds[i])
	}

	return nil, ErrNoActiveFeed
}

func feedActive(feed *storage.FeedMetadata, now time.Time) (bool, error) {
	feedTz, err := time.LoadLocation(feed.Timezone)
	if err != nil {
		return false, fmt.Errorf("loading timezone: %w", err)
	}

	todayThere := now.In(feedTz).Format("20060102")

	if feed.CalendarStartDate > todayThere {
		return false, nil
	}
	if feed.CalendarEndDate < todayThere {
		return false, nil
	}

	return true, nil
}

// HealthCheck reports whether an active static feed is loaded and its
// calendar still covers today.
func (f *Feed) HealthCheck(ctx context.Context) error {
	static, err := f.activeStatic()
	if err != nil {
		return err
	}

	ok, err := feedActive(static.Metadata, f.TimeNow())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoActiveFeed
	}

	return nil
}

func (f *Feed) activeStatic() (*Static, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.static == nil {
		return nil, ErrNoActiveFeed
	}
	return f.static, nil
}

// Occurrences returns the scheduled visits for a route-stop pair on
// the service-day dayOffset days out. Results are cached.
func (f *Feed) Occurrences(ctx context.Context, routeID string, stopID string, dayOffset int) ([]*StaticOccurrence, error) {
	static, err := f.activeStatic()
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s:occurrences:%s:%s:%s:%d",
		f.Config.Code, static.Metadata.SHA256, routeID, stopID, dayOffset)

	return cache.Cached(f.cache, key, f.OccurrenceTTL, func() ([]*StaticOccurrence, error) {
		return static.Occurrences(ctx, routeID, stopID, dayOffset)
	})
}

// Updates returns the current real-time trip updates, keyed for
// reconciliation. The cache TTL follows upstream freshness hints. A
// failing or undecodable source degrades to no real-time data; the
// tripIDs hint exists for providers that can fetch selectively, this
// one always fetches everything.
func (f *Feed) Updates(ctx context.Context, tripIDs []string) map[string]*parse.TripUpdate {
	if len(f.Config.Realtime) == 0 {
		return map[string]*parse.TripUpdate{}
	}

	key := f.Config.Code + ":updates"
	updates, err := cache.CachedTTL(f.cache, key, func() (cache.Result[map[string]*parse.TripUpdate], error) {
		rt, ttl, err := f.fetcher.FetchAll(ctx)
		if err != nil {
			return cache.Result[map[string]*parse.TripUpdate]{}, err
		}
		return cache.Result[map[string]*parse.TripUpdate]{
			Value: FlattenUpdates(rt),
			TTL:   ttl,
		}, nil
	})
	if err != nil {
		f.Logger.Warn().Err(err).Msg("realtime degraded, serving static only")
		if f.OnRealtimeError != nil {
			f.OnRealtimeError()
		}
		return map[string]*parse.TripUpdate{}
	}

	return updates
}

func (f *Feed) ListStops(ctx context.Context) ([]*model.Stop, error) {
	static, err := f.activeStatic()
	if err != nil {
		return nil, err
	}
	return static.Reader.Stops()
}

func (f *Feed) GetStop(ctx context.Context, id string) (*model.Stop, error) {
	static, err := f.activeStatic()
	if err != nil {
		return nil, err
	}
	return static.Reader.Stop(id)
}

func (f *Feed) GetRoutesForStop(ctx context.Context, id string) ([]*model.Route, error) {
	static, err := f.activeStatic()
	if err != nil {
		return nil, err
	}
	return static.Reader.RoutesForStop(id)
}

func (f *Feed) GetStopsInArea(ctx context.Context, bounds model.Bounds) ([]*model.Stop, error) {
	static, err := f.activeStatic()
	if err != nil {
		return nil, err
	}
	return static.Reader.StopsInArea(bounds)
}

func (f *Feed) AgencyBounds(ctx context.Context) (model.Bounds, error) {
	static, err := f.activeStatic()
	if err != nil {
		return model.Bounds{}, err
	}
	return static.Reader.AgencyBounds()
}
