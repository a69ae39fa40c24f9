package stopboard

import (
	"context"
	"fmt"
	"testing"
	"time"

	p "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"

	"github.com/stopboard/stopboard/downloader"
	"github.com/stopboard/stopboard/parse"
)

func buildFeedData(t *testing.T, tripID string, startDate string, delay int32) []byte {
	t.Helper()

	data, err := proto.Marshal(&p.FeedMessage{
		Header: &p.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(1700000000),
		},
		Entity: []*p.FeedEntity{
			{
				Id: proto.String("entity_" + tripID),
				TripUpdate: &p.TripUpdate{
					Trip: &p.TripDescriptor{
						TripId:    proto.String(tripID),
						StartDate: proto.String(startDate),
					},
					StopTimeUpdate: []*p.TripUpdate_StopTimeUpdate{
						{
							StopSequence: proto.Uint32(1),
							Arrival: &p.TripUpdate_StopTimeEvent{
								Delay: proto.Int32(delay),
							},
						},
					},
				},
			},
		},
	})
	require.NoError(t, err)
	return data
}

func stubFetch(responses map[string]downloader.Response) func(
	context.Context, string, map[string]string, downloader.GetOptions,
) (downloader.Response, error) {
	return func(ctx context.Context, url string, headers map[string]string, options downloader.GetOptions) (downloader.Response, error) {
		resp, ok := responses[url]
		if !ok {
			return downloader.Response{}, fmt.Errorf("no such url: %s", url)
		}
		return resp, nil
	}
}

func TestRealtimeFetcherMergesEndpoints(t *testing.T) {
	fetcher := NewRealtimeFetcher([]RealtimeEndpoint{
		{URL: "http://rt.example.com/1"},
		{URL: "http://rt.example.com/2"},
	}, zerolog.Nop())

	fetcher.Fetch = stubFetch(map[string]downloader.Response{
		"http://rt.example.com/1": {Body: buildFeedData(t, "t1", "20200106", 60)},
		"http://rt.example.com/2": {Body: buildFeedData(t, "t2", "", 120)},
	})

	rt, ttl, err := fetcher.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, len(rt.Updates))

	// No freshness hints anywhere: fixed fallback TTL.
	assert.Equal(t, DefaultRealtimeTTL, ttl)

	updates := FlattenUpdates(rt)
	require.Contains(t, updates, "t1_20200106")
	require.Contains(t, updates, "t2")
	assert.Equal(t, 60*time.Second, updates["t1_20200106"].StopUpdates[0].ArrivalDelay)
	assert.Equal(t, "", updates["t2"].StartDate)
}

func TestRealtimeFetcherMostRestrictiveTTL(t *testing.T) {
	fetcher := NewRealtimeFetcher([]RealtimeEndpoint{
		{URL: "http://rt.example.com/1"},
		{URL: "http://rt.example.com/2"},
		{URL: "http://rt.example.com/3"},
	}, zerolog.Nop())

	fetcher.Fetch = stubFetch(map[string]downloader.Response{
		"http://rt.example.com/1": {
			Body: buildFeedData(t, "t1", "", 60),
		},
		"http://rt.example.com/2": {
			Body:         buildFeedData(t, "t2", "", 60),
			Freshness:    45 * time.Second,
			HasFreshness: true,
		},
		"http://rt.example.com/3": {
			Body:         buildFeedData(t, "t3", "", 60),
			Freshness:    30 * time.Second,
			HasFreshness: true,
		},
	})

	_, ttl, err := fetcher.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)
}

func TestRealtimeFetcherNoCacheWins(t *testing.T) {
	fetcher := NewRealtimeFetcher([]RealtimeEndpoint{
		{URL: "http://rt.example.com/1"},
		{URL: "http://rt.example.com/2"},
	}, zerolog.Nop())

	fetcher.Fetch = stubFetch(map[string]downloader.Response{
		"http://rt.example.com/1": {
			Body:         buildFeedData(t, "t1", "", 60),
			Freshness:    45 * time.Second,
			HasFreshness: true,
		},
		"http://rt.example.com/2": {
			Body:         buildFeedData(t, "t2", "", 60),
			Freshness:    0,
			HasFreshness: true,
		},
	})

	_, ttl, err := fetcher.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), ttl)
}

func TestRealtimeFetcherFailurePropagates(t *testing.T) {
	fetcher := NewRealtimeFetcher([]RealtimeEndpoint{
		{URL: "http://rt.example.com/1"},
		{URL: "http://rt.example.com/down"},
	}, zerolog.Nop())

	fetcher.Fetch = stubFetch(map[string]downloader.Response{
		"http://rt.example.com/1": {Body: buildFeedData(t, "t1", "", 60)},
	})

	_, _, err := fetcher.FetchAll(context.Background())
	assert.Error(t, err)
}

func TestRealtimeFetcherUndecodableFeed(t *testing.T) {
	fetcher := NewRealtimeFetcher([]RealtimeEndpoint{
		{URL: "http://rt.example.com/1"},
	}, zerolog.Nop())

	fetcher.Fetch = stubFetch(map[string]downloader.Response{
		"http://rt.example.com/1": {Body: []byte("not a protobuf, definitely")},
	})

	_, _, err := fetcher.FetchAll(context.Background())
	assert.Error(t, err)
}

func TestFlattenUpdatesKeying(t *testing.T) {
	rt := &parse.Realtime{
		Updates: []*parse.TripUpdate{
			{TripID: "t1", StartDate: "20200106"},
			{TripID: "t1"},
			{TripID: "t2", Canceled: true},
		},
	}

	updates := FlattenUpdates(rt)
	require.Len(t, updates, 3)
	assert.Equal(t, "20200106", updates["t1_20200106"].StartDate)
	assert.Equal(t, "", updates["t1"].StartDate)
	assert.True(t, updates["t2"].Canceled)
}
