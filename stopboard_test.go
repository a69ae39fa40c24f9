package stopboard

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciledStopJSON(t *testing.T) {
	arrival := time.Date(2020, 1, 6, 9, 0, 0, 0, time.UTC)

	stop := &ReconciledStop{
		TripID:        "t1",
		RouteID:       "L",
		StopID:        "lorimer",
		RouteName:     "L",
		RouteColor:    "A7A9AC",
		StopName:      "Lorimer St",
		Headsign:      "Canarsie",
		ArrivalTime:   arrival,
		DepartureTime: arrival.Add(time.Minute),
		IsRealtime:    true,
	}

	buf, err := json.Marshal(stop)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf, &decoded))

	assert.Equal(t, "t1", decoded["tripId"])
	assert.Equal(t, "L", decoded["routeId"])
	assert.Equal(t, "lorimer", decoded["stopId"])
	assert.Equal(t, "Canarsie", decoded["headsign"])
	assert.Equal(t, float64(arrival.Unix()), decoded["arrivalTime"])
	assert.Equal(t, float64(arrival.Unix()+60), decoded["departureTime"])
	assert.Equal(t, true, decoded["isRealtime"])
}

func TestReconciledStopJSONOmitsEmptyColor(t *testing.T) {
	buf, err := json.Marshal(&ReconciledStop{TripID: "t1"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf, &decoded))
	assert.NotContains(t, decoded, "routeColor")
}

func TestSnapshotEqual(t *testing.T) {
	arrival := time.Date(2020, 1, 6, 9, 0, 0, 0, time.UTC)
	stop := func(tripID string) *ReconciledStop {
		return &ReconciledStop{
			TripID:        tripID,
			RouteID:       "L",
			StopID:        "lorimer",
			ArrivalTime:   arrival,
			DepartureTime: arrival.Add(time.Minute),
		}
	}

	a := &Snapshot{Trips: []*ReconciledStop{stop("t1"), stop("t2")}}

	assert.True(t, a.Equal(&Snapshot{Trips: []*ReconciledStop{stop("t1"), stop("t2")}}))

	// Anything structural breaks equality: order, membership, times
	// and the realtime flag.
	assert.False(t, a.Equal(nil))
	assert.False(t, a.Equal(&Snapshot{}))
	assert.False(t, a.Equal(&Snapshot{Trips: []*ReconciledStop{stop("t2"), stop("t1")}}))

	late := stop("t2")
	late.ArrivalTime = arrival.Add(time.Minute)
	assert.False(t, a.Equal(&Snapshot{Trips: []*ReconciledStop{stop("t1"), late}}))

	rt := stop("t2")
	rt.IsRealtime = true
	assert.False(t, a.Equal(&Snapshot{Trips: []*ReconciledStop{stop("t1"), rt}}))
}
