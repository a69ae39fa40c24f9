package stopboard

import (
	"context"
	"sort"
	"sync"
	"time"
)

type AggregateOptions struct {
	// Maximum number of trips in the snapshot. 0 means no limit.
	Limit int

	// Order (and filter the past) by departure instead of arrival.
	SortByDeparture bool

	// Keep only the earliest trip per (routeID, stopID) pair.
	NextPerRoute bool
}

// Aggregator runs reconciliation across multiple route-stop pairs and
// a 3-day service window, producing a single ordered snapshot.
type Aggregator struct {
	Provider Provider

	// Overridable for testing
	TimeNow func() time.Time
}

func NewAggregator(provider Provider) *Aggregator {
	return &Aggregator{
		Provider: provider,
		TimeNow:  time.Now,
	}
}

// dayOffsets covers yesterday's overnight trips and tomorrow's early
// ones, both of which can fall near now around local midnight.
var dayOffsets = []int{-1, 0, 1}

// Aggregate produces a snapshot of upcoming trips for the given
// route-stop pairs. Occurrence lookups for all pairs and day offsets
// run concurrently. Any lookup failure fails the whole pass.
func (a *Aggregator) Aggregate(
	ctx context.Context,
	queries []RouteStopQuery,
	opts AggregateOptions,
) (*Snapshot, error) {

	occurrences := make([][]*StaticOccurrence, len(queries)*len(dayOffsets))
	errs := make([]error, len(queries)*len(dayOffsets))

	var wg sync.WaitGroup
	for qi, query := range queries {
		for oi, offset := range dayOffsets {
			wg.Add(1)
			go func(slot int, query RouteStopQuery, offset int) {
				defer wg.Done()
				occs, err := a.Provider.Occurrences(ctx, query.RouteID, query.StopID, offset)
				if err != nil {
					errs[slot] = err
					return
				}
				occurrences[slot] = occs
			}(qi*len(dayOffsets)+oi, query, offset)
		}
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	tripIDs := []string{}
	seenTrips := map[string]bool{}
	for _, occs := range occurrences {
		for _, occ := range occs {
			if !seenTrips[occ.TripID] {
				seenTrips[occ.TripID] = true
				tripIDs = append(tripIDs, occ.TripID)
			}
		}
	}

	updates := a.Provider.Updates(ctx, tripIDs)
	now := a.TimeNow()

	trips := []*ReconciledStop{}
	for qi, query := range queries {
		union := []*StaticOccurrence{}
		for oi := range dayOffsets {
			union = append(union, occurrences[qi*len(dayOffsets)+oi]...)
		}

		reconciled := Reconcile(union, updates, now)

		if query.OffsetSeconds != 0 {
			shift := time.Duration(query.OffsetSeconds) * time.Second
			for _, stop := range reconciled {
				stop.ArrivalTime = stop.ArrivalTime.Add(shift)
				stop.DepartureTime = stop.DepartureTime.Add(shift)
			}
		}

		trips = append(trips, reconciled...)
	}

	trips = dedupeStops(trips)

	sortKey := func(stop *ReconciledStop) time.Time {
		if opts.SortByDeparture {
			return stop.DepartureTime
		}
		return stop.ArrivalTime
	}

	upcoming := trips[:0]
	for _, stop := range trips {
		if sortKey(stop).Before(now) {
			continue
		}
		upcoming = append(upcoming, stop)
	}
	trips = upcoming

	sort.Slice(trips, func(i, j int) bool {
		ki, kj := sortKey(trips[i]), sortKey(trips[j])
		if ki.Equal(kj) {
			return trips[i].TripID < trips[j].TripID
		}
		return ki.Before(kj)
	})

	if opts.NextPerRoute {
		type pair struct{ routeID, stopID string }
		seen := map[pair]bool{}
		next := trips[:0]
		// First seen is earliest, since trips are sorted.
		for _, stop := range trips {
			p := pair{stop.RouteID, stop.StopID}
			if seen[p] {
				continue
			}
			seen[p] = true
			next = append(next, stop)
		}
		trips = next
	}

	if opts.Limit > 0 && len(trips) > opts.Limit {
		trips = trips[:opts.Limit]
	}

	return &Snapshot{Trips: trips}, nil
}
