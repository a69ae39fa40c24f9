package stopboard

import (
	"time"

	"github.com/stopboard/stopboard/parse"
)

const (
	// Real-time adjustments deviating further than this from the
	// schedule are considered bogus and discarded.
	maxCredibleDeviation = 90 * time.Minute

	// Window around now within which an occurrence is "feasibly
	// active", making it eligible for date-less cancellations and
	// skips.
	feasiblyActiveWindow = 4 * time.Hour
)

// Reconcile merges static occurrences with real-time trip updates,
// producing predictions for the future. Occurrences are dropped when
// canceled or skipped (subject to the feasibly-active gate), or when
// their resolved departure has already passed.
func Reconcile(
	occurrences []*StaticOccurrence,
	updates map[string]*parse.TripUpdate,
	now time.Time,
) []*ReconciledStop {

	reconciled := []*ReconciledStop{}

	for _, occ := range occurrences {
		// Exact match on trip and service date, with date-less
		// updates as ambiguous fallback.
		update, exact := updates[occ.TripID+"_"+occ.ServiceDate]
		if !exact {
			update = updates[occ.TripID]
		}

		var stopUpdate *parse.StopTimeUpdate
		if update != nil {
			stopUpdate = matchStopUpdate(occ, update)
		}

		// A date-less cancellation or skip must not wipe out an
		// unrelated day's occurrence of the same trip, unless
		// that occurrence is near now.
		if update != nil && (exact || feasiblyActive(occ, now)) {
			if update.Canceled {
				continue
			}
			if stopUpdate != nil && stopUpdate.Type == parse.StopTimeUpdateSkipped {
				continue
			}
		}

		// A skip that didn't pass the gate belongs to some other
		// day's occurrence; it says nothing about this one.
		if stopUpdate != nil && stopUpdate.Type == parse.StopTimeUpdateSkipped {
			stopUpdate = nil
		}

		arrival, departure, isRealtime := resolveTimes(occ, stopUpdate)

		if departure.Before(now) {
			continue
		}

		reconciled = append(reconciled, &ReconciledStop{
			TripID:        occ.TripID,
			RouteID:       occ.RouteID,
			StopID:        occ.StopID,
			RouteName:     occ.RouteName,
			RouteColor:    occ.RouteColor,
			StopName:      occ.StopName,
			Headsign:      occ.Headsign,
			ArrivalTime:   arrival,
			DepartureTime: departure,
			IsRealtime:    isRealtime,
		})
	}

	return reconciled
}

// Finds the update for the occurrence's stop: stop sequence match
// first, then stop ID. NO_DATA updates carry no information and never
// match.
func matchStopUpdate(occ *StaticOccurrence, update *parse.TripUpdate) *parse.StopTimeUpdate {
	for _, stu := range update.StopUpdates {
		if stu.Type == parse.StopTimeUpdateNoData {
			continue
		}
		if stu.StopSequence != 0 && stu.StopSequence == occ.StopSequence {
			return stu
		}
	}
	for _, stu := range update.StopUpdates {
		if stu.Type == parse.StopTimeUpdateNoData {
			continue
		}
		if stu.StopID != "" && stu.StopID == occ.StopID {
			return stu
		}
	}
	return nil
}

// resolveTimes computes the occurrence's effective arrival and
// departure, and whether they reflect real-time data.
func resolveTimes(
	occ *StaticOccurrence,
	stopUpdate *parse.StopTimeUpdate,
) (time.Time, time.Time, bool) {

	arrival := occ.ScheduledArrival
	departure := occ.ScheduledDeparture

	if stopUpdate == nil {
		if arrival.After(departure) {
			departure = arrival
		}
		return arrival, departure, false
	}

	// When the update speaks to only one of arrival/departure, a
	// single delay is inferred and carried over to the silent side.
	arrivalSignal := stopUpdate.ArrivalIsSet &&
		(stopUpdate.ArrivalDelaySet || !stopUpdate.ArrivalTime.IsZero())
	departureSignal := stopUpdate.DepartureIsSet &&
		(stopUpdate.DepartureDelaySet || !stopUpdate.DepartureTime.IsZero())

	var delay time.Duration
	if arrivalSignal && !departureSignal {
		if stopUpdate.ArrivalDelaySet {
			delay = stopUpdate.ArrivalDelay
		} else {
			delay = stopUpdate.ArrivalTime.Sub(occ.ScheduledArrival)
		}
	} else if departureSignal && !arrivalSignal {
		if stopUpdate.DepartureDelaySet {
			delay = stopUpdate.DepartureDelay
		} else {
			delay = stopUpdate.DepartureTime.Sub(occ.ScheduledDeparture)
		}
	}

	// Per side: absolute time if given, else schedule plus the
	// side's own delay, else schedule plus the shared delay.
	if stopUpdate.ArrivalIsSet && !stopUpdate.ArrivalTime.IsZero() {
		arrival = stopUpdate.ArrivalTime
	} else if stopUpdate.ArrivalIsSet && stopUpdate.ArrivalDelaySet {
		arrival = occ.ScheduledArrival.Add(stopUpdate.ArrivalDelay)
	} else {
		arrival = occ.ScheduledArrival.Add(delay)
	}

	if stopUpdate.DepartureIsSet && !stopUpdate.DepartureTime.IsZero() {
		departure = stopUpdate.DepartureTime
	} else if stopUpdate.DepartureIsSet && stopUpdate.DepartureDelaySet {
		departure = occ.ScheduledDeparture.Add(stopUpdate.DepartureDelay)
	} else {
		departure = occ.ScheduledDeparture.Add(delay)
	}

	// A stop cannot depart before it arrives.
	if arrival.After(departure) {
		departure = arrival
	}

	// An adjustment this far off the schedule is more likely a
	// wrong-day match or feed garbage than an actual hold.
	deviation := absDuration(arrival.Sub(occ.ScheduledArrival))
	if d := absDuration(departure.Sub(occ.ScheduledDeparture)); d > deviation {
		deviation = d
	}
	if deviation > maxCredibleDeviation {
		arrival = occ.ScheduledArrival
		departure = occ.ScheduledDeparture
		if arrival.After(departure) {
			departure = arrival
		}
		return arrival, departure, false
	}

	return arrival, departure, true
}

func feasiblyActive(occ *StaticOccurrence, now time.Time) bool {
	arrivalDist := absDuration(occ.ScheduledArrival.Sub(now))
	departureDist := absDuration(occ.ScheduledDeparture.Sub(now))
	if departureDist < arrivalDist {
		arrivalDist = departureDist
	}
	return arrivalDist < feasiblyActiveWindow
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Removes entries sharing (tripID, arrival, departure). A 3-day scan
// window can surface the same physical visit twice near local
// midnight.
func dedupeStops(stops []*ReconciledStop) []*ReconciledStop {
	type identity struct {
		tripID    string
		arrival   int64
		departure int64
	}

	seen := map[identity]bool{}
	kept := stops[:0]
	for _, stop := range stops {
		id := identity{stop.TripID, stop.ArrivalTime.Unix(), stop.DepartureTime.Unix()}
		if seen[id] {
			continue
		}
		seen[id] = true
		kept = append(kept, stop)
	}
	return kept
}
