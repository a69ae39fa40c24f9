package parse

import (
	"context"
	"fmt"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"
)

type StopTimeUpdateScheduleRelationship int

const (
	StopTimeUpdateScheduled StopTimeUpdateScheduleRelationship = iota
	StopTimeUpdateSkipped
	StopTimeUpdateNoData
)

// One stop's worth of realtime data within a trip update. Arrival and
// departure each carry an optional absolute time and an optional
// explicit delay; the IsSet flags distinguish "zero" from "absent".
type StopTimeUpdate struct {
	StopID            string
	StopSequence      uint32
	ArrivalIsSet      bool
	ArrivalTime       time.Time
	ArrivalDelay      time.Duration
	ArrivalDelaySet   bool
	DepartureIsSet    bool
	DepartureTime     time.Time
	DepartureDelay    time.Duration
	DepartureDelaySet bool
	Type              StopTimeUpdateScheduleRelationship
}

// HasSignal reports whether the update carries any usable time or
// delay information.
func (u *StopTimeUpdate) HasSignal() bool {
	return (u.ArrivalIsSet && (u.ArrivalDelaySet || !u.ArrivalTime.IsZero())) ||
		(u.DepartureIsSet && (u.DepartureDelaySet || !u.DepartureTime.IsZero()))
}

// Realtime data for one trip. StartDate is the trip's service date as
// YYYYMMDD, or blank when the feed omits it. A blank StartDate makes
// the update ambiguous: it may apply to any service-day running the
// trip.
type TripUpdate struct {
	TripID      string
	StartDate   string
	Canceled    bool
	StopUpdates []*StopTimeUpdate
}

// Contains key data from one or more GTFS Realtime feeds.
type Realtime struct {
	// Timestamp of the feed. If loaded from multiple feeds, the
	// last one wins.
	Timestamp uint64
	Updates   []*TripUpdate

	// These exist to simplify debugging down the road
	NumScheduledTrips   int
	NumAddedTrips       int
	NumUnscheduledTrips int
	NumCanceledTrips    int
	NumDuplicatedTrips  int
}

func ParseRealtime(ctx context.Context, feeds [][]byte) (*Realtime, error) {
	rt := &Realtime{
		Updates: []*TripUpdate{},
	}

	for _, feed := range feeds {
		f := &gtfsproto.FeedMessage{}
		err := proto.Unmarshal(feed, f)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling protobuf: %w", err)
		}

		header := f.GetHeader()

		version := header.GetGtfsRealtimeVersion()
		if version != "2.0" && version != "1.0" {
			return nil, fmt.Errorf("version %s not supported", version)
		}

		if header.GetIncrementality() != gtfsproto.FeedHeader_FULL_DATASET {
			return nil, fmt.Errorf("feed incrementality %s not supported", header.GetIncrementality())
		}

		rt.Timestamp = header.GetTimestamp()

		err = processEntities(ctx, rt, f.GetEntity())
		if err != nil {
			return nil, fmt.Errorf("processing entities: %w", err)
		}
	}

	return rt, nil
}

func processEntities(ctx context.Context, rt *Realtime, entities []*gtfsproto.FeedEntity) error {
	for _, entity := range entities {
		// We only care about TripUpdates
		if entity.TripUpdate == nil {
			continue
		}

		trip := entity.TripUpdate.Trip
		if trip == nil {
			return fmt.Errorf("trip_update missing trip")
		}

		// Blank trip ID is allowed when (route_id,
		// direction_id, start_time, start_date) uniquely
		// identifies the trip, and for frequency based
		// trips. We don't support either.
		if trip.GetTripId() == "" {
			continue
		}

		switch trip.GetScheduleRelationship() {

		case gtfsproto.TripDescriptor_SCHEDULED:
			update := &TripUpdate{
				TripID:    trip.GetTripId(),
				StartDate: trip.GetStartDate(),
			}
			for _, stup := range entity.TripUpdate.GetStopTimeUpdate() {
				err := processStopTimeUpdate(ctx, update, stup)
				if err != nil {
					return fmt.Errorf("processing stop time update: %w", err)
				}
			}
			rt.Updates = append(rt.Updates, update)
			rt.NumScheduledTrips++

		case gtfsproto.TripDescriptor_CANCELED:
			rt.Updates = append(rt.Updates, &TripUpdate{
				TripID:    trip.GetTripId(),
				StartDate: trip.GetStartDate(),
				Canceled:  true,
			})
			rt.NumCanceledTrips++

		case gtfsproto.TripDescriptor_ADDED:
			// An extra trip that's been added. Not supported!
			rt.NumAddedTrips++

		case gtfsproto.TripDescriptor_UNSCHEDULED:
			// For frequency based trips only. Not supported!
			rt.NumUnscheduledTrips++

		case gtfsproto.TripDescriptor_DUPLICATED:
			// Copy of a trip in the schedule. Not supported!
			rt.NumDuplicatedTrips++
		}
	}

	return nil
}

func processStopTimeUpdate(
	ctx context.Context,
	trip *TripUpdate,
	update *gtfsproto.TripUpdate_StopTimeUpdate,
) error {

	stup := &StopTimeUpdate{
		StopID:       update.GetStopId(),
		StopSequence: uint32(update.GetStopSequence()),
	}

	if update.Arrival != nil {
		stup.ArrivalIsSet = true
		if unix := int64(update.GetArrival().GetTime()); unix != 0 {
			stup.ArrivalTime = time.Unix(unix, 0).UTC()
		}
		if update.GetArrival().Delay != nil {
			stup.ArrivalDelaySet = true
			stup.ArrivalDelay = time.Duration(update.GetArrival().GetDelay()) * time.Second
		}
	}

	if update.Departure != nil {
		stup.DepartureIsSet = true
		if unix := int64(update.GetDeparture().GetTime()); unix != 0 {
			stup.DepartureTime = time.Unix(unix, 0).UTC()
		}
		if update.GetDeparture().Delay != nil {
			stup.DepartureDelaySet = true
			stup.DepartureDelay = time.Duration(update.GetDeparture().GetDelay()) * time.Second
		}
	}

	if stup.StopID == "" && stup.StopSequence == 0 {
		// XXX: GTFS-rt actually allows a bare StopSequence
		// of 0. This may cause problems.
		return fmt.Errorf("stop_time_update missing stop_id and stop_sequence")
	}

	switch update.GetScheduleRelationship() {

	case gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED:
		stup.Type = StopTimeUpdateScheduled
		trip.StopUpdates = append(trip.StopUpdates, stup)

	case gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED:
		stup.Type = StopTimeUpdateSkipped
		trip.StopUpdates = append(trip.StopUpdates, stup)

	case gtfsproto.TripUpdate_StopTimeUpdate_NO_DATA:
		stup.Type = StopTimeUpdateNoData
		trip.StopUpdates = append(trip.StopUpdates, stup)

	case gtfsproto.TripUpdate_StopTimeUpdate_UNSCHEDULED:
		// For frequency based trips. Not supported!
	}

	return nil
}
