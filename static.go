package stopboard

import (
	"context"
	"fmt"
	"time"

	"github.com/stopboard/stopboard/storage"
)

// One scheduled visit of a trip to a stop on a specific service-day.
// ScheduledArrival and ScheduledDeparture are absolute times in the
// agency's timezone.
type StaticOccurrence struct {
	TripID             string
	RouteID            string
	StopID             string
	RouteName          string
	RouteColor         string
	StopName           string
	StopSequence       uint32
	Headsign           string
	ScheduledArrival   time.Time
	ScheduledDeparture time.Time
	ServiceDate        string
}

// Key identifies the occurrence for real-time matching.
func (o *StaticOccurrence) Key() string {
	return o.TripID + "_" + o.ServiceDate
}

// Static provides timetable occurrences from a single feed.
type Static struct {
	Metadata *storage.FeedMetadata
	Reader   storage.FeedReader

	location *time.Location

	// Overridable for testing
	TimeNow func() time.Time
}

func NewStatic(reader storage.FeedReader, metadata *storage.FeedMetadata) (*Static, error) {
	location, err := time.LoadLocation(metadata.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %s: %w", metadata.Timezone, err)
	}

	return &Static{
		Metadata: metadata,
		Reader:   reader,
		location: location,
		TimeNow:  time.Now,
	}, nil
}

// Occurrences returns all scheduled visits of trips on routeID to
// stopID on the service-day dayOffset days from today, in the agency's
// timezone. Times of day past 24:00:00 extend into the next calendar
// day.
func (s *Static) Occurrences(ctx context.Context, routeID string, stopID string, dayOffset int) ([]*StaticOccurrence, error) {
	day := s.TimeNow().In(s.location).AddDate(0, 0, dayOffset)
	date := day.Format("20060102")

	// Noon minus 12 hours is reliably midnight, also on days with
	// DST transitions.
	midnight := time.Date(
		day.Year(), day.Month(), day.Day(),
		12, 0, 0, 0,
		s.location,
	).Add(-12 * time.Hour)

	services, err := s.Reader.ActiveServices(date)
	if err != nil {
		return nil, fmt.Errorf("getting active services: %w", err)
	}
	if len(services) == 0 {
		return []*StaticOccurrence{}, nil
	}

	visits, err := s.Reader.StopVisits(storage.StopVisitFilter{
		StopID:     stopID,
		RouteID:    routeID,
		ServiceIDs: services,
	})
	if err != nil {
		return nil, fmt.Errorf("getting stop visits: %w", err)
	}

	occurrences := make([]*StaticOccurrence, 0, len(visits))
	for _, visit := range visits {
		headsign := visit.StopTime.Headsign
		if headsign == "" {
			headsign = visit.Trip.Headsign
		}
		if headsign == "" {
			headsign = visit.TerminalName
		}

		occurrences = append(occurrences, &StaticOccurrence{
			TripID:             visit.Trip.ID,
			RouteID:            visit.Route.ID,
			StopID:             visit.Stop.ID,
			RouteName:          visit.Route.DisplayName(),
			RouteColor:         visit.Route.Color,
			StopName:           visit.Stop.Name,
			StopSequence:       visit.StopTime.StopSequence,
			Headsign:           headsign,
			ScheduledArrival:   midnight.Add(visit.StopTime.ArrivalTime()),
			ScheduledDeparture: midnight.Add(visit.StopTime.DepartureTime()),
			ServiceDate:        date,
		})
	}

	return occurrences, nil
}
