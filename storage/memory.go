package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/stopboard/stopboard/model"
)

// In memory implementation of Storage. Used in tests and for small
// single-process deployments.

type memoryMetadataKey struct {
	URL    string
	SHA256 string
}

type MemoryStorage struct {
	Feeds    map[string]*MemoryFeed
	Metadata map[memoryMetadataKey]*FeedMetadata
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Feeds:    map[string]*MemoryFeed{},
		Metadata: map[memoryMetadataKey]*FeedMetadata{},
	}
}

func (s *MemoryStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
	feeds := []*FeedMetadata{}
	for _, metadata := range s.Metadata {
		if filter.URL != "" && metadata.URL != filter.URL {
			continue
		}
		if filter.SHA256 != "" && metadata.SHA256 != filter.SHA256 {
			continue
		}
		feeds = append(feeds, metadata)
	}
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].RetrievedAt.After(feeds[j].RetrievedAt)
	})
	return feeds, nil
}

func (s *MemoryStorage) WriteFeedMetadata(metadata *FeedMetadata) error {
	s.Metadata[memoryMetadataKey{metadata.URL, metadata.SHA256}] = metadata
	return nil
}

func (s *MemoryStorage) GetReader(feedID string) (FeedReader, error) {
	f, ok := s.Feeds[feedID]
	if !ok {
		return nil, fmt.Errorf("feed %s not found", feedID)
	}
	return f, nil
}

func (s *MemoryStorage) GetWriter(feedID string) (FeedWriter, error) {
	f := &MemoryFeed{
		calendar:        map[string]*model.Calendar{},
		calendarDates:   map[string][]*model.CalendarDate{},
		routes:          map[string]*model.Route{},
		agencies:        map[string]*model.Agency{},
		stops:           map[string]*model.Stop{},
		trips:           map[string]*model.Trip{},
		stopTimesByTrip: map[string][]*model.StopTime{},
		stopTimesByStop: map[string][]*model.StopTime{},
	}

	s.Feeds[feedID] = f

	return f, nil
}

type MemoryFeed struct {
	calendar        map[string]*model.Calendar
	calendarDates   map[string][]*model.CalendarDate
	routes          map[string]*model.Route
	agencies        map[string]*model.Agency
	stops           map[string]*model.Stop
	trips           map[string]*model.Trip
	stopTimesByTrip map[string][]*model.StopTime
	stopTimesByStop map[string][]*model.StopTime
}

func (f *MemoryFeed) WriteAgency(agency *model.Agency) error {
	f.agencies[agency.ID] = agency
	return nil
}

func (f *MemoryFeed) WriteStop(stop *model.Stop) error {
	f.stops[stop.ID] = stop
	return nil
}

func (f *MemoryFeed) WriteRoute(route *model.Route) error {
	f.routes[route.ID] = route
	return nil
}

func (f *MemoryFeed) WriteTrip(trip *model.Trip) error {
	f.trips[trip.ID] = trip
	return nil
}

func (f *MemoryFeed) WriteCalendar(cal *model.Calendar) error {
	f.calendar[cal.ServiceID] = cal
	return nil
}

func (f *MemoryFeed) WriteCalendarDate(cd *model.CalendarDate) error {
	f.calendarDates[cd.ServiceID] = append(f.calendarDates[cd.ServiceID], cd)
	return nil
}

func (f *MemoryFeed) BeginStopTimes() error {
	return nil
}

func (f *MemoryFeed) WriteStopTime(stopTime *model.StopTime) error {
	f.stopTimesByTrip[stopTime.TripID] = append(f.stopTimesByTrip[stopTime.TripID], stopTime)
	f.stopTimesByStop[stopTime.StopID] = append(f.stopTimesByStop[stopTime.StopID], stopTime)
	return nil
}

func (f *MemoryFeed) EndStopTimes() error {
	for _, sts := range f.stopTimesByTrip {
		sort.Slice(sts, func(i, j int) bool {
			return sts[i].StopSequence < sts[j].StopSequence
		})
	}
	return nil
}

func (f *MemoryFeed) Close() error {
	return nil
}

func (f *MemoryFeed) Agencies() ([]*model.Agency, error) {
	agencies := []*model.Agency{}
	for _, a := range f.agencies {
		agencies = append(agencies, a)
	}
	return agencies, nil
}

func (f *MemoryFeed) Stops() ([]*model.Stop, error) {
	stops := []*model.Stop{}
	for _, s := range f.stops {
		if s.LocationType == model.LocationTypeStation ||
			(s.LocationType == model.LocationTypeStop && s.ParentStation == "") {
			stops = append(stops, s)
		}
	}
	sort.Slice(stops, func(i, j int) bool {
		return stops[i].ID < stops[j].ID
	})
	return stops, nil
}

func (f *MemoryFeed) Stop(id string) (*model.Stop, error) {
	stop, ok := f.stops[id]
	if !ok {
		return nil, fmt.Errorf("stop %s not found", id)
	}
	return stop, nil
}

func (f *MemoryFeed) RoutesForStop(stopID string) ([]*model.Route, error) {
	seen := map[string]bool{}
	routes := []*model.Route{}
	for _, st := range f.stopTimesByStop[stopID] {
		trip, ok := f.trips[st.TripID]
		if !ok {
			continue
		}
		if seen[trip.RouteID] {
			continue
		}
		seen[trip.RouteID] = true
		if route, ok := f.routes[trip.RouteID]; ok {
			routes = append(routes, route)
		}
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].ID < routes[j].ID
	})
	return routes, nil
}

func (f *MemoryFeed) StopsInArea(bounds model.Bounds) ([]*model.Stop, error) {
	stops := []*model.Stop{}
	for _, s := range f.stops {
		if bounds.Contains(s.Lat, s.Lon) {
			stops = append(stops, s)
		}
	}
	sort.Slice(stops, func(i, j int) bool {
		return stops[i].ID < stops[j].ID
	})
	return stops, nil
}

func (f *MemoryFeed) AgencyBounds() (model.Bounds, error) {
	bounds := model.Bounds{MinLat: 90, MinLon: 180, MaxLat: -90, MaxLon: -180}
	if len(f.stops) == 0 {
		return model.Bounds{}, nil
	}
	for _, s := range f.stops {
		bounds = bounds.Extend(s.Lat, s.Lon)
	}
	return bounds, nil
}

func (f *MemoryFeed) ActiveServices(date string) ([]string, error) {
	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %s", date)
	}
	weekday := parsedDate.Weekday()

	added := map[string]bool{}
	removed := map[string]bool{}
	for serviceID, cds := range f.calendarDates {
		for _, cd := range cds {
			if cd.Date != date {
				continue
			}
			switch cd.ExceptionType {
			case 1:
				added[serviceID] = true
			case 2:
				removed[serviceID] = true
			}
		}
	}

	active := map[string]bool{}
	for serviceID, cal := range f.calendar {
		if cal.Weekday&(1<<weekday) == 0 {
			continue
		}
		if cal.StartDate > date || cal.EndDate < date {
			continue
		}
		if removed[serviceID] && !added[serviceID] {
			continue
		}
		active[serviceID] = true
	}
	// Additions apply to services without any calendar row too
	for serviceID := range added {
		active[serviceID] = true
	}

	serviceIDs := []string{}
	for serviceID := range active {
		serviceIDs = append(serviceIDs, serviceID)
	}
	sort.Strings(serviceIDs)

	return serviceIDs, nil
}

func (f *MemoryFeed) StopVisits(filter StopVisitFilter) ([]*StopVisit, error) {
	serviceIDs := map[string]bool{}
	for _, id := range filter.ServiceIDs {
		serviceIDs[id] = true
	}
	tripIDs := map[string]bool{}
	for _, id := range filter.TripIDs {
		tripIDs[id] = true
	}

	visits := []*StopVisit{}
	for tripID, sts := range f.stopTimesByTrip {
		trip, ok := f.trips[tripID]
		if !ok {
			continue
		}
		if filter.RouteID != "" && trip.RouteID != filter.RouteID {
			continue
		}
		if len(serviceIDs) > 0 && !serviceIDs[trip.ServiceID] {
			continue
		}
		if len(tripIDs) > 0 && !tripIDs[tripID] {
			continue
		}

		terminalName := ""
		if len(sts) > 0 {
			if last, ok := f.stops[sts[len(sts)-1].StopID]; ok {
				terminalName = last.Name
			}
		}

		for _, st := range sts {
			if filter.StopID != "" && st.StopID != filter.StopID {
				continue
			}
			visits = append(visits, &StopVisit{
				StopTime:     st,
				Trip:         trip,
				Route:        f.routes[trip.RouteID],
				Stop:         f.stops[st.StopID],
				TerminalName: terminalName,
			})
		}
	}

	sort.Slice(visits, func(i, j int) bool {
		if visits[i].Trip.ID != visits[j].Trip.ID {
			return visits[i].Trip.ID < visits[j].Trip.ID
		}
		return visits[i].StopTime.StopSequence < visits[j].StopTime.StopSequence
	})

	return visits, nil
}
