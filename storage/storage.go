package storage

import (
	"time"

	"github.com/stopboard/stopboard/model"
)

// Persistence of imported static timetables. One Storage holds any
// number of feeds, each identified by the hash of the zip it was
// parsed from.
type Storage interface {
	// Retrieves all feed metadata records matching the given
	// filter.
	ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error)

	// Writes a FeedMetadata record. If a record with the same URL
	// and hash exists, it is updated.
	WriteFeedMetadata(metadata *FeedMetadata) error

	// Gets a reader for the feed with the given hash.
	GetReader(feed string) (FeedReader, error)

	// Gets a writer for the feed with the given hash.
	GetWriter(feed string) (FeedWriter, error)
}

type ListFeedsFilter struct {
	// If set, only include feeds with the given URL.
	URL string

	// If set, only include feeds with the given hash.
	SHA256 string
}

// Metadata for an imported static feed. The parsed data is accessed
// via FeedReader.
type FeedMetadata struct {
	URL               string
	SHA256            string
	RetrievedAt       time.Time
	Timezone          string
	CalendarStartDate string
	CalendarEndDate   string

	// Largest departure_time in the feed, as HHMMSS. Bounds how
	// far an overnight trip can reach into the next calendar day.
	MaxDeparture string
}

// Writes timetable records for a single feed.
//
// As stop_times.txt tends to be very large, BeginStopTimes() and
// EndStopTimes() are called before and after all calls to
// WriteStopTime(), allowing transactions/batching/whathaveyou.
type FeedWriter interface {
	WriteAgency(agency *model.Agency) error
	WriteStop(stop *model.Stop) error
	WriteRoute(route *model.Route) error
	WriteTrip(trip *model.Trip) error
	WriteCalendar(cal *model.Calendar) error
	WriteCalendarDate(caldate *model.CalendarDate) error
	BeginStopTimes() error
	WriteStopTime(stopTime *model.StopTime) error
	EndStopTimes() error
	Close() error
}

// Read access to a single feed's timetable data.
type FeedReader interface {
	Agencies() ([]*model.Agency, error)

	// All stations and parentless stops.
	Stops() ([]*model.Stop, error)

	// A single stop by ID.
	Stop(id string) (*model.Stop, error)

	// All distinct routes with trips calling at the stop.
	RoutesForStop(stopID string) ([]*model.Route, error)

	// All stops within the bounding box.
	StopsInArea(bounds model.Bounds) ([]*model.Stop, error)

	// The bounding box enclosing every stop in the feed.
	AgencyBounds() (model.Bounds, error)

	// Service IDs for all services active on the given date
	// (YYYYMMDD): weekday match within the calendar range, minus
	// date-specific removals, plus date-specific additions.
	ActiveServices(date string) ([]string, error)

	// Scheduled stop visits matching the filter, joined with
	// their trip, route and stop records.
	StopVisits(filter StopVisitFilter) ([]*StopVisit, error)
}

type StopVisitFilter struct {
	// Limit results to visits at the given stop.
	StopID string

	// Limit results to trips on the given route.
	RouteID string

	// Limit results to a set of services and/or a set of trips.
	ServiceIDs []string
	TripIDs    []string
}

// One scheduled visit of a trip to a stop, with the associated trip,
// route and stop records. TerminalName is the name of the trip's
// final stop, used as headsign of last resort.
type StopVisit struct {
	StopTime     *model.StopTime
	Trip         *model.Trip
	Route        *model.Route
	Stop         *model.Stop
	TerminalName string
}
