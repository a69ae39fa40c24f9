package stopboard

import (
	"context"

	"github.com/stopboard/stopboard/model"
	"github.com/stopboard/stopboard/parse"
)

// Provider is what the aggregation engine runs against: a single
// agency's timetable plus its real-time updates.
//
// Updates never fails; a broken real-time source degrades to an empty
// map and the caller falls back to static data. Occurrences failing is
// fatal to the pass.
type Provider interface {
	// Sync brings the static timetable up to date, downloading and
	// parsing it when stale.
	Sync(ctx context.Context) error

	// HealthCheck reports whether the provider can currently serve
	// timetable data.
	HealthCheck(ctx context.Context) error

	Occurrences(ctx context.Context, routeID string, stopID string, dayOffset int) ([]*StaticOccurrence, error)
	Updates(ctx context.Context, tripIDs []string) map[string]*parse.TripUpdate

	ListStops(ctx context.Context) ([]*model.Stop, error)
	GetStop(ctx context.Context, id string) (*model.Stop, error)
	GetRoutesForStop(ctx context.Context, id string) ([]*model.Route, error)
	GetStopsInArea(ctx context.Context, bounds model.Bounds) ([]*model.Stop, error)
	AgencyBounds(ctx context.Context) (model.Bounds, error)
}
