package stopboard

import (
	"encoding/json"
	"time"
)

// A route-stop pair to watch, plus a manual shift applied to that
// pair's predictions after reconciliation. Useful when an agency's
// published schedule is known to be off by a fixed amount.
type RouteStopQuery struct {
	RouteID       string
	StopID        string
	OffsetSeconds int
}

// One upcoming visit of a trip to a stop, as predicted by merging the
// static timetable with any real-time update. IsRealtime reports
// whether a real-time stop update was matched, even if it changed
// nothing.
type ReconciledStop struct {
	TripID        string
	RouteID       string
	StopID        string
	RouteName     string
	RouteColor    string
	StopName      string
	Headsign      string
	ArrivalTime   time.Time
	DepartureTime time.Time
	IsRealtime    bool
}

// Arrival and departure serialize as epoch seconds.
func (rs *ReconciledStop) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TripID        string `json:"tripId"`
		RouteID       string `json:"routeId"`
		StopID        string `json:"stopId"`
		RouteName     string `json:"routeName"`
		RouteColor    string `json:"routeColor,omitempty"`
		StopName      string `json:"stopName"`
		Headsign      string `json:"headsign"`
		ArrivalTime   int64  `json:"arrivalTime"`
		DepartureTime int64  `json:"departureTime"`
		IsRealtime    bool   `json:"isRealtime"`
	}{
		TripID:        rs.TripID,
		RouteID:       rs.RouteID,
		StopID:        rs.StopID,
		RouteName:     rs.RouteName,
		RouteColor:    rs.RouteColor,
		StopName:      rs.StopName,
		Headsign:      rs.Headsign,
		ArrivalTime:   rs.ArrivalTime.Unix(),
		DepartureTime: rs.DepartureTime.Unix(),
		IsRealtime:    rs.IsRealtime,
	})
}

func (rs *ReconciledStop) equal(other *ReconciledStop) bool {
	return rs.TripID == other.TripID &&
		rs.RouteID == other.RouteID &&
		rs.StopID == other.StopID &&
		rs.RouteName == other.RouteName &&
		rs.RouteColor == other.RouteColor &&
		rs.StopName == other.StopName &&
		rs.Headsign == other.Headsign &&
		rs.ArrivalTime.Equal(other.ArrivalTime) &&
		rs.DepartureTime.Equal(other.DepartureTime) &&
		rs.IsRealtime == other.IsRealtime
}

// The unit exchanged with callers and compared across polls.
type Snapshot struct {
	Trips []*ReconciledStop `json:"trips"`
}

// Equal compares snapshots structurally, field by field and in order.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.Trips) != len(other.Trips) {
		return false
	}
	for i := range s.Trips {
		if !s.Trips[i].equal(other.Trips[i]) {
			return false
		}
	}
	return true
}

// Registry is notified of subscription comings and goings.
// Fire-and-forget; implementations must not block.
type Registry interface {
	Add(queries []RouteStopQuery)
	Remove(queries []RouteStopQuery)
}

// NopRegistry ignores all notifications.
type NopRegistry struct{}

func (NopRegistry) Add(queries []RouteStopQuery)    {}
func (NopRegistry) Remove(queries []RouteStopQuery) {}
