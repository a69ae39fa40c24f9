package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/stopboard/stopboard/model"
)

// Postgres-backed Storage. All feeds share one set of tables, scoped
// by a hash column.

type PSQLStorage struct {
	db *sql.DB
}

type PSQLFeedWriter struct {
	hash                string
	db                  *sql.DB
	stopTimeInsertQuery *sql.Stmt
	stopTimeInsertTx    *sql.Tx
}

type PSQLFeedReader struct {
	hash string
	db   *sql.DB
}

func NewPSQLStorage(connStr string, clearDB bool) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if clearDB {
		for _, table := range []string{
			"feed", "agency", "stops", "routes", "trips",
			"stop_times", "calendar", "calendar_dates",
		} {
			_, err = db.Exec("DROP TABLE IF EXISTS " + table)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("dropping %s table: %w", table, err)
			}
		}
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS feed (
    hash TEXT,
    url TEXT NOT NULL,
    retrieved_at TIMESTAMPTZ NOT NULL,
    calendar_start TEXT NOT NULL,
    calendar_end TEXT NOT NULL,
    timezone TEXT NOT NULL,
    max_departure TEXT NOT NULL,
    PRIMARY KEY (hash, url)
);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating feed table: %w", err)
	}

	return &PSQLStorage{db: db}, nil
}

func (s *PSQLStorage) Close() error {
	return s.db.Close()
}

func (s *PSQLStorage) ListFeeds(filter ListFeedsFilter) ([]*FeedMetadata, error) {
	query := `
SELECT hash, url, retrieved_at, calendar_start, calendar_end, timezone, max_departure
FROM feed`

	conditions := []string{}
	params := []interface{}{}
	if filter.URL != "" {
		params = append(params, filter.URL)
		conditions = append(conditions, fmt.Sprintf("url = $%d", len(params)))
	}
	if filter.SHA256 != "" {
		params = append(params, filter.SHA256)
		conditions = append(conditions, fmt.Sprintf("hash = $%d", len(params)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY retrieved_at DESC"

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying feeds: %w", err)
	}
	defer rows.Close()

	feeds := []*FeedMetadata{}
	for rows.Next() {
		metadata := &FeedMetadata{}
		err = rows.Scan(
			&metadata.SHA256,
			&metadata.URL,
			&metadata.RetrievedAt,
			&metadata.CalendarStartDate,
			&metadata.CalendarEndDate,
			&metadata.Timezone,
			&metadata.MaxDeparture,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning feed metadata: %w", err)
		}
		feeds = append(feeds, metadata)
	}

	return feeds, nil
}

func (s *PSQLStorage) WriteFeedMetadata(feed *FeedMetadata) error {
	_, err := s.db.Exec(`
INSERT INTO feed (hash, url, retrieved_at, calendar_start, calendar_end, timezone, max_departure)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (hash, url) DO UPDATE SET
    retrieved_at = excluded.retrieved_at,
    calendar_start = excluded.calendar_start,
    calendar_end = excluded.calendar_end,
    timezone = excluded.timezone,
    max_departure = excluded.max_departure
`,
		feed.SHA256,
		feed.URL,
		feed.RetrievedAt,
		feed.CalendarStartDate,
		feed.CalendarEndDate,
		feed.Timezone,
		feed.MaxDeparture,
	)
	if err != nil {
		return fmt.Errorf("writing feed metadata: %w", err)
	}
	return nil
}

func (s *PSQLStorage) GetReader(hash string) (FeedReader, error) {
	return &PSQLFeedReader{hash: hash, db: s.db}, nil
}

func (s *PSQLStorage) GetWriter(hash string) (FeedWriter, error) {
	tables := map[string]string{
		"agency": `
CREATE TABLE IF NOT EXISTS agency (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    url TEXT NOT NULL,
    timezone TEXT NOT NULL,
    PRIMARY KEY(hash, id)
);`,
		"stops": `
CREATE TABLE IF NOT EXISTS stops (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    code TEXT,
    name TEXT NOT NULL,
    description TEXT,
    lat DOUBLE PRECISION NOT NULL,
    lon DOUBLE PRECISION NOT NULL,
    location_type INTEGER NOT NULL,
    parent_station TEXT,
    PRIMARY KEY(hash, id)
);
CREATE INDEX IF NOT EXISTS stops_parent_station ON stops (parent_station);
`,
		"routes": `
CREATE TABLE IF NOT EXISTS routes (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    agency_id TEXT,
    short_name TEXT,
    long_name TEXT NOT NULL,
    color TEXT,
    text_color TEXT,
    PRIMARY KEY(hash, id)
);`,
		"trips": `
CREATE TABLE IF NOT EXISTS trips (
    hash TEXT NOT NULL,
    id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    service_id TEXT NOT NULL,
    headsign TEXT,
    short_name TEXT,
    direction_id INTEGER,
    PRIMARY KEY(hash, id)
);
CREATE INDEX IF NOT EXISTS trips_route_id ON trips (route_id);
CREATE INDEX IF NOT EXISTS trips_service_id ON trips (service_id);
`,
		"stop_times": `
CREATE TABLE IF NOT EXISTS stop_times (
    hash TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    arrival_time TEXT NOT NULL,
    departure_time TEXT NOT NULL,
    headsign TEXT,
    PRIMARY KEY(hash, trip_id, stop_id, stop_sequence)
);
CREATE INDEX IF NOT EXISTS stop_times_trip_id ON stop_times (trip_id);
CREATE INDEX IF NOT EXISTS stop_times_stop_id ON stop_times (stop_id);
`,
		"calendar": `
CREATE TABLE IF NOT EXISTS calendar (
    hash TEXT NOT NULL,
    service_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    end_date TEXT NOT NULL,
    monday INTEGER NOT NULL,
    tuesday INTEGER NOT NULL,
    wednesday INTEGER NOT NULL,
    thursday INTEGER NOT NULL,
    friday INTEGER NOT NULL,
    saturday INTEGER NOT NULL,
    sunday INTEGER NOT NULL,
    PRIMARY KEY(hash, service_id)
);`,
		"calendar_dates": `
CREATE TABLE IF NOT EXISTS calendar_dates (
    hash TEXT NOT NULL,
    service_id TEXT NOT NULL,
    date TEXT NOT NULL,
    exception_type INTEGER NOT NULL,
    PRIMARY KEY(hash, service_id, date)
);`,
	}

	for name, query := range tables {
		_, err := s.db.Exec(query)
		if err != nil {
			return nil, fmt.Errorf("creating %s table: %s", name, err)
		}
	}

	// In case the feed already exists, delete all its records
	for name := range tables {
		_, err := s.db.Exec("DELETE FROM "+name+" WHERE hash = $1", hash)
		if err != nil {
			return nil, fmt.Errorf("clearing %s table: %w", name, err)
		}
	}

	return &PSQLFeedWriter{hash: hash, db: s.db}, nil
}

func (w *PSQLFeedWriter) WriteAgency(a *model.Agency) error {
	_, err := w.db.Exec(`
INSERT INTO agency (hash, id, name, url, timezone)
VALUES ($1, $2, $3, $4, $5)`,
		w.hash, a.ID, a.Name, a.URL, a.Timezone,
	)
	if err != nil {
		return fmt.Errorf("inserting agency: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteStop(stop *model.Stop) error {
	_, err := w.db.Exec(`
INSERT INTO stops (hash, id, code, name, description, lat, lon, location_type, parent_station)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.hash,
		stop.ID,
		stop.Code,
		stop.Name,
		stop.Desc,
		stop.Lat,
		stop.Lon,
		stop.LocationType,
		stop.ParentStation,
	)
	if err != nil {
		return fmt.Errorf("inserting stop: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteRoute(route *model.Route) error {
	_, err := w.db.Exec(`
INSERT INTO routes (hash, id, agency_id, short_name, long_name, color, text_color)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.hash,
		route.ID,
		route.AgencyID,
		route.ShortName,
		route.LongName,
		route.Color,
		route.TextColor,
	)
	if err != nil {
		return fmt.Errorf("inserting route: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteTrip(trip *model.Trip) error {
	_, err := w.db.Exec(`
INSERT INTO trips (hash, id, route_id, service_id, headsign, short_name, direction_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.hash,
		trip.ID,
		trip.RouteID,
		trip.ServiceID,
		trip.Headsign,
		trip.ShortName,
		trip.DirectionID,
	)
	if err != nil {
		return fmt.Errorf("inserting trip: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteCalendar(cal *model.Calendar) error {
	days := make([]int, 7)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if cal.Weekday&(1<<wd) != 0 {
			days[wd] = 1
		}
	}

	_, err := w.db.Exec(`
INSERT INTO calendar (hash, service_id, start_date, end_date, monday, tuesday, wednesday, thursday, friday, saturday, sunday)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.hash,
		cal.ServiceID,
		cal.StartDate,
		cal.EndDate,
		days[time.Monday],
		days[time.Tuesday],
		days[time.Wednesday],
		days[time.Thursday],
		days[time.Friday],
		days[time.Saturday],
		days[time.Sunday],
	)
	if err != nil {
		return fmt.Errorf("inserting calendar: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) WriteCalendarDate(cd *model.CalendarDate) error {
	_, err := w.db.Exec(`
INSERT INTO calendar_dates (hash, service_id, date, exception_type)
VALUES ($1, $2, $3, $4)`,
		w.hash,
		cd.ServiceID,
		cd.Date,
		cd.ExceptionType,
	)
	if err != nil {
		return fmt.Errorf("inserting calendar date: %w", err)
	}
	return nil
}

func (w *PSQLFeedWriter) BeginStopTimes() error {
	var err error
	w.stopTimeInsertTx, err = w.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning stop_time insert transaction: %w", err)
	}

	w.stopTimeInsertQuery, err = w.stopTimeInsertTx.Prepare(`
INSERT INTO stop_times (hash, trip_id, stop_id, stop_sequence, arrival_time, departure_time, headsign)
VALUES ($1, $2, $3, $4, $5, $6, $7)`)
	if err != nil {
		w.stopTimeInsertTx.Rollback()
		w.stopTimeInsertTx = nil
		return fmt.Errorf("preparing stop_time insert: %w", err)
	}

	return nil
}

func (w *PSQLFeedWriter) WriteStopTime(stopTime *model.StopTime) error {
	_, err := w.stopTimeInsertQuery.Exec(
		w.hash,
		stopTime.TripID,
		stopTime.StopID,
		stopTime.StopSequence,
		stopTime.Arrival,
		stopTime.Departure,
		stopTime.Headsign,
	)
	if err != nil {
		w.stopTimeInsertQuery.Close()
		w.stopTimeInsertTx.Rollback()
		w.stopTimeInsertTx = nil
		w.stopTimeInsertQuery = nil
		return fmt.Errorf("inserting stop_time: %w", err)
	}

	return nil
}

func (w *PSQLFeedWriter) EndStopTimes() error {
	w.stopTimeInsertQuery.Close()
	err := w.stopTimeInsertTx.Commit()
	if err != nil {
		return fmt.Errorf("committing stop_time insert transaction: %w", err)
	}
	w.stopTimeInsertTx = nil
	w.stopTimeInsertQuery = nil

	return nil
}

func (w *PSQLFeedWriter) Close() error {
	return nil
}

func (r *PSQLFeedReader) Agencies() ([]*model.Agency, error) {
	rows, err := r.db.Query(`
SELECT id, name, url, timezone
FROM agency
WHERE hash = $1`, r.hash)
	if err != nil {
		return nil, fmt.Errorf("querying agencies: %w", err)
	}
	defer rows.Close()

	agencies := []*model.Agency{}
	for rows.Next() {
		a := &model.Agency{}
		err = rows.Scan(&a.ID, &a.Name, &a.URL, &a.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scanning agency: %w", err)
		}
		agencies = append(agencies, a)
	}

	return agencies, nil
}

const psqlStopColumns = `
    stops.id,
    stops.code,
    stops.name,
    stops.description,
    stops.lat,
    stops.lon,
    stops.location_type,
    stops.parent_station`

func (r *PSQLFeedReader) scanStops(rows *sql.Rows) ([]*model.Stop, error) {
	stops := []*model.Stop{}
	for rows.Next() {
		stop := &model.Stop{}
		err := rows.Scan(
			&stop.ID,
			&stop.Code,
			&stop.Name,
			&stop.Desc,
			&stop.Lat,
			&stop.Lon,
			&stop.LocationType,
			&stop.ParentStation,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop: %w", err)
		}
		stops = append(stops, stop)
	}
	return stops, nil
}

func (r *PSQLFeedReader) Stops() ([]*model.Stop, error) {
	rows, err := r.db.Query(`
SELECT `+psqlStopColumns+`
FROM stops
WHERE hash = $1 AND
      ((stops.location_type = 0 AND stops.parent_station = '') OR stops.location_type = 1)
ORDER BY stops.id`, r.hash)
	if err != nil {
		return nil, fmt.Errorf("querying stops: %w", err)
	}
	defer rows.Close()

	return r.scanStops(rows)
}

func (r *PSQLFeedReader) Stop(id string) (*model.Stop, error) {
	rows, err := r.db.Query(`
SELECT `+psqlStopColumns+`
FROM stops
WHERE hash = $1 AND stops.id = $2`, r.hash, id)
	if err != nil {
		return nil, fmt.Errorf("querying stop: %w", err)
	}
	defer rows.Close()

	stops, err := r.scanStops(rows)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, fmt.Errorf("stop %s not found", id)
	}

	return stops[0], nil
}

func (r *PSQLFeedReader) RoutesForStop(stopID string) ([]*model.Route, error) {
	rows, err := r.db.Query(`
SELECT DISTINCT routes.id, routes.agency_id, routes.short_name, routes.long_name, routes.color, routes.text_color
FROM stop_times
JOIN trips ON trips.hash = stop_times.hash AND trips.id = stop_times.trip_id
JOIN routes ON routes.hash = trips.hash AND routes.id = trips.route_id
WHERE stop_times.hash = $1 AND stop_times.stop_id = $2
ORDER BY routes.id`, r.hash, stopID)
	if err != nil {
		return nil, fmt.Errorf("querying routes for stop: %w", err)
	}
	defer rows.Close()

	routes := []*model.Route{}
	for rows.Next() {
		route := &model.Route{}
		err = rows.Scan(
			&route.ID,
			&route.AgencyID,
			&route.ShortName,
			&route.LongName,
			&route.Color,
			&route.TextColor,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		routes = append(routes, route)
	}

	return routes, nil
}

func (r *PSQLFeedReader) StopsInArea(bounds model.Bounds) ([]*model.Stop, error) {
	rows, err := r.db.Query(`
SELECT `+psqlStopColumns+`
FROM stops
WHERE hash = $1 AND
      stops.lat >= $2 AND stops.lat <= $3 AND
      stops.lon >= $4 AND stops.lon <= $5
ORDER BY stops.id`,
		r.hash, bounds.MinLat, bounds.MaxLat, bounds.MinLon, bounds.MaxLon)
	if err != nil {
		return nil, fmt.Errorf("querying stops in area: %w", err)
	}
	defer rows.Close()

	return r.scanStops(rows)
}

func (r *PSQLFeedReader) AgencyBounds() (model.Bounds, error) {
	row := r.db.QueryRow(`
SELECT COALESCE(MIN(lat), 0), COALESCE(MIN(lon), 0), COALESCE(MAX(lat), 0), COALESCE(MAX(lon), 0)
FROM stops
WHERE hash = $1`, r.hash)

	bounds := model.Bounds{}
	err := row.Scan(&bounds.MinLat, &bounds.MinLon, &bounds.MaxLat, &bounds.MaxLon)
	if err != nil {
		return model.Bounds{}, fmt.Errorf("scanning agency bounds: %w", err)
	}

	return bounds, nil
}

func (r *PSQLFeedReader) ActiveServices(date string) ([]string, error) {
	parsedDate, err := time.Parse("20060102", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %s", date)
	}

	weekday := strings.ToLower(parsedDate.Weekday().String())

	rows, err := r.db.Query(`
WITH
exceptions AS (
	SELECT service_id, exception_type
	FROM calendar_dates
	WHERE hash = $1 AND date = $2
),
regular AS (
	SELECT service_id
	FROM calendar
	WHERE hash = $1 AND `+weekday+` = 1 AND
	      start_date <= $2 AND
	      end_date >= $2
)
SELECT service_id
FROM regular
WHERE service_id NOT IN (
	SELECT service_id FROM exceptions WHERE exception_type = 2
)
UNION
SELECT service_id
FROM exceptions
WHERE exception_type = 1
`, r.hash, date)
	if err != nil {
		return nil, fmt.Errorf("querying for active services: %w", err)
	}
	defer rows.Close()

	activeServices := []string{}
	for rows.Next() {
		var serviceID string
		err = rows.Scan(&serviceID)
		if err != nil {
			return nil, fmt.Errorf("scanning active services: %w", err)
		}
		activeServices = append(activeServices, serviceID)
	}

	return activeServices, nil
}

func (r *PSQLFeedReader) StopVisits(filter StopVisitFilter) ([]*StopVisit, error) {
	query := `
SELECT
    stop_times.trip_id,
    stop_times.stop_id,
    stop_times.stop_sequence,
    stop_times.arrival_time,
    stop_times.departure_time,
    stop_times.headsign,
    trips.route_id,
    trips.service_id,
    trips.headsign,
    trips.short_name,
    trips.direction_id,
    routes.agency_id,
    routes.short_name,
    routes.long_name,
    routes.color,
    routes.text_color,
    stops.code,
    stops.name,
    stops.description,
    stops.lat,
    stops.lon,
    stops.location_type,
    stops.parent_station,
    (SELECT s2.name
     FROM stop_times st2
     JOIN stops s2 ON s2.hash = st2.hash AND s2.id = st2.stop_id
     WHERE st2.hash = stop_times.hash AND st2.trip_id = stop_times.trip_id
     ORDER BY st2.stop_sequence DESC
     LIMIT 1)
FROM stop_times
JOIN trips ON trips.hash = stop_times.hash AND trips.id = stop_times.trip_id
JOIN routes ON routes.hash = trips.hash AND routes.id = trips.route_id
JOIN stops ON stops.hash = stop_times.hash AND stops.id = stop_times.stop_id
WHERE stop_times.hash = $1`

	params := []interface{}{r.hash}

	if filter.StopID != "" {
		params = append(params, filter.StopID)
		query += fmt.Sprintf(" AND stop_times.stop_id = $%d", len(params))
	}
	if filter.RouteID != "" {
		params = append(params, filter.RouteID)
		query += fmt.Sprintf(" AND trips.route_id = $%d", len(params))
	}
	if len(filter.ServiceIDs) > 0 {
		placeholders := []string{}
		for _, id := range filter.ServiceIDs {
			params = append(params, id)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(params)))
		}
		query += " AND trips.service_id IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if len(filter.TripIDs) > 0 {
		placeholders := []string{}
		for _, id := range filter.TripIDs {
			params = append(params, id)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(params)))
		}
		query += " AND stop_times.trip_id IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += "\nORDER BY stop_times.trip_id, stop_times.stop_sequence"

	rows, err := r.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying stop visits: %w", err)
	}
	defer rows.Close()

	visits := []*StopVisit{}
	for rows.Next() {
		stopTime := &model.StopTime{}
		trip := &model.Trip{}
		route := &model.Route{}
		stop := &model.Stop{}
		visit := &StopVisit{
			StopTime: stopTime,
			Trip:     trip,
			Route:    route,
			Stop:     stop,
		}

		err = rows.Scan(
			&stopTime.TripID,
			&stopTime.StopID,
			&stopTime.StopSequence,
			&stopTime.Arrival,
			&stopTime.Departure,
			&stopTime.Headsign,
			&trip.RouteID,
			&trip.ServiceID,
			&trip.Headsign,
			&trip.ShortName,
			&trip.DirectionID,
			&route.AgencyID,
			&route.ShortName,
			&route.LongName,
			&route.Color,
			&route.TextColor,
			&stop.Code,
			&stop.Name,
			&stop.Desc,
			&stop.Lat,
			&stop.Lon,
			&stop.LocationType,
			&stop.ParentStation,
			&visit.TerminalName,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop visit: %w", err)
		}

		trip.ID = stopTime.TripID
		route.ID = trip.RouteID
		stop.ID = stopTime.StopID

		visits = append(visits, visit)
	}

	return visits, nil
}
