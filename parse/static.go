package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spkg/bom"

	"github.com/stopboard/stopboard/model"
	"github.com/stopboard/stopboard/storage"
)

// Parses a static GTFS zip into a FeedWriter, returning metadata
// about the feed (timezone, calendar range, max departure time).
func ParseStatic(writer storage.FeedWriter, buf []byte) (*storage.FeedMetadata, error) {
	// These are the files we load from static dumps.
	file := map[string]io.ReadCloser{
		"agency.txt":         nil,
		"routes.txt":         nil,
		"stops.txt":          nil,
		"trips.txt":          nil,
		"stop_times.txt":     nil,
		"calendar.txt":       nil,
		"calendar_dates.txt": nil,
	}

	defer func() {
		for _, rc := range file {
			if rc != nil {
				rc.Close()
			}
		}
	}()

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	for _, f := range r.File {
		// There should not be any subdirectories. But, some
		// agencies don't care.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]

		if _, found := file[fName]; !found {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}

		file[fName] = rc
	}

	if file["calendar.txt"] == nil && file["calendar_dates.txt"] == nil {
		return nil, fmt.Errorf("missing calendar.txt and calendar_dates.txt")
	}

	for _, required := range []string{"agency.txt", "routes.txt", "stops.txt", "trips.txt", "stop_times.txt"} {
		if file[required] == nil {
			return nil, fmt.Errorf("missing %s", required)
		}
	}

	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})

	timezone, err := parseAgency(writer, file["agency.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing agency.txt: %w", err)
	}

	routes, err := parseRoutes(writer, file["routes.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing routes.txt: %w", err)
	}

	var calendarStart, calendarEnd string
	services := map[string]bool{}
	if file["calendar.txt"] != nil {
		services, calendarStart, calendarEnd, err = parseCalendar(writer, file["calendar.txt"])
		if err != nil {
			return nil, fmt.Errorf("parsing calendar.txt: %w", err)
		}
	}
	if file["calendar_dates.txt"] != nil {
		cdServices, minDate, maxDate, err := parseCalendarDates(writer, file["calendar_dates.txt"])
		if err != nil {
			return nil, fmt.Errorf("parsing calendar_dates.txt: %w", err)
		}
		for serviceID := range cdServices {
			services[serviceID] = true
		}
		if calendarStart == "" || (minDate != "" && minDate < calendarStart) {
			calendarStart = minDate
		}
		if calendarEnd == "" || maxDate > calendarEnd {
			calendarEnd = maxDate
		}
	}

	trips, err := parseTrips(writer, file["trips.txt"], routes, services)
	if err != nil {
		return nil, fmt.Errorf("parsing trips.txt: %w", err)
	}

	stops, err := parseStops(writer, file["stops.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing stops.txt: %w", err)
	}

	err = writer.BeginStopTimes()
	if err != nil {
		return nil, fmt.Errorf("beginning stop_times: %w", err)
	}
	maxDeparture, err := parseStopTimes(writer, file["stop_times.txt"], trips, stops)
	if err != nil {
		return nil, fmt.Errorf("parsing stop_times.txt: %w", err)
	}
	err = writer.EndStopTimes()
	if err != nil {
		return nil, fmt.Errorf("ending stop_times: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("closing feed writer: %w", err)
	}

	return &storage.FeedMetadata{
		CalendarStartDate: calendarStart,
		CalendarEndDate:   calendarEnd,
		Timezone:          timezone,
		MaxDeparture:      maxDeparture,
	}, nil
}

type agencyCSV struct {
	ID       string `csv:"agency_id"`
	Name     string `csv:"agency_name"`
	URL      string `csv:"agency_url"`
	Timezone string `csv:"agency_timezone"`
}

func parseAgency(writer storage.FeedWriter, data io.Reader) (string, error) {
	records := []*agencyCSV{}
	if err := gocsv.Unmarshal(data, &records); err != nil {
		return "", fmt.Errorf("unmarshaling csv: %w", err)
	}

	if len(records) == 0 {
		return "", fmt.Errorf("no agency record found")
	}

	// "If multiple agencies are specified in the dataset, each
	// must have the same agency_timezone."
	timezones := map[string]bool{}
	for _, a := range records {
		timezones[a.Timezone] = true
	}
	if len(timezones) != 1 {
		return "", fmt.Errorf("multiple agency_timezone")
	}

	tz := records[0].Timezone
	if tz == "" {
		return "", fmt.Errorf("missing agency_timezone")
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", fmt.Errorf("agency_timezone '%s' is invalid: %w", tz, err)
	}

	seen := map[string]bool{}
	for _, a := range records {
		if seen[a.ID] {
			return "", fmt.Errorf("duplicated agency_id: '%s'", a.ID)
		}
		seen[a.ID] = true

		if a.Name == "" {
			return "", fmt.Errorf("missing agency_name")
		}

		err := writer.WriteAgency(&model.Agency{
			ID:       a.ID,
			Name:     a.Name,
			URL:      a.URL,
			Timezone: tz,
		})
		if err != nil {
			return "", fmt.Errorf("writing agency: %w", err)
		}
	}

	return tz, nil
}

type routeCSV struct {
	ID        string `csv:"route_id"`
	AgencyID  string `csv:"agency_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
	Color     string `csv:"route_color"`
	TextColor string `csv:"route_text_color"`
}

func parseRoutes(writer storage.FeedWriter, data io.Reader) (map[string]bool, error) {
	records := []*routeCSV{}
	if err := gocsv.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshaling csv: %w", err)
	}

	routes := map[string]bool{}
	for _, r := range records {
		if r.ID == "" {
			return nil, fmt.Errorf("empty route_id")
		}
		if routes[r.ID] {
			return nil, fmt.Errorf("repeated route_id '%s'", r.ID)
		}
		routes[r.ID] = true

		if r.ShortName == "" && r.LongName == "" {
			return nil, fmt.Errorf("route '%s' has neither short nor long name", r.ID)
		}

		err := writer.WriteRoute(&model.Route{
			ID:        r.ID,
			AgencyID:  r.AgencyID,
			ShortName: r.ShortName,
			LongName:  r.LongName,
			Color:     r.Color,
			TextColor: r.TextColor,
		})
		if err != nil {
			return nil, fmt.Errorf("writing route: %w", err)
		}
	}

	return routes, nil
}

type calendarCSV struct {
	ServiceID string `csv:"service_id"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
	Monday    int8   `csv:"monday"`
	Tuesday   int8   `csv:"tuesday"`
	Wednesday int8   `csv:"wednesday"`
	Thursday  int8   `csv:"thursday"`
	Friday    int8   `csv:"friday"`
	Saturday  int8   `csv:"saturday"`
	Sunday    int8   `csv:"sunday"`
}

func parseDate(s string) error {
	_, err := time.Parse("20060102", s)
	return err
}

// Returns set of all service IDs, min date and max date.
func parseCalendar(writer storage.FeedWriter, data io.Reader) (map[string]bool, string, string, error) {
	records := []*calendarCSV{}
	if err := gocsv.Unmarshal(data, &records); err != nil {
		return nil, "", "", fmt.Errorf("unmarshaling csv: %w", err)
	}

	services := map[string]bool{}

	var minDate, maxDate string

	for _, c := range records {
		if c.ServiceID == "" {
			return nil, "", "", fmt.Errorf("empty service_id")
		}
		if services[c.ServiceID] {
			return nil, "", "", fmt.Errorf("repeated service_id '%s'", c.ServiceID)
		}
		services[c.ServiceID] = true

		var weekday int8
		for wd, set := range map[time.Weekday]int8{
			time.Monday:    c.Monday,
			time.Tuesday:   c.Tuesday,
			time.Wednesday: c.Wednesday,
			time.Thursday:  c.Thursday,
			time.Friday:    c.Friday,
			time.Saturday:  c.Saturday,
			time.Sunday:    c.Sunday,
		} {
			switch set {
			case 1:
				weekday |= 1 << wd
			case 0:
			default:
				return nil, "", "", fmt.Errorf("invalid %s value '%d'", strings.ToLower(wd.String()), set)
			}
		}

		if err := parseDate(c.StartDate); err != nil {
			return nil, "", "", fmt.Errorf("invalid start_date '%s'", c.StartDate)
		}
		if err := parseDate(c.EndDate); err != nil {
			return nil, "", "", fmt.Errorf("invalid end_date '%s'", c.EndDate)
		}

		if minDate == "" || c.StartDate < minDate {
			minDate = c.StartDate
		}
		if c.EndDate > maxDate {
			maxDate = c.EndDate
		}

		err := writer.WriteCalendar(&model.Calendar{
			ServiceID: c.ServiceID,
			StartDate: c.StartDate,
			EndDate:   c.EndDate,
			Weekday:   weekday,
		})
		if err != nil {
			return nil, "", "", fmt.Errorf("writing calendar: %w", err)
		}
	}

	return services, minDate, maxDate, nil
}

type calendarDateCSV struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType int8   `csv:"exception_type"`
}

// Returns set of all service IDs, min date and max date of additions.
func parseCalendarDates(writer storage.FeedWriter, data io.Reader) (map[string]bool, string, string, error) {
	records := []*calendarDateCSV{}
	if err := gocsv.Unmarshal(data, &records); err != nil {
		return nil, "", "", fmt.Errorf("unmarshaling csv: %w", err)
	}

	services := map[string]bool{}

	var minDate, maxDate string

	for _, cd := range records {
		if cd.ServiceID == "" {
			return nil, "", "", fmt.Errorf("empty service_id")
		}
		if err := parseDate(cd.Date); err != nil {
			return nil, "", "", fmt.Errorf("invalid date '%s'", cd.Date)
		}
		if cd.ExceptionType != 1 && cd.ExceptionType != 2 {
			return nil, "", "", fmt.Errorf("invalid exception_type '%d'", cd.ExceptionType)
		}

		services[cd.ServiceID] = true

		// Only additions widen the calendar range
		if cd.ExceptionType == 1 {
			if minDate == "" || cd.Date < minDate {
				minDate = cd.Date
			}
			if cd.Date > maxDate {
				maxDate = cd.Date
			}
		}

		err := writer.WriteCalendarDate(&model.CalendarDate{
			ServiceID:     cd.ServiceID,
			Date:          cd.Date,
			ExceptionType: cd.ExceptionType,
		})
		if err != nil {
			return nil, "", "", fmt.Errorf("writing calendar date: %w", err)
		}
	}

	return services, minDate, maxDate, nil
}

type tripCSV struct {
	ID          string `csv:"trip_id"`
	RouteID     string `csv:"route_id"`
	ServiceID   string `csv:"service_id"`
	Headsign    string `csv:"trip_headsign"`
	ShortName   string `csv:"trip_short_name"`
	DirectionID int8   `csv:"direction_id"`
}

func parseTrips(
	writer storage.FeedWriter,
	data io.Reader,
	routes map[string]bool,
	services map[string]bool,
) (map[string]bool, error) {

	records := []*tripCSV{}
	if err := gocsv.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshaling csv: %w", err)
	}

	trips := map[string]bool{}
	for _, t := range records {
		if t.ID == "" {
			return nil, fmt.Errorf("empty trip_id")
		}
		if trips[t.ID] {
			return nil, fmt.Errorf("repeated trip_id '%s'", t.ID)
		}
		trips[t.ID] = true

		if !routes[t.RouteID] {
			return nil, fmt.Errorf("trip '%s' references unknown route_id '%s'", t.ID, t.RouteID)
		}
		if !services[t.ServiceID] {
			return nil, fmt.Errorf("trip '%s' references unknown service_id '%s'", t.ID, t.ServiceID)
		}

		err := writer.WriteTrip(&model.Trip{
			ID:          t.ID,
			RouteID:     t.RouteID,
			ServiceID:   t.ServiceID,
			Headsign:    t.Headsign,
			ShortName:   t.ShortName,
			DirectionID: t.DirectionID,
		})
		if err != nil {
			return nil, fmt.Errorf("writing trip: %w", err)
		}
	}

	return trips, nil
}

type stopCSV struct {
	ID            string `csv:"stop_id"`
	Code          string `csv:"stop_code"`
	Name          string `csv:"stop_name"`
	Desc          string `csv:"stop_desc"`
	Lat           string `csv:"stop_lat"`
	Lon           string `csv:"stop_lon"`
	LocationType  int    `csv:"location_type"`
	ParentStation string `csv:"parent_station"`
}

func parseStops(writer storage.FeedWriter, data io.Reader) (map[string]bool, error) {
	records := []*stopCSV{}
	if err := gocsv.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshaling csv: %w", err)
	}

	stops := map[string]bool{}
	for _, s := range records {
		if s.ID == "" {
			return nil, fmt.Errorf("empty stop_id")
		}
		if stops[s.ID] {
			return nil, fmt.Errorf("repeated stop_id '%s'", s.ID)
		}
		stops[s.ID] = true

		var lat, lon float64
		var err error
		if s.Lat != "" {
			lat, err = strconv.ParseFloat(s.Lat, 64)
			if err != nil {
				return nil, fmt.Errorf("stop '%s' has invalid stop_lat", s.ID)
			}
		}
		if s.Lon != "" {
			lon, err = strconv.ParseFloat(s.Lon, 64)
			if err != nil {
				return nil, fmt.Errorf("stop '%s' has invalid stop_lon", s.ID)
			}
		}

		err = writer.WriteStop(&model.Stop{
			ID:            s.ID,
			Code:          s.Code,
			Name:          s.Name,
			Desc:          s.Desc,
			Lat:           lat,
			Lon:           lon,
			LocationType:  model.LocationType(s.LocationType),
			ParentStation: s.ParentStation,
		})
		if err != nil {
			return nil, fmt.Errorf("writing stop: %w", err)
		}
	}

	return stops, nil
}

type stopTimeCSV struct {
	TripID        string `csv:"trip_id"`
	StopID        string `csv:"stop_id"`
	StopSequence  uint32 `csv:"stop_sequence"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
	Headsign      string `csv:"stop_headsign"`
}

func parseStopTimeTime(s string) (string, error) {
	split := strings.Split(s, ":")
	if len(split) != 3 {
		return "", fmt.Errorf("found %d parts in '%s'", len(split), s)
	}

	hms := [3]int{}
	for i, str := range split {
		j, err := strconv.Atoi(str)
		if err != nil {
			return "", fmt.Errorf("non-integer in '%s' pos %d", s, i)
		}
		hms[i] = j
	}

	if hms[0] < 0 || hms[0] > 99 {
		return "", fmt.Errorf("invalid hour in '%s'", s)
	}
	if hms[1] < 0 || hms[1] > 59 {
		return "", fmt.Errorf("invalid minute in '%s'", s)
	}
	if hms[2] < 0 || hms[2] > 59 {
		return "", fmt.Errorf("invalid second in '%s'", s)
	}

	return fmt.Sprintf("%02d%02d%02d", hms[0], hms[1], hms[2]), nil
}

// Returns the max departure time seen, as HHMMSS.
func parseStopTimes(
	writer storage.FeedWriter,
	data io.Reader,
	trips map[string]bool,
	stops map[string]bool,
) (string, error) {

	maxDeparture := "000000"

	i := -1
	err := gocsv.UnmarshalToCallbackWithError(data, func(st *stopTimeCSV) error {
		i += 1
		if !trips[st.TripID] {
			return fmt.Errorf("unknown trip_id: '%s' (row %d)", st.TripID, i+1)
		}
		if st.StopID == "" {
			return fmt.Errorf("missing stop_id (row %d)", i+1)
		}
		if !stops[st.StopID] {
			return fmt.Errorf("unknown stop_id: '%s' (row %d)", st.StopID, i+1)
		}

		arrivalTime, err := parseStopTimeTime(st.ArrivalTime)
		if err != nil {
			return errors.Wrapf(err, "parsing arrival_time (row %d)", i+1)
		}

		departureTime, err := parseStopTimeTime(st.DepartureTime)
		if err != nil {
			return errors.Wrapf(err, "parsing departure_time (row %d)", i+1)
		}

		if departureTime > maxDeparture {
			maxDeparture = departureTime
		}

		err = writer.WriteStopTime(&model.StopTime{
			TripID:       st.TripID,
			StopID:       st.StopID,
			Headsign:     st.Headsign,
			StopSequence: st.StopSequence,
			Arrival:      arrivalTime,
			Departure:    departureTime,
		})
		if err != nil {
			return errors.Wrapf(err, "writing stop_time (row %d)", i+1)
		}

		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "unmarshaling stop_times csv")
	}

	return maxDeparture, nil
}
