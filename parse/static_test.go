package parse

import (
	"archive/zip"
	"bytes"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stopboard/stopboard/model"
	"github.com/stopboard/stopboard/storage"
)

func newWriter(t *testing.T) (storage.Storage, storage.FeedWriter) {
	s := storage.NewMemoryStorage()
	writer, err := s.GetWriter("test")
	require.NoError(t, err)
	return s, writer
}

func TestParseAgency(t *testing.T) {
	for _, tc := range []struct {
		name     string
		content  string
		timezone string
		expected []*model.Agency
		err      bool
	}{
		{
			"single agency",
			`
agency_id,agency_name,agency_url,agency_timezone
a,Agency,http://agency.com,America/New_York`,
			"America/New_York",
			[]*model.Agency{
				{ID: "a", Name: "Agency", URL: "http://agency.com", Timezone: "America/New_York"},
			},
			false,
		},

		{
			"multiple agencies sharing timezone",
			`
agency_id,agency_name,agency_url,agency_timezone
a1,AgencyOne,http://one.com,Europe/Stockholm
a2,AgencyTwo,http://two.com,Europe/Stockholm`,
			"Europe/Stockholm",
			[]*model.Agency{
				{ID: "a1", Name: "AgencyOne", URL: "http://one.com", Timezone: "Europe/Stockholm"},
				{ID: "a2", Name: "AgencyTwo", URL: "http://two.com", Timezone: "Europe/Stockholm"},
			},
			false,
		},

		{
			"differing timezones",
			`
agency_id,agency_name,agency_url,agency_timezone
a1,AgencyOne,http://one.com,Europe/Stockholm
a2,AgencyTwo,http://two.com,America/New_York`,
			"", nil, true,
		},

		{
			"bogus timezone",
			`
agency_name,agency_url,agency_timezone
Agency,http://agency.com,Mars/Olympus_Mons`,
			"", nil, true,
		},

		{
			"missing timezone",
			`
agency_name,agency_url
Agency,http://agency.com`,
			"", nil, true,
		},

		{
			"missing name",
			`
agency_id,agency_url,agency_timezone
a,http://agency.com,UTC`,
			"", nil, true,
		},

		{
			"repeated agency_id",
			`
agency_id,agency_name,agency_url,agency_timezone
a,AgencyOne,http://one.com,UTC
a,AgencyTwo,http://two.com,UTC`,
			"", nil, true,
		},

		{
			"no records",
			`agency_id,agency_name,agency_url,agency_timezone`,
			"", nil, true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, writer := newWriter(t)

			timezone, err := parseAgency(writer, bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.timezone, timezone)

			reader, err := s.GetReader("test")
			require.NoError(t, err)
			agencies, err := reader.Agencies()
			require.NoError(t, err)

			sort.Slice(agencies, func(i, j int) bool {
				return agencies[i].ID < agencies[j].ID
			})
			assert.Equal(t, tc.expected, agencies)
		})
	}
}

func TestParseRoutes(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		routes  []string
		err     bool
	}{
		{
			"short and long names",
			`
route_id,agency_id,route_short_name,route_long_name,route_color,route_text_color
r1,a,1,First Avenue Local,FF0000,FFFFFF
r2,a,,Second Avenue Express,,`,
			[]string{"r1", "r2"},
			false,
		},

		{
			"neither name",
			`
route_id,agency_id,route_short_name,route_long_name
r1,a,,`,
			nil, true,
		},

		{
			"repeated route_id",
			`
route_id,route_short_name
r1,1
r1,2`,
			nil, true,
		},

		{
			"missing route_id",
			`
route_short_name
1`,
			nil, true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, writer := newWriter(t)

			routes, err := parseRoutes(writer, bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, len(tc.routes), len(routes))
			for _, id := range tc.routes {
				assert.True(t, routes[id])
			}
		})
	}
}

func TestParseCalendar(t *testing.T) {
	for _, tc := range []struct {
		name     string
		content  string
		services []string
		minDate  string
		maxDate  string
		err      bool
	}{
		{
			"weekdays only",
			`
service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date
weekday,1,1,1,1,1,0,0,20200101,20200601`,
			[]string{"weekday"},
			"20200101",
			"20200601",
			false,
		},

		{
			"multiple services",
			`
service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date
weekday,1,1,1,1,1,0,0,20200201,20200601
weekend,0,0,0,0,0,1,1,20200101,20200501`,
			[]string{"weekday", "weekend"},
			"20200101",
			"20200601",
			false,
		},

		{
			"invalid weekday value",
			`
service_id,monday,start_date,end_date
s,7,20200101,20200601`,
			nil, "", "", true,
		},

		{
			"invalid start_date",
			`
service_id,monday,start_date,end_date
s,1,2020-01-01,20200601`,
			nil, "", "", true,
		},

		{
			"repeated service_id",
			`
service_id,monday,start_date,end_date
s,1,20200101,20200601
s,1,20200101,20200601`,
			nil, "", "", true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, writer := newWriter(t)

			services, minDate, maxDate, err := parseCalendar(writer, bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, len(tc.services), len(services))
			for _, id := range tc.services {
				assert.True(t, services[id])
			}
			assert.Equal(t, tc.minDate, minDate)
			assert.Equal(t, tc.maxDate, maxDate)
		})
	}
}

func TestParseCalendarDates(t *testing.T) {
	for _, tc := range []struct {
		name     string
		content  string
		services []string
		minDate  string
		maxDate  string
		err      bool
	}{
		{
			"additions widen range",
			`
service_id,date,exception_type
extra,20200704,1
extra,20201225,1`,
			[]string{"extra"},
			"20200704",
			"20201225",
			false,
		},

		{
			"removals do not widen range",
			`
service_id,date,exception_type
s,20200101,1
s,20191225,2
s,20210101,2`,
			[]string{"s"},
			"20200101",
			"20200101",
			false,
		},

		{
			"invalid exception_type",
			`
service_id,date,exception_type
s,20200101,3`,
			nil, "", "", true,
		},

		{
			"invalid date",
			`
service_id,date,exception_type
s,202001,1`,
			nil, "", "", true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, writer := newWriter(t)

			services, minDate, maxDate, err := parseCalendarDates(writer, bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, len(tc.services), len(services))
			for _, id := range tc.services {
				assert.True(t, services[id])
			}
			assert.Equal(t, tc.minDate, minDate)
			assert.Equal(t, tc.maxDate, maxDate)
		})
	}
}

func TestParseTrips(t *testing.T) {
	routes := map[string]bool{"r": true}
	services := map[string]bool{"s": true}

	for _, tc := range []struct {
		name    string
		content string
		trips   []string
		err     bool
	}{
		{
			"valid trips",
			`
trip_id,route_id,service_id,trip_headsign,direction_id
t1,r,s,Downtown,0
t2,r,s,Uptown,1`,
			[]string{"t1", "t2"},
			false,
		},

		{
			"unknown route",
			`
trip_id,route_id,service_id
t1,bogus,s`,
			nil, true,
		},

		{
			"unknown service",
			`
trip_id,route_id,service_id
t1,r,bogus`,
			nil, true,
		},

		{
			"repeated trip_id",
			`
trip_id,route_id,service_id
t1,r,s
t1,r,s`,
			nil, true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, writer := newWriter(t)

			trips, err := parseTrips(writer, bytes.NewBufferString(tc.content), routes, services)
			if tc.err {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, len(tc.trips), len(trips))
			for _, id := range tc.trips {
				assert.True(t, trips[id])
			}
		})
	}
}

func TestParseStops(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
		stops   []string
		err     bool
	}{
		{
			"valid stops",
			`
stop_id,stop_name,stop_lat,stop_lon,location_type,parent_station
s1,First St,40.7,-74.0,0,station
s2,Second St,40.8,-73.9,0,
station,Big Station,40.75,-73.95,1,`,
			[]string{"s1", "s2", "station"},
			false,
		},

		{
			"invalid latitude",
			`
stop_id,stop_name,stop_lat,stop_lon
s1,First St,north,-74.0`,
			nil, true,
		},

		{
			"repeated stop_id",
			`
stop_id,stop_name
s1,First St
s1,First St Again`,
			nil, true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, writer := newWriter(t)

			stops, err := parseStops(writer, bytes.NewBufferString(tc.content))
			if tc.err {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, len(tc.stops), len(stops))
			for _, id := range tc.stops {
				assert.True(t, stops[id])
			}
		})
	}
}

func TestParseStopTimeTime(t *testing.T) {
	for _, tc := range []struct {
		input    string
		expected string
		err      bool
	}{
		{"00:00:00", "000000", false},
		{"08:30:15", "083015", false},
		{"8:30:15", "083015", false},
		{"23:59:59", "235959", false},
		{"25:01:00", "250100", false}, // over 24h is normal
		{"99:59:59", "995959", false},
		{"improper", "", true},
		{"08:30", "", true},
		{"08:30:15:00", "", true},
		{"08:61:00", "", true},
		{"08:30:61", "", true},
		{"-1:30:00", "", true},
		{"", "", true},
	} {
		parsed, err := parseStopTimeTime(tc.input)
		if tc.err {
			assert.Error(t, err, "input %q", tc.input)
		} else {
			assert.NoError(t, err, "input %q", tc.input)
			assert.Equal(t, tc.expected, parsed)
		}
	}
}

func TestParseStopTimes(t *testing.T) {
	trips := map[string]bool{"t1": true, "t2": true}
	stops := map[string]bool{"s1": true, "s2": true}

	for _, tc := range []struct {
		name         string
		content      string
		maxDeparture string
		err          bool
	}{
		{
			"valid stop times",
			`
trip_id,stop_id,stop_sequence,arrival_time,departure_time
t1,s1,1,08:00:00,08:01:00
t1,s2,2,08:10:00,08:11:00
t2,s1,1,25:30:00,25:31:00`,
			"253100",
			false,
		},

		{
			"unknown trip",
			`
trip_id,stop_id,stop_sequence,arrival_time,departure_time
bogus,s1,1,08:00:00,08:01:00`,
			"", true,
		},

		{
			"unknown stop",
			`
trip_id,stop_id,stop_sequence,arrival_time,departure_time
t1,bogus,1,08:00:00,08:01:00`,
			"", true,
		},

		{
			"malformed time",
			`
trip_id,stop_id,stop_sequence,arrival_time,departure_time
t1,s1,1,sometime,08:01:00`,
			"", true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, writer := newWriter(t)
			require.NoError(t, writer.BeginStopTimes())

			maxDeparture, err := parseStopTimes(writer, bytes.NewBufferString(tc.content), trips, stops)
			if tc.err {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NoError(t, writer.EndStopTimes())
			assert.Equal(t, tc.maxDeparture, maxDeparture)
		})
	}
}

func buildZip(t *testing.T, files map[string][]string) []byte {
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	for filename, content := range files {
		f, err := w.Create(filename)
		require.NoError(t, err)
		_, err = f.Write([]byte(strings.Join(content, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func validFiles() map[string][]string {
	return map[string][]string{
		"agency.txt": {
			"agency_id,agency_name,agency_url,agency_timezone",
			"a,Agency,http://agency.com,America/New_York",
		},
		"routes.txt": {
			"route_id,agency_id,route_short_name,route_color",
			"r,a,R,FF0000",
		},
		"calendar.txt": {
			"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date",
			"weekday,1,1,1,1,1,0,0,20200101,20210101",
		},
		"calendar_dates.txt": {
			"service_id,date,exception_type",
			"weekday,20200703,2",
		},
		"trips.txt": {
			"trip_id,route_id,service_id,trip_headsign",
			"t,r,weekday,Downtown",
		},
		"stops.txt": {
			"stop_id,stop_name,stop_lat,stop_lon",
			"s1,First St,40.7,-74.0",
			"s2,Second St,40.8,-73.9",
		},
		"stop_times.txt": {
			"trip_id,stop_id,stop_sequence,arrival_time,departure_time",
			"t,s1,1,08:00:00,08:01:00",
			"t,s2,2,08:10:00,08:12:00",
		},
	}
}

func TestParseStatic(t *testing.T) {
	s := storage.NewMemoryStorage()
	writer, err := s.GetWriter("test")
	require.NoError(t, err)

	metadata, err := ParseStatic(writer, buildZip(t, validFiles()))
	require.NoError(t, err)

	assert.Equal(t, "America/New_York", metadata.Timezone)
	assert.Equal(t, "20200101", metadata.CalendarStartDate)
	assert.Equal(t, "20210101", metadata.CalendarEndDate)
	assert.Equal(t, "081200", metadata.MaxDeparture)

	reader, err := s.GetReader("test")
	require.NoError(t, err)

	// The calendar exception removes weekday service on Friday
	// July 3rd 2020.
	services, err := reader.ActiveServices("20200702")
	require.NoError(t, err)
	assert.Equal(t, []string{"weekday"}, services)
	services, err = reader.ActiveServices("20200703")
	require.NoError(t, err)
	assert.Equal(t, []string{}, services)

	visits, err := reader.StopVisits(storage.StopVisitFilter{StopID: "s1"})
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, "t", visits[0].StopTime.TripID)
	assert.Equal(t, "080000", visits[0].StopTime.Arrival)
	assert.Equal(t, "080100", visits[0].StopTime.Departure)
	assert.Equal(t, "Downtown", visits[0].Trip.Headsign)
	assert.Equal(t, "R", visits[0].Route.ShortName)
	assert.Equal(t, "First St", visits[0].Stop.Name)
	assert.Equal(t, "Second St", visits[0].TerminalName)
}

func TestParseStaticMissingFiles(t *testing.T) {
	for _, missing := range []string{
		"agency.txt",
		"routes.txt",
		"stops.txt",
		"trips.txt",
		"stop_times.txt",
	} {
		t.Run(missing, func(t *testing.T) {
			files := validFiles()
			delete(files, missing)

			_, writer := newWriter(t)
			_, err := ParseStatic(writer, buildZip(t, files))
			assert.ErrorContains(t, err, missing)
		})
	}

	t.Run("both calendar files", func(t *testing.T) {
		files := validFiles()
		delete(files, "calendar.txt")
		delete(files, "calendar_dates.txt")

		_, writer := newWriter(t)
		_, err := ParseStatic(writer, buildZip(t, files))
		assert.Error(t, err)
	})
}

func TestParseStaticCalendarDatesOnly(t *testing.T) {
	files := validFiles()
	delete(files, "calendar.txt")
	files["calendar_dates.txt"] = []string{
		"service_id,date,exception_type",
		"weekday,20200101,1",
		"weekday,20200102,1",
	}

	s := storage.NewMemoryStorage()
	writer, err := s.GetWriter("test")
	require.NoError(t, err)

	metadata, err := ParseStatic(writer, buildZip(t, files))
	require.NoError(t, err)
	assert.Equal(t, "20200101", metadata.CalendarStartDate)
	assert.Equal(t, "20200102", metadata.CalendarEndDate)

	reader, err := s.GetReader("test")
	require.NoError(t, err)
	services, err := reader.ActiveServices("20200102")
	require.NoError(t, err)
	assert.Equal(t, []string{"weekday"}, services)
}

func TestParseStaticFilesInSubdirectory(t *testing.T) {
	// Some agencies wrap all files in a directory.
	files := map[string][]string{}
	for name, content := range validFiles() {
		files["gtfs/"+name] = content
	}

	_, writer := newWriter(t)
	_, err := ParseStatic(writer, buildZip(t, files))
	assert.NoError(t, err)
}

func TestParseStaticGarbage(t *testing.T) {
	_, writer := newWriter(t)
	_, err := ParseStatic(writer, []byte("this is not a zip file"))
	assert.Error(t, err)
}
