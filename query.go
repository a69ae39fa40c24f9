package stopboard

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseQueries parses a list of route-stop pairs from caller input.
// Each pair is "routeId,stopId" with an optional third ",offsetSeconds"
// field; pairs are separated by semicolons. Malformed pairs are
// rejected before any I/O happens.
func ParseQueries(input string) ([]RouteStopQuery, error) {
	queries := []RouteStopQuery{}

	for _, tuple := range strings.Split(input, ";") {
		tuple = strings.TrimSpace(tuple)
		if tuple == "" {
			continue
		}

		fields := strings.Split(tuple, ",")
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("malformed pair '%s': want routeId,stopId[,offsetSeconds]", tuple)
		}

		query := RouteStopQuery{
			RouteID: strings.TrimSpace(fields[0]),
			StopID:  strings.TrimSpace(fields[1]),
		}
		if query.RouteID == "" {
			return nil, fmt.Errorf("malformed pair '%s': missing routeId", tuple)
		}
		if query.StopID == "" {
			return nil, fmt.Errorf("malformed pair '%s': missing stopId", tuple)
		}

		if len(fields) == 3 {
			offset, err := strconv.Atoi(strings.TrimSpace(fields[2]))
			if err != nil {
				return nil, fmt.Errorf("malformed pair '%s': non-numeric offset", tuple)
			}
			query.OffsetSeconds = offset
		}

		queries = append(queries, query)
	}

	if len(queries) == 0 {
		return nil, fmt.Errorf("no route-stop pairs given")
	}

	return queries, nil
}
