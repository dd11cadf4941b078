package pipeline

import (
	"fmt"
	"strings"
)

// RepairQuery is one alternative geocoding query produced by a repair
// strategy. The deep auditor replays the same ladder, so the builder is
// exported.
type RepairQuery struct {
	Strategy string
	Query    string
}

// IntersectionQuery builds the standard geocoder query for a road crossing.
func IntersectionQuery(road, cross, suffix string) string {
	return fmt.Sprintf("%s & %s, %s", road, cross, suffix)
}

// simplifyRoadName strips parenthetical aliases and keeps the first
// alternative of slash-joined names: "SR 19 (Bay St)" -> "SR 19",
// "US 27/SR 25" -> "US 27".
func simplifyRoadName(road string) string {
	if i := strings.Index(road, "("); i >= 0 {
		road = road[:i]
	}
	if i := strings.Index(road, "/"); i >= 0 {
		road = road[:i]
	}
	return strings.TrimSpace(road)
}

// RepairQueries returns the ordered alternative queries for re-resolving
// the crossing of road and cross: simplified road name, reversed order,
// locality-qualified, cross-street only. Locality entries carry their state
// ("Leesburg, FL") and replace the dataset suffix.
func RepairQueries(road, cross, suffix string, localities []string) []RepairQuery {
	var queries []RepairQuery
	if simple := simplifyRoadName(road); simple != "" && simple != road {
		queries = append(queries, RepairQuery{"simplified_road", IntersectionQuery(simple, cross, suffix)})
	}
	queries = append(queries, RepairQuery{"reversed_order", IntersectionQuery(cross, road, suffix)})
	for _, locality := range localities {
		queries = append(queries, RepairQuery{"locality", IntersectionQuery(road, cross, locality)})
	}
	queries = append(queries, RepairQuery{"cross_street_only", fmt.Sprintf("%s, %s", cross, suffix)})
	return queries
}
