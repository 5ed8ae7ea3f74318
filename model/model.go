package model

import (
	"time"
)

// Holds the record types the schedule database is built from. Everything
// here is populated once during load and treated as read-only afterward.

// RouteType is the GTFS route_type code, e.g. "3" for bus.
type RouteType string

const (
	RouteTypeTram       RouteType = "0"
	RouteTypeSubway     RouteType = "1"
	RouteTypeRail       RouteType = "2"
	RouteTypeBus        RouteType = "3"
	RouteTypeFerry      RouteType = "4"
	RouteTypeCableTram  RouteType = "5"
	RouteTypeAerialLift RouteType = "6"
	RouteTypeFunicular  RouteType = "7"
	RouteTypeTrolleybus RouteType = "11"
	RouteTypeMonorail   RouteType = "12"
)

// From: https://developers.google.com/transit/gtfs/reference
var routeTypeNames = map[RouteType]string{
	RouteTypeTram:       "TRAM",
	RouteTypeSubway:     "SUBWAY",
	RouteTypeRail:       "RAIL",
	RouteTypeBus:        "BUS",
	RouteTypeFerry:      "FERRY",
	RouteTypeCableTram:  "CABLE_TRAM",
	RouteTypeAerialLift: "AERIAL_LIFT",
	RouteTypeFunicular:  "FUNICULAR",
	RouteTypeTrolleybus: "TROLLEYBUS",
	RouteTypeMonorail:   "MONORAIL",
}

func (t RouteType) String() string {
	if name, ok := routeTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN(" + string(t) + ")"
}

// CalendarDays maps weekday index (monday=0 .. sunday=6) to the
// calendar.txt column carrying that day's service bit.
var CalendarDays = [7]string{
	"monday",
	"tuesday",
	"wednesday",
	"thursday",
	"friday",
	"saturday",
	"sunday",
}

type ExceptionType string

const (
	ExceptionServiceAdded   ExceptionType = "1"
	ExceptionServiceRemoved ExceptionType = "2"
)

// Route carries the static route attributes plus three fields inferred
// from the first trip seen using the route. Routes have no headsign or
// direction of their own; the inferred values stand in when a realtime
// ADDED trip is synthesized against this route.
type Route struct {
	ID        string
	ShortName string
	LongName  string
	Type      RouteType

	InferredHeadsign    string
	InferredDirectionID string
	InferredServiceID   string
}

type StopTime struct {
	TripID       string
	StopID       string
	StopSequence int
	Arrival      string // extended HH:MM:SS, hours may exceed 24
	Departure    string
}

// Trip is a single run of a vehicle. StopTimes is ordered by
// StopSequence.
type Trip struct {
	ID          string
	Headsign    string
	DirectionID string
	ServiceID   string
	Route       *Route
	StopTimes   []StopTime
}

// Calendar is the weekly pattern and validity window for a service.
// Days is indexed monday=0 .. sunday=6; a day is available unless the
// source column was exactly "0". Dates are normalized YYYYMMDD strings,
// validated at load time; they compare correctly lexicographically.
type Calendar struct {
	ServiceID string
	StartDate string
	EndDate   string
	Days      [7]bool
}

// Date normalizes a time to the YYYYMMDD form used for calendar
// comparisons and exception lookups.
func Date(t time.Time) string {
	return t.Format("20060102")
}
