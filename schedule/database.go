package schedule

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"gtfsupcoming/loader"
	"gtfsupcoming/model"
)

// Metrics
var (
	tripsLoaded = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "gtfs_tripdb_loaded_trips",
		Help: "Trips loaded in the database",
	})

	tripRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtfs_tripdb_requests_total",
		Help: "Requests to the Trip DB",
	}, []string{"found"})

	databaseLoad = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "gtfs_database_load_seconds",
		Help: "Time to load the database",
	})

	scheduleResponse = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "gtfs_schedule_returned_trips",
		Help: "Response sizes for GetScheduledFor()",
	})
)

// RequiredFiles are the GTFS bundle members the database reads. A
// bundle missing any of them cannot be loaded.
var RequiredFiles = []string{
	"stop_times.txt",
	"trips.txt",
	"routes.txt",
	"calendar.txt",
	"calendar_dates.txt",
}

// ErrInvalidRange is returned by GetScheduledFor when end < start.
var ErrInvalidRange = errors.New("start must come before end")

type stopTimeRow struct {
	TripID        string `csv:"trip_id"`
	ArrivalTime   string `csv:"arrival_time"`
	DepartureTime string `csv:"departure_time"`
	StopID        string `csv:"stop_id"`
	StopSequence  int    `csv:"stop_sequence"`
}

type routeRow struct {
	RouteID   string `csv:"route_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
	RouteType string `csv:"route_type"`
}

type tripRow struct {
	RouteID     string `csv:"route_id"`
	ServiceID   string `csv:"service_id"`
	TripID      string `csv:"trip_id"`
	Headsign    string `csv:"trip_headsign"`
	DirectionID string `csv:"direction_id"`
}

type calendarRow struct {
	ServiceID string `csv:"service_id"`
	Monday    string `csv:"monday"`
	Tuesday   string `csv:"tuesday"`
	Wednesday string `csv:"wednesday"`
	Thursday  string `csv:"thursday"`
	Friday    string `csv:"friday"`
	Saturday  string `csv:"saturday"`
	Sunday    string `csv:"sunday"`
	StartDate string `csv:"start_date"`
	EndDate   string `csv:"end_date"`
}

type calendarDateRow struct {
	ServiceID     string `csv:"service_id"`
	Date          string `csv:"date"`
	ExceptionType string `csv:"exception_type"`
}

// Database is an easy-to-query, in-memory view of a GTFS bundle. It is
// not a generic GTFS API; it holds exactly what the upcoming-arrivals
// queries need. All maps are populated by Load and read-only afterward,
// so concurrent readers need no locking.
type Database struct {
	dataDir   string
	keepStops []string
	loadAll   bool
	loader    *loader.Loader
	logger    *slog.Logger

	stops      map[string][]model.StopTime
	trips      map[string]*model.Trip
	routes     map[string]*model.Route
	calendar   map[string]model.Calendar
	exceptions map[string]map[string]model.ExceptionType
}

// New creates an unloaded Database over the GTFS bundle in dataDir. If
// keepStops is non-empty, the stop index is restricted to those stops;
// otherwise all stops are indexed.
func New(dataDir string, keepStops []string, l *loader.Loader, logger *slog.Logger) *Database {
	return &Database{
		dataDir:   dataDir,
		keepStops: keepStops,
		loadAll:   len(keepStops) == 0,
		loader:    l,
		logger:    logger,
	}
}

// VerifyBundle checks that dir holds every file the database reads.
func VerifyBundle(dir string) error {
	for _, name := range RequiredFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return errors.Wrapf(err, "GTFS bundle incomplete: missing %s", name)
		}
	}
	return nil
}

func (d *Database) Load() error {
	timer := prometheus.NewTimer(databaseLoad)
	defer timer.ObserveDuration()

	if err := d.loadStopIndex(); err != nil {
		return err
	}
	if err := d.loadTrips(); err != nil {
		return err
	}
	if err := d.loadCalendar(); err != nil {
		return err
	}
	if err := d.loadExceptions(); err != nil {
		return err
	}

	tripsLoaded.Observe(float64(len(d.trips)))
	return nil
}

// GetTrip returns the trip or nil.
func (d *Database) GetTrip(tripID string) *model.Trip {
	trip := d.trips[tripID]
	tripRequests.WithLabelValues(strconv.FormatBool(trip != nil)).Inc()
	return trip
}

// GetRoute returns the route or nil. Only routes referenced by a loaded
// trip are present.
func (d *Database) GetRoute(routeID string) *model.Route {
	return d.routes[routeID]
}

// IsValidServiceDay reports whether trip runs on the given date,
// honoring the service's validity window, weekly pattern and per-date
// exceptions.
func (d *Database) IsValidServiceDay(date time.Time, trip *model.Trip) bool {
	cal, ok := d.calendar[trip.ServiceID]
	if !ok {
		d.logger.Error("service not found in database", "service_id", trip.ServiceID)
		return false
	}

	day := model.Date(date)
	if day < cal.StartDate || day > cal.EndDate {
		return false
	}

	exc := d.exceptions[trip.ServiceID][day]
	if !cal.Days[weekdayIndex(date)] {
		return exc == model.ExceptionServiceAdded
	}
	return exc != model.ExceptionServiceRemoved
}

// GetScheduledFor returns the trips scheduled to arrive at stopID
// between start and end, inclusive on both ends. An unknown stop yields
// an empty result; end < start yields ErrInvalidRange.
//
// The walk starts one service date before the window because a trip
// whose arrival_time hours exceed 24 belongs to the previous service
// date even though it lands inside the window. A trip satisfying the
// window on multiple service dates is returned once per date.
func (d *Database) GetScheduledFor(stopID string, start, end time.Time) ([]*model.Trip, error) {
	ret := []*model.Trip{}

	stopTimes := d.stops[stopID]
	if len(stopTimes) == 0 {
		d.logger.Error("stop not found in database", "stop_id", stopID)
		return ret, nil
	}

	if end.Before(start) {
		return nil, ErrInvalidRange
	}

	startService := dateOnly(start).AddDate(0, 0, -1)
	endService := dateOnly(end)

	for _, st := range stopTimes {
		h, m, s, err := parseHMS(st.Arrival)
		if err != nil {
			d.logger.Error("invalid format for arrival_time",
				"arrival_time", st.Arrival, "trip_id", st.TripID, "error", err)
			continue
		}

		deltaDays := 0
		if h >= 24 {
			deltaDays = 1
			h -= 24
		}

		for sd := startService; !sd.After(endService); sd = sd.AddDate(0, 0, 1) {
			arrival := time.Date(sd.Year(), sd.Month(), sd.Day(), h, m, s, 0, sd.Location()).
				AddDate(0, 0, deltaDays)

			trip := d.GetTrip(st.TripID)
			if trip == nil {
				continue
			}
			if d.IsValidServiceDay(sd, trip) && !arrival.Before(start) && !arrival.After(end) {
				ret = append(ret, trip)
			}
		}
	}

	scheduleResponse.Observe(float64(len(ret)))
	return ret, nil
}

func (d *Database) loadStopIndex() error {
	var keep func(stopTimeRow) bool
	if !d.loadAll {
		set := loader.StringSet(d.keepStops...)
		keep = func(r stopTimeRow) bool { return set[r.StopID] }
	}

	rows, err := loader.Load(d.loader, filepath.Join(d.dataDir, "stop_times.txt"), keep)
	if err != nil {
		return errors.Wrap(err, "loading stop index")
	}

	d.stops = map[string][]model.StopTime{}
	for _, r := range rows {
		d.stops[r.StopID] = append(d.stops[r.StopID], stopTimeFromRow(r))
	}
	return nil
}

func (d *Database) loadTrips() error {
	tripIDs := map[string]bool{}
	for _, stopTimes := range d.stops {
		for _, st := range stopTimes {
			tripIDs[st.TripID] = true
		}
	}

	stopTimeRows, err := loader.Load(d.loader, filepath.Join(d.dataDir, "stop_times.txt"),
		func(r stopTimeRow) bool { return tripIDs[r.TripID] })
	if err != nil {
		return errors.Wrap(err, "loading trip stop_times")
	}

	stopTimesByTrip := map[string][]model.StopTime{}
	for _, r := range stopTimeRows {
		stopTimesByTrip[r.TripID] = append(stopTimesByTrip[r.TripID], stopTimeFromRow(r))
	}
	for _, stopTimes := range stopTimesByTrip {
		sort.SliceStable(stopTimes, func(i, j int) bool {
			return stopTimes[i].StopSequence < stopTimes[j].StopSequence
		})
	}

	routeRows, err := loader.Load[routeRow](d.loader, filepath.Join(d.dataDir, "routes.txt"), nil)
	if err != nil {
		return errors.Wrap(err, "loading routes")
	}
	routesByID := map[string]routeRow{}
	for _, r := range routeRows {
		routesByID[r.RouteID] = r
	}

	tripRows, err := loader.Load(d.loader, filepath.Join(d.dataDir, "trips.txt"),
		func(r tripRow) bool { return tripIDs[r.TripID] })
	if err != nil {
		return errors.Wrap(err, "loading trips")
	}

	d.trips = map[string]*model.Trip{}
	d.routes = map[string]*model.Route{}

	for _, row := range tripRows {
		rr, ok := routesByID[row.RouteID]
		if !ok {
			d.logger.Debug("trip references unknown route_id (ignoring)",
				"trip_id", row.TripID, "route_id", row.RouteID)
			continue
		}

		stopTimes := stopTimesByTrip[row.TripID]
		if len(stopTimes) == 0 {
			d.logger.Debug("trip has no stop times", "trip_id", row.TripID)
			stopTimes = []model.StopTime{}
		}

		route, ok := d.routes[row.RouteID]
		if !ok {
			// Routes don't carry a headsign or direction; reuse the
			// first trip seen with this route id.
			route = &model.Route{
				ID:                  rr.RouteID,
				ShortName:           rr.ShortName,
				LongName:            rr.LongName,
				Type:                model.RouteType(rr.RouteType),
				InferredHeadsign:    row.Headsign,
				InferredDirectionID: row.DirectionID,
				InferredServiceID:   row.ServiceID,
			}
			d.routes[row.RouteID] = route
		}

		d.trips[row.TripID] = &model.Trip{
			ID:          row.TripID,
			Headsign:    row.Headsign,
			DirectionID: row.DirectionID,
			ServiceID:   row.ServiceID,
			Route:       route,
			StopTimes:   stopTimes,
		}
	}

	return nil
}

func (d *Database) loadCalendar() error {
	rows, err := loader.Load[calendarRow](d.loader, filepath.Join(d.dataDir, "calendar.txt"), nil)
	if err != nil {
		return errors.Wrap(err, "loading calendar")
	}

	d.calendar = map[string]model.Calendar{}
	for _, r := range rows {
		if _, err := time.Parse("20060102", r.StartDate); err != nil {
			return errors.Wrapf(err, "parsing start_date for service %q", r.ServiceID)
		}
		if _, err := time.Parse("20060102", r.EndDate); err != nil {
			return errors.Wrapf(err, "parsing end_date for service %q", r.ServiceID)
		}

		// A day is available unless the column is exactly "0"; a
		// missing column counts as available.
		notAvailable := func(v string) bool { return v == "0" }
		d.calendar[r.ServiceID] = model.Calendar{
			ServiceID: r.ServiceID,
			StartDate: r.StartDate,
			EndDate:   r.EndDate,
			Days: [7]bool{
				!notAvailable(r.Monday),
				!notAvailable(r.Tuesday),
				!notAvailable(r.Wednesday),
				!notAvailable(r.Thursday),
				!notAvailable(r.Friday),
				!notAvailable(r.Saturday),
				!notAvailable(r.Sunday),
			},
		}
	}
	return nil
}

func (d *Database) loadExceptions() error {
	rows, err := loader.Load[calendarDateRow](d.loader, filepath.Join(d.dataDir, "calendar_dates.txt"), nil)
	if err != nil {
		return errors.Wrap(err, "loading calendar exceptions")
	}

	d.exceptions = map[string]map[string]model.ExceptionType{}
	for _, r := range rows {
		if _, err := time.Parse("20060102", r.Date); err != nil {
			return errors.Wrapf(err, "parsing exception date for service %q", r.ServiceID)
		}
		if d.exceptions[r.ServiceID] == nil {
			d.exceptions[r.ServiceID] = map[string]model.ExceptionType{}
		}
		d.exceptions[r.ServiceID][r.Date] = model.ExceptionType(r.ExceptionType)
	}
	return nil
}

func stopTimeFromRow(r stopTimeRow) model.StopTime {
	return model.StopTime{
		TripID:       r.TripID,
		StopID:       r.StopID,
		StopSequence: r.StopSequence,
		Arrival:      r.ArrivalTime,
		Departure:    r.DepartureTime,
	}
}

func parseHMS(s string) (int, int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, errors.Errorf("found %d parts in %q", len(parts), s)
	}
	hms := [3]int{}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, errors.Errorf("non-integer in %q pos %d", s, i)
		}
		hms[i] = v
	}
	return hms[0], hms[1], hms[2], nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// weekdayIndex maps time.Weekday (sunday=0) onto the GTFS calendar
// ordering (monday=0 .. sunday=6).
func weekdayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}
