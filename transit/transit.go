package transit

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/protobuf/proto"

	"gtfsupcoming/fetch"
	"gtfsupcoming/model"
	"gtfsupcoming/schedule"
)

// Metrics
var (
	matchedTrips = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "gtfs_interesting_trips",
		Help: "Trips returned matching configured InterestingStops",
	}, []string{"state"})

	entitiesReturned = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "gtfs_returned_entities",
		Help: "Entities returned from API",
	})

	entitiesIgnored = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "gtfs_ignored_entities",
		Help: "Entities ignored in API, because they were not TripUpdates or not Scheduled",
	}, []string{"reason"})

	scheduledReturned = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "gtfs_transit_scheduled_trips_returned",
		Help: "Number of scheduled trips returned",
	})

	scheduledAndLive = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "gtfs_transit_scheduled_trips_matching_live",
		Help: "Number of scheduled trips returned that are also in the live feed",
	})

	upcomingTime = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "gtfs_transit_getupcoming_run_seconds",
		Help: "Time to run GetUpcoming",
	})

	scheduledTime = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "gtfs_transit_getscheduled_run_seconds",
		Help: "Time to run GetScheduled",
	})

	liveTime = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "gtfs_transit_getlive_run_seconds",
		Help: "Time to run GetLive",
	})
)

const (
	SourceSchedule = "SCHEDULE"
	SourceLive     = "LIVE"
)

// scheduledWindow is how far ahead GetScheduled looks.
const scheduledWindow = 120 * time.Minute

// Clock exists so tests can pin the wall clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Upcoming is one reported arrival, from either the static schedule or
// the live feed.
type Upcoming struct {
	TripID          string  `json:"trip_id"`
	Route           string  `json:"route"`
	RouteType       string  `json:"route_type"`
	Headsign        string  `json:"headsign"`
	Direction       string  `json:"direction"`
	StopID          string  `json:"stop_id"`
	DueTime         string  `json:"due_time"`
	DueInSeconds    float64 `json:"due_in_seconds"`
	Source          string  `json:"source"`
	Canceled        bool    `json:"canceled"`
	AddedToSchedule bool    `json:"added_to_schedule"`
}

func upcomingFromTrip(trip *model.Trip, stopID, source string, due, current time.Time, canceled, added bool) Upcoming {
	return Upcoming{
		TripID:          trip.ID,
		Route:           trip.Route.ShortName,
		RouteType:       trip.Route.Type.String(),
		Headsign:        trip.Headsign,
		Direction:       trip.DirectionID,
		StopID:          stopID,
		DueTime:         due.Format("15:04:05"),
		DueInSeconds:    DeltaSeconds(due, current),
		Source:          source,
		Canceled:        canceled,
		AddedToSchedule: added,
	}
}

// DeltaSeconds returns the signed number of seconds between two times.
func DeltaSeconds(now, then time.Time) float64 {
	return now.Sub(then).Seconds()
}

// Engine merges the static schedule with the realtime feed. It holds no
// mutable state; one instance serves concurrent requests.
type Engine struct {
	db      *schedule.Database
	fetcher fetch.Fetcher
	clock   Clock
	logger  *slog.Logger
}

func New(db *schedule.Database, fetcher fetch.Fetcher, logger *slog.Logger) *Engine {
	return NewWithClock(db, fetcher, systemClock{}, logger)
}

func NewWithClock(db *schedule.Database, fetcher fetch.Fetcher, clock Clock, logger *slog.Logger) *Engine {
	return &Engine{db: db, fetcher: fetcher, clock: clock, logger: logger}
}

// ParseTime converts an extended HH:MM:SS to a time on the current
// date. Hours of 24 and beyond roll the date forward, per GTFS.
func (e *Engine) ParseTime(s string) (time.Time, error) {
	now := e.clock.Now()

	h, m, sec, err := parseHMS(s)
	if err != nil {
		return time.Time{}, err
	}

	days := 0
	if h >= 24 {
		days = h / 24
		h %= 24
	}

	return time.Date(now.Year(), now.Month(), now.Day(), h, m, sec, 0, now.Location()).
		AddDate(0, 0, days), nil
}

// LoadFromAPI fetches the realtime feed and decodes the FeedMessage.
func (e *Engine) LoadFromAPI(ctx context.Context) (*gtfsrt.FeedMessage, error) {
	raw, err := e.fetcher.Fetch(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetching feed")
	}

	feed := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(raw, feed); err != nil {
		return nil, errors.Wrap(err, "unmarshaling feed")
	}
	return feed, nil
}

// GetScheduled returns the upcoming scheduled arrivals at the given
// stops over the next two hours, soonest first.
func (e *Engine) GetScheduled(interestingStops []string) ([]Upcoming, error) {
	timer := prometheus.NewTimer(scheduledTime)
	defer timer.ObserveDuration()

	start := e.clock.Now()
	end := start.Add(scheduledWindow)

	ret := []Upcoming{}
	for _, stopID := range interestingStops {
		trips, err := e.db.GetScheduledFor(stopID, start, end)
		if err != nil {
			return nil, err
		}

		for _, trip := range trips {
			for _, st := range trip.StopTimes {
				if st.StopID != stopID {
					continue
				}
				due, err := e.ParseTime(st.Arrival)
				if err != nil {
					return nil, errors.Wrapf(err, "trip %s at %s", trip.ID, stopID)
				}
				ret = append(ret, upcomingFromTrip(trip, stopID, SourceSchedule, due, e.clock.Now(), false, false))
				break
			}
		}
	}

	scheduledReturned.Observe(float64(len(ret)))
	sortByDue(ret)
	return ret, nil
}

// GetLive fetches the realtime feed and returns one Upcoming per
// reportable trip update.
func (e *Engine) GetLive(ctx context.Context, interestingStops []string) ([]Upcoming, error) {
	timer := prometheus.NewTimer(liveTime)
	defer timer.ObserveDuration()

	feed, err := e.LoadFromAPI(ctx)
	if err != nil {
		return nil, err
	}

	stopSet := make(map[string]bool, len(interestingStops))
	for _, s := range interestingStops {
		stopSet[s] = true
	}

	ret := []Upcoming{}
	var early, delayed, ontime, notUpdate, unexpectedSR int

	current := e.clock.Now()

	for _, entity := range feed.GetEntity() {
		if entity.TripUpdate == nil {
			notUpdate++
			continue
		}

		tu := entity.TripUpdate
		trip := tu.GetTrip()

		sr := trip.GetScheduleRelationship()
		scheduled := sr == gtfsrt.TripDescriptor_SCHEDULED
		canceled := sr == gtfsrt.TripDescriptor_CANCELED
		added := sr == gtfsrt.TripDescriptor_ADDED

		tripFromDB := e.db.GetTrip(trip.GetTripId())
		if tripFromDB == nil && added {
			tripFromDB = e.buildTripFromUpdate(tu, stopSet)
		}
		if tripFromDB == nil {
			continue
		}

		if !scheduled && !canceled && !added {
			e.logger.Warn("received unexpected schedule_relationship",
				"trip_id", trip.GetTripId(), "schedule_relationship", sr.String())
			unexpectedSR++
			continue
		}

		sequence := -1
		arrivalTime := time.Unix(1, 0)
		stopID := ""

		for _, st := range tripFromDB.StopTimes {
			if stopSet[st.StopID] {
				stopID = st.StopID
				sequence = st.StopSequence
				arrivalTime, err = e.ParseTime(st.Arrival)
				if err != nil {
					return nil, errors.Wrapf(err, "trip %s at %s", tripFromDB.ID, st.StopID)
				}
				break
			}
		}

		updatedArrivalTime := arrivalTime
		if scheduled {
			for _, stu := range tu.GetStopTimeUpdate() {
				if int(stu.GetStopSequence()) > sequence {
					// Nothing past our stop matters.
					break
				}
				if stu.Arrival == nil {
					continue
				}
				if stu.Arrival.Delay != nil {
					updatedArrivalTime = updatedArrivalTime.Add(
						time.Duration(stu.GetArrival().GetDelay()) * time.Second)
				}
				if stu.Arrival.Time != nil {
					// POSIX timestamp; replaces any accumulated delay.
					updatedArrivalTime = time.Unix(stu.GetArrival().GetTime(), 0)
				}
			}

			if current.After(updatedArrivalTime) {
				// The vehicle has passed our stop.
				continue
			}

			switch {
			case updatedArrivalTime.Before(arrivalTime):
				early++
			case updatedArrivalTime.Equal(arrivalTime):
				ontime++
			default:
				delayed++
			}
		}

		ret = append(ret, upcomingFromTrip(tripFromDB, stopID, SourceLive,
			updatedArrivalTime, current, canceled, added))
	}

	matchedTrips.WithLabelValues("ontime").Observe(float64(ontime))
	matchedTrips.WithLabelValues("early").Observe(float64(early))
	matchedTrips.WithLabelValues("delayed").Observe(float64(delayed))
	entitiesIgnored.WithLabelValues("wrong_type").Observe(float64(notUpdate))
	entitiesIgnored.WithLabelValues("not_scheduled").Observe(float64(unexpectedSR))
	entitiesReturned.Observe(float64(len(feed.GetEntity())))

	return ret, nil
}

// buildTripFromUpdate synthesizes a Trip for an ADDED entity that has no
// static counterpart. Headsign, direction and service come from the
// route's inferred fields; stop times come from the update itself.
func (e *Engine) buildTripFromUpdate(tu *gtfsrt.TripUpdate, stopSet map[string]bool) *model.Trip {
	tripID := tu.GetTrip().GetTripId()

	route := e.db.GetRoute(tu.GetTrip().GetRouteId())
	if route == nil {
		e.logger.Debug("ADDED trip does not match a known route, skipping",
			"trip_id", tripID, "route_id", tu.GetTrip().GetRouteId())
		return nil
	}

	stopTimes := []model.StopTime{}
	for _, stu := range tu.GetStopTimeUpdate() {
		if !stopSet[stu.GetStopId()] {
			continue
		}

		var ts int64
		if stu.Arrival != nil && stu.Arrival.Time != nil {
			ts = stu.GetArrival().GetTime()
		}
		if stu.Departure != nil && stu.Departure.Time != nil {
			ts = stu.GetDeparture().GetTime()
		}
		if ts == 0 {
			e.logger.Warn("ADDED trip stop has no arrival or departure time (ignoring it)",
				"trip_id", tripID, "stop_id", stu.GetStopId())
			continue
		}

		hhmmss := time.Unix(ts, 0).Format("15:04:05")
		e.logger.Debug("ADDED trip has an interesting stop, creating a Trip",
			"trip_id", tripID, "stop_id", stu.GetStopId())
		stopTimes = append(stopTimes, model.StopTime{
			TripID:       tripID,
			StopID:       stu.GetStopId(),
			StopSequence: int(stu.GetStopSequence()),
			Arrival:      hhmmss,
			Departure:    hhmmss,
		})
	}

	if len(stopTimes) == 0 {
		e.logger.Debug("ADDED trip does not reference any interesting stops",
			"trip_id", tripID)
		return nil
	}

	return &model.Trip{
		ID:          tripID,
		Headsign:    route.InferredHeadsign,
		DirectionID: route.InferredDirectionID,
		ServiceID:   route.InferredServiceID,
		Route:       route,
		StopTimes:   stopTimes,
	}
}

// GetUpcoming merges live and scheduled arrivals: live data wins for
// trips the feed reports on, the schedule fills in the rest, and
// canceled trips are dropped.
func (e *Engine) GetUpcoming(ctx context.Context, interestingStops []string) ([]Upcoming, error) {
	timer := prometheus.NewTimer(upcomingTime)
	defer timer.ObserveDuration()

	scheduled, err := e.GetScheduled(interestingStops)
	if err != nil {
		return nil, err
	}

	live, err := e.GetLive(ctx, interestingStops)
	if err != nil {
		return nil, err
	}

	liveTrips := make(map[string]bool, len(live))
	for _, u := range live {
		liveTrips[u.TripID] = true
	}

	matched := 0
	merged := append([]Upcoming{}, live...)
	for _, s := range scheduled {
		if liveTrips[s.TripID] {
			matched++
			continue
		}
		merged = append(merged, s)
	}
	scheduledAndLive.Observe(float64(matched))

	ret := merged[:0]
	for _, u := range merged {
		if !u.Canceled {
			ret = append(ret, u)
		}
	}

	sortByDue(ret)
	return ret, nil
}

func sortByDue(ups []Upcoming) {
	sort.SliceStable(ups, func(i, j int) bool {
		return ups[i].DueInSeconds < ups[j].DueInSeconds
	})
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
