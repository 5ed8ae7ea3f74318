package testutil

// Helpers and fixtures for tests.

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"gtfsupcoming/loader"
	"gtfsupcoming/schedule"
)

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ScheduleFiles is the seed GTFS bundle: two Thursday-only trips (1167
// on route 7A, 1169 on route 7) sharing stops 8250DB003076 and
// 8220DB000490, a weekday trip 1168 at its own stop, and an overnight
// trip with a 25:00:00 arrival. The Thursday service carries one
// removed date (2020-11-26) and one added Friday (2020-11-27).
func ScheduleFiles() map[string][]string {
	return map[string][]string{
		"agency.txt": {
			"agency_id,agency_name,agency_url,agency_timezone",
			"03C,GoAhead Commuter,https://www.transportforireland.ie,Europe/Dublin",
			"978,Dublin Bus,https://www.transportforireland.ie,Europe/Dublin",
			"03,GoAhead,https://www.transportforireland.ie,Europe/Dublin",
			"7778028,Luas,https://luas.ie,Europe/Dublin",
		},
		// calendar.txt ships with a UTF-8 BOM, as real NTA bundles do.
		"calendar.txt": {
			"\uFEFFservice_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date",
			"THURS,0,0,0,1,0,0,0,20201104,20210225",
			"WKDAY,1,1,1,1,1,0,0,20201104,20210225",
			"ONIGHT,1,1,1,1,1,1,1,20201104,20210225",
		},
		"calendar_dates.txt": {
			"service_id,date,exception_type",
			"THURS,20201126,2",
			"THURS,20201127,1",
		},
		"routes.txt": {
			"route_id,agency_id,route_short_name,route_long_name,route_type",
			"7A-ROUTE,978,7A,Mountjoy Square Nth - Loughlinstown Wood Estate,3",
			"7-ROUTE,978,7,Mountjoy Square Nth - Bride's Glen Bus Stop,3",
			"O-ROUTE,978,O,Overnight Loop,3",
		},
		"trips.txt": {
			"route_id,service_id,trip_id,trip_headsign,direction_id",
			"7A-ROUTE,THURS,1167,Loughlinstown Wood Estate - Mountjoy Square Nth,1",
			"7-ROUTE,THURS,1169,Bride's Glen Bus Stop - Mountjoy Square Nth,1",
			"7A-ROUTE,WKDAY,1168,Loughlinstown Wood Estate - Mountjoy Square Nth,1",
			"O-ROUTE,ONIGHT,ONIGHT,Overnight Loop,0",
		},
		"stop_times.txt": {
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
			"1167,07:20:16,07:20:16,8250DB003076,30",
			"1167,07:44:10,07:44:10,8220DB000490,40",
			"1169,08:04:11,08:04:11,8250DB003076,25",
			"1169,08:21:00,08:21:00,8220DB000490,35",
			"1168,20:20:00,20:20:00,8220DB000819,10",
			"ONIGHT,25:00:00,25:00:00,ONIGHT-STOP2,2",
		},
	}
}

// Bundle writes a GTFS bundle into a temp directory and returns its
// path. Files not present in files are filled in from ScheduleFiles.
func Bundle(t testing.TB, files map[string][]string) string {
	dir := t.TempDir()

	merged := ScheduleFiles()
	for name, content := range files {
		merged[name] = content
	}

	for name, content := range merged {
		err := os.WriteFile(
			filepath.Join(dir, name),
			[]byte(strings.Join(content, "\n")+"\n"),
			0o644)
		require.NoError(t, err)
	}

	return dir
}

// Database loads the seed bundle, restricted to interestingStops if any
// are given.
func Database(t testing.TB, interestingStops ...string) *schedule.Database {
	db := schedule.New(Bundle(t, nil), interestingStops, loader.New(DiscardLogger()), DiscardLogger())
	require.NoError(t, db.Load())
	return db
}

// FixedClock pins the wall clock.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

// StaticFetcher hands back the same payload on every Fetch.
type StaticFetcher struct {
	Payload []byte
	Err     error
}

func (f *StaticFetcher) Fetch(ctx context.Context) ([]byte, error) {
	return f.Payload, f.Err
}

// StopUpdate is one stop_time_update in a built feed. Nil fields are
// omitted from the message.
type StopUpdate struct {
	StopID        string
	StopSequence  uint32
	ArrivalDelay  *int32
	ArrivalTime   *int64
	DepartureTime *int64
}

// TripUpdate is one trip_update entity in a built feed. An empty TripID
// produces an entity with no trip_update at all, for exercising the
// wrong-entity-type path.
type TripUpdate struct {
	TripID   string
	RouteID  string
	SchedRel gtfsrt.TripDescriptor_ScheduleRelationship
	Stops    []StopUpdate
}

// BuildFeed marshals trip updates into GTFS-Realtime wire bytes.
func BuildFeed(t testing.TB, updates []TripUpdate) []byte {
	entities := make([]*gtfsrt.FeedEntity, 0, len(updates))

	for i, tu := range updates {
		entity := &gtfsrt.FeedEntity{Id: proto.String(strconv.Itoa(i))}

		if tu.TripID != "" {
			desc := &gtfsrt.TripDescriptor{
				TripId:               proto.String(tu.TripID),
				ScheduleRelationship: tu.SchedRel.Enum(),
			}
			if tu.RouteID != "" {
				desc.RouteId = proto.String(tu.RouteID)
			}

			stups := make([]*gtfsrt.TripUpdate_StopTimeUpdate, 0, len(tu.Stops))
			for _, su := range tu.Stops {
				stup := &gtfsrt.TripUpdate_StopTimeUpdate{
					StopSequence: proto.Uint32(su.StopSequence),
				}
				if su.StopID != "" {
					stup.StopId = proto.String(su.StopID)
				}
				if su.ArrivalDelay != nil || su.ArrivalTime != nil {
					stup.Arrival = &gtfsrt.TripUpdate_StopTimeEvent{
						Delay: su.ArrivalDelay,
						Time:  su.ArrivalTime,
					}
				}
				if su.DepartureTime != nil {
					stup.Departure = &gtfsrt.TripUpdate_StopTimeEvent{
						Time: su.DepartureTime,
					}
				}
				stups = append(stups, stup)
			}

			entity.TripUpdate = &gtfsrt.TripUpdate{
				Trip:           desc,
				StopTimeUpdate: stups,
			}
		}

		entities = append(entities, entity)
	}

	feed := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		},
		Entity: entities,
	}

	raw, err := proto.Marshal(feed)
	require.NoError(t, err)
	return raw
}
