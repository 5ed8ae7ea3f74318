package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfsupcoming/loader"
	"gtfsupcoming/schedule"
	"gtfsupcoming/testutil"
)

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.Local)
}

func TestLoadInterestingStopsOnly(t *testing.T) {
	db := testutil.Database(t, "8220DB000490")

	assert.NotNil(t, db.GetTrip("1167"))
	assert.NotNil(t, db.GetTrip("1169"))
	assert.Nil(t, db.GetTrip("1168"))
	assert.Nil(t, db.GetTrip("ONIGHT"))
}

func TestLoadAllStops(t *testing.T) {
	db := testutil.Database(t)

	for _, id := range []string{"1167", "1168", "1169", "ONIGHT"} {
		assert.NotNil(t, db.GetTrip(id), "trip %s", id)
	}
}

func TestVerifyBundle(t *testing.T) {
	dir := testutil.Bundle(t, nil)
	assert.NoError(t, schedule.VerifyBundle(dir))

	assert.Error(t, schedule.VerifyBundle(t.TempDir()))
}

func TestTripAttributes(t *testing.T) {
	db := testutil.Database(t)

	trip := db.GetTrip("1167")
	require.NotNil(t, trip)
	assert.Equal(t, "Loughlinstown Wood Estate - Mountjoy Square Nth", trip.Headsign)
	assert.Equal(t, "1", trip.DirectionID)
	assert.Equal(t, "THURS", trip.ServiceID)
	assert.Equal(t, "7A", trip.Route.ShortName)
	assert.Equal(t, "BUS", trip.Route.Type.String())

	// StopTimes are ordered by sequence regardless of file order.
	require.Len(t, trip.StopTimes, 2)
	assert.Equal(t, 30, trip.StopTimes[0].StopSequence)
	assert.Equal(t, 40, trip.StopTimes[1].StopSequence)
}

func TestGetRoute(t *testing.T) {
	db := testutil.Database(t)

	route := db.GetRoute("7A-ROUTE")
	require.NotNil(t, route)
	assert.Equal(t, "7A", route.ShortName)
	assert.Equal(t, "Loughlinstown Wood Estate - Mountjoy Square Nth", route.InferredHeadsign)
	assert.Equal(t, "THURS", route.InferredServiceID)

	assert.Nil(t, db.GetRoute("NO-SUCH-ROUTE"))
}

func TestScheduledWindow(t *testing.T) {
	db := testutil.Database(t, "8220DB000490")

	// 2020-11-19 is a Thursday.
	trips, err := db.GetScheduledFor("8220DB000490",
		date(2020, time.November, 19, 7, 30), date(2020, time.November, 19, 8, 30))
	require.NoError(t, err)

	require.Len(t, trips, 2)
	assert.Equal(t, "1167", trips[0].ID)
	assert.Equal(t, "1169", trips[1].ID)
}

func TestScheduledWindowExcludesEarlyArrival(t *testing.T) {
	db := testutil.Database(t, "8220DB000490")

	// 1167 arrives 07:44:10, outside this window.
	trips, err := db.GetScheduledFor("8220DB000490",
		date(2020, time.November, 19, 8, 0), date(2020, time.November, 19, 8, 30))
	require.NoError(t, err)

	require.Len(t, trips, 1)
	assert.Equal(t, "1169", trips[0].ID)
}

func TestScheduledWindowWrongDay(t *testing.T) {
	db := testutil.Database(t, "8220DB000490")

	// 2020-11-18 is a Wednesday; THURS service does not run.
	trips, err := db.GetScheduledFor("8220DB000490",
		date(2020, time.November, 18, 7, 30), date(2020, time.November, 18, 8, 30))
	require.NoError(t, err)
	assert.Empty(t, trips)
}

func TestOvernightTrip(t *testing.T) {
	db := testutil.Database(t, "ONIGHT-STOP2")

	// Arrival 25:00:00 on the 2020-11-19 service date lands at 01:00
	// on the 20th.
	trips, err := db.GetScheduledFor("ONIGHT-STOP2",
		date(2020, time.November, 19, 23, 0), date(2020, time.November, 20, 2, 0))
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, "ONIGHT", trips[0].ID)

	// A window starting after midnight still finds it.
	trips, err = db.GetScheduledFor("ONIGHT-STOP2",
		date(2020, time.November, 20, 0, 0), date(2020, time.November, 20, 2, 0))
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, "ONIGHT", trips[0].ID)

	// Two service dates inside the window: returned once per date.
	trips, err = db.GetScheduledFor("ONIGHT-STOP2",
		date(2020, time.November, 18, 23, 0), date(2020, time.November, 20, 2, 0))
	require.NoError(t, err)
	assert.Len(t, trips, 2)
}

func TestServiceRemovedException(t *testing.T) {
	db := testutil.Database(t, "8220DB000490")

	// 2020-11-26 is a Thursday but carries a removed exception.
	trips, err := db.GetScheduledFor("8220DB000490",
		date(2020, time.November, 26, 7, 30), date(2020, time.November, 26, 8, 30))
	require.NoError(t, err)
	assert.Empty(t, trips)
}

func TestServiceAddedException(t *testing.T) {
	db := testutil.Database(t, "8220DB000490")

	// 2020-11-27 is a Friday, normally off for THURS, but added.
	trips, err := db.GetScheduledFor("8220DB000490",
		date(2020, time.November, 27, 7, 30), date(2020, time.November, 27, 8, 30))
	require.NoError(t, err)
	assert.Len(t, trips, 2)
}

func TestInvalidRange(t *testing.T) {
	db := testutil.Database(t, "8220DB000490")

	_, err := db.GetScheduledFor("8220DB000490",
		date(2020, time.November, 19, 8, 30), date(2020, time.November, 19, 7, 30))
	assert.ErrorIs(t, err, schedule.ErrInvalidRange)
}

func TestUnknownStop(t *testing.T) {
	db := testutil.Database(t, "8220DB000490")

	trips, err := db.GetScheduledFor("NO-SUCH-STOP",
		date(2020, time.November, 19, 7, 30), date(2020, time.November, 19, 8, 30))
	require.NoError(t, err)
	assert.Empty(t, trips)
}

func TestMalformedArrivalSkipsStopTime(t *testing.T) {
	dir := testutil.Bundle(t, map[string][]string{
		"stop_times.txt": {
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
			"1167,junk,junk,8220DB000490,40",
			"1169,08:21:00,08:21:00,8220DB000490,35",
		},
	})

	db := schedule.New(dir, []string{"8220DB000490"},
		loader.New(testutil.DiscardLogger()), testutil.DiscardLogger())
	require.NoError(t, db.Load())

	trips, err := db.GetScheduledFor("8220DB000490",
		date(2020, time.November, 19, 7, 0), date(2020, time.November, 19, 9, 0))
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, "1169", trips[0].ID)
}

func TestIsValidServiceDay(t *testing.T) {
	db := testutil.Database(t)
	trip := db.GetTrip("1167")
	require.NotNil(t, trip)

	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 12, 0, 0, 0, time.Local)
	}

	// Thursday inside the validity window.
	assert.True(t, db.IsValidServiceDay(day(2020, time.November, 19), trip))
	// Wednesday.
	assert.False(t, db.IsValidServiceDay(day(2020, time.November, 18), trip))
	// Thursday before the window opens.
	assert.False(t, db.IsValidServiceDay(day(2020, time.October, 29), trip))
	// Thursday after the window closes.
	assert.False(t, db.IsValidServiceDay(day(2021, time.March, 4), trip))
	// Removed exception on an otherwise valid Thursday.
	assert.False(t, db.IsValidServiceDay(day(2020, time.November, 26), trip))
	// Added exception on an otherwise invalid Friday.
	assert.True(t, db.IsValidServiceDay(day(2020, time.November, 27), trip))
}

func TestLoadTwiceYieldsSameState(t *testing.T) {
	a := testutil.Database(t, "8220DB000490")
	b := testutil.Database(t, "8220DB000490")

	for _, id := range []string{"1167", "1169"} {
		ta, tb := a.GetTrip(id), b.GetTrip(id)
		require.NotNil(t, ta)
		require.NotNil(t, tb)
		assert.Equal(t, *ta.Route, *tb.Route)
		assert.Equal(t, ta.StopTimes, tb.StopTimes)
		assert.Equal(t, ta.Headsign, tb.Headsign)
	}
}
