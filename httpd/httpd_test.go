package httpd_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"gtfsupcoming/httpd"
	"gtfsupcoming/testutil"
	"gtfsupcoming/transit"
)

// fakeEngine satisfies httpd.Provider and records the stops each call
// was asked about.
type fakeEngine struct {
	upcoming []transit.Upcoming
	err      error
	feed     *gtfsrt.FeedMessage

	requestedStops []string
}

func (f *fakeEngine) GetUpcoming(ctx context.Context, stops []string) ([]transit.Upcoming, error) {
	f.requestedStops = stops
	return f.upcoming, f.err
}

func (f *fakeEngine) GetScheduled(stops []string) ([]transit.Upcoming, error) {
	f.requestedStops = stops
	return f.upcoming, f.err
}

func (f *fakeEngine) GetLive(ctx context.Context, stops []string) ([]transit.Upcoming, error) {
	f.requestedStops = stops
	return f.upcoming, f.err
}

func (f *fakeEngine) LoadFromAPI(ctx context.Context) (*gtfsrt.FeedMessage, error) {
	return f.feed, f.err
}

func serve(t *testing.T, engine *fakeEngine, path string) *httptest.ResponseRecorder {
	srv := httpd.New(engine, []string{"8220DB000490"}, 0, testutil.DiscardLogger())

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestUpcomingEnvelope(t *testing.T) {
	engine := &fakeEngine{
		upcoming: []transit.Upcoming{
			{TripID: "1167", Route: "7A", DueTime: "07:24:16", Source: transit.SourceLive},
		},
	}

	rec := serve(t, engine, "/upcoming.json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Contains(t, body, "current_timestamp")
	ups, ok := body["upcoming"].([]interface{})
	require.True(t, ok)
	require.Len(t, ups, 1)

	first := ups[0].(map[string]interface{})
	assert.Equal(t, "1167", first["trip_id"])
	assert.Equal(t, "7A", first["route"])
	assert.Equal(t, "07:24:16", first["due_time"])
	assert.Equal(t, "LIVE", first["source"])

	// Default stops from configuration.
	assert.Equal(t, []string{"8220DB000490"}, engine.requestedStops)
}

func TestScheduledAndLiveKeys(t *testing.T) {
	engine := &fakeEngine{upcoming: []transit.Upcoming{}}

	var body map[string]interface{}
	rec := serve(t, engine, "/scheduled.json")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "scheduled")

	rec = serve(t, engine, "/live.json")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "live")
}

func TestStopOverride(t *testing.T) {
	engine := &fakeEngine{}

	rec := serve(t, engine, "/upcoming.json?stop=A&stop=B")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"A", "B"}, engine.requestedStops)
}

func TestNotFound(t *testing.T) {
	rec := serve(t, &fakeEngine{}, "/nope")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "404 Not Found")
	assert.Contains(t, rec.Body.String(), "/nope")
}

func TestEngineErrorBecomes500(t *testing.T) {
	engine := &fakeEngine{err: assert.AnError}

	rec := serve(t, engine, "/upcoming.json")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "500 Internal Server Error")
	assert.Contains(t, rec.Body.String(), assert.AnError.Error())
}

func TestDebug(t *testing.T) {
	engine := &fakeEngine{
		feed: &gtfsrt.FeedMessage{
			Header: &gtfsrt.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		},
	}

	rec := serve(t, engine, "/debugz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Received")
	assert.Contains(t, rec.Body.String(), "gtfs_realtime_version")
}
