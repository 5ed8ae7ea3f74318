package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPFetcher(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		w.Write([]byte("feed-bytes"))
	}))
	defer srv.Close()

	f := &httpFetcher{
		url:     srv.URL,
		headers: map[string]string{"x-api-key": "sekrit"},
		client:  &http.Client{Timeout: time.Second},
	}

	body, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("feed-bytes"), body)
	assert.Equal(t, "sekrit", gotKey)
}

func TestHTTPFetcherNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := &httpFetcher{
		url:    srv.URL,
		client: &http.Client{Timeout: time.Second},
	}

	_, err := f.Fetch(context.Background())
	assert.ErrorContains(t, err, "403")
}

func TestNewNTA(t *testing.T) {
	f, err := NewNTA("test", "key", discardLogger())
	require.NoError(t, err)
	assert.Equal(t, NTATestURL, f.(*httpFetcher).url)

	f, err = NewNTA("prod", "key", discardLogger())
	require.NoError(t, err)
	assert.Equal(t, NTAProdURL, f.(*httpFetcher).url)

	_, err = NewNTA("staging", "key", discardLogger())
	assert.ErrorIs(t, err, ErrUnknownEnvironment)
}

func TestNewVicRoads(t *testing.T) {
	for env, url := range map[string]string{
		"metrobus":   VicRoadsMetroBusURL,
		"metrotrain": VicRoadsMetroTrainURL,
		"tram":       VicRoadsTramURL,
	} {
		f, err := NewVicRoads(env, "key", discardLogger())
		require.NoError(t, err)
		assert.Equal(t, url, f.(*httpFetcher).url)
		assert.Equal(t, "key", f.(*httpFetcher).headers["Ocp-Apim-Subscription-Key"])
	}

	_, err := NewVicRoads("test", "key", discardLogger())
	assert.ErrorIs(t, err, ErrUnknownEnvironment)
}

func TestNewFetcher(t *testing.T) {
	f, err := NewFetcher("nta", "test", "key", discardLogger())
	require.NoError(t, err)
	assert.NotNil(t, f)

	f, err = NewFetcher("vicroads", "tram", "key", discardLogger())
	require.NoError(t, err)
	assert.NotNil(t, f)

	_, err = NewFetcher("mta", "test", "key", discardLogger())
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
