package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics
var (
	latency = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "gtfs_request_latency_seconds",
		Help: "Request latency to GTFS API service",
	})

	responseBytes = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "gtfs_response_bytes",
		Help: "Response bytes from GTFS API service",
	})

	responseStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtfs_response_status_codes",
		Help: "HTTP response codes from GTFS API service",
	}, []string{"code"})

	requests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gtfs_requests_total",
		Help: "Requests to GTFS API service",
	})
)

// NTA Ireland endpoints.
const (
	NTATestURL = "https://api.nationaltransport.ie/gtfsrtest/"
	NTAProdURL = "https://api.nationaltransport.ie/gtfsr/v2/TripUpdates"
)

// VicRoads (PTV) endpoints.
const (
	VicRoadsMetroBusURL   = "https://data-exchange-api.vicroads.vic.gov.au/opendata/v1/gtfsr/metrobus-tripupdates"
	VicRoadsMetroTrainURL = "https://data-exchange-api.vicroads.vic.gov.au/opendata/v1/gtfsr/metrotrain-tripupdates"
	VicRoadsTramURL       = "https://data-exchange-api.vicroads.vic.gov.au/opendata/gtfsr/v1/tram/tripupdates"
)

var (
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrUnknownEnvironment = errors.New("unknown environment")
)

// Fetcher produces the raw bytes of a GTFS-Realtime feed.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// httpFetcher issues an authenticated GET against a fixed URL. The
// provider constructors differ only in URL selection and headers.
type httpFetcher struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context) ([]byte, error) {
	requests.Inc()
	timer := prometheus.NewTimer(latency)
	defer timer.ObserveDuration()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "making request")
	}
	defer resp.Body.Close()

	responseStatus.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("status %d from %s", resp.StatusCode, f.url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading body")
	}

	responseBytes.Observe(float64(len(body)))
	return body, nil
}

// NewNTA returns a fetcher for the Irish NTA GTFS-R endpoint. env is
// "test" or "prod".
func NewNTA(env, apiKey string, logger *slog.Logger) (Fetcher, error) {
	url := NTATestURL
	switch env {
	case "test":
	case "prod":
		url = NTAProdURL
	default:
		logger.Error("unknown NTA env", "env", env)
		return nil, errors.Wrapf(ErrUnknownEnvironment, "nta %q", env)
	}

	logger.Info("Irish NTA", "env", env, "url", url)
	return &httpFetcher{
		url: url,
		headers: map[string]string{
			"Cache-Control": "no-cache",
			"x-api-key":     apiKey,
		},
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// NewVicRoads returns a fetcher for a VicRoads/PTV GTFS-R endpoint. env
// is "metrobus", "metrotrain" or "tram".
func NewVicRoads(env, apiKey string, logger *slog.Logger) (Fetcher, error) {
	var url string
	switch env {
	case "metrobus":
		url = VicRoadsMetroBusURL
	case "metrotrain":
		url = VicRoadsMetroTrainURL
	case "tram":
		url = VicRoadsTramURL
	default:
		logger.Error("unknown VicRoads/PTV env", "env", env)
		return nil, errors.Wrapf(ErrUnknownEnvironment, "vicroads %q", env)
	}

	logger.Info("VicRoads/PTV", "env", env, "url", url)
	return &httpFetcher{
		url: url,
		headers: map[string]string{
			"Cache-Control":             "no-cache",
			"Ocp-Apim-Subscription-Key": apiKey,
			// The endpoint rejects the default Go user agent.
			"User-Agent": "gtfs-upcoming/1.0",
		},
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// NewFetcher selects a provider implementation.
func NewFetcher(provider, env, apiKey string, logger *slog.Logger) (Fetcher, error) {
	switch provider {
	case "nta":
		return NewNTA(env, apiKey, logger)
	case "vicroads":
		return NewVicRoads(env, apiKey, logger)
	default:
		logger.Error("unknown provider", "provider", provider)
		return nil, errors.Wrapf(ErrUnknownProvider, "%q", provider)
	}
}
