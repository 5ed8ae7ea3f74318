package httpd

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"gtfsupcoming/transit"
)

// Metrics
var (
	requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtfs_http_requests_total",
		Help: "Requests to the internal webserver",
	}, []string{"path"})

	responseStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gtfs_http_response_status_codes",
		Help: "HTTP response codes from the internal webserver",
	}, []string{"code"})

	unknownPathCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gtfs_http_unknown_paths_total",
		Help: "Requests to unknown paths in the internal webserver",
	})
)

// socketTimeout applies to reading the request and writing the
// response.
const socketTimeout = 5 * time.Second

// Provider is the slice of the transit engine the HTTP surface needs.
type Provider interface {
	GetUpcoming(ctx context.Context, stops []string) ([]transit.Upcoming, error)
	GetScheduled(stops []string) ([]transit.Upcoming, error)
	GetLive(ctx context.Context, stops []string) ([]transit.Upcoming, error)
	LoadFromAPI(ctx context.Context) (*gtfsrt.FeedMessage, error)
}

// Server routes the four fixed paths to their handlers. The route table
// is populated once here and read-only at serve time.
type Server struct {
	engine Provider
	stops  []string
	logger *slog.Logger
	srv    *http.Server
}

func New(engine Provider, stops []string, port int, logger *slog.Logger) *Server {
	s := &Server{
		engine: engine,
		stops:  stops,
		logger: logger,
	}

	r := chi.NewRouter()
	r.NotFound(s.handle404)
	r.Get("/upcoming.json", s.wrap(s.handleUpcoming))
	r.Get("/scheduled.json", s.wrap(s.handleScheduled))
	r.Get("/live.json", s.wrap(s.handleLive))
	r.Get("/debugz", s.wrap(s.handleDebug))

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  socketTimeout,
		WriteTimeout: socketTimeout,
	}

	return s
}

func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the route table, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// wrap adapts an error-returning handler: errors and panics become an
// HTML 500 carrying the error text.
func (s *Server) wrap(h func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestCount.WithLabelValues(r.URL.Path).Inc()

		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic processing request", "path", r.URL.Path, "panic", rec)
				s.sendISE(w, fmt.Errorf("%v", rec))
			}
		}()

		if err := h(w, r); err != nil {
			s.logger.Error("error processing request", "path", r.URL.Path, "error", err)
			s.sendISE(w, err)
		}
	}
}

// requestStops returns the per-request stop override, or the configured
// default. The stop parameter is repeatable.
func (s *Server) requestStops(r *http.Request) []string {
	if stops := r.URL.Query()["stop"]; len(stops) > 0 {
		return stops
	}
	return s.stops
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) error {
	data, err := s.engine.GetUpcoming(r.Context(), s.requestStops(r))
	if err != nil {
		return err
	}
	return s.sendJSON(w, "upcoming", data)
}

func (s *Server) handleScheduled(w http.ResponseWriter, r *http.Request) error {
	data, err := s.engine.GetScheduled(s.requestStops(r))
	if err != nil {
		return err
	}
	return s.sendJSON(w, "scheduled", data)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) error {
	data, err := s.engine.GetLive(r.Context(), s.requestStops(r))
	if err != nil {
		return err
	}
	return s.sendJSON(w, "live", data)
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) error {
	start := time.Now()
	feed, err := s.engine.LoadFromAPI(r.Context())
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	responseStatus.WithLabelValues("200").Inc()
	w.Header().Set("Content-Type", "text/html")

	out := htmlHead("Debug")
	out += fmt.Sprintf("<h1>Debug</h1><p>Interesting stops: %v</p>", s.stops)
	out += fmt.Sprintf("<pre>Received %.6g kB in %.6g seconds</pre>",
		float64(proto.Size(feed))/1024, elapsed.Seconds())
	out += fmt.Sprintf("<pre>%s</pre>", html.EscapeString(prototext.Format(feed)))
	out += htmlFoot()

	_, err = w.Write([]byte(out))
	return err
}

func (s *Server) sendJSON(w http.ResponseWriter, kind string, data []transit.Upcoming) error {
	responseStatus.WithLabelValues("200").Inc()
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(map[string]interface{}{
		"current_timestamp": time.Now().Unix(),
		kind:                data,
	})
}

func (s *Server) handle404(w http.ResponseWriter, r *http.Request) {
	unknownPathCount.Inc()
	responseStatus.WithLabelValues(strconv.Itoa(http.StatusNotFound)).Inc()

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusNotFound)

	out := htmlHead("404 Not Found")
	out += fmt.Sprintf("<h1>404 Not Found</h1><p>Unknown path: %s", html.EscapeString(r.URL.Path))
	out += htmlFoot()
	w.Write([]byte(out))
}

func (s *Server) sendISE(w http.ResponseWriter, err error) {
	responseStatus.WithLabelValues(strconv.Itoa(http.StatusInternalServerError)).Inc()

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusInternalServerError)

	out := htmlHead("500 Internal Server Error")
	out += fmt.Sprintf("<h1>500 Internal Server Error</h1><p>Exception: %s", html.EscapeString(err.Error()))
	out += htmlFoot()
	w.Write([]byte(out))
}

func htmlHead(title string) string {
	return fmt.Sprintf(`<!doctype html>
<html itemscope="" itemtype="http://schema.org/WebPage" lang="en-IE">
<head>
  <meta charset="UTF-8">
  <title>%s</title>
</head>
<body>
`, title)
}

func htmlFoot() string {
	return "</body></html>"
}
