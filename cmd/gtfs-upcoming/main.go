package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"gtfsupcoming/config"
	"gtfsupcoming/fetch"
	"gtfsupcoming/httpd"
	"gtfsupcoming/loader"
	"gtfsupcoming/schedule"
	"gtfsupcoming/transit"
)

var apiEnv = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "gtfs_api_environment",
	Help: "API environment that gtfs-upcoming is bound to",
}, []string{"provider", "env"})

var (
	flagConfig       string
	flagEnv          string
	flagPort         int
	flagPromPort     int
	flagGTFS         string
	flagMaxThreads   int
	flagMaxRowsChunk int
	flagProvider     string
	flagLogLevel     string
)

var rootCmd = &cobra.Command{
	Use:          "gtfs-upcoming",
	Short:        "Serves upcoming transit arrivals for configured stops",
	Long:         "Loads a static GTFS schedule, polls a GTFS-Realtime trip update feed, and serves merged upcoming arrivals over HTTP.",
	SilenceUsage: true,
	Run:          run,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "config.ini", "Configuration file (INI file)")
	rootCmd.Flags().StringVar(&flagEnv, "env", "test", "API environment (test|prod for nta; metrobus|metrotrain|tram for vicroads)")
	rootCmd.Flags().IntVar(&flagPort, "port", 6824, "Port to run webserver on")
	rootCmd.Flags().IntVar(&flagPromPort, "promport", 0, "Port to run Prometheus webserver on (0 disables)")
	rootCmd.Flags().StringVar(&flagGTFS, "gtfs", "google_transit_combined", "GTFS definitions directory")
	rootCmd.Flags().IntVar(&flagMaxThreads, "loader_max_threads", 0, "Max load threads (0 = number of CPUs)")
	rootCmd.Flags().IntVar(&flagMaxRowsChunk, "loader_max_rows_per_chunk", loader.DefaultMaxRowsPerChunk, "Number of rows per loader chunk")
	rootCmd.Flags().StringVar(&flagProvider, "provider", "nta", "Realtime data provider (nta|vicroads)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log_level", "info", "Log level (debug|info|warn|error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(flagLogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", flagLogLevel)
		os.Exit(-1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting up")

	cfg, err := config.Read(flagConfig)
	if err != nil {
		logger.Error("could not read configuration", "error", err)
		os.Exit(-1)
	}

	// Metrics are served from a separate listener so that a locked or
	// stalled main server keeps observability.
	if flagPromPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", flagPromPort)
			logger.Info("starting Prometheus server", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("prometheus server failed", "error", err)
			}
		}()
	}

	l := loader.New(logger)
	if flagMaxThreads > 0 {
		l.MaxThreads = flagMaxThreads
	}
	if flagMaxRowsChunk > 0 {
		l.MaxRowsPerChunk = flagMaxRowsChunk
	}
	logger.Info("configured loader", "threads", l.MaxThreads, "rows_per_chunk", l.MaxRowsPerChunk)

	if err := schedule.VerifyBundle(flagGTFS); err != nil {
		logger.Error("GTFS directory is incomplete", "dir", flagGTFS, "error", err)
		os.Exit(-2)
	}

	logger.Info("loading GTFS data sources", "dir", flagGTFS)
	if len(cfg.InterestingStops) > 0 {
		logger.Info("restricting data sources to interesting stops", "count", len(cfg.InterestingStops))
	} else {
		logger.Info("loading data for all stops")
	}

	db := schedule.New(flagGTFS, cfg.InterestingStops, l, logger)
	if err := db.Load(); err != nil {
		logger.Error("could not load GTFS data", "error", err)
		os.Exit(-2)
	}
	logger.Info("load complete")

	fetcher, err := fetch.NewFetcher(flagProvider, flagEnv, cfg.PrimaryAPIKey, logger)
	if err != nil {
		logger.Error("could not create fetcher", "error", err)
		os.Exit(-1)
	}
	apiEnv.WithLabelValues(flagProvider, flagEnv).Set(1)

	engine := transit.New(db, fetcher, logger)
	srv := httpd.New(engine, cfg.InterestingStops, flagPort, logger)

	logger.Info("starting HTTP server", "port", flagPort)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
