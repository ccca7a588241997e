package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"airwatch-service/analyzer"
	"airwatch-service/api"
	"airwatch-service/cache"
	"airwatch-service/collector"
	"airwatch-service/config"
	"airwatch-service/datasource"
	"airwatch-service/logging"
	"airwatch-service/metrics"
	"airwatch-service/publish"
	"airwatch-service/registry"
	"airwatch-service/scheduler"
	"airwatch-service/telemetry"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	// Parse command line arguments
	port := flag.Int("port", 0, "Port to run the server on (overrides config)")
	updateInterval := flag.Duration("update", 0, "Room data fetch interval (overrides config)")
	configFile := flag.String("config", "config.json", "Path to configuration file")
	enableRateLimiting := flag.Bool("rate-limit", true, "Enable analyzer rate limiting")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *updateInterval != 0 {
		cfg.Ingest.FetchInterval = config.Duration{Duration: *updateInterval}
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "rate-limit" {
			cfg.Analysis.RateLimit = *enableRateLimiting
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, logCloser := logging.New(cfg.Log.Level, cfg.Log.File)
	defer logCloser.Close()
	slog.SetDefault(logger)

	reg, err := registry.Open(cfg.Registry, logger)
	if err != nil {
		log.Fatalf("Failed to open room registry: %v", err)
	}
	defer reg.Close()
	if _, err := reg.Seed(cfg.Rooms); err != nil {
		log.Fatalf("Failed to seed room registry: %v", err)
	}

	source := datasource.NewHTTPRoomSource(newNormalizer(cfg), cfg.Ingest.FetchTimeout.Duration)
	source.SetLogger(logger)
	m := metrics.NewMetrics()

	sched := scheduler.New(newAnalyzer(cfg, logger), cfg.SchedulerPolicy(), cfg.Thresholds(), logger)
	sched.SetObserver(m)

	roomCache := cache.NewRoomCache()
	dc := collector.NewDataCollector(reg, source, roomCache, sched, logger)
	dc.SetFetchInterval(cfg.Ingest.FetchInterval.Duration)
	dc.SetFetchTimeout(cfg.Ingest.FetchTimeout.Duration)
	dc.SetMetrics(m)

	var publisher publish.InsightPublisher = publish.Nop{}
	if cfg.Kafka.Enabled {
		kp, err := publish.NewKafkaPublisher(publish.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, logger)
		if err != nil {
			log.Fatalf("Failed to create insight publisher: %v", err)
		}
		kp.OnError(m.PublishFailed)
		publisher = kp
		logger.Info("insight_publisher_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	dc.SetPublisher(publisher)

	monitor := collector.NewMonitor(roomCache, cfg.Thresholds(), m, logger)
	monitor.OnTransition = func(ctx context.Context, t collector.Transition) {
		// a room that went quiet needs its verdict revisited without waiting for a fetch
		if t.To != telemetry.Live {
			dc.Nudge(t.RoomID)
		}
	}

	server := api.NewServer(api.Dependencies{
		Registry:       reg,
		Cache:          roomCache,
		Scheduler:      sched,
		Refresher:      dc,
		Metrics:        m,
		Thresholds:     cfg.Thresholds(),
		Logger:         logger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, cfg.Server.Port)

	// Set up channels for graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	ctx := context.Background()
	stopCollector := dc.Start(ctx)
	stopMonitor := monitor.Start(ctx)

	// Start the API server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api_server_stopped", "error", err)
			shutdownChan <- syscall.SIGTERM
		}
	}()

	// Wait for shutdown signal
	sig := <-shutdownChan
	logger.Info("shutdown_started", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_server_shutdown_failed", "error", err)
	}
	stopMonitor()
	stopCollector()
	if err := publisher.Close(shutdownCtx); err != nil {
		logger.Error("insight_publisher_close_failed", "error", err)
	}

	logger.Info("shutdown_complete")
}

func newNormalizer(cfg *config.Config) *telemetry.Normalizer {
	n := telemetry.NewNormalizer(cfg.TimestampPolicy())
	n.SmoothingWindow = cfg.Ingest.SmoothingWindow
	if loc, err := cfg.Location(); err == nil {
		n.Location = loc
	}
	n.Generator.Offset = cfg.Ingest.MockOffset.Duration
	return n
}

// newAnalyzer picks the analysis backend. Gemini is used when a key is
// configured unless the heuristic analyzer is requested explicitly.
func newAnalyzer(cfg *config.Config, logger *slog.Logger) analyzer.Analyzer {
	var a analyzer.Analyzer
	switch {
	case cfg.Analysis.Provider == "heuristic",
		cfg.Analysis.Provider == "auto" && cfg.Analysis.GeminiAPIKey == "":
		a = analyzer.NewHeuristicAnalyzer()
	default:
		a = analyzer.NewGeminiAnalyzer(cfg.Analysis.GeminiAPIKey, cfg.Analysis.Model)
	}

	if cfg.Analysis.RateLimit {
		logger.Info("analyzer_rate_limited", "analyzer", a.Name(), "rps", cfg.Analysis.RPS, "burst", cfg.Analysis.Burst)
		a = analyzer.NewRateLimitedAnalyzer(a, cfg.Analysis.RPS, cfg.Analysis.Burst)
	}
	logger.Info("analyzer_selected", "analyzer", a.Name())
	return a
}
