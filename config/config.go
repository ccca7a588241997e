package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"airwatch-service/models"
	"airwatch-service/registry"
	"airwatch-service/scheduler"
	"airwatch-service/telemetry"
)

// Duration is a time.Duration that reads and writes as "30s" style strings
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of seconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Config represents the application configuration
type Config struct {
	Server   ServerConfig    `json:"server"`
	Ingest   IngestConfig    `json:"ingest"`
	Analysis AnalysisConfig  `json:"analysis"`
	Registry registry.Config `json:"registry"`
	Kafka    KafkaConfig     `json:"kafka"`
	Log      LogConfig       `json:"log"`

	// Rooms seed an empty registry
	Rooms []models.Room `json:"rooms"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

// IngestConfig configures fetching, normalization and staleness
type IngestConfig struct {
	FetchInterval     Duration `json:"fetchInterval"`
	FetchTimeout      Duration `json:"fetchTimeout"`
	TimestampFallback string   `json:"timestampFallback"`
	SmoothingWindow   int      `json:"smoothingWindow"`
	StaleAfter        Duration `json:"staleAfter"`
	LiveWithin        Duration `json:"liveWithin"`
	MockOffset        Duration `json:"mockOffset"`
	Timezone          string   `json:"timezone"`
}

// AnalysisConfig selects the analyzer and its throttling
type AnalysisConfig struct {
	// Provider is "auto" (Gemini when a key is set), "gemini" or "heuristic"
	Provider     string   `json:"provider"`
	GeminiAPIKey string   `json:"geminiApiKey"`
	Model        string   `json:"model"`
	Interval     Duration `json:"interval"`
	MinReadings  int      `json:"minReadings"`
	RetryBackoff Duration `json:"retryBackoff"`
	Window       int      `json:"window"`
	CallTimeout  Duration `json:"callTimeout"`
	RateLimit    bool     `json:"rateLimit"`
	RPS          float64  `json:"rps"`
	Burst        int      `json:"burst"`
}

// KafkaConfig configures optional insight publishing
type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	policy := scheduler.DefaultPolicy()
	th := telemetry.DefaultThresholds()

	return &Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Ingest: IngestConfig{
			FetchInterval:     Duration{30 * time.Second},
			FetchTimeout:      Duration{10 * time.Second},
			TimestampFallback: string(telemetry.FallbackNow),
			SmoothingWindow:   telemetry.DefaultSmoothingWindow,
			StaleAfter:        Duration{th.Stale},
			LiveWithin:        Duration{th.Live},
		},
		Analysis: AnalysisConfig{
			Provider:     "auto",
			Model:        "gemini-2.0-flash",
			Interval:     Duration{policy.Interval},
			MinReadings:  policy.MinReadings,
			RetryBackoff: Duration{policy.RetryBackoff},
			Window:       policy.Window,
			CallTimeout:  Duration{policy.CallTimeout},
			RateLimit:    true,
			// Gemini free tier allows 15 calls/minute
			RPS:   0.25,
			Burst: 2,
		},
		Registry: registry.Config{Path: "./data"},
		Kafka: KafkaConfig{
			Topic: "airwatch.insights",
		},
		Log: LogConfig{Level: "info"},
		Rooms: []models.Room{{
			ID:          "room-01",
			Name:        "Living Room",
			SourceURL:   "https://docs.google.com/spreadsheets/d/e/2PACX-1vRFe6FgQmWF_JV3on_oAxAs_iZTd5ZLJRZEAhRd6HR4I4PwT1OuKr68vU_JbBsC5DUhiJ3YbH5EdE-y/pub?output=csv",
			Description: "Main living area monitoring (ESP32-A)",
		}},
	}
}

// Load reads a JSON configuration file over the defaults. A missing file
// yields the defaults. Environment overrides are applied last.
func Load(filename string) (*Config, error) {
	config := DefaultConfig()

	if filename != "" {
		file, err := os.Open(filename)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			defer file.Close()
			if err := json.NewDecoder(file).Decode(config); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", filename, err)
			}
		}
	}

	config.ApplyEnv()
	return config, nil
}

// ApplyEnv overrides fields from AIRWATCH_* variables and GEMINI_API_KEY
func (c *Config) ApplyEnv() {
	c.Server.Port = getEnvInt("AIRWATCH_PORT", c.Server.Port)
	c.Ingest.FetchInterval = getEnvDuration("AIRWATCH_FETCH_INTERVAL", c.Ingest.FetchInterval)
	c.Ingest.TimestampFallback = getEnv("AIRWATCH_TIMESTAMP_FALLBACK", c.Ingest.TimestampFallback)
	c.Ingest.Timezone = getEnv("AIRWATCH_TIMEZONE", c.Ingest.Timezone)
	c.Analysis.Provider = getEnv("AIRWATCH_ANALYZER", c.Analysis.Provider)
	c.Analysis.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.Analysis.GeminiAPIKey)
	c.Analysis.Model = getEnv("AIRWATCH_GEMINI_MODEL", c.Analysis.Model)
	c.Registry.Path = getEnv("AIRWATCH_DATA_DIR", c.Registry.Path)
	c.Log.Level = getEnv("AIRWATCH_LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("AIRWATCH_LOG_FILE", c.Log.File)

	if brokers := getEnv("AIRWATCH_KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
		c.Kafka.Enabled = true
	}
	c.Kafka.Topic = getEnv("AIRWATCH_KAFKA_TOPIC", c.Kafka.Topic)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if c.Ingest.FetchInterval.Duration <= 0 {
		return fmt.Errorf("fetch interval must be positive")
	}
	if _, err := telemetry.ParseTimestampPolicy(c.Ingest.TimestampFallback); err != nil {
		return err
	}
	if c.Ingest.SmoothingWindow < 1 {
		return fmt.Errorf("smoothing window must be at least 1")
	}
	if c.Ingest.LiveWithin.Duration <= 0 || c.Ingest.StaleAfter.Duration <= c.Ingest.LiveWithin.Duration {
		return fmt.Errorf("stale threshold must exceed the live threshold")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.Analysis.Provider {
	case "auto", "heuristic":
	case "gemini":
		if c.Analysis.GeminiAPIKey == "" {
			return fmt.Errorf("gemini analyzer selected but no API key provided")
		}
	default:
		return fmt.Errorf("unknown analyzer %q", c.Analysis.Provider)
	}
	if c.Analysis.Interval.Duration <= 0 {
		return fmt.Errorf("analysis interval must be positive")
	}
	if c.Analysis.Window < 1 {
		return fmt.Errorf("analysis window must be at least 1")
	}
	if c.Analysis.RateLimit && (c.Analysis.RPS <= 0 || c.Analysis.Burst < 1) {
		return fmt.Errorf("rate limit needs a positive rps and burst")
	}

	if !c.Registry.InMemory && c.Registry.Path == "" {
		return fmt.Errorf("registry path is required")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka publishing needs brokers and a topic")
	}
	return nil
}

// TimestampPolicy returns the parsed ingest fallback policy
func (c *Config) TimestampPolicy() telemetry.TimestampPolicy {
	p, err := telemetry.ParseTimestampPolicy(c.Ingest.TimestampFallback)
	if err != nil {
		return telemetry.FallbackNow
	}
	return p
}

// Location returns the zone bare time-of-day cells are read in
func (c *Config) Location() (*time.Location, error) {
	if c.Ingest.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Ingest.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}
	return loc, nil
}

// Thresholds returns the staleness thresholds
func (c *Config) Thresholds() telemetry.Thresholds {
	return telemetry.Thresholds{Stale: c.Ingest.StaleAfter.Duration, Live: c.Ingest.LiveWithin.Duration}
}

// SchedulerPolicy returns the analysis throttling policy
func (c *Config) SchedulerPolicy() scheduler.Policy {
	return scheduler.Policy{
		Interval:     c.Analysis.Interval.Duration,
		MinReadings:  c.Analysis.MinReadings,
		RetryBackoff: c.Analysis.RetryBackoff.Duration,
		Window:       c.Analysis.Window,
		CallTimeout:  c.Analysis.CallTimeout.Duration,
	}
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return Duration{d}
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
