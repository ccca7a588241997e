package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airwatch-service/telemetry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, telemetry.FallbackNow, c.TimestampPolicy())
	assert.Equal(t, 5*time.Minute, c.SchedulerPolicy().Interval)
	assert.Equal(t, telemetry.DefaultThresholds(), c.Thresholds())
	require.Len(t, c.Rooms, 1)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 30*time.Second, c.Ingest.FetchInterval.Duration)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 9000},
		"ingest": {"fetchInterval": "1m", "timestampFallback": "epoch", "staleAfter": 600},
		"analysis": {"provider": "heuristic", "rateLimit": false},
		"rooms": [{"id": "lab", "name": "Lab", "sourceUrl": "https://example.com/lab.csv"}]
	}`)

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, 9000, c.Server.Port)
	assert.Equal(t, time.Minute, c.Ingest.FetchInterval.Duration)
	assert.Equal(t, 10*time.Minute, c.Ingest.StaleAfter.Duration)
	assert.Equal(t, telemetry.FallbackEpoch, c.TimestampPolicy())
	assert.Equal(t, "heuristic", c.Analysis.Provider)
	// untouched sections keep their defaults
	assert.Equal(t, telemetry.DefaultSmoothingWindow, c.Ingest.SmoothingWindow)
	require.Len(t, c.Rooms, 1)
	assert.Equal(t, "lab", c.Rooms[0].ID)
}

func TestLoadInvalidJSON(t *testing.T) {
	_, err := Load(writeConfig(t, `{"ingest": {"fetchInterval": "soon"}}`))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AIRWATCH_PORT", "7070")
	t.Setenv("AIRWATCH_FETCH_INTERVAL", "45s")
	t.Setenv("AIRWATCH_TIMESTAMP_FALLBACK", "skip")
	t.Setenv("GEMINI_API_KEY", "k")
	t.Setenv("AIRWATCH_KAFKA_BROKERS", "a:9092, b:9092")

	c, err := Load("")
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, 7070, c.Server.Port)
	assert.Equal(t, 45*time.Second, c.Ingest.FetchInterval.Duration)
	assert.Equal(t, telemetry.FallbackSkip, c.TimestampPolicy())
	assert.Equal(t, "k", c.Analysis.GeminiAPIKey)
	assert.True(t, c.Kafka.Enabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, c.Kafka.Brokers)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown fallback", func(c *Config) { c.Ingest.TimestampFallback = "guess" }},
		{"inverted thresholds", func(c *Config) { c.Ingest.StaleAfter = Duration{30 * time.Second} }},
		{"bad timezone", func(c *Config) { c.Ingest.Timezone = "Mars/Olympus" }},
		{"gemini without key", func(c *Config) { c.Analysis.Provider = "gemini" }},
		{"unknown analyzer", func(c *Config) { c.Analysis.Provider = "oracle" }},
		{"zero rps", func(c *Config) { c.Analysis.RPS = 0 }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDurationJSON(t *testing.T) {
	b, err := json.Marshal(Duration{90 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(b))
}
