package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"airwatch-service/analyzer"
	"airwatch-service/cache"
	"airwatch-service/datasource"
	"airwatch-service/models"
	"airwatch-service/telemetry"

	"github.com/joho/godotenv"
)

func main() {
	fmt.Println("=== Room Source Probe ===")
	fmt.Println("Fetches one CSV source the way the collector does and prints what it would commit")

	// Load .env file
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Println("Warning: Error loading .env file:", err)
	}

	sourceURL := flag.String("url", os.Getenv("AIRWATCH_PROBE_URL"), "Published CSV URL of the room")
	fallback := flag.String("fallback", string(telemetry.FallbackNow), "Timestamp fallback policy (now, epoch or skip)")
	timeout := flag.Duration("timeout", 10*time.Second, "Fetch timeout")
	rows := flag.Int("rows", 5, "Number of trailing readings to print")
	flag.Parse()

	if *sourceURL == "" {
		log.Fatal("No source URL provided (use -url or AIRWATCH_PROBE_URL)")
	}
	policy, err := telemetry.ParseTimestampPolicy(*fallback)
	if err != nil {
		log.Fatal(err)
	}

	room := models.Room{ID: "probe", Name: "Probe", SourceURL: *sourceURL}
	source := datasource.NewHTTPRoomSource(telemetry.NewNormalizer(policy), *timeout)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	series, fetchErr := source.FetchSeries(ctx, room)
	roomCache := cache.NewRoomCache()
	roomCache.CommitSeries(room, series, fetchErr)

	if fetchErr != nil {
		fmt.Printf("\nSource degraded, serving synthetic data: %v\n", fetchErr)
	}

	entry, _ := roomCache.Get(room.ID)
	fmt.Printf("\nReadings: %d (synthetic: %v)\n", len(entry.Series.Readings), entry.Series.Synthetic)
	for _, r := range entry.Series.Tail(*rows) {
		fmt.Printf("  %s  temp %.2f C  hum %.2f %%  gas %.2f ppm  co2 %.2f ppm\n",
			r.Timestamp.Format(time.RFC3339), r.Temperature, r.Humidity, r.ToxicGas, r.CO2)
	}

	staleness := telemetry.Classify(entry.Series.Latest(), time.Now(), telemetry.DefaultThresholds())
	fmt.Printf("\nStaleness: %s (%.1f minutes old)\n", staleness.Verdict, staleness.AgeMinutes)

	insight, err := analyzer.Validated(ctx, analyzer.NewHeuristicAnalyzer(), analyzer.Request{
		RoomID:     room.ID,
		RoomName:   room.Name,
		Readings:   entry.Series.Tail(10),
		Stale:      staleness.IsStale(),
		AgeMinutes: int(staleness.AgeMinutes),
	})
	if err != nil {
		insight = analyzer.Fallback(staleness.IsStale(), time.Now())
	}
	fmt.Printf("Heuristic verdict: %s, trend %s\n  %s\n", insight.Status, insight.Trend, insight.Prediction)

	fmt.Println("\n=== Probe Complete ===")
}
