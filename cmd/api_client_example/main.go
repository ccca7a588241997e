package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

type roomSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Synthetic bool   `json:"synthetic"`
	Staleness struct {
		Verdict    string  `json:"verdict"`
		AgeMinutes float64 `json:"ageMinutes"`
	} `json:"staleness"`
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, body)
	}
	return json.Unmarshal(body, v)
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Base URL of the airwatch service")
	wait := flag.Duration("wait", 5*time.Second, "Time to let the service collect initial data")
	flag.Parse()

	fmt.Println("Airwatch API Client Example")
	fmt.Println("===========================")

	client := &http.Client{Timeout: 10 * time.Second}

	// Wait a moment for the server to fetch some data
	fmt.Println("Waiting for airwatch service to collect initial data...")
	time.Sleep(*wait)

	fmt.Println("\nFetching registered rooms...")
	var list struct {
		Rooms []roomSummary `json:"rooms"`
	}
	if err := getJSON(client, *baseURL+"/api/rooms", &list); err != nil {
		fmt.Printf("Error fetching rooms: %v\n", err)
		os.Exit(1)
	}
	if len(list.Rooms) == 0 {
		fmt.Println("No rooms registered yet. Add one with POST /api/rooms.")
		return
	}

	for _, room := range list.Rooms {
		status := room.Status
		if status == "" {
			status = "pending"
		}
		fmt.Printf("- %s (%s): %s, %s, %.1f min old", room.Name, room.ID, status, room.Staleness.Verdict, room.Staleness.AgeMinutes)
		if room.Synthetic {
			fmt.Print(" [synthetic]")
		}
		fmt.Println()
	}

	room := list.Rooms[0]
	fmt.Printf("\nFetching insight for %s...\n", room.Name)
	var detail struct {
		Insight *struct {
			Status     string  `json:"status"`
			Trend      string  `json:"trend"`
			Confidence float64 `json:"confidence"`
			Prediction string  `json:"prediction"`
		} `json:"insight"`
		NextAnalysisIn float64 `json:"nextAnalysisInSeconds"`
	}
	if err := getJSON(client, *baseURL+"/api/rooms/"+room.ID, &detail); err != nil {
		fmt.Printf("Error fetching room: %v\n", err)
		os.Exit(1)
	}
	if detail.Insight == nil {
		fmt.Println("No insight yet.")
	} else {
		fmt.Printf("Status: %s (trend %s, confidence %.0f%%)\n", detail.Insight.Status, detail.Insight.Trend, detail.Insight.Confidence*100)
		fmt.Printf("Prediction: %s\n", detail.Insight.Prediction)
	}
	fmt.Printf("Next scheduled analysis in %.0fs\n", detail.NextAnalysisIn)

	fmt.Printf("\nFetching alert history for %s...\n", room.Name)
	var alerts struct {
		Alerts []struct {
			Timestamp time.Time `json:"timestamp"`
			Sensor    string    `json:"sensor"`
			Value     float64   `json:"value"`
		} `json:"alerts"`
	}
	if err := getJSON(client, *baseURL+"/api/rooms/"+room.ID+"/alerts", &alerts); err != nil {
		fmt.Printf("Error fetching alerts: %v\n", err)
		os.Exit(1)
	}
	if len(alerts.Alerts) == 0 {
		fmt.Println("No threshold violations in the visible window.")
	}
	for _, a := range alerts.Alerts {
		fmt.Printf("  %s  %-9s %.0f ppm\n", a.Timestamp.Format("15:04:05"), a.Sensor, a.Value)
	}

	fmt.Printf("\nFetching analytics for %s...\n", room.Name)
	var analytics map[string]interface{}
	if err := getJSON(client, *baseURL+"/api/rooms/"+room.ID+"/analytics", &analytics); err != nil {
		fmt.Printf("Error fetching analytics: %v\n", err)
		os.Exit(1)
	}
	prettyJSON, _ := json.MarshalIndent(analytics["analytics"], "", "  ")
	fmt.Println(string(prettyJSON))
}
