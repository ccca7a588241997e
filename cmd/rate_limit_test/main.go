package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"airwatch-service/analyzer"
	"airwatch-service/models"
)

// MockAnalyzer simulates the latency of a remote model and counts calls
type MockAnalyzer struct {
	callCount int
	mutex     sync.Mutex
	latency   time.Duration
}

func NewMockAnalyzer(latency time.Duration) *MockAnalyzer {
	return &MockAnalyzer{latency: latency}
}

func (m *MockAnalyzer) Analyze(ctx context.Context, req analyzer.Request) (models.Insight, error) {
	m.mutex.Lock()
	m.callCount++
	currentCount := m.callCount
	m.mutex.Unlock()

	now := time.Now()
	fmt.Printf("%s - Processing analysis #%d for %s\n", now.Format("15:04:05.000"), currentCount, req.RoomName)

	select {
	case <-time.After(m.latency):
	case <-ctx.Done():
		return models.Insight{}, ctx.Err()
	}

	return models.Insight{
		Status:      models.StatusSafe,
		Trend:       models.TrendStable,
		Confidence:  0.9,
		Prediction:  "Mocked verdict",
		Analyzer:    m.Name(),
		GeneratedAt: time.Now(),
	}, nil
}

func (m *MockAnalyzer) Name() string {
	return "MockAnalyzer"
}

func (m *MockAnalyzer) GetCallCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.callCount
}

func main() {
	requestsPerSecond := flag.Float64("rps", 0.25, "Rate limit in analyses per second")
	burstSize := flag.Int("burst", 2, "Maximum burst size")
	totalRequests := flag.Int("requests", 6, "Total number of analyses to request")
	concurrentRequests := flag.Int("concurrent", 3, "Number of rooms analyzed concurrently")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	mock := NewMockAnalyzer(200 * time.Millisecond)
	limited := analyzer.NewRateLimitedAnalyzer(mock, *requestsPerSecond, *burstSize)

	fmt.Printf("Testing analyzer rate limiter with:\n")
	fmt.Printf("- Rate limit: %.2f analyses/second\n", *requestsPerSecond)
	fmt.Printf("- Burst size: %d\n", *burstSize)
	fmt.Printf("- Total analyses: %d\n", *totalRequests)
	fmt.Printf("- Concurrent rooms: %d\n", *concurrentRequests)
	fmt.Println("Starting test...")

	startTime := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *concurrentRequests; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			requestsPerWorker := *totalRequests / *concurrentRequests
			if workerID < *totalRequests%*concurrentRequests {
				requestsPerWorker++
			}

			for j := 0; j < requestsPerWorker; j++ {
				req := analyzer.Request{RoomName: fmt.Sprintf("Room-%d-%d", workerID, j)}
				before := time.Now()
				_, err := limited.Analyze(ctx, req)
				elapsed := time.Since(before)

				if err != nil {
					log.Printf("Room %d - Analysis %d failed: %v", workerID, j, err)
				} else {
					log.Printf("Room %d - Analysis %d completed in %v", workerID, j, elapsed)
				}
			}
		}(i)
	}

	wg.Wait()

	totalTime := time.Since(startTime)
	actualRPS := float64(*totalRequests) / totalTime.Seconds()

	fmt.Println("\nTest completed!")
	fmt.Printf("Total time: %.2f seconds\n", totalTime.Seconds())
	fmt.Printf("Actual analyses per second: %.2f\n", actualRPS)
	fmt.Printf("Total analyses processed: %d\n", mock.GetCallCount())

	expectedMinTime := float64(*totalRequests-*burstSize) / *requestsPerSecond
	if expectedMinTime < 0 {
		expectedMinTime = 0
	}
	fmt.Printf("Expected minimum time (theoretical): %.2f seconds\n", expectedMinTime)

	if actualRPS > *requestsPerSecond*1.5 && *totalRequests > *burstSize {
		fmt.Println("\nWARNING: Actual rate significantly higher than configured limit!")
		fmt.Println("Rate limiting may not be working as expected.")
	} else {
		fmt.Println("\nRate limiting appears to be working correctly.")
	}
}
