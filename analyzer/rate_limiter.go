package analyzer

import (
	"context"
	"fmt"

	"airwatch-service/models"

	"golang.org/x/time/rate"
)

// RateLimitedAnalyzer keeps analysis calls inside the model provider's quota.
// Every room shares one token bucket, so a burst of stale rooms is spread out
// instead of tripping the provider's per-minute limit.
type RateLimitedAnalyzer struct {
	analyzer Analyzer
	limiter  *rate.Limiter
	name     string
}

// NewRateLimitedAnalyzer spends at most rps analyses per second across all
// rooms, with burst calls allowed back to back. The Gemini free tier of 15
// requests a minute fits the default of 0.25 with a burst of 2.
func NewRateLimitedAnalyzer(analyzer Analyzer, rps float64, burst int) *RateLimitedAnalyzer {
	return &RateLimitedAnalyzer{
		analyzer: analyzer,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		name:     fmt.Sprintf("%s [Rate Limited]", analyzer.Name()),
	}
}

// Analyze blocks until the budget allows a call. A call that would outlive
// ctx fails instead, and the scheduler falls back.
func (r *RateLimitedAnalyzer) Analyze(ctx context.Context, req Request) (models.Insight, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return models.Insight{}, fmt.Errorf("analysis budget exhausted for %s: %w", req.RoomID, err)
	}
	return r.analyzer.Analyze(ctx, req)
}

// Name reports the wrapped analyzer
func (r *RateLimitedAnalyzer) Name() string {
	return r.name
}

var _ Analyzer = (*RateLimitedAnalyzer)(nil)
