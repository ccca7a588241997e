package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"airwatch-service/models"
)

// DefaultGeminiModel is the model used when none is configured
const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiAnalyzer asks a Gemini model for a verdict through the REST generateContent API
type GeminiAnalyzer struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewGeminiAnalyzer creates a new Gemini-backed analyzer
func NewGeminiAnalyzer(apiKey, model string) *GeminiAnalyzer {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiAnalyzer{
		apiKey:  apiKey,
		model:   model,
		baseURL: "https://generativelanguage.googleapis.com/v1beta",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// WithBaseURL points the analyzer at another endpoint (used by tests and proxies)
func (g *GeminiAnalyzer) WithBaseURL(baseURL string) *GeminiAnalyzer {
	g.baseURL = strings.TrimRight(baseURL, "/")
	return g
}

// Name returns the analyzer name
func (g *GeminiAnalyzer) Name() string {
	return "Gemini"
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction geminiContent   `json:"systemInstruction"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		ResponseMimeType string         `json:"responseMimeType"`
		ResponseSchema   map[string]any `json:"responseSchema"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

// verdict is the untrusted shape the model is asked to produce
type verdict struct {
	Status         string   `json:"status"`
	Prediction     string   `json:"prediction"`
	ThoughtProcess string   `json:"thoughtProcess"`
	Trend          string   `json:"trend"`
	Confidence     *float64 `json:"confidence"`
}

var verdictSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"status":     map[string]any{"type": "STRING", "enum": []string{"SAFE", "WARNING", "DANGER"}},
		"prediction": map[string]any{"type": "STRING"},
		"thoughtProcess": map[string]any{
			"type":        "STRING",
			"description": "Internal reasoning about the signal age and the readings.",
		},
		"trend":      map[string]any{"type": "STRING", "enum": []string{"STABLE", "RISING", "FALLING"}},
		"confidence": map[string]any{"type": "NUMBER"},
	},
	"required": []string{"status", "prediction", "trend", "confidence", "thoughtProcess"},
}

type readingSummary struct {
	Gas       float64 `json:"g"`
	CO2       float64 `json:"c"`
	Temp      float64 `json:"t"`
	Humidity  float64 `json:"h"`
	Synthetic bool    `json:"m"`
}

func systemInstruction(ageMinutes int) string {
	return fmt.Sprintf("You are the analysis core of a room air-quality monitor. You track the sensor pulse clock. "+
		"When data is delayed, notice the exact data age (%d minutes) and comment on it in your thought process. "+
		"Provide a technical, engineer-focused diagnosis when the signal is lost.", ageMinutes)
}

// buildPrompt returns the stale (heartbeat failure) or fresh data prompt
func buildPrompt(req Request) (string, error) {
	summary := make([]readingSummary, len(req.Readings))
	for i, r := range req.Readings {
		summary[i] = readingSummary{Gas: r.ToxicGas, CO2: r.CO2, Temp: r.Temperature, Humidity: r.Humidity, Synthetic: r.Synthetic}
	}

	if req.Stale {
		var last any
		if len(summary) > 0 {
			last = summary[len(summary)-1]
		}
		lastJSON, err := json.Marshal(last)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("HEARTBEAT FAILURE: the sensor pulse for room %q is %d minutes overdue. "+
			"The node should pulse every 30 seconds. Provide a DANGER diagnosis explaining that the connection is broken. "+
			"Last known state: %s. Suggest checking power, Wi-Fi, or whether sheet publishing has been disabled.",
			req.RoomName, req.AgeMinutes, lastJSON), nil
	}

	dataJSON, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Analyzing a fresh data stream for room %q. The node is pulsing normally. "+
		"Data summary (g=toxic gas ppm, c=CO2 ppm, t=temperature C, h=humidity %%, m=synthetic): %s. "+
		"Provide a safety report. If clean, reassure the user that the link is healthy.", req.RoomName, dataJSON), nil
}

// Analyze sends the readings to the model and validates the structured verdict
func (g *GeminiAnalyzer) Analyze(ctx context.Context, req Request) (models.Insight, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return models.Insight{}, fmt.Errorf("failed to build prompt: %w", err)
	}

	var body geminiRequest
	body.SystemInstruction = geminiContent{Parts: []geminiPart{{Text: systemInstruction(req.AgeMinutes)}}}
	body.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}}
	body.GenerationConfig.ResponseMimeType = "application/json"
	body.GenerationConfig.ResponseSchema = verdictSchema

	payload, err := json.Marshal(body)
	if err != nil {
		return models.Insight{}, fmt.Errorf("failed to encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return models.Insight{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return models.Insight{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Insight{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return models.Insight{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var gr geminiResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return models.Insight{}, fmt.Errorf("failed to parse API response: %w", err)
	}

	text := responseText(gr)
	if text == "" {
		return models.Insight{}, ErrEmptyResponse
	}

	return g.decodeVerdict(text, req.Stale)
}

func responseText(gr geminiResponse) string {
	var sb strings.Builder
	for _, c := range gr.Candidates {
		for _, p := range c.Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() > 0 {
			break
		}
	}
	return strings.TrimSpace(sb.String())
}

// decodeVerdict treats the model output as untrusted and validates every field
func (g *GeminiAnalyzer) decodeVerdict(text string, stale bool) (models.Insight, error) {
	text = strings.TrimSuffix(strings.TrimPrefix(text, "```json"), "```")

	var v verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return models.Insight{}, fmt.Errorf("%w: %v", ErrInvalidInsight, err)
	}
	if v.Confidence == nil {
		return models.Insight{}, fmt.Errorf("%w: missing confidence", ErrInvalidInsight)
	}

	insight := models.Insight{
		Status:      models.Status(strings.ToUpper(strings.TrimSpace(v.Status))),
		Trend:       models.Trend(strings.ToUpper(strings.TrimSpace(v.Trend))),
		Confidence:  *v.Confidence,
		Prediction:  strings.TrimSpace(v.Prediction),
		Rationale:   strings.TrimSpace(v.ThoughtProcess),
		Analyzer:    g.Name(),
		GeneratedAt: g.now(),
	}
	insight.Outage = stale && insight.Status == models.StatusDanger

	if err := insight.Validate(); err != nil {
		return models.Insight{}, err
	}
	return insight, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Analyzer = (*GeminiAnalyzer)(nil)
