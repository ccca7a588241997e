package telemetry

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"airwatch-service/models"
)

var (
	ErrEmptyBody   = errors.New("empty body")
	ErrTooFewLines = errors.New("body has fewer than 2 non-blank lines")
	ErrHTMLBody    = errors.New("body is an HTML page, not CSV")
	ErrNoRows      = errors.New("no usable data rows")
)

// Normalizer converts raw CSV bodies into ordered, smoothed room series
type Normalizer struct {
	Policy          TimestampPolicy
	SmoothingWindow int
	Location        *time.Location
	Generator       *Generator
	Now             func() time.Time
}

// NewNormalizer creates a normalizer with the default smoothing window,
// local time zone and generator
func NewNormalizer(policy TimestampPolicy) *Normalizer {
	return &Normalizer{
		Policy:          policy,
		SmoothingWindow: DefaultSmoothingWindow,
		Location:        time.Local,
		Generator:       NewGenerator(),
		Now:             time.Now,
	}
}

func (n *Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n *Normalizer) location() *time.Location {
	if n.Location != nil {
		return n.Location
	}
	return time.Local
}

// LooksLikeHTML reports whether a body is an HTML document (typically an
// error or login page served instead of the published CSV)
func LooksLikeHTML(body string) bool {
	head := strings.ToLower(strings.TrimLeft(body, " \t\r\n\ufeff"))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

// Normalize parses a CSV body into a series sorted by timestamp. It does not
// smooth; see Parse for the full pipeline.
func (n *Normalizer) Normalize(roomID, body string) (models.RoomSeries, error) {
	now := n.now()

	if strings.TrimSpace(body) == "" {
		return models.RoomSeries{}, ErrEmptyBody
	}
	if LooksLikeHTML(body) {
		return models.RoomSeries{}, ErrHTMLBody
	}

	lines := nonBlankLines(body)
	if len(lines) < 2 {
		return models.RoomSeries{}, ErrTooFewLines
	}

	cols := DetectColumns(splitRow(lines[0]))

	readings := make([]models.SensorReading, 0, len(lines)-1)
	for _, line := range lines[1:] {
		cells := splitRow(line)

		ts, ok := parseTimestamp(cell(cells, cols.Index(RoleTimestamp)), now, n.location())
		if !ok {
			ts, ok = n.Policy.resolve(now)
			if !ok {
				continue
			}
		}

		readings = append(readings, models.SensorReading{
			RoomID:      roomID,
			Timestamp:   ts,
			Temperature: parseNumber(cell(cells, cols.Index(RoleTemperature))),
			Humidity:    parseNumber(cell(cells, cols.Index(RoleHumidity))),
			ToxicGas:    parseNumber(cell(cells, cols.Index(RoleToxicGas))),
			CO2:         parseNumber(cell(cells, cols.Index(RoleCO2))),
		})
	}

	if len(readings) == 0 {
		return models.RoomSeries{}, ErrNoRows
	}

	// Input order is not trusted
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})

	return models.RoomSeries{
		RoomID:    roomID,
		Readings:  readings,
		FetchedAt: now,
	}, nil
}

// Parse runs the full pipeline: normalize, then smooth
func (n *Normalizer) Parse(roomID, body string) (models.RoomSeries, error) {
	series, err := n.Normalize(roomID, body)
	if err != nil {
		return models.RoomSeries{}, err
	}
	series.Readings = Smooth(series.Readings, n.SmoothingWindow)
	return series, nil
}

// NormalizeOrMock never fails: any ingestion error degrades to a synthetic
// series. The returned error is informational only.
func (n *Normalizer) NormalizeOrMock(roomID, body string) (models.RoomSeries, error) {
	series, err := n.Parse(roomID, body)
	if err != nil {
		return n.Mock(roomID, err.Error()), err
	}
	return series, nil
}

// Mock returns a synthetic series tagged with the failure reason
func (n *Normalizer) Mock(roomID, reason string) models.RoomSeries {
	gen := n.Generator
	if gen == nil {
		gen = NewGenerator()
	}
	series := gen.Generate(roomID, n.now())
	series.Source = reason
	return series
}

func nonBlankLines(body string) []string {
	raw := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func splitRow(line string) []string {
	cells := strings.Split(line, ",")
	for i, c := range cells {
		cells[i] = strings.Trim(strings.TrimSpace(c), `"`)
	}
	return cells
}

func cell(cells []string, idx int) string {
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return cells[idx]
}

// parseNumber never fails: malformed, out-of-range and non-finite cells read as 0
func parseNumber(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
