package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// TimestampPolicy decides what an unparseable timestamp cell resolves to
type TimestampPolicy string

const (
	// FallbackNow stamps the row with the current time. This masks staleness.
	FallbackNow TimestampPolicy = "now"
	// FallbackEpoch stamps the row with the Unix epoch, forcing the room to read as down.
	FallbackEpoch TimestampPolicy = "epoch"
	// FallbackSkip drops the row.
	FallbackSkip TimestampPolicy = "skip"
)

// ParseTimestampPolicy validates a policy name from configuration
func ParseTimestampPolicy(s string) (TimestampPolicy, error) {
	switch p := TimestampPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FallbackNow, nil
	case FallbackNow, FallbackEpoch, FallbackSkip:
		return p, nil
	default:
		return "", fmt.Errorf("unknown timestamp fallback policy %q", s)
	}
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006 3:04:05 PM",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// futureTolerance is how far ahead of now a bare time of day may land before
// it is read as yesterday's
const futureTolerance = 10 * time.Minute

var timeOfDayLayouts = []string{
	"15:04:05",
	"15:04",
	"3:04:05 PM",
	"3:04 PM",
	"15:04:05.000",
}

// parseTimestamp resolves a raw cell. The second return is false when the
// cell could not be parsed and the fallback policy has to decide.
func parseTimestamp(raw string, now time.Time, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}

	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, true
		}
	}

	// Bare time of day: combine with today's date
	if strings.Contains(raw, ":") {
		today := now.In(loc)
		for _, layout := range timeOfDayLayouts {
			t, err := time.ParseInLocation(layout, strings.ToUpper(raw), loc)
			if err != nil {
				continue
			}
			ts := time.Date(today.Year(), today.Month(), today.Day(),
				t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
			// rows written just before midnight and read just after it
			if ts.After(now.Add(futureTolerance)) {
				ts = ts.AddDate(0, 0, -1)
			}
			return ts, true
		}
	}

	return time.Time{}, false
}

// resolve applies the fallback policy to an unparseable cell.
// The second return is false when the row should be dropped.
func (p TimestampPolicy) resolve(now time.Time) (time.Time, bool) {
	switch p {
	case FallbackEpoch:
		return time.Unix(0, 0).UTC(), true
	case FallbackSkip:
		return time.Time{}, false
	default:
		return now, true
	}
}
