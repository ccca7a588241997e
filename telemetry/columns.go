// Package telemetry turns raw sensor-node CSV into ordered room series and
// classifies how fresh a room's signal is.
package telemetry

import (
	"strings"
)

// Role is the semantic meaning of a CSV column
type Role int

// Column roles recognized in a sheet header
const (
	RoleTimestamp Role = iota
	RoleTemperature
	RoleHumidity
	RoleToxicGas // MQ-series sensor
	RoleCO2      // MG811 sensor
	roleCount
)

// String returns the role name used in logs
func (r Role) String() string {
	switch r {
	case RoleTimestamp:
		return "timestamp"
	case RoleTemperature:
		return "temperature"
	case RoleHumidity:
		return "humidity"
	case RoleToxicGas:
		return "toxicGas"
	case RoleCO2:
		return "co2"
	default:
		return "unknown"
	}
}

// ColumnMap maps each role to a column index, -1 when no header matched
type ColumnMap [roleCount]int

// Index returns the column index for a role
func (m ColumnMap) Index(r Role) int {
	return m[r]
}

type rolePredicate struct {
	role  Role
	match func(header string) bool
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Evaluated in order against each lower-cased header.
var rolePredicates = []rolePredicate{
	{RoleTimestamp, func(h string) bool {
		return containsAny(h, "time", "date", "timestamp")
	}},
	{RoleTemperature, func(h string) bool {
		return containsAny(h, "temp", "dht") && !strings.Contains(h, "gas")
	}},
	{RoleHumidity, func(h string) bool {
		return containsAny(h, "hum", "rh")
	}},
	{RoleToxicGas, func(h string) bool {
		return containsAny(h, "mq", "toxic") || (strings.Contains(h, "gas") && !strings.Contains(h, "co2"))
	}},
	{RoleCO2, func(h string) bool {
		return containsAny(h, "co2", "mg", "811")
	}},
}

// DetectColumns infers column roles from a header row by substring match.
// For each role the first matching column wins, independent of column order.
func DetectColumns(headers []string) ColumnMap {
	var m ColumnMap
	for i := range m {
		m[i] = -1
	}

	lowered := make([]string, len(headers))
	for i, h := range headers {
		lowered[i] = strings.ToLower(strings.TrimSpace(h))
	}

	for _, p := range rolePredicates {
		for i, h := range lowered {
			if p.match(h) {
				m[p.role] = i
				break
			}
		}
	}
	return m
}
