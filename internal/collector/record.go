package collector

import (
	"fmt"
	"strings"
	"time"
)

// DefaultDimension is used when a probe carries no dimension hint.
const DefaultDimension = "overworld"

// Record is a completed location answer. It is never built without a plot id
// and a coordinate pair.
type Record struct {
	PlotID     string `json:"plotId"`
	CoordX     int    `json:"coordX"`
	CoordZ     int    `json:"coordZ"`
	Dimension  string `json:"dimension"`
	Owner      string `json:"proprietario,omitempty"`
	LastAccess string `json:"ultimoAccessoIso,omitempty"`
	RequestID  uint64 `json:"requestId"`
}

// DedupKey identifies the logical record for delivery.
func (r Record) DedupKey() string {
	return fmt.Sprintf("%s|%d|%d", strings.TrimSpace(r.PlotID), r.CoordX, r.CoordZ)
}

// Coords is a world coordinate pair.
type Coords struct {
	X int `json:"x"`
	Z int `json:"z"`
}

var lastAccessLocation = loadLastAccessLocation()

const lastAccessLayout = "02/01/2006 15:04"

func loadLastAccessLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Zurich")
	if err != nil {
		return time.FixedZone("CET", 3600)
	}
	return loc
}

// NormalizeLastAccess converts "dd/MM/yyyy HH:mm" (Europe/Zurich) into an
// RFC3339 UTC instant. Anything else is returned trimmed and unchanged.
func NormalizeLastAccess(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	parsed, err := time.ParseInLocation(lastAccessLayout, value, lastAccessLocation)
	if err != nil {
		return value
	}
	return parsed.UTC().Format(time.RFC3339)
}
