package collector

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	formattingCodePattern = regexp.MustCompile(`§.`)
	ansiEscapePattern     = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

	plotIDCompositePattern = regexp.MustCompile(`(-?\d+)\s*;\s*(-?\d+)`)
	plotIDNumericPattern   = regexp.MustCompile(`#\s*(\d+)`)
	coordsLabelledPattern  = regexp.MustCompile(`(?i)(?:^|\b)x\s*[:=]?\s*(-?\d+)\b.*\bz\s*[:=]?\s*(-?\d+)\b`)
	coordsCommaPattern     = regexp.MustCompile(`(-?\d+)\s*,\s*(-?\d+)`)
	ownerPattern           = regexp.MustCompile(`(?i)(?:proprietario|owner)\s*[»:\-]\s*(.+)`)
	lastAccessPattern      = regexp.MustCompile(`(?i)(?:ultimo\s+accesso|last\s+(?:seen|login))\s*[»:\-]\s*(.+)`)
	rejectionPattern       = regexp.MustCompile(`(?i)\b(?:not\s+(?:standing\s+)?in\s+a\s+plot|non\s+(?:sei|ti\s+trovi)\s+in\s+un\s+plot|no\s+plot\s+here)\b`)
)

// Fields holds what a single line contributed. Empty strings and a nil
// Coords mean the extractor did not match.
type Fields struct {
	PlotID     string
	Coords     *Coords
	Owner      string
	LastAccess string
	Rejection  string
}

// Empty reports whether no extractor matched.
func (f Fields) Empty() bool {
	return f.PlotID == "" && f.Coords == nil && f.Owner == "" && f.LastAccess == "" && f.Rejection == ""
}

// CleanLine strips formatting codes and ANSI escapes and trims whitespace.
func CleanLine(raw string) string {
	line := formattingCodePattern.ReplaceAllString(raw, "")
	line = ansiEscapePattern.ReplaceAllString(line, "")
	return strings.TrimSpace(line)
}

// Extract runs every extractor over an already cleaned line.
func Extract(line string) Fields {
	var fields Fields
	if m := plotIDCompositePattern.FindStringSubmatch(line); m != nil {
		fields.PlotID = strings.TrimSpace(m[1]) + ";" + strings.TrimSpace(m[2])
	} else if m := plotIDNumericPattern.FindStringSubmatch(line); m != nil {
		fields.PlotID = strings.TrimSpace(m[1])
	}

	if m := coordsLabelledPattern.FindStringSubmatch(line); m != nil {
		fields.Coords = parseCoords(m[1], m[2])
	}
	if fields.Coords == nil {
		if m := coordsCommaPattern.FindStringSubmatch(line); m != nil {
			fields.Coords = parseCoords(m[1], m[2])
		}
	}

	if m := ownerPattern.FindStringSubmatch(line); m != nil {
		fields.Owner = strings.TrimSpace(m[1])
	}
	if m := lastAccessPattern.FindStringSubmatch(line); m != nil {
		fields.LastAccess = strings.TrimSpace(m[1])
	}
	if m := rejectionPattern.FindString(line); m != "" {
		fields.Rejection = line
	}
	return fields
}

func parseCoords(rawX, rawZ string) *Coords {
	x, errX := strconv.Atoi(strings.TrimSpace(rawX))
	z, errZ := strconv.Atoi(strings.TrimSpace(rawZ))
	if errX != nil || errZ != nil {
		return nil
	}
	return &Coords{X: x, Z: z}
}
