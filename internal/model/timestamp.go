package model

import (
	"strings"
	"time"
)

// upstream has emitted all of these over the years
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses an upstream lastUpdated value. Zone-less values are UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// IsNewer reports whether current is strictly newer than stored. Equal
// instants are not newer. When either value fails to parse, any textual
// difference counts as newer.
func IsNewer(current, stored string) bool {
	c, cok := ParseTimestamp(current)
	s, sok := ParseTimestamp(stored)
	if !cok || !sok {
		return strings.TrimSpace(current) != strings.TrimSpace(stored)
	}
	return c.After(s)
}

// Newest returns whichever timestamp is later, preferring a when equal.
func Newest(a, b string) string {
	if IsNewer(b, a) {
		return b
	}
	return a
}
