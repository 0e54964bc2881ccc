package model

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Status is the normalized lifecycle state of a project.
type Status string

const (
	StatusPublished Status = "PUBLISHED"
	StatusArchived  Status = "ARCHIVED"
	StatusDraft     Status = "DRAFT"
	StatusUnknown   Status = "UNKNOWN"
)

// numeric encodings used by older API versions
var statusCodes = map[string]Status{
	"0": StatusArchived,
	"1": StatusPublished,
	"2": StatusDraft,
}

// ParseStatus normalizes a raw status name or numeric code.
func ParseStatus(raw string) Status {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if st, ok := statusCodes[s]; ok {
		return st
	}
	switch Status(s) {
	case StatusPublished, StatusArchived, StatusDraft:
		return Status(s)
	default:
		return StatusUnknown
	}
}

// UnmarshalJSON accepts a string or a number.
func (s *Status) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = ParseStatus(str)
		return nil
	}
	if string(b) == "null" {
		*s = StatusUnknown
		return nil
	}
	*s = ParseStatus(string(b))
	return nil
}

// StatusSet is the set of statuses that are mirrored.
type StatusSet map[Status]bool

// NewStatusSet builds a set from raw names, skipping unknown values.
func NewStatusSet(names ...string) StatusSet {
	set := make(StatusSet, len(names))
	for _, n := range names {
		if st := ParseStatus(n); st != StatusUnknown {
			set[st] = true
		}
	}
	return set
}

// Contains reports whether st is mirrored.
func (s StatusSet) Contains(st Status) bool {
	return s[st]
}

// Names returns the set members sorted, for use in query strings.
func (s StatusSet) Names() []string {
	names := make([]string, 0, len(s))
	for st := range s {
		names = append(names, string(st))
	}
	sort.Strings(names)
	return names
}
