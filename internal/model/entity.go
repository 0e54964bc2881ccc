package model

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// EntityID is the canonical decimal string form of an upstream project id.
// Upstream sends ids as JSON numbers or strings; both decode to the same value.
type EntityID string

// UnmarshalJSON accepts a JSON number, a JSON string, or null.
func (id *EntityID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return eris.Wrap(err, "model: decode entity id")
		}
		*id = canonicalID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return eris.Wrap(err, "model: decode entity id")
	}
	*id = canonicalID(n.String())
	return nil
}

// canonicalID strips number formatting noise ("0042", "42.0") from integer ids.
func canonicalID(s string) EntityID {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return EntityID(strconv.FormatInt(i, 10))
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return EntityID(strconv.FormatInt(int64(f), 10))
	}
	return EntityID(s)
}

// Int returns the numeric id when it is an integer.
func (id EntityID) Int() (int64, bool) {
	i, err := strconv.ParseInt(string(id), 10, 64)
	return i, err == nil
}

// Value returns the id as an int64 when numeric, else as a string. Used when
// the id is written back out into documents.
func (id EntityID) Value() any {
	if i, ok := id.Int(); ok {
		return i
	}
	return string(id)
}

// Less orders ids numerically when both are integers, lexically otherwise.
// Integers sort before non-integers.
func (id EntityID) Less(other EntityID) bool {
	a, aok := id.Int()
	b, bok := other.Int()
	switch {
	case aok && bok:
		return a < b
	case aok != bok:
		return aok
	default:
		return id < other
	}
}

// SortIDs sorts ids in place using EntityID.Less.
func SortIDs(ids []EntityID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// ListingItem is the lightweight summary of an entity from the paginated listing.
type ListingItem struct {
	ID          EntityID `json:"projectId"`
	LastUpdated string   `json:"lastUpdated"`
	Status      Status   `json:"status"`
}

// ProjectInfo holds the localized project text block.
type ProjectInfo struct {
	Name string `json:"name"`
}

// Entity is the decoded subset of a project detail document the builder reads.
// The full raw document is what gets mirrored.
type Entity struct {
	ID               EntityID        `json:"projectId"`
	LastUpdated      string          `json:"lastUpdated"`
	Status           Status          `json:"status"`
	AreaOfInterest   json.RawMessage `json:"areaOfInterest"`
	Imagery          *string         `json:"imagery"`
	CountryTag       []string        `json:"countryTag"`
	ProjectInfo      ProjectInfo     `json:"projectInfo"`
	OrganisationName string          `json:"organisationName"`
	Created          string          `json:"created"`
	MappingTypes     []string        `json:"mappingTypes"`
	Difficulty       json.RawMessage `json:"difficulty"`
	ProjectPriority  json.RawMessage `json:"projectPriority"`
	PercentMapped    *float64        `json:"percentMapped"`
	PercentValidated *float64        `json:"percentValidated"`
}

// DecodeEntity parses a raw project document.
func DecodeEntity(raw []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, eris.Wrap(err, "model: decode entity")
	}
	if e.ID == "" {
		return nil, eris.New("model: entity has no projectId")
	}
	return &e, nil
}

// Snapshot is the cached set of raw entity documents keyed by id.
type Snapshot map[EntityID]json.RawMessage

// IDs returns the snapshot ids in EntityID order.
func (s Snapshot) IDs() []EntityID {
	ids := make([]EntityID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids
}

// Clone returns a shallow copy; documents are treated as immutable.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, doc := range s {
		out[id] = doc
	}
	return out
}
