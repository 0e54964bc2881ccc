package model

import (
	"time"
)

// SyncState is the persisted record of what has been mirrored. It is passed
// through a run as a value; mutating helpers return copies.
type SyncState struct {
	Watermarks       map[EntityID]string `json:"watermarks"`
	LastRunTimestamp time.Time           `json:"lastRunTimestamp,omitzero"`
	Artifacts        map[string]string   `json:"artifacts,omitempty"`
}

// NewSyncState returns an empty state.
func NewSyncState() SyncState {
	return SyncState{
		Watermarks: make(map[EntityID]string),
		Artifacts:  make(map[string]string),
	}
}

// Clone deep-copies the maps.
func (s SyncState) Clone() SyncState {
	out := SyncState{
		Watermarks:       make(map[EntityID]string, len(s.Watermarks)),
		LastRunTimestamp: s.LastRunTimestamp,
		Artifacts:        make(map[string]string, len(s.Artifacts)),
	}
	for id, ts := range s.Watermarks {
		out.Watermarks[id] = ts
	}
	for k, v := range s.Artifacts {
		out.Artifacts[k] = v
	}
	return out
}

// WithLastRun returns a copy with only LastRunTimestamp changed.
func (s SyncState) WithLastRun(t time.Time) SyncState {
	out := s.Clone()
	out.LastRunTimestamp = t.UTC()
	return out
}

// WatermarkIDs returns the ids that hold a watermark, sorted.
func (s SyncState) WatermarkIDs() []EntityID {
	ids := make([]EntityID, 0, len(s.Watermarks))
	for id := range s.Watermarks {
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids
}
