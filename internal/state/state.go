// Package state persists the sync watermarks between runs and guards runs
// with an advisory lock object.
package state

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hotosm/tm-mirror/internal/blob"
	"github.com/hotosm/tm-mirror/internal/model"
)

// DefaultKey is where the sync state lives in the bucket.
const DefaultKey = "state.json"

// Store reads and writes model.SyncState as a single JSON object.
type Store struct {
	blobs blob.Store
	key   string
	log   *zap.Logger
}

// NewStore creates a Store writing to key (DefaultKey when empty).
func NewStore(blobs blob.Store, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{
		blobs: blobs,
		key:   key,
		log:   zap.L().With(zap.String("component", "state")),
	}
}

// Load returns the persisted state. A missing or unreadable document yields an
// empty state, which makes the run a full resync. Store errors are returned.
func (s *Store) Load(ctx context.Context) (model.SyncState, error) {
	data, err := s.blobs.Get(ctx, s.key)
	if err != nil {
		if blob.IsNotFound(err) {
			s.log.Info("no existing state, starting fresh")
			return model.NewSyncState(), nil
		}
		return model.SyncState{}, eris.Wrap(err, "state: load")
	}

	st, legacy, err := Decode(data)
	if err != nil {
		s.log.Warn("state document is corrupt, starting fresh", zap.Error(err))
		return model.NewSyncState(), nil
	}
	if legacy {
		s.log.Info("migrating legacy flat state", zap.Int("watermarks", len(st.Watermarks)))
	}
	s.log.Info("loaded state",
		zap.Int("watermarks", len(st.Watermarks)),
		zap.Time("last_run", st.LastRunTimestamp),
	)
	return st, nil
}

// Save writes st with a single Put.
func (s *Store) Save(ctx context.Context, st model.SyncState) error {
	data, err := Encode(st)
	if err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, s.key, data, blob.ContentTypeJSON); err != nil {
		return eris.Wrap(err, "state: save")
	}
	s.log.Info("saved state", zap.Int("watermarks", len(st.Watermarks)))
	return nil
}

// Encode serializes st as indented JSON with sorted keys.
func Encode(st model.SyncState) ([]byte, error) {
	if st.Watermarks == nil {
		st.Watermarks = map[model.EntityID]string{}
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "state: encode")
	}
	return data, nil
}

// Decode parses a state document. Documents without a "watermarks" member
// are read as the legacy flat {id: timestamp} layout; legacy reports that.
func Decode(data []byte) (st model.SyncState, legacy bool, err error) {
	data = bytes.TrimSpace(data)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return model.SyncState{}, false, eris.Wrap(err, "state: decode")
	}

	st = model.NewSyncState()
	if _, ok := fields["watermarks"]; ok {
		if err := json.Unmarshal(data, &st); err != nil {
			return model.SyncState{}, false, eris.Wrap(err, "state: decode")
		}
		if st.Watermarks == nil {
			st.Watermarks = map[model.EntityID]string{}
		}
		if st.Artifacts == nil {
			st.Artifacts = map[string]string{}
		}
		return st, false, nil
	}

	for id, raw := range fields {
		var ts string
		if err := json.Unmarshal(raw, &ts); err != nil {
			return model.SyncState{}, false, eris.Wrapf(err, "state: decode legacy entry %s", id)
		}
		var eid model.EntityID
		if err := json.Unmarshal([]byte(`"`+id+`"`), &eid); err != nil || eid == "" {
			continue
		}
		st.Watermarks[eid] = ts
	}
	return st, true, nil
}
