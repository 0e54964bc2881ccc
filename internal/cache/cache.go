// Package cache maintains the cached project snapshot: loading mirrored
// documents back from storage and merging fresh fetches into them.
package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hotosm/tm-mirror/internal/blob"
	"github.com/hotosm/tm-mirror/internal/model"
)

// Loader reads cached project documents from the blob store.
type Loader struct {
	blobs   blob.Store
	workers int
}

// NewLoader creates a Loader reading with up to workers concurrent Gets.
func NewLoader(blobs blob.Store, workers int) *Loader {
	if workers <= 0 {
		workers = 16
	}
	return &Loader{blobs: blobs, workers: workers}
}

// Load returns the cached documents for ids. Ids with no stored document, or
// an unparseable one, are returned in missing instead of failing the load.
// Store errors abort the load.
func (l *Loader) Load(ctx context.Context, ids []model.EntityID) (model.Snapshot, []model.EntityID, error) {
	log := zap.L().With(zap.String("component", "cache.loader"))

	var (
		mu      sync.Mutex
		snap    = make(model.Snapshot, len(ids))
		missing []model.EntityID
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	for _, id := range ids {
		g.Go(func() error {
			data, err := l.blobs.Get(gctx, model.DocumentKey(id))
			if err != nil && !blob.IsNotFound(err) {
				return eris.Wrapf(err, "cache: load %s", id)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil || !json.Valid(data) {
				log.Warn("cached document missing or unreadable", zap.String("entity_id", string(id)))
				missing = append(missing, id)
				return nil
			}
			snap[id] = json.RawMessage(data)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	model.SortIDs(missing)
	log.Info("snapshot loaded", zap.Int("documents", len(snap)), zap.Int("missing", len(missing)))
	return snap, missing, nil
}

// Collection returns the published feature collection, or nil when none
// has been stored yet.
func (l *Loader) Collection(ctx context.Context) ([]byte, error) {
	data, err := l.blobs.Get(ctx, model.CollectionKey)
	if blob.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "cache: load collection")
	}
	return data, nil
}

// Merge returns (existing minus toRemove) plus fetched, with fetched winning
// on collision. Inputs are not modified.
func Merge(existing, fetched model.Snapshot, toRemove []model.EntityID) model.Snapshot {
	out := existing.Clone()
	for _, id := range toRemove {
		delete(out, id)
	}
	for id, doc := range fetched {
		out[id] = doc
	}
	return out
}

// AdvanceWatermarks returns a copy of st with watermarks set for every
// fetched id and dropped for every removed id. Ids that failed are in
// neither map and keep their old watermark.
func AdvanceWatermarks(st model.SyncState, fetched map[model.EntityID]string, removed []model.EntityID) model.SyncState {
	out := st.Clone()
	for _, id := range removed {
		delete(out.Watermarks, id)
	}
	for id, ts := range fetched {
		out.Watermarks[id] = ts
	}
	return out
}

// ForgetWatermarks returns a copy of st without watermarks for ids, so the
// next run fetches them again.
func ForgetWatermarks(st model.SyncState, ids []model.EntityID) model.SyncState {
	return AdvanceWatermarks(st, nil, ids)
}
