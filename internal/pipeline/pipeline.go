// Package pipeline runs one mirror pass: list, diff, fetch, merge, build,
// publish and commit.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hotosm/tm-mirror/internal/cache"
	"github.com/hotosm/tm-mirror/internal/catalog"
	"github.com/hotosm/tm-mirror/internal/diff"
	"github.com/hotosm/tm-mirror/internal/geospatial"
	"github.com/hotosm/tm-mirror/internal/model"
	"github.com/hotosm/tm-mirror/internal/publish"
	"github.com/hotosm/tm-mirror/internal/state"
)

// ErrMassRemoval aborts a run whose listing would remove too many projects.
var ErrMassRemoval = eris.New("pipeline: removal guard tripped")

// Catalog is the remote project catalog.
type Catalog interface {
	ListAllComplete(ctx context.Context) ([]model.ListingItem, bool, error)
	FetchDetail(ctx context.Context, id model.EntityID) (catalog.Detail, error)
}

// Deps are the collaborators of a Pipeline. Locker and Tiles may be nil to
// run without the advisory lock or without tile compilation.
type Deps struct {
	Catalog   Catalog
	State     *state.Store
	Locker    *state.Locker
	Cache     *cache.Loader
	Publisher *publish.Publisher
	Tiles     geospatial.TileCompiler
}

// Options tune a run.
type Options struct {
	Statuses          model.StatusSet
	FetchWorkers      int
	MaxRemoveFraction float64
	MaxRemoveMinItems int
	Timeout           time.Duration
	TilesWorkDir      string
}

// Pipeline mirrors the catalog into the blob store.
type Pipeline struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// New creates a Pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if opts.FetchWorkers <= 0 {
		opts.FetchWorkers = 4
	}
	if len(opts.Statuses) == 0 {
		opts.Statuses = model.NewStatusSet(string(model.StatusPublished), string(model.StatusArchived))
	}
	return &Pipeline{deps: deps, opts: opts, now: time.Now}
}

// Run executes one pass. The report is always returned; err is non-nil
// exactly when the outcome is failed, in which case state was not saved.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	log := zap.L().With(zap.String("component", "pipeline"))
	rep := &Report{StartedAt: p.now().UTC()}

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	err := p.run(ctx, rep, log)
	rep.Duration = p.now().Sub(rep.StartedAt)
	if err != nil {
		rep.Outcome = OutcomeFailed
		rep.Error = err.Error()
		log.Error("run failed", append(rep.fields(), zap.Error(err))...)
		return rep, err
	}
	log.Info("run complete", rep.fields()...)
	return rep, nil
}

func (p *Pipeline) run(ctx context.Context, rep *Report, log *zap.Logger) error {
	track := func(name string, fn func() error) error {
		start := time.Now()
		err := fn()
		ph := Phase{Name: name, Status: PhaseStatusComplete, Duration: time.Since(start)}
		if err != nil {
			ph.Status = PhaseStatusFailed
			ph.Error = err.Error()
		}
		rep.Phases = append(rep.Phases, ph)
		log.Debug("phase done", zap.String("phase", name), zap.Duration("elapsed", ph.Duration), zap.Error(err))
		return err
	}

	if p.deps.Locker != nil {
		lease, holder, err := p.deps.Locker.Acquire(ctx)
		if err != nil {
			return eris.Wrap(err, "pipeline: acquire lock")
		}
		if holder != nil {
			log.Warn("another run holds the lock, skipping",
				zap.String("holder_run_id", holder.RunID),
				zap.String("holder_host", holder.Host),
				zap.Time("holder_started_at", holder.StartedAt),
			)
			rep.Outcome = OutcomeLocked
			return nil
		}
		rep.RunID = lease.Info.RunID
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := lease.Release(rctx); err != nil {
				log.Warn("lock release failed", zap.Error(err))
			}
		}()
	}

	// Load state.
	var st model.SyncState
	if err := track("load_state", func() error {
		var err error
		st, err = p.deps.State.Load(ctx)
		return err
	}); err != nil {
		return eris.Wrap(err, "pipeline: load state")
	}

	// List and classify.
	var listing []model.ListingItem
	if err := track("list", func() error {
		var err error
		listing, rep.Complete, err = p.deps.Catalog.ListAllComplete(ctx)
		return err
	}); err != nil {
		return eris.Wrap(err, "pipeline: list catalog")
	}
	rep.Listed = len(listing)

	res := diff.Compute(diff.Input{
		Listing:  listing,
		State:    st,
		Mirrored: p.opts.Statuses,
		Complete: rep.Complete,
	})
	rep.Added, rep.Updated = res.Counts()
	rep.Removed = len(res.ToRemove)
	rep.Unchanged = len(res.Unchanged)
	log.Info("diff computed",
		zap.Int("listed", rep.Listed),
		zap.Bool("complete", rep.Complete),
		zap.Int("added", rep.Added),
		zap.Int("updated", rep.Updated),
		zap.Int("removed", rep.Removed),
		zap.Int("unchanged", rep.Unchanged),
	)

	if res.NoOp() {
		return p.finishUnchanged(ctx, st, rep, track, log)
	}

	if err := p.checkRemovals(len(res.ToRemove), len(st.Watermarks)); err != nil {
		return err
	}

	// Cached documents for everything that already holds a watermark.
	var (
		snap    model.Snapshot
		missing []model.EntityID
	)
	if err := track("load_cache", func() error {
		var err error
		snap, missing, err = p.deps.Cache.Load(ctx, st.WatermarkIDs())
		return err
	}); err != nil {
		return eris.Wrap(err, "pipeline: load cache")
	}

	changes, repaired := withRepairs(res, missing, st)
	rep.Repaired = len(repaired)

	var fr *fetchResult
	if err := track("fetch", func() error {
		var err error
		fr, err = p.fetchAll(ctx, changes)
		return err
	}); err != nil {
		return eris.Wrap(err, "pipeline: fetch")
	}
	rep.Fetched = len(fr.docs)
	rep.FailedIDs = fr.failed
	rep.GoneIDs = fr.gone

	removed := append(append([]model.EntityID(nil), res.ToRemove...), fr.gone...)
	model.SortIDs(removed)
	merged := cache.Merge(snap, fr.docs, removed)

	var arts *geospatial.Artifacts
	if err := track("build", func() error {
		var err error
		arts, err = geospatial.Build(merged)
		return err
	}); err != nil {
		return eris.Wrap(err, "pipeline: build artifacts")
	}
	rep.Features = len(arts.Features)
	for _, s := range arts.Skipped {
		rep.SkippedIDs = append(rep.SkippedIDs, s.ID)
	}

	var tiles []byte
	if p.deps.Tiles != nil && arts.CollectionHash != st.Artifacts[model.ArtifactTiles] {
		tiles = p.compileTiles(ctx, arts.Collection, rep, track, log)
	}

	if err := track("publish", func() error {
		return p.deps.Publisher.Publish(ctx, publish.Bundle{
			Documents:  fr.docs,
			Collection: arts.Collection,
			Tiles:      tiles,
			Summary:    arts.Summary,
		})
	}); err != nil {
		return eris.Wrap(err, "pipeline: publish")
	}

	next := cache.AdvanceWatermarks(st, fr.watermarks, removed)
	next = cache.ForgetWatermarks(next, unrepaired(repaired, fr.failed))
	next.Artifacts[model.ArtifactCollection] = arts.CollectionHash
	next.Artifacts[model.ArtifactSummary] = geospatial.Hash(arts.Summary)
	if tiles != nil {
		next.Artifacts[model.ArtifactTiles] = arts.CollectionHash
	}

	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "pipeline: run cancelled")
	}
	if err := track("commit", func() error {
		return p.deps.State.Save(ctx, next.WithLastRun(p.now()))
	}); err != nil {
		return eris.Wrap(err, "pipeline: save state")
	}

	rep.Outcome = OutcomeSuccess
	if len(fr.failed) > 0 || rep.TilesError != "" {
		rep.Outcome = OutcomePartial
	}
	return nil
}

// phaseFunc runs one named phase and records it in the report.
type phaseFunc func(name string, fn func() error) error

// finishUnchanged commits a run with nothing to fetch or remove. The
// documents, collection and summary stay as published. A stale tile archive
// is rebuilt from the stored collection and is the only artifact uploaded.
func (p *Pipeline) finishUnchanged(ctx context.Context, st model.SyncState, rep *Report, track phaseFunc, log *zap.Logger) error {
	next := st
	if p.deps.Tiles != nil && !tilesCurrent(st) {
		hash, err := p.retryTiles(ctx, st, rep, track, log)
		if err != nil {
			return err
		}
		if hash != "" {
			next = st.Clone()
			next.Artifacts[model.ArtifactTiles] = hash
		}
	}

	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "pipeline: run cancelled")
	}
	if err := track("commit", func() error {
		return p.deps.State.Save(ctx, next.WithLastRun(p.now()))
	}); err != nil {
		return eris.Wrap(err, "pipeline: save state")
	}

	switch {
	case rep.TilesError != "":
		rep.Outcome = OutcomePartial
	case rep.TilesRebuilt:
		rep.Outcome = OutcomeSuccess
	default:
		rep.Outcome = OutcomeNoop
	}
	return nil
}

// retryTiles compiles the stored collection and uploads only the archive.
// It returns the collection hash the new archive matches, or "" when nothing
// was uploaded.
func (p *Pipeline) retryTiles(ctx context.Context, st model.SyncState, rep *Report, track phaseFunc, log *zap.Logger) (string, error) {
	want := st.Artifacts[model.ArtifactCollection]

	var collection []byte
	if err := track("load_collection", func() error {
		var err error
		collection, err = p.deps.Cache.Collection(ctx)
		return err
	}); err != nil {
		return "", eris.Wrap(err, "pipeline: load collection")
	}
	if collection == nil || geospatial.Hash(collection) != want {
		log.Warn("stored collection does not match state, tile retry deferred to the next build",
			zap.String("collection_hash", want))
		return "", nil
	}

	tiles := p.compileTiles(ctx, collection, rep, track, log)
	if tiles == nil {
		return "", nil
	}
	if err := track("publish", func() error {
		return p.deps.Publisher.Publish(ctx, publish.Bundle{Tiles: tiles})
	}); err != nil {
		return "", eris.Wrap(err, "pipeline: publish")
	}
	return want, nil
}

// compileTiles runs the tile compiler over collection. A failure is recorded
// in the report and returns nil so the previous archive stays in place.
func (p *Pipeline) compileTiles(ctx context.Context, collection []byte, rep *Report, track phaseFunc, log *zap.Logger) []byte {
	var tiles []byte
	_ = track("tiles", func() error {
		var err error
		tiles, err = geospatial.CompileTiles(ctx, p.deps.Tiles, collection, p.opts.TilesWorkDir)
		if err != nil {
			rep.TilesError = err.Error()
			log.Warn("tile compilation failed, keeping previous archive", zap.Error(err))
		}
		return err
	})
	rep.TilesRebuilt = tiles != nil
	return tiles
}

// checkRemovals refuses runs that would drop a large share of the mirror,
// which usually means the upstream listing came back truncated.
func (p *Pipeline) checkRemovals(removals, mirrored int) error {
	if removals == 0 || mirrored < p.opts.MaxRemoveMinItems || p.opts.MaxRemoveFraction <= 0 {
		return nil
	}
	if float64(removals) > p.opts.MaxRemoveFraction*float64(mirrored) {
		return eris.Wrapf(ErrMassRemoval, "pipeline: %d of %d projects would be removed (limit %.0f%%)",
			removals, mirrored, p.opts.MaxRemoveFraction*100)
	}
	return nil
}

// tilesCurrent reports whether the last tile archive matches the last
// published collection. A mismatch means an earlier tile build failed.
func tilesCurrent(st model.SyncState) bool {
	return st.Artifacts[model.ArtifactTiles] == st.Artifacts[model.ArtifactCollection]
}

// withRepairs adds a refetch for every id whose watermark survives but whose
// cached document is gone, so the mirror heals itself.
func withRepairs(res diff.Result, missing []model.EntityID, st model.SyncState) ([]diff.Change, []model.EntityID) {
	skip := make(map[model.EntityID]bool, len(res.ToFetch)+len(res.ToRemove))
	for _, c := range res.ToFetch {
		skip[c.ID] = true
	}
	for _, id := range res.ToRemove {
		skip[id] = true
	}

	changes := append([]diff.Change(nil), res.ToFetch...)
	var repaired []model.EntityID
	for _, id := range missing {
		if skip[id] {
			continue
		}
		changes = append(changes, diff.Change{ID: id, LastUpdated: st.Watermarks[id], Op: diff.OpUpdate})
		repaired = append(repaired, id)
	}
	return changes, repaired
}

// unrepaired returns the repaired ids whose refetch failed. Their watermark
// is dropped so the next run fetches them as new.
func unrepaired(repaired, failed []model.EntityID) []model.EntityID {
	if len(repaired) == 0 || len(failed) == 0 {
		return nil
	}
	f := make(map[model.EntityID]bool, len(failed))
	for _, id := range failed {
		f[id] = true
	}
	var out []model.EntityID
	for _, id := range repaired {
		if f[id] {
			out = append(out, id)
		}
	}
	return out
}
