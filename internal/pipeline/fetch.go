package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hotosm/tm-mirror/internal/diff"
	"github.com/hotosm/tm-mirror/internal/model"
	"github.com/hotosm/tm-mirror/internal/resilience"
)

// fetchResult aggregates the detail fetches of one run.
type fetchResult struct {
	docs       model.Snapshot
	watermarks map[model.EntityID]string
	gone       []model.EntityID
	failed     []model.EntityID
}

// fetchAll fetches every change over a bounded pool. A project that fails
// after retries is recorded and skipped; one that is gone upstream is
// recorded for removal. Only cancellation of ctx aborts the pool.
func (p *Pipeline) fetchAll(ctx context.Context, changes []diff.Change) (*fetchResult, error) {
	log := zap.L().With(zap.String("component", "pipeline.fetch"))

	out := &fetchResult{
		docs:       make(model.Snapshot, len(changes)),
		watermarks: make(map[model.EntityID]string, len(changes)),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.FetchWorkers)

	for _, c := range changes {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			detail, err := p.deps.Catalog.FetchDetail(gctx, c.ID)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				out.docs[c.ID] = detail.Raw
				out.watermarks[c.ID] = c.LastUpdated
			case resilience.IsNotFound(err):
				log.Info("project gone upstream", zap.String("entity_id", string(c.ID)))
				out.gone = append(out.gone, c.ID)
			default:
				log.Warn("project fetch failed",
					zap.String("entity_id", string(c.ID)),
					zap.String("kind", resilience.KindOf(err).String()),
					zap.Error(err),
				)
				out.failed = append(out.failed, c.ID)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	model.SortIDs(out.gone)
	model.SortIDs(out.failed)
	return out, nil
}
