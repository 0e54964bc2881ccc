// Package publish uploads the mirror's outputs to the object store in a
// fixed order so readers never see derived artifacts ahead of the documents
// they were built from.
package publish

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hotosm/tm-mirror/internal/blob"
	"github.com/hotosm/tm-mirror/internal/model"
)

// ErrPublish marks a failed upload. The run must not commit state after it.
var ErrPublish = eris.New("publish: upload failed")

// Bundle is everything one run publishes. Tiles is nil when the tile archive
// is unchanged or could not be compiled.
type Bundle struct {
	Documents  model.Snapshot
	Collection []byte
	Tiles      []byte
	Summary    []byte
}

// Publisher writes bundles to a Store.
type Publisher struct {
	blobs   blob.Store
	workers int
	log     *zap.Logger
}

// New creates a Publisher. workers bounds concurrent document uploads.
func New(blobs blob.Store, workers int) *Publisher {
	if workers <= 0 {
		workers = 8
	}
	return &Publisher{
		blobs:   blobs,
		workers: workers,
		log:     zap.L().With(zap.String("component", "publish")),
	}
}

// Publish uploads documents, then the collection, then tiles, then the
// summary. It stops at the first failure.
func (p *Publisher) Publish(ctx context.Context, b Bundle) error {
	if err := p.putDocuments(ctx, b.Documents); err != nil {
		return err
	}
	if b.Collection != nil {
		if err := p.put(ctx, model.CollectionKey, b.Collection, blob.ContentTypeGeoJSON); err != nil {
			return err
		}
	}
	if b.Tiles != nil {
		if err := p.put(ctx, model.TilesKey, b.Tiles, blob.ContentTypePMTiles); err != nil {
			return err
		}
	}
	if b.Summary != nil {
		if err := p.put(ctx, model.SummaryKey, b.Summary, blob.ContentTypeJSON); err != nil {
			return err
		}
	}
	p.log.Info("publish complete",
		zap.Int("documents", len(b.Documents)),
		zap.Bool("tiles", b.Tiles != nil),
	)
	return nil
}

func (p *Publisher) putDocuments(ctx context.Context, docs model.Snapshot) error {
	if len(docs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, id := range docs.IDs() {
		doc := docs[id]
		g.Go(func() error {
			return p.put(gctx, model.DocumentKey(id), doc, blob.ContentTypeJSON)
		})
	}
	return g.Wait()
}

func (p *Publisher) put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := p.blobs.Put(ctx, key, data, contentType); err != nil {
		p.log.Error("upload failed", zap.String("key", key), zap.Error(err))
		return eris.Wrapf(ErrPublish, "publish: %s: %v", key, err)
	}
	p.log.Debug("uploaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}
