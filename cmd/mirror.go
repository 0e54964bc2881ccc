package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/hotosm/tm-mirror/internal/blob"
	"github.com/hotosm/tm-mirror/internal/cache"
	"github.com/hotosm/tm-mirror/internal/catalog"
	"github.com/hotosm/tm-mirror/internal/config"
	"github.com/hotosm/tm-mirror/internal/fetcher"
	"github.com/hotosm/tm-mirror/internal/geospatial"
	"github.com/hotosm/tm-mirror/internal/model"
	"github.com/hotosm/tm-mirror/internal/monitoring"
	"github.com/hotosm/tm-mirror/internal/pipeline"
	"github.com/hotosm/tm-mirror/internal/publish"
	"github.com/hotosm/tm-mirror/internal/resilience"
	"github.com/hotosm/tm-mirror/internal/state"
)

func runMirror(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	blobs, err := blob.Open(ctx, storeOptions(cfg.Store))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	p := buildPipeline(cfg, blobs)
	rep, runErr := p.Run(ctx)

	alerter := monitoring.NewAlerter(cfg.Monitoring)
	alerter.SendAlerts(context.WithoutCancel(ctx), alerter.Evaluate(rep))

	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if rep.ExitCode() != 0 {
		return runErr
	}
	return nil
}

// buildPipeline wires every component from cfg on top of blobs.
// storeOptions maps the store section of the config onto blob.Options.
func storeOptions(c config.StoreConfig) blob.Options {
	return blob.Options{
		Driver:          c.Driver,
		Bucket:          c.Bucket,
		Region:          c.Region,
		Endpoint:        c.Endpoint,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		UsePathStyle:    c.UsePathStyle,
	}
}

func buildPipeline(c *config.Config, blobs blob.Store) *pipeline.Pipeline {
	statuses := model.NewStatusSet(c.Sync.MirroredStatuses...)

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:   c.API.UserAgent,
		Timeout:     time.Duration(c.API.TimeoutSecs) * time.Second,
		RatePerHost: rate.Limit(c.API.RateLimit),
		Burst:       c.API.RateLimit,
	})

	client := catalog.New(f, catalog.Options{
		BaseURL:  c.API.BaseURL,
		Statuses: statuses,
		Retry: resilience.FromRetryConfig(
			c.Fetch.MaxAttempts,
			c.Fetch.InitialBackoffMs,
			c.Fetch.MaxBackoffMs,
			c.Fetch.RateLimitWaits,
			c.Fetch.CooldownSecs,
		),
		Breaker: resilience.FromCircuitConfig(c.Fetch.BreakerThreshold, c.Fetch.BreakerResetSecs),
	})

	var locker *state.Locker
	if c.Lock.Enabled {
		locker = state.NewLocker(blobs, c.Lock.Key, c.Lock.StaleAfter)
	}

	return pipeline.New(pipeline.Deps{
		Catalog:   client,
		State:     state.NewStore(blobs, c.Store.StateKey),
		Locker:    locker,
		Cache:     cache.NewLoader(blobs, c.Fetch.LoadWorkers),
		Publisher: publish.New(blobs, c.Fetch.UploadWorkers),
		Tiles:     geospatial.NewTippecanoe(c.Tiles.Bin, c.Tiles.MinZoom, c.Tiles.MaxZoom, c.Tiles.Layer),
	}, pipeline.Options{
		Statuses:          statuses,
		FetchWorkers:      c.Fetch.Workers,
		MaxRemoveFraction: c.Sync.MaxRemoveFraction,
		MaxRemoveMinItems: c.Sync.MaxRemoveMinItems,
		Timeout:           c.Run.Timeout,
		TilesWorkDir:      c.Tiles.WorkDir,
	})
}
