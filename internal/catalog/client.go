// Package catalog reads the upstream Tasking Manager project catalog: the
// paginated listing and per-project detail documents.
package catalog

import (
	"context"
	"encoding/json"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hotosm/tm-mirror/internal/fetcher"
	"github.com/hotosm/tm-mirror/internal/model"
	"github.com/hotosm/tm-mirror/internal/resilience"
)

// Options configures a Client.
type Options struct {
	BaseURL  string
	Statuses model.StatusSet
	Retry    resilience.RetryConfig
	Breaker  resilience.CircuitBreakerConfig
}

// Client talks to the upstream API through a Fetcher, retrying transient
// failures and waiting out throttling. One breaker guards all calls.
type Client struct {
	base     string
	fetch    fetcher.Fetcher
	statuses model.StatusSet
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
	log      *zap.Logger
}

// New creates a Client.
func New(f fetcher.Fetcher, opts Options) *Client {
	log := zap.L().With(zap.String("component", "catalog"))

	retry := opts.Retry
	onRetry, onRateLimit := resilience.RetryLogger("catalog", "get")
	if retry.OnRetry == nil {
		retry.OnRetry = onRetry
	}
	if retry.OnRateLimit == nil {
		retry.OnRateLimit = onRateLimit
	}

	breakerCfg := opts.Breaker
	if breakerCfg.OnStateChange == nil {
		breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
			log.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}

	return &Client{
		base:     strings.TrimRight(opts.BaseURL, "/"),
		fetch:    f,
		statuses: opts.Statuses,
		retry:    retry,
		breaker:  resilience.NewCircuitBreaker(breakerCfg),
		log:      log,
	}
}

// get fetches one JSON document with retry and the breaker applied.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		var body []byte
		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			body, err = c.fetch.GetJSON(ctx, rawURL)
			return err
		})
		return body, err
	})
}

// listPage is the listing envelope.
type listPage struct {
	Results    []json.RawMessage `json:"results"`
	Pagination struct {
		Page  int `json:"page"`
		Pages int `json:"pages"`
	} `json:"pagination"`
}

func (c *Client) listURL(page int) string {
	q := url.Values{}
	q.Set("orderBy", "last_updated")
	q.Set("orderByType", "DESC")
	if len(c.statuses) > 0 {
		q.Set("projectStatuses", strings.Join(c.statuses.Names(), ","))
	}
	q.Set("page", strconv.Itoa(page))
	return c.base + "/projects/?" + q.Encode()
}

// ListAll iterates over every listing entry, page by page. Each range starts
// over at page 1. A page that cannot be fetched ends the sequence with its
// error. Entries without an id or lastUpdated are skipped.
func (c *Client) ListAll(ctx context.Context) iter.Seq2[model.ListingItem, error] {
	return c.listAll(ctx, nil)
}

// listAll is ListAll, counting skipped entries into skipped when non-nil.
func (c *Client) listAll(ctx context.Context, skipped *int) iter.Seq2[model.ListingItem, error] {
	skip := func() {
		if skipped != nil {
			*skipped++
		}
	}
	return func(yield func(model.ListingItem, error) bool) {
		for page := 1; ; page++ {
			body, err := c.get(ctx, c.listURL(page))
			if err != nil {
				yield(model.ListingItem{}, err)
				return
			}
			var lp listPage
			if err := json.Unmarshal(body, &lp); err != nil {
				yield(model.ListingItem{}, eris.Wrapf(err, "catalog: decode listing page %d", page))
				return
			}
			if len(lp.Results) == 0 {
				return
			}

			for _, raw := range lp.Results {
				var item model.ListingItem
				if err := json.Unmarshal(raw, &item); err != nil {
					c.log.Warn("skipping malformed listing entry", zap.Int("page", page), zap.Error(err))
					skip()
					continue
				}
				if item.ID == "" || item.LastUpdated == "" {
					c.log.Warn("skipping listing entry without id or lastUpdated",
						zap.Int("page", page),
						zap.String("entity_id", string(item.ID)),
					)
					skip()
					continue
				}
				if !yield(item, nil) {
					return
				}
			}

			c.log.Debug("listing page read",
				zap.Int("page", page),
				zap.Int("pages", lp.Pagination.Pages),
				zap.Int("results", len(lp.Results)),
			)
			if lp.Pagination.Pages <= page {
				return
			}
		}
	}
}

// ListAllComplete drains ListAll. complete is false when a page failed after
// at least one entry was read; in that case err is nil and the entries read so
// far are returned. A failure before any entry is returned as err. complete
// is also false when any entry was skipped, since a skipped entry may belong
// to a mirrored project that still exists.
func (c *Client) ListAllComplete(ctx context.Context) (items []model.ListingItem, complete bool, err error) {
	var skipped int
	for item, err := range c.listAll(ctx, &skipped) {
		if err != nil {
			if len(items) == 0 || ctx.Err() != nil {
				return nil, false, err
			}
			c.log.Warn("listing incomplete, absent projects will be kept",
				zap.Int("read", len(items)),
				zap.Error(err),
			)
			return items, false, nil
		}
		items = append(items, item)
	}
	if skipped > 0 {
		c.log.Warn("listing had unreadable entries, absent projects will be kept",
			zap.Int("read", len(items)),
			zap.Int("skipped", skipped),
		)
		return items, false, nil
	}
	c.log.Info("listing complete", zap.Int("projects", len(items)))
	return items, true, nil
}

// Detail is a fetched project document.
type Detail struct {
	Raw    json.RawMessage
	Entity *model.Entity
}

// FetchDetail fetches one project document. Errors keep their resilience
// type: *resilience.NotFoundError for projects gone upstream, and the last
// transient or throttling error once retries are spent.
func (c *Client) FetchDetail(ctx context.Context, id model.EntityID) (Detail, error) {
	body, err := c.get(ctx, c.base+"/projects/"+url.PathEscape(string(id))+"/")
	if err != nil {
		return Detail{}, err
	}
	entity, err := model.DecodeEntity(body)
	if err != nil {
		return Detail{}, &resilience.PermanentError{Err: eris.Wrapf(err, "catalog: project %s", id)}
	}
	if entity.ID != id {
		return Detail{}, &resilience.PermanentError{
			Err: eris.Errorf("catalog: requested project %s, got %s", id, entity.ID),
		}
	}
	return Detail{Raw: json.RawMessage(body), Entity: entity}, nil
}
