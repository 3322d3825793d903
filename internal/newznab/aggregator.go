package newznab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"shelfseeker/internal/metrics"
	"shelfseeker/internal/models"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultProviderTimeout = 15 * time.Second

// ProviderSource lists the configured indexers.
type ProviderSource interface {
	Providers() ([]models.NzbProvider, error)
}

// QuotaKeeper owns the per-provider daily request counters. Reserve
// reports false, without counting, when the provider has used its limit.
type QuotaKeeper interface {
	ReserveQuota(providerID string, now time.Time) (bool, error)
}

// Searcher is one provider's search endpoint.
type Searcher interface {
	Search(ctx context.Context, query string) ([]models.SearchResult, error)
}

// Outcome is what one provider contributed to an aggregated search.
type Outcome struct {
	Provider models.NzbProvider
	Results  []models.SearchResult
	Skipped  bool // quota exhausted, no request was made
	Err      error
	Duration time.Duration
}

// Aggregator fans a query out to every enabled provider and merges what
// comes back. One provider failing or timing out never fails the search.
type Aggregator struct {
	providers  ProviderSource
	quota      QuotaKeeper
	httpClient *http.Client
	timeout    time.Duration
	newClient  func(models.NzbProvider) Searcher
	now        func() time.Time
}

type AggregatorOption func(*Aggregator)

// WithProviderTimeout bounds each provider's request independently.
func WithProviderTimeout(timeout time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithHTTPClient sets the client shared by every provider request.
func WithHTTPClient(client *http.Client) AggregatorOption {
	return func(a *Aggregator) { a.httpClient = client }
}

// WithSearcherFactory replaces how a provider's Searcher is built.
func WithSearcherFactory(fn func(models.NzbProvider) Searcher) AggregatorOption {
	return func(a *Aggregator) { a.newClient = fn }
}

// WithClock sets the time source used for quota dates.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator builds an aggregator. quota may be nil, in which case no
// limits are enforced.
func NewAggregator(providers ProviderSource, quota QuotaKeeper, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		providers: providers,
		quota:     quota,
		timeout:   defaultProviderTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.newClient == nil {
		a.newClient = func(p models.NzbProvider) Searcher {
			return NewClient(p, a.httpClient)
		}
	}
	return a
}

// Search returns the merged results of every enabled provider, highest
// priority first, each provider's hits in indexer order. The error is
// only non-nil when the provider list itself could not be loaded.
func (a *Aggregator) Search(ctx context.Context, query string) ([]models.SearchResult, error) {
	outcomes, err := a.SearchDetailed(ctx, query)
	if err != nil {
		return nil, err
	}
	return Merge(outcomes), nil
}

// SearchDetailed is Search with the per-provider outcomes kept apart,
// ordered by priority, so callers can report failures and quota skips.
func (a *Aggregator) SearchDetailed(ctx context.Context, query string) ([]Outcome, error) {
	providers, err := a.providers.Providers()
	if err != nil {
		return nil, fmt.Errorf("loading providers: %w", err)
	}

	var enabled []models.NzbProvider
	for _, p := range providers {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	// Stable, so equal priorities keep their configured order.
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority > enabled[j].Priority
	})

	start := a.now()
	outcomes := make([]Outcome, len(enabled))
	var g errgroup.Group
	for i, p := range enabled {
		g.Go(func() error {
			outcomes[i] = a.query(ctx, p, query)
			return nil
		})
	}
	_ = g.Wait()

	hits, failed := 0, 0
	for _, o := range outcomes {
		hits += len(o.Results)
		if o.Err != nil {
			failed++
		}
	}
	result := "ok"
	switch {
	case len(enabled) > 0 && failed == len(enabled):
		result = "error"
	case hits == 0:
		result = "empty"
	}
	metrics.RecordSearch(string(models.SourceNZB), result, time.Since(start).Seconds(), hits)
	log.WithFields(log.Fields{"providers": len(enabled), "failed": failed, "results": hits}).Info("Newznab search complete")
	return outcomes, nil
}

func (a *Aggregator) query(ctx context.Context, p models.NzbProvider, query string) Outcome {
	out := Outcome{Provider: p}
	logger := log.WithFields(log.Fields{"provider": p.Name, "providerId": p.ID})

	if a.quota != nil {
		ok, err := a.quota.ReserveQuota(p.ID, a.now())
		if err != nil {
			out.Err = fmt.Errorf("reserving quota: %w", err)
			logger.WithError(err).Warn("Could not reserve provider quota, skipping")
			metrics.RecordProviderRequest(p.ID, "error")
			return out
		}
		if !ok {
			out.Skipped = true
			logger.Infof("Daily API limit (%d) reached, skipping provider", p.ApiLimit)
			metrics.RecordProviderRequest(p.ID, "quota_skipped")
			return out
		}
	}

	pctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	started := time.Now()
	results, err := a.newClient(p).Search(pctx, query)
	out.Duration = time.Since(started)
	if err == nil && pctx.Err() != nil {
		// Late success after the deadline still counts as a timeout.
		err = pctx.Err()
	}
	if err != nil {
		if pctx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("%w: no answer within %s", ErrProviderUnreachable, a.timeout)
		}
		out.Err = err
		label := "error"
		switch {
		case errors.Is(err, ErrProviderUnauthorized):
			label = "unauthorized"
			logger.WithError(err).Error("Provider rejected credentials")
		case errors.Is(err, ErrProviderQuotaExceeded):
			label = "quota_exceeded"
			logger.WithError(err).Warn("Provider reports its API limit reached")
		default:
			logger.WithError(err).Warn("Provider search failed")
		}
		metrics.RecordProviderRequest(p.ID, label)
		return out
	}

	out.Results = results
	metrics.RecordProviderRequest(p.ID, "ok")
	logger.WithFields(log.Fields{"results": len(results), "took": out.Duration}).Debug("Provider answered")
	return out
}

// Merge concatenates the results of outcomes in order. Never nil.
func Merge(outcomes []Outcome) []models.SearchResult {
	merged := []models.SearchResult{}
	for _, o := range outcomes {
		merged = append(merged, o.Results...)
	}
	return merged
}
