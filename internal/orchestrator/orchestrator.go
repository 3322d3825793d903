// Package orchestrator ties the search sources and the download router
// together. An Orchestrator is built explicitly by the process entry point
// and handed to whatever needs it; there is no package-level instance.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shelfseeker/index"
	"shelfseeker/internal/models"
	"shelfseeker/internal/newznab"
	"shelfseeker/internal/router"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSources  = errors.New("no search sources configured")
	ErrAllFailed  = errors.New("every search source failed")
	ErrNoRouter   = errors.New("downloads are not configured")
	ErrEmptyQuery = errors.New("empty search query")
)

const defaultTimeout = 60 * time.Second

// IRCSearcher runs a channel search.
type IRCSearcher interface {
	Search(ctx context.Context, query string, timeout time.Duration) ([]models.SearchResult, error)
}

// NZBSearcher queries Newznab providers.
type NZBSearcher interface {
	SearchDetailed(ctx context.Context, query string) ([]newznab.Outcome, error)
}

// Downloader routes a result to its retrieval path.
type Downloader interface {
	DownloadWithProgress(ctx context.Context, result models.SearchResult, progress router.Progress) (router.Outcome, error)
}

// ResultStore keeps located results so they can be downloaded by ID.
type ResultStore interface {
	PutResults(results []models.SearchResult) error
	GetResult(id string) (models.SearchResult, error)
}

// Report is the unified answer to a query. Results lists IRC hits first,
// then Newznab hits in provider priority order. Source errors are kept
// here rather than failing the search.
type Report struct {
	Query     string
	Results   []models.SearchResult
	IRCCount  int
	IRCErr    error
	NZBErr    error
	Providers []newznab.Outcome
	Duration  time.Duration
}

// Failed lists the sources that returned an error.
func (r Report) Failed() []string {
	var failed []string
	if r.IRCErr != nil {
		failed = append(failed, "irc")
	}
	if r.NZBErr != nil {
		failed = append(failed, "nzb")
	}
	for _, o := range r.Providers {
		if o.Err != nil {
			failed = append(failed, o.Provider.ID)
		}
	}
	return failed
}

type Orchestrator struct {
	irc           IRCSearcher
	nzb           NZBSearcher
	router        Downloader
	store         ResultStore
	index         bleve.Index
	searchTimeout time.Duration
}

type Option func(*Orchestrator)

func WithIRC(s IRCSearcher) Option { return func(o *Orchestrator) { o.irc = s } }

func WithNewznab(s NZBSearcher) Option { return func(o *Orchestrator) { o.nzb = s } }

func WithRouter(d Downloader) Option { return func(o *Orchestrator) { o.router = d } }

// WithStore persists every located result.
func WithStore(s ResultStore) Option { return func(o *Orchestrator) { o.store = s } }

// WithIndex adds located results to a bleve index.
func WithIndex(idx bleve.Index) Option { return func(o *Orchestrator) { o.index = idx } }

// WithSearchTimeout bounds how long an IRC search waits for the manifest.
func WithSearchTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.searchTimeout = d
		}
	}
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{searchTimeout: defaultTimeout}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Search queries IRC and the Newznab providers concurrently and waits for
// both. It fails only when no source is configured or every configured
// source failed.
func (o *Orchestrator) Search(ctx context.Context, query string) (Report, error) {
	query = strings.TrimSpace(query)
	report := Report{Query: query, Results: []models.SearchResult{}}
	if query == "" {
		return report, ErrEmptyQuery
	}
	if o.irc == nil && o.nzb == nil {
		return report, ErrNoSources
	}
	start := time.Now()
	logger := log.WithField("query", query)

	var ircResults []models.SearchResult
	var g errgroup.Group
	if o.irc != nil {
		g.Go(func() error {
			ircResults, report.IRCErr = o.irc.Search(ctx, query, o.searchTimeout)
			if report.IRCErr != nil {
				logger.WithError(report.IRCErr).Warn("IRC search failed")
			}
			return nil
		})
	}
	if o.nzb != nil {
		g.Go(func() error {
			report.Providers, report.NZBErr = o.nzb.SearchDetailed(ctx, query)
			if report.NZBErr != nil {
				logger.WithError(report.NZBErr).Warn("Newznab search failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	report.IRCCount = len(ircResults)
	report.Results = append(report.Results, ircResults...)
	report.Results = append(report.Results, newznab.Merge(report.Providers)...)
	report.Duration = time.Since(start)

	if o.allFailed(report) {
		return report, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(report.IRCErr, report.NZBErr, providerErrors(report.Providers)))
	}
	o.remember(query, report.Results)
	logger.WithFields(log.Fields{"irc": report.IRCCount, "nzb": len(report.Results) - report.IRCCount}).
		Infof("Search complete in %s", report.Duration.Round(time.Millisecond))
	return report, nil
}

func (o *Orchestrator) allFailed(r Report) bool {
	ircFailed := o.irc == nil || r.IRCErr != nil
	nzbFailed := o.nzb == nil || r.NZBErr != nil
	if o.nzb != nil && r.NZBErr == nil && len(r.Providers) > 0 {
		nzbFailed = true
		for _, p := range r.Providers {
			if p.Err == nil {
				nzbFailed = false
				break
			}
		}
	}
	return ircFailed && nzbFailed
}

func providerErrors(outcomes []newznab.Outcome) error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Provider.ID, o.Err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) remember(query string, results []models.SearchResult) {
	if o.store != nil {
		if err := o.store.PutResults(results); err != nil {
			log.WithError(err).Warn("Failed to store search results")
		}
	}
	if o.index != nil {
		if err := index.IndexResults(o.index, query, results); err != nil {
			log.WithError(err).Warn("Failed to index search results")
		}
	}
}

// Download retrieves one result.
func (o *Orchestrator) Download(ctx context.Context, result models.SearchResult) (router.Outcome, error) {
	return o.DownloadWithProgress(ctx, result, nil)
}

// DownloadWithProgress is Download with progress reporting.
func (o *Orchestrator) DownloadWithProgress(ctx context.Context, result models.SearchResult, progress router.Progress) (router.Outcome, error) {
	if o.router == nil {
		return router.Outcome{}, ErrNoRouter
	}
	return o.router.DownloadWithProgress(ctx, result, progress)
}

// Result looks up a previously located result by ID.
func (o *Orchestrator) Result(id string) (models.SearchResult, error) {
	if o.store == nil {
		return models.SearchResult{}, fmt.Errorf("result %s: no result store", id)
	}
	return o.store.GetResult(id)
}

// DownloadByID looks up a stored result and downloads it.
func (o *Orchestrator) DownloadByID(ctx context.Context, id string, progress router.Progress) (router.Outcome, error) {
	result, err := o.Result(id)
	if err != nil {
		return router.Outcome{}, err
	}
	return o.DownloadWithProgress(ctx, result, progress)
}
