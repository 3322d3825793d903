// Package router sends a located search result down the right retrieval
// path: a DCC request to the originating bot for IRC results, or for NZB
// results either a submission to the active download client or a direct
// fetch into the save directory.
package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"shelfseeker/internal/dcc"
	"shelfseeker/internal/downloadclient"
	"shelfseeker/internal/downloader"
	"shelfseeker/internal/helpers"
	"shelfseeker/internal/metrics"
	"shelfseeker/internal/models"
	"shelfseeker/internal/newznab"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrSourceUnavailable is returned for IRC results when no IRC session
// is configured.
var ErrSourceUnavailable = errors.New("result source is not available")

// Route names the path a download took.
type Route string

const (
	RouteDCC    Route = "dcc"
	RouteDirect Route = "direct"
	RouteClient Route = "client"
)

// Outcome describes a finished download. Submission is set for
// RouteClient, with Bytes holding the NZB's advertised size. Path, Bytes
// and Checksum describe the saved file on the other routes.
type Outcome struct {
	ResultID   string                    `json:"resultId"`
	HistoryID  string                    `json:"historyId,omitempty"`
	Route      Route                     `json:"route"`
	Path       string                    `json:"path,omitempty"`
	Bytes      int64                     `json:"bytes,omitempty"`
	Checksum   string                    `json:"checksum,omitempty"`
	Submission *downloadclient.Submission `json:"submission,omitempty"`
}

// Progress reports bytes received; total is -1 when unknown.
type Progress func(written, total int64)

// FileRequester asks IRC bots for files.
type FileRequester interface {
	RequestFile(ctx context.Context, bot, filename string, sink dcc.Sink) (*dcc.Transfer, error)
}

// Fetcher retrieves NZB documents over HTTP.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
	DownloadFile(ctx context.Context, targetDir, fallbackName, url string, progress downloader.Progress) (downloader.Result, error)
}

// DownloaderSource yields the single enabled download client, if any.
type DownloaderSource interface {
	ActiveDownloader() (models.Downloader, bool, error)
}

// HistoryRecorder persists download attempts.
type HistoryRecorder interface {
	PutHistory(models.HistoryEntry) error
}

type Router struct {
	irc          FileRequester
	fetcher      Fetcher
	downloaders  DownloaderSource
	history      HistoryRecorder
	savePath     string
	newSubmitter func(models.Downloader) (downloadclient.Submitter, error)
	onRecord     func(models.HistoryEntry)
}

type Option func(*Router)

// WithIRC enables IRC results. Without it they fail with
// ErrSourceUnavailable.
func WithIRC(requester FileRequester) Option {
	return func(r *Router) { r.irc = requester }
}

// WithHistory records every attempt.
func WithHistory(h HistoryRecorder) Option {
	return func(r *Router) { r.history = h }
}

// WithSubmitterFactory replaces how download clients are constructed.
func WithSubmitterFactory(fn func(models.Downloader) (downloadclient.Submitter, error)) Option {
	return func(r *Router) { r.newSubmitter = fn }
}

// WithHTTPClient sets the client used for download client APIs.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Router) {
		r.newSubmitter = func(d models.Downloader) (downloadclient.Submitter, error) {
			return downloadclient.New(d, client)
		}
	}
}

// OnRecord is called after each history entry is written.
func OnRecord(fn func(models.HistoryEntry)) Option {
	return func(r *Router) { r.onRecord = fn }
}

func New(savePath string, fetcher Fetcher, downloaders DownloaderSource, opts ...Option) *Router {
	r := &Router{
		fetcher:     fetcher,
		downloaders: downloaders,
		savePath:    savePath,
		newSubmitter: func(d models.Downloader) (downloadclient.Submitter, error) {
			return downloadclient.New(d, nil)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Download retrieves result and reports where it went.
func (r *Router) Download(ctx context.Context, result models.SearchResult) (Outcome, error) {
	return r.DownloadWithProgress(ctx, result, nil)
}

// DownloadWithProgress is Download with byte progress reporting for the
// DCC and direct routes.
func (r *Router) DownloadWithProgress(ctx context.Context, result models.SearchResult, progress Progress) (Outcome, error) {
	entry := r.begin(result)
	logger := log.WithFields(log.Fields{"result": result.ID, "provider": result.SourceProvider})

	var (
		out Outcome
		err error
	)
	switch ret := result.Retrieval.(type) {
	case models.IRCRetrieval:
		out, err = r.fromIRC(ctx, ret, progress)
	case models.NZBRetrieval:
		out, err = r.fromNZB(ctx, result, ret, progress)
	default:
		err = fmt.Errorf("result %s: %w", result.ID, models.ErrUnknownSource)
	}
	out.ResultID = result.ID
	out.HistoryID = entry.ID

	label := string(out.Route)
	if label == "" {
		label = "none"
	}
	if err != nil {
		logger.WithError(err).Error("Download failed")
		metrics.RecordDownload(label, "error")
		entry.Status = models.StatusError
		entry.ErrorDetail = err.Error()
		r.record(entry)
		return out, err
	}

	metrics.RecordDownload(label, "ok")
	entry.Path, entry.Bytes, entry.Checksum = out.Path, out.Bytes, out.Checksum
	entry.Status = models.StatusDownloaded
	if out.Submission != nil {
		entry.Status = models.StatusSubmitted
		entry.Client, entry.ClientJobID = out.Submission.Client, out.Submission.JobID
	}
	r.record(entry)
	logger.WithField("route", out.Route).Info("Download complete")
	return out, nil
}

func (r *Router) fromIRC(ctx context.Context, ret models.IRCRetrieval, progress Progress) (Outcome, error) {
	out := Outcome{Route: RouteDCC}
	if r.irc == nil {
		return out, fmt.Errorf("%w: irc is not configured", ErrSourceUnavailable)
	}
	sink, err := dcc.NewFileSink(r.savePath, ret.Filename)
	if err != nil {
		return out, err
	}
	tr, err := r.irc.RequestFile(ctx, ret.BotName, ret.Filename, sink)
	if err != nil {
		return out, err
	}
	for ev := range tr.Events() {
		if progress != nil && (ev.Kind == dcc.EventProgress || ev.Kind == dcc.EventCompleted) {
			progress(ev.Transferred, totalOrUnknown(ev.Total))
		}
	}
	if err := tr.Wait(); err != nil {
		return out, err
	}

	out.Path = tr.Path()
	out.Bytes = tr.Transferred()
	if out.Checksum, err = helpers.FileChecksum(out.Path); err != nil {
		log.WithError(err).Warnf("Could not checksum %s", out.Path)
	}
	return out, nil
}

func (r *Router) fromNZB(ctx context.Context, result models.SearchResult, ret models.NZBRetrieval, progress Progress) (Outcome, error) {
	active, ok, err := r.downloaders.ActiveDownloader()
	if err != nil {
		return Outcome{}, fmt.Errorf("loading download clients: %w", err)
	}
	name := nzbName(result)

	if !ok {
		out := Outcome{Route: RouteDirect}
		res, err := r.fetcher.DownloadFile(ctx, r.savePath, name, ret.URL, downloader.Progress(progress))
		if err != nil {
			return out, err
		}
		if _, err := checkNZBFile(res.Path); err != nil {
			if rmErr := os.Remove(res.Path); rmErr != nil {
				log.WithError(rmErr).Warnf("Failed to remove rejected NZB %s", res.Path)
			}
			return out, fmt.Errorf("nzb from %s: %w", result.SourceProvider, err)
		}
		out.Path, out.Bytes, out.Checksum = res.Path, res.Bytes, res.Checksum
		return out, nil
	}

	out := Outcome{Route: RouteClient}
	submitter, err := r.newSubmitter(active)
	if err != nil {
		return out, err
	}
	payload, _, err := r.fetcher.Fetch(ctx, ret.URL)
	if err != nil {
		return out, fmt.Errorf("fetching nzb for %s: %w", active.Name, err)
	}
	doc, err := newznab.ParseNZB(bytes.NewReader(payload))
	if err != nil {
		return out, fmt.Errorf("nzb from %s: %w", result.SourceProvider, err)
	}
	if title := doc.MetaValue("title"); title != "" {
		name = helpers.SanitizeFilename(title + ".nzb")
	}
	sub, err := submitter.Submit(ctx, name, payload)
	if err != nil {
		return out, err
	}
	// The client fetches the articles; report the advertised content size.
	out.Bytes = doc.TotalBytes()
	if progress != nil {
		progress(out.Bytes, totalOrUnknown(out.Bytes))
	}
	out.Submission = &sub
	return out, nil
}

// checkNZBFile parses a fetched NZB so error documents never pass for
// books.
func checkNZBFile(path string) (*newznab.NZB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return newznab.ParseNZB(f)
}

func (r *Router) begin(result models.SearchResult) models.HistoryEntry {
	now := time.Now()
	entry := models.HistoryEntry{
		ID:        uuid.NewString(),
		ResultID:  result.ID,
		Source:    result.Source(),
		Title:     result.Title,
		Author:    result.Author,
		Provider:  result.SourceProvider,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.record(entry)
	return entry
}

func (r *Router) record(entry models.HistoryEntry) {
	if r.history == nil {
		return
	}
	entry.UpdatedAt = time.Now()
	if err := r.history.PutHistory(entry); err != nil {
		log.WithError(err).Warnf("Failed to record history for %s", entry.ResultID)
		return
	}
	if r.onRecord != nil {
		r.onRecord(entry)
	}
}

// nzbName is the file name used when neither the indexer nor the client
// supplies one.
func nzbName(result models.SearchResult) string {
	name := result.Title
	if result.Author != "" {
		name = result.Author + " - " + result.Title
	}
	return helpers.SanitizeFilename(name + ".nzb")
}

func totalOrUnknown(total int64) int64 {
	if total <= 0 {
		return -1
	}
	return total
}
