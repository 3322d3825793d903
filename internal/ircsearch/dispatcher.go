package ircsearch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"shelfseeker/internal/dcc"
	"shelfseeker/internal/irc"
	"shelfseeker/internal/metrics"
	"shelfseeker/internal/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrSearchAlreadyInFlight = errors.New("an irc search is already in flight")
	ErrEmptyQuery            = errors.New("empty search query")
)

const (
	defaultTransferTimeout = 120 * time.Second
	defaultManifestLimit   = 16 * 1024 * 1024
)

// Chat is the part of an IRC session the dispatcher needs.
type Chat interface {
	Config() irc.Config
	ExpectMatch(from, command string, match func(irc.CTCPMessage) bool) (*irc.Expectation, error)
	Privmsg(ctx context.Context, target, text string) error
}

// Transferer starts inbound DCC transfers.
type Transferer interface {
	Start(ctx context.Context, offer dcc.Offer, sink dcc.Sink) *dcc.Transfer
}

// Dispatcher runs searches and file requests over one IRC session. Only
// one search may be outstanding at a time so that manifests from
// different queries cannot be confused.
type Dispatcher struct {
	chat            Chat
	engine          Transferer
	transferTimeout time.Duration
	manifestLimit   int

	inflight atomic.Bool
}

type Option func(*Dispatcher)

// WithTransferTimeout bounds how long RequestFile waits for the bot's offer.
func WithTransferTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.transferTimeout = timeout
		}
	}
}

// WithManifestLimit caps the size of a search manifest held in memory.
func WithManifestLimit(n int) Option {
	return func(d *Dispatcher) { d.manifestLimit = n }
}

func NewDispatcher(chat Chat, engine Transferer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		chat:            chat,
		engine:          engine,
		transferTimeout: defaultTransferTimeout,
		manifestLimit:   defaultManifestLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Search sends the search trigger for query and waits up to timeout for a
// bot to offer the results manifest. No offer within timeout is not an
// error: the result is an empty list. A second call while one is pending
// fails with ErrSearchAlreadyInFlight.
func (d *Dispatcher) Search(ctx context.Context, query string, timeout time.Duration) ([]models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if !d.inflight.CompareAndSwap(false, true) {
		return nil, ErrSearchAlreadyInFlight
	}
	defer d.inflight.Store(false)

	req := models.SearchRequest{
		Query:         query,
		CorrelationID: uuid.NewString(),
		IssuedAt:      time.Now(),
		Timeout:       timeout,
	}
	logger := log.WithFields(log.Fields{"query": req.Query, "correlationId": req.CorrelationID})

	results, err := d.search(ctx, req, logger)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case len(results) == 0:
		outcome = "empty"
	}
	metrics.RecordSearch(string(models.SourceIRC), outcome, time.Since(req.IssuedAt).Seconds(), len(results))
	return results, err
}

func (d *Dispatcher) search(ctx context.Context, req models.SearchRequest, logger *log.Entry) ([]models.SearchResult, error) {
	// Register before triggering so a fast bot can't beat us.
	exp, err := d.chat.ExpectMatch("", "DCC", func(msg irc.CTCPMessage) bool {
		return isSendOffer(msg) && manifestFor(sendFilename(msg.Body), req.Query)
	})
	if err != nil {
		return nil, err
	}
	defer exp.Cancel()

	cfg := d.chat.Config()
	trigger := strings.TrimSpace(cfg.SearchCommand + " " + req.Query)
	if err := d.chat.Privmsg(ctx, cfg.Channel, trigger); err != nil {
		return nil, fmt.Errorf("sending search: %w", err)
	}
	logger.Debugf("Sent %q to %s", trigger, cfg.Channel)

	waitCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	msg, err := exp.Wait(waitCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			logger.Infof("No search results offered within %s", req.Timeout)
			return []models.SearchResult{}, nil
		}
		return nil, err
	}

	offer, err := dcc.ParseOffer(msg.From, msg.Body)
	if err != nil {
		return nil, fmt.Errorf("search results from %s: %w", msg.From, err)
	}
	logger.WithFields(log.Fields{"bot": offer.From, "file": offer.Filename, "size": offer.Size}).Info("Receiving search results")

	tctx, cancelTransfer := bindToConnection(ctx, exp.ConnectionLost())
	defer cancelTransfer(nil)
	sink := dcc.NewMemorySink(d.manifestLimit)
	tr := d.engine.Start(tctx, offer, sink)
	if err := tr.Wait(); err != nil {
		return nil, fmt.Errorf("receiving search results from %s: %w", offer.From, err)
	}

	text, err := DecodeManifest(offer.Filename, sink.Bytes())
	if err != nil {
		return nil, err
	}
	results, err := ParseManifest(bytes.NewReader(text))
	if err != nil {
		return nil, err
	}
	logger.WithField("results", len(results)).Info("IRC search complete")
	return results, nil
}

// RequestFile asks bot for filename in the channel, waits for the bot's
// offer and starts receiving into sink. The returned transfer runs in the
// background; on error sink has already been discarded.
func (d *Dispatcher) RequestFile(ctx context.Context, bot, filename string, sink dcc.Sink) (*dcc.Transfer, error) {
	tr, err := d.requestFile(ctx, bot, filename, sink)
	if err != nil {
		_ = sink.Discard()
		return nil, err
	}
	return tr, nil
}

func (d *Dispatcher) requestFile(ctx context.Context, bot, filename string, sink dcc.Sink) (*dcc.Transfer, error) {
	if bot == "" || filename == "" {
		return nil, fmt.Errorf("%w: bot and filename are required", dcc.ErrInvalidOffer)
	}
	exp, err := d.chat.ExpectMatch(bot, "DCC", isSendOffer)
	if err != nil {
		return nil, err
	}
	defer exp.Cancel()

	cfg := d.chat.Config()
	if err := d.chat.Privmsg(ctx, cfg.Channel, RequestCommand(bot, filename)); err != nil {
		return nil, fmt.Errorf("requesting %s from %s: %w", filename, bot, err)
	}
	log.WithFields(log.Fields{"bot": bot, "file": filename}).Info("Requested file, waiting for offer")

	waitCtx, cancel := context.WithTimeout(ctx, d.transferTimeout)
	defer cancel()
	msg, err := exp.Wait(waitCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s did not offer %s within %s", dcc.ErrTransferTimeout, bot, filename, d.transferTimeout)
		}
		return nil, err
	}
	offer, err := dcc.ParseOffer(msg.From, msg.Body)
	if err != nil {
		return nil, err
	}

	tctx, cancelTransfer := bindToConnection(ctx, exp.ConnectionLost())
	tr := d.engine.Start(tctx, offer, sink)
	go func() {
		<-tr.Done()
		cancelTransfer(nil)
	}()
	return tr, nil
}

func isSendOffer(msg irc.CTCPMessage) bool {
	kind, _, _ := strings.Cut(strings.TrimSpace(msg.Body), " ")
	return strings.EqualFold(kind, "SEND")
}

// sendFilename is the filename of a SEND body, or "" if it does not parse.
func sendFilename(body string) string {
	offer, err := dcc.ParseOffer("", body)
	if err != nil {
		return ""
	}
	return offer.Filename
}

// manifestFor rejects manifests a search bot names after a different
// query ("SearchBot_results_for_dune.txt.zip"), such as a late reply to an
// earlier search. Names without the marker are accepted.
func manifestFor(filename, query string) bool {
	lower := strings.ToLower(filename)
	i := strings.Index(lower, "results_for")
	if i < 0 {
		return true
	}
	named := alnum(strings.TrimSuffix(strings.TrimSuffix(lower[i+len("results_for"):], ".zip"), ".txt"))
	want := alnum(strings.ToLower(query))
	if named == "" || want == "" {
		return true
	}
	// Bots truncate long queries.
	return strings.HasPrefix(want, named) || strings.HasPrefix(named, want)
}

func alnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// bindToConnection derives a context cancelled with irc.ErrConnectionLost
// when the session's connection goes away.
func bindToConnection(ctx context.Context, lost <-chan struct{}) (context.Context, context.CancelCauseFunc) {
	tctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-lost:
			cancel(irc.ErrConnectionLost)
		case <-tctx.Done():
		}
	}()
	return tctx, cancel
}
