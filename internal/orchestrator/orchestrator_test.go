package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shelfseeker/index"
	"shelfseeker/internal/database"
	"shelfseeker/internal/dcc"
	"shelfseeker/internal/downloader"
	"shelfseeker/internal/irc"
	"shelfseeker/internal/ircsearch"
	"shelfseeker/internal/models"
	"shelfseeker/internal/newznab"
	"shelfseeker/internal/router"
	"shelfseeker/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

const duneManifest = "Search results from SearchOok v3.0, for: dune\r\n" +
	"!Bsk Frank Herbert - Dune.epub ::INFO:: 1.2MB\r\n" +
	"!Oatmeal Frank Herbert - Dune Messiah.mobi ::INFO:: 850KB\r\n" +
	"!Bsk Brian Herbert - Dune - House Atreides.azw3 ::INFO:: 2 MB\r\n"

const duneFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:newznab="http://www.newznab.com/DTD/2010/feeds/attributes/">
<channel>
  <item>
    <title>Frank Herbert - Dune [EPUB]</title>
    <guid isPermaLink="false">a1</guid>
    <enclosure url="%[1]s/getnzb/a1.nzb" length="1258291" type="application/x-nzb"/>
  </item>
  <item>
    <title>Frank Herbert - Children of Dune</title>
    <guid isPermaLink="false">b2</guid>
    <enclosure url="%[1]s/getnzb/b2.nzb" length="900000" type="application/x-nzb"/>
  </item>
</channel>
</rss>`

type fixture struct {
	srv     *testutil.IRCServer
	store   *database.Store
	indexer *httptest.Server
	orch    *Orchestrator
	saveDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{saveDir: t.TempDir()}

	f.srv = testutil.NewIRCServer(t, "#books")
	session := irc.NewSession(irc.Config{
		Server:            f.srv.Host(),
		Port:              f.srv.Port(),
		Nick:              "reader",
		Channel:           "#books",
		SearchCommand:     "@search",
		ReconnectDelay:    -1,
		MessagesPerSecond: 100,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	readyCtx, readyCancel := context.WithTimeout(context.Background(), waitTimeout)
	defer readyCancel()
	require.NoError(t, session.WaitReady(readyCtx))

	db, err := database.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	f.store = database.NewStore(db)

	f.indexer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("t") != "search" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, duneFeed, "http://"+r.Host)
	}))
	t.Cleanup(f.indexer.Close)
	require.NoError(t, f.store.PutProvider(models.NzbProvider{
		ID: "alpha", Name: "Alpha Indexer", URL: f.indexer.URL, ApiKey: "k", Priority: 1, Enabled: true, ApiLimit: 100,
	}))

	idx, err := index.OpenOrCreateIndex(filepath.Join(t.TempDir(), "index.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	dispatcher := ircsearch.NewDispatcher(session, dcc.NewEngine(), ircsearch.WithTransferTimeout(2*time.Second))
	aggregator := newznab.NewAggregator(f.store, f.store, newznab.WithHTTPClient(f.indexer.Client()))
	rt := router.New(f.saveDir, downloader.NewDownloader(f.indexer.Client()), f.store,
		router.WithIRC(dispatcher), router.WithHistory(f.store))

	f.orch = New(
		WithIRC(dispatcher),
		WithNewznab(aggregator),
		WithRouter(rt),
		WithStore(f.store),
		WithIndex(idx),
		WithSearchTimeout(waitTimeout),
	)
	return f
}

func (f *fixture) bots(book []byte, bookSize int64) {
	f.srv.OnPrivmsg(func(c *testutil.IRCConn, target, text string) {
		switch {
		case strings.HasPrefix(text, "@search "):
			_ = c.OfferFile("Search", "SearchOok_results_for_dune.txt", []byte(duneManifest), int64(len(duneManifest)))
		case strings.HasPrefix(text, "!Bsk "):
			_ = c.OfferFile("Bsk", strings.TrimPrefix(text, "!Bsk "), book, bookSize)
		}
	})
}

func TestSearchMergesIRCAndNewznab(t *testing.T) {
	f := newFixture(t)
	f.bots(nil, 0)

	report, err := f.orch.Search(context.Background(), "dune")
	require.NoError(t, err)
	require.Len(t, report.Results, 5)
	assert.Equal(t, 3, report.IRCCount)
	assert.NoError(t, report.IRCErr)
	assert.Empty(t, report.Failed())

	for i, r := range report.Results {
		if i < 3 {
			assert.Equal(t, models.SourceIRC, r.Source(), r.Title)
			assert.Contains(t, []string{"Bsk", "Oatmeal"}, r.SourceProvider)
		} else {
			assert.Equal(t, models.SourceNZB, r.Source(), r.Title)
			assert.Equal(t, "Alpha Indexer", r.SourceProvider)
		}
	}
	assert.Equal(t, "Dune", report.Results[3].Title)
	assert.Equal(t, "Children of Dune", report.Results[4].Title)

	stored, err := f.orch.Result(report.Results[4].ID)
	require.NoError(t, err)
	nzb, ok := stored.NZB()
	require.True(t, ok)
	assert.Equal(t, "alpha", nzb.ProviderID)

	p, err := f.store.Provider("alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, p.RequestsToday)
}

func TestSearchSurvivesIndexerFailure(t *testing.T) {
	f := newFixture(t)
	f.bots(nil, 0)
	f.indexer.Close()

	report, err := f.orch.Search(context.Background(), "dune")
	require.NoError(t, err)
	assert.Len(t, report.Results, 3)
	require.Len(t, report.Providers, 1)
	assert.ErrorIs(t, report.Providers[0].Err, newznab.ErrProviderUnreachable)
	assert.Equal(t, []string{"alpha"}, report.Failed())
}

func TestDownloadIRCResultEndToEnd(t *testing.T) {
	f := newFixture(t)
	book := []byte("Frank Herbert - Dune, first draft")
	f.bots(book, int64(len(book)))

	report, err := f.orch.Search(context.Background(), "dune")
	require.NoError(t, err)

	out, err := f.orch.DownloadByID(context.Background(), report.Results[0].ID, nil)
	require.NoError(t, err)
	assert.Equal(t, router.RouteDCC, out.Route)
	data, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, book, data)

	h, err := f.store.GetHistory(out.HistoryID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDownloaded, h.Status)
	assert.Equal(t, out.Checksum, h.Checksum)
}

func TestDownloadIncompleteTransferLeavesNoFile(t *testing.T) {
	f := newFixture(t)
	f.bots([]byte("0123456789"), 33)

	report, err := f.orch.Search(context.Background(), "dune")
	require.NoError(t, err)

	_, err = f.orch.Download(context.Background(), report.Results[0])
	assert.ErrorIs(t, err, dcc.ErrTransferIncomplete)

	entries, err := os.ReadDir(f.saveDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial artifact is left behind")
}

func TestDownloadNZBResultDirect(t *testing.T) {
	f := newFixture(t)
	f.bots(nil, 0)

	report, err := f.orch.Search(context.Background(), "dune")
	require.NoError(t, err)

	// The fixture indexer 404s for NZB fetches.
	_, err = f.orch.Download(context.Background(), report.Results[3])
	assert.ErrorIs(t, err, downloader.ErrHttpStatus)
}

type failingIRC struct{ err error }

func (f failingIRC) Search(context.Context, string, time.Duration) ([]models.SearchResult, error) {
	return nil, f.err
}

func TestSearchFailsOnlyWhenEverySourceFails(t *testing.T) {
	lost := fmt.Errorf("search: %w", irc.ErrConnectionLost)

	_, err := New(WithIRC(failingIRC{err: lost})).Search(context.Background(), "dune")
	assert.ErrorIs(t, err, ErrAllFailed)
	assert.ErrorIs(t, err, irc.ErrConnectionLost)

	_, err = New().Search(context.Background(), "dune")
	assert.ErrorIs(t, err, ErrNoSources)

	_, err = New(WithIRC(failingIRC{})).Search(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = New().Download(context.Background(), models.SearchResult{})
	assert.True(t, errors.Is(err, ErrNoRouter))
}
