package router

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"shelfseeker/internal/dcc"
	"shelfseeker/internal/downloadclient"
	"shelfseeker/internal/downloader"
	"shelfseeker/internal/helpers"
	"shelfseeker/internal/models"
	"shelfseeker/internal/newznab"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nzbDoc = `<?xml version="1.0"?><nzb><file subject="Dune.epub"/></nzb>`

// mockSubmitter records calls and answers with SubmitFunc.
type mockSubmitter struct {
	mu         sync.Mutex
	calls      int
	lastName   string
	lastBody   []byte
	SubmitFunc func(name string, payload []byte) (downloadclient.Submission, error)
}

func (m *mockSubmitter) Submit(_ context.Context, name string, payload []byte) (downloadclient.Submission, error) {
	m.mu.Lock()
	m.calls++
	m.lastName, m.lastBody = name, payload
	m.mu.Unlock()
	return m.SubmitFunc(name, payload)
}

func (m *mockSubmitter) TestConnection(context.Context) (string, error) { return "test", nil }

type staticDownloaders struct {
	active models.Downloader
	ok     bool
	err    error
}

func (s staticDownloaders) ActiveDownloader() (models.Downloader, bool, error) {
	return s.active, s.ok, s.err
}

type memoryHistory struct {
	mu      sync.Mutex
	entries map[string]models.HistoryEntry
	writes  []string
}

func (h *memoryHistory) PutHistory(e models.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.entries == nil {
		h.entries = map[string]models.HistoryEntry{}
	}
	h.entries[e.ID] = e
	h.writes = append(h.writes, e.Status)
	return nil
}

// requesterFunc adapts a function to FileRequester.
type requesterFunc func(ctx context.Context, bot, filename string, sink dcc.Sink) (*dcc.Transfer, error)

func (f requesterFunc) RequestFile(ctx context.Context, bot, filename string, sink dcc.Sink) (*dcc.Transfer, error) {
	return f(ctx, bot, filename, sink)
}

// dccBot serves data to one connection and closes, advertising size.
func dccBot(t *testing.T, data []byte, size int64) FileRequester {
	t.Helper()
	engine := dcc.NewEngine()
	return requesterFunc(func(ctx context.Context, bot, filename string, sink dcc.Sink) (*dcc.Transfer, error) {
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = ln.Close() })
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			_, _ = conn.Write(data)
			if int64(len(data)) < size {
				return
			}
			// Drain acknowledgements until the receiver hangs up.
			_, _ = io.Copy(io.Discard, conn)
		}()
		offer := dcc.Offer{
			Filename: filename,
			IP:       net.IPv4(127, 0, 0, 1),
			Port:     ln.Addr().(*net.TCPAddr).Port,
			Size:     size,
			From:     bot,
		}
		return engine.Start(ctx, offer, sink), nil
	})
}

func nzbServer(t *testing.T) *httptest.Server {
	return docServer(t, nzbDoc)
}

// docServer answers every request with 200 and body.
func docServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func ircResult() models.SearchResult {
	return models.SearchResult{
		ID: "irc-1", Title: "Dune", Author: "Frank Herbert", FileType: "epub", SourceProvider: "Bsk",
		Retrieval: models.IRCRetrieval{BotName: "Bsk", Filename: "Frank Herbert - Dune.epub"},
	}
}

func nzbResult(url string) models.SearchResult {
	return models.SearchResult{
		ID: "nzb-a-1", Title: "Dune", Author: "Frank Herbert", SourceProvider: "Indexer A",
		Retrieval: models.NZBRetrieval{URL: url, GUID: "g1", ProviderID: "a"},
	}
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDownloadIRCResult(t *testing.T) {
	payload := []byte("Frank Herbert - Dune, first draft")
	dir := t.TempDir()
	history := &memoryHistory{}
	r := New(dir, downloader.NewDownloader(nil), staticDownloaders{},
		WithIRC(dccBot(t, payload, int64(len(payload)))), WithHistory(history))

	var last int64
	out, err := r.DownloadWithProgress(context.Background(), ircResult(), func(written, _ int64) { last = written })
	require.NoError(t, err)

	assert.Equal(t, RouteDCC, out.Route)
	assert.Equal(t, filepath.Join(dir, "Frank Herbert - Dune.epub"), out.Path)
	assert.Equal(t, int64(33), out.Bytes)
	assert.Equal(t, int64(33), last)
	assert.True(t, helpers.VerifyChecksum(out.Path, out.Checksum))

	assert.Equal(t, []string{models.StatusPending, models.StatusDownloaded}, history.writes)
	entry := history.entries[out.HistoryID]
	assert.Equal(t, models.SourceIRC, entry.Source)
	assert.Equal(t, out.Path, entry.Path)
}

func TestDownloadIRCIncompleteLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	history := &memoryHistory{}
	r := New(dir, downloader.NewDownloader(nil), staticDownloaders{},
		WithIRC(dccBot(t, []byte("0123456789"), 33)), WithHistory(history))

	out, err := r.Download(context.Background(), ircResult())
	assert.ErrorIs(t, err, dcc.ErrTransferIncomplete)
	assert.Empty(t, dirNames(t, dir))

	entry := history.entries[out.HistoryID]
	assert.Equal(t, models.StatusError, entry.Status)
	assert.NotEmpty(t, entry.ErrorDetail)
}

func TestDownloadIRCWithoutSession(t *testing.T) {
	r := New(t.TempDir(), downloader.NewDownloader(nil), staticDownloaders{})
	_, err := r.Download(context.Background(), ircResult())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestDownloadNZBDirectWhenNoClientEnabled(t *testing.T) {
	srv := nzbServer(t)
	dir := t.TempDir()
	sub := &mockSubmitter{}
	r := New(dir, downloader.NewDownloader(srv.Client()), staticDownloaders{},
		WithSubmitterFactory(func(models.Downloader) (downloadclient.Submitter, error) { return sub, nil }))

	out, err := r.Download(context.Background(), nzbResult(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, RouteDirect, out.Route)
	assert.Equal(t, filepath.Join(dir, "Frank Herbert - Dune.nzb"), out.Path)
	assert.Equal(t, int64(len(nzbDoc)), out.Bytes)
	assert.Nil(t, out.Submission)
	assert.Zero(t, sub.calls, "no client is contacted without an enabled downloader")
}

func TestDownloadNZBSubmitsToActiveClient(t *testing.T) {
	srv := nzbServer(t)
	dir := t.TempDir()
	history := &memoryHistory{}
	sub := &mockSubmitter{SubmitFunc: func(string, []byte) (downloadclient.Submission, error) {
		return downloadclient.Submission{Client: "nzbget", JobID: "42"}, nil
	}}
	var built models.Downloader
	active := models.Downloader{ID: "nzbget", Name: "Home NZBGet", Type: models.DownloaderNZBGet, Host: "http://x", Enabled: true}
	r := New(dir, downloader.NewDownloader(srv.Client()), staticDownloaders{active: active, ok: true},
		WithHistory(history),
		WithSubmitterFactory(func(d models.Downloader) (downloadclient.Submitter, error) {
			built = d
			return sub, nil
		}))

	out, err := r.Download(context.Background(), nzbResult(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, RouteClient, out.Route)
	require.NotNil(t, out.Submission)
	assert.Equal(t, "42", out.Submission.JobID)
	assert.Equal(t, "nzbget", built.ID)
	assert.Equal(t, 1, sub.calls)
	assert.Equal(t, "Frank Herbert - Dune.nzb", sub.lastName)
	assert.Equal(t, nzbDoc, string(sub.lastBody))
	assert.Empty(t, dirNames(t, dir), "submitted payloads are not written locally")

	entry := history.entries[out.HistoryID]
	assert.Equal(t, models.StatusSubmitted, entry.Status)
	assert.Equal(t, "42", entry.ClientJobID)
}

const credentialsError = `<?xml version="1.0" encoding="UTF-8"?><error code="100" description="Incorrect user credentials"/>`

func TestDownloadNZBErrorDocumentDirect(t *testing.T) {
	srv := docServer(t, credentialsError)
	dir := t.TempDir()
	history := &memoryHistory{}
	r := New(dir, downloader.NewDownloader(srv.Client()), staticDownloaders{}, WithHistory(history))

	out, err := r.DownloadWithProgress(context.Background(), nzbResult(srv.URL), nil)
	require.ErrorIs(t, err, newznab.ErrProviderUnauthorized)
	assert.Equal(t, RouteDirect, out.Route)
	assert.Empty(t, out.Path)
	assert.Empty(t, dirNames(t, dir), "error documents are not kept as books")
	assert.Equal(t, models.StatusError, history.entries[out.HistoryID].Status)
}

func TestDownloadNZBErrorDocumentNotSubmitted(t *testing.T) {
	srv := docServer(t, credentialsError)
	sub := &mockSubmitter{}
	r := New(t.TempDir(), downloader.NewDownloader(srv.Client()),
		staticDownloaders{active: models.Downloader{ID: "sab", Type: models.DownloaderSABnzbd}, ok: true},
		WithSubmitterFactory(func(models.Downloader) (downloadclient.Submitter, error) { return sub, nil }))

	_, err := r.Download(context.Background(), nzbResult(srv.URL))
	require.ErrorIs(t, err, newznab.ErrProviderUnauthorized)
	assert.Zero(t, sub.calls)
}

func TestDownloadNZBSubmissionUsesDocumentTitleAndSize(t *testing.T) {
	doc := `<?xml version="1.0"?>
<nzb xmlns="http://www.newzbin.com/DTD/2003/nzb">
  <head><meta type="title">Frank Herbert - Dune (1965)</meta></head>
  <file subject="Dune.epub (1/2)">
    <segments>
      <segment bytes="700" number="1">a@x</segment>
      <segment bytes="300" number="2">b@x</segment>
    </segments>
  </file>
</nzb>`
	srv := docServer(t, doc)
	sub := &mockSubmitter{SubmitFunc: func(string, []byte) (downloadclient.Submission, error) {
		return downloadclient.Submission{Client: "sabnzbd", JobID: "SABnzbd_nzo_1"}, nil
	}}
	r := New(t.TempDir(), downloader.NewDownloader(srv.Client()),
		staticDownloaders{active: models.Downloader{ID: "sab", Type: models.DownloaderSABnzbd}, ok: true},
		WithSubmitterFactory(func(models.Downloader) (downloadclient.Submitter, error) { return sub, nil }))

	var reported [2]int64
	out, err := r.DownloadWithProgress(context.Background(), nzbResult(srv.URL), func(written, total int64) {
		reported = [2]int64{written, total}
	})
	require.NoError(t, err)
	assert.Equal(t, "Frank Herbert - Dune (1965).nzb", sub.lastName)
	assert.Equal(t, int64(1000), out.Bytes)
	assert.Equal(t, [2]int64{1000, 1000}, reported)
}

func TestDownloadNZBRejectionPassedThrough(t *testing.T) {
	srv := nzbServer(t)
	sub := &mockSubmitter{SubmitFunc: func(string, []byte) (downloadclient.Submission, error) {
		return downloadclient.Submission{}, &downloadclient.RejectedError{Client: "sabnzbd", Message: "Duplicate NZB"}
	}}
	r := New(t.TempDir(), downloader.NewDownloader(srv.Client()),
		staticDownloaders{active: models.Downloader{ID: "sab", Type: models.DownloaderSABnzbd}, ok: true},
		WithSubmitterFactory(func(models.Downloader) (downloadclient.Submitter, error) { return sub, nil }))

	out, err := r.Download(context.Background(), nzbResult(srv.URL))
	assert.ErrorIs(t, err, downloadclient.ErrSubmissionRejected)
	var rejected *downloadclient.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Duplicate NZB", rejected.Message)
	assert.Equal(t, RouteClient, out.Route)
}

func TestDownloadNZBClientLookupFails(t *testing.T) {
	boom := errors.New("database closed")
	r := New(t.TempDir(), downloader.NewDownloader(nil), staticDownloaders{err: boom})
	_, err := r.Download(context.Background(), nzbResult("http://unused"))
	assert.ErrorIs(t, err, boom)
}

func TestDownloadUnknownSource(t *testing.T) {
	r := New(t.TempDir(), downloader.NewDownloader(nil), staticDownloaders{})
	_, err := r.Download(context.Background(), models.SearchResult{ID: "x"})
	assert.ErrorIs(t, err, models.ErrUnknownSource)
}
