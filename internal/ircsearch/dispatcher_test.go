package ircsearch

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"shelfseeker/internal/dcc"
	"shelfseeker/internal/irc"
	"shelfseeker/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type harness struct {
	srv        *testutil.IRCServer
	session    *irc.Session
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	srv := testutil.NewIRCServer(t, "#books")
	session := irc.NewSession(irc.Config{
		Server:            srv.Host(),
		Port:              srv.Port(),
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

	return &harness{
		srv:        srv,
		session:    session,
		dispatcher: NewDispatcher(session, dcc.NewEngine(), opts...),
	}
}

// searchBot answers "@search" in the channel with manifest.
func (h *harness) searchBot(manifestName, manifest string, gate <-chan struct{}) {
	h.srv.OnPrivmsg(func(c *testutil.IRCConn, target, text string) {
		if target != "#books" || !strings.HasPrefix(text, "@search ") {
			return
		}
		if gate != nil {
			<-gate
		}
		_ = c.OfferFile("Search", manifestName, []byte(manifest), int64(len(manifest)))
	})
}

// bookBot answers "!Bsk <file>" with size advertised and data served.
func (h *harness) bookBot(data []byte, size int64) {
	h.srv.OnPrivmsg(func(c *testutil.IRCConn, target, text string) {
		if !strings.HasPrefix(text, "!Bsk ") {
			return
		}
		_ = c.OfferFile("Bsk", strings.TrimPrefix(text, "!Bsk "), data, size)
	})
}

func TestSearchReturnsManifestResults(t *testing.T) {
	h := newHarness(t)
	h.searchBot("SearchOok_results_for_dune.txt", duneManifest, nil)

	results, err := h.dispatcher.Search(context.Background(), "dune", waitTimeout)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "Bsk", results[0].SourceProvider)

	line, ok := h.srv.WaitForLine("PRIVMSG #books", waitTimeout)
	require.True(t, ok)
	assert.Equal(t, "PRIVMSG #books :@search dune", line)
}

func TestSearchWithoutOfferReturnsEmpty(t *testing.T) {
	h := newHarness(t)

	start := time.Now()
	results, err := h.dispatcher.Search(context.Background(), "nothing matches this", 200*time.Millisecond)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestSearchRejectsConcurrentSearch(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.searchBot("results.txt", duneManifest, gate)

	type outcome struct {
		n   int
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.dispatcher.Search(context.Background(), "dune", waitTimeout)
		first <- outcome{len(res), err}
	}()
	_, ok := h.srv.WaitForLine("PRIVMSG #books :@search dune", waitTimeout)
	require.True(t, ok)

	_, err := h.dispatcher.Search(context.Background(), "foundation", waitTimeout)
	assert.ErrorIs(t, err, ErrSearchAlreadyInFlight)

	close(gate)
	got := testutil.RequireReceive(t, first, waitTimeout)
	require.NoError(t, got.err)
	assert.Equal(t, 3, got.n)

	// Once the first search is done, a new one is accepted.
	res, err := h.dispatcher.Search(context.Background(), "dune", waitTimeout)
	require.NoError(t, err)
	assert.Len(t, res, 3)
}

func TestSearchConcurrentCallersNeverInterleave(t *testing.T) {
	h := newHarness(t)
	h.searchBot("results.txt", duneManifest, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.dispatcher.Search(context.Background(), "dune", waitTimeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrSearchAlreadyInFlight)
				rejected++
				return
			}
			assert.Len(t, res, 3)
			succeeded++
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, succeeded, 1)
	assert.Equal(t, 5, succeeded+rejected)
}

func TestSearchZippedManifest(t *testing.T) {
	h := newHarness(t)
	var zipped bytes.Buffer
	writeZip(t, &zipped, "results.txt", duneManifest)
	h.searchBot("SearchOok_results_for_dune.txt.zip", zipped.String(), nil)

	results, err := h.dispatcher.Search(context.Background(), "dune", waitTimeout)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearchCancelledByCaller(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _ = h.srv.WaitForLine("PRIVMSG #books", waitTimeout)
		cancel()
	}()

	_, err := h.dispatcher.Search(ctx, "dune", waitTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearchFailsWhenConnectionLost(t *testing.T) {
	h := newHarness(t)
	go func() {
		_, _ = h.srv.WaitForLine("PRIVMSG #books", waitTimeout)
		h.srv.DropAll()
	}()

	_, err := h.dispatcher.Search(context.Background(), "dune", waitTimeout)
	assert.ErrorIs(t, err, irc.ErrConnectionLost)
}

func TestSearchRequiresJoinedSession(t *testing.T) {
	session := irc.NewSession(irc.Config{Server: "127.0.0.1", Nick: "reader", Channel: "#books"})
	d := NewDispatcher(session, dcc.NewEngine())

	_, err := d.Search(context.Background(), "dune", time.Second)
	assert.ErrorIs(t, err, irc.ErrNotConnected)

	_, err = d.Search(context.Background(), "   ", time.Second)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestRequestFileCompletes(t *testing.T) {
	h := newHarness(t)
	payload := []byte("Frank Herbert - Dune, first draft")
	h.bookBot(payload, int64(len(payload)))

	dir := t.TempDir()
	sink, err := dcc.NewFileSink(dir, "Frank Herbert - Dune.epub")
	require.NoError(t, err)

	tr, err := h.dispatcher.RequestFile(context.Background(), "Bsk", "Frank Herbert - Dune.epub", sink)
	require.NoError(t, err)
	require.NoError(t, tr.Wait())

	line, ok := h.srv.WaitForLine("PRIVMSG #books :!Bsk", waitTimeout)
	require.True(t, ok)
	assert.Equal(t, "PRIVMSG #books :!Bsk Frank Herbert - Dune.epub", line)

	got, err := os.ReadFile(tr.Path())
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRequestFileIncompleteLeavesNothing(t *testing.T) {
	h := newHarness(t)
	h.bookBot([]byte("0123456789"), 33)

	dir := t.TempDir()
	sink, err := dcc.NewFileSink(dir, "short.epub")
	require.NoError(t, err)

	tr, err := h.dispatcher.RequestFile(context.Background(), "Bsk", "short.epub", sink)
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Wait(), dcc.ErrTransferIncomplete)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRequestFileOfferTimeout(t *testing.T) {
	h := newHarness(t, WithTransferTimeout(200*time.Millisecond))

	dir := t.TempDir()
	sink, err := dcc.NewFileSink(dir, "never.epub")
	require.NoError(t, err)

	_, err = h.dispatcher.RequestFile(context.Background(), "Bsk", "never.epub", sink)
	assert.ErrorIs(t, err, dcc.ErrTransferTimeout)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "sink should be discarded")
}

func TestSearchSkipsChatAndStaleOffers(t *testing.T) {
	h := newHarness(t)
	stale := "!Bsk Isaac Asimov - Foundation.epub ::INFO:: 600KB\r\n"
	h.srv.OnPrivmsg(func(c *testutil.IRCConn, target, text string) {
		if !strings.HasPrefix(text, "@search ") {
			return
		}
		c.Send(":Search!bot@bots.test.local PRIVMSG %s :\x01DCC CHAT chat 2130706433 5000\x01", c.Nick())
		_ = c.OfferFile("Search", "SearchOok_results_for_foundation.txt", []byte(stale), int64(len(stale)))
		_ = c.OfferFile("Search", "SearchOok_results_for_dune.txt", []byte(duneManifest), int64(len(duneManifest)))
	})

	results, err := h.dispatcher.Search(context.Background(), "dune", waitTimeout)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NotContains(t, r.Title, "Foundation")
	}
}

func TestManifestFor(t *testing.T) {
	tests := []struct {
		filename string
		query    string
		want     bool
	}{
		{"SearchOok_results_for_dune.txt.zip", "dune", true},
		{"SearchBot_results_for_ dune messiah.txt.zip", "Dune Messiah", true},
		{"SearchBot_results_for_frank herbert dun.txt", "frank herbert dune", true},
		{"SearchOok_results_for_foundation.txt", "dune", false},
		{"results.txt", "dune", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, manifestFor(tt.filename, tt.query), "%s / %s", tt.filename, tt.query)
	}
}

// stallReader blocks until its channel closes.
type stallReader chan struct{}

func (r stallReader) Read([]byte) (int, error) {
	<-r
	return 0, io.EOF
}

func TestRequestFileFailsWhenConnectionLostMidTransfer(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.srv.OnPrivmsg(func(c *testutil.IRCConn, target, text string) {
		if !strings.HasPrefix(text, "!Bsk ") {
			return
		}
		src := io.MultiReader(strings.NewReader("0123456789"), stallReader(release))
		_ = c.OfferStream("Bsk", strings.TrimPrefix(text, "!Bsk "), src, 33)
	})

	dir := t.TempDir()
	sink, err := dcc.NewFileSink(dir, "stalled.epub")
	require.NoError(t, err)
	tr, err := h.dispatcher.RequestFile(context.Background(), "Bsk", "stalled.epub", sink)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.Transferred() == 10 }, waitTimeout, 5*time.Millisecond)

	h.srv.DropAll()
	waitErr := make(chan error, 1)
	go func() { waitErr <- tr.Wait() }()
	err = testutil.RequireReceive(t, waitErr, waitTimeout, "transfer still running after the connection dropped")
	assert.ErrorIs(t, err, irc.ErrConnectionLost)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
