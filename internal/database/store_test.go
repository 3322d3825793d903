package database

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shelfseeker/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "shelfseeker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestDBCompressesValues(t *testing.T) {
	store := openTestStore(t)
	value := []byte("a value that is long enough to be worth compressing, compressing, compressing")
	require.NoError(t, store.DB().Put([]byte("k"), value))

	got, err := store.DB().Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, value, got)

	_, err = store.DB().Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DB().Delete([]byte("missing")), ErrNotFound)
}

func TestReserveQuota(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.PutProvider(models.NzbProvider{ID: "alpha", Name: "Alpha", ApiLimit: 2, Enabled: true}))
	day := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		ok, err := store.ReserveQuota("alpha", day)
		require.NoError(t, err)
		assert.True(t, ok, "request %d is within the limit", i+1)
	}
	ok, err := store.ReserveQuota("alpha", day)
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := store.Provider("alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, p.RequestsToday, "a skipped request is not counted")
	assert.Equal(t, "2025-03-01", p.LastResetDate)

	// Next UTC day the counter starts over.
	ok, err = store.ReserveQuota("alpha", day.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	p, err = store.Provider("alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, p.RequestsToday)
	assert.Equal(t, "2025-03-02", p.LastResetDate)
}

func TestReserveQuotaUnlimitedAndUnknown(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.PutProvider(models.NzbProvider{ID: "free", Enabled: true}))
	now := time.Now()
	for i := 0; i < 5; i++ {
		ok, err := store.ReserveQuota("free", now)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	_, err := store.ReserveQuota("nope", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReserveQuotaConcurrent(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.PutProvider(models.NzbProvider{ID: "alpha", ApiLimit: 10}))
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ReserveQuota("alpha", now)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, granted)
}

func TestResetQuota(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()
	require.NoError(t, store.PutProvider(models.NzbProvider{ID: "alpha", ApiLimit: 1}))
	ok, err := store.ReserveQuota("alpha", now)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.ResetQuota("alpha", now))
	ok, err = store.ReserveQuota("alpha", now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncProvidersKeepsCounters(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()
	require.NoError(t, store.PutProvider(models.NzbProvider{ID: "alpha", Name: "Old", ApiLimit: 5}))
	_, err := store.ReserveQuota("alpha", now)
	require.NoError(t, err)

	n, err := store.SyncProviders([]models.NzbProvider{
		{ID: "alpha", Name: "Alpha", URL: "https://alpha.test", ApiLimit: 50, Priority: 1, Enabled: true},
		{ID: "beta", Name: "Beta", URL: "https://beta.test", Priority: 5, Enabled: true},
		{Name: "no id"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	providers, err := store.Providers()
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "beta", providers[0].ID, "higher priority first")
	assert.Equal(t, "Alpha", providers[1].Name)
	assert.Equal(t, 50, providers[1].ApiLimit)
	assert.Equal(t, 1, providers[1].RequestsToday)
}

func TestAtMostOneDownloaderEnabled(t *testing.T) {
	store := openTestStore(t)
	nzbget := models.Downloader{ID: "nzbget", Type: models.DownloaderNZBGet, Host: "http://localhost:6789", Enabled: true}
	sab := models.Downloader{ID: "sab", Type: models.DownloaderSABnzbd, Host: "http://localhost:8080"}

	require.NoError(t, store.PutDownloader(nzbget))
	require.NoError(t, store.PutDownloader(sab))
	active, ok, err := store.ActiveDownloader()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "nzbget", active.ID)

	// Enabling sab disables nzbget in the same write.
	sab.Enabled = true
	require.NoError(t, store.PutDownloader(sab))
	assertSingleEnabled(t, store, "sab")

	require.NoError(t, store.SetActiveDownloader("nzbget"))
	assertSingleEnabled(t, store, "nzbget")

	assert.ErrorIs(t, store.SetActiveDownloader("missing"), ErrNotFound)
	assertSingleEnabled(t, store, "nzbget")

	require.NoError(t, store.SetActiveDownloader(""))
	_, ok, err = store.ActiveDownloader()
	require.NoError(t, err)
	assert.False(t, ok, "no downloader enabled means direct download")
}

func TestSyncDownloadersFirstEnabledWins(t *testing.T) {
	store := openTestStore(t)
	n, err := store.SyncDownloaders([]models.Downloader{
		{ID: "a", Type: models.DownloaderNZBGet, Enabled: true},
		{ID: "b", Type: models.DownloaderSABnzbd, Enabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assertSingleEnabled(t, store, "a")
}

func TestConcurrentActivationKeepsInvariant(t *testing.T) {
	store := openTestStore(t)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		require.NoError(t, store.PutDownloader(models.Downloader{ID: id, Type: models.DownloaderNZBGet}))
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, store.SetActiveDownloader(id))
		}(ids[i%len(ids)])
	}
	wg.Wait()

	list, err := store.Downloaders()
	require.NoError(t, err)
	enabled := 0
	for _, d := range list {
		if d.Enabled {
			enabled++
		}
	}
	assert.Equal(t, 1, enabled)
}

func assertSingleEnabled(t *testing.T, store *Store, id string) {
	t.Helper()
	list, err := store.Downloaders()
	require.NoError(t, err)
	for _, d := range list {
		assert.Equal(t, d.ID == id, d.Enabled, "downloader %s", d.ID)
	}
}

func TestResultsAndHistory(t *testing.T) {
	store := openTestStore(t)
	result := models.SearchResult{
		ID:             "irc-abc",
		Title:          "Dune",
		SourceProvider: "Bsk",
		Retrieval:      models.IRCRetrieval{BotName: "Bsk", BookNumber: 1, Filename: "Dune.epub", Command: "!Bsk Dune.epub"},
	}
	require.NoError(t, store.PutResults([]models.SearchResult{result}))
	got, err := store.GetResult("irc-abc")
	require.NoError(t, err)
	assert.Equal(t, result, got)

	_, err = store.GetResult("irc-missing")
	assert.ErrorIs(t, err, ErrNotFound)

	older := models.HistoryEntry{ID: "h1", ResultID: "irc-abc", Status: models.StatusError, CreatedAt: time.Now().Add(-time.Hour)}
	newer := models.HistoryEntry{ID: "h2", ResultID: "irc-abc", Status: models.StatusDownloaded, CreatedAt: time.Now()}
	require.NoError(t, store.PutHistory(older))
	require.NoError(t, store.PutHistory(newer))

	history, err := store.History()
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "h2", history[0].ID)
	assert.Equal(t, "h1", history[1].ID)
}
