package index

import (
	"path/filepath"
	"testing"
	"time"

	"shelfseeker/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAndSearchResults(t *testing.T) {
	idx, err := OpenOrCreateIndex(filepath.Join(t.TempDir(), "test.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	results := []models.SearchResult{
		{ID: "irc-1", Title: "Dune", Author: "Frank Herbert", FileType: "epub", SourceProvider: "Bsk",
			Retrieval: models.IRCRetrieval{BotName: "Bsk", Filename: "Frank Herbert - Dune.epub"}},
		{ID: "nzb-a-1", Title: "Children of Dune", Author: "Frank Herbert", FileType: "mobi", SourceProvider: "Indexer A",
			Retrieval: models.NZBRetrieval{URL: "https://a.test/get/1", ProviderID: "a"}},
		{ID: "irc-2", Title: "Neuromancer", Author: "William Gibson", FileType: "epub", SourceProvider: "Bsk",
			Retrieval: models.IRCRetrieval{BotName: "Bsk", Filename: "William Gibson - Neuromancer.epub"}},
	}
	require.NoError(t, IndexResults(idx, "dune", results))

	res, err := SearchIndex(idx, "+author:herbert")
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Total)

	res, err = SearchIndex(idx, "+source:irc +fileType:epub")
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Total)

	res, err = SearchIndex(idx, "neuromancer")
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Total)
	assert.Equal(t, "irc-2", res.Hits[0].ID)
	assert.Equal(t, "Bsk", res.Hits[0].Fields["provider"])
}

func TestIndexHistoryReplacesEntry(t *testing.T) {
	idx, err := OpenOrCreateIndex(filepath.Join(t.TempDir(), "test.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	h := models.HistoryEntry{ID: "h1", Source: models.SourceNZB, Title: "Dune", Status: models.StatusPending, UpdatedAt: time.Now()}
	require.NoError(t, IndexItem(idx, HistoryItem(h)))
	h.Status = models.StatusDownloaded
	require.NoError(t, IndexItem(idx, HistoryItem(h)))

	res, err := SearchIndex(idx, "+type:history")
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Total)
	assert.Equal(t, "Downloaded", res.Hits[0].Fields["status"])
}
