package index

import (
	"errors"
	"os"
	"time"

	"shelfseeker/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "shelfseeker.bleve"

// Item types.
const (
	TypeResult  = "result"
	TypeHistory = "history"
)

// Item is one indexed document. All fields are searchable by their JSON
// tag names, e.g. '+author:herbert' or '+source:nzb +fileType:epub'.
type Item struct {
	ID        string    `json:"id"`   // result ID, or history ID for downloads
	Type      string    `json:"type"` // "result" or "history"
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Author    string    `json:"author,omitempty"`
	FileType  string    `json:"fileType,omitempty"`
	Provider  string    `json:"provider"`
	SizeBytes int64     `json:"sizeBytes,omitempty"`
	Query     string    `json:"query,omitempty"` // search that located the result
	Status    string    `json:"status,omitempty"`
	FilePath  string    `json:"filePath,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	IndexedAt time.Time `json:"indexedAt"`
}

// ResultItem builds the document for a located search result.
func ResultItem(r models.SearchResult, query string) Item {
	return Item{
		ID:        r.ID,
		Type:      TypeResult,
		Source:    string(r.Source()),
		Title:     r.Title,
		Author:    r.Author,
		FileType:  r.FileType,
		Provider:  r.SourceProvider,
		SizeBytes: r.SizeBytes,
		Query:     query,
		IndexedAt: time.Now(),
	}
}

// HistoryItem builds the document for a download attempt.
func HistoryItem(h models.HistoryEntry) Item {
	return Item{
		ID:        h.ID,
		Type:      TypeHistory,
		Source:    string(h.Source),
		Title:     h.Title,
		Author:    h.Author,
		Provider:  h.Provider,
		SizeBytes: h.Bytes,
		Status:    h.Status,
		FilePath:  h.Path,
		Checksum:  h.Checksum,
		IndexedAt: h.UpdatedAt,
	}
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	index, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("Creating new index at: %s", indexPath)
		mapping := bleve.NewIndexMapping()
		index, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return index, nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(index bleve.Index, item Item) error {
	return index.Index(item.ID, item)
}

// IndexResults adds a batch of search results in one write.
func IndexResults(index bleve.Index, query string, results []models.SearchResult) error {
	if len(results) == 0 {
		return nil
	}
	batch := index.NewBatch()
	for _, r := range results {
		if err := batch.Index(r.ID, ResultItem(r, query)); err != nil {
			return err
		}
	}
	return index.Batch(batch)
}

// SearchIndex performs a search query against the index.
func SearchIndex(index bleve.Index, query string) (*bleve.SearchResult, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	searchRequest.Fields = []string{"*"} // Request all stored fields
	searchRequest.Size = 50
	searchResults, err := index.Search(searchRequest)
	if err != nil {
		return nil, err
	}
	return searchResults, nil
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Warnf("Attempting to delete index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
