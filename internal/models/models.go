package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	Config struct {
		// Sources
		IRC         IRCConfig     `toml:"irc"`
		Providers   []NzbProvider `toml:"providers"`
		Downloaders []Downloader  `toml:"downloaders"`

		// Paths
		SavePath       string `toml:"SavePath"`
		DatabasePath   string `toml:"DatabasePath"`
		BleveIndexPath string `toml:"BleveIndexPath"`

		// Behaviour
		Concurrency         int  `toml:"Concurrency"`
		ApiClientTimeoutSec int  `toml:"ApiClientTimeoutSec"`
		ProviderTimeoutSec  int  `toml:"ProviderTimeoutSec"`
		SkipConfirmation    bool `toml:"SkipConfirmation"`

		// Other
		LogApiRequests bool   `toml:"LogApiRequests"`
		MetricsAddr    string `toml:"MetricsAddr"`
	}

	IRCConfig struct {
		Enabled  bool   `toml:"Enabled" json:"enabled"`
		Server   string `toml:"Server" json:"server"`
		Port     int    `toml:"Port" json:"port"`
		TLS      bool   `toml:"TLS" json:"tls"`
		Password string `toml:"Password" json:"-"`

		Nick     string `toml:"Nick" json:"nick"`
		Username string `toml:"Username" json:"username"`
		Realname string `toml:"Realname" json:"realname"`

		Channel       string `toml:"Channel" json:"channel"`
		SearchCommand string `toml:"SearchCommand" json:"searchCommand"`

		PingTimeoutSec     int     `toml:"PingTimeoutSec" json:"pingTimeoutSec"`
		ReconnectDelaySec  int     `toml:"ReconnectDelaySec" json:"reconnectDelaySec"`
		SearchTimeoutSec   int     `toml:"SearchTimeoutSec" json:"searchTimeoutSec"`
		TransferTimeoutSec int     `toml:"TransferTimeoutSec" json:"transferTimeoutSec"`
		MessagesPerSecond  float64 `toml:"MessagesPerSecond" json:"messagesPerSecond"`

		// DCC offers made by this client (manifest/file serving)
		AdvertiseIP string `toml:"AdvertiseIP" json:"advertiseIp,omitempty"`
		ListenAddr  string `toml:"ListenAddr" json:"listenAddr,omitempty"`
	}

	// NzbProvider is one configured Newznab indexer. RequestsToday and
	// LastResetDate are the only fields mutated at runtime.
	NzbProvider struct {
		ID            string   `toml:"ID" json:"id" yaml:"id"`
		Name          string   `toml:"Name" json:"name" yaml:"name"`
		URL           string   `toml:"URL" json:"url" yaml:"url"`
		ApiKey        string   `toml:"ApiKey" json:"apiKey" yaml:"apiKey"`
		Categories    []string `toml:"Categories" json:"categories,omitempty" yaml:"categories,omitempty"`
		Priority      int      `toml:"Priority" json:"priority" yaml:"priority"`
		Enabled       bool     `toml:"Enabled" json:"enabled" yaml:"enabled"`
		ApiLimit      int      `toml:"ApiLimit" json:"apiLimit,omitempty" yaml:"apiLimit,omitempty"`
		RequestsToday int      `toml:"-" json:"requestsToday" yaml:"-"`
		LastResetDate string   `toml:"-" json:"lastResetDate,omitempty" yaml:"-"` // YYYY-MM-DD, UTC
	}

	Downloader struct {
		ID       string         `toml:"ID" json:"id" yaml:"id"`
		Name     string         `toml:"Name" json:"name" yaml:"name"`
		Type     DownloaderType `toml:"Type" json:"type" yaml:"type"`
		Host     string         `toml:"Host" json:"host" yaml:"host"` // base URL, e.g. http://localhost:6789
		Username string         `toml:"Username" json:"username,omitempty" yaml:"username,omitempty"`
		Password string         `toml:"Password" json:"password,omitempty" yaml:"password,omitempty"`
		ApiKey   string         `toml:"ApiKey" json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
		Category string         `toml:"Category" json:"category,omitempty" yaml:"category,omitempty"`
		Enabled  bool           `toml:"Enabled" json:"enabled" yaml:"enabled"`
	}

	// SearchRequest describes one outstanding query against a source.
	SearchRequest struct {
		Query         string        `json:"query"`
		CorrelationID string        `json:"correlationId"`
		IssuedAt      time.Time     `json:"issuedAt"`
		Timeout       time.Duration `json:"timeout"`
	}

	// HistoryEntry records one download attempt. Stored in bitcask and
	// indexed in bleve.
	HistoryEntry struct {
		ID          string    `json:"id"`
		ResultID    string    `json:"resultId"`
		Source      Source    `json:"source"`
		Title       string    `json:"title"`
		Author      string    `json:"author,omitempty"`
		Provider    string    `json:"provider"`
		Status      string    `json:"status"`
		Path        string    `json:"path,omitempty"`
		Bytes       int64     `json:"bytes,omitempty"`
		Checksum    string    `json:"checksum,omitempty"`
		Client      string    `json:"client,omitempty"`
		ClientJobID string    `json:"clientJobId,omitempty"`
		ErrorDetail string    `json:"errorDetail,omitempty"`
		CreatedAt   time.Time `json:"createdAt"`
		UpdatedAt   time.Time `json:"updatedAt"`
	}
)

type DownloaderType string

const (
	DownloaderNZBGet  DownloaderType = "nzbget"
	DownloaderSABnzbd DownloaderType = "sabnzbd"
)

// ParseDownloaderType accepts the type names case-insensitively.
func ParseDownloaderType(s string) (DownloaderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(DownloaderNZBGet):
		return DownloaderNZBGet, nil
	case string(DownloaderSABnzbd), "sab":
		return DownloaderSABnzbd, nil
	}
	return "", fmt.Errorf("unknown downloader type %q (want nzbget or sabnzbd)", s)
}

// Download history status values.
const (
	StatusPending    = "Pending"
	StatusDownloaded = "Downloaded"
	StatusSubmitted  = "Submitted"
	StatusError      = "Error"
)

// --- Search results ---

type Source string

const (
	SourceIRC Source = "irc"
	SourceNZB Source = "nzb"
)

// Retrieval is the source-specific token needed to fetch a result.
// Implemented by IRCRetrieval and NZBRetrieval only.
type Retrieval interface {
	Source() Source
	isRetrieval()
}

// IRCRetrieval reconstructs the channel request for a bot-served file.
type IRCRetrieval struct {
	BotName    string `json:"botName"`
	BookNumber int    `json:"bookNumber"`
	Filename   string `json:"filename"`
	Command    string `json:"command"`
}

func (IRCRetrieval) Source() Source { return SourceIRC }
func (IRCRetrieval) isRetrieval()   {}

// NZBRetrieval locates an NZB document on a specific provider.
type NZBRetrieval struct {
	URL        string `json:"nzbUrl"`
	GUID       string `json:"guid"`
	ProviderID string `json:"providerId"`
}

func (NZBRetrieval) Source() Source { return SourceNZB }
func (NZBRetrieval) isRetrieval()   {}

// SearchResult is the unified, immutable search hit. Source is derived
// from the Retrieval payload so the two can never disagree.
type SearchResult struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Author         string    `json:"author,omitempty"`
	FileType       string    `json:"fileType,omitempty"`
	SizeBytes      int64     `json:"sizeBytes"`
	SourceProvider string    `json:"sourceProvider"`
	Retrieval      Retrieval `json:"-"`
}

// Source reports the result's origin, or "" if it carries no retrieval token.
func (r SearchResult) Source() Source {
	if r.Retrieval == nil {
		return ""
	}
	return r.Retrieval.Source()
}

// IRC returns the IRC retrieval token, if this is an IRC result.
func (r SearchResult) IRC() (IRCRetrieval, bool) {
	v, ok := r.Retrieval.(IRCRetrieval)
	return v, ok
}

// NZB returns the NZB retrieval token, if this is an NZB result.
func (r SearchResult) NZB() (NZBRetrieval, bool) {
	v, ok := r.Retrieval.(NZBRetrieval)
	return v, ok
}

var ErrUnknownSource = errors.New("unknown result source")

type searchResultJSON struct {
	ID             string          `json:"id"`
	Source         Source          `json:"source"`
	Title          string          `json:"title"`
	Author         string          `json:"author,omitempty"`
	FileType       string          `json:"fileType,omitempty"`
	SizeBytes      int64           `json:"sizeBytes"`
	SourceProvider string          `json:"sourceProvider"`
	Retrieval      json.RawMessage `json:"retrieval"`
}

func (r SearchResult) MarshalJSON() ([]byte, error) {
	if r.Retrieval == nil {
		return nil, fmt.Errorf("result %s: %w", r.ID, ErrUnknownSource)
	}
	raw, err := json.Marshal(r.Retrieval)
	if err != nil {
		return nil, err
	}
	return json.Marshal(searchResultJSON{
		ID:             r.ID,
		Source:         r.Retrieval.Source(),
		Title:          r.Title,
		Author:         r.Author,
		FileType:       r.FileType,
		SizeBytes:      r.SizeBytes,
		SourceProvider: r.SourceProvider,
		Retrieval:      raw,
	})
}

func (r *SearchResult) UnmarshalJSON(data []byte) error {
	var aux searchResultJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var ret Retrieval
	switch aux.Source {
	case SourceIRC:
		var v IRCRetrieval
		if err := json.Unmarshal(aux.Retrieval, &v); err != nil {
			return fmt.Errorf("decoding irc retrieval: %w", err)
		}
		ret = v
	case SourceNZB:
		var v NZBRetrieval
		if err := json.Unmarshal(aux.Retrieval, &v); err != nil {
			return fmt.Errorf("decoding nzb retrieval: %w", err)
		}
		ret = v
	default:
		return fmt.Errorf("source %q: %w", aux.Source, ErrUnknownSource)
	}
	*r = SearchResult{
		ID:             aux.ID,
		Title:          aux.Title,
		Author:         aux.Author,
		FileType:       aux.FileType,
		SizeBytes:      aux.SizeBytes,
		SourceProvider: aux.SourceProvider,
		Retrieval:      ret,
	}
	return nil
}
