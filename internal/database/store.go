package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"shelfseeker/internal/models"

	log "github.com/sirupsen/logrus"
)

const (
	providerPrefix = "provider:"
	resultPrefix   = "result:"
	historyPrefix  = "history:"
	downloadersKey = "downloaders"

	dateLayout = "2006-01-02"
)

// Store is the typed view over DB used by the rest of the application.
type Store struct {
	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *DB {
	return s.db
}

// --- Providers ---

// Providers returns every stored provider, highest priority first.
func (s *Store) Providers() ([]models.NzbProvider, error) {
	var providers []models.NzbProvider
	err := s.db.FoldPrefix(providerPrefix, func(key, value []byte) error {
		var p models.NzbProvider
		if err := json.Unmarshal(value, &p); err != nil {
			log.WithError(err).Warnf("Skipping unreadable provider record %s", string(key))
			return nil
		}
		providers = append(providers, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(providers, func(i, j int) bool {
		if providers[i].Priority != providers[j].Priority {
			return providers[i].Priority > providers[j].Priority
		}
		return providers[i].ID < providers[j].ID
	})
	return providers, nil
}

func (s *Store) Provider(id string) (models.NzbProvider, error) {
	var p models.NzbProvider
	value, err := s.db.Get(providerKey(id))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(value, &p); err != nil {
		return p, fmt.Errorf("decoding provider %s: %w", id, err)
	}
	return p, nil
}

// PutProvider stores p as given, counters included.
func (s *Store) PutProvider(p models.NzbProvider) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("provider id is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding provider %s: %w", p.ID, err)
	}
	return s.db.Put(providerKey(p.ID), data)
}

func (s *Store) DeleteProvider(id string) error {
	return s.db.Delete(providerKey(id))
}

// SyncProviders writes configured providers into the store. Existing
// records keep their quota counters; everything else comes from the seed.
func (s *Store) SyncProviders(seed []models.NzbProvider) (int, error) {
	written := 0
	for _, p := range seed {
		if strings.TrimSpace(p.ID) == "" {
			log.Warnf("Skipping configured provider %q without an ID", p.Name)
			continue
		}
		err := s.updateProvider(p.ID, true, func(current *models.NzbProvider, found bool) (bool, error) {
			requests, reset := current.RequestsToday, current.LastResetDate
			*current = p
			if found {
				current.RequestsToday, current.LastResetDate = requests, reset
			}
			return true, nil
		})
		if err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (s *Store) SetProviderEnabled(id string, enabled bool) error {
	return s.updateProvider(id, false, func(p *models.NzbProvider, _ bool) (bool, error) {
		p.Enabled = enabled
		return true, nil
	})
}

// ReserveQuota counts one request against the provider's daily limit and
// reports true, or reports false without counting when the limit is
// already used. The counter rolls over when the UTC date changes.
func (s *Store) ReserveQuota(id string, now time.Time) (bool, error) {
	reserved := false
	today := now.UTC().Format(dateLayout)
	err := s.updateProvider(id, false, func(p *models.NzbProvider, _ bool) (bool, error) {
		if p.LastResetDate != today {
			p.RequestsToday = 0
			p.LastResetDate = today
		}
		if p.ApiLimit > 0 && p.RequestsToday >= p.ApiLimit {
			return false, nil
		}
		p.RequestsToday++
		reserved = true
		return true, nil
	})
	return reserved, err
}

// ResetQuota zeroes the provider's counter for today.
func (s *Store) ResetQuota(id string, now time.Time) error {
	return s.updateProvider(id, false, func(p *models.NzbProvider, _ bool) (bool, error) {
		p.RequestsToday = 0
		p.LastResetDate = now.UTC().Format(dateLayout)
		return true, nil
	})
}

// updateProvider applies fn to the stored provider under the write lock.
// fn returns false to leave the record untouched.
func (s *Store) updateProvider(id string, create bool, fn func(p *models.NzbProvider, found bool) (bool, error)) error {
	return s.db.Update(providerKey(id), func(current []byte, found bool) ([]byte, error) {
		var p models.NzbProvider
		if !found && !create {
			return nil, fmt.Errorf("provider %s: %w", id, ErrNotFound)
		}
		if found {
			if err := json.Unmarshal(current, &p); err != nil {
				return nil, fmt.Errorf("decoding provider %s: %w", id, err)
			}
		}
		write, err := fn(&p, found)
		if err != nil {
			return nil, err
		}
		if !write {
			return nil, errSkipWrite
		}
		return json.Marshal(p)
	})
}

func providerKey(id string) []byte {
	return []byte(providerPrefix + id)
}

// --- Downloaders ---
//
// All downloaders live under one key so that switching the active one is
// a single write: at most one is ever enabled.

func (s *Store) Downloaders() ([]models.Downloader, error) {
	value, err := s.db.Get([]byte(downloadersKey))
	if errors.Is(err, ErrNotFound) {
		return []models.Downloader{}, nil
	}
	if err != nil {
		return nil, err
	}
	var list []models.Downloader
	if err := json.Unmarshal(value, &list); err != nil {
		return nil, fmt.Errorf("decoding downloaders: %w", err)
	}
	return list, nil
}

// ActiveDownloader returns the enabled downloader, if any.
func (s *Store) ActiveDownloader() (models.Downloader, bool, error) {
	list, err := s.Downloaders()
	if err != nil {
		return models.Downloader{}, false, err
	}
	for _, d := range list {
		if d.Enabled {
			return d, true, nil
		}
	}
	return models.Downloader{}, false, nil
}

// PutDownloader adds or replaces d by ID. If d is enabled every other
// downloader is disabled in the same write.
func (s *Store) PutDownloader(d models.Downloader) error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("downloader id is required")
	}
	return s.updateDownloaders(func(list []models.Downloader) ([]models.Downloader, error) {
		replaced := false
		for i := range list {
			if list[i].ID == d.ID {
				list[i] = d
				replaced = true
			}
		}
		if !replaced {
			list = append(list, d)
		}
		if d.Enabled {
			activate(list, d.ID)
		}
		return list, nil
	})
}

func (s *Store) DeleteDownloader(id string) error {
	return s.updateDownloaders(func(list []models.Downloader) ([]models.Downloader, error) {
		for i := range list {
			if list[i].ID == id {
				return append(list[:i], list[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("downloader %s: %w", id, ErrNotFound)
	})
}

// SetActiveDownloader enables id and disables all others. An empty id
// disables every downloader, which routes NZBs to direct download.
func (s *Store) SetActiveDownloader(id string) error {
	return s.updateDownloaders(func(list []models.Downloader) ([]models.Downloader, error) {
		if id != "" && !containsDownloader(list, id) {
			return nil, fmt.Errorf("downloader %s: %w", id, ErrNotFound)
		}
		activate(list, id)
		return list, nil
	})
}

// SyncDownloaders merges configured downloaders into the store. If the
// seed enables more than one, the first enabled one wins.
func (s *Store) SyncDownloaders(seed []models.Downloader) (int, error) {
	written := 0
	err := s.updateDownloaders(func(list []models.Downloader) ([]models.Downloader, error) {
		active := ""
		for _, d := range seed {
			if strings.TrimSpace(d.ID) == "" {
				log.Warnf("Skipping configured downloader %q without an ID", d.Name)
				continue
			}
			if d.Enabled {
				if active != "" {
					log.Warnf("Downloader %s is also enabled in config; keeping %s active", d.ID, active)
					d.Enabled = false
				} else {
					active = d.ID
				}
			}
			replaced := false
			for i := range list {
				if list[i].ID == d.ID {
					list[i] = d
					replaced = true
				}
			}
			if !replaced {
				list = append(list, d)
			}
			written++
		}
		if active != "" {
			activate(list, active)
		}
		return list, nil
	})
	return written, err
}

func (s *Store) updateDownloaders(fn func([]models.Downloader) ([]models.Downloader, error)) error {
	return s.db.Update([]byte(downloadersKey), func(current []byte, found bool) ([]byte, error) {
		var list []models.Downloader
		if found {
			if err := json.Unmarshal(current, &list); err != nil {
				return nil, fmt.Errorf("decoding downloaders: %w", err)
			}
		}
		next, err := fn(list)
		if err != nil {
			return nil, err
		}
		if next == nil {
			next = []models.Downloader{}
		}
		return json.Marshal(next)
	})
}

func activate(list []models.Downloader, id string) {
	for i := range list {
		list[i].Enabled = list[i].ID == id
	}
}

func containsDownloader(list []models.Downloader, id string) bool {
	for _, d := range list {
		if d.ID == id {
			return true
		}
	}
	return false
}

// --- Results ---

// PutResults stores located results so they can be downloaded by ID later.
func (s *Store) PutResults(results []models.SearchResult) error {
	for _, r := range results {
		if err := s.PutResult(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PutResult(r models.SearchResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result %s: %w", r.ID, err)
	}
	return s.db.Put([]byte(resultPrefix+r.ID), data)
}

func (s *Store) GetResult(id string) (models.SearchResult, error) {
	var r models.SearchResult
	value, err := s.db.Get([]byte(resultPrefix + id))
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(value, &r); err != nil {
		return r, fmt.Errorf("decoding result %s: %w", id, err)
	}
	return r, nil
}

// --- History ---

func (s *Store) PutHistory(h models.HistoryEntry) error {
	if h.ID == "" {
		return errors.New("history entry id is required")
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encoding history %s: %w", h.ID, err)
	}
	return s.db.Put([]byte(historyPrefix+h.ID), data)
}

func (s *Store) GetHistory(id string) (models.HistoryEntry, error) {
	var h models.HistoryEntry
	value, err := s.db.Get([]byte(historyPrefix + id))
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(value, &h); err != nil {
		return h, fmt.Errorf("decoding history %s: %w", id, err)
	}
	return h, nil
}

// History returns every entry, newest first.
func (s *Store) History() ([]models.HistoryEntry, error) {
	entries := []models.HistoryEntry{}
	err := s.db.FoldPrefix(historyPrefix, func(key, value []byte) error {
		var h models.HistoryEntry
		if err := json.Unmarshal(value, &h); err != nil {
			log.WithError(err).Warnf("Skipping unreadable history record %s", string(key))
			return nil
		}
		entries = append(entries, h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *Store) DeleteHistory(id string) error {
	return s.db.Delete([]byte(historyPrefix + id))
}
