package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shelfseeker/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	ErrHttpStatus  = errors.New("unexpected HTTP status code")
	ErrFileSystem  = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest = errors.New("HTTP request creation/execution error")
	ErrTooLarge    = errors.New("response exceeds size limit")
)

// DefaultFetchLimit caps NZB documents held in memory for submission.
const DefaultFetchLimit = 64 * 1024 * 1024

// Progress is called as bytes arrive; total is -1 when unknown.
type Progress func(written, total int64)

// Result describes a completed download.
type Result struct {
	Path     string
	Bytes    int64
	Checksum string // BLAKE3, upper-case hex
}

// Downloader fetches NZB payloads over HTTP.
type Downloader struct {
	client     *http.Client
	fetchLimit int64
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Minute}
	}
	return &Downloader{client: client, fetchLimit: DefaultFetchLimit}
}

func (d *Downloader) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating download request: %v", ErrHttpRequest, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: performing request: %v", ErrHttpRequest, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: received status %d", ErrHttpStatus, resp.StatusCode)
	}
	return resp, nil
}

// Fetch reads the whole document at url into memory. The returned name
// comes from Content-Disposition when the server sends one.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	resp, err := d.get(ctx, url)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.fetchLimit+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading body: %v", ErrHttpRequest, err)
	}
	if int64(len(data)) > d.fetchLimit {
		return nil, "", fmt.Errorf("%w: more than %s", ErrTooLarge, helpers.BytesToSize(uint64(d.fetchLimit)))
	}
	return data, dispositionFilename(resp.Header.Get("Content-Disposition")), nil
}

// DownloadFile streams url into targetDir. The file is written to a
// temporary name and renamed once complete, so a failed download leaves
// nothing behind. fallbackName is used when the server names no file; an
// existing file is never overwritten.
func (d *Downloader) DownloadFile(ctx context.Context, targetDir, fallbackName, url string, progress Progress) (Result, error) {
	if !helpers.CheckAndMakeDir(targetDir) {
		return Result{}, fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, targetDir)
	}

	log.Debugf("Attempting to download from URL: %s", url)
	resp, err := d.get(ctx, url)
	if err != nil {
		log.WithError(err).Error("Download request failed")
		return Result{}, err
	}
	defer resp.Body.Close()

	name := dispositionFilename(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = fallbackName
	}
	name = helpers.SanitizeFilename(name)

	tempFile, err := os.CreateTemp(targetDir, name+".*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating temporary file for %s: %v", ErrFileSystem, name, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			_ = tempFile.Close()
			log.Debugf("Cleaning up temporary file via defer: %s", tempFile.Name())
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s during defer cleanup", tempFile.Name())
			}
		}
	}()

	total := resp.ContentLength
	counter := &helpers.CounterWriter{Writer: tempFile}
	if progress != nil {
		counter.OnWrite = func(int) { progress(int64(counter.Total), total) }
	}

	log.Infof("Downloading %s (%s)...", name, helpers.BytesToSize(uint64(max(total, 0))))
	if _, err := io.Copy(counter, resp.Body); err != nil {
		return Result{}, fmt.Errorf("%w: writing temporary file %s: %v", ErrFileSystem, tempFile.Name(), err)
	}
	if err := tempFile.Close(); err != nil {
		return Result{}, fmt.Errorf("%w: closing temp file %s: %v", ErrFileSystem, tempFile.Name(), err)
	}

	checksum, err := helpers.FileChecksum(tempFile.Name())
	if err != nil {
		return Result{}, fmt.Errorf("%w: hashing %s: %v", ErrFileSystem, tempFile.Name(), err)
	}

	finalPath := helpers.AvailablePath(targetDir, name)
	if err := os.Rename(tempFile.Name(), finalPath); err != nil {
		return Result{}, fmt.Errorf("%w: renaming temporary file %s to %s: %v", ErrFileSystem, tempFile.Name(), finalPath, err)
	}
	shouldCleanupTemp = false
	log.Infof("Successfully downloaded %s", finalPath)

	return Result{Path: finalPath, Bytes: int64(counter.Total), Checksum: checksum}, nil
}

// dispositionFilename extracts the filename parameter of a
// Content-Disposition header, or "".
func dispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		if !strings.HasPrefix(header, "inline") {
			log.WithError(err).Debugf("Could not parse Content-Disposition header: %s", header)
		}
		return ""
	}
	name := params["filename"]
	if name == "" {
		return ""
	}
	return filepath.Base(name)
}
