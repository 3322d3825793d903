// Package downloadclient submits NZB payloads to an external download
// manager (NZBGet or SABnzbd).
package downloadclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shelfseeker/internal/models"
)

var (
	ErrSubmissionRejected = errors.New("download client rejected the submission")
	ErrAuthFailed         = errors.New("download client authentication failed")
	ErrUnsupportedClient  = errors.New("unsupported download client type")
	ErrClientUnreachable  = errors.New("download client unreachable")
)

const DefaultTimeout = 30 * time.Second

// RejectedError carries the client's own explanation for a refused
// submission, unmodified.
type RejectedError struct {
	Client  string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected the submission: %s", e.Client, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrSubmissionRejected }

// Submission is a download client's acknowledgement of an accepted NZB.
type Submission struct {
	Client  string `json:"client"`
	JobID   string `json:"jobId"`
	Message string `json:"message,omitempty"`
}

// Submitter hands NZB documents to a download manager.
type Submitter interface {
	// Submit queues payload under name. A refusal is a *RejectedError.
	Submit(ctx context.Context, name string, payload []byte) (Submission, error)
	// TestConnection checks reachability and credentials, returning the
	// client's version.
	TestConnection(ctx context.Context) (string, error)
}

// New builds the Submitter for d's type. A nil httpClient gets a default
// one.
func New(d models.Downloader, httpClient *http.Client) (Submitter, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if strings.TrimSpace(d.Host) == "" {
		return nil, fmt.Errorf("downloader %s has no host", d.ID)
	}
	switch d.Type {
	case models.DownloaderNZBGet:
		return NewNZBGetClient(d, httpClient), nil
	case models.DownloaderSABnzbd:
		return NewSABnzbdClient(d, httpClient), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedClient, d.Type)
}

// nzbFilename makes sure the name a client sees ends in .nzb.
func nzbFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "download"
	}
	if !strings.HasSuffix(strings.ToLower(name), ".nzb") {
		name += ".nzb"
	}
	return name
}
