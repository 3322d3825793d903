package downloadclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"shelfseeker/internal/models"

	log "github.com/sirupsen/logrus"
)

// SABnzbdClient talks to SABnzbd's HTTP API.
type SABnzbdClient struct {
	baseURL    string
	apiKey     string
	category   string
	httpClient *http.Client
}

type sabnzbdResponse struct {
	Status  bool     `json:"status"`
	Error   string   `json:"error,omitempty"`
	NzoIDs  []string `json:"nzo_ids,omitempty"`
	Version string   `json:"version,omitempty"`
}

func NewSABnzbdClient(d models.Downloader, httpClient *http.Client) *SABnzbdClient {
	return &SABnzbdClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(d.Host), "/"),
		apiKey:     d.ApiKey,
		category:   d.Category,
		httpClient: httpClient,
	}
}

func (c *SABnzbdClient) endpoint(mode string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("apikey", c.apiKey)
	params.Set("mode", mode)
	params.Set("output", "json")
	return fmt.Sprintf("%s/api?%s", c.baseURL, params.Encode())
}

func (c *SABnzbdClient) do(req *http.Request) (*sabnzbdResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading sabnzbd response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: sabnzbd returned %d", ErrAuthFailed, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sabnzbd HTTP error: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out sabnzbdResponse
	if err := json.Unmarshal(body, &out); err != nil {
		// Older versions answer some errors in plain text.
		text := strings.TrimSpace(string(body))
		if isAuthMessage(text) {
			return nil, fmt.Errorf("%w: %s", ErrAuthFailed, text)
		}
		return nil, fmt.Errorf("failed to decode sabnzbd response: %w", err)
	}
	if out.Error != "" && isAuthMessage(out.Error) {
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, out.Error)
	}
	return &out, nil
}

func isAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "api key") || strings.Contains(lower, "apikey") || strings.Contains(lower, "not authenticated")
}

func (c *SABnzbdClient) TestConnection(ctx context.Context) (string, error) {
	// mode=version needs no key, so ask for the queue as well to check it.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("queue", url.Values{"limit": {"1"}}), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	if _, err := c.do(req); err != nil {
		return "", err
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("version", nil), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	out, err := c.do(req)
	if err != nil {
		return "", err
	}
	return out.Version, nil
}

// Submit uploads payload with mode=addfile.
func (c *SABnzbdClient) Submit(ctx context.Context, name string, payload []byte) (Submission, error) {
	filename := nzbFilename(name)
	params := url.Values{}
	params.Set("nzbname", strings.TrimSuffix(filename, ".nzb"))
	if c.category != "" {
		params.Set("cat", c.category)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("name", filename)
	if err != nil {
		return Submission{}, fmt.Errorf("building upload: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return Submission{}, fmt.Errorf("building upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Submission{}, fmt.Errorf("building upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("addfile", params), &body)
	if err != nil {
		return Submission{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	out, err := c.do(req)
	if err != nil {
		return Submission{}, err
	}
	if !out.Status || len(out.NzoIDs) == 0 {
		msg := out.Error
		if msg == "" {
			msg = "no job id returned"
		}
		return Submission{}, &RejectedError{Client: "sabnzbd", Message: msg}
	}

	log.WithFields(log.Fields{"client": "sabnzbd", "nzoId": out.NzoIDs[0], "file": filename}).Info("Submitted NZB")
	return Submission{Client: "sabnzbd", JobID: out.NzoIDs[0]}, nil
}
