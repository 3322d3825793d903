package downloadclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"shelfseeker/internal/helpers"
	"shelfseeker/internal/models"

	log "github.com/sirupsen/logrus"
)

// NZBGetClient talks to NZBGet's JSON-RPC API.
type NZBGetClient struct {
	baseURL    string
	username   string
	password   string
	category   string
	httpClient *http.Client
	requestID  int64
}

type nzbgetRequest struct {
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
	ID      int64  `json:"id"`
	Version string `json:"jsonrpc"`
}

type nzbgetResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *nzbgetRPCError `json:"error"`
	ID     int64           `json:"id"`
}

type nzbgetRPCError struct {
	Name    string `json:"name"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewNZBGetClient(d models.Downloader, httpClient *http.Client) *NZBGetClient {
	return &NZBGetClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(d.Host), "/"),
		username:   d.Username,
		password:   d.Password,
		category:   d.Category,
		httpClient: httpClient,
	}
}

func (c *NZBGetClient) nextID() int64 {
	return atomic.AddInt64(&c.requestID, 1)
}

func (c *NZBGetClient) request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	body, err := json.Marshal(nzbgetRequest{
		Method:  method,
		Params:  params,
		ID:      c.nextID(),
		Version: "2.0",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jsonrpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: nzbget returned %d", ErrAuthFailed, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("nzbget HTTP error: %d - %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	var rpcResp nzbgetResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode nzbget response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, &RejectedError{Client: "nzbget", Message: rpcResp.Error.Message}
	}
	return rpcResp.Result, nil
}

func (c *NZBGetClient) TestConnection(ctx context.Context) (string, error) {
	result, err := c.request(ctx, "version")
	if err != nil {
		return "", err
	}
	var version string
	if err := json.Unmarshal(result, &version); err != nil {
		return "", fmt.Errorf("failed to parse version: %w", err)
	}
	return version, nil
}

// Submit calls append with the base64 encoded document. NZBGet answers
// with the new NZBID, or a value <= 0 when it refused the file.
func (c *NZBGetClient) Submit(ctx context.Context, name string, payload []byte) (Submission, error) {
	filename := nzbFilename(name)
	result, err := c.request(ctx, "append",
		filename,
		base64.StdEncoding.EncodeToString(payload),
		c.category,
		0,           // priority
		false,       // add to top
		false,       // add paused
		"",          // dupe key
		0,           // dupe score
		"SCORE",     // dupe mode
		[]any{},     // post-processing parameters
	)
	if err != nil {
		return Submission{}, err
	}

	var id int64
	if err := json.Unmarshal(result, &id); err != nil {
		return Submission{}, fmt.Errorf("failed to parse nzbget append result %s: %w", string(result), err)
	}
	if id <= 0 {
		return Submission{}, &RejectedError{Client: "nzbget", Message: fmt.Sprintf("append returned %d for %s", id, filename)}
	}

	log.WithFields(log.Fields{"client": "nzbget", "nzbId": id, "file": filename, "size": helpers.BytesToSize(uint64(len(payload)))}).Info("Submitted NZB")
	return Submission{Client: "nzbget", JobID: strconv.FormatInt(id, 10)}, nil
}
