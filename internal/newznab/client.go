package newznab

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"shelfseeker/internal/helpers"
	"shelfseeker/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrProviderUnauthorized  = errors.New("provider rejected credentials (check API key)")
	ErrProviderUnreachable   = errors.New("provider unreachable")
	ErrProviderQuotaExceeded = errors.New("provider daily API limit reached")
	ErrProviderResponse      = errors.New("unexpected provider response")
)

const (
	defaultMaxRetries = 2
	defaultRetryDelay = time.Second
	maxResponseBytes  = 8 * 1024 * 1024
)

// Client talks to one Newznab indexer.
type Client struct {
	provider   models.NzbProvider
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
}

type ClientOption func(*Client)

// WithRetries sets how many attempts are made on network errors and 5xx
// responses, and the base delay between them.
func WithRetries(attempts int, delay time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.maxRetries = attempts
		}
		c.retryDelay = delay
	}
}

// NewClient creates a client for provider. A nil httpClient gets a default
// one with a 30 second timeout.
func NewClient(provider models.NzbProvider, httpClient *http.Client, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		provider:   provider,
		httpClient: httpClient,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Provider() models.NzbProvider {
	return c.provider
}

// Search runs t=search for query and maps every item to a SearchResult.
// Indexer order is preserved.
func (c *Client) Search(ctx context.Context, query string) ([]models.SearchResult, error) {
	values := url.Values{}
	values.Set("t", "search")
	values.Set("q", query)
	if len(c.provider.Categories) > 0 {
		values.Set("cat", strings.Join(c.provider.Categories, ","))
	}

	body, err := c.get(ctx, values)
	if err != nil {
		return nil, err
	}
	var feed RSS
	if err := decodeDocument(body, &feed); err != nil {
		return nil, classify(err)
	}

	results := make([]models.SearchResult, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		res, ok := c.toResult(item)
		if !ok {
			log.WithFields(log.Fields{"provider": c.provider.Name, "title": item.Title}).Debug("Skipping item without a download link")
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// Caps fetches the indexer's capabilities document. Used to check a
// provider's URL and key without spending a search.
func (c *Client) Caps(ctx context.Context) (*Caps, error) {
	values := url.Values{}
	values.Set("t", "caps")
	body, err := c.get(ctx, values)
	if err != nil {
		return nil, err
	}
	var caps Caps
	if err := decodeDocument(body, &caps); err != nil {
		return nil, classify(err)
	}
	return &caps, nil
}

// GetURL is the t=get link for an item id, used when a feed item carries
// no enclosure.
func (c *Client) GetURL(id string) string {
	values := url.Values{}
	values.Set("t", "get")
	values.Set("id", id)
	if c.provider.ApiKey != "" {
		values.Set("apikey", c.provider.ApiKey)
	}
	return c.endpoint() + "?" + values.Encode()
}

func (c *Client) toResult(item Item) (models.SearchResult, bool) {
	guid := strings.TrimSpace(item.GUID.Value)
	if v, ok := item.Attr("guid"); ok && v != "" {
		guid = v
	}

	link := item.Enclosure.URL
	if link == "" {
		link = item.Link
	}
	if link == "" && guid != "" {
		link = c.GetURL(guid)
	}
	if link == "" {
		return models.SearchResult{}, false
	}
	if guid == "" {
		guid = link
	}

	title, author, fileType := helpers.DescribeBookName(item.Title)
	if v, ok := item.Attr("booktitle"); ok && v != "" {
		title = v
	}
	if v, ok := item.Attr("author"); ok && v != "" {
		author = v
	}

	name := c.provider.Name
	if name == "" {
		name = c.provider.ID
	}
	return models.SearchResult{
		ID:             "nzb-" + helpers.ConvertToSlug(c.provider.ID) + "-" + helpers.ShortHash(guid),
		Title:          title,
		Author:         author,
		FileType:       fileType,
		SizeBytes:      item.Size(),
		SourceProvider: name,
		Retrieval: models.NZBRetrieval{
			URL:        link,
			GUID:       guid,
			ProviderID: c.provider.ID,
		},
	}, true
}

func (c *Client) endpoint() string {
	base := strings.TrimRight(strings.TrimSpace(c.provider.URL), "/")
	if strings.HasSuffix(base, "/api") {
		return base
	}
	return base + "/api"
}

// get performs the API request with retries. Network errors and 5xx
// responses are retried; authorization failures and other 4xx are not.
func (c *Client) get(ctx context.Context, values url.Values) ([]byte, error) {
	if c.provider.ApiKey != "" {
		values.Set("apikey", c.provider.ApiKey)
	}
	reqURL := c.endpoint() + "?" + values.Encode()
	logger := log.WithFields(log.Fields{"provider": c.provider.Name, "t": values.Get("t")})

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.retryDelay
			logger.WithError(lastErr).Warnf("Retrying (%d/%d) after %s...", attempt+1, c.maxRetries, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, context.Cause(ctx))
			}
		}

		body, retry, err := c.do(ctx, reqURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, reqURL string) (body []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/xml, text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("%w (status code %d)", ErrProviderUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, false, fmt.Errorf("%w (status code 429)", ErrProviderQuotaExceeded)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: status code %d", ErrProviderUnreachable, resp.StatusCode)
	default:
		return nil, false, fmt.Errorf("%w: status code %d", ErrProviderResponse, resp.StatusCode)
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, true, fmt.Errorf("%w: reading body: %v", ErrProviderUnreachable, err)
	}
	return body, false, nil
}

// classify maps newznab error codes onto the package's sentinel errors.
func classify(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code >= 100 && apiErr.Code <= 102:
		return fmt.Errorf("%w: %v", ErrProviderUnauthorized, apiErr)
	case apiErr.Code == 500 || apiErr.Code == 501:
		return fmt.Errorf("%w: %v", ErrProviderQuotaExceeded, apiErr)
	}
	return fmt.Errorf("%w: %v", ErrProviderResponse, apiErr)
}
