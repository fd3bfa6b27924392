package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"constitutional/internal/migration/models"
	"constitutional/internal/migration/ports"
)

// DefaultRequestTimeout bounds each outbound API call. Connectors own
// per-call timeouts; retries happen a layer above.
const DefaultRequestTimeout = 30 * time.Second

// APIConnector pulls records from a provider speaking the platform's
// paginated JSON envelope:
//
//	{"data": [...], "pagination": {"cursor": "...", "has_more": true, "total": 123}}
//
// Cursor pagination is preferred when the provider returns one; offset
// and limit are always sent so offset-only providers work too.
type APIConnector struct {
	client  *http.Client
	baseURL string
	path    string
	apiKey  string
	timeout time.Duration
}

// APIOption configures an APIConnector.
type APIOption func(*APIConnector)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) APIOption {
	return func(c *APIConnector) { c.client = client }
}

// WithRequestTimeout overrides the per-call timeout.
func WithRequestTimeout(d time.Duration) APIOption {
	return func(c *APIConnector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewAPI builds an API connector. Base URL, path, and credentials come
// from the job's source config at Open time.
func NewAPI(opts ...APIOption) *APIConnector {
	c := &APIConnector{
		client:  &http.Client{},
		timeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Data       []models.Record `json:"data"`
	Pagination struct {
		Cursor  string `json:"cursor"`
		HasMore bool   `json:"has_more"`
		Total   *int   `json:"total"`
	} `json:"pagination"`
}

func (c *APIConnector) Open(ctx context.Context, cfg models.SourceConfig) (int, error) {
	c.baseURL, _ = cfg.Config["baseUrl"].(string)
	c.path, _ = cfg.Config["path"].(string)
	c.apiKey, _ = cfg.Config["apiKey"].(string)
	if c.baseURL == "" {
		return 0, models.Errorf(models.ErrorConnection, "source config missing baseUrl")
	}

	// Probe with a single-record page to learn the total when the
	// provider reports one.
	env, err := c.fetchPage(ctx, 0, "", 1)
	if err != nil {
		return 0, err
	}
	if env.Pagination.Total != nil {
		return *env.Pagination.Total, nil
	}
	return -1, nil
}

func (c *APIConnector) Fetch(ctx context.Context, offset int, cursor string, limit int) (*ports.SourceBatch, error) {
	env, err := c.fetchPage(ctx, offset, cursor, limit)
	if err != nil {
		return nil, err
	}
	return &ports.SourceBatch{
		Records:   env.Data,
		Cursor:    env.Pagination.Cursor,
		Exhausted: !env.Pagination.HasMore,
	}, nil
}

func (c *APIConnector) fetchPage(ctx context.Context, offset int, cursor string, limit int) (*envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint, err := url.JoinPath(c.baseURL, c.path)
	if err != nil {
		return nil, models.Errorf(models.ErrorConnection, "bad source URL: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, models.Errorf(models.ErrorConnection, "build request: %v", err)
	}
	q := req.URL.Query()
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	req.URL.RawQuery = q.Encode()
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, models.WrapError(models.ErrorConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, models.Errorf(models.ErrorConnection, "source returned %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		// 4xx other than throttling is a permanent source problem.
		return nil, models.Errorf(models.ErrorUnknown, "source returned %s", resp.Status)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, models.Errorf(models.ErrorConnection, "decode source response: %v", err)
	}
	return &env, nil
}

func (c *APIConnector) Close(ctx context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}

var _ ports.SourceConnector = (*APIConnector)(nil)
