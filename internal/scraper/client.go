package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rewired-gh/polyboard/internal/models"
)

// ClientConfig tunes request retries.
type ClientConfig struct {
	MaxRetries     int
	RetryDelayBase time.Duration
	UserAgent      string
}

// Client fetches the public trade activity page
type Client struct {
	url        string
	httpClient *http.Client
	config     ClientConfig
	now        func() time.Time
}

// NewClient creates a new activity page client
func NewClient(url string, timeout time.Duration, config ClientConfig) *Client {
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}
	if config.RetryDelayBase <= 0 {
		config.RetryDelayBase = time.Second
	}
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		config: config,
		now:    time.Now,
	}
}

// FetchObservations downloads the activity page and parses its trade table.
// Every accepted row is stamped with the same observation time. Rows that
// cannot be parsed are returned as RowErrors and do not fail the fetch.
func (c *Client) FetchObservations(ctx context.Context) ([]models.Observation, []RowError, error) {
	resp, err := c.doRequest(ctx, c.url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch activity page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	obs, rowErrs, err := ParseTable(resp.Body, c.now())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse activity page: %w", err)
	}
	return obs, rowErrs, nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.config.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * c.config.RetryDelayBase):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Accept", "text/html")
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
