// Package usage fetches network-wide user counts from a Dune query.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"

	"github.com/rewired-gh/polyboard/internal/logger"
	"github.com/rewired-gh/polyboard/internal/metrics"
	"github.com/rewired-gh/polyboard/internal/models"
)

const dateLayout = "2006-01-02"

// ClientConfig tunes caching and request retries.
type ClientConfig struct {
	APIKey         string
	CacheTTL       time.Duration
	SeasonStart    time.Time
	MaxRetries     int
	RetryDelayBase time.Duration
}

// DailyUsers is one row of the query: new and returning users on a UTC day.
type DailyUsers struct {
	Date time.Time
	New  int64
	Old  int64
}

// Client reads the daily users query and caches the summary for CacheTTL.
type Client struct {
	url        string
	httpClient *http.Client
	config     ClientConfig
	now        func() time.Time

	mtx       sync.Mutex
	cached    *models.UserStats
	fetchedAt time.Time
}

// NewClient creates a new query results client
func NewClient(url string, timeout time.Duration, config ClientConfig) *Client {
	if config.MaxRetries < 1 {
		config.MaxRetries = 1
	}
	if config.RetryDelayBase <= 0 {
		config.RetryDelayBase = time.Second
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 10 * time.Minute
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

// UserStats returns the cached summary, refreshing it once CacheTTL has passed.
// A failed refresh returns the previous summary (nil if there is none) with
// the error, and is not retried until CacheTTL passes again.
func (c *Client) UserStats(ctx context.Context) (*models.UserStats, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	now := c.now()
	if !c.fetchedAt.IsZero() && now.Sub(c.fetchedAt) < c.config.CacheTTL {
		return c.cached, nil
	}
	c.fetchedAt = now

	rows, err := c.fetchRows(ctx)
	if err != nil {
		metrics.UsageFetchErrors.Inc()
		return c.cached, err
	}
	stats := Summarize(rows, now, c.config.SeasonStart)
	c.cached = &stats
	logger.Debug("Refreshed user stats from %d rows: today +%d, season %d", len(rows), stats.NewToday, stats.SeasonTotal)
	return c.cached, nil
}

type queryResults struct {
	Result struct {
		Rows []map[string]interface{} `json:"rows"`
	} `json:"result"`
}

func (c *Client) fetchRows(ctx context.Context) ([]DailyUsers, error) {
	resp, err := c.doRequest(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var results queryResults
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to decode user stats: %w", err)
	}
	return parseRows(results.Result.Rows), nil
}

// parseRows reads date, new and old columns case-insensitively. Rows without a
// usable date or new count are skipped; a missing old count is zero.
func parseRows(raw []map[string]interface{}) []DailyUsers {
	rows := make([]DailyUsers, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		cols := make(map[string]interface{}, len(r))
		for k, v := range r {
			cols[strings.ToLower(k)] = v
		}

		dateStr, err := cast.ToStringE(cols["date"])
		if err != nil || len(dateStr) < len(dateLayout) {
			skipped++
			continue
		}
		date, err := time.Parse(dateLayout, dateStr[:len(dateLayout)])
		if err != nil {
			skipped++
			continue
		}
		newUsers, err := cast.ToInt64E(cols["new"])
		if err != nil || cols["new"] == nil {
			skipped++
			continue
		}
		oldUsers, _ := cast.ToInt64E(cols["old"])

		rows = append(rows, DailyUsers{Date: date, New: newUsers, Old: oldUsers})
	}
	if skipped > 0 {
		logger.Debug("Skipped %d malformed user stats rows", skipped)
	}
	return rows
}

// Summarize computes today's and yesterday's counts and the season total from
// daily rows. Days before seasonStart are ignored; absent days count as zero.
func Summarize(rows []DailyUsers, now, seasonStart time.Time) models.UserStats {
	today := day(now)
	yesterday := today.AddDate(0, 0, -1)
	start := day(seasonStart)

	stats := models.UserStats{SeasonStart: start, FetchedAt: now}
	for _, r := range rows {
		d := day(r.Date)
		if d.Before(start) {
			continue
		}
		stats.SeasonTotal += r.New
		switch {
		case d.Equal(today):
			stats.NewToday += r.New
		case d.Equal(yesterday):
			stats.NewYesterday += r.New
			stats.DAUYesterday += r.New + r.Old
		}
	}
	return stats
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
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

		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Dune-Api-Key", c.config.APIKey)

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
