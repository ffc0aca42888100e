package usage

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	seasonStart = time.Date(2025, 12, 22, 0, 0, 0, 0, time.UTC)
	now         = time.Date(2025, 12, 25, 9, 30, 0, 0, time.UTC)
)

const resultsBody = `{"execution_id":"x","result":{"rows":[
	{"DATE":"2025-12-20 00:00:00.000 UTC","NEW":1000,"OLD":5},
	{"date":"2025-12-22 00:00:00.000 UTC","new":100,"old":40},
	{"date":"2025-12-23","new":"200","old":60},
	{"date":"2025-12-24 00:00:00.000 UTC","new":300,"old":150},
	{"date":"2025-12-25 00:00:00.000 UTC","new":25},
	{"date":"garbage","new":7},
	{"date":"2025-12-24","old":9}
]}}`

func TestParseRows(t *testing.T) {
	rows := parseRows([]map[string]interface{}{
		{"Date": "2025-12-24 00:00:00.000 UTC", "New": float64(12), "Old": "3"},
		{"date": "2025-12-25", "new": "4"},
		{"date": nil, "new": float64(1)},
		{"date": "2025-12-25"},
		{"date": "2025-12-25", "new": "lots"},
	})
	require.Len(t, rows, 2)
	require.Equal(t, DailyUsers{Date: time.Date(2025, 12, 24, 0, 0, 0, 0, time.UTC), New: 12, Old: 3}, rows[0])
	require.Equal(t, int64(4), rows[1].New)
	require.Zero(t, rows[1].Old)
}

func TestSummarize(t *testing.T) {
	rows := []DailyUsers{
		{Date: seasonStart.AddDate(0, 0, -2), New: 1000, Old: 5},
		{Date: seasonStart, New: 100, Old: 40},
		{Date: seasonStart.AddDate(0, 0, 2), New: 300, Old: 150},
		{Date: seasonStart.AddDate(0, 0, 3), New: 25},
	}

	stats := Summarize(rows, now, seasonStart)
	require.Equal(t, int64(25), stats.NewToday)
	require.Equal(t, int64(300), stats.NewYesterday)
	require.Equal(t, int64(450), stats.DAUYesterday)
	require.Equal(t, int64(425), stats.SeasonTotal)
	require.True(t, stats.SeasonStart.Equal(seasonStart))
	require.True(t, stats.FetchedAt.Equal(now))
}

func TestSummarize_MissingDaysAreZero(t *testing.T) {
	stats := Summarize([]DailyUsers{{Date: seasonStart, New: 10, Old: 1}}, now, seasonStart)
	require.Zero(t, stats.NewToday)
	require.Zero(t, stats.NewYesterday)
	require.Zero(t, stats.DAUYesterday)
	require.Equal(t, int64(10), stats.SeasonTotal)
}

func newTestClient(url string, clock *time.Time) *Client {
	c := NewClient(url, 5*time.Second, ClientConfig{
		APIKey:         "secret",
		CacheTTL:       10 * time.Minute,
		SeasonStart:    seasonStart,
		MaxRetries:     2,
		RetryDelayBase: time.Millisecond,
	})
	c.now = func() time.Time { return *clock }
	return c
}

func TestClient_UserStats(t *testing.T) {
	gotKey := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey <- r.Header.Get("X-Dune-Api-Key")
		fmt.Fprint(w, resultsBody)
	}))
	defer srv.Close()

	clock := now
	stats, err := newTestClient(srv.URL, &clock).UserStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, "secret", <-gotKey)
	require.Equal(t, int64(25), stats.NewToday)
	require.Equal(t, int64(300), stats.NewYesterday)
	require.Equal(t, int64(450), stats.DAUYesterday)
	require.Equal(t, int64(625), stats.SeasonTotal)
}

func TestClient_CachesUntilTTL(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, resultsBody)
	}))
	defer srv.Close()

	clock := now
	c := newTestClient(srv.URL, &clock)

	first, err := c.UserStats(context.Background())
	require.NoError(t, err)
	clock = clock.Add(9 * time.Minute)
	second, err := c.UserStats(context.Background())
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	clock = clock.Add(time.Minute)
	_, err = c.UserStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_FailureKeepsPreviousStats(t *testing.T) {
	var fail atomic.Bool
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if fail.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, resultsBody)
	}))
	defer srv.Close()

	clock := now
	c := newTestClient(srv.URL, &clock)
	good, err := c.UserStats(context.Background())
	require.NoError(t, err)

	fail.Store(true)
	clock = clock.Add(11 * time.Minute)
	stale, err := c.UserStats(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
	require.Same(t, good, stale)

	// The failed attempt also waits out the TTL before trying again.
	clock = clock.Add(time.Minute)
	_, err = c.UserStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_NoStatsBeforeFirstSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	clock := now
	stats, err := newTestClient(srv.URL, &clock).UserStats(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "max retries exceeded")
	require.Nil(t, stats)
}

func TestClient_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>")
	}))
	defer srv.Close()

	clock := now
	_, err := newTestClient(srv.URL, &clock).UserStats(context.Background())
	require.ErrorContains(t, err, "decode")
}
