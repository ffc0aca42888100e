package models

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Trend classifies how a group's rank moved since the previous cycle.
type Trend string

const (
	TrendNew  Trend = "new"
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendFlat Trend = "flat"
)

// SummaryRow is one ranked (event, market, side) group within a horizon.
type SummaryRow struct {
	Event          string          `json:"event"`
	Market         string          `json:"market"`
	Side           string          `json:"side"`
	Count          int             `json:"count"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	AvgPrice       float64         `json:"avg_price"`
	SentimentRatio float64         `json:"sentiment_ratio"`
	Rank           int             `json:"rank"`
	Trend          Trend           `json:"trend,omitempty"`
}

// GroupKey identifies the row's ranking group.
func (r SummaryRow) GroupKey() string {
	return GroupKey(r.Event, r.Market, r.Side)
}

// HorizonRanking is the ranked table for a single look-back window.
type HorizonRanking struct {
	Name   string        `json:"name"`
	Window time.Duration `json:"window"`
	Rows   []SummaryRow  `json:"rows"`
}

// Tier is an alert severity bucket.
type Tier int

const (
	Tier5  Tier = 5
	Tier10 Tier = 10
	Tier30 Tier = 30
)

// DiffMode selects how price movement is measured for alerts.
type DiffMode string

const (
	// DiffAbsolute measures end - start in price points.
	DiffAbsolute DiffMode = "absolute"
	// DiffPercent measures (end - start) / start * 100.
	DiffPercent DiffMode = "percent"
)

// Valid reports whether m is a known mode.
func (m DiffMode) Valid() bool {
	return m == DiffAbsolute || m == DiffPercent
}

// AlertItem is a group whose price moved past a tier threshold within the pool.
type AlertItem struct {
	Event      string    `json:"event"`
	Market     string    `json:"market"`
	Side       string    `json:"side"`
	StartPrice float64   `json:"start_price"`
	EndPrice   float64   `json:"end_price"`
	Diff       float64   `json:"diff"`
	Mode       DiffMode  `json:"mode"`
	Tier       Tier      `json:"tier"`
	Samples    int       `json:"samples"`
	Volatility float64   `json:"volatility"`
	DetectedAt time.Time `json:"detected_at"`
}

// GroupKey identifies the alert's group.
func (a AlertItem) GroupKey() string {
	return GroupKey(a.Event, a.Market, a.Side)
}

// Direction is "increase", "decrease" or "no_change".
func (a AlertItem) Direction() string {
	switch {
	case a.EndPrice > a.StartPrice:
		return "increase"
	case a.EndPrice < a.StartPrice:
		return "decrease"
	default:
		return "no_change"
	}
}

// FormatDiff renders the movement in the unit of its mode, e.g. "+30.0" or "-12.5%".
func (a AlertItem) FormatDiff() string {
	if a.Mode == DiffPercent {
		return fmt.Sprintf("%+.1f%%", a.Diff)
	}
	return fmt.Sprintf("%+.1f", a.Diff)
}

// AbsDiff is |Diff|.
func (a AlertItem) AbsDiff() float64 {
	return math.Abs(a.Diff)
}

// AlertBuckets holds alerts split by tier. A group appears in at most one bucket.
type AlertBuckets struct {
	Tier5  []AlertItem `json:"tier5"`
	Tier10 []AlertItem `json:"tier10"`
	Tier30 []AlertItem `json:"tier30"`
}

// All returns alerts from the highest tier down.
func (b AlertBuckets) All() []AlertItem {
	out := make([]AlertItem, 0, b.Len())
	out = append(out, b.Tier30...)
	out = append(out, b.Tier10...)
	out = append(out, b.Tier5...)
	return out
}

// Len is the total number of alerts.
func (b AlertBuckets) Len() int {
	return len(b.Tier5) + len(b.Tier10) + len(b.Tier30)
}

// AtLeast returns alerts whose tier is min or higher, highest first.
func (b AlertBuckets) AtLeast(min Tier) []AlertItem {
	var out []AlertItem
	for _, a := range b.All() {
		if a.Tier >= min {
			out = append(out, a)
		}
	}
	return out
}

// MergeStats reports what a pool merge did.
type MergeStats struct {
	Added    int `json:"added"`
	Replaced int `json:"replaced"`
	Skipped  int `json:"skipped"`
	Evicted  int `json:"evicted"`
}

// UserStats are network-wide user counts by calendar day (UTC).
type UserStats struct {
	NewToday     int64     `json:"new_today"`
	NewYesterday int64     `json:"new_yesterday"`
	DAUYesterday int64     `json:"dau_yesterday"`
	SeasonTotal  int64     `json:"season_total"`
	SeasonStart  time.Time `json:"season_start"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Dashboard is the full output of one refresh cycle.
type Dashboard struct {
	Rankings  []HorizonRanking `json:"rankings"`
	Alerts    AlertBuckets     `json:"alerts"`
	Users     *UserStats       `json:"users,omitempty"`
	PoolSize  int              `json:"pool_size"`
	Merge     MergeStats       `json:"merge"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Ranking returns the ranking for the named horizon.
func (d *Dashboard) Ranking(name string) (HorizonRanking, bool) {
	for _, r := range d.Rankings {
		if r.Name == name {
			return r, true
		}
	}
	return HorizonRanking{}, false
}

// Snapshot is the persisted state needed to resume after a restart.
type Snapshot struct {
	Observations []Observation            `json:"observations"`
	RankHistory  map[string]map[string]int `json:"rank_history"`
	SavedAt      time.Time                `json:"saved_at"`
}
