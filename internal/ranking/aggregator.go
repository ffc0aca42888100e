// Package ranking turns pool observations into ranked per-horizon tables.
package ranking

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/polyboard/internal/models"
)

// Options tune aggregation. Empty LongSides fall back to DefaultLongSides;
// NeutralSentiment is used as given, so start from DefaultOptions for 0.5.
type Options struct {
	// LongSides are the sides counted as long when computing sentiment.
	LongSides []string
	// NeutralSentiment is reported for pairs with no traded amount.
	NeutralSentiment float64
}

// DefaultLongSides are the sides that express a bullish position.
var DefaultLongSides = []string{models.SideBuy, models.SideYes}

// DefaultNeutralSentiment is the ratio reported when a pair has no volume.
const DefaultNeutralSentiment = 0.5

// DefaultOptions returns the long sides and neutral ratio used by the dashboard.
func DefaultOptions() Options {
	return Options{LongSides: DefaultLongSides, NeutralSentiment: DefaultNeutralSentiment}
}

func (o Options) withDefaults() Options {
	if len(o.LongSides) == 0 {
		o.LongSides = DefaultLongSides
	}
	return o
}

type group struct {
	row      models.SummaryRow
	priceSum float64
}

// InWindow returns the observations strictly newer than now - horizon.
func InWindow(obs []models.Observation, horizon time.Duration, now time.Time) []models.Observation {
	cutoff := now.Add(-horizon)
	subset := make([]models.Observation, 0, len(obs))
	for _, o := range obs {
		if o.ObservedAt.After(cutoff) {
			subset = append(subset, o)
		}
	}
	return subset
}

// Summarize ranks (event, market, side) groups seen within horizon of now.
//
// Rows are ordered by trade count, then total amount, both descending, then by
// event, market and side ascending so equal groups always rank the same way.
// The result is never nil.
func Summarize(obs []models.Observation, horizon time.Duration, now time.Time, opts Options) []models.SummaryRow {
	opts = opts.withDefaults()
	subset := InWindow(obs, horizon, now)
	if len(subset) == 0 {
		return []models.SummaryRow{}
	}

	groups := make(map[string]*group)
	for _, o := range subset {
		key := o.GroupKey()
		g, ok := groups[key]
		if !ok {
			g = &group{row: models.SummaryRow{
				Event:       o.Event,
				Market:      o.Market,
				Side:        o.Side,
				TotalAmount: decimal.Zero,
			}}
			groups[key] = g
		}
		g.row.Count++
		g.row.TotalAmount = g.row.TotalAmount.Add(o.Amount)
		g.priceSum += o.Price
	}

	sentiment := Sentiment(subset, opts)

	rows := make([]models.SummaryRow, 0, len(groups))
	for _, g := range groups {
		row := g.row
		row.AvgPrice = g.priceSum / float64(row.Count)
		row.SentimentRatio = sentiment[pairKey(row.Event, row.Market)]
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		return less(rows[i], rows[j])
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows
}

func less(a, b models.SummaryRow) bool {
	if a.Count != b.Count {
		return a.Count > b.Count
	}
	if c := a.TotalAmount.Cmp(b.TotalAmount); c != 0 {
		return c > 0
	}
	if a.Event != b.Event {
		return a.Event < b.Event
	}
	if a.Market != b.Market {
		return a.Market < b.Market
	}
	return a.Side < b.Side
}
