package ranking

import (
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/polyboard/internal/models"
)

func pairKey(event, market string) string {
	return event + "\x1f" + market
}

// Sentiment computes the long share of traded amount per (event, market) pair.
// Pairs with zero total amount report opts.NeutralSentiment.
func Sentiment(subset []models.Observation, opts Options) map[string]float64 {
	opts = opts.withDefaults()
	long := make(map[string]bool, len(opts.LongSides))
	for _, s := range opts.LongSides {
		long[s] = true
	}

	totals := make(map[string]decimal.Decimal)
	longTotals := make(map[string]decimal.Decimal)
	for _, o := range subset {
		key := pairKey(o.Event, o.Market)
		totals[key] = totals[key].Add(o.Amount)
		if long[o.Side] {
			longTotals[key] = longTotals[key].Add(o.Amount)
		}
	}

	ratios := make(map[string]float64, len(totals))
	for key, total := range totals {
		if !total.IsPositive() {
			ratios[key] = opts.NeutralSentiment
			continue
		}
		ratio, _ := longTotals[key].Div(total).Float64()
		ratios[key] = ratio
	}
	return ratios
}

// PairSentiment is Sentiment for a single pair, neutral when the pair is absent.
func PairSentiment(subset []models.Observation, event, market string, opts Options) float64 {
	opts = opts.withDefaults()
	if r, ok := Sentiment(subset, opts)[pairKey(event, market)]; ok {
		return r
	}
	return opts.NeutralSentiment
}
