package monitor

import (
	"math"
	"sort"
	"time"

	"github.com/rewired-gh/polyboard/internal/models"
)

// Thresholds are the minimum |diff| for each tier.
type Thresholds struct {
	Low  float64
	Mid  float64
	High float64
}

// DefaultThresholds match tiers 5, 10 and 30.
var DefaultThresholds = Thresholds{Low: 5, Mid: 10, High: 30}

// AlertConfig controls price-movement detection.
type AlertConfig struct {
	Mode       models.DiffMode
	Thresholds Thresholds
}

func (c AlertConfig) withDefaults() AlertConfig {
	if !c.Mode.Valid() {
		c.Mode = models.DiffAbsolute
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds
	}
	return c
}

// classify picks the single highest tier |diff| reaches.
func (t Thresholds) classify(diff float64) (models.Tier, bool) {
	abs := math.Abs(diff)
	switch {
	case abs >= t.High:
		return models.Tier30, true
	case abs >= t.Mid:
		return models.Tier10, true
	case abs >= t.Low:
		return models.Tier5, true
	default:
		return 0, false
	}
}

// priceDiff measures the move from start to end. ok is false when the
// percent mode would divide by zero.
func priceDiff(mode models.DiffMode, start, end float64) (float64, bool) {
	if mode == models.DiffPercent {
		if start == 0 {
			return 0, false
		}
		return (end - start) / start * 100, true
	}
	return end - start, true
}

// DetectAlerts groups the whole pool by (event, market, side) and buckets groups
// whose first-to-last price move crosses a threshold. Groups with fewer than two
// observations are ignored. Each bucket is ordered by |diff| descending.
func DetectAlerts(obs []models.Observation, cfg AlertConfig, now time.Time) models.AlertBuckets {
	cfg = cfg.withDefaults()
	buckets := models.AlertBuckets{
		Tier5:  []models.AlertItem{},
		Tier10: []models.AlertItem{},
		Tier30: []models.AlertItem{},
	}

	groups := make(map[string][]models.Observation)
	for _, o := range obs {
		key := o.GroupKey()
		groups[key] = append(groups[key], o)
	}

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].ObservedAt.Equal(group[j].ObservedAt) {
				return group[i].ObservedAt.Before(group[j].ObservedAt)
			}
			return group[i].Key() < group[j].Key()
		})

		first, last := group[0], group[len(group)-1]
		diff, ok := priceDiff(cfg.Mode, first.Price, last.Price)
		if !ok {
			continue
		}
		tier, ok := cfg.Thresholds.classify(diff)
		if !ok {
			continue
		}

		var stats welford
		for _, o := range group {
			stats.add(o.Price)
		}

		item := models.AlertItem{
			Event:      first.Event,
			Market:     first.Market,
			Side:       first.Side,
			StartPrice: first.Price,
			EndPrice:   last.Price,
			Diff:       diff,
			Mode:       cfg.Mode,
			Tier:       tier,
			Samples:    stats.count,
			Volatility: stats.stddev(),
			DetectedAt: now,
		}
		switch tier {
		case models.Tier30:
			buckets.Tier30 = append(buckets.Tier30, item)
		case models.Tier10:
			buckets.Tier10 = append(buckets.Tier10, item)
		default:
			buckets.Tier5 = append(buckets.Tier5, item)
		}
	}

	sortAlerts(buckets.Tier5)
	sortAlerts(buckets.Tier10)
	sortAlerts(buckets.Tier30)
	return buckets
}

func sortAlerts(items []models.AlertItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].AbsDiff() != items[j].AbsDiff() {
			return items[i].AbsDiff() > items[j].AbsDiff()
		}
		return items[i].GroupKey() < items[j].GroupKey()
	})
}
