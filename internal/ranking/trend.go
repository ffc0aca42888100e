package ranking

import (
	"sync"

	"github.com/rewired-gh/polyboard/internal/models"
)

// TrendTracker remembers the previous cycle's ranks per horizon and labels each
// new row with how its rank moved. Groups are keyed by (event, market, side),
// the same granularity the aggregator ranks by.
type TrendTracker struct {
	mtx sync.Mutex
	// horizon name -> group key -> rank
	history map[string]map[string]int
}

// NewTrendTracker creates a tracker with no history.
func NewTrendTracker() *TrendTracker {
	return &TrendTracker{history: make(map[string]map[string]int)}
}

// Classify compares a previous rank with the current one. ok is false when the
// group was not ranked last cycle.
func Classify(prev int, ok bool, cur int) models.Trend {
	switch {
	case !ok:
		return models.TrendNew
	case prev > cur:
		return models.TrendUp
	case prev < cur:
		return models.TrendDown
	default:
		return models.TrendFlat
	}
}

// Annotate sets Trend on every row and replaces the horizon's history with
// this cycle's ranks. Groups missing from rows are forgotten.
func (t *TrendTracker) Annotate(horizon string, rows []models.SummaryRow) []models.SummaryRow {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	prev := t.history[horizon]
	current := make(map[string]int, len(rows))
	out := make([]models.SummaryRow, len(rows))
	for i, row := range rows {
		key := row.GroupKey()
		rank, ok := prev[key]
		row.Trend = Classify(rank, ok, row.Rank)
		current[key] = row.Rank
		out[i] = row
	}
	t.history[horizon] = current
	return out
}

// History returns a copy of the stored ranks for a horizon.
func (t *TrendTracker) History(horizon string) map[string]int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return copyRanks(t.history[horizon])
}

// Export copies the full history for persistence.
func (t *TrendTracker) Export() map[string]map[string]int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	out := make(map[string]map[string]int, len(t.history))
	for h, ranks := range t.history {
		out[h] = copyRanks(ranks)
	}
	return out
}

// Import replaces the history, e.g. after a restart.
func (t *TrendTracker) Import(history map[string]map[string]int) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.history = make(map[string]map[string]int, len(history))
	for h, ranks := range history {
		t.history[h] = copyRanks(ranks)
	}
}

func copyRanks(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
