package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/polyboard/internal/models"
)

var baseTime = time.Date(2025, 12, 22, 12, 0, 0, 0, time.UTC)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func obs(key string, amount int64, at time.Time) models.Observation {
	return models.Observation{
		Event:      "EventX",
		Market:     "MarketA",
		Side:       "BUY",
		Amount:     decimal.NewFromInt(amount),
		Price:      50,
		SourceTime: key,
		ObservedAt: at,
	}
}

func TestNew_DefaultsMaxHistory(t *testing.T) {
	p := New(0)
	require.Equal(t, DefaultMaxHistory, p.MaxHistory())
	require.Equal(t, 0, p.Len())
	require.NotNil(t, p.Snapshot())
}

func TestMerge_SameObservationTwice(t *testing.T) {
	now := baseTime
	p := New(30*time.Minute, WithClock(fixedClock(&now)))

	o := obs("k1", 100, now.Add(-time.Minute))
	first := p.Merge([]models.Observation{o})
	second := p.Merge([]models.Observation{o})

	require.Equal(t, 1, first.Added)
	require.Equal(t, 1, second.Replaced)
	require.Equal(t, 1, p.Len())
}

func TestMerge_LastWriteWins(t *testing.T) {
	now := baseTime
	p := New(30*time.Minute, WithClock(fixedClock(&now)))

	// Same identity key, later insertion carries a different price.
	a := obs("k1", 100, now.Add(-2*time.Minute))
	b := a
	b.Price = 75
	b.ObservedAt = now.Add(-5 * time.Minute)

	p.Merge([]models.Observation{a})
	p.Merge([]models.Observation{b})

	got, ok := p.Get(a.Key())
	require.True(t, ok)
	require.Equal(t, 75.0, got.Price, "later insertion wins even with an older timestamp")
	require.Equal(t, 1, p.Len())
}

func TestMerge_DuplicatesWithinBatch(t *testing.T) {
	now := baseTime
	p := New(30*time.Minute, WithClock(fixedClock(&now)))

	a := obs("k1", 100, now)
	b := a
	b.Price = 10

	stats := p.Merge([]models.Observation{a, b})
	require.Equal(t, 1, stats.Added)
	require.Equal(t, 1, stats.Replaced)

	got, _ := p.Get(a.Key())
	require.Equal(t, 10.0, got.Price)
}

func TestMerge_DistinctAmountsAreDistinctKeys(t *testing.T) {
	now := baseTime
	p := New(30*time.Minute, WithClock(fixedClock(&now)))

	p.Merge([]models.Observation{obs("k1", 100, now)})
	p.Merge([]models.Observation{obs("k1", 200, now)})

	require.Equal(t, 2, p.Len())
}

func TestMerge_EvictsExpired(t *testing.T) {
	now := baseTime
	p := New(30*time.Minute, WithClock(fixedClock(&now)))

	stats := p.Merge([]models.Observation{
		obs("old", 1, now.Add(-31*time.Minute)),
		obs("edge", 1, now.Add(-30*time.Minute)),
		obs("fresh", 1, now.Add(-29*time.Minute)),
	})

	require.Equal(t, 2, stats.Evicted)
	require.Equal(t, 1, p.Len())
	for _, o := range p.Snapshot() {
		require.True(t, o.ObservedAt.After(now.Add(-30*time.Minute)))
	}
}

func TestMerge_EmptyBatchStillEvicts(t *testing.T) {
	now := baseTime
	p := New(30*time.Minute, WithClock(fixedClock(&now)))
	p.Merge([]models.Observation{obs("a", 1, now.Add(-10*time.Minute))})
	require.Equal(t, 1, p.Len())

	now = now.Add(21 * time.Minute)
	stats := p.Merge(nil)

	require.Equal(t, 1, stats.Evicted)
	require.Equal(t, 0, p.Len())
}

func TestMerge_SkipsInvalidWithoutAbortingBatch(t *testing.T) {
	now := baseTime
	p := New(30*time.Minute, WithClock(fixedClock(&now)))

	bad := obs("bad", 10, now)
	bad.Market = ""
	stats := p.Merge([]models.Observation{obs("a", 1, now), bad, obs("b", 2, now)})

	require.Equal(t, 1, stats.Skipped)
	require.Equal(t, 2, stats.Added)
	require.Equal(t, 2, p.Len())
}

func TestImportExport_RoundTrip(t *testing.T) {
	now := baseTime
	p := New(30*time.Minute, WithClock(fixedClock(&now)))
	p.Merge([]models.Observation{
		obs("b", 1, now.Add(-time.Minute)),
		obs("a", 2, now.Add(-2*time.Minute)),
	})
	exported := p.Export()
	require.Len(t, exported, 2)
	require.True(t, exported[0].ObservedAt.Before(exported[1].ObservedAt))

	restored := New(30*time.Minute, WithClock(fixedClock(&now)))
	restored.Merge([]models.Observation{obs("stale-local", 9, now)})
	restored.Import(exported)

	require.Equal(t, exported, restored.Export())
}

func TestImport_DropsExpiredSnapshotRows(t *testing.T) {
	now := baseTime
	p := New(30*time.Minute, WithClock(fixedClock(&now)))

	stats := p.Import([]models.Observation{
		obs("a", 1, now.Add(-45*time.Minute)),
		obs("b", 1, now.Add(-5*time.Minute)),
	})
	require.Equal(t, 1, stats.Evicted)
	require.Equal(t, 1, p.Len())
}

func TestImport_ResetAndMergeAreAtomic(t *testing.T) {
	now := baseTime
	p := New(30*time.Minute, WithClock(fixedClock(&now)))
	snapshot := []models.Observation{
		obs("a", 1, now.Add(-time.Minute)),
		obs("b", 2, now.Add(-2*time.Minute)),
		obs("c", 3, now.Add(-3*time.Minute)),
	}

	var wg sync.WaitGroup
	results := make(chan models.MergeStats, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- p.Import(snapshot)
		}()
	}
	wg.Wait()
	close(results)

	// Every import starts from an empty pool, so nothing is ever replaced.
	for stats := range results {
		require.Equal(t, len(snapshot), stats.Added)
		require.Zero(t, stats.Replaced)
	}
	require.Equal(t, len(snapshot), p.Len())
}
