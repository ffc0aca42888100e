package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/polyboard/internal/logger"
	"github.com/rewired-gh/polyboard/internal/metrics"
	"github.com/rewired-gh/polyboard/internal/models"
	"github.com/rewired-gh/polyboard/internal/pool"
	"github.com/rewired-gh/polyboard/internal/ranking"
)

// Horizon is a named look-back window, e.g. {"10m", 10 * time.Minute}.
type Horizon struct {
	Name   string
	Window time.Duration
}

// DefaultHorizons are the 1, 10 and 30 minute windows.
var DefaultHorizons = []Horizon{
	{Name: "1m", Window: time.Minute},
	{Name: "10m", Window: 10 * time.Minute},
	{Name: "30m", Window: 30 * time.Minute},
}

type Config struct {
	MaxHistory         time.Duration
	Horizons           []Horizon
	LongSides          []string
	NeutralSentiment   float64
	Alerts             AlertConfig
	TopK               int
	CooldownMultiplier int
	CheckpointInterval int
}

func DefaultConfig() Config {
	return Config{
		MaxHistory:         pool.DefaultMaxHistory,
		Horizons:           DefaultHorizons,
		LongSides:          ranking.DefaultLongSides,
		NeutralSentiment:   ranking.DefaultNeutralSentiment,
		Alerts:             AlertConfig{Mode: models.DiffAbsolute, Thresholds: DefaultThresholds},
		TopK:               10,
		CooldownMultiplier: 5,
		CheckpointInterval: 1,
	}
}

// Snapshotter persists the pool and rank history between restarts.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, snap *models.Snapshot) error
	// LoadSnapshot returns nil, nil when nothing has been saved yet.
	LoadSnapshot(ctx context.Context) (*models.Snapshot, error)
}

// UserStatsSource supplies network-wide user counts for the dashboard.
type UserStatsSource interface {
	UserStats(ctx context.Context) (*models.UserStats, error)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source for the monitor and its pool.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithUserStats attaches user counts from src to every dashboard.
func WithUserStats(src UserStatsSource) Option {
	return func(m *Monitor) {
		m.users = src
	}
}

type notifiedRecord struct {
	Direction string
	Tier      models.Tier
	SentAt    time.Time
}

// Monitor owns the rolling pool and rank history and turns each poll into a Dashboard.
type Monitor struct {
	mtx            sync.Mutex
	pool           *pool.Pool
	trends         *ranking.TrendTracker
	store          Snapshotter
	users          UserStatsSource
	notifiedGroups map[string]notifiedRecord
	config         Config
	now            func() time.Time
	cycleCount     int
	latest         *models.Dashboard
}

// New builds a Monitor and restores state from store when one is given.
func New(ctx context.Context, store Snapshotter, config Config, opts ...Option) *Monitor {
	if len(config.Horizons) == 0 {
		config.Horizons = DefaultHorizons
	}
	m := &Monitor{
		trends:         ranking.NewTrendTracker(),
		store:          store,
		notifiedGroups: make(map[string]notifiedRecord),
		config:         config,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pool = pool.New(config.MaxHistory, pool.WithClock(m.now))

	if store == nil {
		return m
	}
	snap, err := store.LoadSnapshot(ctx)
	if err != nil {
		logger.Warn("Failed to load persisted snapshot: %v", err)
		return m
	}
	if snap == nil {
		logger.Debug("No persisted snapshot found, starting with an empty pool")
		return m
	}
	stats := m.pool.Import(snap.Observations)
	m.trends.Import(snap.RankHistory)
	logger.Info("Restored %d observations (%d expired, %d invalid) and %d horizon histories from snapshot saved at %s",
		m.pool.Len(), stats.Evicted, stats.Skipped, len(snap.RankHistory), snap.SavedAt.Format(time.RFC3339))
	return m
}

func (m *Monitor) aggregationOptions() ranking.Options {
	return ranking.Options{
		LongSides:        m.config.LongSides,
		NeutralSentiment: m.config.NeutralSentiment,
	}
}

// ProcessPoll merges a batch of observations (possibly empty), then ranks every
// horizon and scans the pool for alerts.
func (m *Monitor) ProcessPoll(ctx context.Context, obs []models.Observation) *models.Dashboard {
	users := m.userStats(ctx)

	m.mtx.Lock()
	defer m.mtx.Unlock()

	stats := m.pool.Merge(obs)
	metrics.RecordMerge(stats, m.pool.Len())
	logger.Debug("Merged %d observations: %d added, %d replaced, %d skipped, %d evicted",
		len(obs), stats.Added, stats.Replaced, stats.Skipped, stats.Evicted)

	snapshot := m.pool.Snapshot()
	now := m.now()
	opts := m.aggregationOptions()

	rankings := make([]models.HorizonRanking, 0, len(m.config.Horizons))
	for _, h := range m.config.Horizons {
		rows := ranking.Summarize(snapshot, h.Window, now, opts)
		rows = m.trends.Annotate(h.Name, rows)
		rankings = append(rankings, models.HorizonRanking{Name: h.Name, Window: h.Window, Rows: rows})
	}

	alerts := DetectAlerts(snapshot, m.config.Alerts, now)

	dash := &models.Dashboard{
		Rankings:  rankings,
		Alerts:    alerts,
		Users:     users,
		PoolSize:  len(snapshot),
		Merge:     stats,
		UpdatedAt: now,
	}
	metrics.RecordDashboard(dash)
	logger.Debug("Cycle summary: pool=%d alerts=%d (tier30=%d tier10=%d tier5=%d)",
		dash.PoolSize, alerts.Len(), len(alerts.Tier30), len(alerts.Tier10), len(alerts.Tier5))

	m.latest = dash
	m.cycleCount++
	if m.config.CheckpointInterval > 0 && m.cycleCount%m.config.CheckpointInterval == 0 {
		m.checkpoint(ctx)
	}
	return dash
}

// userStats is called outside the lock since it may hit the network.
func (m *Monitor) userStats(ctx context.Context) *models.UserStats {
	if m.users == nil {
		return nil
	}
	stats, err := m.users.UserStats(ctx)
	if err != nil {
		logger.Warn("Failed to refresh user stats: %v", err)
	}
	return stats
}

// Latest returns the most recent dashboard, or nil before the first cycle.
func (m *Monitor) Latest() *models.Dashboard {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.latest
}

// PoolSize is the number of observations currently retained.
func (m *Monitor) PoolSize() int {
	return m.pool.Len()
}

func (m *Monitor) checkpoint(ctx context.Context) {
	if m.store == nil {
		return
	}
	snap := &models.Snapshot{
		Observations: m.pool.Export(),
		RankHistory:  m.trends.Export(),
		SavedAt:      m.now(),
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		logger.Warn("Failed to checkpoint snapshot: %v", err)
	}
}

// Shutdown writes a final checkpoint.
func (m *Monitor) Shutdown(ctx context.Context) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	logger.Info("Checkpointing %d observations before shutdown", m.pool.Len())
	m.checkpoint(ctx)
}

// FilterRecentlySent drops alerts already notified within cooldown in the same
// direction, unless they escalated to a higher tier since.
func (m *Monitor) FilterRecentlySent(alerts []models.AlertItem, cooldown time.Duration) []models.AlertItem {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	now := m.now()
	var result []models.AlertItem
	for _, alert := range alerts {
		rec, exists := m.notifiedGroups[alert.GroupKey()]
		if exists && now.Sub(rec.SentAt) < cooldown {
			sameDirection := rec.Direction == alert.Direction()
			escalated := alert.Tier > rec.Tier
			if sameDirection && !escalated {
				continue
			}
		}
		result = append(result, alert)
	}
	return result
}

// RecordNotified remembers alerts that were delivered.
func (m *Monitor) RecordNotified(alerts []models.AlertItem) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	now := m.now()
	for _, alert := range alerts {
		m.notifiedGroups[alert.GroupKey()] = notifiedRecord{
			Direction: alert.Direction(),
			Tier:      alert.Tier,
			SentAt:    now,
		}
	}
	for key, rec := range m.notifiedGroups {
		if now.Sub(rec.SentAt) > m.pool.MaxHistory() {
			delete(m.notifiedGroups, key)
		}
	}
}

// PostProcessAlerts selects alerts at or above minTier worth notifying: highest
// tier and largest move first, capped at TopK, minus recently sent ones.
func (m *Monitor) PostProcessAlerts(buckets models.AlertBuckets, minTier models.Tier, pollInterval time.Duration) []models.AlertItem {
	alerts := buckets.AtLeast(minTier)

	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].Tier != alerts[j].Tier {
			return alerts[i].Tier > alerts[j].Tier
		}
		return alerts[i].AbsDiff() > alerts[j].AbsDiff()
	})

	if m.config.TopK > 0 && len(alerts) > m.config.TopK {
		alerts = alerts[:m.config.TopK]
	}

	cooldown := time.Duration(m.config.CooldownMultiplier) * pollInterval
	return m.FilterRecentlySent(alerts, cooldown)
}
