// Package storage provides SQLite-backed persistence for pool snapshots, rank history and the alert log.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/polyboard/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db        *sql.DB
	maxAlerts int
}

// New opens or creates the SQLite database at dbPath and keeps at most maxAlerts
// rows in the alert log. An empty dbPath defaults to $TMPDIR/polyboard/data.db.
func New(maxAlerts int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "polyboard", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxAlerts: maxAlerts}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS observations (
			obs_key         TEXT PRIMARY KEY,
			event           TEXT NOT NULL,
			market          TEXT NOT NULL,
			side            TEXT NOT NULL,
			amount          TEXT NOT NULL,
			price           REAL NOT NULL,
			source_time     TEXT NOT NULL,
			observed_at     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rank_history (
			horizon         TEXT NOT NULL,
			group_key       TEXT NOT NULL,
			position        INTEGER NOT NULL,
			PRIMARY KEY (horizon, group_key)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshot_meta (
			id              INTEGER PRIMARY KEY CHECK (id = 1),
			saved_at        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id              TEXT PRIMARY KEY,
			event           TEXT NOT NULL,
			market          TEXT NOT NULL,
			side            TEXT NOT NULL,
			start_price     REAL NOT NULL,
			end_price       REAL NOT NULL,
			diff            REAL NOT NULL,
			mode            TEXT NOT NULL,
			tier            INTEGER NOT NULL,
			samples         INTEGER NOT NULL,
			volatility      REAL NOT NULL,
			detected_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_detected_at ON alerts(detected_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot replaces the stored pool and rank history in one transaction.
func (s *Storage) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{`DELETE FROM observations`, `DELETE FROM rank_history`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear snapshot: %w", err)
		}
	}

	insertObs, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO observations
			(obs_key, event, market, side, amount, price, source_time, observed_at)
		VALUES (?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare observation insert: %w", err)
	}
	defer insertObs.Close()
	for _, o := range snap.Observations {
		if _, err := insertObs.ExecContext(ctx,
			o.Key(), o.Event, o.Market, o.Side, o.Amount.String(), o.Price, o.SourceTime,
			o.ObservedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to insert observation: %w", err)
		}
	}

	insertRank, err := tx.PrepareContext(ctx, `
		INSERT INTO rank_history (horizon, group_key, position) VALUES (?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare rank insert: %w", err)
	}
	defer insertRank.Close()
	for horizon, ranks := range snap.RankHistory {
		for key, rank := range ranks {
			if _, err := insertRank.ExecContext(ctx, horizon, key, rank); err != nil {
				return fmt.Errorf("failed to insert rank: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshot_meta (id, saved_at) VALUES (1, ?)`,
		snap.SavedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to record snapshot time: %w", err)
	}

	return tx.Commit()
}

// LoadSnapshot reads the last saved snapshot, or nil when none was ever saved.
func (s *Storage) LoadSnapshot(ctx context.Context) (*models.Snapshot, error) {
	var savedAtNano int64
	err := s.db.QueryRowContext(ctx, `SELECT saved_at FROM snapshot_meta WHERE id = 1`).Scan(&savedAtNano)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot time: %w", err)
	}

	obs, err := s.loadObservations(ctx)
	if err != nil {
		return nil, err
	}
	history, err := s.loadRankHistory(ctx)
	if err != nil {
		return nil, err
	}
	return &models.Snapshot{
		Observations: obs,
		RankHistory:  history,
		SavedAt:      time.Unix(0, savedAtNano),
	}, nil
}

func (s *Storage) loadObservations(ctx context.Context) ([]models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event, market, side, amount, price, source_time, observed_at
		FROM observations ORDER BY observed_at, obs_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	obs := []models.Observation{}
	for rows.Next() {
		var o models.Observation
		var amount string
		var observedAtNano int64
		if err := rows.Scan(&o.Event, &o.Market, &o.Side, &amount, &o.Price, &o.SourceTime, &observedAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse amount %q: %w", amount, err)
		}
		o.ObservedAt = time.Unix(0, observedAtNano)
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

func (s *Storage) loadRankHistory(ctx context.Context) (map[string]map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT horizon, group_key, position FROM rank_history`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rank history: %w", err)
	}
	defer rows.Close()

	history := make(map[string]map[string]int)
	for rows.Next() {
		var horizon, key string
		var rank int
		if err := rows.Scan(&horizon, &key, &rank); err != nil {
			return nil, fmt.Errorf("failed to scan rank: %w", err)
		}
		if history[horizon] == nil {
			history[horizon] = make(map[string]int)
		}
		history[horizon][key] = rank
	}
	return history, rows.Err()
}

// AddAlert appends a notified alert to the log and trims the log to maxAlerts.
func (s *Storage) AddAlert(ctx context.Context, alert *models.AlertItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts
			(id, event, market, side, start_price, end_price, diff, mode, tier,
			 samples, volatility, detected_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		uuid.NewString(), alert.Event, alert.Market, alert.Side,
		alert.StartPrice, alert.EndPrice, alert.Diff, string(alert.Mode), int(alert.Tier),
		alert.Samples, alert.Volatility, alert.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	if s.maxAlerts > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM alerts WHERE id NOT IN (
				SELECT id FROM alerts ORDER BY detected_at DESC LIMIT ?
			)`, s.maxAlerts); err != nil {
			return fmt.Errorf("failed to enforce alert cap: %w", err)
		}
	}

	return tx.Commit()
}

// RecentAlerts returns up to k logged alerts, newest first.
func (s *Storage) RecentAlerts(ctx context.Context, k int) ([]models.AlertItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event, market, side, start_price, end_price, diff, mode, tier,
		       samples, volatility, detected_at
		FROM alerts ORDER BY detected_at DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.AlertItem{}
	for rows.Next() {
		var a models.AlertItem
		var mode string
		var tier int
		var detectedAtNano int64
		if err := rows.Scan(
			&a.Event, &a.Market, &a.Side, &a.StartPrice, &a.EndPrice, &a.Diff, &mode, &tier,
			&a.Samples, &a.Volatility, &detectedAtNano,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Mode = models.DiffMode(mode)
		a.Tier = models.Tier(tier)
		a.DetectedAt = time.Unix(0, detectedAtNano)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ClearAlerts empties the alert log.
func (s *Storage) ClearAlerts(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alerts`); err != nil {
		return fmt.Errorf("failed to clear alerts: %w", err)
	}
	return nil
}
