package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rewired-gh/polyboard/internal/config"
	"github.com/rewired-gh/polyboard/internal/logger"
	"github.com/rewired-gh/polyboard/internal/metrics"
	"github.com/rewired-gh/polyboard/internal/models"
	"github.com/rewired-gh/polyboard/internal/monitor"
	"github.com/rewired-gh/polyboard/internal/scraper"
	"github.com/rewired-gh/polyboard/internal/server"
	"github.com/rewired-gh/polyboard/internal/storage"
	"github.com/rewired-gh/polyboard/internal/telegram"
	"github.com/rewired-gh/polyboard/internal/usage"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

const shutdownTimeout = 10 * time.Second

type alertLog interface {
	AddAlert(ctx context.Context, alert *models.AlertItem) error
}

type app struct {
	cfg      *config.Config
	scraper  *scraper.Client
	monitor  *monitor.Monitor
	telegram *telegram.Client
	server   *server.Server
	alertLog alertLog
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		snapshotter monitor.Snapshotter
		history     server.AlertHistory
		alerts      alertLog
	)
	switch cfg.Storage.Backend {
	case "sqlite":
		store, err := storage.New(cfg.Storage.MaxAlerts, cfg.Storage.DBPath)
		if err != nil {
			logger.Fatal("Failed to initialize storage: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close storage: %v", err)
			}
		}()
		snapshotter, history, alerts = store, store, store
		logger.Info("Using SQLite storage at %s", cfg.Storage.DBPath)
	case "redis":
		store, err := storage.NewRedisStore(ctx, cfg.Storage.RedisURL, cfg.Storage.KeyPrefix, cfg.Storage.SnapshotTTL)
		if err != nil {
			logger.Fatal("Failed to initialize Redis storage: %v", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close Redis storage: %v", err)
			}
		}()
		snapshotter = store
		logger.Info("Using Redis snapshot storage (prefix %q), alert history disabled", cfg.Storage.KeyPrefix)
	default:
		logger.Info("Persistence disabled, state is kept in memory only")
	}

	var monitorOpts []monitor.Option
	if cfg.Usage.Enabled {
		seasonStart, err := cfg.SeasonStart()
		if err != nil {
			logger.Fatal("Invalid usage season start: %v", err)
		}
		monitorOpts = append(monitorOpts, monitor.WithUserStats(usage.NewClient(cfg.Usage.URL, cfg.Usage.Timeout, usage.ClientConfig{
			APIKey:         cfg.Usage.APIKey,
			CacheTTL:       cfg.Usage.CacheTTL,
			SeasonStart:    seasonStart,
			MaxRetries:     cfg.Usage.MaxRetries,
			RetryDelayBase: cfg.Usage.RetryDelayBase,
		})))
		logger.Info("User stats enabled (cache %v, season from %s)", cfg.Usage.CacheTTL, cfg.Usage.SeasonStart)
	}

	a := &app{
		cfg: cfg,
		scraper: scraper.NewClient(cfg.Scraper.URL, cfg.Scraper.Timeout, scraper.ClientConfig{
			MaxRetries:     cfg.Scraper.MaxRetries,
			RetryDelayBase: cfg.Scraper.RetryDelayBase,
			UserAgent:      cfg.Scraper.UserAgent,
		}),
		monitor:  monitor.New(ctx, snapshotter, cfg.MonitorSettings(), monitorOpts...),
		alertLog: alerts,
	}

	if cfg.Telegram.Enabled {
		a.telegram, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
		a.telegram.ListenForCommands(ctx, a.monitor.Latest)
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	var httpServer *http.Server
	if cfg.Server.Enabled {
		a.server = server.New(history)
		go a.server.Run(ctx)
		httpServer = &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      a.server.Handler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("HTTP feed listening on %s", cfg.Server.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("HTTP server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	logger.Info("Starting dashboard service (interval: %v, max_history: %v, horizons: %d, diff_mode: %s)",
		cfg.Scraper.PollInterval,
		cfg.Monitor.MaxHistory,
		len(cfg.Monitor.Horizons),
		cfg.Monitor.DiffMode,
	)

	ticker := time.NewTicker(cfg.Scraper.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	handleCycleResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			logger.Error("Refresh cycle failed: %v", err)
			if consecutiveFailures == 1 && a.telegram != nil {
				if sendErr := a.telegram.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
		} else {
			if consecutiveFailures > 0 && a.telegram != nil {
				if sendErr := a.telegram.SendRecovery(consecutiveFailures); sendErr != nil {
					logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
				}
			}
			consecutiveFailures = 0
		}
	}

	logger.Debug("Running initial refresh cycle")
	handleCycleResult(a.runCycle(ctx))

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			handleCycleResult(a.runCycle(ctx))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	a.monitor.Shutdown(shutdownCtx)
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown error: %v", err)
		}
	}
	logger.Info("Service stopped")
}

// runCycle fetches one page, refreshes the dashboard and delivers alerts. A
// failed fetch still refreshes the dashboard so the pool keeps evicting.
func (a *app) runCycle(ctx context.Context) error {
	startTime := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(startTime).Seconds())
	}()

	obs, rowErrs, fetchErr := a.scraper.FetchObservations(ctx)
	if fetchErr != nil {
		metrics.FetchErrors.Inc()
		obs = nil
	}
	if len(rowErrs) > 0 {
		metrics.RowsRejected.Add(float64(len(rowErrs)))
		logger.Debug("Rejected %d malformed rows, first: %v", len(rowErrs), rowErrs[0])
	}

	dash := a.monitor.ProcessPoll(ctx, obs)
	logger.Info("Refreshed dashboard: fetched %d, pool %d (+%d new, %d evicted), %d alerts",
		len(obs), dash.PoolSize, dash.Merge.Added, dash.Merge.Evicted, dash.Alerts.Len())

	if a.server != nil {
		a.server.Publish(dash)
	}

	a.notify(ctx, dash)

	logger.Debug("Refresh cycle completed in %v", time.Since(startTime))
	return fetchErr
}

func (a *app) notify(ctx context.Context, dash *models.Dashboard) {
	selected := a.monitor.PostProcessAlerts(dash.Alerts, a.cfg.NotifyMinTier(), a.cfg.Scraper.PollInterval)
	if len(selected) == 0 {
		return
	}
	logger.Info("Post-processed alerts: %d worth notifying", len(selected))

	if a.telegram != nil {
		if err := a.telegram.Send(selected); err != nil {
			logger.Error("Failed to send Telegram notification: %v", err)
			return
		}
		logger.Info("Sent Telegram notification with %d alerts", len(selected))
	}
	a.monitor.RecordNotified(selected)

	if a.alertLog == nil {
		return
	}
	for i := range selected {
		if err := a.alertLog.AddAlert(ctx, &selected[i]); err != nil {
			logger.Warn("Failed to log alert for %s: %v", selected[i].Event, err)
		}
	}
}
