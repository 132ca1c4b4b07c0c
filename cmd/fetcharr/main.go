package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/fetcharr/fetcharr/internal/api"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/downloader"
	"github.com/fetcharr/fetcharr/internal/events"
	"github.com/fetcharr/fetcharr/internal/extractor"
	"github.com/fetcharr/fetcharr/internal/health"
	"github.com/fetcharr/fetcharr/internal/history"
	"github.com/fetcharr/fetcharr/internal/indexer"
	"github.com/fetcharr/fetcharr/internal/library"
	"github.com/fetcharr/fetcharr/internal/logger"
	"github.com/fetcharr/fetcharr/internal/notification"
	"github.com/fetcharr/fetcharr/internal/ratelimit"
	"github.com/fetcharr/fetcharr/internal/requests"
	"github.com/fetcharr/fetcharr/internal/scheduler"
	"github.com/fetcharr/fetcharr/internal/scheduler/tasks"
)

// version is set at build time via -ldflags.
var version = "dev"

const historyRetention = 90 * 24 * time.Hour

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Optional; real deployments set environment variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer log.Close()

	log.Info().
		Str("version", version).
		Str("logLevel", cfg.Logging.Level).
		Msg("starting fetcharr")

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	limiter := ratelimit.New(map[string]ratelimit.Rule{
		ratelimit.ActionSearch:  {Max: cfg.RateLimit.Search.Max, Window: cfg.RateLimit.Search.Window},
		ratelimit.ActionSelect:  {Max: cfg.RateLimit.Select.Max, Window: cfg.RateLimit.Select.Window},
		ratelimit.ActionHistory: {Max: cfg.RateLimit.History.Max, Window: cfg.RateLimit.History.Window},
	}, ratelimit.Rule{
		Max:    cfg.RateLimit.Default.Max,
		Window: cfg.RateLimit.Default.Window,
	}, clockwork.NewRealClock())

	searcher, err := indexer.NewClient(indexer.Config{
		URL:      cfg.Indexer.URL,
		Timeout:  cfg.Indexer.Timeout,
		Category: cfg.Indexer.Category,
		Logger:   log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create indexer client")
	}

	dl := downloader.New(downloader.Config{
		Host:     cfg.QBittorrent.Host,
		Username: cfg.QBittorrent.Username,
		Password: cfg.QBittorrent.Password,
		Category: cfg.QBittorrent.Category,
	}, log.Logger)

	ext := extractor.New(log.Logger)

	plex, err := library.NewClient(library.Config{
		URL:     cfg.Plex.URL,
		Token:   cfg.Plex.Token,
		Section: cfg.Plex.Section,
		Timeout: cfg.Plex.Timeout,
		Logger:  log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create library client")
	}

	notifyLog := log.WithComponent("notification")
	notifiers := []notification.Notifier{notification.NewLog(notifyLog.Logger)}
	if cfg.Telegram.BotToken != "" {
		tg, err := notification.NewTelegram(notification.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
		}, notifyLog.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create telegram notifier")
		}
		notifiers = append(notifiers, tg)
		log.Info().Msg("telegram notifications enabled")
	}
	notifier := notification.NewFanout(log.Logger, notifiers...)

	hub := events.NewHub(log.Logger)
	go hub.Run()

	historySvc := history.NewService(db.Conn(), log.Logger)

	workflow := requests.NewService(requests.Config{
		SelectionTimeout:   cfg.Workflow.SelectionTimeout,
		SubmitRetries:      cfg.Workflow.SubmitRetries,
		DownloadRetries:    cfg.Workflow.DownloadRetries,
		PollInterval:       cfg.Workflow.PollInterval,
		PollFailureLimit:   cfg.Workflow.PollFailureLimit,
		ProgressStep:       cfg.Workflow.ProgressStep,
		RetryBackoff:       cfg.Workflow.RetryBackoff,
		ExtractTimeout:     cfg.Workflow.ExtractTimeout,
		LibraryPollRetries: cfg.Workflow.LibraryPollRetries,
		LibraryPollBackoff: cfg.Workflow.LibraryPollBackoff,
		LibraryPollMaxWait: cfg.Workflow.LibraryPollMaxWait,
		MaxActiveDownloads: cfg.Workflow.MaxActiveDownloads,
	}, requests.Deps{
		Searcher:   searcher,
		Downloader: dl,
		Extractor:  ext,
		Library:    plex,
		Limiter:    limiter,
		Notifier:   notifier,
		Publisher:  hub,
		Archiver:   historySvc,
	}, log.Logger)

	healthSvc := health.NewService(log.Logger)
	healthSvc.SetPublisher(hub)
	healthSvc.Register("indexer", searcher.Ping)
	healthSvc.Register("qbittorrent", dl.Ping)
	healthSvc.Register("plex", plex.Ping)

	sched, err := scheduler.New(log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	registrations := []struct {
		name string
		fn   func() error
	}{
		{"health check", func() error { return tasks.RegisterHealthCheckTask(sched, healthSvc) }},
		{"history cleanup", func() error { return tasks.RegisterHistoryCleanupTask(sched, historySvc, historyRetention) }},
		{"request cleanup", func() error { return tasks.RegisterRequestCleanupTask(sched, workflow) }},
		{"rate limit cleanup", func() error { return tasks.RegisterRateLimitCleanupTask(sched, limiter) }},
	}
	for _, reg := range registrations {
		if err := reg.fn(); err != nil {
			log.Fatal().Err(err).Str("task", reg.name).Msg("failed to register task")
		}
	}
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	server := api.NewServer(cfg.Server.APIKey, api.Deps{
		Requests:  workflow,
		History:   historySvc,
		Library:   plex,
		Limiter:   limiter,
		Health:    healthSvc,
		Events:    hub,
		Scheduler: sched,
	}, log.Logger)

	go func() {
		addr := cfg.Server.Address()
		log.Info().Str("address", addr).Msg("HTTP server listening")
		if err := server.Start(addr); err != nil {
			log.Info().Msg("server stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if err := workflow.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("workflow shutdown error")
	}
	if err := sched.Stop(); err != nil {
		log.Error().Err(err).Msg("scheduler shutdown error")
	}

	log.Info().Msg("fetcharr stopped")
}
