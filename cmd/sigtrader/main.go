package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gregtusar/sigtrader/api"
	"github.com/gregtusar/sigtrader/internal/config"
	"github.com/gregtusar/sigtrader/pkg/auth"
	"github.com/gregtusar/sigtrader/pkg/fyers"
	"github.com/gregtusar/sigtrader/pkg/instrument"
	"github.com/gregtusar/sigtrader/pkg/ledger"
	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/gregtusar/sigtrader/pkg/notify"
	sig "github.com/gregtusar/sigtrader/pkg/signal"
	"github.com/gregtusar/sigtrader/pkg/store"
	"github.com/gregtusar/sigtrader/pkg/trader"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sigtrader",
		Short: "Alert-driven order placement for Fyers",
		Long:  `Receives trading alerts over a webhook, resolves them against the Fyers symbol master and places orders with an automatically refreshed session`,
		Run:   runServe,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the webhook server, session refresher and catalog sync",
			Run:   runServe,
		},
		&cobra.Command{
			Use:   "refresh-token",
			Short: "Log in to Fyers and store a fresh session token",
			Run:   runRefreshToken,
		},
		&cobra.Command{
			Use:   "sync-catalog",
			Short: "Download the symbol master and update the local cache",
			Run:   runSyncCatalog,
		},
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

// setup loads configuration and configures the global logger from it.
func setup() *config.Config {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err != nil {
			logger.WithError(err).Fatal("Failed to create log directory")
		}
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open log file")
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	return cfg
}

func newTokenStore(cfg *config.Config) auth.Store {
	if cfg.TokenStore.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.TokenStore.RedisAddr,
			Password: cfg.TokenStore.RedisPassword,
			DB:       cfg.TokenStore.RedisDB,
		})
		return auth.NewRedisStore(client, cfg.TokenStore.RedisKey)
	}
	return auth.NewFileStore(cfg.TokenStore.Path)
}

func newNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, func()) {
	if !cfg.Telegram.Enabled {
		logger.Info("Telegram notifications disabled")
		return notify.Nop{}, func() {}
	}
	tg := notify.NewTelegram(notify.TelegramConfig{
		BotToken:  cfg.Telegram.BotToken,
		ChatID:    cfg.Telegram.ChatID,
		APIURL:    cfg.Telegram.APIURL,
		QueueSize: cfg.Telegram.QueueSize,
		PerMinute: cfg.Telegram.PerMinute,
	}, logger)
	tg.Start(ctx)
	return tg, tg.Close
}

// flushNotifier runs closeNotifier and reports whether it finished before
// ctx ended.
func flushNotifier(ctx context.Context, closeNotifier func()) bool {
	flushed := make(chan struct{})
	go func() {
		closeNotifier()
		close(flushed)
	}()
	select {
	case <-flushed:
		return true
	case <-ctx.Done():
		return false
	}
}

func newSessionManager(cfg *config.Config, notifier notify.Notifier) *auth.Manager {
	if err := cfg.ValidateCredentials(); err != nil {
		logger.WithError(err).Fatal("Fyers credentials missing")
	}
	creds := cfg.Fyers.Credentials
	authenticator := fyers.NewAuthenticator(fyers.Credentials{
		ClientID:    creds.ClientID,
		SecretKey:   creds.SecretKey,
		FyID:        creds.FyID,
		TOTPKey:     creds.TOTPKey,
		PIN:         creds.PIN,
		RedirectURI: creds.RedirectURI,
	}, cfg.Fyers.AuthTimeout, logger, fyers.WithURLs(cfg.Fyers.LoginURL, cfg.Fyers.APIURL))

	return auth.NewManager(authenticator, newTokenStore(cfg), notifier, auth.Config{
		ValidityWindow: cfg.Auth.ValidityWindow,
		RefreshMargin:  cfg.Auth.RefreshMargin,
		RefreshTimeout: cfg.Auth.RefreshTimeout,
	}, logger)
}

func newBrokerClient(cfg *config.Config) *fyers.BaseClient {
	return fyers.NewClient(fyers.Config{
		ClientID:          cfg.Fyers.Credentials.ClientID,
		APIURL:            cfg.Fyers.APIURL,
		PublicURL:         cfg.Fyers.PublicURL,
		ProductType:       cfg.Fyers.ProductType,
		Timeout:           cfg.Fyers.RequestTimeout,
		RequestsPerSecond: cfg.Fyers.RequestsPerSecond,
	})
}

func newSyncer(cfg *config.Config, client *fyers.BaseClient, holder *instrument.Holder) *instrument.Syncer {
	segments := make([]models.ExchangeSegment, 0, len(cfg.Catalog.Segments))
	for _, s := range cfg.Catalog.Segments {
		segments = append(segments, models.ExchangeSegment(s))
	}
	return instrument.NewSyncer(client, holder, cfg.Catalog.CacheDir, segments, cfg.Location(), logger,
		instrument.WithSyncTimeout(cfg.Catalog.DownloadTimeout))
}

func runRefreshToken(cmd *cobra.Command, args []string) {
	cfg := setup()
	// Notifications outlive the refresh deadline so a failure still gets out.
	notifier, closeNotifier := newNotifier(context.Background(), cfg)
	defer closeNotifier()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Auth.RefreshTimeout)
	defer cancel()

	manager := newSessionManager(cfg, notifier)
	token, err := manager.Refresh(ctx)
	if err != nil {
		logger.WithError(err).Error("Session refresh failed")
		closeNotifier()
		os.Exit(1)
	}
	logger.WithField("expires_at", token.ExpiresAt.Format(time.RFC3339)).Info("Session token refreshed")
}

func runSyncCatalog(cmd *cobra.Command, args []string) {
	cfg := setup()

	holder := instrument.NewHolder(nil)
	cat, err := newSyncer(cfg, newBrokerClient(cfg), holder).Sync(context.Background())
	if err != nil {
		logger.WithError(err).Error("Catalog sync failed")
		os.Exit(1)
	}
	logger.WithField("entries", cat.Len()).Info("Catalog synced")
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := setup()
	loc := cfg.Location()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier, closeNotifier := newNotifier(ctx, cfg)
	defer closeNotifier()

	sessions := newSessionManager(cfg, notifier)
	if cfg.Auth.SchedulerEnabled && cfg.Auth.RefreshSchedule != "" {
		scheduler, err := auth.NewScheduler(sessions, cfg.Auth.RefreshSchedule, loc, cfg.Auth.RefreshTimeout, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create refresh scheduler")
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	client := newBrokerClient(cfg)

	holder := instrument.NewHolder(nil)
	syncer := newSyncer(cfg, client, holder)
	if _, err := syncer.LoadCache(); err != nil {
		logger.WithError(err).Warn("No cached instrument catalog")
	}
	if _, err := syncer.Sync(ctx); err != nil {
		logger.WithError(err).Error("Initial catalog sync failed")
		if holder.Load().Len() == 0 {
			notifier.Notify(notify.Message{
				Level: notify.LevelCritical,
				Title: "Instrument catalog unavailable",
				Text:  err.Error(),
				At:    time.Now().In(loc),
			})
		}
	}
	if cfg.Catalog.SyncInterval > 0 {
		go syncer.Run(ctx, cfg.Catalog.SyncInterval)
		defer syncer.Stop()
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open position store")
	}
	defer db.Close()

	book := trader.NewPositionBook(db, logger)
	if err := book.Restore(ctx); err != nil {
		logger.WithError(err).Error("Failed to restore positions")
	}

	orch := trader.NewOrchestrator(client, sessions, book, trader.Config{
		DefaultLotMultiple: cfg.Trading.DefaultLotMultiple,
		DefaultLots:        cfg.Trading.DefaultLots,
		RequestTimeout:     cfg.Fyers.RequestTimeout,
	}, logger)

	if cfg.Trading.ReconcileInterval > 0 {
		reconciler := trader.NewReconciler(client, sessions, book, notifier, logger)
		go reconciler.Run(ctx, cfg.Trading.ReconcileInterval)
		defer reconciler.Stop()
	}

	daily := ledger.NewDailyLedger(cfg.Ledger.Dir, loc, logger)
	parser := sig.NewParser(sig.Config{
		TriggerKeywords:    cfg.Signal.TriggerKeywords,
		DefaultStrategyTag: cfg.Signal.DefaultStrategyTag,
		DefaultExchange:    cfg.Signal.DefaultExchange,
		MaxLength:          int(cfg.Server.MaxBodyBytes),
	})

	var resolverOpts []instrument.Option
	if cfg.Catalog.StrikeTolerance > 0 {
		resolverOpts = append(resolverOpts, instrument.WithPolicy(instrument.ClassOption, instrument.Policy{
			NearestExpiry:   true,
			StrikeTolerance: decimal.NewFromFloat(cfg.Catalog.StrikeTolerance),
		}))
	}
	resolver := instrument.NewResolver(loc, resolverOpts...)

	pipeline := trader.NewPipeline(parser, resolver, holder, orch, daily, notifier, trader.PipelineConfig{
		StaleCatalogThreshold: cfg.Trading.StaleCatalogThreshold,
		ExitAllTag:            "exitall",
	}, logger)

	hub := api.NewHub(logger)
	pipeline.SetPublisher(hub)

	apiServer := api.NewServer(pipeline, book, daily, hub, api.Config{
		Port:         strconv.Itoa(cfg.Server.Port),
		WebhookToken: cfg.Server.WebhookToken,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Location:     loc,
	}, logger, api.WithStatus(func() map[string]any {
		cat := holder.Load()
		return map[string]any{
			"catalog_entries":   cat.Len(),
			"catalog_loaded_at": cat.LoadedAt(),
			"ledger_failures":   daily.Failures(),
			"event_clients":     hub.Clients(),
		}
	}))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Signal trader is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("API server shutdown failed")
	}

	// Queued notifications are delivered on ctx, so flush them first.
	if !flushNotifier(shutdownCtx, closeNotifier) {
		logger.Warn("Notification queue not flushed before shutdown deadline")
	}
	cancel()

	logger.Info("Signal trader stopped")
}
