package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"crossarb/internal/api"
	"crossarb/internal/bot"
	"crossarb/internal/config"
	"crossarb/internal/exchange"
	"crossarb/internal/repository"
	"crossarb/internal/service"
	"crossarb/internal/websocket"
	"crossarb/pkg/utils"
)

const (
	shutdownTimeout = 30 * time.Second
	retentionEvery  = time.Hour
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := utils.InitGlobalLogger(cfg.Logging.LogConfig())
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("arbitrage exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("arbitrage exited")
}

func run(cfg *config.Config, logger *utils.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Журнал в PostgreSQL (опционально)
	var (
		eventRepo  service.EventRepositoryInterface
		tradeRepo  service.TradeRepositoryInterface
		notifyRepo service.NotificationRepositoryInterface
	)
	if cfg.Database.Enabled {
		db, err := initDatabase(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		logger.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

		eventRepo = repository.NewEventRepository(db)
		tradeRepo = repository.NewTradeRepository(db)
		notifyRepo = repository.NewNotificationRepository(db)
	} else {
		logger.Warn("database disabled, journal kept in memory only")
	}

	// Журнал событий и сделок
	journal := service.NewJournalService(eventRepo, tradeRepo, service.DefaultJournalConfig(), logger)
	if cfg.Notify.RedisAddr != "" {
		pub, err := service.NewRedisPublisher(ctx, service.RedisConfig{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
			DB:       cfg.Notify.RedisDB,
			Channel:  cfg.Notify.RedisChannel,
		})
		if err != nil {
			logger.Warn("redis publisher disabled", zap.Error(err))
		} else {
			journal.SetPublisher(pub)
			logger.Info("publishing events to redis", zap.String("channel", pub.Channel()))
		}
	}
	journal.Start()

	// Уведомления
	notifications := service.NewNotificationService(notifyRepo, logger)
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		notifications.AddSender(service.NewTelegramSender(cfg.Notify.TelegramAPIURL, cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	notifications.SetMinSeverity(cfg.Notify.TelegramMinSeverity)
	notifications.Start()

	// WebSocket hub
	hub := websocket.NewHub(cfg.Server.AllowedOrigins...)
	go hub.Run()
	defer hub.Stop()

	// Площадки
	venueA, venueB, err := exchange.NewConnectorPair(cfg.Venues, cfg.Engine.Instrument, logger)
	if err != nil {
		return fmt.Errorf("create connectors: %w", err)
	}
	defer func() {
		for _, v := range []exchange.Connector{venueA, venueB} {
			if err := v.Close(); err != nil {
				logger.Warn("close connector", utils.Venue(v.Name()), zap.Error(err))
			}
		}
	}()

	engine := bot.NewEngine(cfg.Engine, venueA, venueB, bot.Options{
		EventLogger: journal,
		Notifier:    notifications,
		Journal:     journal,
		Hub:         hub,
		Logger:      logger,
	})
	journal.SetTradeSource(engine.Stats())
	stats := service.NewStatsService(engine.Stats(), tradeRepo, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	if eventRepo != nil && cfg.Database.EventRetention > 0 {
		g.Go(func() error {
			journal.RunRetention(gctx, retentionEvery, cfg.Database.EventRetention)
			return nil
		})
	}

	if cfg.Server.Enabled {
		router := api.SetupRoutes(&api.Dependencies{
			Engine:              engine,
			JournalService:      journal,
			StatsService:        stats,
			NotificationService: notifications,
			Hub:                 hub,
			OperatorTokenHash:   cfg.Security.OperatorTokenHash,
			AllowedOrigins:      cfg.Server.AllowedOrigins,
			Logger:              logger,
		})

		server := &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		g.Go(func() error {
			logger.Info("starting server", zap.String("addr", server.Addr), zap.Bool("https", cfg.Server.UseHTTPS))
			var err error
			if cfg.Server.UseHTTPS {
				err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("server forced to shutdown", zap.Error(err))
			}
			return nil
		})
	}

	runErr := g.Wait()
	logger.Info("shutting down")

	// Движок остановлен: сливаем очереди журнала и уведомлений
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := journal.Close(shutdownCtx); err != nil {
		logger.Warn("journal close", zap.Error(err))
	}
	if err := notifications.Close(shutdownCtx); err != nil {
		logger.Warn("notifications close", zap.Error(err))
	}

	return runErr
}

// initDatabase создает подключение к базе данных и применяет схему
func initDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := repository.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return db, nil
}
