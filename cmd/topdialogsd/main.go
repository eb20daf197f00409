package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-top-dialogs/internal/adapters/kvstore"
	"tg-top-dialogs/internal/adapters/mtproto"
	"tg-top-dialogs/internal/domain"
	sysclock "tg-top-dialogs/internal/infra/clock"
	"tg-top-dialogs/internal/infra/config"
	"tg-top-dialogs/internal/infra/db"
	apphttp "tg-top-dialogs/internal/infra/http"
	applog "tg-top-dialogs/internal/infra/log"
	"tg-top-dialogs/internal/infra/metrics"
	"tg-top-dialogs/internal/infra/queue"
	"tg-top-dialogs/internal/usecase/topdialogs"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		logger.Fatal().Msg("topdialogsd: не указаны TG_API_ID/TG_API_HASH")
	}
	client := telegram.NewClient(cfg.Telegram.APIID, cfg.Telegram.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: cfg.Telegram.SessionFile},
	})

	err := client.Run(ctx, func(ctx context.Context) error {
		self, err := client.Self(ctx)
		if err != nil {
			return err
		}
		api := client.API()

		peers := mtproto.NewPeerStore(api, logger.With().Str("component", "peers").Logger())
		peers.SetSelf(self.ID)

		managerCfg := topdialogs.Config{
			Enabled:         cfg.TopDialogs.Enabled,
			ServerSyncDelay: cfg.TopDialogs.ServerSyncDelay,
			DBSyncDelay:     cfg.TopDialogs.DBSyncDelay,
			RetryDelay:      cfg.TopDialogs.RetryDelay,
		}
		manager := topdialogs.NewManager(
			managerCfg,
			store,
			mtproto.NewTopPeersClient(api, peers, logger.With().Str("component", "toppeers").Logger()),
			peers,
			peers,
			mtproto.NewOptions(api, logger.With().Str("component", "options").Logger()),
			sysclock.System{},
			logger.With().Str("component", "topdialogs").Logger(),
		)
		if err := manager.Start(ctx); err != nil {
			return err
		}
		defer manager.Close()

		// Соединение установлено и авторизация пройдена — это и есть
		// сигнал первой синхронизации сессии.
		manager.OnFirstSync()

		if cfg.RabbitURL != "" {
			consumer, err := queue.NewUsageConsumer(
				cfg.RabbitURL,
				cfg.Queues.Usage,
				manager,
				sysclock.System{},
				logger.With().Str("component", "queue").Logger(),
			)
			if err != nil {
				return err
			}
			go consumer.Run(ctx)
		} else {
			logger.Warn().Msg("topdialogsd: RABBITMQ_URL не задан, очередь событий выключена")
		}

		server := apphttp.NewServer(logger.With().Str("component", "http").Logger())
		apphttp.NewTopDialogsHandler(manager, sysclock.System{}, logger.With().Str("component", "http").Logger()).Register(server.Router)
		go func() {
			if err := server.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("topdialogsd: HTTP сервер остановился")
			}
		}()

		logger.Info().Int64("self", self.ID).Msg("topdialogsd: запущен")
		<-ctx.Done()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("topdialogsd: клиент Telegram завершился с ошибкой")
	}
	logger.Info().Msg("topdialogsd: остановлен")
}

// openStore выбирает хранилище снапшотов по конфигурации.
func openStore(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (domain.KVStore, func()) {
	switch cfg.Storage.Backend {
	case "bolt":
		store, err := kvstore.NewBolt(cfg.Storage.BoltPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("topdialogsd: не удалось открыть bbolt")
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn().Err(err).Msg("topdialogsd: ошибка закрытия bbolt")
			}
		}
	case "redis":
		if cfg.RedisAddr == "" {
			logger.Fatal().Msg("topdialogsd: не указан адрес Redis (REDIS_ADDR)")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("topdialogsd: нет подключения к Redis")
		}
		return kvstore.NewRedis(client), func() { _ = client.Close() }
	case "postgres":
		if cfg.PGDSN == "" {
			logger.Fatal().Msg("topdialogsd: не указан DSN Postgres (PG_DSN)")
		}
		pool, err := db.Connect(cfg.PGDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("topdialogsd: нет подключения к БД")
		}
		store := kvstore.NewPostgres(pool)
		if err := store.Init(ctx); err != nil {
			logger.Fatal().Err(err).Msg("topdialogsd: не удалось подготовить таблицу")
		}
		return store, pool.Close
	default:
		logger.Fatal().Str("backend", cfg.Storage.Backend).Msg("topdialogsd: неизвестное хранилище")
		return nil, nil
	}
}
