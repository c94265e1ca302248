package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-shift-ledger/internal/adapters/mtproto"
	"tg-shift-ledger/internal/adapters/parser"
	"tg-shift-ledger/internal/adapters/repo"
	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/infra/cache"
	"tg-shift-ledger/internal/infra/config"
	"tg-shift-ledger/internal/infra/db"
	applog "tg-shift-ledger/internal/infra/log"
	"tg-shift-ledger/internal/infra/metrics"
	"tg-shift-ledger/internal/usecase/ingest"
	"tg-shift-ledger/internal/usecase/poller"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("poller: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var pollState domain.PollStateCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		pollState = cache.NewPollState(redisClient)
	} else {
		logger.Warn().Msg("poller: Redis не настроен, окна опроса не растягиваются после простоя")
	}

	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		logger.Fatal().Msg("poller: не указаны учётные данные MTProto (TG_API_ID, TG_API_HASH)")
	}
	sessionStorage := mtproto.NewSessionDB(repoAdapter, cfg.MTProto.SessionName)
	transport := mtproto.NewTransport(cfg.Telegram.APIID, cfg.Telegram.APIHash, sessionStorage, logger.With().Str("component", "mtproto").Logger())

	parserRegistry := parser.NewRegistry()
	ingestService := ingest.NewService(
		logger.With().Str("component", "ingest").Logger(),
		repoAdapter, repoAdapter, repoAdapter,
		parserRegistry,
		cfg.Ingest.RegistrationGrace,
	)

	pollerService := poller.NewService(
		logger.With().Str("component", "poller").Logger(),
		repoAdapter,
		transport,
		ingestService,
		pollState,
		poller.Config{
			Interval:    cfg.Poll.Interval,
			Window:      cfg.Poll.Window,
			ChatDelay:   cfg.Poll.ChatDelay,
			BatchPause:  cfg.Poll.BatchPause,
			BatchSize:   cfg.Poll.BatchSize,
			Cooldown:    cfg.Poll.Cooldown,
			MaxCatchup:  cfg.Poll.MaxCatchup,
			FloodGrace:  cfg.Poll.FloodGrace,
			AccountPool: cfg.MTProto.AccountPool,
			SelfBots:    cfg.Bots.SelfUsernames,
			Denylist:    cfg.Bots.Denylist,
		},
	)

	logger.Info().Msg("poller: запуск цикла опроса")
	err = transport.Run(ctx, func(ctx context.Context) error {
		pollerService.Run(ctx)
		return ctx.Err()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("poller: транспорт завершился ошибкой")
	}
	logger.Info().Msg("poller: остановлен")
}
