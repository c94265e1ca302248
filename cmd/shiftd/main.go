package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-shift-ledger/internal/adapters/repo"
	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/infra/config"
	"tg-shift-ledger/internal/infra/db"
	applog "tg-shift-ledger/internal/infra/log"
	"tg-shift-ledger/internal/infra/metrics"
	"tg-shift-ledger/internal/infra/queue"
	"tg-shift-ledger/internal/usecase/autoclose"
	"tg-shift-ledger/internal/usecase/shift"
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
		logger.Fatal().Err(err).Msg("shiftd: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	shiftService := shift.NewService(repoAdapter, repoAdapter, repoAdapter)

	var notifyQueue domain.NotifyQueue
	switch {
	case cfg.RabbitURL != "":
		rabbitQueue, err := queue.NewRabbitNotifyQueue(cfg.RabbitURL, cfg.Queues.ShiftClose)
		if err != nil {
			logger.Fatal().Err(err).Msg("shiftd: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		notifyQueue = rabbitQueue
	case cfg.RedisAddr != "":
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		notifyQueue = queue.NewRedisNotifyQueue(redisClient, cfg.Queues.ShiftClose)
	default:
		logger.Warn().Msg("shiftd: очередь не настроена, уведомления о закрытии отправляться не будут")
	}

	autocloseService := autoclose.NewService(
		logger.With().Str("component", "autoclose").Logger(),
		repoAdapter,
		repoAdapter,
		shiftService,
		notifyQueue,
		cfg.Shifts.TickInterval,
	)

	logger.Info().Msg("shiftd: запуск планировщика автозакрытия")
	autocloseService.Run(ctx)
	logger.Info().Msg("shiftd: остановлен")
}
