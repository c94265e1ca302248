package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tg-shift-ledger/internal/adapters/telegram"
	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/infra/cache"
	"tg-shift-ledger/internal/infra/config"
	applog "tg-shift-ledger/internal/infra/log"
	"tg-shift-ledger/internal/infra/metrics"
	"tg-shift-ledger/internal/infra/queue"
	"tg-shift-ledger/internal/usecase/shift"
)

// deliveryGuardTTL ограничивает окно дедупликации повторных доставок задачи.
const deliveryGuardTTL = 24 * time.Hour

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	if cfg.Telegram.Token == "" {
		logger.Fatal().Msg("notifier: не указан токен Telegram (TG_BOT_TOKEN)")
	}
	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("notifier: не удалось создать бота")
	}
	notifier := telegram.NewNotifier(botAPI, logger.With().Str("component", "telegram").Logger())

	var guard domain.Cache
	var notifyQueue domain.NotifyQueue
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		guard = cache.NewRedis(redisClient)
	}
	switch {
	case cfg.RabbitURL != "":
		rabbitQueue, err := queue.NewRabbitNotifyQueue(cfg.RabbitURL, cfg.Queues.ShiftClose)
		if err != nil {
			logger.Fatal().Err(err).Msg("notifier: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		notifyQueue = rabbitQueue
	case redisClient != nil:
		notifyQueue = queue.NewRedisNotifyQueue(redisClient, cfg.Queues.ShiftClose)
	default:
		logger.Fatal().Msg("notifier: не настроена очередь (RABBITMQ_URL или REDIS_ADDR)")
	}

	worker := &jobWorker{
		log:      logger,
		queue:    notifyQueue,
		guard:    guard,
		notifier: notifier,
	}

	logger.Info().Msg("notifier: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("notifier: остановлен")
}

type jobWorker struct {
	log      zerolog.Logger
	queue    domain.NotifyQueue
	guard    domain.Cache
	notifier domain.Notifier
}

func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("notifier: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Int64("chat", job.ChatTGID).
			Int("shift", job.Number).
			Str("cause", string(job.Cause)).
			Logger()

		if job.ID == "" || job.ChatTGID == 0 {
			jobLog.Error().Msg("notifier: получена неполная задача, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("notifier: не удалось подтвердить неполную задачу")
			}
			continue
		}

		if err := w.deliver(job); err != nil {
			jobLog.Error().Err(err).Msg("notifier: отправка отчёта, вернём задачу в очередь")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("notifier: не удалось вернуть задачу в очередь")
			}
			time.Sleep(time.Second)
			continue
		}

		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("notifier: не удалось подтвердить задачу")
		}
	}
}

// deliver отправляет отчёт ровно один раз на задачу: повторные доставки
// той же задачи гасятся кэшем, если он настроен.
func (w *jobWorker) deliver(job domain.ShiftCloseJob) error {
	send := func() error {
		return w.notifier.Send(job.ChatTGID, shift.FormatCloseReport(job))
	}
	if w.guard == nil {
		return send()
	}
	return w.guard.Once("notify:shift_close:"+job.ID, deliveryGuardTTL, send)
}
