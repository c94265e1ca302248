package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	PollerRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poller_runs_total",
		Help: "Количество завершённых проходов опроса чатов",
	})
	PollerChatErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "poller_chat_errors_total",
		Help: "Ошибки обработки отдельных чатов при опросе",
	})
	FloodWaitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transport_flood_waits_total",
		Help: "Количество ожиданий по требованию транспорта",
	})
	ChatsDeactivatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chats_deactivated_total",
		Help: "Чаты, помеченные неактивными из-за недоступности",
	})

	TransactionsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transactions_ingested_total",
		Help: "Сохранённые транзакции по валютам",
	}, []string{"currency"})

	IngestSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_skips_total",
		Help: "Пропущенные сообщения по причинам",
	}, []string{"reason"})

	ShiftRolloversTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shift_rollovers_total",
		Help: "Количество выполненных циклов закрытия и открытия смен",
	})
	ShiftTickErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shift_tick_errors_total",
		Help: "Ошибки обработки чатов в тике автозакрытия",
	})
	NotifySendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_send_errors_total",
		Help: "Ошибки отправки уведомлений о закрытии смены",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		PollerRunsTotal,
		PollerChatErrors,
		FloodWaitsTotal,
		ChatsDeactivatedTotal,
		TransactionsIngested,
		IngestSkips,
		ShiftRolloversTotal,
		ShiftTickErrors,
		NotifySendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncIngestSkip увеличивает счётчик пропусков по причине.
func IncIngestSkip(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	IngestSkips.WithLabelValues(reason).Inc()
}

// IncIngested увеличивает счётчик сохранённых транзакций.
func IncIngested(currency string) {
	if currency == "" {
		currency = "unknown"
	}
	TransactionsIngested.WithLabelValues(currency).Inc()
}
