package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tg-shift-ledger/internal/adapters/repo"
	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/infra/config"
	"tg-shift-ledger/internal/infra/db"
	httpinfra "tg-shift-ledger/internal/infra/http"
	applog "tg-shift-ledger/internal/infra/log"
	"tg-shift-ledger/internal/infra/metrics"
	"tg-shift-ledger/internal/infra/queue"
	"tg-shift-ledger/internal/usecase/shift"
	"tg-shift-ledger/internal/usecase/shiftconfig"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	shiftService := shift.NewService(repoAdapter, repoAdapter, repoAdapter)
	configService := shiftconfig.NewService(repoAdapter, repoAdapter, shiftService)

	var notifyQueue domain.NotifyQueue
	switch {
	case cfg.RabbitURL != "":
		rabbitQueue, err := queue.NewRabbitNotifyQueue(cfg.RabbitURL, cfg.Queues.ShiftClose)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		notifyQueue = rabbitQueue
	case cfg.RedisAddr != "":
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		notifyQueue = queue.NewRedisNotifyQueue(redisClient, cfg.Queues.ShiftClose)
	}

	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	handlers := &adminHandlers{
		chats:      repoAdapter,
		configs:    repoAdapter,
		trxs:       repoAdapter,
		shifts:     shiftService,
		shiftSetup: configService,
		queue:      notifyQueue,
	}

	srv.Router.Get("/chats/{tg_id}/shift", handlers.currentShift)
	srv.Router.Post("/chats/{tg_id}/active", handlers.setActive)
	srv.Router.Post("/chats/{tg_id}/shift/close", handlers.closeShift)
	srv.Router.Post("/chats/{tg_id}/shift/enable", handlers.enableTracking)
	srv.Router.Post("/chats/{tg_id}/shift/config", handlers.updateConfig)
	srv.Router.Post("/transactions/{id}/note", handlers.setNote)

	httpServer := &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: srv.Router}
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("api: старт")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

type adminHandlers struct {
	chats      domain.ChatRepo
	configs    domain.ShiftConfigRepo
	trxs       domain.TransactionRepo
	shifts     *shift.Service
	shiftSetup *shiftconfig.Service
	queue      domain.NotifyQueue
}

func (h *adminHandlers) chatFromPath(r *http.Request) (domain.Chat, error) {
	tgID, err := strconv.ParseInt(chi.URLParam(r, "tg_id"), 10, 64)
	if err != nil {
		return domain.Chat{}, errors.New("invalid chat id")
	}
	return h.chats.GetByTGID(tgID)
}

func (h *adminHandlers) currentShift(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chatFromPath(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	current, found, err := h.shifts.Current(chat.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read shift")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no open shift")
		return
	}
	summary, err := h.shifts.Summary(current.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read summary")
		return
	}
	writeJSON(w, map[string]any{
		"shift":  shiftView(current),
		"totals": summary.Totals,
	})
}

func shiftView(s domain.Shift) map[string]any {
	view := map[string]any{
		"id":         s.ID,
		"number":     s.Number,
		"started_at": s.StartedAt,
		"closed":     s.Closed,
	}
	if s.EndedAt != nil {
		view["ended_at"] = *s.EndedAt
	}
	return view
}

func (h *adminHandlers) setActive(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chatFromPath(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	defer r.Body.Close()
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.chats.SetActive(chat.ID, req.Active); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update chat")
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "active": req.Active})
}

// enableTracking включает учёт смен для чата: конфигурация по умолчанию,
// флаг в реестре и первая открытая смена.
func (h *adminHandlers) enableTracking(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chatFromPath(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	defer r.Body.Close()
	var req struct {
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg, err := h.shiftSetup.EnableTracking(chat.ID, req.Timezone)
	if err != nil {
		if errors.Is(err, shiftconfig.ErrInvalidTimezone) {
			writeError(w, http.StatusBadRequest, "invalid timezone")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to enable shift tracking")
		return
	}
	writeJSON(w, configView(cfg))
}

// updateConfig меняет только переданные поля конфигурации.
func (h *adminHandlers) updateConfig(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chatFromPath(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	defer r.Body.Close()
	var req struct {
		CloseTimes *[]string `json:"close_times"`
		Prefix     *string   `json:"prefix"`
		ResetDaily *bool     `json:"reset_daily"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var cfg domain.ShiftConfig
	applied := false
	if req.CloseTimes != nil {
		cfg, err = h.shiftSetup.UpdateCloseTimes(chat.ID, *req.CloseTimes)
		if err != nil {
			if errors.Is(err, shiftconfig.ErrInvalidCloseTime) {
				writeError(w, http.StatusBadRequest, "invalid close time")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to update close times")
			return
		}
		applied = true
	}
	if req.Prefix != nil {
		if cfg, err = h.shiftSetup.UpdatePrefix(chat.ID, *req.Prefix); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update prefix")
			return
		}
		applied = true
	}
	if req.ResetDaily != nil {
		if cfg, err = h.shiftSetup.SetResetDaily(chat.ID, *req.ResetDaily); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update reset mode")
			return
		}
		applied = true
	}
	if !applied {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}
	writeJSON(w, configView(cfg))
}

// setNote прикрепляет аннотацию оператора к транзакции.
func (h *adminHandlers) setNote(w http.ResponseWriter, r *http.Request) {
	trxID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}
	defer r.Body.Close()
	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.trxs.SetNote(trxID, req.Note); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update note")
		return
	}
	writeJSON(w, map[string]any{"status": "ok"})
}

func configView(cfg domain.ShiftConfig) map[string]any {
	return map[string]any{
		"chat_id":     cfg.ChatID,
		"auto_close":  cfg.AutoClose,
		"close_times": cfg.CloseTimes,
		"prefix":      cfg.Prefix,
		"timezone":    cfg.Timezone,
		"reset_daily": cfg.ResetDaily,
	}
}

// closeShift выполняет ручную ротацию: закрытие всегда сопровождается
// открытием следующей смены.
func (h *adminHandlers) closeShift(w http.ResponseWriter, r *http.Request) {
	chat, err := h.chatFromPath(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	closed, opened, err := h.shifts.Rollover(chat.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to close shift")
		return
	}
	resp := map[string]any{"opened": shiftView(opened)}
	if closed != nil {
		h.enqueueReport(r.Context(), chat, *closed)
		resp["closed"] = shiftView(*closed)
	}
	writeJSON(w, resp)
}

// enqueueReport ставит уведомление о ручном закрытии. Сбой не откатывает
// ротацию: доставка отчёта best-effort.
func (h *adminHandlers) enqueueReport(ctx context.Context, chat domain.Chat, closed domain.Shift) {
	if h.queue == nil {
		return
	}
	cfg, _, err := h.configs.Get(chat.ID)
	if err != nil {
		return
	}
	summary, err := h.shifts.Summary(closed.ID)
	if err != nil {
		summary = domain.ShiftSummary{ShiftID: closed.ID}
	}
	endedAt := time.Now().UTC()
	if closed.EndedAt != nil {
		endedAt = *closed.EndedAt
	}
	_ = h.queue.Enqueue(ctx, domain.ShiftCloseJob{
		ID:          uuid.NewString(),
		ChatID:      chat.ID,
		ChatTGID:    chat.TGChatID,
		ShiftID:     closed.ID,
		Number:      closed.Number,
		StartedAt:   closed.StartedAt,
		EndedAt:     endedAt,
		Prefix:      cfg.Prefix,
		Timezone:    cfg.Timezone,
		Totals:      summary.Totals,
		Coalesced:   1,
		Cause:       domain.ShiftCloseCauseManual,
		RequestedAt: time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
