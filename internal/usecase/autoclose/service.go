package autoclose

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/infra/metrics"
	"tg-shift-ledger/internal/usecase/shift"
)

// Service закрывает смены по расписаниям чатов и ставит уведомления в очередь.
type Service struct {
	log     zerolog.Logger
	configs domain.ShiftConfigRepo
	chats   domain.ChatRepo
	shifts  *shift.Service
	queue   domain.NotifyQueue
	tick    time.Duration
	now     func() time.Time
}

// NewService создаёт планировщик автозакрытия. queue может быть nil —
// тогда уведомления не ставятся.
func NewService(log zerolog.Logger, configs domain.ShiftConfigRepo, chats domain.ChatRepo, shifts *shift.Service, queue domain.NotifyQueue, tick time.Duration) *Service {
	return &Service{log: log, configs: configs, chats: chats, shifts: shifts, queue: queue, tick: tick, now: time.Now}
}

// WithClock подменяет источник времени. Используется в тестах.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run крутит минутный цикл до отмены контекста.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			s.log.Error().Err(err).Msg("autoclose: тик завершился ошибкой")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick оценивает расписания всех чатов с автозакрытием.
// Ошибка одного чата не блокирует остальные.
func (s *Service) Tick(ctx context.Context) error {
	configs, err := s.configs.ListAutoClose()
	if err != nil {
		return fmt.Errorf("выборка конфигураций: %w", err)
	}

	now := s.now().UTC()
	for _, cfg := range configs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.evaluateChat(ctx, cfg, now); err != nil {
			metrics.ShiftTickErrors.Inc()
			s.log.Error().Err(err).Int64("chat", cfg.ChatID).Msg("autoclose: ошибка обработки чата")
		}
	}
	return nil
}

// evaluateChat находит наступившие моменты закрытия и выполняет один цикл
// «закрыть и открыть». Водяной знак гарантирует, что каждый момент
// срабатывает ровно один раз, сколько бы тиков его ни перекрывало.
func (s *Service) evaluateChat(ctx context.Context, cfg domain.ShiftConfig, now time.Time) error {
	due := dueInstants(cfg, now)
	if len(due) == 0 {
		return nil
	}
	if len(due) > 1 {
		// После простоя несколько моментов схлопываются в один цикл:
		// исторические границы смен задним числом не восстанавливаются.
		s.log.Info().Int64("chat", cfg.ChatID).Int("coalesced", len(due)).Msg("autoclose: объединяем пропущенные моменты закрытия")
	}

	closed, opened, err := s.shifts.Rollover(cfg.ChatID)
	if err != nil {
		return fmt.Errorf("ротация смены: %w", err)
	}
	metrics.ShiftRolloversTotal.Inc()
	s.log.Info().Int64("chat", cfg.ChatID).Int("shift", opened.Number).Msg("autoclose: смена закрыта, открыта следующая")

	if closed != nil {
		s.enqueueNotification(ctx, cfg, *closed, len(due))
	}

	if err := s.configs.UpdateWatermark(cfg.ChatID, now); err != nil {
		return fmt.Errorf("обновление водяного знака: %w", err)
	}
	return nil
}

// enqueueNotification собирает сводку закрытой смены и ставит задачу уведомления.
// Сбой постановки не откатывает закрытие: уведомление — best-effort.
func (s *Service) enqueueNotification(ctx context.Context, cfg domain.ShiftConfig, closed domain.Shift, coalesced int) {
	if s.queue == nil {
		return
	}

	summary, err := s.shifts.Summary(closed.ID)
	if err != nil {
		s.log.Error().Err(err).Int64("shift", closed.ID).Msg("autoclose: не удалось собрать сводку смены")
		summary = domain.ShiftSummary{ShiftID: closed.ID}
	}

	chatTGID := int64(0)
	if chat, err := s.chats.GetByID(cfg.ChatID); err != nil {
		s.log.Error().Err(err).Int64("chat", cfg.ChatID).Msg("autoclose: чат для уведомления не найден")
	} else {
		chatTGID = chat.TGChatID
	}

	endedAt := s.now().UTC()
	if closed.EndedAt != nil {
		endedAt = *closed.EndedAt
	}
	job := domain.ShiftCloseJob{
		ID:          uuid.NewString(),
		ChatID:      cfg.ChatID,
		ChatTGID:    chatTGID,
		ShiftID:     closed.ID,
		Number:      closed.Number,
		StartedAt:   closed.StartedAt,
		EndedAt:     endedAt,
		Prefix:      cfg.Prefix,
		Timezone:    cfg.Timezone,
		Totals:      summary.Totals,
		Coalesced:   coalesced,
		Cause:       domain.ShiftCloseCauseAuto,
		RequestedAt: s.now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.log.Error().Err(err).Int64("chat", cfg.ChatID).Int64("shift", closed.ID).Msg("autoclose: не удалось поставить уведомление в очередь")
	}
}

// dueInstants возвращает конкретные моменты закрытия за текущую локальную дату,
// попавшие в интервал (водяной знак, now].
func dueInstants(cfg domain.ShiftConfig, now time.Time) []time.Time {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	localNow := now.In(loc)

	var due []time.Time
	for _, raw := range cfg.CloseTimes {
		parsed, err := time.Parse("15:04", raw)
		if err != nil {
			continue
		}
		instant := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc).UTC()
		if instant.After(cfg.LastRunAt) && !instant.After(now) {
			due = append(due, instant)
		}
	}
	return due
}
