package shift

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"tg-shift-ledger/internal/domain"
)

// ErrAlreadyOpen возвращается при попытке открыть смену, когда открытая уже есть.
// Для вызывающего это конфликт, а не сбой: он сам решает, считать ли цель достигнутой.
var ErrAlreadyOpen = errors.New("смена уже открыта")

// ErrNotOpen возвращается при закрытии, когда открытой смены нет. Это «нечего делать».
var ErrNotOpen = errors.New("открытой смены нет")

// Service реализует жизненный цикл смен чата.
type Service struct {
	shifts  domain.ShiftRepo
	trxs    domain.TransactionRepo
	configs domain.ShiftConfigRepo
	now     func() time.Time
}

// NewService создаёт сервис смен.
func NewService(shifts domain.ShiftRepo, trxs domain.TransactionRepo, configs domain.ShiftConfigRepo) *Service {
	return &Service{shifts: shifts, trxs: trxs, configs: configs, now: time.Now}
}

// WithClock подменяет источник времени. Используется в тестах.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Current возвращает открытую смену чата, если она есть.
func (s *Service) Current(chatID int64) (domain.Shift, bool, error) {
	return s.shifts.GetOpen(chatID)
}

// Open открывает новую смену. Номер монотонно растёт в пределах чата;
// при включённом reset_daily нумерация начинается заново с первым
// днём по локальному календарю чата.
func (s *Service) Open(chatID int64) (domain.Shift, error) {
	if _, found, err := s.shifts.GetOpen(chatID); err != nil {
		return domain.Shift{}, fmt.Errorf("проверка открытой смены: %w", err)
	} else if found {
		return domain.Shift{}, ErrAlreadyOpen
	}

	startedAt := s.now().UTC()
	number, err := s.nextNumber(chatID, startedAt)
	if err != nil {
		return domain.Shift{}, err
	}

	created, ok, err := s.shifts.Create(chatID, number, startedAt)
	if err != nil {
		return domain.Shift{}, fmt.Errorf("создание смены: %w", err)
	}
	if !ok {
		// Гонка с параллельным открытием: ограничение хранилища сработало первым.
		return domain.Shift{}, ErrAlreadyOpen
	}
	return created, nil
}

// Close закрывает открытую смену чата и возвращает её.
func (s *Service) Close(chatID int64) (domain.Shift, error) {
	open, found, err := s.shifts.GetOpen(chatID)
	if err != nil {
		return domain.Shift{}, fmt.Errorf("поиск открытой смены: %w", err)
	}
	if !found {
		return domain.Shift{}, ErrNotOpen
	}
	endedAt := s.now().UTC()
	closed, err := s.shifts.Close(open.ID, endedAt)
	if err != nil {
		return domain.Shift{}, fmt.Errorf("закрытие смены: %w", err)
	}
	if !closed {
		return domain.Shift{}, ErrNotOpen
	}
	open.Closed = true
	open.EndedAt = &endedAt
	return open, nil
}

// Rollover закрывает текущую смену (если она есть) и сразу открывает следующую.
// Отсутствие открытой смены не мешает открытию: цикл всегда оставляет чат
// с ровно одной открытой сменой.
func (s *Service) Rollover(chatID int64) (*domain.Shift, domain.Shift, error) {
	var closed *domain.Shift
	prev, err := s.Close(chatID)
	switch {
	case err == nil:
		closed = &prev
	case errors.Is(err, ErrNotOpen):
		// Нечего закрывать — продолжаем открытие.
	default:
		return nil, domain.Shift{}, err
	}

	opened, err := s.Open(chatID)
	if err != nil {
		return closed, domain.Shift{}, err
	}
	return closed, opened, nil
}

// Summary агрегирует транзакции смены по валютам. Чтение без побочных эффектов;
// валюты в итогах упорядочены лексикографически.
func (s *Service) Summary(shiftID int64) (domain.ShiftSummary, error) {
	trxs, err := s.trxs.ListByShift(shiftID)
	if err != nil {
		return domain.ShiftSummary{}, fmt.Errorf("транзакции смены: %w", err)
	}

	summary := domain.ShiftSummary{ShiftID: shiftID}
	index := make(map[string]int, 2)
	for _, trx := range trxs {
		i, ok := index[trx.Currency]
		if !ok {
			i = len(summary.Totals)
			index[trx.Currency] = i
			summary.Totals = append(summary.Totals, domain.CurrencyTotal{Currency: trx.Currency})
		}
		summary.Totals[i].Amount = summary.Totals[i].Amount.Add(trx.Amount)
		summary.Totals[i].Count++
	}
	sort.Slice(summary.Totals, func(i, j int) bool {
		return summary.Totals[i].Currency < summary.Totals[j].Currency
	})
	return summary, nil
}

func (s *Service) nextNumber(chatID int64, startedAt time.Time) (int, error) {
	last, found, err := s.shifts.GetLast(chatID)
	if err != nil {
		return 0, fmt.Errorf("последняя смена: %w", err)
	}
	if !found {
		return 1, nil
	}

	cfg, ok, err := s.configs.Get(chatID)
	if err != nil {
		return 0, fmt.Errorf("конфигурация смен: %w", err)
	}
	if ok && cfg.ResetDaily && !sameLocalDay(last.StartedAt, startedAt, cfg.Timezone) {
		return 1, nil
	}
	return last.Number + 1, nil
}

func sameLocalDay(a, b time.Time, timezone string) bool {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	al, bl := a.In(loc), b.In(loc)
	return al.Year() == bl.Year() && al.YearDay() == bl.YearDay()
}
