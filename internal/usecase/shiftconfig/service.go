package shiftconfig

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/usecase/shift"
)

// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
var ErrInvalidTimezone = errors.New("invalid timezone")

// ErrInvalidCloseTime возвращается при неразборчивом времени закрытия.
var ErrInvalidCloseTime = errors.New("invalid close time")

// Service управляет конфигурацией смен чата.
type Service struct {
	configs domain.ShiftConfigRepo
	chats   domain.ChatRepo
	shifts  *shift.Service
}

// NewService создаёт сервис конфигурации.
func NewService(configs domain.ShiftConfigRepo, chats domain.ChatRepo, shifts *shift.Service) *Service {
	return &Service{configs: configs, chats: chats, shifts: shifts}
}

// EnableTracking включает учёт смен: создаёт конфигурацию по умолчанию,
// поднимает флаг учёта в реестре чатов и открывает первую смену, если
// открытой ещё нет.
func (s *Service) EnableTracking(chatID int64, timezone string) (domain.ShiftConfig, error) {
	normalized, err := NormalizeTimezone(timezone)
	if err != nil {
		return domain.ShiftConfig{}, err
	}

	cfg, found, err := s.configs.Get(chatID)
	if err != nil {
		return domain.ShiftConfig{}, fmt.Errorf("чтение конфигурации: %w", err)
	}
	if !found {
		// Расписание хранится в колонке NOT NULL: пустой слайс вместо nil,
		// иначе вставка уедет в базу как NULL.
		cfg = domain.ShiftConfig{ChatID: chatID, CloseTimes: []string{}}
	}
	cfg.Timezone = normalized

	saved, err := s.configs.Upsert(cfg)
	if err != nil {
		return domain.ShiftConfig{}, fmt.Errorf("сохранение конфигурации: %w", err)
	}

	if err := s.chats.SetShiftEnabled(chatID, true); err != nil {
		return domain.ShiftConfig{}, fmt.Errorf("включение учёта в реестре: %w", err)
	}

	if _, err := s.shifts.Open(chatID); err != nil && !errors.Is(err, shift.ErrAlreadyOpen) {
		return domain.ShiftConfig{}, fmt.Errorf("открытие первой смены: %w", err)
	}
	return saved, nil
}

// UpdateCloseTimes задаёт расписание автозакрытия.
func (s *Service) UpdateCloseTimes(chatID int64, times []string) (domain.ShiftConfig, error) {
	cleaned, err := NormalizeCloseTimes(times)
	if err != nil {
		return domain.ShiftConfig{}, err
	}

	cfg, found, err := s.configs.Get(chatID)
	if err != nil {
		return domain.ShiftConfig{}, fmt.Errorf("чтение конфигурации: %w", err)
	}
	if !found {
		return domain.ShiftConfig{}, fmt.Errorf("учёт смен для чата не включён")
	}
	cfg.CloseTimes = cleaned
	cfg.AutoClose = len(cleaned) > 0
	return s.configs.Upsert(cfg)
}

// UpdatePrefix задаёт отображаемый префикс отчётов.
func (s *Service) UpdatePrefix(chatID int64, prefix string) (domain.ShiftConfig, error) {
	cfg, found, err := s.configs.Get(chatID)
	if err != nil {
		return domain.ShiftConfig{}, fmt.Errorf("чтение конфигурации: %w", err)
	}
	if !found {
		return domain.ShiftConfig{}, fmt.Errorf("учёт смен для чата не включён")
	}
	cfg.Prefix = strings.TrimSpace(prefix)
	return s.configs.Upsert(cfg)
}

// SetResetDaily переключает ежедневный сброс нумерации смен.
func (s *Service) SetResetDaily(chatID int64, reset bool) (domain.ShiftConfig, error) {
	cfg, found, err := s.configs.Get(chatID)
	if err != nil {
		return domain.ShiftConfig{}, fmt.Errorf("чтение конфигурации: %w", err)
	}
	if !found {
		return domain.ShiftConfig{}, fmt.Errorf("учёт смен для чата не включён")
	}
	cfg.ResetDaily = reset
	return s.configs.Upsert(cfg)
}

// NormalizeCloseTimes проверяет, сортирует и дедуплицирует времена «HH:MM».
func NormalizeCloseTimes(times []string) ([]string, error) {
	seen := make(map[string]struct{}, len(times))
	cleaned := make([]string, 0, len(times))
	for _, raw := range times {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		parsed, err := time.Parse("15:04", trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCloseTime, raw)
		}
		canonical := parsed.Format("15:04")
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		cleaned = append(cleaned, canonical)
	}
	sort.Strings(cleaned)
	return cleaned, nil
}

// NormalizeTimezone приводит ввод пользователя к каноничному IANA-идентификатору.
func NormalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrInvalidTimezone
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil {
		return candidate, nil
	}

	lower := strings.ToLower(candidate)
	parts := strings.Split(lower, "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil {
		return normalized, nil
	}
	return "", ErrInvalidTimezone
}
