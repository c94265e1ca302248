package shiftconfig

import (
	"context"
	"errors"
	"testing"
	"time"

	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/usecase/shift"
)

type stubConfigRepo struct {
	configs map[int64]domain.ShiftConfig
}

func newStubConfigRepo() *stubConfigRepo {
	return &stubConfigRepo{configs: make(map[int64]domain.ShiftConfig)}
}

func (s *stubConfigRepo) Get(chatID int64) (domain.ShiftConfig, bool, error) {
	cfg, ok := s.configs[chatID]
	return cfg, ok, nil
}

func (s *stubConfigRepo) Upsert(cfg domain.ShiftConfig) (domain.ShiftConfig, error) {
	// Колонка close_times в хранилище объявлена NOT NULL: nil-слайс pgx
	// кодирует как NULL, и такая вставка падает.
	if cfg.CloseTimes == nil {
		return domain.ShiftConfig{}, errors.New("close_times: нарушение NOT NULL")
	}
	s.configs[cfg.ChatID] = cfg
	return cfg, nil
}

func (s *stubConfigRepo) ListAutoClose() ([]domain.ShiftConfig, error) { return nil, nil }
func (s *stubConfigRepo) UpdateWatermark(int64, time.Time) error       { return nil }

type stubShiftRepo struct {
	shifts []domain.Shift
	nextID int64
}

func (s *stubShiftRepo) GetOpen(chatID int64) (domain.Shift, bool, error) {
	for _, sh := range s.shifts {
		if sh.ChatID == chatID && !sh.Closed {
			return sh, true, nil
		}
	}
	return domain.Shift{}, false, nil
}

func (s *stubShiftRepo) GetLast(chatID int64) (domain.Shift, bool, error) {
	var last domain.Shift
	found := false
	for _, sh := range s.shifts {
		if sh.ChatID == chatID && (!found || sh.ID > last.ID) {
			last = sh
			found = true
		}
	}
	return last, found, nil
}

func (s *stubShiftRepo) Create(chatID int64, number int, startedAt time.Time) (domain.Shift, bool, error) {
	s.nextID++
	created := domain.Shift{ID: s.nextID, ChatID: chatID, Number: number, StartedAt: startedAt}
	s.shifts = append(s.shifts, created)
	return created, true, nil
}

func (s *stubShiftRepo) Close(int64, time.Time) (bool, error) { return false, nil }

type stubTrxRepo struct{}

func (stubTrxRepo) Insert(context.Context, domain.Transaction) (bool, error) { return false, nil }
func (stubTrxRepo) Exists(int64, int64) (bool, error)                        { return false, nil }
func (stubTrxRepo) ListByShift(int64) ([]domain.Transaction, error)          { return nil, nil }
func (stubTrxRepo) SetNote(int64, string) error                              { return nil }

type stubChatRepo struct {
	enabled map[int64]bool
}

func newStubChatRepo() *stubChatRepo {
	return &stubChatRepo{enabled: make(map[int64]bool)}
}

func (s *stubChatRepo) ListActive(string) ([]domain.Chat, error) { return nil, nil }

func (s *stubChatRepo) GetByTGID(int64) (domain.Chat, error) {
	return domain.Chat{}, errors.New("чат не зарегистрирован")
}

func (s *stubChatRepo) GetByID(int64) (domain.Chat, error) {
	return domain.Chat{}, errors.New("чат не найден")
}

func (s *stubChatRepo) SetActive(int64, bool) error { return nil }

func (s *stubChatRepo) SetShiftEnabled(chatID int64, enabled bool) error {
	s.enabled[chatID] = enabled
	return nil
}

func newTestService(configs *stubConfigRepo, chats *stubChatRepo, shifts *stubShiftRepo) *Service {
	return NewService(configs, chats, shift.NewService(shifts, stubTrxRepo{}, configs))
}

func TestEnableTrackingOpensFirstShift(t *testing.T) {
	configs := newStubConfigRepo()
	chats := newStubChatRepo()
	shifts := &stubShiftRepo{}
	service := newTestService(configs, chats, shifts)

	cfg, err := service.EnableTracking(1, "Asia/Phnom_Penh")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cfg.Timezone != "Asia/Phnom_Penh" {
		t.Fatalf("ожидали каноничный пояс, получили %q", cfg.Timezone)
	}
	if !chats.enabled[1] {
		t.Fatalf("включение учёта должно поднимать флаг в реестре чатов")
	}
	if len(shifts.shifts) != 1 || shifts.shifts[0].Number != 1 {
		t.Fatalf("ожидали открытие первой смены, получили %+v", shifts.shifts)
	}

	// Повторное включение не плодит вторую открытую смену.
	if _, err := service.EnableTracking(1, "UTC"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(shifts.shifts) != 1 {
		t.Fatalf("повторное включение открыло лишнюю смену: %d", len(shifts.shifts))
	}
}

func TestEnableTrackingStoresEmptySchedule(t *testing.T) {
	configs := newStubConfigRepo()
	service := newTestService(configs, newStubChatRepo(), &stubShiftRepo{})

	cfg, err := service.EnableTracking(1, "UTC")
	if err != nil {
		t.Fatalf("первое включение учёта не должно падать: %v", err)
	}
	if cfg.CloseTimes == nil {
		t.Fatalf("свежая конфигурация должна нести пустое расписание, а не nil")
	}
	if len(cfg.CloseTimes) != 0 || cfg.AutoClose {
		t.Fatalf("расписание по умолчанию должно быть пустым: %+v", cfg)
	}
}

func TestEnableTrackingRejectsBadTimezone(t *testing.T) {
	service := newTestService(newStubConfigRepo(), newStubChatRepo(), &stubShiftRepo{})

	if _, err := service.EnableTracking(1, "Not/A_Zone"); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("ожидали ErrInvalidTimezone, получили %v", err)
	}
}

func TestUpdateCloseTimesRequiresTracking(t *testing.T) {
	service := newTestService(newStubConfigRepo(), newStubChatRepo(), &stubShiftRepo{})

	if _, err := service.UpdateCloseTimes(1, []string{"09:00"}); err == nil {
		t.Fatalf("ожидали ошибку без включённого учёта")
	}
}

func TestUpdateCloseTimesNormalizes(t *testing.T) {
	configs := newStubConfigRepo()
	shifts := &stubShiftRepo{}
	service := newTestService(configs, newStubChatRepo(), shifts)
	if _, err := service.EnableTracking(1, "UTC"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	cfg, err := service.UpdateCloseTimes(1, []string{"17:00", "9:00", "09:00", " "})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(cfg.CloseTimes) != 2 || cfg.CloseTimes[0] != "09:00" || cfg.CloseTimes[1] != "17:00" {
		t.Fatalf("ожидали [09:00 17:00], получили %v", cfg.CloseTimes)
	}
	if !cfg.AutoClose {
		t.Fatalf("непустое расписание должно включать автозакрытие")
	}

	cleared, err := service.UpdateCloseTimes(1, nil)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cleared.AutoClose {
		t.Fatalf("пустое расписание должно выключать автозакрытие")
	}
}

func TestNormalizeCloseTimesRejectsGarbage(t *testing.T) {
	if _, err := NormalizeCloseTimes([]string{"25:00"}); !errors.Is(err, ErrInvalidCloseTime) {
		t.Fatalf("ожидали ErrInvalidCloseTime, получили %v", err)
	}
	if _, err := NormalizeCloseTimes([]string{"вечером"}); !errors.Is(err, ErrInvalidCloseTime) {
		t.Fatalf("ожидали ErrInvalidCloseTime, получили %v", err)
	}
}

func TestNormalizeTimezone(t *testing.T) {
	cases := map[string]string{
		"Europe/Moscow":    "Europe/Moscow",
		"asia/phnom penh":  "Asia/Phnom_Penh",
		"ASIA/PHNOM_PENH":  "Asia/Phnom_Penh",
		"  Europe/Moscow ": "Europe/Moscow",
	}
	for input, expected := range cases {
		got, err := NormalizeTimezone(input)
		if err != nil {
			t.Fatalf("не ожидали ошибку для %q: %v", input, err)
		}
		if got != expected {
			t.Fatalf("ожидали %q, получили %q", expected, got)
		}
	}

	if _, err := NormalizeTimezone(""); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("пустой ввод должен отклоняться")
	}
	if _, err := NormalizeTimezone("Nowhere/Special"); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("неизвестный пояс должен отклоняться")
	}
}
