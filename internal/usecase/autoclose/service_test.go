package autoclose

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/usecase/shift"
)

type stubConfigRepo struct {
	configs    map[int64]domain.ShiftConfig
	watermarks map[int64]time.Time
}

func newStubConfigRepo(configs ...domain.ShiftConfig) *stubConfigRepo {
	byChat := make(map[int64]domain.ShiftConfig, len(configs))
	for _, cfg := range configs {
		byChat[cfg.ChatID] = cfg
	}
	return &stubConfigRepo{configs: byChat, watermarks: make(map[int64]time.Time)}
}

func (s *stubConfigRepo) Get(chatID int64) (domain.ShiftConfig, bool, error) {
	cfg, ok := s.configs[chatID]
	return cfg, ok, nil
}

func (s *stubConfigRepo) Upsert(cfg domain.ShiftConfig) (domain.ShiftConfig, error) {
	s.configs[cfg.ChatID] = cfg
	return cfg, nil
}

func (s *stubConfigRepo) ListAutoClose() ([]domain.ShiftConfig, error) {
	var out []domain.ShiftConfig
	for _, cfg := range s.configs {
		if len(cfg.CloseTimes) > 0 {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *stubConfigRepo) UpdateWatermark(chatID int64, lastRunAt time.Time) error {
	cfg := s.configs[chatID]
	cfg.LastRunAt = lastRunAt
	s.configs[chatID] = cfg
	s.watermarks[chatID] = lastRunAt
	return nil
}

type stubChatRepo struct {
	chats map[int64]domain.Chat
}

func (s *stubChatRepo) ListActive(string) ([]domain.Chat, error) { return nil, nil }
func (s *stubChatRepo) GetByTGID(int64) (domain.Chat, error) {
	return domain.Chat{}, errors.New("чат не зарегистрирован")
}

func (s *stubChatRepo) GetByID(chatID int64) (domain.Chat, error) {
	chat, ok := s.chats[chatID]
	if !ok {
		return domain.Chat{}, errors.New("чат не найден")
	}
	return chat, nil
}

func (s *stubChatRepo) SetActive(int64, bool) error { return nil }

func (s *stubChatRepo) SetShiftEnabled(int64, bool) error { return nil }

type stubShiftRepo struct {
	shifts    []domain.Shift
	nextID    int64
	failChats map[int64]bool
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
	if s.failChats[chatID] {
		return domain.Shift{}, false, errors.New("хранилище недоступно")
	}
	s.nextID++
	created := domain.Shift{ID: s.nextID, ChatID: chatID, Number: number, StartedAt: startedAt}
	s.shifts = append(s.shifts, created)
	return created, true, nil
}

func (s *stubShiftRepo) Close(shiftID int64, endedAt time.Time) (bool, error) {
	for i, sh := range s.shifts {
		if sh.ID == shiftID && !sh.Closed {
			ended := endedAt
			s.shifts[i].Closed = true
			s.shifts[i].EndedAt = &ended
			return true, nil
		}
	}
	return false, nil
}

func (s *stubShiftRepo) openCount(chatID int64) int {
	count := 0
	for _, sh := range s.shifts {
		if sh.ChatID == chatID && !sh.Closed {
			count++
		}
	}
	return count
}

type stubTrxRepo struct {
	trxs []domain.Transaction
}

func (s *stubTrxRepo) Insert(context.Context, domain.Transaction) (bool, error) {
	return false, errors.New("не поддерживается")
}

func (s *stubTrxRepo) Exists(int64, int64) (bool, error) { return false, nil }

func (s *stubTrxRepo) ListByShift(shiftID int64) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for _, trx := range s.trxs {
		if trx.ShiftID != nil && *trx.ShiftID == shiftID {
			out = append(out, trx)
		}
	}
	return out, nil
}

func (s *stubTrxRepo) SetNote(int64, string) error { return nil }

type fakeQueue struct {
	jobs []domain.ShiftCloseJob
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job domain.ShiftCloseJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Receive(context.Context) (domain.ShiftCloseJob, domain.NotifyAckFunc, error) {
	return domain.ShiftCloseJob{}, nil, errors.New("не поддерживается")
}

func trackedConfig(closeTimes []string, lastRunAt time.Time) domain.ShiftConfig {
	return domain.ShiftConfig{
		ChatID:     1,
		AutoClose:  true,
		CloseTimes: closeTimes,
		Prefix:     "Team A",
		Timezone:   "UTC",
		LastRunAt:  lastRunAt,
	}
}

func newTestService(configs *stubConfigRepo, chats *stubChatRepo, repo *stubShiftRepo, trxs *stubTrxRepo, queue domain.NotifyQueue, now time.Time) *Service {
	shiftService := shift.NewService(repo, trxs, configs)
	return NewService(zerolog.Nop(), configs, chats, shiftService, queue, time.Minute).
		WithClock(func() time.Time { return now })
}

func seedOpenShift(repo *stubShiftRepo, chatID int64, startedAt time.Time) domain.Shift {
	created, _, _ := repo.Create(chatID, 1, startedAt)
	return created
}

func TestTickFiresInstantExactlyOnce(t *testing.T) {
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	configs := newStubConfigRepo(trackedConfig([]string{"09:00"}, day.Add(8*time.Hour)))
	chats := &stubChatRepo{chats: map[int64]domain.Chat{1: {ID: 1, TGChatID: -100}}}
	repo := &stubShiftRepo{}
	seedOpenShift(repo, 1, day.Add(6*time.Hour))
	queue := &fakeQueue{}

	now := day.Add(9*time.Hour + 30*time.Second)
	service := newTestService(configs, chats, repo, &stubTrxRepo{}, queue, now)
	if err := service.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if len(queue.jobs) != 1 {
		t.Fatalf("ожидали одно уведомление, получили %d", len(queue.jobs))
	}
	if repo.openCount(1) != 1 {
		t.Fatalf("после ротации должна остаться ровно одна открытая смена")
	}
	if got := configs.watermarks[1]; !got.Equal(now) {
		t.Fatalf("водяной знак должен сдвинуться к now, получили %s", got)
	}

	// Следующий тик перекрывает тот же момент: повторного срабатывания нет.
	next := day.Add(9*time.Hour + 90*time.Second)
	service.WithClock(func() time.Time { return next })
	if err := service.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("момент закрытия сработал повторно: уведомлений %d", len(queue.jobs))
	}
}

func TestTickCoalescesMissedInstants(t *testing.T) {
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	configs := newStubConfigRepo(trackedConfig([]string{"09:00", "12:00"}, day.Add(8*time.Hour)))
	chats := &stubChatRepo{chats: map[int64]domain.Chat{1: {ID: 1, TGChatID: -100}}}
	repo := &stubShiftRepo{}
	seed := seedOpenShift(repo, 1, day.Add(6*time.Hour))
	trxs := &stubTrxRepo{trxs: []domain.Transaction{
		{ShiftID: &seed.ID, Currency: "USD", Amount: decimal.RequireFromString("10")},
		{ShiftID: &seed.ID, Currency: "USD", Amount: decimal.RequireFromString("5.5")},
	}}
	queue := &fakeQueue{}

	now := day.Add(12*time.Hour + 30*time.Minute)
	service := newTestService(configs, chats, repo, trxs, queue, now)
	if err := service.Tick(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if len(queue.jobs) != 1 {
		t.Fatalf("пропущенные моменты должны объединиться в один цикл, уведомлений %d", len(queue.jobs))
	}
	job := queue.jobs[0]
	if job.Coalesced != 2 {
		t.Fatalf("ожидали 2 объединённых момента, получили %d", job.Coalesced)
	}
	if job.ShiftID != seed.ID {
		t.Fatalf("уведомление должно описывать закрытую смену %d, получили %d", seed.ID, job.ShiftID)
	}
	if job.ChatTGID != -100 {
		t.Fatalf("ожидали идентификатор чата Telegram, получили %d", job.ChatTGID)
	}
	if len(job.Totals) != 1 || job.Totals[0].Currency != "USD" ||
		!job.Totals[0].Amount.Equal(decimal.RequireFromString("15.5")) || job.Totals[0].Count != 2 {
		t.Fatalf("ожидали итоги закрытой смены, получили %+v", job.Totals)
	}
	if repo.openCount(1) != 1 {
		t.Fatalf("исторические границы не восстанавливаются: ровно одна ротация")
	}
}

func TestTickEnqueueFailureDoesNotRollBack(t *testing.T) {
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	configs := newStubConfigRepo(trackedConfig([]string{"09:00"}, day.Add(8*time.Hour)))
	chats := &stubChatRepo{chats: map[int64]domain.Chat{1: {ID: 1, TGChatID: -100}}}
	repo := &stubShiftRepo{}
	seedOpenShift(repo, 1, day.Add(6*time.Hour))
	queue := &fakeQueue{err: errors.New("брокер недоступен")}

	now := day.Add(9*time.Hour + 30*time.Second)
	service := newTestService(configs, chats, repo, &stubTrxRepo{}, queue, now)
	if err := service.Tick(context.Background()); err != nil {
		t.Fatalf("сбой очереди не должен ронять тик: %v", err)
	}
	if repo.openCount(1) != 1 {
		t.Fatalf("ротация должна завершиться несмотря на сбой очереди")
	}
	if got := configs.watermarks[1]; !got.Equal(now) {
		t.Fatalf("водяной знак должен сдвинуться несмотря на сбой очереди")
	}
}

func TestTickIsolatesChatFailures(t *testing.T) {
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	badCfg := trackedConfig([]string{"09:00"}, day.Add(8*time.Hour))
	goodCfg := trackedConfig([]string{"09:00"}, day.Add(8*time.Hour))
	goodCfg.ChatID = 2
	configs := newStubConfigRepo(badCfg, goodCfg)
	chats := &stubChatRepo{chats: map[int64]domain.Chat{
		1: {ID: 1, TGChatID: -100},
		2: {ID: 2, TGChatID: -200},
	}}
	repo := &stubShiftRepo{failChats: map[int64]bool{1: true}}
	seedOpenShift(repo, 2, day.Add(6*time.Hour))
	queue := &fakeQueue{}

	now := day.Add(9*time.Hour + 30*time.Second)
	service := newTestService(configs, chats, repo, &stubTrxRepo{}, queue, now)
	if err := service.Tick(context.Background()); err != nil {
		t.Fatalf("ошибка одного чата не должна ронять тик: %v", err)
	}
	if repo.openCount(2) != 1 {
		t.Fatalf("здоровый чат должен обработаться")
	}
	if _, ok := configs.watermarks[2]; !ok {
		t.Fatalf("водяной знак здорового чата должен сдвинуться")
	}
	if _, ok := configs.watermarks[1]; ok {
		t.Fatalf("водяной знак упавшего чата сдвигаться не должен")
	}
}
