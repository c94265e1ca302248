package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chi "github.com/go-chi/chi/v5"

	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/usecase/shift"
	"tg-shift-ledger/internal/usecase/shiftconfig"
)

type stubChatRepo struct {
	chats   map[int64]domain.Chat
	enabled map[int64]bool
}

func newStubChatRepo(chats ...domain.Chat) *stubChatRepo {
	byTGID := make(map[int64]domain.Chat, len(chats))
	for _, chat := range chats {
		byTGID[chat.TGChatID] = chat
	}
	return &stubChatRepo{chats: byTGID, enabled: make(map[int64]bool)}
}

func (s *stubChatRepo) ListActive(string) ([]domain.Chat, error) { return nil, nil }

func (s *stubChatRepo) GetByTGID(tgChatID int64) (domain.Chat, error) {
	chat, ok := s.chats[tgChatID]
	if !ok {
		return domain.Chat{}, errors.New("чат не зарегистрирован")
	}
	return chat, nil
}

func (s *stubChatRepo) GetByID(chatID int64) (domain.Chat, error) {
	for _, chat := range s.chats {
		if chat.ID == chatID {
			return chat, nil
		}
	}
	return domain.Chat{}, errors.New("чат не найден")
}

func (s *stubChatRepo) SetActive(int64, bool) error { return nil }

func (s *stubChatRepo) SetShiftEnabled(chatID int64, enabled bool) error {
	s.enabled[chatID] = enabled
	return nil
}

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
	if cfg.CloseTimes == nil {
		return domain.ShiftConfig{}, errors.New("close_times: нарушение NOT NULL")
	}
	s.configs[cfg.ChatID] = cfg
	return cfg, nil
}

func (s *stubConfigRepo) ListAutoClose() ([]domain.ShiftConfig, error) { return nil, nil }
func (s *stubConfigRepo) UpdateWatermark(int64, time.Time) error       { return nil }

type stubTrxRepo struct {
	notes map[int64]string
}

func newStubTrxRepo() *stubTrxRepo {
	return &stubTrxRepo{notes: make(map[int64]string)}
}

func (s *stubTrxRepo) Insert(context.Context, domain.Transaction) (bool, error) {
	return false, errors.New("не поддерживается")
}

func (s *stubTrxRepo) Exists(int64, int64) (bool, error)               { return false, nil }
func (s *stubTrxRepo) ListByShift(int64) ([]domain.Transaction, error) { return nil, nil }

func (s *stubTrxRepo) SetNote(trxID int64, note string) error {
	s.notes[trxID] = note
	return nil
}

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
	for _, sh := range s.shifts {
		if sh.ChatID == chatID && !sh.Closed {
			return domain.Shift{}, false, nil
		}
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

type fakeQueue struct {
	jobs []domain.ShiftCloseJob
}

func (q *fakeQueue) Enqueue(_ context.Context, job domain.ShiftCloseJob) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) Receive(context.Context) (domain.ShiftCloseJob, domain.NotifyAckFunc, error) {
	return domain.ShiftCloseJob{}, nil, errors.New("не поддерживается")
}

type testAPI struct {
	router *chi.Mux
	chats  *stubChatRepo
	repo   *stubShiftRepo
	trxs   *stubTrxRepo
	shifts *shift.Service
	queue  *fakeQueue
}

func newTestAPI() *testAPI {
	chats := newStubChatRepo(domain.Chat{ID: 1, TGChatID: -100})
	configs := newStubConfigRepo()
	repo := &stubShiftRepo{}
	trxs := newStubTrxRepo()
	queue := &fakeQueue{}

	shiftService := shift.NewService(repo, trxs, configs)
	handlers := &adminHandlers{
		chats:      chats,
		configs:    configs,
		trxs:       trxs,
		shifts:     shiftService,
		shiftSetup: shiftconfig.NewService(configs, chats, shiftService),
		queue:      queue,
	}

	router := chi.NewRouter()
	router.Get("/chats/{tg_id}/shift", handlers.currentShift)
	router.Post("/chats/{tg_id}/active", handlers.setActive)
	router.Post("/chats/{tg_id}/shift/close", handlers.closeShift)
	router.Post("/chats/{tg_id}/shift/enable", handlers.enableTracking)
	router.Post("/chats/{tg_id}/shift/config", handlers.updateConfig)
	router.Post("/transactions/{id}/note", handlers.setNote)

	return &testAPI{router: router, chats: chats, repo: repo, trxs: trxs, shifts: shiftService, queue: queue}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestEnableTrackingEndpoint(t *testing.T) {
	api := newTestAPI()

	rec := api.do(t, http.MethodPost, "/chats/-100/shift/enable", `{"timezone":"asia/phnom penh"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("неразборчивый ответ: %v", err)
	}
	if resp["timezone"] != "Asia/Phnom_Penh" {
		t.Fatalf("ожидали каноничный пояс, получили %v", resp["timezone"])
	}
	if !api.chats.enabled[1] {
		t.Fatalf("включение учёта должно поднимать флаг в реестре чатов")
	}
	if _, found, _ := api.shifts.Current(1); !found {
		t.Fatalf("после включения учёта должна открыться первая смена")
	}
}

func TestEnableTrackingEndpointRejectsBadTimezone(t *testing.T) {
	api := newTestAPI()

	rec := api.do(t, http.MethodPost, "/chats/-100/shift/enable", `{"timezone":"Nowhere/Special"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", rec.Code)
	}
}

func TestUpdateConfigEndpoint(t *testing.T) {
	api := newTestAPI()
	if rec := api.do(t, http.MethodPost, "/chats/-100/shift/enable", `{"timezone":"UTC"}`); rec.Code != http.StatusOK {
		t.Fatalf("включение учёта: %d", rec.Code)
	}

	rec := api.do(t, http.MethodPost, "/chats/-100/shift/config", `{"close_times":["17:00","9:00"],"prefix":"Team A"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		CloseTimes []string `json:"close_times"`
		Prefix     string   `json:"prefix"`
		AutoClose  bool     `json:"auto_close"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("неразборчивый ответ: %v", err)
	}
	if len(resp.CloseTimes) != 2 || resp.CloseTimes[0] != "09:00" || resp.CloseTimes[1] != "17:00" {
		t.Fatalf("ожидали [09:00 17:00], получили %v", resp.CloseTimes)
	}
	if resp.Prefix != "Team A" || !resp.AutoClose {
		t.Fatalf("неожиданная конфигурация: %+v", resp)
	}

	if rec := api.do(t, http.MethodPost, "/chats/-100/shift/config", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("пустое обновление должно отклоняться, получили %d", rec.Code)
	}
}

func TestCloseShiftEndpointEnqueuesManualReport(t *testing.T) {
	api := newTestAPI()
	if rec := api.do(t, http.MethodPost, "/chats/-100/shift/enable", `{"timezone":"UTC"}`); rec.Code != http.StatusOK {
		t.Fatalf("включение учёта: %d", rec.Code)
	}

	rec := api.do(t, http.MethodPost, "/chats/-100/shift/close", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("неразборчивый ответ: %v", err)
	}
	if _, ok := resp["closed"]; !ok {
		t.Fatalf("ответ должен описывать закрытую смену: %v", resp)
	}
	if _, ok := resp["opened"]; !ok {
		t.Fatalf("ручное закрытие всегда открывает следующую смену: %v", resp)
	}

	if len(api.queue.jobs) != 1 {
		t.Fatalf("ожидали одно уведомление, получили %d", len(api.queue.jobs))
	}
	job := api.queue.jobs[0]
	if job.Cause != domain.ShiftCloseCauseManual || job.ChatTGID != -100 {
		t.Fatalf("неожиданная задача уведомления: %+v", job)
	}
}

func TestSetNoteEndpoint(t *testing.T) {
	api := newTestAPI()

	rec := api.do(t, http.MethodPost, "/transactions/5/note", `{"note":"возврат клиенту"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	if api.trxs.notes[5] != "возврат клиенту" {
		t.Fatalf("аннотация не сохранена: %v", api.trxs.notes)
	}

	if rec := api.do(t, http.MethodPost, "/transactions/abc/note", `{"note":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("нечисловой идентификатор должен отклоняться, получили %d", rec.Code)
	}
}
