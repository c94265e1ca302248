package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/infra/metrics"
)

// SkipReason объясняет, почему сообщение не стало транзакцией.
type SkipReason string

const (
	// SkipEmptyText — пустой текст сообщения.
	SkipEmptyText SkipReason = "empty_text"
	// SkipUnknownChat — чат не зарегистрирован в реестре.
	SkipUnknownChat SkipReason = "unknown_chat"
	// SkipBeforeRegistration — сообщение старше момента регистрации чата.
	SkipBeforeRegistration SkipReason = "before_registration"
	// SkipNoMatch — парсер не нашёл валюту или сумму.
	SkipNoMatch SkipReason = "no_match"
	// SkipDuplicate — транзакция с этим сообщением уже сохранена.
	SkipDuplicate SkipReason = "duplicate"
)

// Result — типизированный итог обработки одного сообщения.
// Пропуск — не ошибка: причины пропуска перечислимы и проверяемы.
type Result struct {
	Persisted   bool
	Reason      SkipReason
	Transaction domain.Transaction
}

func skipped(reason SkipReason) Result {
	metrics.IncIngestSkip(string(reason))
	return Result{Reason: reason}
}

// Input — одно входящее сообщение кандидата.
type Input struct {
	ChatTGID int64
	TGMsgID  int64
	Text     string
	Author   string
	SentAt   time.Time
}

// Service превращает сообщение в не более чем одну транзакцию.
type Service struct {
	log    zerolog.Logger
	chats  domain.ChatRepo
	trxs   domain.TransactionRepo
	shifts domain.ShiftRepo
	parser domain.Parser
	grace  time.Duration
}

// NewService создаёт конвейер приёма.
func NewService(log zerolog.Logger, chats domain.ChatRepo, trxs domain.TransactionRepo, shifts domain.ShiftRepo, parser domain.Parser, grace time.Duration) *Service {
	return &Service{log: log, chats: chats, trxs: trxs, shifts: shifts, parser: parser, grace: grace}
}

// Process проводит сообщение через все проверки и сохраняет транзакцию.
// Каждая проверка может завершить обработку пропуском без ошибки.
func (s *Service) Process(ctx context.Context, in Input) (Result, error) {
	if strings.TrimSpace(in.Text) == "" {
		return skipped(SkipEmptyText), nil
	}

	chat, err := s.chats.GetByTGID(in.ChatTGID)
	if err != nil {
		s.log.Debug().Int64("chat", in.ChatTGID).Msg("ingest: сообщение из незарегистрированного чата")
		return skipped(SkipUnknownChat), nil
	}

	// Сообщения старше регистрации чата — шум истории до подключения.
	// Запас по времени покрывает расхождение часов вблизи момента регистрации.
	floor := chat.RegisteredAt.UTC().Add(-s.grace)
	if in.SentAt.UTC().Before(floor) {
		return skipped(SkipBeforeRegistration), nil
	}

	extract, matched := s.parser.Extract(in.Text, in.Author)
	if !matched {
		return skipped(SkipNoMatch), nil
	}

	exists, err := s.trxs.Exists(chat.ID, in.TGMsgID)
	if err != nil {
		return Result{}, fmt.Errorf("проверка дубликата: %w", err)
	}
	if exists {
		return skipped(SkipDuplicate), nil
	}

	trx := domain.Transaction{
		ChatID:   chat.ID,
		TGMsgID:  in.TGMsgID,
		Amount:   extract.Amount,
		Currency: extract.Currency,
		TrxID:    extract.TrxID,
		PostedBy: in.Author,
		RawText:  in.Text,
	}

	if chat.ShiftEnabled {
		open, found, err := s.shifts.GetOpen(chat.ID)
		if err != nil {
			return Result{}, fmt.Errorf("текущая смена: %w", err)
		}
		if found {
			shiftID := open.ID
			trx.ShiftID = &shiftID
		}
	}

	created, err := s.trxs.Insert(ctx, trx)
	if err != nil {
		return Result{}, fmt.Errorf("сохранение транзакции: %w", err)
	}
	if !created {
		// Гонка с пересекающимся окном опроса: ограничение уникальности
		// в хранилище сработало первым.
		return skipped(SkipDuplicate), nil
	}

	metrics.IncIngested(trx.Currency)
	s.log.Debug().Int64("chat", chat.ID).Int64("msg", in.TGMsgID).Str("currency", trx.Currency).Msg("ingest: транзакция сохранена")
	return Result{Persisted: true, Transaction: trx}, nil
}
