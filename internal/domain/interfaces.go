package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrChatUnreachable сигнализирует, что чат недоступен транспорту навсегда
// (бот удалён из чата, чат закрыт). Опрос чата прекращается до ручной реактивации.
var ErrChatUnreachable = errors.New("чат недоступен")

// FlowControlledError — временная ошибка транспорта: сервер требует подождать.
type FlowControlledError struct {
	Wait time.Duration
}

func (e *FlowControlledError) Error() string {
	return fmt.Sprintf("транспорт ограничил частоту запросов, ожидание %s", e.Wait)
}

// Transport выгружает сообщения чата за указанное окно времени, старые первыми.
type Transport interface {
	ListMessages(ctx context.Context, chat Chat, from, to time.Time) ([]Message, error)
}

// Parser извлекает транзакцию из текста уведомления. Второй результат false — «нет совпадения».
type Parser interface {
	Extract(text, author string) (Extract, bool)
}

// ChatRepo управляет реестром чатов.
type ChatRepo interface {
	ListActive(pool string) ([]Chat, error)
	GetByTGID(tgChatID int64) (Chat, error)
	GetByID(chatID int64) (Chat, error)
	SetActive(chatID int64, active bool) error
	SetShiftEnabled(chatID int64, enabled bool) error
}

// TransactionRepo управляет записями транзакций.
type TransactionRepo interface {
	// Insert сохраняет транзакцию и возвращает false без ошибки,
	// если запись с той же парой (chat_id, tg_msg_id) уже существует.
	Insert(ctx context.Context, trx Transaction) (bool, error)
	Exists(chatID, tgMsgID int64) (bool, error)
	ListByShift(shiftID int64) ([]Transaction, error)
	SetNote(trxID int64, note string) error
}

// ShiftRepo управляет сменами.
type ShiftRepo interface {
	GetOpen(chatID int64) (Shift, bool, error)
	GetLast(chatID int64) (Shift, bool, error)
	// Create вставляет открытую смену и возвращает false без ошибки,
	// если открытая смена уже существует.
	Create(chatID int64, number int, startedAt time.Time) (Shift, bool, error)
	// Close закрывает смену и возвращает false, если она уже закрыта или не найдена.
	Close(shiftID int64, endedAt time.Time) (bool, error)
}

// ShiftConfigRepo управляет конфигурацией смен.
type ShiftConfigRepo interface {
	Get(chatID int64) (ShiftConfig, bool, error)
	Upsert(cfg ShiftConfig) (ShiftConfig, error)
	ListAutoClose() ([]ShiftConfig, error)
	UpdateWatermark(chatID int64, lastRunAt time.Time) error
}

// Notifier отправляет текстовые уведомления в чат. Доставка best-effort.
type Notifier interface {
	Send(tgChatID int64, text string) error
}

// PollStateCache хранит верхнюю границу последнего успешно обработанного окна опроса.
type PollStateCache interface {
	LastPolled(ctx context.Context, chatID int64) (time.Time, bool, error)
	SetLastPolled(ctx context.Context, chatID int64, polledTo time.Time) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
