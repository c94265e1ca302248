package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Chat описывает групповой чат, подключённый к учёту транзакций.
type Chat struct {
	ID           int64
	TGChatID     int64
	AccessHash   int64
	Title        string
	AccountPool  string
	RegisteredAt time.Time
	ShiftEnabled bool
	IsActive     bool
	CreatedAt    time.Time
}

// Transaction представляет одно распознанное уведомление о платеже.
// Пара (ChatID, TGMsgID) уникальна — это единственный механизм идемпотентности.
type Transaction struct {
	ID        int64
	ChatID    int64
	TGMsgID   int64
	Amount    decimal.Decimal
	Currency  string
	TrxID     string
	ShiftID   *int64
	PostedBy  string
	RawText   string
	Note      string
	CreatedAt time.Time
}

// Shift описывает одну рабочую смену чата.
type Shift struct {
	ID        int64
	ChatID    int64
	Number    int
	StartedAt time.Time
	EndedAt   *time.Time
	Closed    bool
}

// ShiftConfig хранит настройки смен для чата.
type ShiftConfig struct {
	ChatID     int64
	AutoClose  bool
	CloseTimes []string
	Prefix     string
	Timezone   string
	ResetDaily bool
	LastRunAt  time.Time
	UpdatedAt  time.Time
}

// CurrencyTotal содержит сумму и количество транзакций одной валюты.
type CurrencyTotal struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Count    int             `json:"count"`
}

// ShiftSummary агрегирует транзакции смены по валютам.
type ShiftSummary struct {
	ShiftID int64           `json:"shift_id"`
	Totals  []CurrencyTotal `json:"totals"`
}

// Message — сообщение чата, полученное из транспорта.
type Message struct {
	TGMsgID  int64
	Text     string
	Author   string
	AuthorID int64
	IsBot    bool
	SentAt   time.Time
}

// Extract — результат разбора текста уведомления банковским парсером.
type Extract struct {
	Currency string
	Amount   decimal.Decimal
	TrxID    string
}
