package domain

import (
	"context"
	"time"
)

// ShiftCloseCause описывает источник закрытия смены.
type ShiftCloseCause string

const (
	// ShiftCloseCauseAuto — смена закрыта планировщиком по расписанию.
	ShiftCloseCauseAuto ShiftCloseCause = "auto"
	// ShiftCloseCauseManual — смену закрыл оператор.
	ShiftCloseCauseManual ShiftCloseCause = "manual"
)

// ShiftCloseJob содержит данные закрытой смены для отправки уведомления в чат.
type ShiftCloseJob struct {
	ID          string          `json:"job_id"`
	ChatID      int64           `json:"chat_id"`
	ChatTGID    int64           `json:"chat_tg_id"`
	ShiftID     int64           `json:"shift_id"`
	Number      int             `json:"number"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     time.Time       `json:"ended_at"`
	Prefix      string          `json:"prefix,omitempty"`
	Timezone    string          `json:"timezone,omitempty"`
	Totals      []CurrencyTotal `json:"totals,omitempty"`
	Coalesced   int             `json:"coalesced,omitempty"`
	Cause       ShiftCloseCause `json:"cause"`
	RequestedAt time.Time       `json:"requested_at"`
}

// NotifyAckFunc подтверждает обработку задачи или возвращает её в очередь.
type NotifyAckFunc func(success bool) error

// NotifyQueue описывает очередь уведомлений о закрытии смен.
type NotifyQueue interface {
	Enqueue(ctx context.Context, job ShiftCloseJob) error
	Receive(ctx context.Context) (ShiftCloseJob, NotifyAckFunc, error)
}
