package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/session"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ChatRepo        = (*Postgres)(nil)
	_ domain.TransactionRepo = (*Postgres)(nil)
	_ domain.ShiftRepo       = (*Postgres)(nil)
	_ domain.ShiftConfigRepo = (*Postgres)(nil)
)

const uniqueViolation = "23505"

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// ListActive возвращает активные чаты, при необходимости ограничивая выборку пулом аккаунтов.
func (p *Postgres) ListActive(pool string) ([]domain.Chat, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	query := `
SELECT id, tg_chat_id, access_hash, title, account_pool, registered_at, shift_enabled, is_active, created_at
FROM chats WHERE is_active
ORDER BY id
`
	args := []any{}
	if pool != "" {
		query = `
SELECT id, tg_chat_id, access_hash, title, account_pool, registered_at, shift_enabled, is_active, created_at
FROM chats WHERE is_active AND account_pool = $1
ORDER BY id
`
		args = append(args, pool)
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "chats_list_active", "chats", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chats []domain.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// GetByTGID возвращает чат по идентификатору Telegram.
func (p *Postgres) GetByTGID(tgChatID int64) (domain.Chat, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, tg_chat_id, access_hash, title, account_pool, registered_at, shift_enabled, is_active, created_at
FROM chats WHERE tg_chat_id=$1
`, tgChatID)
	chat, err := scanChat(row)
	metrics.ObserveNetworkRequest("postgres", "chats_get_by_tgid", "chats", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Chat{}, fmt.Errorf("чат не зарегистрирован")
	}
	return chat, err
}

// GetByID возвращает чат по внутреннему идентификатору.
func (p *Postgres) GetByID(chatID int64) (domain.Chat, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, tg_chat_id, access_hash, title, account_pool, registered_at, shift_enabled, is_active, created_at
FROM chats WHERE id=$1
`, chatID)
	chat, err := scanChat(row)
	metrics.ObserveNetworkRequest("postgres", "chats_get_by_id", "chats", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Chat{}, fmt.Errorf("чат не найден")
	}
	return chat, err
}

// SetActive переключает активность чата.
func (p *Postgres) SetActive(chatID int64, active bool) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE chats SET is_active=$2 WHERE id=$1`, chatID, active)
	metrics.ObserveNetworkRequest("postgres", "chats_set_active", "chats", start, err)
	return err
}

// SetShiftEnabled переключает учёт смен для чата.
func (p *Postgres) SetShiftEnabled(chatID int64, enabled bool) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE chats SET shift_enabled=$2 WHERE id=$1`, chatID, enabled)
	metrics.ObserveNetworkRequest("postgres", "chats_set_shift_enabled", "chats", start, err)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (domain.Chat, error) {
	var (
		chat  domain.Chat
		title sql.NullString
		pool  sql.NullString
	)
	err := row.Scan(&chat.ID, &chat.TGChatID, &chat.AccessHash, &title, &pool, &chat.RegisteredAt, &chat.ShiftEnabled, &chat.IsActive, &chat.CreatedAt)
	if err != nil {
		return domain.Chat{}, err
	}
	if title.Valid {
		chat.Title = title.String
	}
	if pool.Valid {
		chat.AccountPool = pool.String
	}
	return chat, nil
}

// Insert сохраняет транзакцию. Конфликт по (chat_id, tg_msg_id) не является ошибкой:
// пересекающиеся окна опроса гарантируют повторные доставки.
func (p *Postgres) Insert(ctx context.Context, trx domain.Transaction) (bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var shiftID sql.NullInt64
	if trx.ShiftID != nil {
		shiftID = sql.NullInt64{Int64: *trx.ShiftID, Valid: true}
	}
	var trxRef sql.NullString
	if trx.TrxID != "" {
		trxRef = sql.NullString{String: trx.TrxID, Valid: true}
	}

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
INSERT INTO transactions (chat_id, tg_msg_id, amount, currency, trx_id, shift_id, posted_by, raw_text)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (chat_id, tg_msg_id) DO NOTHING
`, trx.ChatID, trx.TGMsgID, trx.Amount.String(), trx.Currency, trxRef, shiftID, trx.PostedBy, trx.RawText)
	metrics.ObserveNetworkRequest("postgres", "transactions_insert", "transactions", start, err)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == uniqueViolation {
			return false, nil
		}
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// Exists проверяет наличие транзакции по паре (chat_id, tg_msg_id).
func (p *Postgres) Exists(chatID, tgMsgID int64) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM transactions WHERE chat_id=$1 AND tg_msg_id=$2)
`, chatID, tgMsgID).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "transactions_exists", "transactions", start, err)
	return exists, err
}

// ListByShift возвращает транзакции смены.
func (p *Postgres) ListByShift(shiftID int64) ([]domain.Transaction, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, chat_id, tg_msg_id, amount::text, currency, trx_id, shift_id, posted_by, raw_text, note, created_at
FROM transactions WHERE shift_id=$1
ORDER BY id
`, shiftID)
	metrics.ObserveNetworkRequest("postgres", "transactions_list_by_shift", "transactions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var trxs []domain.Transaction
	for rows.Next() {
		var (
			trx      domain.Transaction
			amount   string
			trxRef   sql.NullString
			shiftRef sql.NullInt64
			note     sql.NullString
		)
		if err := rows.Scan(&trx.ID, &trx.ChatID, &trx.TGMsgID, &amount, &trx.Currency, &trxRef, &shiftRef, &trx.PostedBy, &trx.RawText, &note, &trx.CreatedAt); err != nil {
			return nil, err
		}
		trx.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("разбор суммы: %w", err)
		}
		if trxRef.Valid {
			trx.TrxID = trxRef.String
		}
		if shiftRef.Valid {
			id := shiftRef.Int64
			trx.ShiftID = &id
		}
		if note.Valid {
			trx.Note = note.String
		}
		trxs = append(trxs, trx)
	}
	return trxs, rows.Err()
}

// SetNote прикрепляет аннотацию к транзакции.
func (p *Postgres) SetNote(trxID int64, note string) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE transactions SET note=$2 WHERE id=$1`, trxID, note)
	metrics.ObserveNetworkRequest("postgres", "transactions_set_note", "transactions", start, err)
	return err
}

// GetOpen возвращает открытую смену чата.
func (p *Postgres) GetOpen(chatID int64) (domain.Shift, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, chat_id, number, started_at, ended_at, closed
FROM shifts WHERE chat_id=$1 AND NOT closed
`, chatID)
	shift, err := scanShift(row)
	metrics.ObserveNetworkRequest("postgres", "shifts_get_open", "shifts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Shift{}, false, nil
	}
	if err != nil {
		return domain.Shift{}, false, err
	}
	return shift, true, nil
}

// GetLast возвращает последнюю по времени открытия смену чата.
func (p *Postgres) GetLast(chatID int64) (domain.Shift, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT id, chat_id, number, started_at, ended_at, closed
FROM shifts WHERE chat_id=$1
ORDER BY started_at DESC, id DESC
LIMIT 1
`, chatID)
	shift, err := scanShift(row)
	metrics.ObserveNetworkRequest("postgres", "shifts_get_last", "shifts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Shift{}, false, nil
	}
	if err != nil {
		return domain.Shift{}, false, err
	}
	return shift, true, nil
}

// Create вставляет открытую смену. Частичный уникальный индекс по (chat_id) WHERE NOT closed
// гарантирует не более одной открытой смены; конфликт возвращается как false без ошибки.
func (p *Postgres) Create(chatID int64, number int, startedAt time.Time) (domain.Shift, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	var shift domain.Shift
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO shifts (chat_id, number, started_at, closed)
VALUES ($1, $2, $3, false)
RETURNING id, chat_id, number, started_at, ended_at, closed
`, chatID, number, startedAt).Scan(&shift.ID, &shift.ChatID, &shift.Number, &shift.StartedAt, &shift.EndedAt, &shift.Closed)
	metrics.ObserveNetworkRequest("postgres", "shifts_create", "shifts", start, err)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == uniqueViolation {
			return domain.Shift{}, false, nil
		}
		return domain.Shift{}, false, err
	}
	return shift, true, nil
}

// Close закрывает смену. Уже закрытая или отсутствующая смена возвращает false без ошибки.
func (p *Postgres) Close(shiftID int64, endedAt time.Time) (bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `
UPDATE shifts SET ended_at=$2, closed=true WHERE id=$1 AND NOT closed
`, shiftID, endedAt)
	metrics.ObserveNetworkRequest("postgres", "shifts_close", "shifts", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func scanShift(row rowScanner) (domain.Shift, error) {
	var (
		shift domain.Shift
		ended sql.NullTime
	)
	err := row.Scan(&shift.ID, &shift.ChatID, &shift.Number, &shift.StartedAt, &ended, &shift.Closed)
	if err != nil {
		return domain.Shift{}, err
	}
	if ended.Valid {
		ts := ended.Time
		shift.EndedAt = &ts
	}
	return shift, nil
}

// Get возвращает конфигурацию смен чата.
func (p *Postgres) Get(chatID int64) (domain.ShiftConfig, bool, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT chat_id, auto_close, close_times, prefix, tz, reset_daily, last_run_at, updated_at
FROM shift_configs WHERE chat_id=$1
`, chatID)
	cfg, err := scanShiftConfig(row)
	metrics.ObserveNetworkRequest("postgres", "shift_configs_get", "shift_configs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ShiftConfig{}, false, nil
	}
	if err != nil {
		return domain.ShiftConfig{}, false, err
	}
	return cfg, true, nil
}

// Upsert сохраняет конфигурацию смен чата.
func (p *Postgres) Upsert(cfg domain.ShiftConfig) (domain.ShiftConfig, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO shift_configs (chat_id, auto_close, close_times, prefix, tz, reset_daily, last_run_at)
VALUES ($1, $2, COALESCE($3, '{}'::text[]), $4, $5, $6, COALESCE($7, now()))
ON CONFLICT (chat_id) DO UPDATE
SET auto_close = EXCLUDED.auto_close,
    close_times = EXCLUDED.close_times,
    prefix = EXCLUDED.prefix,
    tz = EXCLUDED.tz,
    reset_daily = EXCLUDED.reset_daily,
    updated_at = now()
RETURNING chat_id, auto_close, close_times, prefix, tz, reset_daily, last_run_at, updated_at
`, cfg.ChatID, cfg.AutoClose, cfg.CloseTimes, cfg.Prefix, cfg.Timezone, cfg.ResetDaily, nullTime(cfg.LastRunAt))
	saved, err := scanShiftConfig(row)
	metrics.ObserveNetworkRequest("postgres", "shift_configs_upsert", "shift_configs", start, err)
	return saved, err
}

// ListAutoClose возвращает конфигурации с включённым автозакрытием и хотя бы одним временем.
func (p *Postgres) ListAutoClose() ([]domain.ShiftConfig, error) {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT c.chat_id, c.auto_close, c.close_times, c.prefix, c.tz, c.reset_daily, c.last_run_at, c.updated_at
FROM shift_configs c JOIN chats ch ON ch.id = c.chat_id
WHERE c.auto_close AND cardinality(c.close_times) > 0 AND ch.is_active
ORDER BY c.chat_id
`)
	metrics.ObserveNetworkRequest("postgres", "shift_configs_list_auto_close", "shift_configs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var configs []domain.ShiftConfig
	for rows.Next() {
		cfg, err := scanShiftConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// UpdateWatermark фиксирует момент последней оценки расписания автозакрытия.
func (p *Postgres) UpdateWatermark(chatID int64, lastRunAt time.Time) error {
	ctx, cancel := p.connCtx()
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE shift_configs SET last_run_at=$2, updated_at=now() WHERE chat_id=$1
`, chatID, lastRunAt)
	metrics.ObserveNetworkRequest("postgres", "shift_configs_update_watermark", "shift_configs", start, err)
	return err
}

func scanShiftConfig(row rowScanner) (domain.ShiftConfig, error) {
	var (
		cfg    domain.ShiftConfig
		prefix sql.NullString
	)
	err := row.Scan(&cfg.ChatID, &cfg.AutoClose, &cfg.CloseTimes, &prefix, &cfg.Timezone, &cfg.ResetDaily, &cfg.LastRunAt, &cfg.UpdatedAt)
	if err != nil {
		return domain.ShiftConfig{}, err
	}
	if prefix.Valid {
		cfg.Prefix = prefix.String
	}
	return cfg, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// LoadTransportSession загружает сохранённую MTProto-сессию.
func (p *Postgres) LoadTransportSession(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	var data []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT data FROM transport_sessions WHERE name = $1`, name).Scan(&data)
	metrics.ObserveNetworkRequest("postgres", "transport_sessions_load", "transport_sessions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	clone := make([]byte, len(data))
	copy(clone, data)
	return clone, nil
}

// StoreTransportSession сохраняет MTProto-сессию.
func (p *Postgres) StoreTransportSession(ctx context.Context, name string, data []byte) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	if name == "" {
		name = "default"
	}

	tmp := make([]byte, len(data))
	copy(tmp, data)

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO transport_sessions (name, data, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
`, name, tmp)
	metrics.ObserveNetworkRequest("postgres", "transport_sessions_store", "transport_sessions", start, err)
	return err
}
