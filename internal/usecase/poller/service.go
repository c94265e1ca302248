package poller

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/infra/metrics"
	"tg-shift-ledger/internal/usecase/ingest"
)

// Config задаёт параметры цикла опроса.
type Config struct {
	// Interval — период между проходами опроса.
	Interval time.Duration
	// Window — ширина окна выборки. Шире периода: пересечение окон намеренно,
	// корректность обеспечивает дедупликация конвейера приёма, а не границы окон.
	Window time.Duration
	// ChatDelay — пауза между чатами, BatchPause — длинная пауза каждые BatchSize
	// чатов. Это компромисс пропускной способности под лимиты транспорта.
	ChatDelay  time.Duration
	BatchPause time.Duration
	BatchSize  int
	// Cooldown — пауза после неожиданной ошибки прохода.
	Cooldown time.Duration
	// MaxCatchup ограничивает растяжение окна назад после простоя.
	MaxCatchup time.Duration
	// FloodGrace добавляется к ожиданию, затребованному транспортом.
	FloodGrace time.Duration
	// AccountPool ограничивает выборку чатов пулом аккаунтов транспорта.
	AccountPool string
	// SelfBots — собственные боты системы: их сообщения не принимаются,
	// чтобы исключить петли обратной связи.
	SelfBots []string
	// Denylist — подстроки имён служебных ботов, исключаемых из приёма.
	Denylist []string
}

// Service опрашивает активные чаты и передаёт сообщения конвейеру приёма.
type Service struct {
	log       zerolog.Logger
	chats     domain.ChatRepo
	transport domain.Transport
	ingest    *ingest.Service
	state     domain.PollStateCache
	cfg       Config
	now       func() time.Time
}

// NewService создаёт планировщик опроса. state может быть nil —
// тогда окна не растягиваются после простоя.
func NewService(log zerolog.Logger, chats domain.ChatRepo, transport domain.Transport, ingestSvc *ingest.Service, state domain.PollStateCache, cfg Config) *Service {
	return &Service{log: log, chats: chats, transport: transport, ingest: ingestSvc, state: state, cfg: cfg, now: time.Now}
}

// WithClock подменяет источник времени. Используется в тестах.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run крутит цикл опроса до отмены контекста. Остановка кооперативная:
// сигнал проверяется между проходами и между чатами, не посреди запроса.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.log.Error().Err(err).Msg("poller: проход завершился ошибкой, пауза перед повтором")
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.Cooldown):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce выполняет один проход по всем активным чатам.
// Ошибка одного чата не прерывает обработку остальных.
func (s *Service) RunOnce(ctx context.Context) error {
	chats, err := s.chats.ListActive(s.cfg.AccountPool)
	if err != nil {
		return err
	}

	for i, chat := range chats {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.processChat(ctx, chat); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			metrics.PollerChatErrors.Inc()
			s.log.Error().Err(err).Int64("chat", chat.TGChatID).Msg("poller: ошибка обработки чата")
		}
		if i == len(chats)-1 {
			break
		}
		pause := s.cfg.ChatDelay
		if s.cfg.BatchSize > 0 && (i+1)%s.cfg.BatchSize == 0 {
			pause = s.cfg.BatchPause
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}

	metrics.PollerRunsTotal.Inc()
	return nil
}

func (s *Service) processChat(ctx context.Context, chat domain.Chat) error {
	now := s.now().UTC()
	to := now
	from := now.Add(-s.cfg.Window)

	if s.state != nil {
		last, found, err := s.state.LastPolled(ctx, chat.ID)
		if err != nil {
			s.log.Warn().Err(err).Int64("chat", chat.ID).Msg("poller: состояние опроса недоступно")
		} else if found && last.Before(from) {
			// Простой длиннее окна: растягиваем окно назад до последней
			// успешной границы, но не дальше горизонта догона.
			floor := now.Add(-s.cfg.MaxCatchup)
			if last.After(floor) {
				from = last
			} else {
				from = floor
			}
		}
	}

	messages, err := s.listWithFlowControl(ctx, chat, from, to)
	if err != nil {
		if errors.Is(err, domain.ErrChatUnreachable) {
			metrics.ChatsDeactivatedTotal.Inc()
			s.log.Warn().Int64("chat", chat.TGChatID).Msg("poller: чат недоступен, деактивируем")
			if setErr := s.chats.SetActive(chat.ID, false); setErr != nil {
				return setErr
			}
			return nil
		}
		return err
	}

	for _, msg := range messages {
		if !s.accepts(msg) {
			continue
		}
		if _, err := s.ingest.Process(ctx, ingest.Input{
			ChatTGID: chat.TGChatID,
			TGMsgID:  msg.TGMsgID,
			Text:     msg.Text,
			Author:   msg.Author,
			SentAt:   msg.SentAt,
		}); err != nil {
			return err
		}
	}

	if s.state != nil {
		if err := s.state.SetLastPolled(ctx, chat.ID, to); err != nil {
			s.log.Warn().Err(err).Int64("chat", chat.ID).Msg("poller: не удалось сохранить состояние опроса")
		}
	}
	return nil
}

// listWithFlowControl повторяет запрос после требований транспорта подождать.
// Окно не отбрасывается: повторяем, пока транспорт не ответит или контекст не отменят.
func (s *Service) listWithFlowControl(ctx context.Context, chat domain.Chat, from, to time.Time) ([]domain.Message, error) {
	for {
		messages, err := s.transport.ListMessages(ctx, chat, from, to)
		if err == nil {
			return messages, nil
		}
		var flow *domain.FlowControlledError
		if !errors.As(err, &flow) {
			return nil, err
		}
		metrics.FloodWaitsTotal.Inc()
		wait := flow.Wait + s.cfg.FloodGrace
		s.log.Warn().Dur("wait", wait).Int64("chat", chat.TGChatID).Msg("poller: транспорт требует паузу")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// accepts отбирает сообщения платёжных ботов, исключая собственных ботов
// системы и служебные инструменты из denylist.
func (s *Service) accepts(msg domain.Message) bool {
	if !msg.IsBot {
		return false
	}
	author := strings.ToLower(msg.Author)
	for _, self := range s.cfg.SelfBots {
		if author == strings.ToLower(self) {
			return false
		}
	}
	for _, blocked := range s.cfg.Denylist {
		needle := strings.ToLower(strings.TrimSpace(blocked))
		if needle != "" && strings.Contains(author, needle) {
			return false
		}
	}
	return true
}
