package mtproto

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-shift-ledger/internal/domain"
	"tg-shift-ledger/internal/infra/metrics"
)

const historyPageSize = 100

// basicGroupThreshold отделяет supergroup-идентификаторы Bot API (-100XXXXXXXXXX)
// от идентификаторов обычных групп.
const basicGroupThreshold = -1000000000000

// Transport выгружает сообщения чатов через gotd.
type Transport struct {
	client *telegram.Client
	log    zerolog.Logger
}

var _ domain.Transport = (*Transport)(nil)

// NewTransport создаёт MTProto клиент с хранением сессии в переданном storage.
func NewTransport(apiID int, apiHash string, storage telegram.SessionStorage, log zerolog.Logger) *Transport {
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
	return &Transport{client: client, log: log}
}

// Run держит MTProto-соединение открытым на время работы fn.
// Все вызовы ListMessages должны происходить внутри fn.
func (t *Transport) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.client.Run(ctx, fn)
}

// ListMessages возвращает сообщения чата за окно [from, to], старые первыми.
// FLOOD_WAIT транслируется в domain.FlowControlledError, недоступность чата —
// в domain.ErrChatUnreachable.
func (t *Transport) ListMessages(ctx context.Context, chat domain.Chat, from, to time.Time) ([]domain.Message, error) {
	peer := inputPeer(chat)
	api := t.client.API()

	var (
		collected []domain.Message
		bots      = map[int64]tg.User{}
		offsetID  = 0
	)
	for {
		req := &tg.MessagesGetHistoryRequest{
			Peer:       peer,
			OffsetID:   offsetID,
			OffsetDate: int(to.Unix()),
			Limit:      historyPageSize,
		}
		start := time.Now()
		res, err := api.MessagesGetHistory(ctx, req)
		metrics.ObserveNetworkRequest("mtproto", "messages_get_history", fmt.Sprintf("%d", chat.TGChatID), start, err)
		if err != nil {
			return nil, translateError(err)
		}

		messages, users, ok := unpackHistory(res)
		if !ok {
			return nil, fmt.Errorf("неожиданный ответ истории для чата %d", chat.TGChatID)
		}
		for _, u := range users {
			user, isUser := u.(*tg.User)
			if !isUser {
				continue
			}
			bots[user.ID] = *user
		}

		if len(messages) == 0 {
			break
		}

		page, nextOffset, reachedFloor := collectPage(messages, bots, from, to, offsetID)
		collected = append(collected, page...)
		if reachedFloor || len(messages) < historyPageSize || nextOffset == offsetID {
			break
		}
		offsetID = nextOffset
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].TGMsgID < collected[j].TGMsgID })
	return collected, nil
}

// collectPage отбирает из страницы истории сообщения, попавшие в окно [from, to].
// Смещение для следующего запроса сдвигается по минимальному идентификатору
// всех элементов страницы, включая служебные сообщения: страница из одних
// MessageService иначе зациклила бы пагинацию.
func collectPage(page []tg.MessageClass, bots map[int64]tg.User, from, to time.Time, offsetID int) ([]domain.Message, int, bool) {
	var (
		collected    []domain.Message
		reachedFloor bool
	)
	for _, m := range page {
		if id := m.GetID(); offsetID == 0 || id < offsetID {
			offsetID = id
		}
		msg, isMsg := m.(*tg.Message)
		if !isMsg {
			continue
		}
		sentAt := time.Unix(int64(msg.Date), 0).UTC()
		if sentAt.Before(from) {
			reachedFloor = true
			continue
		}
		if sentAt.After(to) {
			continue
		}
		out := domain.Message{
			TGMsgID: int64(msg.ID),
			Text:    msg.Message,
			SentAt:  sentAt,
		}
		if peerUser, isPeerUser := msg.FromID.(*tg.PeerUser); isPeerUser {
			out.AuthorID = peerUser.UserID
			if user, found := bots[peerUser.UserID]; found {
				out.Author = user.Username
				out.IsBot = user.Bot
			}
		}
		collected = append(collected, out)
	}
	return collected, offsetID, reachedFloor
}

func inputPeer(chat domain.Chat) tg.InputPeerClass {
	if chat.TGChatID < basicGroupThreshold {
		return &tg.InputPeerChannel{
			ChannelID:  -chat.TGChatID + basicGroupThreshold,
			AccessHash: chat.AccessHash,
		}
	}
	return &tg.InputPeerChat{ChatID: -chat.TGChatID}
}

func unpackHistory(res tg.MessagesMessagesClass) ([]tg.MessageClass, []tg.UserClass, bool) {
	switch h := res.(type) {
	case *tg.MessagesMessages:
		return h.Messages, h.Users, true
	case *tg.MessagesMessagesSlice:
		return h.Messages, h.Users, true
	case *tg.MessagesChannelMessages:
		return h.Messages, h.Users, true
	case *tg.MessagesMessagesNotModified:
		return nil, nil, true
	default:
		return nil, nil, false
	}
}

func translateError(err error) error {
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &domain.FlowControlledError{Wait: wait}
	}
	if tgerr.Is(err, "CHANNEL_PRIVATE", "CHAT_ID_INVALID", "PEER_ID_INVALID", "CHANNEL_INVALID") {
		return domain.ErrChatUnreachable
	}
	return err
}
