package mtproto

import (
	"context"

	"github.com/gotd/td/session"
)

// SessionRepo описывает хранилище сессий транспорта.
type SessionRepo interface {
	LoadTransportSession(ctx context.Context, name string) ([]byte, error)
	StoreTransportSession(ctx context.Context, name string, data []byte) error
}

// SessionDB хранит MTProto-сессию в базе данных под указанным именем.
type SessionDB struct {
	repo SessionRepo
	name string
}

var _ session.Storage = (*SessionDB)(nil)

// NewSessionDB создаёт хранилище сессии.
func NewSessionDB(repo SessionRepo, name string) *SessionDB {
	return &SessionDB{repo: repo, name: name}
}

// LoadSession загружает сессию.
func (s *SessionDB) LoadSession(ctx context.Context) ([]byte, error) {
	return s.repo.LoadTransportSession(ctx, s.name)
}

// StoreSession сохраняет сессию.
func (s *SessionDB) StoreSession(ctx context.Context, data []byte) error {
	return s.repo.StoreTransportSession(ctx, s.name, data)
}
