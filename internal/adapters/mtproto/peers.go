package mtproto

import (
	"context"
	"sync"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-top-dialogs/internal/domain"
)

type userInfo struct {
	accessHash int64
	deleted    bool
}

// PeerStore кэширует пользователей и чаты из ответов сервера и отвечает
// на вопросы оракула: удалён ли пользователь, не мы ли это сами.
type PeerStore struct {
	mu       sync.RWMutex
	selfID   int64
	users    map[int64]userInfo
	chats    map[int64]struct{}
	channels map[int64]int64 // id -> access hash

	api *tg.Client
	log zerolog.Logger
}

// NewPeerStore создаёт кэш пиров.
func NewPeerStore(api *tg.Client, logger zerolog.Logger) *PeerStore {
	return &PeerStore{
		users:    make(map[int64]userInfo),
		chats:    make(map[int64]struct{}),
		channels: make(map[int64]int64),
		api:      api,
		log:      logger,
	}
}

// SetSelf запоминает идентификатор текущего аккаунта.
func (s *PeerStore) SetSelf(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfID = userID
}

// ApplyUsers вносит пользователей из ответа сервера.
func (s *PeerStore) ApplyUsers(users []tg.UserClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		user, ok := u.(*tg.User)
		if !ok {
			continue
		}
		s.users[user.ID] = userInfo{accessHash: user.AccessHash, deleted: user.Deleted}
		if user.Self {
			s.selfID = user.ID
		}
	}
}

// ApplyChats вносит чаты и каналы из ответа сервера.
func (s *PeerStore) ApplyChats(chats []tg.ChatClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chats {
		switch chat := c.(type) {
		case *tg.Chat:
			s.chats[chat.ID] = struct{}{}
		case *tg.ChatForbidden:
			s.chats[chat.ID] = struct{}{}
		case *tg.Channel:
			s.channels[chat.ID] = chat.AccessHash
		case *tg.ChannelForbidden:
			s.channels[chat.ID] = chat.AccessHash
		}
	}
}

// IsUserDeleted сообщает, помечен ли пользователь удалённым.
// Неизвестные пользователи считаются живыми: рейтинг пригоден сразу,
// даже если метаданные ещё не докачались.
func (s *PeerStore) IsUserDeleted(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.users[userID]
	return ok && info.deleted
}

// IsSelf сообщает, наш ли это аккаунт.
func (s *PeerStore) IsSelf(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfID != 0 && s.selfID == userID
}

// InputPeer строит входной пир для запроса, если известен access hash.
func (s *PeerStore) InputPeer(id domain.DialogID) (tg.InputPeerClass, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch id.Kind() {
	case domain.DialogKindUser:
		info, ok := s.users[id.UserID()]
		if !ok {
			return nil, false
		}
		return &tg.InputPeerUser{UserID: id.UserID(), AccessHash: info.accessHash}, true
	case domain.DialogKindChat:
		return &tg.InputPeerChat{ChatID: id.ChatID()}, true
	case domain.DialogKindChannel:
		hash, ok := s.channels[id.ChannelID()]
		if !ok {
			return nil, false
		}
		return &tg.InputPeerChannel{ChannelID: id.ChannelID(), AccessHash: hash}, true
	default:
		return nil, false
	}
}

// LoadDialogs освежает метаданные известных пользователей перед фильтрацией.
// Пиры без access hash пропускаются: их всё равно нечем запросить.
func (s *PeerStore) LoadDialogs(ctx context.Context, ids []domain.DialogID) error {
	var inputs []tg.InputUserClass
	s.mu.RLock()
	for _, id := range ids {
		if id.Kind() != domain.DialogKindUser {
			continue
		}
		info, ok := s.users[id.UserID()]
		if !ok {
			continue
		}
		inputs = append(inputs, &tg.InputUser{UserID: id.UserID(), AccessHash: info.accessHash})
	}
	s.mu.RUnlock()
	if len(inputs) == 0 || s.api == nil {
		return nil
	}

	users, err := s.api.UsersGetUsers(ctx, inputs)
	if err != nil {
		return err
	}
	s.ApplyUsers(users)
	return nil
}

var (
	_ domain.DialogOracle = (*PeerStore)(nil)
	_ domain.DialogLoader = (*PeerStore)(nil)
)
