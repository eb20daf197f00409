package mtproto

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-top-dialogs/internal/domain"
	"tg-top-dialogs/internal/infra/metrics"
)

const perCategoryLimit = 100

// TopPeersClient реализует domain.TopPeersClient через gotd.
type TopPeersClient struct {
	api   *tg.Client
	peers *PeerStore
	log   zerolog.Logger
}

// NewTopPeersClient создаёт клиента серверного рейтинга.
func NewTopPeersClient(api *tg.Client, peers *PeerStore, logger zerolog.Logger) *TopPeersClient {
	return &TopPeersClient{api: api, peers: peers, log: logger}
}

// GetTopPeers запрашивает топ по всем шести категориям разом.
func (c *TopPeersClient) GetTopPeers(ctx context.Context, hash int64) (domain.TopPeersResult, error) {
	start := time.Now()
	raw, err := c.api.ContactsGetTopPeers(ctx, &tg.ContactsGetTopPeersRequest{
		Correspondents: true,
		BotsPm:         true,
		BotsInline:     true,
		PhoneCalls:     true,
		Groups:         true,
		Channels:       true,
		Offset:         0,
		Limit:          perCategoryLimit,
		Hash:           hash,
	})
	metrics.ObserveNetworkRequest("mtproto", "contacts.getTopPeers", "telegram", start, err)
	if err != nil {
		return domain.TopPeersResult{}, fmt.Errorf("contacts.getTopPeers: %w", err)
	}

	switch top := raw.(type) {
	case *tg.ContactsTopPeersNotModified:
		return domain.TopPeersResult{NotModified: true}, nil
	case *tg.ContactsTopPeersDisabled:
		// Сервер отключил топ: считаем успешной сверкой без изменений.
		c.log.Warn().Msg("mtproto: топ пиров отключён на сервере")
		return domain.TopPeersResult{NotModified: true}, nil
	case *tg.ContactsTopPeers:
		c.peers.ApplyUsers(top.Users)
		c.peers.ApplyChats(top.Chats)
		result := domain.TopPeersResult{Categories: make(map[domain.Category][]domain.TopDialog, len(top.Categories))}
		for _, categoryPeers := range top.Categories {
			category, ok := categoryFromAPI(categoryPeers.Category)
			if !ok {
				c.log.Warn().Str("category", categoryPeers.Category.TypeName()).Msg("mtproto: незнакомая категория, пропускаем")
				continue
			}
			dialogs := make([]domain.TopDialog, 0, len(categoryPeers.Peers))
			for _, peer := range categoryPeers.Peers {
				id, ok := dialogFromPeer(peer.Peer)
				if !ok {
					continue
				}
				dialogs = append(dialogs, domain.TopDialog{ID: id, Rating: peer.Rating})
			}
			result.Categories[category] = dialogs
		}
		return result, nil
	default:
		return domain.TopPeersResult{}, fmt.Errorf("contacts.getTopPeers: неожиданный ответ %T", raw)
	}
}

// ResetTopPeerRating сбрасывает серверный рейтинг диалога.
// Без известного access hash запрос не отправляется.
func (c *TopPeersClient) ResetTopPeerRating(ctx context.Context, category domain.Category, id domain.DialogID) error {
	peer, ok := c.peers.InputPeer(id)
	if !ok {
		c.log.Debug().Int64("dialog", int64(id)).Msg("mtproto: нет входного пира для сброса рейтинга")
		return nil
	}
	start := time.Now()
	_, err := c.api.ContactsResetTopPeerRating(ctx, &tg.ContactsResetTopPeerRatingRequest{
		Category: categoryToAPI(category),
		Peer:     peer,
	})
	metrics.ObserveNetworkRequest("mtproto", "contacts.resetTopPeerRating", "telegram", start, err)
	if err != nil {
		return fmt.Errorf("contacts.resetTopPeerRating: %w", err)
	}
	return nil
}

func categoryToAPI(category domain.Category) tg.TopPeerCategoryClass {
	switch category {
	case domain.CategoryCorrespondent:
		return &tg.TopPeerCategoryCorrespondents{}
	case domain.CategoryBotPM:
		return &tg.TopPeerCategoryBotsPM{}
	case domain.CategoryBotInline:
		return &tg.TopPeerCategoryBotsInline{}
	case domain.CategoryGroup:
		return &tg.TopPeerCategoryGroups{}
	case domain.CategoryChannel:
		return &tg.TopPeerCategoryChannels{}
	case domain.CategoryCall:
		return &tg.TopPeerCategoryPhoneCalls{}
	default:
		return &tg.TopPeerCategoryCorrespondents{}
	}
}

func categoryFromAPI(category tg.TopPeerCategoryClass) (domain.Category, bool) {
	switch category.(type) {
	case *tg.TopPeerCategoryCorrespondents:
		return domain.CategoryCorrespondent, true
	case *tg.TopPeerCategoryBotsPM:
		return domain.CategoryBotPM, true
	case *tg.TopPeerCategoryBotsInline:
		return domain.CategoryBotInline, true
	case *tg.TopPeerCategoryGroups:
		return domain.CategoryGroup, true
	case *tg.TopPeerCategoryChannels:
		return domain.CategoryChannel, true
	case *tg.TopPeerCategoryPhoneCalls:
		return domain.CategoryCall, true
	default:
		return 0, false
	}
}

func dialogFromPeer(peer tg.PeerClass) (domain.DialogID, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return domain.DialogFromUser(p.UserID), true
	case *tg.PeerChat:
		return domain.DialogFromChat(p.ChatID), true
	case *tg.PeerChannel:
		return domain.DialogFromChannel(p.ChannelID), true
	default:
		return 0, false
	}
}

var _ domain.TopPeersClient = (*TopPeersClient)(nil)
