package domain

import (
	"fmt"
	"time"
)

// Category — категория использования диалога. Фиксированный набор,
// совпадающий с категориями contacts.getTopPeers.
type Category int

const (
	CategoryCorrespondent Category = iota
	CategoryBotPM
	CategoryBotInline
	CategoryGroup
	CategoryChannel
	CategoryCall

	CategoryCount = 6
)

// Name возвращает имя категории, используемое в ключах хранилища.
func (c Category) Name() string {
	switch c {
	case CategoryCorrespondent:
		return "correspondent"
	case CategoryBotPM:
		return "bot_pm"
	case CategoryBotInline:
		return "bot_inline"
	case CategoryGroup:
		return "group"
	case CategoryChannel:
		return "channel"
	case CategoryCall:
		return "call"
	default:
		return "unknown"
	}
}

// Categories возвращает все категории в каноническом порядке.
func Categories() []Category {
	return []Category{
		CategoryCorrespondent,
		CategoryBotPM,
		CategoryBotInline,
		CategoryGroup,
		CategoryChannel,
		CategoryCall,
	}
}

// ParseCategory разбирает имя категории.
func ParseCategory(name string) (Category, error) {
	for _, c := range Categories() {
		if c.Name() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, name)
}

// DialogKind — тип собеседника, закодированный в DialogID.
type DialogKind int

const (
	DialogKindNone DialogKind = iota
	DialogKindUser
	DialogKindChat
	DialogKindChannel
)

// zeroChannelID — сдвиг для идентификаторов каналов, как в клиентах Telegram:
// диалог канала N хранится как -1000000000000 - N.
const zeroChannelID int64 = -1000000000000

// DialogID — идентификатор диалога в одном int64.
// Пользователь хранится как положительный id, обычный чат как -id,
// канал как zeroChannelID - id.
type DialogID int64

// DialogFromUser создаёт идентификатор диалога с пользователем.
func DialogFromUser(userID int64) DialogID { return DialogID(userID) }

// DialogFromChat создаёт идентификатор диалога обычного чата.
func DialogFromChat(chatID int64) DialogID { return DialogID(-chatID) }

// DialogFromChannel создаёт идентификатор диалога канала.
func DialogFromChannel(channelID int64) DialogID { return DialogID(zeroChannelID - channelID) }

// Kind возвращает тип диалога, выведенный из диапазона идентификатора.
func (d DialogID) Kind() DialogKind {
	id := int64(d)
	switch {
	case id > 0:
		return DialogKindUser
	case id == 0:
		return DialogKindNone
	case id > zeroChannelID:
		return DialogKindChat
	default:
		return DialogKindChannel
	}
}

// UserID возвращает id пользователя. Корректно только для DialogKindUser.
func (d DialogID) UserID() int64 { return int64(d) }

// ChatID возвращает id чата. Корректно только для DialogKindChat.
func (d DialogID) ChatID() int64 { return -int64(d) }

// ChannelID возвращает id канала. Корректно только для DialogKindChannel.
func (d DialogID) ChannelID() int64 { return zeroChannelID - int64(d) }

// TopDialog — пара «диалог, рейтинг» в списке категории.
type TopDialog struct {
	ID     DialogID
	Rating float64
}

// TopPeersResult — ответ сервера на запрос топа.
// NotModified означает, что состав не менялся с момента, зафиксированного хэшем.
type TopPeersResult struct {
	NotModified bool
	Categories  map[Category][]TopDialog
}

// DialogUsageEvent — событие использования диалога из очереди.
type DialogUsageEvent struct {
	Category string `json:"category"`
	Kind     string `json:"kind"`
	PeerID   int64  `json:"peer_id"`
	Date     int64  `json:"date,omitempty"`
	Remove   bool   `json:"remove,omitempty"`
}

// Dialog возвращает идентификатор диалога события.
func (e DialogUsageEvent) Dialog() (DialogID, error) {
	if e.PeerID <= 0 {
		return 0, fmt.Errorf("некорректный peer_id %d", e.PeerID)
	}
	switch e.Kind {
	case "user":
		return DialogFromUser(e.PeerID), nil
	case "chat":
		return DialogFromChat(e.PeerID), nil
	case "channel":
		return DialogFromChannel(e.PeerID), nil
	default:
		return 0, fmt.Errorf("неизвестный тип диалога %q", e.Kind)
	}
}

// EventTime возвращает время события, либо запасное значение.
func (e DialogUsageEvent) EventTime(fallback time.Time) time.Time {
	if e.Date <= 0 {
		return fallback
	}
	return time.Unix(e.Date, 0)
}
