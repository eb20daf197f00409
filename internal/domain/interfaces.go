package domain

import (
	"context"
	"time"
)

// KVStore — долговременное key-value хранилище снапшотов.
type KVStore interface {
	// Get возвращает значение ключа, nil если ключа нет.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	EraseByPrefix(ctx context.Context, prefix string) error
}

// TopPeersClient — клиент серверной стороны рейтинга.
type TopPeersClient interface {
	// GetTopPeers запрашивает топ по всем категориям. hash — слепок известных
	// идентификаторов, по которому сервер может ответить "not modified".
	GetTopPeers(ctx context.Context, hash int64) (TopPeersResult, error)
	// ResetTopPeerRating сбрасывает серверный рейтинг диалога.
	ResetTopPeerRating(ctx context.Context, category Category, id DialogID) error
}

// DialogOracle отвечает на вопросы о валидности диалога.
type DialogOracle interface {
	IsUserDeleted(userID int64) bool
	IsSelf(userID int64) bool
}

// DialogLoader подгружает метаданные диалогов перед фильтрацией.
type DialogLoader interface {
	LoadDialogs(ctx context.Context, ids []DialogID) error
}

// OptionSource — источник серверных опций конфигурации.
type OptionSource interface {
	GetOptionInteger(ctx context.Context, name string, def int64) int64
}

// Clock выдаёт текущее время; внедряется ради тестируемости расписания.
type Clock interface {
	Now() time.Time
}

// TopDialogService — публичная поверхность менеджера топа диалогов.
type TopDialogService interface {
	OnDialogUsed(category Category, id DialogID, eventTime time.Time)
	RemoveDialog(category Category, id DialogID)
	GetTopDialogs(ctx context.Context, category Category, limit int) ([]DialogID, error)
}
