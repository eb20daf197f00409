package kvstore

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"tg-top-dialogs/internal/domain"
)

var bucketTopDialogs = []byte("top_dialogs")

// Bolt реализует domain.KVStore поверх локального файла bbolt.
// Это хранилище по умолчанию: кэш клиента живёт рядом с сессией.
type Bolt struct {
	db *bbolt.DB
}

// NewBolt открывает файл и создаёт bucket.
func NewBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("открытие bbolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTopDialogs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("создание bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close закрывает файл базы.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Get возвращает значение ключа, nil если ключа нет.
func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketTopDialogs).Get([]byte(key))
		if raw != nil {
			value = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("чтение %q: %w", key, err)
	}
	return value, nil
}

// Set задаёт значение ключа.
func (b *Bolt) Set(ctx context.Context, key string, value []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTopDialogs).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("запись %q: %w", key, err)
	}
	return nil
}

// EraseByPrefix удаляет все ключи с данным префиксом.
func (b *Bolt) EraseByPrefix(ctx context.Context, prefix string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketTopDialogs).Cursor()
		p := []byte(prefix)
		for k, _ := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("удаление по префиксу %q: %w", prefix, err)
	}
	return nil
}

var _ domain.KVStore = (*Bolt)(nil)
