package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-top-dialogs/internal/domain"
)

// Postgres реализует domain.KVStore одной upsert-таблицей.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// Init создаёт таблицу, если её ещё нет.
func (p *Postgres) Init(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS top_dialog_kv (
			k TEXT PRIMARY KEY,
			v BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("создание таблицы: %w", err)
	}
	return nil
}

// Get возвращает значение ключа, nil если ключа нет.
func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT v FROM top_dialog_kv WHERE k = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("чтение %q: %w", key, err)
	}
	return value, nil
}

// Set задаёт значение ключа.
func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO top_dialog_kv (k, v, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v, updated_at = now()`, key, value)
	if err != nil {
		return fmt.Errorf("запись %q: %w", key, err)
	}
	return nil
}

// EraseByPrefix удаляет все ключи с данным префиксом.
func (p *Postgres) EraseByPrefix(ctx context.Context, prefix string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	_, err := p.pool.Exec(ctx, `DELETE FROM top_dialog_kv WHERE k LIKE $1`, escaped+"%")
	if err != nil {
		return fmt.Errorf("удаление по префиксу %q: %w", prefix, err)
	}
	return nil
}

var _ domain.KVStore = (*Postgres)(nil)
