package mtproto

import (
	"context"
	"time"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"tg-top-dialogs/internal/domain"
	"tg-top-dialogs/internal/infra/metrics"
)

// Options отдаёт серверные опции конфигурации через help.getConfig.
type Options struct {
	api *tg.Client
	log zerolog.Logger
}

// NewOptions создаёт источник опций.
func NewOptions(api *tg.Client, logger zerolog.Logger) *Options {
	return &Options{api: api, log: logger}
}

// GetOptionInteger возвращает целочисленную опцию либо значение по умолчанию.
func (o *Options) GetOptionInteger(ctx context.Context, name string, def int64) int64 {
	if name != "rating_e_decay" {
		return def
	}
	start := time.Now()
	cfg, err := o.api.HelpGetConfig(ctx)
	metrics.ObserveNetworkRequest("mtproto", "help.getConfig", "telegram", start, err)
	if err != nil {
		o.log.Warn().Err(err).Msg("mtproto: help.getConfig не удался, используем значение по умолчанию")
		return def
	}
	if cfg.RatingEDecay <= 0 {
		return def
	}
	return int64(cfg.RatingEDecay)
}

var _ domain.OptionSource = (*Options)(nil)
