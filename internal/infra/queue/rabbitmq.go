package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"tg-top-dialogs/internal/domain"
	"tg-top-dialogs/internal/infra/metrics"
)

const reconnectDelay = 5 * time.Second

// UsageConsumer читает события использования диалогов из RabbitMQ
// и применяет их к менеджеру топа.
type UsageConsumer struct {
	url     string
	queue   string
	service domain.TopDialogService
	clock   domain.Clock
	log     zerolog.Logger
}

// NewUsageConsumer создаёт консьюмер очереди событий.
func NewUsageConsumer(url, queue string, service domain.TopDialogService, clk domain.Clock, logger zerolog.Logger) (*UsageConsumer, error) {
	if url == "" {
		return nil, errors.New("amqp url пуст")
	}
	if queue == "" {
		return nil, errors.New("имя очереди пусто")
	}
	return &UsageConsumer{url: url, queue: queue, service: service, clock: clk, log: logger}, nil
}

// Run потребляет очередь до отмены контекста, переподключаясь при обрывах.
func (c *UsageConsumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
			metrics.QueueErrorsTotal.Inc()
			c.log.Error().Err(err).Msg("queue: обрыв потребления, переподключимся")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *UsageConsumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(c.queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.log.Info().Str("queue", q.Name).Msg("queue: потребление запущено")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("канал доставки закрыт")
			}
			c.handle(delivery)
		}
	}
}

func (c *UsageConsumer) handle(delivery amqp.Delivery) {
	var event domain.DialogUsageEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		metrics.QueueErrorsTotal.Inc()
		c.log.Error().Err(err).Msg("queue: нечитаемое событие, отбрасываем")
		_ = delivery.Ack(false)
		return
	}
	category, err := domain.ParseCategory(event.Category)
	if err != nil {
		metrics.QueueErrorsTotal.Inc()
		c.log.Error().Err(err).Msg("queue: событие с неизвестной категорией, отбрасываем")
		_ = delivery.Ack(false)
		return
	}
	id, err := event.Dialog()
	if err != nil {
		metrics.QueueErrorsTotal.Inc()
		c.log.Error().Err(err).Msg("queue: событие с некорректным диалогом, отбрасываем")
		_ = delivery.Ack(false)
		return
	}

	if event.Remove {
		c.service.RemoveDialog(category, id)
	} else {
		c.service.OnDialogUsed(category, id, event.EventTime(c.clock.Now()))
	}
	if err := delivery.Ack(false); err != nil {
		c.log.Warn().Err(err).Msg("queue: не удалось подтвердить событие")
	}
}
