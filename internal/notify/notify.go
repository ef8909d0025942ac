// Package notify публикует события об исполненных оплатах после фиксации транзакции.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/sprintpay/internal/model"
)

const (
	// Exchange — topic-exchange событий оплаты.
	Exchange = "sprintpay.events"
	// RoutingKeyFulfilled — ключ маршрутизации события sprint.fulfilled.
	RoutingKeyFulfilled = "sprint.fulfilled"
)

// Publisher публикует событие об исполнении оплаты.
type Publisher interface {
	PublishFulfilled(ctx context.Context, event model.FulfilledEvent) error
}

// LogPublisher пишет события в лог. Используется, когда брокер не настроен.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher создаёт публикатор событий в лог.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// PublishFulfilled записывает событие в лог.
func (p *LogPublisher) PublishFulfilled(_ context.Context, event model.FulfilledEvent) error {
	p.logger.Info("sprint fulfilled",
		zap.String("event_id", event.ID),
		zap.String("reference", event.Reference),
		zap.String("outcome", event.Outcome),
		zap.Int64("user_id", event.UserID),
		zap.Int64("sprint_id", event.SprintID),
		zap.Bool("commission_triggered", event.CommissionTriggered),
	)
	return nil
}

// RabbitPublisher публикует события в RabbitMQ.
type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewRabbitPublisher подключается к брокеру и объявляет exchange.
func NewRabbitPublisher(amqpURL string) (*RabbitPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := channel.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &RabbitPublisher{conn: conn, channel: channel, exchange: Exchange}, nil
}

// PublishFulfilled публикует событие sprint.fulfilled.
func (p *RabbitPublisher) PublishFulfilled(ctx context.Context, event model.FulfilledEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, RoutingKeyFulfilled, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *RabbitPublisher) Close() error {
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}
