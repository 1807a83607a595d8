// Package realtime subscribes to remote change notifications for orders
// and order items and converts broker deliveries into ChangeEvents. The
// events feed the reconciler's single serialized merge path; nothing
// here writes to the local store.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"kitchen-sync/pkg/config"
	"kitchen-sync/pkg/logger"
	"kitchen-sync/pkg/models"
)

const changesExchange = "order_changes_topic"

type Subscriber struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	businessID string
	log        *logger.Logger
}

// Connect dials the broker and declares the change-notification
// topology: a durable topic exchange and a per-device queue bound to the
// tenant's routing keys (<business_id>.orders.*, <business_id>.order_items.*).
func Connect(cfg config.RabbitMQConfig, businessID, deviceName string, log *logger.Logger) (*Subscriber, error) {
	connStr := fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.User, cfg.Password, cfg.Host, cfg.Port)

	conn, err := amqp.Dial(connStr)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		changesExchange, // name
		"topic",         // type
		true,            // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	queueName := fmt.Sprintf("device_changes_%s_%s", businessID, deviceName)
	_, err = channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	for _, key := range []string{businessID + ".orders.*", businessID + ".order_items.*"} {
		if err := channel.QueueBind(queueName, key, changesExchange, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("bind queue: %w", err)
		}
	}

	log.Info("startup", "realtime_connected", "Subscribed to remote change notifications")
	return &Subscriber{
		conn:       conn,
		channel:    channel,
		queueName:  queueName,
		businessID: businessID,
		log:        log,
	}, nil
}

func (s *Subscriber) Close() {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// Events starts consuming and returns the event stream. The channel is
// closed when ctx is cancelled or the broker connection drops; the
// caller falls back to polling either way.
func (s *Subscriber) Events(ctx context.Context, deviceName string) (<-chan models.ChangeEvent, error) {
	deliveries, err := s.channel.Consume(
		s.queueName, // queue
		deviceName,  // consumer
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	events := make(chan models.ChangeEvent, 64)
	go func() {
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-deliveries:
				if !ok {
					s.log.Warn("", "realtime_closed", "Change notification channel closed by broker")
					return
				}
				s.handleDelivery(ctx, msg, events)
			}
		}
	}()
	return events, nil
}

func (s *Subscriber) handleDelivery(ctx context.Context, msg amqp.Delivery, events chan<- models.ChangeEvent) {
	requestID := fmt.Sprintf("msg-%d", time.Now().UnixNano())

	var event models.ChangeEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		s.log.Error(requestID, "event_parsing_failed", "Failed to parse change notification", err)
		// Malformed payloads are dropped, not requeued: they will never
		// parse and a poll covers the lost update.
		if err2 := msg.Nack(false, false); err2 != nil {
			s.log.Error(requestID, "nack_failed", "Failed to Nack malformed notification", err2)
		}
		return
	}

	if event.BusinessID != "" && event.BusinessID != s.businessID {
		if err := msg.Ack(false); err != nil {
			s.log.Error(requestID, "ack_failed", "Failed to Ack foreign-tenant notification", err)
		}
		return
	}

	select {
	case events <- event:
		if err := msg.Ack(false); err != nil {
			s.log.Error(requestID, "ack_failed", "Failed to Ack change notification", err)
		}
	case <-ctx.Done():
		if err := msg.Nack(false, true); err != nil {
			s.log.Error(requestID, "nack_failed", "Failed to requeue notification on shutdown", err)
		}
	}
}
