package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	eventReportSubmitted     = "report.submitted"
	eventReportStatusChanged = "report.status_changed"
	publishTimeout           = 5 * time.Second
	reconnectDelay           = 5 * time.Second
)

// EventPublisher fans report lifecycle events out to other services.
type EventPublisher interface {
	Name() string
	Publish(ctx context.Context, routingKey string, payload any) error
	Close() error
}

type reportEventPayload struct {
	ReportID   int64     `json:"report_id"`
	Status     string    `json:"status"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	ImageURL   string    `json:"image_url,omitempty"`
	ReviewedBy string    `json:"reviewed_by,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func newEventPublisher(cfg *Config, logger *slog.Logger) EventPublisher {
	if cfg.RabbitMQURL == "" {
		return &LogPublisher{log: logger}
	}
	publisher, err := NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
	if err != nil {
		logger.Warn("rabbitmq unavailable, events will only be logged", "err", err)
		return &LogPublisher{log: logger}
	}
	return publisher
}

// LogPublisher records events in the log only.
type LogPublisher struct {
	log *slog.Logger
}

func (p *LogPublisher) Name() string { return "log" }

func (p *LogPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	p.log.InfoContext(ctx, "event", "routing_key", routingKey, "body", string(body))
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// RabbitMQPublisher publishes persistent JSON messages to a topic exchange and
// reconnects when the broker drops the connection.
type RabbitMQPublisher struct {
	url          string
	exchangeName string
	log          *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  chan struct{}
}

func NewRabbitMQPublisher(url, exchangeName string, logger *slog.Logger) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{
		url:          url,
		exchangeName: exchangeName,
		log:          logger,
		closed:       make(chan struct{}),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	go p.handleReconnect()

	logger.Info("rabbitmq publisher initialized", "exchange", exchangeName)
	return p, nil
}

func (p *RabbitMQPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(p.exchangeName, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.channel = channel
	p.mu.Unlock()
	return nil
}

func (p *RabbitMQPublisher) Name() string { return "rabbitmq" }

func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.RLock()
	channel := p.channel
	p.mu.RUnlock()
	if channel == nil {
		return fmt.Errorf("rabbitmq channel not available")
	}

	err = channel.PublishWithContext(ctx, p.exchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		MessageId:    uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.log.Info("message published", "routing_key", routingKey, "exchange", p.exchangeName, "body_size", len(body))
	return nil
}

func (p *RabbitMQPublisher) handleReconnect() {
	for {
		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()

		closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-p.closed:
			return
		case closeErr, ok := <-closeChan:
			if !ok || closeErr == nil {
				return
			}
			p.log.Error("rabbitmq connection closed, reconnecting", "err", closeErr)
		}

		for {
			select {
			case <-p.closed:
				return
			case <-time.After(reconnectDelay):
			}
			if err := p.connect(); err != nil {
				p.log.Error("rabbitmq reconnect failed", "err", err)
				continue
			}
			p.log.Info("rabbitmq reconnected")
			break
		}
	}
}

func (p *RabbitMQPublisher) Close() error {
	close(p.closed)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.log.Error("failed to close rabbitmq channel", "err", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return err
		}
	}
	p.log.Info("rabbitmq publisher closed")
	return nil
}
