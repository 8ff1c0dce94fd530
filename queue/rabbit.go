// Package queue publishes change-log entries to a topic exchange so other
// services can subscribe to the same changes a client could otherwise only
// discover by polling GET /{model}/:changes. This is a supplementary path;
// it supplements it without excluding anything a Non-goal names.
package queue

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/streadway/amqp"
)

// ChangeEvent mirrors one row of a model's change-log: the model that
// changed, the changed row's id, the operation, and the monotonic change
// sequence number clients can resume polling from.
type ChangeEvent struct {
	Model  string `json:"model"`
	ID     string `json:"id"`
	Action string `json:"action"` // "insert", "update", "patch", "delete"
	Change int64  `json:"change"`
}

// ChangeNotifierConfig configures the exchange a ChangeNotifier publishes to.
type ChangeNotifierConfig struct {
	AMQPURL      string
	ExchangeName string // topic exchange, routing key is the model name
}

// ChangeNotifier publishes ChangeEvents to a durable topic exchange. It is
// optional: the internal backend's change-log table remains the source of
// truth and keeps working with no notifier configured.
type ChangeNotifier interface {
	Publish(event ChangeEvent) error
	Close() error
}

// RabbitChangeNotifier implements ChangeNotifier over RabbitMQ.
type RabbitChangeNotifier struct {
	connection AMQPConnection
	channel    AMQPChannel
	config     ChangeNotifierConfig
}

// NewRabbitChangeNotifier connects to RabbitMQ and declares the configured
// topic exchange.
func NewRabbitChangeNotifier(config ChangeNotifierConfig) (*RabbitChangeNotifier, error) {
	return NewRabbitChangeNotifierWithDialer(config, &RealAMQPDialer{})
}

// NewRabbitChangeNotifierWithDialer allows injecting a dialer for testing.
func NewRabbitChangeNotifierWithDialer(config ChangeNotifierConfig, dialer AMQPDialer) (*RabbitChangeNotifier, error) {
	conn, err := dialer.Dial(config.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		config.ExchangeName,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitChangeNotifier{connection: conn, channel: ch, config: config}, nil
}

// Publish publishes a ChangeEvent to the exchange with the model name as
// routing key, so subscribers can filter by model with a topic binding.
func (r *RabbitChangeNotifier) Publish(event ChangeEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	err = r.channel.Publish(
		r.config.ExchangeName,
		event.Model,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}

	log.Printf("published change event for %s/%s (change=%d)", event.Model, event.ID, event.Change)
	return nil
}

// Close closes the channel and connection.
func (r *RabbitChangeNotifier) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.connection != nil {
		r.connection.Close()
	}
	return nil
}
