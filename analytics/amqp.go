package analytics

import (
	"context"
	"encoding/json"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ Emitter = &AMQPEmitter{}

const eventsExchange = "product_events"

// AMQPEmitter publishes product events to a RabbitMQ topic exchange,
// routed by event topic.
type AMQPEmitter struct {
	logger     *zap.Logger
	connection *amqp.Connection
	channel    *amqp.Channel
}

func NewAMQPEmitter(logger *zap.Logger, amqpURI string) (*AMQPEmitter, error) {
	if logger == nil {
		return nil, extErrors.New("nil logger is invalid")
	}
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	if err := amqpChan.ExchangeDeclare(
		eventsExchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for product events")
	}
	return &AMQPEmitter{
		logger:     logger,
		connection: amqpConn,
		channel:    amqpChan,
	}, nil
}

// Close will close the channel and connection to release resources
func (e *AMQPEmitter) Close() {
	e.channel.Close()
	e.connection.Close()
}

func (e *AMQPEmitter) Emit(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode event into bytes")
	}
	if err := e.channel.Publish(
		eventsExchange,
		event.Topic+"."+event.Name,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish product event")
	}
	return nil
}
