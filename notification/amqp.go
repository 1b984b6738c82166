package notification

import (
	"context"
	"encoding/json"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ Dispatcher = &AMQPDispatcher{}

const (
	mailerExchange         string = "mailer"
	farewellRoutingKey            = "email.farewell"
	registrationRoutingKey        = "email.complete_registration"
)

// AMQPDispatcher queues email jobs on the mailer exchange, one routing
// key per template.
type AMQPDispatcher struct {
	logger     *zap.Logger
	connection *amqp.Connection
	channel    *amqp.Channel
}

func NewAMQPDispatcher(logger *zap.Logger, amqpURI string) (*AMQPDispatcher, error) {
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
		mailerExchange, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for email jobs")
	}
	return &AMQPDispatcher{
		logger:     logger,
		connection: amqpConn,
		channel:    amqpChan,
	}, nil
}

// Close will close the channel and connection to release resources
func (d *AMQPDispatcher) Close() {
	d.channel.Close()
	d.connection.Close()
}

func (d *AMQPDispatcher) publish(routingKey string, job interface{}) error {
	body, err := json.Marshal(job)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode email job into bytes")
	}
	if err := d.channel.Publish(
		mailerExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish email job")
	}
	return nil
}

func (d *AMQPDispatcher) ScheduleFarewellEmail(ctx context.Context, job FarewellJob) error {
	return d.publish(farewellRoutingKey, job)
}

func (d *AMQPDispatcher) ScheduleCompleteRegistrationReminder(ctx context.Context, job ReminderJob) error {
	return d.publish(registrationRoutingKey, job)
}
