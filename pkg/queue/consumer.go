package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumeMessages returns an auto-acked delivery stream for the named
// queue, declaring it first so consumers can start before any publisher.
func ConsumeMessages(ch *amqp.Channel, queueName string) (<-chan amqp.Delivery, error) {
	if err := declareQueue(ch, queueName); err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(
		queueName,
		"",   // consumer tag
		true, // autoAck
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer for %q: %w", queueName, err)
	}

	return msgs, nil
}
