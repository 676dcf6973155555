package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectRabbitMQ dials the broker and opens a channel. Callers own both
// and must close them on shutdown.
func ConnectRabbitMQ(uri string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return conn, ch, nil
}

// declareQueue makes the named durable queue exist. Declaration is
// idempotent, so publishers and consumers both call it and whichever
// side starts first wins.
func declareQueue(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", name, err)
	}
	return nil
}
