package rabbitmq

import (
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer binds queue routing keys to handlers on a topic exchange.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer connects to RabbitMQ and opens a consuming channel.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares the exchange and queue, binds each routing
// key, and dispatches deliveries to its handler. A handler returning false
// re-queues the message.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropping\" routing_key=%s", d.RoutingKey)
				d.Ack(false)
				continue
			}
			if handler(d.Body) {
				d.Ack(false)
			} else {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" routing_key=%s", d.RoutingKey)
				d.Nack(false, true)
			}
		}
	}()

	return nil
}

// Close shuts down the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
