package rabbitmq

import (
	"errors"
	"log"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one message body. Returning true acknowledges
// the delivery; false asks the broker to deliver it again.
type DeliveryHandler func(body []byte) bool

// DepositSubscriber owns the channel on which the packet-service receives
// ledger deposit confirmations.
type DepositSubscriber struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// DialDepositSubscriber connects to the broker and limits unacknowledged
// deliveries to prefetch.
func DialDepositSubscriber(amqpURL string, prefetch int) (*DepositSubscriber, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}

	return &DepositSubscriber{conn: conn, channel: ch}, nil
}

// SubscribeDeposits binds queue to the deposit-confirmed routing key on
// exchange and hands each delivery to handle until the channel closes.
func (s *DepositSubscriber) SubscribeDeposits(exchange, queue string, handle DeliveryHandler) error {
	if handle == nil {
		return errors.New("deposit handler is required")
	}

	if err := s.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := s.channel.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := s.channel.QueueBind(q.Name, RoutingKeyDepositConfirmed, exchange, false, nil); err != nil {
		return err
	}

	deliveries, err := s.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range deliveries {
			settleDelivery(d, handle)
		}
		log.Printf("level=warn component=deposit_subscriber msg=\"delivery channel closed\" queue=%s", q.Name)
	}()
	return nil
}

// settleDelivery runs handle for deposit confirmations and acknowledges or
// re-queues according to its answer. Other routing keys are dropped.
func settleDelivery(d amqp091.Delivery, handle DeliveryHandler) {
	if d.RoutingKey != RoutingKeyDepositConfirmed {
		log.Printf("level=warn component=deposit_subscriber msg=\"unexpected routing key; dropping\" routing_key=%s", d.RoutingKey)
		if err := d.Ack(false); err != nil {
			log.Printf("level=error component=deposit_subscriber msg=\"ack failed\" delivery_tag=%d err=%v", d.DeliveryTag, err)
		}
		return
	}

	if handle(d.Body) {
		if err := d.Ack(false); err != nil {
			log.Printf("level=error component=deposit_subscriber msg=\"ack failed\" delivery_tag=%d err=%v", d.DeliveryTag, err)
		}
		return
	}

	level := "warn"
	if d.Redelivered {
		level = "error"
	}
	log.Printf("level=%s component=deposit_subscriber msg=\"deposit not processed; re-queuing\" delivery_tag=%d redelivered=%t", level, d.DeliveryTag, d.Redelivered)
	if err := d.Nack(false, true); err != nil {
		log.Printf("level=error component=deposit_subscriber msg=\"nack failed\" delivery_tag=%d err=%v", d.DeliveryTag, err)
	}
}

func (s *DepositSubscriber) Close() {
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
