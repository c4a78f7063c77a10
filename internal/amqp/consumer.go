package amqp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rabbitmq/amqp091-go"
)

// ConsumeReconciliations binds a private, auto-deleted queue to reconciliation
// reports and calls handler for each one until ctx ends or the channel closes.
// Each subscriber sees every report; the shared durable queue is left alone.
func (c *Client) ConsumeReconciliations(ctx context.Context, handler func(*ReconciliationMessage) error) error {
	c.mu.Lock()
	if c.conn == nil || c.conn.IsClosed() {
		if err := c.reconnectLocked(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	ch, err := c.conn.Channel()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		"",    // name, server generated
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare consumer queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingReconciliation, c.exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind consumer queue: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		false,  // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming reconciliation reports", "queue", q.Name)
	return consumeReconciliations(ctx, msgs, handler)
}

func consumeReconciliations(ctx context.Context, msgs <-chan amqp091.Delivery, handler func(*ReconciliationMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			msg, err := ReconciliationMessageFromJSON(delivery.Body)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to unmarshal reconciliation report", "error", err)
				_ = delivery.Nack(false, false)
				continue
			}
			if err := handler(msg); err != nil {
				slog.ErrorContext(ctx, "Failed to handle reconciliation report", "run_id", msg.RunID, "error", err)
				// private queue: a requeue would redeliver at once
				_ = delivery.Nack(false, false)
				continue
			}
			_ = delivery.Ack(false)
		}
	}
}
