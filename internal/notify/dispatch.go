package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// Mailer delivers a rendered message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Dispatcher hands a confirmation off for delivery. Callers invoke it once
// per newly recorded order.
type Dispatcher interface {
	OrderConfirmed(ctx context.Context, c Confirmation) error
}

// Sender enqueues a message body; *aws.Publisher satisfies it.
type Sender interface {
	Send(ctx context.Context, body string, attributes map[string]string) error
}

// MailDispatcher renders and sends synchronously.
type MailDispatcher struct {
	mailer Mailer
}

// NewMailDispatcher returns a Dispatcher that sends directly through mailer.
func NewMailDispatcher(mailer Mailer) *MailDispatcher {
	return &MailDispatcher{mailer: mailer}
}

func (d *MailDispatcher) OrderConfirmed(ctx context.Context, c Confirmation) error {
	if c.To == "" {
		log.Printf("[notify] order=%s has no customer email; skipping confirmation", c.OrderID)
		return nil
	}
	msg, err := Render(c)
	if err != nil {
		return err
	}
	if err := d.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("confirmation for order %s: %w", c.OrderID, err)
	}
	log.Printf("[notify] confirmation sent for order=%s", c.OrderID)
	return nil
}

// QueueDispatcher enqueues the confirmation for the email worker.
type QueueDispatcher struct {
	queue Sender
}

// NewQueueDispatcher returns a Dispatcher publishing to queue.
func NewQueueDispatcher(queue Sender) *QueueDispatcher {
	return &QueueDispatcher{queue: queue}
}

func (d *QueueDispatcher) OrderConfirmed(ctx context.Context, c Confirmation) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal confirmation: %w", err)
	}
	attrs := map[string]string{
		"order_id":   c.OrderID,
		"session_id": c.SessionID,
		"event_type": "order.confirmed",
	}
	if err := d.queue.Send(ctx, string(body), attrs); err != nil {
		return fmt.Errorf("enqueue confirmation for order %s: %w", c.OrderID, err)
	}
	log.Printf("[notify] confirmation queued for order=%s", c.OrderID)
	return nil
}

// Disabled is used when email is not configured.
type Disabled struct{}

func (Disabled) OrderConfirmed(ctx context.Context, c Confirmation) error {
	log.Printf("[notify] email configuration missing; skipping confirmation for order=%s", c.OrderID)
	return nil
}
