package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/kitstore-checkout/internal/idempotency"
	"github.com/imrishuroy/kitstore-checkout/internal/notify"
)

var errBusy = errors.New("confirmation is being sent by another worker")

// ClaimStore is the idempotency guard around each send.
type ClaimStore interface {
	Acquire(ctx context.Context, key, subject string) (idempotency.Decision, error)
	MarkDone(ctx context.Context, key, result string) error
	MarkFailed(ctx context.Context, key, note string) error
}

// Processor sends queued order confirmations, at most once per order.
type Processor struct {
	claims ClaimStore
	sender notify.Dispatcher
}

func NewProcessor(claims ClaimStore, sender notify.Dispatcher) *Processor {
	return &Processor{claims: claims, sender: sender}
}

// Handle processes an SQS batch and reports the messages that should be
// redelivered. Other messages in the batch are not retried.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			log.Printf("[worker] message=%s will be retried: %v", rec.MessageId, err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var c notify.Confirmation
	if err := json.Unmarshal([]byte(rec.Body), &c); err != nil || c.OrderID == "" {
		// redelivery cannot repair the body
		log.Printf("[worker] dropping malformed message=%s: %v", rec.MessageId, err)
		return nil
	}

	key := confirmationKey(c.OrderID)
	decision, err := p.claims.Acquire(ctx, key, c.OrderID)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	switch decision {
	case idempotency.AlreadyDone:
		log.Printf("[worker] confirmation for order=%s already sent", c.OrderID)
		return nil
	case idempotency.Busy:
		return errBusy
	}

	if err := p.sender.OrderConfirmed(ctx, c); err != nil {
		if mErr := p.claims.MarkFailed(ctx, key, err.Error()); mErr != nil {
			log.Printf("[worker] mark failed %s: %v", key, mErr)
		}
		return err
	}

	if err := p.claims.MarkDone(ctx, key, "sent"); err != nil {
		// the email is out; a retry would send it twice
		log.Printf("[worker] mark done %s: %v", key, err)
	}
	return nil
}

func confirmationKey(orderID string) string {
	return "order-confirmation:" + orderID
}
