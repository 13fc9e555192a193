// Package paymentstest provides an in-memory payments.Processor for tests.
package paymentstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/imrishuroy/kitstore-checkout/internal/payments"
)

// Processor records session requests and serves canned line items,
// receipts and webhook events. Events are keyed by signature header; any
// other header fails verification.
type Processor struct {
	mu sync.Mutex

	Requests     []payments.SessionRequest
	CreateErr    error
	LineItems    map[string][]payments.LineItem
	LineItemsErr error
	Receipts     map[string]string
	ReceiptErr   error
	Events       map[string]*payments.Event

	lineItemCalls int
}

// New returns an empty Processor.
func New() *Processor {
	return &Processor{
		LineItems: map[string][]payments.LineItem{},
		Receipts:  map[string]string{},
		Events:    map[string]*payments.Event{},
	}
}

func (p *Processor) CreateCheckoutSession(ctx context.Context, req payments.SessionRequest) (*payments.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	p.Requests = append(p.Requests, req)
	id := fmt.Sprintf("cs_test_%d", len(p.Requests))
	return &payments.Session{ID: id, URL: "https://checkout.test/pay/" + id}, nil
}

func (p *Processor) ListLineItems(ctx context.Context, sessionID string) ([]payments.LineItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lineItemCalls++
	if p.LineItemsErr != nil {
		return nil, p.LineItemsErr
	}
	return append([]payments.LineItem(nil), p.LineItems[sessionID]...), nil
}

func (p *Processor) ReceiptURL(ctx context.Context, paymentIntentID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ReceiptErr != nil {
		return "", p.ReceiptErr
	}
	return p.Receipts[paymentIntentID], nil
}

func (p *Processor) VerifyWebhook(payload []byte, signatureHeader string) (*payments.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.Events[signatureHeader]
	if !ok {
		return nil, payments.ErrInvalidSignature
	}
	return ev, nil
}

// LineItemCalls reports how many times ListLineItems ran.
func (p *Processor) LineItemCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lineItemCalls
}

// LastRequest returns the most recent session request.
func (p *Processor) LastRequest() payments.SessionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Requests) == 0 {
		return payments.SessionRequest{}
	}
	return p.Requests[len(p.Requests)-1]
}
