// Package payments is the boundary to the payment processor: session
// creation, line-item and receipt lookups, webhook verification, and the
// compact cart metadata attached to each session.
package payments

import (
	"context"
	"errors"
)

// Event types the reconciler acts on.
const (
	EventCheckoutCompleted             = "checkout.session.completed"
	EventCheckoutAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncPaymentFailed    = "checkout.session.async_payment_failed"
)

// Payment statuses reported on a completed session.
const (
	PaymentStatusPaid              = "paid"
	PaymentStatusUnpaid            = "unpaid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Processor is the payment processor contract the core depends on.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error)
	ListLineItems(ctx context.Context, sessionID string) ([]LineItem, error)
	ReceiptURL(ctx context.Context, paymentIntentID string) (string, error)
	VerifyWebhook(payload []byte, signatureHeader string) (*Event, error)
}

// SessionLine is a line item requested at session creation: either a
// reference to a processor price or an inline unit amount.
type SessionLine struct {
	PriceRef   string
	Name       string
	UnitAmount int64 // minor units
	Quantity   int64
}

// SessionRequest is the input to CreateCheckoutSession.
type SessionRequest struct {
	Lines         []SessionLine
	Currency      string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// Session is a created, processor-hosted checkout session.
type Session struct {
	ID  string
	URL string
}

// LineItem is what the processor reports for a session after payment.
type LineItem struct {
	PriceRef       string
	Description    string
	Quantity       int64
	AmountSubtotal int64 // minor units, whole line
}

// Address is a postal address as reported by the processor.
type Address struct {
	Line1      string `json:"line1,omitempty" dynamodbav:"line1,omitempty"`
	Line2      string `json:"line2,omitempty" dynamodbav:"line2,omitempty"`
	City       string `json:"city,omitempty" dynamodbav:"city,omitempty"`
	State      string `json:"state,omitempty" dynamodbav:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty" dynamodbav:"postal_code,omitempty"`
	Country    string `json:"country,omitempty" dynamodbav:"country,omitempty"`
}

// CustomerDetails are the buyer details collected on the hosted page.
type CustomerDetails struct {
	Name    string
	Email   string
	Phone   string
	Address *Address
}

// CheckoutSession is the session object carried by a webhook event.
type CheckoutSession struct {
	ID              string
	Metadata        map[string]string
	AmountTotal     int64
	Currency        string
	PaymentStatus   string
	PaymentIntentID string
	CustomerEmail   string
	Customer        *CustomerDetails
}

// Event is a verified webhook event. Session is set for checkout.session.* events.
type Event struct {
	ID      string
	Type    string
	Session *CheckoutSession
}
