package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeProcessor implements Processor on the Stripe API.
type StripeProcessor struct {
	api           *client.API
	webhookSecret string
}

// NewStripeProcessor returns a processor using the default Stripe backends.
func NewStripeProcessor(secretKey, webhookSecret string) *StripeProcessor {
	return NewStripeProcessorWithBackends(secretKey, webhookSecret, nil)
}

// NewStripeProcessorWithBackends allows pointing the client at another
// endpoint (stripe-mock, tests). nil backends means the defaults.
func NewStripeProcessorWithBackends(secretKey, webhookSecret string, backends *stripe.Backends) *StripeProcessor {
	return &StripeProcessor{
		api:           client.New(secretKey, backends),
		webhookSecret: webhookSecret,
	}
}

func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx

	for _, l := range req.Lines {
		item := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(l.Quantity)}
		if l.PriceRef != "" {
			item.Price = stripe.String(l.PriceRef)
		} else {
			item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(l.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(l.Name),
				},
			}
		}
		params.LineItems = append(params.LineItems, item)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	if req.CustomerEmail != "" {
		customerID, err := p.findCustomer(ctx, req.CustomerEmail)
		if err != nil {
			return nil, err
		}
		if customerID != "" {
			params.Customer = stripe.String(customerID)
		} else {
			params.CustomerEmail = stripe.String(req.CustomerEmail)
		}
	}

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &Session{ID: s.ID, URL: s.URL}, nil
}

func (p *StripeProcessor) findCustomer(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	it := p.api.Customers.List(params)
	if it.Next() {
		return it.Customer().ID, nil
	}
	if err := it.Err(); err != nil {
		return "", fmt.Errorf("list customers: %w", err)
	}
	return "", nil
}

func (p *StripeProcessor) ListLineItems(ctx context.Context, sessionID string) ([]LineItem, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []LineItem
	it := p.api.CheckoutSessions.ListLineItems(params)
	for it.Next() {
		li := it.LineItem()
		item := LineItem{
			Description:    li.Description,
			Quantity:       li.Quantity,
			AmountSubtotal: li.AmountSubtotal,
		}
		if li.Price != nil {
			item.PriceRef = li.Price.ID
		}
		out = append(out, item)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list line items for %s: %w", sessionID, err)
	}
	return out, nil
}

func (p *StripeProcessor) ReceiptURL(ctx context.Context, paymentIntentID string) (string, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	pi, err := p.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return "", fmt.Errorf("retrieve payment intent %s: %w", paymentIntentID, err)
	}
	if pi.LatestCharge == nil {
		return "", nil
	}
	return pi.LatestCharge.ReceiptURL, nil
}

func (p *StripeProcessor) VerifyWebhook(payload []byte, signatureHeader string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	if !strings.HasPrefix(out.Type, "checkout.session.") || ev.Data == nil {
		return out, nil
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
		return nil, fmt.Errorf("decode checkout session in event %s: %w", ev.ID, err)
	}
	out.Session = sessionFromStripe(&s)
	return out, nil
}

func sessionFromStripe(s *stripe.CheckoutSession) *CheckoutSession {
	cs := &CheckoutSession{
		ID:            s.ID,
		Metadata:      s.Metadata,
		AmountTotal:   s.AmountTotal,
		Currency:      string(s.Currency),
		PaymentStatus: string(s.PaymentStatus),
		CustomerEmail: s.CustomerEmail,
	}
	if s.PaymentIntent != nil {
		cs.PaymentIntentID = s.PaymentIntent.ID
	}
	if d := s.CustomerDetails; d != nil {
		cs.Customer = &CustomerDetails{Name: d.Name, Email: d.Email, Phone: d.Phone}
		if a := d.Address; a != nil {
			cs.Customer.Address = &Address{
				Line1:      a.Line1,
				Line2:      a.Line2,
				City:       a.City,
				State:      a.State,
				PostalCode: a.PostalCode,
				Country:    a.Country,
			}
		}
	}
	return cs
}
