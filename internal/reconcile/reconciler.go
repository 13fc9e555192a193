// Package reconcile turns verified payment webhook events into orders,
// exactly once per checkout session.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/imrishuroy/kitstore-checkout/internal/cart"
	"github.com/imrishuroy/kitstore-checkout/internal/money"
	"github.com/imrishuroy/kitstore-checkout/internal/notify"
	"github.com/imrishuroy/kitstore-checkout/internal/orders"
	"github.com/imrishuroy/kitstore-checkout/internal/payments"
)

// Outcome is the result of handling one event.
type Outcome string

const (
	OutcomeRecorded  Outcome = "recorded"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUpdated   Outcome = "updated"
	OutcomeRejected  Outcome = "rejected"
	OutcomeIgnored   Outcome = "ignored"
)

// Metric names published per outcome and per best-effort failure.
const (
	MetricRecorded          = "OrderRecorded"
	MetricDuplicate         = "OrderDuplicateNotification"
	MetricRejected          = "WebhookRejected"
	MetricPaymentFailed     = "OrderPaymentFailed"
	MetricCartReleaseFailed = "CartReleaseFailed"
	MetricEmailFailed       = "ConfirmationEmailFailed"
)

// OrderStore is the order persistence the reconciler needs.
type OrderStore interface {
	GetBySessionID(ctx context.Context, sessionID string) (*orders.Order, error)
	UpsertBySessionID(ctx context.Context, order orders.Order, items []orders.Item) (*orders.Order, bool, error)
	Refresh(ctx context.Context, sessionID, status, receiptURL string) error
	UpdateStatus(ctx context.Context, sessionID, expectedStatus, newStatus string) error
	MarkCartReleased(ctx context.Context, sessionID string) error
	ClaimConfirmation(ctx context.Context, sessionID string) (bool, error)
	UnclaimConfirmation(ctx context.Context, sessionID string) error
}

// CartReleaser removes purchased rows from a cart. Releasing the same order
// twice must be harmless.
type CartReleaser interface {
	Release(ctx context.Context, userID, orderID string, purchased []cart.Purchased) error
}

// Counter records a metric; *aws.Metrics satisfies it.
type Counter interface {
	Increment(ctx context.Context, name string) error
}

// Reconciler handles checkout session events.
type Reconciler struct {
	orders          OrderStore
	carts           CartReleaser
	processor       payments.Processor
	notifier        notify.Dispatcher
	metrics         Counter
	defaultCurrency string
}

// New wires a Reconciler. metrics may be nil.
func New(orderStore OrderStore, carts CartReleaser, processor payments.Processor, notifier notify.Dispatcher, metrics Counter, defaultCurrency string) *Reconciler {
	return &Reconciler{
		orders:          orderStore,
		carts:           carts,
		processor:       processor,
		notifier:        notifier,
		metrics:         metrics,
		defaultCurrency: defaultCurrency,
	}
}

// Handle processes one verified event. A nil error means the event may be
// acknowledged; a non-nil error means the processor should redeliver it.
// Handle is safe to re-enter from scratch for the same event.
func (r *Reconciler) Handle(ctx context.Context, ev *payments.Event) (Outcome, error) {
	switch ev.Type {
	case payments.EventCheckoutCompleted, payments.EventCheckoutAsyncPaymentSucceeded:
		return r.record(ctx, ev)
	case payments.EventCheckoutAsyncPaymentFailed:
		return r.paymentFailed(ctx, ev)
	default:
		log.Printf("[webhook] event=%s type=%s ignored", ev.ID, ev.Type)
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) record(ctx context.Context, ev *payments.Event) (Outcome, error) {
	s := ev.Session
	if s == nil || s.ID == "" {
		log.Printf("[webhook] event=%s type=%s carries no session; rejected", ev.ID, ev.Type)
		r.count(ctx, MetricRejected)
		return OutcomeRejected, nil
	}
	userID := s.Metadata[payments.MetadataUserID]
	if userID == "" {
		log.Printf("[webhook] event=%s session=%s missing user_id metadata; rejected", ev.ID, s.ID)
		r.count(ctx, MetricRejected)
		return OutcomeRejected, nil
	}
	status := orderStatus(s.PaymentStatus)

	existing, err := r.orders.GetBySessionID(ctx, s.ID)
	if err != nil {
		return "", fmt.Errorf("look up order for session %s: %w", s.ID, err)
	}
	if existing != nil {
		return r.refresh(ctx, s, existing, status)
	}

	lines, err := r.reconstruct(ctx, s)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		log.Printf("[webhook] session=%s has no line items; rejected", s.ID)
		r.count(ctx, MetricRejected)
		return OutcomeRejected, nil
	}

	order := orders.Order{
		StripeSessionID: s.ID,
		UserID:          userID,
		Status:          status,
		TotalAmount:     r.orderTotal(s, lines),
		Currency:        r.currency(s.Currency),
		CustomerEmail:   customerEmail(s),
		ShippingAddress: shippingAddress(s.Customer),
		PaymentIntentID: s.PaymentIntentID,
		ReceiptURL:      r.receiptURL(ctx, s),
	}

	saved, created, err := r.orders.UpsertBySessionID(ctx, order, orderItems(lines))
	if err != nil {
		return "", fmt.Errorf("record order for session %s: %w", s.ID, err)
	}
	if !created {
		log.Printf("[webhook] session=%s recorded concurrently as order=%s", s.ID, saved.ID)
		r.count(ctx, MetricDuplicate)
		if err := r.settle(ctx, saved); err != nil {
			return "", err
		}
		return OutcomeDuplicate, nil
	}
	log.Printf("[webhook] session=%s recorded order=%s user=%s items=%d total=%s",
		s.ID, saved.ID, userID, len(saved.Items), saved.TotalAmount.StringFixed(2))
	r.count(ctx, MetricRecorded)

	if err := r.settle(ctx, saved); err != nil {
		return "", err
	}
	return OutcomeRecorded, nil
}

// refresh is the duplicate-notification path: status and receipt may
// change, items never do. Follow-up work left unfinished by an earlier
// delivery is completed.
func (r *Reconciler) refresh(ctx context.Context, s *payments.CheckoutSession, existing *orders.Order, status string) (Outcome, error) {
	receipt := existing.ReceiptURL
	if receipt == "" {
		receipt = r.receiptURL(ctx, s)
	}
	err := r.orders.Refresh(ctx, s.ID, status, receipt)
	if err != nil && !errors.Is(err, orders.ErrOrderNotFound) {
		return "", fmt.Errorf("refresh order for session %s: %w", s.ID, err)
	}
	existing.ReceiptURL = receipt
	log.Printf("[webhook] session=%s already recorded as order=%s; refreshed", s.ID, existing.ID)
	r.count(ctx, MetricDuplicate)

	if err := r.settle(ctx, existing); err != nil {
		return "", err
	}
	return OutcomeDuplicate, nil
}

// settle finishes whatever follow-up work a recorded order still lacks:
// releasing the purchased cart rows, then the confirmation email. Each step
// is marked on the order once done. A release failure is returned so the
// event is redelivered; the email is best effort and is sent only by the
// caller that claims it.
func (r *Reconciler) settle(ctx context.Context, o *orders.Order) error {
	if o.CartReleasedAt == nil {
		if p := purchased(o.Items); len(p) > 0 {
			if err := r.carts.Release(ctx, o.UserID, o.ID, p); err != nil {
				r.count(ctx, MetricCartReleaseFailed)
				return fmt.Errorf("release cart for order %s: %w", o.ID, err)
			}
		}
		if err := r.orders.MarkCartReleased(ctx, o.StripeSessionID); err != nil {
			return fmt.Errorf("mark cart released for order %s: %w", o.ID, err)
		}
	}

	if o.ConfirmationSentAt != nil {
		return nil
	}
	claimed, err := r.orders.ClaimConfirmation(ctx, o.StripeSessionID)
	if err != nil {
		return fmt.Errorf("claim confirmation for order %s: %w", o.ID, err)
	}
	if !claimed {
		return nil
	}
	if err := r.notifier.OrderConfirmed(ctx, notify.FromOrder(o)); err != nil {
		log.Printf("[webhook] order=%s confirmation email failed: %v", o.ID, err)
		r.count(ctx, MetricEmailFailed)
		if err := r.orders.UnclaimConfirmation(ctx, o.StripeSessionID); err != nil {
			log.Printf("[webhook] order=%s unclaim confirmation: %v", o.ID, err)
		}
	}
	return nil
}

func (r *Reconciler) paymentFailed(ctx context.Context, ev *payments.Event) (Outcome, error) {
	if ev.Session == nil || ev.Session.ID == "" {
		return OutcomeIgnored, nil
	}
	sid := ev.Session.ID
	err := r.orders.UpdateStatus(ctx, sid, orders.StatusPending, orders.StatusFailed)
	if errors.Is(err, orders.ErrStatusMismatch) {
		log.Printf("[webhook] session=%s async payment failed but no pending order; ignored", sid)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("mark order for session %s failed: %w", sid, err)
	}
	log.Printf("[webhook] session=%s async payment failed; order marked failed", sid)
	r.count(ctx, MetricPaymentFailed)
	return OutcomeUpdated, nil
}

// reconstruct recovers the purchased lines from the checkout metadata and
// the processor's line items. The processor's amounts win; the metadata
// amounts are used only when the processor cannot be reached.
func (r *Reconciler) reconstruct(ctx context.Context, s *payments.CheckoutSession) ([]line, error) {
	meta, metaErr := payments.DecodeCartMetadata(s.Metadata)
	if metaErr != nil && !errors.Is(metaErr, payments.ErrNoCartMetadata) {
		log.Printf("[webhook] session=%s unreadable cart metadata: %v", s.ID, metaErr)
	}

	items, err := r.processor.ListLineItems(ctx, s.ID)
	switch {
	case err != nil && len(meta) == 0:
		return nil, fmt.Errorf("list line items for session %s: %w", s.ID, err)
	case err != nil:
		log.Printf("[webhook] session=%s line items unavailable, using checkout metadata: %v", s.ID, err)
		return fromMetadata(meta), nil
	case len(meta) == 0:
		return fromProcessor(items), nil
	}

	lines, leftover := match(meta, items)
	for _, m := range leftover {
		log.Printf("[webhook] session=%s cart line product=%s not charged by processor", s.ID, m.ProductID)
	}
	return lines, nil
}

// orderTotal prefers what the processor charged, then the sum of lines,
// then the total quoted at checkout.
func (r *Reconciler) orderTotal(s *payments.CheckoutSession, lines []line) money.Amount {
	if s.AmountTotal > 0 {
		return money.FromMinor(s.AmountTotal)
	}
	if sum := linesTotal(lines); sum.IsPositive() {
		return money.Amount{Decimal: sum}
	}
	if cents, ok := payments.MetadataTotal(s.Metadata); ok {
		return money.FromMinor(cents)
	}
	return money.Amount{}
}

func (r *Reconciler) receiptURL(ctx context.Context, s *payments.CheckoutSession) string {
	if s.PaymentIntentID == "" {
		return ""
	}
	u, err := r.processor.ReceiptURL(ctx, s.PaymentIntentID)
	if err != nil {
		log.Printf("[webhook] session=%s receipt lookup failed: %v", s.ID, err)
		return ""
	}
	return u
}

func (r *Reconciler) currency(c string) string {
	if c == "" {
		return r.defaultCurrency
	}
	return strings.ToLower(c)
}

func (r *Reconciler) count(ctx context.Context, name string) {
	if r.metrics == nil {
		return
	}
	if err := r.metrics.Increment(ctx, name); err != nil {
		log.Printf("[webhook] metric %s: %v", name, err)
	}
}

func orderStatus(paymentStatus string) string {
	switch paymentStatus {
	case payments.PaymentStatusPaid, payments.PaymentStatusNoPaymentRequired:
		return orders.StatusProcessing
	default:
		return orders.StatusPending
	}
}

func customerEmail(s *payments.CheckoutSession) string {
	if s.Customer != nil && s.Customer.Email != "" {
		return s.Customer.Email
	}
	return s.CustomerEmail
}

func shippingAddress(c *payments.CustomerDetails) *orders.ShippingAddress {
	if c == nil {
		return nil
	}
	a := &orders.ShippingAddress{Name: c.Name, Email: c.Email, Phone: c.Phone}
	if c.Address != nil {
		a.Line1 = c.Address.Line1
		a.Line2 = c.Address.Line2
		a.City = c.Address.City
		a.State = c.Address.State
		a.PostalCode = c.Address.PostalCode
		a.Country = c.Address.Country
	}
	return a
}
