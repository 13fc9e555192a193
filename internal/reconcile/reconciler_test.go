package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/kitstore-checkout/internal/auth"
	"github.com/imrishuroy/kitstore-checkout/internal/cart"
	"github.com/imrishuroy/kitstore-checkout/internal/catalog"
	"github.com/imrishuroy/kitstore-checkout/internal/checkout"
	"github.com/imrishuroy/kitstore-checkout/internal/dynamotest"
	"github.com/imrishuroy/kitstore-checkout/internal/money"
	"github.com/imrishuroy/kitstore-checkout/internal/notify"
	"github.com/imrishuroy/kitstore-checkout/internal/orders"
	"github.com/imrishuroy/kitstore-checkout/internal/payments"
	"github.com/imrishuroy/kitstore-checkout/internal/payments/paymentstest"
)

var buyer = auth.Identity{UserID: "user-1", Email: "buyer@example.com"}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []notify.Confirmation
	err  error
}

func (d *recordingDispatcher) OrderConfirmed(ctx context.Context, c notify.Confirmation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, c)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type recordingCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *recordingCounter) Increment(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
	return nil
}

func (c *recordingCounter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

type productMap map[string]*catalog.Product

func (m productMap) Get(ctx context.Context, id string) (*catalog.Product, error) {
	p, ok := m[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	return p, nil
}

type harness struct {
	db      *dynamotest.Fake
	orders  *orders.Store
	carts   *cart.Store
	proc    *paymentstest.Processor
	mail    *recordingDispatcher
	metrics *recordingCounter
	rec     *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dynamotest.New()
	db.CreateTable("cart_items", "user_id", "product_id")
	db.CreateTable("orders", "stripe_session_id", "")
	db.CreateTable("order_items", "order_id", "id")

	h := &harness{
		db:      db,
		orders:  orders.NewStore(db, "orders", "order_items"),
		carts:   cart.NewStore(db, "cart_items"),
		proc:    paymentstest.New(),
		mail:    &recordingDispatcher{},
		metrics: &recordingCounter{counts: map[string]int{}},
	}
	h.rec = New(h.orders, h.carts, h.proc, h.mail, h.metrics, "usd")
	return h
}

// checkout fills the cart with 2 x A (19.99, inline price) and 1 x B (5.00,
// processor price), opens a session and returns the completion event the
// processor would send for it.
func (h *harness) checkout(t *testing.T) *payments.Event {
	t.Helper()
	ctx := context.Background()
	_, err := h.carts.Add(ctx, buyer.UserID, "prod-a", 2)
	require.NoError(t, err)
	_, err = h.carts.Add(ctx, buyer.UserID, "prod-b", 1)
	require.NoError(t, err)

	products := productMap{
		"prod-a": {ID: "prod-a", Name: "Arduino Starter Kit", Price: money.MustParse("19.99"), InStock: true},
		"prod-b": {ID: "prod-b", Name: "Jumper Wires", Price: money.MustParse("5.00"), StripePriceID: "price_b", InStock: true},
	}
	svc := checkout.NewService(h.carts, products, h.proc, checkout.Settings{Currency: "usd", SiteURL: "https://shop.example.com"})
	sess, err := svc.CreateSession(ctx, buyer, []checkout.Claim{{ProductID: "prod-a", Quantity: 2}, {ProductID: "prod-b", Quantity: 1}})
	require.NoError(t, err)
	require.Equal(t, int64(4498), sess.TotalMinor)

	h.proc.LineItems[sess.SessionID] = []payments.LineItem{
		{PriceRef: "price_1Adhoc", Description: "Arduino Starter Kit", Quantity: 2, AmountSubtotal: 3998},
		{PriceRef: "price_b", Description: "Jumper Wires", Quantity: 1, AmountSubtotal: 500},
	}
	h.proc.Receipts["pi_1"] = "https://pay.example.com/receipts/ch_1"

	return &payments.Event{
		ID:   "evt_1",
		Type: payments.EventCheckoutCompleted,
		Session: &payments.CheckoutSession{
			ID:              sess.SessionID,
			Metadata:        h.proc.LastRequest().Metadata,
			AmountTotal:     4498,
			Currency:        "usd",
			PaymentStatus:   payments.PaymentStatusPaid,
			PaymentIntentID: "pi_1",
			Customer: &payments.CustomerDetails{
				Name:    "Ada Lovelace",
				Email:   "buyer@example.com",
				Address: &payments.Address{Line1: "1 Main St", City: "Springfield", Country: "US"},
			},
		},
	}
}

func assertItemsMatchTotal(t *testing.T, o *orders.Order) {
	t.Helper()
	diff := o.ItemsTotal().Sub(o.TotalAmount.Decimal).Abs()
	assert.True(t, diff.LessThanOrEqual(decimal.New(1, -2)), "items total %s vs order total %s", o.ItemsTotal(), o.TotalAmount)
}

func TestHandle_RecordsOrder(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	ctx := context.Background()

	outcome, err := h.rec.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)

	o, err := h.orders.GetBySessionID(ctx, ev.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, "44.98", o.TotalAmount.StringFixed(2))
	assert.Equal(t, orders.StatusProcessing, o.Status)
	assert.Equal(t, "user-1", o.UserID)
	assert.Equal(t, "usd", o.Currency)
	assert.Equal(t, "buyer@example.com", o.CustomerEmail)
	assert.Equal(t, "pi_1", o.PaymentIntentID)
	assert.Equal(t, "https://pay.example.com/receipts/ch_1", o.ReceiptURL)
	require.NotNil(t, o.ShippingAddress)
	assert.Equal(t, "Springfield", o.ShippingAddress.City)

	require.Len(t, o.Items, 2)
	byProduct := map[string]orders.Item{}
	for _, it := range o.Items {
		byProduct[it.ProductID] = it
	}
	assert.Equal(t, int64(2), byProduct["prod-a"].Quantity)
	assert.Equal(t, "19.99", byProduct["prod-a"].Price.StringFixed(2))
	assert.Equal(t, "Arduino Starter Kit", byProduct["prod-a"].ProductName)
	assert.Equal(t, int64(1), byProduct["prod-b"].Quantity)
	assertItemsMatchTotal(t, o)

	rows, err := h.carts.List(ctx, buyer.UserID)
	require.NoError(t, err)
	assert.Empty(t, rows, "purchased rows are released")

	require.Equal(t, 1, h.mail.count())
	assert.Equal(t, o.ID, h.mail.sent[0].OrderID)
	assert.Equal(t, 1, h.metrics.get(MetricRecorded))
}

func TestHandle_DuplicateDeliveryRefreshesOnly(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	ctx := context.Background()

	h.proc.ReceiptErr = errors.New("stripe timeout")
	outcome, err := h.rec.Handle(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeRecorded, outcome)
	first, _ := h.orders.GetBySessionID(ctx, ev.Session.ID)
	assert.Empty(t, first.ReceiptURL)

	h.proc.ReceiptErr = nil
	outcome, err = h.rec.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Equal(t, 1, h.db.Count("orders"))
	assert.Equal(t, 2, h.db.Count("order_items"))
	assert.Equal(t, 1, h.mail.count(), "confirmation is sent exactly once")

	second, _ := h.orders.GetBySessionID(ctx, ev.Session.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "https://pay.example.com/receipts/ch_1", second.ReceiptURL)
	assert.Equal(t, 1, h.metrics.get(MetricDuplicate))
}

func TestHandle_ConcurrentDeliveries(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := h.rec.Handle(context.Background(), ev)
			assert.NoError(t, err)
			outcomes <- o
		}()
	}
	wg.Wait()
	close(outcomes)

	recorded := 0
	for o := range outcomes {
		if o == OutcomeRecorded {
			recorded++
		}
	}
	assert.Equal(t, 1, recorded)
	assert.Equal(t, 1, h.db.Count("orders"))
	assert.Equal(t, 2, h.db.Count("order_items"))
	assert.Equal(t, 1, h.mail.count())
}

func TestHandle_CartChangesAfterCheckoutSurvive(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	ctx := context.Background()

	// While payment is in flight: one more A, B removed and re-added, new C.
	_, err := h.carts.Add(ctx, buyer.UserID, "prod-a", 1)
	require.NoError(t, err)
	require.NoError(t, h.carts.Remove(ctx, buyer.UserID, "prod-b"))
	_, err = h.carts.Add(ctx, buyer.UserID, "prod-b", 1)
	require.NoError(t, err)
	_, err = h.carts.Add(ctx, buyer.UserID, "prod-c", 4)
	require.NoError(t, err)

	_, err = h.rec.Handle(ctx, ev)
	require.NoError(t, err)

	rows, err := h.carts.List(ctx, buyer.UserID)
	require.NoError(t, err)
	qty := map[string]int{}
	for _, r := range rows {
		qty[r.ProductID] = r.Quantity
	}
	assert.Equal(t, map[string]int{"prod-a": 1, "prod-b": 1, "prod-c": 4}, qty)
}

func TestHandle_RejectsMissingUser(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	delete(ev.Session.Metadata, payments.MetadataUserID)

	outcome, err := h.rec.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Equal(t, 0, h.db.Count("orders"))
	assert.Equal(t, 0, h.mail.count())
	assert.Equal(t, 1, h.metrics.get(MetricRejected))
	assert.Equal(t, 0, h.proc.LineItemCalls())
}

func TestHandle_ProcessorAmountWins(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	h.proc.LineItems[ev.Session.ID][0].AmountSubtotal = 4200 // price changed to 21.00
	ev.Session.AmountTotal = 4700

	_, err := h.rec.Handle(context.Background(), ev)
	require.NoError(t, err)

	o, _ := h.orders.GetBySessionID(context.Background(), ev.Session.ID)
	for _, it := range o.Items {
		if it.ProductID == "prod-a" {
			assert.Equal(t, "21.00", it.Price.StringFixed(2))
		}
	}
	assert.Equal(t, "47.00", o.TotalAmount.StringFixed(2))
	assertItemsMatchTotal(t, o)
}

func TestHandle_FallsBackToMetadataWhenLineItemsUnavailable(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	h.proc.LineItemsErr = errors.New("stripe 503")

	outcome, err := h.rec.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)

	o, _ := h.orders.GetBySessionID(context.Background(), ev.Session.ID)
	require.Len(t, o.Items, 2)
	assertItemsMatchTotal(t, o)
}

func TestHandle_NoMetadataAndNoLineItemsIsRetryable(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	ev.Session.Metadata = map[string]string{payments.MetadataUserID: buyer.UserID}
	h.proc.LineItemsErr = errors.New("stripe 503")

	_, err := h.rec.Handle(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, 0, h.db.Count("orders"))
}

func TestHandle_ProcessorLinesOnly(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	ev.Session.Metadata = map[string]string{payments.MetadataUserID: buyer.UserID}

	_, err := h.rec.Handle(context.Background(), ev)
	require.NoError(t, err)

	o, _ := h.orders.GetBySessionID(context.Background(), ev.Session.ID)
	require.Len(t, o.Items, 2)
	assertItemsMatchTotal(t, o)
	rows, _ := h.carts.List(context.Background(), buyer.UserID)
	assert.Len(t, rows, 2, "without captured row ids nothing is released")
}

func TestHandle_StoreFailureLeavesNothing(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	h.db.FailNext("TransactWriteItems", errors.New("throttled"))

	_, err := h.rec.Handle(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, 0, h.db.Count("orders"))
	assert.Equal(t, 0, h.db.Count("order_items"))
	assert.Equal(t, 0, h.mail.count())
	rows, _ := h.carts.List(context.Background(), buyer.UserID)
	assert.Len(t, rows, 2)

	// Redelivery succeeds.
	outcome, err := h.rec.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)
}

func TestHandle_EmailFailureIsBestEffort(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	h.mail.err = errors.New("resend 500")

	outcome, err := h.rec.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)
	assert.Equal(t, 1, h.metrics.get(MetricEmailFailed))
	assert.Equal(t, 0, h.mail.count())

	// The claim was given back, so the next delivery sends it.
	h.mail.err = nil
	outcome, err = h.rec.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 1, h.mail.count())

	_, err = h.rec.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, h.mail.count())
}

func TestHandle_CartReleaseFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	ctx := context.Background()
	h.db.FailNext("DeleteItem", errors.New("throttled"))

	_, err := h.rec.Handle(ctx, ev)
	require.Error(t, err, "a failed release must be redelivered")
	assert.Equal(t, 1, h.db.Count("orders"))
	assert.Equal(t, 1, h.metrics.get(MetricCartReleaseFailed))
	assert.Equal(t, 0, h.mail.count())
	rows, _ := h.carts.List(ctx, buyer.UserID)
	assert.NotEmpty(t, rows)
	o, _ := h.orders.GetBySessionID(ctx, ev.Session.ID)
	assert.Nil(t, o.CartReleasedAt)

	outcome, err := h.rec.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	rows, _ = h.carts.List(ctx, buyer.UserID)
	assert.Empty(t, rows)
	assert.Equal(t, 1, h.mail.count())

	o, _ = h.orders.GetBySessionID(ctx, ev.Session.ID)
	assert.NotNil(t, o.CartReleasedAt)
	assert.NotNil(t, o.ConfirmationSentAt)
}

func TestHandle_FinishesOrderCommittedBeforeCrash(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	ctx := context.Background()

	// The order commit landed but the process died before touching the cart
	// or sending mail.
	lines, err := h.rec.reconstruct(ctx, ev.Session)
	require.NoError(t, err)
	_, created, err := h.orders.UpsertBySessionID(ctx, orders.Order{
		StripeSessionID: ev.Session.ID,
		UserID:          buyer.UserID,
		Status:          orders.StatusProcessing,
		TotalAmount:     money.MustParse("44.98"),
		Currency:        "usd",
		CustomerEmail:   buyer.Email,
	}, orderItems(lines))
	require.NoError(t, err)
	require.True(t, created)
	rows, _ := h.carts.List(ctx, buyer.UserID)
	require.Len(t, rows, 2)

	outcome, err := h.rec.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	rows, _ = h.carts.List(ctx, buyer.UserID)
	assert.Empty(t, rows)
	assert.Equal(t, 1, h.mail.count())

	_, err = h.rec.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 1, h.mail.count(), "confirmation is sent exactly once")
}

func TestHandle_AsyncPayment(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	ctx := context.Background()
	ev.Session.PaymentStatus = payments.PaymentStatusUnpaid

	outcome, err := h.rec.Handle(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeRecorded, outcome)
	o, _ := h.orders.GetBySessionID(ctx, ev.Session.ID)
	assert.Equal(t, orders.StatusPending, o.Status)

	succeeded := *ev
	succeeded.ID = "evt_2"
	succeeded.Type = payments.EventCheckoutAsyncPaymentSucceeded
	sess := *ev.Session
	sess.PaymentStatus = payments.PaymentStatusPaid
	succeeded.Session = &sess

	outcome, err = h.rec.Handle(ctx, &succeeded)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	o, _ = h.orders.GetBySessionID(ctx, ev.Session.ID)
	assert.Equal(t, orders.StatusProcessing, o.Status)
	assert.Equal(t, 1, h.mail.count())
}

func TestHandle_AsyncPaymentFailed(t *testing.T) {
	h := newHarness(t)
	ev := h.checkout(t)
	ctx := context.Background()

	failed := &payments.Event{ID: "evt_f", Type: payments.EventCheckoutAsyncPaymentFailed, Session: ev.Session}
	outcome, err := h.rec.Handle(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome, "nothing recorded yet")

	ev.Session.PaymentStatus = payments.PaymentStatusUnpaid
	_, err = h.rec.Handle(ctx, ev)
	require.NoError(t, err)

	outcome, err = h.rec.Handle(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
	o, _ := h.orders.GetBySessionID(ctx, ev.Session.ID)
	assert.Equal(t, orders.StatusFailed, o.Status)
	assert.Equal(t, 1, h.metrics.get(MetricPaymentFailed))
}

func TestHandle_IgnoresOtherEvents(t *testing.T) {
	h := newHarness(t)
	outcome, err := h.rec.Handle(context.Background(), &payments.Event{ID: "evt_x", Type: "payment_intent.created"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, 0, h.db.Calls("GetItem"))
}
