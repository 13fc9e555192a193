package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/kitstore-checkout/internal/apperr"
	"github.com/imrishuroy/kitstore-checkout/internal/auth"
	"github.com/imrishuroy/kitstore-checkout/internal/cart"
	"github.com/imrishuroy/kitstore-checkout/internal/catalog"
	"github.com/imrishuroy/kitstore-checkout/internal/dynamotest"
	"github.com/imrishuroy/kitstore-checkout/internal/money"
	"github.com/imrishuroy/kitstore-checkout/internal/payments"
	"github.com/imrishuroy/kitstore-checkout/internal/payments/paymentstest"
)

var buyer = auth.Identity{UserID: "user-1", Email: "buyer@example.com"}

type productMap map[string]*catalog.Product

func (m productMap) Get(ctx context.Context, id string) (*catalog.Product, error) {
	p, ok := m[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	return p, nil
}

type failingProducts struct{}

func (failingProducts) Get(ctx context.Context, id string) (*catalog.Product, error) {
	return nil, errors.New("dynamo timeout")
}

type staticCart struct {
	items []cart.Item
	err   error
}

func (c staticCart) List(ctx context.Context, userID string) ([]cart.Item, error) {
	return c.items, c.err
}

func kitProducts() productMap {
	return productMap{
		"prod-a": {ID: "prod-a", Name: "Arduino Starter Kit", Price: money.MustParse("19.99"), InStock: true, StockQuantity: 10},
		"prod-b": {ID: "prod-b", Name: "Jumper Wires", Price: money.MustParse("5.00"), StripePriceID: "price_b", InStock: true, StockQuantity: 10},
	}
}

func newCartStore(t *testing.T) *cart.Store {
	t.Helper()
	db := dynamotest.New()
	db.CreateTable("cart_items", "user_id", "product_id")
	return cart.NewStore(db, "cart_items")
}

func settings() Settings {
	return Settings{Currency: "usd", SiteURL: "https://shop.example.com"}
}

func TestCreateSession_PricesCartFromCatalog(t *testing.T) {
	ctx := context.Background()
	carts := newCartStore(t)
	a, err := carts.Add(ctx, buyer.UserID, "prod-a", 2)
	require.NoError(t, err)
	b, err := carts.Add(ctx, buyer.UserID, "prod-b", 1)
	require.NoError(t, err)

	proc := paymentstest.New()
	svc := NewService(carts, kitProducts(), proc, settings())

	sess, err := svc.CreateSession(ctx, buyer, []Claim{{ProductID: "prod-a", Quantity: 2}, {ProductID: "prod-b", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(4498), sess.TotalMinor)
	assert.Equal(t, 2, sess.LineCount)
	assert.Equal(t, "cs_test_1", sess.SessionID)
	assert.Equal(t, "https://checkout.test/pay/cs_test_1", sess.URL)

	req := proc.LastRequest()
	require.Len(t, req.Lines, 2)
	assert.Equal(t, payments.SessionLine{Name: "Arduino Starter Kit", UnitAmount: 1999, Quantity: 2}, req.Lines[0])
	assert.Equal(t, payments.SessionLine{Name: "Jumper Wires", PriceRef: "price_b", Quantity: 1}, req.Lines[1])
	assert.Equal(t, "usd", req.Currency)
	assert.Equal(t, "buyer@example.com", req.CustomerEmail)
	assert.Equal(t, "https://shop.example.com/payment-success?session_id={CHECKOUT_SESSION_ID}", req.SuccessURL)
	assert.Equal(t, "https://shop.example.com/", req.CancelURL)
	assert.Equal(t, "user-1", req.Metadata[payments.MetadataUserID])

	lines, err := payments.DecodeCartMetadata(req.Metadata)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	var sum int64
	for _, l := range lines {
		sum += l.UnitAmount * l.Quantity
	}
	total, ok := payments.MetadataTotal(req.Metadata)
	require.True(t, ok)
	assert.Equal(t, sess.TotalMinor, sum)
	assert.Equal(t, sess.TotalMinor, total)
	assert.Equal(t, a.ID, lines[0].CartItemID)
	assert.Equal(t, b.ID, lines[1].CartItemID)
	assert.Equal(t, "price_b", lines[1].PriceRef)

	// Checkout leaves the cart alone.
	rows, err := carts.List(ctx, buyer.UserID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCreateSession_UsesCurrentCatalogPrice(t *testing.T) {
	ctx := context.Background()
	carts := newCartStore(t)
	_, err := carts.Add(ctx, buyer.UserID, "prod-a", 1)
	require.NoError(t, err)

	products := kitProducts()
	products["prod-a"].Price = money.MustParse("24.50")
	proc := paymentstest.New()

	sess, err := NewService(carts, products, proc, settings()).CreateSession(ctx, buyer, []Claim{{ProductID: "prod-a", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(2450), sess.TotalMinor)
	assert.Equal(t, int64(2450), proc.LastRequest().Lines[0].UnitAmount)
}

func TestCreateSession_UsesServerQuantity(t *testing.T) {
	ctx := context.Background()
	carts := newCartStore(t)
	_, err := carts.Add(ctx, buyer.UserID, "prod-a", 3)
	require.NoError(t, err)

	proc := paymentstest.New()
	sess, err := NewService(carts, kitProducts(), proc, settings()).CreateSession(ctx, buyer, []Claim{{ProductID: "prod-a", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(5997), sess.TotalMinor)
	assert.Equal(t, int64(3), proc.LastRequest().Lines[0].Quantity)
}

func TestCreateSession_RoundsPerLine(t *testing.T) {
	products := productMap{
		"prod-r": {ID: "prod-r", Name: "Resistor", Price: money.MustParse("0.335"), InStock: true},
	}
	carts := staticCart{items: []cart.Item{{ID: "row-1", ProductID: "prod-r", Quantity: 3}}}

	sess, err := NewService(carts, products, paymentstest.New(), settings()).CreateSession(context.Background(), buyer, []Claim{{ProductID: "prod-r", Quantity: 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(102), sess.TotalMinor)
}

func TestCreateSession_OnlyClaimedRows(t *testing.T) {
	ctx := context.Background()
	carts := newCartStore(t)
	_, err := carts.Add(ctx, buyer.UserID, "prod-a", 1)
	require.NoError(t, err)
	_, err = carts.Add(ctx, buyer.UserID, "prod-b", 1)
	require.NoError(t, err)

	proc := paymentstest.New()
	sess, err := NewService(carts, kitProducts(), proc, settings()).CreateSession(ctx, buyer, []Claim{{ProductID: "prod-b", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.LineCount)
	assert.Equal(t, int64(500), sess.TotalMinor)
}

func TestCreateSession_Failures(t *testing.T) {
	cartAB := staticCart{items: []cart.Item{
		{ID: "row-a", ProductID: "prod-a", Quantity: 2},
		{ID: "row-b", ProductID: "prod-b", Quantity: 1},
	}}
	claimsAB := []Claim{{ProductID: "prod-a", Quantity: 2}, {ProductID: "prod-b", Quantity: 1}}

	outOfStock := kitProducts()
	outOfStock["prod-a"].InStock = false
	delete(outOfStock, "prod-b")

	rejecting := paymentstest.New()
	rejecting.CreateErr = errors.New("stripe: rate limited")

	cases := []struct {
		name      string
		identity  auth.Identity
		carts     CartReader
		products  ProductReader
		processor payments.Processor
		claims    []Claim
		code      apperr.Code
	}{
		{"no identity", auth.Identity{}, cartAB, kitProducts(), paymentstest.New(), claimsAB, apperr.CodeUnauthenticated},
		{"claims not in cart", buyer, cartAB, kitProducts(), paymentstest.New(), []Claim{{ProductID: "prod-z", Quantity: 1}}, apperr.CodeCartMismatch},
		{"empty cart", buyer, staticCart{}, kitProducts(), paymentstest.New(), claimsAB, apperr.CodeCartMismatch},
		{"cart read fails", buyer, staticCart{err: errors.New("throttled")}, kitProducts(), paymentstest.New(), claimsAB, apperr.CodeCatalogUnavailable},
		{"catalog read fails", buyer, cartAB, failingProducts{}, paymentstest.New(), claimsAB, apperr.CodeCatalogUnavailable},
		{"nothing purchasable", buyer, cartAB, outOfStock, paymentstest.New(), claimsAB, apperr.CodeEmptyLineItems},
		{"processor fails", buyer, cartAB, kitProducts(), rejecting, claimsAB, apperr.CodePaymentProcessor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewService(tc.carts, tc.products, tc.processor, settings()).CreateSession(context.Background(), tc.identity, tc.claims)
			require.Error(t, err)
			assert.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}
}

func TestCreateSession_MetadataTooLarge(t *testing.T) {
	products := productMap{}
	var (
		items  []cart.Item
		claims []Claim
	)
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("prod-%03d", i)
		products[id] = &catalog.Product{ID: id, Name: strings.Repeat("Kit ", 50), Price: money.MustParse("1.00"), InStock: true}
		items = append(items, cart.Item{ID: fmt.Sprintf("row-%03d", i), ProductID: id, Quantity: 1})
		claims = append(claims, Claim{ProductID: id, Quantity: 1})
	}
	proc := paymentstest.New()

	_, err := NewService(staticCart{items: items}, products, proc, settings()).CreateSession(context.Background(), buyer, claims)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeMetadataTooLarge, apperr.CodeOf(err))
	assert.Empty(t, proc.Requests, "no session may be created with truncated metadata")
}
