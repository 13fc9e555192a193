// Package checkout turns a user's server-side cart into a priced checkout
// session with the payment processor.
package checkout

import (
	"context"
	"errors"
	"log"

	"github.com/imrishuroy/kitstore-checkout/internal/apperr"
	"github.com/imrishuroy/kitstore-checkout/internal/auth"
	"github.com/imrishuroy/kitstore-checkout/internal/cart"
	"github.com/imrishuroy/kitstore-checkout/internal/catalog"
	"github.com/imrishuroy/kitstore-checkout/internal/payments"
)

// CartReader is the cart read used by checkout.
type CartReader interface {
	List(ctx context.Context, userID string) ([]cart.Item, error)
}

// ProductReader resolves products. Checkout must be given the store, not a
// cache, so prices are read at session-creation time.
type ProductReader interface {
	Get(ctx context.Context, id string) (*catalog.Product, error)
}

// Claim is a product the client believes is in its cart.
type Claim struct {
	ProductID string
	Quantity  int
}

// Settings holds the checkout parameters taken from configuration.
type Settings struct {
	Currency string
	SiteURL  string
}

// Session is the result of CreateSession.
type Session struct {
	URL        string
	SessionID  string
	TotalMinor int64
	LineCount  int
}

// Service is the checkout session initiator.
type Service struct {
	carts     CartReader
	products  ProductReader
	processor payments.Processor
	settings  Settings
}

// NewService wires a checkout Service.
func NewService(carts CartReader, products ProductReader, processor payments.Processor, settings Settings) *Service {
	return &Service{carts: carts, products: products, processor: processor, settings: settings}
}

// CreateSession prices the intersection of claims and the user's stored
// cart against the catalog and opens a processor checkout session. The cart
// is not modified.
func (s *Service) CreateSession(ctx context.Context, id auth.Identity, claims []Claim) (*Session, error) {
	if id.UserID == "" {
		return nil, apperr.New(apperr.CodeUnauthenticated, "authentication required")
	}

	rows, err := s.carts.List(ctx, id.UserID)
	if err != nil {
		log.Printf("[checkout] user=%s cart read failed: %v", id.UserID, err)
		return nil, apperr.Wrap(apperr.CodeCatalogUnavailable, "cart is temporarily unavailable, please retry", err)
	}

	claimed := make(map[string]int, len(claims))
	for _, c := range claims {
		claimed[c.ProductID] = c.Quantity
	}
	var selected []cart.Item
	for _, row := range rows {
		q, ok := claimed[row.ProductID]
		if !ok {
			continue
		}
		if q != row.Quantity {
			log.Printf("[checkout] user=%s product=%s claimed qty %d, cart has %d; using cart", id.UserID, row.ProductID, q, row.Quantity)
		}
		selected = append(selected, row)
	}
	if len(selected) == 0 {
		return nil, apperr.New(apperr.CodeCartMismatch, "your cart has changed, please refresh and try again")
	}

	var (
		lines      []payments.SessionLine
		meta       []payments.CartLine
		totalMinor int64
	)
	for _, row := range selected {
		p, err := s.products.Get(ctx, row.ProductID)
		if errors.Is(err, catalog.ErrProductNotFound) {
			log.Printf("[checkout] user=%s product=%s no longer in catalog, skipped", id.UserID, row.ProductID)
			continue
		}
		if err != nil {
			log.Printf("[checkout] product=%s read failed: %v", row.ProductID, err)
			return nil, apperr.Wrap(apperr.CodeCatalogUnavailable, "catalog is temporarily unavailable, please retry", err)
		}
		if !p.InStock {
			log.Printf("[checkout] user=%s product=%s out of stock, skipped", id.UserID, row.ProductID)
			continue
		}

		unit := p.Price.Minor()
		qty := int64(row.Quantity)
		line := payments.SessionLine{Quantity: qty, Name: p.Name}
		if ref := p.ProcessorPriceRef(); ref != "" {
			line.PriceRef = ref
		} else {
			line.UnitAmount = unit
		}
		lines = append(lines, line)
		meta = append(meta, payments.CartLine{
			ProductID:  p.ID,
			Quantity:   qty,
			UnitAmount: unit,
			PriceRef:   line.PriceRef,
			CartItemID: row.ID,
			Name:       p.Name,
		})
		totalMinor += unit * qty
	}
	if len(lines) == 0 {
		return nil, apperr.New(apperr.CodeEmptyLineItems, "none of the items in your cart can be purchased")
	}

	md, err := payments.EncodeCartMetadata(id.UserID, totalMinor, meta)
	if errors.Is(err, payments.ErrMetadataTooLarge) {
		return nil, apperr.Wrap(apperr.CodeMetadataTooLarge, "cart is too large for a single checkout", err)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "could not prepare checkout", err)
	}

	sess, err := s.processor.CreateCheckoutSession(ctx, payments.SessionRequest{
		Lines:         lines,
		Currency:      s.settings.Currency,
		CustomerEmail: id.Email,
		SuccessURL:    s.settings.SiteURL + "/payment-success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     s.settings.SiteURL + "/",
		Metadata:      md,
	})
	if err != nil {
		log.Printf("[checkout] user=%s processor error: %v", id.UserID, err)
		return nil, apperr.Wrap(apperr.CodePaymentProcessor, "payment provider error, please retry", err)
	}

	log.Printf("[checkout] user=%s session=%s lines=%d total=%d", id.UserID, sess.ID, len(lines), totalMinor)
	return &Session{URL: sess.URL, SessionID: sess.ID, TotalMinor: totalMinor, LineCount: len(lines)}, nil
}
