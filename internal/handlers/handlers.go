// Package handlers exposes the storefront core over HTTP.
package handlers

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/kitstore-checkout/internal/apperr"
	"github.com/imrishuroy/kitstore-checkout/internal/auth"
	"github.com/imrishuroy/kitstore-checkout/internal/cart"
	"github.com/imrishuroy/kitstore-checkout/internal/catalog"
	"github.com/imrishuroy/kitstore-checkout/internal/checkout"
	"github.com/imrishuroy/kitstore-checkout/internal/orders"
	"github.com/imrishuroy/kitstore-checkout/internal/payments"
	"github.com/imrishuroy/kitstore-checkout/internal/reconcile"
	"github.com/imrishuroy/kitstore-checkout/internal/validation"
)

const defaultWebhookTimeout = 20 * time.Second

// ProductReader fetches a catalog product by id.
type ProductReader interface {
	Get(ctx context.Context, id string) (*catalog.Product, error)
}

// CartService reads and edits the signed-in user's cart.
type CartService interface {
	List(ctx context.Context, userID string) ([]cart.Item, error)
	Add(ctx context.Context, userID, productID string, qty int) (*cart.Item, error)
	SetQuantity(ctx context.Context, userID, productID string, qty int) (*cart.Item, error)
	Remove(ctx context.Context, userID, productID string) error
	Clear(ctx context.Context, userID string) error
}

// CheckoutService opens a hosted checkout session for the claimed cart lines.
type CheckoutService interface {
	CreateSession(ctx context.Context, id auth.Identity, claims []checkout.Claim) (*checkout.Session, error)
}

// WebhookVerifier authenticates a raw webhook body against its signature header.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signatureHeader string) (*payments.Event, error)
}

// EventReconciler turns a verified payment event into order state.
type EventReconciler interface {
	Handle(ctx context.Context, ev *payments.Event) (reconcile.Outcome, error)
}

// OrderReader looks up recorded orders for the signed-in user.
type OrderReader interface {
	GetForUser(ctx context.Context, userID, sessionID string) (*orders.Order, error)
}

// HandlerConfig groups dependencies for the HTTP routes.
type HandlerConfig struct {
	Verifier   *auth.Verifier
	Products   ProductReader
	Carts      CartService
	Checkout   CheckoutService
	Webhooks   WebhookVerifier
	Reconciler EventReconciler
	Orders     OrderReader

	// WebhookTimeout bounds reconciliation of one delivery. Zero means 20s.
	WebhookTimeout time.Duration
}

// RegisterRoutes registers the storefront API on r.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()
	requireAuth := auth.Middleware(cfg.Verifier)

	p := &productsHandler{products: cfg.Products}
	r.GET("/products/:id", p.get)

	ch := &cartHandler{carts: cfg.Carts, products: cfg.Products, v: v}
	cg := r.Group("/cart", requireAuth)
	cg.GET("", ch.list)
	cg.DELETE("", ch.clear)
	cg.POST("/items", ch.add)
	cg.PUT("/items/:product_id", ch.update)
	cg.DELETE("/items/:product_id", ch.remove)

	co := &checkoutHandler{checkout: cfg.Checkout, v: v}
	r.POST("/checkout/session", requireAuth, co.create)

	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	wh := &webhookHandler{verifier: cfg.Webhooks, reconciler: cfg.Reconciler, timeout: timeout}
	r.POST("/webhooks/stripe", wh.receive)

	oh := &ordersHandler{orders: cfg.Orders, v: v}
	r.GET("/orders/session", requireAuth, oh.getBySessionQuery)
	r.POST("/orders/session", requireAuth, oh.getBySessionBody)
}

// respondError writes err as {"error","code"}. Internal causes are logged,
// never returned.
func respondError(c *gin.Context, err error) {
	code, msg := apperr.Public(err)
	status := apperr.HTTPStatus(code)
	if status >= 500 {
		log.Printf("[http] %s %s failed code=%s: %v", c.Request.Method, c.FullPath(), code, err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}

func identity(c *gin.Context) (auth.Identity, bool) {
	id, ok := auth.FromContext(c)
	if !ok || id.UserID == "" {
		respondError(c, apperr.New(apperr.CodeUnauthenticated, "authentication required"))
		return auth.Identity{}, false
	}
	return id, true
}
