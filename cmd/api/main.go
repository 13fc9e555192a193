package main

import (
	"context"
	"log"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/imrishuroy/kitstore-checkout/internal/auth"
	"github.com/imrishuroy/kitstore-checkout/internal/aws"
	"github.com/imrishuroy/kitstore-checkout/internal/cart"
	"github.com/imrishuroy/kitstore-checkout/internal/catalog"
	"github.com/imrishuroy/kitstore-checkout/internal/checkout"
	"github.com/imrishuroy/kitstore-checkout/internal/config"
	"github.com/imrishuroy/kitstore-checkout/internal/handlers"
	"github.com/imrishuroy/kitstore-checkout/internal/notify"
	"github.com/imrishuroy/kitstore-checkout/internal/orders"
	"github.com/imrishuroy/kitstore-checkout/internal/payments"
	"github.com/imrishuroy/kitstore-checkout/internal/reconcile"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx := context.Background()
	clients, err := aws.Connect(ctx, aws.Settings{
		Region:           cfg.AWSRegion,
		EndpointOverride: cfg.AWSEndpointOverride,
	})
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	productStore := catalog.NewStore(clients.DynamoDB, cfg.ProductsTable)
	cartStore := cart.NewStore(clients.DynamoDB, cfg.CartItemsTable)
	orderStore := orders.NewStore(clients.DynamoDB, cfg.OrdersTable, cfg.OrderItemsTable)
	processor := payments.NewStripeProcessor(cfg.StripeSecretKey, cfg.StripeWebhookSecret)

	// browsing reads go through redis when configured; checkout always prices from the table
	var browse handlers.ProductReader = productStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("[catalog] redis unreachable at %s, cache reads will fall through: %v", cfg.RedisAddr, err)
		}
		browse = catalog.NewCachedReader(productStore, catalog.NewRedisCache(rdb, cfg.ProductCacheTTL))
	}

	reconciler := reconcile.New(
		orderStore,
		cartStore,
		processor,
		newDispatcher(cfg, clients),
		clients.Metrics(cfg.MetricsNamespace),
		cfg.Currency,
	)

	r := setupRouter(handlers.HandlerConfig{
		Verifier: auth.NewVerifier([]byte(cfg.JWTSecret)),
		Products: browse,
		Carts:    cartStore,
		Checkout: checkout.NewService(cartStore, productStore, processor, checkout.Settings{
			Currency: cfg.Currency,
			SiteURL:  cfg.SiteURL,
		}),
		Webhooks:       processor,
		Reconciler:     reconciler,
		Orders:         orders.NewService(orderStore),
		WebhookTimeout: cfg.WebhookTimeout,
	})

	if cfg.RunLocal {
		addr := ":" + cfg.Port
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

func newDispatcher(cfg *config.Config, clients *aws.Clients) notify.Dispatcher {
	switch cfg.EmailDelivery {
	case config.EmailQueue:
		log.Printf("[notify] confirmations queued to %s", cfg.EmailQueueURL)
		return notify.NewQueueDispatcher(clients.ConfirmationQueue(cfg.EmailQueueURL))
	case config.EmailDisabled:
		log.Printf("[notify] confirmation email disabled")
		return notify.Disabled{}
	default:
		if cfg.ResendAPIKey == "" || cfg.OrderFromEmail == "" {
			log.Printf("[notify] RESEND_API_KEY or ORDER_FROM_EMAIL missing; confirmation email disabled")
			return notify.Disabled{}
		}
		return notify.NewMailDispatcher(notify.NewResendMailer(cfg.ResendAPIKey, cfg.OrderFromEmail))
	}
}
