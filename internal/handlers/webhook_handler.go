package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/kitstore-checkout/internal/apperr"
	"github.com/imrishuroy/kitstore-checkout/internal/payments"
)

// maxWebhookBytes caps the payload read before signature verification.
const maxWebhookBytes = 512 << 10

type webhookHandler struct {
	verifier   WebhookVerifier
	reconciler EventReconciler
	timeout    time.Duration
}

// receive verifies and reconciles one delivery. A non-2xx response makes the
// processor redeliver, so only failures worth retrying return 500.
func (h *webhookHandler) receive(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes+1))
	if err != nil || len(payload) > maxWebhookBytes {
		respondError(c, apperr.New(apperr.CodeInvalidRequest, "unreadable webhook payload"))
		return
	}

	ev, err := h.verifier.VerifyWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		log.Printf("[webhook] rejected delivery: %v", err)
		if errors.Is(err, payments.ErrInvalidSignature) {
			respondError(c, apperr.Wrap(apperr.CodeInvalidSignature, "invalid signature", err))
			return
		}
		respondError(c, apperr.Wrap(apperr.CodeInvalidRequest, "invalid webhook payload", err))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	outcome, err := h.reconciler.Handle(ctx, ev)
	if err != nil {
		respondError(c, err)
		return
	}
	log.Printf("[webhook] event=%s type=%s outcome=%s", ev.ID, ev.Type, outcome)
	c.JSON(http.StatusOK, gin.H{"received": true})
}
