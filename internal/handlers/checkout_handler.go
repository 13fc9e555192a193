package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/kitstore-checkout/internal/checkout"
	"github.com/imrishuroy/kitstore-checkout/internal/validation"
)

type checkoutHandler struct {
	checkout CheckoutService
	v        *validatorv10.Validate
}

func (h *checkoutHandler) create(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var req validation.CreateSessionRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}

	claims := make([]checkout.Claim, 0, len(req.Items))
	for _, it := range req.Items {
		claims = append(claims, checkout.Claim{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	sess, err := h.checkout.CreateSession(c.Request.Context(), id, claims)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": sess.URL, "session_id": sess.SessionID})
}
