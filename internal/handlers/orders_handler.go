package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/kitstore-checkout/internal/validation"
)

type ordersHandler struct {
	orders OrderReader
	v      *validatorv10.Validate
}

func (h *ordersHandler) getBySessionQuery(c *gin.Context) {
	var req validation.OrderLookupRequest
	if err := validation.BindQueryAndValidate(c, &req, h.v); err != nil {
		return
	}
	h.respond(c, req.SessionID)
}

func (h *ordersHandler) getBySessionBody(c *gin.Context) {
	var req validation.OrderLookupRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	h.respond(c, req.SessionID)
}

func (h *ordersHandler) respond(c *gin.Context, sessionID string) {
	id, ok := identity(c)
	if !ok {
		return
	}
	o, err := h.orders.GetForUser(c.Request.Context(), id.UserID, sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	view := *o
	view.Currency = strings.ToUpper(view.Currency)
	c.JSON(http.StatusOK, gin.H{"order": view})
}
