package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/kitstore-checkout/internal/apperr"
	"github.com/imrishuroy/kitstore-checkout/internal/cart"
	"github.com/imrishuroy/kitstore-checkout/internal/catalog"
	"github.com/imrishuroy/kitstore-checkout/internal/money"
	"github.com/imrishuroy/kitstore-checkout/internal/validation"
)

type cartHandler struct {
	carts    CartService
	products ProductReader
	v        *validatorv10.Validate
}

// cartLine is a cart row joined with its product for display.
type cartLine struct {
	cart.Item
	Product *catalog.Product `json:"product,omitempty"`
}

func (h *cartHandler) list(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	items, err := h.carts.List(ctx, id.UserID)
	if err != nil {
		respondError(c, err)
		return
	}

	lines := make([]cartLine, 0, len(items))
	total := decimal.Zero
	for _, it := range items {
		line := cartLine{Item: it}
		p, err := h.products.Get(ctx, it.ProductID)
		switch {
		case err == nil:
			line.Product = p
			total = total.Add(p.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
		case errors.Is(err, catalog.ErrProductNotFound):
			// row for a retired product; shown without details or price
		default:
			log.Printf("[cart] product lookup failed user=%s product=%s: %v", id.UserID, it.ProductID, err)
		}
		lines = append(lines, line)
	}
	c.JSON(http.StatusOK, gin.H{"items": lines, "total_amount": money.Amount{Decimal: total}})
}

func (h *cartHandler) add(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var req validation.AddCartItemRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	ctx := c.Request.Context()

	if _, err := h.products.Get(ctx, req.ProductID); err != nil {
		respondError(c, productError(err))
		return
	}
	item, err := h.carts.Add(ctx, id.UserID, req.ProductID, req.Quantity)
	if err != nil {
		respondError(c, cartError(err))
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *cartHandler) update(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var req validation.UpdateCartItemRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}

	item, err := h.carts.SetQuantity(c.Request.Context(), id.UserID, c.Param("product_id"), *req.Quantity)
	if err != nil {
		respondError(c, cartError(err))
		return
	}
	if item == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *cartHandler) remove(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	if err := h.carts.Remove(c.Request.Context(), id.UserID, c.Param("product_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *cartHandler) clear(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	if err := h.carts.Clear(c.Request.Context(), id.UserID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func cartError(err error) error {
	switch {
	case errors.Is(err, cart.ErrItemNotFound):
		return apperr.Wrap(apperr.CodeNotFound, "cart item not found", err)
	case errors.Is(err, cart.ErrInvalidQuantity), errors.Is(err, cart.ErrQuantityLimit):
		return apperr.Wrap(apperr.CodeValidationFailed, err.Error(), err)
	case errors.Is(err, cart.ErrTooManyConflicts):
		return apperr.Wrap(apperr.CodeCartMismatch, "cart changed concurrently, retry", err)
	default:
		return err
	}
}
