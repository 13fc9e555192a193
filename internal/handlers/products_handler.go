package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/kitstore-checkout/internal/apperr"
	"github.com/imrishuroy/kitstore-checkout/internal/catalog"
)

type productsHandler struct {
	products ProductReader
}

func (h *productsHandler) get(c *gin.Context) {
	p, err := h.products.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, productError(err))
		return
	}
	c.JSON(http.StatusOK, p)
}

func productError(err error) error {
	if errors.Is(err, catalog.ErrProductNotFound) {
		return apperr.Wrap(apperr.CodeNotFound, "product not found", err)
	}
	return apperr.Wrap(apperr.CodeCatalogUnavailable, "product catalog unavailable", err)
}
