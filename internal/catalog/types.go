package catalog

import (
	"errors"
	"strings"

	"github.com/imrishuroy/kitstore-checkout/internal/money"
)

// ErrProductNotFound is returned when no product has the requested id.
var ErrProductNotFound = errors.New("product not found")

// Product is a row of the products table.
type Product struct {
	ID              string       `dynamodbav:"id" json:"id"` // PK
	Name            string       `dynamodbav:"name" json:"name"`
	Description     string       `dynamodbav:"description,omitempty" json:"description,omitempty"`
	Price           money.Amount `dynamodbav:"price" json:"price"`
	StripeProductID string       `dynamodbav:"stripe_product_id,omitempty" json:"stripe_product_id,omitempty"`
	StripePriceID   string       `dynamodbav:"stripe_price_id,omitempty" json:"stripe_price_id,omitempty"`
	StockQuantity   int          `dynamodbav:"stock_quantity" json:"stock_quantity"`
	InStock         bool         `dynamodbav:"in_stock" json:"in_stock"`
	Category        string       `dynamodbav:"category,omitempty" json:"category,omitempty"`
	SkillLevel      string       `dynamodbav:"skill_level,omitempty" json:"skill_level,omitempty"`
	AgeGroup        string       `dynamodbav:"age_group,omitempty" json:"age_group,omitempty"`
	ImageURL        string       `dynamodbav:"image_url,omitempty" json:"image_url,omitempty"`
}

// ProcessorPriceRef returns the live processor price id, or "" when the
// product must be priced inline.
func (p Product) ProcessorPriceRef() string {
	if strings.HasPrefix(p.StripePriceID, "price_") {
		return p.StripePriceID
	}
	return ""
}
