package cart

import (
	"errors"
	"time"
)

// MaxQuantity caps the quantity of a single cart row.
const MaxQuantity = 99

var (
	ErrItemNotFound     = errors.New("cart item not found")
	ErrInvalidQuantity  = errors.New("quantity must be at least 1")
	ErrQuantityLimit    = errors.New("cart item quantity limit exceeded")
	ErrTooManyConflicts = errors.New("cart item changed concurrently, retry")
)

// Item is one row of the cart_items table. A user has at most one row per
// product; the row id is what checkout captures.
type Item struct {
	UserID    string    `dynamodbav:"user_id" json:"-"`             // PK
	ProductID string    `dynamodbav:"product_id" json:"product_id"` // SK
	ID        string    `dynamodbav:"id" json:"id"`
	Quantity  int       `dynamodbav:"quantity" json:"quantity"`
	CreatedAt time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

// Purchased is a cart row captured at checkout and consumed by a recorded order.
type Purchased struct {
	ProductID string
	ItemID    string
	Quantity  int
}
