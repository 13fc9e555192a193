package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/kitstore-checkout/internal/money"
)

// Order statuses
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusShipped    = "shipped"
	StatusDelivered  = "delivered"
	StatusCanceled   = "canceled"
	StatusFailed     = "failed"
)

// Order is the item stored in the orders table. The processor session id is
// the partition key, so at most one order exists per checkout session.
type Order struct {
	StripeSessionID string           `dynamodbav:"stripe_session_id" json:"stripe_session_id"` // PK
	ID              string           `dynamodbav:"id" json:"id"`
	UserID          string           `dynamodbav:"user_id,omitempty" json:"user_id,omitempty"`
	Status          string           `dynamodbav:"status" json:"status"`
	TotalAmount     money.Amount     `dynamodbav:"total_amount" json:"total_amount"`
	Currency        string           `dynamodbav:"currency" json:"currency"`
	CustomerEmail   string           `dynamodbav:"customer_email,omitempty" json:"customer_email,omitempty"`
	ShippingAddress *ShippingAddress `dynamodbav:"shipping_address,omitempty" json:"shipping_address,omitempty"`
	PaymentIntentID string           `dynamodbav:"stripe_payment_intent_id,omitempty" json:"stripe_payment_intent_id,omitempty"`
	ReceiptURL      string           `dynamodbav:"receipt_url,omitempty" json:"receipt_url,omitempty"`
	CreatedAt       time.Time        `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `dynamodbav:"updated_at" json:"updated_at"`

	// Follow-up work done after the order was recorded. Unset until the
	// step has completed, so a redelivered event can finish it.
	CartReleasedAt     *time.Time `dynamodbav:"cart_released_at,omitempty" json:"-"`
	ConfirmationSentAt *time.Time `dynamodbav:"confirmation_sent_at,omitempty" json:"-"`

	Items []Item `dynamodbav:"-" json:"items"`
}

// ShippingAddress is the buyer's contact and postal address as collected on
// the hosted checkout page.
type ShippingAddress struct {
	Name       string `dynamodbav:"name,omitempty" json:"name,omitempty"`
	Email      string `dynamodbav:"email,omitempty" json:"email,omitempty"`
	Phone      string `dynamodbav:"phone,omitempty" json:"phone,omitempty"`
	Line1      string `dynamodbav:"line1,omitempty" json:"line1,omitempty"`
	Line2      string `dynamodbav:"line2,omitempty" json:"line2,omitempty"`
	City       string `dynamodbav:"city,omitempty" json:"city,omitempty"`
	State      string `dynamodbav:"state,omitempty" json:"state,omitempty"`
	PostalCode string `dynamodbav:"postal_code,omitempty" json:"postal_code,omitempty"`
	Country    string `dynamodbav:"country,omitempty" json:"country,omitempty"`
}

// Item is one purchased line. Name and price are snapshots taken when the
// order was recorded and never change afterwards.
type Item struct {
	OrderID     string       `dynamodbav:"order_id" json:"order_id"` // PK
	ID          string       `dynamodbav:"id" json:"id"`             // SK
	ProductID   string       `dynamodbav:"product_id,omitempty" json:"product_id,omitempty"`
	ProductName string       `dynamodbav:"product_name" json:"product_name"`
	Quantity    int64        `dynamodbav:"quantity" json:"quantity"`
	Price       money.Amount `dynamodbav:"price" json:"price"`       // unit price, cents
	Subtotal    money.Amount `dynamodbav:"subtotal" json:"subtotal"` // charged for the line
	CartItemID  string       `dynamodbav:"cart_item_id,omitempty" json:"-"`
}

// LineTotal is the charged subtotal, or quantity times unit price for lines
// recorded without one.
func (i Item) LineTotal() money.Amount {
	if !i.Subtotal.IsZero() {
		return i.Subtotal
	}
	return money.Amount{Decimal: i.Price.Decimal.Mul(decimal.NewFromInt(i.Quantity))}
}

// ItemsTotal sums the line totals of o.Items.
func (o *Order) ItemsTotal() money.Amount {
	var sum money.Amount
	for _, it := range o.Items {
		sum.Decimal = sum.Decimal.Add(it.LineTotal().Decimal)
	}
	return sum
}
