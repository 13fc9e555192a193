package validation

// ClaimedItem is a product and quantity the client believes is in its cart.
type ClaimedItem struct {
	ProductID string `json:"product_id" validate:"required,max=128"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=99"`
}

// CreateSessionRequest is the payload for POST /checkout/session
type CreateSessionRequest struct {
	Items []ClaimedItem `json:"items" validate:"required,min=1,max=100,dive"` // no duplicate product ids
}

// AddCartItemRequest is the payload for POST /cart/items
type AddCartItemRequest struct {
	ProductID string `json:"product_id" validate:"required,max=128"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=99"`
}

// UpdateCartItemRequest is the payload for PUT /cart/items/:product_id.
// A quantity of zero or less removes the row.
type UpdateCartItemRequest struct {
	Quantity *int `json:"quantity" validate:"required,max=99"`
}

// OrderLookupRequest carries the checkout session id, from the body of a
// POST or the query string of a GET.
type OrderLookupRequest struct {
	SessionID string `json:"session_id" form:"session_id" validate:"required,startswith=cs_,max=255"`
}
