package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/kitstore-checkout/internal/cart"
	"github.com/imrishuroy/kitstore-checkout/internal/money"
	"github.com/imrishuroy/kitstore-checkout/internal/orders"
	"github.com/imrishuroy/kitstore-checkout/internal/payments"
)

// line is one reconstructed purchased line.
type line struct {
	ProductID  string
	Name       string
	Quantity   int64
	Unit       decimal.Decimal // major units, rounded to cents
	Subtotal   decimal.Decimal // what was charged for the whole line
	CartItemID string
}

func (l line) total() decimal.Decimal {
	return l.Subtotal
}

// unitFromSubtotal derives a display unit price, rounded to cents. The line
// subtotal stays authoritative: 10.00 for 3 units is stored as 3.33 each
// with a 10.00 subtotal.
func unitFromSubtotal(subtotalMinor, qty int64) decimal.Decimal {
	if qty <= 0 {
		return decimal.Zero
	}
	return decimal.New(subtotalMinor, -2).DivRound(decimal.NewFromInt(qty), 2)
}

func fromMetadata(meta []payments.CartLine) []line {
	out := make([]line, 0, len(meta))
	for _, m := range meta {
		out = append(out, line{
			ProductID:  m.ProductID,
			Name:       m.Name,
			Quantity:   m.Quantity,
			Unit:       decimal.New(m.UnitAmount, -2),
			Subtotal:   decimal.New(m.UnitAmount*m.Quantity, -2),
			CartItemID: m.CartItemID,
		})
	}
	return out
}

func fromProcessor(items []payments.LineItem) []line {
	out := make([]line, 0, len(items))
	for _, it := range items {
		out = append(out, line{
			Name:     it.Description,
			Quantity: it.Quantity,
			Unit:     unitFromSubtotal(it.AmountSubtotal, it.Quantity),
			Subtotal: decimal.New(it.AmountSubtotal, -2),
		})
	}
	return out
}

// match pairs processor line items with the cart lines captured at checkout.
// Price references are matched first, then position, then equal quantity,
// then any remaining cart line. The processor's amount is always used.
// Cart lines left over are returned separately.
func match(meta []payments.CartLine, items []payments.LineItem) ([]line, []payments.CartLine) {
	used := make([]bool, len(meta))
	take := func(pred func(j int, m payments.CartLine) bool) int {
		for j, m := range meta {
			if !used[j] && pred(j, m) {
				used[j] = true
				return j
			}
		}
		return -1
	}

	out := make([]line, 0, len(items))
	for i, it := range items {
		idx := -1
		if it.PriceRef != "" {
			idx = take(func(_ int, m payments.CartLine) bool { return m.PriceRef == it.PriceRef })
		}
		// Lines priced inline carry an ad-hoc processor price, so they can
		// only be paired with cart lines that had no price reference.
		inline := func(m payments.CartLine) bool { return m.PriceRef == "" }
		if idx < 0 {
			idx = take(func(j int, m payments.CartLine) bool { return j == i && inline(m) })
		}
		if idx < 0 {
			idx = take(func(_ int, m payments.CartLine) bool { return inline(m) && m.Quantity == it.Quantity })
		}
		if idx < 0 {
			idx = take(func(_ int, m payments.CartLine) bool { return inline(m) })
		}

		l := line{
			Name:     it.Description,
			Quantity: it.Quantity,
			Unit:     unitFromSubtotal(it.AmountSubtotal, it.Quantity),
			Subtotal: decimal.New(it.AmountSubtotal, -2),
		}
		if idx >= 0 {
			m := meta[idx]
			l.ProductID = m.ProductID
			l.CartItemID = m.CartItemID
			if m.Name != "" {
				l.Name = m.Name
			}
		}
		out = append(out, l)
	}

	var leftover []payments.CartLine
	for j, m := range meta {
		if !used[j] {
			leftover = append(leftover, m)
		}
	}
	return out, leftover
}

func orderItems(lines []line) []orders.Item {
	items := make([]orders.Item, 0, len(lines))
	for _, l := range lines {
		name := l.Name
		if name == "" {
			name = "Item"
		}
		items = append(items, orders.Item{
			ProductID:   l.ProductID,
			ProductName: name,
			Quantity:    l.Quantity,
			Price:       money.Amount{Decimal: l.Unit},
			Subtotal:    money.Amount{Decimal: l.Subtotal},
			CartItemID:  l.CartItemID,
		})
	}
	return items
}

func linesTotal(lines []line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.total())
	}
	return sum
}

// purchased lists the cart rows consumed by the order, by captured row id.
func purchased(items []orders.Item) []cart.Purchased {
	var out []cart.Purchased
	for _, it := range items {
		if it.CartItemID == "" || it.ProductID == "" {
			continue
		}
		out = append(out, cart.Purchased{ProductID: it.ProductID, ItemID: it.CartItemID, Quantity: int(it.Quantity)})
	}
	return out
}
