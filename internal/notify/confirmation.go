// Package notify renders and delivers order confirmation email.
package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/imrishuroy/kitstore-checkout/internal/money"
	"github.com/imrishuroy/kitstore-checkout/internal/orders"
)

// Subject of every order confirmation.
const Subject = "Your Logic Labs order confirmation"

// Confirmation is everything needed to render one confirmation email. It is
// also the body of a queued email message.
type Confirmation struct {
	OrderID    string             `json:"order_id"`
	SessionID  string             `json:"session_id"`
	To         string             `json:"to"`
	CreatedAt  time.Time          `json:"created_at"`
	Currency   string             `json:"currency"`
	Total      money.Amount       `json:"total"`
	ReceiptURL string             `json:"receipt_url,omitempty"`
	Items      []ConfirmationItem `json:"items"`
}

// ConfirmationItem is one purchased line.
type ConfirmationItem struct {
	Name      string       `json:"name"`
	Quantity  int64        `json:"quantity"`
	LineTotal money.Amount `json:"line_total"`
}

// FromOrder builds the confirmation for a recorded order.
func FromOrder(o *orders.Order) Confirmation {
	c := Confirmation{
		OrderID:    o.ID,
		SessionID:  o.StripeSessionID,
		To:         o.CustomerEmail,
		CreatedAt:  o.CreatedAt,
		Currency:   o.Currency,
		Total:      o.TotalAmount,
		ReceiptURL: o.ReceiptURL,
	}
	for _, it := range o.Items {
		c.Items = append(c.Items, ConfirmationItem{Name: it.ProductName, Quantity: it.Quantity, LineTotal: it.LineTotal()})
	}
	return c
}

// Message is a rendered email.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
}

type view struct {
	OrderID    string
	Date       string
	Total      string
	ReceiptURL string
	Items      []viewItem
}

type viewItem struct {
	Name     string
	Quantity int64
	Total    string
}

var htmlBody = htmltemplate.Must(htmltemplate.New("html").Parse(`<div style="font-family: Arial, sans-serif; color: #111827;">
  <h2 style="color: #047857;">Thank you for your order!</h2>
  <p>Order ID: <strong>{{.OrderID}}</strong></p>
  <p>Order date: {{.Date}}</p>
  <table style="border-collapse: collapse; width: 100%; margin-top: 16px;">
    <thead>
      <tr>
        <th style="padding: 6px 8px; border: 1px solid #e5e7eb; text-align: left;">Item</th>
        <th style="padding: 6px 8px; border: 1px solid #e5e7eb;">Qty</th>
        <th style="padding: 6px 8px; border: 1px solid #e5e7eb; text-align: right;">Total</th>
      </tr>
    </thead>
    <tbody>
{{- range .Items}}
      <tr>
        <td style="padding: 4px 8px; border: 1px solid #e5e7eb;">{{.Name}}</td>
        <td style="padding: 4px 8px; border: 1px solid #e5e7eb; text-align: center;">{{.Quantity}}</td>
        <td style="padding: 4px 8px; border: 1px solid #e5e7eb; text-align: right;">{{.Total}}</td>
      </tr>
{{- end}}
    </tbody>
  </table>
  <p style="margin-top: 16px; font-size: 16px;">Order total: <strong>{{.Total}}</strong></p>
{{- if .ReceiptURL}}
  <p>You can download your receipt <a href="{{.ReceiptURL}}">here</a>.</p>
{{- end}}
  <p style="margin-top: 24px;">We'll send another update when your kits ship.</p>
</div>
`))

var textBody = texttemplate.Must(texttemplate.New("text").Parse(`Thank you for your order!
Order ID: {{.OrderID}}
Order date: {{.Date}}
{{range .Items}}- {{.Quantity}} x {{.Name}} ({{.Total}})
{{end}}Total: {{.Total}}
{{if .ReceiptURL}}Receipt: {{.ReceiptURL}}
{{end}}We'll send another update when your kits ship.
`))

// Render produces the HTML and plain text bodies for c.
func Render(c Confirmation) (Message, error) {
	v := view{
		OrderID:    c.OrderID,
		Date:       c.CreatedAt.UTC().Format("January 2, 2006 3:04 PM MST"),
		Total:      formatMoney(c.Currency, c.Total),
		ReceiptURL: c.ReceiptURL,
	}
	for _, it := range c.Items {
		name := it.Name
		if name == "" {
			name = "Item"
		}
		v.Items = append(v.Items, viewItem{Name: name, Quantity: it.Quantity, Total: formatMoney(c.Currency, it.LineTotal)})
	}

	var h, t bytes.Buffer
	if err := htmlBody.Execute(&h, v); err != nil {
		return Message{}, fmt.Errorf("render html confirmation: %w", err)
	}
	if err := textBody.Execute(&t, v); err != nil {
		return Message{}, fmt.Errorf("render text confirmation: %w", err)
	}
	return Message{To: []string{c.To}, Subject: Subject, HTML: h.String(), Text: t.String()}, nil
}

func formatMoney(currency string, a money.Amount) string {
	if strings.EqualFold(currency, "usd") || currency == "" {
		return "$" + a.StringFixed(2)
	}
	return a.StringFixed(2) + " " + strings.ToUpper(currency)
}
