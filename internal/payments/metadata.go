package payments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Metadata keys attached to every checkout session.
const (
	MetadataUserID     = "user_id"
	MetadataTotalCents = "total_amount_cents"
	MetadataCartChunks = "cart_chunks"
	metadataCartPrefix = "cart_"
)

// Processor limits: 50 keys per object, 500 characters per value.
const (
	maxMetadataKeys     = 50
	maxMetadataValueLen = 500
	maxCartChunks       = maxMetadataKeys - 3
)

var (
	// ErrMetadataTooLarge means the cart cannot be described within the
	// processor's metadata limits.
	ErrMetadataTooLarge = errors.New("cart metadata exceeds processor limits")
	// ErrNoCartMetadata means the session carries no cart description.
	ErrNoCartMetadata = errors.New("no cart metadata")
	// ErrInvalidCartMetadata means the cart description is present but unreadable.
	ErrInvalidCartMetadata = errors.New("invalid cart metadata")
)

// CartLine is the compact per-line record captured at checkout.
type CartLine struct {
	ProductID  string `json:"p"`
	Quantity   int64  `json:"q"`
	UnitAmount int64  `json:"a"`
	PriceRef   string `json:"r,omitempty"`
	CartItemID string `json:"c"`
	Name       string `json:"n"`
}

// EncodeCartMetadata builds the session metadata for a cart. The compact
// JSON list is split across cart_0..cart_N values.
func EncodeCartMetadata(userID string, totalMinor int64, lines []CartLine) (map[string]string, error) {
	raw, err := json.Marshal(lines)
	if err != nil {
		return nil, fmt.Errorf("marshal cart metadata: %w", err)
	}
	chunks := splitRunes(string(raw), maxMetadataValueLen)
	if len(chunks) > maxCartChunks {
		return nil, fmt.Errorf("%w: %d chunks, limit %d", ErrMetadataTooLarge, len(chunks), maxCartChunks)
	}

	md := map[string]string{
		MetadataUserID:     userID,
		MetadataTotalCents: strconv.FormatInt(totalMinor, 10),
		MetadataCartChunks: strconv.Itoa(len(chunks)),
	}
	for i, c := range chunks {
		md[metadataCartPrefix+strconv.Itoa(i)] = c
	}
	return md, nil
}

// DecodeCartMetadata reverses EncodeCartMetadata. Unknown fields and
// malformed lines are rejected.
func DecodeCartMetadata(md map[string]string) ([]CartLine, error) {
	countStr, ok := md[MetadataCartChunks]
	if !ok {
		return nil, ErrNoCartMetadata
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 1 || count > maxCartChunks {
		return nil, fmt.Errorf("%w: bad chunk count %q", ErrInvalidCartMetadata, countStr)
	}

	var buf bytes.Buffer
	for i := 0; i < count; i++ {
		c, ok := md[metadataCartPrefix+strconv.Itoa(i)]
		if !ok {
			return nil, fmt.Errorf("%w: missing chunk %d", ErrInvalidCartMetadata, i)
		}
		buf.WriteString(c)
	}

	dec := json.NewDecoder(&buf)
	dec.DisallowUnknownFields()
	var lines []CartLine
	if err := dec.Decode(&lines); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCartMetadata, err)
	}
	for i, l := range lines {
		if l.ProductID == "" || l.CartItemID == "" || l.Quantity < 1 || l.UnitAmount < 0 {
			return nil, fmt.Errorf("%w: line %d incomplete", ErrInvalidCartMetadata, i)
		}
	}
	return lines, nil
}

// MetadataTotal returns the total_amount_cents value, if present.
func MetadataTotal(md map[string]string) (int64, bool) {
	v, ok := md[MetadataTotalCents]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// splitRunes cuts s into pieces of at most n characters without splitting
// a UTF-8 sequence.
func splitRunes(s string, n int) []string {
	var out []string
	for len(s) > 0 {
		count, cut := 0, 0
		for cut < len(s) && count < n {
			_, size := utf8.DecodeRuneInString(s[cut:])
			cut += size
			count++
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	return out
}
