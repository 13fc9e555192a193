package orders

import (
	"context"
	"log"

	"github.com/imrishuroy/kitstore-checkout/internal/apperr"
)

// Reader is the read side of Store used by Service.
type Reader interface {
	GetBySessionID(ctx context.Context, sessionID string) (*Order, error)
}

// Service answers order lookups on behalf of an authenticated user.
type Service struct {
	store Reader
}

// NewService returns a Service reading from store.
func NewService(store Reader) *Service {
	return &Service{store: store}
}

// GetForUser returns the order recorded for sessionID if it belongs to
// userID. A missing order is OrderNotFound (the caller polls until the
// webhook lands); an order owned by someone else is Forbidden.
func (s *Service) GetForUser(ctx context.Context, userID, sessionID string) (*Order, error) {
	if sessionID == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "session_id is required")
	}
	o, err := s.store.GetBySessionID(ctx, sessionID)
	if err != nil {
		log.Printf("[orders] lookup session=%s failed: %v", sessionID, err)
		return nil, apperr.Wrap(apperr.CodeInternal, "order lookup failed", err)
	}
	if o == nil {
		return nil, apperr.New(apperr.CodeOrderNotFound, "order not found")
	}
	if o.UserID != userID {
		log.Printf("[orders] user=%s denied order for session=%s", userID, sessionID)
		return nil, apperr.New(apperr.CodeForbidden, "order belongs to another user")
	}
	return o, nil
}
