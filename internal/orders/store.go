package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/imrishuroy/kitstore-checkout/internal/aws"
)

// DynamoDB caps a transaction at 100 actions; one is the order itself.
const maxItemsPerOrder = 99

var (
	// ErrStatusMismatch is returned when a conditional status transition fails.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrTooManyItems is returned when an order cannot be written in one transaction.
	ErrTooManyItems = errors.New("too many order items for one transaction")
	// ErrOrderNotFound is returned by updates addressed to a missing order.
	ErrOrderNotFound = errors.New("order not found")
)

// Store encapsulates operations on the orders and order_items tables.
type Store struct {
	client     aws.DynamoDBAPI
	tableName  string
	itemsTable string
	nowFunc    func() time.Time
	newID      func() string
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName, itemsTable string) *Store {
	return &Store{
		client:     client,
		tableName:  tableName,
		itemsTable: itemsTable,
		nowFunc:    time.Now,
		newID:      uuid.NewString,
	}
}

// UpsertBySessionID records an order and its items in a single transaction.
// The order put is guarded by attribute_not_exists(stripe_session_id): when
// another delivery already recorded the session, nothing from this call is
// written except a Refresh of status and receipt, and the stored order is
// returned with created=false.
func (s *Store) UpsertBySessionID(ctx context.Context, order Order, items []Item) (*Order, bool, error) {
	if order.StripeSessionID == "" {
		return nil, false, errors.New("upsert order: empty session id")
	}
	if len(items) > maxItemsPerOrder {
		return nil, false, fmt.Errorf("upsert order %s: %w (%d)", order.StripeSessionID, ErrTooManyItems, len(items))
	}

	now := s.nowFunc().UTC()
	if order.ID == "" {
		order.ID = s.newID()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.Items = make([]Item, len(items))
	for i, it := range items {
		it.OrderID = order.ID
		if it.ID == "" {
			it.ID = s.newID()
		}
		order.Items[i] = it
	}

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return nil, false, fmt.Errorf("marshal order item: %w", err)
	}
	transactItems := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           sdkaws.String(s.tableName),
			Item:                orderMap,
			ConditionExpression: sdkaws.String("attribute_not_exists(stripe_session_id)"),
		},
	}}
	for _, it := range order.Items {
		m, err := attributevalue.MarshalMap(it)
		if err != nil {
			return nil, false, fmt.Errorf("marshal order line: %w", err)
		}
		transactItems = append(transactItems, types.TransactWriteItem{
			Put: &types.Put{TableName: sdkaws.String(s.itemsTable), Item: m},
		})
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err == nil {
		return &order, true, nil
	}
	if !orderAlreadyExists(err) {
		return nil, false, fmt.Errorf("transact write order %s: %w", order.StripeSessionID, err)
	}

	// Someone else recorded this session first; take the update path.
	if err := s.Refresh(ctx, order.StripeSessionID, order.Status, order.ReceiptURL); err != nil && !errors.Is(err, ErrOrderNotFound) {
		return nil, false, err
	}
	existing, err := s.GetBySessionID(ctx, order.StripeSessionID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("order %s vanished after conditional failure", order.StripeSessionID)
	}
	return existing, false, nil
}

// Refresh updates the mutable fields of a recorded order. Status only moves
// forward: pending may become processing, and nothing past processing is
// touched. The receipt URL is stored whenever one is given.
func (s *Store) Refresh(ctx context.Context, sessionID, status, receiptURL string) error {
	now := s.nowFunc().UTC().Format(time.RFC3339Nano)

	var cond string
	vals := map[string]types.AttributeValue{
		":s":       &types.AttributeValueMemberS{Value: status},
		":ua":      &types.AttributeValueMemberS{Value: now},
		":pending": &types.AttributeValueMemberS{Value: StatusPending},
	}
	switch status {
	case StatusProcessing:
		cond = "#s IN (:pending, :processing)"
		vals[":processing"] = &types.AttributeValueMemberS{Value: StatusProcessing}
	case StatusPending:
		cond = "#s = :pending"
	default:
		return fmt.Errorf("refresh order %s: unsupported status %q", sessionID, status)
	}
	update := "SET #s = :s, updated_at = :ua"
	if receiptURL != "" {
		update += ", receipt_url = :r"
		vals[":r"] = &types.AttributeValueMemberS{Value: receiptURL}
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 sdkaws.String(s.tableName),
		Key:                       sessionKey(sessionID),
		UpdateExpression:          sdkaws.String(update),
		ConditionExpression:       sdkaws.String(cond),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: vals,
	})
	if err == nil {
		return nil
	}
	if !isConditionalFailure(err) {
		return fmt.Errorf("refresh order %s: %w", sessionID, err)
	}

	// Status is already ahead of (or unrelated to) this event.
	if receiptURL == "" {
		return s.ensureExists(ctx, sessionID)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           sdkaws.String(s.tableName),
		Key:                 sessionKey(sessionID),
		UpdateExpression:    sdkaws.String("SET receipt_url = :r, updated_at = :ua"),
		ConditionExpression: sdkaws.String("attribute_exists(stripe_session_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":r":  &types.AttributeValueMemberS{Value: receiptURL},
			":ua": &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("refresh receipt for order %s: %w", sessionID, err)
	}
	return nil
}

// UpdateStatus conditionally updates the order status from expected -> newStatus.
// Returns nil on success, ErrStatusMismatch if condition failed.
func (s *Store) UpdateStatus(ctx context.Context, sessionID, expectedStatus, newStatus string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                sdkaws.String(s.tableName),
		Key:                      sessionKey(sessionID),
		UpdateExpression:         sdkaws.String("SET #s = :new, updated_at = :ua"),
		ConditionExpression:      sdkaws.String("#s = :expected"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: newStatus},
			":expected": &types.AttributeValueMemberS{Value: expectedStatus},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update status of order %s: %w", sessionID, err)
	}
	return nil
}

// MarkCartReleased records that the cart rows consumed by the order were
// released. Marking twice is not an error.
func (s *Store) MarkCartReleased(ctx context.Context, sessionID string) error {
	now, err := attributevalue.Marshal(s.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           sdkaws.String(s.tableName),
		Key:                 sessionKey(sessionID),
		UpdateExpression:    sdkaws.String("SET cart_released_at = :t"),
		ConditionExpression: sdkaws.String("attribute_exists(stripe_session_id) AND attribute_not_exists(cart_released_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": now,
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionalFailure(err) {
		return fmt.Errorf("mark cart released for order %s: %w", sessionID, err)
	}
	return s.ensureExists(ctx, sessionID)
}

// ClaimConfirmation marks the confirmation email as sent and reports whether
// this caller set the mark. Only the caller that gets true may send.
func (s *Store) ClaimConfirmation(ctx context.Context, sessionID string) (bool, error) {
	now, err := attributevalue.Marshal(s.nowFunc().UTC())
	if err != nil {
		return false, fmt.Errorf("marshal timestamp: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           sdkaws.String(s.tableName),
		Key:                 sessionKey(sessionID),
		UpdateExpression:    sdkaws.String("SET confirmation_sent_at = :t"),
		ConditionExpression: sdkaws.String("attribute_exists(stripe_session_id) AND attribute_not_exists(confirmation_sent_at)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": now,
		},
	})
	if err == nil {
		return true, nil
	}
	if !isConditionalFailure(err) {
		return false, fmt.Errorf("claim confirmation for order %s: %w", sessionID, err)
	}
	return false, s.ensureExists(ctx, sessionID)
}

// UnclaimConfirmation clears the mark after a failed send so a later
// delivery of the event may try again.
func (s *Store) UnclaimConfirmation(ctx context.Context, sessionID string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           sdkaws.String(s.tableName),
		Key:                 sessionKey(sessionID),
		UpdateExpression:    sdkaws.String("REMOVE confirmation_sent_at"),
		ConditionExpression: sdkaws.String("attribute_exists(stripe_session_id)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("unclaim confirmation for order %s: %w", sessionID, err)
	}
	return nil
}

// GetBySessionID fetches an order and its items. Returns (nil, nil) if not found.
func (s *Store) GetBySessionID(ctx context.Context, sessionID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      sdkaws.String(s.tableName),
		Key:            sessionKey(sessionID),
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", sessionID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}

	p := dyn.NewQueryPaginator(s.client, &dyn.QueryInput{
		TableName:              sdkaws.String(s.itemsTable),
		KeyConditionExpression: sdkaws.String("order_id = :oid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":oid": &types.AttributeValueMemberS{Value: o.ID},
		},
		ConsistentRead: sdkaws.Bool(true),
	})
	o.Items = []Item{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query items of order %s: %w", o.ID, err)
		}
		var batch []Item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal order items: %w", err)
		}
		o.Items = append(o.Items, batch...)
	}
	return &o, nil
}

func (s *Store) ensureExists(ctx context.Context, sessionID string) error {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:            sdkaws.String(s.tableName),
		Key:                  sessionKey(sessionID),
		ProjectionExpression: sdkaws.String("stripe_session_id"),
	})
	if err != nil {
		return fmt.Errorf("get order %s: %w", sessionID, err)
	}
	if len(out.Item) == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func sessionKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"stripe_session_id": &types.AttributeValueMemberS{Value: sessionID},
	}
}

// orderAlreadyExists reports whether a transaction was canceled because the
// order put's attribute_not_exists guard failed.
func orderAlreadyExists(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if len(tce.CancellationReasons) == 0 {
		return false
	}
	return sdkaws.ToString(tce.CancellationReasons[0].Code) == "ConditionalCheckFailed"
}

func isConditionalFailure(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}
