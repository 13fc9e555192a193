package cart

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/imrishuroy/kitstore-checkout/internal/aws"
)

const addAttempts = 3

// Store keeps per-user carts in DynamoDB, keyed by (user_id, product_id).
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
	newID     func() string
}

// NewStore returns a cart Store bound to tableName.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
		newID:     uuid.NewString,
	}
}

// List returns every row in the user's cart ordered by product id.
func (s *Store) List(ctx context.Context, userID string) ([]Item, error) {
	p := dyn.NewQueryPaginator(s.client, &dyn.QueryInput{
		TableName:              sdkaws.String(s.tableName),
		KeyConditionExpression: sdkaws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
		ConsistentRead: sdkaws.Bool(true),
	})

	items := []Item{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query cart: %w", err)
		}
		var batch []Item
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal cart items: %w", err)
		}
		items = append(items, batch...)
	}
	return items, nil
}

// Add puts qty of a product in the cart. An existing row is incremented,
// never duplicated.
func (s *Store) Add(ctx context.Context, userID, productID string, qty int) (*Item, error) {
	if qty < 1 {
		return nil, ErrInvalidQuantity
	}

	for attempt := 0; attempt < addAttempts; attempt++ {
		cur, err := s.get(ctx, userID, productID)
		if err != nil {
			return nil, err
		}

		now := s.nowFunc().UTC()
		if cur == nil {
			if qty > MaxQuantity {
				return nil, ErrQuantityLimit
			}
			item := Item{
				UserID:    userID,
				ProductID: productID,
				ID:        s.newID(),
				Quantity:  qty,
				CreatedAt: now,
				UpdatedAt: now,
			}
			created, err := s.putNew(ctx, item)
			if err != nil {
				return nil, err
			}
			if created {
				return &item, nil
			}
			continue
		}

		next := cur.Quantity + qty
		if next > MaxQuantity {
			return nil, ErrQuantityLimit
		}
		swapped, err := s.swapQuantity(ctx, *cur, next, now)
		if err != nil {
			return nil, err
		}
		if swapped {
			cur.Quantity = next
			cur.UpdatedAt = now
			return cur, nil
		}
	}
	return nil, ErrTooManyConflicts
}

// SetQuantity overwrites the quantity of an existing row. A quantity of zero
// or less removes the row and returns (nil, nil).
func (s *Store) SetQuantity(ctx context.Context, userID, productID string, qty int) (*Item, error) {
	if qty <= 0 {
		return nil, s.Remove(ctx, userID, productID)
	}
	if qty > MaxQuantity {
		return nil, ErrQuantityLimit
	}

	ua, err := attributevalue.Marshal(s.nowFunc().UTC())
	if err != nil {
		return nil, fmt.Errorf("marshal timestamp: %w", err)
	}
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           sdkaws.String(s.tableName),
		Key:                 key(userID, productID),
		UpdateExpression:    sdkaws.String("SET quantity = :q, updated_at = :ua"),
		ConditionExpression: sdkaws.String("attribute_exists(product_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":q":  number(qty),
			":ua": ua,
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionalFailure(err) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("update cart item: %w", err)
	}
	var item Item
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, fmt.Errorf("unmarshal cart item: %w", err)
	}
	return &item, nil
}

// Remove deletes the user's row for productID. Removing an absent row is not an error.
func (s *Store) Remove(ctx context.Context, userID, productID string) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: sdkaws.String(s.tableName),
		Key:       key(userID, productID),
	})
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	return nil
}

// Clear removes every row in the user's cart.
func (s *Store) Clear(ctx context.Context, userID string) error {
	items, err := s.List(ctx, userID)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := s.Remove(ctx, userID, it.ProductID); err != nil {
			return err
		}
	}
	return nil
}

// Release removes the rows order orderID consumed. A row is only touched
// when its id still matches the captured id: rows removed and re-added since
// checkout are left alone, and rows whose quantity grew since checkout keep
// the extra quantity. Each touched row remembers orderID, so replaying a
// release for the same order changes nothing.
func (s *Store) Release(ctx context.Context, userID, orderID string, purchased []Purchased) error {
	var errs []error
	for _, p := range purchased {
		if p.ItemID == "" || p.ProductID == "" {
			continue
		}
		if err := s.release(ctx, userID, orderID, p); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", p.ItemID, err))
		}
	}
	return errors.Join(errs...)
}

// notReleasedBy guards a release condition so it matches only rows the
// order has not already released. AND binds tighter than OR.
func notReleasedBy(guard string) string {
	return guard + " AND attribute_not_exists(released_by) OR " + guard + " AND released_by <> :oid"
}

func (s *Store) release(ctx context.Context, userID, orderID string, p Purchased) error {
	vals := map[string]types.AttributeValue{
		":id":  &types.AttributeValueMemberS{Value: p.ItemID},
		":q":   number(p.Quantity),
		":oid": &types.AttributeValueMemberS{Value: orderID},
	}

	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:                 sdkaws.String(s.tableName),
		Key:                       key(userID, p.ProductID),
		ConditionExpression:       sdkaws.String(notReleasedBy("id = :id AND quantity <= :q")),
		ExpressionAttributeValues: vals,
	})
	if err == nil {
		return nil
	}
	if !isConditionalFailure(err) {
		return fmt.Errorf("delete: %w", err)
	}

	ua, err := attributevalue.Marshal(s.nowFunc().UTC())
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}
	vals[":ua"] = ua
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 sdkaws.String(s.tableName),
		Key:                       key(userID, p.ProductID),
		UpdateExpression:          sdkaws.String("SET quantity = quantity - :q, released_by = :oid, updated_at = :ua"),
		ConditionExpression:       sdkaws.String(notReleasedBy("id = :id AND quantity > :q")),
		ExpressionAttributeValues: vals,
	})
	if err == nil {
		log.Printf("[cart] kept row user=%s product=%s with quantity added after checkout", userID, p.ProductID)
		return nil
	}
	if isConditionalFailure(err) {
		// row is gone, was replaced by a newer one, or this order already released it
		return nil
	}
	return fmt.Errorf("decrement: %w", err)
}

func (s *Store) get(ctx context.Context, userID, productID string) (*Item, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      sdkaws.String(s.tableName),
		Key:            key(userID, productID),
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get cart item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var it Item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal cart item: %w", err)
	}
	return &it, nil
}

func (s *Store) putNew(ctx context.Context, item Item) (bool, error) {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return false, fmt.Errorf("marshal cart item: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           sdkaws.String(s.tableName),
		Item:                av,
		ConditionExpression: sdkaws.String("attribute_not_exists(product_id)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("put cart item: %w", err)
	}
	return true, nil
}

func (s *Store) swapQuantity(ctx context.Context, cur Item, next int, now time.Time) (bool, error) {
	ua, err := attributevalue.Marshal(now)
	if err != nil {
		return false, fmt.Errorf("marshal timestamp: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           sdkaws.String(s.tableName),
		Key:                 key(cur.UserID, cur.ProductID),
		UpdateExpression:    sdkaws.String("SET quantity = :next, updated_at = :ua"),
		ConditionExpression: sdkaws.String("id = :id AND quantity = :prev"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":next": number(next),
			":prev": number(cur.Quantity),
			":id":   &types.AttributeValueMemberS{Value: cur.ID},
			":ua":   ua,
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("increment cart item: %w", err)
	}
	return true, nil
}

func key(userID, productID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id":    &types.AttributeValueMemberS{Value: userID},
		"product_id": &types.AttributeValueMemberS{Value: productID},
	}
}

func number(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func isConditionalFailure(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException"
}
