package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/kitstore-checkout/internal/aws"
)

// Store guards side effects that must happen once per key, such as sending
// an order confirmation. A worker acquires a time-bounded lease on the key;
// a crashed worker's lease expires and the key can be claimed again.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // how long records are kept
	lease     time.Duration // how long a claim is exclusive
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow, lease time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		lease:     lease,
		nowFunc:   time.Now,
	}
}

// Acquire claims key for the caller. A new key is created IN_PROGRESS; a
// FAILED key or an IN_PROGRESS key whose lease has lapsed is taken over.
func (s *Store) Acquire(ctx context.Context, key, subject string) (Decision, error) {
	now := s.nowFunc().UTC()
	rec := Record{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		Subject:        subject,
		Attempts:       1,
		LeaseUntil:     now.Add(s.lease).Unix(),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return Busy, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           sdkaws.String(s.tableName),
		Item:                item,
		ConditionExpression: sdkaws.String("attribute_not_exists(idempotency_key)"),
	})
	if err == nil {
		return Acquired, nil
	}
	if !isConditionalFailure(err) {
		return Busy, fmt.Errorf("put item: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                sdkaws.String(s.tableName),
		Key:                      recordKey(key),
		UpdateExpression:         sdkaws.String("SET #s = :ip, lease_until = :lu, attempts = attempts + :one, updated_at = :ua"),
		ConditionExpression:      sdkaws.String("#s <> :done AND lease_until < :now"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ip":   &types.AttributeValueMemberS{Value: StatusInProgress},
			":done": &types.AttributeValueMemberS{Value: StatusDone},
			":lu":   epoch(now.Add(s.lease)),
			":now":  epoch(now),
			":one":  &types.AttributeValueMemberN{Value: "1"},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err == nil {
		return Acquired, nil
	}
	if !isConditionalFailure(err) {
		return Busy, fmt.Errorf("update item (take over): %w", err)
	}

	cur, err := s.Get(ctx, key)
	if err != nil {
		return Busy, err
	}
	if cur != nil && cur.Status == StatusDone {
		return AlreadyDone, nil
	}
	return Busy, nil
}

// Get retrieves an idempotency record by key. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      sdkaws.String(s.tableName),
		Key:            recordKey(key),
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDone records that the guarded work completed.
func (s *Store) MarkDone(ctx context.Context, key, result string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                sdkaws.String(s.tableName),
		Key:                      recordKey(key),
		UpdateExpression:         sdkaws.String("SET #s = :done, #r = :r, updated_at = :ua"),
		ConditionExpression:      sdkaws.String("attribute_exists(idempotency_key)"),
		ExpressionAttributeNames: map[string]string{"#s": "status", "#r": "result"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done": &types.AttributeValueMemberS{Value: StatusDone},
			":r":    &types.AttributeValueMemberS{Value: result},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("update item (mark done): %w", err)
	}
	return nil
}

// MarkFailed releases the lease so the next delivery can retry at once.
func (s *Store) MarkFailed(ctx context.Context, key, note string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                sdkaws.String(s.tableName),
		Key:                      recordKey(key),
		UpdateExpression:         sdkaws.String("SET #s = :failed, note = :n, lease_until = :zero, updated_at = :ua"),
		ConditionExpression:      sdkaws.String("#s <> :done"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: StatusFailed},
			":done":   &types.AttributeValueMemberS{Value: StatusDone},
			":n":      &types.AttributeValueMemberS{Value: note},
			":zero":   &types.AttributeValueMemberN{Value: "0"},
			":ua":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return nil
		}
		return fmt.Errorf("update item (mark failed): %w", err)
	}
	return nil
}

func recordKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func epoch(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func isConditionalFailure(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}
