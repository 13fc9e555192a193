package cart

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/imrishuroy/kitstore-checkout/internal/dynamotest"
)

const table = "cart_items"

func newTestStore(t *testing.T) (*Store, *dynamotest.Fake) {
	t.Helper()
	db := dynamotest.New()
	db.CreateTable(table, "user_id", "product_id")
	s := NewStore(db, table)
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("row-%d", n)
	}
	s.nowFunc = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, db
}

func TestAdd_IncrementsExistingRow(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	first, err := s.Add(ctx, "u1", "prod-a", 1)
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	second, err := s.Add(ctx, "u1", "prod-a", 2)
	if err != nil {
		t.Fatalf("second Add error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same row id, got %s and %s", first.ID, second.ID)
	}
	if second.Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", second.Quantity)
	}
	if db.Count(table) != 1 {
		t.Fatalf("expected a single row, got %d", db.Count(table))
	}

	items, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(items) != 1 || items[0].Quantity != 3 {
		t.Fatalf("unexpected cart %+v", items)
	}
}

func TestAdd_Limits(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Add(ctx, "u1", "prod-a", 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := s.Add(ctx, "u1", "prod-a", 98); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if _, err := s.Add(ctx, "u1", "prod-a", 2); !errors.Is(err, ErrQuantityLimit) {
		t.Fatalf("expected ErrQuantityLimit, got %v", err)
	}
}

func TestList_ScopedToUser(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"prod-b", "prod-a"} {
		if _, err := s.Add(ctx, "u1", p, 1); err != nil {
			t.Fatalf("Add error: %v", err)
		}
	}
	if _, err := s.Add(ctx, "u2", "prod-c", 1); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	items, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(items) != 2 || items[0].ProductID != "prod-a" || items[1].ProductID != "prod-b" {
		t.Fatalf("unexpected items %+v", items)
	}

	empty, err := s.List(ctx, "nobody")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", empty)
	}
}

func TestSetQuantity(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SetQuantity(ctx, "u1", "prod-a", 2); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
	if _, err := s.Add(ctx, "u1", "prod-a", 1); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	it, err := s.SetQuantity(ctx, "u1", "prod-a", 5)
	if err != nil {
		t.Fatalf("SetQuantity error: %v", err)
	}
	if it.Quantity != 5 || it.ID != "row-1" {
		t.Fatalf("unexpected item %+v", it)
	}

	it, err = s.SetQuantity(ctx, "u1", "prod-a", 0)
	if err != nil || it != nil {
		t.Fatalf("expected removal, got %+v %v", it, err)
	}
	if db.Count(table) != 0 {
		t.Fatalf("expected row removed")
	}
}

func TestClear(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	for _, p := range []string{"prod-a", "prod-b"} {
		if _, err := s.Add(ctx, "u1", p, 1); err != nil {
			t.Fatalf("Add error: %v", err)
		}
	}
	if _, err := s.Add(ctx, "u2", "prod-a", 1); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := s.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if db.Count(table) != 1 {
		t.Fatalf("expected only u2's row to remain, got %d", db.Count(table))
	}
}

func TestRelease_OnlyCapturedRows(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, _ := s.Add(ctx, "u1", "prod-a", 2)
	b, _ := s.Add(ctx, "u1", "prod-b", 1)
	c, _ := s.Add(ctx, "u1", "prod-c", 1)

	captured := []Purchased{
		{ProductID: "prod-a", ItemID: a.ID, Quantity: 2},
		{ProductID: "prod-b", ItemID: b.ID, Quantity: 1},
		{ProductID: "prod-c", ItemID: c.ID, Quantity: 1},
	}

	// after checkout: more of A added, C removed and re-added, D added
	if _, err := s.Add(ctx, "u1", "prod-a", 1); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := s.Remove(ctx, "u1", "prod-c"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if _, err := s.Add(ctx, "u1", "prod-c", 4); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if _, err := s.Add(ctx, "u1", "prod-d", 1); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	if err := s.Release(ctx, "u1", "order-1", captured); err != nil {
		t.Fatalf("Release error: %v", err)
	}

	items, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	got := map[string]int{}
	for _, it := range items {
		got[it.ProductID] = it.Quantity
	}
	want := map[string]int{"prod-a": 1, "prod-c": 4, "prod-d": 1}
	if len(got) != len(want) {
		t.Fatalf("unexpected cart after release: %+v", got)
	}
	for p, q := range want {
		if got[p] != q {
			t.Fatalf("product %s: expected quantity %d, got %d", p, q, got[p])
		}
	}

	// replaying the release for the same order must not subtract again
	if err := s.Release(ctx, "u1", "order-1", captured); err != nil {
		t.Fatalf("second Release error: %v", err)
	}
	items, _ = s.List(ctx, "u1")
	got = map[string]int{}
	for _, it := range items {
		got[it.ProductID] = it.Quantity
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected cart after replay: %+v", got)
	}
	for p, q := range want {
		if got[p] != q {
			t.Fatalf("after replay, product %s: expected quantity %d, got %d", p, q, got[p])
		}
	}
}

func TestRelease_LaterOrderConsumesRemainder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.Add(ctx, "u1", "prod-a", 2)
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if _, err := s.Add(ctx, "u1", "prod-a", 1); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	// first order paid for 2 of the 3
	if err := s.Release(ctx, "u1", "order-1", []Purchased{{ProductID: "prod-a", ItemID: a.ID, Quantity: 2}}); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	// a replay of the first order leaves the remaining unit alone
	if err := s.Release(ctx, "u1", "order-1", []Purchased{{ProductID: "prod-a", ItemID: a.ID, Quantity: 2}}); err != nil {
		t.Fatalf("replayed Release error: %v", err)
	}
	items, _ := s.List(ctx, "u1")
	if len(items) != 1 || items[0].Quantity != 1 {
		t.Fatalf("expected one unit left, got %+v", items)
	}

	// a second order buys the remaining unit
	if err := s.Release(ctx, "u1", "order-2", []Purchased{{ProductID: "prod-a", ItemID: a.ID, Quantity: 1}}); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	items, _ = s.List(ctx, "u1")
	if len(items) != 0 {
		t.Fatalf("expected empty cart, got %+v", items)
	}
}

func TestRelease_StorageError(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	a, _ := s.Add(ctx, "u1", "prod-a", 1)

	db.FailNext("DeleteItem", errors.New("throttled"))
	err := s.Release(ctx, "u1", "order-1", []Purchased{{ProductID: "prod-a", ItemID: a.ID, Quantity: 1}})
	if err == nil {
		t.Fatalf("expected error from storage failure")
	}
}
