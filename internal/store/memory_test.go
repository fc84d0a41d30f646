package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/model"
)

func TestMemoryStore_PositionCopies(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	p := &model.Position{BookID: "B1", SecurityID: "S1", BusinessDate: "2024-03-15", SettledQty: decimal.NewFromInt(10)}
	if err := ms.UpsertPosition(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	p.SettledQty = decimal.NewFromInt(99)

	got, err := ms.GetPosition(ctx, model.PositionKey{BookID: "B1", SecurityID: "S1", BusinessDate: "2024-03-15"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.SettledQty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("store should hold a copy, got settled=%s", got.SettledQty)
	}

	_, err = ms.GetPosition(ctx, model.PositionKey{BookID: "B2", SecurityID: "S1", BusinessDate: "2024-03-15"})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMemoryStore_RuleSequence(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	a := &model.CalculationRule{ID: "a", Name: "A"}
	b := &model.CalculationRule{ID: "b", Name: "B"}
	ms.InsertRule(ctx, a)
	ms.InsertRule(ctx, b)
	if a.Sequence != 1 || b.Sequence != 2 {
		t.Fatalf("unexpected sequences %d, %d", a.Sequence, b.Sequence)
	}

	a.Name = "A2"
	a.Sequence = 42
	if err := ms.UpdateRule(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}
	if a.Sequence != 1 {
		t.Errorf("update should keep sequence, got %d", a.Sequence)
	}

	rules, _ := ms.ListRules(ctx)
	if len(rules) != 2 || rules[0].ID != "a" || rules[0].Name != "A2" {
		t.Errorf("unexpected rules %+v", rules)
	}
}

func TestMemoryStore_CompareAndSwapLocate(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	loc := &model.LocateRequest{RequestID: "L1", Status: model.LocatePending, RequestTimestamp: time.Now()}
	if err := ms.InsertLocate(ctx, loc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := loc.Clone()
			if i%2 == 0 {
				next.Status = model.LocateApproved
			} else {
				next.Status = model.LocateRejected
			}
			err := ms.CompareAndSwapLocate(ctx, next, model.LocatePending)
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, ErrStatusChanged) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestMemoryStore_ValidationLatestByOrder(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	ms.InsertValidation(ctx, &model.OrderValidation{ValidationID: "v1", OrderID: "O1", Status: model.ValidationRejected})
	ms.InsertValidation(ctx, &model.OrderValidation{ValidationID: "v2", OrderID: "O1", Status: model.ValidationApproved})

	v, err := ms.GetValidationByOrder(ctx, "O1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.ValidationID != "v2" {
		t.Errorf("expected latest validation v2, got %s", v.ValidationID)
	}
	if _, err := ms.GetValidationByOrder(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
