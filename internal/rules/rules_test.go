package rules

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func cond(result bool, conn model.Connective) model.Condition {
	v := "false"
	if result {
		v = "true"
	}
	return model.Condition{Attribute: "test", Value: v, LogicalOperator: conn}
}

func TestFold_LeftToRightShortCircuit(t *testing.T) {
	tests := []struct {
		name      string
		conds     []model.Condition
		want      bool
		wantEvals int
	}{
		{"empty matches", nil, true, 0},
		{"single true", []model.Condition{cond(true, "")}, true, 1},
		{"false AND stops", []model.Condition{cond(false, ""), cond(true, model.ConnAnd), cond(true, model.ConnOr)}, false, 1},
		{"true OR stops", []model.Condition{cond(true, ""), cond(false, model.ConnOr), cond(false, model.ConnAnd)}, true, 1},
		{"true AND false", []model.Condition{cond(true, ""), cond(false, model.ConnAnd)}, false, 2},
		{"false OR true", []model.Condition{cond(false, ""), cond(true, model.ConnOr)}, true, 2},
		// No precedence: (true AND false) OR true, not true AND (false OR true).
		{"no precedence", []model.Condition{cond(true, ""), cond(false, model.ConnAnd), cond(true, model.ConnOr)}, true, 3},
		{"empty connective is AND", []model.Condition{cond(false, ""), cond(true, "")}, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evals := 0
			got := fold(tt.conds, func(c model.Condition) bool {
				evals++
				return c.Value == "true"
			})
			if got != tt.want {
				t.Errorf("result = %v, want %v", got, tt.want)
			}
			if evals != tt.wantEvals {
				t.Errorf("evaluated %d conditions, want %d", evals, tt.wantEvals)
			}
		})
	}
}

func TestEvaluate_Operators(t *testing.T) {
	f := &Facts{
		Security: &model.Security{
			ID: "US0378331005", Type: "EQUITY", Issuer: "Apple Inc", Market: "US",
			ExternalIDs: map[string]string{"ISIN": "US0378331005"},
		},
		NetPosition: d(5000),
		BorrowedQty: d(100),
	}

	tests := []struct {
		c    model.Condition
		want bool
	}{
		{model.Condition{Attribute: "market", Operator: model.OpEquals, Value: "US"}, true},
		{model.Condition{Attribute: "market", Operator: model.OpNotEquals, Value: "US"}, false},
		{model.Condition{Attribute: "type", Operator: model.OpIn, Value: "ETF, EQUITY"}, true},
		{model.Condition{Attribute: "type", Operator: model.OpNotIn, Value: "ETF,BOND"}, true},
		{model.Condition{Attribute: "issuer", Operator: model.OpContains, Value: "Apple"}, true},
		{model.Condition{Attribute: "securityId", Operator: model.OpStartsWith, Value: "US"}, true},
		{model.Condition{Attribute: "externalId.ISIN", Operator: model.OpEquals, Value: "US0378331005"}, true},
		{model.Condition{Attribute: "externalId.CUSIP", Operator: model.OpEquals, Value: ""}, false},
		{model.Condition{Attribute: "netPosition", Operator: model.OpGreaterThan, Value: "4999"}, true},
		{model.Condition{Attribute: "netPosition", Operator: model.OpGreaterOrEqual, Value: "5000"}, true},
		{model.Condition{Attribute: "netPosition", Operator: model.OpLessThan, Value: "5000"}, false},
		{model.Condition{Attribute: "borrowedQty", Operator: model.OpLessOrEqual, Value: "100.0"}, true},
		{model.Condition{Attribute: "netPosition", Operator: model.OpEquals, Value: "5000.00"}, true},
		{model.Condition{Attribute: "netPosition", Operator: model.OpIn, Value: "1, 5000"}, true},
		{model.Condition{Attribute: "netPosition", Operator: model.OpGreaterThan, Value: "lots"}, false},
		{model.Condition{Attribute: "sector", Operator: model.OpEquals, Value: "TECH"}, false},
	}

	for _, tt := range tests {
		if got := Evaluate([]model.Condition{tt.c}, f); got != tt.want {
			t.Errorf("%s %s %q = %v, want %v", tt.c.Attribute, tt.c.Operator, tt.c.Value, got, tt.want)
		}
	}
}

func TestAdjustment(t *testing.T) {
	base := d(1000)
	tests := []struct {
		actions []model.Action
		want    decimal.Decimal
	}{
		{[]model.Action{{Type: model.ActionFixedQuantity, Value: d(250)}}, d(250)},
		{[]model.Action{{Type: model.ActionPercentOfPosition, Value: d(12.5)}}, d(125)},
		{[]model.Action{{Type: model.ActionFullPosition}}, d(1000)},
		{[]model.Action{{Type: model.ActionFixedQuantity, Value: d(10)}, {Type: model.ActionPercentOfPosition, Value: d(50)}}, d(510)},
		{nil, decimal.Zero},
	}
	for i, tt := range tests {
		if got := Adjustment(tt.actions, base); !got.Equal(tt.want) {
			t.Errorf("case %d: got %s, want %s", i, got, tt.want)
		}
	}
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return NewService(ms, NewCache(ms)), ms
}

func TestCreateRule_MissingFields(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateRule(context.Background(), model.CalculationRule{})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := apperr.FieldErrors(err)
	for _, f := range []string{"name", "ruleType", "market"} {
		if fields[f] != f+" is required" {
			t.Errorf("field %s: got %q", f, fields[f])
		}
	}
}

func TestCreateRule_InvalidConditions(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateRule(context.Background(), model.CalculationRule{
		Name: "bad", RuleType: model.RuleInclusion, Market: "US",
		Conditions: []model.Condition{{Attribute: "colour", Operator: "LIKE"}},
		Actions:    []model.Action{{Type: "HALF"}},
	})
	fields := apperr.FieldErrors(err)
	for _, f := range []string{"conditions[0].attribute", "conditions[0].operator", "actions[0].type"} {
		if _, ok := fields[f]; !ok {
			t.Errorf("missing field error %s in %v", f, fields)
		}
	}
}

func TestCreateRule_ActiveNameUniquePerMarket(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	base := model.CalculationRule{Name: "Restricted", RuleType: model.RuleExclusion, Market: "US"}

	if _, err := svc.CreateRule(ctx, base); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.CreateRule(ctx, base); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("duplicate active name should fail, got %v", err)
	}

	other := base
	other.Market = "UK"
	if _, err := svc.CreateRule(ctx, other); err != nil {
		t.Errorf("same name in another market should succeed: %v", err)
	}

	draft := base
	draft.Status = model.RuleDraft
	if _, err := svc.CreateRule(ctx, draft); err != nil {
		t.Errorf("draft with same name should succeed: %v", err)
	}
}

func TestRuleLookups(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateRule(ctx, model.CalculationRule{Name: "HK-Incl", RuleType: model.RuleInclusion, Market: "HK"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.CreateRule(ctx, model.CalculationRule{Name: "HK-Excl", RuleType: model.RuleExclusion, Market: "HK"})
	svc.CreateRule(ctx, model.CalculationRule{Name: "HK-Draft", RuleType: model.RuleInclusion, Market: "HK", Status: model.RuleDraft})

	got, err := svc.RuleByNameAndMarket(ctx, "HK-Incl", "HK")
	if err != nil || got.ID != created.ID {
		t.Fatalf("lookup by name: %v %+v", err, got)
	}
	if _, err := svc.RuleByNameAndMarket(ctx, "HK-Incl", "JP"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	byType, _ := svc.RulesByTypeAndMarket(ctx, model.RuleInclusion, "HK")
	if len(byType) != 2 {
		t.Errorf("expected 2 inclusion rules in HK, got %d", len(byType))
	}
	active, _ := svc.ActiveRules(ctx)
	if len(active) != 2 {
		t.Errorf("expected 2 active rules, got %d", len(active))
	}
}

func TestUpdateRule(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	r, _ := svc.CreateRule(ctx, model.CalculationRule{Name: "A", RuleType: model.RuleInclusion, Market: "US", Priority: 5})
	upd := *r
	upd.Priority = 1
	upd.Status = model.RuleInactive
	got, err := svc.UpdateRule(ctx, upd)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Sequence != r.Sequence || !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("update should keep sequence and creation time")
	}

	active, _ := svc.ActiveRules(ctx)
	if len(active) != 0 {
		t.Errorf("inactive rule should not be active, got %d", len(active))
	}

	upd.ID = "missing"
	if _, err := svc.UpdateRule(ctx, upd); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestCache_OrderAndClear(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()

	svc.CreateRule(ctx, model.CalculationRule{Name: "p5", RuleType: model.RuleInclusion, Market: "US", Priority: 5})
	svc.CreateRule(ctx, model.CalculationRule{Name: "p1-first", RuleType: model.RuleInclusion, Market: "US", Priority: 1})
	svc.CreateRule(ctx, model.CalculationRule{Name: "p1-second", RuleType: model.RuleInclusion, Market: "US", Priority: 1})

	snap, err := svc.Cache().Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var names []string
	for _, r := range snap.Rules {
		names = append(names, r.Name)
	}
	want := []string{"p1-first", "p1-second", "p5"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}

	// A write behind the service's back is invisible until the cache is cleared.
	ms.InsertRule(ctx, &model.CalculationRule{ID: "direct", Name: "direct", RuleType: model.RuleInclusion, Market: "US", Status: model.RuleActive})
	again, _ := svc.Cache().Snapshot(ctx)
	if again != snap || len(again.Rules) != 3 {
		t.Fatalf("expected cached snapshot to be reused")
	}

	v := svc.ClearCache()
	fresh, _ := svc.Cache().Snapshot(ctx)
	if fresh.Version != v || len(fresh.Rules) != 4 {
		t.Errorf("after clear: version %d (want %d), %d rules", fresh.Version, v, len(fresh.Rules))
	}
}

func TestCache_ConcurrentReaders(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.CreateRule(ctx, model.CalculationRule{Name: "r", RuleType: model.RuleInclusion, Market: "US"})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%8 == 0 {
				svc.ClearCache()
			}
			snap, err := svc.Cache().Snapshot(ctx)
			if err != nil || len(snap.Rules) != 1 {
				t.Errorf("reader %d: err=%v", i, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestSnapshotSelect(t *testing.T) {
	snap := &Snapshot{Rules: []model.CalculationRule{
		{Name: "all-markets", RuleType: model.RuleInclusion, Market: AllMarkets, Status: model.RuleActive},
		{Name: "us-locate", RuleType: model.RuleExclusion, CalculationType: model.CalcLocate, Market: "US", Status: model.RuleActive},
		{Name: "us-loan", RuleType: model.RuleForLoan, Market: "US", Status: model.RuleActive},
		{Name: "uk", RuleType: model.RuleInclusion, Market: "UK", Status: model.RuleActive},
		{Name: "expired", RuleType: model.RuleInclusion, Market: "US", Status: model.RuleActive, ExpiryDate: "2024-01-01"},
	}}

	names := func(rs []model.CalculationRule) map[string]bool {
		m := map[string]bool{}
		for _, r := range rs {
			m[r.Name] = true
		}
		return m
	}

	loan := names(snap.Select("US", model.CalcForLoan, "2024-03-15"))
	if !loan["all-markets"] || !loan["us-loan"] || loan["us-locate"] || loan["uk"] || loan["expired"] {
		t.Errorf("unexpected FOR_LOAN selection %v", loan)
	}
	locate := names(snap.Select("US", model.CalcLocate, "2024-03-15"))
	if !locate["us-locate"] || locate["us-loan"] {
		t.Errorf("unexpected LOCATE selection %v", locate)
	}
}
