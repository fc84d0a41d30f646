package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/inventory"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/position"
	"github.com/ims/calc-engine/internal/rules"
	"github.com/ims/calc-engine/internal/store"
)

const date = "2024-03-15"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store     *store.MemoryStore
	limits    *Service
	positions *position.Service
	rules     *rules.Service
}

// newTestEnv seeds AAPL with a net position of 10000. A SHORT_SELL
// exclusion of 4000 makes short availability 6000.
func newTestEnv(t *testing.T, shares Shares) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	ms.UpsertSecurity(ctx, &model.Security{ID: "AAPL", Market: "US"})

	ps := position.NewService(ms, ms)
	if err := ps.Seed(ctx, &model.Position{
		BookID: "B1", SecurityID: "AAPL", BusinessDate: date,
		ContractualQty: d(10000), SettledQty: d(10000),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cache := rules.NewCache(ms)
	rs := rules.NewService(ms, cache)
	if _, err := rs.CreateRule(ctx, model.CalculationRule{
		Name: "short-haircut", RuleType: model.RuleExclusion, CalculationType: model.CalcShortSell, Market: "US",
		Actions: []model.Action{{Type: model.ActionFixedQuantity, Value: d(4000)}},
	}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	calc := inventory.NewCalculator(ms, ps, cache, inventory.Policy{})
	svc := NewService(calc, shares)
	svc.now = func() time.Time { return time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC) }
	return &testEnv{store: ms, limits: svc, positions: ps, rules: rs}
}

func defaultShares() Shares {
	return Shares{
		Client:          d(0.5),
		AggregationUnit: d(1),
		Overrides:       map[string]decimal.Decimal{"VIP": d(0.9)},
	}
}

func TestClientAndAggregationUnitLimits(t *testing.T) {
	env := newTestEnv(t, defaultShares())
	ctx := context.Background()

	cl, err := env.limits.ClientLimit(ctx, "C1", "AAPL", date)
	if err != nil {
		t.Fatalf("client limit: %v", err)
	}
	if !cl.LongSellLimit.Equal(d(5000)) || !cl.ShortSellLimit.Equal(d(3000)) {
		t.Errorf("client limits long=%s short=%s", cl.LongSellLimit, cl.ShortSellLimit)
	}
	if cl.EntityType != model.EntityClient {
		t.Errorf("entity type = %s", cl.EntityType)
	}

	au, _ := env.limits.AggregationUnitLimit(ctx, "AU1", "AAPL", date)
	if !au.ShortSellLimit.Equal(d(6000)) {
		t.Errorf("AU short limit = %s, want 6000", au.ShortSellLimit)
	}

	vip, _ := env.limits.ClientLimit(ctx, "VIP", "AAPL", date)
	if !vip.LongSellLimit.Equal(d(9000)) {
		t.Errorf("override long limit = %s, want 9000", vip.LongSellLimit)
	}
}

func TestCheck_LesserOfBothLimits(t *testing.T) {
	env := newTestEnv(t, Shares{Client: d(1), AggregationUnit: d(0.5)})
	ctx := context.Background()

	tests := []struct {
		qty    float64
		typ    model.OrderType
		allow  bool
		reason error
	}{
		{3000, model.OrderShortSell, true, nil},
		{3001, model.OrderShortSell, false, ErrAggregationUnitLimitExceeded},
		{7000, model.OrderShortSell, false, ErrClientLimitExceeded},
		{5000, model.OrderLongSell, true, nil},
		{5001, model.OrderLongSell, false, ErrAggregationUnitLimitExceeded},
	}
	for _, tt := range tests {
		dec, err := env.limits.Check(ctx, Order{
			ClientID: "C1", AggregationUnitID: "AU1", SecurityID: "AAPL",
			OrderType: tt.typ, Quantity: d(tt.qty), BusinessDate: date,
		})
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if dec.Allowed != tt.allow || !errors.Is(dec.Reason, tt.reason) && tt.reason != nil {
			t.Errorf("%s %v: allowed=%v reason=%v", tt.typ, tt.qty, dec.Allowed, dec.Reason)
		}
	}

	ok, err := env.limits.ValidateOrder(ctx, "C1", "AU1", "AAPL", model.OrderShortSell, d(3000))
	if err != nil || !ok {
		t.Errorf("ValidateOrder = %v, %v", ok, err)
	}
}

func TestLimit_Errors(t *testing.T) {
	env := newTestEnv(t, defaultShares())
	ctx := context.Background()

	if _, err := env.limits.ClientLimit(ctx, "C1", "NOPE", date); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown security: expected not found, got %v", err)
	}
	if _, err := env.limits.ClientLimit(ctx, "C1", "AAPL", "03/15/2024"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("bad date: expected validation, got %v", err)
	}
	if _, err := env.limits.AggregationUnitLimit(ctx, "", "AAPL", date); apperr.FieldErrors(err)["aggregationUnitId"] == "" {
		t.Errorf("missing AU id: got %v", err)
	}
	if _, err := env.limits.Check(ctx, Order{ClientID: "C1", AggregationUnitID: "AU1", SecurityID: "AAPL", OrderType: "BUY", BusinessDate: date}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("bad order type: got %v", err)
	}
}

func TestLimit_FollowsPositionAndRuleChanges(t *testing.T) {
	env := newTestEnv(t, Shares{Client: d(1), AggregationUnit: d(1)})
	ctx := context.Background()

	before, _ := env.limits.ClientLimit(ctx, "C1", "AAPL", date)
	if !before.ShortSellLimit.Equal(d(6000)) {
		t.Fatalf("initial short limit %s", before.ShortSellLimit)
	}

	env.positions.ApplyTrade(ctx, position.TradeEvent{
		BookID: "B1", SecurityID: "AAPL", BusinessDate: date, Side: position.SideSell, Quantity: d(1000),
	})
	afterTrade, _ := env.limits.ClientLimit(ctx, "C1", "AAPL", date)
	if !afterTrade.ShortSellLimit.Equal(d(5000)) {
		t.Errorf("after sell short limit = %s, want 5000", afterTrade.ShortSellLimit)
	}

	env.rules.ClearCache()
	again, _ := env.limits.ClientLimit(ctx, "C1", "AAPL", date)
	if !again.ShortSellLimit.Equal(d(5000)) {
		t.Errorf("after cache clear short limit = %s, want 5000", again.ShortSellLimit)
	}
}

func TestRecalculateLimits_Idempotent(t *testing.T) {
	env := newTestEnv(t, defaultShares())
	ctx := context.Background()

	env.limits.ClientLimit(ctx, "C1", "AAPL", date)
	env.limits.AggregationUnitLimit(ctx, "AU1", "AAPL", date)
	env.limits.ClientLimit(ctx, "C1", "AAPL", "2024-03-14")

	n, err := env.limits.RecalculateLimits(ctx)
	if err != nil || n != 2 {
		t.Fatalf("recalculate: n=%d err=%v", n, err)
	}
	first, _ := env.limits.ClientLimit(ctx, "C1", "AAPL", date)

	n, _ = env.limits.RecalculateLimits(ctx)
	second, _ := env.limits.ClientLimit(ctx, "C1", "AAPL", date)
	if n != 2 {
		t.Errorf("second recalculate count = %d", n)
	}
	if !first.LongSellLimit.Equal(second.LongSellLimit) || !first.ShortSellLimit.Equal(second.ShortSellLimit) {
		t.Errorf("limits changed across recalculations: %+v vs %+v", first, second)
	}
}

func TestRecalculateLimits_FreshServiceCoversKnownEntities(t *testing.T) {
	env := newTestEnv(t, defaultShares())
	ctx := context.Background()

	env.store.InsertLocate(ctx, &model.LocateRequest{
		RequestID: "L-1", SecurityID: "AAPL", ClientID: "C1", AggregationUnitID: "AU1",
		Status: model.LocatePending,
	})
	env.store.InsertValidation(ctx, &model.OrderValidation{
		ValidationID: "V-1", OrderID: "O-1", SecurityID: "AAPL", ClientID: "C2", AggregationUnitID: "AU1",
	})

	if n, _ := env.limits.RecalculateLimits(ctx); n != 0 {
		t.Fatalf("without a universe only cached limits are recomputed, got %d", n)
	}

	env.limits.SetUniverse(env.store)
	n, err := env.limits.RecalculateLimits(ctx)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	// C1, C2 and AU1 in the one held security.
	if n != 3 {
		t.Fatalf("recalculated = %d, want 3", n)
	}

	cached := *env.limits.limits.Load()
	e, ok := cached[key{entityType: model.EntityClient, entityID: "C2", securityID: "AAPL", businessDate: date}]
	if !ok {
		t.Fatal("C2 limit not cached after recalculation")
	}
	if !e.limit.LongSellLimit.Equal(d(5000)) {
		t.Errorf("C2 long-sell limit = %s, want 5000", e.limit.LongSellLimit)
	}
}

func TestPut_DropsOtherBusinessDates(t *testing.T) {
	env := newTestEnv(t, defaultShares())
	ctx := context.Background()

	env.limits.ClientLimit(ctx, "C1", "AAPL", "2024-03-14")
	env.limits.ClientLimit(ctx, "C1", "AAPL", date)
	env.limits.AggregationUnitLimit(ctx, "AU1", "AAPL", date)

	cached := *env.limits.limits.Load()
	if len(cached) != 2 {
		t.Fatalf("cached entries = %d, want 2", len(cached))
	}
	for k := range cached {
		if k.businessDate != date {
			t.Errorf("stale entry kept: %+v", k)
		}
	}
}
