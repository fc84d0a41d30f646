package seed_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/position"
	"github.com/ims/calc-engine/internal/rules"
	"github.com/ims/calc-engine/internal/seed"
	"github.com/ims/calc-engine/internal/store"
)

const fixture = `
securities:
  - id: US0378331005
    type: EQUITY
    issuer: Apple Inc
    market: US
    currency: USD
    status: ACTIVE
    externalIds:
      ticker: AAPL
positions:
  - bookId: EQ-1
    securityId: US0378331005
    businessDate: today
    contractualQty: 20000
    settledQty: 20000
    borrowedQty: 500
rules:
  - name: ${RULE_NAME}
    ruleType: EXCLUSION
    market: US
    priority: 1
    conditions:
      - attribute: type
        operator: EQUALS
        value: EQUITY
    actions:
      - type: PERCENT_OF_POSITION
        value: 10
`

func TestLoadFileAndApply(t *testing.T) {
	t.Setenv("RULE_NAME", "equity-haircut")
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(fixture), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := seed.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(f.Securities) != 1 || f.Securities[0].ExternalIDs["ticker"] != "AAPL" {
		t.Fatalf("securities = %+v", f.Securities)
	}
	if got := f.Positions[0].ContractualQty.String(); got != "20000" {
		t.Errorf("contractualQty = %s", got)
	}

	ctx := context.Background()
	ms := store.NewMemoryStore()
	ps := position.NewService(ms, ms)
	rs := rules.NewService(ms, rules.NewCache(ms))

	sum, err := seed.Apply(ctx, f, ms, ps, rs)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if sum != (seed.Summary{Securities: 1, Positions: 1, Rules: 1}) {
		t.Errorf("summary = %+v", sum)
	}

	p, err := ps.Get(ctx, "EQ-1", "US0378331005", model.Today(time.Now()))
	if err != nil {
		t.Fatalf("seeded position: %v", err)
	}
	if !p.CurrentNetPosition.Equal(p.ContractualQty) || p.CalculationStatus != model.CalcValid {
		t.Errorf("position not derived: %+v", p)
	}

	r, err := rs.RuleByNameAndMarket(ctx, "equity-haircut", "US")
	if err != nil || r.Status != model.RuleActive {
		t.Errorf("seeded rule = %+v, %v", r, err)
	}
}

func TestApply_InvalidRule(t *testing.T) {
	f, err := seed.Parse([]byte(`
rules:
  - name: broken
    market: US
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ms := store.NewMemoryStore()
	_, err = seed.Apply(context.Background(), f, ms, position.NewService(ms, ms), rules.NewService(ms, rules.NewCache(ms)))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestParse_Malformed(t *testing.T) {
	if _, err := seed.Parse([]byte("securities: [unterminated")); err == nil {
		t.Error("expected parse error")
	}
}

func TestApply_TwiceKeepsTradedPositions(t *testing.T) {
	t.Setenv("RULE_NAME", "equity-haircut")
	f, err := seed.Parse([]byte(fixture))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	ctx := context.Background()
	ms := store.NewMemoryStore()
	ps := position.NewService(ms, ms)
	rs := rules.NewService(ms, rules.NewCache(ms))
	today := model.Today(time.Now())

	if _, err := seed.Apply(ctx, f, ms, ps, rs); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := ps.ApplyTrade(ctx, position.TradeEvent{
		BookID: "EQ-1", SecurityID: "US0378331005", BusinessDate: today,
		Side: position.SideBuy, Quantity: decimal.NewFromInt(500),
	}); err != nil {
		t.Fatalf("trade: %v", err)
	}
	if _, err := ps.Finalize(ctx, today); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	f, _ = seed.Parse([]byte(fixture))
	sum, err := seed.Apply(ctx, f, ms, ps, rs)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if sum != (seed.Summary{Securities: 1, Skipped: 2}) {
		t.Errorf("summary = %+v", sum)
	}

	p, err := ps.Get(ctx, "EQ-1", "US0378331005", today)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !p.ContractualQty.Equal(decimal.NewFromInt(20500)) {
		t.Errorf("contractualQty = %s, want 20500", p.ContractualQty)
	}
	if !p.Finalized {
		t.Error("finalized flag was overwritten")
	}

	all, _ := rs.All(ctx)
	if len(all) != 1 {
		t.Errorf("rules = %d, want 1", len(all))
	}
}
