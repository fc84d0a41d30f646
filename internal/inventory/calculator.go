// Package inventory derives per-security availability in every category
// (for-loan, for-pledge, long-sell, short-sell, locate) from positions and
// calculation rules. Results are projections, never a source of truth.
package inventory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/metrics"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/rules"
	"github.com/ims/calc-engine/internal/store"
)

// Composition decides how several matching rules in one direction combine.
type Composition string

const (
	ComposeSum Composition = "SUM"
	ComposeMax Composition = "MAX"
)

// ParseComposition accepts SUM or MAX, case-insensitively.
func ParseComposition(s string) (Composition, error) {
	switch c := Composition(strings.ToUpper(s)); c {
	case ComposeSum, ComposeMax:
		return c, nil
	}
	return "", fmt.Errorf("inventory: unknown composition %q", s)
}

// Policy holds the configurable parts of the availability calculation.
type Policy struct {
	// HTBThreshold classifies a security hard-to-borrow when its
	// availability is strictly below it.
	HTBThreshold  decimal.Decimal
	Composition   Composition
	AllowNegative bool
	Workers       int
}

// Positions is the view of the position store the calculator needs.
type Positions interface {
	All(ctx context.Context, businessDate string) ([]model.Position, error)
	ForSecurity(ctx context.Context, securityID, businessDate string) ([]model.Position, error)
	Revision() uint64
}

// Stamp identifies the inputs a calculation was made from.
type Stamp struct {
	RuleVersion      uint64
	PositionRevision uint64
}

type memoKey struct {
	securityID   string
	businessDate string
}

type result struct {
	stamp    Stamp
	items    map[model.CalculationType]model.InventoryItem
	borrowed decimal.Decimal
}

// Calculator computes inventory availability. Per-security results are
// memoized and reused until the rule cache version or the position revision
// moves.
type Calculator struct {
	securities store.SecurityStore
	positions  Positions
	rules      *rules.Cache
	policy     Policy
	now        func() time.Time

	mu   sync.RWMutex
	memo map[memoKey]*result
}

// NewCalculator creates an inventory calculator.
func NewCalculator(securities store.SecurityStore, positions Positions, rc *rules.Cache, policy Policy) *Calculator {
	if policy.Composition == "" {
		policy.Composition = ComposeSum
	}
	if policy.Workers <= 0 {
		policy.Workers = 8
	}
	return &Calculator{
		securities: securities,
		positions:  positions,
		rules:      rc,
		policy:     policy,
		now:        time.Now,
		memo:       make(map[memoKey]*result),
	}
}

// Stamp returns the current input stamp. Anything derived from inventory
// (limits) compares against it to detect staleness.
func (c *Calculator) Stamp() Stamp {
	return Stamp{RuleVersion: c.rules.Version(), PositionRevision: c.positions.Revision()}
}

// CalculateAll computes every category for every security holding a
// position on businessDate. Lists are ordered by security ID.
func (c *Calculator) CalculateAll(ctx context.Context, businessDate string) (map[model.CalculationType][]model.InventoryItem, error) {
	results, err := c.calculateAll(ctx, businessDate)
	if err != nil {
		return nil, err
	}
	out := make(map[model.CalculationType][]model.InventoryItem, len(model.CalculationTypes))
	for _, ct := range model.CalculationTypes {
		items := make([]model.InventoryItem, 0, len(results))
		for _, r := range results {
			items = append(items, r.items[ct])
		}
		out[ct] = items
	}
	return out, nil
}

// CalculateForSecurity computes every category for one security.
func (c *Calculator) CalculateForSecurity(ctx context.Context, securityID, businessDate string) (map[model.CalculationType]model.InventoryItem, error) {
	if _, err := model.ParseBusinessDate(businessDate); err != nil {
		return nil, err
	}
	r, err := c.security(ctx, securityID, businessDate, nil, c.positions.Revision())
	if err != nil {
		return nil, err
	}
	return maps.Clone(r.items), nil
}

// Category returns one category's availability for every security.
func (c *Calculator) Category(ctx context.Context, ct model.CalculationType, businessDate string) ([]model.InventoryItem, error) {
	if !ct.Valid() {
		return nil, apperr.Validation("calculationType", "unknown calculationType "+string(ct))
	}
	all, err := c.CalculateAll(ctx, businessDate)
	if err != nil {
		return nil, err
	}
	return all[ct], nil
}

// Availability returns one category's availability for one security.
func (c *Calculator) Availability(ctx context.Context, securityID string, ct model.CalculationType, businessDate string) (*model.InventoryItem, error) {
	if !ct.Valid() {
		return nil, apperr.Validation("calculationType", "unknown calculationType "+string(ct))
	}
	items, err := c.CalculateForSecurity(ctx, securityID, businessDate)
	if err != nil {
		return nil, err
	}
	item := items[ct]
	return &item, nil
}

// Overborrows lists securities whose total borrowed quantity exceeds their
// for-loan entitlement.
func (c *Calculator) Overborrows(ctx context.Context, businessDate string) ([]model.Overborrow, error) {
	results, err := c.calculateAll(ctx, businessDate)
	if err != nil {
		return nil, err
	}
	out := []model.Overborrow{}
	for _, r := range results {
		entitlement := r.items[model.CalcForLoan].AvailableQuantity
		if r.borrowed.GreaterThan(entitlement) {
			out = append(out, model.Overborrow{
				SecurityID:       r.items[model.CalcForLoan].SecurityID,
				BusinessDate:     businessDate,
				BorrowedQuantity: r.borrowed,
				Entitlement:      entitlement,
				ExcessQuantity:   r.borrowed.Sub(entitlement),
			})
		}
	}
	return out, nil
}

// Invalidate drops every memoized result.
func (c *Calculator) Invalidate() {
	c.mu.Lock()
	c.memo = make(map[memoKey]*result)
	c.mu.Unlock()
}

func (c *Calculator) calculateAll(ctx context.Context, businessDate string) ([]*result, error) {
	if _, err := model.ParseBusinessDate(businessDate); err != nil {
		return nil, err
	}
	rev := c.positions.Revision()
	positions, err := c.positions.All(ctx, businessDate)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	bySecurity := make(map[string][]model.Position)
	for _, p := range positions {
		bySecurity[p.SecurityID] = append(bySecurity[p.SecurityID], p)
	}
	ids := make([]string, 0, len(bySecurity))
	for id := range bySecurity {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]*result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.policy.Workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			r, err := c.security(gctx, id, businessDate, bySecurity[id], rev)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// security returns the memoized result for one security, recomputing it if
// the stamp moved. rev is the position revision read before positions were
// loaded; positions may be nil, in which case they are loaded here.
func (c *Calculator) security(ctx context.Context, securityID, businessDate string, positions []model.Position, rev uint64) (*result, error) {
	snap, err := c.rules.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	stamp := Stamp{RuleVersion: snap.Version, PositionRevision: rev}
	key := memoKey{securityID: securityID, businessDate: businessDate}

	c.mu.RLock()
	cached, ok := c.memo[key]
	c.mu.RUnlock()
	if ok && cached.stamp == stamp {
		metrics.InventoryCalculations.WithLabelValues("hit").Inc()
		return cached, nil
	}
	metrics.InventoryCalculations.WithLabelValues("miss").Inc()

	sec, err := c.securities.GetSecurity(ctx, securityID)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions, err = c.positions.ForSecurity(ctx, securityID, businessDate)
		if err != nil {
			return nil, fmt.Errorf("list positions for %s: %w", securityID, err)
		}
	}

	r := c.compute(sec, positions, businessDate, snap)
	r.stamp = stamp

	c.mu.Lock()
	if prev, ok := c.memo[key]; !ok || !newer(prev.stamp, stamp) {
		c.memo[key] = r
	}
	c.mu.Unlock()
	return r, nil
}

func newer(a, b Stamp) bool {
	return a.RuleVersion > b.RuleVersion || a.PositionRevision > b.PositionRevision
}

func (c *Calculator) compute(sec *model.Security, positions []model.Position, businessDate string, snap *rules.Snapshot) *result {
	facts := &rules.Facts{Security: sec}
	for _, p := range positions {
		facts.NetPosition = facts.NetPosition.Add(p.CurrentNetPosition)
		facts.SettledQty = facts.SettledQty.Add(p.SettledQty)
		facts.BorrowedQty = facts.BorrowedQty.Add(p.BorrowedQty)
		facts.ProjectedNetPosition = facts.ProjectedNetPosition.Add(p.ProjectedNetPosition)
	}
	base := facts.NetPosition
	now := c.now().UTC()

	r := &result{
		items:    make(map[model.CalculationType]model.InventoryItem, len(model.CalculationTypes)),
		borrowed: facts.BorrowedQty,
	}
	for _, ct := range model.CalculationTypes {
		var additive, subtractive []model.CalculationRule
		for _, rule := range snap.Select(sec.Market, ct, businessDate) {
			if rule.RuleType.Subtractive() {
				subtractive = append(subtractive, rule)
			} else {
				additive = append(additive, rule)
			}
		}

		applied := []string{}
		inc, incApplied := c.apply(additive, facts, base)
		exc, excApplied := c.apply(subtractive, facts, base)
		applied = append(applied, incApplied...)
		applied = append(applied, excApplied...)

		adjustment := inc.Sub(exc)
		available := base.Add(adjustment)
		if !c.policy.AllowNegative && available.IsNegative() {
			available = decimal.Zero
		}

		temp := model.GeneralCollateral
		if available.LessThan(c.policy.HTBThreshold) {
			temp = model.HardToBorrow
		}

		r.items[ct] = model.InventoryItem{
			SecurityID:          sec.ID,
			CalculationType:     ct,
			BusinessDate:        businessDate,
			BaseQuantity:        base,
			Adjustment:          adjustment,
			AvailableQuantity:   available,
			SecurityTemperature: temp,
			AppliedRules:        applied,
			CalculatedAt:        now,
		}
	}
	return r
}

// apply evaluates rules in order and combines the adjustments of those that
// match according to the composition policy.
func (c *Calculator) apply(rs []model.CalculationRule, facts *rules.Facts, base decimal.Decimal) (decimal.Decimal, []string) {
	total := decimal.Zero
	var applied []string
	for _, rule := range rs {
		if !rules.Evaluate(rule.Conditions, facts) {
			continue
		}
		amt := rules.Adjustment(rule.Actions, base)
		switch c.policy.Composition {
		case ComposeMax:
			total = decimal.Max(total, amt)
		default:
			total = total.Add(amt)
		}
		applied = append(applied, rule.Name)
	}
	return total, applied
}
