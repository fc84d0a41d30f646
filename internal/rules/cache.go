package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/store"
)

// Cache is a versioned, read-mostly snapshot of every stored rule. Readers
// get the current snapshot without locking; Invalidate bumps the version so
// the next reader reloads. A calculation that starts after Invalidate
// returns always sees the reloaded set.
type Cache struct {
	store   store.RuleStore
	version atomic.Uint64
	current atomic.Pointer[Snapshot]
	reload  sync.Mutex
}

// Snapshot is an immutable view of the rule set at one cache version.
// Rules are ordered by priority ascending, then insertion order.
type Snapshot struct {
	Version uint64
	Rules   []model.CalculationRule
}

// NewCache creates a rule cache over a rule store.
func NewCache(rs store.RuleStore) *Cache {
	return &Cache{store: rs}
}

// Version returns the current cache version.
func (c *Cache) Version() uint64 {
	return c.version.Load()
}

// Invalidate discards the current snapshot and returns the new version.
func (c *Cache) Invalidate() uint64 {
	return c.version.Add(1)
}

// Snapshot returns the rule set for the current version, loading it from the
// store if the cached snapshot is stale.
func (c *Cache) Snapshot(ctx context.Context) (*Snapshot, error) {
	v := c.version.Load()
	if s := c.current.Load(); s != nil && s.Version == v {
		return s, nil
	}

	c.reload.Lock()
	defer c.reload.Unlock()

	v = c.version.Load()
	if s := c.current.Load(); s != nil && s.Version == v {
		return s, nil
	}

	rules, err := c.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Sequence < rules[j].Sequence
	})

	s := &Snapshot{Version: v, Rules: rules}
	c.current.Store(s)
	return s, nil
}

// Select returns the rules that contribute to category ct for a security in
// market on businessDate, in evaluation order.
func (s *Snapshot) Select(market string, ct model.CalculationType, businessDate string) []model.CalculationRule {
	var out []model.CalculationRule
	for i := range s.Rules {
		r := &s.Rules[i]
		if !marketMatches(r.Market, market) || !r.AppliesTo(ct) || !r.EffectiveOn(businessDate) {
			continue
		}
		out = append(out, *r)
	}
	return out
}

// AllMarkets is the market wildcard accepted on rules.
const AllMarkets = "ALL"

func marketMatches(ruleMarket, market string) bool {
	return ruleMarket == AllMarkets || ruleMarket == market
}
