// Package rules is the calculation rule engine: rule administration, the
// versioned rule cache, and the condition interpreter the inventory
// calculator runs rules through.
package rules

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/metrics"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/store"
)

// Service administers calculation rules. Every write invalidates the cache.
type Service struct {
	store store.RuleStore
	cache *Cache
	mu    sync.Mutex // serializes writes for the active-name uniqueness check
	now   func() time.Time
}

// NewService creates a rule service sharing cache with the calculator.
func NewService(rs store.RuleStore, cache *Cache) *Service {
	return &Service{store: rs, cache: cache, now: time.Now}
}

// Cache returns the shared rule cache.
func (s *Service) Cache() *Cache {
	return s.cache
}

// ActiveRules returns every ACTIVE rule in evaluation order.
func (s *Service) ActiveRules(ctx context.Context) ([]model.CalculationRule, error) {
	snap, err := s.cache.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := []model.CalculationRule{}
	for _, r := range snap.Rules {
		if r.Status == model.RuleActive {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns every stored rule in evaluation order.
func (s *Service) All(ctx context.Context) ([]model.CalculationRule, error) {
	snap, err := s.cache.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return append([]model.CalculationRule{}, snap.Rules...), nil
}

// RulesByTypeAndMarket returns rules of one type defined for market,
// whatever their status.
func (s *Service) RulesByTypeAndMarket(ctx context.Context, ruleType model.RuleType, market string) ([]model.CalculationRule, error) {
	if !ruleType.Valid() {
		return nil, apperr.Validation("ruleType", "unknown ruleType "+string(ruleType))
	}
	snap, err := s.cache.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := []model.CalculationRule{}
	for _, r := range snap.Rules {
		if r.RuleType == ruleType && r.Market == market {
			out = append(out, r)
		}
	}
	return out, nil
}

// RuleByNameAndMarket returns the ACTIVE rule with the given name in market,
// or failing that the most recently created one.
func (s *Service) RuleByNameAndMarket(ctx context.Context, name, market string) (*model.CalculationRule, error) {
	snap, err := s.cache.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var found *model.CalculationRule
	for i := range snap.Rules {
		r := &snap.Rules[i]
		if r.Name != name || r.Market != market {
			continue
		}
		if r.Status == model.RuleActive {
			found = r
			break
		}
		if found == nil || r.Sequence > found.Sequence {
			found = r
		}
	}
	if found == nil {
		return nil, apperr.NotFound("rule %q in market %s", name, market)
	}
	cp := *found
	return &cp, nil
}

// CreateRule validates and stores a new rule. Status defaults to ACTIVE.
func (s *Service) CreateRule(ctx context.Context, r model.CalculationRule) (*model.CalculationRule, error) {
	if r.Status == "" {
		r.Status = model.RuleActive
	}
	if err := validate(&r); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkActiveName(ctx, &r); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	r.ID = uuid.New().String()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.store.InsertRule(ctx, &r); err != nil {
		return nil, err
	}
	s.cache.Invalidate()

	slog.Info("rule created",
		"rule_id", r.ID,
		"name", r.Name,
		"rule_type", string(r.RuleType),
		"market", r.Market,
		"priority", r.Priority,
	)
	return &r, nil
}

// UpdateRule replaces an existing rule identified by r.ID. Creation time and
// insertion order are preserved.
func (s *Service) UpdateRule(ctx context.Context, r model.CalculationRule) (*model.CalculationRule, error) {
	if r.ID == "" {
		return nil, apperr.Validation("id", "id is required")
	}
	if r.Status == "" {
		r.Status = model.RuleActive
	}
	if err := validate(&r); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetRule(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if err := s.checkActiveName(ctx, &r); err != nil {
		return nil, err
	}

	r.CreatedAt = existing.CreatedAt
	r.Sequence = existing.Sequence
	r.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRule(ctx, &r); err != nil {
		return nil, err
	}
	s.cache.Invalidate()

	slog.Info("rule updated", "rule_id", r.ID, "name", r.Name, "status", string(r.Status))
	return &r, nil
}

// ClearCache forces the next calculation to reload every rule.
func (s *Service) ClearCache() uint64 {
	v := s.cache.Invalidate()
	metrics.RuleCacheClears.Inc()
	slog.Info("rule cache cleared", "version", v)
	return v
}

func (s *Service) checkActiveName(ctx context.Context, r *model.CalculationRule) error {
	if r.Status != model.RuleActive {
		return nil
	}
	existing, err := s.store.ListRules(ctx)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.ID != r.ID && e.Status == model.RuleActive && e.Name == r.Name && e.Market == r.Market {
			return apperr.Validation("name", "an active rule named "+r.Name+" already exists in market "+r.Market)
		}
	}
	return nil
}

// validate enumerates every problem with a rule payload.
func validate(r *model.CalculationRule) error {
	fields := map[string]string{}
	r.Name = strings.TrimSpace(r.Name)
	r.Market = strings.TrimSpace(r.Market)

	if r.Name == "" {
		fields["name"] = "name is required"
	}
	switch {
	case r.RuleType == "":
		fields["ruleType"] = "ruleType is required"
	case !r.RuleType.Valid():
		fields["ruleType"] = "unknown ruleType " + string(r.RuleType)
	}
	if r.Market == "" {
		fields["market"] = "market is required"
	}
	if !r.Status.Valid() {
		fields["status"] = "status must be DRAFT, ACTIVE or INACTIVE"
	}
	if r.CalculationType != "" && !r.CalculationType.Valid() {
		fields["calculationType"] = "unknown calculationType " + string(r.CalculationType)
	}
	if r.EffectiveDate != "" {
		if err := dateField(r.EffectiveDate); err != nil {
			fields["effectiveDate"] = "effectiveDate must be YYYY-MM-DD"
		}
	}
	if r.ExpiryDate != "" {
		if err := dateField(r.ExpiryDate); err != nil {
			fields["expiryDate"] = "expiryDate must be YYYY-MM-DD"
		} else if r.EffectiveDate != "" && r.ExpiryDate < r.EffectiveDate {
			fields["expiryDate"] = "expiryDate is before effectiveDate"
		}
	}

	for i, c := range r.Conditions {
		if !KnownAttribute(c.Attribute) {
			fields[indexed("conditions", i, "attribute")] = "unknown attribute " + c.Attribute
		}
		if !c.Operator.Valid() {
			fields[indexed("conditions", i, "operator")] = "unknown operator " + string(c.Operator)
		}
		if c.LogicalOperator != "" && c.LogicalOperator != model.ConnAnd && c.LogicalOperator != model.ConnOr {
			fields[indexed("conditions", i, "logicalOperator")] = "logicalOperator must be AND or OR"
		}
	}
	for i, a := range r.Actions {
		if !a.Type.Valid() {
			fields[indexed("actions", i, "type")] = "unknown action type " + string(a.Type)
		}
		if a.Value.IsNegative() {
			fields[indexed("actions", i, "value")] = "value must not be negative"
		}
	}

	return apperr.Invalid(fields)
}

func dateField(s string) error {
	_, err := model.ParseBusinessDate(s)
	return err
}

func indexed(list string, i int, field string) string {
	return list + "[" + strconv.Itoa(i) + "]." + field
}
