// Package limits derives client and aggregation-unit sell limits from
// inventory availability and checks orders against them.
//
// A limit is the long-sell or short-sell availability of a security scaled
// by the entity's share. Limits are cached in a copy-on-update table stamped
// with the inventory inputs they were computed from; a stale stamp forces
// recomputation, so limits never outlive a position or rule change.
package limits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/inventory"
	"github.com/ims/calc-engine/internal/model"
)

var (
	// ErrClientLimitExceeded is returned when an order quantity is above the
	// client's limit for its sell direction.
	ErrClientLimitExceeded = errors.New("limits: client limit exceeded")

	// ErrAggregationUnitLimitExceeded is returned when an order quantity is
	// above the aggregation unit's limit for its sell direction.
	ErrAggregationUnitLimitExceeded = errors.New("limits: aggregation unit limit exceeded")
)

// Inventory is the view of the inventory calculator the limit service needs.
type Inventory interface {
	Availability(ctx context.Context, securityID string, ct model.CalculationType, businessDate string) (*model.InventoryItem, error)
	Stamp() inventory.Stamp
}

// Universe enumerates what a full recalculation covers: every entity seen
// on a locate or validation, crossed with every security held that day.
type Universe interface {
	ListLimitEntities(ctx context.Context) (clients, aggregationUnits []string, err error)
	ListPositions(ctx context.Context, businessDate string) ([]model.Position, error)
}

// Shares scales availability into per-entity limits. Overrides are keyed by
// entity ID and win over the per-type default.
type Shares struct {
	Client          decimal.Decimal
	AggregationUnit decimal.Decimal
	Overrides       map[string]decimal.Decimal
}

func (s Shares) forEntity(t model.EntityType, id string) decimal.Decimal {
	if v, ok := s.Overrides[id]; ok {
		return v
	}
	// Keys loaded through viper arrive lowercased.
	if v, ok := s.Overrides[strings.ToLower(id)]; ok {
		return v
	}
	if t == model.EntityAggregationUnit {
		return s.AggregationUnit
	}
	return s.Client
}

type key struct {
	entityType   model.EntityType
	entityID     string
	securityID   string
	businessDate string
}

type entry struct {
	stamp inventory.Stamp
	limit model.Limit
}

type table map[key]entry

// Service computes and checks limits.
type Service struct {
	inv      Inventory
	shares   Shares
	universe Universe
	now      func() time.Time

	limits atomic.Pointer[table]
	write  sync.Mutex
}

// NewService creates a limit service.
func NewService(inv Inventory, shares Shares) *Service {
	s := &Service{inv: inv, shares: shares, now: time.Now}
	s.limits.Store(&table{})
	return s
}

// SetUniverse lets RecalculateLimits cover entities that have not been
// queried yet in this process. Call it before serving.
func (s *Service) SetUniverse(u Universe) {
	s.universe = u
}

// ClientLimit returns a client's limits in a security.
func (s *Service) ClientLimit(ctx context.Context, clientID, securityID, businessDate string) (*model.Limit, error) {
	return s.limit(ctx, model.EntityClient, clientID, securityID, businessDate)
}

// AggregationUnitLimit returns an aggregation unit's limits in a security.
func (s *Service) AggregationUnitLimit(ctx context.Context, aggregationUnitID, securityID, businessDate string) (*model.Limit, error) {
	return s.limit(ctx, model.EntityAggregationUnit, aggregationUnitID, securityID, businessDate)
}

// Order is the subject of a limit check.
type Order struct {
	ClientID          string
	AggregationUnitID string
	SecurityID        string
	OrderType         model.OrderType
	Quantity          decimal.Decimal
	BusinessDate      string
}

// Decision is the outcome of a limit check. Available is the binding limit:
// the lesser of the client and aggregation-unit limits.
type Decision struct {
	Allowed              bool
	ClientLimit          decimal.Decimal
	AggregationUnitLimit decimal.Decimal
	Available            decimal.Decimal
	Reason               error
}

// Check evaluates an order against both of its entities' limits. An order
// is allowed only if its quantity does not exceed either limit. Errors are
// returned only for lookup failures; a breach is reported in Reason.
func (s *Service) Check(ctx context.Context, o Order) (*Decision, error) {
	if !o.OrderType.Valid() {
		return nil, apperr.Validation("orderType", "Invalid order type")
	}
	client, err := s.ClientLimit(ctx, o.ClientID, o.SecurityID, o.BusinessDate)
	if err != nil {
		return nil, err
	}
	au, err := s.AggregationUnitLimit(ctx, o.AggregationUnitID, o.SecurityID, o.BusinessDate)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		ClientLimit:          client.For(o.OrderType),
		AggregationUnitLimit: au.For(o.OrderType),
	}
	d.Available = decimal.Min(d.ClientLimit, d.AggregationUnitLimit)

	switch {
	case o.Quantity.GreaterThan(d.ClientLimit):
		d.Reason = ErrClientLimitExceeded
	case o.Quantity.GreaterThan(d.AggregationUnitLimit):
		d.Reason = ErrAggregationUnitLimitExceeded
	default:
		d.Allowed = true
	}
	return d, nil
}

// ValidateOrder reports whether an order fits both entities' limits on the
// current business date.
func (s *Service) ValidateOrder(ctx context.Context, clientID, aggregationUnitID, securityID string, orderType model.OrderType, quantity decimal.Decimal) (bool, error) {
	d, err := s.Check(ctx, Order{
		ClientID:          clientID,
		AggregationUnitID: aggregationUnitID,
		SecurityID:        securityID,
		OrderType:         orderType,
		Quantity:          quantity,
		BusinessDate:      s.Today(),
	})
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Today is the current business date.
func (s *Service) Today() string {
	return model.Today(s.now())
}

// RecalculateLimits recomputes limits for the current business date and
// drops limits for other dates. It covers every limit already cached plus,
// when a Universe is set, every known entity in every security held today.
// It returns how many limits were recomputed.
func (s *Service) RecalculateLimits(ctx context.Context) (int, error) {
	today := s.Today()

	s.write.Lock()
	defer s.write.Unlock()

	keys := map[key]bool{}
	for k := range *s.limits.Load() {
		if k.businessDate == today {
			keys[k] = true
		}
	}
	if s.universe != nil {
		if err := s.addUniverse(ctx, today, keys); err != nil {
			return 0, err
		}
	}

	stamp := s.inv.Stamp()
	fresh := make(table, len(keys))
	for k := range keys {
		l, err := s.compute(ctx, k)
		if err != nil {
			return 0, err
		}
		fresh[k] = entry{stamp: stamp, limit: *l}
	}
	s.limits.Store(&fresh)

	slog.Info("limits recalculated", "business_date", today, "count", len(fresh))
	return len(fresh), nil
}

func (s *Service) addUniverse(ctx context.Context, today string, keys map[key]bool) error {
	clients, units, err := s.universe.ListLimitEntities(ctx)
	if err != nil {
		return fmt.Errorf("list limit entities: %w", err)
	}
	positions, err := s.universe.ListPositions(ctx, today)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}

	held := map[string]bool{}
	for _, p := range positions {
		held[p.SecurityID] = true
	}
	for sec := range held {
		for _, id := range clients {
			keys[key{entityType: model.EntityClient, entityID: id, securityID: sec, businessDate: today}] = true
		}
		for _, id := range units {
			keys[key{entityType: model.EntityAggregationUnit, entityID: id, securityID: sec, businessDate: today}] = true
		}
	}
	return nil
}

func (s *Service) limit(ctx context.Context, t model.EntityType, entityID, securityID, businessDate string) (*model.Limit, error) {
	if _, err := model.ParseBusinessDate(businessDate); err != nil {
		return nil, err
	}
	if entityID == "" {
		field := "clientId"
		if t == model.EntityAggregationUnit {
			field = "aggregationUnitId"
		}
		return nil, apperr.Validation(field, field+" is required")
	}
	if securityID == "" {
		return nil, apperr.Validation("securityId", "securityId is required")
	}

	k := key{entityType: t, entityID: entityID, securityID: securityID, businessDate: businessDate}
	stamp := s.inv.Stamp()
	if e, ok := (*s.limits.Load())[k]; ok && e.stamp == stamp {
		l := e.limit
		return &l, nil
	}

	l, err := s.compute(ctx, k)
	if err != nil {
		return nil, err
	}
	s.put(k, entry{stamp: stamp, limit: *l})
	return l, nil
}

func (s *Service) compute(ctx context.Context, k key) (*model.Limit, error) {
	long, err := s.inv.Availability(ctx, k.securityID, model.CalcLongSell, k.businessDate)
	if err != nil {
		return nil, err
	}
	short, err := s.inv.Availability(ctx, k.securityID, model.CalcShortSell, k.businessDate)
	if err != nil {
		return nil, err
	}

	share := s.shares.forEntity(k.entityType, k.entityID)
	return &model.Limit{
		EntityType:     k.entityType,
		EntityID:       k.entityID,
		SecurityID:     k.securityID,
		BusinessDate:   k.businessDate,
		LongSellLimit:  nonNegative(long.AvailableQuantity.Mul(share)),
		ShortSellLimit: nonNegative(short.AvailableQuantity.Mul(share)),
		CalculatedAt:   s.now().UTC(),
	}, nil
}

// put installs one entry by copying the table. Entries for other business
// dates are dropped so the table only grows with today's entities.
func (s *Service) put(k key, e entry) {
	s.write.Lock()
	defer s.write.Unlock()

	today := s.Today()
	cur := *s.limits.Load()
	next := make(table, len(cur)+1)
	for ck, ce := range cur {
		if ck.businessDate == today {
			next[ck] = ce
		}
	}
	next[k] = e
	s.limits.Store(&next)
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
