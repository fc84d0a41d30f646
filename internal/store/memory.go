package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	securities  map[string]*model.Security
	positions   map[model.PositionKey]*model.Position
	rules       map[string]*model.CalculationRule
	ruleSeq     int64
	locates     map[string]*model.LocateRequest
	locateOrder []string
	validations []model.OrderValidation
	byOrder     map[string]int // orderID → index of latest validation
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		securities: make(map[string]*model.Security),
		positions:  make(map[model.PositionKey]*model.Position),
		rules:      make(map[string]*model.CalculationRule),
		locates:    make(map[string]*model.LocateRequest),
		byOrder:    make(map[string]int),
	}
}

// --- Securities ---

func (s *MemoryStore) GetSecurity(_ context.Context, id string) (*model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sec, ok := s.securities[id]
	if !ok {
		return nil, apperr.NotFound("security %s not found", id)
	}
	copy := *sec
	return &copy, nil
}

func (s *MemoryStore) ListSecurities(_ context.Context) ([]model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Security, 0, len(s.securities))
	for _, sec := range s.securities {
		out = append(out, *sec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpsertSecurity(_ context.Context, sec *model.Security) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *sec
	s.securities[sec.ID] = &copy
	return nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, key model.PositionKey) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[key]
	if !ok {
		return nil, apperr.NotFound("position %s/%s on %s not found", key.BookID, key.SecurityID, key.BusinessDate)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, businessDate string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.BusinessDate == businessDate {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) ListSecurityPositions(_ context.Context, securityID, businessDate string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.BusinessDate == businessDate && k.SecurityID == securityID {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.positions[p.Key()] = &copy
	return nil
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].BookID != ps[j].BookID {
			return ps[i].BookID < ps[j].BookID
		}
		return ps[i].SecurityID < ps[j].SecurityID
	})
}

// --- Rules ---

func (s *MemoryStore) ListRules(_ context.Context) ([]model.CalculationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.CalculationRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) GetRule(_ context.Context, id string) (*model.CalculationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, apperr.NotFound("rule %s not found", id)
	}
	c := cloneRule(r)
	return &c, nil
}

func (s *MemoryStore) InsertRule(_ context.Context, r *model.CalculationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[r.ID]; exists {
		return apperr.Conflict("rule %s already exists", r.ID)
	}
	s.ruleSeq++
	r.Sequence = s.ruleSeq
	c := cloneRule(r)
	s.rules[r.ID] = &c
	return nil
}

func (s *MemoryStore) UpdateRule(_ context.Context, r *model.CalculationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[r.ID]
	if !ok {
		return apperr.NotFound("rule %s not found", r.ID)
	}
	r.Sequence = existing.Sequence
	c := cloneRule(r)
	s.rules[r.ID] = &c
	return nil
}

func cloneRule(r *model.CalculationRule) model.CalculationRule {
	c := *r
	c.Conditions = append([]model.Condition(nil), r.Conditions...)
	c.Actions = append([]model.Action(nil), r.Actions...)
	return c
}

// --- Locates ---

func (s *MemoryStore) InsertLocate(_ context.Context, l *model.LocateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.locates[l.RequestID]; exists {
		return apperr.Conflict("locate request %s already exists", l.RequestID)
	}
	s.locates[l.RequestID] = l.Clone()
	s.locateOrder = append(s.locateOrder, l.RequestID)
	return nil
}

func (s *MemoryStore) GetLocate(_ context.Context, id string) (*model.LocateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.locates[id]
	if !ok {
		return nil, apperr.NotFound("locate request %s not found", id)
	}
	return l.Clone(), nil
}

func (s *MemoryStore) ListLocates(_ context.Context, f model.LocateFilter) ([]model.LocateRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LocateRequest
	for _, id := range s.locateOrder {
		l := s.locates[id]
		if f.Matches(l) {
			out = append(out, *l.Clone())
		}
	}
	return out, nil
}

// CompareAndSwapLocate holds the write lock across the status check and the
// replacement, so at most one of several racing transitions succeeds.
func (s *MemoryStore) CompareAndSwapLocate(_ context.Context, l *model.LocateRequest, expected model.LocateStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.locates[l.RequestID]
	if !ok {
		return apperr.NotFound("locate request %s not found", l.RequestID)
	}
	if current.Status != expected {
		return ErrStatusChanged
	}
	s.locates[l.RequestID] = l.Clone()
	return nil
}

// --- Validations ---

func (s *MemoryStore) InsertValidation(_ context.Context, v *model.OrderValidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.validations = append(s.validations, *v)
	s.byOrder[v.OrderID] = len(s.validations) - 1
	return nil
}

func (s *MemoryStore) GetValidationByOrder(_ context.Context, orderID string) (*model.OrderValidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byOrder[orderID]
	if !ok {
		return nil, apperr.NotFound("no validation found for order %s", orderID)
	}
	v := s.validations[idx]
	return &v, nil
}

func (s *MemoryStore) ListLimitEntities(_ context.Context) ([]string, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := map[string]bool{}
	units := map[string]bool{}
	for _, l := range s.locates {
		clients[l.ClientID] = true
		units[l.AggregationUnitID] = true
	}
	for _, v := range s.validations {
		clients[v.ClientID] = true
		units[v.AggregationUnitID] = true
	}
	return sortedKeys(clients), sortedKeys(units), nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
