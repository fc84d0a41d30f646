// Package position owns current and projected positions per (book,
// security, business date): lookups, paging, recalculation, settlement
// ladders, and the trade/settlement events that are the only way positions
// change.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Service is the position store. Writes are serialized by a mutex; reads go
// straight to the backing store.
type Service struct {
	positions  store.PositionStore
	securities store.SecurityStore
	mu         sync.Mutex
	revision   atomic.Uint64
	now        func() time.Time
}

// NewService creates a position service.
func NewService(positions store.PositionStore, securities store.SecurityStore) *Service {
	return &Service{
		positions:  positions,
		securities: securities,
		now:        time.Now,
	}
}

// Revision increases on every position write. Downstream caches stamp their
// entries with it to detect staleness.
func (s *Service) Revision() uint64 {
	return s.revision.Load()
}

// Get returns a single position.
func (s *Service) Get(ctx context.Context, bookID, securityID, businessDate string) (*model.Position, error) {
	if _, err := model.ParseBusinessDate(businessDate); err != nil {
		return nil, err
	}
	return s.positions.GetPosition(ctx, model.PositionKey{
		BookID: bookID, SecurityID: securityID, BusinessDate: businessDate,
	})
}

// ForSecurity returns every book's position in a security.
func (s *Service) ForSecurity(ctx context.Context, securityID, businessDate string) ([]model.Position, error) {
	return s.positions.ListSecurityPositions(ctx, securityID, businessDate)
}

// All returns every position on a business date.
func (s *Service) All(ctx context.Context, businessDate string) ([]model.Position, error) {
	if _, err := model.ParseBusinessDate(businessDate); err != nil {
		return nil, err
	}
	return s.positions.ListPositions(ctx, businessDate)
}

// Page selects a window of results. Number is zero-based.
type Page struct {
	Number int
	Size   int
}

// Sort orders a listing by one field.
type Sort struct {
	Field string
	Desc  bool
}

// ParseSort accepts "field" or "field,asc|desc".
func ParseSort(s string) (Sort, error) {
	if s == "" {
		return Sort{Field: "bookId"}, nil
	}
	field, dir, _ := strings.Cut(s, ",")
	if _, ok := sortKeys[field]; !ok {
		return Sort{}, apperr.Validation("sort", "unsupported sort field "+field)
	}
	switch strings.ToLower(dir) {
	case "", "asc":
		return Sort{Field: field}, nil
	case "desc":
		return Sort{Field: field, Desc: true}, nil
	}
	return Sort{}, apperr.Validation("sort", "sort direction must be asc or desc")
}

type lessFunc func(a, b *model.Position) int

var sortKeys = map[string]lessFunc{
	"bookId":               func(a, b *model.Position) int { return strings.Compare(a.BookID, b.BookID) },
	"securityId":           func(a, b *model.Position) int { return strings.Compare(a.SecurityID, b.SecurityID) },
	"settledQty":           func(a, b *model.Position) int { return a.SettledQty.Cmp(b.SettledQty) },
	"contractualQty":       func(a, b *model.Position) int { return a.ContractualQty.Cmp(b.ContractualQty) },
	"currentNetPosition":   func(a, b *model.Position) int { return a.CurrentNetPosition.Cmp(b.CurrentNetPosition) },
	"projectedNetPosition": func(a, b *model.Position) int { return a.ProjectedNetPosition.Cmp(b.ProjectedNetPosition) },
}

// PageResult is one page of positions.
type PageResult struct {
	Items         []model.Position `json:"content"`
	Page          int              `json:"page"`
	Size          int              `json:"size"`
	TotalElements int              `json:"totalElements"`
	TotalPages    int              `json:"totalPages"`
}

// List returns a sorted page of positions on a business date.
func (s *Service) List(ctx context.Context, businessDate string, page Page, sortBy Sort) (*PageResult, error) {
	all, err := s.All(ctx, businessDate)
	if err != nil {
		return nil, err
	}
	if page.Size <= 0 {
		page.Size = DefaultPageSize
	}
	if page.Size > MaxPageSize {
		page.Size = MaxPageSize
	}
	if page.Number < 0 {
		return nil, apperr.Validation("page", "page must be >= 0")
	}

	cmp, ok := sortKeys[sortBy.Field]
	if !ok {
		cmp = sortKeys["bookId"]
	}
	sort.SliceStable(all, func(i, j int) bool {
		c := cmp(&all[i], &all[j])
		if c == 0 {
			c = strings.Compare(all[i].SecurityID, all[j].SecurityID)
		}
		if sortBy.Desc {
			return c > 0
		}
		return c < 0
	})

	total := len(all)
	start := page.Number * page.Size
	if start > total {
		start = total
	}
	end := start + page.Size
	if end > total {
		end = total
	}

	items := all[start:end]
	if items == nil {
		items = []model.Position{}
	}
	return &PageResult{
		Items:         items,
		Page:          page.Number,
		Size:          page.Size,
		TotalElements: total,
		TotalPages:    (total + page.Size - 1) / page.Size,
	}, nil
}

// Recalculate re-derives every non-finalized position on businessDate whose
// status matches statusFilter (empty matches all) and marks it VALID.
// Positions whose derived values are already current are not rewritten, so
// a second run with no intervening change is a no-op.
func (s *Service) Recalculate(ctx context.Context, businessDate string, statusFilter model.CalculationStatus) ([]model.Position, error) {
	if _, err := model.ParseBusinessDate(businessDate); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.positions.ListPositions(ctx, businessDate)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	out := make([]model.Position, 0, len(all))
	changed := 0
	for _, p := range all {
		if statusFilter != "" && p.CalculationStatus != statusFilter {
			continue
		}
		if p.Finalized {
			out = append(out, p)
			continue
		}

		next := p
		next.Derive()
		next.CalculationStatus = model.CalcValid
		if !sameDerived(&p, &next) {
			next.UpdatedAt = s.now().UTC()
			if err := s.positions.UpsertPosition(ctx, &next); err != nil {
				return nil, fmt.Errorf("save position %s/%s: %w", p.BookID, p.SecurityID, err)
			}
			changed++
		}
		out = append(out, next)
	}

	if changed > 0 {
		s.revision.Add(1)
	}
	slog.Info("positions recalculated",
		"business_date", businessDate,
		"status_filter", string(statusFilter),
		"matched", len(out),
		"changed", changed,
	)
	return out, nil
}

func sameDerived(a, b *model.Position) bool {
	return a.CalculationStatus == b.CalculationStatus &&
		a.CurrentNetPosition.Equal(b.CurrentNetPosition) &&
		a.ProjectedNetPosition.Equal(b.ProjectedNetPosition)
}

// SettlementLadder returns the SD0..SD4 projection for one position. Each
// day's projected position is the settled quantity plus the cumulative net
// movement up to and including that day.
func (s *Service) SettlementLadder(ctx context.Context, bookID, securityID, businessDate string) (*model.SettlementLadder, error) {
	date, err := model.ParseBusinessDate(businessDate)
	if err != nil {
		return nil, err
	}
	p, err := s.Get(ctx, bookID, securityID, businessDate)
	if err != nil {
		return nil, err
	}

	ladder := &model.SettlementLadder{
		BookID:       p.BookID,
		SecurityID:   p.SecurityID,
		BusinessDate: p.BusinessDate,
		SettledQty:   p.SettledQty,
		Days:         make([]model.SettlementLadderDay, 0, model.LadderDays),
	}
	running := p.SettledQty
	net := decimal.Zero
	for i, day := range p.Ladder {
		net = net.Add(day.Net())
		running = running.Add(day.Net())
		ladder.Days = append(ladder.Days, model.SettlementLadderDay{
			Offset:            i,
			SettlementDate:    model.AddBusinessDays(date, i).Format(model.BusinessDateLayout),
			Deliver:           day.Deliver,
			Receipt:           day.Receipt,
			Net:               day.Net(),
			ProjectedPosition: running,
		})
	}
	ladder.NetSettlement = net
	ladder.ProjectedPosition = p.SettledQty.Add(net)
	return ladder, nil
}

// Finalize freezes every position on businessDate. It returns how many
// positions were newly finalized.
func (s *Service) Finalize(ctx context.Context, businessDate string) (int, error) {
	if _, err := model.ParseBusinessDate(businessDate); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.positions.ListPositions(ctx, businessDate)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range all {
		if p.Finalized {
			continue
		}
		p.Derive()
		p.Finalized = true
		p.UpdatedAt = s.now().UTC()
		if err := s.positions.UpsertPosition(ctx, &p); err != nil {
			return count, fmt.Errorf("finalize %s/%s: %w", p.BookID, p.SecurityID, err)
		}
		count++
	}
	if count > 0 {
		s.revision.Add(1)
	}
	slog.Info("business date finalized", "business_date", businessDate, "positions", count)
	return count, nil
}

// Seed stores a position as-is, deriving its fields. Used for loading
// fixtures and start-of-day snapshots.
func (s *Service) Seed(ctx context.Context, p *model.Position) error {
	if _, err := model.ParseBusinessDate(p.BusinessDate); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seed(ctx, p)
}

// SeedIfAbsent stores p only when no position exists for its key, so
// recorded trades, settlements and finalization are never overwritten.
// It reports whether p was stored.
func (s *Service) SeedIfAbsent(ctx context.Context, p *model.Position) (bool, error) {
	if _, err := model.ParseBusinessDate(p.BusinessDate); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.positions.GetPosition(ctx, p.Key())
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return false, err
	}
	if err := s.seed(ctx, p); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) seed(ctx context.Context, p *model.Position) error {
	p.Derive()
	if p.CalculationStatus == "" {
		p.CalculationStatus = model.CalcValid
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.positions.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.revision.Add(1)
	return nil
}
