package position

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/model"
)

// TradeSide is the kind of recorded trade event.
type TradeSide string

const (
	SideBuy    TradeSide = "BUY"
	SideSell   TradeSide = "SELL"
	SideBorrow TradeSide = "BORROW"
	SideReturn TradeSide = "RETURN"
)

// TradeEvent records a trade against a position. BUY and SELL schedule a
// receipt or delivery SettlementOffset days out; BORROW and RETURN move the
// borrowed quantity.
type TradeEvent struct {
	BookID           string          `json:"bookId"`
	SecurityID       string          `json:"securityId"`
	BusinessDate     string          `json:"businessDate"`
	Side             TradeSide       `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	SettlementOffset int             `json:"settlementOffset"`
}

// SettlementDirection says which side of SD0 settled.
type SettlementDirection string

const (
	SettleReceipt SettlementDirection = "RECEIPT"
	SettleDeliver SettlementDirection = "DELIVER"
)

// SettlementEvent records quantity settling out of the SD0 bucket.
type SettlementEvent struct {
	BookID       string              `json:"bookId"`
	SecurityID   string              `json:"securityId"`
	BusinessDate string              `json:"businessDate"`
	Direction    SettlementDirection `json:"direction"`
	Quantity     decimal.Decimal     `json:"quantity"`
}

func (e *TradeEvent) validate() error {
	fields := map[string]string{}
	if e.BookID == "" {
		fields["bookId"] = "bookId is required"
	}
	if e.SecurityID == "" {
		fields["securityId"] = "securityId is required"
	}
	if _, err := model.ParseBusinessDate(e.BusinessDate); err != nil {
		fields["businessDate"] = apperr.FieldErrors(err)["businessDate"]
	}
	switch e.Side {
	case SideBuy, SideSell, SideBorrow, SideReturn:
	default:
		fields["side"] = "side must be BUY, SELL, BORROW or RETURN"
	}
	if !e.Quantity.IsPositive() {
		fields["quantity"] = "Quantity must be greater than zero"
	}
	if e.SettlementOffset < 0 || e.SettlementOffset >= model.LadderDays {
		fields["settlementOffset"] = "settlementOffset must be between 0 and 4"
	}
	return apperr.Invalid(fields)
}

func (e *SettlementEvent) validate() error {
	fields := map[string]string{}
	if e.BookID == "" {
		fields["bookId"] = "bookId is required"
	}
	if e.SecurityID == "" {
		fields["securityId"] = "securityId is required"
	}
	if _, err := model.ParseBusinessDate(e.BusinessDate); err != nil {
		fields["businessDate"] = apperr.FieldErrors(err)["businessDate"]
	}
	if e.Direction != SettleReceipt && e.Direction != SettleDeliver {
		fields["direction"] = "direction must be RECEIPT or DELIVER"
	}
	if !e.Quantity.IsPositive() {
		fields["quantity"] = "Quantity must be greater than zero"
	}
	return apperr.Invalid(fields)
}

// ApplyTrade records a trade event and returns the updated position. The
// position is created on first trade.
func (s *Service) ApplyTrade(ctx context.Context, e TradeEvent) (*model.Position, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	if _, err := s.securities.GetSecurity(ctx, e.SecurityID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.loadOrNew(ctx, e.BookID, e.SecurityID, e.BusinessDate)
	if err != nil {
		return nil, err
	}

	day := &p.Ladder[e.SettlementOffset]
	switch e.Side {
	case SideBuy:
		p.ContractualQty = p.ContractualQty.Add(e.Quantity)
		day.Receipt = day.Receipt.Add(e.Quantity)
	case SideSell:
		p.ContractualQty = p.ContractualQty.Sub(e.Quantity)
		day.Deliver = day.Deliver.Add(e.Quantity)
	case SideBorrow:
		p.BorrowedQty = p.BorrowedQty.Add(e.Quantity)
	case SideReturn:
		if e.Quantity.GreaterThan(p.BorrowedQty) {
			return nil, apperr.Validation("quantity", "return exceeds borrowed quantity "+p.BorrowedQty.String())
		}
		p.BorrowedQty = p.BorrowedQty.Sub(e.Quantity)
	}

	if err := s.save(ctx, p); err != nil {
		return nil, err
	}
	slog.Info("trade recorded",
		"book", e.BookID,
		"security", e.SecurityID,
		"business_date", e.BusinessDate,
		"side", string(e.Side),
		"qty", e.Quantity.String(),
		"offset", e.SettlementOffset,
	)
	return p, nil
}

// ApplySettlement moves quantity out of the SD0 bucket into settled
// quantity and returns the updated position.
func (s *Service) ApplySettlement(ctx context.Context, e SettlementEvent) (*model.Position, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.positions.GetPosition(ctx, model.PositionKey{
		BookID: e.BookID, SecurityID: e.SecurityID, BusinessDate: e.BusinessDate,
	})
	if err != nil {
		return nil, err
	}
	if p.Finalized {
		return nil, apperr.Conflict("position %s/%s on %s is finalized", p.BookID, p.SecurityID, p.BusinessDate)
	}

	sd0 := &p.Ladder[0]
	switch e.Direction {
	case SettleReceipt:
		if e.Quantity.GreaterThan(sd0.Receipt) {
			return nil, apperr.Validation("quantity", "settlement exceeds SD0 receipt "+sd0.Receipt.String())
		}
		sd0.Receipt = sd0.Receipt.Sub(e.Quantity)
		p.SettledQty = p.SettledQty.Add(e.Quantity)
	case SettleDeliver:
		if e.Quantity.GreaterThan(sd0.Deliver) {
			return nil, apperr.Validation("quantity", "settlement exceeds SD0 deliver "+sd0.Deliver.String())
		}
		sd0.Deliver = sd0.Deliver.Sub(e.Quantity)
		p.SettledQty = p.SettledQty.Sub(e.Quantity)
	}

	if err := s.save(ctx, p); err != nil {
		return nil, err
	}
	slog.Info("settlement recorded",
		"book", e.BookID,
		"security", e.SecurityID,
		"direction", string(e.Direction),
		"qty", e.Quantity.String(),
	)
	return p, nil
}

func (s *Service) loadOrNew(ctx context.Context, bookID, securityID, businessDate string) (*model.Position, error) {
	p, err := s.positions.GetPosition(ctx, model.PositionKey{
		BookID: bookID, SecurityID: securityID, BusinessDate: businessDate,
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return &model.Position{
			BookID:       bookID,
			SecurityID:   securityID,
			BusinessDate: businessDate,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Finalized {
		return nil, apperr.Conflict("position %s/%s on %s is finalized", bookID, securityID, businessDate)
	}
	return p, nil
}

// save derives, stamps and persists p. Caller holds s.mu.
func (s *Service) save(ctx context.Context, p *model.Position) error {
	p.Derive()
	p.CalculationStatus = model.CalcValid
	p.UpdatedAt = s.now().UTC()
	if err := s.positions.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.revision.Add(1)
	return nil
}
