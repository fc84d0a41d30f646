// Package model defines the core domain types shared across the calculation
// engine. All quantities and rates use shopspring/decimal; never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BusinessDateLayout is the calendar format accepted for business dates.
const BusinessDateLayout = "2006-01-02"

// LadderDays is the number of settlement days tracked per position (SD0..SD4).
const LadderDays = 5

// Security is reference data for a tradable instrument. It is owned by an
// external reference-data system; the engine only reads it.
type Security struct {
	ID          string            `json:"securityId" yaml:"id" db:"id"`
	Type        string            `json:"type" yaml:"type" db:"type"`
	Issuer      string            `json:"issuer" yaml:"issuer" db:"issuer"`
	Market      string            `json:"market" yaml:"market" db:"market"`
	Currency    string            `json:"currency" yaml:"currency" db:"currency"`
	Status      string            `json:"status" yaml:"status" db:"status"`
	ExternalIDs map[string]string `json:"externalIds,omitempty" yaml:"externalIds" db:"external_ids"` // source → code
}

// CalculationStatus tracks whether a position's derived fields are current.
type CalculationStatus string

const (
	CalcPending CalculationStatus = "PENDING"
	CalcValid   CalculationStatus = "VALID"
	CalcInvalid CalculationStatus = "INVALID"
	CalcError   CalculationStatus = "ERROR"
)

// ParseCalculationStatus accepts "" (no filter) or a known status.
func ParseCalculationStatus(s string) (CalculationStatus, bool) {
	switch CalculationStatus(s) {
	case "", CalcPending, CalcValid, CalcInvalid, CalcError:
		return CalculationStatus(s), true
	}
	return "", false
}

// LadderDay is one settlement day's scheduled movements.
type LadderDay struct {
	Deliver decimal.Decimal `json:"deliver" yaml:"deliver"`
	Receipt decimal.Decimal `json:"receipt" yaml:"receipt"`
}

// Net is receipt minus deliver.
func (d LadderDay) Net() decimal.Decimal {
	return d.Receipt.Sub(d.Deliver)
}

// Position is a book's holding in one security on one business date.
// It is mutated only through recorded trade and settlement events and is
// frozen once Finalized.
type Position struct {
	BookID               string                `json:"bookId" yaml:"bookId" db:"book_id"`
	SecurityID           string                `json:"securityId" yaml:"securityId" db:"security_id"`
	BusinessDate         string                `json:"businessDate" yaml:"businessDate" db:"business_date"`
	ContractualQty       decimal.Decimal       `json:"contractualQty" yaml:"contractualQty" db:"contractual_qty"`
	SettledQty           decimal.Decimal       `json:"settledQty" yaml:"settledQty" db:"settled_qty"`
	BorrowedQty          decimal.Decimal       `json:"borrowedQty" yaml:"borrowedQty" db:"borrowed_qty"`
	ProjectedNetPosition decimal.Decimal       `json:"projectedNetPosition" yaml:"-" db:"projected_net_position"`
	CurrentNetPosition   decimal.Decimal       `json:"currentNetPosition" yaml:"-" db:"current_net_position"`
	Ladder               [LadderDays]LadderDay `json:"settlementLadder" yaml:"ladder" db:"-"`
	CalculationStatus    CalculationStatus     `json:"calculationStatus" yaml:"calculationStatus" db:"calculation_status"`
	Finalized            bool                  `json:"finalized" yaml:"-" db:"finalized"`
	UpdatedAt            time.Time             `json:"updatedAt" yaml:"-" db:"updated_at"`
}

// Key identifies a position.
func (p *Position) Key() PositionKey {
	return PositionKey{BookID: p.BookID, SecurityID: p.SecurityID, BusinessDate: p.BusinessDate}
}

// NetSettlement sums receipt minus deliver over the whole ladder.
func (p *Position) NetSettlement() decimal.Decimal {
	net := decimal.Zero
	for _, d := range p.Ladder {
		net = net.Add(d.Net())
	}
	return net
}

// Derive recomputes the derived fields from the recorded quantities.
// It is a pure function of ContractualQty, SettledQty and the ladder.
func (p *Position) Derive() {
	p.CurrentNetPosition = p.ContractualQty
	p.ProjectedNetPosition = p.SettledQty.Add(p.NetSettlement())
}

// PositionKey is the (book, security, business date) identity of a position.
type PositionKey struct {
	BookID       string
	SecurityID   string
	BusinessDate string
}

// SettlementLadderDay is one row of a settlement ladder view.
type SettlementLadderDay struct {
	Offset            int             `json:"offset"`
	SettlementDate    string          `json:"settlementDate"`
	Deliver           decimal.Decimal `json:"deliver"`
	Receipt           decimal.Decimal `json:"receipt"`
	Net               decimal.Decimal `json:"net"`
	ProjectedPosition decimal.Decimal `json:"projectedPosition"`
}

// SettlementLadder is the SD0..SD4 projection for a position.
type SettlementLadder struct {
	BookID            string                `json:"bookId"`
	SecurityID        string                `json:"securityId"`
	BusinessDate      string                `json:"businessDate"`
	SettledQty        decimal.Decimal       `json:"settledQty"`
	Days              []SettlementLadderDay `json:"days"`
	NetSettlement     decimal.Decimal       `json:"netSettlement"`
	ProjectedPosition decimal.Decimal       `json:"projectedPosition"`
}
