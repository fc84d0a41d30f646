package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CalculationType is an inventory availability category.
type CalculationType string

const (
	CalcForLoan   CalculationType = "FOR_LOAN"
	CalcForPledge CalculationType = "FOR_PLEDGE"
	CalcLongSell  CalculationType = "LONG_SELL"
	CalcShortSell CalculationType = "SHORT_SELL"
	CalcLocate    CalculationType = "LOCATE"
)

// CalculationTypes lists every category produced by a full calculation.
var CalculationTypes = []CalculationType{
	CalcForLoan, CalcForPledge, CalcLongSell, CalcShortSell, CalcLocate,
}

// Valid reports whether c is a known category.
func (c CalculationType) Valid() bool {
	for _, ct := range CalculationTypes {
		if c == ct {
			return true
		}
	}
	return false
}

// Temperature is the borrow scarcity classification of a security.
type Temperature string

const (
	HardToBorrow      Temperature = "HTB"
	GeneralCollateral Temperature = "GC"
)

// Valid reports whether t is HTB or GC.
func (t Temperature) Valid() bool {
	return t == HardToBorrow || t == GeneralCollateral
}

// InventoryItem is the availability of one security in one category.
// It is always a projection of positions and rules, never a source of truth.
type InventoryItem struct {
	SecurityID          string          `json:"securityId"`
	CalculationType     CalculationType `json:"calculationType"`
	BusinessDate        string          `json:"businessDate"`
	BaseQuantity        decimal.Decimal `json:"baseQuantity"`
	Adjustment          decimal.Decimal `json:"adjustment"`
	AvailableQuantity   decimal.Decimal `json:"availableQuantity"`
	SecurityTemperature Temperature     `json:"securityTemperature"`
	AppliedRules        []string        `json:"appliedRules"`
	CalculatedAt        time.Time       `json:"calculatedAt"`
}

// Overborrow reports a security whose borrowed quantity exceeds its
// calculated for-loan entitlement.
type Overborrow struct {
	SecurityID       string          `json:"securityId"`
	BusinessDate     string          `json:"businessDate"`
	BorrowedQuantity decimal.Decimal `json:"borrowedQuantity"`
	Entitlement      decimal.Decimal `json:"entitlement"`
	ExcessQuantity   decimal.Decimal `json:"excessQuantity"`
}

// EntityType distinguishes client limits from aggregation-unit limits.
type EntityType string

const (
	EntityClient          EntityType = "CLIENT"
	EntityAggregationUnit EntityType = "AGGREGATION_UNIT"
)

// Limit is the derived sell capacity of an entity in one security.
type Limit struct {
	EntityType     EntityType      `json:"entityType"`
	EntityID       string          `json:"entityId"`
	SecurityID     string          `json:"securityId"`
	BusinessDate   string          `json:"businessDate"`
	LongSellLimit  decimal.Decimal `json:"longSellLimit"`
	ShortSellLimit decimal.Decimal `json:"shortSellLimit"`
	CalculatedAt   time.Time       `json:"calculatedAt"`
}

// For returns the limit matching the order's sell direction.
func (l *Limit) For(orderType OrderType) decimal.Decimal {
	if orderType == OrderLongSell {
		return l.LongSellLimit
	}
	return l.ShortSellLimit
}
