package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleType classifies a calculation rule.
type RuleType string

const (
	RuleInclusion RuleType = "INCLUSION"
	RuleExclusion RuleType = "EXCLUSION"
	RuleForLoan   RuleType = "FOR_LOAN"
	RuleForPledge RuleType = "FOR_PLEDGE"
	RuleLongSell  RuleType = "LONG_SELL"
	RuleShortSell RuleType = "SHORT_SELL"
	RuleLocate    RuleType = "LOCATE"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleInclusion, RuleExclusion, RuleForLoan, RuleForPledge,
		RuleLongSell, RuleShortSell, RuleLocate:
		return true
	}
	return false
}

// Subtractive reports whether matching rules of this type reduce availability.
// Category rule types (FOR_LOAN, ...) are additive adjustments scoped to
// their own category.
func (t RuleType) Subtractive() bool {
	return t == RuleExclusion
}

// RuleStatus is the lifecycle state of a rule.
type RuleStatus string

const (
	RuleDraft    RuleStatus = "DRAFT"
	RuleActive   RuleStatus = "ACTIVE"
	RuleInactive RuleStatus = "INACTIVE"
)

// Valid reports whether s is a known rule status.
func (s RuleStatus) Valid() bool {
	return s == RuleDraft || s == RuleActive || s == RuleInactive
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals         Operator = "EQUALS"
	OpNotEquals      Operator = "NOT_EQUALS"
	OpIn             Operator = "IN"
	OpNotIn          Operator = "NOT_IN"
	OpGreaterThan    Operator = "GREATER_THAN"
	OpGreaterOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OpLessThan       Operator = "LESS_THAN"
	OpLessOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	OpContains       Operator = "CONTAINS"
	OpStartsWith     Operator = "STARTS_WITH"
)

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpIn, OpNotIn, OpGreaterThan, OpGreaterOrEqual,
		OpLessThan, OpLessOrEqual, OpContains, OpStartsWith:
		return true
	}
	return false
}

// Connective joins a condition to the result of the conditions before it.
type Connective string

const (
	ConnAnd Connective = "AND"
	ConnOr  Connective = "OR"
)

// Condition is one attribute test in a rule. LogicalOperator of the first
// condition is ignored; empty means AND.
type Condition struct {
	Attribute       string     `json:"attribute" yaml:"attribute"`
	Operator        Operator   `json:"operator" yaml:"operator"`
	Value           string     `json:"value" yaml:"value"`
	LogicalOperator Connective `json:"logicalOperator,omitempty" yaml:"logicalOperator"`
}

// ActionType determines how a matching rule sizes its adjustment.
type ActionType string

const (
	ActionFixedQuantity     ActionType = "FIXED_QUANTITY"
	ActionPercentOfPosition ActionType = "PERCENT_OF_POSITION"
	ActionFullPosition      ActionType = "FULL_POSITION"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	return a == ActionFixedQuantity || a == ActionPercentOfPosition || a == ActionFullPosition
}

// Action sizes the adjustment contributed by a matching rule.
type Action struct {
	Type  ActionType      `json:"type" yaml:"type"`
	Value decimal.Decimal `json:"value" yaml:"value"`
}

// CalculationRule is a prioritized condition→action rule scoped by market.
type CalculationRule struct {
	ID              string          `json:"id" yaml:"id" db:"id"`
	Name            string          `json:"name" yaml:"name" db:"name"`
	RuleType        RuleType        `json:"ruleType" yaml:"ruleType" db:"rule_type"`
	CalculationType CalculationType `json:"calculationType,omitempty" yaml:"calculationType" db:"calculation_type"`
	Market          string          `json:"market" yaml:"market" db:"market"`
	Priority        int             `json:"priority" yaml:"priority" db:"priority"`
	Conditions      []Condition     `json:"conditions" yaml:"conditions" db:"conditions"`
	Actions         []Action        `json:"actions" yaml:"actions" db:"actions"`
	Status          RuleStatus      `json:"status" yaml:"status" db:"status"`
	EffectiveDate   string          `json:"effectiveDate,omitempty" yaml:"effectiveDate" db:"effective_date"`
	ExpiryDate      string          `json:"expiryDate,omitempty" yaml:"expiryDate" db:"expiry_date"`
	Sequence        int64           `json:"sequence" yaml:"-" db:"sequence"`
	CreatedAt       time.Time       `json:"createdAt" yaml:"-" db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt" yaml:"-" db:"updated_at"`
}

// EffectiveOn reports whether the rule is ACTIVE and within its effective
// window on businessDate. Dates compare lexically in YYYY-MM-DD form; the
// expiry date is inclusive.
func (r *CalculationRule) EffectiveOn(businessDate string) bool {
	if r.Status != RuleActive {
		return false
	}
	if r.EffectiveDate != "" && businessDate < r.EffectiveDate {
		return false
	}
	if r.ExpiryDate != "" && businessDate > r.ExpiryDate {
		return false
	}
	return true
}

// AppliesTo reports whether the rule contributes to the given category.
func (r *CalculationRule) AppliesTo(ct CalculationType) bool {
	switch r.RuleType {
	case RuleInclusion, RuleExclusion:
		return r.CalculationType == "" || r.CalculationType == ct
	default:
		return string(r.RuleType) == string(ct)
	}
}
