package rules

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ims/calc-engine/internal/model"
)

// Facts are the attribute values a rule condition can test: the security's
// reference data plus its position aggregates on the business date.
type Facts struct {
	Security             *model.Security
	NetPosition          decimal.Decimal
	SettledQty           decimal.Decimal
	BorrowedQty          decimal.Decimal
	ProjectedNetPosition decimal.Decimal
}

const externalIDPrefix = "externalId."

var numericAttributes = map[string]bool{
	"netPosition":          true,
	"settledQty":           true,
	"borrowedQty":          true,
	"projectedNetPosition": true,
}

var textAttributes = map[string]bool{
	"securityId": true,
	"type":       true,
	"issuer":     true,
	"market":     true,
	"currency":   true,
	"status":     true,
}

// KnownAttribute reports whether a condition may reference attr.
func KnownAttribute(attr string) bool {
	if numericAttributes[attr] || textAttributes[attr] {
		return true
	}
	return strings.HasPrefix(attr, externalIDPrefix) && len(attr) > len(externalIDPrefix)
}

func (f *Facts) number(attr string) decimal.Decimal {
	switch attr {
	case "netPosition":
		return f.NetPosition
	case "settledQty":
		return f.SettledQty
	case "borrowedQty":
		return f.BorrowedQty
	case "projectedNetPosition":
		return f.ProjectedNetPosition
	}
	return decimal.Zero
}

func (f *Facts) text(attr string) (string, bool) {
	sec := f.Security
	if sec == nil {
		return "", false
	}
	switch attr {
	case "securityId":
		return sec.ID, true
	case "type":
		return sec.Type, true
	case "issuer":
		return sec.Issuer, true
	case "market":
		return sec.Market, true
	case "currency":
		return sec.Currency, true
	case "status":
		return sec.Status, true
	}
	if code, ok := strings.CutPrefix(attr, externalIDPrefix); ok {
		v, found := sec.ExternalIDs[code]
		return v, found
	}
	return "", false
}

// Evaluate folds conditions strictly left to right. An AND following a false
// result and an OR following a true result short-circuit; otherwise the next
// condition's value replaces the running result. No conditions matches
// everything.
func Evaluate(conds []model.Condition, f *Facts) bool {
	return fold(conds, func(c model.Condition) bool { return match(c, f) })
}

func fold(conds []model.Condition, eval func(model.Condition) bool) bool {
	if len(conds) == 0 {
		return true
	}
	acc := eval(conds[0])
	for _, c := range conds[1:] {
		if c.LogicalOperator == model.ConnOr {
			if acc {
				return true
			}
		} else if !acc {
			return false
		}
		acc = eval(c)
	}
	return acc
}

// match evaluates a single condition. Unknown attributes and unparseable
// numeric operands never match.
func match(c model.Condition, f *Facts) bool {
	if numericAttributes[c.Attribute] {
		return matchNumber(c, f.number(c.Attribute))
	}
	v, ok := f.text(c.Attribute)
	if !ok {
		return false
	}
	return matchText(c, v)
}

func matchNumber(c model.Condition, v decimal.Decimal) bool {
	switch c.Operator {
	case model.OpIn, model.OpNotIn:
		found := false
		for _, s := range splitList(c.Value) {
			if n, err := decimal.NewFromString(s); err == nil && n.Equal(v) {
				found = true
				break
			}
		}
		return found == (c.Operator == model.OpIn)
	case model.OpContains, model.OpStartsWith:
		return matchText(c, v.String())
	}

	operand, err := decimal.NewFromString(strings.TrimSpace(c.Value))
	if err != nil {
		return false
	}
	switch c.Operator {
	case model.OpEquals:
		return v.Equal(operand)
	case model.OpNotEquals:
		return !v.Equal(operand)
	case model.OpGreaterThan:
		return v.GreaterThan(operand)
	case model.OpGreaterOrEqual:
		return v.GreaterThanOrEqual(operand)
	case model.OpLessThan:
		return v.LessThan(operand)
	case model.OpLessOrEqual:
		return v.LessThanOrEqual(operand)
	}
	return false
}

func matchText(c model.Condition, v string) bool {
	switch c.Operator {
	case model.OpEquals:
		return v == c.Value
	case model.OpNotEquals:
		return v != c.Value
	case model.OpIn:
		return contains(splitList(c.Value), v)
	case model.OpNotIn:
		return !contains(splitList(c.Value), v)
	case model.OpContains:
		return strings.Contains(v, c.Value)
	case model.OpStartsWith:
		return strings.HasPrefix(v, c.Value)
	case model.OpGreaterThan:
		return v > c.Value
	case model.OpGreaterOrEqual:
		return v >= c.Value
	case model.OpLessThan:
		return v < c.Value
	case model.OpLessOrEqual:
		return v <= c.Value
	}
	return false
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Adjustment sizes the quantity contributed by a matching rule's actions
// against base. Actions within a rule are summed.
func Adjustment(actions []model.Action, base decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range actions {
		switch a.Type {
		case model.ActionFixedQuantity:
			total = total.Add(a.Value)
		case model.ActionPercentOfPosition:
			total = total.Add(base.Mul(a.Value).Div(decimal.NewFromInt(100)))
		case model.ActionFullPosition:
			total = total.Add(base)
		}
	}
	return total
}
