package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType is the sell direction of an order.
type OrderType string

const (
	OrderShortSell OrderType = "SHORT_SELL"
	OrderLongSell  OrderType = "LONG_SELL"
)

// Valid reports whether t is SHORT_SELL or LONG_SELL.
func (t OrderType) Valid() bool {
	return t == OrderShortSell || t == OrderLongSell
}

// ValidationStatus is the decision on an order.
type ValidationStatus string

const (
	ValidationApproved ValidationStatus = "APPROVED"
	ValidationRejected ValidationStatus = "REJECTED"
)

// OrderRequest is one order submitted for validation. BusinessDate
// defaults to today.
type OrderRequest struct {
	OrderID           string          `json:"orderId"`
	OrderType         OrderType       `json:"orderType"`
	SecurityID        string          `json:"securityId"`
	ClientID          string          `json:"clientId"`
	AggregationUnitID string          `json:"aggregationUnitId"`
	Quantity          decimal.Decimal `json:"quantity"`
	BusinessDate      string          `json:"businessDate,omitempty"`
}

// OrderValidation is the immutable record of one validation call.
type OrderValidation struct {
	ValidationID        string           `json:"validationId" db:"validation_id"`
	OrderID             string           `json:"orderId" db:"order_id"`
	OrderType           OrderType        `json:"orderType" db:"order_type"`
	SecurityID          string           `json:"securityId" db:"security_id"`
	ClientID            string           `json:"clientId" db:"client_id"`
	AggregationUnitID   string           `json:"aggregationUnitId" db:"aggregation_unit_id"`
	Quantity            decimal.Decimal  `json:"quantity" db:"quantity"`
	Status              ValidationStatus `json:"status" db:"status"`
	ValidationTimestamp time.Time        `json:"validationTimestamp" db:"validation_timestamp"`
	ProcessingTime      float64          `json:"processingTime" db:"processing_time_ms"` // milliseconds
	RejectionReason     string           `json:"rejectionReason,omitempty" db:"rejection_reason"`
	AvailableLimit      decimal.Decimal  `json:"availableLimit" db:"available_limit"`
}
