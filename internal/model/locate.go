package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LocateStatus is the lifecycle state of a locate request.
type LocateStatus string

const (
	LocatePending   LocateStatus = "PENDING"
	LocateApproved  LocateStatus = "APPROVED"
	LocateRejected  LocateStatus = "REJECTED"
	LocateCancelled LocateStatus = "CANCELLED"
	LocateExpired   LocateStatus = "EXPIRED"
)

// ParseLocateStatus accepts a known status.
func ParseLocateStatus(s string) (LocateStatus, bool) {
	switch st := LocateStatus(s); st {
	case LocatePending, LocateApproved, LocateRejected, LocateCancelled, LocateExpired:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further transition is possible.
func (s LocateStatus) Terminal() bool {
	return s == LocateRejected || s == LocateCancelled || s == LocateExpired
}

// LocateAction is an event applied to a locate request.
type LocateAction string

const (
	ActionApprove LocateAction = "APPROVE"
	ActionReject  LocateAction = "REJECT"
	ActionCancel  LocateAction = "CANCEL"
	ActionExpire  LocateAction = "EXPIRE"
)

type locateTransition struct {
	from   LocateStatus
	action LocateAction
}

// locateTransitions is the complete state machine; absent pairs are rejected.
var locateTransitions = map[locateTransition]LocateStatus{
	{LocatePending, ActionApprove}: LocateApproved,
	{LocatePending, ActionReject}:  LocateRejected,
	{LocatePending, ActionCancel}:  LocateCancelled,
	{LocateApproved, ActionExpire}: LocateExpired,
}

// NextLocateStatus looks up the transition table. ok is false when the
// action is not permitted from the current status.
func NextLocateStatus(current LocateStatus, action LocateAction) (next LocateStatus, ok bool) {
	next, ok = locateTransitions[locateTransition{current, action}]
	return next, ok
}

// LocateApproval is present only on approved (and later expired) locates.
type LocateApproval struct {
	ApprovedQuantity    decimal.Decimal `json:"approvedQuantity"`
	ApprovedBy          string          `json:"approvedBy"`
	SecurityTemperature Temperature     `json:"securityTemperature"`
	BorrowRate          decimal.Decimal `json:"borrowRate"`
	ExpiryDate          time.Time       `json:"expiryDate"`
	IsAutoApproved      bool            `json:"isAutoApproved"`
	ApprovedAt          time.Time       `json:"approvedAt"`
}

// LocateRejection is present only on rejected locates.
type LocateRejection struct {
	RejectionReason string    `json:"rejectionReason"`
	RejectedBy      string    `json:"rejectedBy"`
	IsAutoRejected  bool      `json:"isAutoRejected"`
	RejectedAt      time.Time `json:"rejectedAt"`
}

// LocateRequest reserves borrowable inventory ahead of a short sale.
type LocateRequest struct {
	RequestID         string           `json:"requestId" db:"request_id"`
	SecurityID        string           `json:"securityId" db:"security_id"`
	Requestor         string           `json:"requestorId" db:"requestor"`
	ClientID          string           `json:"clientId" db:"client_id"`
	AggregationUnitID string           `json:"aggregationUnitId" db:"aggregation_unit_id"`
	LocateType        string           `json:"locateType" db:"locate_type"`
	RequestedQuantity decimal.Decimal  `json:"requestedQuantity" db:"requested_quantity"`
	SwapCashIndicator string           `json:"swapCashIndicator" db:"swap_cash_indicator"`
	Status            LocateStatus     `json:"status" db:"status"`
	RequestTimestamp  time.Time        `json:"requestTimestamp" db:"request_timestamp"`
	Approval          *LocateApproval  `json:"approval,omitempty" db:"approval"`
	Rejection         *LocateRejection `json:"rejection,omitempty" db:"rejection"`
	UpdatedAt         time.Time        `json:"updatedAt" db:"updated_at"`
}

// Clone returns a deep copy safe to mutate.
func (l *LocateRequest) Clone() *LocateRequest {
	c := *l
	if l.Approval != nil {
		a := *l.Approval
		c.Approval = &a
	}
	if l.Rejection != nil {
		r := *l.Rejection
		c.Rejection = &r
	}
	return &c
}

// LocateFilter selects locates for search. Zero-valued fields match all.
type LocateFilter struct {
	SecurityID string
	ClientID   string
	Status     LocateStatus
	From       time.Time
	To         time.Time
}

// Matches reports whether l satisfies every set field of f.
func (f LocateFilter) Matches(l *LocateRequest) bool {
	if f.SecurityID != "" && l.SecurityID != f.SecurityID {
		return false
	}
	if f.ClientID != "" && l.ClientID != f.ClientID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && l.RequestTimestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && l.RequestTimestamp.After(f.To) {
		return false
	}
	return true
}
