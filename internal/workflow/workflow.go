// Package workflow coordinates multi-step flows across the locate and order
// validation services.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/locate"
	"github.com/ims/calc-engine/internal/model"
)

// Locates is the part of the locate service the orchestrator drives.
type Locates interface {
	Create(ctx context.Context, req locate.CreateRequest) (*model.LocateRequest, error)
	Search(ctx context.Context, f model.LocateFilter) ([]model.LocateRequest, error)
}

// Validator decides orders.
type Validator interface {
	ValidateOrder(ctx context.Context, req model.OrderRequest) (*model.OrderValidation, error)
}

// Orchestrator runs flows that span services.
type Orchestrator struct {
	locates   Locates
	validator Validator
}

// New creates an orchestrator.
func New(locates Locates, validator Validator) *Orchestrator {
	return &Orchestrator{locates: locates, validator: validator}
}

// SearchParams are the raw search filters. Every field is optional; dates
// are business dates and toDate is inclusive.
type SearchParams struct {
	SecurityID string
	ClientID   string
	Status     string
	FromDate   string
	ToDate     string
}

// SearchLocates returns locates matching every supplied filter.
func (o *Orchestrator) SearchLocates(ctx context.Context, p SearchParams) ([]model.LocateRequest, error) {
	f := model.LocateFilter{SecurityID: p.SecurityID, ClientID: p.ClientID}
	fields := map[string]string{}

	if p.Status != "" {
		st, ok := model.ParseLocateStatus(p.Status)
		if !ok {
			fields["status"] = "Invalid locate status: " + p.Status
		}
		f.Status = st
	}
	if p.FromDate != "" {
		t, err := model.ParseBusinessDate(p.FromDate)
		if err != nil {
			fields["fromDate"] = "Invalid fromDate, expected YYYY-MM-DD"
		}
		f.From = t
	}
	if p.ToDate != "" {
		t, err := model.ParseBusinessDate(p.ToDate)
		if err != nil {
			fields["toDate"] = "Invalid toDate, expected YYYY-MM-DD"
		}
		f.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	if err := apperr.Invalid(fields); err != nil {
		return nil, err
	}

	return o.locates.Search(ctx, f)
}

// LocateResult pairs the locate taken for an order with the order's
// validation. Locate is nil for long sells; Validation is nil when the
// locate did not end APPROVED.
type LocateResult struct {
	Locate     *model.LocateRequest   `json:"locate,omitempty"`
	Validation *model.OrderValidation `json:"validation,omitempty"`
}

// LocateAndValidate takes a locate for a short sale and validates the
// order once the locate is approved. Long sells need no locate and are
// validated directly.
func (o *Orchestrator) LocateAndValidate(ctx context.Context, req model.OrderRequest) (*LocateResult, error) {
	if req.OrderType != model.OrderShortSell {
		v, err := o.validator.ValidateOrder(ctx, req)
		if err != nil {
			return nil, err
		}
		return &LocateResult{Validation: v}, nil
	}

	l, err := o.locates.Create(ctx, locate.CreateRequest{
		SecurityID:        req.SecurityID,
		ClientID:          req.ClientID,
		AggregationUnitID: req.AggregationUnitID,
		LocateType:        string(req.OrderType),
		RequestedQuantity: req.Quantity,
	})
	if err != nil {
		return nil, err
	}

	res := &LocateResult{Locate: l}
	if l.Status != model.LocateApproved {
		slog.Info("order held for locate decision",
			"order_id", req.OrderID,
			"locate_id", l.RequestID,
			"status", string(l.Status),
		)
		return res, nil
	}

	res.Validation, err = o.validator.ValidateOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	return res, nil
}
