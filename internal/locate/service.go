// Package locate runs the locate request lifecycle: creation with optional
// auto-decision, manual approve/reject/cancel, and expiry.
//
// Every transition is looked up in the model transition table and applied
// with a compare-and-set on the status it was read in, so at most one
// decision wins when approve and reject race on the same request.
package locate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/events"
	"github.com/ims/calc-engine/internal/metrics"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/store"
)

// SystemUser is recorded as approver or rejecter on automatic decisions.
const SystemUser = "SYSTEM"

// Inventory is the view of the inventory calculator the service needs.
type Inventory interface {
	Availability(ctx context.Context, securityID string, ct model.CalculationType, businessDate string) (*model.InventoryItem, error)
}

// Limits is the view of the limit service the service needs.
type Limits interface {
	ClientLimit(ctx context.Context, clientID, securityID, businessDate string) (*model.Limit, error)
	Today() string
}

// Policy controls automatic decisions and approval defaults.
type Policy struct {
	AutoApprove            bool
	AutoApproveMaxQuantity decimal.Decimal
	AutoRejectUnavailable  bool
	TTL                    time.Duration
	GCBorrowRate           decimal.Decimal
	HTBBorrowRate          decimal.Decimal
}

// Service manages locate requests.
type Service struct {
	store  store.LocateStore
	inv    Inventory
	limits Limits
	pub    events.Publisher
	policy Policy
	now    func() time.Time
}

// NewService creates a locate service. pub may be nil.
func NewService(ls store.LocateStore, inv Inventory, lim Limits, pub events.Publisher, policy Policy) *Service {
	if policy.TTL <= 0 {
		policy.TTL = 24 * time.Hour
	}
	return &Service{store: ls, inv: inv, limits: lim, pub: pub, policy: policy, now: time.Now}
}

// CreateRequest is the payload for a new locate.
type CreateRequest struct {
	SecurityID        string          `json:"securityId"`
	RequestorID       string          `json:"requestorId"`
	ClientID          string          `json:"clientId"`
	AggregationUnitID string          `json:"aggregationUnitId"`
	LocateType        string          `json:"locateType"`
	RequestedQuantity decimal.Decimal `json:"requestedQuantity"`
	SwapCashIndicator string          `json:"swapCashIndicator"`
}

// ApproveRequest is the payload for a manual approval. Zero fields take
// defaults: temperature from current inventory, borrow rate from the
// temperature, expiry from the policy TTL.
type ApproveRequest struct {
	ApprovedQuantity    decimal.Decimal   `json:"approvedQuantity"`
	ApprovedBy          string            `json:"approvedBy"`
	SecurityTemperature model.Temperature `json:"securityTemperature"`
	BorrowRate          decimal.Decimal   `json:"borrowRate"`
	ExpiryDate          *time.Time        `json:"expiryDate,omitempty"`
}

// RejectRequest is the payload for a manual rejection.
type RejectRequest struct {
	RejectionReason string `json:"rejectionReason"`
	RejectedBy      string `json:"rejectedBy"`
}

// Create validates and stores a locate request, deciding it immediately
// when the policy allows.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.LocateRequest, error) {
	fields := map[string]string{}
	if req.SecurityID == "" {
		fields["securityId"] = "securityId is required"
	}
	if req.ClientID == "" {
		fields["clientId"] = "clientId is required"
	}
	if !req.RequestedQuantity.IsPositive() {
		fields["requestedQuantity"] = "Requested quantity must be greater than zero"
	}
	if err := apperr.Invalid(fields); err != nil {
		return nil, err
	}

	today := s.limits.Today()
	avail, err := s.inv.Availability(ctx, req.SecurityID, model.CalcLocate, today)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	l := &model.LocateRequest{
		RequestID:         uuid.New().String(),
		SecurityID:        req.SecurityID,
		Requestor:         req.RequestorID,
		ClientID:          req.ClientID,
		AggregationUnitID: req.AggregationUnitID,
		LocateType:        req.LocateType,
		RequestedQuantity: req.RequestedQuantity,
		SwapCashIndicator: req.SwapCashIndicator,
		Status:            model.LocatePending,
		RequestTimestamp:  now,
		UpdatedAt:         now,
	}

	source := sourceManual
	switch {
	case s.policy.AutoRejectUnavailable && !avail.AvailableQuantity.IsPositive():
		s.decide(l, model.ActionReject, func(l *model.LocateRequest) {
			l.Rejection = &model.LocateRejection{
				RejectionReason: "No locate availability for " + req.SecurityID,
				RejectedBy:      SystemUser,
				IsAutoRejected:  true,
				RejectedAt:      now,
			}
		})
		source = sourceAuto
	case s.autoApprovable(ctx, req, avail, today):
		s.decide(l, model.ActionApprove, func(l *model.LocateRequest) {
			l.Approval = &model.LocateApproval{
				ApprovedQuantity:    req.RequestedQuantity,
				ApprovedBy:          SystemUser,
				SecurityTemperature: avail.SecurityTemperature,
				BorrowRate:          s.borrowRate(avail.SecurityTemperature),
				ExpiryDate:          now.Add(s.policy.TTL),
				IsAutoApproved:      true,
				ApprovedAt:          now,
			}
		})
		source = sourceAuto
	}

	if err := s.store.InsertLocate(ctx, l); err != nil {
		return nil, fmt.Errorf("insert locate: %w", err)
	}

	metrics.LocateTransitions.WithLabelValues(string(l.Status), source).Inc()
	slog.Info("locate created",
		"locate_id", l.RequestID,
		"security", l.SecurityID,
		"client", l.ClientID,
		"qty", l.RequestedQuantity.String(),
		"status", string(l.Status),
		"available", avail.AvailableQuantity.String(),
	)
	s.publish(events.LocateCreated, l, "")
	return l, nil
}

// decide applies an automatic transition to a not-yet-stored request.
func (s *Service) decide(l *model.LocateRequest, action model.LocateAction, apply func(*model.LocateRequest)) {
	next, ok := model.NextLocateStatus(l.Status, action)
	if !ok {
		return
	}
	l.Status = next
	apply(l)
}

func (s *Service) autoApprovable(ctx context.Context, req CreateRequest, avail *model.InventoryItem, today string) bool {
	if !s.policy.AutoApprove {
		return false
	}
	qty := req.RequestedQuantity
	if qty.GreaterThan(s.policy.AutoApproveMaxQuantity) || qty.GreaterThan(avail.AvailableQuantity) {
		return false
	}
	limit, err := s.limits.ClientLimit(ctx, req.ClientID, req.SecurityID, today)
	if err != nil {
		slog.Warn("client limit lookup failed, leaving locate pending", "client", req.ClientID, "err", err)
		return false
	}
	return qty.LessThanOrEqual(limit.ShortSellLimit)
}

func (s *Service) borrowRate(t model.Temperature) decimal.Decimal {
	if t == model.HardToBorrow {
		return s.policy.HTBBorrowRate
	}
	return s.policy.GCBorrowRate
}

// Approve approves a PENDING locate.
func (s *Service) Approve(ctx context.Context, id string, req ApproveRequest) (*model.LocateRequest, error) {
	if !req.ApprovedQuantity.IsPositive() {
		return nil, apperr.Validation("approvedQuantity", "Approved quantity must be greater than zero")
	}
	if req.SecurityTemperature != "" && !req.SecurityTemperature.Valid() {
		return nil, apperr.Validation("securityTemperature", "securityTemperature must be HTB or GC")
	}
	if req.BorrowRate.IsNegative() {
		return nil, apperr.Validation("borrowRate", "borrowRate must not be negative")
	}

	return s.transition(ctx, id, model.ActionApprove, sourceManual, func(l *model.LocateRequest) error {
		if req.ApprovedQuantity.GreaterThan(l.RequestedQuantity) {
			return apperr.Validation("approvedQuantity", "approvedQuantity exceeds requested quantity "+l.RequestedQuantity.String())
		}
		temp := req.SecurityTemperature
		if temp == "" {
			item, err := s.inv.Availability(ctx, l.SecurityID, model.CalcLocate, s.limits.Today())
			if err != nil {
				return err
			}
			temp = item.SecurityTemperature
		}
		rate := req.BorrowRate
		if rate.IsZero() {
			rate = s.borrowRate(temp)
		}
		now := s.now().UTC()
		expiry := now.Add(s.policy.TTL)
		if req.ExpiryDate != nil {
			expiry = req.ExpiryDate.UTC()
		}
		l.Approval = &model.LocateApproval{
			ApprovedQuantity:    req.ApprovedQuantity,
			ApprovedBy:          req.ApprovedBy,
			SecurityTemperature: temp,
			BorrowRate:          rate,
			ExpiryDate:          expiry,
			ApprovedAt:          now,
		}
		return nil
	})
}

// Reject rejects a PENDING locate.
func (s *Service) Reject(ctx context.Context, id string, req RejectRequest) (*model.LocateRequest, error) {
	if req.RejectionReason == "" {
		return nil, apperr.Validation("rejectionReason", "rejectionReason is required")
	}
	return s.transition(ctx, id, model.ActionReject, sourceManual, func(l *model.LocateRequest) error {
		l.Rejection = &model.LocateRejection{
			RejectionReason: req.RejectionReason,
			RejectedBy:      req.RejectedBy,
			RejectedAt:      s.now().UTC(),
		}
		return nil
	})
}

// Cancel cancels a PENDING locate.
func (s *Service) Cancel(ctx context.Context, id string) (*model.LocateRequest, error) {
	return s.transition(ctx, id, model.ActionCancel, sourceManual, nil)
}

// Expire expires an APPROVED locate regardless of its expiry date.
func (s *Service) Expire(ctx context.Context, id string) (*model.LocateRequest, error) {
	return s.transition(ctx, id, model.ActionExpire, sourceManual, nil)
}

// ProcessExpired expires every APPROVED locate whose expiry date has
// passed and returns how many it transitioned. Locates decided
// concurrently by someone else are skipped.
func (s *Service) ProcessExpired(ctx context.Context) (int, error) {
	approved, err := s.store.ListLocates(ctx, model.LocateFilter{Status: model.LocateApproved})
	if err != nil {
		return 0, fmt.Errorf("list approved locates: %w", err)
	}

	now := s.now().UTC()
	count := 0
	for _, l := range approved {
		if l.Approval == nil || l.Approval.ExpiryDate.IsZero() || l.Approval.ExpiryDate.After(now) {
			continue
		}
		_, err := s.transition(ctx, l.RequestID, model.ActionExpire, sourceJob, nil)
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			return count, err
		}
		count++
	}

	slog.Info("expired locates processed", "scanned", len(approved), "expired", count)
	return count, nil
}

// Get returns a locate by request ID.
func (s *Service) Get(ctx context.Context, id string) (*model.LocateRequest, error) {
	return s.store.GetLocate(ctx, id)
}

// Pending returns every locate awaiting a decision.
func (s *Service) Pending(ctx context.Context) ([]model.LocateRequest, error) {
	return s.Search(ctx, model.LocateFilter{Status: model.LocatePending})
}

// Active returns approved locates that have not yet passed their expiry.
func (s *Service) Active(ctx context.Context) ([]model.LocateRequest, error) {
	approved, err := s.Search(ctx, model.LocateFilter{Status: model.LocateApproved})
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out := approved[:0]
	for _, l := range approved {
		if l.Approval != nil && l.Approval.ExpiryDate.After(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

// Search returns locates matching every set field of f, oldest first.
func (s *Service) Search(ctx context.Context, f model.LocateFilter) ([]model.LocateRequest, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, apperr.Validation("toDate", "toDate is before fromDate")
	}
	out, err := s.store.ListLocates(ctx, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.LocateRequest{}
	}
	return out, nil
}

// Transition sources, as labelled on the locate transitions metric.
const (
	sourceManual = "manual"
	sourceAuto   = "auto"
	sourceJob    = "job"
)

// transition moves a stored locate through the transition table. apply
// fills in decision details on the copy before it is swapped in.
func (s *Service) transition(ctx context.Context, id string, action model.LocateAction, source string, apply func(*model.LocateRequest) error) (*model.LocateRequest, error) {
	cur, err := s.store.GetLocate(ctx, id)
	if err != nil {
		return nil, err
	}
	next, ok := model.NextLocateStatus(cur.Status, action)
	if !ok {
		return nil, notAllowed(cur, action)
	}

	upd := cur.Clone()
	upd.Status = next
	if apply != nil {
		if err := apply(upd); err != nil {
			return nil, err
		}
	}
	upd.UpdatedAt = s.now().UTC()

	if err := s.store.CompareAndSwapLocate(ctx, upd, cur.Status); err != nil {
		if errors.Is(err, store.ErrStatusChanged) {
			metrics.LocateConflicts.Inc()
			return nil, alreadyProcessed(id)
		}
		return nil, err
	}

	metrics.LocateTransitions.WithLabelValues(string(next), source).Inc()
	slog.Info("locate transitioned",
		"locate_id", id,
		"action", string(action),
		"from", string(cur.Status),
		"to", string(next),
	)
	reason := ""
	if upd.Rejection != nil {
		reason = upd.Rejection.RejectionReason
	}
	s.publish(eventType(next), upd, reason)
	return upd, nil
}

func alreadyProcessed(id string) error {
	return apperr.Conflict("Locate request %s already processed", id)
}

func notAllowed(l *model.LocateRequest, action model.LocateAction) error {
	if action == model.ActionExpire && l.Status == model.LocatePending {
		return apperr.Conflict("Locate request %s cannot be expired from status %s", l.RequestID, l.Status)
	}
	metrics.LocateConflicts.Inc()
	return apperr.Conflict("Locate request %s already processed (status %s)", l.RequestID, l.Status)
}

func eventType(status model.LocateStatus) string {
	switch status {
	case model.LocateApproved:
		return events.LocateApproved
	case model.LocateRejected:
		return events.LocateRejected
	case model.LocateCancelled:
		return events.LocateCancelled
	case model.LocateExpired:
		return events.LocateExpired
	}
	return events.LocateCreated
}

func (s *Service) publish(typ string, l *model.LocateRequest, reason string) {
	if s.pub == nil {
		return
	}
	if reason == "" && l.Rejection != nil {
		reason = l.Rejection.RejectionReason
	}
	s.pub.Publish(events.Event{
		Type:       typ,
		ID:         l.RequestID,
		SecurityID: l.SecurityID,
		ClientID:   l.ClientID,
		Status:     string(l.Status),
		Quantity:   l.RequestedQuantity.String(),
		Reason:     reason,
	})
}
