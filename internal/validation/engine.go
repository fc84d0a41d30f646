// Package validation decides short-sell and long-sell orders against client
// and aggregation-unit limits and records every decision.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/events"
	"github.com/ims/calc-engine/internal/limits"
	"github.com/ims/calc-engine/internal/metrics"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/store"
)

const (
	MsgQuantityNotPositive = "Quantity must be greater than zero"
	MsgInvalidOrderType    = "Invalid order type"
)

// Limits is the view of the limit service the engine needs.
type Limits interface {
	Check(ctx context.Context, o limits.Order) (*limits.Decision, error)
	Today() string
}

// Config tunes the engine.
type Config struct {
	// SLA is the per-order processing time budget. Breaches are logged and
	// counted; they never change the decision.
	SLA              time.Duration
	BatchConcurrency int
}

// Engine validates orders.
type Engine struct {
	store  store.ValidationStore
	limits Limits
	pub    events.Publisher
	cfg    Config
	now    func() time.Time
}

// NewEngine creates a validation engine. pub may be nil.
func NewEngine(vs store.ValidationStore, lim Limits, pub events.Publisher, cfg Config) *Engine {
	if cfg.SLA <= 0 {
		cfg.SLA = 150 * time.Millisecond
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 16
	}
	return &Engine{store: vs, limits: lim, pub: pub, cfg: cfg, now: time.Now}
}

// ValidateOrder checks one order against its limits and records the
// decision. Malformed requests fail with a ValidationError and unknown
// securities with NotFound; neither is recorded.
func (e *Engine) ValidateOrder(ctx context.Context, req model.OrderRequest) (*model.OrderValidation, error) {
	start := time.Now()
	if err := checkRequest(&req); err != nil {
		return nil, err
	}
	if req.BusinessDate == "" {
		req.BusinessDate = e.limits.Today()
	}

	d, err := e.limits.Check(ctx, limits.Order{
		ClientID:          req.ClientID,
		AggregationUnitID: req.AggregationUnitID,
		SecurityID:        req.SecurityID,
		OrderType:         req.OrderType,
		Quantity:          req.Quantity,
		BusinessDate:      req.BusinessDate,
	})
	if err != nil {
		return nil, err
	}

	v := e.newValidation(req)
	v.AvailableLimit = d.Available
	if d.Allowed {
		v.Status = model.ValidationApproved
	} else {
		v.Status = model.ValidationRejected
		v.RejectionReason = rejectionReason(d, req)
	}
	if err := e.record(ctx, v, start); err != nil {
		return nil, err
	}
	return v, nil
}

// ValidateBatch validates orders in parallel. The result has one entry per
// request in request order. A request that fails input or reference-data
// checks yields a REJECTED validation carrying the error message instead of
// failing the batch; only store failures fail the whole call.
func (e *Engine) ValidateBatch(ctx context.Context, reqs []model.OrderRequest) ([]model.OrderValidation, error) {
	results := make([]model.OrderValidation, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.BatchConcurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			start := time.Now()
			v, err := e.ValidateOrder(gctx, req)
			if errors.Is(err, apperr.ErrValidation) || errors.Is(err, apperr.ErrNotFound) {
				v = e.newValidation(req)
				v.Status = model.ValidationRejected
				v.RejectionReason = apperr.Message(err)
				err = e.record(gctx, v, start)
			}
			if err != nil {
				return fmt.Errorf("order %d: %w", i, err)
			}
			results[i] = *v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Info("batch validated", "orders", len(reqs))
	return results, nil
}

// Status returns the latest validation recorded for an order.
func (e *Engine) Status(ctx context.Context, orderID string) (*model.OrderValidation, error) {
	return e.store.GetValidationByOrder(ctx, orderID)
}

func (e *Engine) newValidation(req model.OrderRequest) *model.OrderValidation {
	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.New().String()
	}
	return &model.OrderValidation{
		ValidationID:      uuid.New().String(),
		OrderID:           orderID,
		OrderType:         req.OrderType,
		SecurityID:        req.SecurityID,
		ClientID:          req.ClientID,
		AggregationUnitID: req.AggregationUnitID,
		Quantity:          req.Quantity,
	}
}

// record stamps timing onto v, persists it and emits metrics and events.
func (e *Engine) record(ctx context.Context, v *model.OrderValidation, start time.Time) error {
	elapsed := time.Since(start)
	v.ValidationTimestamp = e.now().UTC()
	v.ProcessingTime = float64(elapsed.Microseconds()) / 1000

	if err := e.store.InsertValidation(ctx, v); err != nil {
		return fmt.Errorf("record validation: %w", err)
	}

	metrics.OrderValidations.WithLabelValues(string(v.OrderType), string(v.Status)).Inc()
	metrics.ValidationLatency.WithLabelValues(string(v.OrderType)).Observe(elapsed.Seconds())
	if elapsed > e.cfg.SLA {
		metrics.SLABreaches.Inc()
		slog.Warn("order validation exceeded SLA",
			"order_id", v.OrderID,
			"processing_ms", v.ProcessingTime,
			"sla_ms", e.cfg.SLA.Milliseconds(),
		)
	}

	slog.Info("order validated",
		"order_id", v.OrderID,
		"order_type", string(v.OrderType),
		"security", v.SecurityID,
		"status", string(v.Status),
		"processing_ms", v.ProcessingTime,
	)
	if e.pub != nil {
		e.pub.Publish(events.Event{
			Type:       events.OrderValidated,
			ID:         v.OrderID,
			SecurityID: v.SecurityID,
			ClientID:   v.ClientID,
			Status:     string(v.Status),
			Quantity:   v.Quantity.String(),
			Reason:     v.RejectionReason,
		})
	}
	return nil
}

func checkRequest(req *model.OrderRequest) error {
	fields := map[string]string{}
	if !req.Quantity.IsPositive() {
		fields["quantity"] = MsgQuantityNotPositive
	}
	if !req.OrderType.Valid() {
		fields["orderType"] = MsgInvalidOrderType
	}
	if req.SecurityID == "" {
		fields["securityId"] = "securityId is required"
	}
	if req.ClientID == "" {
		fields["clientId"] = "clientId is required"
	}
	if req.AggregationUnitID == "" {
		fields["aggregationUnitId"] = "aggregationUnitId is required"
	}
	if req.BusinessDate != "" {
		if _, err := model.ParseBusinessDate(req.BusinessDate); err != nil {
			fields["businessDate"] = apperr.FieldErrors(err)["businessDate"]
		}
	}
	return apperr.Invalid(fields)
}

func rejectionReason(d *limits.Decision, req model.OrderRequest) string {
	switch {
	case errors.Is(d.Reason, limits.ErrClientLimitExceeded):
		return fmt.Sprintf("Quantity %s exceeds client limit %s", req.Quantity, d.ClientLimit)
	case errors.Is(d.Reason, limits.ErrAggregationUnitLimitExceeded):
		return fmt.Sprintf("Quantity %s exceeds aggregation unit limit %s", req.Quantity, d.AggregationUnitLimit)
	}
	return "Limit check failed"
}
