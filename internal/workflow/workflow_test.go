package workflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/events"
	"github.com/ims/calc-engine/internal/inventory"
	"github.com/ims/calc-engine/internal/limits"
	"github.com/ims/calc-engine/internal/locate"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/position"
	"github.com/ims/calc-engine/internal/rules"
	"github.com/ims/calc-engine/internal/store"
	"github.com/ims/calc-engine/internal/validation"
	"github.com/ims/calc-engine/internal/workflow"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	orch    *workflow.Orchestrator
	locates *locate.Service
	limits  *limits.Service
}

func newTestEnv(t *testing.T, policy locate.Policy) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	ms.UpsertSecurity(ctx, &model.Security{ID: "US0378331005", Market: "US"})

	ps := position.NewService(ms, ms)
	if err := ps.Seed(ctx, &model.Position{
		BookID: "B1", SecurityID: "US0378331005", BusinessDate: model.Today(time.Now()),
		ContractualQty: d(20000), SettledQty: d(20000),
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	calc := inventory.NewCalculator(ms, ps, rules.NewCache(ms), inventory.Policy{})
	lim := limits.NewService(calc, limits.Shares{Client: d(0.5), AggregationUnit: d(1)})
	loc := locate.NewService(ms, calc, lim, nil, policy)
	eng := validation.NewEngine(ms, lim, nil, validation.Config{})
	return &testEnv{orch: workflow.New(loc, eng), locates: loc, limits: lim}
}

func shortSell(qty float64) model.OrderRequest {
	return model.OrderRequest{
		OrderID:           "ORD-1",
		OrderType:         model.OrderShortSell,
		SecurityID:        "US0378331005",
		ClientID:          "CLIENT-1",
		AggregationUnitID: "AU-1",
		Quantity:          d(qty),
	}
}

func TestLocateAndValidate_AutoApproved(t *testing.T) {
	env := newTestEnv(t, locate.Policy{AutoApprove: true, AutoApproveMaxQuantity: d(10000)})

	res, err := env.orch.LocateAndValidate(context.Background(), shortSell(5000))
	if err != nil {
		t.Fatalf("locate and validate: %v", err)
	}
	if res.Locate == nil || res.Locate.Status != model.LocateApproved {
		t.Fatalf("locate = %+v", res.Locate)
	}
	if res.Validation == nil || res.Validation.Status != model.ValidationApproved {
		t.Errorf("validation = %+v", res.Validation)
	}
}

func TestLocateAndValidate_HeldPending(t *testing.T) {
	env := newTestEnv(t, locate.Policy{})

	res, err := env.orch.LocateAndValidate(context.Background(), shortSell(5000))
	if err != nil {
		t.Fatalf("locate and validate: %v", err)
	}
	if res.Locate.Status != model.LocatePending || res.Validation != nil {
		t.Errorf("expected pending locate without validation, got %+v", res)
	}
}

func TestLocateAndValidate_LongSellSkipsLocate(t *testing.T) {
	env := newTestEnv(t, locate.Policy{})
	req := shortSell(100)
	req.OrderType = model.OrderLongSell

	res, err := env.orch.LocateAndValidate(context.Background(), req)
	if err != nil {
		t.Fatalf("locate and validate: %v", err)
	}
	if res.Locate != nil || res.Validation == nil {
		t.Errorf("long sell result = %+v", res)
	}

	if _, err := env.orch.LocateAndValidate(context.Background(), shortSell(-1)); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("bad quantity: got %v", err)
	}
}

func TestSearchLocates(t *testing.T) {
	env := newTestEnv(t, locate.Policy{})
	ctx := context.Background()

	first, _ := env.locates.Create(ctx, locate.CreateRequest{SecurityID: "US0378331005", ClientID: "A", RequestedQuantity: d(10)})
	env.locates.Create(ctx, locate.CreateRequest{SecurityID: "US0378331005", ClientID: "B", RequestedQuantity: d(20)})
	env.locates.Approve(ctx, first.RequestID, locate.ApproveRequest{ApprovedQuantity: d(10)})

	today := model.Today(time.Now())
	tests := []struct {
		name   string
		params workflow.SearchParams
		want   int
	}{
		{"no filters", workflow.SearchParams{}, 2},
		{"client", workflow.SearchParams{ClientID: "B"}, 1},
		{"status", workflow.SearchParams{Status: "APPROVED"}, 1},
		{"client and status", workflow.SearchParams{ClientID: "B", Status: "APPROVED"}, 0},
		{"date range", workflow.SearchParams{FromDate: today, ToDate: today}, 2},
		{"before range", workflow.SearchParams{ToDate: "2000-01-01"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.orch.SearchLocates(ctx, tt.params)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d locates, want %d", len(got), tt.want)
			}
		})
	}

	_, err := env.orch.SearchLocates(ctx, workflow.SearchParams{Status: "DONE", FromDate: "yesterday"})
	fields := apperr.FieldErrors(err)
	if fields["status"] == "" || fields["fromDate"] == "" {
		t.Errorf("expected status and fromDate errors, got %v", err)
	}
}

type countingJob struct {
	calls atomic.Int32
	err   error
}

func (c *countingJob) ProcessExpired(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, c.err
}

func (c *countingJob) RecalculateLimits(context.Context) (int, error) {
	c.calls.Add(1)
	return 3, c.err
}

func TestJobs_RunOnTicker(t *testing.T) {
	expirer := &countingJob{}
	recalc := &countingJob{}
	rec := &events.Recorder{}
	jobs := workflow.NewJobs(workflow.JobConfig{ExpireInterval: 5 * time.Millisecond}, expirer, recalc, rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		jobs.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for expirer.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if expirer.calls.Load() < 2 {
		t.Errorf("expiry job ran %d times", expirer.calls.Load())
	}
	if recalc.calls.Load() != 0 {
		t.Errorf("disabled job ran %d times", recalc.calls.Load())
	}
}

func TestJobs_RecalculateLimits(t *testing.T) {
	rec := &events.Recorder{}
	jobs := workflow.NewJobs(workflow.JobConfig{}, &countingJob{}, &countingJob{}, rec)

	n, err := jobs.RecalculateLimits(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("recalculate = %d, %v", n, err)
	}
	if evs := rec.Events(); len(evs) != 1 || evs[0].Type != events.LimitsRecomputed {
		t.Errorf("events = %+v", evs)
	}

	failing := workflow.NewJobs(workflow.JobConfig{}, &countingJob{err: errors.New("boom")}, &countingJob{}, nil)
	if _, err := failing.ProcessExpired(context.Background()); err == nil {
		t.Error("expected job error to propagate")
	}
}
