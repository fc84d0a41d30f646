package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/limits"
	"github.com/ims/calc-engine/internal/model"
)

func (s *Server) limitRoutes(r chi.Router) {
	r.Get("/client/{clientID}/{securityID}", s.clientLimit)
	r.Get("/aggregation-unit/{aggregationUnitID}/{securityID}", s.aggregationUnitLimit)
	r.Get("/validate", s.validateLimit)
	r.Post("/recalculate", s.recalculateLimits)
}

func (s *Server) shortSellRoutes(r chi.Router) {
	r.Post("/validate", s.validateOrder)
	r.Post("/validate-batch", s.validateBatch)
	r.Get("/status/{orderID}", s.orderStatus)
	r.Post("/locate-and-validate", s.locateAndValidate)
}

func (s *Server) clientLimit(w http.ResponseWriter, r *http.Request) {
	date, err := businessDate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := s.svc.Limits.ClientLimit(r.Context(), chi.URLParam(r, "clientID"), chi.URLParam(r, "securityID"), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) aggregationUnitLimit(w http.ResponseWriter, r *http.Request) {
	date, err := businessDate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := s.svc.Limits.AggregationUnitLimit(r.Context(), chi.URLParam(r, "aggregationUnitID"), chi.URLParam(r, "securityID"), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// validateLimit handles GET /calculations/limits/validate and answers with a
// bare boolean.
func (s *Server) validateLimit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, err := businessDate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	fields := map[string]string{}
	for _, name := range []string{"clientId", "aggregationUnitId", "securityId"} {
		if q.Get(name) == "" {
			fields[name] = name + " is required"
		}
	}
	qty, err := decimal.NewFromString(q.Get("quantity"))
	if err != nil || !qty.IsPositive() {
		fields["quantity"] = "Quantity must be greater than zero"
	}
	if err := apperr.Invalid(fields); err != nil {
		writeError(w, err)
		return
	}

	d, err := s.svc.Limits.Check(r.Context(), limits.Order{
		ClientID:          q.Get("clientId"),
		AggregationUnitID: q.Get("aggregationUnitId"),
		SecurityID:        q.Get("securityId"),
		OrderType:         model.OrderType(q.Get("orderType")),
		Quantity:          qty,
		BusinessDate:      date,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.Allowed)
}

func (s *Server) recalculateLimits(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Jobs.RecalculateLimits(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"recalculated": n})
}

func (s *Server) validateOrder(w http.ResponseWriter, r *http.Request) {
	var req model.OrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	v, err := s.svc.Validation.ValidateOrder(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) validateBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []model.OrderRequest
	if err := decode(r, &reqs); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.svc.Validation.ValidateBatch(r.Context(), reqs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) orderStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Validation.Status(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) locateAndValidate(w http.ResponseWriter, r *http.Request) {
	var req model.OrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.svc.Workflow.LocateAndValidate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
