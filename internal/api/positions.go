package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/position"
)

func (s *Server) positionRoutes(r chi.Router) {
	r.Get("/", s.listPositions)
	r.Post("/recalculate", s.recalculatePositions)
	r.Post("/trades", s.applyTrade)
	r.Post("/settlements", s.applySettlement)
	r.Post("/finalize", s.finalizePositions)
	r.Get("/{bookID}/{securityID}", s.getPosition)
	r.Get("/{bookID}/{securityID}/ladder", s.getLadder)
}

// listPositions handles GET /calculations/positions. Without page or size
// parameters it returns every position as an array; with them, a page.
func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	date, err := businessDate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	if q.Get("page") == "" && q.Get("size") == "" && q.Get("sort") == "" {
		all, err := s.svc.Positions.All(r.Context(), date)
		if err != nil {
			writeError(w, err)
			return
		}
		if all == nil {
			all = []model.Position{}
		}
		writeJSON(w, http.StatusOK, all)
		return
	}

	fields := map[string]string{}
	page := position.Page{}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fields["page"] = "page must be an integer"
		}
		page.Number = n
	}
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fields["size"] = "size must be an integer"
		}
		page.Size = n
	}
	if err := apperr.Invalid(fields); err != nil {
		writeError(w, err)
		return
	}
	sortBy, err := position.ParseSort(q.Get("sort"))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.svc.Positions.List(r.Context(), date, page, sortBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	date, err := businessDate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.svc.Positions.Get(r.Context(), chi.URLParam(r, "bookID"), chi.URLParam(r, "securityID"), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getLadder(w http.ResponseWriter, r *http.Request) {
	date, err := businessDate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := s.svc.Positions.SettlementLadder(r.Context(), chi.URLParam(r, "bookID"), chi.URLParam(r, "securityID"), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// recalculatePositions handles POST /calculations/positions/recalculate
// with an optional status filter.
func (s *Server) recalculatePositions(w http.ResponseWriter, r *http.Request) {
	date, err := businessDate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	status, ok := model.ParseCalculationStatus(r.URL.Query().Get("status"))
	if !ok {
		writeError(w, apperr.Validation("status", "invalid calculation status "+r.URL.Query().Get("status")))
		return
	}
	out, err := s.svc.Positions.Recalculate(r.Context(), date, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) applyTrade(w http.ResponseWriter, r *http.Request) {
	var e position.TradeEvent
	if err := decode(r, &e); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.svc.Positions.ApplyTrade(r.Context(), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) applySettlement(w http.ResponseWriter, r *http.Request) {
	var e position.SettlementEvent
	if err := decode(r, &e); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.svc.Positions.ApplySettlement(r.Context(), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) finalizePositions(w http.ResponseWriter, r *http.Request) {
	date, err := businessDate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.svc.Positions.Finalize(r.Context(), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"finalized": n})
}
