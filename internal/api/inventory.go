package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/model"
)

// categories maps inventory path segments to calculation types.
var categories = map[string]model.CalculationType{
	"forLoan":   model.CalcForLoan,
	"forPledge": model.CalcForPledge,
	"longSell":  model.CalcLongSell,
	"shortSell": model.CalcShortSell,
	"locate":    model.CalcLocate,
}

func (s *Server) inventoryRoutes(r chi.Router) {
	r.Get("/", s.calculateAll)
	r.Get("/overborrows", s.overborrows)
	r.Get("/security/{securityID}", s.securityInventory)
	r.Get("/{category}", s.categoryInventory)
}

func (s *Server) calculateAll(w http.ResponseWriter, r *http.Request) {
	date, err := businessDate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	all, err := s.svc.Inventory.CalculateAll(r.Context(), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) securityInventory(w http.ResponseWriter, r *http.Request) {
	date, err := businessDate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.svc.Inventory.CalculateForSecurity(r.Context(), chi.URLParam(r, "securityID"), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) categoryInventory(w http.ResponseWriter, r *http.Request) {
	ct, ok := categories[chi.URLParam(r, "category")]
	if !ok {
		writeError(w, apperr.NotFound("unknown inventory category %s", chi.URLParam(r, "category")))
		return
	}
	date, err := businessDate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.svc.Inventory.Category(r.Context(), ct, date)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []model.InventoryItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) overborrows(w http.ResponseWriter, r *http.Request) {
	date, err := businessDate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.svc.Inventory.Overborrows(r.Context(), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
