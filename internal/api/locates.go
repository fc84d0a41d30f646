package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ims/calc-engine/internal/locate"
	"github.com/ims/calc-engine/internal/model"
	"github.com/ims/calc-engine/internal/workflow"
)

func (s *Server) locateRoutes(r chi.Router) {
	r.Post("/", s.createLocate)
	r.Get("/pending", s.pendingLocates)
	r.Get("/active", s.activeLocates)
	r.Get("/search", s.searchLocates)
	r.Post("/process-expired", s.processExpired)
	r.Get("/{locateID}", s.getLocate)
	r.Post("/{locateID}/approve", s.approveLocate)
	r.Post("/{locateID}/reject", s.rejectLocate)
	r.Post("/{locateID}/cancel", s.cancelLocate)
	r.Post("/{locateID}/expire", s.expireLocate)
}

func (s *Server) createLocate(w http.ResponseWriter, r *http.Request) {
	var req locate.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	l, err := s.svc.Locates.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) getLocate(w http.ResponseWriter, r *http.Request) {
	l, err := s.svc.Locates.Get(r.Context(), chi.URLParam(r, "locateID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) pendingLocates(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Locates.Pending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) activeLocates(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Locates.Active(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// searchLocates handles GET /locates/search. Every filter is optional.
func (s *Server) searchLocates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.svc.Workflow.SearchLocates(r.Context(), workflow.SearchParams{
		SecurityID: q.Get("securityId"),
		ClientID:   q.Get("clientId"),
		Status:     q.Get("status"),
		FromDate:   q.Get("fromDate"),
		ToDate:     q.Get("toDate"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) approveLocate(w http.ResponseWriter, r *http.Request) {
	var req locate.ApproveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.writeTransition(w)(s.svc.Locates.Approve(r.Context(), chi.URLParam(r, "locateID"), req))
}

func (s *Server) rejectLocate(w http.ResponseWriter, r *http.Request) {
	var req locate.RejectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.writeTransition(w)(s.svc.Locates.Reject(r.Context(), chi.URLParam(r, "locateID"), req))
}

func (s *Server) cancelLocate(w http.ResponseWriter, r *http.Request) {
	s.writeTransition(w)(s.svc.Locates.Cancel(r.Context(), chi.URLParam(r, "locateID")))
}

func (s *Server) expireLocate(w http.ResponseWriter, r *http.Request) {
	s.writeTransition(w)(s.svc.Locates.Expire(r.Context(), chi.URLParam(r, "locateID")))
}

func (s *Server) writeTransition(w http.ResponseWriter) func(*model.LocateRequest, error) {
	return func(l *model.LocateRequest, err error) {
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	}
}

// processExpired handles POST /locates/process-expired and answers with the
// number of locates expired.
func (s *Server) processExpired(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Jobs.ProcessExpired(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}
