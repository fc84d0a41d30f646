package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ims/calc-engine/internal/events"
	"github.com/ims/calc-engine/internal/model"
)

func (s *Server) ruleRoutes(r chi.Router) {
	r.Get("/", s.listRules)
	r.Post("/", s.createRule)
	r.Put("/", s.updateRule)
	r.Put("/{ruleID}", s.updateRule)
	r.Post("/clear-cache", s.clearRuleCache)
	r.Get("/active", s.activeRules)
	r.Get("/name/{name}/{market}", s.ruleByName)
	r.Get("/{ruleType}/{market}", s.rulesByType)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Rules.All(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) activeRules(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Rules.ActiveRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) rulesByType(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Rules.RulesByTypeAndMarket(r.Context(),
		model.RuleType(chi.URLParam(r, "ruleType")), chi.URLParam(r, "market"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) ruleByName(w http.ResponseWriter, r *http.Request) {
	rule, err := s.svc.Rules.RuleByNameAndMarket(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "market"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule model.CalculationRule
	if err := decode(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.svc.Rules.CreateRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(events.Event{Type: events.RulesChanged, ID: created.ID, Status: string(created.Status)})
	writeJSON(w, http.StatusCreated, created)
}

// updateRule handles PUT /calculations/rules and PUT /calculations/rules/{id};
// a path id wins over the body's.
func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule model.CalculationRule
	if err := decode(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	if id := chi.URLParam(r, "ruleID"); id != "" {
		rule.ID = id
	}
	updated, err := s.svc.Rules.UpdateRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publish(events.Event{Type: events.RulesChanged, ID: updated.ID, Status: string(updated.Status)})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) clearRuleCache(w http.ResponseWriter, r *http.Request) {
	version := s.svc.Rules.ClearCache()
	s.publish(events.Event{Type: events.RulesChanged, Reason: "cache cleared", ID: strconv.FormatUint(version, 10)})
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true, "version": version})
}

func (s *Server) publish(e events.Event) {
	if s.svc.Hub != nil {
		s.svc.Hub.Publish(e)
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
