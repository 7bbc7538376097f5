package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/liamcoop/ruleassist/internal/logger"
	"github.com/liamcoop/ruleassist/rules"
	"github.com/liamcoop/ruleassist/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storage := "memory"
	if s.app.DB != nil {
		storage = "postgres"
	}
	if err := s.app.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "unhealthy",
			Storage: storage,
			Error:   err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Storage: storage})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, logger.Snapshot())
}

func (s *Server) handleIndustries(w http.ResponseWriter, r *http.Request) {
	snap := s.app.Loader.Load()
	respondJSON(w, http.StatusOK, IndustriesResponse{
		Industries:    snap.Industries(),
		PromptVersion: snap.Version(),
	})
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StagesResponse{Stages: workflow.Stages()})
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	history := make([]workflow.Exchange, len(req.History))
	for i, h := range req.History {
		history[i] = workflow.Exchange{User: h.User, Assistant: h.Assistant}
	}

	state, err := s.app.Orchestrator.Run(r.Context(), workflow.Request{
		UserInput: req.UserInput,
		History:   history,
		Industry:  req.Industry,
		Decision:  req.Decision,
	})

	status := http.StatusOK
	var serr *workflow.StageError
	if errors.As(err, &serr) && serr.Kind == workflow.KindInputValidation {
		status = http.StatusBadRequest
	} else if err != nil {
		respondError(w, http.StatusInternalServerError, "workflow failed", err)
		return
	}
	respondJSON(w, status, newRunResponse(state))
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.Rules.ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

func (s *Server) ruleFromPath(w http.ResponseWriter, r *http.Request) (*rules.Rule, bool) {
	id := chi.URLParam(r, "ruleId")
	rule, err := s.app.Rules.Get(r.Context(), id)
	if errors.Is(err, rules.ErrRuleNotFound) {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get rule", err)
		return nil, false
	}
	return rule, true
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.ruleFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleId")
	err := s.app.Rules.Delete(r.Context(), id)
	if errors.Is(err, rules.ErrRuleNotFound) {
		respondError(w, http.StatusNotFound, "rule not found", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvaluateRule(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "facts are required", err)
		return
	}

	rule, ok := s.ruleFromPath(w, r)
	if !ok {
		return
	}

	result, err := s.app.Engine.Evaluate(rule, req.Facts)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "rule conditions cannot be evaluated", err)
		return
	}

	resp := EvaluateResponse{RuleID: result.RuleID, RuleName: result.RuleName, Matched: result.Matched}
	if result.Error != nil {
		resp.Error = result.Error.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	kind := strings.ToLower(chi.URLParam(r, "kind"))
	if kind != "drl" && kind != "gdst" {
		respondError(w, http.StatusBadRequest, "artifact kind must be drl or gdst", nil)
		return
	}

	rule, ok := s.ruleFromPath(w, r)
	if !ok {
		return
	}
	if rule.Artifacts == nil {
		respondError(w, http.StatusNotFound, "rule has no generated artifacts", nil)
		return
	}

	body, contentType := rule.Artifacts.RuleText, "text/plain; charset=utf-8"
	if kind == "gdst" {
		body, contentType = rule.Artifacts.TableText, "application/xml; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+rules.NormalizeField(rule.Name)+"."+kind+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "source and text are required", err)
		return
	}

	n, err := s.app.Ingester.Ingest(r.Context(), req.Source, req.Text)
	if err != nil {
		respondError(w, http.StatusBadGateway, "failed to ingest document", err)
		return
	}
	logger.Info("document ingested", "source", req.Source, "chunks", n)
	respondJSON(w, http.StatusCreated, IngestResponse{Source: req.Source, Chunks: n})
}
