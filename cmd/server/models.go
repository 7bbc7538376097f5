package main

import (
	"github.com/liamcoop/ruleassist/artifact"
	"github.com/liamcoop/ruleassist/conflict"
	"github.com/liamcoop/ruleassist/rules"
	"github.com/liamcoop/ruleassist/workflow"
)

// ExchangeRequest is one prior conversation turn.
type ExchangeRequest struct {
	User      string `json:"user" example:"Add a student discount"`
	Assistant string `json:"assistant" example:"Which age range counts as a student?"`
}

// RunRequest is the body of POST /workflow/runs.
type RunRequest struct {
	UserInput string            `json:"user_input" example:"Give 10% off orders over $100"`
	History   []ExchangeRequest `json:"history,omitempty"`
	Industry  string            `json:"industry,omitempty" example:"retail"`
	Decision  string            `json:"decision,omitempty" example:"proceed"`
}

// RunResponse reports the terminal state of a run.
type RunResponse struct {
	RunID         string               `json:"run_id"`
	FinalResponse string               `json:"final_response"`
	Decision      workflow.Decision    `json:"decision,omitempty"`
	Rationale     string               `json:"rationale,omitempty"`
	Industry      string               `json:"industry"`
	ParsedRule    *rules.Rule          `json:"parsed_rule,omitempty"`
	Conflicts     []conflict.Conflict  `json:"conflicts"`
	Impact        *workflow.Impact     `json:"impact_analysis,omitempty"`
	Artifacts     *artifact.Set        `json:"generated_artifacts,omitempty"`
	Verification  *artifact.Result     `json:"verification,omitempty"`
	Stored        bool                 `json:"stored"`
	Warnings      []workflow.Warning   `json:"warnings,omitempty"`
	Error         *workflow.StageError `json:"error,omitempty"`
	Visited       []workflow.Stage     `json:"visited"`
}

func newRunResponse(s *workflow.State) RunResponse {
	conflicts := s.Conflicts
	if conflicts == nil {
		conflicts = []conflict.Conflict{}
	}
	return RunResponse{
		RunID:         s.RunID,
		FinalResponse: s.FinalResponse,
		Decision:      s.Decision,
		Rationale:     s.Rationale,
		Industry:      s.Industry,
		ParsedRule:    s.ParsedRule,
		Conflicts:     conflicts,
		Impact:        s.Impact,
		Artifacts:     s.Artifacts,
		Verification:  s.Verification,
		Stored:        s.Stored,
		Warnings:      s.Warnings,
		Error:         s.Error,
		Visited:       s.Visited,
	}
}

type RulesListResponse struct {
	Rules []*rules.Rule `json:"rules"`
}

// EvaluateRequest carries the facts a rule's conditions are checked against.
type EvaluateRequest struct {
	Facts map[string]any `json:"facts" validate:"required"`
}

type EvaluateResponse struct {
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Matched  bool   `json:"matched"`
	Error    string `json:"error,omitempty"`
}

// IngestRequest adds a document to the knowledge base.
type IngestRequest struct {
	Source string `json:"source" validate:"required,max=200" example:"pricing-policy.md"`
	Text   string `json:"text" validate:"required"`
}

type IngestResponse struct {
	Source string `json:"source"`
	Chunks int    `json:"chunks"`
}

type IndustriesResponse struct {
	Industries    []string `json:"industries"`
	PromptVersion string   `json:"prompt_version"`
}

type StagesResponse struct {
	Stages []workflow.StageInfo `json:"stages"`
}

type HealthResponse struct {
	Status  string `json:"status" example:"healthy"`
	Storage string `json:"storage" example:"postgres"`
	Error   string `json:"error,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
