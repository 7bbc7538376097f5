// Package workflow runs a natural-language rule request through the stage
// graph: parse, conflict and impact analysis, decision, artifact generation,
// verification and a terminal response.
package workflow

import (
	"log/slog"
	"strings"

	"github.com/liamcoop/ruleassist/artifact"
	"github.com/liamcoop/ruleassist/conflict"
	"github.com/liamcoop/ruleassist/knowledge"
	"github.com/liamcoop/ruleassist/prompts"
	"github.com/liamcoop/ruleassist/rules"
)

// Stage names one node of the graph.
type Stage string

const (
	StageLoadConfig       Stage = "load_config"
	StageParseRule        Stage = "parse_rule"
	StageConflictAnalysis Stage = "conflict_analysis"
	StageImpactAnalysis   Stage = "impact_analysis"
	StageDecision         Stage = "orchestration_decision"
	StageGenerateFiles    Stage = "generate_files"
	StageVerifyFiles      Stage = "verify_files"
	StageRespond          Stage = "respond"
	StageHandleError      Stage = "handle_error"

	stageDone Stage = ""
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageRespond || s == StageHandleError
}

// Decision is the routing outcome of orchestration_decision.
type Decision string

const (
	DecisionProceed Decision = "proceed"
	DecisionModify  Decision = "modify"
	DecisionCancel  Decision = "cancel"
)

// ParseDecision accepts the spellings a user might type. An empty string is
// no decision; the second result is false for anything unrecognised.
func ParseDecision(s string) (Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", true
	case "proceed", "yes", "y", "confirm", "apply", "accept", "ok":
		return DecisionProceed, true
	case "modify", "edit", "change", "revise":
		return DecisionModify, true
	case "cancel", "no", "n", "stop", "abort", "discard":
		return DecisionCancel, true
	}
	return "", false
}

// Exchange is one prior user/assistant turn.
type Exchange struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Impact is the advisory assessment produced by impact_analysis.
type Impact struct {
	Level          string   `json:"level"`
	Operational    string   `json:"operational,omitempty"`
	Financial      string   `json:"financial,omitempty"`
	Risk           string   `json:"risk,omitempty"`
	AffectedAreas  []string `json:"affected_areas,omitempty"`
	Recommendation string   `json:"recommendation"`
	// Fallback is set when the assessment could not be obtained and the
	// conservative default was used.
	Fallback bool `json:"fallback,omitempty"`
}

// Warning kinds recorded in State.Warnings.
const (
	WarningVerification = "VerificationWarning"
	WarningDegraded     = "DegradedStage"
	WarningIndustry     = "UnknownIndustry"
)

// Warning is a non-fatal issue surfaced with the response.
type Warning struct {
	Kind    string `json:"kind"`
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

// Request is the input to Run.
type Request struct {
	UserInput string     `json:"user_input"`
	History   []Exchange `json:"history"`
	Industry  string     `json:"industry"`
	// Decision is an explicit user choice carried over from a previous run.
	Decision string `json:"decision,omitempty"`
}

// State is threaded through every stage of one run and owned by that run only.
type State struct {
	RunID     string     `json:"run_id"`
	UserInput string     `json:"user_input"`
	History   []Exchange `json:"-"`
	Industry  string     `json:"industry"`

	Profile prompts.Industry  `json:"-"`
	Config  *prompts.Snapshot `json:"-"`

	ParsedRule   *rules.Rule         `json:"parsed_rule,omitempty"`
	Grounding    []knowledge.Match   `json:"grounding,omitempty"`
	Conflicts    []conflict.Conflict `json:"conflicts"`
	Impact       *Impact             `json:"impact_analysis,omitempty"`
	UserDecision Decision            `json:"user_decision,omitempty"`
	Decision     Decision            `json:"decision,omitempty"`
	Rationale    string              `json:"rationale,omitempty"`
	Artifacts    *artifact.Set       `json:"generated_artifacts,omitempty"`
	Verification *artifact.Result    `json:"verification,omitempty"`
	Stored       bool                `json:"stored"`

	Error         *StageError `json:"error,omitempty"`
	Warnings      []Warning   `json:"warnings,omitempty"`
	FinalResponse string      `json:"final_response"`
	Visited       []Stage     `json:"visited"`

	log *slog.Logger
}

func (s *State) warn(kind string, stage Stage, msg string) {
	s.Warnings = append(s.Warnings, Warning{Kind: kind, Stage: stage, Message: msg})
}
