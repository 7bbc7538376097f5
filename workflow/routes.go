package workflow

import "github.com/liamcoop/ruleassist/conflict"

type route func(*State) Stage

// routes maps each stage to the predicate choosing its successor. Any stage
// that leaves State.Error set is routed to handle_error.
var routes = map[Stage]route{
	StageLoadConfig:       next(StageParseRule),
	StageParseRule:        next(StageConflictAnalysis),
	StageConflictAnalysis: next(StageImpactAnalysis),
	StageImpactAnalysis:   next(StageDecision),
	StageDecision: func(s *State) Stage {
		if s.Error != nil {
			return StageHandleError
		}
		if s.Decision == DecisionProceed && !conflict.HasHigh(s.Conflicts) {
			return StageGenerateFiles
		}
		return StageRespond
	},
	StageGenerateFiles: next(StageVerifyFiles),
	StageVerifyFiles:   next(StageRespond),
	StageRespond:       func(*State) Stage { return stageDone },
	StageHandleError:   func(*State) Stage { return stageDone },
}

func next(to Stage) route {
	return func(s *State) Stage {
		if s.Error != nil {
			return StageHandleError
		}
		return to
	}
}

// maxSteps bounds a run; the graph is acyclic so a longer walk is a routing bug.
var maxSteps = len(routes) + 1

// StageInfo describes one node for callers rendering the graph.
type StageInfo struct {
	Stage     Stage   `json:"stage"`
	OnSuccess []Stage `json:"on_success,omitempty"`
	OnFailure Stage   `json:"on_failure,omitempty"`
	Terminal  bool    `json:"terminal"`
	Note      string  `json:"note,omitempty"`
}

// Stages lists the graph in execution order.
func Stages() []StageInfo {
	return []StageInfo{
		{Stage: StageLoadConfig, OnSuccess: []Stage{StageParseRule}, Note: "falls back to built-in prompts"},
		{Stage: StageParseRule, OnSuccess: []Stage{StageConflictAnalysis}, OnFailure: StageHandleError},
		{Stage: StageConflictAnalysis, OnSuccess: []Stage{StageImpactAnalysis}, OnFailure: StageHandleError},
		{Stage: StageImpactAnalysis, OnSuccess: []Stage{StageDecision}, OnFailure: StageHandleError,
			Note: "falls back to a medium assessment"},
		{Stage: StageDecision, OnSuccess: []Stage{StageGenerateFiles, StageRespond}, OnFailure: StageHandleError,
			Note: "generate_files only when the decision is proceed and no conflict is high severity"},
		{Stage: StageGenerateFiles, OnSuccess: []Stage{StageVerifyFiles}, OnFailure: StageHandleError},
		{Stage: StageVerifyFiles, OnSuccess: []Stage{StageRespond}, Note: "failed checks become a warning"},
		{Stage: StageRespond, Terminal: true},
		{Stage: StageHandleError, Terminal: true},
	}
}
