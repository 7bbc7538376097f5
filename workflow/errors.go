package workflow

import "fmt"

// ErrorKind classifies a hard stage failure.
type ErrorKind string

const (
	KindInputValidation  ErrorKind = "InputValidationError"
	KindParse            ErrorKind = "ParseError"
	KindConflictAnalysis ErrorKind = "ConflictAnalysisError"
	KindImpactAnalysis   ErrorKind = "ImpactAnalysisError"
	KindDecision         ErrorKind = "DecisionError"
	KindGeneration       ErrorKind = "GenerationError"
	KindCancelled        ErrorKind = "Cancelled"
	KindInternal         ErrorKind = "InternalError"
)

// Reason refines a ParseError.
type Reason string

const (
	ReasonEmptyQuery         Reason = "EmptyQuery"
	ReasonMalformedLLMOutput Reason = "MalformedLLMOutput"
	ReasonUnrecoverableJSON  Reason = "UnrecoverableJSON"
	ReasonLLMUnavailable     Reason = "LLMUnavailable"
)

// StageError is the single error record of a run. Message is safe to show to
// users; Err carries the internal cause and is never serialised.
type StageError struct {
	Stage   Stage     `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Reason  Reason    `json:"reason,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	if e.Reason != "" {
		msg += "/" + string(e.Reason)
	}
	msg += ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StageError) Unwrap() error { return e.Err }

// failureKind is the kind reported when a stage fails without classifying the error itself.
func failureKind(s Stage) ErrorKind {
	switch s {
	case StageParseRule:
		return KindParse
	case StageConflictAnalysis:
		return KindConflictAnalysis
	case StageImpactAnalysis:
		return KindImpactAnalysis
	case StageDecision:
		return KindDecision
	case StageGenerateFiles:
		return KindGeneration
	default:
		return KindInternal
	}
}
