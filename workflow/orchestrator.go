package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/ruleassist/artifact"
	"github.com/liamcoop/ruleassist/conflict"
	"github.com/liamcoop/ruleassist/events"
	"github.com/liamcoop/ruleassist/internal/logger"
	"github.com/liamcoop/ruleassist/knowledge"
	"github.com/liamcoop/ruleassist/llm"
	"github.com/liamcoop/ruleassist/prompts"
	"github.com/liamcoop/ruleassist/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/liamcoop/ruleassist/workflow"

// Retriever finds knowledge-base passages for a query.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]knowledge.Match, error)
}

// Config tunes stage behaviour.
type Config struct {
	DefaultIndustry string
	// HistoryTurns is how many complete exchanges are put into prompts.
	HistoryTurns int
	// TopK is the number of knowledge passages retrieved for parsing.
	TopK int
	// ConversationalResponse lets the model phrase the final message.
	ConversationalResponse bool
	// ConflictReview adds a model review to the deterministic conflict checks.
	ConflictReview bool
	// ArtifactDir, when set, receives <rule>.drl and <rule>.gdst after verification.
	ArtifactDir string
}

func DefaultConfig() Config {
	return Config{
		DefaultIndustry: prompts.DefaultIndustry,
		HistoryTurns:    3,
		TopK:            3,
		ConflictReview:  true,
	}
}

// Orchestrator runs requests through the stage graph. It is safe for
// concurrent use; each run owns its State.
type Orchestrator struct {
	client    llm.Client
	store     rules.RuleStore
	loader    *prompts.Loader
	retriever Retriever
	detector  *conflict.Detector
	reviewer  *conflict.Reviewer
	generator *artifact.Generator
	publisher events.Publisher
	tracer    trace.Tracer
	config    Config

	stages map[Stage]stageFunc
}

type stageFunc func(ctx context.Context, s *State) *StageError

type Option func(*Orchestrator)

func WithLoader(l *prompts.Loader) Option {
	return func(o *Orchestrator) { o.loader = l }
}

func WithRetriever(r Retriever) Option {
	return func(o *Orchestrator) { o.retriever = r }
}

func WithEngine(e *rules.Engine) Option {
	return func(o *Orchestrator) { o.detector = conflict.NewDetector(e) }
}

func WithGenerator(g *artifact.Generator) Option {
	return func(o *Orchestrator) { o.generator = g }
}

func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithConfig(c Config) Option {
	return func(o *Orchestrator) { o.config = c }
}

func New(client llm.Client, store rules.RuleStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:    client,
		store:     store,
		loader:    prompts.NewLoader(""),
		reviewer:  conflict.NewReviewer(client),
		publisher: events.Discard{},
		config:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.detector == nil {
		o.detector = conflict.NewDetector(rules.NewEngine())
	}
	if o.generator == nil {
		o.generator = artifact.NewGenerator(client)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.config.HistoryTurns < 0 {
		o.config.HistoryTurns = 0
	}

	o.stages = map[Stage]stageFunc{
		StageLoadConfig:       o.loadConfig,
		StageParseRule:        o.parseRule,
		StageConflictAnalysis: o.analyzeConflicts,
		StageImpactAnalysis:   o.analyzeImpact,
		StageDecision:         o.decide,
		StageGenerateFiles:    o.generateFiles,
		StageVerifyFiles:      o.verifyFiles,
		StageRespond:          o.respond,
		StageHandleError:      o.handleError,
	}
	return o
}

// Run executes one request and returns its terminal state. FinalResponse is
// always set. The returned error is non-nil only when the request itself is
// invalid, in which case no stage that calls the model has run.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*State, error) {
	s := &State{
		RunID:     uuid.NewString(),
		UserInput: strings.TrimSpace(req.UserInput),
		History:   append([]Exchange(nil), req.History...),
		Industry:  strings.ToLower(strings.TrimSpace(req.Industry)),
		Conflicts: []conflict.Conflict{},
	}
	if s.Industry == "" {
		s.Industry = o.config.DefaultIndustry
	}
	s.log = logger.With("run_id", s.RunID)
	logger.WorkflowRuns.Add(1)

	ctx, span := o.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.run_id", s.RunID),
		attribute.String("workflow.industry", s.Industry),
	))
	defer span.End()
	started := time.Now()

	if verr := o.validate(req, s); verr != nil {
		s.Error = verr
		logger.StageFailed(string(verr.Stage), string(verr.Kind))
		o.execute(ctx, StageHandleError, s)
		span.SetStatus(codes.Error, string(verr.Kind))
		return s, verr
	}

	o.walk(ctx, s)

	if s.Error != nil {
		span.SetStatus(codes.Error, string(s.Error.Kind))
	}
	span.SetAttributes(attribute.String("workflow.decision", string(s.Decision)))
	s.log.Info("workflow run finished",
		"decision", s.Decision,
		"stored", s.Stored,
		"failed", s.Error != nil,
		"warnings", len(s.Warnings),
		"duration", time.Since(started).String())
	return s, nil
}

func (o *Orchestrator) validate(req Request, s *State) *StageError {
	if s.UserInput == "" {
		return &StageError{
			Stage:   StageLoadConfig,
			Kind:    KindInputValidation,
			Message: "Please describe the rule you want to create.",
		}
	}
	d, ok := ParseDecision(req.Decision)
	if !ok {
		return &StageError{
			Stage:   StageLoadConfig,
			Kind:    KindInputValidation,
			Message: fmt.Sprintf("Unknown decision %q; use proceed, modify or cancel.", req.Decision),
		}
	}
	s.UserDecision = d
	return nil
}

func (o *Orchestrator) walk(ctx context.Context, s *State) {
	stage := StageLoadConfig
	for steps := 0; stage != stageDone; steps++ {
		if steps > maxSteps {
			s.Error = &StageError{Stage: stage, Kind: KindInternal, Message: "The request could not be completed.",
				Err: fmt.Errorf("step limit %d exceeded", maxSteps)}
			o.execute(ctx, StageHandleError, s)
			return
		}
		if err := ctx.Err(); err != nil && !stage.Terminal() && s.Error == nil {
			s.Error = &StageError{Stage: stage, Kind: KindCancelled, Message: "The request was cancelled.", Err: err}
			logger.StageFailed(string(stage), string(KindCancelled))
			stage = StageHandleError
		}

		o.execute(ctx, stage, s)

		r, ok := routes[stage]
		if !ok {
			s.Error = &StageError{Stage: stage, Kind: KindInternal, Message: "The request could not be completed.",
				Err: fmt.Errorf("no route from stage %q", stage)}
			stage = StageHandleError
			continue
		}
		stage = r(s)
	}
}

// execute runs one stage inside its span, converting panics and returned
// errors into State.Error.
func (o *Orchestrator) execute(ctx context.Context, stage Stage, s *State) {
	ctx, span := o.tracer.Start(ctx, "workflow."+string(stage))
	defer span.End()

	s.Visited = append(s.Visited, stage)
	s.log.Debug("stage started", "stage", stage)

	serr := o.safeCall(ctx, stage, s)
	if serr == nil {
		s.log.Debug("stage finished", "stage", stage)
		return
	}

	if serr.Stage == "" {
		serr.Stage = stage
	}
	if serr.Kind == "" {
		serr.Kind = failureKind(stage)
	}
	s.Error = serr
	if serr.Err != nil {
		span.RecordError(serr.Err)
	}
	span.SetStatus(codes.Error, string(serr.Kind))
	logger.StageFailed(string(stage), string(serr.Kind))
	s.log.Warn("stage error", "stage", stage, "kind", serr.Kind, "reason", serr.Reason, "error", serr.Err)
}

func (o *Orchestrator) safeCall(ctx context.Context, stage Stage, s *State) (serr *StageError) {
	fn, ok := o.stages[stage]
	if !ok {
		return &StageError{Kind: KindInternal, Message: "The request could not be completed.",
			Err: fmt.Errorf("unknown stage %q", stage)}
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("stage panicked", "stage", stage, "panic", r, "stack", string(debug.Stack()))
			serr = &StageError{Kind: failureKind(stage), Message: "An unexpected problem occurred.",
				Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return fn(ctx, s)
}

// callError classifies a failed model or store call: cancellation of the run
// is reported as Cancelled, everything else with the given kind.
func callError(ctx context.Context, kind ErrorKind, reason Reason, msg string, err error) *StageError {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return &StageError{Kind: KindCancelled, Message: "The request was cancelled.", Err: err}
	}
	return &StageError{Kind: kind, Reason: reason, Message: msg, Err: err}
}

func (o *Orchestrator) loadConfig(_ context.Context, s *State) *StageError {
	s.Config = o.loader.Load()
	profile, found := s.Config.Industry(s.Industry)
	if !found {
		s.warn(WarningIndustry, StageLoadConfig,
			fmt.Sprintf("Industry %q is not configured; the %s profile was used.", s.Industry, profile.DisplayName))
		s.log.Info("unknown industry, using default profile", "industry", s.Industry)
	}
	s.Profile = profile
	return nil
}
