package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/liamcoop/ruleassist/artifact"
	"github.com/liamcoop/ruleassist/conflict"
	"github.com/liamcoop/ruleassist/events"
	"github.com/liamcoop/ruleassist/internal/logger"
	"github.com/liamcoop/ruleassist/llm"
	"github.com/liamcoop/ruleassist/prompts"
	"github.com/liamcoop/ruleassist/rules"
)

func (o *Orchestrator) analyzeConflicts(ctx context.Context, s *State) *StageError {
	existing, err := o.store.ListRules(ctx)
	if err != nil {
		return callError(ctx, KindConflictAnalysis, "", "Existing rules could not be loaded.", err)
	}

	found := o.detector.Detect(s.ParsedRule, existing, s.Profile)

	if o.config.ConflictReview && len(existing) > 0 {
		reviewed, err := o.reviewer.Review(ctx, s.Config, s.Profile, s.ParsedRule, existing)
		switch {
		case err != nil && ctx.Err() != nil:
			return callError(ctx, KindConflictAnalysis, "", "", err)
		case err != nil:
			logger.StageDegraded(string(StageConflictAnalysis), "model review failed")
			s.log.Warn("conflict review failed", "error", err)
			s.warn(WarningDegraded, StageConflictAnalysis,
				"Only automatic conflict checks were applied; the business review was unavailable.")
		default:
			found = conflict.Merge(found, reviewed)
		}
	}

	if found == nil {
		found = []conflict.Conflict{}
	}
	s.Conflicts = found
	s.log.Info("conflicts analysed", "existing_rules", len(existing), "conflicts", len(found),
		"high", conflict.HasHigh(found))
	return nil
}

type impactPayload struct {
	Level          string   `json:"level"`
	Operational    string   `json:"operational"`
	Financial      string   `json:"financial"`
	Risk           string   `json:"risk"`
	AffectedAreas  []string `json:"affected_areas"`
	Recommendation string   `json:"recommendation"`
}

func fallbackImpact() *Impact {
	return &Impact{
		Level:          "medium",
		Recommendation: "Insufficient data to assess the impact; review the rule before relying on it.",
		Fallback:       true,
	}
}

func (o *Orchestrator) analyzeImpact(ctx context.Context, s *State) *StageError {
	impact, err := o.assessImpact(ctx, s)
	if err != nil {
		if ctx.Err() != nil {
			return callError(ctx, KindImpactAnalysis, "", "", err)
		}
		logger.StageDegraded(string(StageImpactAnalysis), "assessment unavailable")
		s.log.Warn("impact analysis fell back to default", "error", err)
		s.warn(WarningDegraded, StageImpactAnalysis, "The impact assessment is a conservative default.")
		impact = fallbackImpact()
	}
	s.Impact = impact
	return nil
}

func (o *Orchestrator) assessImpact(ctx context.Context, s *State) (*Impact, error) {
	prompt, err := s.Config.Render(string(StageImpactAnalysis), prompts.Data{
		UserInput: s.UserInput,
		Industry:  s.Profile,
		Rule:      conflict.Summarize(s.ParsedRule),
		Conflicts: s.Conflicts,
	})
	if err != nil {
		return nil, err
	}
	raw, err := o.client.Complete(ctx, prompt, s.Config.Options(string(StageImpactAnalysis)))
	if err != nil {
		return nil, err
	}
	logger.Trace("impact output", "run_id", s.RunID, "raw", raw)

	var p impactPayload
	if err := llm.DecodeJSON(raw, &p); err != nil {
		return nil, err
	}
	level := strings.ToLower(strings.TrimSpace(p.Level))
	switch level {
	case "low", "medium", "high":
	default:
		return nil, fmt.Errorf("impact level %q is not low, medium or high", p.Level)
	}
	rec := strings.TrimSpace(p.Recommendation)
	if rec == "" {
		return nil, fmt.Errorf("impact recommendation is empty")
	}
	return &Impact{
		Level:          level,
		Operational:    strings.TrimSpace(p.Operational),
		Financial:      strings.TrimSpace(p.Financial),
		Risk:           strings.TrimSpace(p.Risk),
		AffectedAreas:  p.AffectedAreas,
		Recommendation: rec,
	}, nil
}

func (o *Orchestrator) decide(_ context.Context, s *State) *StageError {
	s.Decision, s.Rationale = decide(s.Conflicts, s.Impact, s.UserDecision)
	s.log.Info("decision made", "decision", s.Decision, "user_decision", s.UserDecision)
	return nil
}

// decide applies the routing policy. High-severity conflicts block
// generation even when the user asked to proceed.
func decide(conflicts []conflict.Conflict, impact *Impact, user Decision) (Decision, string) {
	high := 0
	for _, c := range conflicts {
		if c.Severity == conflict.SeverityHigh {
			high++
		}
	}

	switch {
	case user == DecisionCancel:
		return DecisionCancel, "Cancelled at the user's request."
	case high > 0:
		return DecisionModify, fmt.Sprintf("%d high-severity conflict(s) must be resolved before this rule can be created.", high)
	case user == DecisionModify:
		return DecisionModify, "The user asked to revise the rule."
	case user == DecisionProceed:
		return DecisionProceed, "The user confirmed the rule."
	case len(conflicts) > 0:
		return DecisionModify, fmt.Sprintf("%d conflict(s) with existing rules need confirmation.", len(conflicts))
	case impact != nil && impact.Level == "high":
		return DecisionModify, "The rule has a high business impact and needs confirmation."
	default:
		return DecisionProceed, "No conflicts were found."
	}
}

func (o *Orchestrator) generateFiles(ctx context.Context, s *State) *StageError {
	set, err := o.generator.Generate(ctx, s.Config, s.ParsedRule)
	if err != nil {
		return callError(ctx, KindGeneration, "", "The rule files could not be generated.", err)
	}

	s.ParsedRule.Artifacts = &rules.Artifacts{RuleText: set.RuleText, TableText: set.TableText}
	if err := o.store.Upsert(ctx, s.ParsedRule); err != nil {
		return callError(ctx, KindGeneration, "", "The rule could not be saved.", err)
	}
	s.Artifacts = set
	s.Stored = true
	s.log.Info("rule stored", "rule_id", s.ParsedRule.ID)
	return nil
}

func (o *Orchestrator) verifyFiles(ctx context.Context, s *State) *StageError {
	res := artifact.Verify(s.Artifacts)
	s.Verification = &res
	if !res.Passed {
		logger.VerificationWarnings.Add(1)
		s.log.Warn("artifact verification failed", "rule_id", s.ParsedRule.ID, "issues", res.Issues)
		s.warn(WarningVerification, StageVerifyFiles,
			"The generated files did not pass every structural check: "+strings.Join(res.Issues, "; ")+".")
	}

	if dir := o.config.ArtifactDir; dir != "" {
		if _, _, err := artifact.WriteFiles(dir, s.ParsedRule.Name, s.Artifacts); err != nil {
			s.log.Warn("failed to write artifact files", "dir", dir, "error", err)
		}
	}

	err := o.publisher.Publish(ctx, events.RuleAccepted{
		RunID:      s.RunID,
		RuleID:     s.ParsedRule.ID,
		Name:       s.ParsedRule.Name,
		Industry:   s.Profile.Name,
		Verified:   res.Passed,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("failed to publish rule event", "rule_id", s.ParsedRule.ID, "error", err)
	}
	return nil
}
