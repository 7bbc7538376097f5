package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/liamcoop/ruleassist/conflict"
	"github.com/liamcoop/ruleassist/prompts"
	"github.com/liamcoop/ruleassist/rules"
)

func (o *Orchestrator) respond(ctx context.Context, s *State) *StageError {
	draft := outcome(s)
	s.FinalResponse = draft

	if !o.config.ConversationalResponse || s.Config == nil || !s.Config.HasStage(string(StageRespond)) || ctx.Err() != nil {
		return nil
	}
	prompt, err := s.Config.Render(string(StageRespond), prompts.Data{
		UserInput: s.UserInput,
		Industry:  s.Profile,
		Outcome:   draft,
	})
	if err != nil {
		s.log.Warn("respond prompt failed", "error", err)
		return nil
	}
	text, err := o.client.Complete(ctx, prompt, s.Config.Options(string(StageRespond)))
	if err != nil {
		s.log.Warn("conversational response failed, using template", "error", err)
		return nil
	}
	if text = strings.TrimSpace(text); text != "" {
		s.FinalResponse = text
	}
	return nil
}

// outcome renders the deterministic reply from whatever the run produced.
func outcome(s *State) string {
	var b strings.Builder
	name := "the rule"
	if s.ParsedRule != nil && s.ParsedRule.Name != "" {
		name = fmt.Sprintf("%q", s.ParsedRule.Name)
	}

	switch s.Decision {
	case DecisionCancel:
		b.WriteString("Okay, I cancelled this request. No rule was saved.")
		return b.String()

	case DecisionModify:
		if conflict.HasHigh(s.Conflicts) {
			fmt.Fprintf(&b, "I can't create %s yet because it conflicts with existing rules:\n", name)
		} else if len(s.Conflicts) > 0 {
			fmt.Fprintf(&b, "Before I create %s, please review these possible conflicts:\n", name)
		} else {
			fmt.Fprintf(&b, "%s was not created. %s\n", capitalize(name), s.Rationale)
		}
		writeConflicts(&b, s.Conflicts)
		writeImpact(&b, s.Impact)
		switch {
		case conflict.HasHigh(s.Conflicts):
			b.WriteString("\nReply \"modify\" with a revised description, or \"cancel\" to drop it.")
		case s.UserDecision == DecisionModify:
			b.WriteString("\nDescribe the changes you'd like and I'll try again.")
		default:
			b.WriteString("\nReply \"proceed\" to create it anyway, \"modify\" with changes, or \"cancel\".")
		}
		return b.String()
	}

	if !s.Stored || s.ParsedRule == nil {
		return "The request finished without creating a rule."
	}

	r := s.ParsedRule
	fmt.Fprintf(&b, "Created rule %s (id %s).\n", name, r.ID)
	if r.Summary != "" {
		b.WriteString(r.Summary + "\n")
	}
	b.WriteString("When: " + describeConditions(r.Conditions) + "\n")
	b.WriteString("Then: " + describeActions(r.Actions) + "\n")
	writeConflicts(&b, s.Conflicts)
	writeImpact(&b, s.Impact)
	b.WriteString("A Drools rule file and a guided decision table were generated.")
	for _, w := range s.Warnings {
		if w.Kind == WarningVerification {
			b.WriteString("\nWarning: " + w.Message + " Review the files before deploying them.")
		}
	}
	return b.String()
}

func writeConflicts(b *strings.Builder, cs []conflict.Conflict) {
	for _, c := range cs {
		fmt.Fprintf(b, "- [%s, %s] with %q: %s", c.Severity, c.Type, c.ExistingRuleName, c.Description)
		if c.Resolution != "" {
			b.WriteString(" Suggestion: " + c.Resolution)
		}
		b.WriteByte('\n')
	}
}

func writeImpact(b *strings.Builder, in *Impact) {
	if in == nil {
		return
	}
	fmt.Fprintf(b, "Impact: %s. %s\n", in.Level, in.Recommendation)
}

func describeConditions(cs []rules.Condition) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
	}
	return strings.Join(parts, " and ")
}

func describeActions(as []rules.Action) string {
	parts := make([]string, len(as))
	for i, a := range as {
		p := a.Type
		if a.Target != "" {
			p += " " + a.Target
		}
		if a.Value != nil {
			p += fmt.Sprintf(" %v", a.Value)
		}
		if p == "custom" && a.Description != "" {
			p = a.Description
		}
		parts[i] = p
	}
	return strings.Join(parts, "; ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var phases = map[Stage]string{
	StageLoadConfig:       "reading your request",
	StageParseRule:        "understanding your rule",
	StageConflictAnalysis: "checking for conflicts",
	StageImpactAnalysis:   "assessing the business impact",
	StageDecision:         "deciding how to proceed",
	StageGenerateFiles:    "generating the rule files",
	StageVerifyFiles:      "verifying the rule files",
	StageRespond:          "preparing the reply",
}

// handleError writes a plain-language message naming the failed phase.
// Internal causes stay in logs.
func (o *Orchestrator) handleError(_ context.Context, s *State) *StageError {
	e := s.Error
	if e == nil {
		e = &StageError{Stage: StageHandleError, Kind: KindInternal, Message: "The request could not be completed."}
		s.Error = e
	}

	var b strings.Builder
	switch e.Kind {
	case KindCancelled:
		phase := phases[e.Stage]
		if phase == "" {
			phase = "working on it"
		}
		fmt.Fprintf(&b, "The request was cancelled while %s.", phase)
		if s.Stored && s.ParsedRule != nil {
			fmt.Fprintf(&b, " Rule %q (id %s) and its files had already been saved.", s.ParsedRule.Name, s.ParsedRule.ID)
		} else {
			b.WriteString(" Nothing was saved.")
		}
		s.FinalResponse = b.String()
		return nil
	case KindInputValidation:
		b.WriteString(e.Message)
		b.WriteString(" For example: \"Give a 10% discount on orders over $100\".")
		s.FinalResponse = b.String()
		return nil
	}

	phase := phases[e.Stage]
	if phase == "" {
		phase = "processing your request"
	}
	fmt.Fprintf(&b, "Sorry, something went wrong while %s (stage %s).", phase, e.Stage)
	if e.Message != "" {
		b.WriteString(" " + e.Message)
	}
	if e.Kind == KindParse {
		b.WriteString(" Please rephrase the rule with a clear condition and action, for example: " +
			"\"Give a 10% discount on orders over $100\".")
	} else {
		b.WriteString(" Please try again; if the problem persists, contact your administrator.")
	}
	s.FinalResponse = b.String()
	return nil
}
