package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/liamcoop/ruleassist/internal/logger"
	"github.com/liamcoop/ruleassist/llm"
	"github.com/liamcoop/ruleassist/prompts"
	"github.com/liamcoop/ruleassist/rules"
)

// parsedPayload is the loose shape models return. Conditions and actions are
// accepted either under "logic" or at the top level, as objects or strings.
type parsedPayload struct {
	RuleID     string            `json:"rule_id"`
	Name       string            `json:"name"`
	Summary    string            `json:"summary"`
	Category   string            `json:"category"`
	Priority   string            `json:"priority"`
	Logic      *parsedLogic      `json:"logic"`
	Conditions []json.RawMessage `json:"conditions"`
	Actions    []json.RawMessage `json:"actions"`
}

type parsedLogic struct {
	Conditions []json.RawMessage `json:"conditions"`
	Actions    []json.RawMessage `json:"actions"`
}

type rawCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type rawAction struct {
	Type        string `json:"type"`
	Target      string `json:"target"`
	Value       any    `json:"value"`
	Description string `json:"description"`
}

func (o *Orchestrator) parseRule(ctx context.Context, s *State) *StageError {
	data := prompts.Data{
		UserInput: s.UserInput,
		History:   condenseHistory(s.History, o.config.HistoryTurns),
		Industry:  s.Profile,
		Context:   o.ground(ctx, s),
	}
	prompt, err := s.Config.Render(string(StageParseRule), data)
	if err != nil {
		return &StageError{Kind: KindInternal, Message: "The rule could not be analysed.", Err: err}
	}
	opts := s.Config.Options(string(StageParseRule))

	payload, serr := o.completeJSON(ctx, s, prompt, opts)
	if serr != nil {
		return serr
	}

	rule, err := toRule(payload)
	if err != nil {
		if errors.Is(err, errNoRule) {
			return &StageError{Kind: KindParse, Reason: ReasonEmptyQuery,
				Message: "No rule could be found in your request.", Err: err}
		}
		return &StageError{Kind: KindParse, Reason: ReasonMalformedLLMOutput,
			Message: "The rule in the model's answer could not be understood.", Err: err}
	}
	if err := rules.Validate(rule); err != nil {
		return &StageError{Kind: KindParse, Reason: ReasonMalformedLLMOutput,
			Message: "The rule in the model's answer could not be understood.", Err: err}
	}

	s.ParsedRule = rule
	s.log.Info("rule parsed", "rule_id", rule.ID, "name", rule.Name,
		"conditions", len(rule.Conditions), "actions", len(rule.Actions))
	return nil
}

// completeJSON asks for the parse payload and, when the answer cannot be
// repaired into JSON, asks once more with the strict suffix.
func (o *Orchestrator) completeJSON(ctx context.Context, s *State, prompt string, opts llm.Options) (*parsedPayload, *StageError) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		p := prompt
		if attempt > 0 {
			p += s.Config.JSONRetrySuffix()
			s.log.Info("re-asking for valid JSON", "stage", StageParseRule)
		}

		raw, err := o.client.Complete(ctx, p, opts)
		if err != nil {
			if errors.Is(err, llm.ErrEmptyResponse) {
				return nil, &StageError{Kind: KindParse, Reason: ReasonEmptyQuery,
					Message: "No rule could be found in your request.", Err: err}
			}
			return nil, callError(ctx, KindParse, ReasonLLMUnavailable,
				"The language model could not be reached.", err)
		}
		logger.Trace("parse output", "run_id", s.RunID, "raw", raw)
		if strings.TrimSpace(raw) == "" {
			return nil, &StageError{Kind: KindParse, Reason: ReasonEmptyQuery,
				Message: "No rule could be found in your request.", Err: llm.ErrEmptyResponse}
		}

		var payload parsedPayload
		err = llm.DecodeJSON(raw, &payload)
		if err == nil {
			return &payload, nil
		}
		lastErr = err
		if !errors.Is(err, llm.ErrUnrecoverableJSON) {
			break
		}
	}
	return nil, &StageError{Kind: KindParse, Reason: ReasonUnrecoverableJSON,
		Message: "The rule could not be read from the model's answer.", Err: lastErr}
}

// ground fetches knowledge passages for the request. Failures degrade to an
// ungrounded prompt.
func (o *Orchestrator) ground(ctx context.Context, s *State) []string {
	if o.retriever == nil || o.config.TopK <= 0 {
		return nil
	}
	matches, err := o.retriever.Search(ctx, s.UserInput, o.config.TopK)
	if err != nil {
		logger.StageDegraded(string(StageParseRule), "knowledge retrieval failed")
		s.log.Warn("knowledge retrieval failed", "error", err)
		s.warn(WarningDegraded, StageParseRule, "Reference documents could not be searched.")
		return nil
	}
	s.Grounding = matches
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Text)
	}
	return out
}

var errNoRule = errors.New("no conditions or actions")

func toRule(p *parsedPayload) (*rules.Rule, error) {
	condsRaw, actionsRaw := p.Conditions, p.Actions
	if p.Logic != nil {
		if len(p.Logic.Conditions) > 0 {
			condsRaw = p.Logic.Conditions
		}
		if len(p.Logic.Actions) > 0 {
			actionsRaw = p.Logic.Actions
		}
	}
	if len(condsRaw) == 0 && len(actionsRaw) == 0 && strings.TrimSpace(p.Name) == "" {
		return nil, errNoRule
	}

	r := &rules.Rule{
		ID:       strings.TrimSpace(p.RuleID),
		Name:     strings.TrimSpace(p.Name),
		Summary:  strings.TrimSpace(p.Summary),
		Category: strings.ToLower(strings.TrimSpace(p.Category)),
		Priority: rules.ParsePriority(p.Priority),
		Active:   true,
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	for i, raw := range condsRaw {
		c, err := toCondition(raw)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i+1, err)
		}
		r.Conditions = append(r.Conditions, c)
	}
	for i, raw := range actionsRaw {
		a, err := toAction(raw)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i+1, err)
		}
		r.Actions = append(r.Actions, a)
	}
	return r, nil
}

var conditionText = regexp.MustCompile(`^\s*([A-Za-z_][\w .]*?)\s*(>=|<=|==|!=|=|>|<)\s*(.+?)\s*$`)

func toCondition(raw json.RawMessage) (rules.Condition, error) {
	var rc rawCondition
	if err := json.Unmarshal(raw, &rc); err != nil {
		var text string
		if json.Unmarshal(raw, &text) != nil {
			return rules.Condition{}, errors.New("unsupported shape")
		}
		m := conditionText.FindStringSubmatch(text)
		if m == nil {
			return rules.Condition{}, fmt.Errorf("cannot read %q", text)
		}
		rc = rawCondition{Field: m[1], Operator: m[2], Value: literalValue(m[3])}
	}

	c := rules.Condition{Field: rules.NormalizeField(rc.Field)}
	op, ok := rules.ParseOperator(rc.Operator)
	if !ok {
		op = rules.Operator(strings.TrimSpace(rc.Operator))
	}
	c.Operator = op
	c.Value = coerceValue(op, rc.Value)
	return c, nil
}

func toAction(raw json.RawMessage) (rules.Action, error) {
	var ra rawAction
	if err := json.Unmarshal(raw, &ra); err != nil {
		var text string
		if json.Unmarshal(raw, &text) != nil {
			return rules.Action{}, errors.New("unsupported shape")
		}
		return rules.Action{Type: "custom", Description: strings.TrimSpace(text)}, nil
	}
	return rules.Action{
		Type:        rules.NormalizeField(ra.Type),
		Target:      strings.TrimSpace(ra.Target),
		Value:       rules.NormalizeValue(ra.Value),
		Description: strings.TrimSpace(ra.Description),
	}, nil
}

func literalValue(s string) any {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// coerceValue normalises money and percent strings and turns numeric strings
// into numbers for ordering comparisons.
func coerceValue(op rules.Operator, v any) any {
	v = rules.NormalizeValue(v)
	if s, ok := v.(string); ok && op.IsOrdering() {
		if f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64); err == nil {
			return f
		}
	}
	return v
}
