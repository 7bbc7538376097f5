// Package conflict finds incompatibilities between a proposed rule and the
// rules already accepted.
package conflict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/liamcoop/ruleassist/internal/logger"
	"github.com/liamcoop/ruleassist/prompts"
	"github.com/liamcoop/ruleassist/rules"
)

type Type string

const (
	TypeLogical     Type = "logical"
	TypeBusiness    Type = "business"
	TypeOperational Type = "operational"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// ParseSeverity maps free text onto a severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical", "severe":
		return SeverityHigh
	case "low", "minor":
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// ParseType maps free text onto a conflict type, defaulting to business.
func ParseType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "logical", "logic":
		return TypeLogical
	case "operational", "operations":
		return TypeOperational
	default:
		return TypeBusiness
	}
}

// Source records which detector produced a conflict.
type Source string

const (
	SourceRules Source = "rules"
	SourceLLM   Source = "llm"
)

// Conflict relates the proposed rule to one existing rule.
type Conflict struct {
	NewRuleID        string   `json:"new_rule_id"`
	ExistingRuleID   string   `json:"existing_rule_id"`
	ExistingRuleName string   `json:"existing_rule_name"`
	Type             Type     `json:"type"`
	Severity         Severity `json:"severity"`
	Description      string   `json:"description"`
	Resolution       string   `json:"resolution"`
	Source           Source   `json:"source"`
}

// HasHigh reports whether any conflict is high severity.
func HasHigh(cs []Conflict) bool {
	for _, c := range cs {
		if c.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Detector runs the deterministic checks.
type Detector struct {
	engine *rules.Engine
}

func NewDetector(engine *rules.Engine) *Detector {
	if engine == nil {
		engine = rules.NewEngine()
	}
	return &Detector{engine: engine}
}

var pricingActions = map[string]bool{
	"discount": true, "price": true, "set_price": true, "surcharge": true,
	"markup": true, "fee": true, "pricing": true, "rebate": true,
}

// Detect compares candidate with each active rule in existing. A rule with the
// candidate's own ID is the version being replaced and is skipped.
func (d *Detector) Detect(candidate *rules.Rule, existing []*rules.Rule, industry prompts.Industry) []Conflict {
	var out []Conflict
	for _, ex := range existing {
		if ex == nil || !ex.Active || (candidate.ID != "" && ex.ID == candidate.ID) {
			continue
		}
		out = append(out, d.compare(candidate, ex, industry)...)
	}
	return Merge(out, nil)
}

func (d *Detector) compare(c, ex *rules.Rule, industry prompts.Industry) []Conflict {
	var out []Conflict
	add := func(t Type, sev Severity, desc, res string) {
		out = append(out, Conflict{
			NewRuleID:        c.ID,
			ExistingRuleID:   ex.ID,
			ExistingRuleName: ex.Name,
			Type:             t,
			Severity:         sev,
			Description:      desc,
			Resolution:       res,
			Source:           SourceRules,
		})
	}

	if strings.EqualFold(strings.TrimSpace(c.Name), strings.TrimSpace(ex.Name)) &&
		strings.EqualFold(c.Category, ex.Category) {
		add(TypeBusiness, SeverityMedium,
			fmt.Sprintf("A rule named %q already exists in category %q.", ex.Name, ex.Category),
			"Rename the new rule or update the existing one instead.")
	}

	ov, err := d.engine.Overlap(c, ex)
	if err != nil {
		logger.Warn("overlap probe failed", "rule_id", ex.ID, "error", err)
		return out
	}

	if len(ov.SharedFields) > 0 && ov.Overlaps {
		sev, desc, res := logicalVerdict(c, ex, ov)
		add(TypeLogical, sev, desc, res)
	}

	if ov.Overlaps {
		if target, ok := stackedPricing(c, ex); ok {
			add(TypeBusiness, SeverityMedium,
				fmt.Sprintf("Both rules adjust pricing of %s and can apply to the same order.", target),
				"Decide whether the adjustments stack, or make the conditions mutually exclusive.")
		}
	}

	if terms := sharedTerms(c, ex, industry.OperationalTerms); len(terms) > 0 {
		add(TypeOperational, SeverityLow,
			fmt.Sprintf("Both rules touch %s operations (%s).", industry.DisplayName, strings.Join(terms, ", ")),
			"Check that staff and resources can satisfy both rules at once.")
	}
	return out
}

func logicalVerdict(c, ex *rules.Rule, ov *rules.Overlap) (Severity, string, string) {
	where := strings.Join(ov.SharedFields, ", ")
	if witness := describeWitness(ov); witness != "" {
		where += " (e.g. " + witness + ")"
	}

	if contradicts(c.Actions, ex.Actions) {
		return SeverityHigh,
			fmt.Sprintf("Conditions overlap on %s and the rules set contradictory outcomes.", where),
			"Narrow one rule's conditions so they no longer overlap, or align the actions."
	}
	if sameActions(c.Actions, ex.Actions) {
		return SeverityMedium,
			fmt.Sprintf("Conditions overlap on %s and both rules take the same action; the new rule may be redundant.", where),
			"Merge the rules or drop the new one."
	}
	return SeverityMedium,
		fmt.Sprintf("Conditions overlap on %s, so both rules can fire for the same case.", where),
		"Confirm both actions should apply together, or set priorities to order them."
}

func describeWitness(ov *rules.Overlap) string {
	if len(ov.Witness) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ov.Witness))
	for _, f := range ov.SharedFields {
		v := ov.Witness[f]
		if s, ok := v.(string); ok && strings.HasPrefix(s, "\x00") {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", f, v))
	}
	return strings.Join(parts, ", ")
}

// contradicts reports whether some action type and target appear in both
// lists with different values.
func contradicts(a, b []rules.Action) bool {
	for _, x := range a {
		for _, y := range b {
			if actionKey(x) == actionKey(y) && fmt.Sprint(rules.NormalizeValue(x.Value)) != fmt.Sprint(rules.NormalizeValue(y.Value)) {
				return true
			}
		}
	}
	return opposed(a, b) || opposed(b, a)
}

var opposites = map[string]string{
	"allow": "deny", "approve": "reject", "enable": "disable", "open": "close",
}

func opposed(a, b []rules.Action) bool {
	for _, x := range a {
		want, ok := opposites[strings.ToLower(x.Type)]
		if !ok {
			continue
		}
		for _, y := range b {
			if strings.ToLower(y.Type) == want && strings.EqualFold(x.Target, y.Target) {
				return true
			}
		}
	}
	return false
}

func sameActions(a, b []rules.Action) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(as []rules.Action) []string {
		out := make([]string, len(as))
		for i, x := range as {
			out[i] = actionKey(x) + "=" + fmt.Sprint(rules.NormalizeValue(x.Value))
		}
		sort.Strings(out)
		return out
	}
	ka, kb := key(a), key(b)
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
	}
	return true
}

func actionKey(a rules.Action) string {
	return strings.ToLower(a.Type) + "|" + strings.ToLower(strings.TrimSpace(a.Target))
}

func stackedPricing(a, b *rules.Rule) (string, bool) {
	for _, x := range a.Actions {
		if !pricingActions[strings.ToLower(x.Type)] {
			continue
		}
		for _, y := range b.Actions {
			if !pricingActions[strings.ToLower(y.Type)] {
				continue
			}
			if x.Target == "" || y.Target == "" || strings.EqualFold(x.Target, y.Target) {
				target := x.Target
				if target == "" {
					target = y.Target
				}
				if target == "" {
					target = "the same items"
				}
				return target, true
			}
		}
	}
	return "", false
}

func sharedTerms(a, b *rules.Rule, terms []string) []string {
	if len(terms) == 0 {
		return nil
	}
	ta, tb := ruleText(a), ruleText(b)
	var out []string
	for _, term := range terms {
		t := strings.ToLower(term)
		if strings.Contains(ta, t) && strings.Contains(tb, t) {
			out = append(out, term)
		}
	}
	return out
}

func ruleText(r *rules.Rule) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(r.Name))
	for _, c := range r.Conditions {
		b.WriteString(" " + c.Field)
	}
	for _, a := range r.Actions {
		b.WriteString(" " + strings.ToLower(a.Type+" "+a.Target))
	}
	return b.String()
}

// Merge combines deterministic findings with reviewed ones. For each
// (existing rule, type) pair the highest severity wins; ordering follows first appearance.
func Merge(base, extra []Conflict) []Conflict {
	type key struct {
		id string
		t  Type
	}
	index := make(map[key]int)
	out := make([]Conflict, 0, len(base)+len(extra))
	for _, c := range append(append([]Conflict(nil), base...), extra...) {
		k := key{c.ExistingRuleID, c.Type}
		if i, ok := index[k]; ok {
			if c.Severity.Rank() > out[i].Severity.Rank() {
				out[i] = c
			}
			continue
		}
		index[k] = len(out)
		out = append(out, c)
	}
	return out
}
