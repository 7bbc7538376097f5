package rules

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Priority ranks a rule against others that fire on the same facts.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Salience maps the priority onto a rule-engine salience value.
func (p Priority) Salience() int {
	switch p {
	case PriorityHigh:
		return 100
	case PriorityLow:
		return 10
	default:
		return 50
	}
}

// ParsePriority accepts the usual spellings and defaults to medium.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical", "urgent":
		return PriorityHigh
	case "low", "minor":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Operator is a comparison between a fact field and a literal value.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
	OpContains     Operator = "contains"
)

var operatorAliases = map[string]Operator{
	"==": OpEqual, "=": OpEqual, "eq": OpEqual, "equals": OpEqual, "is": OpEqual, "equal": OpEqual,
	"!=": OpNotEqual, "<>": OpNotEqual, "ne": OpNotEqual, "not_equals": OpNotEqual, "is_not": OpNotEqual,
	">": OpGreater, "gt": OpGreater, "greater_than": OpGreater, "more_than": OpGreater, "over": OpGreater, "above": OpGreater,
	">=": OpGreaterEqual, "gte": OpGreaterEqual, "ge": OpGreaterEqual, "greater_than_or_equal": OpGreaterEqual, "at_least": OpGreaterEqual,
	"<": OpLess, "lt": OpLess, "less_than": OpLess, "under": OpLess, "below": OpLess,
	"<=": OpLessEqual, "lte": OpLessEqual, "le": OpLessEqual, "less_than_or_equal": OpLessEqual, "at_most": OpLessEqual,
	"in": OpIn, "one_of": OpIn,
	"not_in": OpNotIn, "not in": OpNotIn, "none_of": OpNotIn,
	"contains": OpContains, "includes": OpContains,
}

// ParseOperator normalises an operator spelling. The second result is false for unknown operators.
func ParseOperator(s string) (Operator, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	if op, ok := operatorAliases[key]; ok {
		return op, true
	}
	op, ok := operatorAliases[strings.ReplaceAll(key, " ", "_")]
	return op, ok
}

// IsOrdering reports whether the operator compares magnitudes.
func (o Operator) IsOrdering() bool {
	switch o {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		return true
	}
	return false
}

// Condition is one field/operator/value triple of a rule's when-clause.
type Condition struct {
	Field    string   `json:"field" validate:"required,identifier"`
	Operator Operator `json:"operator" validate:"required,operator"`
	Value    any      `json:"value"`
}

// Action is a typed consequence applied when all conditions hold.
type Action struct {
	Type        string `json:"type" validate:"required,max=100"`
	Target      string `json:"target,omitempty" validate:"max=200"`
	Value       any    `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

// Artifacts are the generated rule-language and decision-table texts for a rule.
type Artifacts struct {
	RuleText  string `json:"rule_text"`
	TableText string `json:"table_text"`
}

// Rule is an accepted condition->action business policy.
type Rule struct {
	ID         string      `json:"rule_id"`
	Name       string      `json:"name" validate:"required,max=200"`
	Summary    string      `json:"summary,omitempty"`
	Category   string      `json:"category,omitempty" validate:"max=100"`
	Conditions []Condition `json:"conditions" validate:"required,min=1,max=50,dive"`
	Actions    []Action    `json:"actions" validate:"required,min=1,max=50,dive"`
	Priority   Priority    `json:"priority" validate:"omitempty,oneof=low medium high"`
	Active     bool        `json:"active"`
	Artifacts  *Artifacts  `json:"artifacts,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Clone returns a copy that shares no slices with r.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.Conditions = append([]Condition(nil), r.Conditions...)
	c.Actions = append([]Action(nil), r.Actions...)
	if r.Artifacts != nil {
		a := *r.Artifacts
		c.Artifacts = &a
	}
	return &c
}

// Fields returns the sorted set of fact fields referenced by the conditions.
func (r *Rule) Fields() []string {
	seen := make(map[string]struct{}, len(r.Conditions))
	for _, c := range r.Conditions {
		seen[c.Field] = struct{}{}
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// ConditionsOn returns the conditions that reference field.
func (r *Rule) ConditionsOn(field string) []Condition {
	var out []Condition
	for _, c := range r.Conditions {
		if c.Field == field {
			out = append(out, c)
		}
	}
	return out
}

// EvaluationResult is the outcome of evaluating one rule against a set of facts.
type EvaluationResult struct {
	RuleID   string
	RuleName string
	Matched  bool
	Error    error
}

// NormalizeField turns a free-form field name ("Order Total", "order.total") into an identifier.
func NormalizeField(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore && b.Len() > 0:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// NormalizeValue converts JSON numbers and money/percent strings to float64.
// Lists are normalised element-wise; other values are returned unchanged.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case string:
		s := strings.TrimSpace(x)
		if !strings.ContainsAny(s, "$€£%") {
			return s
		}
		cleaned := strings.NewReplacer("$", "", "€", "", "£", "", "%", "", ",", "").Replace(s)
		if f, err := strconv.ParseFloat(strings.TrimSpace(cleaned), 64); err == nil {
			return f
		}
		return s
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = NormalizeValue(e)
		}
		return out
	default:
		return v
	}
}
