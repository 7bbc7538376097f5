package rules

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// maxProbeCombinations caps the cartesian product explored by Overlap.
const maxProbeCombinations = 10000

const otherValue = "\x00other"

// Engine compiles rule conditions to CEL programs and evaluates them against facts.
// Compiled programs are cached by expression and safe for concurrent use.
type Engine struct {
	programs map[string]cel.Program
	mu       sync.RWMutex
}

func NewEngine() *Engine {
	return &Engine{programs: make(map[string]cel.Program)}
}

// Expression renders conditions as a single CEL conjunction.
func Expression(conds []Condition) (string, error) {
	if len(conds) == 0 {
		return "", errors.New("no conditions")
	}
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		part, err := conditionExpr(c)
		if err != nil {
			return "", fmt.Errorf("condition on %s: %w", c.Field, err)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, " && "), nil
}

func conditionExpr(c Condition) (string, error) {
	if err := ValidateIdentifier(c.Field); err != nil {
		return "", err
	}
	lit, err := literal(c.Value)
	if err != nil {
		return "", err
	}
	switch c.Operator {
	case OpEqual, OpNotEqual, OpGreater, OpGreaterEqual, OpLess, OpLessEqual:
		return fmt.Sprintf("%s %s %s", c.Field, c.Operator, lit), nil
	case OpIn:
		return fmt.Sprintf("%s in %s", c.Field, lit), nil
	case OpNotIn:
		return fmt.Sprintf("!(%s in %s)", c.Field, lit), nil
	case OpContains:
		return fmt.Sprintf("%s.contains(%s)", c.Field, lit), nil
	default:
		return "", fmt.Errorf("unsupported operator %q", c.Operator)
	}
}

func literal(v any) (string, error) {
	switch x := NormalizeValue(v).(type) {
	case nil:
		return "null", nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("non-finite number %v", x)
		}
		s := strconv.FormatFloat(x, 'f', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s, nil
	case string:
		return strconv.Quote(x), nil
	case []any:
		items := make([]string, len(x))
		for i, e := range x {
			lit, err := literal(e)
			if err != nil {
				return "", err
			}
			items[i] = lit
		}
		return "[" + strings.Join(items, ", ") + "]", nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// Compile returns the cached program for conds, compiling it on first use.
func (en *Engine) Compile(conds []Condition) (cel.Program, error) {
	expr, err := Expression(conds)
	if err != nil {
		return nil, err
	}

	en.mu.RLock()
	prog, ok := en.programs[expr]
	en.mu.RUnlock()
	if ok {
		return prog, nil
	}

	fields := map[string]bool{}
	var opts []cel.EnvOption
	for _, c := range conds {
		if !fields[c.Field] {
			fields[c.Field] = true
			opts = append(opts, cel.Variable(c.Field, cel.DynType))
		}
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err = env.Program(ast, cel.CostLimit(1000000))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	en.mu.Lock()
	en.programs[expr] = prog
	en.mu.Unlock()
	return prog, nil
}

// Evaluate reports whether the rule's conditions hold for facts.
// Missing or mistyped facts are a non-match carried in the result's Error.
func (en *Engine) Evaluate(r *Rule, facts map[string]any) (*EvaluationResult, error) {
	prog, err := en.Compile(r.Conditions)
	if err != nil {
		return nil, err
	}

	normalized := make(map[string]any, len(facts))
	for k, v := range facts {
		normalized[k] = NormalizeValue(v)
	}

	result := &EvaluationResult{RuleID: r.ID, RuleName: r.Name}
	out, _, err := prog.Eval(normalized)
	if err != nil {
		result.Error = err
		return result, nil
	}
	if b, ok := out.Value().(bool); ok {
		result.Matched = b
	}
	return result, nil
}

// Overlap describes whether two rules can fire on the same facts.
type Overlap struct {
	// SharedFields are the fact fields both rules constrain.
	SharedFields []string
	// Overlaps is true when some assignment satisfies both rules, or when
	// the rules constrain disjoint fields and so can always co-fire.
	Overlaps bool
	// Witness is an assignment of the shared fields satisfying both rules.
	Witness map[string]any
}

// Overlap probes whether a and b can both match. Only the shared fields are
// explored: conditions on other fields are independent and satisfiable.
func (en *Engine) Overlap(a, b *Rule) (*Overlap, error) {
	shared := intersect(a.Fields(), b.Fields())
	result := &Overlap{SharedFields: shared}
	if len(shared) == 0 {
		result.Overlaps = true
		return result, nil
	}

	progA, err := en.Compile(restrict(a.Conditions, shared))
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", a.ID, err)
	}
	progB, err := en.Compile(restrict(b.Conditions, shared))
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", b.ID, err)
	}

	domains := make([][]any, len(shared))
	total := 1
	for i, f := range shared {
		domains[i] = candidates(append(a.ConditionsOn(f), b.ConditionsOn(f)...))
		total *= len(domains[i])
		if total > maxProbeCombinations {
			total = maxProbeCombinations
		}
	}

	idx := make([]int, len(shared))
	for n := 0; n < total; n++ {
		facts := make(map[string]any, len(shared))
		for i, f := range shared {
			facts[f] = domains[i][idx[i]]
		}
		if matches(progA, facts) && matches(progB, facts) {
			result.Overlaps = true
			result.Witness = facts
			return result, nil
		}
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(domains[i]) {
				break
			}
			idx[i] = 0
		}
	}
	return result, nil
}

func matches(prog cel.Program, facts map[string]any) bool {
	out, _, err := prog.Eval(facts)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func restrict(conds []Condition, fields []string) []Condition {
	keep := make(map[string]bool, len(fields))
	for _, f := range fields {
		keep[f] = true
	}
	var out []Condition
	for _, c := range conds {
		if keep[c.Field] {
			out = append(out, c)
		}
	}
	return out
}

func intersect(a, b []string) []string {
	in := make(map[string]bool, len(a))
	for _, f := range a {
		in[f] = true
	}
	var out []string
	for _, f := range b {
		if in[f] {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// candidates returns boundary values around every literal mentioned on one field.
func candidates(conds []Condition) []any {
	var (
		numbers []float64
		strs    = map[string]bool{}
		hasBool bool
	)
	collect := func(v any) {
		switch x := NormalizeValue(v).(type) {
		case float64:
			numbers = append(numbers, x)
		case string:
			strs[x] = true
		case bool:
			hasBool = true
		}
	}
	for _, c := range conds {
		if list, ok := NormalizeValue(c.Value).([]any); ok {
			for _, e := range list {
				collect(e)
			}
			continue
		}
		collect(c.Value)
	}

	var out []any
	if len(numbers) > 0 {
		sort.Float64s(numbers)
		seen := map[float64]bool{}
		add := func(f float64) {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
		for i, t := range numbers {
			add(t - 1)
			add(t - 0.5)
			add(t)
			add(t + 0.5)
			add(t + 1)
			if i > 0 {
				add((numbers[i-1] + t) / 2)
			}
		}
	}
	if len(strs) > 0 {
		keys := make([]string, 0, len(strs))
		for s := range strs {
			keys = append(keys, s)
		}
		sort.Strings(keys)
		for _, s := range keys {
			out = append(out, s)
		}
		out = append(out, otherValue, "")
	}
	if hasBool {
		out = append(out, true, false)
	}
	if len(out) == 0 {
		out = append(out, otherValue)
	}
	return out
}
