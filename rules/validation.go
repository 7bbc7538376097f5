package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// reservedKeywords cannot be used as condition fields because they collide with CEL syntax.
var reservedKeywords = map[string]bool{
	"true": true, "false": true, "null": true,
	"if": true, "else": true, "for": true, "while": true, "break": true, "continue": true, "return": true,
	"var": true, "let": true, "const": true, "function": true,
	"in": true, "as": true, "import": true, "package": true, "namespace": true, "loop": true, "void": true,
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
			return ValidateIdentifier(fl.Field().String()) == nil
		})
		_ = validate.RegisterValidation("operator", func(fl validator.FieldLevel) bool {
			_, ok := operatorAliases[fl.Field().String()]
			return ok
		})
	})
	return validate
}

// ValidateIdentifier checks that name is usable as a condition field.
func ValidateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("identifier length %d exceeds maximum of 100 characters", len(name))
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier %q must start with a letter or underscore followed by letters, digits, or underscores", name)
	}
	if reservedKeywords[name] {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

// Validate checks a rule's structure and the shape of every condition value.
func Validate(r *Rule) error {
	if r == nil {
		return errors.New("rule is nil")
	}
	if err := structValidator().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return describe(verrs)
		}
		return err
	}

	for i, c := range r.Conditions {
		if err := validateConditionValue(c); err != nil {
			return fmt.Errorf("condition %d (%s): %w", i, c.Field, err)
		}
	}
	return nil
}

func validateConditionValue(c Condition) error {
	switch {
	case c.Value == nil:
		return errors.New("value is required")
	case c.Operator == OpIn || c.Operator == OpNotIn:
		list, ok := c.Value.([]any)
		if !ok || len(list) == 0 {
			return fmt.Errorf("operator %s requires a non-empty list", c.Operator)
		}
	case c.Operator.IsOrdering():
		if _, ok := c.Value.(float64); !ok {
			return fmt.Errorf("operator %s requires a numeric value, got %T", c.Operator, c.Value)
		}
	case c.Operator == OpContains:
		if _, ok := c.Value.(string); !ok {
			return fmt.Errorf("operator contains requires a string value")
		}
	}
	return nil
}

func describe(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Rule.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must contain at least %s entries", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s exceeds maximum of %s", field, fe.Param()))
		case "identifier":
			msgs = append(msgs, fmt.Sprintf("%s %q is not a valid identifier", field, fe.Value()))
		case "operator":
			msgs = append(msgs, fmt.Sprintf("%s %q is not a supported operator", field, fe.Value()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
