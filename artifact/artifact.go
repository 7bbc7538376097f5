// Package artifact turns a structured rule into a Drools rule file and a
// guided decision table, and checks both for structural sanity.
package artifact

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/liamcoop/ruleassist/internal/logger"
	"github.com/liamcoop/ruleassist/llm"
	"github.com/liamcoop/ruleassist/prompts"
	"github.com/liamcoop/ruleassist/rules"
)

// StageName is the prompt catalogue entry used for generation.
const StageName = "generate_files"

// Separator divides the rule file from the decision table in model output.
const Separator = "---GDST---"

// DefaultPackage is substituted for ${package}.
const DefaultPackage = "com.ruleassist.rules"

var ErrMalformedOutput = errors.New("artifact: malformed generation output")

// Set is one generated pair.
type Set struct {
	RuleText  string `json:"rule_text"`
	TableText string `json:"table_text"`
}

// Generator calls the model and post-processes its output.
type Generator struct {
	client   llm.Client
	pkg      string
	attempts int
}

type Option func(*Generator)

// WithPackage sets the Drools package name.
func WithPackage(pkg string) Option {
	return func(g *Generator) { g.pkg = pkg }
}

// WithAttempts sets how many generation calls are made before giving up.
func WithAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.attempts = n
		}
	}
}

func NewGenerator(client llm.Client, opts ...Option) *Generator {
	g := &Generator{client: client, pkg: DefaultPackage, attempts: 2}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

const strictSuffix = "\n\nIMPORTANT: the previous output could not be used. Output the DRL, a line with exactly " +
	Separator + ", then the XML. Nothing else."

// Generate renders the prompt for r and returns cleaned artifacts. A shape
// failure is retried with a stricter prompt; call errors are returned as is.
func (g *Generator) Generate(ctx context.Context, snap *prompts.Snapshot, r *rules.Rule) (*Set, error) {
	prompt, err := snap.Render(StageName, prompts.Data{Rule: r})
	if err != nil {
		return nil, err
	}
	opts := snap.Options(StageName)

	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		p := prompt
		if attempt > 1 {
			p += strictSuffix
		}
		raw, err := g.client.Complete(ctx, p, opts)
		if err != nil {
			return nil, fmt.Errorf("generation call failed: %w", err)
		}
		logger.Trace("generation output", "rule_id", r.ID, "attempt", attempt, "raw", raw)

		set, err := Parse(raw, Placeholders(r, g.pkg))
		if err == nil {
			return set, nil
		}
		lastErr = err
		logger.Warn("generation output rejected", "rule_id", r.ID, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

// Placeholders returns the substitutions applied to generated text.
func Placeholders(r *rules.Rule, pkg string) map[string]string {
	return map[string]string{
		"${package}":   pkg,
		"${rule_name}": r.Name,
		"${rule_id}":   r.ID,
		"${salience}":  strconv.Itoa(r.Priority.Salience()),
	}
}

var gdstStart = regexp.MustCompile(`(?m)^\s*(<\?xml|<decision-table)`)

// Parse splits raw model output into a Set, cleans both parts and checks their shape.
func Parse(raw string, placeholders map[string]string) (*Set, error) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	var drl, gdst string
	if i := strings.Index(raw, Separator); i >= 0 {
		drl, gdst = raw[:i], raw[i+len(Separator):]
	} else if loc := gdstStart.FindStringIndex(raw); loc != nil {
		drl, gdst = raw[:loc[0]], raw[loc[0]:]
	} else {
		return nil, fmt.Errorf("%w: no decision table section", ErrMalformedOutput)
	}

	set := &Set{
		RuleText:  clean(drl, placeholders),
		TableText: clean(gdst, placeholders),
	}
	if err := checkRuleShape(set.RuleText); err != nil {
		return nil, err
	}
	if err := checkTableShape(set.TableText); err != nil {
		return nil, err
	}
	return set, nil
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

func clean(s string, placeholders map[string]string) string {
	s = llm.StripCodeFences(s)
	s = strings.ReplaceAll(s, "```", "")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	for k, v := range placeholders {
		s = strings.ReplaceAll(s, k, v)
	}
	return strings.TrimSpace(s) + "\n"
}

var ruleDecl = regexp.MustCompile(`(?m)^\s*rule\s+"[^"]+"`)

func checkRuleShape(drl string) error {
	if !ruleDecl.MatchString(drl) {
		return fmt.Errorf("%w: rule file has no rule declaration", ErrMalformedOutput)
	}
	for _, kw := range []string{"when", "then", "end"} {
		if !hasKeyword(drl, kw) {
			return fmt.Errorf("%w: rule file is missing %q", ErrMalformedOutput, kw)
		}
	}
	return nil
}

func checkTableShape(gdst string) error {
	if err := wellFormed(gdst); err != nil {
		return fmt.Errorf("%w: decision table is not well-formed XML: %v", ErrMalformedOutput, err)
	}
	return nil
}

var keywords = map[string]*regexp.Regexp{
	"when": regexp.MustCompile(`(?m)^\s*when\b`),
	"then": regexp.MustCompile(`(?m)^\s*then\b`),
	"end":  regexp.MustCompile(`(?m)^\s*end\b`),
}

func hasKeyword(s, kw string) bool {
	return keywords[kw].MatchString(s)
}

// wellFormed reports the first XML syntax error in s, requiring one root element.
func wellFormed(s string) error {
	dec := xml.NewDecoder(strings.NewReader(s))
	dec.Strict = true
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}
	if roots != 1 {
		return fmt.Errorf("expected one root element, found %d", roots)
	}
	return nil
}

// WriteFiles writes <base>.drl and <base>.gdst into dir and returns their paths.
func WriteFiles(dir, base string, set *Set) (string, string, error) {
	if set == nil {
		return "", "", errors.New("no artifacts to write")
	}
	base = rules.NormalizeField(base)
	if base == "" {
		return "", "", errors.New("artifact base name is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	drlPath := filepath.Join(dir, base+".drl")
	gdstPath := filepath.Join(dir, base+".gdst")
	if err := os.WriteFile(drlPath, []byte(set.RuleText), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write %s: %w", drlPath, err)
	}
	if err := os.WriteFile(gdstPath, bytes.TrimLeft([]byte(set.TableText), "\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write %s: %w", gdstPath, err)
	}
	return drlPath, gdstPath, nil
}
