// Package prompts holds the per-stage prompt templates, model parameters and
// industry profiles. A Snapshot is loaded once per workflow run and never changes.
package prompts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/liamcoop/ruleassist/llm"
)

// DefaultIndustry is used when a run names an unknown industry.
const DefaultIndustry = "generic"

// StagePrompt is one stage's template plus its generation parameters.
type StagePrompt struct {
	Template    string  `yaml:"template"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Format      string  `yaml:"format"`
	Model       string  `yaml:"model"`
}

// Industry is a domain profile selecting prompt variants and conflict vocabulary.
type Industry struct {
	Name             string   `yaml:"-" json:"name"`
	DisplayName      string   `yaml:"display_name" json:"display_name"`
	KeyParameters    []string `yaml:"key_parameters" json:"key_parameters"`
	CommonConflicts  []string `yaml:"common_conflicts" json:"common_conflicts"`
	ImpactAreas      []string `yaml:"impact_areas" json:"impact_areas"`
	OperationalTerms []string `yaml:"operational_terms" json:"operational_terms"`
}

func (in Industry) clone() Industry {
	in.KeyParameters = append([]string(nil), in.KeyParameters...)
	in.CommonConflicts = append([]string(nil), in.CommonConflicts...)
	in.ImpactAreas = append([]string(nil), in.ImpactAreas...)
	in.OperationalTerms = append([]string(nil), in.OperationalTerms...)
	return in
}

// Catalogue is the YAML document shape.
type Catalogue struct {
	Version         string                 `yaml:"version"`
	JSONRetrySuffix string                 `yaml:"json_retry_suffix"`
	Stages          map[string]StagePrompt `yaml:"stages"`
	Industries      map[string]Industry    `yaml:"industries"`
}

// Data is the value every stage template renders against. Stages fill the
// fields they have; templates must only reference those.
type Data struct {
	UserInput string
	History   string
	Industry  Industry
	Context   []string
	Rule      any
	Existing  any
	Conflicts any
	Impact    any
	Outcome   string
}

// Snapshot is an immutable view of a Catalogue with parsed templates.
type Snapshot struct {
	version    string
	retry      string
	loadedAt   time.Time
	source     string
	stages     map[string]StagePrompt
	templates  map[string]*template.Template
	industries map[string]Industry
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
}

func newSnapshot(c *Catalogue, source string) (*Snapshot, error) {
	s := &Snapshot{
		version:    c.Version,
		retry:      c.JSONRetrySuffix,
		loadedAt:   time.Now().UTC(),
		source:     source,
		stages:     make(map[string]StagePrompt, len(c.Stages)),
		templates:  make(map[string]*template.Template, len(c.Stages)),
		industries: make(map[string]Industry, len(c.Industries)),
	}
	for name, sp := range c.Stages {
		tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(sp.Template)
		if err != nil {
			return nil, fmt.Errorf("prompts: stage %s: %w", name, err)
		}
		s.stages[name] = sp
		s.templates[name] = tmpl
	}
	for name, in := range c.Industries {
		in.Name = name
		if in.DisplayName == "" {
			in.DisplayName = name
		}
		s.industries[name] = in.clone()
	}
	if _, ok := s.industries[DefaultIndustry]; !ok {
		return nil, fmt.Errorf("prompts: industry %q is required", DefaultIndustry)
	}
	return s, nil
}

func (s *Snapshot) Version() string     { return s.version }
func (s *Snapshot) Source() string      { return s.source }
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// JSONRetrySuffix is appended to a prompt when a JSON answer has to be re-requested.
func (s *Snapshot) JSONRetrySuffix() string { return s.retry }

// HasStage reports whether a template is configured for stage.
func (s *Snapshot) HasStage(stage string) bool {
	_, ok := s.templates[stage]
	return ok
}

// Industry resolves name case-insensitively, falling back to the generic profile.
// The second result is false when the fallback was used.
func (s *Snapshot) Industry(name string) (Industry, bool) {
	if in, ok := s.industries[strings.ToLower(strings.TrimSpace(name))]; ok {
		return in.clone(), true
	}
	return s.industries[DefaultIndustry].clone(), false
}

// Industries lists the configured industry names.
func (s *Snapshot) Industries() []string {
	names := make([]string, 0, len(s.industries))
	for n := range s.industries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Options returns the generation parameters for stage.
func (s *Snapshot) Options(stage string) llm.Options {
	sp := s.stages[stage]
	format := llm.FormatText
	if strings.EqualFold(sp.Format, string(llm.FormatJSON)) {
		format = llm.FormatJSON
	}
	return llm.Options{
		Temperature:    sp.Temperature,
		MaxTokens:      sp.MaxTokens,
		ResponseFormat: format,
		Model:          sp.Model,
		Purpose:        stage,
	}
}

// Render executes the stage template against data.
func (s *Snapshot) Render(stage string, data Data) (string, error) {
	tmpl, ok := s.templates[stage]
	if !ok {
		return "", fmt.Errorf("prompts: no template for stage %s", stage)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("prompts: render %s: %w", stage, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
