package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	"github.com/liamcoop/ruleassist/internal/logger"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

var (
	defaultsOnce sync.Once
	defaults     *Catalogue
	defaultsErr  error
)

// Defaults returns the built-in catalogue.
func Defaults() (*Catalogue, error) {
	defaultsOnce.Do(func() {
		defaults, defaultsErr = ParseCatalogue(defaultsYAML)
	})
	if defaultsErr != nil {
		return nil, defaultsErr
	}
	return defaults.copy(), nil
}

// ParseCatalogue decodes a YAML catalogue.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("prompts: decode catalogue: %w", err)
	}
	return &c, nil
}

func (c *Catalogue) copy() *Catalogue {
	out := &Catalogue{
		Version:         c.Version,
		JSONRetrySuffix: c.JSONRetrySuffix,
		Stages:          make(map[string]StagePrompt, len(c.Stages)),
		Industries:      make(map[string]Industry, len(c.Industries)),
	}
	for k, v := range c.Stages {
		out.Stages[k] = v
	}
	for k, v := range c.Industries {
		out.Industries[k] = v.clone()
	}
	return out
}

// merge overlays o onto c. Stages and industries replace by name.
func (c *Catalogue) merge(o *Catalogue) {
	if o.Version != "" {
		c.Version = o.Version
	}
	if o.JSONRetrySuffix != "" {
		c.JSONRetrySuffix = o.JSONRetrySuffix
	}
	for k, v := range o.Stages {
		c.Stages[k] = v
	}
	for k, v := range o.Industries {
		c.Industries[k] = v.clone()
	}
}

// Loader produces per-run snapshots from the built-in catalogue and an optional override file.
type Loader struct {
	path string
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load never fails. An unreadable or invalid override is logged and skipped.
func (l *Loader) Load() *Snapshot {
	base, err := Defaults()
	if err != nil {
		// The embedded catalogue is validated by tests; reaching this is a build defect.
		panic(err)
	}
	builtin, err := newSnapshot(base, "builtin")
	if err != nil {
		panic(err)
	}
	if l.path == "" {
		return builtin
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		logger.Warn("prompt override unreadable, using built-in prompts", "path", l.path, "error", err)
		return builtin
	}
	override, err := ParseCatalogue(data)
	if err != nil {
		logger.Warn("prompt override invalid, using built-in prompts", "path", l.path, "error", err)
		return builtin
	}

	base.merge(override)
	snap, err := newSnapshot(base, l.path)
	if err != nil {
		logger.Warn("prompt override rejected, using built-in prompts", "path", l.path, "error", err)
		return builtin
	}
	return snap
}
