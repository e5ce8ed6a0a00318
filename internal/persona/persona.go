// Package persona loads the scripted companion personas.
package persona

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed personas.yaml
var builtin []byte

// Default is the persona used when none is configured.
const Default = "zh"

// Persona is the system prompt plus the fixed lines the controller speaks.
type Persona struct {
	Name        string `yaml:"-"`
	Description string `yaml:"description"`
	Prompt      string `yaml:"prompt"`
	Greeting    string `yaml:"greeting"`
	// Apology is spoken when reasoning fails.
	Apology string `yaml:"apology"`
	// Fallback is spoken when the capability round limit is exceeded.
	Fallback    string `yaml:"fallback"`
	STTLanguage string `yaml:"stt_language"`
}

// Catalog is the set of personas keyed by name.
type Catalog map[string]Persona

// Builtin parses the embedded catalogue.
func Builtin() (Catalog, error) { return Parse(builtin) }

// LoadFile parses a catalogue from disk.
func LoadFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalogue.
func Parse(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse personas: %w", err)
	}
	for name, p := range c {
		p.Name = name
		if strings.TrimSpace(p.Prompt) == "" {
			return nil, fmt.Errorf("persona %q: empty prompt", name)
		}
		if strings.TrimSpace(p.Apology) == "" || strings.TrimSpace(p.Fallback) == "" {
			return nil, fmt.Errorf("persona %q: apology and fallback are required", name)
		}
		c[name] = p
	}
	return c, nil
}

// Get returns the named persona.
func (c Catalog) Get(name string) (Persona, error) {
	p, ok := c[name]
	if !ok {
		return Persona{}, fmt.Errorf("unknown persona %q (have %s)", name, strings.Join(c.Names(), ", "))
	}
	return p, nil
}

// Names lists persona names in sorted order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
