package pipeline

import (
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"
)

// Registry maps pipeline slugs to definitions. It is loaded once at daemon
// startup; jobs snapshot the definition they were promoted with, so a stale
// registry never affects an in-flight job.
type Registry struct {
	Pipelines map[string]Definition `yaml:"pipelines"`
}

// LoadRegistry reads a YAML registry file and validates every definition.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline registry: %w", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing pipeline registry: %w", err)
	}

	if len(reg.Pipelines) == 0 {
		return nil, fmt.Errorf("pipeline registry %s declares no pipelines", path)
	}

	for slug, def := range reg.Pipelines {
		if def.Name == "" {
			def.Name = slug
			reg.Pipelines[slug] = def
		}
		if err := reg.Pipelines[slug].Validate(); err != nil {
			return nil, fmt.Errorf("pipeline registry %s: %w", path, err)
		}
	}

	return &reg, nil
}

// Lookup returns the definition registered under slug.
func (r *Registry) Lookup(slug string) (Definition, bool) {
	def, ok := r.Pipelines[slug]
	return def, ok
}

// Has reports whether a slug is registered.
func (r *Registry) Has(slug string) bool {
	_, ok := r.Pipelines[slug]
	return ok
}

// Slugs returns every registered slug, sorted.
func (r *Registry) Slugs() []string {
	slugs := make([]string, 0, len(r.Pipelines))
	for slug := range r.Pipelines {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
