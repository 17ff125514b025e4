// Package registry holds the variant table and one eagerly constructed
// pipeline per (method, model) row. It is built once at startup and is
// read-only afterwards, so lookups take no locks.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ragreader/ragreader/errors"
	"github.com/ragreader/ragreader/pipeline"
)

// Variant is one (method, model) row of the table.
type Variant struct {
	Method string `json:"method"`
	Model  string `json:"model"`
}

// DefaultVariants is the served cross-product: three retrieval methods over
// the three provider families.
func DefaultVariants() []Variant {
	methods := []string{pipeline.MethodDense, pipeline.MethodHybrid, pipeline.MethodSparse}
	models := []string{"gpt-4o-mini", "gemini-2.5-flash", "claude-3.5-sonnet"}
	variants := make([]Variant, 0, len(methods)*len(models))
	for _, model := range models {
		for _, method := range methods {
			variants = append(variants, Variant{Method: method, Model: model})
		}
	}
	return variants
}

// Factory constructs the pipeline for one variant row.
type Factory func(method, model string) (*pipeline.Pipeline, error)

// Registry maps variant rows to live pipelines.
type Registry struct {
	variants  []Variant
	pipelines map[Variant]*pipeline.Pipeline
}

// New eagerly constructs every pipeline in the table. A factory failure for
// any row fails startup.
func New(variants []Variant, factory Factory) (*Registry, error) {
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w: empty variant table", errors.ErrInvalidInput)
	}
	r := &Registry{
		variants:  variants,
		pipelines: make(map[Variant]*pipeline.Pipeline, len(variants)),
	}
	for _, v := range variants {
		p, err := factory(v.Method, v.Model)
		if err != nil {
			return nil, fmt.Errorf("construct pipeline %s/%s: %w", v.Method, v.Model, err)
		}
		r.pipelines[v] = p
	}
	return r, nil
}

// Get returns the pipeline for a variant. A miss reports which methods are
// available for that model.
func (r *Registry) Get(method, model string) (*pipeline.Pipeline, error) {
	if p, ok := r.pipelines[Variant{Method: method, Model: model}]; ok {
		return p, nil
	}
	var available []string
	for v := range r.pipelines {
		if v.Model == model {
			available = append(available, v.Method)
		}
	}
	sort.Strings(available)
	if len(available) == 0 {
		return nil, fmt.Errorf("%w: no pipelines for model %q", errors.ErrNotFound, model)
	}
	return nil, fmt.Errorf("%w: no %q pipeline for model %q (available: %s)",
		errors.ErrNotFound, method, model, strings.Join(available, ", "))
}

// Variants returns the table in construction order.
func (r *Registry) Variants() []Variant {
	return r.variants
}

// Default is the variant used by open-chat when the caller names none: the
// first row of the table.
func (r *Registry) Default() Variant {
	return r.variants[0]
}
