package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
)

// Definition is the ordered stage list for one job kind
type Definition struct {
	Kind   domain.Kind
	Stages []Stage
	// Validate checks a payload before a job is created. Nil accepts anything.
	Validate func(payload json.RawMessage) error
}

// ValidatePayload runs the definition's payload check. Failures wrap domain.ErrInvalidPayload.
func (d *Definition) ValidatePayload(payload json.RawMessage) error {
	if d.Validate == nil {
		return nil
	}
	if err := d.Validate(payload); err != nil {
		if errors.Is(err, domain.ErrInvalidPayload) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

// Registry maps job kinds to their pipelines. It is filled once at startup and
// only read afterwards, so it carries no lock.
type Registry struct {
	defs map[domain.Kind]*Definition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{defs: make(map[domain.Kind]*Definition)}
}

// Register adds a pipeline after checking that its stages are well formed
func (r *Registry) Register(def Definition) error {
	if def.Kind == "" {
		return errors.New("pipeline kind is required")
	}
	if _, exists := r.defs[def.Kind]; exists {
		return fmt.Errorf("pipeline %s already registered", def.Kind)
	}
	if len(def.Stages) == 0 {
		return fmt.Errorf("pipeline %s has no stages", def.Kind)
	}

	total := 0
	seen := make(map[string]bool, len(def.Stages))
	for i, st := range def.Stages {
		if st.Name == "" {
			return fmt.Errorf("pipeline %s: stage %d has no name", def.Kind, i)
		}
		if seen[st.Name] {
			return fmt.Errorf("pipeline %s: duplicate stage %s", def.Kind, st.Name)
		}
		seen[st.Name] = true
		if st.Weight < 0 {
			return fmt.Errorf("pipeline %s: stage %s has negative weight", def.Kind, st.Name)
		}
		if st.Timeout < 0 {
			return fmt.Errorf("pipeline %s: stage %s has negative timeout", def.Kind, st.Name)
		}
		if st.Executor == nil {
			return fmt.Errorf("pipeline %s: stage %s has no executor", def.Kind, st.Name)
		}
		total += st.Weight
	}
	if total != 100 {
		return fmt.Errorf("pipeline %s: stage weights sum to %d, want 100", def.Kind, total)
	}

	stored := def
	stored.Stages = append([]Stage(nil), def.Stages...)
	r.defs[def.Kind] = &stored
	return nil
}

// MustRegister is Register for static wiring; it panics on a malformed pipeline
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the pipeline for kind or domain.ErrUnknownJobKind
func (r *Registry) Lookup(kind domain.Kind) (*Definition, error) {
	def, ok := r.defs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownJobKind, kind)
	}
	return def, nil
}

// Kinds lists the registered kinds in lexical order
func (r *Registry) Kinds() []domain.Kind {
	kinds := make([]domain.Kind, 0, len(r.defs))
	for k := range r.defs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
