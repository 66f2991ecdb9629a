package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/aretw0/waymark/pkg/domain"
)

// ErrToolNotFound is returned by Lookup callers when a name is unknown.
var ErrToolNotFound = errors.New("tool not found")

// Call is what a tool handler receives.
type Call struct {
	SessionID string
	Args      map[string]any
	// Session is a snapshot taken after the call's own arguments were applied.
	Session *domain.Session
}

// Result is what a tool handler returns.
type Result struct {
	// Text is the tool's own output, passed through to the caller.
	Text string
	// Produced fields are merged into the session before auto-advance.
	Produced domain.Patch
	// IsError marks a tool-level failure. The stage is not advanced.
	IsError bool
}

// Handler defines the signature for a tool implementation.
type Handler func(ctx context.Context, call Call) (Result, error)

// Spec describes a gated tool.
type Spec struct {
	Name        string `validate:"required,max=64"`
	Description string `validate:"required"`

	// Stages the tool ordinarily runs in.
	Stages []domain.Stage `validate:"required_if=Unrestricted false,dive,required"`

	// Requires is the skip-ahead prerequisite set. When every field is known
	// the tool may run from any stage. Empty means stage gating only.
	Requires []domain.Field

	// Advance is the post-success target stage. Empty means no auto-advance.
	Advance domain.Stage

	// Unrestricted tools bypass the gate entirely.
	Unrestricted bool

	// Params documents accepted call arguments for transports.
	Params []Param `validate:"dive"`

	Handler Handler `validate:"required"`
}

// Param documents one call argument.
type Param struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty" validate:"omitempty,oneof=string boolean number object"`
	Required    bool   `json:"required,omitempty"`
}

// Registry manages the available tools.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Spec
	order    []string
	validate *validator.Validate
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Spec),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register adds a tool to the registry.
// If a tool with the same name exists, it is overwritten in place.
func (r *Registry) Register(spec Spec) error {
	if err := r.validate.Struct(spec); err != nil {
		return fmt.Errorf("invalid tool %q: %w", spec.Name, err)
	}
	if strings.ContainsAny(spec.Name, " /") {
		return fmt.Errorf("invalid tool %q: name must not contain spaces or slashes", spec.Name)
	}
	for _, s := range spec.Stages {
		if !s.Valid() {
			return fmt.Errorf("invalid tool %q: unknown stage %q", spec.Name, s)
		}
	}
	if spec.Advance != "" && !spec.Advance.Valid() {
		return fmt.Errorf("invalid tool %q: unknown advance stage %q", spec.Name, spec.Advance)
	}
	for _, f := range spec.Requires {
		if !slices.Contains(domain.AllFields, f) {
			return fmt.Errorf("invalid tool %q: unknown field %q", spec.Name, f)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; !exists {
		r.order = append(r.order, spec.Name)
	}
	r.tools[spec.Name] = spec
	return nil
}

// MustRegister is Register that panics, for static catalogs.
func (r *Registry) MustRegister(specs ...Spec) {
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.tools[name]
	return spec, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// AvailableAt returns the gated tools that ordinarily run at stage.
func (r *Registry) AvailableAt(stage domain.Stage) []string {
	var names []string
	for _, spec := range r.List() {
		if !spec.Unrestricted && slices.Contains(spec.Stages, stage) {
			names = append(names, spec.Name)
		}
	}
	return names
}

// ByStage maps every stage that has gated tools to their names.
func (r *Registry) ByStage() map[domain.Stage][]string {
	out := make(map[domain.Stage][]string)
	for _, stage := range domain.Stages {
		if names := r.AvailableAt(stage); len(names) > 0 {
			out[stage] = names
		}
	}
	return out
}
