package procedure

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"tracerun/internal/run/models"
	dErrors "tracerun/pkg/domain-errors"
)

// Registry maps script IDs to procedures. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Handle)}
}

// Register adds h. Registering an ID twice is an error.
func (r *Registry) Register(h Handle) error {
	if h == nil {
		return fmt.Errorf("procedure is required")
	}
	spec := h.Spec()
	if strings.TrimSpace(spec.ID) == "" {
		return fmt.Errorf("procedure id is required")
	}
	if !spec.RunType.Valid() {
		return fmt.Errorf("procedure %s has invalid run type %q", spec.ID, spec.RunType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[spec.ID]; exists {
		return fmt.Errorf("procedure %s already registered", spec.ID)
	}
	r.procs[spec.ID] = h
	return nil
}

// Resolve returns the procedure registered under scriptID.
func (r *Registry) Resolve(scriptID string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.procs[scriptID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("script %q is not registered", scriptID))
	}
	return h, nil
}

// List returns every spec ordered by ID.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.procs))
	for _, h := range r.procs {
		out = append(out, h.Spec())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByType returns specs of one run type ordered by ID.
func (r *Registry) ListByType(t models.RunType) []Spec {
	var out []Spec
	for _, spec := range r.List() {
		if spec.RunType == t {
			out = append(out, spec)
		}
	}
	return out
}
