package intent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownIntent  = errors.New("unknown intent")
	ErrMalformedName  = errors.New("malformed intent name")
	ErrDuplicateTool  = errors.New("tool already registered")
	ErrEmptyNamespace = errors.New("empty namespace")
)

// Intent is one tool invocation requested by the agent. The qualified name
// is "<namespace>.<name>"; the namespace decides which handler family owns
// the call.
type Intent struct {
	Namespace  string         `json:"namespace"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Qualified returns the dotted full name.
func (i Intent) Qualified() string { return i.Namespace + "." + i.Name }

// Parse splits a qualified name into an Intent. The namespace is the first
// dotted segment; the remainder keeps its internal dots.
func Parse(qualified string, params map[string]any) (Intent, error) {
	ns, name, ok := strings.Cut(strings.TrimSpace(qualified), ".")
	if !ok || ns == "" || name == "" {
		return Intent{}, fmt.Errorf("%w: %q", ErrMalformedName, qualified)
	}
	return Intent{Namespace: ns, Name: name, Parameters: params}, nil
}

// Result is a tool execution outcome.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
}

// Handler executes one tool.
type Handler func(ctx context.Context, in Intent) (Result, error)

// ToolSpec describes a tool for the agent prompt.
type ToolSpec struct {
	Qualified   string `json:"name"`
	Description string `json:"description"`
}

// Registry dispatches intents by namespace. Core namespaces register
// individual tools; plugin namespaces register a catch-all handler for the
// whole prefix.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Handler
	specs      map[string]ToolSpec
	namespaces map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]Handler),
		specs:      make(map[string]ToolSpec),
		namespaces: make(map[string]Handler),
	}
}

// Register binds one qualified tool name to a handler.
func (r *Registry) Register(spec ToolSpec, h Handler) error {
	if _, _, ok := strings.Cut(spec.Qualified, "."); !ok {
		return fmt.Errorf("%w: %q", ErrMalformedName, spec.Qualified)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Qualified]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Qualified)
	}
	r.tools[spec.Qualified] = h
	r.specs[spec.Qualified] = spec
	return nil
}

// RegisterNamespace binds every intent under a namespace to one handler.
// Exact tool registrations take precedence.
func (r *Registry) RegisterNamespace(namespace string, h Handler) error {
	if namespace == "" {
		return ErrEmptyNamespace
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.namespaces[namespace]; exists {
		return fmt.Errorf("%w: namespace %s", ErrDuplicateTool, namespace)
	}
	r.namespaces[namespace] = h
	return nil
}

// Dispatch routes an intent to its handler.
func (r *Registry) Dispatch(ctx context.Context, in Intent) (Result, error) {
	r.mu.RLock()
	h, ok := r.tools[in.Qualified()]
	if !ok {
		h, ok = r.namespaces[in.Namespace]
	}
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownIntent, in.Qualified())
	}
	return h(ctx, in)
}

// Specs lists registered tool descriptions, sorted by name.
func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Qualified < out[j].Qualified })
	return out
}
