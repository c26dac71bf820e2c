// Package handler defines the contract between the engine and the external
// collaborators that perform action node work.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/kingrea/pathway/internal/procedure"
)

// Request is passed to a handler on every attempt.
type Request struct {
	ExecutionID string
	OwnerID     string
	Graph       procedure.GraphRef
	Node        procedure.Node
	Attempt     int
	Context     map[string]any
	Outputs     map[string]map[string]any
}

// Config returns the node configuration value for key.
func (r Request) Config(key string) (any, bool) {
	value, ok := r.Node.Config[key]
	return value, ok
}

// ConfigString returns a string configuration value or fallback.
func (r Request) ConfigString(key, fallback string) string {
	if value, ok := r.Node.Config[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

// Result is a handler outcome. Await suspends the node until the result is
// submitted externally. Retryable only matters when Success is false.
type Result struct {
	Success   bool
	Await     bool
	Output    map[string]any
	ErrorKind string
	Message   string
	Retryable bool
}

// Succeeded builds a successful result.
func Succeeded(output map[string]any) Result {
	return Result{Success: true, Output: output}
}

// Failed builds a failure result.
func Failed(kind, message string, retryable bool) Result {
	return Result{ErrorKind: kind, Message: message, Retryable: retryable}
}

// Awaiting builds a result that parks the node until an external response.
func Awaiting(output map[string]any) Result {
	return Result{Await: true, Output: output}
}

// Handler performs the work of an action or external-integration node. A
// returned error is treated as a retryable failure.
type Handler interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// NotFoundError is returned by Resolve for unregistered names.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("handler: unknown handler %s", e.Name)
}

// Registry maps handler names to implementations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register installs a handler. Returns an error if the name already exists.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("handler: name is required")
	}
	if h == nil {
		return fmt.Errorf("handler: implementation is required for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler: %s already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Resolve looks up a handler by name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return h, nil
}

// Names returns a sorted list of registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup walks a dotted path ("applicant.documents.passport") through nested
// maps.
func Lookup(values map[string]any, path ...string) (any, bool) {
	var current any = values
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func intValue(v any) (int, bool) {
	switch typed := v.(type) {
	case int:
		return typed, true
	case int64:
		return int(typed), true
	case float64:
		return int(typed), true
	case json.Number:
		n, err := strconv.Atoi(typed.String())
		return n, err == nil
	case string:
		n, err := strconv.Atoi(typed)
		return n, err == nil
	default:
		return 0, false
	}
}
