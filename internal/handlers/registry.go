// Package handlers defines the contract between the dispatcher and the code
// that actually performs a job, and the registry that maps job types to it.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrUnknownJobType = fmt.Errorf("%w: unknown job type", ErrValidation)
)

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome is what a handler reports back. Retry policy is decided from
// Kind alone.
type Outcome struct {
	Kind  OutcomeKind
	Value map[string]any
	Err   error
}

func Success(v map[string]any) Outcome { return Outcome{Kind: OutcomeSuccess, Value: v} }
func Retryable(err error) Outcome      { return Outcome{Kind: OutcomeRetryable, Err: err} }
func Fatal(err error) Outcome          { return Outcome{Kind: OutcomeFatal, Err: err} }

// Handler executes one job type. Handlers own their timeouts.
type Handler interface {
	Execute(ctx context.Context, payload map[string]any) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload map[string]any) Outcome

func (f HandlerFunc) Execute(ctx context.Context, payload map[string]any) Outcome {
	return f(ctx, payload)
}

// Validator is implemented by handlers that can reject a payload before a
// task is created.
type Validator interface {
	Validate(payload map[string]any) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register replaces any handler already bound to jobType.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	r.handlers[jobType] = h
	r.mu.Unlock()
}

func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[jobType]
	r.mu.RUnlock()
	return h, ok
}

func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks that jobType is registered and, when the handler is a
// Validator, that payload is acceptable. Errors wrap ErrValidation.
func (r *Registry) Validate(jobType string, payload map[string]any) error {
	h, ok := r.Lookup(jobType)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	if v, ok := h.(Validator); ok {
		if err := v.Validate(payload); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrValidation, jobType, err)
		}
	}
	return nil
}
