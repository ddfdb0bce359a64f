// internal/model/errors.go
package model

import (
	"errors"
	"fmt"
)

// Error kinds. Every dropped event or failed operation is attributable to one of them.
var (
	ErrTransport      = errors.New("transport error")
	ErrAuth           = errors.New("authentication rejected")
	ErrProtocol       = errors.New("protocol error")
	ErrValidation     = errors.New("validation error")
	ErrEnrichmentMiss = errors.New("enrichment miss")
	ErrForward        = errors.New("forward error")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrNormalization  = errors.New("normalization error")
	ErrTypeConflict   = errors.New("field type conflict")
	ErrFiltered       = errors.New("event filtered")
)

// PipelineError attaches an error kind and the failing operation to a cause
type PipelineError struct {
	Kind error
	Op   string
	Err  error
}

// NewPipelineError creates a PipelineError
func NewPipelineError(kind error, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *PipelineError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

var reasons = []struct {
	kind  error
	label string
}{
	{ErrAuth, "auth"},
	{ErrProtocol, "protocol"},
	{ErrTransport, "transport"},
	{ErrValidation, "validation"},
	{ErrFiltered, "filtered"},
	{ErrEnrichmentMiss, "enrichment_miss"},
	{ErrCircuitOpen, "circuit_open"},
	{ErrForward, "forward"},
	{ErrTypeConflict, "type_conflict"},
	{ErrNormalization, "normalization"},
}

// Reason returns the metric label for an error's kind
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.kind) {
			return r.label
		}
	}
	return "unknown"
}
