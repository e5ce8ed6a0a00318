// Package capability resolves the tool calls the reasoning backend may emit.
//
// The set of capabilities is closed: each one has a Kind known at compile
// time and is registered under its wire name. The registry is what the
// turn controller advertises to the reasoner and what it calls back into
// when a request arrives.
package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/chadiek/companion/internal/metrics"
)

// Kind enumerates the capabilities this service can execute.
type Kind int

const (
	KindEnvironmentQuery Kind = iota + 1
)

func (k Kind) String() string {
	switch k {
	case KindEnvironmentQuery:
		return "environment_query"
	default:
		return "unknown"
	}
}

// ErrUnknownCapability is returned for names nothing is registered under.
var ErrUnknownCapability = errors.New("capability: unknown name")

// Definition is what the reasoner is told about a capability.
type Definition struct {
	Kind        Kind
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
}

// Request is one tool call emitted by the reasoner.
type Request struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Handler executes a single capability.
type Handler interface {
	Definition() Definition
	Invoke(ctx context.Context, req Request) (string, error)
}

// Registry maps names to handlers, preserving registration order.
type Registry struct {
	handlers map[string]Handler
	order    []string
}

// NewRegistry registers the given handlers. A duplicate name is an error.
func NewRegistry(hs ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(hs))}
	for _, h := range hs {
		name := h.Definition().Name
		if _, dup := r.handlers[name]; dup {
			return nil, fmt.Errorf("capability %q registered twice", name)
		}
		r.handlers[name] = h
		r.order = append(r.order, name)
	}
	return r, nil
}

// Definitions lists the registered capabilities in registration order.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.handlers[name].Definition())
	}
	return defs
}

// Resolve runs the handler registered under req.Name.
func (r *Registry) Resolve(ctx context.Context, req Request) (string, error) {
	var h Handler
	if r != nil {
		h = r.handlers[req.Name]
	}
	if h == nil {
		err := fmt.Errorf("%w: %q", ErrUnknownCapability, req.Name)
		metrics.RecordCapability(req.Name, err)
		return "", err
	}
	out, err := h.Invoke(ctx, req)
	metrics.RecordCapability(req.Name, err)
	return out, err
}
