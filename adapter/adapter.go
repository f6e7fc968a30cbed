// Package adapter implements the adapter framework (C7): the lifecycle
// contract every relay-facing worker (the built-in agent adapter, and any
// future webhook/email/chat-bot adapter) implements, plus the built-in
// agent adapter itself.
package adapter

import (
	"context"

	"github.com/dorkos/dorkos/relay"
)

// State enumerates an adapter's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected     State = "connected"
)

// DeliverContext carries caller-supplied hints alongside an envelope, e.g.
// an already-resolved agent directory (spec §4.7 step 2).
type DeliverContext struct {
	AgentDirectory string
}

// DeliverResult is the outcome of one Adapter.Deliver call.
type DeliverResult struct {
	Success bool
	Error   string
}

// Status reports an adapter's current load (spec §4.7).
type Status struct {
	State         State
	ActiveCount   int
	MaxConcurrent int
}

// Adapter binds a type name to concrete routing behavior. The framework
// manages only lifecycle; behavior lives in implementations (spec §4.7).
type Adapter interface {
	Type() string
	Start(core *relay.Core) error
	Stop() error
	Deliver(ctx context.Context, subject string, env relay.Envelope, dc DeliverContext) (DeliverResult, error)
	GetStatus() Status
}

// Registry tracks the set of live adapters by type name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds an empty adapter Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register adds a to the registry and starts it against core.
func (r *Registry) Register(a Adapter, core *relay.Core) error {
	if err := a.Start(core); err != nil {
		return err
	}
	r.adapters[a.Type()] = a
	return nil
}

// Get returns the adapter registered under typ, if any.
func (r *Registry) Get(typ string) (Adapter, bool) {
	a, ok := r.adapters[typ]
	return a, ok
}

// StopAll stops every registered adapter, collecting the first error.
func (r *Registry) StopAll() error {
	var firstErr error
	for _, a := range r.adapters {
		if err := a.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
