// Package script defines the contracts between the messaging core and the
// script engine hosting each execution context.
package script

import "github.com/baaaht/portmux/pkg/types"

// Event names dispatched into sandboxes
const (
	EventConnect    = "onConnect"
	EventMessage    = "onMessage"
	EventDisconnect = "onDisconnect"
	EventTeardown   = "onTeardown"
)

// Callback invokes a named callback inside a sandbox
type Callback interface {
	// Dispatch calls the handler registered for event. A sandbox without a
	// handler for event returns (nil, nil).
	Dispatch(event string, args ...any) (any, error)
}

// CallbackFunc is a function adapter for Callback
type CallbackFunc func(event string, args ...any) (any, error)

// Dispatch implements Callback
func (f CallbackFunc) Dispatch(event string, args ...any) (any, error) {
	return f(event, args...)
}

// Sandbox is one isolated script instance as seen by the core
type Sandbox interface {
	Callback

	// OwnerID classifies the sandbox for routing inbound channels
	OwnerID() types.OwnerID
}

// funcSandbox pairs an owner id with a Callback
type funcSandbox struct {
	owner types.OwnerID
	cb    Callback
}

// NewSandbox builds a Sandbox from an owner id and a callback
func NewSandbox(owner types.OwnerID, cb Callback) Sandbox {
	return &funcSandbox{owner: owner, cb: cb}
}

func (s *funcSandbox) Dispatch(event string, args ...any) (any, error) {
	if s.cb == nil {
		return nil, nil
	}
	return s.cb.Dispatch(event, args...)
}

func (s *funcSandbox) OwnerID() types.OwnerID {
	return s.owner
}
