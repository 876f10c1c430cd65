package registry

import (
	"fmt"

	"github.com/baaaht/portmux/pkg/port"
	"github.com/baaaht/portmux/pkg/script"
	"github.com/baaaht/portmux/pkg/types"
)

// ExecutionContext is one isolated sandbox known to the messaging core.
// Native code may keep a reference after the context has been removed, so
// every entry point checks IsValid first.
type ExecutionContext struct {
	id        types.ID
	sandbox   script.Sandbox
	owner     types.OwnerID
	hostFrame string
	ports     *port.Table

	valid       bool
	registered  bool
	tearingDown bool

	hooks     map[int]func()
	hookOrder []int
	lastHook  int
}

// ContextOption configures an ExecutionContext
type ContextOption func(*ExecutionContext)

// WithHostFrame ties the context to a host frame so inbound channels can be
// restricted to it
func WithHostFrame(frame string) ContextOption {
	return func(ec *ExecutionContext) {
		ec.hostFrame = frame
	}
}

// WithID sets the context id instead of generating one
func WithID(id types.ID) ContextOption {
	return func(ec *ExecutionContext) {
		ec.id = id
	}
}

// NewContext creates a valid, unregistered context around a sandbox
func NewContext(sandbox script.Sandbox, ports *port.Table, opts ...ContextOption) *ExecutionContext {
	ec := &ExecutionContext{
		id:      types.GenerateID(),
		sandbox: sandbox,
		owner:   sandbox.OwnerID(),
		ports:   ports,
		valid:   true,
		hooks:   make(map[int]func()),
	}
	for _, opt := range opts {
		opt(ec)
	}
	return ec
}

// ID returns the context id
func (ec *ExecutionContext) ID() types.ID {
	return ec.id
}

// OwnerID returns the identity used to route inbound channels
func (ec *ExecutionContext) OwnerID() types.OwnerID {
	return ec.owner
}

// HostFrame returns the host frame handle, empty if none
func (ec *ExecutionContext) HostFrame() string {
	return ec.hostFrame
}

// Ports returns the port table of the context
func (ec *ExecutionContext) Ports() *port.Table {
	return ec.ports
}

// Sandbox returns the script sandbox
func (ec *ExecutionContext) Sandbox() script.Sandbox {
	return ec.sandbox
}

// IsValid reports whether the context may still be called into
func (ec *ExecutionContext) IsValid() bool {
	return ec.valid
}

// InTeardown reports whether the context is running its teardown callback
func (ec *ExecutionContext) InTeardown() bool {
	return ec.tearingDown
}

// Dispatch calls into the sandbox if the context is still valid. Calls on
// an invalidated context are dropped and report false.
func (ec *ExecutionContext) Dispatch(event string, args ...any) (any, bool, error) {
	if !ec.valid {
		return nil, false, nil
	}
	result, err := ec.sandbox.Dispatch(event, args...)
	return result, true, err
}

// OnInvalidate registers fn to run when the context is invalidated and
// returns a handle for RemoveInvalidateHook. Registering on an already
// invalid context runs fn immediately.
func (ec *ExecutionContext) OnInvalidate(fn func()) int {
	if !ec.valid {
		fn()
		return 0
	}
	ec.lastHook++
	ec.hooks[ec.lastHook] = fn
	ec.hookOrder = append(ec.hookOrder, ec.lastHook)
	return ec.lastHook
}

// RemoveInvalidateHook unregisters a hook added with OnInvalidate
func (ec *ExecutionContext) RemoveInvalidateHook(id int) {
	delete(ec.hooks, id)
}

// invalidate marks the context dead and runs the invalidation hooks in
// registration order
func (ec *ExecutionContext) invalidate() {
	ec.valid = false
	order := ec.hookOrder
	ec.hookOrder = nil
	for _, id := range order {
		fn, ok := ec.hooks[id]
		if !ok {
			continue
		}
		delete(ec.hooks, id)
		fn()
	}
}

// String returns a string representation of the context
func (ec *ExecutionContext) String() string {
	return fmt.Sprintf("ExecutionContext{ID: %s, Owner: %s, Valid: %t, Ports: %d}",
		ec.id, ec.owner, ec.valid, ec.ports.Len())
}
