package dispatch

import (
	"weak"

	"github.com/baaaht/portmux/pkg/port"
	"github.com/baaaht/portmux/pkg/reclaim"
	"github.com/baaaht/portmux/pkg/registry"
	"github.com/baaaht/portmux/pkg/types"
)

// Handle is the script-visible object of one port. While the script
// listens on it the dispatcher holds it until the port closes. A handle
// nobody listens on is only weakly held: once the script drops every
// reference, the port is closed on the loop.
type Handle struct {
	ref   *handleRef
	value any
}

// handleRef is the dispatcher's record of a port. pinned is the only strong
// pointer to the Handle and is cleared when the port is released.
type handleRef struct {
	d       *Dispatcher
	ec      *registry.ExecutionContext
	port    *port.Port
	handle  weak.Pointer[Handle]
	pinned  *Handle
	tracked *reclaim.Handle
}

// LocalID returns the id of the port within its context
func (h *Handle) LocalID() types.LocalPortID {
	return h.ref.port.LocalID()
}

// GlobalID returns the broker id of the port and whether it is bound yet
func (h *Handle) GlobalID() (types.GlobalPortID, bool) {
	return h.ref.port.GlobalID()
}

// Context returns the owning execution context
func (h *Handle) Context() *registry.ExecutionContext {
	return h.ref.ec
}

// IsClosed reports whether either side closed the port
func (h *Handle) IsClosed() bool {
	return h.ref.port.IsDisconnected()
}

// SetValue attaches host data, typically the script engine's wrapper object
func (h *Handle) SetValue(v any) {
	h.value = v
}

// Value returns the host data set with SetValue
func (h *Handle) Value() any {
	return h.value
}

// PostMessage sends msg through the port. Posting on a closed port is a
// no-op.
func (h *Handle) PostMessage(msg types.Message) error {
	if h.IsClosed() {
		return nil
	}
	return h.ref.d.PostMessage(h.ref.ec, h.LocalID(), msg)
}

// SetListening marks whether the script has message or disconnect
// listeners on the port. A listening handle is never reclaimed.
func (h *Handle) SetListening(listening bool) {
	h.ref.d.listen(h.ref, h, listening)
}

// Close closes the port; force also tears down the opposite endpoint.
// Closing twice is a no-op.
func (h *Handle) Close(force bool) {
	if h.IsClosed() {
		return
	}
	if err := h.ref.d.ClosePort(h.ref.ec, h.LocalID(), force); err != nil {
		h.ref.d.logger.Debug("Close on detached port",
			"context_id", h.ref.ec.ID(),
			"local_id", h.LocalID(),
			"error", err)
	}
}
