package port

import (
	"fmt"

	"github.com/baaaht/portmux/pkg/types"
)

// Sender relays port operations to the broker
type Sender interface {
	// PostMessage forwards a message on the channel bound to id
	PostMessage(id types.GlobalPortID, msg types.Message)

	// ClosePort tells the broker that the endpoint bound to id is gone.
	// force additionally asks for the opposite endpoint to be torn down.
	ClosePort(id types.GlobalPortID, force bool)
}

// State is the lifecycle state of a port
type State string

const (
	StateUnbound      State = "unbound"
	StateBound        State = "bound"
	StateDisconnected State = "disconnected"
)

// Port is one endpoint of a bidirectional channel. Messages sent before the
// broker has assigned a global id are buffered and flushed, in order, when
// the id is bound.
type Port struct {
	localID    types.LocalPortID
	globalID   types.GlobalPortID
	bound      bool
	pending    []types.Message
	maxPending int

	disconnected      bool
	closeWholeChannel bool
	closeSent         bool

	sender Sender
}

// New creates an unbound port. maxPending caps the outbound queue kept while
// unbound; zero means unbounded.
func New(localID types.LocalPortID, sender Sender, maxPending int) *Port {
	return &Port{
		localID:    localID,
		sender:     sender,
		maxPending: maxPending,
	}
}

// LocalID returns the id of the port within its context
func (p *Port) LocalID() types.LocalPortID {
	return p.localID
}

// GlobalID returns the broker id and whether it has been bound yet
func (p *Port) GlobalID() (types.GlobalPortID, bool) {
	return p.globalID, p.bound
}

// IsBound reports whether a global id has been bound
func (p *Port) IsBound() bool {
	return p.bound
}

// IsDisconnected reports whether the port was closed by either side
func (p *Port) IsDisconnected() bool {
	return p.disconnected
}

// CloseWholeChannel reports whether the close asked for the opposite endpoint to be torn down too
func (p *Port) CloseWholeChannel() bool {
	return p.closeWholeChannel
}

// PendingCount returns the number of messages buffered while unbound
func (p *Port) PendingCount() int {
	return len(p.pending)
}

// State returns the lifecycle state of the port
func (p *Port) State() State {
	switch {
	case p.disconnected:
		return StateDisconnected
	case p.bound:
		return StateBound
	default:
		return StateUnbound
	}
}

// BindGlobalID assigns the broker id. It flushes the buffered messages in
// order and, if the port was closed while unbound, sends the close right
// after them. Binding twice means the id allocator is broken and panics.
func (p *Port) BindGlobalID(id types.GlobalPortID) {
	if p.bound {
		panic(fmt.Sprintf("port %d: global id already bound to %s, cannot rebind to %s", p.localID, p.globalID, id))
	}
	p.globalID = id
	p.bound = true

	pending := p.pending
	p.pending = nil
	for _, msg := range pending {
		p.sender.PostMessage(id, msg)
	}

	if p.disconnected {
		p.sendClose()
	}
}

// Send forwards msg if the port is bound and buffers it otherwise. Sending
// on a disconnected port does nothing. A full buffer returns a
// RESOURCE_EXHAUSTED error and the message is dropped.
func (p *Port) Send(msg types.Message) error {
	if p.disconnected {
		return nil
	}
	if p.bound {
		p.sender.PostMessage(p.globalID, msg)
		return nil
	}
	if p.maxPending > 0 && len(p.pending) >= p.maxPending {
		return types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("port %d: %d messages already pending bind", p.localID, len(p.pending)))
	}
	p.pending = append(p.pending, msg)
	return nil
}

// Close disconnects the port. The broker is told at once if the port is
// bound, otherwise when the id arrives. Closing twice does nothing.
func (p *Port) Close(force bool) {
	if p.disconnected {
		return
	}
	p.disconnected = true
	p.closeWholeChannel = force
	if p.bound {
		p.sendClose()
	}
}

// MarkDisconnected records that the peer closed the channel. The broker
// already knows, so nothing is sent and buffered messages are discarded.
func (p *Port) MarkDisconnected() {
	p.disconnected = true
	p.closeSent = true
	p.pending = nil
}

func (p *Port) sendClose() {
	if p.closeSent {
		return
	}
	p.closeSent = true
	p.sender.ClosePort(p.globalID, p.closeWholeChannel)
}

// String returns a string representation of the port
func (p *Port) String() string {
	if p.bound {
		return fmt.Sprintf("Port{Local: %d, Global: %s, State: %s}", p.localID, p.globalID, p.State())
	}
	return fmt.Sprintf("Port{Local: %d, State: %s, Pending: %d}", p.localID, p.State(), len(p.pending))
}
