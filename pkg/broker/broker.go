package broker

import (
	"context"

	"github.com/baaaht/portmux/pkg/types"
)

// Broker is the external authority that allocates global port ids and
// carries messages between processes
type Broker interface {
	// RequestPortID asks for the global id of a new opener endpoint. reply
	// is called exactly once, on any goroutine, possibly before
	// RequestPortID returns.
	RequestPortID(req types.ChannelOpenRequest, reply func(types.GlobalPortID, error))

	// RequestPortIDSync is the blocking variant, only used while a context
	// is tearing down and a deferred reply would never be handled
	RequestPortIDSync(ctx context.Context, req types.ChannelOpenRequest) (types.GlobalPortID, error)

	// PostMessage sends msg to the endpoint opposite id
	PostMessage(id types.GlobalPortID, msg types.Message)

	// ClosePort closes the endpoint bound to id
	ClosePort(id types.GlobalPortID, force bool)
}

// Endpoint receives broker notifications for one process group. All three
// methods are called on the process group's loop.
type Endpoint interface {
	// OnConnect offers a new receiving endpoint id to the contexts of
	// targetOwner. It reports whether some context accepted it.
	OnConnect(id types.GlobalPortID, channelName string, sender types.SenderInfo, targetOwner types.OwnerID) bool

	// OnMessage delivers a message to the endpoint bound to id
	OnMessage(id types.GlobalPortID, msg types.Message)

	// OnDisconnect tells the endpoint bound to id that its peer is gone
	OnDisconnect(id types.GlobalPortID, errorMessage string)
}

// Messages reported to endpoints whose channel could not be established
const (
	ErrMsgNoReceiver  = "Could not establish connection. Receiving end does not exist."
	ErrMsgUnreachable = "Could not establish connection. Message broker is unreachable."
	ErrMsgPeerGone    = "The message port closed because the peer process went away."
)
