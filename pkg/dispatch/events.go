package dispatch

import (
	"github.com/baaaht/portmux/pkg/types"
)

// ConnectEvent is dispatched as onConnect to every candidate context of an
// inbound channel. The first context to call Accept gets the port.
type ConnectEvent struct {
	ChannelName string
	Sender      types.SenderInfo
	TargetOwner types.OwnerID

	accept  func() *Handle
	handle  *Handle
	settled bool
}

// Accept claims the inbound channel for the context the event was dispatched
// to. Accepting again returns the same handle. Accept only works while the
// onConnect callback is running.
func (e *ConnectEvent) Accept() (*Handle, error) {
	if e.handle != nil {
		return e.handle, nil
	}
	if e.settled {
		return nil, types.NewError(types.ErrCodeFailedPrecondition, "connect event already settled")
	}
	h := e.accept()
	if h == nil {
		return nil, types.NewError(types.ErrCodeAlreadyExists, "channel already claimed")
	}
	e.handle = h
	return h, nil
}

// Accepted reports whether Accept succeeded
func (e *ConnectEvent) Accepted() bool {
	return e.handle != nil
}

// MessageEvent is dispatched as onMessage
type MessageEvent struct {
	Port    *Handle
	Message types.Message
}

// DisconnectEvent is dispatched as onDisconnect. Error is empty for a
// regular close by the peer.
type DisconnectEvent struct {
	Port  *Handle
	Error string
}
