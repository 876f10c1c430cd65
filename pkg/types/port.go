package types

import "strconv"

// OwnerID is the identity used to route inbound channel-open requests to
// candidate execution contexts.
type OwnerID string

// String returns the string representation of the owner id
func (o OwnerID) String() string {
	return string(o)
}

// LocalPortID identifies a port within one execution context. Values are
// assigned monotonically starting at 1 and never reused.
type LocalPortID int

// GlobalPortID is the broker-assigned identifier of one channel endpoint.
// Ids come in pairs: the opener is bound to an even id and the receiver to
// the next odd id, so both ends of a channel can live in the same process.
type GlobalPortID int64

// Opposite returns the id of the other endpoint of the same channel
func (g GlobalPortID) Opposite() GlobalPortID {
	return g ^ 1
}

// IsOpener reports whether the id belongs to the endpoint that opened the channel
func (g GlobalPortID) IsOpener() bool {
	return g&1 == 0
}

// String returns the decimal representation of the id
func (g GlobalPortID) String() string {
	return strconv.FormatInt(int64(g), 10)
}

// Message is an opaque payload carried over a channel
type Message struct {
	Data        []byte `json:"data" cbor:"1,keyasint"`
	UserGesture bool   `json:"user_gesture,omitempty" cbor:"2,keyasint,omitempty"`
}

// NewMessage creates a message from a string payload
func NewMessage(data string) Message {
	return Message{Data: []byte(data)}
}

// SenderInfo describes the endpoint that opened a channel
type SenderInfo struct {
	OriginID string `json:"origin_id" cbor:"1,keyasint"`
	URL      string `json:"url,omitempty" cbor:"2,keyasint,omitempty"`
	FrameID  int    `json:"frame_id,omitempty" cbor:"3,keyasint,omitempty"`
	TabID    int    `json:"tab_id,omitempty" cbor:"4,keyasint,omitempty"`
	// Credential is filled in by the broker when the opener asks for it
	Credential string `json:"credential,omitempty" cbor:"5,keyasint,omitempty"`
}

// ChannelOpenRequest asks the broker to open a named channel to an owner
type ChannelOpenRequest struct {
	TargetOwnerID     OwnerID    `json:"target_owner_id" cbor:"1,keyasint"`
	ChannelName       string     `json:"channel_name" cbor:"2,keyasint"`
	Sender            SenderInfo `json:"sender" cbor:"3,keyasint"`
	IncludeCredential bool       `json:"include_credential,omitempty" cbor:"4,keyasint,omitempty"`
}
