package broker

import (
	"bytes"

	"github.com/baaaht/portmux/pkg/types"
	cbor "github.com/fxamacker/cbor/v2"
)

// Codec serializes messages crossing a process boundary
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) ContentType() string                { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// NewCodec returns the codec registered under name. "none" yields a nil
// codec: messages are copied without serialization.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "cbor", "":
		return CBOR()
	case "none":
		return nil, nil
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, "unknown codec: "+name)
	}
}

// transfer produces the receiver's copy of msg. The sender may reuse its
// buffers once this returns.
func transfer(c Codec, msg types.Message) (types.Message, error) {
	if c == nil {
		return types.Message{Data: bytes.Clone(msg.Data), UserGesture: msg.UserGesture}, nil
	}
	data, err := c.Marshal(msg)
	if err != nil {
		return types.Message{}, types.WrapError(types.ErrCodeInvalid, "failed to encode message", err)
	}
	var out types.Message
	if err := c.Unmarshal(data, &out); err != nil {
		return types.Message{}, types.WrapError(types.ErrCodeInvalid, "failed to decode message", err)
	}
	return out, nil
}
