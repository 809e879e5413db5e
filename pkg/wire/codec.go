// Package wire encodes [classroom.Message] values for the signaling socket.
//
// Two encodings are negotiated through the WebSocket subprotocol: JSON in
// text frames (the default, and what browsers speak) and msgpack in binary
// frames for native clients. Both use the json struct tags of package
// classroom, so field names are identical on the wire.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/classmesh/classmesh/pkg/classroom"
)

// Negotiated subprotocol names.
const (
	SubprotocolJSON    = "classmesh.v1.json"
	SubprotocolMsgpack = "classmesh.v1.msgpack"
)

// Subprotocols lists the supported subprotocols in server preference order.
var Subprotocols = []string{SubprotocolJSON, SubprotocolMsgpack}

// Codec converts messages to and from frame payloads.
type Codec interface {
	// Name is the subprotocol this codec implements.
	Name() string
	// Binary reports whether frames should be sent as binary.
	Binary() bool
	Encode(m *classroom.Message) ([]byte, error)
	Decode(data []byte, m *classroom.Message) error
}

// ForSubprotocol returns the codec for a negotiated subprotocol. An empty or
// unknown name selects JSON.
func ForSubprotocol(name string) Codec {
	if name == SubprotocolMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// JSONCodec is the text-frame encoding.
type JSONCodec struct{}

func (JSONCodec) Name() string { return SubprotocolJSON }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(m *classroom.Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encode json: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte, m *classroom.Message) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("wire: decode json: %w", err)
	}
	return nil
}

// MsgpackCodec is the binary-frame encoding.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return SubprotocolMsgpack }
func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Encode(m *classroom.Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("wire: encode msgpack: %w", err)
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte, m *classroom.Message) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("wire: decode msgpack: %w", err)
	}
	return nil
}
