package commandbus

import (
	"fmt"
)

// messageKind discriminates the protocol messages exchanged between connectors.
type messageKind uint8

const (
	kindJoin messageKind = iota + 1
	kindDispatch
	kindReply
)

func (k messageKind) String() string {
	switch k {
	case kindJoin:
		return "join"
	case kindDispatch:
		return "dispatch"
	case kindReply:
		return "reply"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// envelope is the wire form of a protocol message. Exactly one body matching Kind is set.
type envelope struct {
	Kind     messageKind      `cbor:"1,keyasint"`
	Join     *joinMessage     `cbor:"2,keyasint,omitempty"`
	Dispatch *dispatchMessage `cbor:"3,keyasint,omitempty"`
	Reply    *replyMessage    `cbor:"4,keyasint,omitempty"`
}

// joinMessage announces the sender's intended load factor.
type joinMessage struct {
	LoadFactor int `cbor:"1,keyasint"`
}

// dispatchMessage carries a command to the member owning its routing key.
type dispatchMessage struct {
	CommandIdentifier string            `cbor:"1,keyasint"`
	CommandName       string            `cbor:"2,keyasint"`
	Payload           SerializedObject  `cbor:"3,keyasint"`
	MetaData          map[string]string `cbor:"4,keyasint,omitempty"`
	ExpectReply       bool              `cbor:"5,keyasint"`
}

// replyMessage carries the outcome of a dispatched command.
// Result holds the return value when Success is set and the failure cause otherwise.
type replyMessage struct {
	CommandIdentifier string           `cbor:"1,keyasint"`
	Success           bool             `cbor:"2,keyasint"`
	Result            SerializedObject `cbor:"3,keyasint"`
}

func newDispatchMessage(cmd CommandMessage, serializer Serializer, expectReply bool) (*dispatchMessage, error) {
	var payload, err = serializer.Serialize(cmd.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize command %s: %w", cmd.CommandName, err)
	}

	return &dispatchMessage{
		CommandIdentifier: cmd.Identifier,
		CommandName:       cmd.CommandName,
		Payload:           payload,
		MetaData:          cmd.MetaData,
		ExpectReply:       expectReply,
	}, nil
}

// commandMessage rebuilds the command carried by the dispatch message.
func (m *dispatchMessage) commandMessage(serializer Serializer) (CommandMessage, error) {
	var payload, err = serializer.Deserialize(m.Payload)
	if err != nil {
		return CommandMessage{}, fmt.Errorf("failed to deserialize command %s: %w", m.CommandName, err)
	}

	var md = m.MetaData
	if md == nil {
		md = make(map[string]string)
	}

	return CommandMessage{
		Identifier:  m.CommandIdentifier,
		CommandName: m.CommandName,
		Payload:     payload,
		MetaData:    md,
	}, nil
}

func encodeJoin(loadFactor int) ([]byte, error) {
	return encodeEnvelope(envelope{Kind: kindJoin, Join: &joinMessage{LoadFactor: loadFactor}})
}

func encodeDispatch(msg *dispatchMessage) ([]byte, error) {
	return encodeEnvelope(envelope{Kind: kindDispatch, Dispatch: msg})
}

func encodeReply(msg *replyMessage) ([]byte, error) {
	return encodeEnvelope(envelope{Kind: kindReply, Reply: msg})
}

func encodeEnvelope(env envelope) ([]byte, error) {
	var data, err = cborEncMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", env.Kind, err)
	}
	return data, nil
}

// decodeEnvelope parses an inbound protocol message and checks that its body matches its kind.
func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := cborDecMode.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var bodies = 0
	for _, set := range []bool{env.Join != nil, env.Dispatch != nil, env.Reply != nil} {
		if set {
			bodies++
		}
	}

	var ok bool
	switch env.Kind {
	case kindJoin:
		ok = env.Join != nil
	case kindDispatch:
		ok = env.Dispatch != nil
	case kindReply:
		ok = env.Reply != nil
	}
	if !ok || bodies != 1 {
		return envelope{}, fmt.Errorf("%w: %s message without matching body", ErrMalformedMessage, env.Kind)
	}

	return env, nil
}
