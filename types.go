package commandbus

import (
	"github.com/google/uuid"

	"go-commandbus/channel"
)

// CommandMessage is a command routed through the bus.
type CommandMessage struct {
	Identifier  string
	CommandName string
	Payload     any
	MetaData    map[string]string
}

// NewCommandMessage creates a command with a fresh identifier.
func NewCommandMessage(name string, payload any) CommandMessage {
	return CommandMessage{
		Identifier:  uuid.NewString(),
		CommandName: name,
		Payload:     payload,
		MetaData:    make(map[string]string),
	}
}

// WithMetaData returns a copy of the command carrying an additional metadata entry.
func (c CommandMessage) WithMetaData(key, value string) CommandMessage {
	var md = make(map[string]string, len(c.MetaData)+1)
	for k, v := range c.MetaData {
		md[k] = v
	}
	md[key] = value
	c.MetaData = md
	return c
}

// LocalSegment executes commands on this member.
type LocalSegment interface {
	// Dispatch executes cmd and reports its outcome to callback exactly once.
	Dispatch(cmd CommandMessage, callback CommandCallback)
}

// RingMember is a member of the consistent hash ring.
type RingMember struct {
	Name       string `cbor:"1,keyasint"`
	LoadFactor int    `cbor:"2,keyasint"`
}

// vnode is one segment of a member on the ring.
type vnode struct {
	Position uint64
	Member   string
	Segment  int
}

// ringSnapshot is the state transferred to joining members.
type ringSnapshot struct {
	Members []RingMember `cbor:"1,keyasint"`
}

// ringState is a versioned ring published through an atomic pointer.
type ringState struct {
	ring    *ConsistentHash
	version uint64
}

// outstandingCall is a dispatched command awaiting its reply.
type outstandingCall struct {
	commandID       string
	commandName     string
	destination     channel.Address
	destinationName string
	callback        CommandCallback
}
