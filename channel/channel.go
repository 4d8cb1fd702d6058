// Package channel defines the group-communication contract the command bus connector consumes.
//
// A Channel provides reliable point-to-point and broadcast delivery, complete membership view
// snapshots, and bulk state transfer to members that join the group. Implementations must
// deliver messages from a given sender in the order they were sent, and must deliver views and
// messages to a Receiver in a single order per member.
package channel

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned when sending on a channel that has not joined a group.
	ErrNotConnected = errors.New("channel is not connected")

	// ErrUnknownDestination is returned when a point-to-point destination is not a group member.
	ErrUnknownDestination = errors.New("destination is not a member of the group")
)

// Address identifies one live incarnation of a group member.
// A member that restarts under the same name gets a new address.
type Address string

// Broadcast is the destination used to address every member of the group, including the sender.
const Broadcast Address = ""

// Flag alters delivery of a single send.
type Flag int

const (
	// FlagGuaranteed makes Send block until every recipient has received and processed the message.
	FlagGuaranteed Flag = iota + 1
)

// HasFlag reports whether flag is present in flags.
func HasFlag(flags []Flag, flag Flag) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Member is a live member of a group.
type Member struct {
	Address Address
	Name    string
}

// View is a complete membership snapshot. Members are ordered by join time, oldest first.
type View struct {
	ID      uint64
	Members []Member
}

// Contains reports whether the view holds a member with the given address.
func (v View) Contains(addr Address) bool {
	for _, m := range v.Members {
		if m.Address == addr {
			return true
		}
	}
	return false
}

// Names returns the logical names of all members in the view.
func (v View) Names() []string {
	var names = make([]string, 0, len(v.Members))
	for _, m := range v.Members {
		names = append(names, m.Name)
	}
	return names
}

// AddressOf returns the address of the member with the given name.
func (v View) AddressOf(name string) (Address, bool) {
	for _, m := range v.Members {
		if m.Name == name {
			return m.Address, true
		}
	}
	return "", false
}

// Message is a payload delivered to a Receiver.
type Message struct {
	Source     Address
	SourceName string
	Payload    []byte
}

// Receiver is notified of group events. Calls for one member happen in delivery order.
type Receiver interface {
	// ViewAccepted is called with every new membership view.
	ViewAccepted(view View)

	// Receive is called for every message addressed to this member, including its own broadcasts.
	Receive(msg Message)

	// State returns the state served to a joining member.
	State() ([]byte, error)

	// SetState installs the state received while joining.
	SetState(data []byte) error
}

// Channel is a connection to a named group.
type Channel interface {
	// SetReceiver installs the receiver. It must be called before Connect.
	SetReceiver(r Receiver)

	// Connect joins the named group. Connecting an already connected channel is a no-op.
	Connect(ctx context.Context, clusterName string) error

	// IsConnected reports whether the channel is currently part of a group.
	IsConnected() bool

	// Send delivers payload to dest, or to every member when dest is Broadcast.
	Send(ctx context.Context, dest Address, payload []byte, flags ...Flag) error

	// Disconnect leaves the group.
	Disconnect(ctx context.Context) error

	// Address returns the address of this member.
	Address() Address

	// Name returns the logical name of this member.
	Name() string

	// View returns the most recently installed view.
	View() View

	// NameOf resolves the logical name of a member address.
	NameOf(addr Address) (string, bool)
}
