package commandbus

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidLoadFactor is returned when connecting with a negative load factor.
	ErrInvalidLoadFactor = errors.New("load factor must be a non-negative integer")

	// ErrNoRoute is returned when the ring has no member to route a command to.
	ErrNoRoute = errors.New("no member available for routing key")

	// ErrNotMember is returned when the ring resolves a member that is not part of the current view.
	ErrNotMember = errors.New("member is not part of the distributed command bus")

	// ErrDestinationLost is reported to callbacks whose destination left before replying.
	ErrDestinationLost = errors.New("the connection with the destination was lost before the result was reported")

	// ErrDisconnected is reported to callbacks still awaiting a reply when this member leaves.
	ErrDisconnected = errors.New("the member left the cluster before the result was reported")

	// ErrDuplicateCommand is returned when a command identifier is already awaiting a reply.
	ErrDuplicateCommand = errors.New("command identifier is already awaiting a reply")

	// ErrJoinTimeout is logged when the join announcement was not echoed in time.
	ErrJoinTimeout = errors.New("join announcement was not echoed before the join timeout")

	// ErrUnknownType is returned by the serializer for unregistered types.
	ErrUnknownType = errors.New("type is not registered with the serializer")

	// ErrMalformedMessage is returned when an inbound protocol message cannot be decoded.
	ErrMalformedMessage = errors.New("malformed protocol message")
)

// RemoteCommandError carries a failure reported by a remote member whose error type
// could not be transported as-is.
type RemoteCommandError struct {
	Kind    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
}

func (e *RemoteCommandError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("remote command handling failed: %s", e.Message)
	}
	return fmt.Sprintf("remote command handling failed (%s): %s", e.Kind, e.Message)
}
