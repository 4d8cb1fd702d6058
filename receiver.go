package commandbus

import (
	"context"
	"fmt"
	"sync"

	"go-commandbus/channel"
)

// messageReceiver delivers channel events to the connector.
type messageReceiver struct {
	connector *Connector
}

func (r *messageReceiver) ViewAccepted(view channel.View) {
	r.connector.viewAccepted(view)
}

func (r *messageReceiver) Receive(msg channel.Message) {
	var c = r.connector

	var env, err = decodeEnvelope(msg.Payload)
	if err != nil {
		c.options.logger.Warn("dropping undecodable message",
			"source", msg.SourceName,
			"error", err)
		return
	}

	switch env.Kind {
	case kindJoin:
		c.processJoin(msg, env.Join)
	case kindDispatch:
		c.processDispatch(msg, env.Dispatch)
	case kindReply:
		c.processReply(env.Reply)
	}
}

// State serves the current ring to a joining member.
func (r *messageReceiver) State() ([]byte, error) {
	return r.connector.Ring().MarshalBinary()
}

// SetState installs the ring received while joining.
func (r *messageReceiver) SetState(data []byte) error {
	var ring, err = DecodeRing(data)
	if err != nil {
		return err
	}

	r.connector.updateRing(func(*ConsistentHash) *ConsistentHash {
		return ring
	})
	r.connector.options.logger.Info("installed consistent hash ring from cluster state",
		"ring_members", ring.Len())
	return nil
}

func (c *Connector) processJoin(msg channel.Message, join *joinMessage) {
	var name = msg.SourceName
	if name == "" {
		var ok bool
		if name, ok = c.channel.NameOf(msg.Source); !ok {
			c.options.logger.Warn("dropping join announcement from unknown member", "source", msg.Source)
			return
		}
	}

	c.updateRing(func(ring *ConsistentHash) *ConsistentHash {
		return ring.WithAdditionalNode(name, join.LoadFactor)
	})
	c.options.logger.Info("member joined", "member", name, "load_factor", join.LoadFactor)

	if msg.Source == c.channel.Address() && c.joined.markJoined(true) {
		c.stopJoinTimer()
		c.options.logger.Info("local segment successfully joined the distributed command bus",
			"cluster", c.clusterName,
			"member", name)
	}
}

func (c *Connector) processDispatch(msg channel.Message, dispatch *dispatchMessage) {
	var callback CommandCallback = NoOpCallback{}
	if dispatch.ExpectReply {
		callback = &replyingCallback{
			connector:   c,
			dest:        msg.Source,
			commandID:   dispatch.CommandIdentifier,
			commandName: dispatch.CommandName,
		}
	}

	c.dispatches.submit(msg.Source, func() {
		var cmd, err = dispatch.commandMessage(c.serializer)
		if err != nil {
			c.options.logger.Error("failed to read dispatched command",
				"command_id", dispatch.CommandIdentifier,
				"command_name", dispatch.CommandName,
				"source", msg.SourceName,
				"error", err)
			callback.OnFailure(&RemoteCommandError{Kind: "deserialization", Message: err.Error()})
			return
		}

		c.localSegment.Dispatch(cmd, callback)
	})
}

func (c *Connector) processReply(reply *replyMessage) {
	var call, ok = c.callbacks.take(reply.CommandIdentifier)
	if !ok {
		// Already failed by a membership change, or a duplicate
		c.options.logger.Debug("discarding reply without outstanding call", "command_id", reply.CommandIdentifier)
		return
	}
	c.metrics.outstanding.Dec()

	var value, err = c.serializer.Deserialize(reply.Result)
	if reply.Success && err == nil {
		c.metrics.replies.WithLabelValues("success").Inc()
		call.callback.OnSuccess(value)
		return
	}

	c.metrics.replies.WithLabelValues("failure").Inc()
	if reply.Success {
		call.callback.OnFailure(fmt.Errorf("failed to read result of command %s: %w", call.commandName, err))
		return
	}
	call.callback.OnFailure(failureCause(reply.Result, value, err))
}

// failureCause turns a deserialized failure into an error.
func failureCause(obj SerializedObject, value any, err error) error {
	if err != nil {
		return &RemoteCommandError{Kind: obj.Type, Message: fmt.Sprintf("undeserializable failure cause: %v", err)}
	}

	switch cause := value.(type) {
	case error:
		return cause
	case nil:
		return &RemoteCommandError{Message: "remote member reported a failure without a cause"}
	default:
		return &RemoteCommandError{Kind: obj.Type, Message: fmt.Sprint(cause)}
	}
}

// replyingCallback sends the outcome of a dispatched command back to its sender.
type replyingCallback struct {
	connector   *Connector
	dest        channel.Address
	commandID   string
	commandName string
	once        sync.Once
}

func (r *replyingCallback) OnSuccess(result any) {
	r.once.Do(func() {
		var obj, err = r.connector.serializer.Serialize(result)
		if err != nil {
			r.connector.options.logger.Error("failed to serialize command result",
				"command_id", r.commandID,
				"command_name", r.commandName,
				"error", err)
			r.send(&replyMessage{
				CommandIdentifier: r.commandID,
				Result:            r.connector.serializeFailure(err),
			})
			return
		}

		r.send(&replyMessage{CommandIdentifier: r.commandID, Success: true, Result: obj})
	})
}

func (r *replyingCallback) OnFailure(cause error) {
	r.once.Do(func() {
		r.send(&replyMessage{
			CommandIdentifier: r.commandID,
			Result:            r.connector.serializeFailure(cause),
		})
	})
}

func (r *replyingCallback) send(reply *replyMessage) {
	var c = r.connector

	var payload, err = encodeReply(reply)
	if err == nil {
		var ctx, cancel = context.WithTimeout(context.Background(), c.options.replyTimeout)
		defer cancel()
		err = c.channel.Send(ctx, r.dest, payload)
	}
	if err != nil {
		c.options.logger.Error("unable to send reply to command",
			"command_id", r.commandID,
			"command_name", r.commandName,
			"error", err)
	}
}

// serializeFailure serializes cause, falling back to a RemoteCommandError when the
// serializer does not know its type.
func (c *Connector) serializeFailure(cause error) SerializedObject {
	if obj, err := c.serializer.Serialize(cause); err == nil {
		return obj
	}

	var obj, err = c.serializer.Serialize(&RemoteCommandError{
		Kind:    fmt.Sprintf("%T", cause),
		Message: cause.Error(),
	})
	if err != nil {
		c.options.logger.Warn("failed to serialize failure cause", "cause", cause, "error", err)
		return SerializedObject{}
	}
	return obj
}
