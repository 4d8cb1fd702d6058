package commandbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-commandbus/channel"
)

func TestConnector(t *testing.T) {
	const cluster = "test-cluster"

	var (
		newCtx = func() context.Context {
			return context.Background()
		}
		// newJoined returns a connector that joined without segments of its own,
		// so every key routes to remote members.
		newJoined = func(t *testing.T, opts ...Option) (*Connector, *fakeChannel, *recordingSegment) {
			var (
				ch  = newFakeChannel("node-1")
				seg = &recordingSegment{}
				sut = NewConnector(ch, cluster, seg, NewCBORSerializer(), opts...)
			)
			require.NoError(t, sut.Connect(newCtx(), 0))
			require.True(t, sut.AwaitJoinedTimeout(time.Second))
			return sut, ch, seg
		}
		addRemote = func(t *testing.T, ch *fakeChannel, name string, loadFactor int) channel.Address {
			var (
				addr    = channel.Address("addr-" + name)
				current = ch.View()
				members = append(append([]channel.Member(nil), current.Members...), channel.Member{Address: addr, Name: name})
			)
			ch.setView(channel.View{ID: current.ID + 1, Members: members})

			payload, err := encodeJoin(loadFactor)
			require.NoError(t, err)
			ch.receiver.Receive(channel.Message{Source: addr, SourceName: name, Payload: payload})
			return addr
		}
		removeMember = func(ch *fakeChannel, addr channel.Address) {
			var (
				current = ch.View()
				members []channel.Member
			)
			for _, m := range current.Members {
				if m.Address != addr {
					members = append(members, m)
				}
			}
			ch.setView(channel.View{ID: current.ID + 1, Members: members})
		}
		reply = func(t *testing.T, ch *fakeChannel, from channel.Address, commandID string, success bool, result any) {
			obj, err := NewCBORSerializer().Serialize(result)
			require.NoError(t, err)
			payload, err := encodeReply(&replyMessage{CommandIdentifier: commandID, Success: success, Result: obj})
			require.NoError(t, err)
			ch.receiver.Receive(channel.Message{Source: from, Payload: payload})
		}
		decodeSent = func(t *testing.T, msg sentMessage) envelope {
			env, err := decodeEnvelope(msg.payload)
			require.NoError(t, err)
			return env
		}
	)

	t.Run("should reject negative load factor", func(t *testing.T) {
		// Arrange
		var (
			ch  = newFakeChannel("node-1")
			sut = NewConnector(ch, cluster, &recordingSegment{}, NewCBORSerializer())
		)

		// Act
		err := sut.Connect(newCtx(), -1)

		// Assert
		assert.ErrorIs(t, err, ErrInvalidLoadFactor)
		assert.False(t, ch.IsConnected())
		assert.Equal(t, NotJoined, sut.JoinState())
	})

	t.Run("should join once own announcement is echoed", func(t *testing.T) {
		// Arrange
		var (
			ch  = newFakeChannel("node-1")
			sut = NewConnector(ch, cluster, &recordingSegment{}, NewCBORSerializer())
		)

		// Act
		err := sut.Connect(newCtx(), 10)

		// Assert
		require.NoError(t, err)
		assert.True(t, sut.AwaitJoined(newCtx()))
		assert.Equal(t, Joined, sut.JoinState())
		assert.Equal(t, []RingMember{{Name: "node-1", LoadFactor: 10}}, sut.Ring().Members())

		var sent = ch.sentMessages()
		require.Len(t, sent, 1)
		assert.Equal(t, channel.Broadcast, sent[0].dest)
		assert.True(t, channel.HasFlag(sent[0].flags, channel.FlagGuaranteed))
	})

	t.Run("should latch join only once for repeated echoes", func(t *testing.T) {
		// Arrange
		var sut, ch, _ = newJoined(t)
		var ringBefore = sut.Ring()
		payload, err := encodeJoin(0)
		require.NoError(t, err)

		// Act
		ch.receiver.Receive(channel.Message{Source: ch.Address(), SourceName: ch.Name(), Payload: payload})

		// Assert
		assert.Equal(t, Joined, sut.JoinState())
		assert.Same(t, ringBefore, sut.Ring())
	})

	t.Run("should fail join when announcement cannot be sent", func(t *testing.T) {
		// Arrange
		var (
			ch  = newFakeChannel("node-1")
			sut = NewConnector(ch, cluster, &recordingSegment{}, NewCBORSerializer())
		)
		ch.sendErr = errTransport

		// Act
		err := sut.Connect(newCtx(), 10)

		// Assert
		assert.ErrorIs(t, err, errTransport)
		assert.Equal(t, Failed, sut.JoinState())
		assert.False(t, sut.AwaitJoined(newCtx()))
		assert.False(t, ch.IsConnected())
	})

	t.Run("should fail join when channel cannot connect", func(t *testing.T) {
		// Arrange
		var (
			ch  = newFakeChannel("node-1")
			sut = NewConnector(ch, cluster, &recordingSegment{}, NewCBORSerializer())
		)
		ch.connectErr = errTransport

		// Act
		err := sut.Connect(newCtx(), 10)

		// Assert
		assert.ErrorIs(t, err, errTransport)
		assert.Equal(t, Failed, sut.JoinState())
	})

	t.Run("should fail join when echo does not arrive in time", func(t *testing.T) {
		// Arrange
		var (
			ch  = newFakeChannel("node-1")
			sut = NewConnector(ch, cluster, &recordingSegment{}, NewCBORSerializer(),
				WithJoinTimeout(20*time.Millisecond))
		)
		ch.echo = false

		// Act
		require.NoError(t, sut.Connect(newCtx(), 10))
		var joined = sut.AwaitJoinedTimeout(time.Second)

		// Assert
		assert.False(t, joined)
		assert.Equal(t, Failed, sut.JoinState())

		// A late echo still updates the ring but not the outcome
		payload, err := encodeJoin(10)
		require.NoError(t, err)
		ch.receiver.Receive(channel.Message{Source: ch.Address(), SourceName: ch.Name(), Payload: payload})
		assert.True(t, sut.Ring().Contains("node-1"))
		assert.Equal(t, Failed, sut.JoinState())
	})

	t.Run("should stay pending while awaiting times out", func(t *testing.T) {
		// Arrange
		var (
			ch  = newFakeChannel("node-1")
			sut = NewConnector(ch, cluster, &recordingSegment{}, NewCBORSerializer(), WithJoinTimeout(0))
		)
		ch.echo = false
		require.NoError(t, sut.Connect(newCtx(), 10))

		// Act
		var joined = sut.AwaitJoinedTimeout(20 * time.Millisecond)

		// Assert
		assert.False(t, joined)
		assert.Equal(t, Pending, sut.JoinState())
	})

	t.Run("should fail to route on empty ring", func(t *testing.T) {
		// Arrange
		var sut, _, _ = newJoined(t)

		// Act
		err := sut.Send(newCtx(), "order-42", NewCommandMessage("ping", nil))

		// Assert
		assert.ErrorIs(t, err, ErrNoRoute)
	})

	t.Run("should fail to route to member missing from view", func(t *testing.T) {
		// Arrange
		var sut, ch, _ = newJoined(t)
		addRemote(t, ch, "node-2", 10)
		ch.mu.Lock()
		ch.view = channel.View{ID: 99, Members: ch.view.Members[:1]}
		ch.mu.Unlock()

		// Act
		err := sut.SendWithCallback(newCtx(), "order-42", NewCommandMessage("ping", nil), NoOpCallback{})

		// Assert
		assert.ErrorIs(t, err, ErrNotMember)
		assert.Equal(t, 0, sut.OutstandingCalls())
	})

	t.Run("should send fire and forget without registering a call", func(t *testing.T) {
		// Arrange
		var sut, ch, _ = newJoined(t)
		var remote = addRemote(t, ch, "node-2", 10)

		// Act
		err := sut.Send(newCtx(), "order-42", NewCommandMessage("ping", "hello"))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 0, sut.OutstandingCalls())

		var sent = ch.sentMessages()
		var last = sent[len(sent)-1]
		assert.Equal(t, remote, last.dest)
		var env = decodeSent(t, last)
		assert.Equal(t, kindDispatch, env.Kind)
		assert.False(t, env.Dispatch.ExpectReply)
		assert.Equal(t, 1.0, testutil.ToFloat64(sut.metrics.dispatched.WithLabelValues("fire_and_forget")))
	})

	t.Run("should resolve callback with reply result", func(t *testing.T) {
		// Arrange
		var (
			sut, ch, _ = newJoined(t)
			remote     = addRemote(t, ch, "node-2", 10)
			cmd        = NewCommandMessage("ping", "hello")
			future     = NewFutureCallback()
		)
		require.NoError(t, sut.SendWithCallback(newCtx(), "order-42", cmd, future))
		assert.Equal(t, 1, sut.OutstandingCalls())

		// Act
		reply(t, ch, remote, cmd.Identifier, true, "pong")

		// Assert
		result, err := future.Result(newCtx())
		require.NoError(t, err)
		assert.Equal(t, "pong", result)
		assert.Equal(t, 0, sut.OutstandingCalls())
		assert.Equal(t, 0.0, testutil.ToFloat64(sut.metrics.outstanding))
	})

	t.Run("should resolve callback with remote failure", func(t *testing.T) {
		// Arrange
		var (
			sut, ch, _ = newJoined(t)
			remote     = addRemote(t, ch, "node-2", 10)
			cmd        = NewCommandMessage("ping", nil)
			future     = NewFutureCallback()
		)
		require.NoError(t, sut.SendWithCallback(newCtx(), "order-42", cmd, future))

		// Act
		reply(t, ch, remote, cmd.Identifier, false, &RemoteCommandError{Kind: "*errors.errorString", Message: "boom"})

		// Assert
		_, err := future.Result(newCtx())
		var remoteErr *RemoteCommandError
		require.ErrorAs(t, err, &remoteErr)
		assert.Equal(t, "boom", remoteErr.Message)
	})

	t.Run("should ignore reply without outstanding call", func(t *testing.T) {
		// Arrange
		var (
			sut, ch, _ = newJoined(t)
			remote     = addRemote(t, ch, "node-2", 10)
			cmd        = NewCommandMessage("ping", nil)
			callback   = &countingCallback{}
		)
		require.NoError(t, sut.SendWithCallback(newCtx(), "order-42", cmd, callback))

		// Act
		reply(t, ch, remote, "unknown-command", true, "pong")
		reply(t, ch, remote, cmd.Identifier, true, "pong")
		reply(t, ch, remote, cmd.Identifier, true, "pong again")

		// Assert
		assert.Equal(t, 1, callback.outcomes())
		assert.Equal(t, []any{"pong"}, callback.successes)
	})

	t.Run("should not invoke callback when send fails", func(t *testing.T) {
		// Arrange
		var (
			sut, ch, _ = newJoined(t)
			callback   = &countingCallback{}
		)
		addRemote(t, ch, "node-2", 10)
		ch.mu.Lock()
		ch.sendErr = errTransport
		ch.mu.Unlock()

		// Act
		err := sut.SendWithCallback(newCtx(), "order-42", NewCommandMessage("ping", nil), callback)

		// Assert
		assert.ErrorIs(t, err, errTransport)
		assert.Equal(t, 0, sut.OutstandingCalls())
		assert.Equal(t, 0, callback.outcomes())
	})

	t.Run("should reject duplicate outstanding command", func(t *testing.T) {
		// Arrange
		var (
			sut, ch, _ = newJoined(t)
			cmd        = NewCommandMessage("ping", nil)
		)
		addRemote(t, ch, "node-2", 10)
		require.NoError(t, sut.SendWithCallback(newCtx(), "order-42", cmd, NoOpCallback{}))

		// Act
		err := sut.SendWithCallback(newCtx(), "order-42", cmd, NoOpCallback{})

		// Assert
		assert.ErrorIs(t, err, ErrDuplicateCommand)
		assert.Equal(t, 1, sut.OutstandingCalls())
	})

	t.Run("should fail calls to departed member", func(t *testing.T) {
		// Arrange
		var (
			sut, ch, _ = newJoined(t)
			remote     = addRemote(t, ch, "node-2", 10)
			future     = NewFutureCallback()
		)
		require.NoError(t, sut.SendWithCallback(newCtx(), "order-42", NewCommandMessage("ping", nil), future))

		// Act
		removeMember(ch, remote)

		// Assert
		_, err := future.Result(newCtx())
		assert.ErrorIs(t, err, ErrDestinationLost)
		assert.False(t, sut.Ring().Contains("node-2"))
		assert.Equal(t, 0, sut.OutstandingCalls())
		assert.Equal(t, 1.0, testutil.ToFloat64(sut.metrics.lost))
	})

	t.Run("should not add members from a view", func(t *testing.T) {
		// Arrange
		var sut, ch, _ = newJoined(t)
		var current = ch.View()

		// Act
		ch.setView(channel.View{ID: current.ID + 1, Members: append(current.Members,
			channel.Member{Address: "addr-node-3", Name: "node-3"})})

		// Assert
		assert.False(t, sut.Ring().Contains("node-3"))
		assert.True(t, sut.Ring().Contains("node-1"))
	})

	t.Run("should resolve racing reply and departure exactly once", func(t *testing.T) {
		for range 50 {
			// Arrange
			var (
				sut, ch, _ = newJoined(t)
				remote     = addRemote(t, ch, "node-2", 10)
				cmd        = NewCommandMessage("ping", nil)
				callback   = &countingCallback{}
				wg         sync.WaitGroup
				start      = make(chan struct{})
			)
			require.NoError(t, sut.SendWithCallback(newCtx(), "order-42", cmd, callback))

			// Act
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				reply(t, ch, remote, cmd.Identifier, true, "pong")
			}()
			go func() {
				defer wg.Done()
				<-start
				removeMember(ch, remote)
			}()
			close(start)
			wg.Wait()

			// Assert
			require.Equal(t, 1, callback.outcomes())
			assert.Equal(t, 0, sut.OutstandingCalls())
		}
	})

	t.Run("should dispatch inbound command and reply to sender", func(t *testing.T) {
		// Arrange
		var (
			sut, ch, seg = newJoined(t)
			cmd          = NewCommandMessage("ping", "hello")
		)
		seg.handle = func(cmd CommandMessage) (any, error) {
			return "pong", nil
		}
		msg, err := newDispatchMessage(cmd, NewCBORSerializer(), true)
		require.NoError(t, err)
		payload, err := encodeDispatch(msg)
		require.NoError(t, err)

		// Act
		ch.receiver.Receive(channel.Message{Source: "addr-node-2", SourceName: "node-2", Payload: payload})
		sut.dispatches.wait()

		// Assert
		require.Len(t, seg.dispatched(), 1)
		assert.Equal(t, cmd, seg.dispatched()[0])

		var sent = ch.sentMessages()
		var last = sent[len(sent)-1]
		assert.Equal(t, channel.Address("addr-node-2"), last.dest)
		var env = decodeSent(t, last)
		require.Equal(t, kindReply, env.Kind)
		assert.True(t, env.Reply.Success)
		result, err := sut.serializer.Deserialize(env.Reply.Result)
		require.NoError(t, err)
		assert.Equal(t, "pong", result)
	})

	t.Run("should wrap unregistered failure causes", func(t *testing.T) {
		// Arrange
		var (
			sut, ch, seg = newJoined(t)
			cmd          = NewCommandMessage("ping", nil)
		)
		seg.handle = func(cmd CommandMessage) (any, error) {
			return nil, errors.New("boom")
		}
		msg, err := newDispatchMessage(cmd, NewCBORSerializer(), true)
		require.NoError(t, err)
		payload, err := encodeDispatch(msg)
		require.NoError(t, err)

		// Act
		ch.receiver.Receive(channel.Message{Source: "addr-node-2", SourceName: "node-2", Payload: payload})
		sut.dispatches.wait()

		// Assert
		var sent = ch.sentMessages()
		var env = decodeSent(t, sent[len(sent)-1])
		require.Equal(t, kindReply, env.Kind)
		assert.False(t, env.Reply.Success)
		cause, err := sut.serializer.Deserialize(env.Reply.Result)
		require.NoError(t, err)
		assert.Equal(t, &RemoteCommandError{Kind: "*errors.errorString", Message: "boom"}, cause)
	})

	t.Run("should answer undeserializable command with failure", func(t *testing.T) {
		// Arrange
		var sut, ch, seg = newJoined(t)
		payload, err := encodeDispatch(&dispatchMessage{
			CommandIdentifier: "cmd-1",
			CommandName:       "ping",
			Payload:           SerializedObject{Type: "unknown-type"},
			ExpectReply:       true,
		})
		require.NoError(t, err)

		// Act
		ch.receiver.Receive(channel.Message{Source: "addr-node-2", SourceName: "node-2", Payload: payload})
		sut.dispatches.wait()

		// Assert
		assert.Empty(t, seg.dispatched())
		var sent = ch.sentMessages()
		var env = decodeSent(t, sent[len(sent)-1])
		require.Equal(t, kindReply, env.Kind)
		cause, err := sut.serializer.Deserialize(env.Reply.Result)
		require.NoError(t, err)
		var remoteErr *RemoteCommandError
		require.ErrorAs(t, cause.(error), &remoteErr)
		assert.Equal(t, "deserialization", remoteErr.Kind)
	})

	t.Run("should drop undecodable messages", func(t *testing.T) {
		// Arrange
		var sut, ch, seg = newJoined(t)
		var ringBefore = sut.Ring()

		// Act
		ch.receiver.Receive(channel.Message{Source: "addr-node-2", Payload: []byte{0x01, 0x02}})

		// Assert
		assert.Empty(t, seg.dispatched())
		assert.Same(t, ringBefore, sut.Ring())
	})

	t.Run("should transfer ring state to a joining member", func(t *testing.T) {
		// Arrange
		var sut, ch, _ = newJoined(t)
		addRemote(t, ch, "node-2", 10)
		var joiner = NewConnector(newFakeChannel("node-3"), cluster, &recordingSegment{}, NewCBORSerializer())

		// Act
		data, err := (&messageReceiver{connector: sut}).State()
		require.NoError(t, err)
		err = (&messageReceiver{connector: joiner}).SetState(data)

		// Assert
		require.NoError(t, err)
		assert.True(t, sut.Ring().identical(joiner.Ring()))
	})

	t.Run("should share metrics between connectors of one cluster", func(t *testing.T) {
		// Arrange
		var registry = prometheus.NewRegistry()

		// Act
		var first = NewConnector(newFakeChannel("node-1"), cluster, &recordingSegment{}, NewCBORSerializer(),
			WithRegisterer(registry))
		var second = NewConnector(newFakeChannel("node-2"), cluster, &recordingSegment{}, NewCBORSerializer(),
			WithRegisterer(registry))

		// Assert
		assert.Same(t, first.metrics.lost, second.metrics.lost)
		count, err := testutil.GatherAndCount(registry, "commandbus_ring_members")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("should keep receiving replies while a command executes", func(t *testing.T) {
		// Arrange
		var (
			sut, ch, seg = newJoined(t)
			remote       = addRemote(t, ch, "node-2", 10)
			started      = make(chan struct{})
			release      = make(chan struct{})
			outbound     = NewCommandMessage("lookup", nil)
			future       = NewFutureCallback()
		)
		seg.handle = func(cmd CommandMessage) (any, error) {
			close(started)
			<-release
			return nil, nil
		}
		msg, err := newDispatchMessage(NewCommandMessage("slow", nil), NewCBORSerializer(), false)
		require.NoError(t, err)
		payload, err := encodeDispatch(msg)
		require.NoError(t, err)
		require.NoError(t, sut.SendWithCallback(newCtx(), "order-42", outbound, future))

		// Act
		ch.receiver.Receive(channel.Message{Source: remote, SourceName: "node-2", Payload: payload})
		<-started
		reply(t, ch, remote, outbound.Identifier, true, "found")

		// Assert
		result, err := future.Result(newCtx())
		require.NoError(t, err)
		assert.Equal(t, "found", result)

		close(release)
		sut.dispatches.wait()
	})

	t.Run("should fail outstanding calls on disconnect", func(t *testing.T) {
		// Arrange
		var (
			sut, ch, _ = newJoined(t)
			callback   = &countingCallback{}
		)
		addRemote(t, ch, "node-2", 10)
		require.NoError(t, sut.SendWithCallback(newCtx(), "order-42", NewCommandMessage("ping", nil), callback))

		// Act
		err := sut.Disconnect(newCtx())

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 0, sut.OutstandingCalls())
		require.Equal(t, 1, callback.outcomes())
		assert.ErrorIs(t, callback.failures[0], ErrDisconnected)
		assert.Equal(t, 0.0, testutil.ToFloat64(sut.metrics.outstanding))
	})

	t.Run("should disconnect the channel", func(t *testing.T) {
		// Arrange
		var sut, ch, _ = newJoined(t)

		// Act
		err := sut.Disconnect(newCtx())

		// Assert
		require.NoError(t, err)
		assert.False(t, ch.IsConnected())
	})
}
