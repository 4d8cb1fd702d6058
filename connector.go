package commandbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go-commandbus/channel"
)

// Connector connects a local command bus segment to the other members of a cluster.
//
// Members join with a load factor, the number of segments they occupy on a consistent hash ring.
// Commands are routed by routing key to the member owning the key's segment, so commands with
// the same routing key reach the same member regardless of which member sends them. When a
// member leaves, its share of the ring is divided over the remaining members.
type Connector struct {
	channel      channel.Channel
	clusterName  string
	localSegment LocalSegment
	serializer   Serializer
	ring         atomic.Pointer[ringState]
	joined       *joinCondition
	callbacks    *callbackRegistry
	dispatches   *dispatchQueues
	metrics      *metrics
	options      options

	mu        sync.Mutex
	joinTimer *time.Timer
}

// NewConnector creates a connector using ch to reach the other members of clusterName.
// Commands routed to this member are dispatched on localSegment. Members of one cluster must
// use the same channel configuration, cluster name and serializer registrations.
func NewConnector(ch channel.Channel, clusterName string, localSegment LocalSegment, serializer Serializer, opts ...Option) *Connector {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	var c = &Connector{
		channel:      ch,
		clusterName:  clusterName,
		localSegment: localSegment,
		serializer:   serializer,
		joined:       newJoinCondition(),
		callbacks:    newCallbackRegistry(),
		dispatches:   newDispatchQueues(),
		metrics:      newMetrics(clusterName),
		options:      options,
	}
	c.ring.Store(&ringState{ring: EmptyRing()})

	if options.registerer != nil {
		if err := c.metrics.register(options.registerer); err != nil {
			options.logger.Warn("failed to register metrics", "error", err)
		}
	}

	return c
}

// Connect joins the cluster with the given load factor. The load factor is the number of
// segments this member occupies on the ring; a value around 100 spreads load evenly.
//
// Connect returns once the join announcement has been delivered. Use AwaitJoined to wait until
// this member has observed its own announcement and is part of the ring.
func (c *Connector) Connect(ctx context.Context, loadFactor int) error {
	if loadFactor < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLoadFactor, loadFactor)
	}

	c.channel.SetReceiver(&messageReceiver{connector: c})

	if err := c.join(ctx, loadFactor); err != nil {
		c.stopJoinTimer()
		c.joined.markJoined(false)
		if disconnectErr := c.channel.Disconnect(context.WithoutCancel(ctx)); disconnectErr != nil {
			c.options.logger.Warn("failed to disconnect after failed join", "error", disconnectErr)
		}
		return err
	}

	return nil
}

func (c *Connector) join(ctx context.Context, loadFactor int) error {
	if !c.channel.IsConnected() {
		var connectCtx, cancel = context.WithTimeout(ctx, c.options.connectTimeout)
		defer cancel()

		if err := c.channel.Connect(connectCtx, c.clusterName); err != nil {
			return fmt.Errorf("failed to connect to cluster %s: %w", c.clusterName, err)
		}
	}

	var payload, err = encodeJoin(loadFactor)
	if err != nil {
		return err
	}

	c.joined.markPending()
	c.startJoinTimer()

	if err := c.channel.Send(ctx, channel.Broadcast, payload, channel.FlagGuaranteed); err != nil {
		return fmt.Errorf("failed to announce join: %w", err)
	}

	return nil
}

// startJoinTimer latches the join as failed if the announcement is not echoed in time.
func (c *Connector) startJoinTimer() {
	if c.options.joinTimeout <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	c.joinTimer = time.AfterFunc(c.options.joinTimeout, func() {
		if c.joined.markJoined(false) {
			c.options.logger.Warn("failed to join distributed command bus",
				"cluster", c.clusterName,
				"timeout", c.options.joinTimeout,
				"error", ErrJoinTimeout)
		}
	})
}

func (c *Connector) stopJoinTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
}

// AwaitJoined blocks until this member has joined, joining has failed, or ctx is done.
// It reports whether the member joined successfully.
func (c *Connector) AwaitJoined(ctx context.Context) bool {
	return c.joined.await(ctx)
}

// AwaitJoinedTimeout is AwaitJoined bounded by timeout.
// A timeout returns false without changing the join state.
func (c *Connector) AwaitJoinedTimeout(timeout time.Duration) bool {
	return c.joined.awaitTimeout(timeout)
}

// JoinState returns the current join state.
func (c *Connector) JoinState() JoinState {
	return c.joined.current()
}

// Send dispatches cmd to the member owning routingKey without waiting for an outcome.
func (c *Connector) Send(ctx context.Context, routingKey string, cmd CommandMessage) error {
	var dest, _, err = c.resolve(routingKey)
	if err != nil {
		return err
	}

	msg, err := newDispatchMessage(cmd, c.serializer, false)
	if err != nil {
		return err
	}
	payload, err := encodeDispatch(msg)
	if err != nil {
		return err
	}

	if err := c.channel.Send(ctx, dest, payload); err != nil {
		return fmt.Errorf("failed to send command %s: %w", cmd.Identifier, err)
	}

	c.metrics.dispatched.WithLabelValues("fire_and_forget").Inc()
	return nil
}

// SendWithCallback dispatches cmd to the member owning routingKey. The callback is invoked
// exactly once, with the remote result or with a failure. A destination that leaves the
// cluster before replying fails the callback with ErrDestinationLost. When SendWithCallback
// returns an error the callback is never invoked.
func (c *Connector) SendWithCallback(ctx context.Context, routingKey string, cmd CommandMessage, callback CommandCallback) error {
	var dest, destName, err = c.resolve(routingKey)
	if err != nil {
		return err
	}

	msg, err := newDispatchMessage(cmd, c.serializer, true)
	if err != nil {
		return err
	}
	payload, err := encodeDispatch(msg)
	if err != nil {
		return err
	}

	// Register before sending so a fast reply always finds its call
	var call = &outstandingCall{
		commandID:       cmd.Identifier,
		commandName:     cmd.CommandName,
		destination:     dest,
		destinationName: destName,
		callback:        callback,
	}
	if err := c.callbacks.register(call); err != nil {
		return err
	}
	c.metrics.outstanding.Inc()

	if err := c.channel.Send(ctx, dest, payload); err != nil {
		if _, ok := c.callbacks.take(cmd.Identifier); !ok {
			// The destination left meanwhile and the callback has already been failed
			return nil
		}
		c.metrics.outstanding.Dec()
		return fmt.Errorf("failed to send command %s: %w", cmd.Identifier, err)
	}

	c.metrics.dispatched.WithLabelValues("callback").Inc()
	return nil
}

// resolve maps routingKey to the address of the member owning it.
func (c *Connector) resolve(routingKey string) (channel.Address, string, error) {
	var name, ok = c.Ring().NodeName(routingKey)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrNoRoute, routingKey)
	}

	addr, ok := c.channel.View().AddressOf(name)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNotMember, name)
	}

	return addr, name, nil
}

// LocalSegment returns the command bus commands routed to this member are dispatched on.
func (c *Connector) LocalSegment() LocalSegment {
	return c.localSegment
}

// Ring returns the current consistent hash ring.
func (c *Connector) Ring() *ConsistentHash {
	return c.ring.Load().ring
}

// OutstandingCalls returns the number of calls awaiting a reply.
func (c *Connector) OutstandingCalls() int {
	return c.callbacks.len()
}

// Disconnect leaves the cluster. Calls still awaiting a reply are failed with
// ErrDisconnected, since their replies can no longer reach this member.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.stopJoinTimer()

	var err = c.channel.Disconnect(ctx)

	var abandoned = c.callbacks.takeWhere(func(*outstandingCall) bool { return true })
	for _, call := range abandoned {
		c.metrics.outstanding.Dec()
		call.callback.OnFailure(fmt.Errorf("%w: command %s to %s", ErrDisconnected, call.commandID, call.destinationName))
	}
	if len(abandoned) > 0 {
		c.options.logger.Warn("failed calls awaiting a reply while leaving", "abandoned_calls", len(abandoned))
	}

	if err != nil {
		return fmt.Errorf("failed to disconnect from cluster %s: %w", c.clusterName, err)
	}

	c.options.logger.Info("left distributed command bus", "cluster", c.clusterName, "member", c.channel.Name())
	return nil
}

// updateRing applies fn to the current ring with compare-and-swap, retrying on concurrent
// updates. It returns the ring before and after the update; both are equal when fn made no change.
func (c *Connector) updateRing(fn func(*ConsistentHash) *ConsistentHash) (*ConsistentHash, *ConsistentHash) {
	for {
		var (
			current = c.ring.Load()
			next    = fn(current.ring)
		)

		if next == current.ring || next.identical(current.ring) {
			return current.ring, current.ring
		}

		if c.ring.CompareAndSwap(current, &ringState{ring: next, version: current.version + 1}) {
			c.metrics.ringMembers.Set(float64(next.Len()))
			return current.ring, next
		}
	}
}
