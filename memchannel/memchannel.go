// Package memchannel is an in-process implementation of channel.Channel.
//
// Channels created from the same Network form groups by cluster name. Every member has one
// delivery goroutine, so views and messages reach a receiver one at a time and in the order
// they were sent. A joining member receives the state of the oldest member before any message.
package memchannel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"go-commandbus/channel"
)

// Network connects channels living in the same process.
type Network struct {
	mu     sync.Mutex
	groups map[string]*group
	logger *slog.Logger
}

// group is the set of members connected under one cluster name, oldest first.
type group struct {
	members []*Channel
	viewID  uint64
}

// Option configures a Network.
type Option func(*Network)

// WithLogger sets the logger for the network.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(n *Network) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNetwork creates an empty network.
func NewNetwork(opts ...Option) *Network {
	var n = &Network{
		groups: make(map[string]*group),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NewChannel creates an unconnected channel for a member with the given logical name.
func (n *Network) NewChannel(name string) *Channel {
	return &Channel{
		network: n,
		name:    name,
		address: channel.Address(uuid.NewString()),
	}
}

// Channel is a member's connection to a Network.
type Channel struct {
	network *Network
	name    string
	address channel.Address

	mu        sync.RWMutex
	receiver  channel.Receiver
	cluster   string
	view      channel.View
	connected bool
	inbox     *inbox
}

func (c *Channel) SetReceiver(r channel.Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiver = r
}

// Connect joins the group and blocks until the group state has been installed.
func (c *Channel) Connect(ctx context.Context, clusterName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.receiver == nil {
		return errors.New("receiver must be set before connecting")
	}

	var (
		n       = c.network
		q       = newInbox()
		stateCh = make(chan stateResult, 1)
	)

	n.mu.Lock()
	var g, ok = n.groups[clusterName]
	if !ok {
		g = &group{}
		n.groups[clusterName] = g
	}

	var coordinator *Channel
	if len(g.members) > 0 {
		coordinator = g.members[0]
	}

	c.inbox = q
	c.cluster = clusterName
	g.members = append(g.members, c)
	var view = g.nextView()
	c.view = view
	for _, m := range g.members {
		m.inbox.push(delivery{view: &view})
	}

	// Queued behind everything the coordinator received before this member joined
	if coordinator != nil {
		coordinator.inbox.push(delivery{stateReq: stateCh})
	}
	n.mu.Unlock()

	if coordinator != nil {
		var result stateResult
		select {
		case <-ctx.Done():
			result.err = ctx.Err()
		case result = <-stateCh:
		}
		if result.err == nil {
			result.err = c.receiver.SetState(result.data)
		}
		if result.err != nil {
			c.leave()
			return fmt.Errorf("failed to receive state from %s: %w", coordinator.name, result.err)
		}
	}

	c.connected = true
	go q.run(c.deliver)

	n.logger.Info("member connected", "cluster", clusterName, "member", c.name, "view_id", view.ID)
	return nil
}

func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Send delivers payload to dest, or to every member when dest is channel.Broadcast.
// With channel.FlagGuaranteed it returns once every recipient has processed the message.
func (c *Channel) Send(ctx context.Context, dest channel.Address, payload []byte, flags ...channel.Flag) error {
	c.mu.RLock()
	var connected, cluster = c.connected, c.cluster
	c.mu.RUnlock()
	if !connected {
		return channel.ErrNotConnected
	}

	var (
		n          = c.network
		recipients []*Channel
	)

	n.mu.Lock()
	var g = n.groups[cluster]
	for _, m := range g.members {
		if dest == channel.Broadcast || m.address == dest {
			recipients = append(recipients, m)
		}
	}
	if len(recipients) == 0 {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s", channel.ErrUnknownDestination, dest)
	}

	var (
		guaranteed = channel.HasFlag(flags, channel.FlagGuaranteed)
		wg         sync.WaitGroup
	)
	for _, m := range recipients {
		var d = delivery{msg: &channel.Message{
			Source:     c.address,
			SourceName: c.name,
			Payload:    payload,
		}}
		if guaranteed {
			wg.Add(1)
			d.done = wg.Done
		}
		m.inbox.push(d)
	}
	n.mu.Unlock()

	if !guaranteed {
		return nil
	}

	var delivered = make(chan struct{})
	go func() {
		wg.Wait()
		close(delivered)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to confirm delivery: %w", ctx.Err())
	case <-delivered:
		return nil
	}
}

// Disconnect leaves the group. The remaining members receive a new view.
func (c *Channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.leave()
	c.connected = false

	c.network.logger.Info("member disconnected", "cluster", c.cluster, "member", c.name)
	return nil
}

// Crash removes the member from the group without a graceful leave, as if its process died.
func (c *Channel) Crash() {
	_ = c.Disconnect(context.Background())
}

// leave removes the member from its group. Must be called with c.mu held.
func (c *Channel) leave() {
	var n = c.network

	n.mu.Lock()
	var g = n.groups[c.cluster]
	for i, m := range g.members {
		if m == c {
			g.members = append(g.members[:i:i], g.members[i+1:]...)
			break
		}
	}
	var view = g.nextView()
	for _, m := range g.members {
		m.inbox.push(delivery{view: &view})
	}
	n.mu.Unlock()

	c.inbox.close()
}

func (c *Channel) Address() channel.Address {
	return c.address
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) View() channel.View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

func (c *Channel) NameOf(addr channel.Address) (string, bool) {
	if addr == c.address {
		return c.name, true
	}

	c.mu.RLock()
	var cluster = c.cluster
	c.mu.RUnlock()

	var n = c.network
	n.mu.Lock()
	defer n.mu.Unlock()

	if g, ok := n.groups[cluster]; ok {
		for _, m := range g.members {
			if m.address == addr {
				return m.name, true
			}
		}
	}
	return "", false
}

// deliver hands one event to the receiver.
func (c *Channel) deliver(d delivery) {
	c.mu.RLock()
	var receiver = c.receiver
	c.mu.RUnlock()

	switch {
	case d.view != nil:
		c.mu.Lock()
		c.view = *d.view
		c.mu.Unlock()
		receiver.ViewAccepted(*d.view)
	case d.msg != nil:
		receiver.Receive(*d.msg)
	case d.stateReq != nil:
		var data, err = receiver.State()
		d.stateReq <- stateResult{data: data, err: err}
	}

	if d.done != nil {
		d.done()
	}
}

// nextView snapshots the group membership under a new view id. Must be called with n.mu held.
func (g *group) nextView() channel.View {
	g.viewID++
	var members = make([]channel.Member, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, channel.Member{Address: m.address, Name: m.name})
	}
	return channel.View{ID: g.viewID, Members: members}
}
