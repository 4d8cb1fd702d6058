package pgchannel

import (
	"context"
	"slices"

	"go-commandbus/channel"
)

// deliverPending hands every message in the mailbox to the receiver, preceded by a new view
// when the membership has changed.
//
// Messages are taken before the membership is read. A sender always registers its lease before
// sending, so a sender missing from the membership read afterwards has left, and its messages
// are discarded.
func (c *coordinator) deliverPending(ctx context.Context) error {
	var self = c.channel.address

	for {
		var frames, err = c.store.Take(ctx, self, c.options.batchSize)
		if err != nil {
			return err
		}

		var (
			previous  = c.channel.View()
			view      = previous
			filtering = true
		)
		members, err := c.store.Members(ctx)
		if err != nil {
			c.options.logger.Error("failed to refresh membership, delivering with previous view", "error", err)
			filtering = false
		} else {
			view = c.acceptView(members)
			if view.ID != previous.ID {
				c.suspectDeparted(ctx, previous, view)
			}
		}

		for _, f := range frames {
			if filtering && f.kind == frameUser && !view.Contains(f.sender) {
				c.options.logger.Debug("discarding message from departed member",
					"source", f.senderName,
					"message_id", f.id)
				continue
			}
			c.deliver(ctx, f)
		}

		if len(frames) < c.options.batchSize {
			return nil
		}
	}
}

// acceptView installs members as the new view if the membership changed and reports it to the receiver.
func (c *coordinator) acceptView(members []channel.Member) channel.View {
	var ch = c.channel

	ch.mu.Lock()
	var current = ch.view
	if slices.Equal(current.Members, members) {
		ch.mu.Unlock()
		return current
	}
	var next = channel.View{ID: current.ID + 1, Members: members}
	ch.view = next
	var receiver = ch.receiver
	ch.mu.Unlock()

	if !next.Contains(ch.address) {
		c.options.logger.Warn("own lease is missing from membership", "member", ch.name, "view_id", next.ID)
	}
	c.options.logger.Debug("membership changed", "view_id", next.ID, "members", next.Names())

	receiver.ViewAccepted(next)
	return next
}

// suspectDeparted warns about members missing from next that did not remove their lease.
// A graceful leave deletes the lease, so a lease still on record belongs to a member that
// stopped renewing it.
func (c *coordinator) suspectDeparted(ctx context.Context, previous, next channel.View) {
	for _, m := range previous.Members {
		if next.Contains(m.Address) {
			continue
		}

		expired, err := c.store.HasLease(ctx, m.Address)
		if err != nil {
			c.options.logger.Debug("failed to check departed member", "member", m.Name, "error", err)
			continue
		}
		if expired {
			c.options.logger.Warn("suspected member: lease expired without leaving",
				"member", m.Name,
				"address", m.Address,
				"view_id", next.ID)
		}
	}
}

// deliver hands a single frame to the receiver.
func (c *coordinator) deliver(ctx context.Context, f frame) {
	var ch = c.channel

	ch.mu.RLock()
	var receiver = ch.receiver
	ch.mu.RUnlock()

	switch f.kind {
	case frameUser:
		receiver.Receive(channel.Message{
			Source:     f.sender,
			SourceName: f.senderName,
			Payload:    f.payload,
		})
	case frameStateRequest:
		c.serveState(ctx, receiver, f)
	default:
		c.options.logger.Debug("discarding stale state frame", "source", f.senderName, "kind", f.kind)
	}
}

// serveState answers a joining member with the receiver's state.
func (c *coordinator) serveState(ctx context.Context, receiver channel.Receiver, f frame) {
	var (
		self      = channel.Member{Address: c.channel.address, Name: c.channel.name}
		kind      = frameStateResponse
		data, err = receiver.State()
	)
	if err != nil {
		c.options.logger.Error("failed to serve state", "joiner", f.senderName, "error", err)
		kind, data = frameStateFailure, []byte(err.Error())
	}

	if _, err := c.store.Post(ctx, self, f.sender, kind, data); err != nil {
		c.options.logger.Error("failed to send state", "joiner", f.senderName, "error", err)
	}
}
