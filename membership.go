package commandbus

import (
	"fmt"

	"go-commandbus/channel"
)

// viewAccepted reacts to a membership view. Departed members are removed from the ring, and
// calls awaiting a reply from a departed member are failed. A view never adds members to the
// ring: members are added when their join announcement arrives, since only the announcement
// carries the load factor.
func (c *Connector) viewAccepted(view channel.View) {
	var (
		names         = view.Names()
		before, after = c.updateRing(func(ring *ConsistentHash) *ConsistentHash {
			return ring.WithExclusively(names)
		})
	)

	// Calls are taken atomically, so a racing reply for the same call finds nothing
	var lost = c.callbacks.takeWhere(func(call *outstandingCall) bool {
		return !view.Contains(call.destination)
	})
	for _, call := range lost {
		c.metrics.outstanding.Dec()
		c.metrics.lost.Inc()
		call.callback.OnFailure(fmt.Errorf("%w: %s", ErrDestinationLost, call.destinationName))
	}

	if !before.identical(after) {
		c.options.logger.Info("membership has changed, rebuilt consistent hash ring",
			"view_id", view.ID,
			"view_members", len(view.Members),
			"ring_members", after.Len())
		c.options.logger.Debug("new distributed hash", "ring", after.String())
	}

	if len(lost) > 0 {
		c.options.logger.Warn("a member was disconnected while waiting for a reply",
			"view_id", view.ID,
			"lost_calls", len(lost))
	}
}
