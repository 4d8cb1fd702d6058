package pgchannel

// simulateCrash stops background workers without removing the lease or mailbox (for testing).
// The other members notice the departure once the lease expires.
func (c *Channel) simulateCrash() {
	c.mu.Lock()
	var coordinator = c.coordinator
	c.connected = false
	c.mu.Unlock()

	if coordinator != nil {
		coordinator.stop()
	}
}
