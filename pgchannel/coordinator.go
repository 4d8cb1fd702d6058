package pgchannel

import (
	"context"
	"sync"
	"time"

	"github.com/lib/pq"

	"go-commandbus/channel"
)

// coordinator runs the background workers of a connected channel.
type coordinator struct {
	channel *Channel
	store   *memberStore
	options options
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	wake    chan struct{}
}

// newCoordinator creates a new coordinator.
func newCoordinator(ch *Channel, store *memberStore, opts options) *coordinator {
	return &coordinator{
		channel: ch,
		store:   store,
		options: opts,
		wake:    make(chan struct{}, 1),
	}
}

// start launches the workers: lease renewal, delivery, cleanup and, when configured, the listener.
//
// Context handling: Workers run with a separate context.Background() so they keep running
// independently of the context passed to Connect. They are stopped through stop().
func (c *coordinator) start() {
	var workerCtx context.Context
	workerCtx, c.cancel = context.WithCancel(context.Background())

	var workers = []func(context.Context){
		c.renewLeaseWorker,
		c.deliveryWorker,
		c.cleanupWorker,
	}
	if c.options.listenerURL != "" {
		workers = append(workers, c.listenWorker)
	}

	c.wg.Add(len(workers))
	for _, worker := range workers {
		go func() {
			defer c.wg.Done()
			worker(workerCtx)
		}()
	}
}

// stop cancels the workers and waits for them to return.
func (c *coordinator) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// wakeUp makes the delivery worker check the mailbox without waiting for the next poll.
func (c *coordinator) wakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// renewLeaseWorker periodically renews this member's lease.
func (c *coordinator) renewLeaseWorker(ctx context.Context) {
	var (
		ticker = time.NewTicker(c.options.renewalInterval)
		self   = channel.Member{Address: c.channel.address, Name: c.channel.name}
	)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.store.RenewLease(ctx, self, c.options.leaseTTL); err != nil {
				c.options.logger.Error("failed to renew lease", "error", err)
			}
		}
	}
}

// deliveryWorker drains the mailbox whenever woken up, and at least every poll interval.
func (c *coordinator) deliveryWorker(ctx context.Context) {
	var ticker = time.NewTicker(c.options.pollInterval)
	defer ticker.Stop()

	// Run immediately on start, then periodically
	if err := c.deliverPending(ctx); err != nil && ctx.Err() == nil {
		c.options.logger.Error("failed to deliver messages", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}

		if err := c.deliverPending(ctx); err != nil && ctx.Err() == nil {
			c.options.logger.Error("failed to deliver messages", "error", err)
		}
	}
}

// cleanupWorker periodically removes expired members and their undeliverable messages.
func (c *coordinator) cleanupWorker(ctx context.Context) {
	var ticker = time.NewTicker(c.options.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, orphaned, err := c.store.Cleanup(ctx)
			if err != nil {
				c.options.logger.Error("failed to cleanup expired members", "error", err)
				continue
			}
			if len(expired) > 0 || orphaned > 0 {
				c.options.logger.Info("removed expired members",
					"members", len(expired),
					"orphaned_messages", orphaned)
			}
		}
	}
}

// listenWorker wakes the delivery worker on every notification for the cluster.
func (c *coordinator) listenWorker(ctx context.Context) {
	var listener = pq.NewListener(c.options.listenerURL, 100*time.Millisecond, 10*time.Second,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				c.options.logger.Warn("listener connection problem", "event", event, "error", err)
			}
		})
	defer listener.Close()

	if err := listener.Listen(c.store.notifyChannel()); err != nil {
		c.options.logger.Error("failed to listen for notifications, falling back to polling", "error", err)
		return
	}

	var ping = time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-listener.Notify:
			// A nil notification means the connection was re-established and events may have been missed
			c.wakeUp()
		case <-ping.C:
			go func() {
				_ = listener.Ping()
			}()
		}
	}
}
