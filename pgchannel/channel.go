// Package pgchannel is a channel.Channel on top of PostgreSQL.
//
// Membership is a set of leases in a members table, renewed in the background and expiring when
// a member stops renewing. Every member owns a mailbox in a messages table; a send inserts one
// row per recipient and a single delivery goroutine per member takes rows in insertion order.
// Notifications through LISTEN/NOTIFY shorten delivery latency, polling is the fallback.
package pgchannel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-commandbus/channel"
	"go-commandbus/database"
)

const maxClusterNameLength = 48

var (
	// ErrInvalidClusterName is returned when the cluster name contains invalid characters.
	ErrInvalidClusterName = errors.New("cluster name must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// ErrStateTransfer is returned when a joining member does not receive the cluster state.
	ErrStateTransfer = errors.New("failed to receive cluster state")

	// ErrDeliveryTimeout is returned when a guaranteed send is not consumed in time.
	ErrDeliveryTimeout = errors.New("message was not consumed by every recipient in time")

	// validClusterNamePattern validates PostgreSQL-safe identifiers
	validClusterNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// Channel is a member's connection to a PostgreSQL-backed cluster.
type Channel struct {
	db      *sql.DB
	name    string
	address channel.Address
	options options

	mu          sync.RWMutex
	receiver    channel.Receiver
	clusterName string
	store       *memberStore
	view        channel.View
	connected   bool
	coordinator *coordinator
}

// New creates an unconnected channel for a member with the given logical name.
func New(db *sql.DB, name string, opts ...Option) *Channel {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Channel{
		db:      db,
		name:    name,
		address: channel.Address(uuid.NewString()),
		options: options,
	}
}

// ValidateClusterName checks if the cluster name is valid for use as a PostgreSQL identifier prefix.
func ValidateClusterName(clusterName string) error {
	if clusterName == "" {
		return errors.New("cluster name cannot be empty")
	}

	if len(clusterName) > maxClusterNameLength {
		return fmt.Errorf("cluster name must be %d characters or less", maxClusterNameLength)
	}

	if !validClusterNamePattern.MatchString(clusterName) {
		return ErrInvalidClusterName
	}

	return nil
}

func (c *Channel) SetReceiver(r channel.Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiver = r
}

// Connect registers the member's lease, installs the cluster state served by the oldest member
// and starts the background workers. Connecting a connected channel does nothing.
func (c *Channel) Connect(ctx context.Context, clusterName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.receiver == nil {
		return errors.New("receiver must be set before connecting")
	}

	// Validate clusterName before using it in database operations
	if err := ValidateClusterName(clusterName); err != nil {
		return fmt.Errorf("invalid cluster name: %w", err)
	}

	if err := database.Migrate(c.db, clusterName); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	var (
		store = newMemberStore(c.db, clusterName)
		self  = channel.Member{Address: c.address, Name: c.name}
	)

	if err := store.RenewLease(ctx, self, c.options.leaseTTL); err != nil {
		return err
	}

	members, err := store.Members(ctx)
	if err != nil {
		c.abortConnect(store)
		return err
	}

	// The oldest member serves the state; the oldest member itself starts from scratch
	if len(members) > 0 && members[0].Address != c.address {
		if err := c.receiveState(ctx, store, self, members[0]); err != nil {
			c.abortConnect(store)
			return err
		}
	}

	if err := store.Notify(ctx); err != nil {
		c.options.logger.Warn("failed to notify members", "error", err)
	}

	c.clusterName = clusterName
	c.store = store
	c.view = channel.View{ID: 1, Members: members}
	c.receiver.ViewAccepted(c.view)

	c.coordinator = newCoordinator(c, store, c.options)
	c.coordinator.start()
	c.connected = true

	c.options.logger.Info("member connected",
		"cluster", clusterName,
		"member", c.name,
		"address", c.address,
		"view_members", len(members))
	return nil
}

// receiveState asks the oldest member for the cluster state and installs it.
func (c *Channel) receiveState(ctx context.Context, store *memberStore, self, oldest channel.Member) error {
	if _, err := store.Post(ctx, self, oldest.Address, frameStateRequest, nil); err != nil {
		return fmt.Errorf("failed to request state from %s: %w", oldest.Name, err)
	}

	var (
		timeout = time.After(c.options.stateTimeout)
		ticker  = time.NewTicker(c.options.pollInterval)
	)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrStateTransfer, ctx.Err())
		case <-timeout:
			return fmt.Errorf("%w: %s did not answer within %s", ErrStateTransfer, oldest.Name, c.options.stateTimeout)
		case <-ticker.C:
			frames, err := store.Take(ctx, c.address, 1, frameStateResponse, frameStateFailure)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrStateTransfer, err)
			}
			if len(frames) == 0 {
				continue
			}

			var f = frames[0]
			if f.kind == frameStateFailure {
				return fmt.Errorf("%w: %s: %s", ErrStateTransfer, f.senderName, string(f.payload))
			}
			if err := c.receiver.SetState(f.payload); err != nil {
				return fmt.Errorf("%w: %w", ErrStateTransfer, err)
			}

			c.options.logger.Debug("received cluster state", "from", f.senderName, "bytes", len(f.payload))
			return nil
		}
	}
}

// abortConnect withdraws a lease registered by a failed connect.
func (c *Channel) abortConnect(store *memberStore) {
	if err := store.Remove(context.Background(), c.address); err != nil {
		c.options.logger.Warn("failed to withdraw lease after failed connect", "error", err)
	}
}

func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Send places payload in the mailbox of dest, or of every live member when dest is
// channel.Broadcast. With channel.FlagGuaranteed it returns once every recipient has taken the
// message, or the RSVP timeout elapsed.
func (c *Channel) Send(ctx context.Context, dest channel.Address, payload []byte, flags ...channel.Flag) error {
	c.mu.RLock()
	var connected, store, view, coordinator = c.connected, c.store, c.view, c.coordinator
	c.mu.RUnlock()

	if !connected {
		return channel.ErrNotConnected
	}
	if dest != channel.Broadcast && !view.Contains(dest) {
		return fmt.Errorf("%w: %s", channel.ErrUnknownDestination, dest)
	}

	var ids, err = store.Post(ctx, channel.Member{Address: c.address, Name: c.name}, dest, frameUser, payload)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	if dest == channel.Broadcast || dest == c.address {
		coordinator.wakeUp()
	}

	if !channel.HasFlag(flags, channel.FlagGuaranteed) {
		return nil
	}
	return c.awaitConsumed(ctx, store, ids)
}

// awaitConsumed polls until none of the given rows is left in a mailbox.
func (c *Channel) awaitConsumed(ctx context.Context, store *memberStore, ids []int64) error {
	var (
		timeout = time.After(c.options.rsvpTimeout)
		ticker  = time.NewTicker(max(c.options.pollInterval/2, time.Millisecond))
	)
	defer ticker.Stop()

	for {
		pending, err := store.Pending(ctx, ids)
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to confirm delivery: %w", ctx.Err())
		case <-timeout:
			return fmt.Errorf("%w: %d of %d pending", ErrDeliveryTimeout, pending, len(ids))
		case <-ticker.C:
		}
	}
}

// Disconnect stops the background workers and removes the member's lease and mailbox.
func (c *Channel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	var coordinator, store = c.coordinator, c.store
	c.connected = false
	c.mu.Unlock()

	// Outside the lock: the delivery worker may need it to finish its batch
	coordinator.stop()

	if err := store.Remove(ctx, c.address); err != nil {
		return err
	}
	if err := store.Notify(ctx); err != nil {
		c.options.logger.Warn("failed to notify members", "error", err)
	}

	c.options.logger.Info("member disconnected", "cluster", store.clusterName, "member", c.name)
	return nil
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

	var view = c.View()
	for _, m := range view.Members {
		if m.Address == addr {
			return m.Name, true
		}
	}
	return "", false
}
