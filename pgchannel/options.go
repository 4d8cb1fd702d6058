package pgchannel

import (
	"io"
	"log/slog"
	"time"
)

// options configures the Channel behavior (internal only).
type options struct {
	leaseTTL        time.Duration
	renewalInterval time.Duration
	cleanupInterval time.Duration
	pollInterval    time.Duration
	stateTimeout    time.Duration
	rsvpTimeout     time.Duration
	batchSize       int
	listenerURL     string
	logger          *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	var leaseTTL = 15 * time.Second
	return options{
		leaseTTL:        leaseTTL,
		renewalInterval: leaseTTL / 3,
		cleanupInterval: leaseTTL / 2,
		pollInterval:    500 * time.Millisecond,
		stateTimeout:    10 * time.Second,
		rsvpTimeout:     10 * time.Second,
		batchSize:       100,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Channel.
type Option func(*options)

// WithLeaseTTL sets the membership lease time-to-live. A member that fails to renew its lease
// within this duration is removed from the view of the other members.
// DEFAULT: 15s
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.leaseTTL = ttl
		o.renewalInterval = ttl / 3
		o.cleanupInterval = ttl / 2
	}
}

// WithPollInterval sets how often the mailbox and membership are polled when no notification arrives.
// DEFAULT: 500ms
func WithPollInterval(interval time.Duration) Option {
	return func(o *options) {
		o.pollInterval = interval
	}
}

// WithStateTimeout bounds how long a joining member waits for the cluster state.
// DEFAULT: 10s
func WithStateTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.stateTimeout = timeout
	}
}

// WithRSVPTimeout bounds how long a send with channel.FlagGuaranteed waits for every recipient.
// DEFAULT: 10s
func WithRSVPTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.rsvpTimeout = timeout
	}
}

// WithBatchSize sets the maximum number of messages taken from the mailbox at once.
// DEFAULT: 100
func WithBatchSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.batchSize = size
		}
	}
}

// WithListener enables LISTEN/NOTIFY wake-ups on a dedicated connection to connURL.
// Without it, delivery relies on polling only.
// DEFAULT: disabled
func WithListener(connURL string) Option {
	return func(o *options) {
		o.listenerURL = connURL
	}
}

// WithLogger sets the logger for the channel.
// If the logger is nil, the channel will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
