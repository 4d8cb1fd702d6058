package commandbus

import (
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// options configures the Connector behavior (internal only).
type options struct {
	connectTimeout time.Duration
	joinTimeout    time.Duration
	replyTimeout   time.Duration
	registerer     prometheus.Registerer
	logger         *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		connectTimeout: 10 * time.Second,
		joinTimeout:    30 * time.Second,
		replyTimeout:   10 * time.Second,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring a Connector.
type Option func(*options)

// WithConnectTimeout bounds how long connecting the channel may take.
// DEFAULT: 10s
func WithConnectTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = timeout
	}
}

// WithJoinTimeout sets how long after sending the join announcement the connector waits for it
// to be echoed back before the join is latched as failed. Zero disables the timeout.
// DEFAULT: 30s
func WithJoinTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.joinTimeout = timeout
	}
}

// WithReplyTimeout bounds how long sending a reply to a command's originator may take.
// DEFAULT: 10s
func WithReplyTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.replyTimeout = timeout
	}
}

// WithRegisterer registers the connector metrics with the given registerer.
// DEFAULT: metrics are collected but not registered
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = registerer
	}
}

// WithLogger sets the logger for the connector.
// If the logger is nil, the connector will use a no-op logger.
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
