// Package localbus is a minimal in-process command bus. Handlers subscribe by command name
// and commands are executed synchronously on the dispatching goroutine.
package localbus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	commandbus "go-commandbus"
)

// Handler executes a command and returns its result.
type Handler func(ctx context.Context, cmd commandbus.CommandMessage) (any, error)

// NoHandlerError is reported when no handler is subscribed for a command.
type NoHandlerError struct {
	CommandName string `cbor:"1,keyasint"`
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler was subscribed to command %q", e.CommandName)
}

// HandlerPanicError is reported when a handler panics.
type HandlerPanicError struct {
	CommandName string `cbor:"1,keyasint"`
	Reason      string `cbor:"2,keyasint"`
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler for command %q panicked: %s", e.CommandName, e.Reason)
}

// Bus dispatches commands to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger for the bus.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a bus without handlers.
func New(opts ...Option) *Bus {
	var b = &Bus{
		handlers: make(map[string]Handler),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for commandName, replacing any previous handler.
// The returned function unsubscribes it.
func (b *Bus) Subscribe(commandName string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[commandName] = handler
	b.logger.Debug("handler subscribed", "command_name", commandName)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, commandName)
	}
}

// Dispatch executes cmd and reports the outcome to callback.
func (b *Bus) Dispatch(cmd commandbus.CommandMessage, callback commandbus.CommandCallback) {
	b.mu.RLock()
	var handler, ok = b.handlers[cmd.CommandName]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler for command", "command_name", cmd.CommandName, "command_id", cmd.Identifier)
		callback.OnFailure(&NoHandlerError{CommandName: cmd.CommandName})
		return
	}

	var result, err = b.invoke(handler, cmd)
	if err != nil {
		callback.OnFailure(err)
		return
	}
	callback.OnSuccess(result)
}

// RegisterErrors registers the bus error types with serializer so they keep their type across members.
func RegisterErrors(serializer *commandbus.CBORSerializer) error {
	if err := serializer.Register("localbus.no-handler", &NoHandlerError{}); err != nil {
		return err
	}
	return serializer.Register("localbus.handler-panic", &HandlerPanicError{})
}

func (b *Bus) invoke(handler Handler, cmd commandbus.CommandMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("command handler panicked", "command_name", cmd.CommandName, "panic", r)
			result, err = nil, &HandlerPanicError{CommandName: cmd.CommandName, Reason: fmt.Sprint(r)}
		}
	}()

	return handler(context.Background(), cmd)
}
