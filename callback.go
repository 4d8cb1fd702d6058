package commandbus

import (
	"context"
	"sync"
)

// CommandCallback receives the outcome of a dispatched command.
type CommandCallback interface {
	OnSuccess(result any)
	OnFailure(cause error)
}

// CallbackFuncs adapts a pair of functions to CommandCallback. Nil functions are ignored.
type CallbackFuncs struct {
	Success func(result any)
	Failure func(cause error)
}

func (f CallbackFuncs) OnSuccess(result any) {
	if f.Success != nil {
		f.Success(result)
	}
}

func (f CallbackFuncs) OnFailure(cause error) {
	if f.Failure != nil {
		f.Failure(cause)
	}
}

// NoOpCallback discards the outcome.
type NoOpCallback struct{}

func (NoOpCallback) OnSuccess(any)   {}
func (NoOpCallback) OnFailure(error) {}

// FutureCallback is a CommandCallback resolved at most once.
// Outcomes reported after the first are ignored.
type FutureCallback struct {
	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

// NewFutureCallback returns an unresolved future.
func NewFutureCallback() *FutureCallback {
	return &FutureCallback{done: make(chan struct{})}
}

func (f *FutureCallback) OnSuccess(result any) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

func (f *FutureCallback) OnFailure(cause error) {
	f.once.Do(func() {
		f.err = cause
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *FutureCallback) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future is resolved or ctx is done.
func (f *FutureCallback) Result(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.result, f.err
	}
}
