package commandbus

import (
	"fmt"
	"sync"
)

// callbackRegistry tracks outstanding calls by command identifier.
// Every removal is a take: whoever removes a call owns its resolution.
type callbackRegistry struct {
	mu    sync.Mutex
	calls map[string]*outstandingCall
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{
		calls: make(map[string]*outstandingCall),
	}
}

// register adds a call. It fails if the identifier is already outstanding.
func (r *callbackRegistry) register(call *outstandingCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.commandID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, call.commandID)
	}
	r.calls[call.commandID] = call
	return nil
}

// take removes and returns the call for commandID, if present.
func (r *callbackRegistry) take(commandID string) (*outstandingCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var call, ok = r.calls[commandID]
	if ok {
		delete(r.calls, commandID)
	}
	return call, ok
}

// takeWhere removes and returns every call matching pred in a single atomic step.
func (r *callbackRegistry) takeWhere(pred func(*outstandingCall) bool) []*outstandingCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	var taken []*outstandingCall
	for id, call := range r.calls {
		if pred(call) {
			delete(r.calls, id)
			taken = append(taken, call)
		}
	}
	return taken
}

func (r *callbackRegistry) contains(commandID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var _, ok = r.calls[commandID]
	return ok
}

func (r *callbackRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.calls)
}
