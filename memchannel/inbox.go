package memchannel

import (
	"errors"
	"sync"

	"go-commandbus/channel"
)

var errMemberGone = errors.New("member left the group")

// stateResult is the answer to a state request.
type stateResult struct {
	data []byte
	err  error
}

// delivery is one event queued for a member. Exactly one of view, msg and stateReq is set.
type delivery struct {
	view     *channel.View
	msg      *channel.Message
	stateReq chan<- stateResult
	done     func()
}

// drop releases anyone waiting on an undelivered event.
func (d delivery) drop() {
	if d.stateReq != nil {
		d.stateReq <- stateResult{err: errMemberGone}
	}
	if d.done != nil {
		d.done()
	}
}

// inbox is an unbounded FIFO queue drained by a single goroutine.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	closed bool
}

func newInbox() *inbox {
	var q = &inbox{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends d. Events pushed to a closed inbox are dropped.
func (q *inbox) push(d delivery) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		d.drop()
		return
	}
	q.queue = append(q.queue, d)
	q.mu.Unlock()
	q.cond.Signal()
}

// close stops delivery. Undelivered events are dropped.
func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// run delivers events in order until the inbox is closed.
func (q *inbox) run(deliver func(delivery)) {
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			var pending = q.queue
			q.queue = nil
			q.mu.Unlock()
			for _, d := range pending {
				d.drop()
			}
			return
		}
		var d = q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		deliver(d)
	}
}
