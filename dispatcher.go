package commandbus

import (
	"sync"

	"go-commandbus/channel"
)

// dispatchQueues executes inbound commands off the channel's delivery goroutine, so replies,
// views and joins keep arriving while a command handler runs.
//
// Commands from one sender execute one at a time in arrival order. Commands from different
// senders execute concurrently. A queue's goroutine exits once the queue is empty.
type dispatchQueues struct {
	mu     sync.Mutex
	queues map[channel.Address]*dispatchQueue
	wg     sync.WaitGroup
}

type dispatchQueue struct {
	pending []func()
}

func newDispatchQueues() *dispatchQueues {
	return &dispatchQueues{
		queues: make(map[channel.Address]*dispatchQueue),
	}
}

// submit queues task behind the earlier tasks of source.
func (d *dispatchQueues) submit(source channel.Address, task func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if q, ok := d.queues[source]; ok {
		q.pending = append(q.pending, task)
		return
	}

	var q = &dispatchQueue{pending: []func(){task}}
	d.queues[source] = q
	d.wg.Add(1)
	go d.drain(source, q)
}

func (d *dispatchQueues) drain(source channel.Address, q *dispatchQueue) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			delete(d.queues, source)
			d.mu.Unlock()
			return
		}
		var task = q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		d.mu.Unlock()

		task()
	}
}

// wait blocks until every queued task has executed.
func (d *dispatchQueues) wait() {
	d.wg.Wait()
}
