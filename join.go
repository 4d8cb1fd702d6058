package commandbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// JoinState is the progress of this member joining the command bus.
type JoinState int32

const (
	NotJoined JoinState = iota
	Pending
	Joined
	Failed
)

func (s JoinState) String() string {
	switch s {
	case NotJoined:
		return "not joined"
	case Pending:
		return "pending"
	case Joined:
		return "joined"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// joinCondition latches the outcome of joining exactly once.
type joinCondition struct {
	state atomic.Int32
	once  sync.Once
	done  chan struct{}
}

func newJoinCondition() *joinCondition {
	return &joinCondition{done: make(chan struct{})}
}

// markPending records that the join announcement was sent. It has no effect once latched.
func (j *joinCondition) markPending() {
	j.state.CompareAndSwap(int32(NotJoined), int32(Pending))
}

// markJoined latches the outcome. It returns false if the outcome was already latched.
func (j *joinCondition) markJoined(success bool) bool {
	var latched = false
	j.once.Do(func() {
		if success {
			j.state.Store(int32(Joined))
		} else {
			j.state.Store(int32(Failed))
		}
		latched = true
		close(j.done)
	})
	return latched
}

// await blocks until the outcome is latched or ctx is done, and reports whether joining succeeded.
func (j *joinCondition) await(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-j.done:
		return j.current() == Joined
	}
}

// awaitTimeout is await bounded by timeout.
func (j *joinCondition) awaitTimeout(timeout time.Duration) bool {
	var timer = time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		return false
	case <-j.done:
		return j.current() == Joined
	}
}

func (j *joinCondition) current() JoinState {
	return JoinState(j.state.Load())
}
