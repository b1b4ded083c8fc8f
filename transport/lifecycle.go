package transport

import (
	"sync"

	"go.uber.org/atomic"
)

// lifecycle tracks the state of a transport and makes releasing it happen at most once.
type lifecycle struct {
	state     atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
	releases  atomic.Int32
}

func (l *lifecycle) init() {
	l.closed = make(chan struct{})
}

func (l *lifecycle) State() State {
	return State(l.state.Load())
}

// advance moves from one state to another. It fails if the transport is in any other state.
func (l *lifecycle) advance(from, to State) bool {
	return l.state.CompareAndSwap(int32(from), int32(to))
}

// fail marks the transport as failed unless it was closed in the meantime.
func (l *lifecycle) fail() {
	for {
		current := l.state.Load()
		if State(current) == StateClosed || l.state.CompareAndSwap(current, int32(StateFailed)) {
			return
		}
	}
}

func (l *lifecycle) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// close runs release once, no matter how often or from how many goroutines it's called.
func (l *lifecycle) close(release func() error) error {
	var err error
	l.closeOnce.Do(func() {
		l.state.Store(int32(StateClosed))
		close(l.closed)
		l.releases.Inc()
		if release != nil {
			err = release()
		}
	})
	return err
}
