package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle value shared by the keep-alive routines and the
// extractor: a set-once stop flag plus the timestamp of the last successful
// channel activity. Passed by reference, never package-level.
type State struct {
	stopOnce sync.Once
	done     chan struct{}
	lastTick atomic.Int64
}

func NewState() *State {
	s := &State{done: make(chan struct{})}
	s.Touch()
	return s
}

// Stop sets the stop flag. Idempotent; once set it is never unset.
func (s *State) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *State) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed when the session has been stopped, so routines can select
// on it inside their pacing sleeps.
func (s *State) Done() <-chan struct{} {
	return s.done
}

// Touch records successful activity now. Wired to the channel client's
// activity hook so every received response feeds the idle watchdog.
func (s *State) Touch() {
	s.lastTick.Store(time.Now().UnixNano())
}

func (s *State) LastActivity() time.Time {
	return time.Unix(0, s.lastTick.Load())
}
