package sessiontap

import (
	"sync"
	"time"
)

// scheduler calls tick every interval on its own goroutine. Ticks run one at
// a time. Ticks that come due while tick is still running are dropped, and the
// next one fires a full interval after tick returns.
type scheduler struct {
	tick func()

	reset chan time.Duration
	stop  chan struct{}
	done  chan struct{}

	stopOnce sync.Once
}

func startScheduler(every time.Duration, tick func()) *scheduler {
	s := &scheduler{
		tick:  tick,
		reset: make(chan time.Duration, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.loop(every)
	return s
}

func (s *scheduler) loop(every time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A stop that raced with the tick wins.
			select {
			case <-s.stop:
				return
			default:
			}
			s.tick()
			select {
			case <-ticker.C:
			default:
			}
			ticker.Reset(every)
		case d := <-s.reset:
			every = d
			ticker.Reset(every)
		case <-s.stop:
			return
		}
	}
}

// Reset changes the period starting with the next tick. A tick in progress
// is not interrupted. Only the latest pending period is kept.
func (s *scheduler) Reset(every time.Duration) {
	for {
		select {
		case s.reset <- every:
			return
		default:
		}
		select {
		case <-s.reset:
		default:
		}
	}
}

// Stop prevents further ticks and waits for a running tick to return.
func (s *scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}
