package pacemaker

import (
	"time"
)

type timerFactory func(time.Duration) <-chan time.Time

// ControlTimer is a resettable timer run in its own goroutine. It sends on
// TickCh when it expires.
type ControlTimer struct {
	timerFactory timerFactory
	tickCh       chan struct{}      //sends a signal to listening process
	resetCh      chan time.Duration //receives instruction to reset the timer
	stopCh       chan struct{}      //receives instruction to stop the timer
	shutdownCh   chan struct{}      //receives instruction to exit Run loop
}

// NewControlTimer ...
func NewControlTimer(timerFactory timerFactory) *ControlTimer {
	return &ControlTimer{
		timerFactory: timerFactory,
		tickCh:       make(chan struct{}, 1),
		resetCh:      make(chan time.Duration, 1),
		stopCh:       make(chan struct{}, 1),
		shutdownCh:   make(chan struct{}),
	}
}

// NewLeaderTimer returns a ControlTimer backed by time.After.
func NewLeaderTimer() *ControlTimer {
	return NewControlTimer(func(d time.Duration) <-chan time.Time {
		if d == 0 {
			return nil
		}
		return time.After(d)
	})
}

// Run blocks until Shutdown. The timer starts armed with init.
func (c *ControlTimer) Run(init time.Duration) {
	timer := c.timerFactory(init)
	for {
		select {
		case <-timer:
			timer = nil
			select {
			case c.tickCh <- struct{}{}:
			default:
			}
		case t := <-c.resetCh:
			timer = c.timerFactory(t)
		case <-c.stopCh:
			timer = nil
		case <-c.shutdownCh:
			return
		}
	}
}

// TickCh ...
func (c *ControlTimer) TickCh() <-chan struct{} {
	return c.tickCh
}

// Reset rearms the timer. Pending resets are replaced.
func (c *ControlTimer) Reset(d time.Duration) {
	for {
		select {
		case c.resetCh <- d:
			return
		default:
		}
		select {
		case <-c.resetCh:
		default:
		}
	}
}

// Stop disarms the timer.
func (c *ControlTimer) Stop() {
	select {
	case c.stopCh <- struct{}{}:
	default:
	}
}

// Shutdown stops the Run loop.
func (c *ControlTimer) Shutdown() {
	close(c.shutdownCh)
}
