package collab

import (
	"log"
	"sync"
	"time"
)

// Reaper periodically disconnects connections whose last-seen timestamp has
// exceeded the idle timeout, releasing their presence and subscription
// state through the controller's normal disconnect path.
type Reaper struct {
	ctrl     *Controller
	interval time.Duration
	timeout  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewReaper creates a reaper sweeping every interval with the given idle
// timeout.
func NewReaper(ctrl *Controller, interval, timeout time.Duration) *Reaper {
	return &Reaper{
		ctrl:     ctrl,
		interval: interval,
		timeout:  timeout,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start() {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
	log.Printf("✓ Idle reaper started (interval %s, timeout %s)", r.interval, r.timeout)
}

// Sweep disconnects every idle connection once. Exposed so tests can drive
// the reaper without the timer. Disconnect takes the per-document lock
// itself, so sweeping is safe alongside normal event processing.
func (r *Reaper) Sweep() {
	for _, connID := range r.ctrl.registry.IdleConnections(r.timeout) {
		log.Printf("Reaping idle connection %s", connID)
		r.ctrl.Disconnect(connID)
	}
}

// Stop halts the sweep loop.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}
