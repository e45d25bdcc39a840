package session

import "sync"

// dispatcher runs host callbacks in order on its own goroutine, so a slow or re-entrant
// callback never stalls the actor.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	wakeup chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{wakeup: make(chan struct{}, 1)}
}

// post queues fn. Never blocks.
func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wakeup <- struct{}{}:
	default:
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// run delivers callbacks until done is closed, then flushes what is left.
func (d *dispatcher) run(done <-chan struct{}) {
	for {
		select {
		case <-d.wakeup:
			d.drain()
		case <-done:
			d.drain()
			return
		}
	}
}
