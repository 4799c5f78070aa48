package chatcore

import "sync"

// dispatcher hands timeline events to view listeners on its own goroutine, in
// the order they were queued. The queue is unbounded so a producer holding a
// lock never waits on a slow listener.
type dispatcher struct {
	listeners listeners[TimelineEvent]

	mu     sync.Mutex
	queue  []TimelineEvent
	wake   chan struct{}
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *dispatcher) push(ev TimelineEvent) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, ev)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.wake:
		case <-d.done:
			return
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 || d.closed {
				d.mu.Unlock()
				break
			}
			batch := d.queue
			d.queue = nil
			d.mu.Unlock()

			for _, ev := range batch {
				d.listeners.emit(ev)
			}
		}
	}
}

// close stops delivery. Events still queued are dropped. It must not be called
// from a listener.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	close(d.done)
	d.mu.Unlock()
	d.wg.Wait()
}
