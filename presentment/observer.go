package presentment

import "sync"

// subscriber queues state changes so publishing never blocks on a slow reader and
// no change is dropped.
type subscriber struct {
	mu     sync.Mutex
	queue  []StateChange
	notify chan struct{}
	out    chan StateChange
	done   chan struct{}
	once   sync.Once
}

func newSubscriber() *subscriber {
	sub := &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan StateChange),
		done:   make(chan struct{}),
	}
	go sub.forward()
	return sub
}

func (sub *subscriber) publish(change StateChange) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, change)
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscriber) forward() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			select {
			case <-sub.notify:
				continue
			case <-sub.done:
				return
			}
		}
		change := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- change:
		case <-sub.done:
			return
		}
	}
}

func (sub *subscriber) stop() {
	sub.once.Do(func() { close(sub.done) })
}

type observers struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

func (o *observers) add() *subscriber {
	sub := newSubscriber()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subscribers == nil {
		o.subscribers = make(map[*subscriber]struct{})
	}
	o.subscribers[sub] = struct{}{}
	return sub
}

func (o *observers) remove(sub *subscriber) {
	o.mu.Lock()
	delete(o.subscribers, sub)
	o.mu.Unlock()
	sub.stop()
}

func (o *observers) publish(change StateChange) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for sub := range o.subscribers {
		sub.publish(change)
	}
}

func (o *observers) closeAll() {
	o.mu.Lock()
	subs := o.subscribers
	o.subscribers = nil
	o.mu.Unlock()
	for sub := range subs {
		sub.stop()
	}
}
