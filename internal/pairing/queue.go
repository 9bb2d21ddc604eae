package pairing

import "sync"

// queue is an unbounded FIFO of closures drained by a single goroutine.
// Pushing never blocks, so callbacks from pion, the relay reader and timers
// can always hand work to the controller.
type queue struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}

// run executes queued closures in order until stop is closed
func (q *queue) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-q.signal:
		}
		for {
			select {
			case <-stop:
				return
			default:
			}
			fn, ok := q.pop()
			if !ok {
				break
			}
			fn()
		}
	}
}
