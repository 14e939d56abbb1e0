package session

import "sync"

// Queue is an unbounded FIFO between many producers and one consumer.
// Push never blocks; Out delivers in push order.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	out    chan T
	done   chan struct{}
	once   sync.Once
}

func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) Out() <-chan T { return q.out }

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops delivery and closes Out. Pending items are discarded.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *Queue[T]) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		next := q.items[0]
		q.mu.Unlock()

		select {
		case q.out <- next:
			q.mu.Lock()
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
		case <-q.done:
			return
		}
	}
}
