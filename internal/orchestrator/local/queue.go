package local

import (
	"context"
	"sync"
)

// queue is a blocking FIFO of task ids. Dequeue parks until an id is
// available or the context ends. Position reports the 1-based place of
// an id still waiting, which doubles as the user-visible queue position.
type queue struct {
	mu     sync.Mutex
	ids    []string
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{})}
}

// Enqueue appends an id and wakes every waiting Dequeue.
func (q *queue) Enqueue(id string) {
	q.mu.Lock()
	q.ids = append(q.ids, id)
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
}

// Dequeue pops the front id, blocking while the queue is empty.
func (q *queue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.ids) > 0 {
			id := q.ids[0]
			q.ids = q.ids[1:]
			q.mu.Unlock()
			return id, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wait:
		}
	}
}

// Position returns the 1-based position of id, or -1 when absent.
func (q *queue) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, queued := range q.ids {
		if queued == id {
			return i + 1
		}
	}
	return -1
}

// Remove drops id from the queue if still waiting.
func (q *queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, queued := range q.ids {
		if queued == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of waiting ids.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
