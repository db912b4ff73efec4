package orchestrator

import (
	"sync"

	"github.com/zjrosen/docserve/internal/log"
)

// subscriberBuffer bounds each subscriber channel. Slow consumers drop
// intermediate updates rather than stall the notifier.
const subscriberBuffer = 16

// Subscribers fans task status updates out to per-task subscriber
// channels. Sends are best effort: a full channel drops the update, and
// the consumer catches up on the next one.
type Subscribers struct {
	mu     sync.Mutex
	byTask map[string]map[int]chan StatusUpdate
	nextID int
}

// NewSubscribers creates an empty fan-out table.
func NewSubscribers() *Subscribers {
	return &Subscribers{byTask: make(map[string]map[int]chan StatusUpdate)}
}

// Subscribe registers a new subscriber for a task and returns its
// channel plus a cancel func. Callers check task existence themselves;
// the channel of an unknown task simply never fires.
func (s *Subscribers) Subscribe(taskID string) (<-chan StatusUpdate, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan StatusUpdate, subscriberBuffer)
	id := s.nextID
	s.nextID++
	if s.byTask[taskID] == nil {
		s.byTask[taskID] = make(map[int]chan StatusUpdate)
	}
	s.byTask[taskID][id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if subs, ok := s.byTask[taskID]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
				if len(subs) == 0 {
					delete(s.byTask, taskID)
				}
			}
		}
	}
	return ch, cancel
}

// Notify pushes an update to every subscriber of the task.
func (s *Subscribers) Notify(update StatusUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.byTask[update.TaskID] {
		select {
		case ch <- update:
		default:
			log.Debug(log.CatOrch, "dropping status update for slow subscriber", "task_id", update.TaskID)
		}
	}
}

// Close closes every subscriber channel of the task. Used when the task
// is deleted; normal completion leaves subscribers to drain the terminal
// update and cancel themselves.
func (s *Subscribers) Close(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.byTask[taskID] {
		close(ch)
	}
	delete(s.byTask, taskID)
}
