package paxos

import "sync"

type learnedEvent struct {
	instance InstanceID
	value    []byte
}

// notifyQueue hands learned events from a learner's goroutine to a consumer
// without ever blocking the learner.
type notifyQueue struct {
	mu    sync.Mutex
	items []learnedEvent
	ready chan struct{}
}

func newNotifyQueue() *notifyQueue {
	return &notifyQueue{ready: make(chan struct{}, 1)}
}

func (q *notifyQueue) push(instance InstanceID, value []byte) {
	q.mu.Lock()
	q.items = append(q.items, learnedEvent{instance: instance, value: value})
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready fires at least once after every push.
func (q *notifyQueue) Ready() <-chan struct{} { return q.ready }

func (q *notifyQueue) drain() []learnedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
