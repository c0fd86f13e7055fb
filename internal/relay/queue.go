package relay

import (
	"container/list"
	"sync"
	"time"
)

const defaultQueueSize = 100

// MessageQueue buffers recent frames per viewer key so a reconnecting
// client can catch up from its Last-Event-ID. Each key gets its own bounded
// list so one campaign's burst cannot evict another's frames.
type MessageQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// QueuedMessage is one buffered frame.
type QueuedMessage struct {
	EventID   int64
	Event     string
	Data      []byte
	Timestamp time.Time
}

// NewMessageQueue creates a queue keeping at most maxSize frames per key.
func NewMessageQueue(maxSize int) *MessageQueue {
	if maxSize <= 0 {
		maxSize = defaultQueueSize
	}
	return &MessageQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue appends a frame to the key's queue, evicting the oldest frames of
// that key past the limit.
func (q *MessageQueue) Enqueue(key string, msg *QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[key]
	if !ok {
		l = list.New()
		q.queues[key] = l
	}
	l.PushBack(msg)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// Since returns the frames of key with an id greater than afterEventID.
func (q *MessageQueue) Since(key string, afterEventID int64) []*QueuedMessage {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[key]
	if !ok {
		return nil
	}
	var missed []*QueuedMessage
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedMessage)
		if msg.EventID > afterEventID {
			missed = append(missed, msg)
		}
	}
	return missed
}

// Prune drops the queue of a key.
func (q *MessageQueue) Prune(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
}

// PruneIdle drops every queue whose newest frame is older than cutoff and
// returns how many were dropped.
func (q *MessageQueue) PruneIdle(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for key, l := range q.queues {
		back := l.Back()
		if back == nil || back.Value.(*QueuedMessage).Timestamp.Before(cutoff) {
			delete(q.queues, key)
			n++
		}
	}
	return n
}
