package transport

import (
	"container/list"
	"sync"
)

// Queue buffers encoded frames while the channel is down. It is FIFO and
// bounded; pushing onto a full queue evicts the oldest frame.
type Queue struct {
	mu      sync.Mutex
	items   *list.List
	maxSize int
}

// NewQueue creates a queue holding at most maxSize frames.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Queue{items: list.New(), maxSize: maxSize}
}

// Push appends a frame and reports how many old frames were evicted.
func (q *Queue) Push(frame []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items.PushBack(frame)
	evicted := 0
	for q.items.Len() > q.maxSize {
		q.items.Remove(q.items.Front())
		evicted++
	}
	return evicted
}

// Drain removes and returns all frames in enqueue order.
func (q *Queue) Drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([][]byte, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.([]byte))
	}
	q.items.Init()
	return out
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Cap returns the maximum number of frames retained.
func (q *Queue) Cap() int {
	return q.maxSize
}
