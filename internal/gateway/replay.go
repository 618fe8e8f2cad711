package gateway

import (
	"container/list"
	"sync"
	"time"
)

// ReplayBuffer holds frames emitted while a session had no live connection.
// Each session gets its own bounded list so one session's burst cannot
// evict frames belonging to another.
type ReplayBuffer struct {
	mu      sync.Mutex
	queues  map[string]*sessionQueue
	maxSize int
}

type sessionQueue struct {
	frames  *list.List
	touched time.Time
}

// NewReplayBuffer creates a per-session replay buffer.
func NewReplayBuffer(maxSize int) *ReplayBuffer {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &ReplayBuffer{
		queues:  make(map[string]*sessionQueue),
		maxSize: maxSize,
	}
}

// Enqueue appends a frame, evicting the oldest once the session is full.
func (b *ReplayBuffer) Enqueue(sessionID string, frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[sessionID]
	if !ok {
		q = &sessionQueue{frames: list.New()}
		b.queues[sessionID] = q
	}
	q.frames.PushBack(frame)
	q.touched = time.Now()
	for q.frames.Len() > b.maxSize {
		q.frames.Remove(q.frames.Front())
	}
}

// Drain removes and returns a session's frames in emission order.
func (b *ReplayBuffer) Drain(sessionID string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[sessionID]
	if !ok {
		return nil
	}
	delete(b.queues, sessionID)
	out := make([][]byte, 0, q.frames.Len())
	for e := q.frames.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.([]byte))
	}
	return out
}

// Len returns the number of frames buffered for a session.
func (b *ReplayBuffer) Len(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[sessionID]; ok {
		return q.frames.Len()
	}
	return 0
}

// Prune drops a session's buffer.
func (b *ReplayBuffer) Prune(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, sessionID)
}

// PruneIdle drops buffers that have not grown since before cutoff and
// returns how many were removed.
func (b *ReplayBuffer) PruneIdle(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, q := range b.queues {
		if q.touched.Before(cutoff) {
			delete(b.queues, id)
			n++
		}
	}
	return n
}
