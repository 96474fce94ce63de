// Package queue implements the multi-level priority FIFO described in §4.1.
package queue

import (
	"sync"

	"github.com/taskauction/exchange/internal/types"
)

// Queue is a set of per-priority FIFOs, dequeued in URGENT > HIGH > NORMAL
// > LOW order. Tasks never change priority once queued.
type Queue struct {
	mu     sync.Mutex
	levels map[types.Priority][]string
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{levels: make(map[types.Priority][]string)}
	for _, p := range types.Levels() {
		q.levels[p] = nil
	}
	return q
}

// Enqueue appends taskID to its priority level.
func (q *Queue) Enqueue(taskID string, priority types.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.levels[priority] = append(q.levels[priority], taskID)
}

// Dequeue returns the head of the highest non-empty level, or "", false if
// every level is empty.
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range types.Levels() {
		lvl := q.levels[p]
		if len(lvl) > 0 {
			id := lvl[0]
			q.levels[p] = lvl[1:]
			return id, true
		}
	}
	return "", false
}

// Remove deletes taskID from whichever level holds it, for cancellation.
// O(queue size).
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p, lvl := range q.levels {
		for i, id := range lvl {
			if id == taskID {
				q.levels[p] = append(lvl[:i], lvl[i+1:]...)
				return true
			}
		}
	}
	return false
}

// DepthByPriority reports queue depth per level, for GetQueueStats (§6).
func (q *Queue) DepthByPriority() map[types.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[types.Priority]int, len(q.levels))
	for p, lvl := range q.levels {
		out[p] = len(lvl)
	}
	return out
}

// Len returns the total number of queued tasks across all levels.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, lvl := range q.levels {
		total += len(lvl)
	}
	return total
}
