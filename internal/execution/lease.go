package execution

import (
	"sync"

	"github.com/taskauction/exchange/internal/types"
)

// lease is the live bookkeeping for one in-flight assignment. Exactly
// one lease exists per task id at a time, matching §4.8's lease
// ownership invariant: while lockedBy is set, no other scheduling
// decision may touch the task.
type lease struct {
	taskID  string
	agentID string

	ack    chan struct{}
	ackOnce sync.Once

	heartbeat chan int64 // extendMs, 0 means "use default"

	result chan types.Result

	disconnected chan struct{}
	discOnce     sync.Once
}

func newLease(taskID, agentID string) *lease {
	return &lease{
		taskID:       taskID,
		agentID:      agentID,
		ack:          make(chan struct{}),
		heartbeat:    make(chan int64, 4),
		result:       make(chan types.Result, 1),
		disconnected: make(chan struct{}),
	}
}

func (l *lease) signalAck() {
	l.ackOnce.Do(func() { close(l.ack) })
}

func (l *lease) signalDisconnected() {
	l.discOnce.Do(func() { close(l.disconnected) })
}

// leaseRegistry is the controller's lookup table of in-flight leases, keyed
// both by task id (one active lease per task) and by agent id (so a
// registry disconnect event can fail whichever task that agent currently
// holds, per §4.6).
type leaseRegistry struct {
	mu        sync.Mutex
	byTask    map[string]*lease
	byAgent   map[string]*lease
}

func newLeaseRegistry() *leaseRegistry {
	return &leaseRegistry{byTask: make(map[string]*lease), byAgent: make(map[string]*lease)}
}

func (r *leaseRegistry) add(l *lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTask[l.taskID] = l
	r.byAgent[l.agentID] = l
}

func (r *leaseRegistry) remove(l *lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byTask[l.taskID]; ok && cur == l {
		delete(r.byTask, l.taskID)
	}
	if cur, ok := r.byAgent[l.agentID]; ok && cur == l {
		delete(r.byAgent, l.agentID)
	}
}

func (r *leaseRegistry) forTask(taskID string) (*lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byTask[taskID]
	return l, ok
}

func (r *leaseRegistry) forAgent(agentID string) (*lease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.byAgent[agentID]
	return l, ok
}
