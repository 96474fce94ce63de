// Package registry tracks connected worker agents and their health
// (§4.6). The periodic health-check loop is grounded on the teacher's
// adapters/ortb.DynamicRegistry ticker-driven refresh: a background
// goroutine wakes on a fixed period, sweeps all records under the lock,
// and emits events for state changes rather than returning them.
package registry

import (
	"sync"
	"time"

	"github.com/taskauction/exchange/internal/events"
	"github.com/taskauction/exchange/internal/transport"
	"github.com/taskauction/exchange/internal/xlog"
)

// defaultHeartbeatTimeout is how long an agent may go without a
// heartbeat before being marked unhealthy.
const defaultHeartbeatTimeout = 30 * time.Second

// defaultSweepPeriod is how often the health-check loop runs.
const defaultSweepPeriod = 5 * time.Second

// Record is one connected agent's bookkeeping state.
type Record struct {
	AgentID       string
	Socket        transport.AgentSocket
	Version       string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	ActiveTasks   int
	Healthy       bool
}

// Registry is the exchange's live view of connected agents.
type Registry struct {
	mu               sync.RWMutex
	records          map[string]*Record
	bus              *events.Bus
	heartbeatTimeout time.Duration
	sweepPeriod      time.Duration
	stop             chan struct{}
}

// New creates a Registry that publishes connect/disconnect/unhealthy
// events onto bus.
func New(bus *events.Bus) *Registry {
	return &Registry{
		records:          make(map[string]*Record),
		bus:              bus,
		heartbeatTimeout: defaultHeartbeatTimeout,
		sweepPeriod:      defaultSweepPeriod,
		stop:             make(chan struct{}),
	}
}

// SetHeartbeatTimeout overrides the default unhealthy threshold.
func (r *Registry) SetHeartbeatTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeatTimeout = d
}

// Connect registers a newly connected agent.
func (r *Registry) Connect(agentID, version string, sock transport.AgentSocket) {
	r.mu.Lock()
	now := time.Now()
	r.records[agentID] = &Record{
		AgentID:       agentID,
		Socket:        sock,
		Version:       version,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Healthy:       true,
	}
	r.mu.Unlock()

	xlog.Agent(agentID).Info().Msg("agent connected")
	r.bus.Publish(events.Event{Kind: events.AgentConnected, AgentID: agentID})
}

// Disconnect removes agentID from the registry.
func (r *Registry) Disconnect(agentID string) {
	r.mu.Lock()
	_, existed := r.records[agentID]
	delete(r.records, agentID)
	r.mu.Unlock()

	if existed {
		xlog.Agent(agentID).Info().Msg("agent disconnected")
		r.bus.Publish(events.Event{Kind: events.AgentDisconnected, AgentID: agentID})
	}
}

// Heartbeat refreshes agentID's liveness timestamp.
func (r *Registry) Heartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[agentID]; ok {
		rec.LastHeartbeat = time.Now()
		if !rec.Healthy {
			rec.Healthy = true
			xlog.Agent(agentID).Info().Msg("agent recovered")
		}
	}
}

// IsHealthy reports whether agentID is connected and has heartbeat
// within the timeout.
func (r *Registry) IsHealthy(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[agentID]
	return ok && rec.Healthy
}

// Get returns agentID's record, if connected.
func (r *Registry) Get(agentID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[agentID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// GetSocket returns the live transport socket for agentID, for the
// auction/execution controllers to send bid requests and assignments.
func (r *Registry) GetSocket(agentID string) (transport.AgentSocket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[agentID]
	if !ok {
		return nil, false
	}
	return rec.Socket, true
}

// All returns a snapshot of every currently connected agent record, for
// the admin/introspection `/agents` endpoint.
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// IncrementTaskCount/DecrementTaskCount track concurrent in-flight task
// counts for future load-aware candidate selection.
func (r *Registry) IncrementTaskCount(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[agentID]; ok {
		rec.ActiveTasks++
	}
}

func (r *Registry) DecrementTaskCount(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[agentID]; ok && rec.ActiveTasks > 0 {
		rec.ActiveTasks--
	}
}

// Start launches the background health-sweep loop.
func (r *Registry) Start() {
	go r.sweepLoop()
}

// Stop halts the health-sweep loop.
func (r *Registry) Stop() {
	close(r.stop)
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var newlyUnhealthy []string
	for id, rec := range r.records {
		if rec.Healthy && now.Sub(rec.LastHeartbeat) > r.heartbeatTimeout {
			rec.Healthy = false
			newlyUnhealthy = append(newlyUnhealthy, id)
		}
	}
	r.mu.Unlock()

	for _, id := range newlyUnhealthy {
		xlog.Agent(id).Warn().Msg("agent heartbeat timeout, marked unhealthy")
		r.bus.Publish(events.Event{Kind: events.AgentUnhealthy, AgentID: id})
	}
}
