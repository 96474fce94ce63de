package registry

import (
	"testing"
	"time"

	"github.com/taskauction/exchange/internal/events"
	"github.com/taskauction/exchange/internal/transport"
)

type fakeSocket struct {
	agentID string
	inbox   chan transport.Message
	closed  chan struct{}
}

func newFakeSocket(agentID string) *fakeSocket {
	return &fakeSocket{agentID: agentID, inbox: make(chan transport.Message, 4), closed: make(chan struct{})}
}

func (f *fakeSocket) AgentID() string                       { return f.agentID }
func (f *fakeSocket) Send(transport.Message) error          { return nil }
func (f *fakeSocket) Inbox() <-chan transport.Message        { return f.inbox }
func (f *fakeSocket) Closed() <-chan struct{}                { return f.closed }
func (f *fakeSocket) Close() error                           { close(f.closed); return nil }

func drain(ch <-chan events.Event, timeout time.Duration) (events.Event, bool) {
	select {
	case ev := <-ch:
		return ev, true
	case <-time.After(timeout):
		return events.Event{}, false
	}
}

func TestConnectPublishesEvent(t *testing.T) {
	bus := events.NewBus()
	defer bus.Stop()
	sub := bus.Subscribe()

	r := New(bus)
	r.Connect("agent-a", "1.0", newFakeSocket("agent-a"))

	ev, ok := drain(sub, time.Second)
	if !ok || ev.Kind != events.AgentConnected || ev.AgentID != "agent-a" {
		t.Fatalf("expected AgentConnected event, got %+v ok=%v", ev, ok)
	}
	if !r.IsHealthy("agent-a") {
		t.Fatalf("expected newly connected agent to be healthy")
	}
}

func TestDisconnectPublishesEvent(t *testing.T) {
	bus := events.NewBus()
	defer bus.Stop()
	r := New(bus)
	r.Connect("agent-a", "1.0", newFakeSocket("agent-a"))

	sub := bus.Subscribe()
	r.Disconnect("agent-a")

	ev, ok := drain(sub, time.Second)
	if !ok || ev.Kind != events.AgentDisconnected {
		t.Fatalf("expected AgentDisconnected event, got %+v ok=%v", ev, ok)
	}
	if _, ok := r.Get("agent-a"); ok {
		t.Fatalf("expected agent removed from registry")
	}
}

func TestSweepMarksUnhealthyOnHeartbeatTimeout(t *testing.T) {
	bus := events.NewBus()
	defer bus.Stop()
	r := New(bus)
	r.SetHeartbeatTimeout(10 * time.Millisecond)
	r.sweepPeriod = 5 * time.Millisecond
	r.Connect("agent-a", "1.0", newFakeSocket("agent-a"))

	sub := bus.Subscribe()
	r.Start()
	defer r.Stop()

	ev, ok := drain(sub, time.Second)
	if !ok || ev.Kind != events.AgentUnhealthy {
		t.Fatalf("expected AgentUnhealthy event, got %+v ok=%v", ev, ok)
	}
	if r.IsHealthy("agent-a") {
		t.Fatalf("expected agent marked unhealthy")
	}
}

func TestHeartbeatRecoversHealth(t *testing.T) {
	bus := events.NewBus()
	defer bus.Stop()
	r := New(bus)
	r.Connect("agent-a", "1.0", newFakeSocket("agent-a"))

	r.mu.Lock()
	r.records["agent-a"].Healthy = false
	r.mu.Unlock()

	r.Heartbeat("agent-a")
	if !r.IsHealthy("agent-a") {
		t.Fatalf("expected heartbeat to recover health")
	}
}

func TestTaskCounting(t *testing.T) {
	bus := events.NewBus()
	defer bus.Stop()
	r := New(bus)
	r.Connect("agent-a", "1.0", newFakeSocket("agent-a"))

	r.IncrementTaskCount("agent-a")
	r.IncrementTaskCount("agent-a")
	r.DecrementTaskCount("agent-a")

	rec, _ := r.Get("agent-a")
	if rec.ActiveTasks != 1 {
		t.Fatalf("expected 1 active task, got %d", rec.ActiveTasks)
	}

	r.DecrementTaskCount("agent-a")
	r.DecrementTaskCount("agent-a")
	rec, _ = r.Get("agent-a")
	if rec.ActiveTasks != 0 {
		t.Fatalf("expected active tasks floored at 0, got %d", rec.ActiveTasks)
	}
}
