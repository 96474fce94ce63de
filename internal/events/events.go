// Package events defines the exchange's typed event stream (§6) and a
// small pub/sub bus that fans events out to subscribers.
//
// The teacher's event-emitter-plus-ad-hoc-map pattern is deliberately not
// reused here (SPEC_FULL.md DESIGN NOTES): every event kind carries an
// explicit payload field set on a single struct, so consumers switch on Kind
// instead of reflecting on a map.
package events

import (
	"time"

	"github.com/taskauction/exchange/internal/types"
)

// Kind identifies one of the exhaustive event kinds from §6.
type Kind string

const (
	TaskQueued             Kind = "task:queued"
	AuctionStarted         Kind = "auction:started"
	AuctionCandidates      Kind = "auction:candidates"
	AuctionClosed          Kind = "auction:closed"
	TaskAssigned           Kind = "task:assigned"
	TaskExecuting          Kind = "task:executing"
	TaskLocked             Kind = "task:locked"
	TaskUnlocked           Kind = "task:unlocked"
	TaskAcked              Kind = "task:acked"
	TaskHeartbeat          Kind = "task:heartbeat"
	TaskSettled            Kind = "task:settled"
	TaskBusted             Kind = "task:busted"
	TaskDeadLetter         Kind = "task:dead_letter"
	TaskAgentDisconnected  Kind = "task:agent_disconnected"
	TaskRouteToErrorAgent  Kind = "task:route_to_error_agent"
	AgentConnected         Kind = "agent:connected"
	AgentDisconnected      Kind = "agent:disconnected"
	AgentUnhealthy         Kind = "agent:unhealthy"
	AgentFlagged           Kind = "agent:flagged"
	ExchangeHalt           Kind = "exchange:halt"
	ExchangeStarted        Kind = "exchange:started"
	ExchangeShutdownStart  Kind = "exchange:shutdown_started"
	ExchangeShutdownDone   Kind = "exchange:shutdown_complete"
)

// Event is the single tagged-union payload shared by every event kind.
// Only the fields relevant to Kind are populated; this mirrors how the
// teacher's DebugInfo accumulates heterogenous diagnostic fields on one
// struct rather than per-event types.
type Event struct {
	Kind Kind
	At   time.Time

	TaskID    string
	AuctionID string
	AgentID   string

	Candidates []string
	Bids       []types.EvaluatedBid

	IsTimeout bool
	Reason    string
	Err       error
}

// Bus fans events out to subscribers. Publish never blocks on a slow
// subscriber: each subscriber gets its own buffered channel, and a full
// channel drops the oldest-pending event rather than stalling the
// publisher (the scheduler loop must never wait on a consumer).
type Bus struct {
	subCh chan subscription
	pubCh chan Event
	subs  []chan Event
	stop  chan struct{}
}

type subscription struct {
	ch    chan Event
	reply chan struct{}
}

const subscriberBuffer = 256

// NewBus creates and starts a Bus. Call Stop to release its goroutine.
func NewBus() *Bus {
	b := &Bus{
		subCh: make(chan subscription),
		pubCh: make(chan Event, 1024),
		stop:  make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for {
		select {
		case sub := <-b.subCh:
			b.subs = append(b.subs, sub.ch)
			close(sub.reply)
		case ev := <-b.pubCh:
			for _, ch := range b.subs {
				select {
				case ch <- ev:
				default:
					// Drop oldest to make room rather than block.
					select {
					case <-ch:
						ch <- ev
					default:
					}
				}
			}
		case <-b.stop:
			for _, ch := range b.subs {
				close(ch)
			}
			return
		}
	}
}

// Subscribe returns a channel that receives every event published after
// this call.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	reply := make(chan struct{})
	select {
	case b.subCh <- subscription{ch: ch, reply: reply}:
		<-reply
	case <-b.stop:
	}
	return ch
}

// Publish emits an event to all current subscribers. At is stamped if zero.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case b.pubCh <- ev:
	case <-b.stop:
	}
}

// Stop halts the bus and closes all subscriber channels.
func (b *Bus) Stop() {
	close(b.stop)
}
