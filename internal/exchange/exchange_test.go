package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/taskauction/exchange/internal/auction"
	"github.com/taskauction/exchange/internal/category"
	"github.com/taskauction/exchange/internal/events"
	"github.com/taskauction/exchange/internal/execution"
	"github.com/taskauction/exchange/internal/hooks"
	"github.com/taskauction/exchange/internal/queue"
	"github.com/taskauction/exchange/internal/ratelimit"
	"github.com/taskauction/exchange/internal/registry"
	"github.com/taskauction/exchange/internal/reputation"
	"github.com/taskauction/exchange/internal/storage"
	"github.com/taskauction/exchange/internal/transport"
	"github.com/taskauction/exchange/internal/types"
)

type fakeSocket struct {
	agentID string
	sent    chan transport.Message
	closed  chan struct{}
}

func newFakeSocket(agentID string) *fakeSocket {
	return &fakeSocket{agentID: agentID, sent: make(chan transport.Message, 8), closed: make(chan struct{})}
}

func (f *fakeSocket) AgentID() string                { return f.agentID }
func (f *fakeSocket) Send(m transport.Message) error  { f.sent <- m; return nil }
func (f *fakeSocket) Inbox() <-chan transport.Message { return nil }
func (f *fakeSocket) Closed() <-chan struct{}         { return f.closed }
func (f *fakeSocket) Close() error                    { close(f.closed); return nil }

func newTestExchange(t *testing.T) (*Exchange, *category.Index, *registry.Registry, *events.Bus) {
	t.Helper()

	bus := events.NewBus()
	cats := category.New()
	reg := registry.New(bus)
	rep := reputation.New(storage.NewMemory(), bus)
	hk := hooks.New()
	q := queue.New()
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	hub := transport.NewHub()

	// A generous window (selectBiddingWindow picks MinWindowMs here, since
	// there's only ever one candidate in these tests) gives the test
	// ample time to call Cancel between AuctionStarted and the window
	// closing on its own.
	aucCfg := auction.DefaultConfig()
	aucCfg.MinWindowMs = 5000
	aucCfg.DefaultWindowMs = 5000
	aucCfg.MaxWindowMs = 5000
	auc := auction.New(aucCfg, cats, reg, rep, hk, bus)

	exec := execution.New(execution.DefaultConfig(), reg, rep, hk, bus)

	x := New(DefaultConfig(), Deps{
		Registry:   reg,
		Reputation: rep,
		Categories: cats,
		Hooks:      hk,
		Bus:        bus,
		Queue:      q,
		Limiter:    limiter,
		Storage:    storage.NewMemory(),
		Hub:        hub,
		Auction:    auc,
		Execution:  exec,
	})
	return x, cats, reg, bus
}

// TestCancelDuringBiddingWindowDoesNotRace exercises the fix for the
// Cancel-vs-Run race: cancelling a task that is already being driven by
// its owning runTask goroutine must not mutate task state directly (that
// would race with Run's own unsynchronized writes). The task must settle
// into CANCELLED, and only into CANCELLED, once the goroutine unwinds.
func TestCancelDuringBiddingWindowDoesNotRace(t *testing.T) {
	x, cats, reg, bus := newTestExchange(t)
	cats.DeclareCategory(category.Pattern{CategoryID: "code", Keywords: []string{"code"}, Specificity: 1})
	cats.Subscribe("agent-silent", "code")
	reg.Connect("agent-silent", "1.0", newFakeSocket("agent-silent"))

	sub := bus.Subscribe()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	x.Start(ctx)
	defer x.deps.Hub.Stop()
	defer x.deps.Registry.Stop()

	task, err := x.Submit("please write some code", types.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitForAuctionStarted(t, sub, task.ID)

	if err := x.Cancel(task.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		got, ok := x.GetTask(task.ID)
		if !ok {
			t.Fatal("task disappeared")
		}
		if got.State == types.StateCancelled {
			break
		}
		if got.State == types.StateAssigned || got.State == types.StateSettled {
			t.Fatalf("cancelled task must not reach ASSIGNED/SETTLED, got %s", got.State)
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for CANCELLED, last state %s", got.State)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitForAuctionStarted(t *testing.T, sub <-chan events.Event, taskID string) {
	t.Helper()
	for {
		select {
		case ev := <-sub:
			if ev.Kind == events.AuctionStarted && ev.TaskID == taskID {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for AuctionStarted event")
		}
	}
}
