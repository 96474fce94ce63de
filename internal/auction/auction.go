// Package auction drives one task through the auction state machine of
// §4.7: candidate selection, a bounded bidding window, evaluation, and
// winner selection, handing the task off to the execution controller
// once it lands in ASSIGNED (or settling it directly on the fast path).
package auction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskauction/exchange/internal/category"
	"github.com/taskauction/exchange/internal/events"
	"github.com/taskauction/exchange/internal/hooks"
	"github.com/taskauction/exchange/internal/metrics"
	"github.com/taskauction/exchange/internal/orderbook"
	"github.com/taskauction/exchange/internal/registry"
	"github.com/taskauction/exchange/internal/reputation"
	"github.com/taskauction/exchange/internal/transport"
	"github.com/taskauction/exchange/internal/types"
	"github.com/taskauction/exchange/internal/xlog"
)

// ErrUnknownAuction is returned by SubmitBid when auctionID has no open
// book, either because it already closed or never existed.
var ErrUnknownAuction = errors.New("auction: unknown auction id")

// Outcome summarizes where Run left the task.
type Outcome int

const (
	OutcomeHalted Outcome = iota
	OutcomeSettledFastPath
	OutcomeAssigned
	OutcomeDeadLetter
	// OutcomeCancelled reports that ctx was cancelled mid-auction (e.g. a
	// producer cancel landing during the bidding window). Run leaves the
	// task's state untouched in this case; only the owning runTask
	// goroutine performs the CANCELLED transition, since that's the sole
	// goroutine allowed to mutate task state while an attempt is in
	// flight (§5).
	OutcomeCancelled
)

// Result is Run's report of what happened to a task.
type Result struct {
	Outcome Outcome
	Reason  string
}

// Controller drives individual tasks through OPEN/MATCHING. It holds no
// per-task state of its own; the task map belongs to the exchange
// façade, whose runTask goroutine calls Run synchronously as the task's
// sole owner, without holding the task-map lock.
type Controller struct {
	cfg        Config
	categories *category.Index
	registry   *registry.Registry
	reputation *reputation.Store
	hooks      *hooks.Hooks
	bus        *events.Bus
	metrics    *metrics.Metrics
	queueDepth func() int

	mu        sync.Mutex
	openBooks map[string]*orderbook.Book // auctionID -> book, while MATCHING
}

// New creates a Controller. cfg is validated against defaults.
func New(cfg Config, categories *category.Index, reg *registry.Registry, rep *reputation.Store, hk *hooks.Hooks, bus *events.Bus) *Controller {
	return &Controller{
		cfg:        validateConfig(cfg),
		categories: categories,
		registry:   reg,
		reputation: rep,
		hooks:      hk,
		bus:        bus,
		openBooks:  make(map[string]*orderbook.Book),
	}
}

// SetMetrics attaches the exchange's metrics recorder; bids received and
// assignments made are reported through it when set. Optional. Call
// before Run is invoked concurrently for the first task.
func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// SetQueueDepthFunc wires a callback reporting the exchange's current
// backlog size, surfaced to bidders as bid_request's context.queueDepth so
// an agent's confidence/estimatedTimeMs can account for contention.
// Optional; queueDepth is omitted from the context when unset.
func (c *Controller) SetQueueDepthFunc(f func() int) {
	c.queueDepth = f
}

// SubmitBid forwards an inbound bid_response to auctionID's open book.
// Called by the exchange's inbound-message dispatcher as agent sockets
// deliver bid_response frames; unknown or already-closed auctions are
// reported so the dispatcher can log a late/stray bid.
func (c *Controller) SubmitBid(auctionID string, bid types.Bid) error {
	c.mu.Lock()
	book, ok := c.openBooks[auctionID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownAuction
	}
	return book.SubmitBid(bid)
}

// Run moves task from PENDING/OPEN through MATCHING to a terminal
// outcome for this attempt. The caller is responsible for having already
// dequeued task and for persisting the resulting state.
func (c *Controller) Run(ctx context.Context, task *types.Task) Result {
	if ctx.Err() != nil {
		return Result{Outcome: OutcomeCancelled, Reason: "cancelled before auction start"}
	}

	task.AuctionID = uuid.NewString()
	task.Transition(types.StateOpen, "auction opened")
	c.bus.Publish(events.Event{Kind: events.AuctionStarted, TaskID: task.ID, AuctionID: task.AuctionID})

	if res, handled := c.tryLockedSubtask(task); handled {
		return res
	}

	candidates := c.selectCandidates(task)
	c.bus.Publish(events.Event{Kind: events.AuctionCandidates, TaskID: task.ID, AuctionID: task.AuctionID, Candidates: candidates})

	if len(candidates) == 0 {
		task.Transition(types.StateHalted, "no candidates")
		c.bus.Publish(events.Event{Kind: events.ExchangeHalt, TaskID: task.ID, AuctionID: task.AuctionID, Reason: "no candidates"})
		return Result{Outcome: OutcomeHalted, Reason: "no candidates"}
	}

	task.Transition(types.StateMatching, "bidding")
	book := c.collectBids(ctx, task, candidates)

	// collectBids returns early on ctx.Done() (a cancel landing during the
	// bidding window) with whatever partial book it has; without this
	// check a task cancelled mid-window would still be evaluated and
	// possibly carried through to ASSIGNED below, overwriting the
	// CANCELLED transition the owning goroutine is about to make.
	if ctx.Err() != nil {
		return Result{Outcome: OutcomeCancelled, Reason: "cancelled during bidding window"}
	}

	lookup := func(agentID, version string) (float64, float64, bool) {
		snap := c.reputation.Snapshot(ctx, agentID, version)
		return snap.RepFactor(), snap.Accuracy, snap.Flagged
	}
	ranked := book.EvaluateAndRank(lookup)

	c.bus.Publish(events.Event{Kind: events.AuctionClosed, TaskID: task.ID, AuctionID: task.AuctionID, Bids: ranked})
	if c.metrics != nil {
		for _, b := range ranked {
			c.metrics.RecordBid(b.Bid.AgentID, string(b.Bid.Tier), b.Score)
		}
	}

	if len(ranked) == 0 {
		task.Transition(types.StateHalted, "no bids")
		c.bus.Publish(events.Event{Kind: events.ExchangeHalt, TaskID: task.ID, AuctionID: task.AuctionID, Reason: "no bids"})
		return Result{Outcome: OutcomeHalted, Reason: "no bids"}
	}

	if ranked[0].Bid.InlineResult != nil {
		r := *ranked[0].Bid.InlineResult
		r.FastPath = true
		task.Result = &r
		task.Transition(types.StateSettled, "fast path inline result")
		return Result{Outcome: OutcomeSettledFastPath, Reason: "inline result"}
	}

	if ctx.Err() != nil {
		return Result{Outcome: OutcomeCancelled, Reason: "cancelled before winner assignment"}
	}

	decision := c.hooks.RunPreAuctionClose(ctx, task, ranked)
	c.assignWinners(task, ranked, decision)
	task.Transition(types.StateAssigned, "winner selected")
	c.bus.Publish(events.Event{Kind: events.TaskAssigned, TaskID: task.ID, AuctionID: task.AuctionID, AgentID: task.AssignedAgent})
	if c.metrics != nil {
		c.metrics.RecordAssignment(task.AssignedAgent, string(decision.ExecutionMode))
	}
	return Result{Outcome: OutcomeAssigned, Reason: string(decision.ExecutionMode)}
}

// tryLockedSubtask implements §4.7.D: a decomposed subtask carrying a
// locked routing destination skips auction entirely.
func (c *Controller) tryLockedSubtask(task *types.Task) (Result, bool) {
	if task.Metadata == nil {
		return Result{}, false
	}
	source, _ := task.Metadata["source"].(string)
	routingMode, _ := task.Metadata["routingMode"].(string)
	lockedAgentID, _ := task.Metadata["lockedAgentId"].(string)
	if source != "subtask" || routingMode != "locked" || lockedAgentID == "" {
		return Result{}, false
	}

	task.Transition(types.StateMatching, "locked subtask routing")
	if c.registry.IsHealthy(lockedAgentID) {
		if _, ok := c.registry.GetSocket(lockedAgentID); ok {
			task.AssignedAgent = lockedAgentID
			task.BackupAgents = nil
			task.ExecutionMode = string(hooks.ModeSingle)
			task.Transition(types.StateAssigned, "locked subtask assignment")
			c.bus.Publish(events.Event{Kind: events.TaskAssigned, TaskID: task.ID, AuctionID: task.AuctionID, AgentID: lockedAgentID})
			if c.metrics != nil {
				c.metrics.RecordAssignment(lockedAgentID, string(hooks.ModeSingle))
			}
			return Result{Outcome: OutcomeAssigned, Reason: "locked subtask"}, true
		}
	}
	task.Transition(types.StateDeadLetter, "locked agent unavailable")
	c.bus.Publish(events.Event{Kind: events.TaskDeadLetter, TaskID: task.ID, AuctionID: task.AuctionID, Reason: "locked agent unavailable"})
	return Result{Outcome: OutcomeDeadLetter, Reason: "locked agent unavailable"}, true
}

// selectCandidates resolves the category index's candidate set, applying
// an optional agentFilter intersection, and drops agents without a live
// healthy socket.
func (c *Controller) selectCandidates(task *types.Task) []string {
	candidates := c.categories.GetAgentsForTask(task)

	if task.Metadata != nil {
		if raw, ok := task.Metadata["agentFilter"]; ok {
			filter := toStringSet(raw)
			if len(filter) > 0 {
				filtered := candidates[:0:0]
				for _, id := range candidates {
					if filter[id] {
						filtered = append(filtered, id)
					}
				}
				candidates = filtered
			}
		}
	}

	live := candidates[:0:0]
	for _, id := range candidates {
		if c.registry.IsHealthy(id) {
			if _, ok := c.registry.GetSocket(id); ok {
				live = append(live, id)
			}
		}
	}
	return live
}

// collectBids broadcasts a bid_request to every candidate and waits for
// the earlier of the bidding window expiring or every candidate having
// responded.
func (c *Controller) collectBids(ctx context.Context, task *types.Task, candidates []string) *orderbook.Book {
	book := orderbook.New()
	c.mu.Lock()
	c.openBooks[task.AuctionID] = book
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.openBooks, task.AuctionID)
		c.mu.Unlock()
	}()

	windowMs := selectBiddingWindow(task.Content, len(candidates), c.cfg)
	deadline := time.Now().Add(time.Duration(windowMs) * time.Millisecond)

	bidContext := map[string]any{"participatingAgents": candidates}
	if c.queueDepth != nil {
		bidContext["queueDepth"] = c.queueDepth()
	}
	if task.Metadata != nil {
		if v, ok := task.Metadata["conversationHistory"]; ok {
			bidContext["conversationHistory"] = v
		}
		if v, ok := task.Metadata["conversationText"]; ok {
			bidContext["conversationText"] = v
		}
	}

	for _, agentID := range candidates {
		sock, ok := c.registry.GetSocket(agentID)
		if !ok {
			continue
		}
		msg := transport.Message{
			Type:      transport.MsgBidRequest,
			TaskID:    task.ID,
			AuctionID: task.AuctionID,
			Payload: map[string]any{
				"content":  task.Content,
				"priority": task.Priority.String(),
				"context":  bidContext,
				"deadline": deadline.UnixMilli(),
			},
		}
		if err := sock.Send(msg); err != nil {
			xlog.Task(task.ID).Warn().Err(err).Str("agent_id", agentID).Msg("bid request send failed")
		}
	}

	timer := time.NewTimer(time.Duration(windowMs) * time.Millisecond)
	defer timer.Stop()

	for {
		if book.Count() >= len(candidates) {
			return book
		}
		select {
		case <-book.Notify():
			continue
		case <-timer.C:
			book.Close()
			return book
		case <-ctx.Done():
			book.Close()
			return book
		}
	}
}

// assignWinners applies the evaluator's decision to task, choosing the
// backup queue as the remaining ranked bids in order for single-winner
// mode; cascade is disabled for parallel/series per §4.8.
func (c *Controller) assignWinners(task *types.Task, ranked []types.EvaluatedBid, decision hooks.EvaluatorDecision) {
	task.ExecutionMode = string(decision.ExecutionMode)
	task.AssignedAgent = decision.Winners[0]
	task.CurrentBackupIdx = 0

	task.BidEstimates = make(map[string]int64, len(ranked))
	task.BidVersions = make(map[string]string, len(ranked))
	for _, b := range ranked {
		task.BidEstimates[b.Bid.AgentID] = b.Bid.EstimatedMs
		task.BidVersions[b.Bid.AgentID] = b.Bid.AgentVersion
	}

	if decision.ExecutionMode == hooks.ModeParallel || decision.ExecutionMode == hooks.ModeSeries {
		task.ParallelWinners = append([]string(nil), decision.Winners...)
		task.BackupAgents = nil
		return
	}

	winnerSet := make(map[string]bool, len(decision.Winners))
	for _, w := range decision.Winners {
		winnerSet[w] = true
	}
	var backups []string
	for _, b := range ranked {
		if b.Bid.AgentID == task.AssignedAgent || winnerSet[b.Bid.AgentID] {
			continue
		}
		backups = append(backups, b.Bid.AgentID)
	}
	task.BackupAgents = backups
}

func toStringSet(raw any) map[string]bool {
	out := make(map[string]bool)
	switch v := raw.(type) {
	case []string:
		for _, s := range v {
			out[s] = true
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out[s] = true
			}
		}
	}
	return out
}
