// Package exchange is the façade the teacher calls exchange.go: it owns
// the task map and the scheduling loop, and coordinates the auction and
// execution controllers, the agent registry, reputation store, category
// index, hooks, event bus, rate gate, and persistence — the single
// component the producer-facing API and the worker transport both talk
// to (§4.1).
package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/taskauction/exchange/internal/auction"
	"github.com/taskauction/exchange/internal/category"
	"github.com/taskauction/exchange/internal/events"
	"github.com/taskauction/exchange/internal/execution"
	"github.com/taskauction/exchange/internal/hooks"
	"github.com/taskauction/exchange/internal/metrics"
	"github.com/taskauction/exchange/internal/queue"
	"github.com/taskauction/exchange/internal/ratelimit"
	"github.com/taskauction/exchange/internal/registry"
	"github.com/taskauction/exchange/internal/reputation"
	"github.com/taskauction/exchange/internal/storage"
	"github.com/taskauction/exchange/internal/transport"
	"github.com/taskauction/exchange/internal/types"
	"github.com/taskauction/exchange/internal/xlog"
)

// Deps bundles every collaborator the exchange coordinates. Every field
// except Metrics is required; New panics if any of them is nil, since a half-wired exchange
// fails in confusing ways at runtime instead of at startup.
type Deps struct {
	Registry   *registry.Registry
	Reputation *reputation.Store
	Categories *category.Index
	Hooks      *hooks.Hooks
	Bus        *events.Bus
	Queue      *queue.Queue
	Limiter    *ratelimit.Limiter
	Storage    storage.KV
	Hub        *transport.Hub
	Auction    *auction.Controller
	Execution  *execution.Controller
	Metrics    *metrics.Metrics
}

// Exchange is the producer- and worker-facing façade.
type Exchange struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	tasks   map[string]*types.Task
	cancels map[string]context.CancelFunc

	scheduling atomic.Bool
	wakeCh     chan struct{}
	stopCh     chan struct{}
	shutdown   atomic.Bool
	wg         sync.WaitGroup
}

// New creates an Exchange. Call Start to begin the scheduling loop.
func New(cfg Config, deps Deps) *Exchange {
	for name, present := range map[string]bool{
		"Registry": deps.Registry != nil, "Reputation": deps.Reputation != nil,
		"Categories": deps.Categories != nil, "Hooks": deps.Hooks != nil,
		"Bus": deps.Bus != nil, "Queue": deps.Queue != nil,
		"Limiter": deps.Limiter != nil, "Storage": deps.Storage != nil,
		"Hub": deps.Hub != nil, "Auction": deps.Auction != nil,
		"Execution": deps.Execution != nil,
	} {
		if !present {
			panic(fmt.Sprintf("exchange: missing required dependency %s", name))
		}
	}

	cfg = validateConfig(cfg)
	if cfg.MarketMakerAgentID != "" {
		deps.Categories.SetMarketMaker(cfg.MarketMakerAgentID)
	}

	return &Exchange{
		cfg:     cfg,
		deps:    deps,
		tasks:   make(map[string]*types.Task),
		cancels: make(map[string]context.CancelFunc),
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Hub exposes the transport hub so cmd/server can wire the websocket
// upgrade endpoint without the exchange package importing gorilla/websocket.
func (x *Exchange) Hub() *transport.Hub { return x.deps.Hub }

// Reputation exposes the reputation store for the admin
// `/reputation/{agentId}` introspection endpoint.
func (x *Exchange) Reputation() *reputation.Store { return x.deps.Reputation }

// Registry exposes the agent registry for the admin `/agents` endpoint.
func (x *Exchange) Registry() *registry.Registry { return x.deps.Registry }

// Categories exposes the category index for the admin category-declaration
// endpoint and for connect-time subscription handling.
func (x *Exchange) Categories() *category.Index { return x.deps.Categories }

// Submit admits a new task into the queue (§4.1 producer API). Validation,
// the rate gate, and queueing all happen before this returns; the auction
// itself runs asynchronously off the scheduler loop.
func (x *Exchange) Submit(content string, priority types.Priority, metadata map[string]any) (*types.Task, error) {
	if x.shutdown.Load() {
		return nil, &ShuttingDownError{}
	}
	if content == "" {
		return nil, &ValidationError{Field: "content", Reason: "must not be empty"}
	}

	if d := x.deps.Limiter.CanSubmit(); !d.Allowed {
		return nil, &RateLimitedError{Reason: d.Reason, RetryAfterMs: d.RetryAfterMs}
	}
	x.deps.Limiter.RecordSubmission()

	now := time.Now()
	task := &types.Task{
		ID:        uuid.NewString(),
		Content:   content,
		Metadata:  metadata,
		Priority:  priority,
		State:     types.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	x.mu.Lock()
	x.tasks[task.ID] = task
	x.deps.Queue.Enqueue(task.ID, priority)
	x.mu.Unlock()

	xlog.Task(task.ID).Info().Str("priority", priority.String()).Msg("task submitted")
	x.deps.Bus.Publish(events.Event{Kind: events.TaskQueued, TaskID: task.ID})
	x.reportQueueDepth()
	x.wake()

	return task, nil
}

// Cancel removes a task. A queued task is dequeued and transitioned to
// CANCELLED directly, since nothing else is touching it yet. A task
// already being driven by its owning runTask goroutine is left alone —
// only that goroutine may mutate task state while an attempt is in
// flight (§5's single-owner rule) — and is instead handed a cancelled
// context; the auction/execution controllers unwind on their own terms
// and report OutcomeCancelled, which runTask turns into the CANCELLED
// transition once it regains control (§4.1).
func (x *Exchange) Cancel(taskID string) error {
	x.mu.Lock()
	task, ok := x.tasks[taskID]
	if !ok {
		x.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.State.Terminal() {
		x.mu.Unlock()
		return nil
	}

	x.deps.Queue.Remove(taskID)

	if cancel, running := x.cancels[taskID]; running {
		x.mu.Unlock()
		cancel()
		xlog.Task(taskID).Info().Msg("task cancel requested")
		return nil
	}

	task.Transition(types.StateCancelled, "cancelled by producer")
	x.mu.Unlock()

	xlog.Task(taskID).Info().Msg("task cancelled")
	return nil
}

// GetTask returns a snapshot of taskID's current state.
func (x *Exchange) GetTask(taskID string) (types.Task, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	task, ok := x.tasks[taskID]
	if !ok {
		return types.Task{}, false
	}
	return *task, true
}

// QueueStats summarizes queue depth by priority for the admin/introspection
// `/v1/queue` endpoint (SPEC_FULL.md supplement).
type QueueStats struct {
	DepthByPriority map[string]int `json:"depthByPriority"`
	Total           int            `json:"total"`
	ActiveAuctions  int            `json:"activeAuctions"`
}

// GetQueueStats reports current queue depth and concurrency.
func (x *Exchange) GetQueueStats() QueueStats {
	byPriority := x.deps.Queue.DepthByPriority()
	out := make(map[string]int, len(byPriority))
	for p, n := range byPriority {
		out[p.String()] = n
	}
	return QueueStats{
		DepthByPriority: out,
		Total:           x.deps.Queue.Len(),
		ActiveAuctions:  x.deps.Limiter.ActiveAuctions(),
	}
}

func (x *Exchange) wake() {
	select {
	case x.wakeCh <- struct{}{}:
	default:
	}
}

// Start launches the background scheduler loop.
func (x *Exchange) Start(ctx context.Context) {
	x.deps.Registry.Start()
	go x.deps.Hub.Run()
	go x.schedulerLoop(ctx)
	x.deps.Bus.Publish(events.Event{Kind: events.ExchangeStarted})
}

func (x *Exchange) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(x.cfg.SchedulerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			x.processQueue(ctx)
		case <-x.wakeCh:
			x.processQueue(ctx)
		case <-x.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// processQueue dequeues and launches as many tasks as the concurrency
// gate allows. The atomic CompareAndSwap guards against overlapping
// invocations from the ticker and explicit wakes racing each other
// (teacher pattern: reentrancy guard around the queue-draining loop).
func (x *Exchange) processQueue(ctx context.Context) {
	if !x.scheduling.CompareAndSwap(false, true) {
		return
	}
	defer x.scheduling.Store(false)

	for {
		if x.shutdown.Load() {
			return
		}
		// §4.2: the concurrency gate is enforced before dequeuing, not
		// after, so a saturated exchange leaves tasks queued rather than
		// pulling them and stalling mid-auction.
		if x.deps.Limiter.ConcurrencySaturated() {
			return
		}

		x.mu.Lock()
		taskID, ok := x.deps.Queue.Dequeue()
		if !ok {
			x.mu.Unlock()
			return
		}
		task, exists := x.tasks[taskID]
		if !exists || task.State.Terminal() {
			x.mu.Unlock()
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		x.cancels[taskID] = cancel
		x.mu.Unlock()

		x.deps.Limiter.AuctionStarted()
		x.reportQueueDepth()
		x.wg.Add(1)
		go x.runTask(taskCtx, cancel, task)
	}
}

// reportQueueDepth publishes the current per-priority backlog to the queued-
// task gauge. Called after every enqueue/dequeue rather than on a timer,
// since the scheduler already serializes these transitions.
func (x *Exchange) reportQueueDepth() {
	if x.deps.Metrics == nil {
		return
	}
	for priority, depth := range x.deps.Queue.DepthByPriority() {
		x.deps.Metrics.SetQueueDepth(priority.String(), depth)
	}
}

// runTask drives one task through auction then execution, recording the
// outcome and requeuing/dead-lettering/settling as appropriate.
func (x *Exchange) runTask(ctx context.Context, cancel context.CancelFunc, task *types.Task) {
	defer x.wg.Done()
	defer cancel()
	defer x.deps.Limiter.AuctionEnded()
	defer func() {
		x.mu.Lock()
		delete(x.cancels, task.ID)
		x.mu.Unlock()
	}()

	start := time.Now()
	result := x.deps.Auction.Run(ctx, task)
	if x.deps.Metrics != nil {
		x.deps.Metrics.RecordAuction(outcomeLabel(result.Outcome), time.Since(start), 0)
	}

	switch result.Outcome {
	case auction.OutcomeHalted:
		if x.deps.Metrics != nil {
			x.deps.Metrics.RecordAuctionHalted(result.Reason)
		}
		return
	case auction.OutcomeDeadLetter:
		if x.deps.Metrics != nil {
			x.deps.Metrics.RecordDeadLetter()
		}
		return
	case auction.OutcomeSettledFastPath:
		return
	case auction.OutcomeCancelled:
		x.finalizeCancel(task)
		return
	case auction.OutcomeAssigned:
		outcome := x.deps.Execution.Execute(ctx, task)
		x.handleExecutionOutcome(task, outcome)
	}
}

// finalizeCancel performs the CANCELLED transition for a task whose
// owning runTask goroutine observed a cancelled context partway through
// an auction or execution attempt. Cancel never mutates task state for a
// task that's already running (see Cancel's doc comment); this is the
// only place that does once control returns here, so no task-level lock
// is needed — x.mu is taken only to keep this consistent with GetTask's
// map-guarded snapshot reads.
func (x *Exchange) finalizeCancel(task *types.Task) {
	x.mu.Lock()
	if !task.State.Terminal() {
		task.Transition(types.StateCancelled, "cancelled")
	}
	x.mu.Unlock()
	xlog.Task(task.ID).Info().Msg("task cancelled")
}

func (x *Exchange) handleExecutionOutcome(task *types.Task, outcome execution.Outcome) {
	switch outcome {
	case execution.OutcomeSettled:
		if x.deps.Metrics != nil {
			x.deps.Metrics.RecordTaskOutcome("settled", time.Since(task.CreatedAt))
		}
	case execution.OutcomeRequeued:
		x.mu.Lock()
		x.deps.Queue.Enqueue(task.ID, task.Priority)
		x.mu.Unlock()
		if x.deps.Metrics != nil {
			x.deps.Metrics.RecordRequeue()
		}
		x.wake()
	case execution.OutcomeDeadLetter:
		if x.deps.Metrics != nil {
			x.deps.Metrics.RecordDeadLetter()
		}
	case execution.OutcomeCancelled:
		x.finalizeCancel(task)
	}
}

func outcomeLabel(o auction.Outcome) string {
	switch o {
	case auction.OutcomeHalted:
		return "halted"
	case auction.OutcomeSettledFastPath:
		return "fast_path"
	case auction.OutcomeAssigned:
		return "assigned"
	case auction.OutcomeDeadLetter:
		return "dead_letter"
	case auction.OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Recover restores non-terminal tasks persisted by a prior Shutdown,
// resetting them to PENDING and re-queuing (§6 persisted-state layout,
// §7 recovery semantics). AuctionAttempt is decremented by one (never
// below zero), so the attempt interrupted by the shutdown is not counted
// against the task.
func (x *Exchange) Recover(ctx context.Context) error {
	entries, err := x.deps.Storage.List(ctx, storage.PendingTaskPrefix)
	if err != nil {
		return fmt.Errorf("exchange: recover: %w", err)
	}

	for key, raw := range entries {
		task, err := decodeTask(raw)
		if err != nil {
			xlog.Log.Warn().Str("key", key).Err(err).Msg("recover: skipping corrupt pending task")
			continue
		}
		if task.State.Terminal() {
			continue
		}

		task.AssignedAgent = ""
		task.BackupAgents = nil
		task.CurrentBackupIdx = 0
		task.ParallelWinners = nil
		if task.AuctionAttempt > 0 {
			task.AuctionAttempt--
		}
		task.Transition(types.StatePending, "recovered at startup")

		x.mu.Lock()
		x.tasks[task.ID] = task
		x.deps.Queue.Enqueue(task.ID, task.Priority)
		x.mu.Unlock()

		if err := x.deps.Storage.Delete(ctx, key); err != nil {
			xlog.Log.Warn().Str("key", key).Err(err).Msg("recover: failed to clear pending marker")
		}
	}

	xlog.Log.Info().Int("recovered", len(entries)).Msg("recovery complete")
	return nil
}

// Shutdown stops admitting new work, waits up to ShutdownGrace for
// in-flight tasks to finish, then persists whatever remains non-terminal
// so Recover can pick it back up on the next boot (§5).
func (x *Exchange) Shutdown(ctx context.Context) error {
	x.shutdown.Store(true)
	close(x.stopCh)
	x.deps.Bus.Publish(events.Event{Kind: events.ExchangeShutdownStart})

	done := make(chan struct{})
	go func() {
		x.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(x.cfg.ShutdownGrace):
		xlog.Log.Warn().Msg("shutdown grace period elapsed with tasks still in flight")
	case <-ctx.Done():
	}

	x.deps.Registry.Stop()
	x.deps.Hub.Stop()

	if err := x.persistPending(ctx); err != nil {
		return err
	}

	x.deps.Bus.Publish(events.Event{Kind: events.ExchangeShutdownDone})
	x.deps.Bus.Stop()
	return nil
}

func (x *Exchange) persistPending(ctx context.Context) error {
	x.mu.Lock()
	pending := make([]*types.Task, 0)
	for _, task := range x.tasks {
		if !task.State.Terminal() {
			pending = append(pending, task)
		}
	}
	x.mu.Unlock()

	for _, task := range pending {
		raw, err := encodeTask(task)
		if err != nil {
			xlog.Task(task.ID).Warn().Err(err).Msg("shutdown: failed to encode pending task")
			continue
		}
		key := storage.PendingTaskPrefix + task.ID
		if err := x.deps.Storage.Set(ctx, key, raw); err != nil {
			xlog.Task(task.ID).Warn().Err(err).Msg("shutdown: failed to persist pending task")
		}
	}

	xlog.Log.Info().Int("persisted", len(pending)).Msg("shutdown: persisted in-flight tasks")
	return nil
}
