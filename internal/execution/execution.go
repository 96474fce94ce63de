// Package execution manages one assignment at a time per task: the
// ack/heartbeat lease protocol, settlement rules, and cascading failover
// through backup bidders (§4.8).
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/taskauction/exchange/internal/events"
	"github.com/taskauction/exchange/internal/hooks"
	"github.com/taskauction/exchange/internal/metrics"
	"github.com/taskauction/exchange/internal/registry"
	"github.com/taskauction/exchange/internal/reputation"
	"github.com/taskauction/exchange/internal/transport"
	"github.com/taskauction/exchange/internal/types"
	"github.com/taskauction/exchange/internal/xlog"
)

// Outcome is where Execute left the task.
type Outcome int

const (
	OutcomeSettled Outcome = iota
	OutcomeRequeued
	OutcomeDeadLetter
	OutcomeCancelled
)

// Controller drives one task's assignment to completion, including
// cascade and multi-winner fanout. Like the auction controller, it holds
// no task-map state itself; the exchange façade owns tasks and calls
// Execute synchronously.
type Controller struct {
	cfg        Config
	registry   *registry.Registry
	reputation *reputation.Store
	bus        *events.Bus
	hooks      *hooks.Hooks
	leases     *leaseRegistry
	metrics    *metrics.Metrics
}

// SetMetrics attaches the exchange's metrics recorder; cascades and lease
// timeouts are reported through it when set. Optional.
func (c *Controller) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// New creates a Controller.
func New(cfg Config, reg *registry.Registry, rep *reputation.Store, hk *hooks.Hooks, bus *events.Bus) *Controller {
	return &Controller{
		cfg:        validateConfig(cfg),
		registry:   reg,
		reputation: rep,
		hooks:      hk,
		bus:        bus,
		leases:     newLeaseRegistry(),
	}
}

// HandleAck forwards an inbound task_ack to the lease currently held for
// taskID, if any and if it belongs to agentID; stale acks from an agent
// the cascade has already moved past are silently ignored.
func (c *Controller) HandleAck(taskID, agentID string) {
	if l, ok := c.leases.forTask(taskID); ok && l.agentID == agentID {
		l.signalAck()
	}
}

// HandleHeartbeat forwards an inbound task_heartbeat. Heartbeats
// received before ack are dropped, so they never extend the execution
// deadline; after ack they are buffered and dropped if the buffer fills
// rather than blocking the caller.
func (c *Controller) HandleHeartbeat(taskID, agentID string, extendMs int64) {
	l, ok := c.leases.forTask(taskID)
	if !ok || l.agentID != agentID {
		return
	}
	select {
	case <-l.ack:
	default:
		return
	}
	select {
	case l.heartbeat <- extendMs:
	default:
	}
}

// HandleResult forwards an inbound task_result.
func (c *Controller) HandleResult(taskID, agentID string, result types.Result) {
	l, ok := c.leases.forTask(taskID)
	if !ok || l.agentID != agentID {
		return
	}
	select {
	case l.result <- result:
	default:
	}
}

// HandleAgentDisconnected fails whichever task agentID currently holds a
// lease for, per §4.6: disconnect immediately fails the assigned task.
func (c *Controller) HandleAgentDisconnected(agentID string) {
	if l, ok := c.leases.forAgent(agentID); ok {
		l.signalDisconnected()
	}
}

// Execute drives task from ASSIGNED to a terminal outcome for this
// scheduling decision. ctx is the caller's per-task cancellation
// context: closing it (on user cancel) causes Execute to return
// OutcomeCancelled at the next wait point without further mutating
// task, per §5's "discards incoming results for cancelled tasks" rule.
func (c *Controller) Execute(ctx context.Context, task *types.Task) Outcome {
	switch hooks.ExecutionMode(task.ExecutionMode) {
	case hooks.ModeParallel:
		return c.runParallel(ctx, task)
	case hooks.ModeSeries:
		return c.runSeries(ctx, task)
	default:
		return c.runSingleWithCascade(ctx, task)
	}
}

func (c *Controller) runSingleWithCascade(ctx context.Context, task *types.Task) Outcome {
	agentID := task.AssignedAgent
	for {
		if !c.agentAvailable(agentID) {
			next, ok := c.advanceToNextHealthyBackup(task)
			if !ok {
				return c.exhaustOrDeadLetter(ctx, task, "assigned agent unavailable")
			}
			agentID = next
			continue
		}

		ar := c.attempt(ctx, task, agentID)
		switch ar.status {
		case attemptCancelled:
			return OutcomeCancelled
		case attemptSettled:
			return c.settle(ctx, task, agentID, ar.result)
		default: // attemptFailed
			c.recordCascadeFailure(ctx, task, agentID, ar.isTimeout, ar.acked)
			next, ok := c.advanceToNextHealthyBackup(task)
			if !ok {
				return c.exhaustOrDeadLetter(ctx, task, "cascade exhausted")
			}
			agentID = next
		}
	}
}

// runParallel sends one assignment per winner concurrently with a
// fresh subtask id per §4.8; it settles successfully if any succeed,
// merging their messages. Cascade is disabled.
func (c *Controller) runParallel(ctx context.Context, task *types.Task) Outcome {
	type outcome struct {
		agentID string
		ar      attemptResult
	}
	resultCh := make(chan outcome, len(task.ParallelWinners))
	for i, agentID := range task.ParallelWinners {
		subtaskID := fmt.Sprintf("%s__parallel_%d", task.ID, i)
		go func(agentID, subtaskID string) {
			ar := c.attemptSubtask(ctx, task, agentID, subtaskID)
			resultCh <- outcome{agentID: agentID, ar: ar}
		}(agentID, subtaskID)
	}

	var messages []string
	anySucceeded := false
	cancelled := false
	for range task.ParallelWinners {
		o := <-resultCh
		switch o.ar.status {
		case attemptCancelled:
			cancelled = true
		case attemptSettled:
			anySucceeded = true
			if o.ar.result.Message != "" {
				messages = append(messages, o.ar.result.Message)
			}
			if o.ar.result.Success {
				c.reputation.RecordSuccess(ctx, o.agentID, c.agentVersion(task, o.agentID))
			}
		default:
			c.reputation.RecordFailure(ctx, o.agentID, c.agentVersion(task, o.agentID), o.ar.isTimeout)
		}
		if o.ar.acked {
			c.registry.DecrementTaskCount(o.agentID)
		}
	}

	if cancelled && !anySucceeded {
		return OutcomeCancelled
	}
	if !anySucceeded {
		return c.exhaustOrDeadLetter(ctx, task, "all parallel winners failed")
	}

	res := types.Result{Success: true, Message: joinMessages(messages)}
	task.Result = &res
	task.Transition(types.StateSettled, "parallel settlement")
	c.bus.Publish(events.Event{Kind: events.TaskSettled, TaskID: task.ID, AuctionID: task.AuctionID})
	c.hooks.RunPostSettlement(ctx, task)
	return OutcomeSettled
}

// runSeries runs winners strictly in order, settling successfully if any
// succeed. Cascade is disabled.
func (c *Controller) runSeries(ctx context.Context, task *types.Task) Outcome {
	var messages []string
	anySucceeded := false
	for i, agentID := range task.ParallelWinners {
		subtaskID := fmt.Sprintf("%s__parallel_%d", task.ID, i)
		ar := c.attemptSubtask(ctx, task, agentID, subtaskID)
		switch ar.status {
		case attemptCancelled:
			if !anySucceeded {
				return OutcomeCancelled
			}
		case attemptSettled:
			anySucceeded = true
			if ar.result.Message != "" {
				messages = append(messages, ar.result.Message)
			}
			if ar.result.Success {
				c.reputation.RecordSuccess(ctx, agentID, c.agentVersion(task, agentID))
			}
		default:
			c.reputation.RecordFailure(ctx, agentID, c.agentVersion(task, agentID), ar.isTimeout)
		}
		if ar.acked {
			c.registry.DecrementTaskCount(agentID)
		}
	}

	if !anySucceeded {
		return c.exhaustOrDeadLetter(ctx, task, "all series winners failed")
	}

	res := types.Result{Success: true, Message: joinMessages(messages)}
	task.Result = &res
	task.Transition(types.StateSettled, "series settlement")
	c.bus.Publish(events.Event{Kind: events.TaskSettled, TaskID: task.ID, AuctionID: task.AuctionID})
	c.hooks.RunPostSettlement(ctx, task)
	return OutcomeSettled
}

func joinMessages(messages []string) string {
	out := ""
	for i, m := range messages {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}

func (c *Controller) agentAvailable(agentID string) bool {
	if !c.registry.IsHealthy(agentID) {
		return false
	}
	_, ok := c.registry.GetSocket(agentID)
	return ok
}

// advanceToNextHealthyBackup scans task.BackupAgents from
// CurrentBackupIdx forward, skipping unhealthy/disconnected backups
// without penalty, and returns the first available one, advancing the
// index past it.
func (c *Controller) advanceToNextHealthyBackup(task *types.Task) (string, bool) {
	for task.CurrentBackupIdx < len(task.BackupAgents) {
		candidate := task.BackupAgents[task.CurrentBackupIdx]
		task.CurrentBackupIdx++
		if c.agentAvailable(candidate) {
			task.AssignedAgent = candidate
			task.Transition(types.StateBusted, "cascade")
			task.Transition(types.StateAssigned, "cascade to backup")
			c.bus.Publish(events.Event{Kind: events.TaskAssigned, TaskID: task.ID, AuctionID: task.AuctionID, AgentID: candidate})
			if c.metrics != nil {
				c.metrics.RecordCascade("backup assigned")
			}
			return candidate, true
		}
	}
	return "", false
}

func (c *Controller) recordCascadeFailure(ctx context.Context, task *types.Task, agentID string, isTimeout, acked bool) {
	xlog.Task(task.ID).Warn().Str("agent_id", agentID).Bool("is_timeout", isTimeout).Msg("assignment failed")
	reason := "failed"
	if isTimeout {
		reason = "timeout"
	}
	task.PreviousErrors = append(task.PreviousErrors, fmt.Sprintf("%s: %s", agentID, reason))
	c.bus.Publish(events.Event{Kind: events.TaskBusted, TaskID: task.ID, AuctionID: task.AuctionID, AgentID: agentID, IsTimeout: isTimeout})
	if _, err := c.reputation.RecordFailure(ctx, agentID, c.agentVersion(task, agentID), isTimeout); err != nil {
		xlog.Agent(agentID).Warn().Err(err).Msg("reputation write failed")
	}
	// Only an acked attempt ever incremented the agent's load; an
	// ack-timeout or pre-ack disconnect never did, so decrementing here
	// would wrongly discount whatever unrelated work the agent already
	// holds (§8 invariant 3).
	if acked {
		c.registry.DecrementTaskCount(agentID)
	}
}

// exhaustOrDeadLetter runs once the cascade has no healthy backups left:
// re-enqueue the task for a fresh auction attempt if attempts remain,
// otherwise dead-letter it.
func (c *Controller) exhaustOrDeadLetter(ctx context.Context, task *types.Task, reason string) Outcome {
	if task.AuctionAttempt+1 < c.cfg.MaxAuctionAttempts {
		task.AuctionAttempt++
		task.AssignedAgent = ""
		task.BackupAgents = nil
		task.CurrentBackupIdx = 0
		task.ParallelWinners = nil
		task.ExecutionMode = ""
		task.PreviousErrors = nil
		task.Transition(types.StatePending, reason+"; re-enqueued")
		return OutcomeRequeued
	}
	task.Transition(types.StateDeadLetter, reason+"; attempts exhausted")
	c.bus.Publish(events.Event{Kind: events.TaskDeadLetter, TaskID: task.ID, Reason: reason})
	c.bus.Publish(events.Event{Kind: events.TaskRouteToErrorAgent, TaskID: task.ID, Reason: reason})
	return OutcomeDeadLetter
}

func (c *Controller) settle(ctx context.Context, task *types.Task, agentID string, result types.Result) Outcome {
	r := result
	task.Result = &r

	if result.Success {
		c.reputation.RecordSuccess(ctx, agentID, c.agentVersion(task, agentID))
	}
	// Soft decline (success=false, message set): no credit, no penalty.

	c.registry.DecrementTaskCount(agentID)
	task.Transition(types.StateSettled, "settled")
	c.bus.Publish(events.Event{Kind: events.TaskSettled, TaskID: task.ID, AuctionID: task.AuctionID, AgentID: agentID})
	c.hooks.RunPostSettlement(ctx, task)
	return OutcomeSettled
}

type attemptStatus int

const (
	attemptSettled attemptStatus = iota
	attemptFailed
	attemptCancelled
)

type attemptResult struct {
	status    attemptStatus
	result    types.Result
	isTimeout bool
	// acked reports whether the agent ever acked this attempt, i.e.
	// whether IncrementTaskCount was called for it — callers use this to
	// decide whether a matching DecrementTaskCount is owed (§8 invariant
	// 3: the two must balance).
	acked bool
}

// attempt runs the full ack/execute lease for task against agentID.
func (c *Controller) attempt(ctx context.Context, task *types.Task, agentID string) attemptResult {
	return c.attemptSubtask(ctx, task, agentID, task.ID)
}

// attemptSubtask is attempt generalized to a possibly-synthetic subtask
// id, used directly by parallel/series fanout.
func (c *Controller) attemptSubtask(ctx context.Context, task *types.Task, agentID, subtaskID string) attemptResult {
	sock, ok := c.registry.GetSocket(agentID)
	if !ok {
		return attemptResult{status: attemptFailed}
	}

	l := newLease(subtaskID, agentID)
	c.leases.add(l)
	defer c.leases.remove(l)

	payload := map[string]any{
		"content":     task.Content,
		"isBackup":    task.CurrentBackupIdx > 0,
		"backupIndex": task.CurrentBackupIdx,
		"timeout":     c.cfg.execTimeout(task.BidEstimates[agentID]).Milliseconds(),
	}
	if len(task.PreviousErrors) > 0 {
		payload["previousErrors"] = append([]string(nil), task.PreviousErrors...)
	}
	msg := transport.Message{
		Type:      transport.MsgTaskAssignment,
		TaskID:    subtaskID,
		AuctionID: task.AuctionID,
		Payload:   payload,
	}
	if err := sock.Send(msg); err != nil {
		return attemptResult{status: attemptFailed}
	}

	select {
	case <-l.ack:
	case <-time.After(c.cfg.ackTimeout()):
		if c.metrics != nil {
			c.metrics.RecordTimeout("ack")
		}
		return attemptResult{status: attemptFailed, isTimeout: true}
	case <-sock.Closed():
		return attemptResult{status: attemptFailed}
	case <-l.disconnected:
		return attemptResult{status: attemptFailed}
	case <-ctx.Done():
		return attemptResult{status: attemptCancelled}
	}

	c.bus.Publish(events.Event{Kind: events.TaskAcked, TaskID: subtaskID, AuctionID: task.AuctionID, AgentID: agentID})
	c.registry.IncrementTaskCount(agentID)

	// Only the single-winner/cascade path (subtaskID == task.ID) claims the
	// task-level lease fields; parallel/series fanout has no singular
	// "lockedBy" to report since several agents hold leases concurrently.
	if subtaskID == task.ID {
		lockedAt := time.Now()
		deadline := lockedAt.Add(c.cfg.execTimeout(task.BidEstimates[agentID]))
		task.LockedBy = agentID
		task.LockedAt = &lockedAt
		task.TimeoutAt = &deadline
		c.bus.Publish(events.Event{Kind: events.TaskLocked, TaskID: subtaskID, AuctionID: task.AuctionID, AgentID: agentID})
		c.bus.Publish(events.Event{Kind: events.TaskExecuting, TaskID: subtaskID, AuctionID: task.AuctionID, AgentID: agentID})
		defer func() {
			task.LockedBy = ""
			task.LockedAt = nil
			task.TimeoutAt = nil
			c.bus.Publish(events.Event{Kind: events.TaskUnlocked, TaskID: subtaskID, AuctionID: task.AuctionID, AgentID: agentID})
		}()
	}

	estimate := task.BidEstimates[agentID]
	execTimer := time.NewTimer(c.cfg.execTimeout(estimate))
	defer execTimer.Stop()

	for {
		select {
		case <-execTimer.C:
			if c.metrics != nil {
				c.metrics.RecordTimeout("execution")
			}
			return attemptResult{status: attemptFailed, isTimeout: true, acked: true}
		case extendMs := <-l.heartbeat:
			if !execTimer.Stop() {
				select {
				case <-execTimer.C:
				default:
				}
			}
			extension := c.cfg.heartbeatExtension(extendMs)
			execTimer.Reset(extension)
			if subtaskID == task.ID {
				deadline := time.Now().Add(extension)
				task.TimeoutAt = &deadline
			}
			c.bus.Publish(events.Event{Kind: events.TaskHeartbeat, TaskID: subtaskID, AuctionID: task.AuctionID, AgentID: agentID})
		case res := <-l.result:
			if res.Success || res.Message != "" {
				return attemptResult{status: attemptSettled, result: res, acked: true}
			}
			return attemptResult{status: attemptFailed, acked: true}
		case <-sock.Closed():
			return attemptResult{status: attemptFailed, acked: true}
		case <-l.disconnected:
			return attemptResult{status: attemptFailed, acked: true}
		case <-ctx.Done():
			return attemptResult{status: attemptCancelled, acked: true}
		}
	}
}

// agentVersion resolves the version a bid was made under for reputation
// bookkeeping, falling back to the agent's current registered version for
// the locked-subtask path (§4.7.D), which skips the auction and so never
// populates task.BidVersions.
func (c *Controller) agentVersion(task *types.Task, agentID string) string {
	if v, ok := task.BidVersions[agentID]; ok && v != "" {
		return v
	}
	if rec, ok := c.registry.Get(agentID); ok {
		return rec.Version
	}
	return ""
}
