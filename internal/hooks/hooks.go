// Package hooks generalizes the teacher's container hook service into
// the two external extension points the core exchange exposes: a
// master-evaluator hook run once per auction close, and a
// post-settlement hand-off for meta-learning subsystems. As with the
// teacher's Service, an unconfigured hook is a no-op pass-through and
// hook failures never block the caller (FailOpen semantics) — the core
// ignores evaluator exceptions and falls back to the top-scorer.
package hooks

import (
	"context"
	"time"

	"github.com/taskauction/exchange/internal/types"
	"github.com/taskauction/exchange/internal/xlog"
)

// ExecutionMode is the winner-fanout strategy an evaluator may select.
type ExecutionMode string

const (
	ModeSingle   ExecutionMode = "single"
	ModeParallel ExecutionMode = "parallel"
	ModeSeries   ExecutionMode = "series"
)

// EvaluatorDecision is the master evaluator's verdict on one auction
// close. Winners must be a non-empty subset of the ranked bids' agent
// ids.
type EvaluatorDecision struct {
	Winners       []string
	ExecutionMode ExecutionMode
	Reasoning     string
	RejectedBids  []string
	AgentFeedback map[string]string
}

// PreAuctionClose is the master evaluator contract: a pure function of
// (task, rankedBids) returning which bids win and how. It must not
// mutate task or bids.
type PreAuctionClose func(ctx context.Context, task *types.Task, ranked []types.EvaluatedBid) (EvaluatorDecision, error)

// PostSettlement is the meta-learning hand-off: notified after the
// execution controller settles a task. It is not called for dead-lettered
// or cancelled tasks, nor for a fast-path settlement at auction close. It returns nothing and cannot affect the
// outcome that already occurred.
type PostSettlement func(ctx context.Context, task *types.Task)

// defaultHookTimeout bounds a configured hook's execution, mirroring the
// teacher's ServiceConfig.DefaultTimeout.
const defaultHookTimeout = 200 * time.Millisecond

// Hooks holds the optional external extension points. A zero-value
// Hooks is entirely pass-through: RunPreAuctionClose always falls back
// to the top-scorer, RunPostSettlement does nothing.
type Hooks struct {
	preAuctionClose PreAuctionClose
	postSettlement  PostSettlement
	timeout         time.Duration
}

// New creates an empty hook set. Use SetPreAuctionClose/SetPostSettlement
// to configure extension points.
func New() *Hooks {
	return &Hooks{timeout: defaultHookTimeout}
}

func (h *Hooks) SetPreAuctionClose(fn PreAuctionClose) { h.preAuctionClose = fn }
func (h *Hooks) SetPostSettlement(fn PostSettlement)   { h.postSettlement = fn }
func (h *Hooks) SetTimeout(d time.Duration)            { h.timeout = d }

// RunPreAuctionClose invokes the configured master evaluator, if any,
// with a bounded timeout. On any failure, empty winner set, or missing
// configuration, it falls back to a single-winner decision naming the
// top-ranked bid — ranked must be non-empty and already sorted
// best-first, as orderbook.EvaluateAndRank produces.
func (h *Hooks) RunPreAuctionClose(ctx context.Context, task *types.Task, ranked []types.EvaluatedBid) EvaluatorDecision {
	fallback := EvaluatorDecision{
		Winners:       []string{ranked[0].Bid.AgentID},
		ExecutionMode: ModeSingle,
		Reasoning:     "top scorer",
	}
	if h.preAuctionClose == nil {
		return fallback
	}

	hctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type result struct {
		decision EvaluatorDecision
		err      error
	}
	resCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: context.DeadlineExceeded}
			}
		}()
		d, err := h.preAuctionClose(hctx, task, ranked)
		resCh <- result{decision: d, err: err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil || len(r.decision.Winners) == 0 || !winnersAreRanked(r.decision.Winners, ranked) {
			if r.err != nil {
				xlog.Task(task.ID).Warn().Err(r.err).Msg("master evaluator failed, using top scorer")
			}
			return fallback
		}
		if r.decision.ExecutionMode == "" {
			r.decision.ExecutionMode = ModeSingle
		}
		return r.decision
	case <-hctx.Done():
		xlog.Task(task.ID).Warn().Msg("master evaluator timed out, using top scorer")
		return fallback
	}
}

// RunPostSettlement fires the meta-learning hand-off, if configured, in
// its own goroutine so a slow or misbehaving subscriber never delays
// settlement.
func (h *Hooks) RunPostSettlement(ctx context.Context, task *types.Task) {
	if h.postSettlement == nil {
		return
	}
	snapshot := *task
	go func() {
		defer func() {
			if r := recover(); r != nil {
				xlog.Task(snapshot.ID).Warn().Interface("panic", r).Msg("post-settlement hook panicked")
			}
		}()
		h.postSettlement(ctx, &snapshot)
	}()
}

func winnersAreRanked(winners []string, ranked []types.EvaluatedBid) bool {
	known := make(map[string]bool, len(ranked))
	for _, b := range ranked {
		known[b.Bid.AgentID] = true
	}
	for _, w := range winners {
		if !known[w] {
			return false
		}
	}
	return true
}
