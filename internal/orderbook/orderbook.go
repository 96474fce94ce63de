// Package orderbook accumulates bids for a single auction and ranks them
// at close (§4.5).
package orderbook

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/taskauction/exchange/internal/types"
)

var (
	// ErrClosed is returned by SubmitBid once the book has been closed.
	ErrClosed = errors.New("orderbook: auction closed")
	// ErrDuplicateBidder is returned when an agent has already bid.
	ErrDuplicateBidder = errors.New("orderbook: agent already bid")
)

// timelinessCapMs is the estimated-time value beyond which
// timelinessBonus bottoms out at 0; faster estimates approach 1.
const timelinessCapMs = 60_000

// Book is one auction's bid accumulator. Safe for concurrent SubmitBid
// calls from multiple inbound agent goroutines; closed exactly once by
// the auction controller.
type Book struct {
	mu     sync.Mutex
	bids   map[string]types.Bid // agentID -> bid, enforces first-bid-wins
	order  []string             // arrival order, for (c) tie-break stability
	closed bool
	notify chan struct{}
}

// New creates an open Book.
func New() *Book {
	return &Book{bids: make(map[string]types.Bid), notify: make(chan struct{}, 1)}
}

// Notify returns a channel that receives a signal after every accepted
// bid, letting the auction controller wake up and check whether every
// candidate has now responded without polling.
func (b *Book) Notify() <-chan struct{} {
	return b.notify
}

// SubmitBid records bid if the book is open and the agent has not
// already bid. Late or duplicate bids are rejected without mutating
// state.
func (b *Book) SubmitBid(bid types.Bid) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.bids[bid.AgentID]; ok {
		return ErrDuplicateBidder
	}
	if bid.SubmittedAt.IsZero() {
		bid.SubmittedAt = time.Now()
	}
	b.bids[bid.AgentID] = bid
	b.order = append(b.order, bid.AgentID)
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Count returns the number of distinct bids received so far.
func (b *Book) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bids)
}

// Close marks the book closed; subsequent SubmitBid calls are rejected.
func (b *Book) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// ReputationLookup resolves an (agentID, version) pair's repFactor and
// raw accuracy at scoring time.
type ReputationLookup func(agentID, version string) (repFactor, accuracy float64, flagged bool)

// EvaluateAndRank runs once at close, scoring every bid per §4.5 and
// returning a best-first ranking. Calling it does not require the book
// to be closed first; the auction controller is responsible for calling
// Close before ranking if it wants to reject late bids.
func (b *Book) EvaluateAndRank(lookup ReputationLookup) []types.EvaluatedBid {
	b.mu.Lock()
	bids := make([]types.Bid, 0, len(b.bids))
	for _, id := range b.order {
		bids = append(bids, b.bids[id])
	}
	b.mu.Unlock()

	out := make([]types.EvaluatedBid, 0, len(bids))
	for _, bid := range bids {
		repFactor, accuracy, flagged := lookup(bid.AgentID, bid.AgentVersion)
		score := computeScore(bid, repFactor)
		out = append(out, types.EvaluatedBid{
			Bid:      bid,
			Score:    score,
			Accuracy: accuracy,
			Flagged:  flagged,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i], out[j])
	})
	for i := range out {
		out[i].Rank = i
	}
	return out
}

func computeScore(bid types.Bid, repFactor float64) float64 {
	baseScore := 0.7*bid.Confidence + 0.3*timelinessBonus(bid.EstimatedMs)
	return baseScore * repFactor * bid.Tier.Factor()
}

// timelinessBonus maps an estimated-time value monotonically decreasing
// into [0,1]; estimates at or beyond the cap never score below 0.
func timelinessBonus(estimatedMs int64) float64 {
	if estimatedMs <= 0 {
		return 1
	}
	if estimatedMs >= timelinessCapMs {
		return 0
	}
	return 1 - float64(estimatedMs)/float64(timelinessCapMs)
}

// less orders a before b: higher score first, then ties broken by (a)
// tier, (b) lower estimatedTimeMs, (c) earlier bid timestamp, (d)
// lexicographic agent id.
func less(a, c types.EvaluatedBid) bool {
	if a.Score != c.Score {
		return a.Score > c.Score
	}
	if a.Bid.Tier.Factor() != c.Bid.Tier.Factor() {
		return a.Bid.Tier.Factor() > c.Bid.Tier.Factor()
	}
	if a.Bid.EstimatedMs != c.Bid.EstimatedMs {
		return a.Bid.EstimatedMs < c.Bid.EstimatedMs
	}
	if !a.Bid.SubmittedAt.Equal(c.Bid.SubmittedAt) {
		return a.Bid.SubmittedAt.Before(c.Bid.SubmittedAt)
	}
	return a.Bid.AgentID < c.Bid.AgentID
}
