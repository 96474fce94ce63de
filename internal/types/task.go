package types

import "time"

// Result is the outcome carried by a settled, busted, or dead-lettered task.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
	// FastPath is set when the result came from a bid's inline result
	// rather than a full assignment round-trip (§4.5, scenario 5).
	FastPath bool `json:"fastPath,omitempty"`
}

// Transition records one step of a task's observed state history, the
// supplemental audit log described in SPEC_FULL.md.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	At        time.Time `json:"at"`
	Reason    string    `json:"reason,omitempty"`
}

// Task is the unit of work auctioned to agents. Field set matches §3.
type Task struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Priority Priority       `json:"priority"`

	State State `json:"state"`

	AuctionID      string `json:"auctionId,omitempty"`
	AuctionAttempt int    `json:"auctionAttempt"`

	AssignedAgent    string   `json:"assignedAgent,omitempty"`
	BackupAgents     []string `json:"backupAgents,omitempty"`
	CurrentBackupIdx int      `json:"currentBackupIndex"`

	// ExecutionMode is the winner fanout strategy chosen at auction close
	// (single/parallel/series); cascade is disabled for parallel/series.
	ExecutionMode string `json:"executionMode,omitempty"`
	// ParallelWinners holds every winning agent id when ExecutionMode is
	// parallel or series; AssignedAgent remains the primary/first winner.
	ParallelWinners []string `json:"parallelWinners,omitempty"`
	// BidEstimates carries each winner/backup's bid-time estimatedMs,
	// handed off from the auction so the execution controller can size
	// its execution deadline without re-reading the closed order book.
	BidEstimates map[string]int64 `json:"bidEstimates,omitempty"`
	// BidVersions carries each winner/backup's bid-time agentVersion, so
	// the execution controller can record reputation against the
	// (agentId, version) pair that actually bid (§3, §4.4) without
	// re-reading the closed order book.
	BidVersions map[string]string `json:"bidVersions,omitempty"`

	TimeoutAt *time.Time `json:"timeoutAt,omitempty"`
	LockedBy  string     `json:"lockedBy,omitempty"`
	LockedAt  *time.Time `json:"lockedAt,omitempty"`

	Result *Result `json:"result,omitempty"`
	// PreviousErrors accumulates one entry per failed/busted attempt this
	// auction cycle, carried to the next cascade assignment's
	// task_assignment payload so the next agent knows what already failed.
	PreviousErrors []string `json:"previousErrors,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	History []Transition `json:"history,omitempty"`
}

// maxHistory bounds the per-task audit ring buffer.
const maxHistory = 32

// Transition moves the task to a new state, recording the edge in its
// history ring buffer. It takes no lock: callers must be the task's only
// mutator at that moment (the exchange's runTask goroutine while an
// attempt is in flight, otherwise a holder of the exchange's task-map lock).
func (t *Task) Transition(to State, reason string) {
	now := time.Now()
	t.History = append(t.History, Transition{From: t.State, To: to, At: now, Reason: reason})
	if len(t.History) > maxHistory {
		t.History = t.History[len(t.History)-maxHistory:]
	}
	t.State = to
	t.UpdatedAt = now
}

// IsLocked reports whether the task currently holds an execution lease.
func (t *Task) IsLocked() bool {
	return t.LockedBy != "" && t.TimeoutAt != nil
}
