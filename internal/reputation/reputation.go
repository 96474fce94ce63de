// Package reputation tracks per-agent accuracy and flagged status (§4.4).
// Writes are synchronous and durable: every recordSuccess/recordFailure
// call blocks until the updated record has been persisted to the backing
// store, mirroring the teacher's DebugInfo mutex-protected aggregation
// pattern but trading it for a full read-modify-write against storage.KV.
package reputation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/taskauction/exchange/internal/events"
	"github.com/taskauction/exchange/internal/metrics"
	"github.com/taskauction/exchange/internal/storage"
	"github.com/taskauction/exchange/internal/xlog"
)

// emaAlpha weights the most recent outcome in the exponential moving
// average. 0.2 keeps accuracy responsive without letting one bad outcome
// swing an established agent's score too far.
const emaAlpha = 0.2

// defaultFlagThreshold is the number of consecutive failures that trips
// sticky flagging (§4.4).
const defaultFlagThreshold = 3

// defaultAccuracyFloor is the weighted-accuracy value below which flagging
// trips even without a consecutive-failure streak (§4.4: "OR weighted
// accuracy falls below a configurable floor").
const defaultAccuracyFloor = 0.3

// defaultFlagFloor is the accuracy value a flagged agent's repFactor is
// pinned to until manually cleared.
const defaultFlagFloor = 0.5

// Record is one (agentID, version) pair's persisted reputation snapshot
// (§3: "Per (agent_id, version): weighted accuracy...").
type Record struct {
	AgentID             string    `json:"agentId"`
	AgentVersion        string    `json:"agentVersion"`
	Accuracy            float64   `json:"accuracy"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Flagged             bool      `json:"flagged"`
	TotalSuccesses      int64     `json:"totalSuccesses"`
	TotalFailures       int64     `json:"totalFailures"`
	TotalTimeouts       int64     `json:"totalTimeouts"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// key joins an agent id and version into the composite identity reputation
// entries are tracked under, matching the §6 storage key
// "reputation:<agentId>:<version>".
func key(agentID, version string) string {
	if version == "" {
		version = "unversioned"
	}
	return agentID + ":" + version
}

// RepFactor derives the bid-scoring repFactor from a snapshot (§4.5):
// flagged agents are pinned to the floor regardless of their raw
// accuracy; otherwise accuracy is compressed into [0.5, 1.0] so even a
// zero-accuracy unflagged agent keeps a nonzero chance of winning.
func (r Record) RepFactor() float64 {
	if r.Flagged {
		return defaultFlagFloor
	}
	return defaultFlagFloor + defaultFlagFloor*r.Accuracy
}

// Store is the durable, synchronous-write reputation ledger.
type Store struct {
	mu             sync.Mutex
	kv             storage.KV
	bus            *events.Bus
	metrics        *metrics.Metrics
	flagThreshold  int
	accuracyFloor  float64
	records        map[string]Record
}

// New creates a Store backed by kv, publishing agent:flagged onto bus
// whenever a (agentId, version) pair newly trips sticky flagging.
func New(kv storage.KV, bus *events.Bus) *Store {
	return &Store{
		kv:            kv,
		bus:           bus,
		flagThreshold: defaultFlagThreshold,
		accuracyFloor: defaultAccuracyFloor,
		records:       make(map[string]Record),
	}
}

// SetFlagThreshold overrides the consecutive-failure count that trips
// sticky flagging.
func (s *Store) SetFlagThreshold(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagThreshold = n
}

// SetAccuracyFloor overrides the weighted-accuracy value below which
// flagging trips independent of the consecutive-failure streak.
func (s *Store) SetAccuracyFloor(floor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accuracyFloor = floor
}

// SetMetrics attaches the exchange's metrics recorder; accuracy gauges
// and flag counters are reported through it when set. Optional — a nil
// or never-set recorder means reputation tracking runs without metrics.
func (s *Store) SetMetrics(m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Snapshot returns (agentID, version)'s current record, defaulting to a
// neutral accuracy of 1.0 for a pair never previously recorded (§4.4: new
// agents start unpenalized).
func (s *Store) Snapshot(ctx context.Context, agentID, version string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx, agentID, version)
}

// load reads (agentID, version)'s record from cache or storage. Caller
// holds s.mu.
func (s *Store) load(ctx context.Context, agentID, version string) Record {
	k := key(agentID, version)
	if r, ok := s.records[k]; ok {
		return r
	}
	r := Record{AgentID: agentID, AgentVersion: version, Accuracy: 1.0}
	raw, found, err := s.kv.Get(ctx, storage.ReputationPrefix+k)
	if err != nil {
		xlog.Agent(agentID).Warn().Err(err).Msg("reputation load failed, using default")
		return r
	}
	if found {
		if jerr := json.Unmarshal(raw, &r); jerr != nil {
			xlog.Agent(agentID).Warn().Err(jerr).Msg("reputation record corrupt, resetting")
			r = Record{AgentID: agentID, AgentVersion: version, Accuracy: 1.0}
		}
	}
	s.records[k] = r
	return r
}

// persist writes r synchronously to storage and updates the cache. Caller
// holds s.mu.
func (s *Store) persist(ctx context.Context, r Record) error {
	r.UpdatedAt = time.Now()
	k := key(r.AgentID, r.AgentVersion)
	s.records[k] = r
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, storage.ReputationPrefix+k, raw); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SetAgentAccuracy(r.AgentID, r.Accuracy)
	}
	if r.Flagged {
		return s.kv.Set(ctx, storage.FlaggedPrefix+k, []byte("1"))
	}
	return s.kv.Delete(ctx, storage.FlaggedPrefix+k)
}

// RecordSuccess updates (agentID, version)'s accuracy toward 1.0 and
// clears its consecutive-failure counter. Flagged status is sticky and is
// not cleared by successes — only ClearFlag lifts it (§4.4 supplement).
func (s *Store) RecordSuccess(ctx context.Context, agentID, version string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(ctx, agentID, version)
	r.Accuracy = ema(r.Accuracy, 1.0)
	r.ConsecutiveFailures = 0
	r.TotalSuccesses++
	if err := s.persist(ctx, r); err != nil {
		return r, err
	}
	return r, nil
}

// RecordFailure updates (agentID, version)'s accuracy toward 0.0,
// increments its consecutive-failure counter, and flags the pair once the
// counter reaches the configured threshold or the updated accuracy falls
// below the configured accuracy floor. isTimeout distinguishes a
// deadline failure from an explicit unsuccessful result for the Total*
// counters.
func (s *Store) RecordFailure(ctx context.Context, agentID, version string, isTimeout bool) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(ctx, agentID, version)
	r.Accuracy = ema(r.Accuracy, 0.0)
	r.ConsecutiveFailures++
	r.TotalFailures++
	if isTimeout {
		r.TotalTimeouts++
	}
	wasFlagged := r.Flagged
	reason := ""
	if r.ConsecutiveFailures >= s.flagThreshold {
		r.Flagged = true
		reason = "consecutive failures"
	} else if r.Accuracy < s.accuracyFloor {
		r.Flagged = true
		reason = "accuracy below floor"
	}
	if err := s.persist(ctx, r); err != nil {
		return r, err
	}
	if r.Flagged && !wasFlagged {
		xlog.Agent(agentID).Warn().Str("reason", reason).Msg("agent flagged")
		if s.bus != nil {
			s.bus.Publish(events.Event{Kind: events.AgentFlagged, AgentID: agentID, Reason: reason})
		}
		if s.metrics != nil {
			s.metrics.RecordAgentFlagged(agentID)
		}
	}
	return r, nil
}

// ClearFlag manually lifts a sticky flag and resets the failure counter,
// an operator/introspection action (§4.4 supplement), not an automatic
// outcome of bidding.
func (s *Store) ClearFlag(ctx context.Context, agentID, version string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.load(ctx, agentID, version)
	r.Flagged = false
	r.ConsecutiveFailures = 0
	if err := s.persist(ctx, r); err != nil {
		return r, err
	}
	return r, nil
}

func ema(prev, sample float64) float64 {
	return emaAlpha*sample + (1-emaAlpha)*prev
}
