// Package selector ranks candidate bridges using their connection
// history and picks the one to try next. The selector owns all the
// mutable per-bridge scoring state; the directory only hands it
// immutable descriptor sets.
package selector

import (
	"sort"
	"sync"
	"time"

	"github.com/brume-vpn/brume/internal/model"
	"github.com/brume-vpn/brume/internal/optional"
)

// Params are the scoring tunables. The exact values are policy, not
// protocol: adjust them freely without touching the algorithm.
type Params struct {
	// EWMAAlpha is the weight of the newest latency sample in the
	// exponentially-weighted moving average.
	EWMAAlpha float64

	// DefaultLatency is the latency assumed for a bridge we never
	// connected to.
	DefaultLatency time.Duration

	// FailurePenalty is added to the effective latency once per
	// consecutive failure.
	FailurePenalty time.Duration

	// RecencyBonus is subtracted from the effective latency of bridges
	// not yet tried in the current failover round.
	RecencyBonus time.Duration

	// SampleWindow bounds the per-bridge latency sample ring.
	SampleWindow int
}

// DefaultParams returns the default scoring parameters.
func DefaultParams() Params {
	return Params{
		EWMAAlpha:      0.3,
		DefaultLatency: 300 * time.Millisecond,
		FailurePenalty: 150 * time.Millisecond,
		RecencyBonus:   50 * time.Millisecond,
		SampleWindow:   16,
	}
}

// timeNow is overridable in tests.
var timeNow = time.Now

// ScoreRecord is the serializable per-bridge score, persisted across
// restarts to avoid cold-start exploration.
type ScoreRecord struct {
	// EWMA is the smoothed round-trip latency in nanoseconds.
	EWMA time.Duration `json:"ewma"`

	// Samples are the most recent latency samples, newest last.
	Samples []time.Duration `json:"samples"`

	// Failures is the consecutive-failure count.
	Failures int `json:"failures"`

	// LastSuccess is the time of the last successful connection.
	LastSuccess time.Time `json:"last_success"`
}

// score is the in-memory scoring state for one bridge.
type score struct {
	record       ScoreRecord
	triedInRound bool
}

// Selector scores and orders candidate bridges. The zero value is
// invalid; use [New]. Selector is safe for concurrent use: the
// reconnect path and liveness probes record outcomes concurrently.
type Selector struct {
	logger model.Logger
	params Params

	mu          sync.Mutex
	descriptors map[model.BridgeID]*model.BridgeDescriptor
	scores      map[model.BridgeID]*score
}

// New creates a [Selector] with the given parameters.
func New(logger model.Logger, params Params) *Selector {
	return &Selector{
		logger:      logger,
		params:      params,
		descriptors: make(map[model.BridgeID]*model.BridgeDescriptor),
		scores:      make(map[model.BridgeID]*score),
	}
}

// UpdateDescriptors atomically replaces the candidate set. Scoring
// state for bridges absent from the new set is dropped.
func (s *Selector) UpdateDescriptors(descriptors []*model.BridgeDescriptor) {
	defer s.mu.Unlock()
	s.mu.Lock()
	next := make(map[model.BridgeID]*model.BridgeDescriptor, len(descriptors))
	for _, d := range descriptors {
		next[d.ID] = d
	}
	for id := range s.scores {
		if _, found := next[id]; !found {
			delete(s.scores, id)
		}
	}
	s.descriptors = next
}

// Choose returns the highest-scoring bridge not in exclude, or an
// empty value when every candidate is excluded. Selection is
// deterministic for a fixed score vector: ties break on the bridge
// identity. The returned bridge is marked as tried in the current
// failover round.
func (s *Selector) Choose(exclude map[model.BridgeID]bool) optional.Value[*model.BridgeDescriptor] {
	defer s.mu.Unlock()
	s.mu.Lock()

	// iterate in identity order so equal costs resolve the same way
	// on every call
	ids := make([]model.BridgeID, 0, len(s.descriptors))
	for id := range s.descriptors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var (
		best     *model.BridgeDescriptor
		bestCost time.Duration
	)
	for _, id := range ids {
		if exclude[id] {
			continue
		}
		cost := s.costLocked(id)
		if best == nil || cost < bestCost {
			best = s.descriptors[id]
			bestCost = cost
		}
	}
	if best == nil {
		return optional.None[*model.BridgeDescriptor]()
	}
	s.scoreLocked(best.ID).triedInRound = true
	return optional.Some(best)
}

// ResetRound clears the per-round tried markers. The session manager
// calls it when a new failover round starts.
func (s *Selector) ResetRound() {
	defer s.mu.Unlock()
	s.mu.Lock()
	for _, sc := range s.scores {
		sc.triedInRound = false
	}
}

// RecordOutcome updates the score for one connection attempt or
// liveness probe. Latency is ignored for failures.
func (s *Selector) RecordOutcome(id model.BridgeID, success bool, latency time.Duration) {
	defer s.mu.Unlock()
	s.mu.Lock()
	sc := s.scoreLocked(id)
	if !success {
		sc.record.Failures++
		return
	}
	// the penalty decays on each success rather than resetting, so a
	// flapping bridge does not look pristine after one good attempt
	sc.record.Failures /= 2
	sc.record.LastSuccess = timeNow()
	sc.record.Samples = append(sc.record.Samples, latency)
	if len(sc.record.Samples) > s.params.SampleWindow {
		sc.record.Samples = sc.record.Samples[1:]
	}
	if sc.record.EWMA == 0 {
		sc.record.EWMA = latency
		return
	}
	alpha := s.params.EWMAAlpha
	sc.record.EWMA = time.Duration(alpha*float64(latency) + (1-alpha)*float64(sc.record.EWMA))
}

// costLocked computes the effective latency used for ordering: lower
// is better.
func (s *Selector) costLocked(id model.BridgeID) time.Duration {
	sc := s.scoreLocked(id)
	cost := sc.record.EWMA
	if cost == 0 {
		cost = s.params.DefaultLatency
	}
	cost += time.Duration(sc.record.Failures) * s.params.FailurePenalty
	if !sc.triedInRound {
		cost -= s.params.RecencyBonus
	}
	return cost
}

func (s *Selector) scoreLocked(id model.BridgeID) *score {
	sc, found := s.scores[id]
	if !found {
		sc = &score{}
		s.scores[id] = sc
	}
	return sc
}

// ExportScores returns a serializable snapshot of the scoring state,
// for persistence.
func (s *Selector) ExportScores() map[model.BridgeID]ScoreRecord {
	defer s.mu.Unlock()
	s.mu.Lock()
	out := make(map[model.BridgeID]ScoreRecord, len(s.scores))
	for id, sc := range s.scores {
		out[id] = sc.record
	}
	return out
}

// ImportScores seeds the scoring state from a persisted snapshot.
func (s *Selector) ImportScores(records map[model.BridgeID]ScoreRecord) {
	defer s.mu.Unlock()
	s.mu.Lock()
	for id, record := range records {
		s.scores[id] = &score{record: record}
	}
}
