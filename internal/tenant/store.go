// Package tenant holds per-tenant runtime bookkeeping: rolling run and token
// windows, consecutive-failure counts, circuit state, and idle eviction.
package tenant

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const (
	// runWindow is the rolling window for the per-tenant run count.
	runWindow = time.Hour
	// tokenWindow is the rolling window for the per-tenant token ledger.
	tokenWindow = 24 * time.Hour
)

type tokenEntry struct {
	at     time.Time
	tokens int
}

// State is the in-memory bookkeeping for one tenant. Rolling windows and
// circuit fields are guarded by mu; activity and in-flight tracking use
// atomics so eviction sweeps never contend with a running tenant.
type State struct {
	mu                  sync.Mutex
	runTimes            []time.Time
	ledger              []tokenEntry
	consecutiveFailures int
	circuitOpenedAt     time.Time // zero means closed

	lastActivityNs atomic.Int64
	inFlight       atomic.Int32
}

func (s *State) touch(now time.Time) {
	s.lastActivityNs.Store(now.UnixNano())
}

// BeginRun marks a run in flight; eviction skips tenants with work pending.
func (s *State) BeginRun() { s.inFlight.Add(1) }

// EndRun marks the run settled for scheduling purposes.
func (s *State) EndRun() { s.inFlight.Add(-1) }

// InFlight returns the number of runs currently in flight.
func (s *State) InFlight() int { return int(s.inFlight.Load()) }

// ConsecutiveFailures returns the current failure streak.
func (s *State) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// RunCount returns the pruned rolling run count.
func (s *State) RunCount(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	return len(s.runTimes)
}

// TokensUsed returns the pruned rolling token sum.
func (s *State) TokensUsed(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	sum := 0
	for _, e := range s.ledger {
		sum += e.tokens
	}
	return sum
}

// pruneLocked drops run timestamps older than 1h and ledger entries older
// than 24h. Entries exactly at the window edge are dropped.
func (s *State) pruneLocked(now time.Time) {
	runCutoff := now.Add(-runWindow)
	keepRuns := s.runTimes[:0]
	for _, t := range s.runTimes {
		if t.After(runCutoff) {
			keepRuns = append(keepRuns, t)
		}
	}
	s.runTimes = keepRuns

	tokenCutoff := now.Add(-tokenWindow)
	keepLedger := s.ledger[:0]
	for _, e := range s.ledger {
		if e.at.After(tokenCutoff) {
			keepLedger = append(keepLedger, e)
		}
	}
	s.ledger = keepLedger
}

// Store tracks all tenant states plus the immutable budget and circuit
// configuration. States are created lazily and evicted when idle.
type Store struct {
	states   *xsync.Map[string, *State]
	budgets  map[string]Budget
	circuits map[string]CircuitConfig

	// idleEviction <= 0 disables eviction.
	idleEviction time.Duration

	// OnEvict, when set, is invoked for each evicted tenant id so the owner
	// can drop associated resources (e.g. the tenant's lock chain). Must be
	// set before the store is shared.
	OnEvict func(tenantID string)
}

// NewStore creates a Store with the given per-tenant configuration.
func NewStore(budgets map[string]Budget, circuits map[string]CircuitConfig, idleEviction time.Duration) *Store {
	return &Store{
		states:       xsync.NewMap[string, *State](),
		budgets:      budgets,
		circuits:     circuits,
		idleEviction: idleEviction,
	}
}

// GetOrCreate returns the tenant's state, creating it on first access,
// refreshing its activity timestamp, and opportunistically sweeping idle
// tenants.
func (st *Store) GetOrCreate(id string, now time.Time) *State {
	s, _ := st.states.LoadOrCompute(id, func() (*State, bool) {
		return &State{}, false
	})
	s.touch(now)
	st.SweepIdle(now)
	return s
}

// get returns the state without touching activity or sweeping.
func (st *Store) get(id string) (*State, bool) {
	return st.states.Load(id)
}

// getOrCreateQuiet creates the state if needed without activity/sweep side
// effects; used by bookkeeping writers.
func (st *Store) getOrCreateQuiet(id string) *State {
	s, _ := st.states.LoadOrCompute(id, func() (*State, bool) {
		return &State{}, false
	})
	return s
}

// Size returns the number of tracked tenants.
func (st *Store) Size() int {
	return st.states.Size()
}

// SweepIdle evicts tenants whose last activity predates the eviction window
// and that have no run in flight. Returns the number of evicted tenants.
func (st *Store) SweepIdle(now time.Time) int {
	if st.idleEviction <= 0 {
		return 0
	}
	cutoffNs := now.Add(-st.idleEviction).UnixNano()
	evicted := 0
	st.states.Range(func(id string, s *State) bool {
		if s.lastActivityNs.Load() >= cutoffNs || s.inFlight.Load() != 0 {
			return true
		}
		removed := false
		st.states.Compute(id, func(cur *State, loaded bool) (*State, xsync.ComputeOp) {
			if !loaded {
				return cur, xsync.CancelOp
			}
			// Re-check inside the map lock: a run may have started since.
			if cur.lastActivityNs.Load() < cutoffNs && cur.inFlight.Load() == 0 {
				removed = true
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		if removed {
			evicted++
			if st.OnEvict != nil {
				st.OnEvict(id)
			}
		}
		return true
	})
	return evicted
}

// RecordRun appends a run timestamp and, for positive token counts, a token
// ledger entry. No-op for tenants without a configured budget.
func (st *Store) RecordRun(id string, now time.Time, tokens int) {
	if _, ok := st.budgets[id]; !ok {
		return
	}
	s := st.getOrCreateQuiet(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	s.runTimes = append(s.runTimes, now)
	if tokens > 0 {
		s.ledger = append(s.ledger, tokenEntry{at: now, tokens: tokens})
	}
}

// RecordSuccess resets the tenant's failure streak.
func (st *Store) RecordSuccess(id string) {
	s, ok := st.get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	s.consecutiveFailures = 0
	s.mu.Unlock()
}

// RecordFailure increments the failure streak and opens the circuit when the
// configured threshold is reached. Returns whether the circuit opened now.
func (st *Store) RecordFailure(id string, now time.Time) (opened bool) {
	s := st.getOrCreateQuiet(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	cfg, ok := st.circuits[id]
	if !ok {
		return false
	}
	if s.circuitOpenedAt.IsZero() && s.consecutiveFailures >= cfg.FailureThreshold {
		s.circuitOpenedAt = now
		return true
	}
	return false
}
