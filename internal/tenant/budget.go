package tenant

import "time"

// Budget is a per-tenant rate and consumption envelope.
type Budget struct {
	MaxRunsPerHour  int
	MaxTokensPerDay int
}

// Allowed decides whether a run may start for the tenant at now. Tenants
// without a budget are always allowed. The token sum is computed lazily over
// the pruned ledger at decision time.
func (st *Store) Allowed(id string, now time.Time) bool {
	b, ok := st.budgets[id]
	if !ok {
		return true
	}
	s, ok := st.get(id)
	if !ok {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	if len(s.runTimes) >= b.MaxRunsPerHour {
		return false
	}
	sum := 0
	for _, e := range s.ledger {
		sum += e.tokens
	}
	return sum < b.MaxTokensPerDay
}
