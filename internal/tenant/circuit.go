package tenant

import "time"

// CircuitConfig sets the failure threshold and cooldown for one tenant.
type CircuitConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// CircuitOpen reports whether the tenant's circuit currently blocks runs.
// When the cooldown has elapsed the circuit self-heals: opened-at is cleared
// and recovered is reported exactly once. The failure streak is NOT reset on
// recovery, so a single further failure re-opens the circuit (half-open
// semantics).
func (st *Store) CircuitOpen(id string, now time.Time) (open, recovered bool) {
	cfg, ok := st.circuits[id]
	if !ok {
		return false, false
	}
	s, ok := st.get(id)
	if !ok {
		return false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.circuitOpenedAt.IsZero() {
		return false, false
	}
	if now.Sub(s.circuitOpenedAt) >= cfg.Cooldown {
		s.circuitOpenedAt = time.Time{}
		return false, true
	}
	return true, false
}

// CircuitOpenedAt returns the circuit opening time, zero when closed.
func (st *Store) CircuitOpenedAt(id string) time.Time {
	s, ok := st.get(id)
	if !ok {
		return time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.circuitOpenedAt
}
