package tenant

import (
	"testing"
	"time"
)

func TestStore_RollingWindows(t *testing.T) {
	budgets := map[string]Budget{"t1": {MaxRunsPerHour: 100, MaxTokensPerDay: 100_000}}
	st := NewStore(budgets, nil, 0)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	st.RecordRun("t1", base, 100)
	st.RecordRun("t1", base.Add(10*time.Minute), 200)

	s := st.GetOrCreate("t1", base.Add(20*time.Minute))
	if got := s.RunCount(base.Add(20 * time.Minute)); got != 2 {
		t.Fatalf("RunCount: got %d, want 2", got)
	}

	// One hour after the first run, only the second remains.
	at := base.Add(time.Hour + time.Minute)
	if got := s.RunCount(at); got != 1 {
		t.Fatalf("RunCount after prune: got %d, want 1", got)
	}

	// The token ledger holds for 24h, then drains.
	if got := s.TokensUsed(base.Add(23 * time.Hour)); got != 300 {
		t.Fatalf("TokensUsed within window: got %d, want 300", got)
	}
	if got := s.TokensUsed(base.Add(25 * time.Hour)); got != 0 {
		t.Fatalf("TokensUsed after window: got %d, want 0", got)
	}
}

func TestStore_RecordRunWithoutBudgetIsNoop(t *testing.T) {
	st := NewStore(nil, nil, 0)
	now := time.Now()
	st.RecordRun("free", now, 500)
	s := st.GetOrCreate("free", now)
	if got := s.RunCount(now); got != 0 {
		t.Fatalf("RunCount without budget: got %d, want 0", got)
	}
}

func TestStore_Allowed(t *testing.T) {
	budgets := map[string]Budget{"t1": {MaxRunsPerHour: 2, MaxTokensPerDay: 1000}}
	st := NewStore(budgets, nil, 0)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	if !st.Allowed("t1", base) {
		t.Fatalf("fresh tenant should be allowed")
	}
	if !st.Allowed("unbudgeted", base) {
		t.Fatalf("tenant without budget should always be allowed")
	}

	st.RecordRun("t1", base, 100)
	st.RecordRun("t1", base.Add(time.Minute), 100)
	if st.Allowed("t1", base.Add(2*time.Minute)) {
		t.Fatalf("run cap reached, should be blocked")
	}

	// The window slides: an hour past the first run, one slot frees up.
	if !st.Allowed("t1", base.Add(time.Hour+time.Minute)) {
		t.Fatalf("slot should free after window slides")
	}

	// Token exhaustion blocks even with run slots available.
	st2 := NewStore(map[string]Budget{"t2": {MaxRunsPerHour: 100, MaxTokensPerDay: 1000}}, nil, 0)
	st2.RecordRun("t2", base, 1000)
	if st2.Allowed("t2", base.Add(time.Minute)) {
		t.Fatalf("token cap reached, should be blocked")
	}
	if !st2.Allowed("t2", base.Add(25*time.Hour)) {
		t.Fatalf("token window should slide after 24h")
	}
}

func TestStore_FailureStreakAndCircuit(t *testing.T) {
	circuits := map[string]CircuitConfig{"t1": {FailureThreshold: 3, Cooldown: 5 * time.Second}}
	st := NewStore(nil, circuits, 0)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	if opened := st.RecordFailure("t1", base); opened {
		t.Fatalf("first failure should not open circuit")
	}
	if opened := st.RecordFailure("t1", base.Add(time.Second)); opened {
		t.Fatalf("second failure should not open circuit")
	}
	if opened := st.RecordFailure("t1", base.Add(2*time.Second)); !opened {
		t.Fatalf("third failure should open circuit")
	}

	// Further failures while open do not re-open.
	if opened := st.RecordFailure("t1", base.Add(3*time.Second)); opened {
		t.Fatalf("failure while open should not report opened again")
	}

	open, recovered := st.CircuitOpen("t1", base.Add(4*time.Second))
	if !open || recovered {
		t.Fatalf("within cooldown: got open=%v recovered=%v, want open", open, recovered)
	}

	// Cooldown elapses from the opening time, not the last failure.
	open, recovered = st.CircuitOpen("t1", base.Add(2*time.Second+5*time.Second))
	if open || !recovered {
		t.Fatalf("after cooldown: got open=%v recovered=%v, want recovered", open, recovered)
	}

	// Recovery reports exactly once.
	open, recovered = st.CircuitOpen("t1", base.Add(8*time.Second))
	if open || recovered {
		t.Fatalf("post-recovery: got open=%v recovered=%v, want closed", open, recovered)
	}

	// Half-open: the streak survives recovery, so one more failure re-opens.
	if opened := st.RecordFailure("t1", base.Add(9*time.Second)); !opened {
		t.Fatalf("failure after recovery should re-open immediately")
	}

	// Success resets the streak.
	st.RecordSuccess("t1")
	s := st.GetOrCreate("t1", base)
	if got := s.ConsecutiveFailures(); got != 0 {
		t.Fatalf("ConsecutiveFailures after success: got %d, want 0", got)
	}
}

func TestStore_CircuitWithoutConfig(t *testing.T) {
	st := NewStore(nil, nil, 0)
	now := time.Now()
	for i := 0; i < 10; i++ {
		if opened := st.RecordFailure("t1", now); opened {
			t.Fatalf("tenant without circuit config opened a circuit")
		}
	}
	if open, _ := st.CircuitOpen("t1", now); open {
		t.Fatalf("tenant without circuit config reports open")
	}
}

func TestStore_IdleEviction(t *testing.T) {
	st := NewStore(nil, nil, time.Minute)
	evicted := []string{}
	st.OnEvict = func(id string) { evicted = append(evicted, id) }

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	st.GetOrCreate("old", base)
	st.GetOrCreate("fresh", base.Add(30*time.Second))
	if got := st.Size(); got != 2 {
		t.Fatalf("Size: got %d, want 2", got)
	}

	// GetOrCreate sweeps opportunistically: touching a third tenant past the
	// idle window evicts "old" but keeps the toucher and anything recent.
	st.GetOrCreate("fresh", base.Add(70*time.Second))
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Fatalf("OnEvict: got %v, want [old]", evicted)
	}
	if got := st.Size(); got != 1 {
		t.Fatalf("Size after opportunistic sweep: got %d, want 1", got)
	}

	n := st.SweepIdle(base.Add(5 * time.Minute))
	if n != 1 {
		t.Fatalf("SweepIdle: got %d evictions, want 1", n)
	}
	if got := st.Size(); got != 0 {
		t.Fatalf("Size after sweep: got %d, want 0", got)
	}

	// Recreated state is clean.
	s := st.GetOrCreate("old", base.Add(4*time.Minute))
	if got := s.ConsecutiveFailures(); got != 0 {
		t.Fatalf("recreated state failures: got %d, want 0", got)
	}
}

func TestStore_EvictionSkipsInFlight(t *testing.T) {
	st := NewStore(nil, nil, time.Minute)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	s := st.GetOrCreate("busy", base)
	s.BeginRun()
	if n := st.SweepIdle(base.Add(time.Hour)); n != 0 {
		t.Fatalf("SweepIdle evicted an in-flight tenant")
	}
	s.EndRun()
	if n := st.SweepIdle(base.Add(time.Hour)); n != 1 {
		t.Fatalf("SweepIdle after settle: got %d, want 1", n)
	}
}

func TestStore_EvictionDisabled(t *testing.T) {
	st := NewStore(nil, nil, 0)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	st.GetOrCreate("t1", base)
	if n := st.SweepIdle(base.Add(24 * time.Hour)); n != 0 {
		t.Fatalf("SweepIdle with eviction disabled: got %d, want 0", n)
	}
}
