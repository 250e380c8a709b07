package runtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/droverworks/drover/internal/audit"
)

// Status classifies a settled run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusIdle      Status = "idle"
	StatusError     Status = "error"
	StatusDryRun    Status = "dry_run"
)

// Outcome is the provider's report for one run.
type Outcome struct {
	Status     Status
	TokensUsed int
	// Decision is an opaque payload; the runtime never inspects it.
	Decision any
}

// RunContext identifies a run to the provider. Cancellation travels on the
// context.Context passed to RunOnce.
type RunContext struct {
	TenantID string
	RunID    string
}

// Provider is the opaque agent run capability. RunOnce may block, may return
// an error, and may ignore cancellation; the executor bounds all three.
type Provider interface {
	RunOnce(ctx context.Context, rc RunContext) (Outcome, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, rc RunContext) (Outcome, error)

func (f ProviderFunc) RunOnce(ctx context.Context, rc RunContext) (Outcome, error) {
	return f(ctx, rc)
}

type runResult struct {
	out Outcome
	err error
}

// execute drives one run for the tenant end to end: precheck, lock, provider
// invocation raced against the run timeout, bookkeeping, audit emission.
// Failures never propagate; they are visible only through audit events and
// circuit state.
func (r *Runtime) execute(tenantID string) {
	now := r.clock.Now()
	state := r.store.GetOrCreate(tenantID, now)

	if r.kill.Enabled() {
		r.emit(audit.Record{TenantID: tenantID, Event: audit.EventRunBlockedKillSwitch, At: now})
		return
	}

	runID := r.genRunID(tenantID)

	if !r.store.Allowed(tenantID, now) {
		r.emit(audit.Record{TenantID: tenantID, RunID: runID, Event: audit.EventRunBlockedBudget, At: now})
		return
	}

	open, recovered := r.store.CircuitOpen(tenantID, now)
	if recovered {
		r.emit(audit.Record{TenantID: tenantID, Event: audit.EventCircuitBreakerRecovered, At: now})
	}
	if open {
		r.emit(audit.Record{TenantID: tenantID, RunID: runID, Event: audit.EventRunBlockedCircuitBreaker, At: now})
		return
	}

	r.emit(audit.Record{TenantID: tenantID, RunID: runID, Event: audit.EventRunStarted, At: now})

	// In-flight from here so an idle sweep cannot evict the tenant (or its
	// lock) while this run waits its turn.
	state.BeginRun()
	defer state.EndRun()

	lock := r.locks.acquire(tenantID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resCh := make(chan runResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				resCh <- runResult{err: fmt.Errorf("provider panic: %v", p)}
			}
		}()
		out, err := r.provider.RunOnce(ctx, RunContext{TenantID: tenantID, RunID: runID})
		resCh <- runResult{out: out, err: err}
	}()

	timeout := time.NewTimer(r.runTimeout)
	defer timeout.Stop()

	select {
	case res := <-resCh:
		lock.release()
		r.settle(tenantID, runID, res)
		return
	case <-timeout.C:
	}

	// Timeout: ask the provider to stop, book the failure, then hold the
	// lock through the grace window.
	cancel()
	failedAt := r.clock.Now()
	if opened := r.store.RecordFailure(tenantID, failedAt); opened {
		r.emit(audit.Record{TenantID: tenantID, Event: audit.EventCircuitBreakerOpened, At: failedAt})
	}
	r.emit(audit.Record{
		TenantID: tenantID,
		RunID:    runID,
		Event:    audit.EventRunError,
		At:       failedAt,
		Data:     map[string]any{"error": fmt.Sprintf("Run timeout after %dms", r.runTimeout.Milliseconds())},
	})

	r.gracePhase(tenantID, runID, lock, resCh)
}

// settle books a run that completed before the timeout.
func (r *Runtime) settle(tenantID, runID string, res runResult) {
	now := r.clock.Now()

	if res.err != nil {
		r.store.RecordRun(tenantID, now, 0)
		if opened := r.store.RecordFailure(tenantID, now); opened {
			r.emit(audit.Record{TenantID: tenantID, Event: audit.EventCircuitBreakerOpened, At: now})
		}
		r.emit(audit.Record{
			TenantID: tenantID,
			RunID:    runID,
			Event:    audit.EventRunError,
			At:       now,
			Data:     map[string]any{"error": res.err.Error()},
		})
		return
	}

	r.store.RecordRun(tenantID, now, res.out.TokensUsed)
	if res.out.Status == StatusError {
		if opened := r.store.RecordFailure(tenantID, now); opened {
			r.emit(audit.Record{TenantID: tenantID, Event: audit.EventCircuitBreakerOpened, At: now})
		}
	} else {
		r.store.RecordSuccess(tenantID)
	}
	r.emit(audit.Record{
		TenantID: tenantID,
		RunID:    runID,
		Event:    audit.EventRunCompleted,
		At:       now,
		Data:     map[string]any{"status": string(res.out.Status), "tokens_used": res.out.TokensUsed},
	})
}

// gracePhase holds the tenant lock after a timeout. A settlement within the
// grace window is charged at its real cost (zero for a rejection); once the
// grace elapses the configured timeout charge applies. The lock is force
// released when the max hold elapses, with an audit event carrying the
// tokens that were charged. A settlement after the force release is drained
// with no further bookkeeping.
func (r *Runtime) gracePhase(tenantID, runID string, lock *lockHandle, resCh chan runResult) {
	graceT := time.NewTimer(r.grace)
	holdT := time.NewTimer(r.maxHold)
	defer graceT.Stop()
	defer holdT.Stop()

	charged := false
	chargedTokens := 0
	charge := func(tokens int) {
		if charged {
			return
		}
		r.store.RecordRun(tenantID, r.clock.Now(), tokens)
		charged = true
		chargedTokens = tokens
	}

	for {
		select {
		case res := <-resCh:
			tokens := 0
			if res.err == nil {
				tokens = res.out.TokensUsed
			}
			charge(tokens)
			lock.release()
			return

		case <-graceT.C:
			charge(r.chargeTokens)

		case <-holdT.C:
			charge(r.chargeTokens)
			lock.release()
			r.emit(audit.Record{
				TenantID: tenantID,
				RunID:    runID,
				Event:    audit.EventRunMaxLockHoldReleased,
				At:       r.clock.Now(),
				Data:     map[string]any{"tokens_charged": chargedTokens},
			})
			go func() { <-resCh }()
			return
		}
	}
}

// emit sends an audit record, absorbing any sink panic so audit problems
// never disturb the run path.
func (r *Runtime) emit(rec audit.Record) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[runtime] audit sink failure suppressed: %v", p)
		}
	}()
	r.sink.LogRuntimeEvent(rec)
}
