// Package audit implements the runtime audit trail: the event model, the
// best-effort sink contract, and an asynchronous SQLite-backed store.
package audit

import (
	"log"
	"time"
)

// Event identifies a runtime audit event.
type Event string

const (
	EventRunStarted               Event = "run_started"
	EventRunCompleted             Event = "run_completed"
	EventRunBlockedBudget         Event = "run_blocked_budget"
	EventRunBlockedCircuitBreaker Event = "run_blocked_circuit_breaker"
	EventRunBlockedKillSwitch     Event = "run_blocked_kill_switch"
	EventRunError                 Event = "run_error"
	EventRunMaxLockHoldReleased   Event = "run_max_lock_hold_released"
	EventCircuitBreakerOpened     Event = "circuit_breaker_opened"
	EventCircuitBreakerRecovered  Event = "circuit_breaker_recovered"
)

// Record is one audit event. RunID may be empty for tenant-level events.
type Record struct {
	TenantID string
	RunID    string
	Event    Event
	At       time.Time
	Data     map[string]any
}

// Sink consumes audit records. Emission is best-effort: implementations
// must not block the run path for long, and any panic is absorbed by the
// caller. Records for the same run id arrive in causal order.
type Sink interface {
	LogRuntimeEvent(Record)
}

// LogSink writes records to the process log. Useful as a development sink
// and as a fallback when no audit store is configured.
type LogSink struct{}

func (LogSink) LogRuntimeEvent(rec Record) {
	if rec.RunID != "" {
		log.Printf("[audit] %s tenant=%s run=%s data=%v", rec.Event, rec.TenantID, rec.RunID, rec.Data)
		return
	}
	log.Printf("[audit] %s tenant=%s data=%v", rec.Event, rec.TenantID, rec.Data)
}
