// Package runtime implements the multi-tenant agent scheduler: heartbeat
// ticks and a coalesced event queue drive single-run execution under
// budgets, circuit breakers, a kill switch, and per-tenant serialization.
package runtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/droverworks/drover/internal/audit"
	"github.com/droverworks/drover/internal/tenant"
	"github.com/droverworks/drover/internal/tickloop"
)

const (
	DefaultRunTimeout        = 5 * time.Minute
	DefaultChargeTokens      = 512
	DefaultMaxEventQueueSize = 100
)

// ConfigError reports an invalid configuration field at construction time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("runtime config: %s: %s", e.Field, e.Reason)
}

// Config configures a Runtime. Pointer fields distinguish "unset" from an
// explicit zero: a nil RunTimeoutGrace defaults to RunTimeout, a nil
// RunTimeoutMaxLockHold defaults to the grace, a nil RunTimeoutChargeTokens
// defaults to DefaultChargeTokens.
type Config struct {
	// HeartbeatInterval is the periodic run cadence. Required.
	HeartbeatInterval time.Duration

	Provider Provider

	Budgets  map[string]tenant.Budget
	Circuits map[string]tenant.CircuitConfig

	// KillSwitch may be shared with other components; nil means no switch.
	KillSwitch *KillSwitch

	MaxEventQueueSize int

	RunTimeout             time.Duration
	RunTimeoutGrace        *time.Duration
	RunTimeoutMaxLockHold  *time.Duration
	RunTimeoutChargeTokens *int

	// TenantIdleEviction > 0 enables idle-tenant eviction.
	TenantIdleEviction time.Duration

	Clock         Clock
	Sink          audit.Sink
	GenerateRunID RunIDFunc
}

// Runtime drives agent runs for a set of tenants.
type Runtime struct {
	clock    Clock
	provider Provider
	sink     audit.Sink
	kill     *KillSwitch
	store    *tenant.Store
	locks    *lockTable
	queue    *eventQueue
	genRunID RunIDFunc

	heartbeatInterval time.Duration
	runTimeout        time.Duration
	grace             time.Duration
	maxHold           time.Duration
	chargeTokens      int
	idleEviction      time.Duration

	// heartbeatPending coalesces heartbeat ticks: at most one pending
	// heartbeat-originated run per tenant.
	heartbeatPending *xsync.Map[string, struct{}]

	mu      sync.Mutex
	running bool
	stopped bool
	tenants []string
	stopCh  chan struct{}
	loopWG  sync.WaitGroup
}

// New validates cfg and builds a Runtime. It does not start any loops.
func New(cfg Config) (*Runtime, error) {
	if cfg.Provider == nil {
		return nil, &ConfigError{Field: "provider", Reason: "must not be nil"}
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, &ConfigError{Field: "heartbeatInterval", Reason: "must be positive"}
	}
	if cfg.MaxEventQueueSize < 0 {
		return nil, &ConfigError{Field: "maxEventQueueSize", Reason: "must be at least 1"}
	}
	if cfg.RunTimeout < 0 {
		return nil, &ConfigError{Field: "runTimeout", Reason: "must be positive"}
	}
	if cfg.RunTimeoutGrace != nil && *cfg.RunTimeoutGrace < 0 {
		return nil, &ConfigError{Field: "runTimeoutGrace", Reason: "must not be negative"}
	}
	if cfg.RunTimeoutMaxLockHold != nil && *cfg.RunTimeoutMaxLockHold < 0 {
		return nil, &ConfigError{Field: "runTimeoutMaxLockHold", Reason: "must not be negative"}
	}
	if cfg.RunTimeoutChargeTokens != nil && *cfg.RunTimeoutChargeTokens < 0 {
		return nil, &ConfigError{Field: "runTimeoutChargeTokens", Reason: "must not be negative"}
	}
	if cfg.TenantIdleEviction < 0 {
		return nil, &ConfigError{Field: "tenantIdleEviction", Reason: "must not be negative"}
	}

	queueSize := cfg.MaxEventQueueSize
	if queueSize == 0 {
		queueSize = DefaultMaxEventQueueSize
	}
	runTimeout := cfg.RunTimeout
	if runTimeout == 0 {
		runTimeout = DefaultRunTimeout
	}
	grace := runTimeout
	if cfg.RunTimeoutGrace != nil {
		grace = *cfg.RunTimeoutGrace
	}
	maxHold := grace
	if cfg.RunTimeoutMaxLockHold != nil {
		maxHold = *cfg.RunTimeoutMaxLockHold
	}
	chargeTokens := DefaultChargeTokens
	if cfg.RunTimeoutChargeTokens != nil {
		chargeTokens = *cfg.RunTimeoutChargeTokens
	}

	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	sink := cfg.Sink
	if sink == nil {
		sink = audit.LogSink{}
	}
	genRunID := cfg.GenerateRunID
	if genRunID == nil {
		genRunID = defaultRunID
	}

	locks := newLockTable()
	store := tenant.NewStore(cfg.Budgets, cfg.Circuits, cfg.TenantIdleEviction)
	store.OnEvict = locks.drop

	return &Runtime{
		clock:             clock,
		provider:          cfg.Provider,
		sink:              sink,
		kill:              cfg.KillSwitch,
		store:             store,
		locks:             locks,
		queue:             newEventQueue(queueSize),
		genRunID:          genRunID,
		heartbeatInterval: cfg.HeartbeatInterval,
		runTimeout:        runTimeout,
		grace:             grace,
		maxHold:           maxHold,
		chargeTokens:      chargeTokens,
		idleEviction:      cfg.TenantIdleEviction,
		heartbeatPending:  xsync.NewMap[string, struct{}](),
	}, nil
}

// Store exposes tenant bookkeeping for inspection.
func (r *Runtime) Store() *tenant.Store { return r.store }

// Start installs the heartbeat for the given tenants and launches the event
// consumer. Idempotent while running; a stopped runtime stays stopped.
func (r *Runtime) Start(tenantIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.stopped {
		return
	}
	r.running = true
	r.tenants = append([]string(nil), tenantIDs...)
	r.stopCh = make(chan struct{})

	r.loopWG.Add(2)
	go func() {
		defer r.loopWG.Done()
		tickloop.Run(r.stopCh, r.heartbeatInterval, 0, r.heartbeatTick)
	}()
	go func() {
		defer r.loopWG.Done()
		r.eventLoop()
	}()

	if r.idleEviction > 0 {
		r.loopWG.Add(1)
		go func() {
			defer r.loopWG.Done()
			tickloop.Run(r.stopCh, r.idleEviction, 0, func() {
				r.store.SweepIdle(r.clock.Now())
			})
		}()
	}
}

// Stop halts the heartbeat, discards queued events, and waits for the
// scheduler loops. An already-dispatched provider call is not cancelled; it
// settles under the usual timeout and grace rules.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.stopped = true
		r.mu.Unlock()
		r.queue.close()
		return
	}
	r.running = false
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()

	r.queue.close()
	r.loopWG.Wait()
}

// EmitEvent requests an out-of-band run for the tenant. No-op when stopped.
func (r *Runtime) EmitEvent(tenantID string) {
	r.queue.push(tenantID)
}

// QueueLen reports the number of pending event-queue entries.
func (r *Runtime) QueueLen() int { return r.queue.len() }

func (r *Runtime) heartbeatTick() {
	r.mu.Lock()
	tenants := r.tenants
	r.mu.Unlock()

	for _, id := range tenants {
		if _, pending := r.heartbeatPending.LoadOrStore(id, struct{}{}); pending {
			continue // coalesce: one pending heartbeat run per tenant
		}
		go func(id string) {
			defer r.heartbeatPending.Delete(id)
			r.execute(id)
		}(id)
	}
}

func (r *Runtime) eventLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.queue.wake:
		}
		for {
			select {
			case <-r.stopCh:
				return
			default:
			}
			id, ok := r.queue.pop()
			if !ok {
				break
			}
			r.execute(id)
		}
	}
}
