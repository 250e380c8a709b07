package runtime

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// lockTable provides per-tenant serialization. Each tenant maps to a
// capacity-1 channel; acquisition is a blocking send, so waiters for the
// same tenant are queued FIFO by the Go runtime while distinct tenants
// proceed in parallel.
type lockTable struct {
	locks *xsync.Map[string, chan struct{}]
}

func newLockTable() *lockTable {
	return &lockTable{locks: xsync.NewMap[string, chan struct{}]()}
}

// acquire blocks until the tenant's lock is free, then returns a handle.
// After the send it re-checks that the table still maps the tenant to the
// acquired channel; an eviction may have dropped the entry while the caller
// was queued, in which case the stale token is handed back and acquisition
// restarts on the current channel.
func (lt *lockTable) acquire(tenantID string) *lockHandle {
	for {
		ch, _ := lt.locks.LoadOrCompute(tenantID, func() (chan struct{}, bool) {
			return make(chan struct{}, 1), false
		})
		ch <- struct{}{}
		if cur, ok := lt.locks.Load(tenantID); ok && cur == ch {
			return &lockHandle{ch: ch}
		}
		<-ch
	}
}

// drop removes the tenant's lock entry if the slot is free. Claiming the
// slot inside the map callback means a held or contended lock is never
// removed out from under its holder; a busy entry is simply kept and a
// later sweep retries.
func (lt *lockTable) drop(tenantID string) {
	var claimed chan struct{}
	lt.locks.Compute(tenantID, func(ch chan struct{}, loaded bool) (chan struct{}, xsync.ComputeOp) {
		if !loaded {
			return ch, xsync.CancelOp
		}
		select {
		case ch <- struct{}{}:
			claimed = ch
			return ch, xsync.DeleteOp
		default:
			return ch, xsync.CancelOp
		}
	})
	if claimed != nil {
		// Unblock any senders queued on the removed channel; they re-check
		// the table and migrate to a fresh entry.
		<-claimed
	}
}

// lockHandle releases at most once, so a force-release on max-lock-hold and
// the normal settlement release cannot double-free the slot.
type lockHandle struct {
	ch   chan struct{}
	once sync.Once
}

func (h *lockHandle) release() {
	h.once.Do(func() { <-h.ch })
}
