package runtime

import "sync/atomic"

// KillSwitch is a shared toggle that blocks all new runs while enabled.
// It is safe to flip from any goroutine; readers observe the latest write
// at run-start time.
type KillSwitch struct {
	enabled atomic.Bool
}

func NewKillSwitch() *KillSwitch { return &KillSwitch{} }

func (k *KillSwitch) Enable()  { k.enabled.Store(true) }
func (k *KillSwitch) Disable() { k.enabled.Store(false) }

func (k *KillSwitch) Enabled() bool {
	if k == nil {
		return false
	}
	return k.enabled.Load()
}
