package runtime

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// RunIDFunc generates a run id for a tenant. IDs are opaque to callers;
// they only need to be unique per tenant over the process lifetime.
type RunIDFunc func(tenantID string) string

var runCounter atomic.Uint64

// defaultRunID combines a process-wide monotonic counter with a random
// suffix so ids stay unique even across runtime restarts within a process.
func defaultRunID(tenantID string) string {
	n := runCounter.Add(1)
	return fmt.Sprintf("%s-%d-%s", tenantID, n, uuid.NewString()[:8])
}
