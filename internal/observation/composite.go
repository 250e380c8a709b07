package observation

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Source produces one slice of raw observation fields.
type Source interface {
	Name() string
	Observations(ctx context.Context) (map[string]string, error)
}

// Composite fans in over an ordered sequence of sources with last-writer-wins
// merge on colliding keys. A failing source is logged and skipped; the
// composite as a whole fails only when every source failed and nothing was
// produced.
type Composite struct {
	sources []Source

	// perSourceTimeout bounds each source call; zero means the caller's
	// context is the only bound.
	perSourceTimeout time.Duration
}

// NewComposite creates a composite over sources, invoked in order.
func NewComposite(sources []Source, perSourceTimeout time.Duration) *Composite {
	return &Composite{sources: sources, perSourceTimeout: perSourceTimeout}
}

// Observations collects and merges fields from all sources.
func (c *Composite) Observations(ctx context.Context) (map[string]string, error) {
	merged := make(map[string]string)
	produced := false
	failed := 0

	for _, src := range c.sources {
		fields, err := c.collect(ctx, src)
		if err != nil {
			failed++
			log.Printf("[observe] source %s failed: %v", src.Name(), err)
			continue
		}
		produced = true
		for k, v := range fields {
			merged[k] = v
		}
	}

	if !produced && failed > 0 {
		return nil, fmt.Errorf("observation: all %d sources failed", failed)
	}
	return merged, nil
}

func (c *Composite) collect(ctx context.Context, src Source) (map[string]string, error) {
	if c.perSourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.perSourceTimeout)
		defer cancel()
	}
	return src.Observations(ctx)
}
