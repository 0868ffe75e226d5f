package facility

import (
	"context"
	"sync/atomic"
)

// Cache holds the last assembled snapshot. Readers never block on a refresh.
type Cache struct {
	assembler *Assembler
	current   atomic.Pointer[Snapshot]
}

// NewCache creates an empty cache backed by assembler.
func NewCache(assembler *Assembler) *Cache {
	return &Cache{assembler: assembler}
}

// Refresh reassembles the snapshot and publishes it. On failure the previous
// snapshot stays in place and the error is returned.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	snap, err := c.assembler.Assemble(ctx)
	if err != nil {
		return nil, err
	}
	c.current.Store(snap)
	return snap, nil
}

// Current returns the last published snapshot, or nil before the first
// successful refresh.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}
