// Package pic is a minimal platform interrupt controller. Devices raise
// vectors; the VCpu acknowledges the highest unmasked one.
package pic

import (
	"context"
	"math/bits"
	"sync"
	"time"
)

type bitmap [4]uint64

func (b *bitmap) set(v uint8)     { b[v>>6] |= 1 << (v & 63) }
func (b *bitmap) clear(v uint8)   { b[v>>6] &^= 1 << (v & 63) }
func (b *bitmap) has(v uint8) bool { return b[v>>6]&(1<<(v&63)) != 0 }

func (b *bitmap) andNot(o *bitmap) bitmap {
	return bitmap{b[0] &^ o[0], b[1] &^ o[1], b[2] &^ o[2], b[3] &^ o[3]}
}

// highest returns the highest set vector.
func (b *bitmap) highest() (uint8, bool) {
	for i := 3; i >= 0; i-- {
		if b[i] != 0 {
			return uint8(i*64 + 63 - bits.LeadingZeros64(b[i])), true
		}
	}
	return 0, false
}

// Controller holds pending and masked vectors for one VCpu. Higher vectors
// have priority. Vectors are single target: a device that interrupts
// several VCpus raises the vector on each of their controllers.
type Controller struct {
	mu      sync.Mutex
	pending bitmap
	masked  bitmap
	wake    chan struct{}
	raised  uint64
}

func New() *Controller {
	return &Controller{wake: make(chan struct{}, 1)}
}

// Raise marks vector pending and wakes a halted VCpu.
func (c *Controller) Raise(vector uint8) {
	c.mu.Lock()
	c.pending.set(vector)
	c.raised++
	masked := c.masked.has(vector)
	c.mu.Unlock()
	if !masked {
		c.Wake()
	}
}

// Requeue makes an acknowledged vector pending again, e.g. when the VCpu
// could not take it. It is not counted as a new Raise.
func (c *Controller) Requeue(vector uint8) {
	c.mu.Lock()
	c.pending.set(vector)
	c.mu.Unlock()
}

// Lower withdraws a pending vector that has not been acknowledged.
func (c *Controller) Lower(vector uint8) {
	c.mu.Lock()
	c.pending.clear(vector)
	c.mu.Unlock()
}

// Mask hides vector from GetNextPendingVector without dropping it.
func (c *Controller) Mask(vector uint8, masked bool) {
	c.mu.Lock()
	if masked {
		c.masked.set(vector)
	} else {
		c.masked.clear(vector)
	}
	deliverable := !masked && c.pending.has(vector)
	c.mu.Unlock()
	if deliverable {
		c.Wake()
	}
}

// GetNextPendingVector acknowledges and returns the highest pending unmasked
// vector.
func (c *Controller) GetNextPendingVector() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ready := c.pending.andNot(&c.masked)
	v, ok := ready.highest()
	if ok {
		c.pending.clear(v)
	}
	return v, ok
}

// HasPending reports whether an unmasked vector is waiting.
func (c *Controller) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ready := c.pending.andNot(&c.masked)
	_, ok := ready.highest()
	return ok
}

// Raised is the number of Raise calls so far.
func (c *Controller) Raised() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raised
}

// Wake nudges a VCpu blocked in WaitChan. Wakes coalesce.
func (c *Controller) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// WaitChan is signalled after Raise, Mask or Wake. Only the owning VCpu
// waits on it.
func (c *Controller) WaitChan() <-chan struct{} { return c.wake }

// Every raises vector each period until ctx is done, like a periodic timer
// line.
func (c *Controller) Every(ctx context.Context, period time.Duration, vector uint8) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Raise(vector)
		}
	}
}
