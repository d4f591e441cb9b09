package vm

import "fmt"

// ---------------------------------------------------------------------------
// Reference counting strategies
// ---------------------------------------------------------------------------
//
// Both strategies implement the same contract:
//
//   retain(c, tid)        count++ on behalf of tid; never fails
//   release(c, tid) bool  count--; true exactly once, when the count hits 0
//
// The strategy is chosen once, when the heap is created, from the platform
// capability probe. Callers never branch on strategy.

type counting interface {
	retain(c *Cell, tid ThreadID)
	release(c *Cell, tid ThreadID) bool
	name() string
}

// ---------------------------------------------------------------------------
// Biased counting with atomic promotion
// ---------------------------------------------------------------------------
//
// While every reference is held by the owning thread, counting is plain
// integer arithmetic on c.local (the creation reference is represented by
// ownerStake in the shared word, so local starts at 0).
//
// The first retain by a foreign thread promotes the cell: the promoted
// flag goes up, and the foreign reference is counted in the atomic shared
// word. Promotion is one-way; the cell never returns to the biased path.
//
// The owner keeps using its plain counter after promotion; that is the
// bias. When the owner drops its last reference it releases ownerStake
// from the shared word in a single atomic step; whichever thread's
// decrement takes the shared word to zero destroys the payload. A cell
// that was never promoted is destroyed by the owner without touching the
// shared word at all.
//
// Handing a value to another thread must go through retain with the
// receiving thread's ID (the interpreter's spawn path does this). A
// foreign retain can never race the owner's final release: the foreign
// thread clones from a reference that is still alive, so either the owner
// still holds a reference, or the source reference was itself foreign and
// the cell is already promoted.

type biasedCounting struct{}

func (biasedCounting) name() string { return "biased" }

func (biasedCounting) retain(c *Cell, tid ThreadID) {
	if tid == c.owner {
		c.local++
		return
	}
	// Second thread acquiring a reference: promote, then count atomically.
	if !c.promoted.Load() {
		c.promoted.Store(true)
	}
	c.shared.Add(1)
}

func (biasedCounting) release(c *Cell, tid ThreadID) bool {
	if tid == c.owner {
		if c.local > 0 {
			c.local--
			return false
		}
		if c.local < 0 {
			panic(fmt.Sprintf("vm: cell %d owner count underflow", c.id))
		}
		// Owner's last reference. Fast exit if the cell never left the
		// owning thread.
		c.local = -1 // poison: further owner releases are a double free
		if !c.promoted.Load() {
			return true
		}
		return c.shared.Add(-ownerStake) == 0
	}

	n := c.shared.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("vm: cell %d shared count underflow", c.id))
	}
	return n == 0
}

// ---------------------------------------------------------------------------
// Mutex fallback
// ---------------------------------------------------------------------------
//
// For platforms without usable atomic primitives: one plain counter
// guarded by the cell mutex. Behavior is identical to the biased strategy,
// throughput is roughly 2-3x worse on contended cells. The promoted flag
// is still maintained so introspection and tests see the same shape.

type mutexCounting struct{}

func (mutexCounting) name() string { return "mutex" }

func (mutexCounting) retain(c *Cell, tid ThreadID) {
	c.mu.Lock()
	if c.count <= 0 {
		c.mu.Unlock()
		panic(fmt.Sprintf("vm: cell %d retain after free", c.id))
	}
	c.count++
	if tid != c.owner && !c.promoted.Load() {
		c.promoted.Store(true)
	}
	c.mu.Unlock()
}

func (mutexCounting) release(c *Cell, tid ThreadID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count <= 0 {
		panic(fmt.Sprintf("vm: cell %d count underflow", c.id))
	}
	c.count--
	return c.count == 0
}
