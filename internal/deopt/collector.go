package deopt

import "sync"

// Collector is the part of the garbage collector the deoptimizer synchronizes with. The safepoint epoch
// is incremented by every collection: a collection may move the objects referenced by frames.
type Collector interface {
	SafepointEpoch() uint64

	DisableSafepoints()

	// EnableSafepoints re-enables safepoints, collections that were requested while safepoints were
	// disabled may run during the call.
	EnableSafepoints()
}

// SimulatedCollector is an in-process Collector. A collection requested while safepoints are disabled runs
// when they are re-enabled.
type SimulatedCollector struct {
	lock     sync.Mutex
	epoch    uint64
	disabled int
	pending  int

	// OnCollect is called after each collection, it can move objects.
	OnCollect func(epoch uint64)
}

func (c *SimulatedCollector) SafepointEpoch() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.epoch
}

func (c *SimulatedCollector) DisableSafepoints() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.disabled++
}

func (c *SimulatedCollector) EnableSafepoints() {
	c.lock.Lock()
	if c.disabled == 0 {
		c.lock.Unlock()
		panic("safepoints are not disabled")
	}
	c.disabled--

	var epochs []uint64
	if c.disabled == 0 {
		for ; c.pending > 0; c.pending-- {
			c.epoch++
			epochs = append(epochs, c.epoch)
		}
	}
	onCollect := c.OnCollect
	c.lock.Unlock()

	if onCollect != nil {
		for _, epoch := range epochs {
			onCollect(epoch)
		}
	}
}

// RequestCollection runs a collection, or defers it until safepoints are enabled.
func (c *SimulatedCollector) RequestCollection() {
	c.lock.Lock()
	if c.disabled > 0 {
		c.pending++
		c.lock.Unlock()
		return
	}
	c.epoch++
	epoch := c.epoch
	onCollect := c.OnCollect
	c.lock.Unlock()

	if onCollect != nil {
		onCollect(epoch)
	}
}
