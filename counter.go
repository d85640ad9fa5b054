package tsmap

import (
	"runtime"
	"sync/atomic"

	"github.com/llxisdsh/tsmap/internal/opt"
)

// StripedCounter is a low-contention counter. Updates go to a single base
// word until CAS contention is observed, after which they are spread over
// a lazily grown table of cache-line padded cells.
//
// Sum is not an atomic snapshot: under concurrent updates it may be
// transiently off, but it is exact once updates stop.
//
// The zero value is ready to use. A StripedCounter must not be copied
// after first use.
type StripedCounter struct {
	_     noCopy
	base  atomic.Int64
	cells atomic.Pointer[counterCells]
	busy  atomic.Uint32
}

type counterCells struct {
	cells []atomic.Pointer[opt.CounterCell_]
	mask  uint64
}

func newCounterCells(n int) *counterCells {
	return &counterCells{
		cells: make([]atomic.Pointer[opt.CounterCell_], n),
		mask:  uint64(n - 1),
	}
}

//go:nosplit
func (t *counterCells) at(h uint64) *atomic.Pointer[opt.CounterCell_] {
	return &t.cells[h&t.mask]
}

// maxCounterCells bounds cell-table growth; more cells than Ps cannot
// reduce contention any further.
func maxCounterCells() int {
	return nextPowOf2(runtime.GOMAXPROCS(0))
}

// Increment adds one.
func (c *StripedCounter) Increment() {
	c.Add(1)
}

// Decrement subtracts one.
func (c *StripedCounter) Decrement() {
	c.Add(-1)
}

// Add adds delta to the counter.
func (c *StripedCounter) Add(delta int64) {
	cells := c.cells.Load()
	if cells == nil {
		b := c.base.Load()
		if c.base.CompareAndSwap(b, b+delta) {
			return
		}
	}

	rs := acquireStream()
	uncontended := true
	if cells != nil {
		if cell := cells.at(rs.Current()).Load(); cell != nil {
			v := cell.V.Load()
			if uncontended = cell.V.CompareAndSwap(v, v+delta); uncontended {
				releaseStream(rs)
				return
			}
		}
	}
	c.retryUpdate(delta, rs, uncontended)
	releaseStream(rs)
}

// retryUpdate handles initialization, cell creation, growth and contention.
func (c *StripedCounter) retryUpdate(
	delta int64,
	rs *RandomStream,
	uncontended bool,
) {
	h := rs.Current()
	collided := false
	for {
		cells := c.cells.Load()
		if cells == nil {
			if c.tryInitCells(delta, h) {
				return
			}
			b := c.base.Load()
			if c.base.CompareAndSwap(b, b+delta) {
				return
			}
			continue
		}

		slot := cells.at(h)
		cell := slot.Load()
		switch {
		case cell == nil:
			if c.busy.Load() == 0 {
				if c.tryInstallCell(cells, h, delta) {
					return
				}
				// slot became non-empty, retry it with the same hash
				continue
			}
			collided = false
		case !uncontended:
			// CAS already known to fail, rehash first
			uncontended = true
		default:
			v := cell.V.Load()
			if cell.V.CompareAndSwap(v, v+delta) {
				return
			}
			if len(cells.cells) >= maxCounterCells() || c.cells.Load() != cells {
				collided = false
			} else if collided {
				if c.tryExpand(cells) {
					collided = false
					continue
				}
			} else {
				collided = true
			}
		}
		h = rs.Next()
	}
}

func (c *StripedCounter) lockBusy() bool {
	return c.busy.CompareAndSwap(0, 1)
}

func (c *StripedCounter) unlockBusy() {
	c.busy.Store(0)
}

func (c *StripedCounter) tryInitCells(delta int64, h uint64) bool {
	if c.busy.Load() != 0 || c.cells.Load() != nil || !c.lockBusy() {
		return false
	}
	defer c.unlockBusy()
	if c.cells.Load() != nil {
		return false
	}
	cells := newCounterCells(2)
	cell := new(opt.CounterCell_)
	cell.V.Store(delta)
	cells.at(h).Store(cell)
	c.cells.Store(cells)
	return true
}

func (c *StripedCounter) tryInstallCell(
	cells *counterCells,
	h uint64,
	delta int64,
) bool {
	if !c.lockBusy() {
		return false
	}
	defer c.unlockBusy()
	if c.cells.Load() != cells {
		return false
	}
	slot := cells.at(h)
	if slot.Load() != nil {
		return false
	}
	cell := new(opt.CounterCell_)
	cell.V.Store(delta)
	slot.Store(cell)
	return true
}

func (c *StripedCounter) tryExpand(cells *counterCells) bool {
	if !c.lockBusy() {
		return false
	}
	defer c.unlockBusy()
	if c.cells.Load() != cells {
		return false
	}
	grown := newCounterCells(len(cells.cells) << 1)
	for i := range cells.cells {
		grown.cells[i].Store(cells.cells[i].Load())
	}
	c.cells.Store(grown)
	return true
}

// Sum returns base plus every cell. The result can be negative while
// increments and decrements race; callers that need a count must clamp it
// at zero, as Map.Size does.
func (c *StripedCounter) Sum() int64 {
	sum := c.base.Load()
	if cells := c.cells.Load(); cells != nil {
		for i := range cells.cells {
			if cell := cells.cells[i].Load(); cell != nil {
				sum += cell.V.Load()
			}
		}
	}
	return sum
}

// Reset sets the counter back to zero. It is only exact when no updates
// are in flight.
func (c *StripedCounter) Reset() {
	c.base.Store(0)
	if cells := c.cells.Load(); cells != nil {
		for i := range cells.cells {
			if cell := cells.cells[i].Load(); cell != nil {
				cell.V.Store(0)
			}
		}
	}
}
