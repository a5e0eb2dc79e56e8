package allocregion

import (
	"sync/atomic"

	"github.com/orizon-lang/regionalloc/internal/errors"
	"github.com/orizon-lang/regionalloc/internal/region"
)

// MutatorHeap supplies and takes back regions for program allocation.
type MutatorHeap interface {
	// NewMutatorAllocRegion returns an empty region able to hold words, or
	// nil when no region may be handed out.
	NewMutatorAllocRegion(words uintptr, node uint32) *region.Region
	// RetireMutatorAllocRegion takes back a region after allocation stopped.
	RetireMutatorAllocRegion(r *region.Region, usedBytes uintptr)
}

// MutatorAllocRegion is the alloc region for ordinary program allocation.
// When the active region retires with enough free space left it is kept
// as the retained region instead of going back to the heap, and allocation
// keeps using it until a region with more free space displaces it.
type MutatorAllocRegion struct {
	AllocRegion
	heap           MutatorHeap
	retained       atomic.Pointer[region.Region]
	wastedBytes    atomic.Uint64
	minRetainBytes uintptr
	regionBytes    uintptr
}

// NewMutatorAllocRegion creates an unset mutator alloc region for node.
func NewMutatorAllocRegion(heap MutatorHeap, node uint32, opts Options) *MutatorAllocRegion {
	opts = opts.withDefaults()
	m := &MutatorAllocRegion{
		heap:           heap,
		minRetainBytes: opts.MinRetainBytes,
		regionBytes:    opts.RegionBytes,
	}
	m.setup("Mutator Alloc Region", node, opts, m)
	return m
}

func (m *MutatorAllocRegion) allocateNewRegion(words uintptr) *region.Region {
	return m.heap.NewMutatorAllocRegion(words, m.node)
}

func (m *MutatorAllocRegion) retireRegion(r *region.Region) error {
	m.heap.RetireMutatorAllocRegion(r, r.Used())
	return nil
}

// Init makes the alloc region idle and clears the waste counter. No region
// may be retained.
func (m *MutatorAllocRegion) Init() error {
	if r := m.retained.Load(); r != nil {
		return errors.NotIdle(m.name, m.count.Load())
	}
	if err := m.AllocRegion.Init(); err != nil {
		return err
	}
	m.wastedBytes.Store(0)
	return nil
}

// ShouldRetain reports whether r is worth keeping instead of retiring:
// its free space must fit at least one allocation buffer and exceed the
// free space of the currently retained region, if any.
func (m *MutatorAllocRegion) ShouldRetain(r *region.Region) bool {
	free := r.Free()
	if free < m.minRetainBytes {
		return false
	}
	if q := m.retained.Load(); q != nil && free <= q.Free() {
		return false
	}
	return true
}

func (m *MutatorAllocRegion) retire(fillUp bool) (uintptr, error) {
	var waste uintptr
	m.trace("retiring")
	if current := m.Get(); current != nil {
		if m.ShouldRetain(current) {
			m.trace("mutator retained")
			if q := m.retained.Load(); q != nil {
				// Displaced, so fill it: goroutines may still be allocating
				// from it without the lock.
				w, err := m.retireInternal(q, true)
				if err != nil {
					m.retained.Store(nil)
					return 0, err
				}
				waste = w
			}
			m.retained.Store(current)
		} else {
			w, err := m.retireInternal(current, fillUp)
			if err != nil {
				return 0, err
			}
			waste = w
		}
		m.reset()
	}
	m.wastedBytes.Add(uint64(waste))
	m.trace("retired")
	return waste, nil
}

// Retained returns the retained region, or nil.
func (m *MutatorAllocRegion) Retained() *region.Region { return m.retained.Load() }

// AttemptRetainedAllocation allocates between minWords and desiredWords
// from the retained region. Safe for concurrent use.
func (m *MutatorAllocRegion) AttemptRetainedAllocation(minWords, desiredWords uintptr) (region.HeapWord, uintptr) {
	q := m.retained.Load()
	if q == nil {
		return 0, 0
	}
	addr, actual := q.ParAllocate(minWords, desiredWords)
	if addr != 0 {
		m.traceAlloc("alloc retained", minWords, desiredWords, actual, addr)
	}
	return addr, actual
}

// UsedInAllocRegions returns the bytes used in the active and retained
// regions, which the heap has not accounted for yet.
func (m *MutatorAllocRegion) UsedInAllocRegions() uintptr {
	var used uintptr
	if r := m.Get(); r != nil {
		used += r.Used()
	}
	if q := m.retained.Load(); q != nil {
		used += q.Used()
	}
	return used
}

// WastedBytes returns the bytes wasted by retirements since Init.
func (m *MutatorAllocRegion) WastedBytes() uint64 { return m.wastedBytes.Load() }

// Release releases the active region, then retires the retained region.
// The order matters: releasing may itself retain the active region. The
// retained region is dropped even when retiring it fails.
func (m *MutatorAllocRegion) Release() (*region.Region, error) {
	ret, err := m.AllocRegion.Release()
	if err != nil {
		m.retained.Store(nil)
		return nil, err
	}
	if q := m.retained.Load(); q != nil {
		w, err := m.retireInternal(q, false)
		if err != nil {
			m.retained.Store(nil)
			return ret, err
		}
		m.wastedBytes.Add(uint64(w))
		m.retained.Store(nil)
	}

	wasted := m.wastedBytes.Load()
	m.log.Debug("Mutator Allocation stats, regions: %d, wasted size: %s (%4.1f%%)",
		m.count.Load(), properUnit(wasted), percentOf(wasted, uint64(m.count.Load())*uint64(m.regionBytes)))
	return ret, nil
}
