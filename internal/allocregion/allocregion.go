// Package allocregion implements the allocation regions of a regional heap:
// a single active region per allocation context, shared lock-free by any
// number of allocating goroutines, and replaced by exactly one goroutine at
// a time under an external lock.
//
// Two variants exist. MutatorAllocRegion serves ordinary program
// allocation and keeps a retained region aside to reduce churn.
// GCAllocRegion serves evacuation during a pause and reports per-purpose
// statistics.
package allocregion

import (
	"sync/atomic"

	"github.com/orizon-lang/regionalloc/internal/cli"
	"github.com/orizon-lang/regionalloc/internal/errors"
	"github.com/orizon-lang/regionalloc/internal/region"
)

// Default thresholds used when Options leaves them zero.
const (
	DefaultMinFillWords   uintptr = 2
	DefaultMinRetainBytes uintptr = 2 * 1024
)

var dummyRegion = region.NewDummy()

// Dummy returns the process-wide sentinel region that stands in for "no
// active region". It is never mutated and never retired.
func Dummy() *region.Region { return dummyRegion }

// Options configures an alloc region.
type Options struct {
	MinFillWords   uintptr     // smallest span a filler can cover; below it nobody can allocate
	MinRetainBytes uintptr     // smallest free space worth retaining (mutator only)
	RegionBytes    uintptr     // region size, used to report waste percentages
	Logger         *cli.Logger // transition tracing; nil disables it
}

func (o Options) withDefaults() Options {
	if o.MinFillWords == 0 {
		o.MinFillWords = DefaultMinFillWords
	}
	if o.MinRetainBytes == 0 {
		o.MinRetainBytes = DefaultMinRetainBytes
	}
	return o
}

// variant is the closed set of specialisations: how a region is acquired,
// how it goes back to the heap, and how the active region retires.
type variant interface {
	allocateNewRegion(words uintptr) *region.Region
	retireRegion(r *region.Region) error
	retire(fillUp bool) (uintptr, error)
}

// AllocRegion owns the active region of one allocation context.
//
// States: unset (active == nil) -> Init -> idle (active == dummy) <->
// active (a real region) -> Release -> unset.
//
// Allocate, AttemptAllocation and friends may be called concurrently from
// any number of goroutines. Everything that changes the active region
// (Init, Set, Retire, Release and the locked/new-region paths) requires the
// caller to guarantee a single writer. A non-dummy active region is never
// empty: the first allocation on a fresh region happens before it is
// published.
type AllocRegion struct {
	active  atomic.Pointer[region.Region]
	count   atomic.Uint32
	name    string
	node    uint32
	minFill uintptr
	log     *cli.Logger
	v       variant
}

func (a *AllocRegion) setup(name string, node uint32, opts Options, v variant) {
	a.name = name
	a.node = node
	a.minFill = opts.MinFillWords
	a.log = opts.Logger
	a.v = v
}

// Name returns the diagnostic tag of the alloc region.
func (a *AllocRegion) Name() string { return a.name }

// NodeIndex returns the NUMA node the alloc region allocates on.
func (a *AllocRegion) NodeIndex() uint32 { return a.node }

// Count returns how many regions have been installed since Init.
func (a *AllocRegion) Count() uint32 { return a.count.Load() }

// Get returns the active region, or nil when idle or unset.
func (a *AllocRegion) Get() *region.Region {
	r := a.active.Load()
	if r == dummyRegion {
		return nil
	}
	return r
}

// IsInitialized reports whether Init has been called since the last Release.
func (a *AllocRegion) IsInitialized() bool { return a.active.Load() != nil }

// Init makes the alloc region idle. It fails if it is already initialized.
func (a *AllocRegion) Init() error {
	a.trace("initializing")
	if a.active.Load() != nil {
		return errors.AlreadyInitialized(a.name)
	}
	a.active.Store(dummyRegion)
	a.count.Store(0)
	a.trace("initialized")
	return nil
}

// Set installs a region the caller already allocated into. The alloc region
// must be idle with no region installed since Init, and r must be non-empty.
func (a *AllocRegion) Set(r *region.Region) error {
	a.trace("setting")
	switch cur := a.active.Load(); {
	case cur == nil:
		return errors.NotInitialized(a.name, "set")
	case cur != dummyRegion || a.count.Load() != 0:
		return errors.NotIdle(a.name, a.count.Load())
	}
	if err := a.update(r); err != nil {
		return err
	}
	a.trace("set")
	return nil
}

// update publishes r as the active region. The store is a release: every
// write to r made before it, including the first allocation, is visible to
// goroutines that load r from active.
func (a *AllocRegion) update(r *region.Region) error {
	a.trace("update")
	if r == nil {
		return errors.NilRegion(a.name, "update")
	}
	if r.IsEmpty() {
		return errors.EmptyRegion(a.name, r.Index())
	}
	a.active.Store(r)
	a.count.Add(1)
	a.trace("updated")
	return nil
}

func (a *AllocRegion) reset() {
	a.active.Store(dummyRegion)
}

// Allocate bump-allocates words from the active region. It returns 0 when
// the active region lacks the space; it never blocks, never retries on a
// different region, and never changes which region is active.
func (a *AllocRegion) Allocate(words uintptr) region.HeapWord {
	r := a.active.Load()
	if r == nil {
		return 0
	}
	if debugChecks {
		debugAssert(r == dummyRegion || !r.IsEmpty(), "%s: active region %v is empty", a.name, r)
	}
	return r.ParAllocateExact(words)
}

// AttemptAllocation is the fast path with flexible sizing: it allocates
// between minWords and desiredWords from the active region and returns the
// address and the granted size.
func (a *AllocRegion) AttemptAllocation(minWords, desiredWords uintptr) (region.HeapWord, uintptr) {
	r := a.active.Load()
	if r == nil {
		return 0, 0
	}
	addr, actual := r.ParAllocate(minWords, desiredWords)
	if addr != 0 {
		a.traceAlloc("alloc", minWords, desiredWords, actual, addr)
		return addr, actual
	}
	a.traceAlloc("alloc failed", minWords, desiredWords, 0, 0)
	return 0, 0
}

// AttemptAllocationLocked tries the fast path and, failing that, replaces
// the active region. The caller must hold the lock that serialises region
// replacement for this alloc region.
func (a *AllocRegion) AttemptAllocationLocked(minWords, desiredWords uintptr) (region.HeapWord, uintptr, error) {
	if addr, actual := a.AttemptAllocation(minWords, desiredWords); addr != 0 {
		return addr, actual, nil
	}
	return a.AttemptAllocationUsingNewRegion(minWords, desiredWords)
}

// AttemptAllocationUsingNewRegion retires the active region with fill-up and
// allocates desiredWords from a new one. The granted size is always
// desiredWords on success.
func (a *AllocRegion) AttemptAllocationUsingNewRegion(minWords, desiredWords uintptr) (region.HeapWord, uintptr, error) {
	if _, err := a.Retire(true); err != nil {
		return 0, 0, err
	}
	addr, err := a.NewRegionAndAllocate(desiredWords)
	if err != nil {
		return 0, 0, err
	}
	if addr != 0 {
		a.traceAlloc("alloc locked (second attempt)", minWords, desiredWords, desiredWords, addr)
		return addr, desiredWords, nil
	}
	a.traceAlloc("alloc locked failed", minWords, desiredWords, 0, 0)
	return 0, 0, nil
}

// AttemptAllocationForce skips the fast path and allocates words from a new
// region. The alloc region must be idle.
func (a *AllocRegion) AttemptAllocationForce(words uintptr) (region.HeapWord, error) {
	if a.active.Load() == nil {
		return 0, errors.NotInitialized(a.name, "forced allocation")
	}
	a.traceAlloc("forcing alloc", words, words, 0, 0)
	addr, err := a.NewRegionAndAllocate(words)
	if err != nil {
		return 0, err
	}
	if addr != 0 {
		a.traceAlloc("forcing alloc successful", words, words, words, addr)
		return addr, nil
	}
	a.traceAlloc("forcing alloc failed", words, words, 0, 0)
	return 0, nil
}

// NewRegionAndAllocate acquires a region from the heap, allocates words from
// it while it is still private, and then publishes it as active. A nil
// region from the heap means this allocation context is exhausted and is
// reported as (0, nil).
func (a *AllocRegion) NewRegionAndAllocate(words uintptr) (region.HeapWord, error) {
	switch cur := a.active.Load(); {
	case cur == nil:
		return 0, errors.NotInitialized(a.name, "region allocation")
	case cur != dummyRegion:
		return 0, errors.NotIdle(a.name, a.count.Load())
	}

	a.trace("attempting region allocation")
	r := a.v.allocateNewRegion(words)
	if r == nil {
		a.trace("region allocation failed")
		return 0, nil
	}
	r.ResetPreFillTop()
	if !r.IsEmpty() {
		return 0, errors.RegionNotEmpty(a.name, r.Index(), r.Used())
	}
	addr := r.Allocate(words)
	if addr == 0 {
		return 0, errors.InvalidSize(words, a.name+" first allocation")
	}
	if err := a.update(r); err != nil {
		return 0, err
	}
	a.trace("region allocation successful")
	return addr, nil
}

// Retire takes the active region out of service and returns the bytes
// wasted at its end. With fillUp the remaining space is stamped as a
// filler first so concurrent allocators can no longer use it. Retiring an
// idle alloc region is a no-op. On error the alloc region is left unset
// and must be initialised again.
func (a *AllocRegion) Retire(fillUp bool) (uintptr, error) {
	if a.active.Load() == nil {
		return 0, errors.NotInitialized(a.name, "retire")
	}
	waste, err := a.v.retire(fillUp)
	if err != nil {
		a.active.Store(nil)
		a.trace("retire failed")
	}
	return waste, err
}

// retireActive is the common retirement shared by both variants.
func (a *AllocRegion) retireActive(fillUp bool) (uintptr, error) {
	var waste uintptr
	a.trace("retiring")
	if r := a.active.Load(); r != dummyRegion {
		w, err := a.retireInternal(r, fillUp)
		if err != nil {
			return w, err
		}
		waste = w
		a.reset()
	}
	a.trace("retired")
	return waste, nil
}

func (a *AllocRegion) retireInternal(r *region.Region, fillUp bool) (uintptr, error) {
	if r.IsEmpty() {
		return 0, errors.EmptyRegion(a.name, r.Index())
	}
	var waste uintptr
	if fillUp {
		waste = a.fillUpRemainingSpace(r)
	}
	if err := a.v.retireRegion(r); err != nil {
		return waste, err
	}
	return waste, nil
}

// fillUpRemainingSpace claims the rest of r with a single maximal
// allocation so no other goroutine can allocate from it, and stamps the
// claimed span as a filler. Losing the race to a concurrent allocator only
// shrinks the free space, so the loop ends once it drops below the fill
// threshold. The sub-threshold remainder is counted as waste but not filled.
func (a *AllocRegion) fillUpRemainingSpace(r *region.Region) uintptr {
	var result uintptr
	freeWords := r.Free() >> region.LogWordSize
	for freeWords >= a.minFill {
		if addr := r.ParAllocateExact(freeWords); addr != 0 {
			r.StampFiller(addr, freeWords)
			r.SetPreFillTop(addr)
			result += freeWords << region.LogWordSize
			break
		}
		freeWords = r.Free() >> region.LogWordSize
	}
	result += r.Free()
	debugAssert(r.Free()>>region.LogWordSize < a.minFill, "%s: %d words left after fill", a.name, r.Free()>>region.LogWordSize)
	return result
}

// Release retires the active region without fill-up, leaves the alloc
// region unset, and returns the region that was active (nil for the dummy).
// Releasing an unset alloc region returns nil. The alloc region is unset
// afterwards even when retirement fails.
func (a *AllocRegion) Release() (*region.Region, error) {
	a.trace("releasing")
	cur := a.active.Load()
	if cur == nil {
		a.trace("released")
		return nil, nil
	}
	if _, err := a.v.retire(false); err != nil {
		a.active.Store(nil)
		a.trace("release failed")
		return nil, err
	}
	debugAssert(a.active.Load() == dummyRegion, "%s: retire left %v active", a.name, a.active.Load())
	a.active.Store(nil)
	a.trace("released")
	if cur == dummyRegion {
		return nil, nil
	}
	return cur, nil
}
