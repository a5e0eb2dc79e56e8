package heap

import (
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/regionalloc/internal/allocregion"
	"github.com/orizon-lang/regionalloc/internal/cli"
	"github.com/orizon-lang/regionalloc/internal/evacstats"
	"github.com/orizon-lang/regionalloc/internal/region"
)

// Allocator owns the alloc regions of a heap: one mutator alloc region and
// one survivor alloc region per node, and a single old alloc region.
//
// Fast paths (AttemptAllocation and the first attempt of every slow path)
// take no lock. Replacing a mutator region happens under the heap lock and
// replacing an evacuation region under the free-list lock, so each alloc
// region always has a single writer.
type Allocator struct {
	heap      *Heap
	log       *cli.Logger
	minFill   uintptr
	mutators  []*allocregion.MutatorAllocRegion
	survivors []*allocregion.GCAllocRegion
	old       *allocregion.GCAllocRegion
	stats     [evacstats.NumPurposes]*evacstats.Stats

	heapLock     sync.Mutex
	freeListLock sync.Mutex

	survivorFull atomic.Bool
	oldFull      atomic.Bool
	retainedOld  *region.Region // guarded by freeListLock
}

// NewAllocator builds the alloc regions for h. They start unset; call
// InitMutatorAllocRegions before allocating.
func NewAllocator(h *Heap, opts allocregion.Options) *Allocator {
	opts.RegionBytes = h.RegionBytes()
	if opts.Logger == nil {
		opts.Logger = h.log
	}
	if opts.MinFillWords == 0 {
		opts.MinFillWords = allocregion.DefaultMinFillWords
	}
	a := &Allocator{heap: h, log: opts.Logger, minFill: opts.MinFillWords}
	for p := evacstats.Purpose(0); p < evacstats.NumPurposes; p++ {
		a.stats[p] = evacstats.New(p)
	}
	for n := 0; n < h.Nodes(); n++ {
		a.mutators = append(a.mutators, allocregion.NewMutatorAllocRegion(h, uint32(n), opts))
		a.survivors = append(a.survivors, allocregion.NewGCAllocRegion(h, evacstats.Survivor, uint32(n), a.stats[evacstats.Survivor], opts))
	}
	a.old = allocregion.NewGCAllocRegion(h, evacstats.Old, 0, a.stats[evacstats.Old], opts)
	return a
}

// Heap returns the heap the allocator draws from.
func (a *Allocator) Heap() *Heap { return a.heap }

// Stats returns the evacuation statistics for purpose.
func (a *Allocator) Stats(p evacstats.Purpose) *evacstats.Stats { return a.stats[p] }

func (a *Allocator) mutator(node uint32) *allocregion.MutatorAllocRegion {
	return a.mutators[int(node)%len(a.mutators)]
}

// Mutator returns the mutator alloc region for node.
func (a *Allocator) Mutator(node uint32) *allocregion.MutatorAllocRegion { return a.mutator(node) }

// MinFillWords returns the smallest request the allocator serves.
func (a *Allocator) MinFillWords() uintptr { return a.minFill }

// clamp raises a request to the fill threshold. Retirement leaves fewer
// than minFill words unfilled, and no request may fit in them.
func (a *Allocator) clamp(minWords, desiredWords uintptr) (uintptr, uintptr) {
	minWords = max(minWords, a.minFill)
	return minWords, max(desiredWords, minWords)
}

// InitMutatorAllocRegions makes every mutator alloc region idle.
func (a *Allocator) InitMutatorAllocRegions() error {
	a.heapLock.Lock()
	defer a.heapLock.Unlock()
	for _, m := range a.mutators {
		if err := m.Init(); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseMutatorAllocRegions hands every active and retained mutator region
// back to the heap. Called at the start of a pause.
func (a *Allocator) ReleaseMutatorAllocRegions() error {
	a.heapLock.Lock()
	defer a.heapLock.Unlock()
	for _, m := range a.mutators {
		if _, err := m.Release(); err != nil {
			return err
		}
	}
	return nil
}

// AttemptAllocation is the lock-free mutator fast path: the retained region
// first, then the active one.
func (a *Allocator) AttemptAllocation(minWords, desiredWords uintptr, node uint32) (region.HeapWord, uintptr) {
	minWords, desiredWords = a.clamp(minWords, desiredWords)
	m := a.mutator(node)
	if addr, n := m.AttemptRetainedAllocation(minWords, desiredWords); addr != 0 {
		return addr, n
	}
	return m.AttemptAllocation(minWords, desiredWords)
}

// AllocateTLAB hands out a thread-local buffer of between minWords and
// desiredWords, both raised to MinFillWords. A zero address means the eden
// is exhausted and a pause is due.
func (a *Allocator) AllocateTLAB(minWords, desiredWords uintptr, node uint32) (region.HeapWord, uintptr, error) {
	minWords, desiredWords = a.clamp(minWords, desiredWords)
	if addr, n := a.AttemptAllocation(minWords, desiredWords, node); addr != 0 {
		return addr, n, nil
	}
	a.heapLock.Lock()
	defer a.heapLock.Unlock()
	// Another goroutine may have replaced the region while we waited.
	if addr, n := a.AttemptAllocation(minWords, desiredWords, node); addr != 0 {
		return addr, n, nil
	}
	return a.mutator(node).AttemptAllocationLocked(minWords, desiredWords)
}

// MemAllocate allocates exactly words outside any buffer. Requests below
// MinFillWords are raised to it.
func (a *Allocator) MemAllocate(words uintptr, node uint32) (region.HeapWord, error) {
	addr, _, err := a.AllocateTLAB(words, words, node)
	return addr, err
}

// UsedInAllocRegions returns the bytes in mutator alloc regions that the
// heap has not accounted for yet.
func (a *Allocator) UsedInAllocRegions() uintptr {
	var used uintptr
	for _, m := range a.mutators {
		used += m.UsedInAllocRegions()
	}
	return used
}

// InitGCAllocRegions prepares evacuation for a pause. The old region kept
// from the previous pause is reused when it still has usable space.
func (a *Allocator) InitGCAllocRegions() error {
	a.freeListLock.Lock()
	defer a.freeListLock.Unlock()
	a.survivorFull.Store(false)
	a.oldFull.Store(false)
	for _, s := range a.stats {
		s.Reset()
	}
	for _, g := range a.survivors {
		if err := g.Init(); err != nil {
			return err
		}
	}
	if err := a.old.Init(); err != nil {
		return err
	}

	r := a.retainedOld
	a.retainedOld = nil
	if r != nil && !r.IsEmpty() && r.Free()>>region.LogWordSize >= a.minFill {
		if err := a.old.Reuse(r); err != nil {
			return err
		}
		a.log.Debug("allocator: reusing old region %v", r)
	}
	return nil
}

// ReleaseGCAllocRegions retires every evacuation region at the end of a
// pause and remembers the old region for the next one.
func (a *Allocator) ReleaseGCAllocRegions() error {
	a.freeListLock.Lock()
	defer a.freeListLock.Unlock()
	for _, g := range a.survivors {
		if _, err := g.Release(); err != nil {
			return err
		}
	}
	r, err := a.old.Release()
	if err != nil {
		return err
	}
	a.retainedOld = r
	return nil
}

// ParAllocateDuringGC allocates evacuation space for purpose. Survivor
// requests fall back to old space once survivor space is exhausted. A zero
// address means evacuation has failed for this request. Requests are
// raised to MinFillWords.
func (a *Allocator) ParAllocateDuringGC(purpose evacstats.Purpose, minWords, desiredWords uintptr, node uint32) (region.HeapWord, uintptr, evacstats.Purpose, error) {
	minWords, desiredWords = a.clamp(minWords, desiredWords)
	if purpose == evacstats.Survivor {
		g := a.survivors[int(node)%len(a.survivors)]
		addr, n, err := a.gcAttempt(g, &a.survivorFull, minWords, desiredWords)
		if err != nil || addr != 0 {
			return addr, n, evacstats.Survivor, err
		}
	}
	addr, n, err := a.gcAttempt(a.old, &a.oldFull, minWords, desiredWords)
	return addr, n, evacstats.Old, err
}

func (a *Allocator) gcAttempt(g *allocregion.GCAllocRegion, full *atomic.Bool, minWords, desiredWords uintptr) (region.HeapWord, uintptr, error) {
	addr, n := g.AttemptAllocation(minWords, desiredWords)
	if addr == 0 && !full.Load() {
		var err error
		a.freeListLock.Lock()
		addr, n, err = g.AttemptAllocationLocked(minWords, desiredWords)
		if err == nil && addr == 0 {
			full.Store(true)
			a.log.Debug("allocator: %s space exhausted", g.Purpose())
		}
		a.freeListLock.Unlock()
		if err != nil {
			return 0, 0, err
		}
	}
	if addr != 0 {
		stats := a.stats[g.Purpose()]
		if minWords == desiredWords {
			stats.AddDirectAllocated(n)
		} else {
			stats.AddAllocated(n)
		}
	}
	return addr, n, nil
}

// RecordEvacuationFailure accounts a region whose live data could not be
// evacuated for purpose.
func (a *Allocator) RecordEvacuationFailure(purpose evacstats.Purpose, usedWords, wasteWords uintptr) {
	a.stats[purpose].AddFailure(usedWords, wasteWords)
}

// Metrics exposes the alloc region state and evacuation statistics.
func (a *Allocator) Metrics() map[string]float64 {
	var regions, wasted float64
	for _, m := range a.mutators {
		regions += float64(m.Count())
		wasted += float64(m.WastedBytes())
	}
	out := map[string]float64{
		"allocator_mutator_regions":       regions,
		"allocator_mutator_wasted_bytes":  wasted,
		"allocator_used_in_alloc_regions": float64(a.UsedInAllocRegions()),
		"allocator_survivor_space_full":   boolMetric(a.survivorFull.Load()),
		"allocator_old_space_full":        boolMetric(a.oldFull.Load()),
	}
	for _, s := range a.stats {
		for k, v := range s.Metrics() {
			out["evac_"+s.Purpose().String()+"_"+k] = v
		}
	}
	return out
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
