package allocregion

import (
	"github.com/orizon-lang/regionalloc/internal/errors"
	"github.com/orizon-lang/regionalloc/internal/evacstats"
	"github.com/orizon-lang/regionalloc/internal/region"
)

// GCHeap supplies and takes back regions for evacuation.
type GCHeap interface {
	// NewGCAllocRegion returns an empty region for purpose able to hold
	// words, or nil when none may be handed out.
	NewGCAllocRegion(words uintptr, purpose evacstats.Purpose, node uint32) *region.Region
	// RetireGCAllocRegion takes back a region with the bytes allocated in
	// it while it was active.
	RetireGCAllocRegion(r *region.Region, allocatedBytes uintptr, purpose evacstats.Purpose)
}

// GCAllocRegion is the alloc region used while evacuating for one purpose.
type GCAllocRegion struct {
	AllocRegion
	heap            GCHeap
	stats           *evacstats.Stats
	purpose         evacstats.Purpose
	usedBytesBefore uintptr
}

// NewGCAllocRegion creates an unset evacuation alloc region for purpose on
// node. Statistics are shared with every other region of the same purpose.
func NewGCAllocRegion(heap GCHeap, purpose evacstats.Purpose, node uint32, stats *evacstats.Stats, opts Options) *GCAllocRegion {
	opts = opts.withDefaults()
	g := &GCAllocRegion{heap: heap, stats: stats, purpose: purpose}
	name := "GC Alloc Region"
	switch purpose {
	case evacstats.Survivor:
		name = "Survivor GC Alloc Region"
	case evacstats.Old:
		name = "Old GC Alloc Region"
	}
	g.setup(name, node, opts, g)
	return g
}

// Purpose returns what the region allocates for.
func (g *GCAllocRegion) Purpose() evacstats.Purpose { return g.purpose }

func (g *GCAllocRegion) allocateNewRegion(words uintptr) *region.Region {
	return g.heap.NewGCAllocRegion(words, g.purpose, g.node)
}

func (g *GCAllocRegion) retireRegion(r *region.Region) error {
	used := r.Used()
	if used < g.usedBytesBefore {
		return errors.UsedUnderflow(g.name, used, g.usedBytesBefore)
	}
	g.heap.RetireGCAllocRegion(r, used-g.usedBytesBefore, g.purpose)
	g.usedBytesBefore = 0
	return nil
}

func (g *GCAllocRegion) retire(fillUp bool) (uintptr, error) {
	retired := g.Get()
	waste, err := g.retireActive(fillUp)
	if err != nil {
		g.usedBytesBefore = 0
		return waste, err
	}
	// The dummy does not count as a retired region.
	if retired != nil {
		g.stats.AddRegionEndWaste(waste >> region.LogWordSize)
	}
	return waste, nil
}

// Reuse installs a region that already holds data, such as the old region
// retained from the previous pause. Only bytes allocated after this call
// are reported when it retires.
func (g *GCAllocRegion) Reuse(r *region.Region) error {
	if r == nil {
		return errors.NilRegion(g.name, "reuse")
	}
	g.usedBytesBefore = r.Used()
	if err := g.Set(r); err != nil {
		g.usedBytesBefore = 0
		return err
	}
	return nil
}
