// Package heap provides the region set that alloc regions draw from and the
// Allocator that owns one alloc region per allocation context.
//
// The heap is a fixed reservation carved into regions with one free list
// per NUMA node. It hands out regions, takes retired regions back, and
// frees the collection set at the end of a pause. How a real collector
// picks regions or sizes the heap is not modelled.
package heap

import (
	"fmt"
	"sync"

	"github.com/orizon-lang/regionalloc/internal/allocregion"
	"github.com/orizon-lang/regionalloc/internal/cli"
	"github.com/orizon-lang/regionalloc/internal/config"
	"github.com/orizon-lang/regionalloc/internal/evacstats"
	"github.com/orizon-lang/regionalloc/internal/region"
)

// Config sizes a heap.
type Config struct {
	RegionBytes        uintptr
	RegionCount        int
	Nodes              int
	MaxEdenRegions     int // 0 means no limit
	MaxSurvivorRegions int // 0 means no limit
	Logger             *cli.Logger
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.HeapConfig, log *cli.Logger) Config {
	return Config{
		RegionBytes:        uintptr(c.RegionBytes),
		RegionCount:        c.RegionCount,
		Nodes:              c.NumaNodes,
		MaxEdenRegions:     c.MaxEdenRegions,
		MaxSurvivorRegions: c.MaxSurvivorRegions,
		Logger:             log,
	}
}

// Heap implements allocregion.MutatorHeap and allocregion.GCHeap over a
// fixed set of regions. All methods are safe for concurrent use.
type Heap struct {
	mu    sync.Mutex // free lists, region sets, accounting
	rs    *region.Reservation
	cfg   Config
	log   *cli.Logger
	free  [][]*region.Region // per node, used as a stack
	eden  []*region.Region
	surv  []*region.Region
	old   map[uint32]*region.Region
	cset  []*region.Region
	used  uintptr // bytes in retired regions
	stats Stats
}

// Stats counts region traffic since the heap was created.
type Stats struct {
	MutatorRegions     uint64 `json:"mutator_regions"`
	SurvivorRegions    uint64 `json:"survivor_regions"`
	OldRegions         uint64 `json:"old_regions"`
	EdenLimitHits      uint64 `json:"eden_limit_hits"`
	SurvivorLimitHits  uint64 `json:"survivor_limit_hits"`
	FreeListExhausted  uint64 `json:"free_list_exhausted"`
	OversizedRequests  uint64 `json:"oversized_requests"`
	RegionsReclaimed   uint64 `json:"regions_reclaimed"`
	CrossNodeHandouts  uint64 `json:"cross_node_handouts"`
	CollectionsStarted uint64 `json:"collections_started"`
}

// Snapshot describes the heap at one point in time.
type Snapshot struct {
	RegionBytes     uintptr `json:"region_bytes"`
	Regions         int     `json:"regions"`
	FreeRegions     int     `json:"free_regions"`
	EdenRegions     int     `json:"eden_regions"`
	SurvivorRegions int     `json:"survivor_regions"`
	OldRegions      int     `json:"old_regions"`
	CollectionSet   int     `json:"collection_set"`
	UsedBytes       uintptr `json:"used_bytes"`
	Stats           Stats   `json:"stats"`
}

// New reserves the heap memory and puts every region on its node's free
// list.
func New(cfg Config) (*Heap, error) {
	if cfg.Nodes <= 0 {
		cfg.Nodes = 1
	}
	rs, err := region.Reserve(cfg.RegionBytes, cfg.RegionCount, cfg.Nodes)
	if err != nil {
		return nil, err
	}
	h := &Heap{
		rs:   rs,
		cfg:  cfg,
		log:  cfg.Logger,
		free: make([][]*region.Region, cfg.Nodes),
		old:  make(map[uint32]*region.Region),
	}
	// Highest index first so regions are handed out in address order.
	regions := rs.Regions()
	for i := len(regions) - 1; i >= 0; i-- {
		r := regions[i]
		h.free[r.Node()] = append(h.free[r.Node()], r)
	}
	h.log.Info("heap reserved: %d regions of %d bytes on %d node(s), mapped=%v",
		cfg.RegionCount, cfg.RegionBytes, cfg.Nodes, rs.Mapped())
	return h, nil
}

// Close releases the heap memory. No region may be used afterwards.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rs.Close()
}

// Dummy returns the sentinel every alloc region starts out with.
func (h *Heap) Dummy() *region.Region { return allocregion.Dummy() }

// RegionBytes returns the size of every region.
func (h *Heap) RegionBytes() uintptr { return h.cfg.RegionBytes }

// Nodes returns the number of NUMA nodes regions are spread over.
func (h *Heap) Nodes() int { return h.cfg.Nodes }

// RegionFor returns the region containing addr, or nil.
func (h *Heap) RegionFor(addr region.HeapWord) *region.Region { return h.rs.RegionFor(addr) }

// Bytes returns the memory of an allocated span, or nil if addr is not in
// the heap.
func (h *Heap) Bytes(addr region.HeapWord, words uintptr) []byte {
	r := h.rs.RegionFor(addr)
	if r == nil {
		return nil
	}
	return r.Bytes(addr, words)
}

// takeFree pops a region preferring node. Caller holds h.mu.
func (h *Heap) takeFree(node uint32) *region.Region {
	n := int(node) % len(h.free)
	for i := 0; i < len(h.free); i++ {
		list := h.free[(n+i)%len(h.free)]
		if len(list) == 0 {
			continue
		}
		r := list[len(list)-1]
		h.free[(n+i)%len(h.free)] = list[:len(list)-1]
		if i != 0 {
			h.stats.CrossNodeHandouts++
		}
		return r
	}
	h.stats.FreeListExhausted++
	return nil
}

func (h *Heap) fits(words uintptr) bool {
	if words<<region.LogWordSize > h.cfg.RegionBytes {
		h.stats.OversizedRequests++
		return false
	}
	return true
}

// NewMutatorAllocRegion hands out an eden region. It returns nil once the
// eden limit is reached, which callers treat as "collect now".
func (h *Heap) NewMutatorAllocRegion(words uintptr, node uint32) *region.Region {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.fits(words) {
		return nil
	}
	if limit := h.cfg.MaxEdenRegions; limit > 0 && len(h.eden) >= limit {
		h.stats.EdenLimitHits++
		return nil
	}
	r := h.takeFree(node)
	if r == nil {
		return nil
	}
	r.SetKind(region.KindEden)
	h.eden = append(h.eden, r)
	h.stats.MutatorRegions++
	h.log.Debug("heap: new mutator region %v node %d", r, node)
	return r
}

// RetireMutatorAllocRegion accounts the bytes used in a retired eden region.
func (h *Heap) RetireMutatorAllocRegion(r *region.Region, usedBytes uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.used += usedBytes
	h.log.Debug("heap: retire mutator region %v used %d", r, usedBytes)
}

// NewGCAllocRegion hands out an evacuation destination. Survivor regions
// stop once the survivor limit is reached; old regions only stop when the
// free lists run dry.
func (h *Heap) NewGCAllocRegion(words uintptr, purpose evacstats.Purpose, node uint32) *region.Region {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.fits(words) {
		return nil
	}
	if purpose == evacstats.Survivor {
		if limit := h.cfg.MaxSurvivorRegions; limit > 0 && len(h.surv) >= limit {
			h.stats.SurvivorLimitHits++
			return nil
		}
	}
	r := h.takeFree(node)
	if r == nil {
		return nil
	}
	switch purpose {
	case evacstats.Survivor:
		r.SetKind(region.KindSurvivor)
		h.surv = append(h.surv, r)
		h.stats.SurvivorRegions++
	default:
		r.SetKind(region.KindOld)
		h.old[r.Index()] = r
		h.stats.OldRegions++
	}
	h.log.Debug("heap: new %s gc region %v node %d", purpose, r, node)
	return r
}

// RetireGCAllocRegion accounts the bytes evacuated into a retired region.
func (h *Heap) RetireGCAllocRegion(r *region.Region, allocatedBytes uintptr, purpose evacstats.Purpose) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.used += allocatedBytes
	h.log.Debug("heap: retire %s gc region %v allocated %d", purpose, r, allocatedBytes)
}

// StartCollection moves every eden and survivor region into the collection
// set and returns it. Regions handed out afterwards belong to the next
// cycle. All mutator alloc regions must have been released.
func (h *Heap) StartCollection() []*region.Region {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cset = append(h.cset, h.eden...)
	h.cset = append(h.cset, h.surv...)
	h.eden = nil
	h.surv = nil
	h.stats.CollectionsStarted++
	out := make([]*region.Region, len(h.cset))
	copy(out, h.cset)
	h.log.Debug("heap: collection set of %d regions", len(out))
	return out
}

// FinishCollection returns the collection set to the free lists and
// returns how many regions were freed.
func (h *Heap) FinishCollection() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.cset)
	for _, r := range h.cset {
		h.used -= min(h.used, r.Used())
		r.Reset(region.KindFree)
		h.free[r.Node()] = append(h.free[r.Node()], r)
	}
	h.cset = nil
	h.stats.RegionsReclaimed += uint64(n)
	h.log.Debug("heap: reclaimed %d regions", n)
	return n
}

// UsedBytes returns the bytes in retired regions. Bytes in active alloc
// regions are not included.
func (h *Heap) UsedBytes() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// Snapshot reads the region counts and traffic statistics.
func (h *Heap) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Snapshot{
		RegionBytes:     h.cfg.RegionBytes,
		Regions:         h.cfg.RegionCount,
		EdenRegions:     len(h.eden),
		SurvivorRegions: len(h.surv),
		OldRegions:      len(h.old),
		CollectionSet:   len(h.cset),
		UsedBytes:       h.used,
		Stats:           h.stats,
	}
	for _, list := range h.free {
		s.FreeRegions += len(list)
	}
	return s
}

// Metrics exposes the snapshot for the metrics endpoint.
func (h *Heap) Metrics() map[string]float64 {
	s := h.Snapshot()
	return map[string]float64{
		"heap_regions":             float64(s.Regions),
		"heap_free_regions":        float64(s.FreeRegions),
		"heap_eden_regions":        float64(s.EdenRegions),
		"heap_survivor_regions":    float64(s.SurvivorRegions),
		"heap_old_regions":         float64(s.OldRegions),
		"heap_used_bytes":          float64(s.UsedBytes),
		"heap_eden_limit_hits":     float64(s.Stats.EdenLimitHits),
		"heap_survivor_limit_hits": float64(s.Stats.SurvivorLimitHits),
		"heap_regions_reclaimed":   float64(s.Stats.RegionsReclaimed),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf("regions %d free %d eden %d survivor %d old %d used %d",
		s.Regions, s.FreeRegions, s.EdenRegions, s.SurvivorRegions, s.OldRegions, s.UsedBytes)
}
