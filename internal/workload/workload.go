// Package workload drives an Allocator the way a running program and its
// collector would: mutator goroutines fill the eden through TLABs until it
// is exhausted, then a pause evacuates a sample of the objects with
// parallel GC workers and frees the collection set.
package workload

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/regionalloc/internal/cli"
	"github.com/orizon-lang/regionalloc/internal/config"
	"github.com/orizon-lang/regionalloc/internal/evacstats"
	"github.com/orizon-lang/regionalloc/internal/heap"
	"github.com/orizon-lang/regionalloc/internal/region"
)

// Config controls one run.
type Config struct {
	Mutators         int
	Pauses           int
	MinObjectWords   uintptr
	MaxObjectWords   uintptr
	MinTLABWords     uintptr
	DesiredTLABWords uintptr
	SurvivorPercent  int
	GCWorkers        int
	Seed             int64
	Logger           *cli.Logger
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c *config.Config, seed int64, log *cli.Logger) Config {
	return Config{
		Mutators:         c.Workload.Mutators,
		Pauses:           c.Workload.Pauses,
		MinObjectWords:   uintptr(c.Workload.MinObjectWords),
		MaxObjectWords:   uintptr(c.Workload.MaxObjectWords),
		MinTLABWords:     uintptr(c.Allocation.MinTLABWords),
		DesiredTLABWords: uintptr(c.Allocation.DesiredTLABWords),
		SurvivorPercent:  c.Workload.SurvivorPercent,
		GCWorkers:        c.Workload.GCWorkers,
		Seed:             seed,
		Logger:           log,
	}
}

// PauseReport describes one pause.
type PauseReport struct {
	CollectionSet    int                `json:"collection_set"`
	RegionsReclaimed int                `json:"regions_reclaimed"`
	Evacuated        uint64             `json:"objects_evacuated"`
	Promoted         uint64             `json:"objects_promoted"`
	Failed           uint64             `json:"evacuation_failures"`
	Survivor         evacstats.Snapshot `json:"survivor"`
	Old              evacstats.Snapshot `json:"old"`
	Duration         time.Duration      `json:"duration_ns"`
}

// Report summarises a run.
type Report struct {
	Objects     uint64        `json:"objects_allocated"`
	Words       uint64        `json:"words_allocated"`
	TLABs       uint64        `json:"tlabs"`
	FillerWords uint64        `json:"tlab_filler_words"`
	Pauses      []PauseReport `json:"pauses"`
	Heap        heap.Snapshot `json:"heap"`
	Duration    time.Duration `json:"duration_ns"`
}

// object is a live object tracked across pauses. Old objects are never
// collected, so only young ones are tracked.
type object struct {
	addr  region.HeapWord
	words uintptr
	age   int
}

// Driver runs a workload against one allocator.
type Driver struct {
	a   *heap.Allocator
	cfg Config
	log *cli.Logger

	objects atomic.Uint64
	words   atomic.Uint64
	tlabs   atomic.Uint64
	filler  atomic.Uint64
	pauses  atomic.Uint64

	live []object
}

// New validates cfg and returns a driver for a.
func New(a *heap.Allocator, cfg Config) (*Driver, error) {
	switch {
	case cfg.Mutators <= 0:
		return nil, fmt.Errorf("workload: need at least one mutator")
	case cfg.MinObjectWords < a.MinFillWords() || cfg.MaxObjectWords < cfg.MinObjectWords:
		return nil, fmt.Errorf("workload: bad object size range [%d, %d], smallest is %d", cfg.MinObjectWords, cfg.MaxObjectWords, a.MinFillWords())
	case cfg.MinTLABWords < cfg.MaxObjectWords || cfg.DesiredTLABWords < cfg.MinTLABWords:
		return nil, fmt.Errorf("workload: TLAB sizes [%d, %d] cannot hold %d-word objects", cfg.MinTLABWords, cfg.DesiredTLABWords, cfg.MaxObjectWords)
	}
	if cfg.GCWorkers <= 0 {
		cfg.GCWorkers = 1
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Driver{a: a, cfg: cfg, log: cfg.Logger}, nil
}

// Run initialises the mutator alloc regions and alternates mutator phases
// and pauses cfg.Pauses times. The allocator's mutator alloc regions must
// be unset.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	if err := d.a.InitMutatorAllocRegions(); err != nil {
		return nil, err
	}
	rep := &Report{}
	for i := 0; i < d.cfg.Pauses; i++ {
		if err := d.mutate(ctx, i); err != nil {
			return nil, err
		}
		pr, err := d.pause(ctx, i)
		if err != nil {
			return nil, err
		}
		rep.Pauses = append(rep.Pauses, pr)
		d.log.Info("pause %d: cset %d reclaimed %d evacuated %d promoted %d failed %d in %v",
			i, pr.CollectionSet, pr.RegionsReclaimed, pr.Evacuated, pr.Promoted, pr.Failed, pr.Duration)
	}
	if err := d.a.ReleaseMutatorAllocRegions(); err != nil {
		return nil, err
	}
	rep.Objects = d.objects.Load()
	rep.Words = d.words.Load()
	rep.TLABs = d.tlabs.Load()
	rep.FillerWords = d.filler.Load()
	rep.Heap = d.a.Heap().Snapshot()
	rep.Duration = time.Since(start)
	return rep, nil
}

// mutate runs every mutator until the eden is exhausted.
func (d *Driver) mutate(ctx context.Context, cycle int) error {
	g, ctx := errgroup.WithContext(ctx)
	sampled := make([][]object, d.cfg.Mutators)
	nodes := d.a.Heap().Nodes()
	for m := 0; m < d.cfg.Mutators; m++ {
		rng := rand.New(rand.NewSource(d.cfg.Seed + int64(cycle)*7919 + int64(m)))
		node := uint32(m % nodes)
		g.Go(func() error {
			out, err := d.mutator(ctx, rng, node)
			sampled[m] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, s := range sampled {
		d.live = append(d.live, s...)
	}
	return nil
}

func (d *Driver) mutator(ctx context.Context, rng *rand.Rand, node uint32) ([]object, error) {
	var (
		cur, end region.HeapWord
		keep     []object
	)
	for {
		if err := ctx.Err(); err != nil {
			return keep, err
		}
		words := d.cfg.MinObjectWords + uintptr(rng.Int63n(int64(d.cfg.MaxObjectWords-d.cfg.MinObjectWords)+1))
		if cur == 0 || cur.Add(words) > end {
			d.retireTLAB(cur, end)
			addr, n, err := d.a.AllocateTLAB(d.cfg.MinTLABWords, d.cfg.DesiredTLABWords, node)
			if err != nil {
				return keep, err
			}
			if addr == 0 {
				return keep, nil
			}
			d.tlabs.Add(1)
			cur, end = addr, addr.Add(n)
		}
		obj := object{addr: cur, words: words}
		cur = cur.Add(words)
		d.initObject(obj)
		d.objects.Add(1)
		d.words.Add(uint64(words))
		if rng.Intn(100) < d.cfg.SurvivorPercent {
			keep = append(keep, obj)
		}
	}
}

// retireTLAB stamps the unused tail of a TLAB as a filler.
func (d *Driver) retireTLAB(cur, end region.HeapWord) {
	if cur == 0 || cur >= end {
		return
	}
	words := uintptr(end-cur) >> region.LogWordSize
	d.a.Heap().RegionFor(cur).StampFiller(cur, words)
	d.filler.Add(uint64(words))
}

// initObject writes a header word carrying the size, checked again when the
// object is copied, and fills the body with a pattern derived from the
// address.
func (d *Driver) initObject(o object) {
	b := d.a.Heap().Bytes(o.addr, o.words)
	binary.LittleEndian.PutUint64(b, uint64(o.words))
	for off := region.WordSize; off < len(b); off += region.WordSize {
		binary.LittleEndian.PutUint64(b[off:], uint64(o.addr)^uint64(off))
	}
}

// plab is a GC worker's private evacuation buffer for one purpose.
type plab struct {
	cur, end region.HeapWord
	dest     evacstats.Purpose
}

// pause stops allocation, evacuates the live young objects and frees the
// collection set.
func (d *Driver) pause(ctx context.Context, cycle int) (PauseReport, error) {
	start := time.Now()
	var pr PauseReport
	h := d.a.Heap()
	if err := d.a.ReleaseMutatorAllocRegions(); err != nil {
		return pr, err
	}
	cset := h.StartCollection()
	pr.CollectionSet = len(cset)
	if err := d.a.InitGCAllocRegions(); err != nil {
		return pr, err
	}

	var (
		mu                          sync.Mutex
		survivors                   []object
		evacuated, promoted, failed atomic.Uint64
	)
	live := d.live
	d.live = nil
	workers := d.cfg.GCWorkers
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		node := uint32(w % h.Nodes())
		part := live[len(live)*w/workers : len(live)*(w+1)/workers]
		g.Go(func() error {
			var (
				plabs [evacstats.NumPurposes]plab
				kept  []object
			)
			for _, o := range part {
				if err := ctx.Err(); err != nil {
					return err
				}
				want := evacstats.Survivor
				if o.age >= 1 {
					want = evacstats.Old
				}
				to, dest, err := d.evacAllocate(&plabs[want], want, o.words, node)
				if err != nil {
					return err
				}
				if to == 0 {
					d.a.RecordEvacuationFailure(want, o.words, 0)
					failed.Add(1)
					continue
				}
				if err := d.copyObject(o, to); err != nil {
					return err
				}
				evacuated.Add(1)
				if dest == evacstats.Old {
					promoted.Add(1)
					continue
				}
				kept = append(kept, object{addr: to, words: o.words, age: o.age + 1})
			}
			for i := range plabs {
				d.retirePLAB(plabs[i])
			}
			mu.Lock()
			survivors = append(survivors, kept...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return pr, err
	}

	if err := d.a.ReleaseGCAllocRegions(); err != nil {
		return pr, err
	}
	pr.Survivor = d.a.Stats(evacstats.Survivor).Snapshot()
	pr.Old = d.a.Stats(evacstats.Old).Snapshot()
	pr.RegionsReclaimed = h.FinishCollection()
	if err := d.a.InitMutatorAllocRegions(); err != nil {
		return pr, err
	}
	d.live = survivors
	d.pauses.Add(1)
	pr.Evacuated = evacuated.Load()
	pr.Promoted = promoted.Load()
	pr.Failed = failed.Load()
	pr.Duration = time.Since(start)
	d.log.Debug("pause %d: %d young objects survive", cycle, len(survivors))
	return pr, nil
}

// evacAllocate bump-allocates from the worker's PLAB and refills it from
// the allocator when it runs out. It returns the address and the purpose
// the space was actually taken from.
func (d *Driver) evacAllocate(p *plab, want evacstats.Purpose, words uintptr, node uint32) (region.HeapWord, evacstats.Purpose, error) {
	if p.cur != 0 && p.cur.Add(words) <= p.end {
		addr := p.cur
		p.cur = p.cur.Add(words)
		return addr, p.dest, nil
	}
	d.retirePLAB(*p)
	*p = plab{}
	addr, n, dest, err := d.a.ParAllocateDuringGC(want, d.cfg.MaxObjectWords, d.cfg.DesiredTLABWords, node)
	if err != nil || addr == 0 {
		return 0, want, err
	}
	*p = plab{cur: addr.Add(words), end: addr.Add(n), dest: dest}
	return addr, dest, nil
}

func (d *Driver) retirePLAB(p plab) {
	if p.cur == 0 || p.cur >= p.end {
		return
	}
	d.a.Heap().RegionFor(p.cur).StampFiller(p.cur, uintptr(p.end-p.cur)>>region.LogWordSize)
}

// copyObject moves o to its new address and checks the copy.
func (d *Driver) copyObject(o object, to region.HeapWord) error {
	h := d.a.Heap()
	src := h.Bytes(o.addr, o.words)
	dst := h.Bytes(to, o.words)
	if src == nil || dst == nil {
		return fmt.Errorf("workload: object %#x (%d words) outside the heap", uintptr(o.addr), o.words)
	}
	if got := binary.LittleEndian.Uint64(src); got != uint64(o.words) {
		return fmt.Errorf("workload: object %#x header %d, want %d", uintptr(o.addr), got, o.words)
	}
	copy(dst, src)
	return nil
}

// Metrics exposes the running totals.
func (d *Driver) Metrics() map[string]float64 {
	return map[string]float64{
		"workload_objects":      float64(d.objects.Load()),
		"workload_words":        float64(d.words.Load()),
		"workload_tlabs":        float64(d.tlabs.Load()),
		"workload_filler_words": float64(d.filler.Load()),
		"workload_pauses":       float64(d.pauses.Load()),
	}
}
