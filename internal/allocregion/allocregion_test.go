package allocregion

import (
	"bytes"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/orizon-lang/regionalloc/internal/cli"
	"github.com/orizon-lang/regionalloc/internal/errors"
	"github.com/orizon-lang/regionalloc/internal/evacstats"
	"github.com/orizon-lang/regionalloc/internal/region"
)

const wordBytes = region.WordSize

func testRegion(index uint32, words int) *region.Region {
	return region.NewStandalone(index, 0, make([]byte, words*wordBytes))
}

func newTestGC(t *testing.T, minFill uintptr, log *cli.Logger) (*GCAllocRegion, *MockGCHeap, *evacstats.Stats) {
	t.Helper()
	ctrl := gomock.NewController(t)
	heap := NewMockGCHeap(ctrl)
	stats := evacstats.New(evacstats.Old)
	g := NewGCAllocRegion(heap, evacstats.Old, 0, stats, Options{MinFillWords: minFill, Logger: log})
	if err := g.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return g, heap, stats
}

// activate installs r through the acquisition path with a first allocation
// of words.
func activate(t *testing.T, g *GCAllocRegion, heap *MockGCHeap, r *region.Region, words uintptr) region.HeapWord {
	t.Helper()
	heap.EXPECT().NewGCAllocRegion(words, evacstats.Old, uint32(0)).Return(r)
	addr, err := g.NewRegionAndAllocate(words)
	if err != nil {
		t.Fatalf("new region: %v", err)
	}
	if addr != r.Bottom() {
		t.Fatalf("first allocation at %#x, want bottom %#x", uintptr(addr), uintptr(r.Bottom()))
	}
	return addr
}

func TestInit_TwiceFails(t *testing.T) {
	g, _, _ := newTestGC(t, 2, nil)
	if err := g.Init(); !stderrors.Is(err, errors.ErrAlreadyInitialized) {
		t.Fatalf("second init err = %v", err)
	}
}

func TestIdle_AllocateFailsWithoutSideEffects(t *testing.T) {
	g, _, stats := newTestGC(t, 2, nil)
	if addr := g.Allocate(1); addr != 0 {
		t.Fatalf("idle allocate returned %#x", uintptr(addr))
	}
	if addr, n := g.AttemptAllocation(1, 8); addr != 0 || n != 0 {
		t.Fatalf("idle attempt = (%#x, %d)", uintptr(addr), n)
	}
	// The mock has no expectations: any heap call fails the test.
	waste, err := g.Retire(true)
	if err != nil || waste != 0 {
		t.Fatalf("idle retire = (%d, %v)", waste, err)
	}
	if g.Get() != nil || g.Count() != 0 {
		t.Fatalf("idle state changed: get=%v count=%d", g.Get(), g.Count())
	}
	if stats.Snapshot().RegionsFilled != 0 {
		t.Fatalf("dummy retirement was counted")
	}
}

func TestNewRegionAndAllocate_Exhausted(t *testing.T) {
	g, heap, _ := newTestGC(t, 2, nil)
	heap.EXPECT().NewGCAllocRegion(uintptr(8), evacstats.Old, uint32(0)).Return(nil)
	addr, err := g.NewRegionAndAllocate(8)
	if err != nil || addr != 0 {
		t.Fatalf("exhausted = (%#x, %v)", uintptr(addr), err)
	}
	if g.Get() != nil || g.Count() != 0 {
		t.Fatalf("exhaustion must leave the alloc region idle")
	}
}

func TestNewRegionAndAllocate_PublishesNonEmptyRegion(t *testing.T) {
	g, heap, _ := newTestGC(t, 2, nil)
	r := testRegion(1, 2048)
	r.SetPreFillTop(r.Bottom().Add(5))
	activate(t, g, heap, r, 16)

	if g.Get() != r || r.IsEmpty() || g.Count() != 1 {
		t.Fatalf("get=%v empty=%v count=%d", g.Get(), r.IsEmpty(), g.Count())
	}
	if r.PreFillTop() != r.Top() {
		t.Fatalf("pre-fill marker survived acquisition")
	}
	if _, err := g.NewRegionAndAllocate(16); !stderrors.Is(err, errors.ErrNotIdle) {
		t.Fatalf("acquisition while active err = %v", err)
	}
}

func TestNewRegionAndAllocate_RejectsUsedRegion(t *testing.T) {
	g, heap, _ := newTestGC(t, 2, nil)
	r := testRegion(1, 64)
	r.Allocate(1)
	heap.EXPECT().NewGCAllocRegion(uintptr(4), evacstats.Old, uint32(0)).Return(r)
	if _, err := g.NewRegionAndAllocate(4); !stderrors.Is(err, errors.ErrRegionNotEmpty) {
		t.Fatalf("err = %v", err)
	}
	if g.Get() != nil {
		t.Fatalf("used region was published")
	}
}

func TestSet_Preconditions(t *testing.T) {
	ctrl := gomock.NewController(t)
	heap := NewMockGCHeap(ctrl)
	g := NewGCAllocRegion(heap, evacstats.Old, 0, evacstats.New(evacstats.Old), Options{})

	full := testRegion(1, 64)
	full.Allocate(10)
	if err := g.Set(full); !stderrors.Is(err, errors.ErrNotInitialized) {
		t.Fatalf("set before init err = %v", err)
	}
	if err := g.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := g.Set(nil); !stderrors.Is(err, errors.ErrNilRegion) {
		t.Fatalf("set nil err = %v", err)
	}
	if err := g.Set(testRegion(2, 64)); !stderrors.Is(err, errors.ErrEmptyRegion) {
		t.Fatalf("set empty err = %v", err)
	}
	if err := g.Set(full); err != nil {
		t.Fatalf("set: %v", err)
	}
	if g.Get() != full || g.Count() != 1 {
		t.Fatalf("set did not publish")
	}
	if err := g.Set(full); !stderrors.Is(err, errors.ErrNotIdle) {
		t.Fatalf("set on active err = %v", err)
	}
}

// Region of 2048 words, 2000 allocated, fill threshold 16: the 48 remaining
// words become a filler and are all waste.
func TestRetire_FillUpLeavesNoUsableSpace(t *testing.T) {
	g, heap, stats := newTestGC(t, 16, nil)
	r := testRegion(1, 2048)
	activate(t, g, heap, r, 2000)
	if r.Free() != 48*wordBytes {
		t.Fatalf("free before retire = %d", r.Free())
	}

	heap.EXPECT().RetireGCAllocRegion(r, uintptr(2048*wordBytes), evacstats.Old)
	waste, err := g.Retire(true)
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if waste != 48*wordBytes {
		t.Fatalf("waste = %d, want %d", waste, 48*wordBytes)
	}
	if r.Free()/wordBytes >= 16 {
		t.Fatalf("free after fill = %d words", r.Free()/wordBytes)
	}
	fillAt := r.Bottom().Add(2000)
	if words, ok := r.FillerAt(fillAt); !ok || words != 48 {
		t.Fatalf("filler = (%d, %v)", words, ok)
	}
	if r.PreFillTop() != fillAt {
		t.Fatalf("pre-fill top = %#x, want %#x", uintptr(r.PreFillTop()), uintptr(fillAt))
	}
	if g.Get() != nil {
		t.Fatalf("retire must leave the alloc region idle")
	}
	if snap := stats.Snapshot(); snap.RegionEndWaste != 48 || snap.RegionsFilled != 1 {
		t.Fatalf("stats = %+v", snap)
	}
}

func TestRetire_RemainderBelowThresholdIsNotFilled(t *testing.T) {
	g, heap, _ := newTestGC(t, 16, nil)
	r := testRegion(1, 2048)
	activate(t, g, heap, r, 2040)

	heap.EXPECT().RetireGCAllocRegion(r, uintptr(2040*wordBytes), evacstats.Old)
	waste, err := g.Retire(true)
	if err != nil || waste != 8*wordBytes {
		t.Fatalf("retire = (%d, %v)", waste, err)
	}
	if _, ok := r.FillerAt(r.Top()); ok {
		t.Fatalf("sub-threshold remainder was filled")
	}
	if r.Free() != 8*wordBytes {
		t.Fatalf("free = %d", r.Free())
	}
}

func TestRetire_WithoutFillKeepsFreeSpace(t *testing.T) {
	g, heap, _ := newTestGC(t, 2, nil)
	r := testRegion(1, 128)
	activate(t, g, heap, r, 100)

	heap.EXPECT().RetireGCAllocRegion(r, uintptr(100*wordBytes), evacstats.Old)
	waste, err := g.Retire(false)
	if err != nil || waste != 0 {
		t.Fatalf("retire = (%d, %v)", waste, err)
	}
	if r.Free() != 28*wordBytes {
		t.Fatalf("free = %d", r.Free())
	}
}

func TestRelease_ReturnsRegionAndIsIdempotent(t *testing.T) {
	g, heap, _ := newTestGC(t, 2, nil)
	r := testRegion(1, 128)
	activate(t, g, heap, r, 10)

	heap.EXPECT().RetireGCAllocRegion(r, uintptr(10*wordBytes), evacstats.Old)
	got, err := g.Release()
	if err != nil || got != r {
		t.Fatalf("release = (%v, %v)", got, err)
	}
	got, err = g.Release()
	if err != nil || got != nil {
		t.Fatalf("second release = (%v, %v)", got, err)
	}
	if g.IsInitialized() {
		t.Fatalf("released alloc region still initialized")
	}
	if g.Allocate(1) != 0 {
		t.Fatalf("allocation after release succeeded")
	}
	if _, err := g.Retire(false); !stderrors.Is(err, errors.ErrNotInitialized) {
		t.Fatalf("retire after release err = %v", err)
	}
	if err := g.Init(); err != nil {
		t.Fatalf("init after release: %v", err)
	}
}

func TestRelease_IdleReturnsNil(t *testing.T) {
	g, _, _ := newTestGC(t, 2, nil)
	got, err := g.Release()
	if err != nil || got != nil {
		t.Fatalf("release idle = (%v, %v)", got, err)
	}
}

// Two goroutines race 1000 and 1100 words against exactly 2000 free words:
// exactly one may win.
func TestAllocate_RaceGrantsExactlyOne(t *testing.T) {
	for i := 0; i < 50; i++ {
		g, heap, _ := newTestGC(t, 2, nil)
		r := testRegion(1, 2001)
		activate(t, g, heap, r, 1)

		var (
			start   sync.WaitGroup
			done    sync.WaitGroup
			results [2]region.HeapWord
		)
		start.Add(1)
		for j, words := range []uintptr{1000, 1100} {
			done.Add(1)
			go func(j int, words uintptr) {
				defer done.Done()
				start.Wait()
				results[j] = g.Allocate(words)
			}(j, words)
		}
		start.Done()
		done.Wait()

		wins := 0
		for _, addr := range results {
			if addr != 0 {
				wins++
			}
		}
		if wins != 1 {
			t.Fatalf("iteration %d: %d winners (%#x, %#x)", i, wins, uintptr(results[0]), uintptr(results[1]))
		}
		if r.Free() != 1000*wordBytes && r.Free() != 900*wordBytes {
			t.Fatalf("iteration %d: free = %d words", i, r.Free()/wordBytes)
		}
	}
}

// Retiring with fill-up while other goroutines keep allocating must still
// close the region and never hand out overlapping spans.
func TestRetire_FillUpUnderConcurrentAllocation(t *testing.T) {
	const words = 1 << 15
	g, heap, _ := newTestGC(t, 4, nil)
	r := testRegion(1, words)
	activate(t, g, heap, r, 1)
	heap.EXPECT().RetireGCAllocRegion(r, gomock.Any(), evacstats.Old)

	type span struct{ lo, hi uintptr }
	var (
		mu      sync.Mutex
		spans   = []span{{uintptr(r.Bottom()), uintptr(r.Bottom().Add(1))}}
		wg      sync.WaitGroup
		started sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		started.Add(1)
		go func(size uintptr) {
			defer wg.Done()
			first := true
			for {
				addr := g.Allocate(size)
				if first {
					started.Done()
					first = false
				}
				if addr == 0 {
					if g.Get() == nil {
						return
					}
					continue
				}
				mu.Lock()
				spans = append(spans, span{uintptr(addr), uintptr(addr.Add(size))})
				mu.Unlock()
			}
		}(uintptr(w%4 + 1))
	}
	started.Wait()
	waste, err := g.Retire(true)
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	wg.Wait()

	if r.Free()/wordBytes >= 4 {
		t.Fatalf("retired region still has %d free words", r.Free()/wordBytes)
	}
	var fillerBytes uintptr
	if fw, ok := r.FillerAt(r.PreFillTop()); ok {
		fillerBytes = fw * wordBytes
		spans = append(spans, span{uintptr(r.PreFillTop()), uintptr(r.PreFillTop().Add(fw))})
	}
	if waste != fillerBytes+r.Free() {
		t.Fatalf("waste %d != filler %d + free %d", waste, fillerBytes, r.Free())
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })
	var total uintptr
	for i, s := range spans {
		total += s.hi - s.lo
		if i > 0 && spans[i-1].hi > s.lo {
			t.Fatalf("overlapping spans [%#x,%#x) [%#x,%#x)", spans[i-1].lo, spans[i-1].hi, s.lo, s.hi)
		}
	}
	if total+r.Free() != words*wordBytes {
		t.Fatalf("spans %d + free %d != capacity %d", total, r.Free(), words*wordBytes)
	}
}

func TestAttemptAllocationLocked_ReplacesExhaustedRegion(t *testing.T) {
	g, heap, _ := newTestGC(t, 2, nil)
	r1, r2 := testRegion(1, 32), testRegion(2, 32)
	gomock.InOrder(
		heap.EXPECT().NewGCAllocRegion(uintptr(16), evacstats.Old, uint32(0)).Return(r1),
		heap.EXPECT().RetireGCAllocRegion(r1, uintptr(32*wordBytes), evacstats.Old),
		heap.EXPECT().NewGCAllocRegion(uintptr(16), evacstats.Old, uint32(0)).Return(r2),
	)

	addr, n, err := g.AttemptAllocationLocked(8, 16)
	if err != nil || addr != r1.Bottom() || n != 16 {
		t.Fatalf("first = (%#x, %d, %v)", uintptr(addr), n, err)
	}
	addr, n, err = g.AttemptAllocationLocked(8, 16)
	if err != nil || addr != r1.Bottom().Add(16) || n != 16 {
		t.Fatalf("second = (%#x, %d, %v)", uintptr(addr), n, err)
	}
	addr, n, err = g.AttemptAllocationLocked(8, 16)
	if err != nil || addr != r2.Bottom() || n != 16 {
		t.Fatalf("third = (%#x, %d, %v)", uintptr(addr), n, err)
	}
	if g.Get() != r2 || g.Count() != 2 {
		t.Fatalf("active = %v count = %d", g.Get(), g.Count())
	}
}

func TestAttemptAllocation_ShrinksToAvailable(t *testing.T) {
	g, heap, _ := newTestGC(t, 2, nil)
	r := testRegion(1, 40)
	activate(t, g, heap, r, 30)
	addr, n := g.AttemptAllocation(4, 16)
	if addr != r.Bottom().Add(30) || n != 10 {
		t.Fatalf("attempt = (%#x, %d)", uintptr(addr), n)
	}
	if addr, n := g.AttemptAllocation(1, 1); addr != 0 || n != 0 {
		t.Fatalf("full region granted (%#x, %d)", uintptr(addr), n)
	}
}

func TestAttemptAllocationForce(t *testing.T) {
	g, heap, _ := newTestGC(t, 2, nil)
	r := testRegion(1, 64)
	heap.EXPECT().NewGCAllocRegion(uintptr(64), evacstats.Old, uint32(0)).Return(r)
	addr, err := g.AttemptAllocationForce(64)
	if err != nil || addr != r.Bottom() {
		t.Fatalf("force = (%#x, %v)", uintptr(addr), err)
	}
	if _, err := g.AttemptAllocationForce(1); !stderrors.Is(err, errors.ErrNotIdle) {
		t.Fatalf("force while active err = %v", err)
	}
}

func TestTrace_DebugShowsTransitions(t *testing.T) {
	var buf bytes.Buffer
	log := cli.NewLogger(&buf, cli.LevelDebug)
	g, heap, _ := newTestGC(t, 2, log)
	r := testRegion(3, 64)
	activate(t, g, heap, r, 8)

	out := buf.String()
	for _, want := range []string{
		"Old GC Alloc Region: 0 null : initializing",
		"Old GC Alloc Region: 0 DUMMY : initialized",
		"Old GC Alloc Region: 0 DUMMY : attempting region allocation",
		"Old GC Alloc Region: 1 3:(F)",
		": region allocation successful",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("trace missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "min ") {
		t.Fatalf("debug level should omit sizes:\n%s", out)
	}
}

func TestTrace_TraceLevelShowsSizes(t *testing.T) {
	var buf bytes.Buffer
	log := cli.NewLogger(&buf, cli.LevelTrace)
	g, heap, _ := newTestGC(t, 2, log)
	r := testRegion(3, 64)
	activate(t, g, heap, r, 8)
	g.AttemptAllocation(4, 16)
	if !strings.Contains(buf.String(), ": alloc min 4 desired 16 actual 16 ") {
		t.Fatalf("detailed trace missing:\n%s", buf.String())
	}
}

func TestProperUnit(t *testing.T) {
	cases := map[uint64]string{0: "0B", 384: "384B", 20 << 10: "20K", 30 << 20: "30M", 11 << 30: "11G"}
	for in, want := range cases {
		if got := properUnit(in); got != want {
			t.Fatalf("properUnit(%d) = %s, want %s", in, got, want)
		}
	}
}
