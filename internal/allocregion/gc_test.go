package allocregion

import (
	stderrors "errors"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/orizon-lang/regionalloc/internal/errors"
	"github.com/orizon-lang/regionalloc/internal/evacstats"
)

func TestGC_Names(t *testing.T) {
	s := NewGCAllocRegion(nil, evacstats.Survivor, 1, evacstats.New(evacstats.Survivor), Options{})
	o := NewGCAllocRegion(nil, evacstats.Old, 0, evacstats.New(evacstats.Old), Options{})
	if s.Name() != "Survivor GC Alloc Region" || o.Name() != "Old GC Alloc Region" {
		t.Fatalf("names = %q, %q", s.Name(), o.Name())
	}
	if s.NodeIndex() != 1 || s.Purpose() != evacstats.Survivor {
		t.Fatalf("node=%d purpose=%v", s.NodeIndex(), s.Purpose())
	}
}

// A reused region reports only the bytes allocated after reuse.
func TestGC_ReuseReportsOnlyNewAllocation(t *testing.T) {
	g, heap, stats := newTestGC(t, 2, nil)
	r := testRegion(1, 1000)
	r.Allocate(100)

	if err := g.Reuse(r); err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if g.Get() != r || g.Count() != 1 {
		t.Fatalf("reuse did not install r")
	}
	if addr := g.Allocate(50); addr != r.Bottom().Add(100) {
		t.Fatalf("allocate = %#x", uintptr(addr))
	}

	heap.EXPECT().RetireGCAllocRegion(r, uintptr(50*wordBytes), evacstats.Old)
	if _, err := g.Retire(false); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if g.usedBytesBefore != 0 {
		t.Fatalf("snapshot not cleared: %d", g.usedBytesBefore)
	}
	if snap := stats.Snapshot(); snap.RegionsFilled != 1 || snap.RegionEndWaste != 0 {
		t.Fatalf("stats = %+v", snap)
	}

	// A later fresh region reports everything it holds.
	fresh := testRegion(2, 64)
	activate(t, g, heap, fresh, 10)
	heap.EXPECT().RetireGCAllocRegion(fresh, uintptr(10*wordBytes), evacstats.Old)
	if _, err := g.Retire(false); err != nil {
		t.Fatalf("retire fresh: %v", err)
	}
}

func TestGC_ReuseRejectsBadState(t *testing.T) {
	g, heap, _ := newTestGC(t, 2, nil)
	if err := g.Reuse(nil); !stderrors.Is(err, errors.ErrNilRegion) {
		t.Fatalf("reuse nil err = %v", err)
	}
	if err := g.Reuse(testRegion(1, 64)); !stderrors.Is(err, errors.ErrEmptyRegion) {
		t.Fatalf("reuse empty err = %v", err)
	}
	if g.usedBytesBefore != 0 {
		t.Fatalf("failed reuse kept snapshot %d", g.usedBytesBefore)
	}

	activate(t, g, heap, testRegion(2, 64), 4)
	used := testRegion(3, 64)
	used.Allocate(8)
	if err := g.Reuse(used); !stderrors.Is(err, errors.ErrNotIdle) {
		t.Fatalf("reuse while active err = %v", err)
	}
	if g.usedBytesBefore != 0 {
		t.Fatalf("failed reuse kept snapshot %d", g.usedBytesBefore)
	}
}

func TestGC_UsedBelowSnapshotFails(t *testing.T) {
	g, _, _ := newTestGC(t, 2, nil)
	r := testRegion(1, 64)
	r.Allocate(8)
	if err := g.Reuse(r); err != nil {
		t.Fatalf("reuse: %v", err)
	}
	g.usedBytesBefore = r.Used() + wordBytes
	if _, err := g.Retire(false); !stderrors.Is(err, errors.ErrUsedUnderflow) {
		t.Fatalf("retire err = %v", err)
	}
	// A failed retirement leaves the alloc region unset with no snapshot.
	if g.Get() != nil || g.usedBytesBefore != 0 {
		t.Fatalf("after failed retire: active=%v before=%d", g.Get(), g.usedBytesBefore)
	}
	if r, err := g.Release(); r != nil || err != nil {
		t.Fatalf("release after failed retire = (%v, %v)", r, err)
	}
	if err := g.Init(); err != nil {
		t.Fatalf("init after failed retire: %v", err)
	}
}

func TestGC_FailedReleaseLeavesRegionUnset(t *testing.T) {
	g, _, _ := newTestGC(t, 2, nil)
	r := testRegion(1, 64)
	r.Allocate(8)
	if err := g.Reuse(r); err != nil {
		t.Fatalf("reuse: %v", err)
	}
	g.usedBytesBefore = r.Used() + wordBytes
	if got, err := g.Release(); got != nil || !stderrors.Is(err, errors.ErrUsedUnderflow) {
		t.Fatalf("release = (%v, %v)", got, err)
	}
	if g.Get() != nil {
		t.Fatalf("failed release kept %v active", g.Get())
	}
	if _, err := g.Retire(false); !stderrors.Is(err, errors.ErrNotInitialized) {
		t.Fatalf("retire after failed release err = %v", err)
	}
}

func TestGC_StatsSharedAcrossRegions(t *testing.T) {
	ctrl := gomock.NewController(t)
	heap := NewMockGCHeap(ctrl)
	stats := evacstats.New(evacstats.Survivor)
	a := NewGCAllocRegion(heap, evacstats.Survivor, 0, stats, Options{MinFillWords: 4})
	b := NewGCAllocRegion(heap, evacstats.Survivor, 1, stats, Options{MinFillWords: 4})
	for _, g := range []*GCAllocRegion{a, b} {
		if err := g.Init(); err != nil {
			t.Fatalf("init: %v", err)
		}
	}

	ra, rb := testRegion(1, 64), testRegion(2, 64)
	heap.EXPECT().NewGCAllocRegion(uintptr(60), evacstats.Survivor, uint32(0)).Return(ra)
	heap.EXPECT().NewGCAllocRegion(uintptr(40), evacstats.Survivor, uint32(1)).Return(rb)
	heap.EXPECT().RetireGCAllocRegion(ra, uintptr(64*wordBytes), evacstats.Survivor)
	heap.EXPECT().RetireGCAllocRegion(rb, uintptr(64*wordBytes), evacstats.Survivor)

	if _, err := a.NewRegionAndAllocate(60); err != nil {
		t.Fatalf("a: %v", err)
	}
	if _, err := b.NewRegionAndAllocate(40); err != nil {
		t.Fatalf("b: %v", err)
	}
	for _, g := range []*GCAllocRegion{a, b} {
		if _, err := g.Retire(true); err != nil {
			t.Fatalf("retire: %v", err)
		}
		// Idle retirement leaves the shared stats alone.
		if _, err := g.Retire(true); err != nil {
			t.Fatalf("idle retire: %v", err)
		}
	}
	if snap := stats.Snapshot(); snap.RegionsFilled != 2 || snap.RegionEndWaste != 4+24 {
		t.Fatalf("stats = %+v", snap)
	}
}
