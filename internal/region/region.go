// Package region provides the heap region primitive used by the allocation
// regions: a contiguous span of memory with an atomically advanced top.
package region

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// WordSize is the size of a heap word in bytes.
	WordSize = 8
	// LogWordSize is log2(WordSize).
	LogWordSize = 3

	fillerTag   uint64 = 0xF111 << 48
	fillerMask  uint64 = 0xFFFF << 48
	maxFillerWs uint64 = 1<<48 - 1
)

// HeapWord is the address of a heap word. Zero means no address.
type HeapWord uintptr

// Add returns the address words heap words past w.
func (w HeapWord) Add(words uintptr) HeapWord {
	return w + HeapWord(words<<LogWordSize)
}

// Kind classifies what a region is currently used for.
type Kind uint32

const (
	KindFree     Kind = iota // on a free list
	KindEden                 // mutator allocation
	KindSurvivor             // evacuation target, young
	KindOld                  // evacuation target, tenured
	KindDummy                // the sentinel
)

func (k Kind) String() string {
	switch k {
	case KindFree:
		return "F"
	case KindEden:
		return "E"
	case KindSurvivor:
		return "S"
	case KindOld:
		return "O"
	case KindDummy:
		return "D"
	default:
		return "?"
	}
}

// Region is a contiguous span of heap memory. The top pointer is the only
// field written concurrently; everything else changes while the owner
// holds the region exclusively.
type Region struct {
	index      uint32
	node       uint32
	kind       atomic.Uint32
	bottom     HeapWord
	end        HeapWord
	top        atomic.Uintptr
	preFillTop HeapWord
	mem        []byte
}

func newRegion(index, node uint32, mem []byte) *Region {
	r := &Region{index: index, node: node, mem: mem}
	if len(mem) > 0 {
		r.bottom = HeapWord(uintptr(unsafe.Pointer(unsafe.SliceData(mem))))
		r.end = r.bottom + HeapWord(len(mem))
	}
	r.top.Store(uintptr(r.bottom))
	r.kind.Store(uint32(KindFree))
	return r
}

// NewDummy returns the sentinel region: no memory, zero free bytes, and
// every allocation attempt fails without side effects.
func NewDummy() *Region {
	r := newRegion(^uint32(0), 0, nil)
	r.kind.Store(uint32(KindDummy))
	return r
}

// NewStandalone builds a region over mem that is not part of a reservation.
// Used by tests and by tools that manage their own memory.
func NewStandalone(index, node uint32, mem []byte) *Region {
	return newRegion(index, node, mem[:len(mem)&^(WordSize-1)])
}

// Index returns the region's position in its reservation.
func (r *Region) Index() uint32 { return r.index }

// Node returns the NUMA node the region's memory belongs to.
func (r *Region) Node() uint32 { return r.node }

// Kind returns the current use of the region.
func (r *Region) Kind() Kind { return Kind(r.kind.Load()) }

// SetKind changes the current use of the region.
func (r *Region) SetKind(k Kind) { r.kind.Store(uint32(k)) }

// IsDummy reports whether r is a sentinel region.
func (r *Region) IsDummy() bool { return r.Kind() == KindDummy }

// Bottom returns the first address of the region.
func (r *Region) Bottom() HeapWord { return r.bottom }

// End returns the address one past the region.
func (r *Region) End() HeapWord { return r.end }

// Top returns the current allocation pointer.
func (r *Region) Top() HeapWord { return HeapWord(r.top.Load()) }

// CapacityBytes returns the size of the region.
func (r *Region) CapacityBytes() uintptr { return uintptr(r.end - r.bottom) }

// CapacityWords returns the size of the region in words.
func (r *Region) CapacityWords() uintptr { return r.CapacityBytes() >> LogWordSize }

// Free returns the bytes between top and end.
func (r *Region) Free() uintptr { return uintptr(r.end) - r.top.Load() }

// Used returns the bytes between bottom and top.
func (r *Region) Used() uintptr { return r.top.Load() - uintptr(r.bottom) }

// IsEmpty reports whether nothing has been allocated in the region.
func (r *Region) IsEmpty() bool { return r.Used() == 0 }

// Contains reports whether addr lies inside the region.
func (r *Region) Contains(addr HeapWord) bool {
	return addr >= r.bottom && addr < r.end
}

// ParAllocate bump-allocates between minWords and desiredWords words with
// a CAS on top. It grants min(available, desiredWords) words when that is
// at least minWords and returns the address and the granted size, or
// (0, 0) when the region cannot satisfy minWords. Safe for concurrent use.
func (r *Region) ParAllocate(minWords, desiredWords uintptr) (HeapWord, uintptr) {
	if minWords == 0 {
		minWords = 1
	}
	if desiredWords < minWords {
		desiredWords = minWords
	}
	for {
		obj := r.top.Load()
		available := (uintptr(r.end) - obj) >> LogWordSize
		want := min(available, desiredWords)
		if want < minWords {
			return 0, 0
		}
		if r.top.CompareAndSwap(obj, obj+want<<LogWordSize) {
			return HeapWord(obj), want
		}
	}
}

// ParAllocateExact is ParAllocate with minWords == desiredWords.
func (r *Region) ParAllocateExact(words uintptr) HeapWord {
	addr, _ := r.ParAllocate(words, words)
	return addr
}

// Allocate bumps top by words for the exclusive owner of the region.
// It returns 0 when the region is too small.
func (r *Region) Allocate(words uintptr) HeapWord {
	if words == 0 {
		return 0
	}
	obj := r.top.Load()
	if (uintptr(r.end)-obj)>>LogWordSize < words {
		return 0
	}
	r.top.Store(obj + words<<LogWordSize)
	return HeapWord(obj)
}

func (r *Region) offset(addr HeapWord) (uintptr, bool) {
	if !r.Contains(addr) {
		return 0, false
	}
	return uintptr(addr - r.bottom), true
}

// StampFiller formats [addr, addr+words) as an opaque filler so heap
// scanning can step over it. The span must lie inside the region.
func (r *Region) StampFiller(addr HeapWord, words uintptr) {
	off, ok := r.offset(addr)
	if !ok || words == 0 || off+words<<LogWordSize > uintptr(len(r.mem)) || uint64(words) > maxFillerWs {
		panic(fmt.Sprintf("region %d: filler [%#x, +%d words) outside [%#x, %#x)", r.index, uintptr(addr), words, uintptr(r.bottom), uintptr(r.end)))
	}
	binary.LittleEndian.PutUint64(r.mem[off:], fillerTag|uint64(words))
}

// FillerAt decodes a filler header stamped at addr.
func (r *Region) FillerAt(addr HeapWord) (uintptr, bool) {
	off, ok := r.offset(addr)
	if !ok || off+WordSize > uintptr(len(r.mem)) {
		return 0, false
	}
	hdr := binary.LittleEndian.Uint64(r.mem[off:])
	if hdr&fillerMask != fillerTag {
		return 0, false
	}
	return uintptr(hdr &^ fillerMask), true
}

// Bytes returns the backing memory of [addr, addr+words). Nil when the span
// is not inside the region.
func (r *Region) Bytes(addr HeapWord, words uintptr) []byte {
	off, ok := r.offset(addr)
	n := words << LogWordSize
	if !ok || off+n > uintptr(len(r.mem)) {
		return nil
	}
	return r.mem[off : off+n : off+n]
}

// SetPreFillTop records where real allocation stopped before a filler was
// stamped at the end of the region.
func (r *Region) SetPreFillTop(addr HeapWord) { r.preFillTop = addr }

// ResetPreFillTop clears the pre-fill marker.
func (r *Region) ResetPreFillTop() { r.preFillTop = 0 }

// PreFillTop returns the pre-fill marker, or top when none was recorded.
func (r *Region) PreFillTop() HeapWord {
	if r.preFillTop == 0 {
		return r.Top()
	}
	return r.preFillTop
}

// Reset makes the region empty and assigns it a new kind. Only the heap
// calls this, and only while no alloc region references r.
func (r *Region) Reset(k Kind) {
	if used := r.Used(); used > 0 {
		clear(r.mem[:used])
	}
	r.top.Store(uintptr(r.bottom))
	r.preFillTop = 0
	r.kind.Store(uint32(k))
}

func (r *Region) String() string {
	if r == nil {
		return "null"
	}
	return fmt.Sprintf("%d:(%s)[%#x,%#x,%#x]", r.index, r.Kind(), uintptr(r.bottom), r.top.Load(), uintptr(r.end))
}
