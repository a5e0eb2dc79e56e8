// Package evacstats aggregates per-purpose statistics for evacuation-time
// allocation. One Stats value is shared by every GC alloc region of the same
// purpose, so all counters are updated atomically.
package evacstats

import (
	"fmt"
	"sync/atomic"
)

// Purpose classifies why an evacuation region was acquired.
type Purpose uint8

const (
	Survivor Purpose = iota // young objects that survived a pause
	Old                     // objects promoted to the tenured space
	NumPurposes
)

func (p Purpose) String() string {
	switch p {
	case Survivor:
		return "survivor"
	case Old:
		return "old"
	default:
		return fmt.Sprintf("purpose(%d)", uint8(p))
	}
}

// Stats holds evacuation statistics for one purpose. Sizes are in words.
type Stats struct {
	purpose         Purpose
	allocated       atomic.Uint64 // words handed out to evacuating workers
	directAllocated atomic.Uint64 // words allocated without a buffer
	regionEndWaste  atomic.Uint64 // words left at the end of retired regions
	regionsFilled   atomic.Uint64 // regions retired with end waste accounted
	failureUsed     atomic.Uint64 // words used in regions that failed evacuation
	failureWaste    atomic.Uint64 // words wasted in regions that failed evacuation
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Purpose         Purpose `json:"-"`
	Allocated       uint64  `json:"allocated_words"`
	DirectAllocated uint64  `json:"direct_allocated_words"`
	RegionEndWaste  uint64  `json:"region_end_waste_words"`
	RegionsFilled   uint64  `json:"regions_filled"`
	FailureUsed     uint64  `json:"failure_used_words"`
	FailureWaste    uint64  `json:"failure_waste_words"`
}

// New returns empty statistics for purpose.
func New(purpose Purpose) *Stats {
	return &Stats{purpose: purpose}
}

// Purpose returns the purpose these statistics describe.
func (s *Stats) Purpose() Purpose { return s.purpose }

// AddRegionEndWaste records the waste left behind when a region retires.
func (s *Stats) AddRegionEndWaste(words uintptr) {
	s.regionEndWaste.Add(uint64(words))
	s.regionsFilled.Add(1)
}

// AddAllocated records words handed out to evacuating workers.
func (s *Stats) AddAllocated(words uintptr) { s.allocated.Add(uint64(words)) }

// AddDirectAllocated records words allocated straight from a region.
func (s *Stats) AddDirectAllocated(words uintptr) { s.directAllocated.Add(uint64(words)) }

// AddFailure records the used and wasted words of a region whose
// evacuation failed.
func (s *Stats) AddFailure(usedWords, wasteWords uintptr) {
	s.failureUsed.Add(uint64(usedWords))
	s.failureWaste.Add(uint64(wasteWords))
}

// Snapshot reads all counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Purpose:         s.purpose,
		Allocated:       s.allocated.Load(),
		DirectAllocated: s.directAllocated.Load(),
		RegionEndWaste:  s.regionEndWaste.Load(),
		RegionsFilled:   s.regionsFilled.Load(),
		FailureUsed:     s.failureUsed.Load(),
		FailureWaste:    s.failureWaste.Load(),
	}
}

// Reset zeroes all counters. Called at the start of every pause.
func (s *Stats) Reset() {
	s.allocated.Store(0)
	s.directAllocated.Store(0)
	s.regionEndWaste.Store(0)
	s.regionsFilled.Store(0)
	s.failureUsed.Store(0)
	s.failureWaste.Store(0)
}

// Metrics exposes the counters as a metric snapshot.
func (s *Stats) Metrics() map[string]float64 {
	snap := s.Snapshot()
	return map[string]float64{
		"allocated_words":        float64(snap.Allocated),
		"direct_allocated_words": float64(snap.DirectAllocated),
		"region_end_waste_words": float64(snap.RegionEndWaste),
		"regions_filled":         float64(snap.RegionsFilled),
		"failure_used_words":     float64(snap.FailureUsed),
		"failure_waste_words":    float64(snap.FailureWaste),
	}
}
