package region

import (
	"fmt"

	"github.com/orizon-lang/regionalloc/internal/errors"
)

// Reservation is one contiguous mapping carved into equally sized regions.
// Regions are assigned to NUMA nodes round-robin.
type Reservation struct {
	mem         []byte
	regionBytes uintptr
	regions     []*Region
	mapped      bool
}

// Reserve maps count regions of regionBytes each. regionBytes must be a
// positive multiple of WordSize and nodes must be at least one.
func Reserve(regionBytes uintptr, count, nodes int) (*Reservation, error) {
	if regionBytes == 0 || regionBytes%WordSize != 0 {
		return nil, errors.InvalidSize(regionBytes, "region bytes")
	}
	if count <= 0 {
		return nil, errors.InvalidSize(uintptr(count), "region count")
	}
	if nodes <= 0 {
		nodes = 1
	}

	total := regionBytes * uintptr(count)
	mem, mapped, err := mapMemory(total)
	if err != nil {
		return nil, errors.ReservationFailed(total, err)
	}

	rs := &Reservation{
		mem:         mem,
		regionBytes: regionBytes,
		regions:     make([]*Region, count),
		mapped:      mapped,
	}
	for i := 0; i < count; i++ {
		lo := uintptr(i) * regionBytes
		rs.regions[i] = newRegion(uint32(i), uint32(i%nodes), mem[lo:lo+regionBytes:lo+regionBytes])
	}
	return rs, nil
}

// RegionBytes returns the size of every region.
func (rs *Reservation) RegionBytes() uintptr { return rs.regionBytes }

// Len returns the number of regions.
func (rs *Reservation) Len() int { return len(rs.regions) }

// At returns region i.
func (rs *Reservation) At(i int) *Region { return rs.regions[i] }

// Regions returns all regions in address order.
func (rs *Reservation) Regions() []*Region { return rs.regions }

// RegionFor returns the region containing addr, or nil.
func (rs *Reservation) RegionFor(addr HeapWord) *Region {
	if len(rs.regions) == 0 {
		return nil
	}
	base := rs.regions[0].bottom
	if addr < base {
		return nil
	}
	i := uintptr(addr-base) / rs.regionBytes
	if i >= uintptr(len(rs.regions)) {
		return nil
	}
	return rs.regions[i]
}

// Mapped reports whether the memory came from an anonymous OS mapping
// rather than the Go heap.
func (rs *Reservation) Mapped() bool { return rs.mapped }

// Close releases the mapping. No region may be used afterwards.
func (rs *Reservation) Close() error {
	if rs.mem == nil {
		return nil
	}
	mem := rs.mem
	rs.mem = nil
	rs.regions = nil
	if !rs.mapped {
		return nil
	}
	if err := unmapMemory(mem); err != nil {
		return fmt.Errorf("unmap reservation: %w", err)
	}
	return nil
}
