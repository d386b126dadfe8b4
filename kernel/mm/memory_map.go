package mm

import (
	"sort"
	"strconv"
	"strings"

	"vmcore/kernel"
)

// MemoryEntryType defines the type of a MemoryRegion.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	default:
		return "reserved"
	}
}

// MemoryRegion describes a physical memory region, namely its physical
// address, its length and its type.
type MemoryRegion struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this region.
	Type MemoryEntryType
}

// End returns the first physical address after the region.
func (r MemoryRegion) End() uint64 {
	return r.PhysAddress + r.Length
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region. The visitor must return true to
// continue or false to abort the scan.
type MemRegionVisitor func(region *MemoryRegion) bool

var (
	errBadRegionSpec = &kernel.Error{Module: "mm", Message: "malformed memory region specification"}
)

// VisitMemRegions invokes visitor for each region sorted by physical address.
func VisitMemRegions(regions []MemoryRegion, visitor MemRegionVisitor) {
	sorted := make([]MemoryRegion, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PhysAddress < sorted[j].PhysAddress })

	for i := range sorted {
		if !visitor(&sorted[i]) {
			return
		}
	}
}

// DefaultMemoryMap returns a memory map describing pageCount pages of
// available memory starting at physical address 0.
func DefaultMemoryMap(pageCount uint64) []MemoryRegion {
	return []MemoryRegion{
		{PhysAddress: 0, Length: pageCount << PageShift, Type: MemAvailable},
	}
}

// ParseMemoryMap parses a comma separated list of "start:length:type"
// entries where start and length are page counts (decimal or 0x-prefixed
// hex) and type is either "available" or "reserved".
func ParseMemoryMap(spec string) ([]MemoryRegion, *kernel.Error) {
	var regions []MemoryRegion
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		fields := strings.Split(entry, ":")
		if len(fields) != 3 {
			return nil, errBadRegionSpec
		}

		start, err := strconv.ParseUint(fields[0], 0, 64)
		if err != nil {
			return nil, errBadRegionSpec
		}
		length, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil || length == 0 {
			return nil, errBadRegionSpec
		}

		var regionType MemoryEntryType
		switch fields[2] {
		case "available":
			regionType = MemAvailable
		case "reserved":
			regionType = MemReserved
		default:
			return nil, errBadRegionSpec
		}

		regions = append(regions, MemoryRegion{
			PhysAddress: start << PageShift,
			Length:      length << PageShift,
			Type:        regionType,
		})
	}

	return regions, nil
}
