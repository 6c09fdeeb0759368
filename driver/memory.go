package driver

import (
	"github.com/cockroachdb/errors"
	"github.com/rivermesh/devmem/memutils"
)

// MaxMemoryHeaps is the largest number of memory heaps a device may expose. Per-heap
// accounting arrays are sized with this constant so they can be indexed without locks.
const MaxMemoryHeaps = 16

// MaxMemoryTypes is the largest number of memory types a device may expose. Memory type
// bitmasks are 32 bits wide, so this can never rise above 32.
const MaxMemoryTypes = 32

// MemoryPropertyFlags describes the capabilities of a single memory type
type MemoryPropertyFlags uint32

var memoryPropertyFlagsMapping = memutils.NewFlagStringMapping[MemoryPropertyFlags]()

func (f MemoryPropertyFlags) Register(str string) {
	memoryPropertyFlagsMapping.Register(f, str)
}

func (f MemoryPropertyFlags) String() string {
	return memoryPropertyFlagsMapping.FlagsToString(f)
}

const (
	// MemoryPropertyDeviceLocal indicates memory that is fastest for the device to access.
	// It may not be visible to the host at all.
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryPropertyHostVisible indicates memory that the host can map and access directly
	MemoryPropertyHostVisible
	// MemoryPropertyHostCoherent indicates host-visible memory whose writes do not require
	// explicit flush or invalidate calls to become visible
	MemoryPropertyHostCoherent
	// MemoryPropertyHostCached indicates host-visible memory that is cached on the host.
	// Host reads are fast, but the cache may not be coherent with device writes.
	MemoryPropertyHostCached
	// MemoryPropertyLazilyAllocated indicates memory whose backing may be committed lazily
	// by the device. It cannot be host-visible.
	MemoryPropertyLazilyAllocated
)

func init() {
	MemoryPropertyDeviceLocal.Register("MemoryPropertyDeviceLocal")
	MemoryPropertyHostVisible.Register("MemoryPropertyHostVisible")
	MemoryPropertyHostCoherent.Register("MemoryPropertyHostCoherent")
	MemoryPropertyHostCached.Register("MemoryPropertyHostCached")
	MemoryPropertyLazilyAllocated.Register("MemoryPropertyLazilyAllocated")
}

// MemoryHeapFlags describes the capabilities of a single memory heap
type MemoryHeapFlags uint32

var memoryHeapFlagsMapping = memutils.NewFlagStringMapping[MemoryHeapFlags]()

func (f MemoryHeapFlags) Register(str string) {
	memoryHeapFlagsMapping.Register(f, str)
}

func (f MemoryHeapFlags) String() string {
	return memoryHeapFlagsMapping.FlagsToString(f)
}

const (
	// MemoryHeapDeviceLocal indicates a heap that corresponds to device-local memory
	MemoryHeapDeviceLocal MemoryHeapFlags = 1 << iota
)

func init() {
	MemoryHeapDeviceLocal.Register("MemoryHeapDeviceLocal")
}

// MemoryType is a single memory category the device exposes: a set of property flags
// and the heap its memory is carved from. Several types may share a heap.
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     int
}

// MemoryHeap is a single physical memory pool on the device
type MemoryHeap struct {
	// Size is the total size of the heap in bytes
	Size int
	Flags MemoryHeapFlags
}

// MemoryProperties is the device's full memory topology, as reported by the Provider
// once at allocator creation
type MemoryProperties struct {
	MemoryTypes []MemoryType
	MemoryHeaps []MemoryHeap
}

// Validate checks the topology for internal consistency
func (p *MemoryProperties) Validate() error {
	if len(p.MemoryTypes) == 0 || len(p.MemoryHeaps) == 0 {
		return errors.Mark(
			errors.New("provider reported no memory types or no memory heaps"),
			memutils.ErrInvalidArgument)
	}

	if len(p.MemoryHeaps) > MaxMemoryHeaps {
		return errors.Mark(
			errors.Newf("provider reported %d memory heaps, but no more than %d are supported", len(p.MemoryHeaps), MaxMemoryHeaps),
			memutils.ErrInvalidArgument)
	}

	if len(p.MemoryTypes) > MaxMemoryTypes {
		return errors.Mark(
			errors.Newf("provider reported %d memory types, but no more than %d are supported", len(p.MemoryTypes), MaxMemoryTypes),
			memutils.ErrInvalidArgument)
	}

	for typeIndex, memoryType := range p.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(p.MemoryHeaps) {
			return errors.Mark(
				errors.Newf("memory type %d points at heap %d, which does not exist", typeIndex, memoryType.HeapIndex),
				memutils.ErrInvalidArgument)
		}
	}

	for heapIndex, heap := range p.MemoryHeaps {
		if heap.Size < 1 {
			return errors.Mark(
				errors.Newf("memory heap %d has invalid size %d", heapIndex, heap.Size),
				memutils.ErrInvalidArgument)
		}
	}

	return nil
}

// HeapBudget is the current usage and allotment of a single heap, in bytes
type HeapBudget struct {
	// Usage is the number of bytes currently in use on the heap, including consumers
	// other than this process when the source can see them
	Usage int
	// Budget is an estimate of how many bytes this process can allocate from the heap
	// before degrading performance or failing
	Budget int
}
