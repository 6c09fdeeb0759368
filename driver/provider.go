package driver

import "unsafe"

// BlockHandle identifies a single device memory block to the Provider that allocated
// it. The library treats handles as opaque and only passes them back into Provider
// methods.
type BlockHandle any

// DeviceProperties carries the device limits that affect placement math
type DeviceProperties struct {
	// BufferImageGranularity is the page size at which allocations of conflicting
	// resource types may not share a page. Must be a power of two. Values below 2
	// disable conflict tracking.
	BufferImageGranularity int
	// NonCoherentAtomSize is the alignment unit for flush and invalidate ranges on
	// host-visible memory types that are not host-coherent. Must be a power of two.
	NonCoherentAtomSize int
}

// Provider is the capability surface the consumer implements to connect an Allocator
// to a real device memory API. All methods must be safe for concurrent use.
type Provider interface {
	// MemoryProperties returns the device's memory topology. It is retrieved once at
	// allocator creation and must not change afterward.
	MemoryProperties() *MemoryProperties
	// DeviceProperties returns the device limits. It is retrieved once at allocator
	// creation and must not change afterward.
	DeviceProperties() DeviceProperties
	// MaxAllocationCount is the largest number of blocks that may be live at once
	MaxAllocationCount() int

	// AllocateBlock allocates a single block of device memory from the requested
	// memory type. Failures should be marked with the appropriate memutils sentinel,
	// usually memutils.ErrOutOfDeviceMemory.
	AllocateBlock(memoryTypeIndex int, size int) (BlockHandle, error)
	// FreeBlock returns a block to the device. size is the value the block was
	// allocated with.
	FreeBlock(handle BlockHandle, size int)

	// Map makes an entire block visible to the host and returns its base address. It is
	// only called for blocks of host-visible memory types, and at most once per block-
	// the library ref-counts mappings itself.
	Map(handle BlockHandle) (unsafe.Pointer, error)
	// Unmap releases a mapping previously created with Map
	Unmap(handle BlockHandle)

	// Flush makes host writes in the given range of a mapped block available to the
	// device. Ranges are pre-aligned to NonCoherentAtomSize, and coherent memory types
	// are never flushed.
	Flush(handle BlockHandle, offset, size int) error
	// Invalidate makes device writes in the given range of a mapped block visible to
	// the host. Ranges are pre-aligned to NonCoherentAtomSize, and coherent memory
	// types are never invalidated.
	Invalidate(handle BlockHandle, offset, size int) error
}

// BudgetSource is an optional capability for providers that can report live heap usage,
// such as through an OS or driver query. When absent, the allocator estimates budgets
// from its own accounting.
type BudgetSource interface {
	// RefreshBudget fills current usage and budget for every heap. The slice is indexed
	// by heap index and sized to the heap count from MemoryProperties.
	RefreshBudget(budgets []HeapBudget)
}
