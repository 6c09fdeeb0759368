package dmem

import "github.com/rivermesh/devmem/memutils"

// AllocationCreateFlags exposes several options for allocation behavior that can be applied.
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = memutils.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateDedicatedMemory instructs the allocator to give this allocation its own memory block
	AllocationCreateDedicatedMemory AllocationCreateFlags = 1 << iota
	// AllocationCreateNeverAllocate instructs the allocator to only try to allocate from existing
	// memory blocks and never create new blocks
	//
	// If a new allocation cannot be placed in any of the existing blocks, allocation fails with
	// an error marked memutils.ErrOutOfDeviceMemory
	AllocationCreateNeverAllocate
	// AllocationCreateMapped instructs the allocator to use memory that will be persistently mapped
	// and retrieve a pointer to it
	//
	// It is valid to use this flag for an allocation made from a memory type that is not host-visible.
	// This flag is then ignored and the memory is not mapped. This is useful if you need an allocation
	// that is efficient to use on-device and want to map it if possible on platforms that
	// support it (i.e. integrated memory).
	AllocationCreateMapped
	// AllocationCreateUpperAddress will instruct the allocator to create the allocation from the upper
	// stack in a double stack pool. This flag is only allowed for custom pools created with the
	// PoolCreateLinearAlgorithm flag
	AllocationCreateUpperAddress
	// AllocationCreateWithinBudget instructs the allocator to only create the allocation if additional
	// device memory required for it won't exceed the heap's budget. Otherwise, an error marked
	// memutils.ErrOutOfBudget is returned
	AllocationCreateWithinBudget
	// AllocationCreateCanAlias indicates whether the allocated memory will have aliasing resources.
	// The allocator makes no attempt to subdivide memory that may be aliased, so this mostly serves
	// as a marker for external binding code.
	AllocationCreateCanAlias
	// AllocationCreateStrategyMinMemory selects the allocation strategy that chooses the smallest-possible
	// free range for the allocation to minimize memory usage and fragmentation, possibly at the expense of
	// allocation time
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyMinTime selects the allocation strategy that chooses the first suitable free
	// range for the allocation- not necessarily in terms of the smallest offset, but the one that is easiest
	// and fastest to find to minimize allocation time, possibly at the expense of allocation quality.
	AllocationCreateStrategyMinTime
	// AllocationCreateStrategyMinOffset selects the allocation strategy that chooses the lowest offset in
	// available space. This is not the most efficient strategy, but achieves highly packed data. Used internally
	// by defragmentation, not recommended in typical usage.
	AllocationCreateStrategyMinOffset

	AllocationCreateStrategyMask = AllocationCreateStrategyMinMemory |
		AllocationCreateStrategyMinTime |
		AllocationCreateStrategyMinOffset
)

func init() {
	AllocationCreateDedicatedMemory.Register("AllocationCreateDedicatedMemory")
	AllocationCreateNeverAllocate.Register("AllocationCreateNeverAllocate")
	AllocationCreateMapped.Register("AllocationCreateMapped")
	AllocationCreateUpperAddress.Register("AllocationCreateUpperAddress")
	AllocationCreateWithinBudget.Register("AllocationCreateWithinBudget")
	AllocationCreateCanAlias.Register("AllocationCreateCanAlias")
	AllocationCreateStrategyMinMemory.Register("AllocationCreateStrategyMinMemory")
	AllocationCreateStrategyMinTime.Register("AllocationCreateStrategyMinTime")
	AllocationCreateStrategyMinOffset.Register("AllocationCreateStrategyMinOffset")
}
