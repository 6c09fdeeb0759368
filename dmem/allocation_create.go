package dmem

import (
	"github.com/rivermesh/devmem/driver"
)

// AllocationCreateInfo is an options struct that is used to define the specifics of a new allocation created
// by Allocator.AllocateMemory and Allocator.AllocateMemorySlice
type AllocationCreateInfo struct {
	// Flags is an AllocationCreateFlags value that describes the intended behavior of the
	// created Allocation
	Flags AllocationCreateFlags

	// RequiredFlags indicates what flags must be on the memory type. If no type with these flags can be found with
	// enough free memory, the allocation will fail
	RequiredFlags driver.MemoryPropertyFlags
	// PreferredFlags indicates a set of flags that should be on the memory type. Each specified flag is considered
	// equally important: that is, if two flags are specified and no memory type contains both, an arbitrary memory
	// type with one of the two will be chosen, if it exists.
	PreferredFlags driver.MemoryPropertyFlags

	// MemoryTypeBits is a bitmask of memory types that may be chosen for the requested allocation. If this is left
	// 0, all memory types are permitted.
	MemoryTypeBits uint32
	// Pool is the custom memory pool to allocate from. This is usually nil, in which case the memory will be
	// allocated directly from the Allocator.
	Pool *Pool

	// UserData is an arbitrary value that will be applied to the Allocation. Allocation.UserData() will return
	// this value after the allocation is complete. It's often helpful to place a resource object that ties the
	// Allocation to an externally-bound device object here.
	UserData interface{}
	// Priority is a priority value applied to the allocated memory. This only has an effect for dedicated
	// allocations, it is ignored for block allocations.
	Priority float32
}

// MemoryRequirements describes the placement constraints for a requested allocation: how
// many bytes it needs, what offsets it may be placed at, and which memory types can host it.
// A zero MemoryTypeBits permits every memory type.
type MemoryRequirements struct {
	Size           int
	Alignment      uint
	MemoryTypeBits uint32
}
