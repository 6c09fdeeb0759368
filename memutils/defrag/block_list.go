package defrag

import (
	"github.com/rivermesh/devmem/memutils"
	"github.com/rivermesh/devmem/memutils/metadata"
)

// BlockList is the view of a memory pool that the defragmentation engine operates on.
// T is the consumer's allocation type; the engine treats it as opaque and only moves
// pointers to it around.
type BlockList[T any] interface {
	MetadataForBlock(index int) metadata.BlockMetadata
	BlockCount() int
	AddStatistics(stats *memutils.Statistics)
	// MoveDataForUserData maps the userData stored in a block's metadata back to the
	// allocation it belongs to and the data needed to relocate it
	MoveDataForUserData(userData any) MoveAllocationData[T]
	// AllocationsConflict reports whether two allocation types may not share a granularity
	// page. The extensive algorithm uses it to group compatible allocations together.
	AllocationsConflict(firstAllocType, secondAllocType uint32) bool

	Lock()
	Unlock()

	CreateAlloc() *T
	// CommitDefragAllocationRequest commits a placement produced during move collection,
	// populating outAlloc as the reserved destination. It must return an error marked with
	// memutils.ErrOutOfDeviceMemory when the placement can no longer be honored.
	CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, flags uint32, userData any, suballocType uint32, outAlloc *T) error
	SwapBlocks(leftIndex, rightIndex int)
}
