package defrag

import (
	"github.com/rivermesh/devmem/memutils/metadata"
)

// DefragmentationMoveOperation indicates how a proposed relocation was resolved by the
// consumer before pass completion
type DefragmentationMoveOperation uint32

const (
	// DefragmentationMoveCopy indicates the consumer copied the allocation's contents to the
	// destination. Pass completion swaps the allocation to the destination and frees the old range.
	DefragmentationMoveCopy DefragmentationMoveOperation = iota
	// DefragmentationMoveIgnore indicates the consumer could not move the allocation. Pass
	// completion releases the reserved destination and leaves the source untouched. The source
	// block is treated as immovable for the remainder of the run.
	DefragmentationMoveIgnore
	// DefragmentationMoveDestroy indicates the consumer abandoned the allocation. Pass completion
	// frees both the source allocation and the reserved destination.
	DefragmentationMoveDestroy
)

// DefragmentOperationHandler is called once per proposed move during pass completion to
// commit the outcome recorded in the move's MoveOperation
type DefragmentOperationHandler[T any] func(move DefragmentationMove[T]) error

// DefragmentationMove is a single proposed relocation: the source allocation, the block it
// currently lives in, and a committed-but-unpopulated destination allocation
type DefragmentationMove[T any] struct {
	MoveOperation DefragmentationMoveOperation

	Size             int
	SrcBlockMetadata metadata.BlockMetadata
	SrcAllocation    *T
	DstBlockMetadata metadata.BlockMetadata
	DstTmpAllocation *T
}

// MoveAllocationData is produced by BlockList.MoveDataForUserData to describe a candidate
// allocation in terms the defragmentation engine understands
type MoveAllocationData[T any] struct {
	Alignment         uint
	SuballocationType uint32
	Flags             uint32
	Move              DefragmentationMove[T]
}

type defragmentOperation uint32

const (
	defragmentOperationFindFreeBlock defragmentOperation = iota
	defragmentOperationMoveGroup
	defragmentOperationCleanup
	defragmentOperationDone
)

var defragOperationMapping = map[defragmentOperation]string{
	defragmentOperationFindFreeBlock: "defragmentOperationFindFreeBlock",
	defragmentOperationMoveGroup:     "defragmentOperationMoveGroup",
	defragmentOperationCleanup:       "defragmentOperationCleanup",
	defragmentOperationDone:          "defragmentOperationDone",
}

func (m defragmentOperation) String() string {
	return defragOperationMapping[m]
}

type stateBalanced[T any] struct {
	AverageFreeSize  int
	AverageAllocSize int
}

func (s *stateBalanced[T]) UpdateStatistics(blockList BlockList[T]) {
	s.AverageFreeSize = 0
	s.AverageAllocSize = 0

	var allocCount, freeCount int
	for i := 0; i < blockList.BlockCount(); i++ {
		mtdata := blockList.MetadataForBlock(i)

		allocCount += mtdata.AllocationCount()
		freeCount += mtdata.FreeRegionsCount()
		s.AverageFreeSize += mtdata.SumFreeSize()
		s.AverageAllocSize += mtdata.Size()
	}

	if allocCount > 0 {
		s.AverageAllocSize = (s.AverageAllocSize - s.AverageFreeSize) / allocCount
	}
	if freeCount > 0 {
		s.AverageFreeSize /= freeCount
	}
}

type stateExtensive struct {
	Operation      defragmentOperation
	FirstFreeBlock int
	// Allocation type groups observed while emptying blocks and not yet regrouped
	pendingTypes []uint32
}
