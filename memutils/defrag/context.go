package defrag

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/rivermesh/devmem/memutils"
	"github.com/rivermesh/devmem/memutils/metadata"
)

// Algorithm identifies which defragmentation algorithm will be used for defrag passes
type Algorithm uint32

const (
	// AlgorithmFast indicates that the defragmentation run should use a "fast"
	// algorithm that is less thorough about compacting data within blocks, but requires fewer passes
	// to complete a full run.
	AlgorithmFast Algorithm = iota + 1
	// AlgorithmBalanced indicates that the defragmentation run should move allocations
	// to earlier blocks like AlgorithmFull, but only relocate within a block when gap statistics
	// suggest the move is worthwhile. It trades packing quality for fewer moved bytes.
	//
	// This is the default algorithm if none is specified.
	AlgorithmBalanced
	// AlgorithmFull indicates that the defragmentation run should use an algorithm
	// that is somewhat slower than AlgorithmFast but will compact memory within blocks,
	// allowing subsequent passes to compact memory across blocks to use the space that was just freed up.
	AlgorithmFull
	// AlgorithmExtensive indicates that the defragmentation run should empty out whole
	// blocks and then regroup the remaining allocations by type. It only behaves differently
	// from AlgorithmFull when allocation types have granularity conflicts, since grouping
	// compatible allocations together is what removes the padding between them.
	AlgorithmExtensive
)

var algorithmMapping = map[Algorithm]string{
	AlgorithmFast:      "AlgorithmFast",
	AlgorithmBalanced:  "AlgorithmBalanced",
	AlgorithmFull:      "AlgorithmFull",
	AlgorithmExtensive: "AlgorithmExtensive",
}

func (a Algorithm) String() string {
	return algorithmMapping[a]
}

const noFreeBlock = math.MaxInt

// DefragmentationStats contains basic metrics for defragmentation over time
type DefragmentationStats struct {
	// BytesMoved is the number of bytes that have been successfully relocated
	BytesMoved int
	// BytesFreed is the number of bytes that have been freed: bear in mind that relocating an allocation doesn't necessarily
	// free its memory- only if the defragmentation run completely frees up a block of memory and the
	// BlockList chooses to free it will this value increase
	BytesFreed int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// DeviceMemoryBlocksFreed is the number of memory blocks that the BlockList has chosen to free as a consequence
	// of relocating allocations out of the block
	DeviceMemoryBlocksFreed int
}

func (s *DefragmentationStats) Add(stats DefragmentationStats) {
	s.BytesMoved += stats.BytesMoved
	s.BytesFreed += stats.BytesFreed
	s.AllocationsMoved += stats.AllocationsMoved
	s.DeviceMemoryBlocksFreed += stats.DeviceMemoryBlocksFreed
}

// MetadataDefragContext is the core of the defragmentation logic for memutils. One of these must be created
// and initialized for each defragmentation run, which will then consist of multiple passes
type MetadataDefragContext[T any] struct {
	// Algorithm is the defragmentation algorithm that should be used
	Algorithm Algorithm
	// Handler is a method that will be called to complete each relocation as part of BlockListCompletePass
	Handler DefragmentOperationHandler[T]
	// BlockList is the memory object this context exists to defragment
	BlockList BlockList[T]

	moves []DefragmentationMove[T]

	immovableBlockCount int

	balancedState  stateBalanced[T]
	extensiveState stateExtensive

	// scratchStats exists to avoid allocating statistics objects when passing them in to be populated
	// because we pass them to an interface so the escape analyzer will get annoying about it
	scratchStats memutils.Statistics
}

// DefragContextWithMoves creates a MetadataDefragContext whose move list is pre-populated.
// It exists for tests that exercise pass completion without running a collect phase first.
func DefragContextWithMoves[T any](moves []DefragmentationMove[T]) *MetadataDefragContext[T] {
	return &MetadataDefragContext[T]{
		moves: moves,
	}
}

// Init sets up this MetadataDefragContext to be used in a fresh defragmentation run. MetadataDefragContext can
// be reused for multiple runs, as long as this method is called prior to beginning each run, including the first
func (c *MetadataDefragContext[T]) Init() error {
	if c.BlockList == nil {
		panic("attempted to init defragmentation context without a block list")
	}

	for index := 0; index < c.BlockList.BlockCount(); index++ {
		mtData := c.BlockList.MetadataForBlock(index)
		if !mtData.SupportsRandomAccess() {
			return errors.Mark(
				errors.New("attempted to defragment a BlockList that does not support random access- non-random access allocators such as Linear allocators cannot be and do not need to be defragmented"),
				memutils.ErrInvalidArgument)
		}
	}

	if c.Algorithm == 0 {
		c.Algorithm = AlgorithmBalanced
	}

	c.moves = c.moves[:0]
	c.immovableBlockCount = 0
	c.balancedState = stateBalanced[T]{}
	c.extensiveState = stateExtensive{
		Operation:      defragmentOperationFindFreeBlock,
		FirstFreeBlock: noFreeBlock,
	}

	return nil
}

// BlockListCompletePass should be called after a defragmentation pass has been worked: BlockListCollectMoves
// has been called, we have copied data over for all relocation operations found, and the set of DefragmentationMove
// operations have had their operation type changed away from DefragmentationMoveCopy if necessary.
//
// This method will clean up the pass by incrementing DefragmentationStats, calling MetadataDefragContext.Handler
// for each operation, and reorganizing free blocks within the BlockList if necessary. This method will return
// any errors returned from MetadataDefragContext.Handler, folded together with errors.CombineErrors.
func (c *MetadataDefragContext[T]) BlockListCompletePass(pass *PassContext) error {
	immovableBlocks := make(map[metadata.BlockMetadata]struct{}, c.BlockList.BlockCount()-c.immovableBlockCount)

	var allErrors []error

	for i := 0; i < len(c.moves); i++ {
		move := c.moves[i]

		c.scratchStats = memutils.Statistics{}
		c.BlockList.AddStatistics(&c.scratchStats)
		prevCount := c.scratchStats.BlockCount
		prevBytes := c.scratchStats.BlockBytes

		err := c.Handler(move)
		if err != nil {
			allErrors = append(allErrors, err)
			continue
		}

		c.scratchStats = memutils.Statistics{}
		c.BlockList.AddStatistics(&c.scratchStats)
		pass.Stats.DeviceMemoryBlocksFreed += prevCount - c.scratchStats.BlockCount
		pass.Stats.BytesFreed += prevBytes - c.scratchStats.BlockBytes

		switch move.MoveOperation {
		case DefragmentationMoveIgnore:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
			immovableBlocks[move.SrcBlockMetadata] = struct{}{}

		case DefragmentationMoveDestroy:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
		}
	}

	// Move blocks with immovable allocations to the beginning of the working set
	if len(immovableBlocks) > 0 {
		for block := range immovableBlocks {
			c.swapImmovableBlocks(block)
		}
	}

	c.moves = c.moves[:0]

	if len(allErrors) > 0 {
		combinedErr := allErrors[0]
		for _, nextErr := range allErrors[1:] {
			combinedErr = errors.CombineErrors(combinedErr, nextErr)
		}
		return combinedErr
	}

	return nil
}

func (c *MetadataDefragContext[T]) swapImmovableBlocks(mtdata metadata.BlockMetadata) {
	c.BlockList.Lock()
	defer c.BlockList.Unlock()

	for i := c.immovableBlockCount; i < c.BlockList.BlockCount(); i++ {
		if c.BlockList.MetadataForBlock(i) == mtdata {
			c.BlockList.SwapBlocks(i, c.immovableBlockCount)
			c.immovableBlockCount++
		}
	}
}

// BlockListCollectMoves will retrieve a single pass's worth of DefragmentationMove operations to be completed.
// Those operations can be retrieved from MetadataDefragContext.Moves. It returns true when the pass budget
// was exhausted before the walk completed.
func (c *MetadataDefragContext[T]) BlockListCollectMoves(pass *PassContext) bool {
	c.BlockList.Lock()
	defer c.BlockList.Unlock()

	if c.BlockList.BlockCount() > 1 {
		switch c.Algorithm {
		case AlgorithmFast:
			return c.walkSuballocations(pass, c.defragFastSuballocHandler)
		case AlgorithmBalanced:
			return c.defragBalanced(pass)
		case AlgorithmFull:
			return c.walkSuballocations(pass, c.defragFullSuballocHandler)
		case AlgorithmExtensive:
			return c.defragExtensive(pass)
		default:
			panic(fmt.Sprintf("attempted to defragment with unknown algorithm: %s", c.Algorithm.String()))
		}
	} else if c.BlockList.BlockCount() == 1 && c.Algorithm != AlgorithmFast {
		return c.walkSuballocations(pass, c.reallocSuballocHandler)
	}

	return false
}

// Moves returns the list of relocation operations most recently collected with BlockListCollectMoves
func (c *MetadataDefragContext[T]) Moves() []DefragmentationMove[T] {
	return c.moves
}

func (c *MetadataDefragContext[T]) mustBeginAllocationList(mtdata metadata.BlockMetadata) metadata.BlockAllocationHandle {
	handle, err := mtdata.AllocationListBegin()
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting first allocation: %+v", err))
	}

	return handle
}

func (c *MetadataDefragContext[T]) mustFindNextAllocation(mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle) metadata.BlockAllocationHandle {
	handle, err := mtdata.FindNextAllocation(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting next allocation: %+v", err))
	}

	return handle
}

func (c *MetadataDefragContext[T]) mustFindNextFreeRegionSize(mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle) int {
	size, err := mtdata.FindNextFreeRegionSize(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting next free region size: %+v", err))
	}

	return size
}

func (c *MetadataDefragContext[T]) mustFindOffset(mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle) int {
	offset, err := mtdata.AllocationOffset(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting allocation offset: %+v", err))
	}

	return offset
}

func (c *MetadataDefragContext[T]) getMoveData(handle metadata.BlockAllocationHandle, mtdata metadata.BlockMetadata) (MoveAllocationData[T], bool) {
	userData, err := mtdata.AllocationUserData(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when retrieving allocation user data: %+v", err))
	}

	// Allocations committed by this context during the current pass carry the context
	// itself as userData and must not be picked up as move candidates
	if userData == c {
		return MoveAllocationData[T]{}, true
	}

	return c.BlockList.MoveDataForUserData(userData), false
}

func (c *MetadataDefragContext[T]) allocFromBlock(blockIndex int, mtData metadata.BlockMetadata, size int, alignment uint, flags uint32, userData any, suballocType uint32, outAlloc *T) error {
	success, currRequest, err := mtData.CreateAllocationRequest(size, alignment, false, suballocType, 0, math.MaxInt)
	if err != nil {
		return err
	} else if !success {
		return memutils.ErrOutOfDeviceMemory
	}

	return c.BlockList.CommitDefragAllocationRequest(currRequest, blockIndex, alignment, flags, userData, suballocType, outAlloc)
}

func (c *MetadataDefragContext[T]) allocInOtherBlock(start, end int, data *MoveAllocationData[T]) bool {
	for ; start < end; start++ {
		dstMetadata := c.BlockList.MetadataForBlock(start)
		if dstMetadata.MayHaveFreeBlock(data.SuballocationType, data.Move.Size) {
			data.Move.DstTmpAllocation = c.BlockList.CreateAlloc()
			err := c.allocFromBlock(start, dstMetadata,
				data.Move.Size,
				data.Alignment,
				data.Flags,
				c,
				data.SuballocationType,
				data.Move.DstTmpAllocation)
			if err == nil {
				data.Move.DstBlockMetadata = dstMetadata
				c.moves = append(c.moves, data.Move)
				return true
			} else if !memutils.IsOutOfDeviceMemory(err) {
				panic(fmt.Sprintf("unexpected error while allocating: %+v", err))
			}
		}
	}

	return false
}

type walkHandler[T any] func(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) bool

func (c *MetadataDefragContext[T]) walkSuballocations(pass *PassContext, suballocHandler walkHandler[T]) bool {
	// Go through allocations in last blocks and try to fit them inside first ones
	for blockIndex := c.BlockList.BlockCount() - 1; blockIndex >= c.immovableBlockCount; blockIndex-- {
		mtdata := c.BlockList.MetadataForBlock(blockIndex)

		for handle := c.mustBeginAllocationList(mtdata); handle != metadata.NoAllocation; handle = c.mustFindNextAllocation(mtdata, handle) {
			moveData, immobile := c.getMoveData(handle, mtdata)
			if immobile {
				continue
			}

			counter := pass.checkCounters(moveData.Move.Size)
			switch counter {
			case defragCounterIgnore:
				continue
			case defragCounterEnd:
				return true
			case defragCounterPass:
				break
			default:
				panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
			}

			if suballocHandler(pass, blockIndex, mtdata, handle, moveData) {
				return true
			}
		}
	}

	return false
}

func (c *MetadataDefragContext[T]) allocIfLowerOffset(offset int, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData *MoveAllocationData[T]) bool {
	success, allocRequest, err := mtdata.CreateAllocationRequest(
		moveData.Move.Size,
		moveData.Alignment,
		false,
		moveData.SuballocationType,
		metadata.AllocationStrategyMinOffset,
		offset,
	)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when populating allocation request for defrag: %+v", err))
	}

	if success && c.mustFindOffset(mtdata, allocRequest.BlockAllocationHandle) < offset {
		moveData.Move.DstTmpAllocation = c.BlockList.CreateAlloc()
		err = c.BlockList.CommitDefragAllocationRequest(
			allocRequest,
			blockIndex,
			moveData.Alignment,
			moveData.Flags,
			c,
			moveData.SuballocationType,
			moveData.Move.DstTmpAllocation,
		)
		if err == nil {
			moveData.Move.DstBlockMetadata = mtdata
			c.moves = append(c.moves, moveData.Move)
			return true
		} else if !memutils.IsOutOfDeviceMemory(err) {
			panic(fmt.Sprintf("unexpected error when committing allocation request for defrag: %+v", err))
		}
	}

	return false
}

func (c *MetadataDefragContext[T]) reallocSuballocHandler(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) bool {
	offset := c.mustFindOffset(mtdata, handle)
	if offset != 0 && mtdata.MayHaveFreeBlock(moveData.SuballocationType, moveData.Move.Size) {
		if c.allocIfLowerOffset(offset, blockIndex, mtdata, handle, &moveData) {
			return pass.incrementCounters(moveData.Move.Size)
		}
	}

	return false
}

func (c *MetadataDefragContext[T]) defragFastSuballocHandler(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) bool {
	// Nothing in the first block can move anywhere better
	if blockIndex == 0 {
		return true
	}

	success := c.allocInOtherBlock(0, blockIndex, &moveData)
	if !success {
		return false
	}

	// Have we crossed our threshold for this pass?
	return pass.incrementCounters(moveData.Move.Size)
}

func (c *MetadataDefragContext[T]) defragFullSuballocHandler(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle, moveData MoveAllocationData[T]) bool {
	// Check all previous blocks for free space
	prevMoveCount := len(c.moves)
	if blockIndex > 0 && c.allocInOtherBlock(0, blockIndex, &moveData) {
		return pass.incrementCounters(moveData.Move.Size)
	}

	// If no room found then realloc within block for lower offset
	offset := c.mustFindOffset(mtdata, handle)
	if prevMoveCount == len(c.moves) &&
		offset > 0 &&
		mtdata.MayHaveFreeBlock(moveData.SuballocationType, moveData.Move.Size) {

		if c.allocIfLowerOffset(offset, blockIndex, mtdata, handle, &moveData) {
			return pass.incrementCounters(moveData.Move.Size)
		}
	}

	return false
}

func (c *MetadataDefragContext[T]) defragBalanced(pass *PassContext) bool {
	// Go over every allocation and try to fit it in previous blocks at lowest offsets.
	// If not possible, realloc within the same block to minimize offset (excluding
	// offset == 0), but only when gap statistics suggest the move is worthwhile.
	if c.balancedState.AverageAllocSize < 1 {
		c.balancedState.UpdateStatistics(c.BlockList)
	}

	startMoveCount := len(c.moves)
	minimalFreeRegion := c.balancedState.AverageFreeSize / 2
	for blockIndex := c.BlockList.BlockCount() - 1; blockIndex > c.immovableBlockCount; blockIndex-- {
		mtdata := c.BlockList.MetadataForBlock(blockIndex)

		var prevFreeRegionSize int
		for handle := c.mustBeginAllocationList(mtdata); handle != metadata.NoAllocation; handle = c.mustFindNextAllocation(mtdata, handle) {
			moveData, immobile := c.getMoveData(handle, mtdata)
			if immobile {
				continue
			}

			counter := pass.checkCounters(moveData.Move.Size)
			switch counter {
			case defragCounterIgnore:
				continue
			case defragCounterEnd:
				return true
			}

			// Check all previous blocks for free space
			prevMoveCount := len(c.moves)
			if c.allocInOtherBlock(0, blockIndex, &moveData) {
				if pass.incrementCounters(moveData.Move.Size) {
					return true
				}
			}

			nextFreeRegionSize := c.mustFindNextFreeRegionSize(mtdata, handle)

			// If no room found then realloc within block for lower offset
			offset := c.mustFindOffset(mtdata, handle)
			if prevMoveCount == len(c.moves) && offset != 0 && mtdata.SumFreeSize() >= moveData.Move.Size {
				// Check if realloc will make sense
				if prevFreeRegionSize >= minimalFreeRegion ||
					nextFreeRegionSize >= minimalFreeRegion ||
					moveData.Move.Size <= c.balancedState.AverageFreeSize ||
					moveData.Move.Size <= c.balancedState.AverageAllocSize {

					if c.allocIfLowerOffset(offset, blockIndex, mtdata, handle, &moveData) {
						if pass.incrementCounters(moveData.Move.Size) {
							return true
						}
					}
				}
			}
			prevFreeRegionSize = nextFreeRegionSize
		}
	}

	// Nothing moved this pass, so the statistics are stale- recalculate them next pass
	if startMoveCount == len(c.moves) {
		c.balancedState.AverageAllocSize = 0
	}

	return false
}

func (c *MetadataDefragContext[T]) defragExtensive(pass *PassContext) bool {
	state := &c.extensiveState

	switch state.Operation {
	case defragmentOperationDone:
		return false

	case defragmentOperationFindFreeBlock:
		// Empty out one whole block before anything else- packing into partially
		// occupied blocks does little good while no block is fully free
		if state.FirstFreeBlock == 0 || c.BlockList.BlockCount() < 2 {
			state.Operation = defragmentOperationCleanup
			return c.defragExtensive(pass)
		}

		last := state.FirstFreeBlock - 1
		if state.FirstFreeBlock == noFreeBlock {
			last = c.BlockList.BlockCount() - 1
		}
		if last <= c.immovableBlockCount {
			state.Operation = defragmentOperationCleanup
			return c.defragExtensive(pass)
		}

		mtdata := c.BlockList.MetadataForBlock(last)
		if mtdata.IsEmpty() {
			state.FirstFreeBlock = last
			return c.defragExtensive(pass)
		}

		prevMoveCount := len(c.moves)
		clearedWholeBlock := false
		for handle := c.mustBeginAllocationList(mtdata); handle != metadata.NoAllocation; handle = c.mustFindNextAllocation(mtdata, handle) {
			moveData, immobile := c.getMoveData(handle, mtdata)
			if immobile {
				continue
			}

			switch pass.checkCounters(moveData.Move.Size) {
			case defragCounterIgnore:
				continue
			case defragCounterEnd:
				return true
			}

			c.observeAllocationType(moveData.SuballocationType)

			// Check all previous blocks for free space
			if c.allocInOtherBlock(0, last, &moveData) {
				if c.mustFindNextAllocation(mtdata, handle) == metadata.NoAllocation {
					clearedWholeBlock = true
				}
				if pass.incrementCounters(moveData.Move.Size) {
					if clearedWholeBlock {
						state.FirstFreeBlock = last
						state.Operation = defragmentOperationMoveGroup
					}
					return true
				}
			}
		}

		if clearedWholeBlock {
			state.FirstFreeBlock = last
			state.Operation = defragmentOperationMoveGroup
			return false
		}

		if prevMoveCount == len(c.moves) {
			// The block cannot be emptied as-is, compact the earlier blocks to open up room
			for i := last - 1; i > c.immovableBlockCount; i-- {
				if c.reallocWithinBlock(pass, i, c.BlockList.MetadataForBlock(i)) {
					return true
				}
			}

			if prevMoveCount == len(c.moves) {
				// Nothing left to compact either, finish the run with fast moves
				state.Operation = defragmentOperationCleanup
				return c.walkSuballocations(pass, c.defragFastSuballocHandler)
			}
		}

		return false

	case defragmentOperationMoveGroup:
		// Regroup allocations so compatible types sit adjacent, using the emptied tail
		// blocks as staging space
		for len(state.pendingTypes) > 0 {
			currentType := state.pendingTypes[0]
			state.pendingTypes = state.pendingTypes[1:]

			movedAny, endPass := c.moveGroupToFreeBlocks(pass, currentType)
			if endPass {
				return true
			}
			if movedAny {
				return false
			}
		}

		state.Operation = defragmentOperationCleanup
		return c.defragExtensive(pass)

	case defragmentOperationCleanup:
		// All other work done, pack data within blocks even tighter if possible
		prevMoveCount := len(c.moves)
		for i := c.immovableBlockCount; i < c.BlockList.BlockCount(); i++ {
			if c.reallocWithinBlock(pass, i, c.BlockList.MetadataForBlock(i)) {
				return true
			}
		}

		if prevMoveCount == len(c.moves) {
			state.Operation = defragmentOperationDone
		}

		return false
	}

	panic(fmt.Sprintf("unexpected extensive defragmentation state: %s", state.Operation.String()))
}

// observeAllocationType records the first representative of each granularity
// compatibility group seen while emptying blocks
func (c *MetadataDefragContext[T]) observeAllocationType(allocType uint32) {
	for _, pending := range c.extensiveState.pendingTypes {
		if !c.BlockList.AllocationsConflict(pending, allocType) {
			return
		}
	}

	c.extensiveState.pendingTypes = append(c.extensiveState.pendingTypes, allocType)
}

func (c *MetadataDefragContext[T]) moveGroupToFreeBlocks(pass *PassContext, currentType uint32) (bool, bool) {
	prevMoveCount := len(c.moves)

	for blockIndex := c.extensiveState.FirstFreeBlock - 1; blockIndex > c.immovableBlockCount; blockIndex-- {
		mtdata := c.BlockList.MetadataForBlock(blockIndex)

		for handle := c.mustBeginAllocationList(mtdata); handle != metadata.NoAllocation; handle = c.mustFindNextAllocation(mtdata, handle) {
			moveData, immobile := c.getMoveData(handle, mtdata)
			if immobile {
				continue
			}

			switch pass.checkCounters(moveData.Move.Size) {
			case defragCounterIgnore:
				continue
			case defragCounterEnd:
				return prevMoveCount != len(c.moves), true
			}

			// Move one compatibility group at a time so its members end up adjacent
			if c.BlockList.AllocationsConflict(moveData.SuballocationType, currentType) {
				continue
			}

			if c.allocInOtherBlock(c.extensiveState.FirstFreeBlock, c.BlockList.BlockCount(), &moveData) {
				if pass.incrementCounters(moveData.Move.Size) {
					return true, true
				}
			}
		}
	}

	return prevMoveCount != len(c.moves), false
}

func (c *MetadataDefragContext[T]) reallocWithinBlock(pass *PassContext, blockIndex int, mtdata metadata.BlockMetadata) bool {
	for handle := c.mustBeginAllocationList(mtdata); handle != metadata.NoAllocation; handle = c.mustFindNextAllocation(mtdata, handle) {
		moveData, immobile := c.getMoveData(handle, mtdata)
		if immobile {
			continue
		}

		switch pass.checkCounters(moveData.Move.Size) {
		case defragCounterIgnore:
			continue
		case defragCounterEnd:
			return true
		}

		offset := c.mustFindOffset(mtdata, handle)
		if offset != 0 && mtdata.MayHaveFreeBlock(moveData.SuballocationType, moveData.Move.Size) {
			if c.allocIfLowerOffset(offset, blockIndex, mtdata, handle, &moveData) {
				if pass.incrementCounters(moveData.Move.Size) {
					return true
				}
			}
		}
	}

	return false
}
