package dmem

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/rivermesh/devmem/dmem/internal/device"
	"github.com/rivermesh/devmem/dmem/internal/utils"
	"github.com/rivermesh/devmem/driver"
	"github.com/rivermesh/devmem/memutils"
	"github.com/rivermesh/devmem/memutils/defrag"
	"github.com/rivermesh/devmem/memutils/metadata"
	"golang.org/x/exp/slog"
)

var blockPool = sync.Pool{
	New: func() any {
		return &deviceMemoryBlock{}
	},
}

type memoryBlockList struct {
	parentAllocator *Allocator
	parentPool      *Pool
	deviceMemory    *device.DeviceMemoryProperties
	logger          *slog.Logger

	memoryTypeIndex        int
	preferredBlockSize     int
	minBlockCount          int
	maxBlockCount          int
	bufferImageGranularity int

	explicitBlockSize      bool
	algorithm              PoolCreateFlags
	priority               float32
	minAllocationAlignment uint

	mutex           utils.OptionalRWMutex
	blocks          []*deviceMemoryBlock
	nextBlockId     int
	incrementalSort bool
}

func (l *memoryBlockList) MemoryTypeIndex() int        { return l.memoryTypeIndex }
func (l *memoryBlockList) PreferredBlockSize() int     { return l.preferredBlockSize }
func (l *memoryBlockList) BufferImageGranularity() int { return l.bufferImageGranularity }
func (l *memoryBlockList) Algorithm() PoolCreateFlags  { return l.algorithm }
func (l *memoryBlockList) HasExplicitBlockSize() bool  { return l.explicitBlockSize }
func (l *memoryBlockList) Priority() float32           { return l.priority }
func (l *memoryBlockList) BlockCount() int             { return len(l.blocks) }

func (l *memoryBlockList) Init(
	useMutex bool,
	allocator *Allocator,
	pool *Pool,
	memoryTypeIndex int,
	preferredBlockSize int,
	minBlockCount, maxBlockCount int,
	bufferImageGranularity int,
	explicitBlockSize bool,
	algorithm PoolCreateFlags,
	priority float32,
	minAllocationAlignment uint,
) {
	l.parentAllocator = allocator
	l.parentPool = pool
	l.logger = allocator.logger
	l.deviceMemory = allocator.deviceMemory
	l.memoryTypeIndex = memoryTypeIndex
	l.preferredBlockSize = preferredBlockSize
	l.minBlockCount = minBlockCount
	l.maxBlockCount = maxBlockCount
	l.bufferImageGranularity = bufferImageGranularity
	l.explicitBlockSize = explicitBlockSize
	l.algorithm = algorithm
	l.priority = priority
	l.minAllocationAlignment = minAllocationAlignment
	l.incrementalSort = true
	l.mutex = utils.OptionalRWMutex{
		UseMutex: useMutex,
		Mutex:    sync.RWMutex{},
	}
}

func (l *memoryBlockList) Destroy() error {
	for _, block := range l.blocks {
		err := block.Destroy()
		if err != nil {
			return err
		}
		blockPool.Put(block)
	}
	l.blocks = nil
	return nil
}

func (l *memoryBlockList) CreateMinBlocks() error {
	for i := 0; i < l.minBlockCount; i++ {
		_, err := l.CreateBlock(l.preferredBlockSize)
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *memoryBlockList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddDetailedStatistics(stats)
	}
}

func (l *memoryBlockList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks) == 0
}

func (l *memoryBlockList) HasNoAllocations() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if !l.blocks[blockIndex].metadata.IsEmpty() {
			return false
		}
	}

	return true
}

func (l *memoryBlockList) CreateBlock(blockSize int) (int, error) {
	if l.priority < 0 || l.priority > 1 {
		panic(fmt.Sprintf("block list had an invalid priority value %f somehow: priority values should be between 0 and 1, inclusive", l.priority))
	}

	memory, err := l.deviceMemory.AllocateDeviceMemory(l.memoryTypeIndex, blockSize)
	if err != nil {
		return -1, err
	}

	block := blockPool.Get().(*deviceMemoryBlock)

	block.Init(l.logger, l.parentPool, l.deviceMemory, l.memoryTypeIndex, memory, blockSize, l.nextBlockId, l.algorithm, l.bufferImageGranularity)
	l.nextBlockId++

	l.blocks = append(l.blocks, block)
	return len(l.blocks) - 1, nil
}

func (l *memoryBlockList) Remove(block *deviceMemoryBlock) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex] == block {
			l.blocks = append(l.blocks[0:blockIndex], l.blocks[blockIndex+1:]...)
			return
		}
	}

	panic("attempted to remove a block from a block list that did not belong to it")
}

func (l *memoryBlockList) IsCorruptionDetectionEnabled() bool {
	requiredMemFlags := driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent
	return memutils.DebugMargin > 0 &&
		(l.algorithm == 0 || l.algorithm == PoolCreateLinearAlgorithm) &&
		l.deviceMemory.MemoryTypeProperties(l.memoryTypeIndex).PropertyFlags&requiredMemFlags == requiredMemFlags
}

func (l *memoryBlockList) Allocate(size int, alignment uint, createInfo *AllocationCreateInfo, suballocType SuballocationType, allocations []Allocation) (err error) {
	if l.minAllocationAlignment > alignment {
		alignment = l.minAllocationAlignment
	}

	if l.IsCorruptionDetectionEnabled() {
		size = memutils.AlignUp(size, 4)
		alignment = uint(memutils.AlignUp(int(alignment), 4))
	}

	allocIndex := 0

	defer func() {
		if err != nil {
			for allocIndex > 0 {
				allocIndex--

				freeErr := l.Free(&allocations[allocIndex])
				if freeErr != nil {
					panic(fmt.Sprintf("unexpected error when freeing an allocation that was created as part of a failed allocation: %+v", err))
				}
			}
		}
	}()

	l.mutex.Lock()
	defer l.mutex.Unlock()

	for allocIndex = 0; allocIndex < len(allocations); allocIndex++ {
		err = l.allocPage(size, alignment, createInfo, suballocType, &allocations[allocIndex])
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *memoryBlockList) allocPage(size int, alignment uint, createInfo *AllocationCreateInfo, suballocationType SuballocationType, outAlloc *Allocation) error {
	isUpperAddress := createInfo.Flags&AllocationCreateUpperAddress != 0

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)

	budget := device.Budget{}
	l.deviceMemory.HeapBudget(heapIndex, &budget)
	freeMemory := budget.Budget - budget.Usage

	if freeMemory < 0 {
		freeMemory = 0
	}

	canFallbackToDedicated := !l.HasExplicitBlockSize() &&
		createInfo.Flags&AllocationCreateNeverAllocate == 0
	canCreateNewBlock := createInfo.Flags&AllocationCreateNeverAllocate == 0 &&
		len(l.blocks) < l.maxBlockCount &&
		(freeMemory >= size || !canFallbackToDedicated)
	withinBudget := createInfo.Flags&AllocationCreateWithinBudget != 0
	strategy := createInfo.Flags & AllocationCreateStrategyMask

	// Upper address can only be used with a linear allocator and within a single memory block
	if isUpperAddress && (l.algorithm != PoolCreateLinearAlgorithm || l.maxBlockCount > 1) {
		return errors.Mark(
			errors.New("upper-address allocations require a single-block linear pool"),
			memutils.ErrFeatureNotPresent)
	}

	// Early reject: requested allocation size is larger than maximum block size for this block list
	if size+memutils.DebugMargin > l.preferredBlockSize {
		return errors.Mark(
			errors.Newf("allocation of size %d cannot fit in a block of size %d", size, l.preferredBlockSize),
			memutils.ErrOutOfDeviceMemory)
	}

	// 1. Search existing blocks & try to do an allocation
	if l.algorithm == PoolCreateLinearAlgorithm {
		// Only use the last block in linear
		if len(l.blocks) > 0 {
			currentBlock := l.blocks[len(l.blocks)-1]
			if currentBlock == nil {
				panic("a nil block was found in this block list")
			}

			success, err := l.allocFromBlock(currentBlock, size, alignment, createInfo.Flags, createInfo.UserData, suballocationType, strategy, outAlloc)
			if err != nil {
				return err
			} else if success {
				l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from last block", slog.Int("block.id", currentBlock.id))
				l.incrementallySortBlocks()
				return nil
			}
		}
	} else if strategy != AllocationCreateStrategyMinTime {
		// Iterate forward through the blocks to find the smallest/best block where this will fit

		if l.deviceMemory.MemoryTypeProperties(l.memoryTypeIndex).PropertyFlags&driver.MemoryPropertyHostVisible != 0 {
			// Host-visible

			wantsMapped := createInfo.Flags&AllocationCreateMapped != 0

			/*
				For allocations that don't request a persistent map, check blocks that are not mapped
				first. For persistently-mapped allocations, check blocks that are already mapped first.
				This way, if there are a lot of blocks, we'll separate mapped and unmapped blocks,
				hopefully limiting the number of mapped blocks
			*/
			for mappingIndex := 0; mappingIndex < 2; mappingIndex++ {
				// Prefer blocks with the smallest amount of free space by iterating forward
				for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
					currentBlock := l.blocks[blockIndex]
					if currentBlock == nil {
						panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
					}

					isBlockMapped := currentBlock.memory.MappedData() != nil
					if (mappingIndex == 0) == (wantsMapped == isBlockMapped) {
						success, err := l.allocFromBlock(currentBlock, size, alignment, createInfo.Flags, createInfo.UserData, suballocationType, strategy, outAlloc)
						if err != nil {
							return err
						} else if success {
							l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
							l.incrementallySortBlocks()
							return nil
						}
					}
				}
			}
		} else {
			// Not host-visible

			for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
				// Prefer blocks with the smallest amount of free space by iterating forward
				currentBlock := l.blocks[blockIndex]
				if currentBlock == nil {
					panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
				}

				success, err := l.allocFromBlock(currentBlock, size, alignment, createInfo.Flags, createInfo.UserData, suballocationType, strategy, outAlloc)
				if err != nil {
					return err
				} else if success {
					l.logger.LogAttrs(context.Background(), slog.LevelDebug, "   Returned from existing block", slog.Int("block.id", currentBlock.id))
					l.incrementallySortBlocks()
					return nil
				}
			}
		}
	} else {
		for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
			// Prefer blocks with the largest amount of free space by iterating backward
			currentBlock := l.blocks[blockIndex]
			if currentBlock == nil {
				panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
			}

			success, err := l.allocFromBlock(currentBlock, size, alignment, createInfo.Flags, createInfo.UserData, suballocationType, strategy, outAlloc)
			if err != nil {
				return err
			} else if success {
				l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
				l.incrementallySortBlocks()
				return nil
			}
		}
	}

	// 2. Try to create a new block
	if canCreateNewBlock {
		newBlockSize := l.preferredBlockSize
		newBlockSizeShift := 0
		const MaxNewBlockSizeShift = 3

		if !l.explicitBlockSize {
			maxExistingBlockSize := l.calcMaxBlockSize()

			for i := 0; i < MaxNewBlockSizeShift; i++ {
				smallerNewBlockSize := newBlockSize / 2
				if smallerNewBlockSize > maxExistingBlockSize && smallerNewBlockSize >= size*2 {
					newBlockSize = smallerNewBlockSize
					newBlockSizeShift++
				} else {
					break
				}
			}
		}

		newBlockIndex := 0
		var err error
		if withinBudget && newBlockSize > freeMemory {
			err = errors.Mark(
				errors.Newf("a new block of %d bytes would exceed the remaining budget of %d bytes", newBlockSize, freeMemory),
				memutils.ErrOutOfBudget)
		} else if newBlockSize <= freeMemory || !canFallbackToDedicated {
			newBlockIndex, err = l.CreateBlock(newBlockSize)
		} else {
			err = errors.Mark(
				errors.Newf("a new block of %d bytes does not fit in the remaining budget of %d bytes", newBlockSize, freeMemory),
				memutils.ErrOutOfDeviceMemory)
		}

		if !l.explicitBlockSize {
			for err != nil && newBlockSizeShift < MaxNewBlockSizeShift {
				smallerNewBlockSize := newBlockSize / 2
				if smallerNewBlockSize >= size {
					newBlockSize = smallerNewBlockSize
					newBlockSizeShift++
					if withinBudget && newBlockSize > freeMemory {
						continue
					}
					if newBlockSize <= freeMemory || !canFallbackToDedicated {
						newBlockIndex, err = l.CreateBlock(newBlockSize)
					}
				} else {
					break
				}
			}
		}

		if err != nil {
			return err
		}

		block := l.blocks[newBlockIndex]
		if block.metadata.Size() < size {
			panic(fmt.Sprintf("created a new block at index %d to hold an allocation of size %d but the created block was somehow only size %d", newBlockIndex, size, block.metadata.Size()))
		}

		success, err := l.allocFromBlock(block, size, alignment, createInfo.Flags, createInfo.UserData, suballocationType, strategy, outAlloc)
		if err != nil {
			return err
		} else if success {
			l.incrementallySortBlocks()
			return nil
		}
	}

	return errors.Mark(
		errors.Newf("failed to place an allocation of size %d in memory type %d", size, l.memoryTypeIndex),
		memutils.ErrOutOfDeviceMemory)
}

func (l *memoryBlockList) Free(alloc *Allocation) error {
	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	blockToDelete, err := l.freeWithLock(alloc, heapIndex)
	if err != nil {
		return err
	}

	if blockToDelete != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockToDelete.id))
		err = blockToDelete.Destroy()
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
		blockPool.Put(blockToDelete)
	}

	l.deviceMemory.RemoveAllocation(heapIndex, alloc.size)
	return nil
}

func (l *memoryBlockList) freeWithLock(alloc *Allocation, heapIndex int) (blockToDelete *deviceMemoryBlock, err error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	block := alloc.blockData.block

	heapBudget := device.Budget{}
	l.deviceMemory.HeapBudget(heapIndex, &heapBudget)
	budgetExceeded := heapBudget.Usage >= heapBudget.Budget

	if l.IsCorruptionDetectionEnabled() {
		err = block.ValidateMagicValueAfterAllocation(alloc.FindOffset(), alloc.Size())
		if err != nil {
			panic(fmt.Sprintf("unexpected error while validating magic values: %+v", err))
		}
	}

	if alloc.isPersistentMap() {
		// Unmap might fail if the user has screwed up Map/Unmap pairs, we want to return error in that case
		err := block.memory.Unmap(1)
		if err != nil {
			return nil, err
		}
	}

	hasEmptyBlockBeforeFree := l.hasEmptyBlock()
	err = block.metadata.Free(alloc.blockData.handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing allocation with handle %+v in metadata: %+v", alloc.blockData.handle, err))
	}
	block.memory.RecordSuballocSubfree()
	memutils.DebugValidate(block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block", slog.Int("MemoryTypeIndex", l.memoryTypeIndex))

	canDeleteBlock := len(l.blocks) > l.minBlockCount

	// The block is empty & we can delete it
	if block.metadata.IsEmpty() && (hasEmptyBlockBeforeFree || budgetExceeded) && canDeleteBlock {
		blockToDelete = block
		l.Remove(block)
	} else if !block.metadata.IsEmpty() && hasEmptyBlockBeforeFree && canDeleteBlock {
		// There is an empty block somewhere we don't need
		lastBlock := l.blocks[len(l.blocks)-1]
		if lastBlock.metadata.IsEmpty() {
			blockToDelete = lastBlock
			l.blocks = l.blocks[:len(l.blocks)-1]
		}
	}

	l.incrementallySortBlocks()

	return blockToDelete, nil
}

func (l *memoryBlockList) hasEmptyBlock() bool {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block.metadata.IsEmpty() {
			return true
		}
	}

	return false
}

func (l *memoryBlockList) incrementallySortBlocks() {
	if !l.incrementalSort || l.algorithm == PoolCreateLinearAlgorithm {
		return
	}

	for blockIndex := 1; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex-1].metadata.SumFreeSize() > l.blocks[blockIndex].metadata.SumFreeSize() {
			l.blocks[blockIndex-1], l.blocks[blockIndex] = l.blocks[blockIndex], l.blocks[blockIndex-1]
			return
		}
	}
}

func (l *memoryBlockList) SortByFreeSize() {
	sort.Slice(l.blocks, func(i, j int) bool {
		return l.blocks[i].metadata.SumFreeSize() < l.blocks[j].metadata.SumFreeSize()
	})
}

func (l *memoryBlockList) calcMaxBlockSize() int {
	result := 0
	for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
		blockSize := l.blocks[blockIndex].metadata.Size()
		if blockSize <= result {
			continue
		}

		result = blockSize
		if result >= l.preferredBlockSize {
			return result
		}
	}

	return result
}

func (l *memoryBlockList) allocFromBlock(block *deviceMemoryBlock, size int, alignment uint, allocFlags AllocationCreateFlags, userData any, suballocType SuballocationType, flags AllocationCreateFlags, outAlloc *Allocation) (bool, error) {
	if !block.metadata.MayHaveFreeBlock(uint32(suballocType), size) {
		return false, nil
	}

	isUpperAddress := allocFlags&AllocationCreateUpperAddress != 0

	var strategy metadata.AllocationStrategy
	if flags&AllocationCreateStrategyMinOffset != 0 {
		strategy |= metadata.AllocationStrategyMinOffset
	}
	if flags&AllocationCreateStrategyMinMemory != 0 {
		strategy |= metadata.AllocationStrategyMinMemory
	}
	if flags&AllocationCreateStrategyMinTime != 0 {
		strategy |= metadata.AllocationStrategyMinTime
	}

	success, currRequest, err := block.metadata.CreateAllocationRequest(size, alignment, isUpperAddress, uint32(suballocType), strategy, math.MaxInt)
	if err != nil {
		return false, err
	} else if !success {
		return false, nil
	}

	err = l.commitAllocationRequest(currRequest, block, alignment, allocFlags, userData, suballocType, outAlloc)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (l *memoryBlockList) commitAllocationRequest(allocRequest metadata.AllocationRequest, block *deviceMemoryBlock, alignment uint, allocFlags AllocationCreateFlags, userData any, suballocType SuballocationType, outAlloc *Allocation) error {
	mapped := allocFlags&AllocationCreateMapped != 0
	isMappingAllowed := l.deviceMemory.MemoryTypeProperties(l.memoryTypeIndex).PropertyFlags&driver.MemoryPropertyHostVisible != 0

	block.memory.RecordSuballocSubfree()

	// Allocate from block
	if mapped {
		_, err := block.memory.Map(1)
		if err != nil {
			return err
		}
	}

	outAlloc.init(l.parentAllocator, isMappingAllowed)
	err := block.metadata.Alloc(allocRequest, uint32(suballocType), outAlloc)
	if err != nil {
		return err
	}

	outAlloc.initBlockAllocation(block, allocRequest.BlockAllocationHandle, alignment, allocRequest.Size, l.memoryTypeIndex, suballocType, mapped && isMappingAllowed)

	outAlloc.SetUserData(userData)
	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.AddAllocation(heapIndex, allocRequest.Size)

	outAlloc.fillAllocation(memutils.CreatedFillPattern)

	if l.IsCorruptionDetectionEnabled() {
		err = block.WriteMagicBlockAfterAllocation(outAlloc.FindOffset(), allocRequest.Size)
		if err != nil {
			panic(fmt.Sprintf("failed to write magic values with unexpected error: %+v", err))
		}
	}

	return nil
}

func (l *memoryBlockList) PrintDetailedMap(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	for i := 0; i < len(l.blocks); i++ {
		block := l.blocks[i]

		blockObj := objState.Name(strconv.Itoa(block.id)).Object()

		blockObj.Name("MapReferences").Int(block.memory.References())
		block.metadata.BlockJsonData(blockObj)

		l.printDetailedMapAllocations(block.metadata, blockObj)

		blockObj.End()
	}
}

func (l *memoryBlockList) printDetailedMapAllocations(md metadata.BlockMetadata, json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				obj := arrayState.Object()
				defer obj.End()

				obj.Name("Offset").Int(offset)
				obj.Name("Type").String(SuballocationFree.String())
				obj.Name("Size").Int(size)
			} else {
				obj := arrayState.Object()
				defer obj.End()

				obj.Name("Offset").Int(offset)

				var alloc *Allocation
				var isAllocation bool
				if userData != nil {
					alloc, isAllocation = userData.(*Allocation)
				}

				if isAllocation && alloc != nil {
					alloc.printParameters(&obj)
				} else if userData != nil {
					obj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
				}
			}

			return nil
		})

}

func (l *memoryBlockList) CheckCorruption() error {
	if !l.IsCorruptionDetectionEnabled() {
		return errors.Mark(
			errors.New("corruption detection is not enabled for this block list"),
			memutils.ErrFeatureNotPresent)
	}

	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			return errors.Newf("unexpected nil block at memory type %d, block %d", l.memoryTypeIndex, blockIndex)
		}

		err := block.CheckCorruption()
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *memoryBlockList) MetadataForBlock(blockIndex int) metadata.BlockMetadata {
	return l.blocks[blockIndex].metadata
}

func (l *memoryBlockList) Lock() {
	l.mutex.Lock()
}

func (l *memoryBlockList) Unlock() {
	l.mutex.Unlock()
}

func (l *memoryBlockList) AllocationsConflict(firstAllocType, secondAllocType uint32) bool {
	if l.bufferImageGranularity <= 1 {
		return false
	}

	return suballocationTypesConflict(SuballocationType(firstAllocType), SuballocationType(secondAllocType))
}

func (l *memoryBlockList) CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, flags uint32, userData any, suballocType uint32, outAlloc *Allocation) error {
	return l.commitAllocationRequest(
		allocRequest,
		l.blocks[blockIndex],
		alignment,
		AllocationCreateFlags(flags),
		userData,
		SuballocationType(suballocType),
		outAlloc,
	)
}

func (l *memoryBlockList) CreateAlloc() *Allocation {
	return &Allocation{}
}

func (l *memoryBlockList) MoveDataForUserData(userData any) defrag.MoveAllocationData[Allocation] {
	alloc, ok := userData.(*Allocation)
	if !ok || alloc == nil {
		panic(fmt.Sprintf("attempted to create a MoveAllocationData for a non-Allocation userData: %+v", userData))
	}

	var flags AllocationCreateFlags

	if alloc.isPersistentMap() {
		flags |= AllocationCreateMapped
	}

	return defrag.MoveAllocationData[Allocation]{
		Alignment:         alloc.alignment,
		SuballocationType: uint32(alloc.suballocationType),
		Flags:             uint32(flags),
		Move: defrag.DefragmentationMove[Allocation]{
			Size:             alloc.size,
			SrcAllocation:    alloc,
			SrcBlockMetadata: alloc.blockData.block.metadata,
		},
	}
}

func (l *memoryBlockList) SwapBlocks(left, right int) {
	l.blocks[left], l.blocks[right] = l.blocks[right], l.blocks[left]
}
