package dmem

import (
	"fmt"
	"math"
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/rivermesh/devmem/dmem/internal/device"
	"github.com/rivermesh/devmem/dmem/internal/utils"
	"github.com/rivermesh/devmem/driver"
	"github.com/rivermesh/devmem/memutils"
	"golang.org/x/exp/slog"
)

// Allocator is the root object of this library: it owns the per-memory-type default block
// lists, the dedicated allocation registries, the custom pool registry, and the device-wide
// budget accounting. Create one with New and allocate with AllocateMemory or
// AllocateMemorySlice.
type Allocator struct {
	useMutex bool
	logger   *slog.Logger

	createFlags CreateFlags

	preferredLargeHeapBlockSize int
	globalMemoryTypeBits        uint32
	nextPoolId                  int
	poolsMutex                  utils.OptionalRWMutex
	pools                       *Pool

	deviceMemory         *device.DeviceMemoryProperties
	memoryBlockLists     [driver.MaxMemoryTypes]*memoryBlockList
	dedicatedAllocations [driver.MaxMemoryTypes]*dedicatedAllocationList
}

// Budget is the live state of a single heap: this allocator's own statistics plus the
// usage and allotment reported by (or estimated in place of) the BudgetSource
type Budget struct {
	// Statistics is this allocator's own accounting for the heap
	Statistics memutils.Statistics
	// Usage is an estimate of the heap's current usage, including consumers other than
	// this allocator when the BudgetSource can see them
	Usage int
	// Budget is an estimate of how much of the heap this allocator can use without
	// degrading performance or failing
	Budget int
}

// AllocationInfo is a point-in-time description of a single Allocation, filled by
// Allocator.ParseAllocationInfo
type AllocationInfo struct {
	MemoryTypeIndex int

	// Memory is the Provider handle of the block the allocation lives in. It can change
	// between defragmentation passes.
	Memory driver.BlockHandle
	// Offset is the allocation's current position within its block. It can change between
	// defragmentation passes.
	Offset int
	Size   int

	// MappedData is the host address of the allocation's memory when it is persistently
	// mapped, or nil otherwise
	MappedData unsafe.Pointer
	UserData   any
	Name       string
}

func (a *Allocator) calcAllocationParams(
	o *AllocationCreateInfo,
	requiresDedicatedAllocation bool,
) error {
	// Lazily-allocated memory can only back one resource, so it is always dedicated
	if requiresDedicatedAllocation || o.RequiredFlags&driver.MemoryPropertyLazilyAllocated != 0 {
		o.Flags |= AllocationCreateDedicatedMemory
	}

	if o.Pool != nil {
		if o.Pool.blockList.HasExplicitBlockSize() && o.Flags&AllocationCreateDedicatedMemory != 0 {
			return errors.Mark(
				errors.New("specified AllocationCreateDedicatedMemory with a pool that does not support it"),
				memutils.ErrInvalidArgument)
		}

		o.Priority = o.Pool.blockList.priority
	}

	if o.Flags&AllocationCreateDedicatedMemory != 0 && o.Flags&AllocationCreateNeverAllocate != 0 {
		return errors.Mark(
			errors.New("AllocationCreateDedicatedMemory and AllocationCreateNeverAllocate cannot be specified together"),
			memutils.ErrInvalidArgument)
	}

	return nil
}

// FindMemoryTypeIndex selects the best memory type for an allocation that can live in any
// of the types in memoryTypeBits. Types missing any of o.RequiredFlags are filtered out,
// the survivors are ranked by how many of o.PreferredFlags they carry, and ties go to the
// lowest type index. An error marked memutils.ErrFeatureNotPresent is returned when no
// type survives the filter.
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, o AllocationCreateInfo) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	return a.findMemoryTypeIndex(memoryTypeBits, &o)
}

func (a *Allocator) findMemoryTypeIndex(memoryTypeBits uint32, o *AllocationCreateInfo) (int, error) {
	memoryTypeBits &= a.globalMemoryTypeBits
	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	requiredFlags := o.RequiredFlags
	preferredFlags := o.PreferredFlags

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Mark(
			errors.New("no memory type supports the requested combination of property flags"),
			memutils.ErrFeatureNotPresent)
	}

	return bestMemoryTypeIndex, nil
}

func (a *Allocator) calculateMemoryTypeParameters(
	options *AllocationCreateInfo,
	memoryTypeIndex int,
	size int,
	allocationCount int,
) error {
	// If memory type is not host-visible, disable Mapped
	if options.Flags&AllocationCreateMapped != 0 &&
		a.deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags&driver.MemoryPropertyHostVisible == 0 {
		options.Flags &= ^AllocationCreateMapped
	}

	// Check budget if appropriate
	if options.Flags&AllocationCreateDedicatedMemory != 0 &&
		options.Flags&AllocationCreateWithinBudget != 0 {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

		budget := device.Budget{}
		a.deviceMemory.HeapBudget(heapIndex, &budget)
		if budget.Usage+size*allocationCount > budget.Budget {
			return errors.Mark(
				errors.Newf("a dedicated allocation of %d bytes would exceed the budget of heap %d", size*allocationCount, heapIndex),
				memutils.ErrOutOfBudget)
		}
	}

	return nil
}

func (a *Allocator) allocateDedicatedMemoryPage(
	pool *Pool,
	size int,
	suballocationType SuballocationType,
	memoryTypeIndex int,
	doMap, isMappingAllowed bool,
	userData any,
	alloc *Allocation,
) (err error) {
	mem, err := a.deviceMemory.AllocateDeviceMemory(memoryTypeIndex, size)
	if err != nil {
		a.logger.Debug("    Allocator::allocateDedicatedMemoryPage FAILED")
		return err
	}
	defer func() {
		if err != nil {
			a.logger.Debug("    Allocator::allocateDedicatedMemoryPage FAILED")
			a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, size, mem)
		}
	}()

	if doMap {
		// Set up our persistent map
		_, err = mem.Map(1)
		if err != nil {
			return err
		}
	}

	alloc.init(a, isMappingAllowed)
	alloc.initDedicatedAllocation(pool, memoryTypeIndex, mem, suballocationType, size)

	userDataStr, ok := userData.(string)
	if ok {
		alloc.SetName(userDataStr)
	} else {
		alloc.SetUserData(userData)
	}
	a.deviceMemory.AddAllocation(a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex), size)

	alloc.fillAllocation(memutils.CreatedFillPattern)

	return nil
}

func (a *Allocator) allocateDedicatedMemory(
	pool *Pool,
	size int,
	suballocationType SuballocationType,
	dedicatedAllocations *dedicatedAllocationList,
	memoryTypeIndex int,
	doMap, isMappingAllowed bool,
	userData any,
	allocations []Allocation,
) error {
	if len(allocations) == 0 {
		panic("called Allocator::allocateDedicatedMemory with empty allocation list")
	}

	var err error
	var allocIndex int
	for allocIndex = 0; allocIndex < len(allocations); allocIndex++ {
		err = a.allocateDedicatedMemoryPage(
			pool,
			size,
			suballocationType,
			memoryTypeIndex,
			doMap,
			isMappingAllowed,
			userData,
			&allocations[allocIndex],
		)
		if err != nil {
			break
		}
	}

	if err == nil {
		for registerIndex := 0; registerIndex < len(allocations); registerIndex++ {
			dedicatedAllocations.Register(&allocations[registerIndex])
		}

		a.logger.Debug("    Allocated DedicatedMemory", slog.Int("Count", len(allocations)), slog.Int("MemoryTypeIndex", memoryTypeIndex))

		return nil
	}

	// Clean up allocations after error
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	for allocIndex > 0 {
		allocIndex--

		currentAlloc := &allocations[allocIndex]
		a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, currentAlloc.Size(), currentAlloc.memory)
		a.deviceMemory.RemoveAllocation(heapIndex, currentAlloc.Size())
	}

	return err
}

func (a *Allocator) allocateMemoryOfType(
	pool *Pool,
	size int,
	alignment uint,
	dedicatedPreferred bool,
	createInfo *AllocationCreateInfo,
	memoryTypeIndex int,
	suballocationType SuballocationType,
	dedicatedAllocations *dedicatedAllocationList,
	blockAllocations *memoryBlockList,
	allocations []Allocation,
) error {
	if len(allocations) == 0 {
		panic("allocateMemoryOfType called with an empty list of target allocations")
	}
	if createInfo == nil {
		panic("allocateMemoryOfType called with a nil createInfo")
	}

	a.logger.Debug("Allocator::allocateMemoryOfType", slog.Int("MemoryTypeIndex", memoryTypeIndex), slog.Int("AllocationCount", len(allocations)), slog.Int("Size", size))

	finalCreateInfo := *createInfo

	err := a.calculateMemoryTypeParameters(&finalCreateInfo, memoryTypeIndex, size, len(allocations))
	if err != nil {
		return err
	}

	mappingAllowed := a.deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags&driver.MemoryPropertyHostVisible != 0

	if finalCreateInfo.Flags&AllocationCreateDedicatedMemory != 0 {
		return a.allocateDedicatedMemory(
			pool,
			size,
			suballocationType,
			dedicatedAllocations,
			memoryTypeIndex,
			finalCreateInfo.Flags&AllocationCreateMapped != 0,
			mappingAllowed,
			finalCreateInfo.UserData,
			allocations,
		)
	}

	canAllocateDedicated := finalCreateInfo.Flags&AllocationCreateNeverAllocate == 0 && (pool == nil || !blockAllocations.HasExplicitBlockSize())

	if canAllocateDedicated {
		// Allocate dedicated memory if requested size is more than half of preferred block size
		if size > blockAllocations.PreferredBlockSize()/2 {
			dedicatedPreferred = true
		}

		// We don't want to create all allocations as dedicated when we're near maximum size, so don't prefer
		// allocations when we're nearing the maximum number of allocations
		maxAllocationCount := a.deviceMemory.MaxAllocationCount()
		if maxAllocationCount < math.MaxUint32/4 &&
			int(a.deviceMemory.AllocationCount()) > maxAllocationCount*3/4 {
			dedicatedPreferred = false
		}

		if dedicatedPreferred {
			err = a.allocateDedicatedMemory(
				pool,
				size,
				suballocationType,
				dedicatedAllocations,
				memoryTypeIndex,
				finalCreateInfo.Flags&AllocationCreateMapped != 0,
				mappingAllowed,
				finalCreateInfo.UserData,
				allocations,
			)
			if err == nil {
				a.logger.Debug("  Allocated as DedicatedMemory")
				return nil
			}
		}
	}

	err = blockAllocations.Allocate(
		size,
		alignment,
		&finalCreateInfo,
		suballocationType,
		allocations,
	)
	if err == nil {
		return nil
	}

	// Try dedicated memory, but only when the block lists failed for lack of space. Argument
	// and feature errors have to surface to the caller rather than being papered over with
	// a dedicated allocation.
	if canAllocateDedicated && !dedicatedPreferred &&
		(memutils.IsOutOfDeviceMemory(err) || memutils.IsOutOfBudget(err)) {
		dedicatedErr := a.allocateDedicatedMemory(
			pool,
			size,
			suballocationType,
			dedicatedAllocations,
			memoryTypeIndex,
			finalCreateInfo.Flags&AllocationCreateMapped != 0,
			mappingAllowed,
			finalCreateInfo.UserData,
			allocations,
		)
		if dedicatedErr == nil {
			a.logger.Debug("  Allocated as DedicatedMemory")
			return nil
		}
	}

	a.logger.Debug("  AllocateMemory FAILED")
	return err
}

func (a *Allocator) multiAllocateMemory(
	memoryRequirements *MemoryRequirements,
	requiresDedicatedAllocation bool,
	prefersDedicatedAllocation bool,
	options *AllocationCreateInfo,
	suballocType SuballocationType,
	outAllocations []Allocation,
) error {
	err := memutils.CheckPow2(memoryRequirements.Alignment, "MemoryRequirements.Alignment")
	if err != nil {
		return errors.Mark(err, memutils.ErrInvalidArgument)
	}

	if memoryRequirements.Size < 1 {
		return errors.Mark(
			errors.New("provided memory requirement size was not a positive integer"),
			memutils.ErrInvalidArgument)
	}

	err = a.calcAllocationParams(options, requiresDedicatedAllocation)
	if err != nil {
		return err
	}

	if options.Pool != nil {
		return a.allocateMemoryOfType(
			options.Pool,
			memoryRequirements.Size,
			memoryRequirements.Alignment,
			prefersDedicatedAllocation,
			options,
			options.Pool.blockList.memoryTypeIndex,
			suballocType,
			&options.Pool.dedicatedAllocations,
			&options.Pool.blockList,
			outAllocations,
		)
	}

	memoryBits := memoryRequirements.MemoryTypeBits
	if memoryBits == 0 {
		memoryBits = math.MaxUint32
	}
	memoryTypeIndex, err := a.findMemoryTypeIndex(memoryBits, options)
	if err != nil {
		return err
	}

	for {
		blockList := a.memoryBlockLists[memoryTypeIndex]
		if blockList == nil {
			return errors.Newf("attempted to allocate from unsupported memory type index %d", memoryTypeIndex)
		}

		err = a.allocateMemoryOfType(
			nil,
			memoryRequirements.Size,
			memoryRequirements.Alignment,
			requiresDedicatedAllocation || prefersDedicatedAllocation,
			options,
			memoryTypeIndex,
			suballocType,
			a.dedicatedAllocations[memoryTypeIndex],
			blockList,
			outAllocations,
		)
		if err == nil {
			return nil
		}

		// Memory exhaustion can be worked around by falling back to a lower-ranked memory
		// type, anything else is final
		if !memutils.IsOutOfDeviceMemory(err) && !memutils.IsOutOfBudget(err) {
			return err
		}

		// Remove memory type index from possibilities
		memoryBits &= ^(uint32(1) << memoryTypeIndex)
		// Find a new memory type index
		nextTypeIndex, typeErr := a.findMemoryTypeIndex(memoryBits, options)
		if typeErr != nil {
			// Out of fallback types. The failure from the last candidate is the most
			// informative thing we have, so surface that.
			return errors.Mark(err, memutils.ErrOutOfDeviceMemory)
		}
		memoryTypeIndex = nextTypeIndex
	}
}

// AllocateMemory places a single new allocation, sized and aligned per memoryRequirements,
// into outAlloc. outAlloc must be a zero-state Allocation.
func (a *Allocator) AllocateMemory(memoryRequirements *MemoryRequirements, o AllocationCreateInfo, outAlloc *Allocation) error {
	a.logger.Debug("Allocator::AllocateMemory")

	if outAlloc == nil {
		return errors.Mark(
			errors.New("attempted to allocate into a nil allocation"),
			memutils.ErrInvalidArgument)
	} else if memoryRequirements == nil {
		return errors.Mark(
			errors.New("attempted to allocate with nil memory requirements"),
			memutils.ErrInvalidArgument)
	}

	// Attempt to create a one-length slice for the provided alloc pointer
	outAllocSlice := unsafe.Slice(outAlloc, 1)
	return a.multiAllocateMemory(
		memoryRequirements,
		false,
		false,
		&o,
		SuballocationUnknown,
		outAllocSlice,
	)
}

// AllocateMemorySlice places one new allocation per element of allocations, all sized and
// aligned per memoryRequirements. Either every allocation succeeds or none of them are kept.
func (a *Allocator) AllocateMemorySlice(memoryRequirements *MemoryRequirements, o AllocationCreateInfo, allocations []Allocation) error {
	a.logger.Debug("Allocator::AllocateMemorySlice")

	if memoryRequirements == nil {
		return errors.Mark(
			errors.New("attempted to allocate with nil memory requirements"),
			memutils.ErrInvalidArgument)
	}

	if len(allocations) == 0 {
		return nil
	}

	return a.multiAllocateMemory(
		memoryRequirements,
		false,
		false,
		&o,
		SuballocationUnknown,
		allocations,
	)
}

func (a *Allocator) multiFreeMemory(allocations []Allocation) error {
	for allocIndex := 0; allocIndex < len(allocations); allocIndex++ {
		alloc := &allocations[allocIndex]

		a.logger.Debug("  Freeing allocation", slog.Int("MemoryTypeIndex", alloc.memoryTypeIndex), slog.String("Type", alloc.allocationType.String()))

		alloc.fillAllocation(memutils.DestroyedFillPattern)

		switch alloc.allocationType {
		case allocationTypeBlock:
			blockList := a.memoryBlockLists[alloc.memoryTypeIndex]
			pool := alloc.blockData.block.parentPool
			if pool != nil {
				blockList = &pool.blockList
			}

			err := blockList.Free(alloc)
			if err != nil {
				return err
			}
		case allocationTypeDedicated:
			err := a.freeDedicatedMemory(alloc)
			if err != nil {
				return err
			}
		default:
			return errors.Newf("attempted to free an allocation with invalid type %s", alloc.allocationType.String())
		}
	}

	return nil
}

func (a *Allocator) freeDedicatedMemory(alloc *Allocation) error {
	if alloc == nil {
		return errors.New("attempted to free nil allocation")
	} else if alloc.allocationType != allocationTypeDedicated {
		return errors.New("attempted to free dedicated memory for a non-dedicated allocation")
	}

	memoryTypeIndex := alloc.MemoryTypeIndex()
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	parentPool := alloc.dedicatedData.parentPool
	if parentPool == nil {
		// Default pool
		a.dedicatedAllocations[memoryTypeIndex].Unregister(alloc)
	} else {
		// Custom pool
		parentPool.dedicatedAllocations.Unregister(alloc)
	}

	a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, alloc.Size(), alloc.memory)

	a.deviceMemory.RemoveAllocation(heapIndex, alloc.Size())

	return nil
}

// ParseAllocationInfo fills info with the current state of the provided allocation. Offset
// and Memory are only stable while no defragmentation pass is in flight.
func (a *Allocator) ParseAllocationInfo(alloc *Allocation, info *AllocationInfo) {
	a.logger.Debug("Allocator::ParseAllocationInfo")

	info.MemoryTypeIndex = alloc.memoryTypeIndex
	info.Memory = alloc.Memory()
	info.Offset = alloc.FindOffset()
	info.Size = alloc.size
	info.UserData = alloc.userData
	info.Name = alloc.name

	info.MappedData = nil
	if alloc.isPersistentMap() {
		base := alloc.memory.MappedData()
		if base != nil {
			info.MappedData = unsafe.Add(base, info.Offset)
		}
	}
}

// HeapBudgets fills one Budget per heap, up to the length of the provided slice
func (a *Allocator) HeapBudgets(budgets []Budget) {
	heapCount := a.deviceMemory.MemoryHeapCount()
	if len(budgets) < heapCount {
		heapCount = len(budgets)
	}

	deviceBudgets := make([]device.Budget, heapCount)
	a.deviceMemory.HeapBudgets(0, deviceBudgets)

	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		budgets[heapIndex].Statistics = deviceBudgets[heapIndex].Statistics
		budgets[heapIndex].Usage = deviceBudgets[heapIndex].Usage
		budgets[heapIndex].Budget = deviceBudgets[heapIndex].Budget
	}
}

// TotalStatistics is the full accounting breakdown of an Allocator: per memory type, per
// heap, and in total
type TotalStatistics struct {
	MemoryType [driver.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeap [driver.MaxMemoryHeaps]memutils.DetailedStatistics
	Total      memutils.DetailedStatistics
}

// CalculateStatistics walks every block of every pool, so it is considerably more expensive
// than HeapBudgets
func (a *Allocator) CalculateStatistics(stats *TotalStatistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	stats.Total.Clear()
	for typeIndex := 0; typeIndex < len(stats.MemoryType); typeIndex++ {
		stats.MemoryType[typeIndex].Clear()
	}
	for heapIndex := 0; heapIndex < len(stats.MemoryHeap); heapIndex++ {
		stats.MemoryHeap[heapIndex].Clear()
	}

	// Default block lists and dedicated allocations
	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		blockList := a.memoryBlockLists[typeIndex]
		if blockList != nil {
			blockList.AddDetailedStatistics(&stats.MemoryType[typeIndex])
		}
		dedicatedList := a.dedicatedAllocations[typeIndex]
		if dedicatedList != nil {
			dedicatedList.AddDetailedStatistics(&stats.MemoryType[typeIndex])
		}
	}

	// Custom pools
	a.poolsMutex.RLock()
	for pool := a.pools; pool != nil; pool = pool.next {
		memoryTypeIndex := pool.blockList.memoryTypeIndex
		pool.blockList.AddDetailedStatistics(&stats.MemoryType[memoryTypeIndex])
		pool.dedicatedAllocations.AddDetailedStatistics(&stats.MemoryType[memoryTypeIndex])
	}
	a.poolsMutex.RUnlock()

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeap[heapIndex].AddDetailedStatistics(&stats.MemoryType[typeIndex])
		stats.Total.AddDetailedStatistics(&stats.MemoryType[typeIndex])
	}
}

// BuildStatsString writes a json report of the allocator's full state: heap budgets,
// statistics per heap and memory type, and a detailed map of every default and custom pool
func (a *Allocator) BuildStatsString(writer *jwriter.Writer) {
	a.logger.Debug("Allocator::BuildStatsString")

	var stats TotalStatistics
	a.CalculateStatistics(&stats)

	heapCount := a.deviceMemory.MemoryHeapCount()
	budgets := make([]Budget, heapCount)
	a.HeapBudgets(budgets)

	obj := writer.Object()

	generalObj := obj.Name("General").Object()
	generalObj.Name("MemoryHeapCount").Int(heapCount)
	generalObj.Name("MemoryTypeCount").Int(a.deviceMemory.MemoryTypeCount())
	generalObj.End()

	totalObj := obj.Name("Total").Object()
	stats.Total.PrintJson(&totalObj)
	totalObj.End()

	heapsObj := obj.Name("MemoryInfo").Object()
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		heapObj := heapsObj.Name(fmt.Sprintf("Heap %d", heapIndex)).Object()

		heapProps := a.deviceMemory.MemoryHeapProperties(heapIndex)
		heapObj.Name("Size").Int(heapProps.Size)
		heapObj.Name("Flags").String(heapProps.Flags.String())

		budgetObj := heapObj.Name("Budget").Object()
		budgetObj.Name("BudgetBytes").Int(budgets[heapIndex].Budget)
		budgetObj.Name("UsageBytes").Int(budgets[heapIndex].Usage)
		budgetObj.End()

		statsObj := heapObj.Name("Stats").Object()
		stats.MemoryHeap[heapIndex].PrintJson(&statsObj)
		statsObj.End()

		typesObj := heapObj.Name("MemoryPools").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			typeObj := typesObj.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
			typeObj.Name("Flags").String(a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags.String())
			typeStatsObj := typeObj.Name("Stats").Object()
			stats.MemoryType[typeIndex].PrintJson(&typeStatsObj)
			typeStatsObj.End()
			typeObj.End()
		}
		typesObj.End()

		heapObj.End()
	}
	heapsObj.End()

	defaultPoolsObj := obj.Name("DefaultPools").Object()
	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		blockList := a.memoryBlockLists[typeIndex]
		if blockList == nil {
			continue
		}

		typeObj := defaultPoolsObj.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
		blockList.PrintDetailedMap(typeObj.Name("Blocks"))
		a.dedicatedAllocations[typeIndex].BuildStatsString(typeObj.Name("DedicatedAllocations"))
		typeObj.End()
	}
	defaultPoolsObj.End()

	a.poolsMutex.RLock()
	if a.pools != nil {
		customPoolsObj := obj.Name("CustomPools").Object()
		for pool := a.pools; pool != nil; pool = pool.next {
			poolObj := customPoolsObj.Name(fmt.Sprintf("Pool %d", pool.id)).Object()
			poolObj.Name("Name").String(pool.name)
			pool.blockList.PrintDetailedMap(poolObj.Name("Blocks"))
			pool.dedicatedAllocations.BuildStatsString(poolObj.Name("DedicatedAllocations"))
			poolObj.End()
		}
		customPoolsObj.End()
	}
	a.poolsMutex.RUnlock()

	obj.End()
}

// CheckCorruption scans the margins of every allocation in every block list whose memory
// type is in memoryTypeBits. It returns nil when at least one block list was checked and
// all margins were intact, an error marked memutils.ErrCorruption when a margin was
// overwritten, and an error marked memutils.ErrFeatureNotPresent when corruption detection
// is inactive for every matching block list.
func (a *Allocator) CheckCorruption(memoryTypeBits uint32) error {
	a.logger.Debug("Allocator::CheckCorruption")

	checkedAny := false

	// Process default pools
	for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		list := a.memoryBlockLists[memoryTypeIndex]
		if list == nil || memoryTypeBits&(1<<memoryTypeIndex) == 0 {
			continue
		}

		err := list.CheckCorruption()
		if err == nil {
			checkedAny = true
			continue
		} else if !memutils.IsFeatureNotPresent(err) {
			return err
		}
	}

	// Process custom pools
	poolsChecked, err := a.checkCustomPools(memoryTypeBits)
	if err != nil {
		return err
	}

	if !checkedAny && !poolsChecked {
		return errors.Mark(
			errors.New("corruption detection is not enabled for any requested memory type"),
			memutils.ErrFeatureNotPresent)
	}

	return nil
}

func (a *Allocator) checkCustomPools(memoryTypeBits uint32) (bool, error) {
	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	checkedAny := false
	for pool := a.pools; pool != nil; pool = pool.next {
		memBit := uint32(1 << pool.blockList.memoryTypeIndex)
		if memBit&memoryTypeBits == 0 {
			continue
		}

		err := pool.blockList.CheckCorruption()
		if err == nil {
			checkedAny = true
			continue
		} else if !memutils.IsFeatureNotPresent(err) {
			return false, err
		}
	}

	return checkedAny, nil
}

// FlushAllocations makes host writes in the provided allocation ranges available to the
// device in a single batch. offsets and sizes may be nil, in which case each allocation is
// flushed in full. A size of -1 indicates the rest of the allocation past the offset.
func (a *Allocator) FlushAllocations(allocations []*Allocation, offsets []int, sizes []int) error {
	a.logger.Debug("Allocator::FlushAllocations")

	return a.flushOrInvalidateAllocations(allocations, offsets, sizes, device.CacheOperationFlush)
}

// InvalidateAllocations makes device writes in the provided allocation ranges visible to
// the host in a single batch. offsets and sizes follow the same rules as FlushAllocations.
func (a *Allocator) InvalidateAllocations(allocations []*Allocation, offsets []int, sizes []int) error {
	a.logger.Debug("Allocator::InvalidateAllocations")

	return a.flushOrInvalidateAllocations(allocations, offsets, sizes, device.CacheOperationInvalidate)
}

func (a *Allocator) flushOrInvalidateAllocations(allocations []*Allocation, offsets []int, sizes []int, operation device.CacheOperation) error {
	if offsets != nil && len(offsets) != len(allocations) {
		return errors.Mark(
			errors.Newf("%d offsets were provided for %d allocations", len(offsets), len(allocations)),
			memutils.ErrInvalidArgument)
	}
	if sizes != nil && len(sizes) != len(allocations) {
		return errors.Mark(
			errors.Newf("%d sizes were provided for %d allocations", len(sizes), len(allocations)),
			memutils.ErrInvalidArgument)
	}

	memRanges := make([]device.MappedMemoryRange, 0, len(allocations))
	for allocIndex, alloc := range allocations {
		if alloc == nil {
			return errors.Mark(
				errors.Newf("allocation %d is nil", allocIndex),
				memutils.ErrInvalidArgument)
		}

		offset := 0
		if offsets != nil {
			offset = offsets[allocIndex]
		}
		size := -1
		if sizes != nil {
			size = sizes[allocIndex]
		}

		var memRange device.MappedMemoryRange
		success, err := alloc.flushOrInvalidateRange(offset, size, &memRange)
		if err != nil {
			return err
		} else if success {
			memRanges = append(memRanges, memRange)
		}
	}

	return a.deviceMemory.FlushOrInvalidateRanges(memRanges, operation)
}

// CreatePool creates a new device memory pool with its own block size policy and placement
// algorithm. Invalid option combinations fail fast with errors marked
// memutils.ErrInvalidArgument.
func (a *Allocator) CreatePool(createInfo PoolCreateInfo) (*Pool, error) {
	a.logger.Debug("Allocator::CreatePool",
		slog.Int("MemoryTypeIndex", createInfo.MemoryTypeIndex),
		slog.String("Flags", createInfo.Flags.String()),
	)

	algorithm := createInfo.Flags & PoolCreateAlgorithmMask
	if algorithm != 0 && algorithm != PoolCreateLinearAlgorithm && algorithm != PoolCreateBuddyAlgorithm {
		return nil, errors.Mark(
			errors.New("at most one placement algorithm flag may be specified"),
			memutils.ErrInvalidArgument)
	}

	if algorithm == PoolCreateLinearAlgorithm {
		// A linear pool is a single block
		if createInfo.MaxBlockCount > 1 {
			return nil, errors.Mark(
				errors.Newf("a linear pool can hold at most one block, but MaxBlockCount was %d", createInfo.MaxBlockCount),
				memutils.ErrInvalidArgument)
		}
		createInfo.MaxBlockCount = 1
	} else if createInfo.MaxBlockCount == 0 {
		createInfo.MaxBlockCount = math.MaxInt
	}

	if createInfo.MinBlockCount > createInfo.MaxBlockCount {
		return nil, errors.Mark(
			errors.Newf("provided MinBlockCount %d was greater than provided MaxBlockCount %d", createInfo.MinBlockCount, createInfo.MaxBlockCount),
			memutils.ErrInvalidArgument)
	}

	memTypeBits := uint32(1 << createInfo.MemoryTypeIndex)
	if createInfo.MemoryTypeIndex >= a.deviceMemory.MemoryTypeCount() || memTypeBits&a.globalMemoryTypeBits == 0 {
		return nil, errors.Mark(
			errors.Newf("the device does not support memory type index %d", createInfo.MemoryTypeIndex),
			memutils.ErrFeatureNotPresent)
	}

	if createInfo.MinAllocationAlignment > 0 {
		err := memutils.CheckPow2(createInfo.MinAllocationAlignment, "createInfo.MinAllocationAlignment")
		if err != nil {
			return nil, errors.Mark(err, memutils.ErrInvalidArgument)
		}
	}

	if createInfo.Priority < 0 || createInfo.Priority > 1 {
		return nil, errors.Mark(
			errors.Newf("provided Priority %f is not between 0 and 1", createInfo.Priority),
			memutils.ErrInvalidArgument)
	}

	blockSize := a.calculatePreferredBlockSize(createInfo.MemoryTypeIndex)
	if createInfo.BlockSize != 0 {
		blockSize = createInfo.BlockSize
	}

	if algorithm == PoolCreateBuddyAlgorithm {
		if createInfo.BlockSize != 0 {
			err := memutils.CheckPow2(createInfo.BlockSize, "createInfo.BlockSize")
			if err != nil {
				return nil, errors.Mark(err, memutils.ErrInvalidArgument)
			}
		} else {
			// Round the automatic block size down so the buddy hierarchy divides evenly
			blockSize = memutils.PrevPow2(blockSize)
		}
	}

	pool := &Pool{
		logger:          a.logger,
		parentAllocator: a,
	}

	bufferImageGranularity := 1
	if createInfo.Flags&PoolCreateIgnoreBufferImageGranularity == 0 {
		bufferImageGranularity = a.deviceMemory.BufferImageGranularity()
	}

	alignment := a.deviceMemory.MemoryTypeMinimumAlignment(createInfo.MemoryTypeIndex)
	if createInfo.MinAllocationAlignment > alignment {
		alignment = createInfo.MinAllocationAlignment
	}

	pool.blockList.Init(
		a.useMutex,
		a,
		pool,
		createInfo.MemoryTypeIndex,
		blockSize,
		createInfo.MinBlockCount,
		createInfo.MaxBlockCount,
		bufferImageGranularity,
		createInfo.BlockSize != 0,
		algorithm,
		createInfo.Priority,
		alignment,
	)
	pool.dedicatedAllocations.Init(a.useMutex)

	err := pool.blockList.CreateMinBlocks()
	if err != nil {
		destroyErr := pool.Destroy()
		if destroyErr != nil {
			a.logger.Error("error attempting to destroy pool after creation failure", slog.Any("error", destroyErr))
		}
		return nil, err
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	a.nextPoolId++
	err = pool.SetID(a.nextPoolId)
	if err != nil {
		destroyErr := pool.destroyAfterLock()
		if destroyErr != nil {
			a.logger.Error("error attempting to destroy pool after failing to set id", slog.Any("error", destroyErr))
		}

		return nil, err
	}

	pool.next = a.pools
	if a.pools != nil {
		a.pools.prev = pool
	}
	a.pools = pool

	return pool, nil
}

// Destroy tears down the allocator's default pools. It fails if any allocation or custom
// pool is still live.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	if a.pools != nil {
		return errors.New("attempted to destroy an allocator that still has live custom pools")
	}

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		dedicatedList := a.dedicatedAllocations[typeIndex]
		if dedicatedList != nil && !dedicatedList.IsEmpty() {
			return errors.Newf("attempted to destroy an allocator that still has live dedicated allocations in memory type %d", typeIndex)
		}

		blockList := a.memoryBlockLists[typeIndex]
		if blockList == nil {
			continue
		}
		if !blockList.HasNoAllocations() {
			return errors.Newf("attempted to destroy an allocator that still has live allocations in memory type %d", typeIndex)
		}

		err := blockList.Destroy()
		if err != nil {
			return err
		}
		a.memoryBlockLists[typeIndex] = nil
	}

	return nil
}
