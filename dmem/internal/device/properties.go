package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/rivermesh/devmem/driver"
	"github.com/rivermesh/devmem/memutils"
)

// Budget is the live state of a single heap: this allocator's own statistics plus the
// usage and allotment reported by (or estimated in place of) the BudgetSource
type Budget struct {
	Statistics memutils.Statistics
	Usage      int
	Budget     int
}

// MemoryCallbacks receives a notification for every device memory block this allocator
// allocates or frees
type MemoryCallbacks interface {
	Allocate(memoryTypeIndex int, memory driver.BlockHandle, size int)
	Free(memoryTypeIndex int, memory driver.BlockHandle, size int)
}

// budgetFetchInterval is the number of block allocate/free events between re-fetches
// from the BudgetSource
const budgetFetchInterval = 30

// DeviceMemoryProperties owns all device-wide memory state: the topology reported by
// the Provider, atomic per-heap accounting, and the heap budget cache
type DeviceMemoryProperties struct {
	// Number of real allocations that have been made from device memory
	blockCount [driver.MaxMemoryHeaps]int32
	// Number of user allocations that have actually been doled out for use- this includes the number
	// of dedicated allocations + the number of block suballocations
	allocationCount [driver.MaxMemoryHeaps]int32
	// Size of real allocations that have been made from device memory
	blockBytes [driver.MaxMemoryHeaps]int64
	// Size of user allocations that have actually been doled out for use- this includes the size
	// of dedicated allocations + the size of block suballocations
	allocationBytes [driver.MaxMemoryHeaps]int64

	// Budget cache filled from the budget source, corrected by the change in blockBytes
	// since the fetch
	budgetMutex          sync.RWMutex
	fetchedUsage         [driver.MaxMemoryHeaps]int64
	fetchedBudget        [driver.MaxMemoryHeaps]int64
	blockBytesAtFetch    [driver.MaxMemoryHeaps]int64
	operationsSinceFetch uint32

	// Whether the SynchronizedMemory objects created from this object should use a mutex to control access
	useMutex        bool
	memoryCallbacks MemoryCallbacks
	memoryCount     uint32
	heapLimits      []int

	provider         driver.Provider
	budgetSource     driver.BudgetSource
	memoryProperties *driver.MemoryProperties
	deviceProperties driver.DeviceProperties
}

func NewDeviceMemoryProperties(
	useMutex bool,
	memoryCallbacks MemoryCallbacks,
	provider driver.Provider,
	budgetSource driver.BudgetSource,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	deviceMemory := &DeviceMemoryProperties{
		useMutex:        useMutex,
		memoryCallbacks: memoryCallbacks,

		provider:     provider,
		budgetSource: budgetSource,
	}

	deviceMemory.memoryProperties = provider.MemoryProperties()
	err := deviceMemory.memoryProperties.Validate()
	if err != nil {
		return nil, err
	}

	deviceMemory.deviceProperties = provider.DeviceProperties()
	if deviceMemory.deviceProperties.BufferImageGranularity < 1 {
		deviceMemory.deviceProperties.BufferImageGranularity = 1
	}
	if deviceMemory.deviceProperties.NonCoherentAtomSize < 1 {
		deviceMemory.deviceProperties.NonCoherentAtomSize = 1
	}

	err = memutils.CheckPow2(deviceMemory.deviceProperties.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(deviceMemory.deviceProperties.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	// Initialize memory heap data
	heapCount := deviceMemory.MemoryHeapCount()
	heapLimitCount := len(heapSizeLimits)

	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.Mark(
			errors.New("CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of device memory heaps"),
			memutils.ErrInvalidArgument)
	}

	deviceMemory.heapLimits = heapSizeLimits

	if budgetSource != nil {
		deviceMemory.refreshBudget()
	}

	return deviceMemory, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeMinimumAlignment(memTypeIndex int) uint {
	if m.IsMemoryTypeHostNonCoherent(memTypeIndex) {
		return uint(m.deviceProperties.NonCoherentAtomSize)
	}

	return 1
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) driver.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) driver.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(driver.MemoryPropertyHostVisible|driver.MemoryPropertyHostCoherent) == driver.MemoryPropertyHostVisible
}

func (m *DeviceMemoryProperties) BufferImageGranularity() int {
	return m.deviceProperties.BufferImageGranularity
}

func (m *DeviceMemoryProperties) NonCoherentAtomSize() int {
	return m.deviceProperties.NonCoherentAtomSize
}

func (m *DeviceMemoryProperties) CalculateGlobalMemoryTypeBits() uint32 {
	var typeBits uint32

	memTypeCount := len(m.memoryProperties.MemoryTypes)
	for memoryTypeIndex := 0; memoryTypeIndex < memTypeCount; memoryTypeIndex++ {
		typeBits |= 1 << memoryTypeIndex
	}

	return typeBits
}

// AllocationCount is the number of device memory blocks currently live
func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}

// MaxAllocationCount is the largest number of blocks the Provider allows to be live at once
func (m *DeviceMemoryProperties) MaxAllocationCount() int {
	return m.provider.MaxAllocationCount()
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) addBlockAllocationWithLimit(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return errors.Mark(
				errors.Newf("a block allocation of %d bytes would bring heap %d over its limit of %d bytes", allocationSize, heapIndex, maxAllocatable),
				memutils.ErrOutOfDeviceMemory)
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))

	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocateDeviceMemory allocates a single block of device memory through the Provider,
// enforcing the device's max allocation count and any heap size limit
func (m *DeviceMemoryProperties) AllocateDeviceMemory(memoryTypeIndex int, size int) (mem *SynchronizedMemory, err error) {
	newDeviceCount := atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	if int(newDeviceCount) > m.provider.MaxAllocationCount() {
		return nil, errors.Mark(
			errors.Newf("device only supports %d live block allocations", m.provider.MaxAllocationCount()),
			memutils.ErrOutOfDeviceMemory)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	heapLimit := 0
	if len(m.heapLimits) > 0 {
		heapLimit = m.heapLimits[heapIndex]
	}
	if heapLimit == 0 {
		m.addBlockAllocation(heapIndex, size)
	} else {
		maxSize := heapLimit
		heapSize := m.memoryProperties.MemoryHeaps[heapIndex].Size
		if heapSize < heapLimit {
			maxSize = heapSize
		}
		err = m.addBlockAllocationWithLimit(heapIndex, size, maxSize)
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			m.removeBlockAllocation(heapIndex, size)
		}
	}()

	mem, err = allocateSynchronizedMemory(m.provider, m.useMutex, memoryTypeIndex, size)
	if err != nil {
		return nil, err
	}

	m.postBlockEvent()

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, mem.BlockHandle(), size)
	}

	return mem, nil
}

// FreeDeviceMemory returns a block previously created with AllocateDeviceMemory
func (m *DeviceMemoryProperties) FreeDeviceMemory(memoryTypeIndex int, size int, memory *SynchronizedMemory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(
			memoryTypeIndex,
			memory.BlockHandle(),
			size,
		)
	}

	memory.FreeMemory(size)

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	m.removeBlockAllocation(heapIndex, size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))

	m.postBlockEvent()
}

// AddAllocation records a suballocation or dedicated allocation being doled out to a consumer
func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

// RemoveAllocation records a suballocation or dedicated allocation being returned
func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

func (m *DeviceMemoryProperties) postBlockEvent() {
	if m.budgetSource == nil {
		return
	}

	if atomic.AddUint32(&m.operationsSinceFetch, 1) >= budgetFetchInterval {
		m.refreshBudget()
	}
}

func (m *DeviceMemoryProperties) refreshBudget() {
	heapCount := m.MemoryHeapCount()
	budgets := make([]driver.HeapBudget, heapCount)
	m.budgetSource.RefreshBudget(budgets)

	m.budgetMutex.Lock()
	defer m.budgetMutex.Unlock()

	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		m.fetchedUsage[heapIndex] = int64(budgets[heapIndex].Usage)
		m.fetchedBudget[heapIndex] = int64(budgets[heapIndex].Budget)
		m.blockBytesAtFetch[heapIndex] = atomic.LoadInt64(&m.blockBytes[heapIndex])
	}
	atomic.StoreUint32(&m.operationsSinceFetch, 0)
}

// HeapBudget fills a single heap's Budget
func (m *DeviceMemoryProperties) HeapBudget(heapIndex int, budget *Budget) {
	budgets := unsafe.Slice(budget, 1)
	m.HeapBudgets(heapIndex, budgets)
}

// CacheOperation selects which host cache maintenance call a range batch is passed to
type CacheOperation uint32

const (
	CacheOperationFlush CacheOperation = iota
	CacheOperationInvalidate
)

var cacheOperationMapping = make(map[CacheOperation]string)

func (o CacheOperation) String() string {
	return cacheOperationMapping[o]
}

func init() {
	cacheOperationMapping[CacheOperationFlush] = "CacheOperationFlush"
	cacheOperationMapping[CacheOperationInvalidate] = "CacheOperationInvalidate"
}

// MappedMemoryRange is one contiguous range within a device memory block, targeted by a
// flush or invalidate batch
type MappedMemoryRange struct {
	Memory driver.BlockHandle
	Offset int
	Size   int
}

// FlushOrInvalidateRanges applies a single cache maintenance operation to every provided range
func (m *DeviceMemoryProperties) FlushOrInvalidateRanges(memRanges []MappedMemoryRange, operation CacheOperation) error {
	if len(memRanges) == 0 {
		return nil
	}

	for rangeIndex := range memRanges {
		var err error
		switch operation {
		case CacheOperationFlush:
			err = m.provider.Flush(memRanges[rangeIndex].Memory, memRanges[rangeIndex].Offset, memRanges[rangeIndex].Size)
		case CacheOperationInvalidate:
			err = m.provider.Invalidate(memRanges[rangeIndex].Memory, memRanges[rangeIndex].Offset, memRanges[rangeIndex].Size)
		default:
			return errors.Newf("attempted to carry out invalid cache operation %s", operation.String())
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// HeapBudgets fills one Budget per heap starting at firstHeap. With a BudgetSource the
// usage and budget come from the most recent fetch, corrected by block churn since then;
// without one they are estimated from this allocator's own accounting.
func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	if m.budgetSource != nil && atomic.LoadUint32(&m.operationsSinceFetch) >= budgetFetchInterval {
		m.refreshBudget()
	}

	for i := 0; i < len(budgets); i++ {
		heapIndex := firstHeap + i

		budgets[i].Statistics.BlockCount = int(atomic.LoadInt32(&m.blockCount[heapIndex]))
		budgets[i].Statistics.AllocationCount = int(atomic.LoadInt32(&m.allocationCount[heapIndex]))
		budgets[i].Statistics.BlockBytes = int(atomic.LoadInt64(&m.blockBytes[heapIndex]))
		budgets[i].Statistics.AllocationBytes = int(atomic.LoadInt64(&m.allocationBytes[heapIndex]))

		if m.budgetSource != nil {
			m.budgetMutex.RLock()
			usage := m.fetchedUsage[heapIndex] + int64(budgets[i].Statistics.BlockBytes) - m.blockBytesAtFetch[heapIndex]
			if usage < 0 {
				usage = 0
			}
			budgets[i].Usage = int(usage)
			budgets[i].Budget = int(m.fetchedBudget[heapIndex])
			m.budgetMutex.RUnlock()
		} else {
			budgets[i].Usage = budgets[i].Statistics.BlockBytes
			budgets[i].Budget = m.memoryProperties.MemoryHeaps[heapIndex].Size * 8 / 10
		}

		heapLimit := 0
		if len(m.heapLimits) > 0 {
			heapLimit = m.heapLimits[heapIndex]
		}
		if heapLimit != 0 && heapLimit < budgets[i].Budget {
			budgets[i].Budget = heapLimit
		}
	}
}
