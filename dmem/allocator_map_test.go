package dmem

import (
	"testing"
	"unsafe"

	"github.com/rivermesh/devmem/driver"
	"github.com/stretchr/testify/require"
)

func TestMapUnmapRefCounts(t *testing.T) {
	provider, allocator := readyAllocator(t, defaultAllocatorSetup())

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		RequiredFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent,
	}, &allocation)
	require.NoError(t, err)

	firstPtr, err := allocation.Map()
	require.NoError(t, err)
	require.NotNil(t, firstPtr)

	secondPtr, err := allocation.Map()
	require.NoError(t, err)
	require.Equal(t, firstPtr, secondPtr)

	// The block is only mapped once no matter how many references are live
	require.Equal(t, 1, provider.mapCalls)

	data := unsafe.Slice((*byte)(firstPtr), allocation.Size())
	data[0] = 0xa5
	data[999] = 0x5a

	require.NoError(t, allocation.Unmap())
	require.Equal(t, 0, provider.unmapCalls)
	require.NoError(t, allocation.Unmap())
	require.Equal(t, 1, provider.unmapCalls)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestMapRequiresHostVisibleType(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 1 << 1,
	}, AllocationCreateInfo{
		RequiredFlags: driver.MemoryPropertyDeviceLocal,
	}, &allocation)
	require.NoError(t, err)

	require.False(t, allocation.IsMappingAllowed())
	_, err = allocation.Map()
	require.Error(t, err)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestPersistentlyMappedAllocation(t *testing.T) {
	provider, allocator := readyAllocator(t, defaultAllocatorSetup())

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Flags:         AllocationCreateMapped,
		RequiredFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent,
	}, &allocation)
	require.NoError(t, err)

	require.True(t, allocation.isPersistentMap())

	var info AllocationInfo
	allocator.ParseAllocationInfo(&allocation, &info)
	require.NotNil(t, info.MappedData)

	require.NoError(t, allocation.Free())
	require.Equal(t, 1, provider.unmapCalls)
	require.NoError(t, allocator.Destroy())
}

func TestMappedFlagIgnoredForNonHostVisibleType(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 1 << 1,
	}, AllocationCreateInfo{
		Flags:         AllocationCreateMapped,
		RequiredFlags: driver.MemoryPropertyDeviceLocal,
	}, &allocation)
	require.NoError(t, err)

	require.False(t, allocation.isPersistentMap())

	var info AllocationInfo
	allocator.ParseAllocationInfo(&allocation, &info)
	require.Nil(t, info.MappedData)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestFlushAndInvalidateNonCoherent(t *testing.T) {
	setup := defaultAllocatorSetup()
	setup.DeviceProperties.NonCoherentAtomSize = 64
	provider, allocator := readyAllocator(t, setup)

	// Memory type 5 is host-visible and cached but not coherent
	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:           1000,
		Alignment:      64,
		MemoryTypeBits: 1 << 5,
	}, AllocationCreateInfo{
		RequiredFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCached,
	}, &allocation)
	require.NoError(t, err)

	err = allocation.Flush(0, 100)
	require.NoError(t, err)
	require.Len(t, provider.flushes, 1)
	require.Zero(t, provider.flushes[0].offset%64)
	require.Zero(t, provider.flushes[0].size%64)
	require.GreaterOrEqual(t, provider.flushes[0].size, 100)

	err = allocation.Invalidate(0, -1)
	require.NoError(t, err)
	require.Len(t, provider.invalidates, 1)
	require.GreaterOrEqual(t, provider.invalidates[0].size, 1000)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestFlushSkipsCoherentMemory(t *testing.T) {
	provider, allocator := readyAllocator(t, defaultAllocatorSetup())

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		RequiredFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent,
	}, &allocation)
	require.NoError(t, err)

	require.NoError(t, allocation.Flush(0, 1000))
	require.Empty(t, provider.flushes)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestFlushAllocationsBatch(t *testing.T) {
	provider, allocator := readyAllocator(t, defaultAllocatorSetup())

	allocations := make([]Allocation, 2)
	err := allocator.AllocateMemorySlice(&MemoryRequirements{
		Size:           1000,
		Alignment:      1,
		MemoryTypeBits: 1 << 5,
	}, AllocationCreateInfo{
		RequiredFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCached,
	}, allocations)
	require.NoError(t, err)

	err = allocator.FlushAllocations([]*Allocation{&allocations[0], &allocations[1]}, nil, nil)
	require.NoError(t, err)
	require.Len(t, provider.flushes, 2)

	// Mismatched range slices are rejected before anything is flushed
	err = allocator.FlushAllocations([]*Allocation{&allocations[0], &allocations[1]}, []int{0}, nil)
	require.Error(t, err)
	require.Len(t, provider.flushes, 2)

	require.NoError(t, allocations[0].Free())
	require.NoError(t, allocations[1].Free())
	require.NoError(t, allocator.Destroy())
}
