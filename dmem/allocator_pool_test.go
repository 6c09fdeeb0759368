package dmem

import (
	"testing"

	"github.com/rivermesh/devmem/memutils"
	"github.com/stretchr/testify/require"
)

var createPoolFailureTestCases = map[string]struct {
	CreateInfo PoolCreateInfo

	ExpectFeatureNotPresent bool
}{
	"TestTwoAlgorithmFlags": {
		CreateInfo: PoolCreateInfo{
			MemoryTypeIndex: 1,
			Flags:           PoolCreateLinearAlgorithm | PoolCreateBuddyAlgorithm,
		},
	},
	"TestLinearPoolWithMultipleBlocks": {
		CreateInfo: PoolCreateInfo{
			MemoryTypeIndex: 1,
			Flags:           PoolCreateLinearAlgorithm,
			MaxBlockCount:   2,
		},
	},
	"TestMinBlockCountAboveMax": {
		CreateInfo: PoolCreateInfo{
			MemoryTypeIndex: 1,
			MinBlockCount:   3,
			MaxBlockCount:   2,
		},
	},
	"TestUnsupportedMemoryTypeIndex": {
		CreateInfo: PoolCreateInfo{
			MemoryTypeIndex: 99,
		},
		ExpectFeatureNotPresent: true,
	},
	"TestBadMinAllocationAlignment": {
		CreateInfo: PoolCreateInfo{
			MemoryTypeIndex:        1,
			MinAllocationAlignment: 3,
		},
	},
	"TestPriorityOutOfRange": {
		CreateInfo: PoolCreateInfo{
			MemoryTypeIndex: 1,
			Priority:        1.5,
		},
	},
	"TestBuddyPoolBlockSizeNotPow2": {
		CreateInfo: PoolCreateInfo{
			MemoryTypeIndex: 1,
			Flags:           PoolCreateBuddyAlgorithm,
			BlockSize:       3000,
		},
	},
}

func TestCreatePoolFailures(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	for testName, testCase := range createPoolFailureTestCases {
		testCase := testCase
		t.Run(testName, func(t *testing.T) {
			_, err := allocator.CreatePool(testCase.CreateInfo)
			require.Error(t, err)
			if testCase.ExpectFeatureNotPresent {
				require.True(t, memutils.IsFeatureNotPresent(err))
			} else {
				require.True(t, memutils.IsInvalidArgument(err))
			}
		})
	}

	require.NoError(t, allocator.Destroy())
}

func TestPoolAllocateAndFree(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       65536,
	})
	require.NoError(t, err)
	require.Greater(t, pool.ID(), 0)
	pool.SetName("test pool")
	require.Equal(t, "test pool", pool.Name())

	var allocation Allocation
	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Pool: pool,
	}, &allocation)
	require.NoError(t, err)

	require.Same(t, pool, allocation.ParentPool())
	require.Equal(t, 1, allocation.MemoryTypeIndex())

	var stats memutils.Statistics
	pool.Statistics(&stats)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 65536, stats.BlockBytes)

	require.NoError(t, allocation.Free())
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestPoolMinBlockCount(t *testing.T) {
	provider, allocator := readyAllocator(t, defaultAllocatorSetup())

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       4096,
		MinBlockCount:   2,
	})
	require.NoError(t, err)

	require.Equal(t, 2, pool.blockList.BlockCount())
	require.Equal(t, 2, provider.liveBlocks)

	var allocation Allocation
	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Pool: pool,
	}, &allocation)
	require.NoError(t, err)
	require.NoError(t, allocation.Free())

	// Frees never shrink the pool below its configured minimum
	require.Equal(t, 2, pool.blockList.BlockCount())

	require.NoError(t, pool.Destroy())
	require.Equal(t, 0, provider.liveBlocks)
	require.NoError(t, allocator.Destroy())
}

func TestPoolGrowthAndShrink(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       4096,
	})
	require.NoError(t, err)

	// Two 3000-byte allocations cannot share a 4096-byte block
	var first, second Allocation
	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      3000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &first)
	require.NoError(t, err)
	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      3000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &second)
	require.NoError(t, err)

	require.Equal(t, 2, pool.blockList.BlockCount())

	require.NoError(t, first.Free())
	require.NoError(t, second.Free())

	// One empty block is kept as a cache, the rest are returned to the device
	require.Equal(t, 1, pool.blockList.BlockCount())

	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestPoolMaxBlockCount(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       4096,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	var first, second Allocation
	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      3000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &first)
	require.NoError(t, err)

	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      3000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &second)
	require.Error(t, err)
	require.True(t, memutils.IsOutOfDeviceMemory(err))

	require.NoError(t, first.Free())
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestLinearPoolBehavesAsStack(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		Flags:           PoolCreateLinearAlgorithm,
		BlockSize:       65536,
	})
	require.NoError(t, err)

	allocations := make([]Allocation, 3)
	for i := 0; i < len(allocations); i++ {
		err = allocator.AllocateMemory(&MemoryRequirements{
			Size:      1000,
			Alignment: 1,
		}, AllocationCreateInfo{Pool: pool}, &allocations[i])
		require.NoError(t, err)
	}

	require.Less(t, allocations[0].FindOffset(), allocations[1].FindOffset())
	require.Less(t, allocations[1].FindOffset(), allocations[2].FindOffset())

	// The upper stack grows down from the end of the block
	var upper Allocation
	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Flags: AllocationCreateUpperAddress,
		Pool:  pool,
	}, &upper)
	require.NoError(t, err)
	require.Greater(t, upper.FindOffset(), allocations[2].FindOffset())

	require.NoError(t, upper.Free())
	for i := len(allocations) - 1; i >= 0; i-- {
		require.NoError(t, allocations[i].Free())
	}

	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestUpperAddressRequiresLinearPool(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Flags:         AllocationCreateUpperAddress,
		RequiredFlags: 0,
	}, &allocation)
	require.Error(t, err)
	require.True(t, memutils.IsFeatureNotPresent(err))

	require.NoError(t, allocator.Destroy())
}

func TestBuddyPoolAllocation(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		Flags:           PoolCreateBuddyAlgorithm,
		BlockSize:       65536,
	})
	require.NoError(t, err)

	// 5000-byte requests occupy 8192-byte buddy chunks
	var first, second Allocation
	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      5000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &first)
	require.NoError(t, err)
	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      5000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &second)
	require.NoError(t, err)

	firstOffset := first.FindOffset()
	secondOffset := second.FindOffset()
	require.Zero(t, firstOffset%8192)
	require.Zero(t, secondOffset%8192)
	require.NotEqual(t, firstOffset, secondOffset)

	require.NoError(t, first.Free())
	require.NoError(t, second.Free())
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestPoolDestroyOrdering(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       65536,
	})
	require.NoError(t, err)

	var allocation Allocation
	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, &allocation)
	require.NoError(t, err)

	// Neither the pool nor the allocator can be torn down around a live allocation
	require.Error(t, pool.Destroy())
	require.Error(t, allocator.Destroy())

	require.NoError(t, allocation.Free())
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestCheckCorruptionWithoutDebugMargin(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{}, &allocation)
	require.NoError(t, err)

	// Corruption detection requires the debug margin build flag
	err = allocator.CheckCorruption(0xffffffff)
	require.Error(t, err)
	require.True(t, memutils.IsFeatureNotPresent(err))

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}
