package dmem

import (
	"testing"

	"github.com/rivermesh/devmem/memutils"
	"github.com/rivermesh/devmem/memutils/defrag"
	"github.com/stretchr/testify/require"
)

func TestDefragPassSequencing(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	context, err := allocator.BeginDefragmentation(DefragmentationInfo{})
	require.NoError(t, err)

	// Passes have to be driven strictly in Begin/End order
	_, err = context.EndDefragPass()
	require.Error(t, err)
	require.True(t, memutils.IsInvalidState(err))

	_, err = context.BeginDefragPass()
	require.NoError(t, err)

	_, err = context.BeginDefragPass()
	require.Error(t, err)
	require.True(t, memutils.IsInvalidState(err))

	err = context.Finish(nil)
	require.Error(t, err)
	require.True(t, memutils.IsInvalidState(err))

	for {
		done, err := context.EndDefragPass()
		require.NoError(t, err)
		if done {
			break
		}

		_, err = context.BeginDefragPass()
		require.NoError(t, err)
	}

	require.NoError(t, context.Finish(nil))
	require.NoError(t, allocator.Destroy())
}

func TestDefragPassOnUnpopulatedContext(t *testing.T) {
	context := &DefragmentationContext{}

	_, err := context.BeginDefragPass()
	require.Error(t, err)
	require.True(t, memutils.IsInvalidState(err))
}

func TestDefragInvalidFlags(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	_, err := allocator.BeginDefragmentation(DefragmentationInfo{
		Flags: defrag.DefragmentationFlagAlgorithmFast | defrag.DefragmentationFlagAlgorithmFull,
	})
	require.Error(t, err)
	require.True(t, memutils.IsInvalidArgument(err))

	require.NoError(t, allocator.Destroy())
}

func TestDefragmentationCompactsPool(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       65536,
	})
	require.NoError(t, err)

	allocations := make([]Allocation, 8)
	err = allocator.AllocateMemorySlice(&MemoryRequirements{
		Size:      4096,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, allocations)
	require.NoError(t, err)

	// Punch holes in the block so there is something to compact
	for i := 1; i < len(allocations); i += 2 {
		require.NoError(t, allocations[i].Free())
	}

	context, err := allocator.BeginDefragmentation(DefragmentationInfo{
		Flags: defrag.DefragmentationFlagAlgorithmFull,
		Pool:  pool,
	})
	require.NoError(t, err)

	movedCount := 0
	for {
		moves, err := context.BeginDefragPass()
		require.NoError(t, err)
		movedCount += len(moves)

		done, err := context.EndDefragPass()
		require.NoError(t, err)
		if done {
			break
		}
	}

	var stats defrag.DefragmentationStats
	require.NoError(t, context.Finish(&stats))

	require.Greater(t, movedCount, 0)
	require.Greater(t, stats.AllocationsMoved, 0)
	require.Equal(t, stats.AllocationsMoved*4096, stats.BytesMoved)

	// The surviving allocations are still usable after relocation
	var poolStats memutils.Statistics
	pool.Statistics(&poolStats)
	require.Equal(t, 4, poolStats.AllocationCount)

	for i := 0; i < len(allocations); i += 2 {
		require.NoError(t, allocations[i].Free())
	}

	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}

func TestDefragmentationRespectsPassBudget(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 1,
		BlockSize:       65536,
	})
	require.NoError(t, err)

	allocations := make([]Allocation, 8)
	err = allocator.AllocateMemorySlice(&MemoryRequirements{
		Size:      4096,
		Alignment: 1,
	}, AllocationCreateInfo{Pool: pool}, allocations)
	require.NoError(t, err)

	for i := 1; i < len(allocations); i += 2 {
		require.NoError(t, allocations[i].Free())
	}

	context, err := allocator.BeginDefragmentation(DefragmentationInfo{
		Flags:                 defrag.DefragmentationFlagAlgorithmFull,
		Pool:                  pool,
		MaxAllocationsPerPass: 1,
	})
	require.NoError(t, err)

	movedCount := 0
	for {
		moves, err := context.BeginDefragPass()
		require.NoError(t, err)
		require.LessOrEqual(t, len(moves), 1)
		movedCount += len(moves)

		done, err := context.EndDefragPass()
		require.NoError(t, err)
		if done {
			break
		}
	}

	// Budgeted passes still hand every collected move to the caller
	require.Greater(t, movedCount, 0)

	var stats defrag.DefragmentationStats
	require.NoError(t, context.Finish(&stats))
	require.Equal(t, movedCount, stats.AllocationsMoved)

	for i := 0; i < len(allocations); i += 2 {
		require.NoError(t, allocations[i].Free())
	}
	require.NoError(t, pool.Destroy())
	require.NoError(t, allocator.Destroy())
}
