package dmem

import (
	"io"
	"testing"

	"github.com/rivermesh/devmem/driver"
	"github.com/rivermesh/devmem/memutils"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func singleHeapSetup() AllocatorSetup {
	return AllocatorSetup{
		MemoryTypes: []driver.MemoryType{
			{
				PropertyFlags: driver.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []driver.MemoryHeap{
			{
				Size:  1000000,
				Flags: driver.MemoryHeapDeviceLocal,
			},
		},
	}
}

func TestHeapBudgetsFallbackEstimate(t *testing.T) {
	_, allocator := readyAllocator(t, singleHeapSetup())

	budgets := make([]Budget, 1)
	allocator.HeapBudgets(budgets)

	// Without a budget source, the allotment is estimated at 80% of the heap
	require.Equal(t, 800000, budgets[0].Budget)
	require.Equal(t, 0, budgets[0].Usage)

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      10000,
		Alignment: 1,
	}, AllocationCreateInfo{}, &allocation)
	require.NoError(t, err)

	allocator.HeapBudgets(budgets)
	require.GreaterOrEqual(t, budgets[0].Usage, 10000)
	require.Equal(t, budgets[0].Statistics.BlockBytes, budgets[0].Usage)
	require.Equal(t, 1, budgets[0].Statistics.AllocationCount)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestDedicatedAllocationWithinBudget(t *testing.T) {
	_, allocator := readyAllocator(t, singleHeapSetup())

	// 900000 bytes is within the 1000000-byte heap but past the 800000-byte estimated budget
	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      900000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory | AllocationCreateWithinBudget,
	}, &allocation)
	require.Error(t, err)
	require.True(t, memutils.IsOutOfBudget(err))

	// Without budget admission the same request goes through
	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      900000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory,
	}, &allocation)
	require.NoError(t, err)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestBudgetSourceAdmissionBoundary(t *testing.T) {
	setup := singleHeapSetup()
	setup.AllocatorOptions.BudgetSource = &fakeBudgetSource{
		budgets: []driver.HeapBudget{
			{
				Usage:  700000,
				Budget: 800000,
			},
		},
	}
	_, allocator := readyAllocator(t, setup)

	// Usage plus the new allocation lands exactly on the budget, which is admitted
	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      100000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory | AllocationCreateWithinBudget,
	}, &allocation)
	require.NoError(t, err)
	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())

	// One byte of extra reported usage pushes the same request over
	setup.AllocatorOptions.BudgetSource = &fakeBudgetSource{
		budgets: []driver.HeapBudget{
			{
				Usage:  700001,
				Budget: 800000,
			},
		},
	}
	_, allocator = readyAllocator(t, setup)

	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      100000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory | AllocationCreateWithinBudget,
	}, &allocation)
	require.Error(t, err)
	require.True(t, memutils.IsOutOfBudget(err))

	require.NoError(t, allocator.Destroy())
}

func TestHeapSizeLimit(t *testing.T) {
	setup := singleHeapSetup()
	setup.AllocatorOptions.HeapSizeLimits = []int{500000}
	_, allocator := readyAllocator(t, setup)

	var allocation Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      600000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory,
	}, &allocation)
	require.Error(t, err)
	require.True(t, memutils.IsOutOfDeviceMemory(err))

	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      400000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory,
	}, &allocation)
	require.NoError(t, err)

	require.NoError(t, allocation.Free())
	require.NoError(t, allocator.Destroy())
}

func TestHeapSizeLimitLengthValidated(t *testing.T) {
	setup := singleHeapSetup()
	setup.AllocatorOptions.HeapSizeLimits = []int{500000, 500000}

	provider := &fakeProvider{
		memoryProperties: driver.MemoryProperties{
			MemoryTypes: setup.MemoryTypes,
			MemoryHeaps: setup.MemoryHeaps,
		},
		deviceProperties:   driver.DeviceProperties{BufferImageGranularity: 1, NonCoherentAtomSize: 1},
		maxAllocationCount: 1 << 20,
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard))
	_, err := New(logger, provider, setup.AllocatorOptions)
	require.Error(t, err)
	require.True(t, memutils.IsInvalidArgument(err))
}

func TestMaxAllocationCount(t *testing.T) {
	setup := singleHeapSetup()
	setup.MaxAllocationCount = 1
	_, allocator := readyAllocator(t, setup)

	var first, second Allocation
	err := allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory,
	}, &first)
	require.NoError(t, err)

	err = allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{
		Flags: AllocationCreateDedicatedMemory,
	}, &second)
	require.Error(t, err)
	require.True(t, memutils.IsOutOfDeviceMemory(err))

	require.NoError(t, first.Free())
	require.NoError(t, allocator.Destroy())
}
