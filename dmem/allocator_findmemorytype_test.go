package dmem

import (
	"math"
	"testing"

	"github.com/rivermesh/devmem/driver"
	"github.com/rivermesh/devmem/memutils"
	"github.com/stretchr/testify/require"
)

var findMemoryTypeIndexTestCases = map[string]struct {
	MemoryTypeBits uint32
	Alloc          AllocationCreateInfo

	ExpectedIndex int
	ExpectError   bool
}{
	"TestNoConstraintsPicksFirst": {
		MemoryTypeBits: math.MaxUint32,
		Alloc:          AllocationCreateInfo{},
		ExpectedIndex:  0,
	},
	"TestRequiredDeviceLocal": {
		MemoryTypeBits: math.MaxUint32,
		Alloc: AllocationCreateInfo{
			RequiredFlags: driver.MemoryPropertyDeviceLocal,
		},
		ExpectedIndex: 1,
	},
	"TestRequiredHostVisibleCoherent": {
		MemoryTypeBits: math.MaxUint32,
		Alloc: AllocationCreateInfo{
			RequiredFlags: driver.MemoryPropertyHostVisible | driver.MemoryPropertyHostCoherent,
		},
		ExpectedIndex: 2,
	},
	"TestPreferredCachedBeatsUncached": {
		MemoryTypeBits: math.MaxUint32,
		Alloc: AllocationCreateInfo{
			RequiredFlags:  driver.MemoryPropertyHostVisible,
			PreferredFlags: driver.MemoryPropertyHostCached,
		},
		ExpectedIndex: 3,
	},
	"TestPreferredHostVisibleOnDeviceLocal": {
		MemoryTypeBits: math.MaxUint32,
		Alloc: AllocationCreateInfo{
			RequiredFlags:  driver.MemoryPropertyDeviceLocal,
			PreferredFlags: driver.MemoryPropertyHostVisible,
		},
		ExpectedIndex: 4,
	},
	"TestBannedTypesFallBackToBestCost": {
		MemoryTypeBits: ^uint32(1<<4 | 1<<5),
		Alloc: AllocationCreateInfo{
			RequiredFlags:  driver.MemoryPropertyDeviceLocal,
			PreferredFlags: driver.MemoryPropertyHostVisible,
		},
		ExpectedIndex: 1,
	},
	"TestCreateInfoMaskApplies": {
		MemoryTypeBits: math.MaxUint32,
		Alloc: AllocationCreateInfo{
			RequiredFlags:  driver.MemoryPropertyHostVisible,
			MemoryTypeBits: 1 << 3,
		},
		ExpectedIndex: 3,
	},
	"TestPartialPreferredTieGoesToLowestIndex": {
		MemoryTypeBits: math.MaxUint32,
		Alloc: AllocationCreateInfo{
			PreferredFlags: driver.MemoryPropertyHostCached | driver.MemoryPropertyLazilyAllocated,
		},
		ExpectedIndex: 3,
	},
	"TestImpossibleCombination": {
		MemoryTypeBits: math.MaxUint32,
		Alloc: AllocationCreateInfo{
			RequiredFlags: driver.MemoryPropertyLazilyAllocated | driver.MemoryPropertyHostVisible,
		},
		ExpectError: true,
	},
	"TestEmptyMask": {
		MemoryTypeBits: 0,
		Alloc:          AllocationCreateInfo{},
		ExpectError: true,
	},
}

func TestFindMemoryTypeIndex(t *testing.T) {
	_, allocator := readyAllocator(t, defaultAllocatorSetup())

	for testName, testCase := range findMemoryTypeIndexTestCases {
		testCase := testCase
		t.Run(testName, func(t *testing.T) {
			index, err := allocator.FindMemoryTypeIndex(testCase.MemoryTypeBits, testCase.Alloc)
			if testCase.ExpectError {
				require.Error(t, err)
				require.True(t, memutils.IsFeatureNotPresent(err))
				return
			}

			require.NoError(t, err)
			require.Equal(t, testCase.ExpectedIndex, index)
		})
	}

	require.NoError(t, allocator.Destroy())
}
