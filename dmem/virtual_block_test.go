package dmem

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/rivermesh/devmem/memutils"
	"github.com/rivermesh/devmem/memutils/metadata"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func readyVirtualBlock(t *testing.T, createInfo VirtualBlockCreateInfo) *VirtualBlock {
	logger := slog.New(slog.NewJSONHandler(io.Discard))
	block, err := NewVirtualBlock(logger, createInfo)
	require.NoError(t, err)
	return block
}

func TestVirtualBlockCreateFailures(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard))

	_, err := NewVirtualBlock(logger, VirtualBlockCreateInfo{Size: 0})
	require.Error(t, err)
	require.True(t, memutils.IsInvalidArgument(err))

	_, err = NewVirtualBlock(logger, VirtualBlockCreateInfo{
		Size:  65536,
		Flags: VirtualBlockCreateLinearAlgorithm | VirtualBlockCreateBuddyAlgorithm,
	})
	require.Error(t, err)
	require.True(t, memutils.IsInvalidArgument(err))

	_, err = NewVirtualBlock(logger, VirtualBlockCreateInfo{
		Size:  60000,
		Flags: VirtualBlockCreateBuddyAlgorithm,
	})
	require.Error(t, err)
	require.True(t, memutils.IsInvalidArgument(err))
}

func TestVirtualBlockAllocateAndFree(t *testing.T) {
	block := readyVirtualBlock(t, VirtualBlockCreateInfo{Size: 65536})

	require.True(t, block.IsEmpty())

	firstAlloc, err := block.Allocate(VirtualAllocationCreateInfo{
		Size:     1000,
		UserData: "first",
	})
	require.NoError(t, err)

	secondAlloc, err := block.Allocate(VirtualAllocationCreateInfo{
		Size:      2000,
		Alignment: 256,
		UserData:  "second",
	})
	require.NoError(t, err)

	require.False(t, block.IsEmpty())

	firstInfo, err := block.AllocationInfo(firstAlloc)
	require.NoError(t, err)
	require.Equal(t, 1000, firstInfo.Size)
	require.Equal(t, "first", firstInfo.UserData)

	secondInfo, err := block.AllocationInfo(secondAlloc)
	require.NoError(t, err)
	require.Equal(t, 2000, secondInfo.Size)
	require.Zero(t, secondInfo.Offset%256)

	// The regions can't overlap
	if firstInfo.Offset < secondInfo.Offset {
		require.LessOrEqual(t, firstInfo.Offset+1000, secondInfo.Offset)
	} else {
		require.LessOrEqual(t, secondInfo.Offset+2000, firstInfo.Offset)
	}

	require.NoError(t, block.Free(firstAlloc))
	require.NoError(t, block.Free(secondAlloc))
	require.True(t, block.IsEmpty())
	require.NoError(t, block.Destroy())
}

func TestVirtualBlockInvalidRequests(t *testing.T) {
	block := readyVirtualBlock(t, VirtualBlockCreateInfo{Size: 65536})

	_, err := block.Allocate(VirtualAllocationCreateInfo{Size: 0})
	require.Error(t, err)
	require.True(t, memutils.IsInvalidArgument(err))

	_, err = block.Allocate(VirtualAllocationCreateInfo{
		Size:      1000,
		Alignment: 3,
	})
	require.Error(t, err)
	require.True(t, memutils.IsInvalidArgument(err))

	require.NoError(t, block.Destroy())
}

func TestVirtualBlockExhaustion(t *testing.T) {
	block := readyVirtualBlock(t, VirtualBlockCreateInfo{Size: 1024})

	firstAlloc, err := block.Allocate(VirtualAllocationCreateInfo{Size: 600})
	require.NoError(t, err)

	_, err = block.Allocate(VirtualAllocationCreateInfo{Size: 600})
	require.Error(t, err)
	require.True(t, memutils.IsOutOfDeviceMemory(err))

	require.NoError(t, block.Free(firstAlloc))

	// Freed space is reusable
	_, err = block.Allocate(VirtualAllocationCreateInfo{Size: 600})
	require.NoError(t, err)

	block.Clear()
	require.True(t, block.IsEmpty())
	require.NoError(t, block.Destroy())
}

func TestVirtualBlockSetUserData(t *testing.T) {
	block := readyVirtualBlock(t, VirtualBlockCreateInfo{Size: 65536})

	alloc, err := block.Allocate(VirtualAllocationCreateInfo{
		Size:     1000,
		UserData: "before",
	})
	require.NoError(t, err)

	require.NoError(t, block.SetAllocationUserData(alloc, "after"))

	info, err := block.AllocationInfo(alloc)
	require.NoError(t, err)
	require.Equal(t, "after", info.UserData)

	require.NoError(t, block.Free(alloc))
	require.NoError(t, block.Destroy())
}

func TestVirtualBlockDestroyWithLiveAllocations(t *testing.T) {
	block := readyVirtualBlock(t, VirtualBlockCreateInfo{Size: 65536})

	alloc, err := block.Allocate(VirtualAllocationCreateInfo{Size: 1000})
	require.NoError(t, err)

	err = block.Destroy()
	require.Error(t, err)
	require.True(t, memutils.IsInvalidState(err))

	require.NoError(t, block.Free(alloc))
	require.NoError(t, block.Destroy())
}

func TestVirtualBlockLinearAlgorithm(t *testing.T) {
	block := readyVirtualBlock(t, VirtualBlockCreateInfo{
		Size:  65536,
		Flags: VirtualBlockCreateLinearAlgorithm,
	})

	var offsets []int
	var handles []metadata.BlockAllocationHandle
	for i := 0; i < 3; i++ {
		alloc, err := block.Allocate(VirtualAllocationCreateInfo{Size: 1000})
		require.NoError(t, err)
		handles = append(handles, alloc)

		info, err := block.AllocationInfo(alloc)
		require.NoError(t, err)
		offsets = append(offsets, info.Offset)
	}

	require.Less(t, offsets[0], offsets[1])
	require.Less(t, offsets[1], offsets[2])

	// The upper stack grows down from the end of the block
	upperAlloc, err := block.Allocate(VirtualAllocationCreateInfo{
		Size:  1000,
		Flags: VirtualAllocationCreateUpperAddress,
	})
	require.NoError(t, err)

	upperInfo, err := block.AllocationInfo(upperAlloc)
	require.NoError(t, err)
	require.Greater(t, upperInfo.Offset, offsets[2])

	require.NoError(t, block.Free(upperAlloc))
	for i := len(handles) - 1; i >= 0; i-- {
		require.NoError(t, block.Free(handles[i]))
	}
	require.NoError(t, block.Destroy())
}

func TestVirtualBlockUpperAddressRequiresLinear(t *testing.T) {
	block := readyVirtualBlock(t, VirtualBlockCreateInfo{Size: 65536})

	_, err := block.Allocate(VirtualAllocationCreateInfo{
		Size:  1000,
		Flags: VirtualAllocationCreateUpperAddress,
	})
	require.Error(t, err)

	require.NoError(t, block.Destroy())
}

func TestVirtualBlockBuddyAlgorithm(t *testing.T) {
	block := readyVirtualBlock(t, VirtualBlockCreateInfo{
		Size:  65536,
		Flags: VirtualBlockCreateBuddyAlgorithm,
	})

	firstAlloc, err := block.Allocate(VirtualAllocationCreateInfo{Size: 5000})
	require.NoError(t, err)
	secondAlloc, err := block.Allocate(VirtualAllocationCreateInfo{Size: 5000})
	require.NoError(t, err)

	firstInfo, err := block.AllocationInfo(firstAlloc)
	require.NoError(t, err)
	secondInfo, err := block.AllocationInfo(secondAlloc)
	require.NoError(t, err)

	// 5000-byte requests occupy 8192-byte buddy chunks
	require.Zero(t, firstInfo.Offset%8192)
	require.Zero(t, secondInfo.Offset%8192)
	require.NotEqual(t, firstInfo.Offset, secondInfo.Offset)

	require.NoError(t, block.Free(firstAlloc))
	require.NoError(t, block.Free(secondAlloc))
	require.NoError(t, block.Destroy())
}

func TestVirtualBlockStatistics(t *testing.T) {
	block := readyVirtualBlock(t, VirtualBlockCreateInfo{Size: 65536})

	for i := 0; i < 3; i++ {
		_, err := block.Allocate(VirtualAllocationCreateInfo{Size: 1000})
		require.NoError(t, err)
	}

	var stats memutils.Statistics
	block.Statistics(&stats)
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 65536, stats.BlockBytes)
	require.Equal(t, 3000, stats.AllocationBytes)

	var detailed memutils.DetailedStatistics
	block.CalculateDetailedStatistics(&detailed)
	require.Equal(t, stats, detailed.Statistics)
	require.Equal(t, 1000, detailed.AllocationSizeMin)
	require.Equal(t, 1000, detailed.AllocationSizeMax)

	writer := jwriter.NewWriter()
	block.BuildStatsString(&writer)
	require.NoError(t, writer.Error())
	require.True(t, json.Valid(writer.Bytes()))

	block.Clear()
	require.NoError(t, block.Destroy())
}
