package dmem

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/rivermesh/devmem/memutils"
	"github.com/rivermesh/devmem/memutils/metadata"
	"golang.org/x/exp/slog"
)

// VirtualBlockCreateFlags alter the behavior of a VirtualBlock when passed to NewVirtualBlock
type VirtualBlockCreateFlags int32

var virtualBlockCreateFlagsMapping = memutils.NewFlagStringMapping[VirtualBlockCreateFlags]()

func (f VirtualBlockCreateFlags) Register(str string) {
	virtualBlockCreateFlagsMapping.Register(f, str)
}
func (f VirtualBlockCreateFlags) String() string {
	return virtualBlockCreateFlagsMapping.FlagsToString(f)
}

const (
	// VirtualBlockCreateLinearAlgorithm enables the linear allocation algorithm in this block,
	// which can operate as a stack, double stack, or ring buffer depending on usage. It tends
	// to be faster than the default free-list algorithm, but frees must roughly follow
	// allocation order for space to be reclaimed.
	VirtualBlockCreateLinearAlgorithm VirtualBlockCreateFlags = 1 << iota
	// VirtualBlockCreateBuddyAlgorithm enables the power-of-two buddy allocation algorithm
	// in this block. Offsets and sizes are managed in power-of-two chunks, which makes
	// allocation and free very fast but wastes memory on non-power-of-two requests.
	VirtualBlockCreateBuddyAlgorithm

	VirtualBlockCreateAlgorithmMask = VirtualBlockCreateLinearAlgorithm | VirtualBlockCreateBuddyAlgorithm
)

func init() {
	VirtualBlockCreateLinearAlgorithm.Register("VirtualBlockCreateLinearAlgorithm")
	VirtualBlockCreateBuddyAlgorithm.Register("VirtualBlockCreateBuddyAlgorithm")
}

// VirtualAllocationCreateFlags alter the behavior of a single virtual allocation
type VirtualAllocationCreateFlags int32

var virtualAllocationCreateFlagsMapping = memutils.NewFlagStringMapping[VirtualAllocationCreateFlags]()

func (f VirtualAllocationCreateFlags) Register(str string) {
	virtualAllocationCreateFlagsMapping.Register(f, str)
}
func (f VirtualAllocationCreateFlags) String() string {
	return virtualAllocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// VirtualAllocationCreateUpperAddress places the allocation in the upper tranche of a
	// double stack. It is only valid in blocks created with VirtualBlockCreateLinearAlgorithm.
	VirtualAllocationCreateUpperAddress = VirtualAllocationCreateFlags(AllocationCreateUpperAddress)
	// VirtualAllocationCreateStrategyMinMemory selects the allocation strategy that chooses the
	// smallest-possible free range for the allocation to minimize fragmentation
	VirtualAllocationCreateStrategyMinMemory = VirtualAllocationCreateFlags(AllocationCreateStrategyMinMemory)
	// VirtualAllocationCreateStrategyMinTime selects the allocation strategy that chooses the
	// first suitable free range to minimize allocation time
	VirtualAllocationCreateStrategyMinTime = VirtualAllocationCreateFlags(AllocationCreateStrategyMinTime)
	// VirtualAllocationCreateStrategyMinOffset selects the allocation strategy that chooses the
	// lowest available offset to keep data highly packed
	VirtualAllocationCreateStrategyMinOffset = VirtualAllocationCreateFlags(AllocationCreateStrategyMinOffset)

	VirtualAllocationCreateStrategyMask = VirtualAllocationCreateStrategyMinMemory |
		VirtualAllocationCreateStrategyMinTime |
		VirtualAllocationCreateStrategyMinOffset
)

func init() {
	VirtualAllocationCreateUpperAddress.Register("VirtualAllocationCreateUpperAddress")
	VirtualAllocationCreateStrategyMinMemory.Register("VirtualAllocationCreateStrategyMinMemory")
	VirtualAllocationCreateStrategyMinTime.Register("VirtualAllocationCreateStrategyMinTime")
	VirtualAllocationCreateStrategyMinOffset.Register("VirtualAllocationCreateStrategyMinOffset")
}

// VirtualBlockCreateInfo contains the options used to build a new VirtualBlock
type VirtualBlockCreateInfo struct {
	// Size is the size of the address space managed by the block, in whatever unit the
	// consumer chooses to track
	Size int

	Flags VirtualBlockCreateFlags
}

// VirtualAllocationCreateInfo contains the options used to make a single allocation
// from a VirtualBlock
type VirtualAllocationCreateInfo struct {
	// Size is the size of the requested allocation
	Size int
	// Alignment is the minimum alignment of the requested allocation's offset. 0 is
	// interpreted as 1, i.e. no alignment requirement.
	Alignment uint

	Flags VirtualAllocationCreateFlags

	// UserData is an arbitrary value stored with the allocation, retrievable via
	// VirtualBlock.AllocationInfo
	UserData any
}

// VirtualAllocationInfo describes a single live allocation within a VirtualBlock
type VirtualAllocationInfo struct {
	// Offset is the offset of the allocation within the block
	Offset int
	// Size is the size that was requested for this allocation
	Size int

	UserData any
}

// VirtualBlock carves a caller-defined address space into suballocations without any
// device memory behind it. The consumer receives offsets and is responsible for applying
// them to whatever resource the block represents.
//
// VirtualBlock is not internally synchronized. Consumers sharing one across goroutines
// must provide their own synchronization.
type VirtualBlock struct {
	logger   *slog.Logger
	metadata metadata.BlockMetadata

	granularityHandler BlockBufferImageGranularity
	allocationSizes    *swiss.Map[metadata.BlockAllocationHandle, int]
}

// NewVirtualBlock creates a VirtualBlock that manages createInfo.Size units of address
// space with the algorithm selected by createInfo.Flags. When no algorithm flag is set,
// the free-list algorithm is used.
func NewVirtualBlock(logger *slog.Logger, createInfo VirtualBlockCreateInfo) (*VirtualBlock, error) {
	if createInfo.Size < 1 {
		return nil, errors.Mark(
			errors.Newf("attempted to create a virtual block of invalid size %d", createInfo.Size),
			memutils.ErrInvalidArgument)
	}

	algorithm := createInfo.Flags & VirtualBlockCreateAlgorithmMask
	if algorithm != 0 && algorithm&(algorithm-1) != 0 {
		return nil, errors.Mark(
			errors.Newf("more than one algorithm flag was set: %s", algorithm.String()),
			memutils.ErrInvalidArgument)
	}

	block := &VirtualBlock{
		logger:          logger,
		allocationSizes: swiss.NewMap[metadata.BlockAllocationHandle, int](42),
	}

	switch algorithm {
	case VirtualBlockCreateLinearAlgorithm:
		block.metadata = metadata.NewLinearBlockMetadata(1, &block.granularityHandler)
	case VirtualBlockCreateBuddyAlgorithm:
		err := memutils.CheckPow2(createInfo.Size, "createInfo.Size")
		if err != nil {
			return nil, errors.Mark(err, memutils.ErrInvalidArgument)
		}
		block.metadata = metadata.NewBuddyBlockMetadata(1, &block.granularityHandler)
	default:
		block.metadata = metadata.NewTLSFBlockMetadata(1, &block.granularityHandler)
	}

	block.metadata.Init(createInfo.Size)

	return block, nil
}

// Destroy tears the block down. It returns an error marked memutils.ErrInvalidState if
// any allocations are still live, after logging each of them.
func (b *VirtualBlock) Destroy() error {
	b.logger.Debug("VirtualBlock::Destroy")

	if !b.metadata.IsEmpty() {
		b.metadata.DebugLogAllAllocations(b.logger, logVirtualAllocation)
		return errors.Mark(
			errors.New("attempted to destroy a virtual block with allocations still live"),
			memutils.ErrInvalidState)
	}

	return nil
}

func logVirtualAllocation(log *slog.Logger, offset int, size int, userData any) {
	log.Error("unfreed virtual allocation",
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", userData),
	)
}

// IsEmpty returns true when the block has no live allocations
func (b *VirtualBlock) IsEmpty() bool {
	return b.metadata.IsEmpty()
}

// Allocate carves a region of the requested size and alignment out of the block's address
// space and returns a handle for it. An error marked memutils.ErrOutOfDeviceMemory is
// returned when no suitable free region exists.
func (b *VirtualBlock) Allocate(o VirtualAllocationCreateInfo) (metadata.BlockAllocationHandle, error) {
	b.logger.Debug("VirtualBlock::Allocate")

	if o.Size < 1 {
		return metadata.NoAllocation, errors.Mark(
			errors.Newf("attempted to make a virtual allocation of invalid size %d", o.Size),
			memutils.ErrInvalidArgument)
	}

	alignment := o.Alignment
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "o.Alignment")
	if err != nil {
		return metadata.NoAllocation, errors.Mark(err, memutils.ErrInvalidArgument)
	}

	upperAddress := o.Flags&VirtualAllocationCreateUpperAddress != 0

	var strategy metadata.AllocationStrategy
	if o.Flags&VirtualAllocationCreateStrategyMinMemory != 0 {
		strategy |= metadata.AllocationStrategyMinMemory
	}
	if o.Flags&VirtualAllocationCreateStrategyMinTime != 0 {
		strategy |= metadata.AllocationStrategyMinTime
	}
	if o.Flags&VirtualAllocationCreateStrategyMinOffset != 0 {
		strategy |= metadata.AllocationStrategyMinOffset
	}

	success, request, err := b.metadata.CreateAllocationRequest(
		o.Size, alignment,
		upperAddress,
		uint32(SuballocationUnknown),
		strategy,
		math.MaxInt,
	)
	if err != nil {
		return metadata.NoAllocation, err
	} else if !success {
		return metadata.NoAllocation, errors.Mark(
			errors.Newf("no free region of the virtual block can hold %d bytes at alignment %d", o.Size, alignment),
			memutils.ErrOutOfDeviceMemory)
	}

	err = b.metadata.Alloc(request, uint32(SuballocationUnknown), o.UserData)
	if err != nil {
		return metadata.NoAllocation, err
	}

	b.allocationSizes.Put(request.BlockAllocationHandle, o.Size)

	return request.BlockAllocationHandle, nil
}

// Free returns the region identified by allocHandle to the block's free space
func (b *VirtualBlock) Free(allocHandle metadata.BlockAllocationHandle) error {
	b.logger.Debug("VirtualBlock::Free")

	err := b.metadata.Free(allocHandle)
	if err != nil {
		return err
	}

	b.allocationSizes.Delete(allocHandle)
	return nil
}

// Clear instantly frees every allocation in the block
func (b *VirtualBlock) Clear() {
	b.logger.Debug("VirtualBlock::Clear")

	b.metadata.Clear()
	b.allocationSizes = swiss.NewMap[metadata.BlockAllocationHandle, int](42)
}

// AllocationInfo retrieves the offset, requested size, and userData of a live allocation
func (b *VirtualBlock) AllocationInfo(allocHandle metadata.BlockAllocationHandle) (VirtualAllocationInfo, error) {
	var info VirtualAllocationInfo

	offset, err := b.metadata.AllocationOffset(allocHandle)
	if err != nil {
		return info, err
	}

	userData, err := b.metadata.AllocationUserData(allocHandle)
	if err != nil {
		return info, err
	}

	size, ok := b.allocationSizes.Get(allocHandle)
	if !ok {
		return info, errors.Newf("received a handle that does not map to a live allocation: 0x%x", allocHandle)
	}

	info.Offset = offset
	info.Size = size
	info.UserData = userData
	return info, nil
}

// SetAllocationUserData replaces the userData value of a live allocation
func (b *VirtualBlock) SetAllocationUserData(allocHandle metadata.BlockAllocationHandle, userData any) error {
	return b.metadata.SetAllocationUserData(allocHandle, userData)
}

// Statistics sums the fast-path statistics of the block into the provided object
func (b *VirtualBlock) Statistics(stats *memutils.Statistics) {
	b.logger.Debug("VirtualBlock::Statistics")

	stats.Clear()
	b.metadata.AddStatistics(stats)
}

// CalculateDetailedStatistics walks the block's regions to compute min/max allocation
// and free-range sizes. This is considerably slower than Statistics.
func (b *VirtualBlock) CalculateDetailedStatistics(stats *memutils.DetailedStatistics) {
	b.logger.Debug("VirtualBlock::CalculateDetailedStatistics")

	stats.Clear()
	b.metadata.AddDetailedStatistics(stats)
}

// BuildStatsString writes a json report of the block and every allocation in it
func (b *VirtualBlock) BuildStatsString(writer *jwriter.Writer) {
	b.logger.Debug("VirtualBlock::BuildStatsString")

	obj := writer.Object()

	var stats memutils.DetailedStatistics
	b.CalculateDetailedStatistics(&stats)
	statsObj := obj.Name("Stats").Object()
	stats.PrintJson(&statsObj)
	statsObj.End()

	b.metadata.BlockJsonData(obj)
	b.printAllocations(obj)

	obj.End()
}

func (b *VirtualBlock) printAllocations(json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = b.metadata.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			regionObj := arrayState.Object()
			defer regionObj.End()

			regionObj.Name("Offset").Int(offset)
			regionObj.Name("Size").Int(size)
			if free {
				regionObj.Name("Type").String(SuballocationFree.String())
			} else if userData != nil {
				regionObj.Name("CustomData").String(fmt.Sprintf("%+v", userData))
			}

			return nil
		})
}
