package metadata

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/rivermesh/devmem/memutils"
	"golang.org/x/exp/slog"
)

// BlockMetadata manages the address space of a single large block of memory
// within some memory system. It decides where suballocations are placed,
// frees them, and can enumerate and query the live set. Implementations are
// not synchronized; the consumer guards each metadata with the lock of
// whatever owns the block.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It gives the implementation an opportunity
	// to prepare internal structures for allocations, and informs the implementation of the size in
	// bytes of the block of memory it will be managing, via the size parameter.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int
	// SupportsRandomAccess returns a boolean indicating whether the implementation allows allocations
	// to be made in arbitrary sections of the managed block, or whether the implementation demands
	// that allocation offsets be deterministic. The two-level segregated fit and buddy implementations
	// allow random access, while the linear (stack and ring buffer) implementation does not.
	// This method must return true for the block to be used with the memutils/defrag package.
	SupportsRandomAccess() bool

	// Validate performs internal consistency checks on the metadata. These checks may be expensive,
	// depending on the implementation. When the implementation is functioning correctly, it should not
	// be possible for this method to return an error.
	Validate() error
	// AllocationCount returns the number of suballocations currently live in the implementation.
	AllocationCount() int
	// FreeRegionsCount returns the number of unique regions of free memory in the block. Adjacent
	// regions of free memory are counted (or merged) as a single region.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block.
	SumFreeSize() int
	// MayHaveFreeBlock returns a heuristic indicating whether the block could possibly support a new
	// allocation of the provided type and size. The implementation must be fast and must not produce
	// false negatives. False positives are acceptable.
	MayHaveFreeBlock(allocType uint32, size int) bool

	// IsEmpty will return true if this block has no live suballocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free region in
	// the block. Depending on implementation, this can be extremely slow and should generally not
	// be done except for diagnostic purposes.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error
	// AllocationListBegin will retrieve the handle of the very first allocation in the block, if any.
	// If none exist, the BlockAllocationHandle value NoAllocation will be returned.
	//
	// The implementation must return an error if SupportsRandomAccess() returns false.
	AllocationListBegin() (BlockAllocationHandle, error)
	// FindNextAllocation accepts a BlockAllocationHandle that maps to a live allocation within the block
	// and returns the handle for the next live allocation within the block, if any. If none exist, the
	// BlockAllocationHandle value NoAllocation will be returned.
	//
	// The implementation must return an error if SupportsRandomAccess() returns false. It must also
	// return an error if the provided allocHandle does not map to a live allocation within this block.
	FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error)
	// FindNextFreeRegionSize accepts a BlockAllocationHandle that maps to a live allocation within the
	// block and returns the size of the free region immediately before it, if any.
	FindNextFreeRegionSize(allocHandle BlockAllocationHandle) (int, error)

	// AllocationOffset accepts a BlockAllocationHandle that maps to a live region of memory
	// (allocated or free) within the block and returns the offset in bytes within the block for that
	// region of memory.
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the block
	// and returns the userdata value provided by the consumer for that allocation.
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	// SetAllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the
	// block and a userData value. The allocation's userData is changed to the provided userData.
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations and resets the metadata to its initial state
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json jwriter.ObjectState)
	// DebugLogAllAllocations calls logFunc once for every live allocation in the block. It is used
	// to report leaked allocations when a block is torn down.
	DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any))

	// CheckCorruption accepts a pointer to the underlying memory that this block manages. It will return
	// nil if anti-corruption memory markers are present for every suballocation in the block. This method
	// is fairly expensive and so should only be run as part of some sort of diagnostic regime.
	//
	// Bear in mind that anti-corruption memory markers are only written when memutils is built with
	// the build flag `debug_mem_utils`. This method will not return an error when that flag is not present,
	// but it is expensive regardless of build flags and so should only be run when memutils.DebugMargin
	// is not 0.
	//
	// Additionally, it is the responsibility of consumers to write the debug markers themselves after
	// allocation, by calling memutils.WriteMagicValue with the same pointer sent to CheckCorruption.
	CheckCorruption(blockData unsafe.Pointer) error

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where and how the
	// implementation would prefer to allocate the requested memory. That object can be passed to Alloc
	// to commit the allocation.
	//
	// allocSize - the size in bytes of the requested allocation
	// allocAlignment - the minimum alignment of the requested allocation. The implementation may
	// increase the alignment above this value, but may not reduce it below this value
	// upperAddress - In implementations that split the memory block into two tranches (such as
	// LinearBlockMetadata and its double stack mode), this parameter indicates that the allocation
	// should be made in the upper tranche. When there is only a single tranche of memory in the
	// implementation, the implementation should return an error when this argument is true.
	// allocType - Memory-system-dependent allocation type value. The consumer may care about this.
	// Implementations usually have a consumer-provided "granularity handler" which may care about this.
	// strategy - Whether to prioritize memory usage, memory offset, or allocation speed when choosing
	// a place for the requested allocation.
	// maxOffset - This parameter should usually be math.MaxInt. The requested allocation must fail
	// if the allocation cannot be placed at an offset before the provided maxOffset. This is primarily
	// used by memutils/defrag to make relocating an allocation within a block more performant.
	CreateAllocationRequest(
		allocSize int, allocAlignment uint,
		upperAddress bool,
		allocType uint32,
		strategy AllocationStrategy,
		maxOffset int,
	) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, creating the suballocation within the block based
	// on the data described in the AllocationRequest. The implementation must return an error if the
	// allocation is no longer valid- i.e. the requested free region no longer exists, is not free,
	// offset has changed, is no longer large enough to support the request, etc.
	Alloc(request AllocationRequest, allocType uint32, userData any) error

	// Free frees a suballocation within the block, causing it to become a free region once again.
	//
	// The implementation must return an error if the provided handle does not map to a live allocation
	// within this block.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size                  int
	allocationGranularity int
	granularityHandler    GranularityCheck
}

// NewBlockMetadata creates a new BlockMetadataBase from a granularity value and handler. These
// are memory-system-specific and should have been provided by the consumer. See GranularityCheck
// for more information. If your memory system does not have granularity requirements,
// then allocationGranularity should be 1.
func NewBlockMetadata(allocationGranularity int, granularityHandler GranularityCheck) BlockMetadataBase {
	return BlockMetadataBase{
		size:                  0,
		allocationGranularity: allocationGranularity,
		granularityHandler:    granularityHandler,
	}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// WriteBlockJson populates a json object with shared header information about this block
func (m *BlockMetadataBase) WriteBlockJson(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
