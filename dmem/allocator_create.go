package dmem

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/rivermesh/devmem/dmem/internal/device"
	"github.com/rivermesh/devmem/dmem/internal/utils"
	"github.com/rivermesh/devmem/driver"
	"github.com/rivermesh/devmem/memutils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = memutils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

const (
	// defaultLargeHeapBlockSize is the value that is used as the PreferredLargeHeapBlockSize when none
	// is provided via CreateOptions. It is equal to 256Mb.
	defaultLargeHeapBlockSize int = 256 * 1024 * 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PreferredLargeHeapBlockSize is the block size to use when allocating from heaps larger
	// than a gigabyte
	PreferredLargeHeapBlockSize int

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when device memory
	// is allocated from this allocator. It can be helpful in cases when the consumer requires allocator-
	// level info about allocated memory
	MemoryCallbackOptions *MemoryCallbackOptions

	// BudgetSource is an optional object that reports live heap usage and budget, usually by
	// querying the OS or driver. When left nil, budgets are estimated from the allocator's own
	// accounting instead.
	BudgetSource driver.BudgetSource

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps reported by the Provider
	// used to create this Allocator. Each entry must be either the maximum number of bytes
	// that should be allocated from the corresponding device memory heap, or 0 indicating
	// no limit.
	//
	// Heap memory limits will be enforced at runtime (the allocator will go so far as to
	// return an out of memory error when attempting to allocate beyond the limit).
	HeapSizeLimits []int
}

// New creates a new Allocator
//
// provider - The device memory interface that blocks will be allocated through
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, provider driver.Provider, options CreateOptions) (*Allocator, error) {
	if provider == nil {
		return nil, errors.Mark(
			errors.New("attempted to create an allocator with a nil provider"),
			memutils.ErrInvalidArgument)
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		useMutex: useMutex,
		logger:   logger,

		createFlags: options.Flags,
		poolsMutex:  utils.OptionalRWMutex{UseMutex: useMutex},
	}

	if options.PreferredLargeHeapBlockSize == 0 {
		allocator.preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	} else {
		allocator.preferredLargeHeapBlockSize = options.PreferredLargeHeapBlockSize
	}

	var err error
	allocator.deviceMemory, err = device.NewDeviceMemoryProperties(
		useMutex,
		&memoryCallbacks{
			Callbacks: options.MemoryCallbackOptions,
			Allocator: allocator,
		},
		provider,
		options.BudgetSource,
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	allocator.globalMemoryTypeBits = allocator.deviceMemory.CalculateGlobalMemoryTypeBits()

	// Initialize memory block lists
	typeCount := allocator.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		if allocator.globalMemoryTypeBits&(1<<typeIndex) != 0 {
			preferredBlockSize := allocator.calculatePreferredBlockSize(typeIndex)
			allocator.memoryBlockLists[typeIndex] = &memoryBlockList{}

			allocator.memoryBlockLists[typeIndex].Init(
				useMutex,
				allocator,
				nil,
				typeIndex,
				preferredBlockSize,
				0,
				math.MaxInt,
				allocator.deviceMemory.BufferImageGranularity(),
				false,
				0,
				0.5,
				allocator.deviceMemory.MemoryTypeMinimumAlignment(typeIndex),
			)

			allocator.dedicatedAllocations[typeIndex] = &dedicatedAllocationList{}
			allocator.dedicatedAllocations[typeIndex].Init(useMutex)
		}
	}

	return allocator, nil
}

const (
	smallHeapMaxSize int = 1024 * 1024 * 1024 // 1 GB
)

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := a.deviceMemory.MemoryHeapProperties(heapIndex).Size
	rawSize := a.preferredLargeHeapBlockSize
	if heapSize <= smallHeapMaxSize {
		rawSize = heapSize / 8
	}

	return memutils.AlignUp(rawSize, 32)
}
