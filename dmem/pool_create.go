package dmem

import "github.com/rivermesh/devmem/memutils"

type PoolCreateFlags int32

var poolCreateFlagsMapping = memutils.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateIgnoreBufferImageGranularity indicates to the memory pool that you always allocate
	// only one resource kind out of this pool, so buffer-image granularity padding can be skipped.
	//
	// Without this flag, allocations made through the generic allocate methods are defensively
	// padded apart when their resource kinds might conflict on a granularity page. You can set
	// this flag to promise that every allocation in the pool shares one kind so that these
	// defensive measures are unnecessary. Allocations will be faster and more tightly packed
	PoolCreateIgnoreBufferImageGranularity PoolCreateFlags = 1 << iota
	// PoolCreateLinearAlgorithm enables an alternative, linear allocation algorithm in this pool.
	// The algorithm always creates new allocations after the last one and doesn't reuse space from
	// allocations freed in between. It trades memory consumption for a simplified algorithm and data
	// structure, which has better performance and uses less memory for metadata. This flag can be used
	// to achieve the behavior of free-at-once, stack, ring buffer, and double stack.
	//
	// A pool created with this flag may hold at most one block, so PoolCreateInfo.MaxBlockCount
	// must be 0 or 1
	PoolCreateLinearAlgorithm
	// PoolCreateBuddyAlgorithm enables a power-of-two buddy allocation algorithm in this pool.
	// Allocation sizes are rounded up to the next power of two, trading internal waste for
	// fast allocation and free with no fragmentation search. The pool's block size must be
	// a power of two.
	PoolCreateBuddyAlgorithm

	PoolCreateAlgorithmMask = PoolCreateLinearAlgorithm | PoolCreateBuddyAlgorithm
)

func init() {
	PoolCreateIgnoreBufferImageGranularity.Register("PoolCreateIgnoreBufferImageGranularity")
	PoolCreateLinearAlgorithm.Register("PoolCreateLinearAlgorithm")
	PoolCreateBuddyAlgorithm.Register("PoolCreateBuddyAlgorithm")
}
