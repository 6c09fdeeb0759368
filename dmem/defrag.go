package dmem

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/rivermesh/devmem/driver"
	"github.com/rivermesh/devmem/memutils"
	"github.com/rivermesh/devmem/memutils/defrag"
	"golang.org/x/exp/slog"
)

// DefragmentationInfo is used to specify options for a defragmentation run when populating a
// DefragmentationContext.
type DefragmentationInfo struct {
	// Flags selects the defragmentation algorithm. At most one algorithm flag may be set;
	// no flags selects defrag.AlgorithmBalanced.
	Flags defrag.DefragmentationFlags
	// Pool indicates a custom memory pool to defragment. This is usually nil, in which case the
	// Allocator's default pools will be defragmented
	Pool *Pool

	// MaxBytesPerPass is the maximum number of bytes to relocate in each pass. This can be used to restrict
	// the amount of compute and device bandwidth that will be spent on a single pass of the defragmentation
	// algorithm. If one pass is performed per frame (or some other mechanism to limit throughput), then the
	// amount of resources spent on the defragmentation process can be controlled.
	MaxBytesPerPass int
	// MaxAllocationsPerPass is the maximum number of Allocation objects to relocate in each pass. Since the number
	// of relocations is almost a direct proxy for the number of go allocations made, this is an important value
	// for managing go memory throughput and CPU usage spent on the defragmentation process.
	MaxAllocationsPerPass int
}

// DefragmentationContext is an object that represents a single run of the defragmentation algorithm, although
// that run will consist of multiple passes that may be spread out over an extended period of time. This object
// is populated by Allocator.BeginDefragmentation.
//
// Passes must be driven strictly in sequence: BeginDefragPass, then EndDefragPass, repeated until
// EndDefragPass returns true, then Finish. Calls made out of sequence fail with errors marked
// memutils.ErrInvalidState.
type DefragmentationContext struct {
	MaxPassBytes       int
	MaxPassAllocations int

	context           []defrag.MetadataDefragContext[Allocation]
	logger            *slog.Logger
	blockListProgress int
	pass              defrag.PassContext
	stats             defrag.DefragmentationStats
	passActive        bool
}

func (c *DefragmentationContext) init(o *DefragmentationInfo) error {
	c.MaxPassBytes = o.MaxBytesPerPass
	c.MaxPassAllocations = o.MaxAllocationsPerPass

	if c.MaxPassBytes == 0 {
		c.MaxPassBytes = math.MaxInt
	}

	if c.MaxPassAllocations == 0 {
		c.MaxPassAllocations = math.MaxInt
	}

	algorithm, err := defrag.AlgorithmFromFlags(o.Flags)
	if err != nil {
		return err
	}

	c.blockListProgress = 0
	c.stats = defrag.DefragmentationStats{}
	c.passActive = false

	for index := range c.context {
		if c.context[index].BlockList == nil {
			continue
		}

		c.context[index].Handler = c.completePassForMove
		c.context[index].Algorithm = algorithm

		err = c.context[index].Init()
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *DefragmentationContext) initForPool(pool *Pool, o *DefragmentationInfo) error {
	c.context = []defrag.MetadataDefragContext[Allocation]{
		{
			BlockList: &pool.blockList,
		},
	}
	c.logger = pool.logger
	pool.blockList.incrementalSort = false
	pool.blockList.SortByFreeSize()
	return c.init(o)
}

func (c *DefragmentationContext) initForAllocator(allocator *Allocator, o *DefragmentationInfo) error {
	c.context = make([]defrag.MetadataDefragContext[Allocation], driver.MaxMemoryTypes)
	c.logger = allocator.logger

	for index := range c.context {
		if allocator.memoryBlockLists[index] != nil {
			c.context[index].BlockList = allocator.memoryBlockLists[index]
			allocator.memoryBlockLists[index].incrementalSort = false
			allocator.memoryBlockLists[index].SortByFreeSize()
		}
	}

	return c.init(o)
}

// BeginDefragmentation prepares a defragmentation run over a single custom pool or, when
// o.Pool is nil, over all of the allocator's default pools. Incremental block sorting is
// suspended on the targeted block lists until DefragmentationContext.Finish is called.
func (a *Allocator) BeginDefragmentation(o DefragmentationInfo) (*DefragmentationContext, error) {
	a.logger.Debug("Allocator::BeginDefragmentation")

	context := &DefragmentationContext{}

	var err error
	if o.Pool != nil {
		err = context.initForPool(o.Pool, &o)
	} else {
		err = context.initForAllocator(a, &o)
	}
	if err != nil {
		return nil, err
	}

	return context, nil
}

// BeginDefragPass collects a number of relocations to be performed for a single pass of the defragmentation
// run and returns those relocations. Before returning, the Allocation objects being relocated
// (defrag.DefragmentationMove.SrcAllocation) will be write-locked, causing any device-memory-accessing
// method calls to block until EndDefragPass is called. Before calling EndDefragPass, the caller
// should copy the memory data from SrcAllocation to DstTmpAllocation and rebind any relevant resources
// to the DstTmpAllocation. If it is necessary to map SrcAllocation's memory in order to accomplish
// that, then MapSourceAllocation and UnmapSourceAllocation are available for use, since Allocation.Map
// will block forever.
//
// Alternatively, defrag.DefragmentationMove.MoveOperation can be set to defrag.DefragmentationMoveIgnore or
// defrag.DefragmentationMoveDestroy instead to prevent the relocation or simply destroy SrcAllocation without
// moving it.
func (c *DefragmentationContext) BeginDefragPass() ([]defrag.DefragmentationMove[Allocation], error) {
	if c.context == nil {
		return nil, errors.Mark(
			errors.New("this DefragmentationContext has not been populated by Allocator.BeginDefragmentation"),
			memutils.ErrInvalidState)
	}

	c.logger.Debug("DefragmentationContext::BeginDefragPass")
	if c.passActive {
		return nil, errors.Mark(
			errors.New("BeginDefragPass was called while another pass was still in flight"),
			memutils.ErrInvalidState)
	}

	c.pass = defrag.PassContext{
		MaxPassBytes:       c.MaxPassBytes,
		MaxPassAllocations: c.MaxPassAllocations,
	}

	var moves []defrag.DefragmentationMove[Allocation]

	for ; c.blockListProgress < len(c.context); c.blockListProgress++ {
		if c.context[c.blockListProgress].BlockList == nil {
			continue
		}

		budgetExhausted := c.context[c.blockListProgress].BlockListCollectMoves(&c.pass)
		moves = c.context[c.blockListProgress].Moves()

		if budgetExhausted || len(moves) > 0 {
			break
		}
	}

	for _, move := range moves {
		move.SrcAllocation.mapLock.Lock()
	}

	c.passActive = true
	return moves, nil
}

// EndDefragPass will complete the relocation of the allocations collected in BeginDefragPass, inject
// DstTmpAllocation's data into SrcAllocation (so the old Allocation object can continue to be used),
// release the write lock on SrcAllocation, and free the old memory that was relocated.
//
// This method may return any error that Allocation.Unmap does if any of the various Unmap operations
// it performs fail. Otherwise, it will return true if the defragmentation run has ended after this pass,
// or false if additional passes are necessary.
func (c *DefragmentationContext) EndDefragPass() (bool, error) {
	c.logger.Debug("DefragmentationContext::EndDefragPass")

	if !c.passActive {
		return false, errors.Mark(
			errors.New("EndDefragPass was called without a matching BeginDefragPass"),
			memutils.ErrInvalidState)
	}
	c.passActive = false

	if c.blockListProgress >= len(c.context) {
		return true, nil
	}

	if len(c.context[c.blockListProgress].Moves()) == 0 {
		return true, nil
	}

	err := c.context[c.blockListProgress].BlockListCompletePass(&c.pass)
	c.stats.Add(c.pass.Stats)

	return false, err
}

// Finish performs some vital cleanup duties after the last defragmentation pass has run. This
// should be called whenever EndDefragPass returns true.
func (c *DefragmentationContext) Finish(outStats *defrag.DefragmentationStats) error {
	c.logger.Debug("DefragmentationContext::Finish")

	if c.passActive {
		return errors.Mark(
			errors.New("Finish was called while a pass was still in flight"),
			memutils.ErrInvalidState)
	}

	if outStats != nil {
		*outStats = c.stats
	}

	for index := range c.context {
		if c.context[index].BlockList != nil {
			blockList := c.context[index].BlockList.(*memoryBlockList)
			blockList.incrementalSort = true
		}
	}

	return nil
}

func (c *DefragmentationContext) completePassForMove(move defrag.DefragmentationMove[Allocation]) error {
	switch move.MoveOperation {
	case defrag.DefragmentationMoveCopy:
		_, err := move.SrcAllocation.swapBlockAllocation(move.DstTmpAllocation)
		move.SrcAllocation.mapLock.Unlock()
		if err != nil {
			return err
		}

	case defrag.DefragmentationMoveDestroy:
		move.SrcAllocation.mapLock.Unlock()
		err := move.SrcAllocation.free()
		if err != nil {
			panic(fmt.Sprintf("failed to free source allocation on Destroy move: %+v", err))
		}
	default:
		move.SrcAllocation.mapLock.Unlock()
	}

	err := move.DstTmpAllocation.free()
	if err != nil {
		panic(fmt.Sprintf("failed to free temporary defrag allocation: %+v", err))
	}

	return nil
}

// MapSourceAllocation is roughly equivalent to calling Allocation.Map- however, Allocation.Map cannot be called
// on an Allocation object in the midst of being relocated as part of a defragmentation pass, because
// a write lock has been taken out on the Allocation. If it is necessary to map data as part of the relocation
// process, use this method. Because this ignores Allocation thread-safety primitives, calling this on
// an Allocation that is not currently being relocated by this DefragmentationContext is dangerous.
func (c *DefragmentationContext) MapSourceAllocation(alloc *Allocation) (unsafe.Pointer, error) {
	return alloc.mapUnsynchronized()
}

// UnmapSourceAllocation should be called after MapSourceAllocation to clean up the mapping
func (c *DefragmentationContext) UnmapSourceAllocation(alloc *Allocation) error {
	alloc.mapCount--
	return alloc.memory.Unmap(1)
}
