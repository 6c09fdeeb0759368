package metadata

import (
	"math/bits"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/rivermesh/devmem/memutils"
	"golang.org/x/exp/slog"
)

// BuddyMinNodeSize is the smallest node a BuddyBlockMetadata will carve. Requests below this
// size are rounded up to it.
const BuddyMinNodeSize = 64

type buddyNode struct {
	order    int
	free     bool
	userData any
	// usedSize is the granularity-rounded request size, which may be smaller than the node.
	// The anti-corruption marker, when present, sits at offset+usedSize.
	usedSize  int
	allocType uint32
}

// BuddyBlockMetadata is a BlockMetadata implementation that manages the block as a binary
// buddy system: every node is a power-of-two size, nodes split in half to satisfy smaller
// requests, and a freed node coalesces with its buddy when both halves are free. Allocation
// and free are O(log n) with very cheap merges, at the cost of internal fragmentation from
// rounding request sizes up to a power of two.
//
// If the block size is not a power of two, only the largest power-of-two prefix is usable.
// The remainder is reported as a permanent unused range.
type BuddyBlockMetadata struct {
	BlockMetadataBase

	usableSize int
	minOrder   int
	maxOrder   int

	// freeLists[order] holds offsets of free nodes of that order
	freeLists [][]int
	// nodes tracks every live node, free or taken, by offset
	nodes *swiss.Map[int, *buddyNode]

	sumFree    int
	allocCount int
}

var _ BlockMetadata = &BuddyBlockMetadata{}

func NewBuddyBlockMetadata(allocationGranularity int, granularityHandler GranularityCheck) *BuddyBlockMetadata {
	return &BuddyBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(allocationGranularity, granularityHandler),
	}
}

func orderSize(order int) int {
	return BuddyMinNodeSize << order
}

func (m *BuddyBlockMetadata) orderForSize(size int) int {
	if size <= BuddyMinNodeSize {
		return 0
	}

	order := bits.Len(uint(size-1)) - bits.Len(uint(BuddyMinNodeSize)) + 1
	return order
}

func (m *BuddyBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)

	m.usableSize = memutils.PrevPow2(size)
	if m.usableSize < BuddyMinNodeSize {
		m.usableSize = 0
	}

	m.sumFree = m.usableSize
	m.nodes = swiss.NewMap[int, *buddyNode](42)

	if m.usableSize > 0 {
		m.maxOrder = m.orderForSize(m.usableSize)
	}
	m.freeLists = make([][]int, m.maxOrder+1)

	if m.usableSize > 0 {
		m.nodes.Put(0, &buddyNode{order: m.maxOrder, free: true})
		m.freeLists[m.maxOrder] = append(m.freeLists[m.maxOrder], 0)
	}
}

func (m *BuddyBlockMetadata) SupportsRandomAccess() bool { return true }

func (m *BuddyBlockMetadata) unusableSize() int {
	return m.size - m.usableSize
}

func (m *BuddyBlockMetadata) SumFreeSize() int {
	return m.sumFree + m.unusableSize()
}

func (m *BuddyBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *BuddyBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *BuddyBlockMetadata) FreeRegionsCount() int {
	var count int
	for order := 0; order <= m.maxOrder; order++ {
		count += len(m.freeLists[order])
	}
	if m.unusableSize() > 0 {
		count++
	}
	return count
}

// MayHaveFreeBlock returns whether any free node of an adequate order exists. False
// negatives are not allowed, false positives are.
func (m *BuddyBlockMetadata) MayHaveFreeBlock(allocType uint32, size int) bool {
	if size > m.sumFree {
		return false
	}

	targetOrder := m.orderForSize(size)
	if targetOrder > m.maxOrder {
		return false
	}

	for order := targetOrder; order <= m.maxOrder; order++ {
		if len(m.freeLists[order]) > 0 {
			return true
		}
	}

	return false
}

func (m *BuddyBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	var freeListCount int
	for order := 0; order <= m.maxOrder; order++ {
		for _, offset := range m.freeLists[order] {
			node, ok := m.nodes.Get(offset)
			if !ok {
				return errors.Errorf("free list order %d contains offset %d, but no node lives there", order, offset)
			}
			if !node.free {
				return errors.Errorf("node at offset %d is in the free list but is not free", offset)
			}
			if node.order != order {
				return errors.Errorf("node at offset %d is in the order-%d free list but has order %d", offset, order, node.order)
			}
			if offset%orderSize(order) != 0 {
				return errors.Errorf("node at offset %d is not aligned to its order-%d size", offset, order)
			}
			freeListCount++
		}
	}

	var calculatedFree, calculatedTaken, takenCount, freeCount int
	for offset := 0; offset < m.usableSize; {
		node, ok := m.nodes.Get(offset)
		if !ok {
			return errors.Errorf("no node found at offset %d", offset)
		}

		nodeSize := orderSize(node.order)
		if node.free {
			freeCount++
			calculatedFree += nodeSize
		} else {
			takenCount++
			calculatedTaken += nodeSize
			if node.usedSize > nodeSize {
				return errors.Errorf("node at offset %d has used size %d exceeding its node size %d", offset, node.usedSize, nodeSize)
			}
		}

		offset += nodeSize
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free nodes in the node chain and the free lists do not match! free lists: %d, node chain: %d", freeListCount, freeCount)
	}

	if calculatedFree != m.sumFree {
		return errors.Errorf("the free size of the metadata is %d, but the free nodes only added up to %d", m.sumFree, calculatedFree)
	}

	if takenCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken nodes only added up to %d", m.allocCount, takenCount)
	}

	if calculatedFree+calculatedTaken != m.usableSize {
		return errors.Errorf("the usable size of the metadata is %d, but the nodes only added up to %d", m.usableSize, calculatedFree+calculatedTaken)
	}

	return nil
}

func (m *BuddyBlockMetadata) getNode(allocHandle BlockAllocationHandle) (int, *buddyNode, error) {
	offset := int(allocHandle) - 1
	node, ok := m.nodes.Get(offset)
	if !ok {
		return 0, nil, errors.New("received a handle that was incompatible with this metadata")
	}

	return offset, node, nil
}

// CreateAllocationRequest retrieves an AllocationRequest indicating the node this metadata
// would carve for the requested memory. upperAddress is not supported by this algorithm and
// fails with memutils.ErrFeatureNotPresent.
func (m *BuddyBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	upperAddress bool,
	allocType uint32,
	strategy AllocationStrategy,
	maxOffset int,
) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Errorf("invalid allocSize: %d", allocSize)
	}

	if upperAddress {
		return false, allocRequest, errors.WithMessage(memutils.ErrFeatureNotPresent, "upper-address allocation can only be used with the linear algorithm")
	}

	memutils.DebugValidate(m)

	allocSize, allocAlignment = m.granularityHandler.RoundUpAllocRequest(allocType, allocSize, allocAlignment)

	nodeSize := allocSize + memutils.DebugMargin
	if nodeSize < int(allocAlignment) {
		nodeSize = int(allocAlignment)
	}
	targetOrder := m.orderForSize(nodeSize)
	if targetOrder > m.maxOrder {
		return false, allocRequest, nil
	}

	offset, foundOrder := m.findFreeNode(targetOrder, strategy)
	if foundOrder < 0 {
		return false, allocRequest, nil
	}

	// Nodes are naturally aligned to their own size, so any alignment up to the node size
	// holds. Granularity conflicts with neighbors can still reject the candidate.
	alignedOffset, conflict := m.granularityHandler.CheckConflictAndAlignUp(offset, allocSize, offset, orderSize(targetOrder), allocType)
	if conflict || alignedOffset != offset {
		return false, allocRequest, nil
	}

	if offset > maxOffset-allocSize {
		return false, allocRequest, nil
	}

	allocRequest.Type = AllocationRequestBuddy
	allocRequest.BlockAllocationHandle = BlockAllocationHandle(offset + 1)
	allocRequest.Size = allocSize
	allocRequest.AllocType = allocType
	allocRequest.AlgorithmData = uint64(foundOrder)<<32 | uint64(targetOrder)

	return true, allocRequest, nil
}

// findFreeNode locates a free node of at least targetOrder. With the min-offset strategy the
// lowest-offset adequate node wins, otherwise the tightest-fitting order wins.
func (m *BuddyBlockMetadata) findFreeNode(targetOrder int, strategy AllocationStrategy) (int, int) {
	if strategy&AllocationStrategyMinOffset != 0 {
		bestOffset := -1
		bestOrder := -1
		for order := targetOrder; order <= m.maxOrder; order++ {
			for _, offset := range m.freeLists[order] {
				if bestOffset < 0 || offset < bestOffset {
					bestOffset = offset
					bestOrder = order
				}
			}
		}

		return bestOffset, bestOrder
	}

	for order := targetOrder; order <= m.maxOrder; order++ {
		if len(m.freeLists[order]) > 0 {
			return m.freeLists[order][len(m.freeLists[order])-1], order
		}
	}

	return -1, -1
}

func (m *BuddyBlockMetadata) Alloc(req AllocationRequest, allocType uint32, userData any) error {
	if req.Type != AllocationRequestBuddy {
		return errors.New("allocation request was received by an incompatible metadata")
	}

	offset := int(req.BlockAllocationHandle) - 1
	foundOrder := int(req.AlgorithmData >> 32)
	targetOrder := int(req.AlgorithmData & 0xffffffff)

	node, ok := m.nodes.Get(offset)
	if !ok || !node.free || node.order != foundOrder {
		return errors.New("allocation request no longer matches a free node in this metadata")
	}
	if targetOrder > foundOrder {
		return errors.New("allocation request had a node too small for the request")
	}

	m.removeFromFreeList(offset, foundOrder)

	// Split down to the target order, releasing the upper halves back to the free lists
	for order := foundOrder; order > targetOrder; order-- {
		newOrder := order - 1
		buddyOffset := offset + orderSize(newOrder)

		m.nodes.Put(buddyOffset, &buddyNode{order: newOrder, free: true})
		m.freeLists[newOrder] = append(m.freeLists[newOrder], buddyOffset)
		node.order = newOrder
	}

	node.free = false
	node.userData = userData
	node.usedSize = req.Size
	node.allocType = allocType

	m.sumFree -= orderSize(targetOrder)
	m.allocCount++
	m.granularityHandler.AllocPages(allocType, offset, orderSize(targetOrder))

	return nil
}

func (m *BuddyBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	offset, node, err := m.getNode(allocHandle)
	if err != nil {
		return err
	}
	if node.free {
		return errors.New("node is already free")
	}

	m.granularityHandler.FreePages(offset, orderSize(node.order))
	m.allocCount--
	m.sumFree += orderSize(node.order)

	order := node.order
	m.nodes.Delete(offset)

	// Coalesce with the buddy as long as it is free and whole
	for order < m.maxOrder {
		nodeSize := orderSize(order)
		buddyOffset := offset ^ nodeSize

		buddy, ok := m.nodes.Get(buddyOffset)
		if !ok || !buddy.free || buddy.order != order {
			break
		}

		m.removeFromFreeList(buddyOffset, order)
		m.nodes.Delete(buddyOffset)

		offset = offset &^ nodeSize
		order++
	}

	m.nodes.Put(offset, &buddyNode{order: order, free: true})
	m.freeLists[order] = append(m.freeLists[order], offset)

	return nil
}

func (m *BuddyBlockMetadata) removeFromFreeList(offset int, order int) {
	list := m.freeLists[order]
	for i, listOffset := range list {
		if listOffset == offset {
			list[i] = list[len(list)-1]
			m.freeLists[order] = list[:len(list)-1]
			return
		}
	}

	panic("node was not in the free list at the expected order")
}

func (m *BuddyBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for offset := 0; offset < m.usableSize; {
		node, ok := m.nodes.Get(offset)
		if !ok {
			return errors.Errorf("no node found at offset %d", offset)
		}

		nodeSize := orderSize(node.order)
		err := handleBlock(BlockAllocationHandle(offset+1), offset, nodeSize, node.userData, node.free)
		if err != nil {
			return err
		}

		offset += nodeSize
	}

	if m.unusableSize() > 0 {
		err := handleBlock(BlockAllocationHandle(m.usableSize+1), m.usableSize, m.unusableSize(), nil, true)
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *BuddyBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	_ = m.VisitAllRegions(
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				stats.AddUnusedRange(size)
			} else {
				stats.AddAllocation(size)
			}

			return nil
		})
}

func (m *BuddyBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.SumFreeSize()
}

// BlockJsonData populates a json object with information about this block
func (m *BuddyBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.WriteBlockJson(json, stats.BlockBytes-stats.AllocationBytes, stats.AllocationCount, stats.UnusedRangeCount)
}

func (m *BuddyBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	var corruptionErr error
	_ = m.VisitAllRegions(
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			node, ok := m.nodes.Get(offset)
			if !ok {
				return nil
			}
			if !memutils.ValidateMagicValue(blockData, offset+node.usedSize) {
				corruptionErr = errors.WithMessagef(memutils.ErrCorruption, "validated allocation at offset %d", offset)
				return corruptionErr
			}

			return nil
		})

	return corruptionErr
}

func (m *BuddyBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	if m.allocCount == 0 {
		return NoAllocation, nil
	}

	for offset := 0; offset < m.usableSize; {
		node, ok := m.nodes.Get(offset)
		if !ok {
			return NoAllocation, errors.Errorf("no node found at offset %d", offset)
		}

		if !node.free {
			return BlockAllocationHandle(offset + 1), nil
		}

		offset += orderSize(node.order)
	}

	return NoAllocation, errors.New("the metadata has an allocation but none could be found in the nodes")
}

func (m *BuddyBlockMetadata) FindNextAllocation(alloc BlockAllocationHandle) (BlockAllocationHandle, error) {
	offset, node, err := m.getNode(alloc)
	if err != nil {
		return NoAllocation, err
	}
	if node.free {
		return NoAllocation, errors.New("provided node cannot be free")
	}

	for next := offset + orderSize(node.order); next < m.usableSize; {
		nextNode, ok := m.nodes.Get(next)
		if !ok {
			return NoAllocation, errors.Errorf("no node found at offset %d", next)
		}

		if !nextNode.free {
			return BlockAllocationHandle(next + 1), nil
		}

		next += orderSize(nextNode.order)
	}

	return NoAllocation, nil
}

func (m *BuddyBlockMetadata) FindNextFreeRegionSize(alloc BlockAllocationHandle) (int, error) {
	offset, node, err := m.getNode(alloc)
	if err != nil {
		return 0, err
	}
	if node.free {
		return 0, errors.New("provided node cannot be free")
	}

	next := offset + orderSize(node.order)
	if next >= m.usableSize {
		return 0, nil
	}

	nextNode, ok := m.nodes.Get(next)
	if !ok {
		return 0, errors.Errorf("no node found at offset %d", next)
	}
	if nextNode.free {
		return orderSize(nextNode.order), nil
	}

	return 0, nil
}

func (m *BuddyBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	offset, _, err := m.getNode(allocHandle)
	if err != nil {
		return 0, err
	}

	return offset, nil
}

func (m *BuddyBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	_, node, err := m.getNode(allocHandle)
	if err != nil {
		return nil, err
	}
	if node.free {
		return nil, errors.New("user data cannot be retrieved for a free node")
	}

	return node.userData, nil
}

func (m *BuddyBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	_, node, err := m.getNode(allocHandle)
	if err != nil {
		return err
	}
	if node.free {
		return errors.New("user data cannot be set for a free node")
	}

	node.userData = userData
	return nil
}

func (m *BuddyBlockMetadata) Clear() {
	m.allocCount = 0
	m.sumFree = m.usableSize
	m.nodes = swiss.NewMap[int, *buddyNode](42)
	m.freeLists = make([][]int, m.maxOrder+1)

	if m.usableSize > 0 {
		m.nodes.Put(0, &buddyNode{order: m.maxOrder, free: true})
		m.freeLists[m.maxOrder] = append(m.freeLists[m.maxOrder], 0)
	}

	m.granularityHandler.Clear()
}

func (m *BuddyBlockMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	_ = m.VisitAllRegions(
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if !free {
				logFunc(logger, offset, size, userData)
			}

			return nil
		})
}
