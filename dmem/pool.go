package dmem

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/rivermesh/devmem/memutils"
	"golang.org/x/exp/slog"
)

// PoolCreateInfo contains the options for a new custom memory pool
type PoolCreateInfo struct {
	MemoryTypeIndex int
	Flags           PoolCreateFlags

	// BlockSize is the explicit size of each block in this pool. When left 0, blocks use
	// the allocator's preferred size for the heap and may be auto-shrunk on creation.
	BlockSize     int
	MinBlockCount int
	// MaxBlockCount bounds the number of blocks in the pool. 0 means unbounded, except for
	// linear pools where the bound is always 1.
	MaxBlockCount int

	Priority               float32
	MinAllocationAlignment uint
}

// Pool is a set of memory blocks sharing one memory type, one placement algorithm, and
// one block size policy
type Pool struct {
	logger               *slog.Logger
	blockList            memoryBlockList
	dedicatedAllocations dedicatedAllocationList
	parentAllocator      *Allocator

	id   int
	name string
	prev *Pool
	next *Pool
}

func (p *Pool) SetName(name string) {
	p.logger.Debug("Pool::SetName")

	p.name = name
}

func (p *Pool) SetID(id int) error {
	if p.id != 0 {
		return errors.New("attempted to set id on a pool that already has one")
	}
	p.id = id
	return nil
}

func (p *Pool) Destroy() error {
	p.logger.Debug("Pool::Destroy")

	p.parentAllocator.poolsMutex.Lock()
	defer p.parentAllocator.poolsMutex.Unlock()

	return p.destroyAfterLock()
}

func (p *Pool) destroyAfterLock() error {
	memutils.DebugValidate(&p.dedicatedAllocations)
	if p.dedicatedAllocations.count > 0 {
		return errors.Errorf("the pool still has %d dedicated allocations that remain unfreed", p.dedicatedAllocations.count)
	}

	err := p.blockList.Destroy()
	if err != nil {
		return err
	}

	next := p.next
	if p.next != nil {
		p.next.prev = p.prev
	}
	if p.prev != nil {
		p.prev.next = next
	}

	if p.parentAllocator.pools == p {
		p.parentAllocator.pools = next
	}

	return nil
}

func (p *Pool) CheckCorruption() error {
	p.logger.Debug("Pool::CheckCorruption")
	return p.blockList.CheckCorruption()
}

func (p *Pool) ID() int {
	return p.id
}

func (p *Pool) Name() string {
	p.logger.Debug("Pool::Name")

	return p.name
}

// Statistics sums the fast-path statistics of every block in the pool plus its dedicated
// allocations
func (p *Pool) Statistics(stats *memutils.Statistics) {
	p.logger.Debug("Pool::Statistics")

	stats.Clear()
	p.blockList.AddStatistics(stats)

	var dedicatedStats memutils.DetailedStatistics
	dedicatedStats.Clear()
	p.dedicatedAllocations.AddDetailedStatistics(&dedicatedStats)
	stats.AddStatistics(&dedicatedStats.Statistics)
}

// CalculateDetailedStatistics walks every block's regions to compute min/max allocation
// and free-range sizes. This is considerably slower than Statistics.
func (p *Pool) CalculateDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.logger.Debug("Pool::CalculateDetailedStatistics")

	stats.Clear()
	p.blockList.AddDetailedStatistics(stats)
	p.dedicatedAllocations.AddDetailedStatistics(stats)
}

// BuildStatsString writes a json report of every block and allocation in the pool
func (p *Pool) BuildStatsString(writer *jwriter.Writer) {
	p.logger.Debug("Pool::BuildStatsString")

	obj := writer.Object()

	var stats memutils.DetailedStatistics
	p.CalculateDetailedStatistics(&stats)
	statsObj := obj.Name("Stats").Object()
	stats.PrintJson(&statsObj)
	statsObj.End()

	p.blockList.PrintDetailedMap(obj.Name("Blocks"))
	p.dedicatedAllocations.BuildStatsString(obj.Name("DedicatedAllocations"))

	obj.End()
}
