package balloc

import (
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/blockalloc/balloc/internal/utils"
	"github.com/vkngwrapper/blockalloc/memchunk"
	"github.com/vkngwrapper/blockalloc/memutil"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// BlockBasedAllocator sub-allocates resources of a single memory type out of
// large committed chunks. It commits twice the requested capacity whenever it
// grows, so that follow-up allocations with awkward alignments still fit, and
// it never releases chunks on its own; call FreeUnusedChunks on whatever
// housekeeping cadence suits the application.
//
// All methods are safe for concurrent use unless the allocator was created
// with ExternallySynchronized.
type BlockBasedAllocator struct {
	logger          *slog.Logger
	provider        MemoryProvider
	memoryTypeIndex int
	memoryType      core1_0.MemoryType

	chunksMutex utils.OptionalRWMutex
	chunks      *memchunk.ChunkManager[DeviceMemory]

	// Total bytes ever committed through this allocator. Used as the growth
	// baseline so each grow at least doubles the footprint.
	totalSize atomic.Uint64
}

// NewBlockBasedAllocator creates an allocator that commits memory of the
// given memory type from provider. memoryTypeIndex must index into the
// provider's MemoryProperties().MemoryTypes.
func NewBlockBasedAllocator(provider MemoryProvider, memoryTypeIndex int, options CreateOptions) (*BlockBasedAllocator, error) {
	if provider == nil {
		return nil, errors.New("provider must not be nil")
	}

	memoryTypes := provider.MemoryProperties().MemoryTypes
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(memoryTypes) {
		return nil, errors.Newf("memory type index %d is out of range: the device reports %d memory types", memoryTypeIndex, len(memoryTypes))
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &BlockBasedAllocator{
		logger:          logger,
		provider:        provider,
		memoryTypeIndex: memoryTypeIndex,
		memoryType:      memoryTypes[memoryTypeIndex],

		chunksMutex: utils.OptionalRWMutex{UseMutex: !options.ExternallySynchronized},
		chunks:      memchunk.New[DeviceMemory](),
	}, nil
}

// MemoryTypeIndex returns the index of the memory type this allocator
// commits from.
func (a *BlockBasedAllocator) MemoryTypeIndex() int {
	return a.memoryTypeIndex
}

// MemoryType returns the memory type this allocator commits from.
func (a *BlockBasedAllocator) MemoryType() core1_0.MemoryType {
	return a.memoryType
}

// TotalSize returns the total bytes committed through this allocator so far.
func (a *BlockBasedAllocator) TotalSize() uint64 {
	return a.totalSize.Load()
}

// Capacity commits a new chunk large enough to hold size bytes and registers
// it, so upcoming allocations can be served without growing. The chunk is
// committed at twice the requested size so resources with any alignment
// still fit.
//
// size must be nonzero.
func (a *BlockBasedAllocator) Capacity(size uint64) (common.VkResult, error) {
	if size == 0 {
		panic("attempting to reserve zero bytes of capacity")
	}

	commitSize := size * 2
	memory, res, err := a.provider.CommitMemory(a.memoryTypeIndex, commitSize)
	if err != nil {
		return res, errors.Wrapf(err, "failed to commit a %d-byte chunk from memory type %d", commitSize, a.memoryTypeIndex)
	}

	a.chunksMutex.Lock()
	a.chunks.AddChunk(memory)
	a.chunksMutex.Unlock()

	a.totalSize.Add(commitSize)
	return res, nil
}

// CapacityWithAllocate commits a chunk sized for size bytes (doubled, as in
// Capacity) with an allocateSize-byte block already carved at offset 0, and
// returns the block's handle. It exists so a failed allocate can grow and
// retry in one step; most callers want Allocate instead.
//
// size and allocateSize must be nonzero, and allocateSize must fit in the
// doubled chunk.
func (a *BlockBasedAllocator) CapacityWithAllocate(size, allocateSize uint64) (memchunk.BlockIndex, common.VkResult, error) {
	if size == 0 {
		panic("attempting to reserve zero bytes of capacity")
	}
	if allocateSize == 0 {
		panic("attempting to allocate a zero-size block")
	}

	index, _, res, err := a.capacityWithAllocate(size, allocateSize)
	return index, res, err
}

func (a *BlockBasedAllocator) capacityWithAllocate(size, allocateSize uint64) (memchunk.BlockIndex, DeviceMemory, common.VkResult, error) {
	commitSize := size * 2
	memory, res, err := a.provider.CommitMemory(a.memoryTypeIndex, commitSize)
	if err != nil {
		return memchunk.BlockIndex{}, nil, res, errors.Wrapf(err, "failed to commit a %d-byte chunk from memory type %d", commitSize, a.memoryTypeIndex)
	}

	a.chunksMutex.Lock()
	index := a.chunks.AddChunkAndAllocate(memory, allocateSize)
	a.chunksMutex.Unlock()

	a.totalSize.Add(commitSize)
	return index, memory, res, nil
}

// Allocate carves a block matching resource's memory requirements out of a's
// chunks, growing the chunk set when nothing fits, and binds resource to the
// block. The returned BoundResource owns the block and returns it to the
// allocator when fully released.
//
// Growth targets max(total committed, requested size), so the committed
// footprint at least doubles each time the allocator grows.
func Allocate[T Bindable](a *BlockBasedAllocator, resource T) (*BoundResource[T], common.VkResult, error) {
	req := resource.MemoryRequirements()
	size := uint64(req.Size)
	alignment := uint64(req.Alignment)

	if size == 0 {
		panic("attempting to allocate a resource with zero-size memory requirements")
	}
	if alignment == 0 {
		alignment = 1
	}
	if err := memutil.CheckPow2(alignment, "core1_0.MemoryRequirements.Alignment"); err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	a.logger.Debug("BlockBasedAllocator::Allocate",
		slog.Int("memoryTypeIndex", a.memoryTypeIndex),
		slog.Uint64("size", size),
		slog.Uint64("alignment", alignment),
	)

	a.chunksMutex.Lock()
	index, ok := a.chunks.Allocate(size, alignment)
	var memory DeviceMemory
	if ok {
		memory, ok = a.chunks.Memory(index)
	}
	a.chunksMutex.Unlock()

	res := core1_0.VKSuccess
	if !ok {
		// Nothing fits. Commit a new chunk with the block pre-carved at
		// offset 0, which satisfies any alignment. The chunk lock is not held
		// across the provider call.
		growTo := a.totalSize.Load()
		if size > growTo {
			growTo = size
		}

		var err error
		index, memory, res, err = a.capacityWithAllocate(growTo, size)
		if err != nil {
			return nil, res, err
		}
	}

	bindRes, err := resource.BindMemory(memory, index.Offset)
	if err != nil {
		// The block was carved but the resource can't use it. Hand the block
		// back before reporting, so the failure doesn't leak chunk space.
		a.logger.Error("BlockBasedAllocator::Allocate: failed to bind the resource to its block",
			slog.Int("memoryTypeIndex", a.memoryTypeIndex),
			slog.Int("chunk", index.Chunk),
			slog.Uint64("offset", index.Offset),
			slog.Any("error", err),
		)
		a.freeBlock(index)
		return nil, bindRes, errors.Wrapf(err, "failed to bind the resource to chunk %d at offset %d", index.Chunk, index.Offset)
	}

	bound := &BoundResource[T]{
		resource:      resource,
		allocator:     a,
		memory:        memory,
		blockIndex:    index,
		size:          size,
		allocType:     allocationTypeBlock,
		propertyFlags: a.memoryType.PropertyFlags,
	}
	bound.refs.Store(1)
	return bound, res, nil
}

// freeBlock returns a carved block to the chunk set. Exactly one release path
// per block may call this; BoundResource's reference count enforces that.
func (a *BlockBasedAllocator) freeBlock(index memchunk.BlockIndex) {
	a.chunksMutex.Lock()
	defer a.chunksMutex.Unlock()

	a.chunks.FreeUnchecked(index)
	memutil.DebugValidate(a.chunks)
}

// FreeUnusedChunks releases every chunk that no longer holds any allocation
// back to the device and returns the number of chunks released.
func (a *BlockBasedAllocator) FreeUnusedChunks() int {
	a.chunksMutex.Lock()
	released := a.chunks.FreeUnusedChunks()
	a.chunksMutex.Unlock()

	for _, memory := range released {
		memory.Free()
	}

	if len(released) > 0 {
		a.logger.Debug("BlockBasedAllocator::FreeUnusedChunks",
			slog.Int("memoryTypeIndex", a.memoryTypeIndex),
			slog.Int("releasedChunks", len(released)),
		)
	}
	return len(released)
}

// AddStatistics sums this allocator's chunk and allocation counts into stats.
func (a *BlockBasedAllocator) AddStatistics(stats *memutil.Statistics) {
	a.chunksMutex.RLock()
	defer a.chunksMutex.RUnlock()

	a.chunks.AddStatistics(stats)
}

// AddDetailedStatistics sums this allocator's per-block statistics into stats.
func (a *BlockBasedAllocator) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	a.chunksMutex.RLock()
	defer a.chunksMutex.RUnlock()

	a.chunks.AddDetailedStatistics(stats)
}

// PrintDetailedMap writes a JSON description of every chunk and block to
// writer, for diagnostics.
func (a *BlockBasedAllocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.chunksMutex.RLock()
	defer a.chunksMutex.RUnlock()

	a.chunks.PrintDetailedMap(writer)
}

// Validate performs internal consistency checks over the chunk set. It should
// not be possible for this method to return an error.
func (a *BlockBasedAllocator) Validate() error {
	a.chunksMutex.RLock()
	defer a.chunksMutex.RUnlock()

	return a.chunks.Validate()
}
