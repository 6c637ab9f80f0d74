package balloc

import (
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/blockalloc/balloc/internal/utils"
	"github.com/vkngwrapper/blockalloc/memutil"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slices"
)

// Allocator routes resources to a BlockBasedAllocator per memory type,
// choosing the memory type from each resource's requirements and the
// caller's required property flags. Block allocators are created lazily the
// first time a resource routes to their memory type.
type Allocator struct {
	logger   *slog.Logger
	provider MemoryProvider
	options  CreateOptions

	classesMutex utils.OptionalRWMutex
	classes      *swiss.Map[int, *BlockBasedAllocator]
}

// New creates a routing Allocator that commits memory from provider.
func New(provider MemoryProvider, options CreateOptions) (*Allocator, error) {
	if provider == nil {
		return nil, errors.New("provider must not be nil")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	options.Logger = logger

	return &Allocator{
		logger:   logger,
		provider: provider,
		options:  options,

		classesMutex: utils.OptionalRWMutex{UseMutex: !options.ExternallySynchronized},
		classes:      swiss.NewMap[int, *BlockBasedAllocator](8),
	}, nil
}

// FindMemoryTypeIndex returns the index of the memory type to allocate from
// for a resource whose requirements report typeBits, preferring the
// compatible type with the largest heap. It fails when no memory type both
// appears in typeBits and carries all of requiredFlags.
func (a *Allocator) FindMemoryTypeIndex(typeBits uint32, requiredFlags core1_0.MemoryPropertyFlags) (int, error) {
	properties := a.provider.MemoryProperties()

	bestIndex := -1
	bestHeapSize := -1
	for index, memoryType := range properties.MemoryTypes {
		if typeBits&(1<<uint(index)) == 0 {
			continue
		}
		if memoryType.PropertyFlags&requiredFlags != requiredFlags {
			continue
		}

		heapSize := properties.MemoryHeaps[memoryType.HeapIndex].Size
		if heapSize > bestHeapSize {
			bestHeapSize = heapSize
			bestIndex = index
		}
	}

	if bestIndex < 0 {
		return -1, errors.Newf("no memory type matches type bits 0x%x with property flags %s", typeBits, requiredFlags)
	}
	return bestIndex, nil
}

// BlockBasedAllocatorFor returns the block allocator for the given memory
// type, creating it on first use.
func (a *Allocator) BlockBasedAllocatorFor(memoryTypeIndex int) (*BlockBasedAllocator, error) {
	a.classesMutex.RLock()
	class, ok := a.classes.Get(memoryTypeIndex)
	a.classesMutex.RUnlock()
	if ok {
		return class, nil
	}

	a.classesMutex.Lock()
	defer a.classesMutex.Unlock()

	// Another goroutine may have created it between the locks.
	class, ok = a.classes.Get(memoryTypeIndex)
	if ok {
		return class, nil
	}

	class, err := NewBlockBasedAllocator(a.provider, memoryTypeIndex, a.options)
	if err != nil {
		return nil, err
	}
	a.classes.Put(memoryTypeIndex, class)
	return class, nil
}

// AllocateResource routes resource to the block allocator for the largest
// compatible memory type carrying requiredFlags, sub-allocates a block, and
// binds resource to it.
func AllocateResource[T Bindable](a *Allocator, resource T, requiredFlags core1_0.MemoryPropertyFlags) (*BoundResource[T], common.VkResult, error) {
	req := resource.MemoryRequirements()

	memoryTypeIndex, err := a.FindMemoryTypeIndex(req.MemoryTypeBits, requiredFlags)
	if err != nil {
		return nil, core1_0.VKErrorFeatureNotPresent, err
	}

	class, err := a.BlockBasedAllocatorFor(memoryTypeIndex)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	return Allocate(class, resource)
}

// AllocateDedicatedResource commits a whole region for resource and binds it
// at offset 0, bypassing sub-allocation. Used for resources large or
// long-lived enough that sharing a chunk would only cause fragmentation.
func AllocateDedicatedResource[T Bindable](a *Allocator, resource T, requiredFlags core1_0.MemoryPropertyFlags) (*BoundResource[T], common.VkResult, error) {
	req := resource.MemoryRequirements()
	size := uint64(req.Size)
	if size == 0 {
		panic("attempting to allocate a resource with zero-size memory requirements")
	}

	memoryTypeIndex, err := a.FindMemoryTypeIndex(req.MemoryTypeBits, requiredFlags)
	if err != nil {
		return nil, core1_0.VKErrorFeatureNotPresent, err
	}

	a.logger.Debug("Allocator::AllocateDedicatedResource",
		slog.Int("memoryTypeIndex", memoryTypeIndex),
		slog.Uint64("size", size),
	)

	memory, res, err := a.provider.CommitMemory(memoryTypeIndex, size)
	if err != nil {
		return nil, res, errors.Wrapf(err, "failed to commit %d bytes of dedicated memory from memory type %d", size, memoryTypeIndex)
	}

	bindRes, err := resource.BindMemory(memory, 0)
	if err != nil {
		a.logger.Error("Allocator::AllocateDedicatedResource: failed to bind the resource to its memory",
			slog.Int("memoryTypeIndex", memoryTypeIndex),
			slog.Any("error", err),
		)
		memory.Free()
		return nil, bindRes, errors.Wrap(err, "failed to bind the resource to its dedicated memory")
	}

	bound := &BoundResource[T]{
		resource:      resource,
		memory:        memory,
		size:          size,
		allocType:     allocationTypeDedicated,
		propertyFlags: a.provider.MemoryProperties().MemoryTypes[memoryTypeIndex].PropertyFlags,
	}
	bound.refs.Store(1)
	return bound, res, nil
}

// FreeUnusedChunks releases every fully-unused chunk across all memory types
// and returns the total number of chunks released.
func (a *Allocator) FreeUnusedChunks() int {
	released := 0
	for _, class := range a.sortedClasses() {
		released += class.FreeUnusedChunks()
	}
	return released
}

// AddStatistics sums chunk and allocation counts across all memory types
// into stats.
func (a *Allocator) AddStatistics(stats *memutil.Statistics) {
	for _, class := range a.sortedClasses() {
		class.AddStatistics(stats)
	}
}

// AddDetailedStatistics sums per-block statistics across all memory types
// into stats.
func (a *Allocator) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	for _, class := range a.sortedClasses() {
		class.AddDetailedStatistics(stats)
	}
}

// Validate performs internal consistency checks across all memory types. It
// should not be possible for this method to return an error.
func (a *Allocator) Validate() error {
	for _, class := range a.sortedClasses() {
		err := class.Validate()
		if err != nil {
			return err
		}
	}
	return nil
}

// BuildStatsString returns a JSON description of the allocator's state:
// aggregate statistics plus, when detailedMap is set, a per-chunk block map
// for each memory type.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()

	var total memutil.DetailedStatistics
	total.Clear()

	typesObj := obj.Name("MemoryTypes").Object()
	for _, class := range a.sortedClasses() {
		var stats memutil.DetailedStatistics
		stats.Clear()
		class.AddDetailedStatistics(&stats)
		total.AddDetailedStatistics(&stats)

		typeObj := typesObj.Name(strconv.Itoa(class.MemoryTypeIndex())).Object()
		printDetailedStatistics(&typeObj, &stats)
		typeObj.Name("TotalCommittedBytes").Float64(float64(class.TotalSize()))
		if detailedMap {
			class.PrintDetailedMap(typeObj.Name("DetailedMap"))
		}
		typeObj.End()
	}
	typesObj.End()

	totalObj := obj.Name("Total").Object()
	printDetailedStatistics(&totalObj, &total)
	totalObj.End()

	obj.End()
	return string(writer.Bytes())
}

func printDetailedStatistics(obj *jwriter.ObjectState, stats *memutil.DetailedStatistics) {
	obj.Name("ChunkCount").Int(stats.ChunkCount)
	obj.Name("ChunkBytes").Float64(float64(stats.ChunkBytes))
	obj.Name("AllocationCount").Int(stats.AllocationCount)
	obj.Name("AllocationBytes").Float64(float64(stats.AllocationBytes))
	obj.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		obj.Name("AllocationSizeMin").Float64(float64(stats.AllocationSizeMin))
		obj.Name("AllocationSizeMax").Float64(float64(stats.AllocationSizeMax))
	}
	if stats.UnusedRangeCount > 1 {
		obj.Name("UnusedRangeSizeMin").Float64(float64(stats.UnusedRangeSizeMin))
		obj.Name("UnusedRangeSizeMax").Float64(float64(stats.UnusedRangeSizeMax))
	}
}

// sortedClasses snapshots the per-memory-type allocators in ascending memory
// type order, so diagnostics are deterministic.
func (a *Allocator) sortedClasses() []*BlockBasedAllocator {
	a.classesMutex.RLock()
	defer a.classesMutex.RUnlock()

	indices := make([]int, 0, a.classes.Count())
	a.classes.Iter(func(index int, class *BlockBasedAllocator) bool {
		indices = append(indices, index)
		return false
	})
	slices.Sort(indices)

	classes := make([]*BlockBasedAllocator, 0, len(indices))
	for _, index := range indices {
		class, _ := a.classes.Get(index)
		classes = append(classes, class)
	}
	return classes
}
