package balloc

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/blockalloc/balloc/internal/utils"
	"github.com/vkngwrapper/blockalloc/memutil"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// stagingChunk is one persistently-mapped committed region of a StagingPool.
type stagingChunk struct {
	memory DeviceMemory
	ptr    unsafe.Pointer
}

// StagingPool is a bump allocator over persistently-mapped host-visible
// memory, for staging uploads. Allocations are only ever reclaimed in bulk:
// Reset rewinds the pool once the device has consumed everything staged in
// it, typically once per frame.
//
// Unlike the block allocators, a pool never reuses freed space mid-cycle, so
// it stays cheap: an allocation is an aligned pointer bump plus one memcpy
// through the persistent mapping.
type StagingPool struct {
	logger          *slog.Logger
	provider        MemoryProvider
	memoryTypeIndex int
	alignment       uint64

	mutex   utils.OptionalMutex
	chunks  []stagingChunk
	current int
	offset  uint64
}

// StagingAllocation names a staged byte range: the committed region it lives
// in and its offset, for binding a transfer-source buffer over it.
type StagingAllocation struct {
	Memory DeviceMemory
	Offset uint64
	Size   uint64
}

// NewStagingPool creates a StagingPool committing from the given memory
// type, which must be host-visible. Every allocation is aligned to
// alignment, which must be a power of two; pass the device's
// optimalBufferCopyOffsetAlignment or the buffer alignment requirement.
//
// The pool commits capacity bytes up front and maps them persistently.
func NewStagingPool(provider MemoryProvider, memoryTypeIndex int, capacity, alignment uint64, options CreateOptions) (*StagingPool, common.VkResult, error) {
	if provider == nil {
		return nil, core1_0.VKErrorUnknown, errors.New("provider must not be nil")
	}
	if capacity == 0 {
		panic("attempting to create a staging pool with zero capacity")
	}
	err := memutil.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	memoryTypes := provider.MemoryProperties().MemoryTypes
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(memoryTypes) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("memory type index %d is out of range: the device reports %d memory types", memoryTypeIndex, len(memoryTypes))
	}
	if memoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("memory type %d is not host-visible", memoryTypeIndex)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool := &StagingPool{
		logger:          logger,
		provider:        provider,
		memoryTypeIndex: memoryTypeIndex,
		alignment:       alignment,

		mutex: utils.OptionalMutex{UseMutex: !options.ExternallySynchronized},
	}

	res, err := pool.grow(capacity)
	if err != nil {
		return nil, res, err
	}
	return pool, res, nil
}

// grow commits and persistently maps a new chunk of at least size bytes and
// makes it current. Called with the mutex held (or before the pool is
// shared).
func (p *StagingPool) grow(size uint64) (common.VkResult, error) {
	memory, res, err := p.provider.CommitMemory(p.memoryTypeIndex, size)
	if err != nil {
		return res, errors.Wrapf(err, "failed to commit a %d-byte staging chunk from memory type %d", size, p.memoryTypeIndex)
	}

	ptr, res, err := memory.Map(0, memory.Size())
	if err != nil {
		memory.Free()
		return res, errors.Wrap(err, "failed to persistently map a staging chunk")
	}

	p.chunks = append(p.chunks, stagingChunk{memory: memory, ptr: ptr})
	p.current = len(p.chunks) - 1
	p.offset = 0
	return res, nil
}

// Allocate stages size bytes: it bumps to the next aligned offset, passes
// the mapped destination bytes to write, and returns where the bytes landed
// so the caller can bind or record a copy from them. When the current chunk
// is exhausted the pool grows by max(current chunk size, size).
//
// The slice passed to write is only valid for the duration of the callback.
func (p *StagingPool) Allocate(size uint64, write func(data []byte)) (StagingAllocation, common.VkResult, error) {
	if size == 0 {
		panic("attempting to stage zero bytes")
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	offset := memutil.AlignUp(p.offset, p.alignment)
	chunk := p.chunks[p.current]

	res := core1_0.VKSuccess
	if offset+size > chunk.memory.Size() {
		growTo := chunk.memory.Size()
		if size > growTo {
			growTo = size
		}

		var err error
		res, err = p.grow(growTo)
		if err != nil {
			return StagingAllocation{}, res, err
		}
		chunk = p.chunks[p.current]
		offset = 0
	}

	write(unsafe.Slice((*byte)(unsafe.Add(chunk.ptr, offset)), size))
	p.offset = offset + size

	return StagingAllocation{
		Memory: chunk.memory,
		Offset: offset,
		Size:   size,
	}, res, nil
}

// Reset rewinds the pool to the start of its first chunk. Everything
// previously staged is invalidated; only call this once the device has
// consumed it.
func (p *StagingPool) Reset() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.current = 0
	p.offset = 0
}

// TotalSize returns the total bytes committed by the pool.
func (p *StagingPool) TotalSize() uint64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var total uint64
	for _, chunk := range p.chunks {
		total += chunk.memory.Size()
	}
	return total
}

// Destroy unmaps and frees every chunk. The pool must not be used afterward.
func (p *StagingPool) Destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, chunk := range p.chunks {
		err := chunk.memory.Unmap()
		if err != nil {
			return errors.Wrap(err, "failed to unmap a staging chunk")
		}
		chunk.memory.Free()
	}
	p.chunks = nil
	p.current = 0
	p.offset = 0
	return nil
}
