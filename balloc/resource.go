package balloc

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/blockalloc/memchunk"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type allocationType byte

const (
	allocationTypeBlock allocationType = iota
	allocationTypeDedicated
)

// BoundResource is a resource bound to allocator-owned memory. It owns its
// block (or, for dedicated allocations, its whole committed region) and
// returns it when the last reference is released.
//
// A BoundResource starts with one reference. Retain adds references for
// consumers that need to hold the resource alive independently, such as
// in-flight command buffers; every reference must be paired with exactly one
// Free. Releasing past zero panics.
type BoundResource[T Bindable] struct {
	resource T

	// allocator and blockIndex are set for block allocations; memory alone
	// carries dedicated allocations.
	allocator  *BlockBasedAllocator
	memory     DeviceMemory
	blockIndex memchunk.BlockIndex

	size          uint64
	allocType     allocationType
	propertyFlags core1_0.MemoryPropertyFlags

	refs atomic.Int64
}

// Resource returns the bound resource.
func (r *BoundResource[T]) Resource() T {
	return r.resource
}

// BlockIndex returns the block handle backing this resource. For dedicated
// allocations it is the zero BlockIndex; use Offset and Size instead.
func (r *BoundResource[T]) BlockIndex() memchunk.BlockIndex {
	return r.blockIndex
}

// Size returns the byte size of the memory backing this resource.
func (r *BoundResource[T]) Size() uint64 {
	return r.size
}

// Offset returns the resource's byte offset within its backing memory.
// Dedicated allocations are always bound at offset 0.
func (r *BoundResource[T]) Offset() uint64 {
	if r.allocType == allocationTypeDedicated {
		return 0
	}
	return r.blockIndex.Offset
}

// Dedicated reports whether this resource owns its committed region outright
// rather than a sub-allocated block.
func (r *BoundResource[T]) Dedicated() bool {
	return r.allocType == allocationTypeDedicated
}

// Retain adds a reference. The resource stays alive until Free has been
// called once per reference.
func (r *BoundResource[T]) Retain() {
	if r.refs.Add(1) <= 1 {
		panic("retaining a resource that has already been fully released")
	}
}

// Free drops one reference. When the last reference is dropped, the backing
// block is returned to its allocator (or, for a dedicated allocation, the
// committed region is released to the device). Freeing a fully released
// resource panics.
func (r *BoundResource[T]) Free() {
	remaining := r.refs.Add(-1)
	if remaining > 0 {
		return
	}
	if remaining < 0 {
		panic(fmt.Sprintf("double free of resource at offset %d", r.Offset()))
	}

	switch r.allocType {
	case allocationTypeBlock:
		r.allocator.freeBlock(r.blockIndex)
	case allocationTypeDedicated:
		r.memory.Free()
	}
}

// MapAndWrite maps the resource's backing memory, passes the mapped bytes to
// fn, and unmaps before returning. The slice is only valid for the duration
// of the callback and must not be retained.
//
// It fails with core1_0.VKErrorMemoryMapFailed when the resource's memory
// type is not host-visible.
func (r *BoundResource[T]) MapAndWrite(fn func(data []byte) error) (common.VkResult, error) {
	if r.propertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		return core1_0.VKErrorMemoryMapFailed, errors.New("the resource's memory type is not host-visible")
	}

	ptr, res, err := r.memory.Map(r.Offset(), r.size)
	if err != nil {
		return res, errors.Wrapf(err, "failed to map %d bytes at offset %d", r.size, r.Offset())
	}

	fnErr := fn(unsafe.Slice((*byte)(ptr), r.size))

	err = r.memory.Unmap()
	if err != nil {
		return core1_0.VKErrorUnknown, errors.Wrap(err, "failed to unmap resource memory")
	}
	if fnErr != nil {
		return core1_0.VKErrorUnknown, fnErr
	}
	return res, nil
}
