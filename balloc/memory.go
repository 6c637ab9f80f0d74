package balloc

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// DeviceMemory is a single committed region of device memory, as handed out
// by a MemoryProvider. It satisfies memchunk.Memory, so committed regions can
// be registered with a ChunkManager directly.
//
// Implementations wrap core1_0.DeviceMemory (or a test double); this package
// never touches the device itself.
type DeviceMemory interface {
	// Size returns the byte size of the committed region.
	Size() uint64
	// Map maps size bytes of the region beginning at offset into host address
	// space. It fails with core1_0.VKErrorMemoryMapFailed when the region's
	// memory type is not host-visible.
	Map(offset, size uint64) (unsafe.Pointer, common.VkResult, error)
	// Unmap unmaps a mapping established by Map.
	Unmap() error
	// Free releases the committed region back to the device.
	Free()
}

// MemoryProvider commits new regions of device memory on behalf of the
// allocators in this package. A real provider calls
// Device.AllocateMemory; tests substitute host-backed fakes.
type MemoryProvider interface {
	// CommitMemory commits a new size-byte region from the given memory type.
	// It returns the VkResult from the device so callers can distinguish
	// out-of-device-memory from other failures.
	CommitMemory(memoryTypeIndex int, size uint64) (DeviceMemory, common.VkResult, error)

	// MemoryProperties returns the physical device's memory types and heaps,
	// used to route allocations to a compatible memory type.
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties
}

// Bindable is a resource that can be bound to device memory: a buffer, an
// image, or anything else with Vulkan-style memory requirements. Allocation
// entry points are generic over it so callers get their concrete resource
// type back without assertions.
type Bindable interface {
	// MemoryRequirements returns the resource's size, alignment, and
	// acceptable memory types, as queried from the device.
	MemoryRequirements() core1_0.MemoryRequirements
	// BindMemory binds the resource to memory at the given byte offset. The
	// offset is guaranteed to honor the resource's reported alignment.
	BindMemory(memory DeviceMemory, offset uint64) (common.VkResult, error)
}
