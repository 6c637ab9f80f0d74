package balloc_test

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/blockalloc/balloc"
	"github.com/vkngwrapper/blockalloc/memutil"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

const (
	deviceLocalType      = 0
	hostVisibleType      = 1
	largeDeviceLocalType = 2
)

func testMemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     2,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  1000000,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
			{
				Size: 500000,
			},
			{
				Size:  2000000,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
		},
	}
}

func testOptions() balloc.CreateOptions {
	return balloc.CreateOptions{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
}

type fakeMemory struct {
	data        []byte
	hostVisible bool
	mapped      bool
	freed       bool
}

func (m *fakeMemory) Size() uint64 {
	return uint64(len(m.data))
}

func (m *fakeMemory) Map(offset, size uint64) (unsafe.Pointer, common.VkResult, error) {
	if !m.hostVisible {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.New("memory is not host-visible")
	}
	if m.freed {
		return nil, core1_0.VKErrorUnknown, errors.New("mapping freed memory")
	}
	if offset+size > uint64(len(m.data)) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("mapping %d bytes at offset %d overruns a %d-byte region", size, offset, len(m.data))
	}
	m.mapped = true
	return unsafe.Pointer(&m.data[offset]), core1_0.VKSuccess, nil
}

func (m *fakeMemory) Unmap() error {
	if !m.mapped {
		return errors.New("unmapping memory that is not mapped")
	}
	m.mapped = false
	return nil
}

func (m *fakeMemory) Free() {
	m.freed = true
}

type fakeProvider struct {
	properties *core1_0.PhysicalDeviceMemoryProperties

	mutex       sync.Mutex
	commits     []*fakeMemory
	commitSizes []uint64
	exhausted   bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{properties: testMemoryProperties()}
}

func (p *fakeProvider) CommitMemory(memoryTypeIndex int, size uint64) (balloc.DeviceMemory, common.VkResult, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.exhausted {
		return nil, core1_0.VKErrorOutOfDeviceMemory, errors.New("out of device memory")
	}

	hostVisible := p.properties.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
	memory := &fakeMemory{
		data:        make([]byte, size),
		hostVisible: hostVisible,
	}
	p.commits = append(p.commits, memory)
	p.commitSizes = append(p.commitSizes, size)
	return memory, core1_0.VKSuccess, nil
}

func (p *fakeProvider) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return p.properties
}

func (p *fakeProvider) commitCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.commits)
}

type fakeBuffer struct {
	requirements core1_0.MemoryRequirements

	boundMemory balloc.DeviceMemory
	boundOffset uint64
	bindErr     error
}

func (b *fakeBuffer) MemoryRequirements() core1_0.MemoryRequirements {
	return b.requirements
}

func (b *fakeBuffer) BindMemory(memory balloc.DeviceMemory, offset uint64) (common.VkResult, error) {
	if b.bindErr != nil {
		return core1_0.VKErrorUnknown, b.bindErr
	}
	if b.boundMemory != nil {
		return core1_0.VKErrorUnknown, errors.New("binding an already-bound buffer")
	}
	b.boundMemory = memory
	b.boundOffset = offset
	return core1_0.VKSuccess, nil
}

func buffer(size, alignment int) *fakeBuffer {
	return &fakeBuffer{
		requirements: core1_0.MemoryRequirements{
			Size:           size,
			Alignment:      alignment,
			MemoryTypeBits: 0xffffffff,
		},
	}
}

func TestAllocateGrowsOnFirstAllocation(t *testing.T) {
	provider := newFakeProvider()
	allocator, err := balloc.NewBlockBasedAllocator(provider, deviceLocalType, testOptions())
	require.NoError(t, err)

	bound, res, err := balloc.Allocate(allocator, buffer(100, 1))
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	// The first allocation commits a chunk of twice the requested size.
	require.Equal(t, []uint64{200}, provider.commitSizes)
	require.Equal(t, uint64(200), allocator.TotalSize())
	require.Equal(t, uint64(0), bound.Offset())
	require.Same(t, provider.commits[0], bound.Resource().boundMemory.(*fakeMemory))
	require.NoError(t, allocator.Validate())

	// The second allocation fits in the same chunk: no new commit.
	second, _, err := balloc.Allocate(allocator, buffer(50, 1))
	require.NoError(t, err)
	require.Equal(t, 1, provider.commitCount())
	require.Equal(t, uint64(100), second.Offset())

	second.Free()
	bound.Free()
	require.NoError(t, allocator.Validate())
}

func TestAllocateGrowthDoubles(t *testing.T) {
	provider := newFakeProvider()
	allocator, err := balloc.NewBlockBasedAllocator(provider, deviceLocalType, testOptions())
	require.NoError(t, err)

	_, _, err = balloc.Allocate(allocator, buffer(100, 1))
	require.NoError(t, err)

	// 300 bytes don't fit in the 100 bytes left, so the allocator grows.
	// Growth targets max(totalSize, size) = 300, committed doubled.
	bound, _, err := balloc.Allocate(allocator, buffer(300, 1))
	require.NoError(t, err)
	require.Equal(t, []uint64{200, 600}, provider.commitSizes)
	require.Equal(t, uint64(800), allocator.TotalSize())
	require.Equal(t, uint64(0), bound.Offset())
	require.Same(t, provider.commits[1], bound.Resource().boundMemory.(*fakeMemory))
}

func TestCapacityPreprovisions(t *testing.T) {
	provider := newFakeProvider()
	allocator, err := balloc.NewBlockBasedAllocator(provider, deviceLocalType, testOptions())
	require.NoError(t, err)

	res, err := allocator.Capacity(128)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, []uint64{256}, provider.commitSizes)

	_, _, err = balloc.Allocate(allocator, buffer(100, 4))
	require.NoError(t, err)
	require.Equal(t, 1, provider.commitCount())
}

func TestAllocateBindsAtCarvedOffset(t *testing.T) {
	provider := newFakeProvider()
	allocator, err := balloc.NewBlockBasedAllocator(provider, deviceLocalType, testOptions())
	require.NoError(t, err)

	_, err = allocator.Capacity(512)
	require.NoError(t, err)

	first, _, err := balloc.Allocate(allocator, buffer(100, 1))
	require.NoError(t, err)
	second, _, err := balloc.Allocate(allocator, buffer(64, 64))
	require.NoError(t, err)

	require.Equal(t, uint64(0), first.Resource().boundOffset)
	require.Equal(t, uint64(128), second.Resource().boundOffset)
	require.Equal(t, second.Offset(), second.Resource().boundOffset)
	require.Same(t, first.Resource().boundMemory.(*fakeMemory), second.Resource().boundMemory.(*fakeMemory))
}

func TestAllocatePropagatesProviderFailure(t *testing.T) {
	provider := newFakeProvider()
	provider.exhausted = true

	allocator, err := balloc.NewBlockBasedAllocator(provider, deviceLocalType, testOptions())
	require.NoError(t, err)

	_, res, err := balloc.Allocate(allocator, buffer(100, 1))
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
}

func TestBindFailureReleasesBlock(t *testing.T) {
	provider := newFakeProvider()
	allocator, err := balloc.NewBlockBasedAllocator(provider, deviceLocalType, testOptions())
	require.NoError(t, err)

	broken := buffer(100, 1)
	broken.bindErr = errors.New("bind rejected")

	_, _, err = balloc.Allocate(allocator, broken)
	require.Error(t, err)
	require.NoError(t, allocator.Validate())

	// The failed bind must not leak its block: the chunk committed for it is
	// fully free again.
	var stats memutil.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, 1, stats.ChunkCount)
	require.Equal(t, 0, stats.AllocationCount)

	bound, _, err := balloc.Allocate(allocator, buffer(100, 1))
	require.NoError(t, err)
	require.Equal(t, uint64(0), bound.Offset())
	require.Equal(t, 1, provider.commitCount())
}

func TestFreeUnusedChunksReleasesMemory(t *testing.T) {
	provider := newFakeProvider()
	allocator, err := balloc.NewBlockBasedAllocator(provider, deviceLocalType, testOptions())
	require.NoError(t, err)

	bound, _, err := balloc.Allocate(allocator, buffer(100, 1))
	require.NoError(t, err)

	require.Equal(t, 0, allocator.FreeUnusedChunks())
	require.False(t, provider.commits[0].freed)

	bound.Free()
	require.Equal(t, 1, allocator.FreeUnusedChunks())
	require.True(t, provider.commits[0].freed)

	var stats memutil.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, 0, stats.ChunkCount)
}

func TestBoundResourceRefCounting(t *testing.T) {
	provider := newFakeProvider()
	allocator, err := balloc.NewBlockBasedAllocator(provider, deviceLocalType, testOptions())
	require.NoError(t, err)

	bound, _, err := balloc.Allocate(allocator, buffer(100, 1))
	require.NoError(t, err)

	bound.Retain()
	bound.Free()

	// One reference remains: the block is still live.
	var stats memutil.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, 1, stats.AllocationCount)

	bound.Free()
	stats.Clear()
	allocator.AddStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)

	require.Panics(t, func() { bound.Free() })
	require.Panics(t, func() { bound.Retain() })
}

func TestMapAndWrite(t *testing.T) {
	provider := newFakeProvider()
	allocator, err := balloc.NewBlockBasedAllocator(provider, hostVisibleType, testOptions())
	require.NoError(t, err)

	_, err = allocator.Capacity(512)
	require.NoError(t, err)

	filler, _, err := balloc.Allocate(allocator, buffer(64, 1))
	require.NoError(t, err)
	defer filler.Free()

	bound, _, err := balloc.Allocate(allocator, buffer(32, 1))
	require.NoError(t, err)
	defer bound.Free()

	res, err := bound.MapAndWrite(func(data []byte) error {
		require.Len(t, data, 32)
		for i := range data {
			data[i] = 0xAB
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	memory := provider.commits[0]
	require.False(t, memory.mapped)
	for _, b := range memory.data[bound.Offset() : bound.Offset()+32] {
		require.Equal(t, byte(0xAB), b)
	}
}

func TestMapAndWriteCallbackError(t *testing.T) {
	provider := newFakeProvider()
	allocator, err := balloc.NewBlockBasedAllocator(provider, hostVisibleType, testOptions())
	require.NoError(t, err)

	bound, _, err := balloc.Allocate(allocator, buffer(32, 1))
	require.NoError(t, err)
	defer bound.Free()

	expected := errors.New("write failed")
	res, err := bound.MapAndWrite(func(data []byte) error {
		return expected
	})
	require.ErrorIs(t, err, expected)
	require.Equal(t, core1_0.VKErrorUnknown, res)

	// The memory must be unmapped even when the callback fails.
	require.False(t, provider.commits[0].mapped)
}

func TestMapAndWriteRejectsNonHostVisible(t *testing.T) {
	provider := newFakeProvider()
	allocator, err := balloc.NewBlockBasedAllocator(provider, deviceLocalType, testOptions())
	require.NoError(t, err)

	bound, _, err := balloc.Allocate(allocator, buffer(32, 1))
	require.NoError(t, err)
	defer bound.Free()

	res, err := bound.MapAndWrite(func(data []byte) error { return nil })
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorMemoryMapFailed, res)
}

func TestConcurrentAllocateAndFree(t *testing.T) {
	provider := newFakeProvider()
	allocator, err := balloc.NewBlockBasedAllocator(provider, deviceLocalType, testOptions())
	require.NoError(t, err)

	const goroutines = 8
	const iterations = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(seed int) {
			defer wg.Done()

			var live []*balloc.BoundResource[*fakeBuffer]
			for i := 0; i < iterations; i++ {
				size := (seed*31+i*17)%1000 + 1
				alignment := 1 << (i % 6)

				bound, _, err := balloc.Allocate(allocator, buffer(size, alignment))
				if err != nil {
					continue
				}
				live = append(live, bound)

				if len(live) > 4 {
					live[0].Free()
					live = live[1:]
				}
			}
			for _, bound := range live {
				bound.Free()
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, allocator.Validate())

	var stats memutil.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)

	released := allocator.FreeUnusedChunks()
	require.Equal(t, stats.ChunkCount, released)
}

func TestNewBlockBasedAllocatorValidation(t *testing.T) {
	provider := newFakeProvider()

	_, err := balloc.NewBlockBasedAllocator(nil, 0, testOptions())
	require.Error(t, err)

	_, err = balloc.NewBlockBasedAllocator(provider, 17, testOptions())
	require.Error(t, err)

	allocator, err := balloc.NewBlockBasedAllocator(provider, hostVisibleType, testOptions())
	require.NoError(t, err)
	require.Equal(t, hostVisibleType, allocator.MemoryTypeIndex())
	require.Equal(t, provider.properties.MemoryTypes[hostVisibleType], allocator.MemoryType())
}
