package memchunk

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/blockalloc/memutil"
	"golang.org/x/exp/slices"
)

// Memory is one externally-committed region of device memory. ChunkManager
// only ever needs its size; committing, mapping, and releasing the region are
// the consumer's business.
type Memory interface {
	// Size returns the byte size of the committed region.
	Size() uint64
}

// ChunkManager tracks a set of fixed-size memory chunks and the used/free
// blocks that partition them, and hands out best-fit blocks on request. It is
// a pure bookkeeping structure: it performs no locking and no device calls,
// so a consumer sharing one across goroutines must guard it externally.
//
// Two invariants hold between any two operations: the blocks of each chunk
// sum exactly to the chunk's size, and no two adjacent blocks are both free
// (freed blocks coalesce with their neighbors immediately).
type ChunkManager[M Memory] struct {
	// All chunks, keyed by an identifier that is never reused once the chunk
	// has been reclaimed.
	chunks      *swiss.Map[int, *chunk[M]]
	unused      *unusedIndex
	nextChunkID int
}

// New creates an empty ChunkManager for memory regions of type M.
func New[M Memory]() *ChunkManager[M] {
	return &ChunkManager[M]{
		chunks: swiss.NewMap[int, *chunk[M]](8),
		unused: newUnusedIndex(),
	}
}

func (m *ChunkManager[M]) mustChunk(id int) *chunk[M] {
	c, ok := m.chunks.Get(id)
	if !ok {
		panic(fmt.Sprintf("no chunk with identifier %d", id))
	}
	return c
}

// AddChunk registers a brand-new chunk consisting of one free block spanning
// the whole region, and returns the chunk's identifier.
//
// memory must have a nonzero size.
func (m *ChunkManager[M]) AddChunk(memory M) int {
	id := m.nextChunkID
	m.nextChunkID++

	m.chunks.Put(id, newChunk(memory))
	m.unused.insert(BlockIndex{Chunk: id}, memory.Size())
	return id
}

// AddChunkAndAllocate registers a brand-new chunk with a used block of
// allocateSize bytes already carved at offset 0, leaving the remainder (if
// any) as a single free block. It exists so a consumer growing the chunk set
// to satisfy an allocation does not need a second round trip through Allocate.
//
// memory must have a nonzero size and allocateSize must be nonzero and no
// larger than the region.
func (m *ChunkManager[M]) AddChunkAndAllocate(memory M, allocateSize uint64) BlockIndex {
	id := m.nextChunkID
	m.nextChunkID++

	m.chunks.Put(id, newChunkWithAllocation(memory, allocateSize))
	if remainder := memory.Size() - allocateSize; remainder > 0 {
		m.unused.insert(BlockIndex{Chunk: id, Offset: allocateSize}, remainder)
	}
	return BlockIndex{Chunk: id}
}

// Allocate finds or carves a used block of size bytes whose chunk-local
// offset is a multiple of alignment, searching free blocks grouped by exact
// size in ascending order and taking the first that still fits after
// alignment padding. It returns false when no registered chunk can satisfy
// the request, in which case the caller should add a chunk and retry (or use
// AddChunkAndAllocate).
//
// size must be nonzero and alignment must be a power of two; both are caller
// preconditions, not recoverable errors.
func (m *ChunkManager[M]) Allocate(size, alignment uint64) (BlockIndex, bool) {
	if size == 0 {
		panic("attempting to allocate a zero-size block")
	}
	memutil.DebugCheckPow2(alignment, "alignment")

	var candidate BlockIndex
	var bucketSize uint64
	found := false

	m.unused.ascend(size, func(freeSize uint64, blocks *swiss.Map[BlockIndex, struct{}]) bool {
		blocks.Iter(func(index BlockIndex, _ struct{}) bool {
			b := m.mustChunk(index.Chunk).blockAt(index.Offset)

			padding := paddingFor(index.Offset, alignment)
			if b.size >= padding && b.size-padding >= size {
				candidate = index
				bucketSize = freeSize
				found = true
			}
			return found
		})
		return !found
	})

	if !found {
		return BlockIndex{}, false
	}
	return m.commitAllocation(candidate, bucketSize, size, alignment), true
}

// commitAllocation takes a free block known to fit the request out of the
// free index and splits it. An aligned candidate yields at most a used prefix
// plus a free suffix; an unaligned one yields up to three blocks: the
// original block shrunk to the padding (still free), the used block at the
// aligned offset, and a free tail.
func (m *ChunkManager[M]) commitAllocation(index BlockIndex, bucketSize, size, alignment uint64) BlockIndex {
	c := m.mustChunk(index.Chunk)
	b := c.blockAt(index.Offset)
	m.unused.remove(index, bucketSize)

	padding := paddingFor(index.Offset, alignment)
	if padding == 0 {
		b.used = true
		if b.size > size {
			suffixOffset := index.Offset + size
			suffix := &block{
				size: b.size - size,
				prev: index.Offset,
				next: b.next,
			}
			if b.next != noNeighbor {
				c.blockAt(b.next).prev = suffixOffset
			}
			b.next = suffixOffset
			b.size = size
			c.blocks.Put(suffixOffset, suffix)
			m.unused.insert(BlockIndex{Chunk: index.Chunk, Offset: suffixOffset}, suffix.size)
		}
		return index
	}

	allocOffset := index.Offset + padding
	tailSize := b.size - padding - size
	oldNext := b.next

	// The candidate shrinks to the padding bytes and stays free.
	b.size = padding
	b.next = allocOffset
	m.unused.insert(index, padding)

	used := &block{
		size: size,
		used: true,
		prev: index.Offset,
		next: oldNext,
	}

	if tailSize > 0 {
		tailOffset := allocOffset + size
		tail := &block{
			size: tailSize,
			prev: allocOffset,
			next: oldNext,
		}
		used.next = tailOffset
		if oldNext != noNeighbor {
			c.blockAt(oldNext).prev = tailOffset
		}
		c.blocks.Put(tailOffset, tail)
		m.unused.insert(BlockIndex{Chunk: index.Chunk, Offset: tailOffset}, tailSize)
	} else if oldNext != noNeighbor {
		c.blockAt(oldNext).prev = allocOffset
	}

	c.blocks.Put(allocOffset, used)
	return BlockIndex{Chunk: index.Chunk, Offset: allocOffset}
}

// FreeUnchecked returns the block named by index to the free pool, merging it
// with the following block and then the preceding block when either is free.
//
// The index must have been handed out by Allocate or AddChunkAndAllocate on
// this manager and must not have been freed already. This is enforced only by
// caller discipline (and asserted in debug_blockalloc builds): freeing a
// stale index corrupts the block chain the same way reusing a raw pointer
// would, which is why resource owners are expected to route every free
// through exactly one owning handle.
func (m *ChunkManager[M]) FreeUnchecked(index BlockIndex) {
	c, ok := m.chunks.Get(index.Chunk)
	if !ok {
		panic(fmt.Sprintf("freeing block %+v in a chunk that does not exist", index))
	}
	b := c.blockAt(index.Offset)
	memutil.DebugAssert(b.used, fmt.Sprintf("double free of block %+v", index))

	c.blocks.Delete(index.Offset)
	b.used = false

	// Merge with the next block first so the previous-merge below already
	// sees the extended size.
	if b.next != noNeighbor {
		next := c.blockAt(b.next)
		if !next.used {
			m.unused.remove(BlockIndex{Chunk: index.Chunk, Offset: b.next}, next.size)
			c.blocks.Delete(b.next)
			b.size += next.size
			b.next = next.next
			if b.next != noNeighbor {
				c.blockAt(b.next).prev = index.Offset
			}
		}
	}

	if b.prev != noNeighbor {
		prev := c.blockAt(b.prev)
		if !prev.used {
			m.unused.remove(BlockIndex{Chunk: index.Chunk, Offset: b.prev}, prev.size)
			prev.size += b.size
			prev.next = b.next
			if b.next != noNeighbor {
				c.blockAt(b.next).prev = b.prev
			}
			m.unused.insert(BlockIndex{Chunk: index.Chunk, Offset: b.prev}, prev.size)
			return
		}
	}

	c.blocks.Put(index.Offset, b)
	m.unused.insert(index, b.size)
}

// FreeUnusedChunks removes every chunk that consists of a single free block
// and returns the released memory regions so the caller can hand them back to
// whatever committed them. Reclamation is never automatic: calling this on a
// housekeeping cadence rather than on every free keeps allocate/free cycles
// at a chunk boundary from thrashing the provider.
func (m *ChunkManager[M]) FreeUnusedChunks() []M {
	var unusedIDs []int
	m.chunks.Iter(func(id int, c *chunk[M]) bool {
		if c.blocks.Count() == 1 {
			if b, ok := c.blocks.Get(0); ok && !b.used {
				unusedIDs = append(unusedIDs, id)
			}
		}
		return false
	})

	released := make([]M, 0, len(unusedIDs))
	for _, id := range unusedIDs {
		c := m.mustChunk(id)
		m.unused.remove(BlockIndex{Chunk: id}, c.memory.Size())
		m.chunks.Delete(id)
		released = append(released, c.memory)
	}
	return released
}

// Memory retrieves the memory region backing the chunk that index points
// into, for binding or mapping against the block's offset. It returns false
// if the chunk no longer exists, which is legitimate when a stale diagnostic
// handle outlives FreeUnusedChunks; an owned block's chunk can never be
// reclaimed out from under it.
func (m *ChunkManager[M]) Memory(index BlockIndex) (M, bool) {
	c, ok := m.chunks.Get(index.Chunk)
	if !ok {
		var zero M
		return zero, false
	}
	return c.memory, true
}

// ChunkCount returns the number of live chunks.
func (m *ChunkManager[M]) ChunkCount() int {
	return m.chunks.Count()
}

// FreeBucketCount returns the number of distinct free-block sizes currently
// indexed. Diagnostic only.
func (m *ChunkManager[M]) FreeBucketCount() int {
	return m.unused.bucketCount()
}

// FreeBlocksOfSize returns how many free blocks of exactly size bytes exist
// across all chunks. Diagnostic only.
func (m *ChunkManager[M]) FreeBlocksOfSize(size uint64) int {
	return m.unused.countOfSize(size)
}

// VisitBlocks calls visit for every block of every chunk, used and free, in
// offset order within each chunk, chunks in ascending identifier order.
// Visiting stops at the first error, which is returned.
func (m *ChunkManager[M]) VisitBlocks(visit func(index BlockIndex, size uint64, used bool) error) error {
	for _, id := range m.sortedChunkIDs() {
		c := m.mustChunk(id)

		offset := uint64(0)
		for {
			b := c.blockAt(offset)
			err := visit(BlockIndex{Chunk: id, Offset: offset}, b.size, b.used)
			if err != nil {
				return err
			}
			if b.next == noNeighbor {
				break
			}
			offset = b.next
		}
	}
	return nil
}

// AddStatistics sums this manager's chunk and allocation counts into stats.
func (m *ChunkManager[M]) AddStatistics(stats *memutil.Statistics) {
	m.chunks.Iter(func(id int, c *chunk[M]) bool {
		stats.ChunkCount++
		stats.ChunkBytes += c.memory.Size()
		c.blocks.Iter(func(offset uint64, b *block) bool {
			if b.used {
				stats.AllocationCount++
				stats.AllocationBytes += b.size
			}
			return false
		})
		return false
	})
}

// AddDetailedStatistics sums this manager's per-block statistics into stats.
func (m *ChunkManager[M]) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	m.chunks.Iter(func(id int, c *chunk[M]) bool {
		stats.ChunkCount++
		stats.ChunkBytes += c.memory.Size()
		c.blocks.Iter(func(offset uint64, b *block) bool {
			if b.used {
				stats.AddAllocation(b.size)
			} else {
				stats.AddUnusedRange(b.size)
			}
			return false
		})
		return false
	})
}

// Validate performs internal consistency checks over every chunk: the block
// chain must start at offset 0 and be unbroken, neighbor links must agree,
// block sizes must sum to the chunk size, no two adjacent blocks may both be
// free, and the free index must list exactly the free blocks. It should not
// be possible for this method to return an error; it exists for tests and for
// memutil.DebugValidate in debug builds.
func (m *ChunkManager[M]) Validate() error {
	var freeBlockCount int

	var err error
	m.chunks.Iter(func(id int, c *chunk[M]) bool {
		err = m.validateChunk(id, c, &freeBlockCount)
		return err != nil
	})
	if err != nil {
		return err
	}

	if indexed := m.unused.total(); indexed != freeBlockCount {
		return errors.Newf("the free index lists %d blocks, but the chunks hold %d free blocks", indexed, freeBlockCount)
	}
	return nil
}

func (m *ChunkManager[M]) validateChunk(id int, c *chunk[M], freeBlockCount *int) error {
	b, ok := c.blocks.Get(0)
	if !ok {
		return errors.Newf("chunk %d has no block at offset 0", id)
	}
	if b.prev != noNeighbor {
		return errors.Newf("chunk %d: the block at offset 0 has a previous neighbor", id)
	}

	var offset, total uint64
	var visited int
	prevFree := false
	prevOffset := noNeighbor

	for {
		if b.size == 0 {
			return errors.Newf("chunk %d: zero-size block at offset %d", id, offset)
		}
		if b.prev != prevOffset {
			return errors.Newf("chunk %d: block at offset %d lists its previous neighbor as %d, expected %d", id, offset, b.prev, prevOffset)
		}
		if !b.used {
			if prevFree {
				return errors.Newf("chunk %d: adjacent free blocks at offset %d", id, offset)
			}
			if !m.unused.contains(BlockIndex{Chunk: id, Offset: offset}, b.size) {
				return errors.Newf("chunk %d: free block at offset %d (size %d) is missing from the free index", id, offset, b.size)
			}
			*freeBlockCount++
		}

		prevFree = !b.used
		total += b.size
		visited++

		if b.next == noNeighbor {
			break
		}
		if b.next != offset+b.size {
			return errors.Newf("chunk %d: block at offset %d (size %d) lists its next neighbor at %d", id, offset, b.size, b.next)
		}

		prevOffset = offset
		offset = b.next
		b, ok = c.blocks.Get(offset)
		if !ok {
			return errors.Newf("chunk %d: broken chain, no block at offset %d", id, offset)
		}
	}

	if total != c.memory.Size() {
		return errors.Newf("chunk %d: blocks sum to %d bytes but the chunk is %d bytes", id, total, c.memory.Size())
	}
	if visited != c.blocks.Count() {
		return errors.Newf("chunk %d: the chain reaches %d blocks but the chunk holds %d", id, visited, c.blocks.Count())
	}
	return nil
}

func (m *ChunkManager[M]) sortedChunkIDs() []int {
	ids := make([]int, 0, m.chunks.Count())
	m.chunks.Iter(func(id int, c *chunk[M]) bool {
		ids = append(ids, id)
		return false
	})
	slices.Sort(ids)
	return ids
}

func paddingFor(offset, alignment uint64) uint64 {
	rem := offset % alignment
	if rem == 0 {
		return 0
	}
	return alignment - rem
}
