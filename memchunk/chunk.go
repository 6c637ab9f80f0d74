package memchunk

import (
	"fmt"

	"github.com/dolthub/swiss"
)

// chunk is one externally-committed memory region together with the blocks
// that partition it. The block table is keyed by chunk-local offset and the
// blocks always form a single unbroken chain starting at offset 0.
type chunk[M Memory] struct {
	blocks *swiss.Map[uint64, *block]
	memory M
}

func newChunk[M Memory](memory M) *chunk[M] {
	size := memory.Size()
	if size == 0 {
		panic("attempting to register a zero-size memory region as a chunk")
	}

	blocks := swiss.NewMap[uint64, *block](8)
	blocks.Put(0, &block{
		size: size,
		prev: noNeighbor,
		next: noNeighbor,
	})
	return &chunk[M]{blocks: blocks, memory: memory}
}

func newChunkWithAllocation[M Memory](memory M, allocateSize uint64) *chunk[M] {
	size := memory.Size()
	if size == 0 {
		panic("attempting to register a zero-size memory region as a chunk")
	}
	if allocateSize == 0 {
		panic("attempting to carve a zero-size block from a new chunk")
	}
	if allocateSize > size {
		panic(fmt.Sprintf("attempting to carve %d bytes from a new chunk of only %d bytes", allocateSize, size))
	}

	blocks := swiss.NewMap[uint64, *block](8)
	if allocateSize == size {
		blocks.Put(0, &block{
			size: allocateSize,
			used: true,
			prev: noNeighbor,
			next: noNeighbor,
		})
	} else {
		blocks.Put(0, &block{
			size: allocateSize,
			used: true,
			prev: noNeighbor,
			next: allocateSize,
		})
		blocks.Put(allocateSize, &block{
			size: size - allocateSize,
			prev: 0,
			next: noNeighbor,
		})
	}
	return &chunk[M]{blocks: blocks, memory: memory}
}

func (c *chunk[M]) blockAt(offset uint64) *block {
	b, ok := c.blocks.Get(offset)
	if !ok {
		panic(fmt.Sprintf("no block at offset %d in a chunk of %d bytes", offset, c.memory.Size()))
	}
	return b
}
