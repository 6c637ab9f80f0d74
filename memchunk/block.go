package memchunk

import "math"

// noNeighbor marks a block with no adjacent block on one side. Neighbor links
// are chunk-local offsets rather than pointers, so the offset-keyed block
// table doubles as the arena index.
const noNeighbor uint64 = math.MaxUint64

type block struct {
	size uint64
	used bool

	// Chunk-local offsets of the adjacent blocks, or noNeighbor.
	prev uint64
	next uint64
}

// BlockIndex is a stable handle identifying one block: the chunk it lives in
// and its byte offset within that chunk. It is returned from Allocate and
// AddChunkAndAllocate and remains valid until the block is freed.
type BlockIndex struct {
	Chunk  int
	Offset uint64
}
