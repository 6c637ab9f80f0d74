package memchunk

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// PrintDetailedMap writes a JSON description of every chunk and its blocks to
// writer, for diagnostics. Chunks appear in ascending identifier order and
// blocks in offset order.
func (m *ChunkManager[M]) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	for _, id := range m.sortedChunkIDs() {
		c := m.mustChunk(id)

		chunkObj := objState.Name(strconv.Itoa(id)).Object()
		chunkObj.Name("TotalBytes").Float64(float64(c.memory.Size()))
		chunkObj.Name("BlockCount").Int(c.blocks.Count())

		arrayState := chunkObj.Name("Blocks").Array()
		offset := uint64(0)
		for {
			b := c.blockAt(offset)

			blockObj := arrayState.Object()
			blockObj.Name("Offset").Float64(float64(offset))
			blockObj.Name("Size").Float64(float64(b.size))
			blockObj.Name("Used").Bool(b.used)
			blockObj.End()

			if b.next == noNeighbor {
				break
			}
			offset = b.next
		}
		arrayState.End()
		chunkObj.End()
	}
}
