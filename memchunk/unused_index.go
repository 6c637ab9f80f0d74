package memchunk

import (
	"github.com/dolthub/swiss"
	"github.com/google/btree"
)

// sizeBucket is the set of free blocks of one exact size. Buckets are ordered
// by size in the index's btree so "smallest bucket that can hold n bytes"
// is an AscendGreaterOrEqual away.
type sizeBucket struct {
	size   uint64
	blocks *swiss.Map[BlockIndex, struct{}]
}

func (b *sizeBucket) Less(than btree.Item) bool {
	return b.size < than.(*sizeBucket).size
}

// unusedIndex maps free-block sizes to the free blocks of that size. It spares
// Allocate a full scan of every chunk's block table.
type unusedIndex struct {
	buckets *btree.BTree
}

func newUnusedIndex() *unusedIndex {
	return &unusedIndex{buckets: btree.New(16)}
}

func (u *unusedIndex) insert(index BlockIndex, size uint64) {
	item := u.buckets.Get(&sizeBucket{size: size})
	if item == nil {
		blocks := swiss.NewMap[BlockIndex, struct{}](4)
		blocks.Put(index, struct{}{})
		u.buckets.ReplaceOrInsert(&sizeBucket{size: size, blocks: blocks})
		return
	}

	item.(*sizeBucket).blocks.Put(index, struct{}{})
}

func (u *unusedIndex) remove(index BlockIndex, size uint64) {
	item := u.buckets.Get(&sizeBucket{size: size})
	if item == nil {
		return
	}

	bucket := item.(*sizeBucket)
	bucket.blocks.Delete(index)
	if bucket.blocks.Count() == 0 {
		u.buckets.Delete(bucket)
	}
}

// ascend visits buckets of at least minSize in ascending size order until
// visit returns false. visit must not mutate the index.
func (u *unusedIndex) ascend(minSize uint64, visit func(size uint64, blocks *swiss.Map[BlockIndex, struct{}]) bool) {
	u.buckets.AscendGreaterOrEqual(&sizeBucket{size: minSize}, func(item btree.Item) bool {
		bucket := item.(*sizeBucket)
		return visit(bucket.size, bucket.blocks)
	})
}

func (u *unusedIndex) contains(index BlockIndex, size uint64) bool {
	item := u.buckets.Get(&sizeBucket{size: size})
	if item == nil {
		return false
	}

	_, ok := item.(*sizeBucket).blocks.Get(index)
	return ok
}

func (u *unusedIndex) bucketCount() int {
	return u.buckets.Len()
}

func (u *unusedIndex) countOfSize(size uint64) int {
	item := u.buckets.Get(&sizeBucket{size: size})
	if item == nil {
		return 0
	}
	return item.(*sizeBucket).blocks.Count()
}

func (u *unusedIndex) total() int {
	var count int
	u.buckets.Ascend(func(item btree.Item) bool {
		count += item.(*sizeBucket).blocks.Count()
		return true
	})
	return count
}
