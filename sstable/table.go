package sstable

import (
	"sort"

	"github.com/pkg/errors"

	"sealdisk/cache"
	"sealdisk/file"
	"sealdisk/seal"
	"sealdisk/utils"
	"sealdisk/utils/cmp"
	"sealdisk/utils/errs"
)

// Table is an open, immutable run.
type Table struct {
	meta  *Meta
	store *seal.Store
	cache *cache.Cache
	cmp   cmp.Comparator
	index *Index
}

// Open reads and authenticates the run index. Data blocks are read lazily.
func Open(store *seal.Store, meta *Meta, c *cache.Cache, comparator cmp.Comparator) (*Table, error) {
	if uint64(meta.DataBlocks) >= meta.Extent.Count {
		return nil, errors.Wrapf(errs.ErrIntegrity, "run %d: %d data blocks in %d block extent",
			meta.ID, meta.DataBlocks, meta.Extent.Count)
	}
	buf, err := store.ReadBlob(indexExtent(meta), meta.Version, int(meta.IndexLen))
	if err != nil {
		return nil, errors.WithMessagef(err, "run %d index", meta.ID)
	}
	idx, err := UnmarshalIndex(buf)
	if err != nil {
		return nil, err
	}
	if len(idx.BaseKeys) != int(meta.DataBlocks) {
		return nil, errors.Wrapf(errs.ErrIntegrity, "run %d: index names %d blocks, manifest %d",
			meta.ID, len(idx.BaseKeys), meta.DataBlocks)
	}
	return &Table{meta: meta, store: store, cache: c, cmp: comparator, index: idx}, nil
}

func indexExtent(meta *Meta) file.Extent {
	return file.Extent{
		Start: meta.Extent.Start + uint64(meta.DataBlocks),
		Count: meta.Extent.Count - uint64(meta.DataBlocks),
	}
}

func (t *Table) Meta() *Meta {
	return t.meta
}

func (t *Table) ID() uint64 {
	return t.meta.ID
}

func (t *Table) Index() *Index {
	return t.index
}

func (t *Table) block(i int) (*Block, error) {
	key := cache.BlockKey(t.meta.ID, i)
	if v, ok := t.cache.Get(key); ok {
		return v.(*Block), nil
	}
	buf, err := t.store.ReadSealed(t.meta.Extent.Start+uint64(i), t.meta.Version)
	if err != nil {
		return nil, errors.WithMessagef(err, "run %d block %d", t.meta.ID, i)
	}
	b, err := decodeBlock(buf)
	if err != nil {
		return nil, err
	}
	t.cache.Put(key, b)
	return b, nil
}

// Search returns the entry for key, tombstones included, or ErrNotFound.
func (t *Table) Search(key []byte) (*utils.Entry, error) {
	if t.cmp.Compare(key, t.index.Smallest) < 0 || t.cmp.Compare(key, t.index.Largest) > 0 {
		return nil, errs.ErrNotFound
	}
	if len(t.index.Bloom) > 0 && !utils.Filter(t.index.Bloom).MayContainKey(key) {
		return nil, errs.ErrNotFound
	}
	// last block whose base key <= key
	idx := sort.Search(len(t.index.BaseKeys), func(i int) bool {
		return t.cmp.Compare(t.index.BaseKeys[i], key) > 0
	}) - 1
	if idx < 0 {
		return nil, errs.ErrNotFound
	}
	b, err := t.block(idx)
	if err != nil {
		return nil, err
	}
	i, err := b.search(key, t.cmp)
	if err != nil {
		return nil, err
	}
	if i >= b.Len() {
		return nil, errs.ErrNotFound
	}
	e, err := b.readEntry(i)
	if err != nil {
		return nil, err
	}
	if t.cmp.Compare(e.Key, key) != 0 {
		return nil, errs.ErrNotFound
	}
	return e, nil
}

// Release evicts the run's blocks from the cache and frees its extent. The
// table must not be used afterwards.
func (t *Table) Release() error {
	t.cache.DropRun(t.meta.ID, int(t.meta.DataBlocks))
	return t.store.Blocks().FreeExtent(t.meta.Extent)
}

// Iterator walks a run in key order. The first read error stops it and is
// reported by Err.
type Iterator struct {
	t        *Table
	blockIdx int
	entryIdx int
	block    *Block
	item     *utils.Entry
	err      error
}

func (t *Table) NewIterator() *Iterator {
	return &Iterator{t: t}
}

func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) Valid() bool {
	return it.err == nil && it.item != nil
}

func (it *Iterator) Item() utils.Item {
	return it.item
}

func (it *Iterator) Close() error {
	return nil
}

func (it *Iterator) Rewind() {
	it.err = nil
	it.load(0, 0)
}

// load positions the iterator at entry ei of block bi, moving to following
// blocks as needed.
func (it *Iterator) load(bi, ei int) {
	it.item = nil
	for bi < int(it.t.meta.DataBlocks) {
		b, err := it.t.block(bi)
		if err != nil {
			it.err = err
			return
		}
		if ei < b.Len() {
			e, err := b.readEntry(ei)
			if err != nil {
				it.err = err
				return
			}
			it.block, it.blockIdx, it.entryIdx, it.item = b, bi, ei, e
			return
		}
		bi, ei = bi+1, 0
	}
}

func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.load(it.blockIdx, it.entryIdx+1)
}

// Seek moves to the first entry with key >= key.
func (it *Iterator) Seek(key []byte) {
	it.err = nil
	idx := sort.Search(len(it.t.index.BaseKeys), func(i int) bool {
		return it.t.cmp.Compare(it.t.index.BaseKeys[i], key) > 0
	}) - 1
	if idx < 0 {
		it.load(0, 0)
		return
	}
	b, err := it.t.block(idx)
	if err != nil {
		it.err, it.item = err, nil
		return
	}
	i, err := b.search(key, it.t.cmp)
	if err != nil {
		it.err, it.item = err, nil
		return
	}
	it.load(idx, i)
}
