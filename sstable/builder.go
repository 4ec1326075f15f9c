package sstable

import (
	"github.com/pkg/errors"

	"sealdisk/file"
	"sealdisk/seal"
	"sealdisk/utils"
	"sealdisk/utils/errs"
)

// Builder collects sorted entries into data blocks. Keys must be added in
// comparator order, each key once.
type Builder struct {
	bloomFP   float64
	cur       blockBuilder
	blocks    [][]byte
	baseKeys  [][]byte
	keyHashes []uint32
	smallest  []byte
	largest   []byte
	maxSeq    uint64
	entries   uint32
}

func NewBuilder(bloomFalsePositive float64) *Builder {
	return &Builder{bloomFP: bloomFalsePositive}
}

func (b *Builder) Add(e *utils.Entry) {
	if !b.cur.empty() && b.cur.sizeWith(e) > seal.PayloadSize {
		b.finishBlock()
	}
	errs.CondPanic(b.cur.empty() && b.cur.sizeWith(e) > seal.PayloadSize,
		errors.Errorf("entry with %d byte key does not fit a block", len(e.Key)))
	if b.cur.empty() {
		b.baseKeys = append(b.baseKeys, append([]byte(nil), e.Key...))
	}
	b.cur.add(e)
	if b.entries == 0 {
		b.smallest = append([]byte(nil), e.Key...)
	}
	b.largest = append(b.largest[:0], e.Key...)
	b.keyHashes = append(b.keyHashes, utils.Hash(e.Key))
	if e.Seq > b.maxSeq {
		b.maxSeq = e.Seq
	}
	b.entries++
}

func (b *Builder) finishBlock() {
	if b.cur.empty() {
		return
	}
	b.blocks = append(b.blocks, b.cur.finish())
	b.cur = blockBuilder{}
}

func (b *Builder) Empty() bool {
	return b.entries == 0
}

// EstimatedBlocks is the number of device blocks the run would take now.
func (b *Builder) EstimatedBlocks() uint64 {
	n := uint64(len(b.blocks))
	if !b.cur.empty() {
		n++
	}
	return n + 1
}

func (b *Builder) finish() ([][]byte, *Index) {
	b.finishBlock()
	bits := utils.BloomBitsPerKey(len(b.keyHashes), b.bloomFP)
	return b.blocks, &Index{
		BaseKeys: b.baseKeys,
		Bloom:    utils.NewFilter(b.keyHashes, bits),
		Entries:  b.entries,
		Smallest: b.smallest,
		Largest:  b.largest,
		MaxSeq:   b.maxSeq,
	}
}

// Meta describes a run in the manifest.
type Meta struct {
	ID         uint64      `json:"id"`
	Level      int         `json:"level"`
	Extent     file.Extent `json:"extent"`
	Version    uint64      `json:"version"`
	DataBlocks uint32      `json:"data_blocks"`
	IndexLen   uint32      `json:"index_len"`
	Entries    uint32      `json:"entries"`
	Smallest   []byte      `json:"smallest"`
	Largest    []byte      `json:"largest"`
}

// Size is the on-device footprint of the run in bytes.
func (m *Meta) Size() uint64 {
	return m.Extent.Count * file.BlockSize
}

// Write seals the built run into a fresh extent under a single version and
// flushes it. The run is not referenced by anything until the caller
// publishes its Meta.
func Write(store *seal.Store, versions seal.VersionSource, b *Builder, id uint64, level int) (*Meta, error) {
	if b.Empty() {
		return nil, errors.Wrap(errs.ErrInvalidArgs, "empty run")
	}
	blocks, idx := b.finish()
	index := idx.Marshal()
	n := uint64(len(blocks)) + seal.BlocksFor(len(index))
	ext, err := store.Blocks().AllocExtent(n)
	if err != nil {
		return nil, err
	}
	meta, err := write(store, versions, ext, blocks, index)
	if err != nil {
		store.Blocks().FreeExtent(ext)
		return nil, err
	}
	meta.ID, meta.Level = id, level
	meta.Entries = idx.Entries
	meta.Smallest, meta.Largest = idx.Smallest, idx.Largest
	return meta, nil
}

func write(store *seal.Store, versions seal.VersionSource, ext file.Extent, blocks [][]byte, index []byte) (*Meta, error) {
	version, err := versions.Next()
	if err != nil {
		return nil, err
	}
	for i, blk := range blocks {
		if err := store.WriteSealed(ext.Start+uint64(i), blk, version); err != nil {
			return nil, err
		}
	}
	indexExt := file.Extent{Start: ext.Start + uint64(len(blocks)), Count: ext.Count - uint64(len(blocks))}
	if err := store.WriteBlob(indexExt, index, version); err != nil {
		return nil, err
	}
	if err := store.Blocks().Flush(); err != nil {
		return nil, err
	}
	return &Meta{
		Extent:     ext,
		Version:    version,
		DataBlocks: uint32(len(blocks)),
		IndexLen:   uint32(len(index)),
	}, nil
}
