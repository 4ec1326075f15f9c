package sstable

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"sealdisk/utils/errs"
)

// Index is the trailing blob of a run: the first key of every data block,
// a bloom filter over all keys and the key range.
type Index struct {
	BaseKeys [][]byte
	Bloom    []byte
	Entries  uint32
	Smallest []byte
	Largest  []byte
	MaxSeq   uint64
}

const (
	fieldBaseKey  protowire.Number = 1
	fieldBloom    protowire.Number = 2
	fieldEntries  protowire.Number = 3
	fieldSmallest protowire.Number = 4
	fieldLargest  protowire.Number = 5
	fieldMaxSeq   protowire.Number = 6
)

func (idx *Index) Marshal() []byte {
	var b []byte
	for _, k := range idx.BaseKeys {
		b = protowire.AppendTag(b, fieldBaseKey, protowire.BytesType)
		b = protowire.AppendBytes(b, k)
	}
	b = protowire.AppendTag(b, fieldBloom, protowire.BytesType)
	b = protowire.AppendBytes(b, idx.Bloom)
	b = protowire.AppendTag(b, fieldEntries, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(idx.Entries))
	b = protowire.AppendTag(b, fieldSmallest, protowire.BytesType)
	b = protowire.AppendBytes(b, idx.Smallest)
	b = protowire.AppendTag(b, fieldLargest, protowire.BytesType)
	b = protowire.AppendBytes(b, idx.Largest)
	b = protowire.AppendTag(b, fieldMaxSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, idx.MaxSeq)
	return b
}

func UnmarshalIndex(b []byte) (*Index, error) {
	idx := &Index{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, indexError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, indexError(n)
			}
			v = append([]byte(nil), v...)
			switch num {
			case fieldBaseKey:
				idx.BaseKeys = append(idx.BaseKeys, v)
			case fieldBloom:
				idx.Bloom = v
			case fieldSmallest:
				idx.Smallest = v
			case fieldLargest:
				idx.Largest = v
			}
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, indexError(n)
			}
			switch num {
			case fieldEntries:
				idx.Entries = uint32(v)
			case fieldMaxSeq:
				idx.MaxSeq = v
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, indexError(n)
			}
			b = b[n:]
		}
	}
	if len(idx.BaseKeys) == 0 {
		return nil, errors.Wrap(errs.ErrIntegrity, "run index without blocks")
	}
	return idx, nil
}

func indexError(n int) error {
	return errors.Wrapf(errs.ErrIntegrity, "run index: %v", protowire.ParseError(n))
}
