package sstable

import (
	"sort"

	"github.com/pkg/errors"

	"sealdisk/utils"
	"sealdisk/utils/cmp"
	"sealdisk/utils/errs"
)

// A data block fills the payload of one sealed device block:
//
//	+-----------------------------------------------------------+
//	| body len u32 | entry ... | entry offsets u32 ... | n u32  |
//	+-----------------------------------------------------------+
//
// entry: | overlap u16 | diff u16 | meta u8 | seq uvarint | value len uvarint | diff key | value |
//
// overlap is the prefix shared with the first key of the block.
type Block struct {
	Data         []byte
	BaseKey      []byte
	EntryOffsets []uint32
}

type Header struct {
	Overlap uint16
	Diff    uint16
}

const headerSize = 4

func (h Header) encode() []byte {
	var b [headerSize]byte
	utils.PutUint16(b[0:], h.Overlap)
	utils.PutUint16(b[2:], h.Diff)
	return b[:]
}

func (h *Header) decode(buf []byte) {
	h.Overlap = utils.Uint16(buf[0:])
	h.Diff = utils.Uint16(buf[2:])
}

func corrupt(format string, args ...interface{}) error {
	return errors.Wrapf(errs.ErrIntegrity, "run block: "+format, args...)
}

func decodeBlock(buf []byte) (*Block, error) {
	if len(buf) < 8 {
		return nil, corrupt("short block")
	}
	n := int(utils.Uint32(buf[0:]))
	if n < 4 || 4+n > len(buf) {
		return nil, corrupt("body length %d", n)
	}
	body := buf[4 : 4+n]
	count := int(utils.Uint32(body[n-4:]))
	offStart := n - 4 - count*4
	if count == 0 || offStart < 0 {
		return nil, corrupt("%d entries", count)
	}
	b := &Block{Data: body[:offStart], EntryOffsets: make([]uint32, count)}
	for i := range b.EntryOffsets {
		b.EntryOffsets[i] = utils.Uint32(body[offStart+4*i:])
		if int(b.EntryOffsets[i]) >= offStart {
			return nil, corrupt("entry offset %d", b.EntryOffsets[i])
		}
	}
	e, err := b.readEntry(0)
	if err != nil {
		return nil, err
	}
	b.BaseKey = e.Key
	return b, nil
}

func (b *Block) Len() int {
	return len(b.EntryOffsets)
}

func (b *Block) readEntry(i int) (*utils.Entry, error) {
	start := int(b.EntryOffsets[i])
	end := len(b.Data)
	if i+1 < len(b.EntryOffsets) {
		end = int(b.EntryOffsets[i+1])
	}
	if start+headerSize+1 > end || end > len(b.Data) {
		return nil, corrupt("entry %d bounds", i)
	}
	buf := b.Data[start:end]
	var h Header
	h.decode(buf)
	pos := headerSize
	meta := buf[pos]
	pos++
	seq, n := utils.DecodeVarint64(buf[pos:])
	if n <= 0 {
		return nil, corrupt("entry %d seq", i)
	}
	pos += n
	vlen, n := utils.DecodeVarint64(buf[pos:])
	if n <= 0 {
		return nil, corrupt("entry %d value length", i)
	}
	pos += n
	if int(h.Overlap) > len(b.BaseKey) || pos+int(h.Diff)+int(vlen) != len(buf) {
		return nil, corrupt("entry %d layout", i)
	}
	key := make([]byte, int(h.Overlap)+int(h.Diff))
	copy(key, b.BaseKey[:h.Overlap])
	copy(key[h.Overlap:], buf[pos:pos+int(h.Diff)])
	pos += int(h.Diff)
	return &utils.Entry{Key: key, Value: buf[pos : pos+int(vlen)], Seq: seq, Meta: meta}, nil
}

// search returns the index of the first entry whose key >= key.
func (b *Block) search(key []byte, c cmp.Comparator) (int, error) {
	var err error
	idx := sort.Search(len(b.EntryOffsets), func(i int) bool {
		e, rerr := b.readEntry(i)
		if rerr != nil {
			err = rerr
			return true
		}
		return c.Compare(e.Key, key) >= 0
	})
	return idx, err
}

// blockBuilder accumulates entries for one block.
type blockBuilder struct {
	buf     []byte
	offsets []uint32
	baseKey []byte
}

func (bb *blockBuilder) empty() bool {
	return len(bb.offsets) == 0
}

func entrySize(e *utils.Entry, diff int) int {
	return headerSize + 1 + utils.VarintLength(e.Seq) + utils.VarintLength(uint64(len(e.Value))) + diff + len(e.Value)
}

// size is the encoded block size if e were added.
func (bb *blockBuilder) sizeWith(e *utils.Entry) int {
	return 4 + len(bb.buf) + entrySize(e, len(bb.keyDiff(e.Key))) + 4*(len(bb.offsets)+1) + 4
}

// keyDiff is the part of newKey not shared with the first key of the
// block. The first entry carries its whole key.
func (bb *blockBuilder) keyDiff(newKey []byte) []byte {
	if bb.empty() {
		return newKey
	}
	var i int
	for i = 0; i < len(newKey) && i < len(bb.baseKey) && i < 0xffff; i++ {
		if newKey[i] != bb.baseKey[i] {
			break
		}
	}
	return newKey[i:]
}

func (bb *blockBuilder) add(e *utils.Entry) {
	diff := bb.keyDiff(e.Key)
	if bb.empty() {
		bb.baseKey = append(bb.baseKey[:0], e.Key...)
	}
	h := Header{Overlap: uint16(len(e.Key) - len(diff)), Diff: uint16(len(diff))}
	bb.offsets = append(bb.offsets, uint32(len(bb.buf)))
	bb.buf = append(bb.buf, h.encode()...)
	bb.buf = append(bb.buf, e.Meta)
	var tmp [10]byte
	bb.buf = append(bb.buf, tmp[:utils.EncodeVarint64(tmp[:], e.Seq)]...)
	bb.buf = append(bb.buf, tmp[:utils.EncodeVarint64(tmp[:], uint64(len(e.Value)))]...)
	bb.buf = append(bb.buf, diff...)
	bb.buf = append(bb.buf, e.Value...)
}

func (bb *blockBuilder) finish() []byte {
	body := len(bb.buf) + 4*len(bb.offsets) + 4
	out := make([]byte, 4, 4+body)
	utils.PutUint32(out, uint32(body))
	out = append(out, bb.buf...)
	var tmp [4]byte
	for _, off := range bb.offsets {
		utils.PutUint32(tmp[:], off)
		out = append(out, tmp[:]...)
	}
	utils.PutUint32(tmp[:], uint32(len(bb.offsets)))
	return append(out, tmp[:]...)
}
