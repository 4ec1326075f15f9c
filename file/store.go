package file

import (
	"sync"

	"github.com/pkg/errors"

	"sealdisk/utils/errs"
)

// BlockStore is the space manager over a Device. The allocation bitmap lives
// only in memory; it is rebuilt at open from everything the root references.
type BlockStore struct {
	dev      Device
	count    uint64
	mu       sync.Mutex
	bitmap   []uint64
	free     uint64
	reserved uint64
}

func NewBlockStore(dev Device) *BlockStore {
	count := dev.BlockCount()
	return &BlockStore{
		dev:    dev,
		count:  count,
		bitmap: make([]uint64, (count+63)/64),
		free:   count,
	}
}

func (s *BlockStore) Device() Device {
	return s.dev
}

func (s *BlockStore) BlockCount() uint64 {
	return s.count
}

// Free returns the number of unallocated blocks.
func (s *BlockStore) Free() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free
}

func (s *BlockStore) ReadBlock(idx uint64) ([]byte, error) {
	if idx >= s.count {
		return nil, errors.Wrapf(errs.ErrInvalidArgs, "read block %d of %d", idx, s.count)
	}
	buf := make([]byte, BlockSize)
	if err := s.dev.ReadBlock(idx, buf); err != nil {
		return nil, errors.Wrapf(errs.ErrIO, "read block %d: %v", idx, err)
	}
	return buf, nil
}

func (s *BlockStore) WriteBlock(idx uint64, data []byte) error {
	if idx >= s.count {
		return errors.Wrapf(errs.ErrInvalidArgs, "write block %d of %d", idx, s.count)
	}
	if len(data) != BlockSize {
		return errors.Wrapf(errs.ErrInvalidArgs, "write block %d: %d bytes", idx, len(data))
	}
	if err := s.dev.WriteBlock(idx, data); err != nil {
		return errors.Wrapf(errs.ErrIO, "write block %d: %v", idx, err)
	}
	return nil
}

// Flush makes every completed write durable.
func (s *BlockStore) Flush() error {
	if err := s.dev.Flush(); err != nil {
		return errors.Wrapf(errs.ErrIO, "flush: %v", err)
	}
	return nil
}

// Reserve permanently takes the first n blocks out of allocation.
func (s *BlockStore) Reserve(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.count {
		return errors.Wrapf(errs.ErrInvalidArgs, "reserve %d of %d blocks", n, s.count)
	}
	for i := s.reserved; i < n; i++ {
		if !s.used(i) {
			s.set(i)
			s.free--
		}
	}
	s.reserved = n
	return nil
}

func (s *BlockStore) AllocBlock() (uint64, error) {
	e, err := s.AllocExtent(1)
	if err != nil {
		return 0, err
	}
	return e.Start, nil
}

// AllocExtent hands out n contiguous blocks, first fit.
func (s *BlockStore) AllocExtent(n uint64) (Extent, error) {
	if n == 0 {
		return Extent{}, errors.Wrap(errs.ErrInvalidArgs, "allocate 0 blocks")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.free {
		return Extent{}, errors.Wrapf(errs.ErrNoSpace, "need %d blocks, %d free", n, s.free)
	}
	var run uint64
	for i := s.reserved; i < s.count; i++ {
		if s.bitmap[i/64] == ^uint64(0) && i%64 == 0 {
			run = 0
			i += 63
			continue
		}
		if s.used(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			e := Extent{Start: i + 1 - n, Count: n}
			for j := e.Start; j < e.End(); j++ {
				s.set(j)
			}
			s.free -= n
			return e, nil
		}
	}
	return Extent{}, errors.Wrapf(errs.ErrNoSpace, "no run of %d free blocks", n)
}

func (s *BlockStore) FreeBlock(idx uint64) error {
	return s.FreeExtent(Extent{Start: idx, Count: 1})
}

// FreeExtent returns blocks to the allocator. Freeing a free or reserved
// block is a caller bug and fails without changing anything.
func (s *BlockStore) FreeExtent(e Extent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Start < s.reserved || e.End() > s.count || e.End() < e.Start {
		return errors.Wrapf(errs.ErrInvalidArgs, "free extent %+v", e)
	}
	for i := e.Start; i < e.End(); i++ {
		if !s.used(i) {
			return errors.Wrapf(errs.ErrInvalidArgs, "double free of block %d", i)
		}
	}
	for i := e.Start; i < e.End(); i++ {
		s.clear(i)
	}
	s.free += e.Count
	return nil
}

// MarkUsed claims blocks found referenced while rebuilding the allocator.
// A block claimed twice means two live structures share it.
func (s *BlockStore) MarkUsed(e Extent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Start < s.reserved || e.End() > s.count || e.End() < e.Start {
		return errors.Wrapf(errs.ErrInvalidArgs, "mark extent %+v", e)
	}
	for i := e.Start; i < e.End(); i++ {
		if s.used(i) {
			return errors.Wrapf(errs.ErrIntegrity, "block %d referenced twice", i)
		}
	}
	for i := e.Start; i < e.End(); i++ {
		s.set(i)
	}
	s.free -= e.Count
	return nil
}

// IsUsed reports the allocation state of a block.
func (s *BlockStore) IsUsed(idx uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return idx < s.count && s.used(idx)
}

func (s *BlockStore) used(i uint64) bool { return s.bitmap[i/64]&(1<<(i%64)) != 0 }
func (s *BlockStore) set(i uint64)       { s.bitmap[i/64] |= 1 << (i % 64) }
func (s *BlockStore) clear(i uint64)     { s.bitmap[i/64] &^= 1 << (i % 64) }
