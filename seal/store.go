package seal

import (
	"sync"

	"github.com/pkg/errors"

	"sealdisk/file"
	"sealdisk/utils/errs"
)

// VersionSource hands out versions that are never reused for the lifetime of
// a disk, across crashes included.
type VersionSource interface {
	Next() (uint64, error)
}

// Store seals and opens blocks of one domain on a shared BlockStore.
type Store struct {
	blocks *file.BlockStore
	sealer *Sealer
}

func NewStore(blocks *file.BlockStore, sealer *Sealer) *Store {
	return &Store{blocks: blocks, sealer: sealer}
}

func (s *Store) Blocks() *file.BlockStore {
	return s.blocks
}

// BlocksFor is the number of sealed blocks needed to hold n bytes.
func BlocksFor(n int) uint64 {
	if n <= 0 {
		return 1
	}
	return uint64((n + PayloadSize - 1) / PayloadSize)
}

func (s *Store) WriteSealed(pos uint64, plain []byte, version uint64) error {
	block, err := s.sealer.Seal(plain, pos, version)
	if err != nil {
		return err
	}
	return s.blocks.WriteBlock(pos, block)
}

func (s *Store) ReadSealed(pos, version uint64) ([]byte, error) {
	block, err := s.blocks.ReadBlock(pos)
	if err != nil {
		return nil, err
	}
	return s.sealer.Open(block, pos, version)
}

func (s *Store) ReadSealedAtLeast(pos, min uint64) ([]byte, uint64, error) {
	block, err := s.blocks.ReadBlock(pos)
	if err != nil {
		return nil, 0, err
	}
	return s.sealer.OpenAtLeast(block, pos, min)
}

// WriteBlob seals data across ext, every block under the same version.
func (s *Store) WriteBlob(ext file.Extent, data []byte, version uint64) error {
	if BlocksFor(len(data)) > ext.Count {
		return errors.Wrapf(errs.ErrInvalidArgs, "blob of %d bytes does not fit %d blocks", len(data), ext.Count)
	}
	for i := uint64(0); i < ext.Count; i++ {
		lo := int(i) * PayloadSize
		hi := lo + PayloadSize
		if lo > len(data) {
			lo = len(data)
		}
		if hi > len(data) {
			hi = len(data)
		}
		if err := s.WriteSealed(ext.Start+i, data[lo:hi], version); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlob reads back length bytes written by WriteBlob.
func (s *Store) ReadBlob(ext file.Extent, version uint64, length int) ([]byte, error) {
	if length < 0 || BlocksFor(length) > ext.Count {
		return nil, errors.Wrapf(errs.ErrInvalidArgs, "blob of %d bytes in %d blocks", length, ext.Count)
	}
	out := make([]byte, 0, int(ext.Count)*PayloadSize)
	for i := uint64(0); i < ext.Count; i++ {
		plain, err := s.ReadSealed(ext.Start+i, version)
		if err != nil {
			return nil, err
		}
		out = append(out, plain...)
	}
	return out[:length], nil
}

// Counter is an in-memory VersionSource starting after start.
type Counter struct {
	mu   sync.Mutex
	last uint64
}

func NewCounter(start uint64) *Counter {
	return &Counter{last: start}
}

func (c *Counter) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	return c.last, nil
}
