package seal

import (
	"crypto/cipher"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"sealdisk/file"
	"sealdisk/utils/errs"
)

// Domain separates the users of the crypto layer. Each domain has its own
// key and its tag is also mixed into nonce and associated data.
type Domain uint8

const (
	DomainRoot Domain = iota + 1
	DomainJournal
	DomainIndex
	DomainData
)

func (d Domain) String() string {
	switch d {
	case DomainRoot:
		return "root"
	case DomainJournal:
		return "journal"
	case DomainIndex:
		return "index"
	case DomainData:
		return "data"
	}
	return "unknown"
}

const (
	// VersionSize is the clear-text version prefix of a sealed block.
	VersionSize = 8
	// Overhead is what sealing adds to a payload.
	Overhead = VersionSize + chacha20poly1305.Overhead
	// PayloadSize is the plaintext capacity of one block.
	PayloadSize = file.BlockSize - Overhead
)

// Sealer turns payloads into self-authenticating blocks:
//
//	| version u64 | ciphertext (PayloadSize) | tag (16) |
//
// The nonce is never stored; it is derived from position and version, so a
// (position, version) pair must never be sealed twice with different data.
type Sealer struct {
	aead   cipher.AEAD
	domain Domain
}

func NewSealer(key []byte, domain Domain) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrInvalidArgs, "%s key: %v", domain, err)
	}
	return &Sealer{aead: aead, domain: domain}, nil
}

// Nonce returns the nonce used for (pos, version).
func (s *Sealer) Nonce(pos, version uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	binary.LittleEndian.PutUint64(nonce[0:], pos)
	binary.LittleEndian.PutUint64(nonce[8:], version)
	nonce[16] = byte(s.domain)
	return nonce
}

func (s *Sealer) ad(pos, version uint64) []byte {
	ad := make([]byte, 17)
	binary.LittleEndian.PutUint64(ad[0:], pos)
	binary.LittleEndian.PutUint64(ad[8:], version)
	ad[16] = byte(s.domain)
	return ad
}

// Seal encrypts plain (zero padded to PayloadSize) for block pos.
func (s *Sealer) Seal(plain []byte, pos, version uint64) ([]byte, error) {
	if len(plain) > PayloadSize {
		return nil, errors.Wrapf(errs.ErrInvalidArgs, "payload of %d bytes", len(plain))
	}
	block := make([]byte, file.BlockSize)
	binary.LittleEndian.PutUint64(block, version)
	payload := block[VersionSize : VersionSize+PayloadSize]
	copy(payload, plain)
	s.aead.Seal(payload[:0], s.Nonce(pos, version), payload, s.ad(pos, version))
	return block, nil
}

// Open authenticates a block sealed at pos with exactly version. An older
// embedded version is a rollback; any mismatch is an integrity failure.
func (s *Sealer) Open(block []byte, pos, version uint64) ([]byte, error) {
	plain, v, err := s.open(block, pos)
	if err != nil {
		return nil, err
	}
	if v < version {
		return nil, errors.Wrapf(errs.ErrIntegrity, "%s block %d rolled back to version %d, want %d", s.domain, pos, v, version)
	}
	if v != version {
		return nil, errors.Wrapf(errs.ErrIntegrity, "%s block %d has version %d, want %d", s.domain, pos, v, version)
	}
	return plain, nil
}

// OpenAtLeast authenticates a block whose version is not known in advance
// but must not be older than min.
func (s *Sealer) OpenAtLeast(block []byte, pos, min uint64) ([]byte, uint64, error) {
	plain, v, err := s.open(block, pos)
	if err != nil {
		return nil, 0, err
	}
	if v < min {
		return nil, 0, errors.Wrapf(errs.ErrIntegrity, "%s block %d rolled back to version %d, want >= %d", s.domain, pos, v, min)
	}
	return plain, v, nil
}

func (s *Sealer) open(block []byte, pos uint64) ([]byte, uint64, error) {
	if len(block) != file.BlockSize {
		return nil, 0, errors.Wrapf(errs.ErrIntegrity, "%s block %d truncated to %d bytes", s.domain, pos, len(block))
	}
	v := binary.LittleEndian.Uint64(block)
	plain, err := s.aead.Open(nil, s.Nonce(pos, v), block[VersionSize:], s.ad(pos, v))
	if err != nil {
		return nil, 0, errors.Wrapf(errs.ErrIntegrity, "%s block %d: authentication failed", s.domain, pos)
	}
	return plain, v, nil
}

// EmbeddedVersion reads the unauthenticated version prefix of a block.
func EmbeddedVersion(block []byte) uint64 {
	if len(block) < VersionSize {
		return 0
	}
	return binary.LittleEndian.Uint64(block)
}
