package utils

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"sealdisk/utils/errs"
)

// FlagCompressed marks a value stored zstd-compressed.
const FlagCompressed uint8 = 1 << 0

// LocationSize is the encoded size of a Location.
const LocationSize = 8 + 4 + 4 + 8 + 1

// Location says where the sealed data blocks of a value live. Every block
// of one value is sealed under Version at its own position.
type Location struct {
	Block   uint64
	Count   uint32
	Length  uint32
	Version uint64
	Flags   uint8
}

func (l Location) Encode() []byte {
	buf := make([]byte, LocationSize)
	binary.LittleEndian.PutUint64(buf[0:], l.Block)
	binary.LittleEndian.PutUint32(buf[8:], l.Count)
	binary.LittleEndian.PutUint32(buf[12:], l.Length)
	binary.LittleEndian.PutUint64(buf[16:], l.Version)
	buf[24] = l.Flags
	return buf
}

func DecodeLocation(buf []byte) (Location, error) {
	if len(buf) != LocationSize {
		return Location{}, errors.Wrapf(errs.ErrIntegrity, "location has %d bytes", len(buf))
	}
	return Location{
		Block:   binary.LittleEndian.Uint64(buf[0:]),
		Count:   binary.LittleEndian.Uint32(buf[8:]),
		Length:  binary.LittleEndian.Uint32(buf[12:]),
		Version: binary.LittleEndian.Uint64(buf[16:]),
		Flags:   buf[24],
	}, nil
}
