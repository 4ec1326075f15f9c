package utils

import "encoding/binary"

// VarintLength return the length that needed
// the highest bit is used to mark the end
func VarintLength(v uint64) int {
	len := 1
	for v >= 128 {
		v >>= 7
		len++
	}
	return len
}

func EncodeVarint64(buf []byte, v uint64) int {
	return binary.PutUvarint(buf, v)
}

// DecodeVarint64 returns the value and the number of bytes read; n <= 0 on
// a short or overlong buffer.
func DecodeVarint64(buf []byte) (uint64, int) {
	return binary.Uvarint(buf)
}

func PutUint16(buf []byte, v uint16) { binary.LittleEndian.PutUint16(buf, v) }
func PutUint32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }
func PutUint64(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) }

func Uint16(buf []byte) uint16 { return binary.LittleEndian.Uint16(buf) }
func Uint32(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf) }
func Uint64(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf) }
