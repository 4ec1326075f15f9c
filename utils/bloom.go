package utils

import (
	"math"

	"github.com/dgryski/go-metro"
)

const bloomSeed = 0xbc9f1d34

// Filter is a bloom filter; the last byte holds the probe count.
type Filter []byte

// Hash is the key hash fed to NewFilter and MayContain.
func Hash(key []byte) uint32 {
	return uint32(metro.Hash64(key, bloomSeed))
}

// BloomBitsPerKey returns the bits per key required by bloomfilter based on
// the false positive rate.
func BloomBitsPerKey(numEntries int, fp float64) int {
	if numEntries <= 0 || fp <= 0 || fp >= 1 {
		return 10
	}
	size := -1 * float64(numEntries) * math.Log(fp) / math.Pow(math.Ln2, 2)
	return int(math.Ceil(size / float64(numEntries)))
}

func NewFilter(keys []uint32, bitsPerKey int) Filter {
	if bitsPerKey < 0 {
		bitsPerKey = 0
	}
	k := uint32(float64(bitsPerKey) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	nBits := len(keys) * bitsPerKey
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8
	filter := make([]byte, nBytes+1)
	for _, h := range keys {
		delta := h>>17 | h<<15
		for j := uint32(0); j < k; j++ {
			bitPos := h % uint32(nBits)
			filter[bitPos/8] |= 1 << (bitPos % 8)
			h += delta
		}
	}
	filter[nBytes] = uint8(k)
	return filter
}

// MayContainKey reports false only when key is definitely absent.
func (f Filter) MayContainKey(key []byte) bool {
	return f.MayContain(Hash(key))
}

func (f Filter) MayContain(h uint32) bool {
	if len(f) < 2 {
		return false
	}
	k := f[len(f)-1]
	if k > 30 {
		// reserved for future encodings
		return true
	}
	nBits := uint32(8 * (len(f) - 1))
	delta := h>>17 | h<<15
	for j := uint8(0); j < k; j++ {
		bitPos := h % nBits
		if f[bitPos/8]&(1<<(bitPos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
