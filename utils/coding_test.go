package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealdisk/utils/errs"
)

func TestCoding(t *testing.T) {
	buf := make([]byte, 10)
	for _, v := range []uint64{0, 1, 127, 128, 1 << 20, 1<<63 + 5} {
		n := EncodeVarint64(buf, v)
		assert.Equal(t, VarintLength(v), n)
		got, m := DecodeVarint64(buf[:n])
		assert.Equal(t, n, m)
		assert.Equal(t, v, got)
	}
	_, m := DecodeVarint64([]byte{0x80})
	assert.True(t, m <= 0)
}

func TestLocation(t *testing.T) {
	loc := Location{Block: 77, Count: 3, Length: 9000, Version: 1 << 40, Flags: FlagCompressed}
	got, err := DecodeLocation(loc.Encode())
	require.NoError(t, err)
	assert.Equal(t, loc, got)

	_, err = DecodeLocation(loc.Encode()[:10])
	assert.ErrorIs(t, err, errs.ErrIntegrity)
}
